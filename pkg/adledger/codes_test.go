package adledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
)

func TestAllocateReferralCodeFirstSuffix(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)

	code, err := service.AllocateReferralCode(context.Background(), CodeIdentity{
		FirstName: "maria",
		LastName:  "gonzalez",
		JoinYear:  2025,
	}, mustOwnerID(test, "owner-1"))
	if err != nil {
		test.Fatalf("allocate: %v", err)
	}
	if code != "MG2501" {
		test.Fatalf("expected MG2501, got %q", code)
	}
	if store.referralCodes[code] != "owner-1" {
		test.Fatalf("expected code persisted for owner-1")
	}
}

func TestAllocateReferralCodeProbesPastTakenSuffixes(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	store.referralCodes["MG2501"] = "someone"
	store.referralCodes["MG2502"] = "someone-else"
	service := mustNewService(test, store)

	code, err := service.AllocateReferralCode(context.Background(), CodeIdentity{
		FirstName: "Marta",
		LastName:  "Guerrero",
		JoinYear:  2025,
	}, mustOwnerID(test, "owner-2"))
	if err != nil {
		test.Fatalf("allocate: %v", err)
	}
	if code != "MG2503" {
		test.Fatalf("expected MG2503, got %q", code)
	}
}

func TestAllocateReferralCodeUsesDiscriminatorDigits(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)

	code, err := service.AllocateReferralCode(context.Background(), CodeIdentity{
		FirstName:     "Ana",
		LastName:      "Beltran",
		JoinYear:      2024,
		Discriminator: "member-4711",
	}, mustOwnerID(test, "owner-3"))
	if err != nil {
		test.Fatalf("allocate: %v", err)
	}
	if code != "AB241101" {
		test.Fatalf("expected AB241101, got %q", code)
	}
}

func TestAllocateReferralCodeSequenceExhausted(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	for suffix := 1; suffix <= 99; suffix++ {
		store.referralCodes[fmt.Sprintf("MG25%02d", suffix)] = "taken"
	}
	service := mustNewService(test, store)

	_, err := service.AllocateReferralCode(context.Background(), CodeIdentity{
		FirstName: "Miguel",
		LastName:  "Garcia",
		JoinYear:  2025,
	}, mustOwnerID(test, "owner-4"))
	if !errors.Is(err, ErrSequenceExhausted) {
		test.Fatalf("expected ErrSequenceExhausted, got %v", err)
	}
}

func TestAllocateReferralCodeRejectsIncompleteIdentity(test *testing.T) {
	test.Parallel()
	service := mustNewService(test, newStubStore(test))

	_, err := service.AllocateReferralCode(context.Background(), CodeIdentity{FirstName: "OnlyFirst"}, mustOwnerID(test, "owner-5"))
	if !errors.Is(err, ErrInvalidCodeIdentity) {
		test.Fatalf("expected ErrInvalidCodeIdentity, got %v", err)
	}
}

func TestAllocateReferralCodeConcurrentAllocatorsGetDistinctCodes(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)
	identity := CodeIdentity{FirstName: "Lucia", LastName: "Prieto", JoinYear: 2025}

	const allocators = 10
	codes := make(chan string, allocators)
	var waitGroup sync.WaitGroup
	for worker := 0; worker < allocators; worker++ {
		waitGroup.Add(1)
		go func(index int) {
			defer waitGroup.Done()
			code, err := service.AllocateReferralCode(context.Background(), identity, mustOwnerID(test, fmt.Sprintf("owner-%d", index)))
			if err != nil {
				test.Errorf("allocate: %v", err)
				return
			}
			codes <- code
		}(worker)
	}
	waitGroup.Wait()
	close(codes)

	seen := make(map[string]bool)
	for code := range codes {
		if seen[code] {
			test.Fatalf("duplicate code issued: %q", code)
		}
		seen[code] = true
	}
	if len(seen) != allocators {
		test.Fatalf("expected %d distinct codes, got %d", allocators, len(seen))
	}
}

func TestAllocateCounterCodeSequence(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)
	scope := CounterScope{Prefix: "REF", Year: 2025, Identity: "LP"}

	first, err := service.AllocateCounterCode(context.Background(), scope)
	if err != nil {
		test.Fatalf("allocate: %v", err)
	}
	second, err := service.AllocateCounterCode(context.Background(), scope)
	if err != nil {
		test.Fatalf("allocate: %v", err)
	}
	if first != "REF-2025-LP-0001" || second != "REF-2025-LP-0002" {
		test.Fatalf("expected sequential codes, got %q then %q", first, second)
	}
}

func TestAllocateCounterCodeScopesAreIndependent(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)

	first, err := service.AllocateCounterCode(context.Background(), CounterScope{Prefix: "REF", Year: 2025, Identity: "AA"})
	if err != nil {
		test.Fatalf("allocate: %v", err)
	}
	other, err := service.AllocateCounterCode(context.Background(), CounterScope{Prefix: "REF", Year: 2025, Identity: "BB"})
	if err != nil {
		test.Fatalf("allocate: %v", err)
	}
	if first != "REF-2025-AA-0001" || other != "REF-2025-BB-0001" {
		test.Fatalf("expected independent counters, got %q and %q", first, other)
	}
}

func TestAllocateCounterCodeConcurrencyIsGapFree(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)
	scope := CounterScope{Prefix: "REF", Year: 2025, Identity: "GF"}

	const allocators = 12
	codes := make(chan string, allocators)
	var waitGroup sync.WaitGroup
	for worker := 0; worker < allocators; worker++ {
		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()
			code, err := service.AllocateCounterCode(context.Background(), scope)
			if err != nil {
				test.Errorf("allocate: %v", err)
				return
			}
			codes <- code
		}()
	}
	waitGroup.Wait()
	close(codes)

	issued := make([]string, 0, allocators)
	for code := range codes {
		issued = append(issued, code)
	}
	sort.Strings(issued)
	for index, code := range issued {
		expected := fmt.Sprintf("REF-2025-GF-%04d", index+1)
		if code != expected {
			test.Fatalf("expected %q at position %d, got %q", expected, index, code)
		}
	}
}

func TestAllocateCounterCodeRejectsEmptyScope(test *testing.T) {
	test.Parallel()
	service := mustNewService(test, newStubStore(test))

	_, err := service.AllocateCounterCode(context.Background(), CounterScope{Prefix: "REF"})
	if !errors.Is(err, ErrInvalidCounterScope) {
		test.Fatalf("expected ErrInvalidCounterScope, got %v", err)
	}
}

func TestCounterScopeKey(test *testing.T) {
	test.Parallel()
	scope := CounterScope{Prefix: "REF", Year: 2025, Identity: "XY"}
	if got := scope.Key(); got != "REF:2025:XY" {
		test.Fatalf("expected REF:2025:XY, got %q", got)
	}
}

func TestAllocateReferralCodeRetriesConflictedTransaction(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	store.conflictsBeforeCommit = 1
	service := mustNewService(test, store, WithRetryPolicy(3, 1))

	code, err := service.AllocateReferralCode(context.Background(), CodeIdentity{
		FirstName: "maria",
		LastName:  "gonzalez",
		JoinYear:  2025,
	}, mustOwnerID(test, "owner-1"))
	if err != nil {
		test.Fatalf("allocate after conflict: %v", err)
	}
	if code != "MG2501" {
		test.Fatalf("expected MG2501, got %q", code)
	}
	if store.txAttempts != 2 {
		test.Fatalf("expected 2 transaction attempts, got %d", store.txAttempts)
	}
}
