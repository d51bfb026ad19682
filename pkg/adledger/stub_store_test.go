package adledger

import (
	"context"
	"sync"
	"testing"
)

// stubStore is an in-memory Store. WithTx serializes callers behind a mutex
// and restores a snapshot of the mutable tables when the closure fails, so
// domain tests observe the same all-or-nothing behavior as a real
// transactional backend.
type stubStore struct {
	mutex                 sync.Mutex
	wallets               map[string]Wallet
	adUnits               map[string]AdUnit
	events                []ClickEvent
	sessions              map[string]TopUpSession
	links                 map[string]ShortLink
	referralCodes         map[string]string
	counters              map[string]int64
	txAttempts            int
	conflictsBeforeCommit int
	failInsertEvent       error
	failAdCharge          error
}

func newStubStore(test *testing.T) *stubStore {
	test.Helper()
	return &stubStore{
		wallets:       make(map[string]Wallet),
		adUnits:       make(map[string]AdUnit),
		sessions:      make(map[string]TopUpSession),
		links:         make(map[string]ShortLink),
		referralCodes: make(map[string]string),
		counters:      make(map[string]int64),
	}
}

func (store *stubStore) seedWallet(clientID string, budget int64) {
	store.wallets[clientID] = Wallet{ClientID: clientID, BudgetRemainingCents: AmountCents(budget)}
}

func (store *stubStore) seedAdUnit(adID string, clientID string) {
	store.adUnits[adID] = AdUnit{AdID: adID, ClientID: clientID}
}

func (store *stubStore) seedLink(code string, targetURL string, active bool) {
	store.links[code] = ShortLink{ShortCode: code, TargetURL: targetURL, Active: active}
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.txAttempts++
	if store.txAttempts <= store.conflictsBeforeCommit {
		return WrapError("store", "transaction", "conflict", ErrTransactionConflict)
	}
	walletSnapshot := cloneMap(store.wallets)
	adUnitSnapshot := cloneMap(store.adUnits)
	sessionSnapshot := cloneMap(store.sessions)
	linkSnapshot := cloneMap(store.links)
	codeSnapshot := cloneMap(store.referralCodes)
	counterSnapshot := cloneMap(store.counters)
	eventCount := len(store.events)
	if err := fn(ctx, (*lockedStubStore)(store)); err != nil {
		store.wallets = walletSnapshot
		store.adUnits = adUnitSnapshot
		store.sessions = sessionSnapshot
		store.links = linkSnapshot
		store.referralCodes = codeSnapshot
		store.counters = counterSnapshot
		store.events = store.events[:eventCount]
		return err
	}
	return nil
}

// lockedStubStore is the view handed to transaction closures; it shares the
// stub's state but skips the mutex the outer WithTx already holds.
type lockedStubStore stubStore

func (store *lockedStubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	return fn(ctx, store)
}

func (store *stubStore) GetWallet(ctx context.Context, clientID ClientID) (Wallet, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return (*lockedStubStore)(store).GetWallet(ctx, clientID)
}

func (store *lockedStubStore) GetWallet(ctx context.Context, clientID ClientID) (Wallet, error) {
	wallet, ok := store.wallets[clientID.String()]
	if !ok {
		return Wallet{}, ErrUnknownClient
	}
	return wallet, nil
}

func (store *lockedStubStore) GetWalletForUpdate(ctx context.Context, clientID ClientID) (Wallet, error) {
	return store.GetWallet(ctx, clientID)
}

func (store *lockedStubStore) SetWalletBudget(ctx context.Context, clientID ClientID, budget AmountCents) error {
	wallet, ok := store.wallets[clientID.String()]
	if !ok {
		return ErrUnknownClient
	}
	wallet.BudgetRemainingCents = budget
	store.wallets[clientID.String()] = wallet
	return nil
}

func (store *lockedStubStore) ApplyTopUp(ctx context.Context, clientID ClientID, amount PositiveAmountCents, atUnixUTC int64) error {
	wallet := store.wallets[clientID.String()]
	wallet.ClientID = clientID.String()
	wallet.BudgetRemainingCents += amount.ToAmountCents()
	wallet.TotalInvestedCents += amount.ToAmountCents()
	wallet.LastTopUpCents = amount.ToAmountCents()
	wallet.LastTopUpAtUnixUTC = atUnixUTC
	store.wallets[clientID.String()] = wallet
	return nil
}

func (store *lockedStubStore) UpsertAdUnit(ctx context.Context, adID AdID, clientID ClientID) error {
	if _, exists := store.adUnits[adID.String()]; exists {
		return nil
	}
	store.adUnits[adID.String()] = AdUnit{AdID: adID.String(), ClientID: clientID.String()}
	return nil
}

func (store *lockedStubStore) GetAdUnitForUpdate(ctx context.Context, adID AdID) (AdUnit, error) {
	adUnit, ok := store.adUnits[adID.String()]
	if !ok {
		return AdUnit{}, ErrUnknownAd
	}
	return adUnit, nil
}

func (store *lockedStubStore) ApplyAdCharge(ctx context.Context, adID AdID, eventType EventType, cost AmountCents) error {
	if store.failAdCharge != nil {
		return store.failAdCharge
	}
	adUnit, ok := store.adUnits[adID.String()]
	if !ok {
		return ErrUnknownAd
	}
	if eventType == EventView {
		adUnit.Views++
	} else {
		adUnit.Clicks++
	}
	adUnit.TotalCostCents += cost
	store.adUnits[adID.String()] = adUnit
	return nil
}

func (store *lockedStubStore) InsertClickEvent(ctx context.Context, event ClickEvent) error {
	if store.failInsertEvent != nil {
		return store.failInsertEvent
	}
	store.events = append(store.events, event)
	return nil
}

func (store *lockedStubStore) InsertTopUpSession(ctx context.Context, session TopUpSession) error {
	if _, exists := store.sessions[session.SessionID]; exists {
		return ErrDuplicateTopUpSession
	}
	store.sessions[session.SessionID] = session
	return nil
}

func (store *lockedStubStore) CreateShortLink(ctx context.Context, link ShortLink) error {
	if _, exists := store.links[link.ShortCode]; exists {
		return ErrShortCodeExists
	}
	store.links[link.ShortCode] = link
	return nil
}

func (store *lockedStubStore) GetShortLink(ctx context.Context, code ShortCode) (ShortLink, error) {
	link, ok := store.links[code.String()]
	if !ok {
		return ShortLink{}, ErrUnknownShortLink
	}
	return link, nil
}

func (store *stubStore) GetShortLink(ctx context.Context, code ShortCode) (ShortLink, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return (*lockedStubStore)(store).GetShortLink(ctx, code)
}

func (store *lockedStubStore) SetShortLinkTarget(ctx context.Context, code ShortCode, targetURL string) error {
	link, ok := store.links[code.String()]
	if !ok {
		return ErrUnknownShortLink
	}
	link.TargetURL = targetURL
	store.links[code.String()] = link
	return nil
}

func (store *lockedStubStore) SetShortLinkActive(ctx context.Context, code ShortCode, active bool) error {
	link, ok := store.links[code.String()]
	if !ok {
		return ErrUnknownShortLink
	}
	link.Active = active
	store.links[code.String()] = link
	return nil
}

func (store *lockedStubStore) IncrementShortLinkClicks(ctx context.Context, code ShortCode) error {
	link, ok := store.links[code.String()]
	if !ok {
		return ErrUnknownShortLink
	}
	link.Clicks++
	store.links[code.String()] = link
	return nil
}

func (store *stubStore) IncrementShortLinkClicks(ctx context.Context, code ShortCode) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return (*lockedStubStore)(store).IncrementShortLinkClicks(ctx, code)
}

func (store *lockedStubStore) ReferralCodeExists(ctx context.Context, code string) (bool, error) {
	_, exists := store.referralCodes[code]
	return exists, nil
}

func (store *lockedStubStore) InsertReferralCode(ctx context.Context, code string, ownerID OwnerID) error {
	if _, exists := store.referralCodes[code]; exists {
		return ErrCodeExists
	}
	store.referralCodes[code] = ownerID.String()
	return nil
}

func (store *lockedStubStore) NextCounterValue(ctx context.Context, scopeKey string) (int64, error) {
	store.counters[scopeKey]++
	return store.counters[scopeKey], nil
}

// The remaining direct (non-transactional) methods delegate through the
// locked view so standalone calls stay race-free.

func (store *stubStore) GetWalletForUpdate(ctx context.Context, clientID ClientID) (Wallet, error) {
	return store.GetWallet(ctx, clientID)
}

func (store *stubStore) SetWalletBudget(ctx context.Context, clientID ClientID, budget AmountCents) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return (*lockedStubStore)(store).SetWalletBudget(ctx, clientID, budget)
}

func (store *stubStore) ApplyTopUp(ctx context.Context, clientID ClientID, amount PositiveAmountCents, atUnixUTC int64) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return (*lockedStubStore)(store).ApplyTopUp(ctx, clientID, amount, atUnixUTC)
}

func (store *stubStore) UpsertAdUnit(ctx context.Context, adID AdID, clientID ClientID) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return (*lockedStubStore)(store).UpsertAdUnit(ctx, adID, clientID)
}

func (store *stubStore) GetAdUnitForUpdate(ctx context.Context, adID AdID) (AdUnit, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return (*lockedStubStore)(store).GetAdUnitForUpdate(ctx, adID)
}

func (store *stubStore) ApplyAdCharge(ctx context.Context, adID AdID, eventType EventType, cost AmountCents) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return (*lockedStubStore)(store).ApplyAdCharge(ctx, adID, eventType, cost)
}

func (store *stubStore) InsertClickEvent(ctx context.Context, event ClickEvent) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return (*lockedStubStore)(store).InsertClickEvent(ctx, event)
}

func (store *stubStore) InsertTopUpSession(ctx context.Context, session TopUpSession) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return (*lockedStubStore)(store).InsertTopUpSession(ctx, session)
}

func (store *stubStore) CreateShortLink(ctx context.Context, link ShortLink) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return (*lockedStubStore)(store).CreateShortLink(ctx, link)
}

func (store *stubStore) SetShortLinkTarget(ctx context.Context, code ShortCode, targetURL string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return (*lockedStubStore)(store).SetShortLinkTarget(ctx, code, targetURL)
}

func (store *stubStore) SetShortLinkActive(ctx context.Context, code ShortCode, active bool) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return (*lockedStubStore)(store).SetShortLinkActive(ctx, code, active)
}

func (store *stubStore) ReferralCodeExists(ctx context.Context, code string) (bool, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return (*lockedStubStore)(store).ReferralCodeExists(ctx, code)
}

func (store *stubStore) InsertReferralCode(ctx context.Context, code string, ownerID OwnerID) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return (*lockedStubStore)(store).InsertReferralCode(ctx, code, ownerID)
}

func (store *stubStore) NextCounterValue(ctx context.Context, scopeKey string) (int64, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return (*lockedStubStore)(store).NextCounterValue(ctx, scopeKey)
}

func cloneMap[Key comparable, Value any](source map[Key]Value) map[Key]Value {
	clone := make(map[Key]Value, len(source))
	for key, value := range source {
		clone[key] = value
	}
	return clone
}

func mustNewService(test *testing.T, store Store, options ...ServiceOption) *Service {
	test.Helper()
	service, err := NewService(store, func() int64 { return 100 }, options...)
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}

func mustClientID(test *testing.T, raw string) ClientID {
	test.Helper()
	value, err := NewClientID(raw)
	if err != nil {
		test.Fatalf("client id: %v", err)
	}
	return value
}

func mustAdID(test *testing.T, raw string) AdID {
	test.Helper()
	value, err := NewAdID(raw)
	if err != nil {
		test.Fatalf("ad id: %v", err)
	}
	return value
}

func mustSessionID(test *testing.T, raw string) SessionID {
	test.Helper()
	value, err := NewSessionID(raw)
	if err != nil {
		test.Fatalf("session id: %v", err)
	}
	return value
}

func mustShortCode(test *testing.T, raw string) ShortCode {
	test.Helper()
	value, err := NewShortCode(raw)
	if err != nil {
		test.Fatalf("short code: %v", err)
	}
	return value
}

func mustCampaignID(test *testing.T, raw string) CampaignID {
	test.Helper()
	value, err := NewCampaignID(raw)
	if err != nil {
		test.Fatalf("campaign id: %v", err)
	}
	return value
}

func mustOwnerID(test *testing.T, raw string) OwnerID {
	test.Helper()
	value, err := NewOwnerID(raw)
	if err != nil {
		test.Fatalf("owner id: %v", err)
	}
	return value
}

func mustPositiveAmount(test *testing.T, raw int64) PositiveAmountCents {
	test.Helper()
	value, err := NewPositiveAmountCents(raw)
	if err != nil {
		test.Fatalf("amount: %v", err)
	}
	return value
}

func mustMetadata(test *testing.T, raw string) MetadataJSON {
	test.Helper()
	value, err := NewMetadataJSON(raw)
	if err != nil {
		test.Fatalf("metadata: %v", err)
	}
	return value
}
