package pgstore

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dicilo-db/adledger/pkg/adledger"
)

const (
	pgUniqueViolationCode   = "23505"
	pgSerializationFailure  = "40001"
	pgDeadlockDetected      = "40P01"
	errorOperationStore     = "store"
	errorSubjectWallet      = "wallet"
	errorSubjectAdUnit      = "ad_unit"
	errorSubjectEvent       = "event"
	errorSubjectSession     = "session"
	errorSubjectShortLink   = "short_link"
	errorSubjectCode        = "code"
	errorSubjectCounter     = "counter"
	errorSubjectTransaction = "transaction"
	errorCodeBegin          = "begin"
	errorCodeCommit         = "commit"
	errorCodeConflict       = "conflict"
	errorCodeDuplicate      = "duplicate"
	errorCodeGet            = "get"
	errorCodeIncrement      = "increment"
	errorCodeInsert         = "insert"
	errorCodeMigrate        = "migrate"
	errorCodeNext           = "next"
	errorCodeUnknown        = "unknown"
	errorCodeUnavailable    = "unavailable"
	errorCodeUpdate         = "update"

	pgConnectionExceptionClass  = "08"
	pgOperatorInterventionClass = "57"

	sqlSelectWallet = `
		select client_id, budget_remaining_cents, total_invested_cents,
			last_top_up_cents, coalesce(extract(epoch from last_top_up_at)::bigint,0)
		from wallets
		where client_id = $1
	`

	sqlSelectWalletForUpdate = sqlSelectWallet + ` for update`

	sqlUpdateWalletBudget = `
		update wallets set budget_remaining_cents = $2, updated_at = now()
		where client_id = $1
	`

	sqlUpsertWalletTopUp = `
		insert into wallets(client_id, budget_remaining_cents, total_invested_cents, last_top_up_cents, last_top_up_at, created_at, updated_at)
		values($1, $2, $2, $2, to_timestamp($3), now(), now())
		on conflict (client_id) do update set
			budget_remaining_cents = wallets.budget_remaining_cents + excluded.budget_remaining_cents,
			total_invested_cents = wallets.total_invested_cents + excluded.total_invested_cents,
			last_top_up_cents = excluded.last_top_up_cents,
			last_top_up_at = excluded.last_top_up_at,
			updated_at = now()
	`

	sqlUpsertAdUnit = `
		insert into ad_units(ad_id, client_id, created_at, updated_at)
		values($1, $2, now(), now())
		on conflict (ad_id) do nothing
	`

	sqlSelectAdUnitForUpdate = `
		select ad_id, client_id, clicks, views, total_cost_cents
		from ad_units
		where ad_id = $1
		for update
	`

	sqlApplyAdClick = `
		update ad_units set clicks = clicks + 1, total_cost_cents = total_cost_cents + $2, updated_at = now()
		where ad_id = $1
	`

	sqlApplyAdView = `
		update ad_units set views = views + 1, total_cost_cents = total_cost_cents + $2, updated_at = now()
		where ad_id = $1
	`

	sqlInsertClickEvent = `
		insert into click_events(event_id, ad_id, client_id, type, cost_charged_cents, path, device, location, metadata, created_at)
		values($1, $2, nullif($3,''), $4, $5, $6, $7, $8, coalesce(nullif($9,''),'{}')::jsonb, to_timestamp($10))
	`

	sqlInsertTopUpSession = `
		insert into topup_sessions(session_id, client_id, amount_cents, status, created_at)
		values($1, $2, $3, $4, to_timestamp($5))
		on conflict (session_id) do nothing
	`

	sqlInsertShortLink = `
		insert into short_links(short_code, campaign_id, owner_id, target_url, clicks, active, created_at, updated_at)
		values($1, $2, $3, $4, $5, $6, to_timestamp($7), now())
	`

	sqlSelectShortLink = `
		select short_code, campaign_id, owner_id, target_url, clicks, active,
			extract(epoch from created_at)::bigint
		from short_links
		where short_code = $1
	`

	sqlUpdateShortLinkTarget = `
		update short_links set target_url = $2, updated_at = now() where short_code = $1
	`

	sqlUpdateShortLinkActive = `
		update short_links set active = $2, updated_at = now() where short_code = $1
	`

	sqlIncrementShortLinkClicks = `
		update short_links set clicks = clicks + 1, updated_at = now() where short_code = $1
	`

	sqlReferralCodeExists = `
		select exists(select 1 from referral_codes where code = $1)
	`

	sqlInsertReferralCode = `
		insert into referral_codes(code, owner_id, created_at) values($1, $2, now())
	`

	sqlNextCounterValue = `
		insert into code_counters(scope_key, value, updated_at)
		values($1, 1, now())
		on conflict (scope_key) do update set value = code_counters.value + 1, updated_at = now()
		returning value
	`

	sqlSchema = `
		create table if not exists wallets(
			client_id text primary key,
			budget_remaining_cents bigint not null default 0,
			total_invested_cents bigint not null default 0,
			last_top_up_cents bigint not null default 0,
			last_top_up_at timestamptz,
			created_at timestamptz not null default now(),
			updated_at timestamptz not null default now()
		);
		create table if not exists ad_units(
			ad_id text primary key,
			client_id text not null,
			clicks bigint not null default 0,
			views bigint not null default 0,
			total_cost_cents bigint not null default 0,
			created_at timestamptz not null default now(),
			updated_at timestamptz not null default now()
		);
		create index if not exists idx_ad_units_client on ad_units(client_id);
		create table if not exists click_events(
			event_id uuid primary key,
			ad_id text not null,
			client_id text,
			type text not null,
			cost_charged_cents bigint not null,
			path text,
			device text,
			location text,
			metadata jsonb not null default '{}',
			created_at timestamptz not null
		);
		create index if not exists idx_click_events_ad_created on click_events(ad_id, created_at);
		create table if not exists topup_sessions(
			session_id text primary key,
			client_id text not null,
			amount_cents bigint not null,
			status text not null,
			created_at timestamptz not null
		);
		create index if not exists idx_topup_sessions_client on topup_sessions(client_id);
		create table if not exists short_links(
			short_code text primary key,
			campaign_id text,
			owner_id text,
			target_url text not null,
			clicks bigint not null default 0,
			active boolean not null default true,
			created_at timestamptz not null,
			updated_at timestamptz not null default now()
		);
		create table if not exists referral_codes(
			code text primary key,
			owner_id text not null,
			created_at timestamptz not null default now()
		);
		create table if not exists code_counters(
			scope_key text primary key,
			value bigint not null default 0,
			updated_at timestamptz not null default now()
		);
	`
)

// querier is the subset of pgx shared by pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements adledger.Store over a pgx connection pool (autocommit
// outside WithTx).
type Store struct {
	pool *pgxpool.Pool
	conn querier
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, conn: pool}
}

// Migrate applies the schema. Safe to run repeatedly.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, sqlSchema); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeMigrate, err)
	}
	return nil
}

// WithTx runs fn inside a database transaction. Serialization failures and
// deadlocks surface as adledger.ErrTransactionConflict for the retry loop.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore adledger.Store) error) error {
	if store.pool == nil {
		// Already inside a transaction: reuse it.
		return fn(ctx, store)
	}
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, err)
	}
	transactionStore := &Store{conn: tx}
	if err := fn(ctx, transactionStore); err != nil {
		_ = tx.Rollback(ctx)
		if isSerializationConflict(err) {
			return wrapStoreError(errorSubjectTransaction, errorCodeConflict, adledger.ErrTransactionConflict)
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		if isSerializationConflict(err) {
			return wrapStoreError(errorSubjectTransaction, errorCodeConflict, adledger.ErrTransactionConflict)
		}
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, err)
	}
	return nil
}

func (store *Store) GetWallet(ctx context.Context, clientID adledger.ClientID) (adledger.Wallet, error) {
	return store.selectWallet(ctx, sqlSelectWallet, clientID)
}

func (store *Store) GetWalletForUpdate(ctx context.Context, clientID adledger.ClientID) (adledger.Wallet, error) {
	return store.selectWallet(ctx, sqlSelectWalletForUpdate, clientID)
}

func (store *Store) selectWallet(ctx context.Context, query string, clientID adledger.ClientID) (adledger.Wallet, error) {
	var wallet adledger.Wallet
	var budget, invested, lastTopUp, lastTopUpAt int64
	err := store.conn.QueryRow(ctx, query, clientID.String()).Scan(
		&wallet.ClientID, &budget, &invested, &lastTopUp, &lastTopUpAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return adledger.Wallet{}, wrapStoreError(errorSubjectWallet, errorCodeUnknown, adledger.ErrUnknownClient)
	}
	if err != nil {
		return adledger.Wallet{}, wrapStoreError(errorSubjectWallet, errorCodeGet, err)
	}
	wallet.BudgetRemainingCents = adledger.AmountCents(budget)
	wallet.TotalInvestedCents = adledger.AmountCents(invested)
	wallet.LastTopUpCents = adledger.AmountCents(lastTopUp)
	wallet.LastTopUpAtUnixUTC = lastTopUpAt
	return wallet, nil
}

func (store *Store) SetWalletBudget(ctx context.Context, clientID adledger.ClientID, budget adledger.AmountCents) error {
	tag, err := store.conn.Exec(ctx, sqlUpdateWalletBudget, clientID.String(), budget.Int64())
	if err != nil {
		return wrapStoreError(errorSubjectWallet, errorCodeUpdate, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectWallet, errorCodeUnknown, adledger.ErrUnknownClient)
	}
	return nil
}

func (store *Store) ApplyTopUp(ctx context.Context, clientID adledger.ClientID, amount adledger.PositiveAmountCents, atUnixUTC int64) error {
	_, err := store.conn.Exec(ctx, sqlUpsertWalletTopUp, clientID.String(), amount.Int64(), atUnixUTC)
	if err != nil {
		return wrapStoreError(errorSubjectWallet, errorCodeUpdate, err)
	}
	return nil
}

func (store *Store) UpsertAdUnit(ctx context.Context, adID adledger.AdID, clientID adledger.ClientID) error {
	if _, err := store.conn.Exec(ctx, sqlUpsertAdUnit, adID.String(), clientID.String()); err != nil {
		return wrapStoreError(errorSubjectAdUnit, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) GetAdUnitForUpdate(ctx context.Context, adID adledger.AdID) (adledger.AdUnit, error) {
	var adUnit adledger.AdUnit
	var totalCost int64
	err := store.conn.QueryRow(ctx, sqlSelectAdUnitForUpdate, adID.String()).Scan(
		&adUnit.AdID, &adUnit.ClientID, &adUnit.Clicks, &adUnit.Views, &totalCost,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return adledger.AdUnit{}, wrapStoreError(errorSubjectAdUnit, errorCodeUnknown, adledger.ErrUnknownAd)
	}
	if err != nil {
		return adledger.AdUnit{}, wrapStoreError(errorSubjectAdUnit, errorCodeGet, err)
	}
	adUnit.TotalCostCents = adledger.AmountCents(totalCost)
	return adUnit, nil
}

func (store *Store) ApplyAdCharge(ctx context.Context, adID adledger.AdID, eventType adledger.EventType, cost adledger.AmountCents) error {
	query := sqlApplyAdClick
	if eventType == adledger.EventView {
		query = sqlApplyAdView
	}
	tag, err := store.conn.Exec(ctx, query, adID.String(), cost.Int64())
	if err != nil {
		return wrapStoreError(errorSubjectAdUnit, errorCodeUpdate, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectAdUnit, errorCodeUnknown, adledger.ErrUnknownAd)
	}
	return nil
}

func (store *Store) InsertClickEvent(ctx context.Context, event adledger.ClickEvent) error {
	_, err := store.conn.Exec(ctx, sqlInsertClickEvent,
		event.EventID,
		event.AdID,
		event.ClientID,
		event.Type.String(),
		event.CostChargedCents.Int64(),
		event.Path,
		event.Device,
		event.Location,
		event.MetadataJSON,
		event.CreatedUnixUTC,
	)
	if err != nil {
		return wrapStoreError(errorSubjectEvent, errorCodeInsert, err)
	}
	return nil
}

// InsertTopUpSession records a payment session. Duplicates insert nothing
// instead of raising, so the surrounding transaction stays committable and a
// redelivered webhook can still finish as a no-op.
func (store *Store) InsertTopUpSession(ctx context.Context, session adledger.TopUpSession) error {
	tag, err := store.conn.Exec(ctx, sqlInsertTopUpSession,
		session.SessionID,
		session.ClientID,
		session.AmountCents.Int64(),
		session.Status.String(),
		session.CreatedUnixUTC,
	)
	if err != nil {
		return wrapStoreError(errorSubjectSession, errorCodeInsert, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectSession, errorCodeDuplicate, adledger.ErrDuplicateTopUpSession)
	}
	return nil
}

func (store *Store) CreateShortLink(ctx context.Context, link adledger.ShortLink) error {
	_, err := store.conn.Exec(ctx, sqlInsertShortLink,
		link.ShortCode,
		link.CampaignID,
		link.OwnerID,
		link.TargetURL,
		link.Clicks,
		link.Active,
		link.CreatedUnixUTC,
	)
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectShortLink, errorCodeDuplicate, adledger.ErrShortCodeExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectShortLink, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) GetShortLink(ctx context.Context, code adledger.ShortCode) (adledger.ShortLink, error) {
	var link adledger.ShortLink
	err := store.conn.QueryRow(ctx, sqlSelectShortLink, code.String()).Scan(
		&link.ShortCode,
		&link.CampaignID,
		&link.OwnerID,
		&link.TargetURL,
		&link.Clicks,
		&link.Active,
		&link.CreatedUnixUTC,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return adledger.ShortLink{}, wrapStoreError(errorSubjectShortLink, errorCodeUnknown, adledger.ErrUnknownShortLink)
	}
	if err != nil {
		return adledger.ShortLink{}, wrapStoreError(errorSubjectShortLink, errorCodeGet, err)
	}
	return link, nil
}

func (store *Store) SetShortLinkTarget(ctx context.Context, code adledger.ShortCode, targetURL string) error {
	return store.execShortLinkUpdate(ctx, sqlUpdateShortLinkTarget, code, targetURL)
}

func (store *Store) SetShortLinkActive(ctx context.Context, code adledger.ShortCode, active bool) error {
	return store.execShortLinkUpdate(ctx, sqlUpdateShortLinkActive, code, active)
}

func (store *Store) execShortLinkUpdate(ctx context.Context, query string, code adledger.ShortCode, value any) error {
	tag, err := store.conn.Exec(ctx, query, code.String(), value)
	if err != nil {
		return wrapStoreError(errorSubjectShortLink, errorCodeUpdate, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectShortLink, errorCodeUnknown, adledger.ErrUnknownShortLink)
	}
	return nil
}

func (store *Store) IncrementShortLinkClicks(ctx context.Context, code adledger.ShortCode) error {
	tag, err := store.conn.Exec(ctx, sqlIncrementShortLinkClicks, code.String())
	if err != nil {
		return wrapStoreError(errorSubjectShortLink, errorCodeIncrement, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectShortLink, errorCodeUnknown, adledger.ErrUnknownShortLink)
	}
	return nil
}

func (store *Store) ReferralCodeExists(ctx context.Context, code string) (bool, error) {
	var exists bool
	if err := store.conn.QueryRow(ctx, sqlReferralCodeExists, code).Scan(&exists); err != nil {
		return false, wrapStoreError(errorSubjectCode, errorCodeGet, err)
	}
	return exists, nil
}

func (store *Store) InsertReferralCode(ctx context.Context, code string, ownerID adledger.OwnerID) error {
	_, err := store.conn.Exec(ctx, sqlInsertReferralCode, code, ownerID.String())
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectCode, errorCodeDuplicate, adledger.ErrCodeExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectCode, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) NextCounterValue(ctx context.Context, scopeKey string) (int64, error) {
	var value int64
	if err := store.conn.QueryRow(ctx, sqlNextCounterValue, scopeKey).Scan(&value); err != nil {
		return 0, wrapStoreError(errorSubjectCounter, errorCodeNext, err)
	}
	return value, nil
}

func wrapStoreError(subject string, code string, err error) error {
	if isStoreUnavailable(err) {
		return adledger.WrapError(errorOperationStore, subject, errorCodeUnavailable,
			fmt.Errorf("%w: %v", adledger.ErrStoreUnavailable, err))
	}
	return adledger.WrapError(errorOperationStore, subject, code, err)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	return false
}

// isStoreUnavailable reports connection-level failures: class 08 connection
// exceptions, class 57 operator interventions (shutdown, crash), and network
// errors from the driver. These are retried by the service, unlike data errors.
func isStoreUnavailable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return strings.HasPrefix(pgErr.Code, pgConnectionExceptionClass) ||
			strings.HasPrefix(pgErr.Code, pgOperatorInterventionClass)
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func isSerializationConflict(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgSerializationFailure || pgErr.Code == pgDeadlockDetected
	}
	return false
}
