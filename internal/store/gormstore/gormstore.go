package gormstore

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/dicilo-db/adledger/pkg/adledger"
)

const (
	pgUniqueViolationCode   = "23505"
	pgSerializationFailure  = "40001"
	pgDeadlockDetected      = "40P01"
	sqliteConstraintCode    = 19
	sqliteBusyCode          = 5
	sqliteIOErrCode         = 10
	sqliteFullCode          = 13
	sqliteCantOpenCode      = 14

	pgConnectionExceptionClass  = "08"
	pgOperatorInterventionClass = "57"
	errorOperationStore     = "store"
	errorSubjectWallet      = "wallet"
	errorSubjectAdUnit      = "ad_unit"
	errorSubjectEvent       = "event"
	errorSubjectSession     = "session"
	errorSubjectShortLink   = "short_link"
	errorSubjectCode        = "code"
	errorSubjectCounter     = "counter"
	errorSubjectTransaction = "transaction"
	errorCodeGet            = "get"
	errorCodeInsert         = "insert"
	errorCodeUpdate         = "update"
	errorCodeDuplicate      = "duplicate"
	errorCodeUnknown        = "unknown"
	errorCodeConflict       = "conflict"
	errorCodeInvalid        = "invalid"
	errorCodeExists         = "exists"
	errorCodeIncrement      = "increment"
	errorCodeUnavailable    = "unavailable"
)

// Store implements adledger.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates or updates the schema. Intended for the SQLite driver;
// postgres deployments are expected to manage schema out of band.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Wallet{},
		&AdUnit{},
		&ClickEvent{},
		&TopUpSession{},
		&ShortLink{},
		&ReferralCode{},
		&CodeCounter{},
	)
}

// WithTx executes fn within a transaction. Serialization failures surface as
// adledger.ErrTransactionConflict so the service retry loop can take over.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore adledger.Store) error) error {
	err := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
	if isSerializationConflict(err) {
		return wrapStoreError(errorSubjectTransaction, errorCodeConflict, adledger.ErrTransactionConflict)
	}
	if isStoreUnavailable(err) && !errors.Is(err, adledger.ErrStoreUnavailable) {
		// Raw begin/commit failure; fn errors arrive pre-wrapped.
		return wrapStoreError(errorSubjectTransaction, errorCodeUnavailable, err)
	}
	return err
}

func (store *Store) GetWallet(ctx context.Context, clientID adledger.ClientID) (adledger.Wallet, error) {
	return store.getWallet(ctx, clientID, false)
}

func (store *Store) GetWalletForUpdate(ctx context.Context, clientID adledger.ClientID) (adledger.Wallet, error) {
	return store.getWallet(ctx, clientID, true)
}

func (store *Store) getWallet(ctx context.Context, clientID adledger.ClientID, forUpdate bool) (adledger.Wallet, error) {
	query := store.db.WithContext(ctx)
	if forUpdate {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var model Wallet
	err := query.Where("client_id = ?", clientID.String()).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return adledger.Wallet{}, wrapStoreError(errorSubjectWallet, errorCodeUnknown, adledger.ErrUnknownClient)
	}
	if err != nil {
		return adledger.Wallet{}, wrapStoreError(errorSubjectWallet, errorCodeGet, err)
	}
	return mapWallet(model), nil
}

func (store *Store) SetWalletBudget(ctx context.Context, clientID adledger.ClientID, budget adledger.AmountCents) error {
	result := store.db.WithContext(ctx).
		Model(&Wallet{}).
		Where("client_id = ?", clientID.String()).
		Update("budget_remaining_cents", budget.Int64())
	if result.Error != nil {
		return wrapStoreError(errorSubjectWallet, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectWallet, errorCodeUnknown, adledger.ErrUnknownClient)
	}
	return nil
}

func (store *Store) ApplyTopUp(ctx context.Context, clientID adledger.ClientID, amount adledger.PositiveAmountCents, atUnixUTC int64) error {
	at := time.Unix(atUnixUTC, 0).UTC()
	result := store.db.WithContext(ctx).
		Model(&Wallet{}).
		Where("client_id = ?", clientID.String()).
		Updates(map[string]interface{}{
			"budget_remaining_cents": gorm.Expr("budget_remaining_cents + ?", amount.Int64()),
			"total_invested_cents":   gorm.Expr("total_invested_cents + ?", amount.Int64()),
			"last_top_up_cents":      amount.Int64(),
			"last_top_up_at":         at,
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectWallet, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected > 0 {
		return nil
	}
	// First credit for this client creates the wallet row.
	model := Wallet{
		ClientID:             clientID.String(),
		BudgetRemainingCents: amount.Int64(),
		TotalInvestedCents:   amount.Int64(),
		LastTopUpCents:       amount.Int64(),
		LastTopUpAt:          at,
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return wrapStoreError(errorSubjectWallet, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) UpsertAdUnit(ctx context.Context, adID adledger.AdID, clientID adledger.ClientID) error {
	model := AdUnit{AdID: adID.String(), ClientID: clientID.String()}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "ad_id"}},
			DoNothing: true,
		}).
		Create(&model).Error
	if isUniqueViolation(err) {
		return nil
	}
	if err != nil {
		return wrapStoreError(errorSubjectAdUnit, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) GetAdUnitForUpdate(ctx context.Context, adID adledger.AdID) (adledger.AdUnit, error) {
	var model AdUnit
	err := store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("ad_id = ?", adID.String()).
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return adledger.AdUnit{}, wrapStoreError(errorSubjectAdUnit, errorCodeUnknown, adledger.ErrUnknownAd)
	}
	if err != nil {
		return adledger.AdUnit{}, wrapStoreError(errorSubjectAdUnit, errorCodeGet, err)
	}
	return adledger.AdUnit{
		AdID:           model.AdID,
		ClientID:       model.ClientID,
		Clicks:         model.Clicks,
		Views:          model.Views,
		TotalCostCents: adledger.AmountCents(model.TotalCostCents),
	}, nil
}

func (store *Store) ApplyAdCharge(ctx context.Context, adID adledger.AdID, eventType adledger.EventType, cost adledger.AmountCents) error {
	counterColumn := "clicks"
	if eventType == adledger.EventView {
		counterColumn = "views"
	}
	result := store.db.WithContext(ctx).
		Model(&AdUnit{}).
		Where("ad_id = ?", adID.String()).
		Updates(map[string]interface{}{
			counterColumn:      gorm.Expr(counterColumn + " + 1"),
			"total_cost_cents": gorm.Expr("total_cost_cents + ?", cost.Int64()),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectAdUnit, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectAdUnit, errorCodeUnknown, adledger.ErrUnknownAd)
	}
	return nil
}

func (store *Store) InsertClickEvent(ctx context.Context, event adledger.ClickEvent) error {
	model := ClickEvent{
		EventID:          event.EventID,
		AdID:             event.AdID,
		ClientID:         event.ClientID,
		Type:             event.Type.String(),
		CostChargedCents: event.CostChargedCents.Int64(),
		Path:             event.Path,
		Device:           event.Device,
		Location:         event.Location,
		Metadata:         datatypesJSON(event.MetadataJSON),
		CreatedAt:        time.Unix(event.CreatedUnixUTC, 0).UTC(),
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return wrapStoreError(errorSubjectEvent, errorCodeInsert, err)
	}
	return nil
}

// InsertTopUpSession records a payment session. Duplicates insert nothing
// instead of raising a constraint error, which would abort the surrounding
// Postgres transaction and make the redelivery no-op uncommittable.
func (store *Store) InsertTopUpSession(ctx context.Context, session adledger.TopUpSession) error {
	model := TopUpSession{
		SessionID:   session.SessionID,
		ClientID:    session.ClientID,
		AmountCents: session.AmountCents.Int64(),
		Status:      session.Status.String(),
		CreatedAt:   time.Unix(session.CreatedUnixUTC, 0).UTC(),
	}
	result := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "session_id"}},
			DoNothing: true,
		}).
		Create(&model)
	if result.Error != nil {
		return wrapStoreError(errorSubjectSession, errorCodeInsert, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectSession, errorCodeDuplicate, adledger.ErrDuplicateTopUpSession)
	}
	return nil
}

func (store *Store) CreateShortLink(ctx context.Context, link adledger.ShortLink) error {
	model := ShortLink{
		ShortCode:  link.ShortCode,
		CampaignID: link.CampaignID,
		OwnerID:    link.OwnerID,
		TargetURL:  link.TargetURL,
		Clicks:     link.Clicks,
		Active:     link.Active,
		CreatedAt:  time.Unix(link.CreatedUnixUTC, 0).UTC(),
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectShortLink, errorCodeDuplicate, adledger.ErrShortCodeExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectShortLink, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) GetShortLink(ctx context.Context, code adledger.ShortCode) (adledger.ShortLink, error) {
	var model ShortLink
	err := store.db.WithContext(ctx).Where("short_code = ?", code.String()).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return adledger.ShortLink{}, wrapStoreError(errorSubjectShortLink, errorCodeUnknown, adledger.ErrUnknownShortLink)
	}
	if err != nil {
		return adledger.ShortLink{}, wrapStoreError(errorSubjectShortLink, errorCodeGet, err)
	}
	return adledger.ShortLink{
		ShortCode:      model.ShortCode,
		CampaignID:     model.CampaignID,
		OwnerID:        model.OwnerID,
		TargetURL:      model.TargetURL,
		Clicks:         model.Clicks,
		Active:         model.Active,
		CreatedUnixUTC: model.CreatedAt.Unix(),
	}, nil
}

func (store *Store) SetShortLinkTarget(ctx context.Context, code adledger.ShortCode, targetURL string) error {
	return store.updateShortLink(ctx, code, map[string]interface{}{"target_url": targetURL})
}

func (store *Store) SetShortLinkActive(ctx context.Context, code adledger.ShortCode, active bool) error {
	return store.updateShortLink(ctx, code, map[string]interface{}{"active": active})
}

func (store *Store) updateShortLink(ctx context.Context, code adledger.ShortCode, assignments map[string]interface{}) error {
	result := store.db.WithContext(ctx).
		Model(&ShortLink{}).
		Where("short_code = ?", code.String()).
		Updates(assignments)
	if result.Error != nil {
		return wrapStoreError(errorSubjectShortLink, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectShortLink, errorCodeUnknown, adledger.ErrUnknownShortLink)
	}
	return nil
}

func (store *Store) IncrementShortLinkClicks(ctx context.Context, code adledger.ShortCode) error {
	result := store.db.WithContext(ctx).
		Model(&ShortLink{}).
		Where("short_code = ?", code.String()).
		Update("clicks", gorm.Expr("clicks + 1"))
	if result.Error != nil {
		return wrapStoreError(errorSubjectShortLink, errorCodeIncrement, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectShortLink, errorCodeUnknown, adledger.ErrUnknownShortLink)
	}
	return nil
}

func (store *Store) ReferralCodeExists(ctx context.Context, code string) (bool, error) {
	var count int64
	err := store.db.WithContext(ctx).
		Model(&ReferralCode{}).
		Where("code = ?", code).
		Count(&count).Error
	if err != nil {
		return false, wrapStoreError(errorSubjectCode, errorCodeExists, err)
	}
	return count > 0, nil
}

func (store *Store) InsertReferralCode(ctx context.Context, code string, ownerID adledger.OwnerID) error {
	model := ReferralCode{Code: code, OwnerID: ownerID.String()}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectCode, errorCodeDuplicate, adledger.ErrCodeExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectCode, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) NextCounterValue(ctx context.Context, scopeKey string) (int64, error) {
	var model CodeCounter
	err := store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("scope_key = ?", scopeKey).
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		model = CodeCounter{ScopeKey: scopeKey, Value: 1}
		createErr := store.db.WithContext(ctx).Create(&model).Error
		if isUniqueViolation(createErr) {
			return 0, wrapStoreError(errorSubjectCounter, errorCodeConflict, adledger.ErrTransactionConflict)
		}
		if createErr != nil {
			return 0, wrapStoreError(errorSubjectCounter, errorCodeInsert, createErr)
		}
		return model.Value, nil
	}
	if err != nil {
		return 0, wrapStoreError(errorSubjectCounter, errorCodeGet, err)
	}
	next := model.Value + 1
	result := store.db.WithContext(ctx).
		Model(&CodeCounter{}).
		Where("scope_key = ?", scopeKey).
		Update("value", next)
	if result.Error != nil {
		return 0, wrapStoreError(errorSubjectCounter, errorCodeUpdate, result.Error)
	}
	return next, nil
}

func wrapStoreError(subject string, code string, err error) error {
	if isStoreUnavailable(err) {
		return adledger.WrapError(errorOperationStore, subject, errorCodeUnavailable,
			fmt.Errorf("%w: %v", adledger.ErrStoreUnavailable, err))
	}
	return adledger.WrapError(errorOperationStore, subject, code, err)
}

func mapWallet(model Wallet) adledger.Wallet {
	wallet := adledger.Wallet{
		ClientID:             model.ClientID,
		BudgetRemainingCents: adledger.AmountCents(model.BudgetRemainingCents),
		TotalInvestedCents:   adledger.AmountCents(model.TotalInvestedCents),
		LastTopUpCents:       adledger.AmountCents(model.LastTopUpCents),
	}
	if !model.LastTopUpAt.IsZero() {
		wallet.LastTopUpAtUnixUTC = model.LastTopUpAt.Unix()
	}
	return wallet
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte("{}"))
	}
	return datatypes.JSON([]byte(raw))
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}

func isSerializationConflict(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgSerializationFailure || pgErr.Code == pgDeadlockDetected
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteBusyCode
	}
	return strings.Contains(err.Error(), "database is locked")
}

// isStoreUnavailable reports connection-level failures: Postgres class 08
// connection exceptions and class 57 operator interventions, sqlite I/O and
// open failures, network errors, and a closed connection pool. These are
// retried by the service, unlike data errors.
func isStoreUnavailable(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return strings.HasPrefix(pgErr.Code, pgConnectionExceptionClass) ||
			strings.HasPrefix(pgErr.Code, pgOperatorInterventionClass)
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() & 0xFF {
		case sqliteIOErrCode, sqliteFullCode, sqliteCantOpenCode:
			return true
		}
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return strings.Contains(err.Error(), "sql: database is closed")
}
