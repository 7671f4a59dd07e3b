package gormstore

import (
	"context"
	"errors"
	"time"

	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/MarkoPoloResearchLab/credits/pkg/ledger"
)

const (
	defaultMetadataJSON   = "{}"
	pgUniqueViolationCode = "23505"
	sqliteConstraintCode  = 19
	errorOperationStore   = "store"
	errorSubjectAccount   = "account"
	errorSubjectBalance   = "balance"
	errorSubjectMarker    = "grant_marker"
	errorSubjectOrder     = "order"
	errorSubjectTopup     = "topup"
	errorCodeCreate       = "create"
	errorCodeDelete       = "delete"
	errorCodeDuplicate    = "duplicate"
	errorCodeGet          = "get"
	errorCodeInsert       = "insert"
	errorCodeInvalid      = "invalid"
	errorCodeList         = "list"
	errorCodeUpdate       = "update"
	errorCodeUpdateStatus = "update_status"
)

// Store implements ledger.Store, checkout.Store and topup.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates or updates every table.
func Migrate(ctx context.Context, db *gorm.DB) error {
	return db.WithContext(ctx).AutoMigrate(Models()...)
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

func (store *Store) InsertAccount(ctx context.Context, account ledger.Account) error {
	createdAt := unixOrNow(account.CreatedUnixUTC)
	model := Account{
		Email:     account.Key.String(),
		Balance:   account.Balance.Int64(),
		Status:    account.Status.String(),
		ExpiresAt: timeOrNil(account.ExpiresAtUnixUTC),
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueConflict(err) {
		return wrapStoreError(errorSubjectAccount, errorCodeDuplicate, ledger.ErrAccountExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeCreate, ledger.Unavailable(err))
	}
	return nil
}

func (store *Store) GetAccount(ctx context.Context, key ledger.AccountKey) (ledger.Account, error) {
	var model Account
	err := store.db.WithContext(ctx).Where("email = ?", key.String()).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, ledger.ErrAccountNotFound)
	}
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, ledger.Unavailable(err))
	}
	account, err := mapAccount(model)
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	return account, nil
}

func (store *Store) DeleteAccount(ctx context.Context, key ledger.AccountKey) error {
	result := store.db.WithContext(ctx).Where("email = ?", key.String()).Delete(&Account{})
	if result.Error != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeDelete, ledger.Unavailable(result.Error))
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeDelete, ledger.ErrAccountNotFound)
	}
	return nil
}

func (store *Store) InsertGrantMarker(ctx context.Context, marker ledger.GrantMarker) error {
	model := GrantMarker{
		IdempotencyKey: marker.IdempotencyKey.String(),
		AccountEmail:   marker.AccountKey.String(),
		Credits:        marker.Credits.Int64(),
		Metadata:       datatypesJSON(marker.Metadata.String()),
		CreatedAt:      unixOrNow(marker.CreatedUnixUTC),
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueConflict(err) {
		return wrapStoreError(errorSubjectMarker, errorCodeDuplicate, ledger.ErrDuplicateIdempotencyKey)
	}
	if err != nil {
		return wrapStoreError(errorSubjectMarker, errorCodeInsert, ledger.Unavailable(err))
	}
	return nil
}

func (store *Store) IncrementBalance(ctx context.Context, key ledger.AccountKey, amount ledger.Credits) error {
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("email = ?", key.String()).
		Update("balance", gorm.Expr("balance + ?", amount.Int64()))
	if result.Error != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeUpdate, ledger.Unavailable(result.Error))
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectBalance, errorCodeUpdate, ledger.ErrAccountNotFound)
	}
	return nil
}

// DecrementBalanceIfSufficient is a single conditional UPDATE; the existence check only runs
// after zero rows matched and never mutates.
func (store *Store) DecrementBalanceIfSufficient(ctx context.Context, key ledger.AccountKey, amount ledger.Credits) error {
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("email = ? AND balance >= ?", key.String(), amount.Int64()).
		Update("balance", gorm.Expr("balance - ?", amount.Int64()))
	if result.Error != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeUpdate, ledger.Unavailable(result.Error))
	}
	if result.RowsAffected > 0 {
		return nil
	}
	exists, err := store.accountExists(ctx, key)
	if err != nil {
		return err
	}
	if !exists {
		return wrapStoreError(errorSubjectBalance, errorCodeUpdate, ledger.ErrAccountNotFound)
	}
	return wrapStoreError(errorSubjectBalance, errorCodeUpdate, ledger.ErrInsufficientFunds)
}

func (store *Store) UpdateAccountStatus(ctx context.Context, key ledger.AccountKey, status ledger.AccountStatus, expiresAtUnixUTC int64) error {
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("email = ?", key.String()).
		Updates(map[string]any{
			"status":     status.String(),
			"expires_at": timeOrNil(expiresAtUnixUTC),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdateStatus, ledger.Unavailable(result.Error))
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdateStatus, ledger.ErrAccountNotFound)
	}
	return nil
}

func (store *Store) SetPendingPlan(ctx context.Context, key ledger.AccountKey, plan ledger.PendingPlan) error {
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("email = ?", key.String()).
		Updates(map[string]any{
			"pending_plan_id":       plan.PlanID,
			"pending_price_minor":   plan.PriceMinor,
			"pending_credits":       plan.CreditsRequested.Int64(),
			"pending_order_id":      plan.OrderID,
			"pending_gateway_token": stringOrNil(plan.GatewayToken),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, ledger.Unavailable(result.Error))
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, ledger.ErrAccountNotFound)
	}
	return nil
}

func (store *Store) ClearPendingPlan(ctx context.Context, key ledger.AccountKey, orderID string) error {
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("email = ? AND pending_order_id = ?", key.String(), orderID).
		Updates(map[string]any{
			"pending_plan_id":       nil,
			"pending_price_minor":   0,
			"pending_credits":       0,
			"pending_order_id":      nil,
			"pending_gateway_token": nil,
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, ledger.Unavailable(result.Error))
	}
	if result.RowsAffected > 0 {
		return nil
	}
	account, err := store.GetAccount(ctx, key)
	if err != nil {
		return err
	}
	if account.PendingPlan == nil {
		return nil
	}
	return wrapStoreError(errorSubjectAccount, errorCodeUpdate, ledger.ErrPendingPlanMismatch)
}

func (store *Store) ExpireAccounts(ctx context.Context, atUnixUTC int64) (int64, error) {
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("status = ? AND expires_at IS NOT NULL AND expires_at <= ?", ledger.AccountStatusActive.String(), time.Unix(atUnixUTC, 0).UTC()).
		Update("status", ledger.AccountStatusInactive.String())
	if result.Error != nil {
		return 0, wrapStoreError(errorSubjectAccount, errorCodeUpdateStatus, ledger.Unavailable(result.Error))
	}
	return result.RowsAffected, nil
}

func (store *Store) accountExists(ctx context.Context, key ledger.AccountKey) (bool, error) {
	var count int64
	err := store.db.WithContext(ctx).Model(&Account{}).Where("email = ?", key.String()).Count(&count).Error
	if err != nil {
		return false, wrapStoreError(errorSubjectAccount, errorCodeGet, ledger.Unavailable(err))
	}
	return count > 0, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

func mapAccount(model Account) (ledger.Account, error) {
	key, err := ledger.NewAccountKey(model.Email)
	if err != nil {
		return ledger.Account{}, err
	}
	balance, err := ledger.NewBalance(model.Balance)
	if err != nil {
		return ledger.Account{}, err
	}
	status, err := ledger.ParseAccountStatus(model.Status)
	if err != nil {
		return ledger.Account{}, err
	}
	account := ledger.Account{
		Key:              key,
		Balance:          balance,
		Status:           status,
		ExpiresAtUnixUTC: timeOrZero(model.ExpiresAt),
		CreatedUnixUTC:   model.CreatedAt.Unix(),
	}
	if model.PendingOrderID != nil && *model.PendingOrderID != "" {
		account.PendingPlan = &ledger.PendingPlan{
			PlanID:           valueOrEmpty(model.PendingPlanID),
			PriceMinor:       model.PendingPriceMinor,
			CreditsRequested: ledger.Credits(model.PendingCredits),
			OrderID:          *model.PendingOrderID,
			GatewayToken:     valueOrEmpty(model.PendingGatewayToken),
		}
	}
	return account, nil
}

func timeOrZero(value *time.Time) int64 {
	if value == nil {
		return 0
	}
	return value.Unix()
}

func timeOrNil(unixUTC int64) *time.Time {
	if unixUTC == 0 {
		return nil
	}
	value := time.Unix(unixUTC, 0).UTC()
	return &value
}

func unixOrNow(unixUTC int64) time.Time {
	if unixUTC == 0 {
		return time.Now().UTC()
	}
	return time.Unix(unixUTC, 0).UTC()
}

func stringOrNil(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

func valueOrEmpty(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isUniqueConflict(err error) bool {
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
