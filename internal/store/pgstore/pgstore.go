package pgstore

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MarkoPoloResearchLab/credits/pkg/ledger"
)

const (
	pgUniqueViolationCode   = "23505"
	errorOperationStore     = "store"
	errorSubjectAccount     = "account"
	errorSubjectBalance     = "balance"
	errorSubjectMarker      = "grant_marker"
	errorSubjectTransaction = "transaction"
	errorCodeBegin          = "begin"
	errorCodeCommit         = "commit"
	errorCodeCreate         = "create"
	errorCodeDelete         = "delete"
	errorCodeDuplicate      = "duplicate"
	errorCodeGet            = "get"
	errorCodeInsert         = "insert"
	errorCodeInvalid        = "invalid"
	errorCodeUpdate         = "update"
	errorCodeUpdateStatus   = "update_status"

	sqlInsertAccount = `
		insert into accounts(email, balance, status, expires_at, pending_price_minor, pending_credits, created_at, updated_at)
		values($1, $2, $3, to_timestamp(nullif($4,0)), 0, 0, to_timestamp($5), to_timestamp($5))
	`

	sqlSelectAccount = `
		select
			email,
			balance,
			status,
			coalesce(extract(epoch from expires_at)::bigint,0),
			coalesce(pending_plan_id,''),
			pending_price_minor,
			pending_credits,
			coalesce(pending_order_id,''),
			coalesce(pending_gateway_token,''),
			extract(epoch from created_at)::bigint
		from accounts
		where email = $1
	`

	sqlDeleteAccount = `delete from accounts where email = $1`

	sqlAccountExists = `select exists(select 1 from accounts where email = $1)`

	sqlInsertGrantMarker = `
		insert into grant_markers(idempotency_key, account_email, credits, metadata, created_at)
		values($1, $2, $3, coalesce(nullif($4,''),'{}')::jsonb, to_timestamp($5))
	`

	sqlIncrementBalance = `
		update accounts set balance = balance + $2, updated_at = now()
		where email = $1
	`

	sqlDecrementBalanceIfSufficient = `
		update accounts set balance = balance - $2, updated_at = now()
		where email = $1 and balance >= $2
	`

	sqlUpdateAccountStatus = `
		update accounts set status = $2, expires_at = to_timestamp(nullif($3,0)), updated_at = now()
		where email = $1
	`

	sqlSetPendingPlan = `
		update accounts set
			pending_plan_id = $2,
			pending_price_minor = $3,
			pending_credits = $4,
			pending_order_id = $5,
			pending_gateway_token = nullif($6,''),
			updated_at = now()
		where email = $1
	`

	sqlClearPendingPlan = `
		update accounts set
			pending_plan_id = null,
			pending_price_minor = 0,
			pending_credits = 0,
			pending_order_id = null,
			pending_gateway_token = null,
			updated_at = now()
		where email = $1 and pending_order_id = $2
	`

	sqlExpireAccounts = `
		update accounts set status = $2, updated_at = now()
		where status = $1 and expires_at is not null and expires_at <= to_timestamp($3)
	`
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, arguments ...any) pgx.Row
}

// Store implements ledger.Store using a pgx connection pool (autocommit) or an open transaction.
// It expects the schema created by gormstore.Migrate.
type Store struct {
	pool *pgxpool.Pool
	db   querier
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, db: pool}
}

// WithTx runs fn in a transaction; nested calls reuse the open transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	if store.pool == nil {
		return fn(ctx, store)
	}
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, ledger.Unavailable(err))
	}
	if err := fn(ctx, &Store{db: tx}); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, ledger.Unavailable(err))
	}
	return nil
}

func (store *Store) InsertAccount(ctx context.Context, account ledger.Account) error {
	_, err := store.db.Exec(ctx, sqlInsertAccount,
		account.Key.String(),
		account.Balance.Int64(),
		account.Status.String(),
		account.ExpiresAtUnixUTC,
		account.CreatedUnixUTC,
	)
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectAccount, errorCodeDuplicate, ledger.ErrAccountExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeCreate, ledger.Unavailable(err))
	}
	return nil
}

func (store *Store) GetAccount(ctx context.Context, key ledger.AccountKey) (ledger.Account, error) {
	var row accountRow
	err := store.db.QueryRow(ctx, sqlSelectAccount, key.String()).Scan(
		&row.email,
		&row.balance,
		&row.status,
		&row.expiresAtUnixUTC,
		&row.pendingPlanID,
		&row.pendingPriceMinor,
		&row.pendingCredits,
		&row.pendingOrderID,
		&row.pendingGatewayToken,
		&row.createdUnixUTC,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, ledger.ErrAccountNotFound)
	}
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, ledger.Unavailable(err))
	}
	account, err := row.toAccount()
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	return account, nil
}

func (store *Store) DeleteAccount(ctx context.Context, key ledger.AccountKey) error {
	tag, err := store.db.Exec(ctx, sqlDeleteAccount, key.String())
	if err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeDelete, ledger.Unavailable(err))
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeDelete, ledger.ErrAccountNotFound)
	}
	return nil
}

func (store *Store) InsertGrantMarker(ctx context.Context, marker ledger.GrantMarker) error {
	_, err := store.db.Exec(ctx, sqlInsertGrantMarker,
		marker.IdempotencyKey.String(),
		marker.AccountKey.String(),
		marker.Credits.Int64(),
		marker.Metadata.String(),
		marker.CreatedUnixUTC,
	)
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectMarker, errorCodeDuplicate, ledger.ErrDuplicateIdempotencyKey)
	}
	if err != nil {
		return wrapStoreError(errorSubjectMarker, errorCodeInsert, ledger.Unavailable(err))
	}
	return nil
}

func (store *Store) IncrementBalance(ctx context.Context, key ledger.AccountKey, amount ledger.Credits) error {
	tag, err := store.db.Exec(ctx, sqlIncrementBalance, key.String(), amount.Int64())
	if err != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeUpdate, ledger.Unavailable(err))
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectBalance, errorCodeUpdate, ledger.ErrAccountNotFound)
	}
	return nil
}

func (store *Store) DecrementBalanceIfSufficient(ctx context.Context, key ledger.AccountKey, amount ledger.Credits) error {
	tag, err := store.db.Exec(ctx, sqlDecrementBalanceIfSufficient, key.String(), amount.Int64())
	if err != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeUpdate, ledger.Unavailable(err))
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	var exists bool
	if err := store.db.QueryRow(ctx, sqlAccountExists, key.String()).Scan(&exists); err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeGet, ledger.Unavailable(err))
	}
	if !exists {
		return wrapStoreError(errorSubjectBalance, errorCodeUpdate, ledger.ErrAccountNotFound)
	}
	return wrapStoreError(errorSubjectBalance, errorCodeUpdate, ledger.ErrInsufficientFunds)
}

func (store *Store) UpdateAccountStatus(ctx context.Context, key ledger.AccountKey, status ledger.AccountStatus, expiresAtUnixUTC int64) error {
	tag, err := store.db.Exec(ctx, sqlUpdateAccountStatus, key.String(), status.String(), expiresAtUnixUTC)
	if err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdateStatus, ledger.Unavailable(err))
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdateStatus, ledger.ErrAccountNotFound)
	}
	return nil
}

func (store *Store) SetPendingPlan(ctx context.Context, key ledger.AccountKey, plan ledger.PendingPlan) error {
	tag, err := store.db.Exec(ctx, sqlSetPendingPlan,
		key.String(),
		plan.PlanID,
		plan.PriceMinor,
		plan.CreditsRequested.Int64(),
		plan.OrderID,
		plan.GatewayToken,
	)
	if err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, ledger.Unavailable(err))
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, ledger.ErrAccountNotFound)
	}
	return nil
}

func (store *Store) ClearPendingPlan(ctx context.Context, key ledger.AccountKey, orderID string) error {
	tag, err := store.db.Exec(ctx, sqlClearPendingPlan, key.String(), orderID)
	if err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, ledger.Unavailable(err))
	}
	if tag.RowsAffected() > 0 {
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
	tag, err := store.db.Exec(ctx, sqlExpireAccounts, ledger.AccountStatusActive.String(), ledger.AccountStatusInactive.String(), atUnixUTC)
	if err != nil {
		return 0, wrapStoreError(errorSubjectAccount, errorCodeUpdateStatus, ledger.Unavailable(err))
	}
	return tag.RowsAffected(), nil
}

type accountRow struct {
	email               string
	balance             int64
	status              string
	expiresAtUnixUTC    int64
	pendingPlanID       string
	pendingPriceMinor   int64
	pendingCredits      int64
	pendingOrderID      string
	pendingGatewayToken string
	createdUnixUTC      int64
}

func (row accountRow) toAccount() (ledger.Account, error) {
	key, err := ledger.NewAccountKey(row.email)
	if err != nil {
		return ledger.Account{}, err
	}
	balance, err := ledger.NewBalance(row.balance)
	if err != nil {
		return ledger.Account{}, err
	}
	status, err := ledger.ParseAccountStatus(row.status)
	if err != nil {
		return ledger.Account{}, err
	}
	account := ledger.Account{
		Key:              key,
		Balance:          balance,
		Status:           status,
		ExpiresAtUnixUTC: row.expiresAtUnixUTC,
		CreatedUnixUTC:   row.createdUnixUTC,
	}
	if row.pendingOrderID != "" {
		account.PendingPlan = &ledger.PendingPlan{
			PlanID:           row.pendingPlanID,
			PriceMinor:       row.pendingPriceMinor,
			CreditsRequested: ledger.Credits(row.pendingCredits),
			OrderID:          row.pendingOrderID,
			GatewayToken:     row.pendingGatewayToken,
		}
	}
	return account, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	return false
}
