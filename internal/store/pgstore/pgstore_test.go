package pgstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/MarkoPoloResearchLab/credits/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/credits/pkg/ledger"
)

const postgresDSNEnv = "CREDITD_TEST_POSTGRES_DSN"

func TestAccountRowMapsPendingPlan(test *testing.T) {
	test.Parallel()
	row := accountRow{
		email:               "member@example.com",
		balance:             70,
		status:              "active",
		expiresAtUnixUTC:    99,
		pendingPlanID:       "starter",
		pendingPriceMinor:   50000,
		pendingCredits:      1000,
		pendingOrderID:      "O5",
		pendingGatewayToken: "tok",
		createdUnixUTC:      10,
	}
	account, err := row.toAccount()
	if err != nil {
		test.Fatalf("map row: %v", err)
	}
	if account.Balance != 70 || account.Status != ledger.AccountStatusActive || account.ExpiresAtUnixUTC != 99 {
		test.Fatalf("unexpected account %+v", account)
	}
	if account.PendingPlan == nil || account.PendingPlan.OrderID != "O5" || account.PendingPlan.CreditsRequested != 1000 {
		test.Fatalf("unexpected pending plan %+v", account.PendingPlan)
	}

	row.pendingOrderID = ""
	account, err = row.toAccount()
	if err != nil || account.PendingPlan != nil {
		test.Fatalf("expected no pending plan, got %+v %v", account.PendingPlan, err)
	}
}

func TestAccountRowRejectsCorruptValues(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name string
		row  accountRow
	}{
		{name: "negative balance", row: accountRow{email: "a@example.com", balance: -1, status: "active"}},
		{name: "unknown status", row: accountRow{email: "a@example.com", status: "frozen"}},
		{name: "bad email", row: accountRow{email: "not-an-email", status: "active"}},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			if _, err := testCase.row.toAccount(); err == nil {
				test.Fatalf("expected error")
			}
		})
	}
}

func TestIsUniqueViolation(test *testing.T) {
	test.Parallel()
	wrapped := fmt.Errorf("insert: %w", &pgconn.PgError{Code: pgUniqueViolationCode})
	if !isUniqueViolation(wrapped) {
		test.Fatalf("expected unique violation")
	}
	if isUniqueViolation(&pgconn.PgError{Code: "23503"}) || isUniqueViolation(errors.New("boom")) || isUniqueViolation(nil) {
		test.Fatalf("unexpected unique violation match")
	}
}

// TestPostgresConditionalDeduct runs against a live database when CREDITD_TEST_POSTGRES_DSN is set.
func TestPostgresConditionalDeduct(test *testing.T) {
	dsn := os.Getenv(postgresDSNEnv)
	if dsn == "" {
		test.Skipf("%s not set", postgresDSNEnv)
	}
	ctx := context.Background()
	gormDB, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		test.Fatalf("gorm open: %v", err)
	}
	if err := gormstore.Migrate(ctx, gormDB); err != nil {
		test.Fatalf("migrate: %v", err)
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		test.Fatalf("pgx pool: %v", err)
	}
	defer pool.Close()

	service, err := ledger.NewService(New(pool), func() int64 { return time.Now().UTC().Unix() })
	if err != nil {
		test.Fatalf("service: %v", err)
	}
	key, err := ledger.NewAccountKey(fmt.Sprintf("pg-%d@example.com", time.Now().UnixNano()))
	if err != nil {
		test.Fatalf("key: %v", err)
	}
	defer func() { _ = service.DeleteAccount(ctx, key) }()
	if _, err := service.CreateAccount(ctx, key); err != nil {
		test.Fatalf("create account: %v", err)
	}
	idempotencyKey, err := ledger.NewIdempotencyKey("seed:" + key.String())
	if err != nil {
		test.Fatalf("idempotency key: %v", err)
	}
	for attempt := 0; attempt < 2; attempt++ {
		if _, err := service.Grant(ctx, key, 40, idempotencyKey, ledger.MetadataJSON{}); err != nil {
			test.Fatalf("grant: %v", err)
		}
	}

	var waitGroup sync.WaitGroup
	errorsChannel := make(chan error, 2)
	for worker := 0; worker < 2; worker++ {
		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()
			errorsChannel <- service.Deduct(ctx, key, 30, ledger.MetadataJSON{})
		}()
	}
	waitGroup.Wait()
	close(errorsChannel)
	failures := 0
	for err := range errorsChannel {
		if err != nil {
			if !errors.Is(err, ledger.ErrInsufficientFunds) {
				test.Fatalf("unexpected error: %v", err)
			}
			failures++
		}
	}
	account, err := service.GetAccount(ctx, key)
	if err != nil {
		test.Fatalf("get account: %v", err)
	}
	if failures != 1 || account.Balance != 10 {
		test.Fatalf("expected one failure and balance 10, got %d/%d", failures, account.Balance)
	}
}
