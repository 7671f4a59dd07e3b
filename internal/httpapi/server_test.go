package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/golang-jwt/jwt/v5"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarkoPoloResearchLab/credits/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/credits/pkg/checkout"
	"github.com/MarkoPoloResearchLab/credits/pkg/generation"
	"github.com/MarkoPoloResearchLab/credits/pkg/keypool"
	"github.com/MarkoPoloResearchLab/credits/pkg/ledger"
	"github.com/MarkoPoloResearchLab/credits/pkg/topup"
)

const (
	testNowUnixUTC   = 1_700_000_000
	testEmailHeader  = "X-Test-Email"
	memberEmail      = "member@example.com"
	otherMemberEmail = "other@example.com"
	adminEmail       = "admin@example.com"
)

type stubGateway struct {
	mutex sync.Mutex
	paid  map[string]bool
}

func (gateway *stubGateway) CreateOrder(_ context.Context, order checkout.GatewayOrder) (string, error) {
	return "snap-" + order.OrderID, nil
}

func (gateway *stubGateway) VerifyOrder(_ context.Context, orderID string) (checkout.Verification, error) {
	gateway.mutex.Lock()
	defer gateway.mutex.Unlock()
	if gateway.paid[orderID] {
		return checkout.Verification{Paid: true, RawStatus: "settlement"}, nil
	}
	return checkout.Verification{RawStatus: "pending"}, nil
}

type echoProvider struct{}

func (echoProvider) Generate(_ context.Context, credential string, operation generation.Operation, prompt string) (string, error) {
	return operation.Name + ":" + prompt, nil
}

type apiFixture struct {
	router  *gin.Engine
	ledger  *ledger.Service
	gateway *stubGateway
}

func headerAuthenticator(ctx *gin.Context) {
	if email := ctx.GetHeader(testEmailHeader); email != "" {
		ctx.Set(claimsContextKey, &sessionvalidator.Claims{UserEmail: email})
	}
	ctx.Next()
}

func newAPIFixture(test *testing.T, cfg Config) *apiFixture {
	test.Helper()
	db, err := gorm.Open(sqlite.Open(test.TempDir()+"/credits.db"), &gorm.Config{})
	if err != nil {
		test.Fatalf("sqlite open failed: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		test.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	test.Cleanup(func() { _ = sqlDB.Close() })
	if err := gormstore.Migrate(context.Background(), db); err != nil {
		test.Fatalf("migrate: %v", err)
	}
	store := gormstore.New(db)
	now := func() int64 { return testNowUnixUTC }

	service, err := ledger.NewService(store, now)
	if err != nil {
		test.Fatalf("ledger: %v", err)
	}
	plans, err := checkout.NewPlanCatalog(
		checkout.Plan{ID: "starter", PriceMinor: 50000, Credits: 1000, DurationDays: 30},
		checkout.Plan{ID: "refill", PriceMinor: 5000, Credits: 100},
	)
	if err != nil {
		test.Fatalf("plans: %v", err)
	}
	gateway := &stubGateway{paid: map[string]bool{}}
	orderNumber := 0
	var orderMutex sync.Mutex
	tracker, err := checkout.NewTracker(store, service, gateway, plans, now,
		checkout.WithOrderIDGenerator(func() string {
			orderMutex.Lock()
			defer orderMutex.Unlock()
			orderNumber++
			return "O" + string(rune('0'+orderNumber))
		}))
	if err != nil {
		test.Fatalf("tracker: %v", err)
	}
	queue, err := topup.NewQueue(store, service, now, topup.WithPlanDurations(plans))
	if err != nil {
		test.Fatalf("queue: %v", err)
	}
	pool, err := keypool.New([]string{"key-a", "key-b"}, &keypool.MemoryCursor{})
	if err != nil {
		test.Fatalf("pool: %v", err)
	}
	catalog, err := generation.NewCatalog(generation.Operation{Name: "text", Cost: 1, MaxAttempts: 3, OnFailure: generation.RefundOnFailure})
	if err != nil {
		test.Fatalf("catalog: %v", err)
	}
	controller, err := generation.NewController(service, pool, echoProvider{}, catalog)
	if err != nil {
		test.Fatalf("controller: %v", err)
	}

	if len(cfg.AdminEmails) == 0 {
		cfg.AdminEmails = []string{adminEmail}
	}
	router, err := newRouter(cfg, Dependencies{
		Accounts:       service,
		Checkout:       tracker,
		Topups:         queue,
		Generations:    controller,
		KeyPool:        pool,
		MetricsHandler: http.HandlerFunc(func(writer http.ResponseWriter, _ *http.Request) { _, _ = writer.Write([]byte("ok")) }),
	}, headerAuthenticator)
	if err != nil {
		test.Fatalf("router: %v", err)
	}
	return &apiFixture{router: router, ledger: service, gateway: gateway}
}

func (fixture *apiFixture) do(test *testing.T, method string, path string, email string, payload any) (int, map[string]any) {
	test.Helper()
	var body bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&body).Encode(payload); err != nil {
			test.Fatalf("encode: %v", err)
		}
	}
	request := httptest.NewRequest(method, path, &body)
	request.Header.Set("Content-Type", "application/json")
	if email != "" {
		request.Header.Set(testEmailHeader, email)
	}
	recorder := httptest.NewRecorder()
	fixture.router.ServeHTTP(recorder, request)
	decoded := map[string]any{}
	if recorder.Body.Len() > 0 && recorder.Header().Get("Content-Type") != "text/plain; charset=utf-8" {
		if err := json.Unmarshal(recorder.Body.Bytes(), &decoded); err != nil {
			test.Fatalf("decode %s %s: %v (%s)", method, path, err, recorder.Body.String())
		}
	}
	return recorder.Code, decoded
}

func field(test *testing.T, payload map[string]any, path ...string) any {
	test.Helper()
	var current any = payload
	for _, segment := range path {
		object, ok := current.(map[string]any)
		if !ok {
			test.Fatalf("missing %v in %v", path, payload)
		}
		current = object[segment]
	}
	return current
}

func errorCode(test *testing.T, payload map[string]any) string {
	test.Helper()
	code, _ := field(test, payload, "error", "code").(string)
	return code
}

func TestAccountIsProvisionedOnFirstVisit(test *testing.T) {
	test.Parallel()
	fixture := newAPIFixture(test, Config{})

	status, payload := fixture.do(test, http.MethodGet, "/api/account", memberEmail, nil)
	if status != http.StatusOK {
		test.Fatalf("expected 200, got %d %v", status, payload)
	}
	if field(test, payload, "account", "balance") != float64(0) || field(test, payload, "account", "status") != "pending" {
		test.Fatalf("unexpected account %v", payload)
	}
	status, _ = fixture.do(test, http.MethodGet, "/api/account", memberEmail, nil)
	if status != http.StatusOK {
		test.Fatalf("expected second visit to succeed, got %d", status)
	}
}

func TestRequestsWithoutSessionAreRejected(test *testing.T) {
	test.Parallel()
	fixture := newAPIFixture(test, Config{})
	status, payload := fixture.do(test, http.MethodGet, "/api/account", "", nil)
	if status != http.StatusUnauthorized || errorCode(test, payload) != "unauthorized" {
		test.Fatalf("expected 401, got %d %v", status, payload)
	}
	status, _ = fixture.do(test, http.MethodGet, "/healthz", "", nil)
	if status != http.StatusOK {
		test.Fatalf("expected health check to stay public, got %d", status)
	}
}

func TestCheckoutOutcomeCreditsOnce(test *testing.T) {
	test.Parallel()
	fixture := newAPIFixture(test, Config{})
	fixture.do(test, http.MethodGet, "/api/account", memberEmail, nil)

	status, payload := fixture.do(test, http.MethodPost, "/api/checkout", memberEmail, map[string]any{"plan_id": "starter"})
	if status != http.StatusCreated {
		test.Fatalf("expected 201, got %d %v", status, payload)
	}
	orderID, _ := field(test, payload, "order", "order_id").(string)
	if field(test, payload, "order", "token") != "snap-"+orderID {
		test.Fatalf("expected gateway token, got %v", payload)
	}

	for attempt := 0; attempt < 2; attempt++ {
		status, payload = fixture.do(test, http.MethodPost, "/api/checkout/"+orderID+"/outcome", memberEmail, map[string]any{"outcome": "success"})
		if status != http.StatusOK {
			test.Fatalf("outcome %d: expected 200, got %d %v", attempt, status, payload)
		}
	}
	if field(test, payload, "account", "balance") != float64(1000) || field(test, payload, "account", "status") != "active" {
		test.Fatalf("expected one grant of 1000 and activation, got %v", payload)
	}
	if field(test, payload, "account", "pending_plan") != nil {
		test.Fatalf("expected pending plan cleared, got %v", payload)
	}
}

func TestAccountReloadReconcilesPaidOrder(test *testing.T) {
	test.Parallel()
	fixture := newAPIFixture(test, Config{})
	fixture.do(test, http.MethodGet, "/api/account", memberEmail, nil)
	_, payload := fixture.do(test, http.MethodPost, "/api/checkout", memberEmail, map[string]any{"plan_id": "starter"})
	orderID, _ := field(test, payload, "order", "order_id").(string)

	_, payload = fixture.do(test, http.MethodGet, "/api/account", memberEmail, nil)
	if field(test, payload, "account", "pending_plan", "order_id") != orderID {
		test.Fatalf("expected pending order while unpaid, got %v", payload)
	}

	fixture.gateway.mutex.Lock()
	fixture.gateway.paid[orderID] = true
	fixture.gateway.mutex.Unlock()

	for attempt := 0; attempt < 2; attempt++ {
		_, payload = fixture.do(test, http.MethodGet, "/api/account", memberEmail, nil)
	}
	if field(test, payload, "account", "balance") != float64(1000) {
		test.Fatalf("expected reload to credit exactly once, got %v", payload)
	}
}

func TestOrderOfAnotherMemberIsHidden(test *testing.T) {
	test.Parallel()
	fixture := newAPIFixture(test, Config{})
	fixture.do(test, http.MethodGet, "/api/account", memberEmail, nil)
	fixture.do(test, http.MethodGet, "/api/account", otherMemberEmail, nil)
	_, payload := fixture.do(test, http.MethodPost, "/api/checkout", memberEmail, map[string]any{"plan_id": "refill"})
	orderID, _ := field(test, payload, "order", "order_id").(string)

	status, payload := fixture.do(test, http.MethodPost, "/api/checkout/"+orderID+"/outcome", otherMemberEmail, map[string]any{"outcome": "success"})
	if status != http.StatusNotFound || errorCode(test, payload) != "order_not_found" {
		test.Fatalf("expected 404, got %d %v", status, payload)
	}
	status, _ = fixture.do(test, http.MethodPost, "/api/checkout/"+orderID+"/abandon", otherMemberEmail, nil)
	if status != http.StatusNotFound {
		test.Fatalf("expected 404 on foreign abandon, got %d", status)
	}
	status, payload = fixture.do(test, http.MethodPost, "/api/checkout/"+orderID+"/outcome", memberEmail, map[string]any{"outcome": "sideways"})
	if status != http.StatusBadRequest || errorCode(test, payload) != "invalid_outcome" {
		test.Fatalf("expected 400 on unknown outcome, got %d %v", status, payload)
	}
}

func TestTopupReviewIsAdminOnlyAndCreditsOnce(test *testing.T) {
	test.Parallel()
	fixture := newAPIFixture(test, Config{})
	fixture.do(test, http.MethodGet, "/api/account", memberEmail, nil)

	status, payload := fixture.do(test, http.MethodPost, "/api/topups", memberEmail, map[string]any{
		"credits": 300, "price_minor": 15000, "receipt_ref": "receipts/transfer-1.png",
	})
	if status != http.StatusCreated {
		test.Fatalf("expected 201, got %d %v", status, payload)
	}
	requestID, _ := field(test, payload, "topup", "id").(string)

	status, _ = fixture.do(test, http.MethodPost, "/api/admin/topups/"+requestID+"/approve", memberEmail, nil)
	if status != http.StatusForbidden {
		test.Fatalf("expected 403 for member, got %d", status)
	}
	status, payload = fixture.do(test, http.MethodGet, "/api/admin/topups?status=pending", adminEmail, nil)
	if status != http.StatusOK || len(field(test, payload, "topups").([]any)) != 1 {
		test.Fatalf("expected one pending topup, got %d %v", status, payload)
	}

	for attempt := 0; attempt < 2; attempt++ {
		status, payload = fixture.do(test, http.MethodPost, "/api/admin/topups/"+requestID+"/approve", adminEmail, nil)
		if status != http.StatusOK || field(test, payload, "topup", "status") != "approved" {
			test.Fatalf("approve %d: got %d %v", attempt, status, payload)
		}
	}
	if field(test, payload, "topup", "reviewer") != adminEmail {
		test.Fatalf("expected reviewer recorded, got %v", payload)
	}
	status, payload = fixture.do(test, http.MethodPost, "/api/admin/topups/"+requestID+"/reject", adminEmail, nil)
	if status != http.StatusConflict || errorCode(test, payload) != "topup_closed" {
		test.Fatalf("expected 409 on reject after approve, got %d %v", status, payload)
	}

	_, payload = fixture.do(test, http.MethodGet, "/api/account", memberEmail, nil)
	if field(test, payload, "account", "balance") != float64(300) {
		test.Fatalf("expected 300 credits, got %v", payload)
	}
	status, _ = fixture.do(test, http.MethodGet, "/api/topups/"+requestID, otherMemberEmail, nil)
	if status != http.StatusNotFound {
		test.Fatalf("expected foreign topup hidden, got %d", status)
	}
}

func TestGenerationChargesBalance(test *testing.T) {
	test.Parallel()
	fixture := newAPIFixture(test, Config{})
	fixture.do(test, http.MethodGet, "/api/account", memberEmail, nil)

	status, payload := fixture.do(test, http.MethodPost, "/api/generations", memberEmail, map[string]any{"operation": "text", "prompt": "hi"})
	if status != http.StatusPaymentRequired || errorCode(test, payload) != "insufficient_funds" {
		test.Fatalf("expected 402, got %d %v", status, payload)
	}

	key, err := ledger.NewAccountKey(memberEmail)
	if err != nil {
		test.Fatalf("key: %v", err)
	}
	idempotencyKey, err := ledger.NewIdempotencyKey("seed:member")
	if err != nil {
		test.Fatalf("idempotency key: %v", err)
	}
	if _, err := fixture.ledger.Grant(context.Background(), key, 5, idempotencyKey, ledger.MetadataJSON{}); err != nil {
		test.Fatalf("grant: %v", err)
	}

	status, payload = fixture.do(test, http.MethodPost, "/api/generations", memberEmail, map[string]any{"operation": "text", "prompt": "hi"})
	if status != http.StatusOK || field(test, payload, "generation", "output") != "text:hi" {
		test.Fatalf("expected generation output, got %d %v", status, payload)
	}
	status, payload = fixture.do(test, http.MethodPost, "/api/generations", memberEmail, map[string]any{"operation": "video"})
	if status != http.StatusNotFound || errorCode(test, payload) != "unknown_operation" {
		test.Fatalf("expected 404 for unknown operation, got %d %v", status, payload)
	}
	_, payload = fixture.do(test, http.MethodGet, "/api/account", memberEmail, nil)
	if field(test, payload, "account", "balance") != float64(4) {
		test.Fatalf("expected balance 4, got %v", payload)
	}
}

func TestGenerationIsRateLimitedPerMember(test *testing.T) {
	test.Parallel()
	fixture := newAPIFixture(test, Config{GenerationRate: 0.001, GenerationBurst: 1})
	fixture.do(test, http.MethodGet, "/api/account", memberEmail, nil)
	fixture.do(test, http.MethodGet, "/api/account", otherMemberEmail, nil)

	status, _ := fixture.do(test, http.MethodPost, "/api/generations", memberEmail, map[string]any{"operation": "text"})
	if status == http.StatusTooManyRequests {
		test.Fatalf("first request should not be limited")
	}
	status, payload := fixture.do(test, http.MethodPost, "/api/generations", memberEmail, map[string]any{"operation": "text"})
	if status != http.StatusTooManyRequests || errorCode(test, payload) != "rate_limited" {
		test.Fatalf("expected 429, got %d %v", status, payload)
	}
	status, _ = fixture.do(test, http.MethodPost, "/api/generations", otherMemberEmail, map[string]any{"operation": "text"})
	if status == http.StatusTooManyRequests {
		test.Fatalf("other member should have its own budget")
	}
}

func TestAdminOperationalRoutes(test *testing.T) {
	test.Parallel()
	fixture := newAPIFixture(test, Config{})

	status, payload := fixture.do(test, http.MethodGet, "/api/admin/keypool", adminEmail, nil)
	if status != http.StatusOK || field(test, payload, "keypool", "configured") != float64(2) {
		test.Fatalf("unexpected key pool health %d %v", status, payload)
	}
	status, payload = fixture.do(test, http.MethodPost, "/api/admin/reconcile", adminEmail, nil)
	if status != http.StatusOK || field(test, payload, "summary", "checked") != float64(0) {
		test.Fatalf("unexpected reconcile summary %d %v", status, payload)
	}
	status, payload = fixture.do(test, http.MethodGet, "/api/plans", memberEmail, nil)
	if status != http.StatusOK || len(field(test, payload, "plans").([]any)) != 2 {
		test.Fatalf("unexpected plans %d %v", status, payload)
	}
	status, _ = fixture.do(test, http.MethodGet, "/metrics", "", nil)
	if status != http.StatusOK {
		test.Fatalf("expected metrics route, got %d", status)
	}
}

func TestRoleResolver(test *testing.T) {
	test.Parallel()
	resolver := NewRoleResolver("admin", []string{" Boss@Example.com "})
	testCases := []struct {
		name   string
		claims *sessionvalidator.Claims
		want   bool
	}{
		{name: "nil claims", claims: nil, want: false},
		{name: "listed email", claims: &sessionvalidator.Claims{UserEmail: "boss@example.com"}, want: true},
		{name: "member", claims: &sessionvalidator.Claims{UserEmail: "member@example.com"}, want: false},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			if got := resolver.IsAdmin(testCase.claims); got != testCase.want {
				test.Fatalf("IsAdmin = %v, want %v", got, testCase.want)
			}
		})
	}
}

func TestServerErrorsHideInternalDetail(test *testing.T) {
	test.Parallel()
	handler := &httpHandler{logger: zap.NewNop()}
	testCases := []struct {
		name    string
		err     error
		status  int
		code    string
		message string
	}{
		{name: "store", err: ledger.Unavailable(errors.New("dial tcp 10.0.0.5:5432: connection refused")), status: http.StatusServiceUnavailable, code: "store_unavailable", message: "deduct failed"},
		{name: "gateway", err: fmt.Errorf("%w: snap returned 401 for server key", checkout.ErrGatewayUnavailable), status: http.StatusBadGateway, code: "gateway_unavailable", message: "deduct failed"},
		{name: "unmapped", err: errors.New("driver panic"), status: http.StatusInternalServerError, code: "internal_error", message: "deduct failed"},
		{name: "client", err: fmt.Errorf("%w: need 5", ledger.ErrInsufficientFunds), status: http.StatusPaymentRequired, code: "insufficient_funds", message: ledger.ErrInsufficientFunds.Error() + ": need 5"},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			recorder := httptest.NewRecorder()
			ctx, _ := gin.CreateTestContext(recorder)
			handler.respondError(ctx, "deduct", testCase.err)

			decoded := map[string]any{}
			if err := json.Unmarshal(recorder.Body.Bytes(), &decoded); err != nil {
				test.Fatalf("decode: %v", err)
			}
			if recorder.Code != testCase.status || errorCode(test, decoded) != testCase.code {
				test.Fatalf("expected %d %s, got %d %v", testCase.status, testCase.code, recorder.Code, decoded)
			}
			if message := field(test, decoded, "error", "message"); message != testCase.message {
				test.Fatalf("expected message %q, got %q", testCase.message, message)
			}
		})
	}
}

func TestNewRouterValidatesSessionCookie(test *testing.T) {
	test.Parallel()
	const signingKey = "secret-key"
	validator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: []byte(signingKey),
		Issuer:     "tauth",
		CookieName: "app_session",
	})
	if err != nil {
		test.Fatalf("validator init failed: %v", err)
	}
	fixture := newAPIFixture(test, Config{})
	router, err := NewRouter(Config{}, Dependencies{
		Accounts:    fixture.ledger,
		Checkout:    stubCheckout{},
		Topups:      stubTopups{},
		Generations: stubGenerations{},
		KeyPool:     stubKeyPool{},
	}, validator)
	if err != nil {
		test.Fatalf("router: %v", err)
	}

	claims := &sessionvalidator.Claims{
		UserID:    "member",
		UserEmail: memberEmail,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "tauth",
			IssuedAt:  jwt.NewNumericDate(time.Now().UTC()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(signingKey))
	if err != nil {
		test.Fatalf("token signing failed: %v", err)
	}

	request := httptest.NewRequest(http.MethodGet, "/api/plans", nil)
	request.AddCookie(&http.Cookie{Name: "app_session", Value: signed})
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusOK {
		test.Fatalf("expected 200 with valid cookie, got %d %s", recorder.Code, recorder.Body.String())
	}

	recorder = httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/api/plans", nil))
	if recorder.Code != http.StatusUnauthorized {
		test.Fatalf("expected 401 without cookie, got %d", recorder.Code)
	}

	if _, err := NewRouter(Config{}, Dependencies{}, validator); err == nil {
		test.Fatalf("expected missing dependencies to be rejected")
	}
}

type stubCheckout struct{ Checkout }

func (stubCheckout) Plans() checkout.PlanCatalog { return checkout.PlanCatalog{} }

type stubTopups struct{ Topups }

type stubGenerations struct{ Generations }

type stubKeyPool struct{ KeyPool }
