package api

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/transfa/escrow-service/internal/app"
	"github.com/transfa/escrow-service/internal/domain"
	"github.com/transfa/escrow-service/internal/store"
)

const (
	testKID      = "test-key"
	testAudience = "transfa-mobile"
	testIssuer   = "https://clerk.transfa.test"
)

type stubService struct {
	caller     domain.Caller
	resolveErr error

	createParams *domain.CreateEscrowParams
	listFilter   *domain.ListEscrowsFilter
	opErr        error
	calls        int

	withdrawal    *domain.Withdrawal
	withdrawalErr error
	finalizeOTP   string
}

func (s *stubService) ResolveCaller(ctx context.Context, clerkUserID string) (domain.Caller, error) {
	if s.resolveErr != nil {
		return domain.Caller{}, s.resolveErr
	}
	return s.caller, nil
}

func (s *stubService) details(escrowID uuid.UUID) *domain.EscrowDetails {
	return &domain.EscrowDetails{Escrow: domain.Escrow{
		ID:       escrowID,
		SenderID: s.caller.UserID,
		Amount:   125050,
		Currency: "NGN",
		Status:   domain.EscrowStatusPending,
	}}
}

func (s *stubService) CreateEscrow(ctx context.Context, caller domain.Caller, params domain.CreateEscrowParams) (*domain.EscrowDetails, error) {
	s.calls++
	s.createParams = &params
	if s.opErr != nil {
		return nil, s.opErr
	}
	d := s.details(uuid.New())
	d.Amount = params.Amount
	return d, nil
}

func (s *stubService) escrowOp(escrowID uuid.UUID) (*domain.EscrowDetails, error) {
	s.calls++
	if s.opErr != nil {
		return nil, s.opErr
	}
	return s.details(escrowID), nil
}

func (s *stubService) AcceptEscrow(ctx context.Context, caller domain.Caller, id uuid.UUID) (*domain.EscrowDetails, error) {
	return s.escrowOp(id)
}

func (s *stubService) DeclineEscrow(ctx context.Context, caller domain.Caller, id uuid.UUID) (*domain.EscrowDetails, error) {
	return s.escrowOp(id)
}

func (s *stubService) MarkDelivered(ctx context.Context, caller domain.Caller, id uuid.UUID) (*domain.EscrowDetails, error) {
	return s.escrowOp(id)
}

func (s *stubService) ReleaseEscrow(ctx context.Context, caller domain.Caller, id uuid.UUID) (*domain.EscrowDetails, error) {
	return s.escrowOp(id)
}

func (s *stubService) GetEscrowByID(ctx context.Context, caller domain.Caller, id uuid.UUID) (*domain.EscrowDetails, error) {
	return s.escrowOp(id)
}

func (s *stubService) DeleteEscrow(ctx context.Context, caller domain.Caller, id uuid.UUID) error {
	s.calls++
	return s.opErr
}

func (s *stubService) ListEscrows(ctx context.Context, caller domain.Caller, filter domain.ListEscrowsFilter) ([]domain.Escrow, error) {
	s.calls++
	s.listFilter = &filter
	if s.opErr != nil {
		return nil, s.opErr
	}
	return []domain.Escrow{s.details(uuid.New()).Escrow}, nil
}

func (s *stubService) GetBalance(ctx context.Context, caller domain.Caller) (*domain.User, error) {
	return &domain.User{ID: caller.UserID, Balance: 500000, LedgerBalance: 500000}, nil
}

func (s *stubService) InitiateWithdrawal(ctx context.Context, caller domain.Caller, params domain.InitiateWithdrawalParams) (*domain.Withdrawal, error) {
	s.calls++
	if s.withdrawalErr != nil {
		return nil, s.withdrawalErr
	}
	s.withdrawal = &domain.Withdrawal{ID: uuid.New(), UserID: caller.UserID, Amount: params.Amount, Status: domain.WithdrawalRequiresOTP}
	return s.withdrawal, nil
}

func (s *stubService) FinalizeWithdrawal(ctx context.Context, caller domain.Caller, id uuid.UUID, otp string) (*domain.Withdrawal, error) {
	s.calls++
	s.finalizeOTP = otp
	if s.withdrawalErr != nil {
		return nil, s.withdrawalErr
	}
	return &domain.Withdrawal{ID: id, UserID: caller.UserID, Amount: 20000, Status: domain.WithdrawalProcessing}, nil
}

func (s *stubService) GetWithdrawal(ctx context.Context, caller domain.Caller, id uuid.UUID) (*domain.Withdrawal, error) {
	if s.withdrawalErr != nil {
		return nil, s.withdrawalErr
	}
	return &domain.Withdrawal{ID: id, UserID: caller.UserID, Amount: 20000, Status: domain.WithdrawalSuccess}, nil
}

type auditStub struct {
	audit *store.LedgerAudit
	err   error
}

func (a *auditStub) RunOnce(ctx context.Context) (*store.LedgerAudit, error) {
	return a.audit, a.err
}

type limiterStub struct {
	decision app.QuotaDecision
	err      error
	scopes   []string
}

func (l *limiterStub) Allow(ctx context.Context, quota app.WriteQuota, subject string) (app.QuotaDecision, error) {
	l.scopes = append(l.scopes, quota.Scope+":"+subject)
	return l.decision, l.err
}

// jwksIssuer serves a JWKS document and signs tokens with the matching key.
type jwksIssuer struct {
	key    *rsa.PrivateKey
	server *httptest.Server
	hits   atomic.Int64
}

func newJWKSIssuer(t *testing.T) *jwksIssuer {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	issuer := &jwksIssuer{key: key}
	issuer.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		issuer.hits.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"keys": []map[string]string{{
				"kid": testKID,
				"kty": "RSA",
				"n":   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
				"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
			}},
		})
	}))
	t.Cleanup(issuer.server.Close)
	return issuer
}

func (i *jwksIssuer) token(t *testing.T, subject string, override jwt.MapClaims) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub": subject,
		"aud": testAudience,
		"iss": testIssuer,
		"exp": time.Now().Add(time.Hour).Unix(),
	}
	for k, v := range override {
		claims[k] = v
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = testKID
	signed, err := token.SignedString(i.key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

type routerFixture struct {
	handler http.Handler
	svc     *stubService
	issuer  *jwksIssuer
	limiter *limiterStub
	audit   *auditStub
}

func newRouterFixture(t *testing.T) *routerFixture {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	f := &routerFixture{
		svc:     &stubService{caller: domain.Caller{UserID: uuid.New(), Email: "ada@example.com"}},
		issuer:  newJWKSIssuer(t),
		limiter: &limiterStub{decision: app.QuotaDecision{Allowed: true, Used: 1, Remaining: 4}},
		audit:   &auditStub{audit: &store.LedgerAudit{ReleasedWithOpenLock: 2}},
	}
	handlers := NewEscrowHandlers(f.svc, f.audit, logger)
	f.handler = NewRouter(handlers, RouterOptions{
		Auth:                AuthConfig{JWKSURL: f.issuer.server.URL, Audience: testAudience, Issuer: testIssuer},
		InternalAPIKey:      "internal-secret",
		Limiter:             f.limiter,
		WriteLimitPerMinute: 5,
		Observability:       NewObservability(ObservabilityConfig{Enabled: true}, nil, logger),
		Logger:              logger,
	})
	return f
}

func (f *routerFixture) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	return f.doWithToken(t, method, path, body, f.issuer.token(t, "user_ada", nil))
}

func (f *routerFixture) doWithToken(t *testing.T, method, path string, body interface{}, token string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = bytes.NewBufferString(b)
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return body
}

func TestClerkAuthMiddleware(t *testing.T) {
	f := newRouterFixture(t)
	other, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	forged := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{"sub": "user_eve", "aud": testAudience, "iss": testIssuer})
	forged.Header["kid"] = testKID
	forgedToken, _ := forged.SignedString(other)

	cases := []struct {
		name  string
		token string
		want  int
	}{
		{name: "missing header", token: "", want: http.StatusUnauthorized},
		{name: "foreign signature", token: forgedToken, want: http.StatusUnauthorized},
		{name: "wrong audience", token: f.issuer.token(t, "user_ada", jwt.MapClaims{"aud": "someone-else"}), want: http.StatusUnauthorized},
		{name: "wrong issuer", token: f.issuer.token(t, "user_ada", jwt.MapClaims{"iss": "https://evil.test"}), want: http.StatusUnauthorized},
		{name: "expired", token: f.issuer.token(t, "user_ada", jwt.MapClaims{"exp": time.Now().Add(-time.Minute).Unix()}), want: http.StatusUnauthorized},
		{name: "valid", token: f.issuer.token(t, "user_ada", nil), want: http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := f.doWithToken(t, http.MethodGet, "/escrows/balance", nil, tc.token)
			if rec.Code != tc.want {
				t.Fatalf("expected %d, got %d (%s)", tc.want, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestCreateEscrowHandler(t *testing.T) {
	f := newRouterFixture(t)

	rec := f.do(t, http.MethodPost, "/escrows", map[string]interface{}{
		"product_name":   "Phone",
		"amount":         "1250.50",
		"role":           "seller",
		"receiver_email": "bola@example.com",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (%s)", rec.Code, rec.Body.String())
	}
	got := f.svc.createParams
	if got == nil || got.Amount != 125050 || got.Role != domain.RoleSeller || got.ReceiverEmail != "bola@example.com" {
		t.Fatalf("unexpected params passed to service: %+v", got)
	}
	body := decodeBody(t, rec)
	if body["amount_display"] != "1250.50" || body["amount"] != float64(125050) {
		t.Fatalf("unexpected amounts in response: %v / %v", body["amount"], body["amount_display"])
	}

	invalid := []struct {
		name string
		body string
		code string
	}{
		{name: "three decimals", body: `{"product_name":"Phone","amount":"1.234","role":"SELLER"}`, code: "INVALID_AMOUNT"},
		{name: "zero amount", body: `{"product_name":"Phone","amount":0,"role":"SELLER"}`, code: "INVALID_AMOUNT"},
		{name: "missing product", body: `{"amount":"10","role":"SELLER"}`, code: "VALIDATION_ERROR"},
		{name: "unknown role", body: `{"product_name":"Phone","amount":"10","role":"BROKER"}`, code: "VALIDATION_ERROR"},
		{name: "bad email", body: `{"product_name":"Phone","amount":"10","role":"BUYER","receiver_email":"nope"}`, code: "VALIDATION_ERROR"},
		{name: "bad receiver id", body: `{"product_name":"Phone","amount":"10","role":"BUYER","receiver_id":"42"}`, code: "VALIDATION_ERROR"},
		{name: "malformed json", body: `{"product_name":`, code: "VALIDATION_ERROR"},
	}
	for _, tc := range invalid {
		t.Run(tc.name, func(t *testing.T) {
			before := f.svc.calls
			rec := f.do(t, http.MethodPost, "/escrows", tc.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d (%s)", rec.Code, rec.Body.String())
			}
			if code := decodeBody(t, rec)["code"]; code != tc.code {
				t.Fatalf("expected code %s, got %v", tc.code, code)
			}
			if f.svc.calls != before {
				t.Fatal("service must not be called for invalid input")
			}
		})
	}
}

func TestEscrowHandlers_MapDomainErrors(t *testing.T) {
	cases := []struct {
		err  error
		want int
		code string
	}{
		{err: domain.ErrAlreadyAccepted, want: http.StatusConflict, code: "ESCROW_ALREADY_ACCEPTED"},
		{err: domain.ErrEscrowNotFound, want: http.StatusNotFound, code: "ESCROW_NOT_FOUND"},
		{err: domain.ErrSenderCannotAccept, want: http.StatusForbidden, code: "SENDER_CANNOT_ACCEPT"},
		{err: domain.ErrInsufficientFunds, want: http.StatusBadRequest, code: "INSUFFICIENT_FUNDS"},
		{err: fmt.Errorf("lock buyer funds: %w", domain.ErrInsufficientFunds), want: http.StatusBadRequest, code: "INSUFFICIENT_FUNDS"},
		{err: errors.New("connection reset"), want: http.StatusInternalServerError, code: "INTERNAL_ERROR"},
	}
	for _, tc := range cases {
		t.Run(tc.code, func(t *testing.T) {
			f := newRouterFixture(t)
			f.svc.opErr = tc.err
			rec := f.do(t, http.MethodPost, "/escrows/"+uuid.NewString()+"/accept", nil)
			if rec.Code != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, rec.Code)
			}
			if code := decodeBody(t, rec)["code"]; code != tc.code {
				t.Fatalf("expected code %s, got %v", tc.code, code)
			}
		})
	}
}

func TestEscrowHandlers_LifecycleRoutes(t *testing.T) {
	f := newRouterFixture(t)
	id := uuid.NewString()

	for _, path := range []string{"/accept", "/decline", "/delivered", "/release"} {
		rec := f.do(t, http.MethodPost, "/escrows/"+id+path, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("POST %s: expected 200, got %d", path, rec.Code)
		}
		if decodeBody(t, rec)["id"] != id {
			t.Fatalf("POST %s: expected escrow id echoed back", path)
		}
	}
	if rec := f.do(t, http.MethodGet, "/escrows/"+id, nil); rec.Code != http.StatusOK {
		t.Fatalf("GET escrow: expected 200, got %d", rec.Code)
	}
	if rec := f.do(t, http.MethodDelete, "/escrows/"+id, nil); rec.Code != http.StatusOK {
		t.Fatalf("DELETE escrow: expected 200, got %d", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/escrows/not-a-uuid", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed id, got %d", rec.Code)
	}
}

func TestListEscrowsHandler(t *testing.T) {
	f := newRouterFixture(t)

	rec := f.do(t, http.MethodGet, "/escrows?status=in_progress&limit=5&offset=10", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	filter := f.svc.listFilter
	if filter == nil || filter.Status == nil || *filter.Status != domain.EscrowStatusInProgress || filter.Limit != 5 || filter.Offset != 10 {
		t.Fatalf("unexpected filter %+v", filter)
	}
	items, ok := decodeBody(t, rec)["escrows"].([]interface{})
	if !ok || len(items) != 1 {
		t.Fatalf("expected one escrow in response, got %v", items)
	}

	if rec := f.do(t, http.MethodGet, "/escrows?limit=ten", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for non-numeric limit, got %d", rec.Code)
	}
}

func TestResolveCallerFailure(t *testing.T) {
	f := newRouterFixture(t)
	f.svc.resolveErr = domain.ErrUserNotFound
	rec := f.do(t, http.MethodGet, "/escrows", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown user, got %d", rec.Code)
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	f := newRouterFixture(t)
	f.limiter.decision = app.QuotaDecision{Used: 5, RetryAfter: 41500 * time.Millisecond}

	rec := f.do(t, http.MethodPost, "/escrows/"+uuid.NewString()+"/release", nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "42" {
		t.Fatalf("expected Retry-After 42, got %q", rec.Header().Get("Retry-After"))
	}
	if rec.Header().Get("X-RateLimit-Remaining") != "0" || rec.Header().Get("X-RateLimit-Limit") != "5" {
		t.Fatalf("expected quota headers, got limit=%q remaining=%q", rec.Header().Get("X-RateLimit-Limit"), rec.Header().Get("X-RateLimit-Remaining"))
	}
	if f.svc.calls != 0 {
		t.Fatal("limited request must not reach the service")
	}
	if len(f.limiter.scopes) != 1 || f.limiter.scopes[0] != writeRateLimitScope+":user_ada" {
		t.Fatalf("expected limiter keyed by clerk user, got %v", f.limiter.scopes)
	}

	if rec := f.do(t, http.MethodGet, "/escrows", nil); rec.Code != http.StatusOK {
		t.Fatalf("reads are not rate limited, got %d", rec.Code)
	}

	f.limiter.decision = app.QuotaDecision{Allowed: true, Used: 2, Remaining: 3}
	rec = f.do(t, http.MethodPost, "/escrows/"+uuid.NewString()+"/accept", nil)
	if rec.Code != http.StatusOK || rec.Header().Get("X-RateLimit-Remaining") != "3" {
		t.Fatalf("expected admitted write with remaining 3, got %d %q", rec.Code, rec.Header().Get("X-RateLimit-Remaining"))
	}

	f.limiter.err = errors.New("redis down")
	if rec := f.do(t, http.MethodPost, "/escrows/"+uuid.NewString()+"/accept", nil); rec.Code != http.StatusOK {
		t.Fatalf("limiter failure should let the request through, got %d", rec.Code)
	}
}

func TestInternalLedgerAuditRoute(t *testing.T) {
	f := newRouterFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/internal/ledger-audit", nil)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without internal key, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/internal/ledger-audit", nil)
	req.Header.Set("X-Internal-API-Key", "internal-secret")
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with internal key, got %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["total"] != float64(2) || body["released_with_open_lock"] != float64(2) {
		t.Fatalf("unexpected audit body %v", body)
	}
}

func TestWithdrawalHandlers(t *testing.T) {
	f := newRouterFixture(t)

	rec := f.do(t, http.MethodPost, "/withdrawals", map[string]interface{}{
		"amount":         "200.00",
		"bank_code":      "058",
		"account_number": "0123456789",
		"account_name":   " Ada Obi ",
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d (%s)", rec.Code, rec.Body.String())
	}
	if f.svc.withdrawal == nil || f.svc.withdrawal.Amount != 20000 {
		t.Fatalf("expected 20000 kobo withdrawal, got %+v", f.svc.withdrawal)
	}

	if rec := f.do(t, http.MethodPost, "/withdrawals", `{"amount":"200","bank_code":"058","account_number":"12","account_name":"Ada"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for short account number, got %d", rec.Code)
	}

	id := uuid.NewString()
	if rec := f.do(t, http.MethodPost, "/withdrawals/"+id+"/finalize", `{"otp":"  "}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for blank otp, got %d", rec.Code)
	}
	if rec := f.do(t, http.MethodPost, "/withdrawals/"+id+"/finalize", `{"otp":" 123456 "}`); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 finalize, got %d", rec.Code)
	}
	if f.svc.finalizeOTP != "123456" {
		t.Fatalf("expected trimmed otp, got %q", f.svc.finalizeOTP)
	}
	if rec := f.do(t, http.MethodGet, "/withdrawals/"+id, nil); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 get, got %d", rec.Code)
	}

	f.svc.withdrawalErr = app.ErrRailUnavailable
	rec = f.do(t, http.MethodPost, "/withdrawals", `{"amount":"200","bank_code":"058","account_number":"0123456789","account_name":"Ada"}`)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when rail is unavailable, got %d", rec.Code)
	}
}

func TestMetricsEndpointServesRouteSeries(t *testing.T) {
	f := newRouterFixture(t)
	f.do(t, http.MethodGet, "/escrows/balance", nil)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from /metrics, got %d", rec.Code)
	}
	if !bytes.Contains(rec.Body.Bytes(), []byte(`escrow_http_requests_total{method="GET",route="escrows.balance",status="OK"} 1`)) {
		t.Fatalf("expected request counter for escrows.balance, got:\n%s", rec.Body.String())
	}
}

func TestJWKSCache_UnknownKidDoesNotHammerEndpoint(t *testing.T) {
	issuer := newJWKSIssuer(t)
	cache := newJWKSCache(issuer.server.URL, time.Hour)
	ctx := context.Background()

	if _, err := cache.key(ctx, testKID); err != nil {
		t.Fatalf("expected known kid to resolve, got %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := cache.key(ctx, fmt.Sprintf("made-up-%d", i)); err == nil {
				t.Errorf("expected unknown kid %d to fail", i)
			}
		}(i)
	}
	wg.Wait()

	if _, err := cache.key(ctx, testKID); err != nil {
		t.Fatalf("expected known kid to keep resolving, got %v", err)
	}
	if got := issuer.hits.Load(); got != 1 {
		t.Fatalf("expected a single jwks fetch, got %d", got)
	}
}

func TestJWKSCache_UnknownKidRefetchesAfterInterval(t *testing.T) {
	issuer := newJWKSIssuer(t)
	cache := newJWKSCache(issuer.server.URL, time.Hour)
	cache.minRefetch = 0
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := cache.key(ctx, "rotated"); err == nil {
			t.Fatal("expected unknown kid to fail")
		}
	}
	if got := issuer.hits.Load(); got != 3 {
		t.Fatalf("expected a refetch per miss once the interval lapsed, got %d", got)
	}
}
