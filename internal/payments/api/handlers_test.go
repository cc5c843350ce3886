package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"posplatform/internal/common/apperror"
	"posplatform/internal/common/middleware"
	"posplatform/internal/gateway"
	"posplatform/internal/payments"
	"posplatform/internal/payments/domain"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeService struct {
	StartFunc     func(ctx context.Context, in payments.StartInput) (*domain.Attempt, error)
	GetStatusFunc func(ctx context.Context, scope gateway.Scope, id string) (*domain.Attempt, error)
	CancelFunc    func(ctx context.Context, scope gateway.Scope, id string) (*domain.Attempt, error)
}

func (f *fakeService) Start(ctx context.Context, in payments.StartInput) (*domain.Attempt, error) {
	return f.StartFunc(ctx, in)
}

func (f *fakeService) GetStatus(ctx context.Context, scope gateway.Scope, id string) (*domain.Attempt, error) {
	return f.GetStatusFunc(ctx, scope, id)
}

func (f *fakeService) Cancel(ctx context.Context, scope gateway.Scope, id string) (*domain.Attempt, error) {
	return f.CancelFunc(ctx, scope, id)
}

type limiterFunc func(ctx context.Context, key string) (bool, error)

func (f limiterFunc) Allow(ctx context.Context, key string) (bool, error) { return f(ctx, key) }

func newRouter(svc Service, limiter middleware.RateLimiter) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.ScopeExtractor)
	r.Use(middleware.RequireWorkspace)
	r.Mount("/pos/payments/cashless", NewHandler(svc, limiter, discard).Routes())
	return r
}

func do(h http.Handler, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tenant-ID", "t1")
	req.Header.Set("X-Workspace-ID", "w1")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func sampleAttempt() *domain.Attempt {
	updated := time.Date(2024, 5, 1, 12, 0, 20, 0, time.UTC)
	return &domain.Attempt{
		ID:           "att-1",
		TenantID:     "t1",
		WorkspaceID:  "w1",
		ProviderKind: "sumup",
		ProviderRef:  "ref-1",
		Status:       domain.StatusPending,
		Action:       domain.RedirectURL("https://x"),
		UpdatedAt:    updated,
	}
}

func TestStartHandler(t *testing.T) {
	var got payments.StartInput
	svc := &fakeService{StartFunc: func(_ context.Context, in payments.StartInput) (*domain.Attempt, error) {
		got = in
		return sampleAttempt(), nil
	}}

	rec := do(newRouter(svc, nil), http.MethodPost, "/pos/payments/cashless/start",
		`{"registerId":"r1","saleId":"s1","amountCents":2400,"currency":"EUR","idempotencyKey":"key-1","providerHint":"sumup"}`, nil)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, payments.StartInput{
		TenantID:       "t1",
		WorkspaceID:    "w1",
		RegisterID:     "r1",
		SaleID:         "s1",
		AmountCents:    2400,
		Currency:       "EUR",
		IdempotencyKey: "key-1",
		ProviderHint:   "sumup",
	}, got)
	assert.JSONEq(t, `{"data":{
		"attemptId":"att-1","providerKind":"sumup","providerRef":"ref-1","status":"pending",
		"action":{"type":"redirect_url","url":"https://x"},"expiresAt":null
	}}`, rec.Body.String())
}

func TestStartIdempotencyKeyFallback(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		headers map[string]string
		want    string
	}{
		{"body wins", `"idempotencyKey":"body-key",`, map[string]string{"Idempotency-Key": "hdr"}, "body-key"},
		{"idempotency header", ``, map[string]string{"Idempotency-Key": "hdr", "X-Request-ID": "req"}, "hdr"},
		{"request id header", ``, map[string]string{"X-Request-ID": "req"}, "req"},
		{"none", ``, nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got string
			svc := &fakeService{StartFunc: func(_ context.Context, in payments.StartInput) (*domain.Attempt, error) {
				got = in.IdempotencyKey
				return sampleAttempt(), nil
			}}
			body := `{` + tt.body + `"registerId":"r1","amountCents":100,"currency":"EUR"}`

			rec := do(newRouter(svc, nil), http.MethodPost, "/pos/payments/cashless/start", body, tt.headers)

			require.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestStartHandlerRejectsBadRequests(t *testing.T) {
	svc := &fakeService{StartFunc: func(context.Context, payments.StartInput) (*domain.Attempt, error) {
		t.Fatal("service must not be called")
		return nil, nil
	}}
	h := newRouter(svc, nil)

	rec := do(h, http.MethodPost, "/pos/payments/cashless/start", `{"registerId":`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(h, http.MethodPost, "/pos/payments/cashless/start", `{"registerId":"r1","amountCents":0,"currency":"EUR"}`, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, rec.Body.String(), "AmountCents")
}

func TestStartHandlerMapsServiceErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"validation", apperror.Validation("unsupported provider kind %q", "paypal"), http.StatusUnprocessableEntity},
		{"conflict", apperror.Conflict("an attempt with idempotency key key-1 already exists"), http.StatusConflict},
		{"provider down", errors.New("sumup api error: status=503"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &fakeService{StartFunc: func(context.Context, payments.StartInput) (*domain.Attempt, error) {
				return nil, tt.err
			}}
			rec := do(newRouter(svc, nil), http.MethodPost, "/pos/payments/cashless/start",
				`{"registerId":"r1","amountCents":100,"currency":"EUR"}`, nil)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestStartHandlerRequiresWorkspace(t *testing.T) {
	h := newRouter(&fakeService{}, nil)
	req := httptest.NewRequest(http.MethodPost, "/pos/payments/cashless/start", strings.NewReader(`{}`))
	req.Header.Set("X-Tenant-ID", "t1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "MISSING_WORKSPACE")
}

func TestGetStatusHandler(t *testing.T) {
	paid := time.Date(2024, 5, 1, 12, 0, 15, 0, time.UTC)
	svc := &fakeService{GetStatusFunc: func(_ context.Context, scope gateway.Scope, id string) (*domain.Attempt, error) {
		assert.Equal(t, gateway.Scope{TenantID: "t1", WorkspaceID: "w1"}, scope)
		assert.Equal(t, "att-1", id)
		a := sampleAttempt()
		a.Status = domain.StatusPaid
		a.Action = domain.NoAction()
		a.PaidAt = &paid
		return a, nil
	}}

	rec := do(newRouter(svc, nil), http.MethodGet, "/pos/payments/cashless/att-1", "", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Data StatusResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "att-1", resp.Data.AttemptID)
	assert.Equal(t, domain.StatusPaid, resp.Data.Status)
	assert.Equal(t, domain.NoAction(), resp.Data.Action)
	require.NotNil(t, resp.Data.PaidAt)
	assert.True(t, paid.Equal(*resp.Data.PaidAt))
	assert.Nil(t, resp.Data.FailureReason)
	assert.Contains(t, rec.Body.String(), `"failureReason":null`)
}

func TestGetStatusHandlerMapsErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"not found", apperror.NotFound("payment attempt att-9 not found"), http.StatusNotFound},
		{"illegal transition", &domain.TransitionError{AttemptID: "att-1", From: domain.StatusPaid, To: domain.StatusFailed}, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &fakeService{GetStatusFunc: func(context.Context, gateway.Scope, string) (*domain.Attempt, error) {
				return nil, tt.err
			}}
			rec := do(newRouter(svc, nil), http.MethodGet, "/pos/payments/cashless/att-9", "", nil)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestGetStatusRateLimited(t *testing.T) {
	svc := &fakeService{GetStatusFunc: func(context.Context, gateway.Scope, string) (*domain.Attempt, error) {
		return sampleAttempt(), nil
	}}
	var keys []string
	limiter := limiterFunc(func(_ context.Context, key string) (bool, error) {
		keys = append(keys, key)
		return len(keys) <= 1, nil
	})
	h := newRouter(svc, limiter)

	assert.Equal(t, http.StatusOK, do(h, http.MethodGet, "/pos/payments/cashless/att-1", "", nil).Code)
	assert.Equal(t, http.StatusTooManyRequests, do(h, http.MethodGet, "/pos/payments/cashless/att-1", "", nil).Code)
	assert.Equal(t, []string{"w1:att-1", "w1:att-1"}, keys)
}

func TestCancelHandler(t *testing.T) {
	svc := &fakeService{CancelFunc: func(_ context.Context, _ gateway.Scope, id string) (*domain.Attempt, error) {
		a := sampleAttempt()
		a.ID = id
		a.Status = domain.StatusCancelled
		a.Action = domain.NoAction()
		return a, nil
	}}

	rec := do(newRouter(svc, nil), http.MethodPost, "/pos/payments/cashless/att-1/cancel", "", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"cancelled"`)
}
