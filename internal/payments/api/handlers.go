// Package api exposes the cashless payment protocols over HTTP.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"posplatform/internal/common/api"
	"posplatform/internal/common/middleware"
	"posplatform/internal/gateway"
	"posplatform/internal/payments"
	"posplatform/internal/payments/domain"
)

// Service is the subset of payments.Service used by the handlers.
type Service interface {
	Start(ctx context.Context, in payments.StartInput) (*domain.Attempt, error)
	GetStatus(ctx context.Context, scope gateway.Scope, attemptID string) (*domain.Attempt, error)
	Cancel(ctx context.Context, scope gateway.Scope, attemptID string) (*domain.Attempt, error)
}

// Handler handles cashless payment HTTP requests
type Handler struct {
	service Service
	limiter middleware.RateLimiter
	logger  *slog.Logger
}

// NewHandler creates a new payments handler. A nil limiter disables
// status poll rate limiting.
func NewHandler(service Service, limiter middleware.RateLimiter, logger *slog.Logger) *Handler {
	return &Handler{service: service, limiter: limiter, logger: logger}
}

// Routes returns the cashless payment routes
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/start", h.Start)
	r.Group(func(r chi.Router) {
		if h.limiter != nil {
			r.Use(middleware.RateLimit(h.limiter, pollKey, h.logger))
		}
		r.Get("/{attemptId}", h.GetStatus)
	})
	r.Post("/{attemptId}/cancel", h.Cancel)

	return r
}

// pollKey limits polling per workspace and attempt.
func pollKey(r *http.Request) string {
	return middleware.GetWorkspaceID(r.Context()) + ":" + chi.URLParam(r, "attemptId")
}

// StartRequest is the API request for starting a cashless payment
type StartRequest struct {
	RegisterID     string `json:"registerId" validate:"required,max=100"`
	SaleID         string `json:"saleId" validate:"max=100"`
	AmountCents    int64  `json:"amountCents" validate:"gt=0"`
	Currency       string `json:"currency" validate:"required,len=3"`
	IdempotencyKey string `json:"idempotencyKey" validate:"max=255"`
	ProviderHint   string `json:"providerHint" validate:"max=50"`
}

// StartResponse is the API response for a started payment
type StartResponse struct {
	AttemptID    string        `json:"attemptId"`
	ProviderKind string        `json:"providerKind"`
	ProviderRef  string        `json:"providerRef"`
	Status       domain.Status `json:"status"`
	Action       domain.Action `json:"action"`
	ExpiresAt    *time.Time    `json:"expiresAt"`
}

// StatusResponse is the API view of an attempt's progress
type StatusResponse struct {
	AttemptID     string        `json:"attemptId"`
	ProviderKind  string        `json:"providerKind"`
	ProviderRef   string        `json:"providerRef"`
	Status        domain.Status `json:"status"`
	Action        domain.Action `json:"action"`
	PaidAt        *time.Time    `json:"paidAt"`
	FailureReason *string       `json:"failureReason"`
	UpdatedAt     time.Time     `json:"updatedAt"`
}

func toStatusResponse(a *domain.Attempt) StatusResponse {
	resp := StatusResponse{
		AttemptID:    a.ID,
		ProviderKind: a.ProviderKind,
		ProviderRef:  a.ProviderRef,
		Status:       a.Status,
		Action:       a.Action,
		PaidAt:       a.PaidAt,
		UpdatedAt:    a.UpdatedAt,
	}
	if a.FailureReason != "" {
		reason := a.FailureReason
		resp.FailureReason = &reason
	}
	return resp
}

// Start handles POST /pos/payments/cashless/start
func (h *Handler) Start(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.WriteDecodeError(w, err)
		return
	}

	attempt, err := h.service.Start(r.Context(), payments.StartInput{
		TenantID:       middleware.GetTenantID(r.Context()),
		WorkspaceID:    middleware.GetWorkspaceID(r.Context()),
		RegisterID:     req.RegisterID,
		SaleID:         req.SaleID,
		AmountCents:    req.AmountCents,
		Currency:       req.Currency,
		IdempotencyKey: idempotencyKey(r, req.IdempotencyKey),
		ProviderHint:   req.ProviderHint,
	})
	if err != nil {
		api.WriteServiceError(w, h.logger, err)
		return
	}

	api.WriteData(w, http.StatusOK, StartResponse{
		AttemptID:    attempt.ID,
		ProviderKind: attempt.ProviderKind,
		ProviderRef:  attempt.ProviderRef,
		Status:       attempt.Status,
		Action:       attempt.Action,
		ExpiresAt:    attempt.ExpiresAt,
	})
}

// idempotencyKey falls back from the body to request-scoped headers.
func idempotencyKey(r *http.Request, fromBody string) string {
	switch {
	case fromBody != "":
		return fromBody
	case r.Header.Get("Idempotency-Key") != "":
		return r.Header.Get("Idempotency-Key")
	case r.Header.Get("X-Request-ID") != "":
		return r.Header.Get("X-Request-ID")
	}
	return chimw.GetReqID(r.Context())
}

// GetStatus handles GET /pos/payments/cashless/{attemptId}
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	attempt, err := h.service.GetStatus(r.Context(), scopeOf(r), chi.URLParam(r, "attemptId"))
	if err != nil {
		api.WriteServiceError(w, h.logger, err)
		return
	}
	api.WriteData(w, http.StatusOK, toStatusResponse(attempt))
}

// Cancel handles POST /pos/payments/cashless/{attemptId}/cancel
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	attempt, err := h.service.Cancel(r.Context(), scopeOf(r), chi.URLParam(r, "attemptId"))
	if err != nil {
		api.WriteServiceError(w, h.logger, err)
		return
	}
	api.WriteData(w, http.StatusOK, toStatusResponse(attempt))
}

func scopeOf(r *http.Request) gateway.Scope {
	return gateway.Scope{
		TenantID:    middleware.GetTenantID(r.Context()),
		WorkspaceID: middleware.GetWorkspaceID(r.Context()),
	}
}
