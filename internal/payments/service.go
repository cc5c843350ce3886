// Package payments orchestrates cashless point-of-sale payment attempts:
// idempotent start, staleness-bounded status refresh, cancellation and
// provider notifications.
package payments

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"posplatform/internal/common/apperror"
	"posplatform/internal/common/events"
	"posplatform/internal/common/metrics"
	"posplatform/internal/common/middleware"
	"posplatform/internal/common/money"
	"posplatform/internal/gateway"
	"posplatform/internal/payments/domain"
)

// Config holds service configuration.
type Config struct {
	StaleAfter          time.Duration `envconfig:"PAYMENT_STALE_AFTER" default:"15s"`
	ProviderTimeout     time.Duration `envconfig:"PROVIDER_TIMEOUT" default:"10s"`
	DefaultProviderKind string        `envconfig:"DEFAULT_PROVIDER_KIND" default:"sumup"`
}

const (
	sourceStart   = "start"
	sourcePoll    = "poll"
	sourceWebhook = "webhook"
	sourceCancel  = "cancel"

	maxApplyRetries = 3
)

// Store persists payment attempts. All lookups are scoped by workspace.
type Store interface {
	Create(ctx context.Context, a *domain.Attempt) error
	Get(ctx context.Context, workspaceID, id string) (*domain.Attempt, error)
	GetByIdempotencyKey(ctx context.Context, workspaceID, key string) (*domain.Attempt, error)
	GetByProviderRef(ctx context.Context, workspaceID, kind, ref string) (*domain.Attempt, error)
	// Update writes a's mutable fields if the stored version still equals
	// a.Version, then increments a.Version. A lost race is a Conflict.
	Update(ctx context.Context, a *domain.Attempt) error
}

// Gateway is the provider port used by the service.
type Gateway interface {
	CreateSession(ctx context.Context, scope gateway.Scope, req gateway.SessionRequest) (*gateway.Session, error)
	GetStatus(ctx context.Context, scope gateway.Scope, kind, providerRef string) (*gateway.StatusReport, error)
	CancelSession(ctx context.Context, scope gateway.Scope, kind, providerRef string) error
}

// Service implements the payment protocols.
type Service struct {
	store     Store
	gateway   Gateway
	publisher events.EventPublisher
	metrics   *metrics.Metrics
	logger    *slog.Logger
	cfg       Config
	now       func() time.Time
}

// NewService creates a new payments service.
func NewService(store Store, gw Gateway, publisher events.EventPublisher, m *metrics.Metrics, cfg Config, logger *slog.Logger) *Service {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 15 * time.Second
	}
	return &Service{
		store:     store,
		gateway:   gw,
		publisher: publisher,
		metrics:   m,
		logger:    logger,
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// StartInput is the input to Start.
type StartInput struct {
	TenantID       string
	WorkspaceID    string
	RegisterID     string
	SaleID         string
	AmountCents    int64
	Currency       string
	IdempotencyKey string
	ProviderHint   string
}

// Start returns the attempt for the idempotency key, opening a provider
// session and creating the attempt on first use. Later requests with the
// same key get the stored attempt whatever else they carry.
func (s *Service) Start(ctx context.Context, in StartInput) (*domain.Attempt, error) {
	scope := gateway.Scope{TenantID: in.TenantID, WorkspaceID: in.WorkspaceID}
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	if in.RegisterID == "" {
		return nil, apperror.Validation("registerId is required")
	}
	if in.AmountCents <= 0 {
		return nil, apperror.Validation("amountCents must be > 0")
	}
	currency, err := money.ParseCurrency(in.Currency)
	if err != nil {
		return nil, apperror.Wrap(apperror.ErrValidation, err, "currency")
	}
	amount := money.New(in.AmountCents, currency)

	key := in.IdempotencyKey
	if key == "" {
		key = derivedIdempotencyKey(in, amount)
	}

	existing, err := s.store.GetByIdempotencyKey(ctx, in.WorkspaceID, key)
	switch {
	case err == nil:
		s.logger.Info("returning existing attempt for idempotency key",
			"attempt_id", existing.ID,
			"workspace_id", in.WorkspaceID,
			"idempotency_key", key,
		)
		return existing, nil
	case !apperror.IsNotFound(err):
		return nil, fmt.Errorf("lookup by idempotency key: %w", err)
	}

	sess, err := s.gateway.CreateSession(ctx, scope, gateway.SessionRequest{
		WorkspaceID:    in.WorkspaceID,
		Amount:         amount,
		Reference:      reference(in),
		ProviderHint:   in.ProviderHint,
		IdempotencyKey: key,
	})
	if err != nil {
		return nil, fmt.Errorf("create provider session: %w", err)
	}

	attempt, err := domain.NewAttempt(domain.NewAttemptParams{
		ID:             ulid.Make().String(),
		TenantID:       in.TenantID,
		WorkspaceID:    in.WorkspaceID,
		SaleID:         in.SaleID,
		RegisterID:     in.RegisterID,
		Amount:         amount,
		IdempotencyKey: key,
		ProviderKind:   sess.ProviderKind,
		ProviderRef:    sess.ProviderRef,
		Status:         sess.Status,
		Action:         sess.Action,
		ExpiresAt:      sess.ExpiresAt,
		RawStatus:      sess.Raw,
	}, s.now())
	if err != nil {
		return nil, err
	}

	// A unique violation here is a concurrent Start with the same key. It
	// is surfaced rather than resolved so one key never opens two sessions.
	if err := s.store.Create(ctx, attempt); err != nil {
		if apperror.IsConflict(err) {
			s.logger.Warn("concurrent start for idempotency key",
				"workspace_id", in.WorkspaceID,
				"idempotency_key", key,
				"provider_ref", sess.ProviderRef,
			)
			return nil, err
		}
		return nil, fmt.Errorf("create attempt: %w", err)
	}

	s.metrics.AttemptsStarted.WithLabelValues(attempt.ProviderKind).Inc()
	s.logger.Info("payment attempt started",
		"attempt_id", attempt.ID,
		"workspace_id", attempt.WorkspaceID,
		"provider_kind", attempt.ProviderKind,
		"provider_ref", attempt.ProviderRef,
		"status", attempt.Status,
	)
	s.publish(ctx, events.EventPaymentAttemptCreated, attempt, events.PaymentAttemptCreatedData{
		AttemptID:    attempt.ID,
		SaleID:       attempt.SaleID,
		RegisterID:   attempt.RegisterID,
		AmountCents:  attempt.Amount.AmountMinor,
		Currency:     string(attempt.Amount.Currency),
		ProviderKind: attempt.ProviderKind,
		ProviderRef:  attempt.ProviderRef,
		Status:       string(attempt.Status),
	})
	return attempt, nil
}

// GetStatus returns an attempt, first refreshing it from the provider when
// it is open and has not been updated within the staleness threshold.
// A failed provider call leaves the stored projection in place.
func (s *Service) GetStatus(ctx context.Context, scope gateway.Scope, attemptID string) (*domain.Attempt, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	attempt, err := s.store.Get(ctx, scope.WorkspaceID, attemptID)
	if err != nil {
		return nil, err
	}
	if !attempt.IsStale(s.now(), s.cfg.StaleAfter) {
		return attempt, nil
	}

	report, err := s.gateway.GetStatus(ctx, scope, attempt.ProviderKind, attempt.ProviderRef)
	if err != nil {
		s.logger.Warn("status refresh failed, serving stored attempt",
			"attempt_id", attempt.ID,
			"provider_kind", attempt.ProviderKind,
			"provider_ref", attempt.ProviderRef,
			"error", err,
		)
		return attempt, nil
	}

	return s.apply(ctx, attempt, sourcePoll, func(a *domain.Attempt) (bool, error) {
		return a.ApplyProviderStatus(*report, s.now())
	}, func(prev domain.Status, cur *domain.Attempt) (bool, error) {
		// The report predates the concurrent write; only re-apply it onto
		// an attempt that is still where the poll found it.
		return cur.Status != prev || !cur.IsStale(s.now(), s.cfg.StaleAfter), nil
	})
}

// Cancel cancels an open attempt, at the provider when it supports remote
// cancellation. Cancelling a cancelled attempt returns it unchanged.
func (s *Service) Cancel(ctx context.Context, scope gateway.Scope, attemptID string) (*domain.Attempt, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	attempt, err := s.store.Get(ctx, scope.WorkspaceID, attemptID)
	if err != nil {
		return nil, err
	}
	switch {
	case attempt.Status == domain.StatusCancelled:
		return attempt, nil
	case attempt.Status.IsTerminal():
		return nil, apperror.Conflict("attempt %s is already %s", attempt.ID, attempt.Status)
	}

	err = s.gateway.CancelSession(ctx, scope, attempt.ProviderKind, attempt.ProviderRef)
	if err != nil && !errors.Is(err, gateway.ErrCancelUnsupported) {
		return nil, fmt.Errorf("cancel provider session: %w", err)
	}

	return s.apply(ctx, attempt, sourceCancel, func(a *domain.Attempt) (bool, error) {
		return a.MarkCancelled(nil, s.now())
	}, func(_ domain.Status, cur *domain.Attempt) (bool, error) {
		switch {
		case cur.Status == domain.StatusCancelled:
			return true, nil
		case cur.Status.IsTerminal():
			return true, apperror.Conflict("attempt %s is already %s", cur.ID, cur.Status)
		}
		return false, nil
	})
}

// ApplyNotification applies a provider-pushed status to the attempt
// correlated by (workspace, provider kind, provider ref).
func (s *Service) ApplyNotification(ctx context.Context, n gateway.Notification) error {
	if n.WorkspaceID == "" || n.ProviderRef == "" {
		return apperror.Validation("notification needs workspace and provider ref")
	}
	attempt, err := s.store.GetByProviderRef(ctx, n.WorkspaceID, n.ProviderKind, n.ProviderRef)
	if err != nil {
		return err
	}

	report := domain.ProviderReport{
		Status:        n.Status,
		Raw:           n.Raw,
		PaidAt:        n.PaidAt,
		FailureReason: n.FailureReason,
	}
	_, err = s.apply(ctx, attempt, sourceWebhook, func(a *domain.Attempt) (bool, error) {
		return a.ApplyProviderStatus(report, s.now())
	}, nil)
	return err
}

// reloadCheck inspects an attempt reloaded after a lost write. It reports
// whether the reloaded attempt settles the call as-is, optionally with an
// error, instead of re-running the mutation.
type reloadCheck func(prev domain.Status, cur *domain.Attempt) (bool, error)

// apply runs mutate and persists the result. When the write loses an
// optimistic-concurrency race the attempt is reloaded, offered to settled
// when non-nil, and otherwise mutate is re-run.
func (s *Service) apply(ctx context.Context, attempt *domain.Attempt, source string, mutate func(*domain.Attempt) (bool, error), settled reloadCheck) (*domain.Attempt, error) {
	for try := 0; ; try++ {
		from := attempt.Status
		changed, err := mutate(attempt)
		if err != nil {
			var te *domain.TransitionError
			if errors.As(err, &te) {
				s.logger.Error("illegal payment attempt transition",
					"attempt_id", attempt.ID,
					"workspace_id", attempt.WorkspaceID,
					"provider_kind", attempt.ProviderKind,
					"provider_ref", attempt.ProviderRef,
					"from", te.From,
					"to", te.To,
					"source", source,
					"correlation_id", middleware.GetCorrelationID(ctx),
				)
			}
			return nil, err
		}

		err = s.store.Update(ctx, attempt)
		if err == nil {
			if changed {
				s.transitioned(ctx, attempt, from, source)
			}
			return attempt, nil
		}
		if !apperror.IsConflict(err) || try+1 >= maxApplyRetries {
			return nil, fmt.Errorf("update attempt %s: %w", attempt.ID, err)
		}

		s.logger.Debug("attempt changed concurrently, reloading",
			"attempt_id", attempt.ID,
			"source", source,
		)
		attempt, err = s.store.Get(ctx, attempt.WorkspaceID, attempt.ID)
		if err != nil {
			return nil, err
		}
		if settled == nil {
			continue
		}
		done, err := settled(from, attempt)
		if err != nil {
			return nil, err
		}
		if done {
			return attempt, nil
		}
	}
}

func (s *Service) transitioned(ctx context.Context, a *domain.Attempt, from domain.Status, source string) {
	s.metrics.Transitions.WithLabelValues(string(a.Status), source).Inc()
	s.logger.Info("payment attempt status changed",
		"attempt_id", a.ID,
		"workspace_id", a.WorkspaceID,
		"provider_kind", a.ProviderKind,
		"provider_ref", a.ProviderRef,
		"from", from,
		"status", a.Status,
		"source", source,
	)
	s.publish(ctx, events.EventPaymentAttemptStatusChanged, a, events.PaymentAttemptStatusChangedData{
		AttemptID:     a.ID,
		SaleID:        a.SaleID,
		ProviderKind:  a.ProviderKind,
		ProviderRef:   a.ProviderRef,
		From:          string(from),
		To:            string(a.Status),
		Source:        source,
		FailureReason: a.FailureReason,
		PaidAt:        a.PaidAt,
	})
}

// publish is best effort: the attempt is already persisted.
func (s *Service) publish(ctx context.Context, eventType string, a *domain.Attempt, data any) {
	event, err := events.NewEvent(eventType, a.TenantID, events.AggregatePaymentAttempt, a.ID, data)
	if err != nil {
		s.logger.Error("failed to build event", "type", eventType, "attempt_id", a.ID, "error", err)
		return
	}
	event.WithWorkspace(a.WorkspaceID).WithCorrelation(middleware.GetCorrelationID(ctx), "")
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.Error("failed to publish event",
			"type", eventType,
			"attempt_id", a.ID,
			"error", err,
		)
	}
}

// reference is the provider-facing reference for a sale.
func reference(in StartInput) string {
	return fmt.Sprintf("pos:%s:%s:%s:%d", in.WorkspaceID, in.RegisterID, in.SaleID, in.AmountCents)
}

// derivedIdempotencyKey makes retries of the same sale collide when the
// client sent no key. Without a sale there is nothing stable to key on.
func derivedIdempotencyKey(in StartInput, amount money.Money) string {
	if in.SaleID == "" {
		return ulid.Make().String()
	}
	mac := hmac.New(sha256.New, []byte(in.TenantID))
	fmt.Fprintf(mac, "%s|%s|%s|%d|%s", in.WorkspaceID, in.RegisterID, in.SaleID, amount.AmountMinor, amount.Currency)
	return "derived:" + hex.EncodeToString(mac.Sum(nil))
}
