package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"posplatform/internal/common/apperror"
	"posplatform/internal/common/metrics"
	"posplatform/internal/integrations"
	"posplatform/internal/payments/domain"
)

// ConnectionResolver finds the active connection of a kind for a workspace.
type ConnectionResolver interface {
	ResolveActiveByKind(ctx context.Context, tenantID, workspaceID, kind string) (*integrations.Resolved, error)
}

// RouterConfig configures provider selection and call bounds.
type RouterConfig struct {
	DefaultKind string
	Timeout     time.Duration
}

// Router implements the payment core's gateway port over the registry.
// Every call resolves credentials afresh and runs under a timeout.
type Router struct {
	registry *Registry
	resolver ConnectionResolver
	cfg      RouterConfig
	metrics  *metrics.Metrics
	tracer   trace.Tracer
	logger   *slog.Logger
}

// NewRouter creates a Router.
func NewRouter(registry *Registry, resolver ConnectionResolver, cfg RouterConfig, m *metrics.Metrics, logger *slog.Logger) *Router {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Router{
		registry: registry,
		resolver: resolver,
		cfg:      cfg,
		metrics:  m,
		tracer:   otel.Tracer("posplatform/gateway"),
		logger:   logger,
	}
}

// CreateSession opens a session with the hinted provider, or the default
// provider when no hint is given.
func (r *Router) CreateSession(ctx context.Context, scope Scope, req SessionRequest) (*Session, error) {
	kind := strings.ToLower(strings.TrimSpace(req.ProviderHint))
	if kind == "" {
		kind = r.cfg.DefaultKind
	}
	if kind == "" {
		return nil, apperror.Validation("no payment provider selected")
	}

	var sess *Session
	err := r.call(ctx, scope, kind, "create_session", func(ctx context.Context, c Client) error {
		var err error
		sess, err = c.CreateSession(ctx, req)
		return err
	})
	if err != nil {
		return nil, err
	}

	if sess.ProviderKind == "" {
		sess.ProviderKind = kind
	}
	if sess.ProviderRef == "" {
		return nil, apperror.Invariant("provider %s returned a session without a reference", kind)
	}
	if sess.Status == "" {
		sess.Status = domain.StatusPending
	}
	if !sess.Status.Valid() {
		return nil, apperror.Invariant("provider %s returned unknown session status %q", kind, sess.Status)
	}
	return sess, nil
}

// GetStatus fetches the provider's view of a session.
func (r *Router) GetStatus(ctx context.Context, scope Scope, kind, providerRef string) (*StatusReport, error) {
	var report *StatusReport
	err := r.call(ctx, scope, kind, "get_status", func(ctx context.Context, c Client) error {
		var err error
		report, err = c.GetStatus(ctx, providerRef)
		return err
	})
	if err != nil {
		return nil, err
	}
	return report, nil
}

// CancelSession cancels a session at the provider. It returns
// ErrCancelUnsupported when the provider has no remote cancel.
func (r *Router) CancelSession(ctx context.Context, scope Scope, kind, providerRef string) error {
	return r.call(ctx, scope, kind, "cancel_session", func(ctx context.Context, c Client) error {
		cc, ok := c.(Canceller)
		if !ok {
			return ErrCancelUnsupported
		}
		return cc.CancelSession(ctx, providerRef)
	})
}

func (r *Router) call(ctx context.Context, scope Scope, kind, op string, fn func(context.Context, Client) error) error {
	if err := scope.Validate(); err != nil {
		return err
	}
	if !r.registry.Supports(kind) {
		return apperror.Validation("unsupported payment provider kind %q", kind)
	}

	resolved, err := r.resolver.ResolveActiveByKind(ctx, scope.TenantID, scope.WorkspaceID, kind)
	if err != nil {
		return err
	}
	client, err := r.registry.Client(resolved.Connection, *resolved.Secret)
	if err != nil {
		return err
	}

	ctx, span := r.tracer.Start(ctx, "gateway."+op, trace.WithAttributes(
		attribute.String("provider.kind", kind),
		attribute.String("workspace.id", scope.WorkspaceID),
		attribute.String("connection.id", resolved.Connection.ID),
	))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	started := time.Now()
	err = fn(ctx, client)
	r.metrics.ObserveProviderCall(kind, op, started, err)

	if err != nil && !errors.Is(err, ErrCancelUnsupported) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("provider %s %s timed out after %s: %w", kind, op, r.cfg.Timeout, err)
		}
		r.logger.Warn("provider call failed",
			"provider_kind", kind,
			"operation", op,
			"workspace_id", scope.WorkspaceID,
			"duration_ms", time.Since(started).Milliseconds(),
			"error", err,
		)
	}
	return err
}
