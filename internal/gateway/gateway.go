// Package gateway abstracts payment providers behind a single port.
//
// Concrete providers implement Client. The Registry builds a Client from an
// integration connection, and the Router resolves the connection for a
// workspace on every call so the payment core never handles credentials.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"posplatform/internal/common/apperror"
	"posplatform/internal/common/money"
	"posplatform/internal/payments/domain"
)

// ErrCancelUnsupported is returned by CancelSession for providers that
// cannot cancel a session remotely.
var ErrCancelUnsupported = errors.New("provider does not support cancelling sessions")

// Scope identifies the tenant and workspace a call runs for.
type Scope struct {
	TenantID    string
	WorkspaceID string
}

// Validate checks that both ids are present.
func (s Scope) Validate() error {
	if s.TenantID == "" {
		return apperror.Validation("tenant id is required")
	}
	if s.WorkspaceID == "" {
		return apperror.Validation("workspace id is required")
	}
	return nil
}

// SessionRequest opens a provider payment session.
type SessionRequest struct {
	WorkspaceID    string
	Amount         money.Money
	Reference      string
	ProviderHint   string
	IdempotencyKey string
}

// Session is the provider's answer to SessionRequest.
type Session struct {
	ProviderKind string
	ProviderRef  string
	Status       domain.Status
	Action       domain.Action
	Raw          json.RawMessage
	ExpiresAt    *time.Time
}

// StatusReport is the provider's current view of a session.
type StatusReport = domain.ProviderReport

// Client talks to one provider on behalf of one connection.
type Client interface {
	Kind() string
	CreateSession(ctx context.Context, req SessionRequest) (*Session, error)
	GetStatus(ctx context.Context, providerRef string) (*StatusReport, error)
}

// Canceller is implemented by clients that can cancel a session.
type Canceller interface {
	CancelSession(ctx context.Context, providerRef string) error
}

// Pinger is implemented by clients that can check their credentials.
type Pinger interface {
	Ping(ctx context.Context) error
}
