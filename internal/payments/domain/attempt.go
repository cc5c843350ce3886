package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"posplatform/internal/common/apperror"
	"posplatform/internal/common/money"
)

// Attempt is one try at collecting a cashless payment for a sale.
//
// Amount, ProviderKind and ProviderRef never change after creation. Status
// only moves through Transition.
type Attempt struct {
	ID             string
	TenantID       string
	WorkspaceID    string
	SaleID         string
	RegisterID     string
	Amount         money.Money
	Status         Status
	ProviderKind   string
	ProviderRef    string
	Action         Action
	IdempotencyKey string
	FailureReason  string
	PaidAt         *time.Time
	ExpiresAt      *time.Time
	RawStatus      json.RawMessage
	Version        int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// NewAttemptParams are the inputs for NewAttempt.
type NewAttemptParams struct {
	ID             string
	TenantID       string
	WorkspaceID    string
	SaleID         string
	RegisterID     string
	Amount         money.Money
	IdempotencyKey string
	ProviderKind   string
	ProviderRef    string
	Status         Status
	Action         Action
	ExpiresAt      *time.Time
	RawStatus      json.RawMessage
}

// NewAttempt creates an attempt in the status reported by the provider
// when the session was opened.
func NewAttempt(p NewAttemptParams, now time.Time) (*Attempt, error) {
	switch {
	case p.ID == "":
		return nil, apperror.Validation("attempt id is required")
	case p.TenantID == "" || p.WorkspaceID == "":
		return nil, apperror.Validation("tenant and workspace are required")
	case p.RegisterID == "":
		return nil, apperror.Validation("registerId is required")
	case !p.Amount.IsPositive():
		return nil, apperror.Validation("amountCents must be > 0")
	case p.Amount.Currency == "":
		return nil, apperror.Validation("currency is required")
	case p.IdempotencyKey == "":
		return nil, apperror.Validation("idempotency key is required")
	case p.ProviderKind == "" || p.ProviderRef == "":
		return nil, apperror.Validation("provider kind and ref are required")
	}

	status := p.Status
	if status == "" {
		status = StatusPending
	}
	if !status.Valid() {
		return nil, apperror.Validation("unknown initial status %q", p.Status)
	}
	action := p.Action
	if action.Type == "" {
		action = NoAction()
	}
	if err := action.Validate(); err != nil {
		return nil, err
	}

	now = now.UTC()
	a := &Attempt{
		ID:             p.ID,
		TenantID:       p.TenantID,
		WorkspaceID:    p.WorkspaceID,
		SaleID:         p.SaleID,
		RegisterID:     p.RegisterID,
		Amount:         p.Amount,
		Status:         status,
		ProviderKind:   p.ProviderKind,
		ProviderRef:    p.ProviderRef,
		Action:         action,
		IdempotencyKey: p.IdempotencyKey,
		ExpiresAt:      p.ExpiresAt,
		RawStatus:      p.RawStatus,
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if status == StatusPaid {
		a.PaidAt = &now
	}
	return a, nil
}

// TransitionError reports a status change the state machine forbids.
// It indicates a bug or an incoherent provider report.
type TransitionError struct {
	AttemptID string
	From      Status
	To        Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal payment attempt transition %s -> %s (attempt %s)", e.From, e.To, e.AttemptID)
}

func (e *TransitionError) Unwrap() error { return apperror.ErrInvariant }

// Patch carries the mutable fields a transition may update. Nil or empty
// fields leave the attempt untouched.
type Patch struct {
	Action        *Action
	FailureReason string
	PaidAt        *time.Time
	RawStatus     json.RawMessage
}

// Transition moves the attempt to status to and applies the patch.
// Re-applying the current status is always legal: it refreshes the patch
// fields and UpdatedAt. It reports whether the status changed.
func (a *Attempt) Transition(to Status, p Patch, now time.Time) (bool, error) {
	if !to.Valid() {
		return false, &TransitionError{AttemptID: a.ID, From: a.Status, To: to}
	}
	changed := to != a.Status
	if changed && !a.Status.CanTransitionTo(to) {
		return false, &TransitionError{AttemptID: a.ID, From: a.Status, To: to}
	}
	if p.Action != nil {
		if err := p.Action.Validate(); err != nil {
			return false, err
		}
	}

	now = now.UTC()
	a.Status = to
	if p.Action != nil {
		a.Action = *p.Action
	}
	if p.FailureReason != "" {
		a.FailureReason = p.FailureReason
	}
	if p.RawStatus != nil {
		a.RawStatus = p.RawStatus
	}
	switch {
	case p.PaidAt != nil:
		a.PaidAt = p.PaidAt
	case to == StatusPaid && a.PaidAt == nil:
		a.PaidAt = &now
	}
	if to.IsTerminal() && changed && p.Action == nil {
		a.Action = NoAction()
	}
	a.UpdatedAt = now
	return changed, nil
}

// MarkPaid transitions to paid.
func (a *Attempt) MarkPaid(paidAt time.Time, raw json.RawMessage, now time.Time) (bool, error) {
	return a.Transition(StatusPaid, Patch{PaidAt: &paidAt, RawStatus: raw}, now)
}

// MarkFailed transitions to failed with a reason.
func (a *Attempt) MarkFailed(reason string, raw json.RawMessage, now time.Time) (bool, error) {
	return a.Transition(StatusFailed, Patch{FailureReason: reason, RawStatus: raw}, now)
}

// MarkCancelled transitions to cancelled.
func (a *Attempt) MarkCancelled(raw json.RawMessage, now time.Time) (bool, error) {
	return a.Transition(StatusCancelled, Patch{RawStatus: raw}, now)
}

// MarkExpired transitions to expired.
func (a *Attempt) MarkExpired(raw json.RawMessage, now time.Time) (bool, error) {
	return a.Transition(StatusExpired, Patch{RawStatus: raw}, now)
}

// ProviderReport is a provider's view of a payment session.
type ProviderReport struct {
	Status        Status
	Action        *Action
	Raw           json.RawMessage
	PaidAt        *time.Time
	FailureReason string
}

// ApplyProviderStatus applies a provider report through Transition.
func (a *Attempt) ApplyProviderStatus(r ProviderReport, now time.Time) (bool, error) {
	return a.Transition(r.Status, Patch{
		Action:        r.Action,
		FailureReason: r.FailureReason,
		PaidAt:        r.PaidAt,
		RawStatus:     r.Raw,
	}, now)
}

// IsStale reports whether an open attempt has gone longer than after
// without an update and should be refreshed from the provider.
func (a *Attempt) IsStale(now time.Time, after time.Duration) bool {
	return a.Status.IsOpen() && now.Sub(a.UpdatedAt) > after
}
