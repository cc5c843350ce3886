package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/oklog/ulid/v2"
)

// Event represents a domain event envelope
type Event struct {
	ID            string          `json:"event_id"`
	Type          string          `json:"type"`
	Version       int             `json:"version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	CorrelationID string          `json:"correlation_id"`
	CausationID   string          `json:"causation_id,omitempty"`
	TenantID      string          `json:"tenant_id"`
	WorkspaceID   string          `json:"workspace_id,omitempty"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	Data          json.RawMessage `json:"data"`
}

// NewEvent creates a new event
func NewEvent(eventType string, tenantID, aggregateType, aggregateID string, data interface{}) (*Event, error) {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	return &Event{
		ID:            ulid.Make().String(),
		Type:          eventType,
		Version:       1,
		OccurredAt:    time.Now().UTC(),
		TenantID:      tenantID,
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		Data:          dataBytes,
	}, nil
}

// WithCorrelation adds correlation and causation IDs
func (e *Event) WithCorrelation(correlationID, causationID string) *Event {
	e.CorrelationID = correlationID
	e.CausationID = causationID
	return e
}

// WithWorkspace scopes the event to a workspace
func (e *Event) WithWorkspace(workspaceID string) *Event {
	e.WorkspaceID = workspaceID
	return e
}

// EventPublisher publishes events to a message broker
type EventPublisher interface {
	Publish(ctx context.Context, event *Event) error
}

// NopPublisher drops every event. Used when no broker is configured.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, *Event) error { return nil }

// Event types
const (
	EventPaymentAttemptCreated       = "pos.payment_attempt.created"
	EventPaymentAttemptStatusChanged = "pos.payment_attempt.status_changed"

	EventConnectionCreated = "integrations.connection.created"
	EventConnectionUpdated = "integrations.connection.updated"

	EventMailNotificationReceived = "integrations.mail.notification_received"
)

// Aggregate types
const (
	AggregatePaymentAttempt = "payment_attempt"
	AggregateConnection     = "integration_connection"
	AggregateMailbox        = "mailbox"
)

// PaymentAttemptCreatedData is the data for pos.payment_attempt.created events
type PaymentAttemptCreatedData struct {
	AttemptID    string `json:"attempt_id"`
	SaleID       string `json:"sale_id,omitempty"`
	RegisterID   string `json:"register_id"`
	AmountCents  int64  `json:"amount_cents"`
	Currency     string `json:"currency"`
	ProviderKind string `json:"provider_kind"`
	ProviderRef  string `json:"provider_ref"`
	Status       string `json:"status"`
}

// PaymentAttemptStatusChangedData is the data for pos.payment_attempt.status_changed events
type PaymentAttemptStatusChangedData struct {
	AttemptID     string     `json:"attempt_id"`
	SaleID        string     `json:"sale_id,omitempty"`
	ProviderKind  string     `json:"provider_kind"`
	ProviderRef   string     `json:"provider_ref"`
	From          string     `json:"from"`
	To            string     `json:"to"`
	Source        string     `json:"source"`
	FailureReason string     `json:"failure_reason,omitempty"`
	PaidAt        *time.Time `json:"paid_at,omitempty"`
}

// ConnectionChangedData is the data for integrations.connection.* events
type ConnectionChangedData struct {
	ConnectionID string `json:"connection_id"`
	Kind         string `json:"kind"`
	Status       string `json:"status"`
}

// MailNotificationData is the data for integrations.mail.notification_received events
type MailNotificationData struct {
	Provider       string          `json:"provider"`
	SubscriptionID string          `json:"subscription_id,omitempty"`
	Mailbox        string          `json:"mailbox,omitempty"`
	Cursor         string          `json:"cursor,omitempty"`
	Raw            json.RawMessage `json:"raw,omitempty"`
}
