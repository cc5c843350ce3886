package gateway

import (
	"context"
	"encoding/json"
	"time"

	"posplatform/internal/payments/domain"
)

// Notification is a status update pushed by a provider. Attempts are
// correlated by (WorkspaceID, ProviderKind, ProviderRef).
type Notification struct {
	WorkspaceID   string
	ProviderKind  string
	ProviderRef   string
	Status        domain.Status
	FailureReason string
	PaidAt        *time.Time
	Raw           json.RawMessage
}

// NotificationSink applies provider notifications to payment attempts.
type NotificationSink interface {
	ApplyNotification(ctx context.Context, n Notification) error
}
