package mail

import (
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"posplatform/internal/common/events"
	"posplatform/internal/common/metrics"
	"posplatform/internal/common/middleware"
)

// ProviderGmail labels Gmail Pub/Sub push notifications.
const ProviderGmail = "gmail"

// PushMessage is the Pub/Sub push envelope.
type PushMessage struct {
	Message struct {
		Data      string `json:"data"`
		MessageID string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// GmailNotification is the decoded Pub/Sub payload.
type GmailNotification struct {
	EmailAddress string      `json:"emailAddress"`
	HistoryID    json.Number `json:"historyId"`
}

// GmailHandler handles Gmail push notifications. Every delivery is
// acknowledged so Pub/Sub does not redeliver.
type GmailHandler struct {
	publisher events.EventPublisher
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewGmailHandler creates a new Gmail webhook handler.
func NewGmailHandler(publisher events.EventPublisher, m *metrics.Metrics, logger *slog.Logger) *GmailHandler {
	return &GmailHandler{publisher: publisher, metrics: m, logger: logger}
}

// ServeHTTP handles a Pub/Sub push.
func (h *GmailHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer w.WriteHeader(http.StatusNoContent)

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		h.logger.Error("failed to read gmail push", "error", err)
		return
	}

	var push PushMessage
	if err := json.Unmarshal(body, &push); err != nil {
		h.logger.Warn("failed to parse gmail push", "error", err)
		h.metrics.Webhooks.WithLabelValues(ProviderGmail, "bad_request").Inc()
		return
	}

	decoded, err := decodePushData(push.Message.Data)
	if err != nil {
		h.logger.Warn("failed to decode gmail push data",
			"message_id", push.Message.MessageID,
			"error", err,
		)
		h.metrics.Webhooks.WithLabelValues(ProviderGmail, "bad_request").Inc()
		return
	}

	var n GmailNotification
	if err := json.Unmarshal(decoded, &n); err != nil || n.EmailAddress == "" {
		h.logger.Warn("ignoring gmail push without mailbox", "message_id", push.Message.MessageID)
		h.metrics.Webhooks.WithLabelValues(ProviderGmail, "ignored").Inc()
		return
	}

	data := events.MailNotificationData{
		Provider:       ProviderGmail,
		SubscriptionID: push.Subscription,
		Mailbox:        strings.ToLower(n.EmailAddress),
		Cursor:         n.HistoryID.String(),
		Raw:            decoded,
	}
	publish(r, h.publisher, h.metrics, h.logger, "", data)
}

// decodePushData accepts both padded and unpadded base64 variants.
func decodePushData(s string) ([]byte, error) {
	s = strings.TrimRight(s, "=")
	if b, err := base64.RawStdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.RawURLEncoding.DecodeString(s)
}

func publish(r *http.Request, publisher events.EventPublisher, m *metrics.Metrics, logger *slog.Logger, tenantID string, data events.MailNotificationData) {
	event, err := events.NewEvent(
		events.EventMailNotificationReceived,
		tenantID,
		events.AggregateMailbox,
		data.Mailbox,
		data,
	)
	if err != nil {
		logger.Error("failed to build mail event", "provider", data.Provider, "error", err)
		m.Webhooks.WithLabelValues(data.Provider, "error").Inc()
		return
	}
	event.WithCorrelation(middleware.GetCorrelationID(r.Context()), "")

	if err := publisher.Publish(r.Context(), event); err != nil {
		logger.Error("failed to publish mail event",
			"provider", data.Provider,
			"mailbox", data.Mailbox,
			"error", err,
		)
		m.Webhooks.WithLabelValues(data.Provider, "error").Inc()
		return
	}
	m.Webhooks.WithLabelValues(data.Provider, "published").Inc()
}
