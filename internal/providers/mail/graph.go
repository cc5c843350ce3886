// Package mail acknowledges mailbox push notifications and forwards them
// to the event bus for the mailbox sync consumers.
package mail

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"posplatform/internal/common/events"
	"posplatform/internal/common/metrics"
)

// ProviderGraph labels Microsoft Graph notifications.
const ProviderGraph = "graph"

// GraphConfig configures the Graph handler. When ClientState is set,
// notifications carrying a different clientState are dropped.
type GraphConfig struct {
	ClientState string `envconfig:"GRAPH_CLIENT_STATE"`
}

// GraphNotification is one item of a Graph change notification batch.
type GraphNotification struct {
	SubscriptionID string `json:"subscriptionId"`
	ClientState    string `json:"clientState,omitempty"`
	ChangeType     string `json:"changeType"`
	Resource       string `json:"resource"`
	TenantID       string `json:"tenantId,omitempty"`
}

type graphBatch struct {
	Value []json.RawMessage `json:"value"`
}

// GraphHandler handles Microsoft Graph subscription validation and change
// notifications.
type GraphHandler struct {
	config    GraphConfig
	publisher events.EventPublisher
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewGraphHandler creates a new Graph webhook handler.
func NewGraphHandler(cfg GraphConfig, publisher events.EventPublisher, m *metrics.Metrics, logger *slog.Logger) *GraphHandler {
	return &GraphHandler{config: cfg, publisher: publisher, metrics: m, logger: logger}
}

// ServeHTTP answers the validationToken handshake in-band, otherwise
// publishes each notification and returns 202.
func (h *GraphHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if token := r.URL.Query().Get("validationToken"); token != "" {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, token)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		h.logger.Error("failed to read graph notification", "error", err)
		w.WriteHeader(http.StatusAccepted)
		return
	}

	var batch graphBatch
	if err := json.Unmarshal(body, &batch); err != nil {
		h.logger.Warn("failed to parse graph notification", "error", err)
		h.metrics.Webhooks.WithLabelValues(ProviderGraph, "bad_request").Inc()
		w.WriteHeader(http.StatusAccepted)
		return
	}

	for _, raw := range batch.Value {
		var n GraphNotification
		if err := json.Unmarshal(raw, &n); err != nil {
			h.metrics.Webhooks.WithLabelValues(ProviderGraph, "bad_request").Inc()
			continue
		}
		if h.config.ClientState != "" && n.ClientState != h.config.ClientState {
			h.logger.Warn("dropping graph notification with unexpected client state",
				"subscription_id", n.SubscriptionID,
			)
			h.metrics.Webhooks.WithLabelValues(ProviderGraph, "unauthorized").Inc()
			continue
		}

		data := events.MailNotificationData{
			Provider:       ProviderGraph,
			SubscriptionID: n.SubscriptionID,
			Mailbox:        graphMailbox(n.Resource),
			Cursor:         n.Resource,
			Raw:            raw,
		}
		publish(r, h.publisher, h.metrics, h.logger, n.TenantID, data)
	}

	w.WriteHeader(http.StatusAccepted)
}

// graphMailbox extracts the user segment from resources such as
// "Users/{id}/Messages/{id}".
func graphMailbox(resource string) string {
	parts := strings.Split(strings.Trim(resource, "/"), "/")
	for i := 0; i+1 < len(parts); i++ {
		if strings.EqualFold(parts[i], "users") {
			return parts[i+1]
		}
	}
	return ""
}
