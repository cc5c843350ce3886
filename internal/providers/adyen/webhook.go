package adyen

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"posplatform/internal/common/metrics"
	"posplatform/internal/gateway"
	"posplatform/internal/payments/domain"
)

// WebhookConfig authenticates notifications with basic auth, per-item HMAC
// signatures, or both. With neither configured, deliveries are rejected
// unless AllowUnsigned is set.
type WebhookConfig struct {
	Username      string `envconfig:"ADYEN_WEBHOOK_USERNAME"`
	Password      string `envconfig:"ADYEN_WEBHOOK_PASSWORD"`
	HMACKey       string `envconfig:"ADYEN_WEBHOOK_HMAC_KEY"`
	AllowUnsigned bool   `envconfig:"WEBHOOK_ALLOW_UNSIGNED" default:"false"`
}

func (c WebhookConfig) authenticated() bool {
	return c.Username != "" || c.HMACKey != ""
}

// Notification is Adyen's standard notification envelope.
type Notification struct {
	Live              string             `json:"live"`
	NotificationItems []NotificationItem `json:"notificationItems"`
}

// NotificationItem wraps one notification request item.
type NotificationItem struct {
	Item NotificationRequestItem `json:"NotificationRequestItem"`
}

// NotificationRequestItem is a single event.
type NotificationRequestItem struct {
	EventCode           string            `json:"eventCode"`
	Success             string            `json:"success"`
	PSPReference        string            `json:"pspReference"`
	OriginalReference   string            `json:"originalReference,omitempty"`
	MerchantAccountCode string            `json:"merchantAccountCode,omitempty"`
	MerchantReference   string            `json:"merchantReference"`
	Amount              Amount            `json:"amount"`
	Reason              string            `json:"reason,omitempty"`
	EventDate           string            `json:"eventDate,omitempty"`
	AdditionalData      map[string]string `json:"additionalData,omitempty"`
}

// accepted is the body Adyen expects, whatever happened internally.
const accepted = "[accepted]"

// WebhookHandler handles Adyen notifications. It always acknowledges
// authenticated deliveries so Adyen does not queue retries.
type WebhookHandler struct {
	config  WebhookConfig
	sink    gateway.NotificationSink
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewWebhookHandler creates a new Adyen webhook handler.
func NewWebhookHandler(cfg WebhookConfig, sink gateway.NotificationSink, m *metrics.Metrics, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{config: cfg, sink: sink, metrics: m, logger: logger}
}

// ServeHTTP handles an Adyen notification batch.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.config.authenticated() && !h.config.AllowUnsigned {
		h.logger.Warn("rejecting adyen notification: no webhook credentials configured")
		h.unauthorized(w)
		return
	}
	if h.config.Username != "" && !h.authorized(r) {
		h.unauthorized(w)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		h.logger.Error("failed to read adyen notification", "error", err)
		h.ack(w)
		return
	}

	var n Notification
	if err := json.Unmarshal(body, &n); err != nil {
		h.logger.Error("failed to parse adyen notification", "error", err)
		h.metrics.Webhooks.WithLabelValues(Kind, "bad_request").Inc()
		h.ack(w)
		return
	}

	for _, wrapped := range n.NotificationItems {
		h.handleItem(r, wrapped.Item)
	}
	h.ack(w)
}

func (h *WebhookHandler) handleItem(r *http.Request, item NotificationRequestItem) {
	if h.config.HMACKey != "" {
		if err := VerifyItemSignature(h.config.HMACKey, item); err != nil {
			h.logger.Warn("dropping adyen notification with bad signature",
				"event_code", item.EventCode,
				"psp_reference", item.PSPReference,
				"error", err,
			)
			h.metrics.Webhooks.WithLabelValues(Kind, "unauthorized").Inc()
			return
		}
	}

	status, reason, ok := mapEvent(item)
	linkID := item.AdditionalData["paymentLinkId"]
	if !ok || linkID == "" {
		h.logger.Debug("ignoring adyen notification",
			"event_code", item.EventCode,
			"psp_reference", item.PSPReference,
		)
		h.metrics.Webhooks.WithLabelValues(Kind, "ignored").Inc()
		return
	}

	raw, _ := json.Marshal(item)
	err := h.sink.ApplyNotification(r.Context(), gateway.Notification{
		WorkspaceID:   item.AdditionalData["metadata.workspaceId"],
		ProviderKind:  Kind,
		ProviderRef:   linkID,
		Status:        status,
		FailureReason: reason,
		Raw:           raw,
	})
	if err != nil {
		h.logger.Error("failed to apply adyen notification",
			"payment_link_id", linkID,
			"event_code", item.EventCode,
			"error", err,
		)
		h.metrics.Webhooks.WithLabelValues(Kind, "error").Inc()
		return
	}
	h.metrics.Webhooks.WithLabelValues(Kind, "applied").Inc()
}

func (h *WebhookHandler) authorized(r *http.Request) bool {
	user, pass, ok := r.BasicAuth()
	if !ok {
		return false
	}
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(h.config.Username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(h.config.Password)) == 1
	return userOK && passOK
}

func (h *WebhookHandler) unauthorized(w http.ResponseWriter) {
	h.metrics.Webhooks.WithLabelValues(Kind, "unauthorized").Inc()
	if h.config.Username != "" {
		w.Header().Set("WWW-Authenticate", `Basic realm="adyen"`)
	}
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}

// signingString is Adyen's colon-joined HMAC payload for a notification item.
func signingString(item NotificationRequestItem) string {
	return strings.Join([]string{
		item.PSPReference,
		item.OriginalReference,
		item.MerchantAccountCode,
		item.MerchantReference,
		fmt.Sprintf("%d", item.Amount.Value),
		item.Amount.Currency,
		item.EventCode,
		item.Success,
	}, ":")
}

// SignItem computes the base64 HMAC-SHA256 signature of item under the
// hex-encoded key.
func SignItem(hexKey string, item NotificationRequestItem) (string, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return "", fmt.Errorf("decoding hmac key: %w", err)
	}
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(signingString(item)))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

// VerifyItemSignature checks additionalData.hmacSignature on item.
func VerifyItemSignature(hexKey string, item NotificationRequestItem) error {
	got := item.AdditionalData["hmacSignature"]
	if got == "" {
		return errors.New("missing hmacSignature")
	}
	want, err := SignItem(hexKey, item)
	if err != nil {
		return err
	}
	if !hmac.Equal([]byte(got), []byte(want)) {
		return errors.New("hmacSignature mismatch")
	}
	return nil
}

func (h *WebhookHandler) ack(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, accepted)
}

// mapEvent maps an Adyen event to a status change.
func mapEvent(item NotificationRequestItem) (domain.Status, string, bool) {
	success := strings.EqualFold(item.Success, "true")
	switch strings.ToUpper(item.EventCode) {
	case "AUTHORISATION":
		if success {
			return domain.StatusPaid, "", true
		}
		reason := item.Reason
		if reason == "" {
			reason = "authorisation refused"
		}
		return domain.StatusFailed, reason, true
	case "CANCELLATION":
		if success {
			return domain.StatusCancelled, "", true
		}
	case "OFFER_CLOSED":
		if success {
			return domain.StatusExpired, "", true
		}
	}
	return "", "", false
}
