package sumup

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"posplatform/internal/common/api"
	"posplatform/internal/common/apperror"
	"posplatform/internal/common/metrics"
	"posplatform/internal/gateway"
	"posplatform/internal/payments/domain"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw body.
const SignatureHeader = "x-sumup-signature"

const maxWebhookBody = 1 << 20

// Signature verification failures.
var (
	ErrMissingSignature = errors.New("webhook signature or body missing")
	ErrBadSignature     = errors.New("webhook signature mismatch")
	ErrUnsigned         = errors.New("webhook signing secret not configured")
)

// WebhookConfig configures signature verification. With an empty Secret,
// requests are rejected unless AllowUnsigned is set.
type WebhookConfig struct {
	Secret        string `envconfig:"SUMUP_WEBHOOK_SECRET"`
	AllowUnsigned bool   `envconfig:"WEBHOOK_ALLOW_UNSIGNED" default:"false"`
}

// Field aliases seen across SumUp payload versions.
var (
	refFields       = []string{"id", "checkout_id", "checkoutId", "payment_id", "paymentId", "transaction_id"}
	workspaceFields = []string{"workspaceId", "workspace_id"}
	statusFields    = []string{"status", "event", "type"}
)

// WebhookHandler handles SumUp webhook callbacks.
type WebhookHandler struct {
	config  WebhookConfig
	sink    gateway.NotificationSink
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewWebhookHandler creates a new SumUp webhook handler.
func NewWebhookHandler(cfg WebhookConfig, sink gateway.NotificationSink, m *metrics.Metrics, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{
		config:  cfg,
		sink:    sink,
		metrics: m,
		logger:  logger,
	}
}

// ServeHTTP verifies, maps and applies a SumUp webhook. A notification for
// an unknown attempt is answered with 404.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		h.logger.Error("failed to read webhook body", "error", err)
		h.outcome("bad_request")
		api.BadRequest(w, "failed to read body")
		return
	}

	if err := h.verify(body, r.Header.Get(SignatureHeader)); err != nil {
		h.logger.Warn("rejected sumup webhook", "error", err, "remote_addr", r.RemoteAddr)
		h.outcome("unauthorized")
		api.Unauthorized(w, "invalid webhook signature")
		return
	}

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		h.logger.Error("failed to parse webhook payload", "error", err)
		h.outcome("bad_request")
		api.BadRequest(w, "invalid json")
		return
	}

	rawStatus := strings.ToLower(firstString(payload, statusFields))
	status, ok := MapStatus(rawStatus)
	if !ok {
		h.logger.Debug("ignoring sumup webhook", "status", rawStatus)
		h.outcome("ignored")
		api.WriteJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	n := gateway.Notification{
		WorkspaceID:  firstString(payload, workspaceFields),
		ProviderKind: Kind,
		ProviderRef:  firstString(payload, refFields),
		Status:       status,
		Raw:          body,
	}
	if n.ProviderRef == "" || n.WorkspaceID == "" {
		h.outcome("bad_request")
		api.ValidationError(w, apperror.Validation("webhook payload lacks provider reference or workspace"))
		return
	}
	if ts := firstString(payload, []string{"timestamp"}); ts != "" && status == domain.StatusPaid {
		if t, err := time.Parse(time.RFC3339, ts); err == nil {
			n.PaidAt = &t
		}
	}
	if status == domain.StatusFailed {
		n.FailureReason = firstString(payload, []string{"failure_reason", "reason", "message"})
		if n.FailureReason == "" {
			n.FailureReason = "provider reported " + rawStatus
		}
	}

	h.logger.Info("received sumup webhook",
		"provider_ref", n.ProviderRef,
		"workspace_id", n.WorkspaceID,
		"status", status,
	)

	if err := h.sink.ApplyNotification(ctx, n); err != nil {
		h.outcome("error")
		api.WriteServiceError(w, h.logger, err)
		return
	}

	h.outcome("applied")
	api.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *WebhookHandler) verify(body []byte, signature string) error {
	if h.config.Secret == "" {
		if h.config.AllowUnsigned {
			return nil
		}
		return ErrUnsigned
	}
	return VerifySignature(h.config.Secret, body, signature)
}

func (h *WebhookHandler) outcome(o string) {
	h.metrics.Webhooks.WithLabelValues(Kind, o).Inc()
}

// VerifySignature checks a hex HMAC-SHA256 of body, optionally prefixed
// with "sha256=", in constant time.
func VerifySignature(secret string, body []byte, signature string) error {
	signature = strings.TrimSpace(signature)
	if len(body) == 0 || signature == "" {
		return ErrMissingSignature
	}
	signature = strings.TrimPrefix(signature, "sha256=")

	got, err := hex.DecodeString(strings.ToLower(signature))
	if err != nil {
		return fmt.Errorf("%w: not hex", ErrBadSignature)
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return ErrBadSignature
	}
	return nil
}

// Sign returns the hex signature VerifySignature expects.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// firstString returns the first non-empty string-like value among keys.
func firstString(payload map[string]any, keys []string) string {
	for _, k := range keys {
		switch v := payload[k].(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			return fmt.Sprintf("%.0f", v)
		}
	}
	return ""
}
