package httpx

import (
	"context"
	"github.com/ariefcatur/go-order-settlement/internal/webhook"
	"github.com/go-chi/chi/v5"
	"io"
	"net/http"
	"time"
)

const (
	HeaderSignature = "X-Signature"
	HeaderEventID   = "X-Event-Id"

	maxWebhookBody = 1 << 20
)

type webhookResp struct {
	Outcome webhook.Outcome `json:"outcome"`
	Reason  string          `json:"reason,omitempty"`
	OrderID string          `json:"order_id,omitempty"`
}

// WebhookHandler receives provider callbacks. Providers with an entry in
// Secrets must sign the raw body.
type WebhookHandler struct {
	Intake  *webhook.Intake
	Secrets map[string]string
}

func (h *WebhookHandler) Register(r chi.Router) {
	r.Post("/webhooks/{provider}", h.receive)
}

func (h *WebhookHandler) receive(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	if !h.known(provider) {
		writeJSON(w, http.StatusNotFound, errorResp{Error: errorDetail{Code: "unknown_provider", Message: "unknown provider " + provider}})
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		badRequest(w, "unreadable body")
		return
	}
	if secret, ok := h.Secrets[provider]; ok && secret != "" {
		if !webhook.VerifySignature([]byte(secret), body, r.Header.Get(HeaderSignature)) {
			writeJSON(w, http.StatusUnauthorized, errorResp{Error: errorDetail{Code: "invalid_signature", Message: "signature mismatch"}})
			return
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	res, err := h.Intake.Ingest(ctx, provider, r.Header.Get(HeaderEventID), body)
	if err != nil {
		// transient: a 5xx makes the provider redeliver
		writeError(w, r, err)
		return
	}
	out := webhookResp{Outcome: res.Outcome, Reason: res.Reason, OrderID: res.OrderID}
	if res.Outcome == webhook.Rejected {
		writeJSON(w, http.StatusUnprocessableEntity, out)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *WebhookHandler) known(provider string) bool {
	for _, p := range h.Intake.Providers() {
		if p == provider {
			return true
		}
	}
	return false
}
