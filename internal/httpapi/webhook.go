package httpapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// SignatureHeader carries the provider's HMAC of the webhook body.
const SignatureHeader = "X-Hub-Signature-256"

// VerifyWebhook answers the provider's subscription handshake.
func (h *Handler) VerifyWebhook(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	token := h.Config.WebhookVerifyToken
	if q.Get("hub.mode") != "subscribe" || token == "" ||
		!hmac.Equal([]byte(q.Get("hub.verify_token")), []byte(token)) {
		h.Logger.Warn("webhook verification rejected", zap.String("mode", q.Get("hub.mode")))
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	_, _ = io.WriteString(w, q.Get("hub.challenge"))
}

// ReceiveWebhook ingests one webhook body. Item failures are reported in
// the result, never as an error status.
func (h *Handler) ReceiveWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, envelope{Code: "too_large", Message: "webhook body too large"})
		return
	}
	if secret := h.Config.WebhookAppSecret; secret != "" {
		if err := verifySignature(secret, r.Header.Get(SignatureHeader), body); err != nil {
			h.Logger.Warn("webhook signature rejected", zap.String("remote", r.RemoteAddr), zap.Error(err))
			writeJSON(w, http.StatusUnauthorized, envelope{Code: "unauthenticated", Message: err.Error()})
			return
		}
	}

	res, err := h.Pipeline.Ingest(r.Context(), body, "http")
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, res)
}

func verifySignature(secret, header string, body []byte) error {
	sig, ok := strings.CutPrefix(header, "sha256=")
	if !ok || sig == "" {
		return errors.New("missing signature")
	}
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(strings.ToLower(sig)), []byte(expected)) {
		return errors.New("signature mismatch")
	}
	return nil
}
