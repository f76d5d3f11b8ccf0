package handlers

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	apperrors "github.com/kimhsiao/catalogsync/internal/errors"
	"github.com/kimhsiao/catalogsync/internal/logging"
	syncpkg "github.com/kimhsiao/catalogsync/internal/sync"
)

// SignatureHeader carries the hex HMAC-SHA256 of the request body,
// optionally prefixed with "sha256=".
const SignatureHeader = "X-Signature"

const maxWebhookBody = 1 << 20

// WebhookHandler accepts remote change notifications.
type WebhookHandler struct {
	engine syncpkg.SyncEngineInterface
	secret []byte
}

// NewWebhookHandler creates a WebhookHandler. An empty secret disables
// signature verification.
func NewWebhookHandler(engine syncpkg.SyncEngineInterface, secret string) *WebhookHandler {
	return &WebhookHandler{engine: engine, secret: []byte(secret)}
}

// Register mounts the webhook route on mux.
func (h *WebhookHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/webhooks/remote", h.Receive)
}

// Sign returns the signature header value for body.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func (h *WebhookHandler) verify(body []byte, header string) bool {
	if len(h.secret) == 0 {
		return true
	}
	got, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(header), "sha256="))
	if err != nil || len(got) == 0 {
		return false
	}
	mac := hmac.New(sha256.New, h.secret)
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

// Receive handles POST /api/webhooks/remote
// Verifies the signature and schedules a download of the changed object.
func (h *WebhookHandler) Receive(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, apperrors.Wrap(apperrors.ErrInvalid, "failed to read body", err))
		return
	}
	if !h.verify(body, r.Header.Get(SignatureHeader)) {
		logging.Warn("Webhook signature rejected", map[string]interface{}{"remote_addr": r.RemoteAddr})
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid signature"})
		return
	}

	var event syncpkg.WebhookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		writeError(w, apperrors.Wrap(apperrors.ErrInvalid, "invalid webhook payload", err))
		return
	}
	if event.RemoteObjectID == "" {
		writeError(w, apperrors.New(apperrors.ErrInvalid, "remote_object_id is required"))
		return
	}

	op, err := h.engine.HandleWebhook(r.Context(), event)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued", "op_id": op.ID})
}
