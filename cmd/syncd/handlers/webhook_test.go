package handlers

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kimhsiao/catalogsync/internal/models"
)

func postWebhook(t *testing.T, h *WebhookHandler, body []byte, signature string) *httptest.ResponseRecorder {
	t.Helper()
	mux := http.NewServeMux()
	h.Register(mux)
	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/remote", bytes.NewReader(body))
	if signature != "" {
		req.Header.Set(SignatureHeader, signature)
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestWebhook_signed(t *testing.T) {
	engine := &fakeEngine{}
	h := NewWebhookHandler(engine, "s3cret")
	body := []byte(`{"type":"customer.updated","kind":"customer","remote_object_id":"r42"}`)

	rec := postWebhook(t, h, body, Sign([]byte("s3cret"), body))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", rec.Code, rec.Body.String())
	}
	if got := decode(t, rec)["op_id"]; got != "op-1" {
		t.Errorf("op_id = %v, want op-1", got)
	}
	if len(engine.webhooks) != 1 {
		t.Fatalf("webhooks = %d, want 1", len(engine.webhooks))
	}
	if ev := engine.webhooks[0]; ev.Kind != models.KindCustomer || ev.RemoteObjectID != "r42" {
		t.Errorf("event = %+v", ev)
	}
}

func TestWebhook_badSignature(t *testing.T) {
	engine := &fakeEngine{}
	h := NewWebhookHandler(engine, "s3cret")
	body := []byte(`{"kind":"customer","remote_object_id":"r42"}`)

	for name, sig := range map[string]string{
		"missing":    "",
		"wrong key":  Sign([]byte("other"), body),
		"not hex":    "sha256=zzzz",
		"other body": Sign([]byte("s3cret"), []byte(`{}`)),
	} {
		rec := postWebhook(t, h, body, sig)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("%s: status = %d, want 401", name, rec.Code)
		}
	}
	if len(engine.webhooks) != 0 {
		t.Errorf("rejected webhooks reached the engine: %d", len(engine.webhooks))
	}
}

func TestWebhook_invalidPayload(t *testing.T) {
	engine := &fakeEngine{}
	h := NewWebhookHandler(engine, "")

	tests := []struct {
		name string
		body string
	}{
		{"not json", `nope`},
		{"no object id", `{"kind":"customer"}`},
		{"unknown kind", `{"kind":"order","remote_object_id":"r1"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := postWebhook(t, h, []byte(tt.body), "")
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
		})
	}
}

func TestSign(t *testing.T) {
	a := Sign([]byte("k"), []byte("body"))
	if len(a) != len("sha256=")+64 {
		t.Errorf("Sign() = %q, unexpected length", a)
	}
	if a != Sign([]byte("k"), []byte("body")) {
		t.Error("Sign() is not deterministic")
	}
	h := NewWebhookHandler(nil, "k")
	if !h.verify([]byte("body"), a[len("sha256="):]) {
		t.Error("verify() should accept a bare hex signature")
	}
}
