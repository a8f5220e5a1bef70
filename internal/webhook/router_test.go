package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/quietloop/projectbridge/internal/kvstore"
)

func newTestRouter(t *testing.T) (*Router, []byte) {
	t.Helper()
	store, err := kvstore.Open(t.TempDir())
	if err != nil {
		t.Fatalf("kvstore.Open() error = %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	secret := []byte("webhook-secret")
	return NewRouter(secret, store), secret
}

func sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func postWebhook(rt *Router, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	r := httptest.NewRequest(http.MethodPost, "/webhooks/zoho", strings.NewReader(string(body)))
	for k, v := range headers {
		r.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	rt.ServeHTTP(w, r)
	return w
}

func TestRouter_ProcessesValidDelivery(t *testing.T) {
	rt, secret := newTestRouter(t)
	var gotType string
	rt.Register("task.updated", func(ctx context.Context, event Event) error {
		gotType = event.Type
		return nil
	})

	body := []byte(`{"event_type":"task.updated","data":{"task_id":"T1"}}`)
	sig := sign(secret, body)

	w := postWebhook(rt, body, map[string]string{
		signatureHeader: sig,
		deliveryHeader:  "delivery-1",
	})

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if gotType != "task.updated" {
		t.Errorf("handler saw type %q, want task.updated", gotType)
	}
}

func TestRouter_RejectsMissingSignature(t *testing.T) {
	rt, _ := newTestRouter(t)
	w := postWebhook(rt, []byte(`{"event_type":"task.updated","data":{}}`), nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestRouter_RejectsBadSignature(t *testing.T) {
	rt, _ := newTestRouter(t)
	body := []byte(`{"event_type":"task.updated","data":{}}`)
	w := postWebhook(rt, body, map[string]string{signatureHeader: "deadbeef"})
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestRouter_AcceptsSha256Prefix(t *testing.T) {
	rt, secret := newTestRouter(t)
	rt.Register("task.updated", func(ctx context.Context, event Event) error { return nil })

	body := []byte(`{"event_type":"task.updated","data":{}}`)
	w := postWebhook(rt, body, map[string]string{
		signatureHeader: "sha256=" + sign(secret, body),
		deliveryHeader:  "delivery-prefix",
	})
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

func TestRouter_RejectsStaleTimestamp(t *testing.T) {
	rt, secret := newTestRouter(t)
	body := []byte(`{"event_type":"task.updated","data":{}}`)
	stale := strconv.FormatInt(time.Now().Add(-time.Hour).Unix(), 10)

	w := postWebhook(rt, body, map[string]string{
		signatureHeader: sign(secret, body),
		timestampHeader: stale,
	})
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401 for stale timestamp", w.Code)
	}
}

func TestRouter_RejectsReplayedDelivery(t *testing.T) {
	rt, secret := newTestRouter(t)
	rt.Register("task.updated", func(ctx context.Context, event Event) error { return nil })
	body := []byte(`{"event_type":"task.updated","data":{}}`)
	headers := map[string]string{
		signatureHeader: sign(secret, body),
		deliveryHeader:  "delivery-dup",
	}

	first := postWebhook(rt, body, headers)
	if first.Code != http.StatusOK {
		t.Fatalf("first delivery status = %d, want 200", first.Code)
	}

	second := postWebhook(rt, body, headers)
	if second.Code != http.StatusUnauthorized {
		t.Errorf("replayed delivery status = %d, want 401", second.Code)
	}
}

func TestRouter_UnknownEventTypeIgnoredNotFailed(t *testing.T) {
	rt, secret := newTestRouter(t)
	body := []byte(`{"event_type":"project.archived","data":{}}`)
	w := postWebhook(rt, body, map[string]string{
		signatureHeader: sign(secret, body),
		deliveryHeader:  "delivery-unknown",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("response not JSON: %v", err)
	}
	if resp["status"] != "ignored" {
		t.Errorf("status field = %v, want ignored", resp["status"])
	}
}

func TestRouter_HandlerErrorRespondsOKNotFailure(t *testing.T) {
	rt, secret := newTestRouter(t)
	rt.Register("task.updated", func(ctx context.Context, event Event) error {
		return errInternalDownstream
	})
	body := []byte(`{"event_type":"task.updated","data":{}}`)
	w := postWebhook(rt, body, map[string]string{
		signatureHeader: sign(secret, body),
		deliveryHeader:  "delivery-fail",
	})
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 even on handler failure", w.Code)
	}
}

func TestRouter_HandlerPanicRespondsInternalError(t *testing.T) {
	rt, secret := newTestRouter(t)
	rt.Register("task.updated", func(ctx context.Context, event Event) error {
		panic("boom")
	})
	body := []byte(`{"event_type":"task.updated","data":{}}`)
	w := postWebhook(rt, body, map[string]string{
		signatureHeader: sign(secret, body),
		deliveryHeader:  "delivery-panic",
	})
	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500 for handler panic", w.Code)
	}
}

var errInternalDownstream = &testError{"downstream sync failed"}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }
