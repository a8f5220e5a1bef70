package admission

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestGate(t *testing.T, allow *Allowlist, rl *RateLimiter) (*Gate, []byte) {
	t.Helper()
	key := testSigningKey()
	v, err := NewBearerVerifier(key)
	if err != nil {
		t.Fatalf("NewBearerVerifier() error = %v", err)
	}
	return NewGate(v, allow, rl, ""), key
}

func TestGate_AdmitsValidRequest(t *testing.T) {
	gate, key := newTestGate(t, nil, nil)
	token, err := Issue(key, "agent-1", time.Hour)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	r := httptest.NewRequest(http.MethodPost, "/rpc", nil)
	r.Header.Set("Authorization", "Bearer "+token)

	subject, err := gate.Admit(r)
	if err != nil {
		t.Fatalf("Admit() error = %v", err)
	}
	if subject != "agent-1" {
		t.Errorf("subject = %q, want agent-1", subject)
	}
}

func TestGate_RejectsMissingBearer(t *testing.T) {
	gate, _ := newTestGate(t, nil, nil)
	r := httptest.NewRequest(http.MethodPost, "/rpc", nil)

	if _, err := gate.Admit(r); err == nil {
		t.Fatal("Admit() expected error for missing bearer token")
	}
}

func TestGate_RejectsDisallowedSource(t *testing.T) {
	al, err := NewAllowlist([]string{"198.51.100.1"}, false)
	if err != nil {
		t.Fatalf("NewAllowlist() error = %v", err)
	}
	gate, key := newTestGate(t, al, nil)
	token, _ := Issue(key, "agent-1", time.Hour)

	r := httptest.NewRequest(http.MethodPost, "/rpc", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	r.RemoteAddr = "203.0.113.9:1234"

	if _, err := gate.Admit(r); err == nil {
		t.Fatal("Admit() expected error for disallowed source address")
	}
}

func TestGate_RejectsOverRateLimit(t *testing.T) {
	store := newTestStore(t)
	rl := NewRateLimiter(store, 1, time.Minute)
	gate, key := newTestGate(t, nil, rl)
	token, _ := Issue(key, "agent-1", time.Hour)

	r := httptest.NewRequest(http.MethodPost, "/rpc", nil)
	r.Header.Set("Authorization", "Bearer "+token)

	if _, err := gate.Admit(r); err != nil {
		t.Fatalf("Admit() first call error = %v", err)
	}
	if _, err := gate.Admit(r); err == nil {
		t.Fatal("Admit() second call expected rate-limited error")
	}
}

func TestGate_Middleware_WritesErrorResponse(t *testing.T) {
	gate, _ := newTestGate(t, nil, nil)
	called := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true })

	r := httptest.NewRequest(http.MethodPost, "/rpc", nil)
	w := httptest.NewRecorder()

	gate.Middleware(next).ServeHTTP(w, r)

	if called {
		t.Error("next handler was called despite missing bearer token")
	}
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestGate_Middleware_AttachesSubjectOnSuccess(t *testing.T) {
	gate, key := newTestGate(t, nil, nil)
	token, _ := Issue(key, "agent-1", time.Hour)

	var gotSubject string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSubject, _ = SubjectFromContext(r.Context())
	})

	r := httptest.NewRequest(http.MethodPost, "/rpc", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()

	gate.Middleware(next).ServeHTTP(w, r)

	if gotSubject != "agent-1" {
		t.Errorf("subject in context = %q, want agent-1", gotSubject)
	}
}
