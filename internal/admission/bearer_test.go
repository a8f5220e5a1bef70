package admission

import (
	"strings"
	"testing"
	"time"

	"github.com/quietloop/projectbridge/internal/rpcerr"
)

func testSigningKey() []byte {
	return []byte("0123456789abcdef0123456789abcdef")
}

func TestBearerVerifier_IssueThenVerify(t *testing.T) {
	key := testSigningKey()
	token, err := Issue(key, "agent-1", time.Hour)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	v, err := NewBearerVerifier(key)
	if err != nil {
		t.Fatalf("NewBearerVerifier() error = %v", err)
	}

	claims, err := v.Verify("Bearer " + token)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if claims.Subject != "agent-1" {
		t.Errorf("Subject = %q, want agent-1", claims.Subject)
	}
}

func TestBearerVerifier_RejectsWrongKey(t *testing.T) {
	token, err := Issue(testSigningKey(), "agent-1", time.Hour)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	v, err := NewBearerVerifier([]byte("ffffffffffffffffffffffffffffffff"))
	if err != nil {
		t.Fatalf("NewBearerVerifier() error = %v", err)
	}

	if _, err := v.Verify("Bearer " + token); err == nil {
		t.Fatal("Verify() expected signature error")
	}
}

func TestBearerVerifier_RejectsExpiredToken(t *testing.T) {
	token, err := Issue(testSigningKey(), "agent-1", -time.Minute)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	v, _ := NewBearerVerifier(testSigningKey())
	_, err = v.Verify("Bearer " + token)
	if err == nil {
		t.Fatal("Verify() expected expiry error")
	}
	if rerr := rpcerr.As(err); rerr == nil || rerr.Kind != rpcerr.KindUnauthorised {
		t.Errorf("error kind = %v, want unauthorised", err)
	}
}

func TestBearerVerifier_RejectsMalformedHeader(t *testing.T) {
	v, _ := NewBearerVerifier(testSigningKey())

	cases := []string{"", "Basic abc", "Bearer", "Bearer a.b"}
	for _, header := range cases {
		if _, err := v.Verify(header); err == nil {
			t.Errorf("Verify(%q) expected error", header)
		}
	}
}

func TestBearerVerifier_RejectsTamperedPayload(t *testing.T) {
	token, err := Issue(testSigningKey(), "agent-1", time.Hour)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	parts := strings.Split(token, ".")
	tampered := parts[0] + ".tampered." + parts[2]

	v, _ := NewBearerVerifier(testSigningKey())
	if _, err := v.Verify("Bearer " + tampered); err == nil {
		t.Fatal("Verify() expected error for tampered payload")
	}
}

func TestNewBearerVerifier_RejectsShortKey(t *testing.T) {
	if _, err := NewBearerVerifier([]byte("short")); err == nil {
		t.Fatal("NewBearerVerifier() expected error for short key")
	}
}
