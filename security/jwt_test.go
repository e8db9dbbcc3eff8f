package security

import (
	"testing"
	"time"
)

func TestSignAndVerifyRoundTrip(t *testing.T) {
	auth, err := NewAuthenticator("test-secret")
	if err != nil {
		t.Fatalf("NewAuthenticator: %v", err)
	}
	tok, err := auth.Sign("alice", time.Hour, []string{"adsb-json"})
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	claims, deadline, err := auth.Verify(tok, "adsb-json")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.Usr != "alice" {
		t.Fatalf("usr = %q, want alice", claims.Usr)
	}
	if deadline.Before(time.Now()) {
		t.Fatalf("deadline %v should be in the future", deadline)
	}
}

func TestVerifyRejectsWrongAudience(t *testing.T) {
	auth, _ := NewAuthenticator("test-secret")
	tok, _ := auth.Sign("alice", time.Hour, []string{"other"})
	if _, _, err := auth.Verify(tok, "adsb-json"); err == nil {
		t.Fatalf("expected audience mismatch to be rejected")
	}
}

func TestVerifyRejectsEmptyToken(t *testing.T) {
	auth, _ := NewAuthenticator("test-secret")
	if _, _, err := auth.Verify("", "adsb-json"); err != ErrNoToken {
		t.Fatalf("expected ErrNoToken, got %v", err)
	}
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	auth, _ := NewAuthenticator("test-secret")
	tok, _ := auth.Sign("alice", time.Hour, []string{"adsb-json"})

	other, _ := NewAuthenticator("different-secret")
	if _, _, err := other.Verify(tok, "adsb-json"); err == nil {
		t.Fatalf("expected signature mismatch to be rejected")
	}
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	auth, _ := NewAuthenticator("test-secret")
	tok, err := auth.Sign("alice", -time.Minute, []string{"adsb-json"})
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if _, _, err := auth.Verify(tok, "adsb-json"); err == nil {
		t.Fatalf("expected expired token to be rejected")
	}
}

func TestNewAuthenticatorRejectsEmptySecret(t *testing.T) {
	if _, err := NewAuthenticator(""); err == nil {
		t.Fatalf("expected empty secret to be rejected")
	}
}
