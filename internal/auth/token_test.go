package auth

import (
	"testing"
	"time"
)

func TestIssueVerifyRoundTrip(t *testing.T) {
	iss := NewIssuer("0123456789abcdef0123", time.Hour)
	tok, exp, err := iss.Issue(Claims{UserID: 42, Username: "steve", IsAdmin: true})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if !exp.After(time.Now()) {
		t.Fatalf("expiry in the past: %s", exp)
	}
	got, err := iss.Verify(tok)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if got.UserID != 42 || got.Username != "steve" || !got.IsAdmin {
		t.Fatalf("unexpected claims: %+v", got)
	}
}

func TestVerifyRejectsExpired(t *testing.T) {
	iss := NewIssuer("0123456789abcdef0123", time.Minute)
	iss.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	tok, _, err := iss.Issue(Claims{UserID: 1, Username: "alex"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	iss.now = time.Now
	if _, err := iss.Verify(tok); err != ErrInvalidToken {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestVerifyRejectsForeignSecret(t *testing.T) {
	a := NewIssuer("0123456789abcdef0123", time.Hour)
	b := NewIssuer("ffffffffffffffffffff", time.Hour)
	tok, _, err := a.Issue(Claims{UserID: 7, Username: "notch"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := b.Verify(tok); err == nil {
		t.Fatalf("expected token signed with another secret to fail")
	}
	if _, err := a.Verify(""); err == nil {
		t.Fatalf("expected empty token to fail")
	}
}

func TestPasswordHashing(t *testing.T) {
	if _, err := HashPassword("short"); err == nil {
		t.Fatalf("expected short password to fail")
	}
	hash, err := HashPassword("correct horse battery")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if !CheckPassword(hash, "correct horse battery") {
		t.Fatalf("expected password to match")
	}
	if CheckPassword(hash, "wrong horse battery") {
		t.Fatalf("expected wrong password to fail")
	}
}
