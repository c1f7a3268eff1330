package server

import (
	"strings"
	"testing"
	"time"

	"relabel/internal/domain"
)

func TestPasswordHashRoundTrip(t *testing.T) {
	stored := HashPassword("hunter22")
	if !strings.Contains(stored, "$") {
		t.Fatalf("stored hash missing salt separator: %q", stored)
	}
	if !VerifyPassword(stored, "hunter22") {
		t.Fatal("correct password rejected")
	}
	if VerifyPassword(stored, "hunter23") {
		t.Fatal("wrong password accepted")
	}
	if VerifyPassword("no-separator", "hunter22") {
		t.Fatal("malformed stored value accepted")
	}

	// Salted: the same password never hashes to the same stored value.
	if stored == HashPassword("hunter22") {
		t.Fatal("expected unique salt per hash")
	}
}

func TestIssueAndAuthenticateJWT(t *testing.T) {
	now := time.Now()
	user := domain.User{ID: "alice", Admin: true}

	token, err := IssueToken("secret", user, time.Hour, now)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	p, err := authenticateJWT(token, "secret")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if p.UserID != "alice" || !p.Admin || p.Source != "jwt" {
		t.Fatalf("unexpected principal: %+v", p)
	}

	if _, err := authenticateJWT(token, "other-secret"); err == nil {
		t.Fatal("token verified with wrong secret")
	}

	expired, err := IssueToken("secret", user, time.Hour, now.Add(-2*time.Hour))
	if err != nil {
		t.Fatalf("issue expired: %v", err)
	}
	if _, err := authenticateJWT(expired, "secret"); err == nil {
		t.Fatal("expired token accepted")
	}

	if _, err := IssueToken("", user, time.Hour, now); err == nil {
		t.Fatal("expected error without secret")
	}
}
