package auth

import (
	"testing"
	"time"
)

func TestIssueParseRoundTrip(t *testing.T) {
	token, exp, err := Issue("alice", RoleStudent, "gatekeeper", "secret", time.Hour)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	if !exp.After(time.Now()) {
		t.Error("expiry should be in the future")
	}

	p, err := Parse(token, "secret", "gatekeeper")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if p.UserID != "alice" || p.Role != RoleStudent {
		t.Errorf("principal = %+v", p)
	}
}

func TestParseRejectsBadTokens(t *testing.T) {
	token, _, err := Issue("alice", RoleStudent, "gatekeeper", "secret", time.Hour)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	if _, err := Parse(token, "other-key", "gatekeeper"); err == nil {
		t.Error("wrong key should fail")
	}
	if _, err := Parse(token, "secret", "someone-else"); err == nil {
		t.Error("wrong issuer should fail")
	}
	if _, err := Parse(token+"x", "secret", "gatekeeper"); err == nil {
		t.Error("tampered token should fail")
	}

	expired, _, err := Issue("alice", RoleStudent, "gatekeeper", "secret", -time.Minute)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	if _, err := Parse(expired, "secret", "gatekeeper"); err == nil {
		t.Error("expired token should fail")
	}
}

func TestIsStaff(t *testing.T) {
	tests := []struct {
		role string
		want bool
	}{
		{RoleStudent, false},
		{RoleTeacher, true},
		{RoleStaff, true},
		{RoleAdmin, true},
		{"", false},
	}
	for _, tt := range tests {
		if got := (Principal{Role: tt.role}).IsStaff(); got != tt.want {
			t.Errorf("IsStaff(%q) = %v, want %v", tt.role, got, tt.want)
		}
	}
}
