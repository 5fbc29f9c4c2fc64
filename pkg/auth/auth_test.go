package auth

import (
	"testing"
	"time"
)

func TestExtractToken(t *testing.T) {
	tests := []struct {
		header  string
		want    string
		wantErr bool
	}{
		{"Bearer abc", "abc", false},
		{"bearer  abc ", "abc", false},
		{"", "", true},
		{"Basic abc", "", true},
		{"Bearer ", "", true},
	}
	for _, tt := range tests {
		got, err := ExtractToken(tt.header)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ExtractToken(%q) = %q, %v", tt.header, got, err)
		}
	}
}

func TestJWTRoundTrip(t *testing.T) {
	a, err := NewJWTAuth("secret", time.Minute)
	if err != nil {
		t.Fatalf("NewJWTAuth failed: %v", err)
	}

	token, err := a.IssueToken("ops-1", RoleAdmin)
	if err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}

	user, err := a.VerifyToken(token)
	if err != nil {
		t.Fatalf("VerifyToken failed: %v", err)
	}
	if user.ID != "ops-1" || !user.IsAdmin() {
		t.Fatalf("Expected admin ops-1, got %+v", user)
	}

	other, _ := NewJWTAuth("other-secret", time.Minute)
	if _, err := other.VerifyToken(token); err == nil {
		t.Fatal("Expected token signed with another key to be rejected")
	}

	expired, _ := NewJWTAuth("secret", -time.Minute)
	stale, _ := expired.IssueToken("ops-1", RoleAdmin)
	if _, err := a.VerifyToken(stale); err == nil {
		t.Fatal("Expected expired token to be rejected")
	}

	if _, err := NewJWTAuth("", 0); err == nil {
		t.Fatal("Expected empty secret to be rejected")
	}
}

func TestAdminKeyHash(t *testing.T) {
	hash, err := HashAdminKey("correct horse")
	if err != nil {
		t.Fatalf("HashAdminKey failed: %v", err)
	}

	ok, err := VerifyAdminKey(hash, "correct horse")
	if err != nil || !ok {
		t.Fatalf("Expected key to verify, got %v %v", ok, err)
	}

	ok, _ = VerifyAdminKey(hash, "wrong horse")
	if ok {
		t.Fatal("Expected wrong key to fail")
	}

	if _, err := VerifyAdminKey("bcrypt$x", "k"); err == nil {
		t.Fatal("Expected malformed hash to error")
	}
}
