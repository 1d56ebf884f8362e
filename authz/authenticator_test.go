package authz

import (
	"errors"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"
)

func testAuthenticator(t *testing.T, users map[string]string) *Authenticator {
	t.Helper()
	roles := map[string][]string{"alice": {"sap_operator"}, "bob": {"hana_viewer", "cloud_admin"}}
	return NewAuthenticator(users, roles, "test-secret", time.Hour, nil)
}

func TestLogin_RoundTrip(t *testing.T) {
	a := testAuthenticator(t, map[string]string{"alice": "correct horse"})

	principal, token, err := a.Login("alice", "correct horse")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if principal.Username != "alice" {
		t.Errorf("unexpected username %q", principal.Username)
	}
	if len(principal.Roles) != 1 || principal.Roles[0] != "sap_operator" {
		t.Errorf("unexpected roles %v", principal.Roles)
	}
	if token == "" {
		t.Fatal("expected a token")
	}

	verified, err := a.Verify(token)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if verified.Username != principal.Username {
		t.Errorf("verify returned %q, want %q", verified.Username, principal.Username)
	}
	if len(verified.Roles) != 1 || verified.Roles[0] != "sap_operator" {
		t.Errorf("verify roles %v, want [sap_operator]", verified.Roles)
	}
}

func TestLogin_Failures(t *testing.T) {
	a := testAuthenticator(t, map[string]string{"alice": "correct horse"})

	_, _, err := a.Login("alice", "wrong")
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("wrong password: expected ErrInvalidCredentials, got %v", err)
	}

	// An unknown user fails with the same error as a wrong password.
	_, _, unknownErr := a.Login("mallory", "anything")
	if !errors.Is(unknownErr, ErrInvalidCredentials) {
		t.Errorf("unknown user: expected ErrInvalidCredentials, got %v", unknownErr)
	}
	if err.Error() != unknownErr.Error() {
		t.Error("login failures must be indistinguishable")
	}
}

func TestLogin_BcryptHash(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt failed: %v", err)
	}
	a := testAuthenticator(t, map[string]string{"alice": string(hash)})

	if _, _, err := a.Login("alice", "s3cret"); err != nil {
		t.Fatalf("Login with hashed password failed: %v", err)
	}
	if _, _, err := a.Login("alice", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("expected ErrInvalidCredentials, got %v", err)
	}
	// The stored hash itself must not work as the password.
	if _, _, err := a.Login("alice", string(hash)); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("hash as password: expected ErrInvalidCredentials, got %v", err)
	}
}

func TestVerify_TamperedToken(t *testing.T) {
	a := testAuthenticator(t, map[string]string{"alice": "pw"})
	_, token, err := a.Login("alice", "pw")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		t.Fatalf("expected a three-part JWT, got %d parts", len(parts))
	}
	tampered := parts[0] + "." + parts[1] + "x." + parts[2]
	if _, err := a.Verify(tampered); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken, got %v", err)
	}

	if _, err := a.Verify("not-a-token"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken, got %v", err)
	}
}

func TestVerify_WrongSecret(t *testing.T) {
	a := testAuthenticator(t, map[string]string{"alice": "pw"})
	_, token, err := a.Login("alice", "pw")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	other := NewAuthenticator(map[string]string{"alice": "pw"}, nil, "different-secret", time.Hour, nil)
	if _, err := other.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken, got %v", err)
	}
}

func TestVerify_ExpiredToken(t *testing.T) {
	a := testAuthenticator(t, map[string]string{"alice": "pw"})
	a.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }

	_, token, err := a.Login("alice", "pw")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	// Issued two hours in the past with a one-hour TTL.
	if _, err := a.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken for expired token, got %v", err)
	}
}
