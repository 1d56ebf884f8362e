package authz

import (
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// ErrInvalidCredentials is returned for any login failure. It is
// deliberately generic so callers cannot probe which usernames exist.
var ErrInvalidCredentials = errors.New("invalid username or password")

// ErrInvalidToken is returned when a session token fails verification.
var ErrInvalidToken = errors.New("invalid or expired session token")

// Authenticator verifies user credentials against the configured user table
// and issues short-lived HMAC session tokens carrying the user's roles.
// Stored passwords may be bcrypt hashes ($2a$/$2b$/$2y$ prefix) or plaintext.
type Authenticator struct {
	users     map[string]string
	userRoles map[string][]string
	secret    []byte
	ttl       time.Duration
	logger    *slog.Logger
	timingPad []byte
	now       func() time.Time
}

// NewAuthenticator builds an authenticator from the configured user and role
// tables. When secret is empty an ephemeral key is generated, so issued
// tokens do not survive a process restart.
func NewAuthenticator(users map[string]string, userRoles map[string][]string, secret string, ttl time.Duration, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	if ttl <= 0 {
		ttl = 8 * time.Hour
	}
	key := []byte(secret)
	if len(key) == 0 {
		key = make([]byte, 32)
		rand.Read(key)
		logger.Warn("no jwt_secret configured, session tokens will not survive a restart")
	}
	// Comparing against this when the username is unknown keeps login timing
	// independent of user existence.
	pad, _ := bcrypt.GenerateFromPassword([]byte("sapops-timing-pad"), bcrypt.MinCost)
	return &Authenticator{
		users:     users,
		userRoles: userRoles,
		secret:    key,
		ttl:       ttl,
		logger:    logger,
		timingPad: pad,
		now:       time.Now,
	}
}

// Login verifies the credentials and returns the session principal together
// with a signed token for subsequent calls.
func (a *Authenticator) Login(username, password string) (Principal, string, error) {
	stored, ok := a.users[username]
	if !ok {
		_ = bcrypt.CompareHashAndPassword(a.timingPad, []byte(password))
		return Principal{}, "", ErrInvalidCredentials
	}
	if !verifyPassword(stored, password) {
		a.logger.Info("login failed", "user", username)
		return Principal{}, "", ErrInvalidCredentials
	}

	principal := Principal{
		Username: username,
		Roles:    append([]string(nil), a.userRoles[username]...),
	}
	token, err := a.generateToken(principal)
	if err != nil {
		return Principal{}, "", fmt.Errorf("failed to sign session token: %w", err)
	}
	a.logger.Info("login succeeded", "user", username, "roles", principal.Roles)
	return principal, token, nil
}

// Verify parses a session token and reconstructs its principal. The roles in
// the token are the session snapshot taken at login.
func (a *Authenticator) Verify(tokenStr string) (Principal, error) {
	token, err := jwt.Parse(tokenStr, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method")
		}
		return a.secret, nil
	})
	if err != nil || !token.Valid {
		return Principal{}, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Principal{}, ErrInvalidToken
	}
	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return Principal{}, ErrInvalidToken
	}

	var roles []string
	if raw, ok := claims["roles"].([]any); ok {
		for _, r := range raw {
			if s, ok := r.(string); ok {
				roles = append(roles, s)
			}
		}
	}
	return Principal{Username: sub, Roles: roles}, nil
}

func (a *Authenticator) generateToken(p Principal) (string, error) {
	now := a.now()
	claims := jwt.MapClaims{
		"sub":   p.Username,
		"roles": p.Roles,
		"iss":   "sapops",
		"iat":   now.Unix(),
		"exp":   now.Add(a.ttl).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

func verifyPassword(stored, supplied string) bool {
	if strings.HasPrefix(stored, "$2a$") || strings.HasPrefix(stored, "$2b$") || strings.HasPrefix(stored, "$2y$") {
		return bcrypt.CompareHashAndPassword([]byte(stored), []byte(supplied)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(stored), []byte(supplied)) == 1
}
