package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// SecretKeyAuthenticator validates the shared action secret. The cron
// scheduler carries it as a query parameter; scripted callers may use a
// header or bearer token instead.
type SecretKeyAuthenticator struct {
	secret []byte
}

// NewSecretKeyAuthenticator creates an authenticator for the shared
// action secret.
func NewSecretKeyAuthenticator(config *Config) *SecretKeyAuthenticator {
	return &SecretKeyAuthenticator{secret: []byte(config.SecretKey)}
}

// Authenticate extracts and validates the action secret from the request.
func (a *SecretKeyAuthenticator) Authenticate(r *http.Request) (*User, error) {
	key := extractSecret(r)
	if key == "" {
		return nil, ErrMissingCredentials
	}
	if !a.matches(key) {
		return nil, ErrInvalidCredentials
	}
	return &User{ID: "action-secret", Roles: []Role{RoleAdmin}}, nil
}

func (a *SecretKeyAuthenticator) matches(key string) bool {
	if len(a.secret) == 0 {
		// An empty configured secret never matches; otherwise a
		// misconfigured deployment would accept any caller.
		return false
	}
	return subtle.ConstantTimeCompare(a.secret, []byte(key)) == 1
}

// extractSecret pulls the action secret from the places callers put it:
// ?secretKey= (cron), X-Action-Secret, or a bearer token.
func extractSecret(r *http.Request) string {
	if key := r.URL.Query().Get("secretKey"); key != "" {
		return key
	}
	if key := r.Header.Get("X-Action-Secret"); key != "" {
		return key
	}

	auth := r.Header.Get("Authorization")
	const bearerPrefix = "Bearer "
	if strings.HasPrefix(auth, bearerPrefix) {
		return strings.TrimPrefix(auth, bearerPrefix)
	}
	return ""
}
