// Package auth guards the control plane HTTP surface: the shared action
// secret the cron scheduler presents, per-operator API keys, and the
// role checks handlers consult before mutating equipment.
package auth

import (
	"context"
)

// AuthMode defines the authentication mode.
type AuthMode string

const (
	// AuthModeNone disables authentication (bench setups and tests).
	AuthModeNone AuthMode = "none"
	// AuthModeSecretKey accepts only the shared action secret.
	AuthModeSecretKey AuthMode = "secret_key"
	// AuthModeAPIKey accepts per-operator API keys, plus the shared
	// action secret when one is configured so the cron scheduler does
	// not need a key of its own.
	AuthModeAPIKey AuthMode = "api_key"
)

// Role defines caller roles for the API.
type Role string

const (
	// RoleAdmin has full access, including emergency shutdowns.
	RoleAdmin Role = "admin"
	// RoleOperator can submit equipment commands and trigger runs.
	RoleOperator Role = "operator"
	// RoleViewer can only read state and job status.
	RoleViewer Role = "viewer"
)

// Config holds authentication configuration.
type Config struct {
	// Mode is the authentication mode (none, secret_key, api_key).
	Mode AuthMode `json:"mode"`
	// SecretKey is the shared action secret (SERVER_ACTION_SECRET_KEY).
	SecretKey string `json:"-"`
	// APIKeys is a list of valid operator API keys (for api_key mode).
	APIKeys []string `json:"-"`
	// APIKeyRoles maps API keys to their roles. A key missing from the
	// map defaults to RoleOperator.
	APIKeyRoles map[string][]Role `json:"-"`
	// SkipPaths are paths that never require authentication.
	// /healthz, /readyz and /metrics are always skipped.
	SkipPaths []string `json:"skip_paths,omitempty"`
}

// DefaultConfig returns a configuration with auth disabled.
func DefaultConfig() *Config {
	return &Config{
		Mode:      AuthModeNone,
		SkipPaths: []string{"/healthz", "/readyz", "/metrics"},
	}
}

// SecretKeyConfig returns a configuration that requires the given shared
// secret on every guarded endpoint.
func SecretKeyConfig(secret string) *Config {
	cfg := DefaultConfig()
	cfg.Mode = AuthModeSecretKey
	cfg.SecretKey = secret
	return cfg
}

// User represents an authenticated caller.
type User struct {
	// ID identifies the caller (key hash prefix, or "action-secret").
	ID string
	// Roles are the roles assigned to this caller.
	Roles []Role
}

// HasRole checks if the user has a specific role. Admin satisfies every
// role check.
func (u *User) HasRole(role Role) bool {
	if u == nil {
		return false
	}
	for _, r := range u.Roles {
		if r == role || r == RoleAdmin {
			return true
		}
	}
	return false
}

// HasAnyRole checks if the user has any of the specified roles.
func (u *User) HasAnyRole(roles ...Role) bool {
	for _, role := range roles {
		if u.HasRole(role) {
			return true
		}
	}
	return false
}

// contextKey is an unexported type for context keys to prevent collisions.
type contextKey struct{ name string }

var userContextKey = &contextKey{"user"}

// SetUserInContext stores the user in the context.
func SetUserInContext(ctx context.Context, user *User) context.Context {
	return context.WithValue(ctx, userContextKey, user)
}

// GetUserFromContext retrieves the user from the context.
// Returns nil if no user is set.
func GetUserFromContext(ctx context.Context) *User {
	user, _ := ctx.Value(userContextKey).(*User)
	return user
}

// HasRole checks if the user in the context has a specific role.
func HasRole(ctx context.Context, role Role) bool {
	user := GetUserFromContext(ctx)
	return user.HasRole(role)
}

// HasAnyRole checks if the user in the context has any of the specified roles.
func HasAnyRole(ctx context.Context, roles ...Role) bool {
	user := GetUserFromContext(ctx)
	if user == nil {
		return false
	}
	return user.HasAnyRole(roles...)
}
