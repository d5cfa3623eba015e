package mcp

import "fmt"

// AuthConfig configures the Auth Manager (spec §4.4, §6).
type AuthConfig struct {
	Enabled bool     `koanf:"enabled"`
	Method  string   `koanf:"method"`
	Tokens  []string `koanf:"tokens"`
}

// AuthManager validates inbound credentials and attaches an AuthContext to
// a session. When disabled, every request carries the anonymous principal
// with unrestricted permissions.
type AuthManager struct {
	cfg AuthConfig
	// principals maps a bearer token to the AuthContext it unlocks; the
	// context's Principal is the token string itself. Tokens are matched exactly; there is no hashing layer
	// because tokens are treated as the credential, not a password.
	principals map[string]*AuthContext
}

// NewAuthManager builds a manager from config. Only "token" is a supported
// method today (spec §4.4: "pluggable"); anything else with auth enabled
// is rejected at construction so misconfiguration fails fast at startup.
func NewAuthManager(cfg AuthConfig, permissionsByToken map[string][]string) (*AuthManager, error) {
	if cfg.Enabled && cfg.Method != "token" {
		return nil, fmt.Errorf("auth: unsupported method %q", cfg.Method)
	}

	principals := make(map[string]*AuthContext, len(permissionsByToken))
	for token, perms := range permissionsByToken {
		set := make(map[string]struct{}, len(perms))
		for _, p := range perms {
			set[p] = struct{}{}
		}
		principals[token] = &AuthContext{Principal: token, Permissions: set}
	}

	return &AuthManager{cfg: cfg, principals: principals}, nil
}

// anonymousContext carries unrestricted permissions (nil set, see
// AuthContext.Allows) and is used whenever auth is disabled.
var anonymousContext = &AuthContext{Principal: "anonymous"}

// Authenticate validates a credential extracted from the transport
// (stdio sessions never present one; HTTP sessions present a header
// value) and returns the AuthContext to attach to the session.
func (a *AuthManager) Authenticate(credential string) (*AuthContext, error) {
	if !a.cfg.Enabled {
		return anonymousContext, nil
	}
	if credential == "" {
		return nil, ErrUnauthorized
	}
	ctx, ok := a.principals[credential]
	if !ok {
		return nil, ErrUnauthorized
	}
	return ctx, nil
}

// Authorize checks a session's auth context against a tool's declared
// permission. Tools without a declared permission are callable by any
// authenticated principal.
func (a *AuthManager) Authorize(authCtx *AuthContext, requiredPermission string) error {
	if requiredPermission == "" {
		return nil
	}
	if authCtx == nil {
		return ErrUnauthorized
	}
	if !authCtx.Allows(requiredPermission) {
		return ErrForbidden
	}
	return nil
}
