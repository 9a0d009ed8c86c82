package app

import (
	"errors"
	"fmt"
)

const (
	minJWTSecretBytes  = 32
	minAdminTokenBytes = 16
)

// ValidateSecurityConfig enforces the token policy at startup.
// Fail fast: a server told to require tokens must never come up accepting anyone.
func ValidateSecurityConfig(cfg Config) error {
	if cfg.RequireToken && !cfg.TokenVerificationEnabled() {
		return errors.New("security policy: HUDDLE_REQUIRE_TOKEN=true but no token key is configured " +
			"(HUDDLE_TOKEN_PASETO_PUBLIC_KEY_HEX or HUDDLE_TOKEN_JWT_SECRET)")
	}

	// Measured in bytes: the secret is used as a raw HMAC key.
	if cfg.TokenJWTSecret != "" && len(cfg.TokenJWTSecret) < minJWTSecretBytes {
		return fmt.Errorf("security policy: HUDDLE_TOKEN_JWT_SECRET is too short (min %d bytes)", minJWTSecretBytes)
	}

	if cfg.AdminToken != "" && len(cfg.AdminToken) < minAdminTokenBytes {
		return fmt.Errorf("security policy: HUDDLE_ADMIN_TOKEN is too short (min %d bytes)", minAdminTokenBytes)
	}
	return nil
}
