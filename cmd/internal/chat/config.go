package chat

import (
	"errors"
	"strings"
)

// DefaultChannel is the channel joined when SessionConfig.Channel is empty.
const DefaultChannel = "mobile:chat"

// SessionConfig is fixed at NewSession and never mutated afterwards.
type SessionConfig struct {
	// ClientID tags every message and presence record published by the session.
	ClientID string
	// AuthURL is the token endpoint handed to the provider. Empty means anonymous.
	AuthURL string
	// Channel is the channel name to join (default: DefaultChannel).
	Channel string
	// LogLevel is passed through to the provider ("debug", "info", ...).
	LogLevel string
}

// ErrMissingClientID is returned by Validate for an empty client id.
var ErrMissingClientID = errors.New("chat: missing client id")

// Validate normalizes the config and checks required fields.
func (c SessionConfig) Validate() (SessionConfig, error) {
	c.ClientID = strings.TrimSpace(c.ClientID)
	c.AuthURL = strings.TrimSpace(c.AuthURL)
	c.Channel = strings.TrimSpace(c.Channel)
	c.LogLevel = strings.TrimSpace(c.LogLevel)

	if c.ClientID == "" {
		return SessionConfig{}, ErrMissingClientID
	}
	if c.Channel == "" {
		c.Channel = DefaultChannel
	}
	return c, nil
}
