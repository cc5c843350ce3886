// Package integrations manages provider connections and hands decrypted
// credentials to the payment core.
package integrations

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of a connection.
type Status string

const (
	StatusActive   Status = "active"
	StatusInvalid  Status = "invalid"
	StatusDisabled Status = "disabled"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusInvalid, StatusDisabled:
		return true
	}
	return false
}

// AuthMethod describes how the stored secret authenticates.
type AuthMethod string

const (
	AuthAPIKey AuthMethod = "api_key"
	AuthOAuth2 AuthMethod = "oauth2"
	AuthBasic  AuthMethod = "basic"
	AuthNone   AuthMethod = "none"
)

// Connection is a workspace's link to an external provider.
type Connection struct {
	ID              string
	TenantID        string
	WorkspaceID     string
	Kind            string
	AuthMethod      AuthMethod
	Status          Status
	Config          map[string]any
	SecretEncrypted *string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// HasSecret reports whether a secret is stored.
func (c *Connection) HasSecret() bool {
	return c.SecretEncrypted != nil && *c.SecretEncrypted != ""
}

// Setting returns a config value as a string, or "" when unset.
func (c *Connection) Setting(key string) string {
	v, ok := c.Config[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
