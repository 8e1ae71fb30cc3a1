// Package metastore tracks per-session operational metadata across an
// in-memory cache, a bbolt primary store and an optional secondary mirror,
// with per-session write buffering.
package metastore

import "time"

// ConnectionStatus is the coarse lifecycle state of a session's connection.
type ConnectionStatus string

const (
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusConnecting   ConnectionStatus = "connecting"
	StatusReconnecting ConnectionStatus = "reconnecting"
	StatusConnected    ConnectionStatus = "connected"
)

// Metadata is the authoritative operational record for one session.
type Metadata struct {
	SessionID         string           `json:"session_id"`
	UserID            string           `json:"user_id"`
	PhoneNumber       string           `json:"phone_number"`
	IsConnected       bool             `json:"is_connected"`
	ConnectionStatus  ConnectionStatus `json:"connection_status"`
	ReconnectAttempts int              `json:"reconnect_attempts"`

	// Source names the onboarding channel that created the session.
	Source string `json:"source"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Patch is a partial metadata update. Nil fields are left untouched.
type Patch struct {
	PhoneNumber       *string
	IsConnected       *bool
	ConnectionStatus  *ConnectionStatus
	ReconnectAttempts *int
	Source            *string
}

// merge folds other into p, last writer wins per field.
func (p *Patch) merge(other Patch) {
	if other.PhoneNumber != nil {
		p.PhoneNumber = other.PhoneNumber
	}

	if other.IsConnected != nil {
		p.IsConnected = other.IsConnected
	}

	if other.ConnectionStatus != nil {
		p.ConnectionStatus = other.ConnectionStatus
	}

	if other.ReconnectAttempts != nil {
		p.ReconnectAttempts = other.ReconnectAttempts
	}

	if other.Source != nil {
		p.Source = other.Source
	}
}

// apply writes the non-nil fields onto m and bumps UpdatedAt.
func (p Patch) apply(m *Metadata) {
	if p.PhoneNumber != nil {
		m.PhoneNumber = *p.PhoneNumber
	}

	if p.IsConnected != nil {
		m.IsConnected = *p.IsConnected
	}

	if p.ConnectionStatus != nil {
		m.ConnectionStatus = *p.ConnectionStatus
	}

	if p.ReconnectAttempts != nil {
		m.ReconnectAttempts = *p.ReconnectAttempts
	}

	if p.Source != nil {
		m.Source = *p.Source
	}

	m.UpdatedAt = time.Now()
}

// Convenience pointer helpers for building patches.
func String(s string) *string { return &s }
func Bool(b bool) *bool { return &b }
func Int(i int) *int { return &i }
func Status(s ConnectionStatus) *ConnectionStatus { return &s }
