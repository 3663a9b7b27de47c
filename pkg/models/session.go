package models

import "time"

// SessionStatus represents the lifecycle state of an automation session
type SessionStatus string

const (
	StatusPending    SessionStatus = "pending"
	StatusActive     SessionStatus = "active"
	StatusHibernated SessionStatus = "hibernated"
	StatusExpired    SessionStatus = "expired"
	StatusFailed     SessionStatus = "failed"
)

// Terminal reports whether no further orchestration is attempted for the status
func (s SessionStatus) Terminal() bool {
	return s == StatusExpired || s == StatusFailed
}

// Valid reports whether s is one of the known statuses
func (s SessionStatus) Valid() bool {
	switch s {
	case StatusPending, StatusActive, StatusHibernated, StatusExpired, StatusFailed:
		return true
	}
	return false
}

// LoginMethod records how the authenticated state was obtained
type LoginMethod string

const (
	LoginStreamed  LoginMethod = "streamed"
	LoginExtension LoginMethod = "extension"
)

// Fingerprint describes the browser identity presented by a session
type Fingerprint struct {
	UserAgent      string `json:"userAgent"`
	Locale         string `json:"locale"`
	Timezone       string `json:"timezone"`
	ViewportWidth  int    `json:"viewportWidth"`
	ViewportHeight int    `json:"viewportHeight"`
}

// Session represents one authenticated automation identity
type Session struct {
	ID                    string        `json:"id"`
	UserID                string        `json:"userId"`
	Status                SessionStatus `json:"status"`
	LoginMethod           LoginMethod   `json:"loginMethod"`
	Runtime               Runtime       `json:"runtime"`
	Engine                Engine        `json:"engine"`
	ContainerID           string        `json:"containerId,omitempty"`
	ProxyID               string        `json:"proxyId,omitempty"`
	Fingerprint           Fingerprint   `json:"fingerprint"`
	CookiesEncrypted      string        `json:"-"`
	LocalStorageEncrypted string        `json:"-"`
	SnapshotKey           string        `json:"snapshotKey,omitempty"`
	LastLoginAt           *time.Time    `json:"lastLoginAt,omitempty"`
	LastRefreshAt         *time.Time    `json:"lastRefreshAt,omitempty"`
	ExpiresAt             time.Time     `json:"expiresAt"`
	FailedAttempts        int           `json:"failedAttempts"`
	Error                 string        `json:"error,omitempty"`
	CreatedAt             time.Time     `json:"createdAt"`
	UpdatedAt             time.Time     `json:"updatedAt"`
}

// StartSessionRequest is the payload for POST /session/start
type StartSessionRequest struct {
	StreamMode string `json:"streamMode"`
	Engine     Engine `json:"engine,omitempty"`
}

// StartSessionResponse is returned once a pending session has a live stream
type StartSessionResponse struct {
	SessionID string `json:"sessionId"`
	StreamURL string `json:"streamUrl"`
}

// CompleteSessionRequest is the payload for POST /session/complete
type CompleteSessionRequest struct {
	SessionID string `json:"sessionId"`
}

// ImportSessionRequest carries browser state captured by the companion extension
type ImportSessionRequest struct {
	Engine Engine       `json:"engine,omitempty"`
	State  BrowserState `json:"state"`
}
