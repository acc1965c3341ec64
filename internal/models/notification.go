package models

import "time"

// Notification severities as the gateway reports them.
const (
	SeverityInfo    = "info"
	SeverityWarning = "warning"
	SeverityError   = "error"
)

// Notification categories the console reacts to.
const (
	CategoryInventory = "inventory"
	CategoryJob       = "job"
	CategorySystem    = "system"
)

// Notification is one entry in the gateway's notification feed.
type Notification struct {
	ID        string    `json:"id"`
	Severity  string    `json:"severity,omitempty"` // info, warning, error
	Title     string    `json:"title,omitempty"`
	Message   string    `json:"message"`
	Category  string    `json:"category,omitempty"` // e.g. "inventory", "job", "system"
	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// InitialState is the snapshot the gateway pushes right after a stream
// attaches: the current feed plus its unread count.
type InitialState struct {
	Notifications []Notification `json:"notifications"`
	UnreadCount   int            `json:"unread_count"`
}

// TokenResponse is the body returned by the gateway's stream token endpoint.
type TokenResponse struct {
	Token string `json:"token"`
}
