package models

// Status values for a presence document.
const (
	StatusOnline  = "online"
	StatusAway    = "away"
	StatusBusy    = "busy"
	StatusOffline = "offline"
)

// Presence is owned exclusively by its subject user (self-writes only,
// administrative override aside).
type Presence struct {
	UserID   string `json:"user_id"`
	Status   string `json:"status"`
	LastSeen int64  `json:"last_seen,omitempty"`
	// Emoji is an optional custom status emoji.
	Emoji string `json:"emoji,omitempty"`
}

// ValidStatus reports whether s is one of the four allowed states.
func ValidStatus(s string) bool {
	switch s {
	case StatusOnline, StatusAway, StatusBusy, StatusOffline:
		return true
	}
	return false
}
