package models

import (
	"sort"
	"strings"
)

// BroadcastID marks the school-wide announcement thread. Every known user is
// an implicit participant; recipient sets are still evaluated against the
// stored participant list.
const BroadcastID = "broadcast"

type Conversation struct {
	ID           string   `json:"id"`
	Participants []string `json:"participants"`
	Broadcast    bool     `json:"broadcast,omitempty"`
	// TypingUsers maps a user to the timestamp (ns) of their last keystroke.
	// Entries older than the staleness window are ignored on read even if
	// not yet physically removed.
	TypingUsers map[string]int64 `json:"typing_users,omitempty"`
	CreatedAt   int64            `json:"created_at,omitempty"`
	UpdatedAt   int64            `json:"updated_at,omitempty"`
}

// PairKey derives the deterministic conversation id for a 1:1 thread so both
// sides create the same document regardless of who sends first.
func PairKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return "dm:" + a + ":" + b
}

// HasParticipant reports whether user belongs to the conversation.
func (c *Conversation) HasParticipant(user string) bool {
	return containsStr(c.Participants, user)
}

// Recipients returns the participants other than sender, sorted for
// deterministic output.
func (c *Conversation) Recipients(sender string) []string {
	out := make([]string, 0, len(c.Participants))
	for _, p := range c.Participants {
		if p != sender {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

// TypingAt returns the users whose last keystroke is within ttl of now,
// sorted. This is the effective typing set; callers never read TypingUsers
// directly for display.
func (c *Conversation) TypingAt(now int64, ttl int64) []string {
	if len(c.TypingUsers) == 0 {
		return nil
	}
	out := make([]string, 0, len(c.TypingUsers))
	for u, ts := range c.TypingUsers {
		if now-ts <= ttl {
			out = append(out, u)
		}
	}
	if len(out) == 0 {
		return nil
	}
	sort.Strings(out)
	return out
}

// IsPairKey reports whether id names a deterministic 1:1 thread.
func IsPairKey(id string) bool { return strings.HasPrefix(id, "dm:") }
