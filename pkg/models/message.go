package models

// ReplyRef is a denormalized pointer to the message being replied to. It is
// captured at send time and stays valid even if the original message is later
// tombstoned.
type ReplyRef struct {
	MessageID  string `json:"message_id"`
	SenderName string `json:"sender_name,omitempty"`
	Snippet    string `json:"snippet,omitempty"`
}

type Message struct {
	ID           string `json:"id"`
	Conversation string `json:"conversation"`
	SenderID     string `json:"sender_id"`
	SenderName   string `json:"sender_name,omitempty"`
	// Body is the text payload; may be empty when Attachment is set.
	Body string `json:"body,omitempty"`
	// Attachment is an opaque reference to an uploaded object; upload
	// mechanics live elsewhere.
	Attachment string `json:"attachment,omitempty"`
	// CreatedAt is the server-assigned timestamp (ns); authoritative
	// ordering key.
	CreatedAt int64     `json:"created_at"`
	ReplyTo   *ReplyRef `json:"reply_to,omitempty"`
	// Reactions maps an emoji to the identities that reacted with it. A user
	// may hold several simultaneous reactions on one message.
	Reactions map[string][]string `json:"reactions,omitempty"`
	// ReadBy / DeliveredTo are per-recipient acknowledgement sets. Entries
	// are never removed once added.
	ReadBy      []string `json:"read_by,omitempty"`
	DeliveredTo []string `json:"delivered_to,omitempty"`
	// Deleted marks a tombstone; the row is retained, body is frozen.
	Deleted   bool  `json:"deleted,omitempty"`
	DeletedAt int64 `json:"deleted_at,omitempty"`
}

// HasRead reports whether user acknowledged the message as read.
func (m *Message) HasRead(user string) bool { return containsStr(m.ReadBy, user) }

// HasDelivered reports whether user acknowledged the message as delivered.
func (m *Message) HasDelivered(user string) bool { return containsStr(m.DeliveredTo, user) }

// MarkRead inserts user into ReadBy and, to keep read_by a subset of
// delivered_to, into DeliveredTo as well. Returns true if anything changed.
func (m *Message) MarkRead(user string) bool {
	changed := false
	if !containsStr(m.DeliveredTo, user) {
		m.DeliveredTo = append(m.DeliveredTo, user)
		changed = true
	}
	if !containsStr(m.ReadBy, user) {
		m.ReadBy = append(m.ReadBy, user)
		changed = true
	}
	return changed
}

// MarkDelivered inserts user into DeliveredTo. Returns true if it changed.
func (m *Message) MarkDelivered(user string) bool {
	if containsStr(m.DeliveredTo, user) {
		return false
	}
	m.DeliveredTo = append(m.DeliveredTo, user)
	return true
}

// AddReaction records user under emoji. No-op if already present.
func (m *Message) AddReaction(emoji, user string) bool {
	if m.Reactions == nil {
		m.Reactions = map[string][]string{}
	}
	if containsStr(m.Reactions[emoji], user) {
		return false
	}
	m.Reactions[emoji] = append(m.Reactions[emoji], user)
	return true
}

// RemoveReaction removes user from emoji's reactor set. No-op if absent; the
// emoji key is dropped once its set is empty.
func (m *Message) RemoveReaction(emoji, user string) bool {
	set, ok := m.Reactions[emoji]
	if !ok {
		return false
	}
	out := set[:0]
	removed := false
	for _, u := range set {
		if u == user {
			removed = true
			continue
		}
		out = append(out, u)
	}
	if !removed {
		return false
	}
	if len(out) == 0 {
		delete(m.Reactions, emoji)
	} else {
		m.Reactions[emoji] = out
	}
	return true
}

func containsStr(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}
