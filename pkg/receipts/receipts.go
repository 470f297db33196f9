// Package receipts derives delivery and read state for messages from their
// acknowledgement sets. Nothing here mutates storage; the adapter owns the
// writes and this package owns the interpretation.
package receipts

import (
	"choptso/pkg/models"
)

// State is the per-message acknowledgement stage as seen by its sender.
// States only ever advance: acknowledgement sets are monotonic, so a message
// can never fall back from Read to Delivered.
type State int

const (
	// StateSent means not every recipient holds the message yet.
	StateSent State = iota
	// StateDelivered means every addressed recipient holds the message.
	StateDelivered
	// StateRead means every addressed recipient has read the message.
	StateRead
)

func (s State) String() string {
	switch s {
	case StateDelivered:
		return "delivered"
	case StateRead:
		return "read"
	default:
		return "sent"
	}
}

// Summary carries the full acknowledgement picture for one message.
type Summary struct {
	State      State
	Delivered  int
	Read       int
	Recipients int
	// AllDelivered is true once every addressed recipient acknowledged
	// delivery, independent of read state.
	AllDelivered bool
}

// Of computes the acknowledgement state for m within conv. Recipients are
// every participant except the sender; a conversation with no recipients
// (self-notes) reports Read immediately.
func Of(m *models.Message, conv *models.Conversation) Summary {
	recips := conv.Recipients(m.SenderID)
	sum := Summary{Recipients: len(recips)}
	for _, r := range recips {
		if m.HasDelivered(r) {
			sum.Delivered++
		}
		if m.HasRead(r) {
			sum.Read++
		}
	}
	sum.AllDelivered = sum.Delivered == sum.Recipients
	// the aggregate only advances when the FULL recipient set has acked:
	// one reader among two recipients still renders as sent
	switch {
	case sum.Recipients == 0 || sum.Read == sum.Recipients:
		sum.State = StateRead
	case sum.AllDelivered:
		sum.State = StateDelivered
	default:
		sum.State = StateSent
	}
	return sum
}

// Unread counts the messages in msgs addressed to user that user has not
// read. Own messages and already-read messages are skipped; tombstoned
// messages still count until read, matching how the live view renders them.
func Unread(msgs []models.Message, user string) int {
	n := 0
	for i := range msgs {
		m := &msgs[i]
		if m.SenderID == user || m.HasRead(user) {
			continue
		}
		n++
	}
	return n
}

// Indicator renders the compact per-message marker shown next to a sent
// message: a single check until EVERY recipient holds it (partial delivery
// and partial reads included), "✓✓" once all recipients hold it, and
// "✓✓ read" when everyone has read it. Self-notes render nothing.
func Indicator(m *models.Message, conv *models.Conversation) string {
	sum := Of(m, conv)
	switch {
	case sum.Recipients == 0:
		return ""
	case sum.State == StateRead:
		return "✓✓ read"
	case sum.State == StateDelivered:
		return "✓✓"
	default:
		return "✓"
	}
}
