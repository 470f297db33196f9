package presence

import (
	"context"
	"sync"
	"testing"
	"time"

	"choptso/pkg/models"
	"choptso/pkg/stream"
)

type typingCall struct {
	conv   string
	typing bool
}

type fakeWriter struct {
	mu     sync.Mutex
	typing []typingCall
	status []models.Presence
}

func (f *fakeWriter) SetTyping(_ context.Context, convID, user string, typing bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typing = append(f.typing, typingCall{conv: convID, typing: typing})
	return nil
}

func (f *fakeWriter) SetStatus(_ context.Context, _, user, status, emoji string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = append(f.status, models.Presence{UserID: user, Status: status, Emoji: emoji})
	return nil
}

func (f *fakeWriter) calls() []typingCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]typingCall(nil), f.typing...)
}

func newClock(start time.Time) (*time.Time, func() time.Time) {
	now := start
	return &now, func() time.Time { return now }
}

func TestKeystrokeDebouncesWrites(t *testing.T) {
	w := &fakeWriter{}
	tr := NewTracker(w, "alice", 3*time.Second)
	now, clock := newClock(time.Unix(100, 0))
	tr.SetClock(clock)
	defer tr.Close()
	ctx := context.Background()

	tr.Keystroke(ctx, "c1")
	if got := w.calls(); len(got) != 1 || !got[0].typing {
		t.Fatalf("first keystroke must write immediately: %v", got)
	}

	// a burst inside half the ttl is absorbed
	for i := 0; i < 5; i++ {
		*now = now.Add(100 * time.Millisecond)
		tr.Keystroke(ctx, "c1")
	}
	if got := w.calls(); len(got) != 1 {
		t.Fatalf("burst should not write: %v", got)
	}

	// once the signal is about to go stale, one refresh write goes out
	*now = now.Add(2 * time.Second)
	tr.Keystroke(ctx, "c1")
	if got := w.calls(); len(got) != 2 || !got[1].typing {
		t.Fatalf("want a refresh write: %v", got)
	}
}

func TestStopTypingClearsImmediately(t *testing.T) {
	w := &fakeWriter{}
	tr := NewTracker(w, "alice", 3*time.Second)
	defer tr.Close()
	ctx := context.Background()

	// stopping without ever typing writes nothing
	tr.StopTyping(ctx, "c1")
	if got := w.calls(); len(got) != 0 {
		t.Fatalf("spurious clear: %v", got)
	}

	tr.Keystroke(ctx, "c1")
	tr.StopTyping(ctx, "c1")
	got := w.calls()
	if len(got) != 2 || got[1].typing {
		t.Fatalf("want [set clear], got %v", got)
	}
}

func TestAutoClearAfterTTL(t *testing.T) {
	w := &fakeWriter{}
	tr := NewTracker(w, "alice", 30*time.Millisecond)
	defer tr.Close()

	tr.Keystroke(context.Background(), "c1")
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got := w.calls()
		if len(got) == 2 && !got[1].typing {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("typing did not auto-clear: %v", w.calls())
}

func TestObserveDerivesEffectiveSet(t *testing.T) {
	w := &fakeWriter{}
	tr := NewTracker(w, "alice", 3*time.Second)
	now, clock := newClock(time.Unix(100, 0))
	tr.SetClock(clock)
	defer tr.Close()

	var mu sync.Mutex
	var fired [][]string
	tr.OnTypingChange(func(convID string, users []string) {
		mu.Lock()
		fired = append(fired, users)
		mu.Unlock()
	})

	base := now.UnixNano()
	conv := &models.Conversation{
		ID:           "c1",
		Participants: []string{"alice", "bob", "carol"},
		TypingUsers: map[string]int64{
			"alice": base,                              // local user, excluded
			"bob":   base,                              // fresh
			"carol": base - (10 * time.Second).Nanoseconds(), // stale, ignored
		},
	}
	tr.Observe(stream.Event{Conversation: conv})

	if got := tr.Typing("c1"); len(got) != 1 || got[0] != "bob" {
		t.Fatalf("effective set should be [bob], got %v", got)
	}
	mu.Lock()
	n := len(fired)
	mu.Unlock()
	if n != 1 {
		t.Fatalf("want one typing-change callback, got %d", n)
	}

	// re-observing an identical document must not re-fire
	tr.Observe(stream.Event{Conversation: conv})
	mu.Lock()
	n = len(fired)
	mu.Unlock()
	if n != 1 {
		t.Fatalf("unchanged set re-fired the callback")
	}

	// the set is a pure function of time: the entry goes quiet on its own
	*now = now.Add(10 * time.Second)
	if got := tr.Typing("c1"); got != nil {
		t.Fatalf("stale entry must vanish without a clear write, got %v", got)
	}
}

func TestObserverExpiresTypingWithoutClearWrite(t *testing.T) {
	w := &fakeWriter{}
	ttl := 50 * time.Millisecond
	tr := NewTracker(w, "alice", ttl)
	defer tr.Close()

	var mu sync.Mutex
	var fired [][]string
	tr.OnTypingChange(func(convID string, users []string) {
		mu.Lock()
		fired = append(fired, append([]string(nil), users...))
		mu.Unlock()
	})

	// bob starts typing and his clear write is lost: no further document
	// event ever arrives
	tr.Observe(stream.Event{Conversation: &models.Conversation{
		ID:           "c1",
		Participants: []string{"alice", "bob"},
		TypingUsers:  map[string]int64{"bob": time.Now().UnixNano()},
	}})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(fired)
		last := [][]string(nil)
		if n > 0 {
			last = fired[n-1:]
		}
		mu.Unlock()
		if n == 2 && len(last[0]) == 0 {
			if got := tr.Typing("c1"); got != nil {
				t.Fatalf("effective set not empty after expiry: %v", got)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("typing never expired on the observer side: %v", fired)
}

func TestObserveForwardsStatus(t *testing.T) {
	tr := NewTracker(&fakeWriter{}, "alice", 0)
	defer tr.Close()
	var got models.Presence
	tr.OnStatusChange(func(p models.Presence) { got = p })
	tr.Observe(stream.Event{Presence: &models.Presence{UserID: "bob", Status: models.StatusAway}})
	if got.UserID != "bob" || got.Status != models.StatusAway {
		t.Fatalf("status not forwarded: %+v", got)
	}
}

func TestWatchStopsWhenSubscriptionCloses(t *testing.T) {
	tr := NewTracker(&fakeWriter{}, "alice", 0)
	defer tr.Close()
	b := stream.NewBroker(4)
	sub := b.Subscribe(stream.ConversationTopic("c1"))

	done := make(chan struct{})
	go func() {
		tr.Watch(context.Background(), sub)
		close(done)
	}()
	sub.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Watch did not return after subscription close")
	}
}
