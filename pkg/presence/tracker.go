// Package presence tracks who is typing and who is online. The write side
// debounces keystroke bursts into sparse document updates; the read side
// derives the effective typing set purely from timestamps, so a crashed
// client that never cleared its flag goes quiet on its own.
package presence

import (
	"context"
	"sort"
	"sync"
	"time"

	"choptso/pkg/logger"
	"choptso/pkg/models"
	"choptso/pkg/stream"
)

// Writer is the slice of the adapter the tracker needs.
type Writer interface {
	SetTyping(ctx context.Context, convID, user string, typing bool) error
	SetStatus(ctx context.Context, actor, user, status, emoji string) error
}

// Tracker manages the local user's typing signal for any number of
// conversations and watches remote typing/status changes.
type Tracker struct {
	writer Writer
	user   string
	ttl    time.Duration

	mu     sync.Mutex
	active map[string]*convTyping

	onTyping func(convID string, users []string)
	onStatus func(models.Presence)

	nowFn func() time.Time
}

type convTyping struct {
	lastWrite time.Time
	clear     *time.Timer
	// remote holds the observed conversation view used to compute the
	// effective set; notified is the set last handed to OnTypingChange.
	remote   map[string]int64
	notified []string
	// recheck wakes the observer when the earliest live entry goes stale,
	// so consumers see the clear even when the remote clear write was lost.
	recheck *time.Timer
}

// NewTracker builds a tracker for user. ttl is the typing staleness window;
// values <=0 fall back to 3 seconds.
func NewTracker(w Writer, user string, ttl time.Duration) *Tracker {
	if ttl <= 0 {
		ttl = 3 * time.Second
	}
	return &Tracker{
		writer: w,
		user:   user,
		ttl:    ttl,
		active: map[string]*convTyping{},
		nowFn:  time.Now,
	}
}

// SetClock overrides the time source. Test hook.
func (t *Tracker) SetClock(fn func() time.Time) { t.nowFn = fn }

// OnTypingChange registers a callback for remote typing-set changes. The
// slice is sorted and excludes the local user.
func (t *Tracker) OnTypingChange(fn func(convID string, users []string)) { t.onTyping = fn }

// OnStatusChange registers a callback for remote status document changes.
func (t *Tracker) OnStatusChange(fn func(models.Presence)) { t.onStatus = fn }

// Keystroke records local typing activity in convID. The first keystroke
// writes typing immediately; repeats within half the ttl are absorbed, with
// a refresh write once the signal is about to go stale. Every keystroke
// rearms the auto-clear timer.
func (t *Tracker) Keystroke(ctx context.Context, convID string) {
	now := t.nowFn()
	t.mu.Lock()
	ct, ok := t.active[convID]
	if !ok {
		ct = &convTyping{}
		t.active[convID] = ct
	}
	needWrite := ct.lastWrite.IsZero() || now.Sub(ct.lastWrite) >= t.ttl/2
	if needWrite {
		ct.lastWrite = now
	}
	if ct.clear != nil {
		ct.clear.Stop()
	}
	ct.clear = time.AfterFunc(t.ttl, func() { t.expire(convID) })
	t.mu.Unlock()

	if needWrite {
		if err := t.writer.SetTyping(ctx, convID, t.user, true); err != nil {
			logger.Warn("typing_write_failed", "conversation", convID, "error", err)
		}
	}
}

// StopTyping clears the local typing signal immediately (message sent,
// input box emptied).
func (t *Tracker) StopTyping(ctx context.Context, convID string) {
	t.mu.Lock()
	ct, ok := t.active[convID]
	if ok {
		if ct.clear != nil {
			ct.clear.Stop()
		}
		ct.lastWrite = time.Time{}
	}
	t.mu.Unlock()
	if !ok {
		return
	}
	if err := t.writer.SetTyping(ctx, convID, t.user, false); err != nil {
		logger.Warn("typing_clear_failed", "conversation", convID, "error", err)
	}
}

func (t *Tracker) expire(convID string) {
	t.mu.Lock()
	ct, ok := t.active[convID]
	if ok {
		ct.lastWrite = time.Time{}
		ct.clear = nil
	}
	t.mu.Unlock()
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := t.writer.SetTyping(ctx, convID, t.user, false); err != nil {
		logger.Warn("typing_expire_failed", "conversation", convID, "error", err)
	}
}

// Typing returns the effective typing set for convID from the last observed
// conversation document: entries newer than the ttl, minus the local user,
// sorted. Stale entries are filtered here rather than trusted from the
// document.
func (t *Tracker) Typing(convID string) []string {
	now := t.nowFn().UnixNano()
	t.mu.Lock()
	defer t.mu.Unlock()
	ct, ok := t.active[convID]
	if !ok || ct.remote == nil {
		return nil
	}
	return effectiveTyping(ct.remote, t.user, now, t.ttl)
}

// Observe folds a conversation-topic event into the remote typing view and
// fires OnTypingChange when the effective set moved.
func (t *Tracker) Observe(ev stream.Event) {
	if ev.Conversation != nil {
		t.observeConversation(ev.Conversation)
	}
	if ev.Presence != nil && t.onStatus != nil {
		t.onStatus(*ev.Presence)
	}
}

func (t *Tracker) observeConversation(conv *models.Conversation) {
	t.mu.Lock()
	ct, ok := t.active[conv.ID]
	if !ok {
		ct = &convTyping{}
		t.active[conv.ID] = ct
	}
	ct.remote = conv.TypingUsers
	t.mu.Unlock()
	t.recompute(conv.ID)
}

// recompute re-derives the effective typing set, fires OnTypingChange when
// it moved, and arms a timer for the earliest pending expiry. Time passing
// with no further document event thus still produces the false transition.
func (t *Tracker) recompute(convID string) {
	now := t.nowFn().UnixNano()
	t.mu.Lock()
	ct, ok := t.active[convID]
	if !ok {
		t.mu.Unlock()
		return
	}
	after := effectiveTyping(ct.remote, t.user, now, t.ttl)
	changed := !equalStr(ct.notified, after)
	ct.notified = after
	if ct.recheck != nil {
		ct.recheck.Stop()
		ct.recheck = nil
	}
	if len(after) > 0 {
		earliest := int64(0)
		for _, u := range after {
			if exp := ct.remote[u] + t.ttl.Nanoseconds(); earliest == 0 || exp < earliest {
				earliest = exp
			}
		}
		ct.recheck = time.AfterFunc(time.Duration(earliest-now)+time.Millisecond,
			func() { t.recompute(convID) })
	}
	fn := t.onTyping
	t.mu.Unlock()
	if fn != nil && changed {
		fn(convID, after)
	}
}

// Watch consumes conversation and presence subscriptions until ctx is done.
func (t *Tracker) Watch(ctx context.Context, subs ...*stream.Subscription) {
	var wg sync.WaitGroup
	for _, sub := range subs {
		wg.Add(1)
		go func(s *stream.Subscription) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case ev, ok := <-s.C:
					if !ok {
						return
					}
					t.Observe(ev)
				}
			}
		}(sub)
	}
	wg.Wait()
}

// Close stops every pending auto-clear and recheck timer.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, ct := range t.active {
		if ct.clear != nil {
			ct.clear.Stop()
			ct.clear = nil
		}
		if ct.recheck != nil {
			ct.recheck.Stop()
			ct.recheck = nil
		}
	}
}

func effectiveTyping(remote map[string]int64, skip string, now int64, ttl time.Duration) []string {
	if len(remote) == 0 {
		return nil
	}
	cutoff := now - ttl.Nanoseconds()
	out := make([]string, 0, len(remote))
	for user, ts := range remote {
		if user == skip || ts <= cutoff {
			continue
		}
		out = append(out, user)
	}
	sort.Strings(out)
	if len(out) == 0 {
		return nil
	}
	return out
}

func equalStr(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
