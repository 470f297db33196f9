// Package reconcile maintains an ordered in-memory view of one
// conversation's recent messages and keeps it converged with the store by
// applying change-stream batches.
package reconcile

import (
	"context"
	"sort"
	"sync"

	"choptso/pkg/logger"
	"choptso/pkg/models"
	"choptso/pkg/stream"
)

// Lister is the read-side store contract the reconciler resyncs from.
type Lister interface {
	ListMessages(convID string, limit int) ([]models.Message, error)
}

// Snapshot is an immutable copy of the view at one point in time.
type Snapshot struct {
	Messages []models.Message
	// Generation increments on every applied change; callers can cheaply
	// detect "anything new since last render".
	Generation uint64
}

// Reconciler owns the live window for a single conversation. Apply is
// idempotent upsert-by-id, so replaying a batch after a resync converges to
// the same state.
type Reconciler struct {
	conv   string
	window int

	mu  sync.RWMutex
	byID map[string]int
	msgs []models.Message
	gen  uint64

	onChange func(Snapshot)
}

// New constructs a reconciler for conversation conv holding at most window
// messages; window<=0 means unbounded.
func New(conv string, window int) *Reconciler {
	return &Reconciler{conv: conv, window: window, byID: map[string]int{}}
}

// OnChange registers a callback invoked (synchronously, under no lock) after
// each batch that changed the view. Only one callback is held.
func (r *Reconciler) OnChange(fn func(Snapshot)) { r.onChange = fn }

// Conversation returns the conversation id this reconciler tracks.
func (r *Reconciler) Conversation() string { return r.conv }

// Snapshot returns a copy of the current view, ordered by creation time
// ascending with id as tiebreak.
func (r *Reconciler) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.Message, len(r.msgs))
	copy(out, r.msgs)
	return Snapshot{Messages: out, Generation: r.gen}
}

// Get returns the viewed message with the given id.
func (r *Reconciler) Get(id string) (models.Message, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i, ok := r.byID[id]
	if !ok {
		return models.Message{}, false
	}
	return r.msgs[i], true
}

// Len returns the current view size.
func (r *Reconciler) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.msgs)
}

// Apply folds one change batch into the view. Added and Modified are both
// upserts: an add for a known id replaces it, a modify for an unknown id
// inserts it. Removed ids vanish from the view (the store row may persist
// as a tombstone; removal here only narrows the window).
func (r *Reconciler) Apply(ev stream.Event) {
	r.mu.Lock()
	changed := false
	for _, m := range ev.Added {
		changed = r.upsert(m) || changed
	}
	for _, m := range ev.Modified {
		changed = r.upsert(m) || changed
	}
	for _, id := range ev.Removed {
		changed = r.remove(id) || changed
	}
	if changed {
		r.resort()
		r.gen++
	}
	var snap Snapshot
	fn := r.onChange
	if changed && fn != nil {
		out := make([]models.Message, len(r.msgs))
		copy(out, r.msgs)
		snap = Snapshot{Messages: out, Generation: r.gen}
	}
	r.mu.Unlock()
	if changed && fn != nil {
		fn(snap)
	}
}

// Resync replaces the entire view from the store. Used at startup and after
// a lagged subscription dropped events.
func (r *Reconciler) Resync(l Lister) error {
	msgs, err := l.ListMessages(r.conv, r.window)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.msgs = r.msgs[:0]
	r.byID = make(map[string]int, len(msgs))
	for _, m := range msgs {
		r.upsert(m)
	}
	r.resort()
	r.gen++
	snap := Snapshot{Messages: append([]models.Message(nil), r.msgs...), Generation: r.gen}
	fn := r.onChange
	r.mu.Unlock()
	if fn != nil {
		fn(snap)
	}
	logger.Debug("reconcile_resynced", "conversation", r.conv, "count", len(msgs))
	return nil
}

// Run consumes a subscription until ctx is done or the subscription
// terminates. It resyncs from l first, then folds batches as they arrive;
// when the subscription reports lag it resyncs again instead of trusting
// the partial stream. A terminal permission error is returned as-is — the
// caller must not restart the loop.
func (r *Reconciler) Run(ctx context.Context, l Lister, sub *stream.Subscription) error {
	if err := r.Resync(l); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-sub.C:
			if !ok {
				if err := sub.Err(); err != nil {
					logger.Warn("reconcile_stream_failed", "conversation", r.conv, "error", err)
					return err
				}
				return nil
			}
			if sub.Lagged() {
				if err := r.Resync(l); err != nil {
					return err
				}
				sub.ClearLagged()
				continue
			}
			r.Apply(ev)
		}
	}
}

// callers hold r.mu
func (r *Reconciler) upsert(m models.Message) bool {
	if i, ok := r.byID[m.ID]; ok {
		r.msgs[i] = m
		return true
	}
	r.byID[m.ID] = len(r.msgs)
	r.msgs = append(r.msgs, m)
	return true
}

func (r *Reconciler) remove(id string) bool {
	i, ok := r.byID[id]
	if !ok {
		return false
	}
	r.msgs = append(r.msgs[:i], r.msgs[i+1:]...)
	delete(r.byID, id)
	for j := i; j < len(r.msgs); j++ {
		r.byID[r.msgs[j].ID] = j
	}
	return true
}

func (r *Reconciler) resort() {
	sort.SliceStable(r.msgs, func(i, j int) bool {
		a, b := &r.msgs[i], &r.msgs[j]
		if a.CreatedAt != b.CreatedAt {
			return a.CreatedAt < b.CreatedAt
		}
		return a.ID < b.ID
	})
	if r.window > 0 && len(r.msgs) > r.window {
		drop := len(r.msgs) - r.window
		for _, m := range r.msgs[:drop] {
			delete(r.byID, m.ID)
		}
		r.msgs = append(r.msgs[:0], r.msgs[drop:]...)
	}
	for i := range r.msgs {
		r.byID[r.msgs[i].ID] = i
	}
}
