package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"choptso/pkg/models"
	"choptso/pkg/stream"
)

type fakeLister struct {
	mu    sync.Mutex
	msgs  []models.Message
	calls int
}

func (f *fakeLister) ListMessages(convID string, limit int) ([]models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	out := f.msgs
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return append([]models.Message(nil), out...), nil
}

func (f *fakeLister) set(msgs []models.Message) {
	f.mu.Lock()
	f.msgs = msgs
	f.mu.Unlock()
}

func (f *fakeLister) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func m(id string, ts int64) models.Message {
	return models.Message{ID: id, Conversation: "c1", CreatedAt: ts, Body: "b-" + id}
}

func viewIDs(r *Reconciler) []string {
	snap := r.Snapshot()
	out := make([]string, len(snap.Messages))
	for i, mm := range snap.Messages {
		out[i] = mm.ID
	}
	return out
}

func TestApplyUpsertsAndOrders(t *testing.T) {
	r := New("c1", 0)
	r.Apply(stream.Event{Added: []models.Message{m("m2", 200), m("m1", 100)}})

	want := []string{"m1", "m2"}
	got := viewIDs(r)
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("want %v, got %v", want, got)
	}

	// replaying the same add converges, not duplicates
	gen := r.Snapshot().Generation
	r.Apply(stream.Event{Added: []models.Message{m("m1", 100)}})
	if r.Len() != 2 {
		t.Fatalf("replay duplicated the view: %v", viewIDs(r))
	}
	if r.Snapshot().Generation == gen {
		t.Fatalf("applied batch must bump the generation")
	}

	// a modify for an unknown id inserts, an add for a known id replaces
	edited := m("m2", 200)
	edited.Body = "edited"
	r.Apply(stream.Event{Modified: []models.Message{edited, m("m0", 50)}})
	if got := viewIDs(r); got[0] != "m0" {
		t.Fatalf("modify-insert not ordered: %v", got)
	}
	if mm, ok := r.Get("m2"); !ok || mm.Body != "edited" {
		t.Fatalf("upsert did not replace: %+v", mm)
	}
}

func TestSameTimestampBreaksTiesByID(t *testing.T) {
	r := New("c1", 0)
	r.Apply(stream.Event{Added: []models.Message{m("mb", 100), m("ma", 100)}})
	got := viewIDs(r)
	if got[0] != "ma" || got[1] != "mb" {
		t.Fatalf("id tiebreak broken: %v", got)
	}
}

func TestRemoveNarrowsView(t *testing.T) {
	r := New("c1", 0)
	r.Apply(stream.Event{Added: []models.Message{m("m1", 100), m("m2", 200), m("m3", 300)}})
	r.Apply(stream.Event{Removed: []string{"m2", "ghost"}})
	got := viewIDs(r)
	if len(got) != 2 || got[0] != "m1" || got[1] != "m3" {
		t.Fatalf("remove broke the view: %v", got)
	}
	if _, ok := r.Get("m2"); ok {
		t.Fatalf("removed id still resolvable")
	}
}

func TestWindowDropsOldest(t *testing.T) {
	r := New("c1", 2)
	r.Apply(stream.Event{Added: []models.Message{m("m1", 100), m("m2", 200)}})
	r.Apply(stream.Event{Added: []models.Message{m("m3", 300)}})
	got := viewIDs(r)
	if len(got) != 2 || got[0] != "m2" || got[1] != "m3" {
		t.Fatalf("window should keep the newest 2, got %v", got)
	}
	if _, ok := r.Get("m1"); ok {
		t.Fatalf("evicted id still indexed")
	}
}

func TestOnChangeFiresOnlyWhenViewMoves(t *testing.T) {
	r := New("c1", 0)
	var fired int
	r.OnChange(func(Snapshot) { fired++ })
	r.Apply(stream.Event{Added: []models.Message{m("m1", 100)}})
	r.Apply(stream.Event{Removed: []string{"ghost"}})
	if fired != 1 {
		t.Fatalf("want 1 callback, got %d", fired)
	}
}

func TestResyncReplacesView(t *testing.T) {
	r := New("c1", 0)
	r.Apply(stream.Event{Added: []models.Message{m("stale", 100)}})
	l := &fakeLister{msgs: []models.Message{m("m1", 100), m("m2", 200)}}
	if err := r.Resync(l); err != nil {
		t.Fatalf("resync: %v", err)
	}
	got := viewIDs(r)
	if len(got) != 2 || got[0] != "m1" {
		t.Fatalf("resync did not replace: %v", got)
	}
}

func TestRunResyncsOnLagAndStopsOnTerminalError(t *testing.T) {
	broker := stream.NewBroker(1)
	sub := broker.Subscribe(stream.MessageTopic("c1"))
	l := &fakeLister{msgs: []models.Message{m("m1", 100)}}
	r := New("c1", 0)

	done := make(chan error, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { done <- r.Run(ctx, l, sub) }()

	waitFor(t, func() bool { return l.callCount() >= 1 })

	// overflow the 1-slot buffer so the subscription lags; the store has
	// grown meanwhile and only a resync can see m3
	l.set([]models.Message{m("m1", 100), m("m2", 200), m("m3", 300)})
	broker.Publish(stream.MessageTopic("c1"), stream.Event{Added: []models.Message{m("m2", 200)}})
	broker.Publish(stream.MessageTopic("c1"), stream.Event{Added: []models.Message{m("m3", 300)}})

	waitFor(t, func() bool { return r.Len() == 3 })

	broker.Fail(stream.MessageTopic("c1"), stream.ErrPermissionDenied)
	select {
	case err := <-done:
		if !errors.Is(err, stream.ErrPermissionDenied) {
			t.Fatalf("want terminal permission error, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not stop on terminal error")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not reached in time")
}
