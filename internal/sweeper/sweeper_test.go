package sweeper

import (
	"context"
	"testing"
	"time"

	"choptso/pkg/config"
	"choptso/pkg/models"
	"choptso/pkg/store"
	"choptso/pkg/stream"
)

func testSweeper(t *testing.T, cfg config.SweeperConfig) (*Sweeper, *store.Store, *stream.Broker) {
	t.Helper()
	docs, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = docs.Close() })
	broker := stream.NewBroker(8)
	pres := config.PresenceConfig{
		TypingTTL:    config.Duration(3 * time.Second),
		OfflineAfter: config.Duration(5 * time.Minute),
	}
	return New(docs, broker, cfg, pres), docs, broker
}

func TestSweepTypingClearsStaleEntries(t *testing.T) {
	s, docs, broker := testSweeper(t, config.SweeperConfig{Enabled: true})
	now := time.Unix(1000, 0)
	s.nowFn = func() time.Time { return now }

	conv := models.Conversation{
		ID:           "c1",
		Participants: []string{"alice", "bob"},
		TypingUsers: map[string]int64{
			"alice": now.Add(-10 * time.Second).UnixNano(),
			"bob":   now.Add(-time.Second).UnixNano(),
		},
	}
	if err := docs.SaveConversation(conv); err != nil {
		t.Fatalf("save conv: %v", err)
	}
	sub := broker.Subscribe(stream.ConversationTopic("c1"))
	defer sub.Close()

	if n := s.sweepTyping(); n != 1 {
		t.Fatalf("want 1 cleared, got %d", n)
	}
	got, _ := docs.GetConversation("c1")
	if _, ok := got.TypingUsers["alice"]; ok {
		t.Fatalf("stale entry survived: %v", got.TypingUsers)
	}
	if _, ok := got.TypingUsers["bob"]; !ok {
		t.Fatalf("fresh entry cleared: %v", got.TypingUsers)
	}
	select {
	case ev := <-sub.C:
		if ev.Conversation == nil || ev.Conversation.ID != "c1" {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatalf("sweep did not announce the cleaned document")
	}
}

func TestSweepPresenceFlipsIdleUsersOffline(t *testing.T) {
	s, docs, broker := testSweeper(t, config.SweeperConfig{Enabled: true})
	now := time.Unix(10000, 0)
	s.nowFn = func() time.Time { return now }

	for _, p := range []models.Presence{
		{UserID: "idle", Status: models.StatusOnline, LastSeen: now.Add(-time.Hour).UnixNano()},
		{UserID: "fresh", Status: models.StatusOnline, LastSeen: now.Add(-time.Minute).UnixNano()},
		{UserID: "gone", Status: models.StatusOffline, LastSeen: 1},
	} {
		if err := docs.SavePresence(p); err != nil {
			t.Fatalf("save presence: %v", err)
		}
	}
	sub := broker.Subscribe(stream.PresenceTopic("idle"))
	defer sub.Close()

	if n := s.sweepPresence(); n != 1 {
		t.Fatalf("want 1 flipped, got %d", n)
	}
	got, _ := docs.GetPresence("idle")
	if got.Status != models.StatusOffline {
		t.Fatalf("idle user not flipped: %+v", got)
	}
	if fresh, _ := docs.GetPresence("fresh"); fresh.Status != models.StatusOnline {
		t.Fatalf("fresh user flipped: %+v", fresh)
	}
	select {
	case ev := <-sub.C:
		if ev.Presence == nil || ev.Presence.Status != models.StatusOffline {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatalf("flip not announced")
	}
}

func TestDryRunCountsWithoutWriting(t *testing.T) {
	s, docs, _ := testSweeper(t, config.SweeperConfig{Enabled: true, DryRun: true})
	now := time.Unix(10000, 0)
	s.nowFn = func() time.Time { return now }

	if err := docs.SavePresence(models.Presence{
		UserID: "idle", Status: models.StatusOnline, LastSeen: now.Add(-time.Hour).UnixNano(),
	}); err != nil {
		t.Fatalf("save presence: %v", err)
	}
	if n := s.sweepPresence(); n != 1 {
		t.Fatalf("dry run should still count, got %d", n)
	}
	got, _ := docs.GetPresence("idle")
	if got.Status != models.StatusOnline {
		t.Fatalf("dry run wrote: %+v", got)
	}
}

func TestSweepVersionsHonorsRetention(t *testing.T) {
	s, docs, _ := testSweeper(t, config.SweeperConfig{
		Enabled:          true,
		VersionRetention: config.Duration(time.Hour),
	})
	m := models.Message{ID: "m1", Conversation: "c1", SenderID: "a", Body: "v1", CreatedAt: 1}
	if err := docs.SaveMessage(m); err != nil {
		t.Fatalf("save: %v", err)
	}
	m.Body = "v2"
	if err := docs.SaveMessage(m); err != nil {
		t.Fatalf("save: %v", err)
	}

	// versions were written just now; with the clock far in the future they
	// all fall past retention
	s.nowFn = func() time.Time { return time.Now().Add(48 * time.Hour) }
	if n := s.sweepVersions(); n != 2 {
		t.Fatalf("want 2 trimmed, got %d", n)
	}
	if vs, _ := docs.ListMessageVersions("m1"); len(vs) != 0 {
		t.Fatalf("versions left after sweep: %d", len(vs))
	}
	if _, err := docs.GetMessage("m1"); err != nil {
		t.Fatalf("latest row must survive: %v", err)
	}
}

func TestStartRejectsBadCron(t *testing.T) {
	s, _, _ := testSweeper(t, config.SweeperConfig{Enabled: true, Cron: "not a cron"})
	if err := s.Start(context.Background()); err == nil {
		t.Fatalf("want error for invalid cron expression")
	}
	disabled, _, _ := testSweeper(t, config.SweeperConfig{Enabled: false, Cron: "not a cron"})
	if err := disabled.Start(context.Background()); err != nil {
		t.Fatalf("disabled sweeper must not validate: %v", err)
	}
}
