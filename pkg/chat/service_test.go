package chat

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"
	"time"

	"choptso/pkg/config"
	"choptso/pkg/models"
	"choptso/pkg/store"
	"choptso/pkg/stream"
)

// memDocs is an in-memory Docs used to test adapter semantics without
// pebble, and to inject transient failures.
type memDocs struct {
	msgs     map[string]models.Message
	versions map[string][]models.Message
	convs    map[string]models.Conversation
	pres     map[string]models.Presence

	// failNext makes the next n writes fail transiently.
	failNext int
	saves    int
}

func newMemDocs() *memDocs {
	return &memDocs{
		msgs:     map[string]models.Message{},
		versions: map[string][]models.Message{},
		convs:    map[string]models.Conversation{},
		pres:     map[string]models.Presence{},
	}
}

func (d *memDocs) SaveMessage(m models.Message) error {
	return d.SaveMessages([]models.Message{m})
}

func (d *memDocs) SaveMessages(ms []models.Message) error {
	d.saves++
	if d.failNext > 0 {
		d.failNext--
		return fmt.Errorf("%w: injected", ErrTransient)
	}
	for _, m := range ms {
		d.msgs[m.ID] = m
		d.versions[m.ID] = append(d.versions[m.ID], m)
	}
	return nil
}

func (d *memDocs) GetMessage(id string) (models.Message, error) {
	m, ok := d.msgs[id]
	if !ok {
		return m, store.ErrNotFound
	}
	return m, nil
}

func (d *memDocs) ListMessages(convID string, limit int) ([]models.Message, error) {
	var out []models.Message
	for _, m := range d.msgs {
		if m.Conversation == convID {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (d *memDocs) ListMessagesBefore(convID string, before int64, limit int) ([]models.Message, error) {
	all, _ := d.ListMessages(convID, 0)
	var out []models.Message
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		if all[i].CreatedAt < before {
			out = append(out, all[i])
		}
	}
	return out, nil
}

func (d *memDocs) ListMessageVersions(id string) ([]models.Message, error) {
	return d.versions[id], nil
}

func (d *memDocs) SaveConversation(c models.Conversation) error {
	d.convs[c.ID] = c
	return nil
}

func (d *memDocs) GetConversation(id string) (models.Conversation, error) {
	c, ok := d.convs[id]
	if !ok {
		return c, store.ErrNotFound
	}
	return c, nil
}

func (d *memDocs) ListConversationsFor(user string) ([]models.Conversation, error) {
	var out []models.Conversation
	for _, c := range d.convs {
		if user == "" || c.HasParticipant(user) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (d *memDocs) SavePresence(p models.Presence) error {
	d.pres[p.UserID] = p
	return nil
}

func (d *memDocs) GetPresence(user string) (models.Presence, error) {
	p, ok := d.pres[user]
	if !ok {
		return p, store.ErrNotFound
	}
	return p, nil
}

func testCfg() config.SyncConfig {
	return config.SyncConfig{
		Window:         50,
		RetryAttempts:  3,
		RetryBackoff:   config.Duration(time.Millisecond),
		RequestTimeout: config.Duration(5 * time.Second),
	}
}

func newTestService(t *testing.T, admins ...string) (*Service, *memDocs, *stream.Broker) {
	t.Helper()
	docs := newMemDocs()
	broker := stream.NewBroker(16)
	svc := NewService(docs, broker, testCfg(), admins)
	clock := int64(0)
	svc.SetClock(func() int64 { clock++; return clock * 1000 })
	return svc, docs, broker
}

func seedConv(d *memDocs, id string, users ...string) {
	d.convs[id] = models.Conversation{ID: id, Participants: users, CreatedAt: 1}
}

func TestSendValidation(t *testing.T) {
	svc, docs, _ := newTestService(t)
	seedConv(docs, "c1", "alice", "bob")
	ctx := context.Background()

	cases := []struct {
		name string
		in   SendInput
	}{
		{"empty body no attachment", SendInput{ConversationID: "c1", SenderID: "alice", Body: "  "}},
		{"unknown conversation", SendInput{ConversationID: "nope", SenderID: "alice", Body: "hi"}},
		{"sender not participant", SendInput{ConversationID: "c1", SenderID: "mallory", Body: "hi"}},
		{"missing sender", SendInput{ConversationID: "c1", Body: "hi"}},
	}
	for _, tc := range cases {
		if _, err := svc.Send(ctx, tc.in); !errors.Is(err, ErrValidation) {
			t.Errorf("%s: want ErrValidation, got %v", tc.name, err)
		}
	}

	// attachment alone is enough
	if _, err := svc.Send(ctx, SendInput{ConversationID: "c1", SenderID: "alice", Attachment: "file-1"}); err != nil {
		t.Fatalf("attachment-only send: %v", err)
	}
}

func TestSendAssignsTimestampAndPublishes(t *testing.T) {
	svc, docs, broker := newTestService(t)
	seedConv(docs, "c1", "alice", "bob")
	sub := broker.Subscribe(stream.MessageTopic("c1"))
	defer sub.Close()

	m, err := svc.Send(context.Background(), SendInput{ConversationID: "c1", SenderID: "alice", Body: "hi"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if m.CreatedAt == 0 || m.ID == "" {
		t.Fatalf("server must assign id and timestamp: %+v", m)
	}
	if len(m.ReadBy) != 0 || len(m.DeliveredTo) != 0 {
		t.Fatalf("new message must start with empty acks")
	}
	select {
	case ev := <-sub.C:
		if len(ev.Added) != 1 || ev.Added[0].ID != m.ID {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatalf("send did not publish")
	}
}

func TestSendCreatesPairConversationImplicitly(t *testing.T) {
	svc, docs, _ := newTestService(t)
	key := models.PairKey("alice", "bob")
	if _, err := svc.Send(context.Background(), SendInput{ConversationID: key, SenderID: "alice", Body: "hi"}); err != nil {
		t.Fatalf("send into fresh pair thread: %v", err)
	}
	c, err := docs.GetConversation(key)
	if err != nil || len(c.Participants) != 2 {
		t.Fatalf("pair conversation not materialized: %+v err=%v", c, err)
	}
	// an outsider cannot conjure a pair thread for others
	other := models.PairKey("bob", "carol")
	if _, err := svc.Send(context.Background(), SendInput{ConversationID: other, SenderID: "mallory", Body: "hi"}); !errors.Is(err, ErrValidation) {
		t.Fatalf("want ErrValidation for foreign pair key, got %v", err)
	}
}

func TestReplySnippetTruncatedAndFrozen(t *testing.T) {
	svc, docs, _ := newTestService(t)
	seedConv(docs, "c1", "alice", "bob")
	ctx := context.Background()

	long := ""
	for i := 0; i < 30; i++ {
		long += "0123456789"
	}
	orig, err := svc.Send(ctx, SendInput{ConversationID: "c1", SenderID: "alice", Body: long})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	reply, err := svc.Send(ctx, SendInput{ConversationID: "c1", SenderID: "bob", Body: "re", ReplyTo: orig.ID})
	if err != nil {
		t.Fatalf("reply: %v", err)
	}
	if reply.ReplyTo == nil || len([]rune(reply.ReplyTo.Snippet)) != replySnippetMax {
		t.Fatalf("snippet not truncated: %+v", reply.ReplyTo)
	}

	// tombstoning the original must not blank out the existing reference
	if err := svc.MarkDeleted(ctx, orig.ID, "alice"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	got, _ := docs.GetMessage(reply.ID)
	if got.ReplyTo.Snippet == "" {
		t.Fatalf("existing reply reference must survive the tombstone")
	}
	// but a reply made after deletion carries no body snippet
	reply2, err := svc.Send(ctx, SendInput{ConversationID: "c1", SenderID: "bob", Body: "re2", ReplyTo: orig.ID})
	if err != nil {
		t.Fatalf("reply after delete: %v", err)
	}
	if reply2.ReplyTo.Snippet != "" {
		t.Fatalf("tombstoned target must not leak its body")
	}
	if _, err := svc.Send(ctx, SendInput{ConversationID: "c1", SenderID: "bob", Body: "re3", ReplyTo: "ghost"}); !errors.Is(err, ErrValidation) {
		t.Fatalf("want ErrValidation for unknown reply target, got %v", err)
	}
}

func TestDeleteSemantics(t *testing.T) {
	svc, docs, _ := newTestService(t, "admin")
	seedConv(docs, "c1", "alice", "bob")
	ctx := context.Background()
	m, _ := svc.Send(ctx, SendInput{ConversationID: "c1", SenderID: "alice", Body: "oops"})

	if err := svc.MarkDeleted(ctx, m.ID, "bob"); !errors.Is(err, ErrPermission) {
		t.Fatalf("non-sender delete: want ErrPermission, got %v", err)
	}
	if err := svc.MarkDeleted(ctx, m.ID, "alice"); err != nil {
		t.Fatalf("sender delete: %v", err)
	}
	got, _ := docs.GetMessage(m.ID)
	if !got.Deleted || got.DeletedAt == 0 {
		t.Fatalf("tombstone not recorded: %+v", got)
	}
	// repeat delete is a quiet no-op
	if err := svc.MarkDeleted(ctx, m.ID, "alice"); err != nil {
		t.Fatalf("repeat delete should be a no-op: %v", err)
	}

	// body frozen after delete
	if _, err := svc.EditBody(ctx, m.ID, "alice", "new"); !errors.Is(err, ErrValidation) {
		t.Fatalf("edit after delete: want ErrValidation, got %v", err)
	}
	// reactions and receipts stay mutable on tombstones
	if err := svc.AddReaction(ctx, m.ID, "bob", "👍"); err != nil {
		t.Fatalf("reaction on tombstone: %v", err)
	}
	if err := svc.MarkRead(ctx, "c1", "bob"); err != nil {
		t.Fatalf("read on tombstone: %v", err)
	}
	got, _ = docs.GetMessage(m.ID)
	if !got.HasRead("bob") || len(got.Reactions["👍"]) != 1 {
		t.Fatalf("tombstone lost mutable state: %+v", got)
	}

	// admin may delete someone else's message
	m2, _ := svc.Send(ctx, SendInput{ConversationID: "c1", SenderID: "bob", Body: "x"})
	if err := svc.MarkDeleted(ctx, m2.ID, "admin"); err != nil {
		t.Fatalf("admin delete: %v", err)
	}
}

func TestReactionPermissions(t *testing.T) {
	svc, docs, _ := newTestService(t)
	seedConv(docs, "c1", "alice", "bob")
	ctx := context.Background()
	m, _ := svc.Send(ctx, SendInput{ConversationID: "c1", SenderID: "alice", Body: "hi"})

	if err := svc.AddReaction(ctx, m.ID, "mallory", "👍"); !errors.Is(err, ErrPermission) {
		t.Fatalf("outsider reaction: want ErrPermission, got %v", err)
	}
	if err := svc.AddReaction(ctx, m.ID, "bob", ""); !errors.Is(err, ErrValidation) {
		t.Fatalf("empty emoji: want ErrValidation, got %v", err)
	}
	if err := svc.AddReaction(ctx, m.ID, "bob", "👍"); err != nil {
		t.Fatalf("react: %v", err)
	}
	saves := docs.saves
	// duplicate is a no-op and writes nothing
	if err := svc.AddReaction(ctx, m.ID, "bob", "👍"); err != nil {
		t.Fatalf("duplicate react: %v", err)
	}
	if docs.saves != saves {
		t.Fatalf("duplicate reaction should not write")
	}
	if err := svc.RemoveReaction(ctx, m.ID, "bob", "👍"); err != nil {
		t.Fatalf("unreact: %v", err)
	}
}

func TestMarkReadIsBulkMonotonicAndSkipsOwn(t *testing.T) {
	svc, docs, broker := newTestService(t)
	seedConv(docs, "c1", "alice", "bob")
	ctx := context.Background()

	var sent []models.Message
	for i := 0; i < 3; i++ {
		m, err := svc.Send(ctx, SendInput{ConversationID: "c1", SenderID: "alice", Body: fmt.Sprintf("m%d", i)})
		if err != nil {
			t.Fatalf("send: %v", err)
		}
		sent = append(sent, m)
	}
	own, _ := svc.Send(ctx, SendInput{ConversationID: "c1", SenderID: "bob", Body: "mine"})

	sub := broker.Subscribe(stream.MessageTopic("c1"))
	defer sub.Close()

	saves := docs.saves
	if err := svc.MarkRead(ctx, "c1", "bob"); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if docs.saves != saves+1 {
		t.Fatalf("bulk read must be one batch write, got %d", docs.saves-saves)
	}
	for _, m := range sent {
		got, _ := docs.GetMessage(m.ID)
		if !got.HasRead("bob") || !got.HasDelivered("bob") {
			t.Fatalf("message %s missing read ack", m.ID)
		}
	}
	gotOwn, _ := docs.GetMessage(own.ID)
	if gotOwn.HasRead("bob") {
		t.Fatalf("own message must be skipped")
	}

	select {
	case ev := <-sub.C:
		if len(ev.Modified) != 3 {
			t.Fatalf("want one event with 3 modified, got %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatalf("mark read did not publish")
	}

	// idempotent: second pass writes nothing
	saves = docs.saves
	if err := svc.MarkRead(ctx, "c1", "bob"); err != nil {
		t.Fatalf("repeat mark read: %v", err)
	}
	if docs.saves != saves {
		t.Fatalf("repeat mark read should not write")
	}

	if err := svc.MarkRead(ctx, "c1", "mallory"); !errors.Is(err, ErrPermission) {
		t.Fatalf("outsider read: want ErrPermission, got %v", err)
	}
}

func TestUnreadCount(t *testing.T) {
	svc, docs, _ := newTestService(t)
	seedConv(docs, "c1", "alice", "bob")
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		if _, err := svc.Send(ctx, SendInput{ConversationID: "c1", SenderID: "alice", Body: "x"}); err != nil {
			t.Fatalf("send: %v", err)
		}
	}
	if _, err := svc.Send(ctx, SendInput{ConversationID: "c1", SenderID: "bob", Body: "own"}); err != nil {
		t.Fatalf("send: %v", err)
	}

	n, err := svc.UnreadCount(ctx, "c1", "bob")
	if err != nil || n != 4 {
		t.Fatalf("want 4 unread, got %d err=%v", n, err)
	}
	if err := svc.MarkRead(ctx, "c1", "bob"); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if n, _ = svc.UnreadCount(ctx, "c1", "bob"); n != 0 {
		t.Fatalf("unread must drop to 0 after read, got %d", n)
	}
}

func TestTransientWritesAreRetried(t *testing.T) {
	svc, docs, _ := newTestService(t)
	seedConv(docs, "c1", "alice", "bob")
	ctx := context.Background()

	docs.failNext = 2 // two transient failures, third attempt succeeds
	if _, err := svc.Send(ctx, SendInput{ConversationID: "c1", SenderID: "alice", Body: "hi"}); err != nil {
		t.Fatalf("send should survive transient failures: %v", err)
	}

	docs.failNext = 3 // exhausts all attempts
	if _, err := svc.Send(ctx, SendInput{ConversationID: "c1", SenderID: "alice", Body: "hi"}); !errors.Is(err, ErrTransient) {
		t.Fatalf("want ErrTransient after exhausted retries, got %v", err)
	}
}

func TestSetTypingAndStatus(t *testing.T) {
	svc, docs, broker := newTestService(t, "admin")
	seedConv(docs, "c1", "alice", "bob")
	ctx := context.Background()

	convSub := broker.Subscribe(stream.ConversationTopic("c1"))
	defer convSub.Close()
	if err := svc.SetTyping(ctx, "c1", "alice", true); err != nil {
		t.Fatalf("set typing: %v", err)
	}
	select {
	case ev := <-convSub.C:
		if ev.Conversation == nil || ev.Conversation.TypingUsers["alice"] == 0 {
			t.Fatalf("typing update not carried: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatalf("typing did not publish")
	}
	if err := svc.SetTyping(ctx, "c1", "mallory", true); !errors.Is(err, ErrPermission) {
		t.Fatalf("outsider typing: want ErrPermission, got %v", err)
	}

	if err := svc.SetStatus(ctx, "alice", "alice", "busy", "🛠"); err != nil {
		t.Fatalf("set status: %v", err)
	}
	p, _ := docs.GetPresence("alice")
	if p.Status != models.StatusBusy || p.LastSeen == 0 {
		t.Fatalf("status not stored: %+v", p)
	}
	if err := svc.SetStatus(ctx, "bob", "alice", "away", ""); !errors.Is(err, ErrPermission) {
		t.Fatalf("presence is self-write only, got %v", err)
	}
	if err := svc.SetStatus(ctx, "admin", "alice", "away", ""); err != nil {
		t.Fatalf("admin override: %v", err)
	}
	if err := svc.SetStatus(ctx, "alice", "alice", "sleeping", ""); !errors.Is(err, ErrValidation) {
		t.Fatalf("invalid status: want ErrValidation, got %v", err)
	}
}

func TestWindowAndHistory(t *testing.T) {
	svc, docs, _ := newTestService(t)
	seedConv(docs, "c1", "alice", "bob")
	ctx := context.Background()
	var all []models.Message
	for i := 0; i < 10; i++ {
		m, _ := svc.Send(ctx, SendInput{ConversationID: "c1", SenderID: "alice", Body: fmt.Sprintf("m%d", i)})
		all = append(all, m)
	}
	win, err := svc.Window(ctx, "c1", 4)
	if err != nil || len(win) != 4 {
		t.Fatalf("window: %v len=%d", err, len(win))
	}
	if win[3].ID != all[9].ID || win[0].ID != all[6].ID {
		t.Fatalf("window should be newest 4 ascending")
	}
	page, err := svc.History(ctx, "c1", win[0].CreatedAt, 3)
	if err != nil || len(page) != 3 {
		t.Fatalf("history: %v len=%d", err, len(page))
	}
	if page[0].ID != all[5].ID {
		t.Fatalf("history should start just below the cursor, got %s", page[0].ID)
	}
}
