package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"choptso/pkg/config"
	"choptso/pkg/logger"
	"choptso/pkg/models"
	"choptso/pkg/store"
	"choptso/pkg/stream"
	"choptso/pkg/utils"
)

// Docs is the document-store contract the adapter writes through. The
// Pebble store satisfies it; a hosted backend client would too.
type Docs interface {
	SaveMessage(models.Message) error
	SaveMessages([]models.Message) error
	GetMessage(string) (models.Message, error)
	ListMessages(convID string, limit int) ([]models.Message, error)
	ListMessagesBefore(convID string, before int64, limit int) ([]models.Message, error)
	ListMessageVersions(string) ([]models.Message, error)
	SaveConversation(models.Conversation) error
	GetConversation(string) (models.Conversation, error)
	ListConversationsFor(string) ([]models.Conversation, error)
	SavePresence(models.Presence) error
	GetPresence(string) (models.Presence, error)
}

const replySnippetMax = 80

// Service translates local operations into document mutations and publishes
// the resulting change batches. All entry points take a context; every
// remote write is bounded by the configured request timeout and transient
// failures are retried with backoff.
type Service struct {
	docs   Docs
	broker *stream.Broker
	cfg    config.SyncConfig
	admins map[string]struct{}
	// nowFn is swappable in tests.
	nowFn func() int64
}

// NewService constructs the adapter. admins may tombstone any message and
// override presence documents.
func NewService(docs Docs, broker *stream.Broker, cfg config.SyncConfig, admins []string) *Service {
	am := make(map[string]struct{}, len(admins))
	for _, a := range admins {
		am[a] = struct{}{}
	}
	return &Service{
		docs:   docs,
		broker: broker,
		cfg:    cfg,
		admins: am,
		nowFn:  func() int64 { return time.Now().UTC().UnixNano() },
	}
}

// SetClock overrides the timestamp source. Test hook.
func (s *Service) SetClock(fn func() int64) { s.nowFn = fn }

// IsAdmin reports whether the identity holds administrative privilege.
func (s *Service) IsAdmin(id string) bool {
	_, ok := s.admins[id]
	return ok
}

func (s *Service) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if d := s.cfg.RequestTimeout.Duration(); d > 0 {
		return context.WithTimeout(ctx, d)
	}
	return ctx, func() {}
}

func (s *Service) write(ctx context.Context, fn func() error) error {
	return withRetry(ctx, s.cfg.RetryAttempts, s.cfg.RetryBackoff.Duration(), fn)
}

// SendInput describes a send operation. ReplyTo optionally names an
// existing message id; the denormalized reference is built here.
type SendInput struct {
	// ID, when set, is used instead of a generated id. The write fast path
	// pre-assigns ids so it can acknowledge before the op is applied.
	ID             string
	ConversationID string
	SenderID       string
	SenderName     string
	Body           string
	Attachment     string
	ReplyTo        string
}

// Send creates a message with empty acknowledgement sets and a
// server-assigned timestamp. The conversation for a deterministic pairwise
// key is created implicitly on first send.
func (s *Service) Send(ctx context.Context, in SendInput) (models.Message, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var m models.Message
	if strings.TrimSpace(in.Body) == "" && in.Attachment == "" {
		return m, fmt.Errorf("%w: empty body and no attachment", ErrValidation)
	}
	if in.SenderID == "" {
		return m, fmt.Errorf("%w: missing sender", ErrValidation)
	}

	conv, err := s.conversationForSend(in.ConversationID, in.SenderID)
	if err != nil {
		return m, err
	}

	id := in.ID
	if id == "" {
		id = utils.GenID()
	}
	now := s.nowFn()
	m = models.Message{
		ID:           id,
		Conversation: conv.ID,
		SenderID:     in.SenderID,
		SenderName:   in.SenderName,
		Body:         in.Body,
		Attachment:   in.Attachment,
		CreatedAt:    now,
	}
	if in.ReplyTo != "" {
		ref, rerr := s.buildReplyRef(in.ReplyTo)
		if rerr != nil {
			return models.Message{}, rerr
		}
		m.ReplyTo = ref
	}

	if err := s.write(ctx, func() error { return s.docs.SaveMessage(m) }); err != nil {
		return models.Message{}, err
	}
	conv.UpdatedAt = now
	if err := s.write(ctx, func() error { return s.docs.SaveConversation(conv) }); err != nil {
		logger.Warn("conversation_touch_failed", "conversation", conv.ID, "error", err)
	}
	s.broker.Publish(stream.MessageTopic(conv.ID), stream.Event{Added: []models.Message{m}})
	logger.Info("message_sent", "conversation", conv.ID, "id", m.ID, "sender", in.SenderID)
	return m, nil
}

func (s *Service) conversationForSend(convID, sender string) (models.Conversation, error) {
	if convID == "" {
		return models.Conversation{}, fmt.Errorf("%w: missing conversation id", ErrValidation)
	}
	conv, err := s.docs.GetConversation(convID)
	if errors.Is(err, store.ErrNotFound) {
		// pairwise threads materialize on first message
		if models.IsPairKey(convID) {
			parts := strings.SplitN(convID, ":", 3)
			if len(parts) == 3 && (parts[1] == sender || parts[2] == sender) {
				conv = models.Conversation{
					ID:           convID,
					Participants: []string{parts[1], parts[2]},
					CreatedAt:    s.nowFn(),
				}
				if serr := s.docs.SaveConversation(conv); serr != nil {
					return conv, serr
				}
				return conv, nil
			}
		}
		return conv, fmt.Errorf("%w: unknown conversation %s", ErrValidation, convID)
	}
	if err != nil {
		return conv, err
	}
	if !conv.HasParticipant(sender) {
		return conv, fmt.Errorf("%w: %s is not a participant of %s", ErrValidation, sender, convID)
	}
	return conv, nil
}

func (s *Service) buildReplyRef(msgID string) (*models.ReplyRef, error) {
	orig, err := s.docs.GetMessage(msgID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: reply target %s not found", ErrValidation, msgID)
	}
	if err != nil {
		return nil, err
	}
	snippet := orig.Body
	if orig.Deleted {
		snippet = ""
	}
	if r := []rune(snippet); len(r) > replySnippetMax {
		snippet = string(r[:replySnippetMax])
	}
	return &models.ReplyRef{MessageID: orig.ID, SenderName: orig.SenderName, Snippet: snippet}, nil
}

// CreateConversation creates a group or broadcast conversation explicitly.
func (s *Service) CreateConversation(ctx context.Context, participants []string, broadcast bool) (models.Conversation, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	var c models.Conversation
	if len(participants) < 2 {
		return c, fmt.Errorf("%w: a conversation needs at least two participants", ErrValidation)
	}
	c = models.Conversation{
		ID:           utils.GenConversationID(),
		Participants: append([]string(nil), participants...),
		Broadcast:    broadcast,
		CreatedAt:    s.nowFn(),
	}
	if broadcast {
		c.ID = models.BroadcastID
	}
	if err := s.write(ctx, func() error { return s.docs.SaveConversation(c) }); err != nil {
		return models.Conversation{}, err
	}
	logger.Info("conversation_created", "id", c.ID, "participants", len(c.Participants))
	return c, nil
}

// MarkDeleted tombstones a message. Only the original sender or an admin
// may do this; tombstoning an already-deleted message is a no-op, not an
// error. The body is never mutated again afterwards.
func (s *Service) MarkDeleted(ctx context.Context, msgID, actor string) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	m, err := s.docs.GetMessage(msgID)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: unknown message %s", ErrValidation, msgID)
	}
	if err != nil {
		return err
	}
	if m.Deleted {
		return nil
	}
	if actor != m.SenderID && !s.IsAdmin(actor) {
		return fmt.Errorf("%w: %s cannot delete message from %s", ErrPermission, actor, m.SenderID)
	}
	m.Deleted = true
	m.DeletedAt = s.nowFn()
	if err := s.write(ctx, func() error { return s.docs.SaveMessage(m) }); err != nil {
		return err
	}
	s.broker.Publish(stream.MessageTopic(m.Conversation), stream.Event{Modified: []models.Message{m}})
	logger.Info("message_deleted", "id", m.ID, "actor", actor)
	return nil
}

// EditBody replaces a message body. Sender only, and rejected once the
// message is tombstoned.
func (s *Service) EditBody(ctx context.Context, msgID, actor, body string) (models.Message, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	m, err := s.docs.GetMessage(msgID)
	if errors.Is(err, store.ErrNotFound) {
		return m, fmt.Errorf("%w: unknown message %s", ErrValidation, msgID)
	}
	if err != nil {
		return m, err
	}
	if m.Deleted {
		return m, fmt.Errorf("%w: message %s is deleted; body is frozen", ErrValidation, msgID)
	}
	if actor != m.SenderID {
		return m, fmt.Errorf("%w: only the sender may edit", ErrPermission)
	}
	if strings.TrimSpace(body) == "" && m.Attachment == "" {
		return m, fmt.Errorf("%w: empty body and no attachment", ErrValidation)
	}
	m.Body = body
	if err := s.write(ctx, func() error { return s.docs.SaveMessage(m) }); err != nil {
		return m, err
	}
	s.broker.Publish(stream.MessageTopic(m.Conversation), stream.Event{Modified: []models.Message{m}})
	return m, nil
}

// AddReaction records a reaction. Participants only; a user may hold
// several simultaneous reactions on one message. Reactions stay mutable on
// tombstoned messages.
func (s *Service) AddReaction(ctx context.Context, msgID, user, emoji string) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	if emoji == "" {
		return fmt.Errorf("%w: missing reaction", ErrValidation)
	}
	m, conv, err := s.messageWithConversation(msgID)
	if err != nil {
		return err
	}
	if !conv.HasParticipant(user) {
		return fmt.Errorf("%w: %s is not a participant of %s", ErrPermission, user, conv.ID)
	}
	if !m.AddReaction(emoji, user) {
		return nil
	}
	if err := s.write(ctx, func() error { return s.docs.SaveMessage(m) }); err != nil {
		return err
	}
	s.broker.Publish(stream.MessageTopic(m.Conversation), stream.Event{Modified: []models.Message{m}})
	return nil
}

// RemoveReaction removes a reaction; no-op if absent.
func (s *Service) RemoveReaction(ctx context.Context, msgID, user, emoji string) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	m, conv, err := s.messageWithConversation(msgID)
	if err != nil {
		return err
	}
	if !conv.HasParticipant(user) {
		return fmt.Errorf("%w: %s is not a participant of %s", ErrPermission, user, conv.ID)
	}
	if !m.RemoveReaction(emoji, user) {
		return nil
	}
	if err := s.write(ctx, func() error { return s.docs.SaveMessage(m) }); err != nil {
		return err
	}
	s.broker.Publish(stream.MessageTopic(m.Conversation), stream.Event{Modified: []models.Message{m}})
	return nil
}

func (s *Service) messageWithConversation(msgID string) (models.Message, models.Conversation, error) {
	m, err := s.docs.GetMessage(msgID)
	if errors.Is(err, store.ErrNotFound) {
		return m, models.Conversation{}, fmt.Errorf("%w: unknown message %s", ErrValidation, msgID)
	}
	if err != nil {
		return m, models.Conversation{}, err
	}
	conv, err := s.docs.GetConversation(m.Conversation)
	if err != nil {
		return m, conv, fmt.Errorf("conversation lookup for %s: %w", msgID, err)
	}
	return m, conv, nil
}

// MarkDelivered acknowledges delivery of every message in the conversation
// addressed to user. Monotonic and idempotent.
func (s *Service) MarkDelivered(ctx context.Context, convID, user string) error {
	return s.ack(ctx, convID, user, func(m *models.Message) bool { return m.MarkDelivered(user) })
}

// MarkRead acknowledges reading of every message in the conversation
// addressed to user. A reader is inserted into delivered_to as well, own
// messages are skipped, and all rows commit in one batch so the derived
// unread count drops to zero atomically.
func (s *Service) MarkRead(ctx context.Context, convID, user string) error {
	return s.ack(ctx, convID, user, func(m *models.Message) bool { return m.MarkRead(user) })
}

func (s *Service) ack(ctx context.Context, convID, user string, apply func(*models.Message) bool) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	conv, err := s.docs.GetConversation(convID)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: unknown conversation %s", ErrValidation, convID)
	}
	if err != nil {
		return err
	}
	if !conv.HasParticipant(user) {
		return fmt.Errorf("%w: %s is not a participant of %s", ErrPermission, user, convID)
	}
	msgs, err := s.docs.ListMessages(convID, 0)
	if err != nil {
		return err
	}
	var changed []models.Message
	for i := range msgs {
		m := &msgs[i]
		if m.SenderID == user {
			continue
		}
		if apply(m) {
			changed = append(changed, *m)
		}
	}
	if len(changed) == 0 {
		return nil
	}
	if err := s.write(ctx, func() error { return s.docs.SaveMessages(changed) }); err != nil {
		return err
	}
	s.broker.Publish(stream.MessageTopic(convID), stream.Event{Modified: changed})
	logger.Debug("receipts_updated", "conversation", convID, "user", user, "count", len(changed))
	return nil
}

// SetTyping writes the user's typing state into the conversation document.
// The read side filters entries by staleness, so a lost clear can never
// stick a "typing" indicator.
func (s *Service) SetTyping(ctx context.Context, convID, user string, typing bool) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	conv, err := s.docs.GetConversation(convID)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: unknown conversation %s", ErrValidation, convID)
	}
	if err != nil {
		return err
	}
	if !conv.HasParticipant(user) {
		return fmt.Errorf("%w: %s is not a participant of %s", ErrPermission, user, convID)
	}
	if typing {
		if conv.TypingUsers == nil {
			conv.TypingUsers = map[string]int64{}
		}
		conv.TypingUsers[user] = s.nowFn()
	} else {
		delete(conv.TypingUsers, user)
	}
	if err := s.write(ctx, func() error { return s.docs.SaveConversation(conv) }); err != nil {
		return err
	}
	cc := conv
	s.broker.Publish(stream.ConversationTopic(convID), stream.Event{Conversation: &cc})
	return nil
}

// SetStatus writes a presence document. Self-writes only, administrative
// override aside.
func (s *Service) SetStatus(ctx context.Context, actor, user, status, emoji string) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	if actor != user && !s.IsAdmin(actor) {
		return fmt.Errorf("%w: presence for %s is self-write only", ErrPermission, user)
	}
	if !models.ValidStatus(status) {
		return fmt.Errorf("%w: invalid status %q", ErrValidation, status)
	}
	p := models.Presence{UserID: user, Status: status, LastSeen: s.nowFn(), Emoji: emoji}
	if err := s.write(ctx, func() error { return s.docs.SavePresence(p) }); err != nil {
		return err
	}
	pp := p
	s.broker.Publish(stream.PresenceTopic(user), stream.Event{Presence: &pp})
	return nil
}

// UnreadCount derives the number of messages in the conversation addressed
// to user that user has not read. Senders never count their own messages.
func (s *Service) UnreadCount(ctx context.Context, convID, user string) (int, error) {
	_, cancel := s.opCtx(ctx)
	defer cancel()
	conv, err := s.docs.GetConversation(convID)
	if errors.Is(err, store.ErrNotFound) {
		return 0, fmt.Errorf("%w: unknown conversation %s", ErrValidation, convID)
	}
	if err != nil {
		return 0, err
	}
	if !conv.HasParticipant(user) {
		return 0, fmt.Errorf("%w: %s is not a participant of %s", ErrPermission, user, convID)
	}
	msgs, err := s.docs.ListMessages(convID, 0)
	if err != nil {
		return 0, err
	}
	n := 0
	for i := range msgs {
		m := &msgs[i]
		if m.SenderID == user || m.HasRead(user) {
			continue
		}
		n++
	}
	return n, nil
}

// Window returns the live view: the most recent limit messages ascending.
func (s *Service) Window(ctx context.Context, convID string, limit int) ([]models.Message, error) {
	_, cancel := s.opCtx(ctx)
	defer cancel()
	if limit <= 0 {
		limit = s.cfg.Window
	}
	return s.docs.ListMessages(convID, limit)
}

// History pages older messages, newest first, strictly before the cursor.
func (s *Service) History(ctx context.Context, convID string, before int64, limit int) ([]models.Message, error) {
	_, cancel := s.opCtx(ctx)
	defer cancel()
	if before == 0 {
		before = s.nowFn() + 1
	}
	return s.docs.ListMessagesBefore(convID, before, limit)
}
