package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"

	"choptso/pkg/logger"
	"choptso/pkg/models"
)

// ErrNotFound is returned when a document does not exist.
var ErrNotFound = errors.New("store: not found")

// Store is a Pebble-backed document store holding messages, conversation
// documents and presence documents. It is handed to its consumers as an
// explicit dependency; there is no package-level handle.
type Store struct {
	db   *pebble.DB
	path string
	// seq disambiguates version keys when two mutations of the same
	// message land in the same nanosecond.
	seq    uint64
	writes uint64
}

// Open opens (or creates) a Pebble database at the given path.
func Open(path string) (*Store, error) {
	logger.Info("opening_store", "path", path)
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		logger.Error("store_open_failed", "path", path, "error", err)
		return nil, err
	}
	return &Store{db: db, path: path}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	logger.Info("store_closed", "path", s.path)
	return err
}

// Ready reports whether the store is opened and usable.
func (s *Store) Ready() bool { return s != nil && s.db != nil }

// Writes returns the total number of committed document writes.
func (s *Store) Writes() uint64 { return atomic.LoadUint64(&s.writes) }

// SaveMessage writes one message: the row, the latest pointer and an audit
// version, atomically.
func (s *Store) SaveMessage(m models.Message) error {
	return s.SaveMessages([]models.Message{m})
}

// SaveMessages commits several messages in a single batch. Callers rely on
// this for read receipts: every row of a markRead pass lands in one commit,
// so an unread count derived from the store can never observe a partial
// update.
func (s *Store) SaveMessages(ms []models.Message) error {
	if s.db == nil {
		return fmt.Errorf("store not opened; call store.Open first")
	}
	if len(ms) == 0 {
		return nil
	}
	b := s.db.NewBatch()
	defer b.Close()
	now := time.Now().UTC().UnixNano()
	for _, m := range ms {
		if m.ID == "" || m.Conversation == "" || m.CreatedAt == 0 {
			return fmt.Errorf("message missing id, conversation or created_at")
		}
		data, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("marshal message: %w", err)
		}
		seq := atomic.AddUint64(&s.seq, 1)
		if err := b.Set(msgKey(m.Conversation, m.CreatedAt, m.ID), data, nil); err != nil {
			return err
		}
		if err := b.Set(latestKey(m.ID), data, nil); err != nil {
			return err
		}
		if err := b.Set(versionKey(m.ID, now, seq), data, nil); err != nil {
			return err
		}
	}
	if err := s.db.Apply(b, pebble.Sync); err != nil {
		logger.Error("save_messages_failed", "count", len(ms), "error", err)
		return err
	}
	atomic.AddUint64(&s.writes, uint64(len(ms)))
	return nil
}

// GetMessage returns the latest version of a message by id.
func (s *Store) GetMessage(id string) (models.Message, error) {
	var m models.Message
	if s.db == nil {
		return m, fmt.Errorf("store not opened; call store.Open first")
	}
	v, closer, err := s.db.Get(latestKey(id))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return m, ErrNotFound
		}
		return m, err
	}
	defer closer.Close()
	if err := json.Unmarshal(v, &m); err != nil {
		return m, fmt.Errorf("invalid stored message %s: %w", id, err)
	}
	return m, nil
}

// ListMessages returns messages of a conversation in createdAt ascending
// order. limit > 0 returns only the most recent limit messages (the live
// window); limit <= 0 returns everything.
func (s *Store) ListMessages(convID string, limit int) ([]models.Message, error) {
	if s.db == nil {
		return nil, fmt.Errorf("store not opened; call store.Open first")
	}
	prefix := convMsgPrefix(convID)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []models.Message
	// walk backward so a window read stops after limit rows
	for ok := iter.Last(); ok; ok = iter.Prev() {
		var m models.Message
		if err := json.Unmarshal(iter.Value(), &m); err != nil {
			return nil, fmt.Errorf("invalid stored message row: %w", err)
		}
		out = append(out, m)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	// reverse into ascending order
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// ListMessagesBefore returns up to limit messages strictly older than the
// before cursor (ns), newest first. This backs history pagination.
func (s *Store) ListMessagesBefore(convID string, before int64, limit int) ([]models.Message, error) {
	if s.db == nil {
		return nil, fmt.Errorf("store not opened; call store.Open first")
	}
	if limit <= 0 {
		limit = 50
	}
	prefix := convMsgPrefix(convID)
	upper := []byte(fmt.Sprintf("conv:%s:msg:%020d", convID, before))
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: upper,
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []models.Message
	for ok := iter.Last(); ok && len(out) < limit; ok = iter.Prev() {
		var m models.Message
		if err := json.Unmarshal(iter.Value(), &m); err != nil {
			return nil, fmt.Errorf("invalid stored message row: %w", err)
		}
		out = append(out, m)
	}
	return out, iter.Error()
}

// ListMessageVersions returns every stored version of a message in
// mutation order. Tombstoned messages keep their full history.
func (s *Store) ListMessageVersions(msgID string) ([]models.Message, error) {
	if s.db == nil {
		return nil, fmt.Errorf("store not opened; call store.Open first")
	}
	prefix := versionPrefix(msgID)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var out []models.Message
	for ok := iter.First(); ok; ok = iter.Next() {
		var m models.Message
		if err := json.Unmarshal(iter.Value(), &m); err != nil {
			return nil, fmt.Errorf("invalid stored message version: %w", err)
		}
		out = append(out, m)
	}
	return out, iter.Error()
}

// SaveConversation stores the conversation document.
func (s *Store) SaveConversation(c models.Conversation) error {
	if s.db == nil {
		return fmt.Errorf("store not opened; call store.Open first")
	}
	if c.ID == "" {
		return fmt.Errorf("conversation missing id")
	}
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal conversation: %w", err)
	}
	if err := s.db.Set(convMetaKey(c.ID), data, pebble.Sync); err != nil {
		logger.Error("save_conversation_failed", "conversation", c.ID, "error", err)
		return err
	}
	atomic.AddUint64(&s.writes, 1)
	return nil
}

// GetConversation returns the conversation document by id.
func (s *Store) GetConversation(id string) (models.Conversation, error) {
	var c models.Conversation
	if s.db == nil {
		return c, fmt.Errorf("store not opened; call store.Open first")
	}
	v, closer, err := s.db.Get(convMetaKey(id))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return c, ErrNotFound
		}
		return c, err
	}
	defer closer.Close()
	if err := json.Unmarshal(v, &c); err != nil {
		return c, fmt.Errorf("invalid stored conversation %s: %w", id, err)
	}
	return c, nil
}

// ListConversationsFor returns every conversation the user participates in.
func (s *Store) ListConversationsFor(user string) ([]models.Conversation, error) {
	if s.db == nil {
		return nil, fmt.Errorf("store not opened; call store.Open first")
	}
	prefix := []byte("conv:")
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var out []models.Conversation
	metaSuffix := []byte(":meta")
	for ok := iter.First(); ok; ok = iter.Next() {
		k := iter.Key()
		if len(k) < len(metaSuffix) || string(k[len(k)-len(metaSuffix):]) != string(metaSuffix) {
			continue
		}
		var c models.Conversation
		if err := json.Unmarshal(iter.Value(), &c); err != nil {
			continue
		}
		if user == "" || c.HasParticipant(user) {
			out = append(out, c)
		}
	}
	return out, iter.Error()
}

// SavePresence stores a presence document.
func (s *Store) SavePresence(p models.Presence) error {
	if s.db == nil {
		return fmt.Errorf("store not opened; call store.Open first")
	}
	if p.UserID == "" {
		return fmt.Errorf("presence missing user id")
	}
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal presence: %w", err)
	}
	if err := s.db.Set(presenceKey(p.UserID), data, pebble.Sync); err != nil {
		logger.Error("save_presence_failed", "user", p.UserID, "error", err)
		return err
	}
	atomic.AddUint64(&s.writes, 1)
	return nil
}

// GetPresence returns the presence document for user.
func (s *Store) GetPresence(user string) (models.Presence, error) {
	var p models.Presence
	if s.db == nil {
		return p, fmt.Errorf("store not opened; call store.Open first")
	}
	v, closer, err := s.db.Get(presenceKey(user))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return p, ErrNotFound
		}
		return p, err
	}
	defer closer.Close()
	if err := json.Unmarshal(v, &p); err != nil {
		return p, fmt.Errorf("invalid stored presence %s: %w", user, err)
	}
	return p, nil
}

// ListPresence returns all stored presence documents.
func (s *Store) ListPresence() ([]models.Presence, error) {
	if s.db == nil {
		return nil, fmt.Errorf("store not opened; call store.Open first")
	}
	prefix := []byte("presence:")
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var out []models.Presence
	for ok := iter.First(); ok; ok = iter.Next() {
		var p models.Presence
		if err := json.Unmarshal(iter.Value(), &p); err != nil {
			continue
		}
		out = append(out, p)
	}
	return out, iter.Error()
}

// TrimVersions deletes audit versions written before the cutoff (ns). The
// latest pointer and the message row itself are never touched; tombstones
// stay readable forever. Returns the number of versions removed (or that
// would be removed when dryRun).
func (s *Store) TrimVersions(cutoff int64, dryRun bool) (int, error) {
	if s.db == nil {
		return 0, fmt.Errorf("store not opened; call store.Open first")
	}
	prefix := []byte("version:msg:")
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	b := s.db.NewBatch()
	defer b.Close()
	removed := 0
	for ok := iter.First(); ok; ok = iter.Next() {
		k := iter.Key()
		// key tail is <%020d>-<seq>; the mutation timestamp starts 21+6
		// bytes from the end
		if len(k) < 27 {
			continue
		}
		var ts int64
		if _, err := fmt.Sscanf(string(k[len(k)-27:len(k)-7]), "%d", &ts); err != nil {
			continue
		}
		if ts >= cutoff {
			continue
		}
		removed++
		if !dryRun {
			if err := b.Delete(append([]byte(nil), k...), nil); err != nil {
				return removed, err
			}
		}
	}
	if err := iter.Error(); err != nil {
		return removed, err
	}
	if dryRun || removed == 0 {
		return removed, nil
	}
	if err := s.db.Apply(b, pebble.Sync); err != nil {
		return removed, err
	}
	logger.Info("versions_trimmed", "count", removed)
	return removed, nil
}
