package store

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/AskPipe/internal/models"
)

// InMemoryStore keeps sessions, transcripts and dedup records in process memory.
// It is safe for concurrent use.
type InMemoryStore struct {
	mu          sync.RWMutex
	sessions    map[string]models.Session
	transcripts map[string][]string
	lastSeen    map[string]time.Time
	dedup       map[string]DedupRecord
	maxUsers    int
	closed      bool
}

// Compile-time check that InMemoryStore implements Store.
var _ Store = (*InMemoryStore)(nil)

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore(opts ...Option) *InMemoryStore {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	return &InMemoryStore{
		sessions:    make(map[string]models.Session),
		transcripts: make(map[string][]string),
		lastSeen:    make(map[string]time.Time),
		dedup:       make(map[string]DedupRecord),
		maxUsers:    cfg.MaxTrackedUsers,
	}
}

// touch records activity for userID and enforces the tracked user bound.
// Callers must hold the write lock.
func (s *InMemoryStore) touch(userID string, at time.Time) {
	s.lastSeen[userID] = at
	if s.maxUsers <= 0 || len(s.lastSeen) <= s.maxUsers {
		return
	}
	var oldest string
	var oldestAt time.Time
	for id, seen := range s.lastSeen {
		if id == userID {
			continue
		}
		if oldest == "" || seen.Before(oldestAt) {
			oldest, oldestAt = id, seen
		}
	}
	if oldest != "" {
		s.forget(oldest)
		slog.Debug("InMemoryStore.touch: evicted least recently active user", "user_id", oldest, "max_users", s.maxUsers)
	}
}

func (s *InMemoryStore) forget(userID string) {
	delete(s.sessions, userID)
	delete(s.transcripts, userID)
	delete(s.lastSeen, userID)
}

func (s *InMemoryStore) GetSession(_ context.Context, userID string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	sess, ok := s.sessions[userID]
	if !ok {
		return models.NewSession(userID), nil
	}
	if sess.Pending != nil {
		p := *sess.Pending
		p.Suggestions = append([]string(nil), sess.Pending.Suggestions...)
		sess.Pending = &p
	}
	return &sess, nil
}

func (s *InMemoryStore) SaveSession(_ context.Context, sess *models.Session) error {
	if sess == nil || sess.UserID == "" {
		return models.ErrEmptyRecipient
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	cp := *sess
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now()
	}
	s.sessions[cp.UserID] = cp
	s.touch(cp.UserID, cp.UpdatedAt)
	return nil
}

func (s *InMemoryStore) DeleteSession(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	delete(s.sessions, userID)
	return nil
}

func (s *InMemoryStore) AppendEntry(_ context.Context, userID, entry string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	s.transcripts[userID] = append(s.transcripts[userID], entry)
	s.touch(userID, time.Now())
	return nil
}

func (s *InMemoryStore) TrimEntries(_ context.Context, userID string, max int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrStoreClosed
	}
	entries := s.transcripts[userID]
	removed := 0
	for len(entries) > max {
		entries = entries[1:]
		removed++
	}
	if removed > 0 {
		s.transcripts[userID] = append([]string(nil), entries...)
	}
	return removed, nil
}

func (s *InMemoryStore) Entries(_ context.Context, userID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	entries, ok := s.transcripts[userID]
	if !ok {
		return nil, nil
	}
	return append([]string(nil), entries...), nil
}

func (s *InMemoryStore) ClearTranscript(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	delete(s.transcripts, userID)
	return nil
}

func (s *InMemoryStore) IsDuplicate(_ context.Context, messageID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false, ErrStoreClosed
	}
	_, ok := s.dedup[messageID]
	return ok, nil
}

func (s *InMemoryStore) RecordInbound(_ context.Context, messageID, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrStoreClosed
	}
	if _, ok := s.dedup[messageID]; ok {
		return false, nil
	}
	s.dedup[messageID] = DedupRecord{MessageID: messageID, UserID: userID, ReceivedAt: time.Now()}
	return true, nil
}

func (s *InMemoryStore) MarkProcessed(_ context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	rec, ok := s.dedup[messageID]
	if !ok {
		return nil
	}
	now := time.Now()
	rec.ProcessedAt = &now
	s.dedup[messageID] = rec
	return nil
}

// EvictIdle drops users and dedup records not touched since cutoff.
func (s *InMemoryStore) EvictIdle(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrStoreClosed
	}
	n := 0
	for id, seen := range s.lastSeen {
		if seen.Before(cutoff) {
			s.forget(id)
			n++
		}
	}
	for id, rec := range s.dedup {
		if rec.ReceivedAt.Before(cutoff) {
			delete(s.dedup, id)
		}
	}
	return n, nil
}

// Stats returns the number of tracked sessions and transcripts.
func (s *InMemoryStore) Stats() (sessions, transcripts int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions), len(s.transcripts)
}

// Close marks the store closed. Later operations fail with ErrStoreClosed.
func (s *InMemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
