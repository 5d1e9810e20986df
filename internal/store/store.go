// Package store provides storage backends for AskPipe.
//
// It holds per-user dialogue sessions, per-user conversation transcripts and the
// inbound message deduplication log. The in-memory store is the default; SQLite and
// PostgreSQL backends are selected by DSN.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/AskPipe/internal/models"
)

// ErrStoreClosed is returned by operations on a store that has been closed.
var ErrStoreClosed = errors.New("store is closed")

// SessionStore holds the dialogue session of each user.
type SessionStore interface {
	// GetSession returns the session of userID. A user without a stored session
	// reads as a fresh session in the initial state.
	GetSession(ctx context.Context, userID string) (*models.Session, error)
	// SaveSession stores the session, replacing any previous one.
	SaveSession(ctx context.Context, s *models.Session) error
	// DeleteSession removes the session of userID. Missing sessions are not an error.
	DeleteSession(ctx context.Context, userID string) error
}

// TranscriptStore holds the ordered transcript entries of each user.
type TranscriptStore interface {
	// AppendEntry adds entry at the end of the user's transcript, creating it on miss.
	AppendEntry(ctx context.Context, userID, entry string) error
	// TrimEntries drops the oldest entries until at most max remain.
	// It returns how many entries were removed.
	TrimEntries(ctx context.Context, userID string, max int) (int, error)
	// Entries returns the transcript oldest first. Absent transcripts yield nil.
	Entries(ctx context.Context, userID string) ([]string, error)
	// ClearTranscript removes the whole transcript of userID.
	ClearTranscript(ctx context.Context, userID string) error
}

// Evicter removes state that has not been touched since cutoff.
type Evicter interface {
	EvictIdle(ctx context.Context, cutoff time.Time) (int, error)
}

// Store is the full storage surface used by AskPipe.
type Store interface {
	SessionStore
	TranscriptStore
	DedupRepo
	Evicter
	Close() error
}

// Opts holds configuration options for stores.
type Opts struct {
	DSN             string // database connection string; empty selects the in-memory store
	MaxTrackedUsers int    // in-memory only; 0 means unbounded
}

// Option configures a store.
type Option func(*Opts)

// WithDSN sets the database connection string.
func WithDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return WithDSN(dsn)
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return WithDSN(dsn)
}

// WithMaxTrackedUsers bounds how many users the in-memory store tracks at once.
// When the bound is exceeded the least recently active user is evicted.
func WithMaxTrackedUsers(n int) Option {
	return func(o *Opts) {
		o.MaxTrackedUsers = n
	}
}

// DetectDSNType returns the database/sql driver name for dsn: "postgres" for
// PostgreSQL URLs and keyword DSNs, "sqlite3" for everything else.
func DetectDSNType(dsn string) string {
	lower := strings.ToLower(strings.TrimSpace(dsn))
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") {
		return "postgres"
	}
	if strings.Contains(lower, "host=") || strings.Contains(lower, "dbname=") {
		return "postgres"
	}
	return "sqlite3"
}

// NewStore builds the store selected by the options.
func NewStore(opts ...Option) (Store, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DSN == "" {
		slog.Debug("NewStore: using in-memory store", "max_tracked_users", cfg.MaxTrackedUsers)
		return NewInMemoryStore(opts...), nil
	}

	switch driver := DetectDSNType(cfg.DSN); driver {
	case "postgres":
		slog.Debug("NewStore: using Postgres store")
		s, err := NewPostgresStore(opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create Postgres store: %w", err)
		}
		return s, nil
	default:
		slog.Debug("NewStore: using SQLite store")
		s, err := NewSQLiteStore(opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create SQLite store: %w", err)
		}
		return s, nil
	}
}

// RunSweeper evicts idle state from e every interval until ctx is cancelled.
// State untouched for longer than ttl is removed.
func RunSweeper(ctx context.Context, e Evicter, ttl, interval time.Duration) {
	if ttl <= 0 || interval <= 0 {
		slog.Warn("RunSweeper: non-positive ttl or interval, sweeper disabled", "ttl", ttl, "interval", interval)
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Debug("RunSweeper: stopped")
			return
		case now := <-ticker.C:
			n, err := e.EvictIdle(ctx, now.Add(-ttl))
			if err != nil {
				slog.Error("RunSweeper: eviction failed", "error", err)
				continue
			}
			if n > 0 {
				slog.Info("RunSweeper: evicted idle state", "count", n)
			}
		}
	}
}
