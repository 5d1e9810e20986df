package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/AskPipe/internal/models"
)

// sqlStore implements the Store operations shared by the SQLite and Postgres
// backends. Queries are written with '?' placeholders and rebound per driver.
type sqlStore struct {
	db     *sql.DB
	driver string
}

// rebind rewrites '?' placeholders to '$n' for drivers that need it.
func (s *sqlStore) rebind(query string) string {
	if s.driver != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *sqlStore) exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(query), args...)
}

func (s *sqlStore) GetSession(ctx context.Context, userID string) (*models.Session, error) {
	var state string
	var pendingJSON sql.NullString
	var updatedAt time.Time
	err := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT state, pending_json, updated_at FROM sessions WHERE user_id = ?`), userID,
	).Scan(&state, &pendingJSON, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.NewSession(userID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session failed: %w", err)
	}

	sess := &models.Session{UserID: userID, State: models.StateType(state), UpdatedAt: updatedAt}
	if !models.IsValidState(sess.State) {
		slog.Warn("sqlStore.GetSession: stored session has unknown state, resetting", "user_id", userID, "state", state)
		return models.NewSession(userID), nil
	}
	if pendingJSON.Valid && pendingJSON.String != "" {
		var p models.PendingInfo
		if err := json.Unmarshal([]byte(pendingJSON.String), &p); err != nil {
			return nil, fmt.Errorf("decode pending info failed: %w", err)
		}
		sess.Pending = &p
	}
	return sess, nil
}

func (s *sqlStore) SaveSession(ctx context.Context, sess *models.Session) error {
	if sess == nil || sess.UserID == "" {
		return models.ErrEmptyRecipient
	}
	var pending interface{}
	if sess.Pending != nil {
		b, err := json.Marshal(sess.Pending)
		if err != nil {
			return fmt.Errorf("encode pending info failed: %w", err)
		}
		pending = string(b)
	}
	updatedAt := sess.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}
	_, err := s.exec(ctx,
		`INSERT INTO sessions (user_id, state, pending_json, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (user_id) DO UPDATE SET state = excluded.state, pending_json = excluded.pending_json, updated_at = excluded.updated_at`,
		sess.UserID, string(sess.State), pending, updatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("save session failed: %w", err)
	}
	return nil
}

func (s *sqlStore) DeleteSession(ctx context.Context, userID string) error {
	if _, err := s.exec(ctx, `DELETE FROM sessions WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("delete session failed: %w", err)
	}
	return nil
}

func (s *sqlStore) AppendEntry(ctx context.Context, userID, entry string) error {
	_, err := s.exec(ctx,
		`INSERT INTO transcripts (user_id, entry, created_at) VALUES (?, ?, ?)`,
		userID, entry, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("append transcript entry failed: %w", err)
	}
	return nil
}

func (s *sqlStore) TrimEntries(ctx context.Context, userID string, max int) (int, error) {
	res, err := s.exec(ctx,
		`DELETE FROM transcripts WHERE user_id = ? AND id NOT IN (
			SELECT id FROM transcripts WHERE user_id = ? ORDER BY id DESC LIMIT ?
		)`,
		userID, userID, max,
	)
	if err != nil {
		return 0, fmt.Errorf("trim transcript failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("trim rows affected check failed: %w", err)
	}
	return int(n), nil
}

func (s *sqlStore) Entries(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		s.rebind(`SELECT entry FROM transcripts WHERE user_id = ? ORDER BY id ASC`), userID)
	if err != nil {
		return nil, fmt.Errorf("query transcript failed: %w", err)
	}
	defer rows.Close()

	var entries []string
	for rows.Next() {
		var e string
		if err := rows.Scan(&e); err != nil {
			return nil, fmt.Errorf("scan transcript entry failed: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transcript rows failed: %w", err)
	}
	return entries, nil
}

func (s *sqlStore) ClearTranscript(ctx context.Context, userID string) error {
	if _, err := s.exec(ctx, `DELETE FROM transcripts WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("clear transcript failed: %w", err)
	}
	return nil
}

func (s *sqlStore) IsDuplicate(ctx context.Context, messageID string) (bool, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT message_id FROM inbound_dedup WHERE message_id = ?`), messageID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("dedup check failed: %w", err)
	}
	return true, nil
}

func (s *sqlStore) RecordInbound(ctx context.Context, messageID, userID string) (bool, error) {
	res, err := s.exec(ctx,
		`INSERT INTO inbound_dedup (message_id, user_id, received_at) VALUES (?, ?, ?) ON CONFLICT (message_id) DO NOTHING`,
		messageID, userID, time.Now().UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("record inbound failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("dedup rows affected check failed: %w", err)
	}
	return n > 0, nil
}

func (s *sqlStore) MarkProcessed(ctx context.Context, messageID string) error {
	_, err := s.exec(ctx,
		`UPDATE inbound_dedup SET processed_at = ? WHERE message_id = ?`,
		time.Now().UTC(), messageID,
	)
	if err != nil {
		return fmt.Errorf("mark processed failed: %w", err)
	}
	return nil
}

// EvictIdle removes sessions, transcripts of inactive users, and dedup records
// older than cutoff. It returns the number of evicted sessions.
func (s *sqlStore) EvictIdle(ctx context.Context, cutoff time.Time) (int, error) {
	cutoff = cutoff.UTC()
	res, err := s.exec(ctx, `DELETE FROM sessions WHERE updated_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("evict sessions failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("evict rows affected check failed: %w", err)
	}
	if _, err := s.exec(ctx,
		`DELETE FROM transcripts WHERE user_id IN (
			SELECT user_id FROM transcripts GROUP BY user_id HAVING MAX(created_at) < ?
		)`, cutoff); err != nil {
		return int(n), fmt.Errorf("evict transcripts failed: %w", err)
	}
	if _, err := s.exec(ctx, `DELETE FROM inbound_dedup WHERE received_at < ?`, cutoff); err != nil {
		return int(n), fmt.Errorf("evict dedup records failed: %w", err)
	}
	return int(n), nil
}

// Close closes the underlying database connection.
func (s *sqlStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
