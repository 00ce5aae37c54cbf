package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/TalG1018/PsyCounselor/pkg/window"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
// Single connection (SetMaxOpenConns(1)) - SQLite handles serialization.
type SQLiteStore struct {
	db     *sql.DB
	closed atomic.Bool
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (and migrates) a snapshot database. An empty dsn
// opens an in-memory database.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	if dsn == "" {
		dsn = ":memory:"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id          TEXT PRIMARY KEY,
		created_at  TEXT NOT NULL,
		updated_at  TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS session_turns (
		session_id        TEXT NOT NULL,
		seq               INTEGER NOT NULL,
		turn_id           INTEGER NOT NULL,
		user_text         TEXT NOT NULL,
		agent_text        TEXT NOT NULL,
		importance        REAL NOT NULL DEFAULT 0,
		emotion_intensity REAL NOT NULL DEFAULT 0,
		keywords          TEXT NOT NULL DEFAULT '[]',
		created_at        TEXT NOT NULL,
		PRIMARY KEY (session_id, seq),
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Save replaces the session's stored turns with snap in one transaction.
func (s *SQLiteStore) Save(ctx context.Context, snap Snapshot) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}

	created := snap.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	updated := snap.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO sessions (id, created_at, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET updated_at = excluded.updated_at`,
		snap.SessionID, formatTime(created), formatTime(updated),
	)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM session_turns WHERE session_id = ?", snap.SessionID); err != nil {
		return fmt.Errorf("clear turns: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO session_turns
		 (session_id, seq, turn_id, user_text, agent_text, importance, emotion_intensity, keywords, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for seq, t := range snap.Turns {
		keywords, err := json.Marshal(nonNil(t.Keywords))
		if err != nil {
			return fmt.Errorf("marshal keywords: %w", err)
		}
		_, err = stmt.ExecContext(ctx,
			snap.SessionID, seq, t.ID, t.UserText, t.AgentText,
			t.Importance, t.EmotionIntensity, string(keywords), formatTime(t.CreatedAt),
		)
		if err != nil {
			return fmt.Errorf("insert turn: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Load reads a session's snapshot in turn order.
func (s *SQLiteStore) Load(ctx context.Context, sessionID string) (*Snapshot, error) {
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}

	snap := Snapshot{SessionID: sessionID}
	var createdStr, updatedStr string
	err := s.db.QueryRowContext(ctx,
		"SELECT created_at, updated_at FROM sessions WHERE id = ?",
		sessionID,
	).Scan(&createdStr, &updatedStr)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("query session: %w", err)
	}
	snap.CreatedAt = parseTime(createdStr)
	snap.UpdatedAt = parseTime(updatedStr)

	rows, err := s.db.QueryContext(ctx,
		`SELECT turn_id, user_text, agent_text, importance, emotion_intensity, keywords, created_at
		 FROM session_turns WHERE session_id = ? ORDER BY seq`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer func() { _ = rows.Close() }()

	snap.Turns = make([]window.Turn, 0)
	for rows.Next() {
		var (
			t           window.Turn
			keywordsStr string
			createdAt   string
		)
		if err := rows.Scan(&t.ID, &t.UserText, &t.AgentText, &t.Importance,
			&t.EmotionIntensity, &keywordsStr, &createdAt); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		if err := json.Unmarshal([]byte(keywordsStr), &t.Keywords); err != nil {
			return nil, fmt.Errorf("decode keywords: %w", err)
		}
		t.CreatedAt = parseTime(createdAt)
		snap.Turns = append(snap.Turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turns: %w", err)
	}

	return &snap, nil
}

// Delete removes a session and all its turns.
func (s *SQLiteStore) Delete(ctx context.Context, sessionID string) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}

	res, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE id = ?", sessionID)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}

	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// List returns every stored session ordered by id.
func (s *SQLiteStore) List(ctx context.Context) ([]Info, error) {
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT s.id, s.updated_at, COUNT(t.seq)
		 FROM sessions s LEFT JOIN session_turns t ON t.session_id = s.id
		 GROUP BY s.id ORDER BY s.id`,
	)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Info
	for rows.Next() {
		var (
			info       Info
			updatedStr string
		)
		if err := rows.Scan(&info.SessionID, &updatedStr, &info.Turns); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		info.UpdatedAt = parseTime(updatedStr)
		out = append(out, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return out, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}

// --- helpers ---

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func nonNil(kw []string) []string {
	if kw == nil {
		return []string{}
	}
	return kw
}
