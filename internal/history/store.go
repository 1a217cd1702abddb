// Package history is the local persistence layer behind session resume: it
// records every durably processed server frame and the per-save ack cursor,
// so a restarted client resumes from where it left off instead of replaying
// the whole save.
package history

import (
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/plumeapp/plume-desktop/internal/protocol"
)

type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	p := filepath.Clean(strings.TrimSpace(path))
	if p == "" || p == "." {
		return nil, errors.New("history: missing db path")
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func initSchema(db *sql.DB) error {
	_, err := db.Exec(`
PRAGMA journal_mode = WAL;

CREATE TABLE IF NOT EXISTS saves (
	save_id            TEXT PRIMARY KEY,
	last_ack_seq       INTEGER NOT NULL DEFAULT 0,
	cursor             TEXT NOT NULL DEFAULT '',
	updated_at_unix_ms INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS events (
	id                 INTEGER PRIMARY KEY AUTOINCREMENT,
	save_id            TEXT NOT NULL,
	seq                INTEGER NOT NULL,
	server_event_id    TEXT NOT NULL DEFAULT '',
	type               TEXT NOT NULL,
	payload_json       TEXT NOT NULL DEFAULT '',
	created_at_unix_ms INTEGER NOT NULL,
	UNIQUE(save_id, seq)
);

CREATE INDEX IF NOT EXISTS idx_events_save_seq ON events(save_id, seq);
`)
	return err
}

// Event is one recorded server frame.
type Event struct {
	SaveID          string `json:"save_id"`
	Seq             int64  `json:"seq"`
	ServerEventID   string `json:"server_event_id"`
	Type            string `json:"type"`
	PayloadJSON     string `json:"payload_json"`
	CreatedAtUnixMs int64  `json:"created_at_unix_ms"`
}

// LastAck implements protocol.AckStore.
func (s *Store) LastAck(saveID string) (int64, string, error) {
	if s == nil || s.db == nil {
		return 0, "", errors.New("history: closed store")
	}
	saveID = strings.TrimSpace(saveID)
	if saveID == "" {
		return 0, "", errors.New("history: missing save_id")
	}

	var seq int64
	var cursor string
	err := s.db.QueryRow(`SELECT last_ack_seq, cursor FROM saves WHERE save_id = ?`, saveID).Scan(&seq, &cursor)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, "", nil
	}
	if err != nil {
		return 0, "", err
	}
	return seq, cursor, nil
}

// Record implements protocol.AckStore. Inserting the same (save_id, seq)
// twice is a no-op, so replay overlap after resume cannot double-record.
func (s *Store) Record(saveID string, f *protocol.Frame) error {
	if s == nil || s.db == nil {
		return errors.New("history: closed store")
	}
	saveID = strings.TrimSpace(saveID)
	if saveID == "" || f == nil || f.Seq <= 0 {
		return errors.New("history: invalid record args")
	}

	now := time.Now().UnixMilli()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	payload := ""
	if len(f.Payload) > 0 {
		payload = string(f.Payload)
	}
	if _, err := tx.Exec(`
INSERT INTO events (save_id, seq, server_event_id, type, payload_json, created_at_unix_ms)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(save_id, seq) DO NOTHING`,
		saveID, f.Seq, f.ServerEventID, string(f.Type), payload, now,
	); err != nil {
		return err
	}

	if _, err := tx.Exec(`
INSERT INTO saves (save_id, last_ack_seq, cursor, updated_at_unix_ms)
VALUES (?, ?, ?, ?)
ON CONFLICT(save_id) DO UPDATE SET
	last_ack_seq = MAX(saves.last_ack_seq, excluded.last_ack_seq),
	cursor = CASE WHEN excluded.last_ack_seq >= saves.last_ack_seq AND excluded.cursor != '' THEN excluded.cursor ELSE saves.cursor END,
	updated_at_unix_ms = excluded.updated_at_unix_ms`,
		saveID, f.Seq, f.Cursor, now,
	); err != nil {
		return err
	}

	return tx.Commit()
}

// EventsAfter returns up to limit recorded events for a save with seq
// strictly greater than afterSeq, in seq order.
func (s *Store) EventsAfter(saveID string, afterSeq int64, limit int) ([]Event, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("history: closed store")
	}
	saveID = strings.TrimSpace(saveID)
	if saveID == "" {
		return nil, errors.New("history: missing save_id")
	}
	if limit <= 0 {
		limit = 200
	}
	if limit > 1000 {
		limit = 1000
	}

	rows, err := s.db.Query(`
SELECT save_id, seq, server_event_id, type, payload_json, created_at_unix_ms
FROM events WHERE save_id = ? AND seq > ?
ORDER BY seq ASC LIMIT ?`, saveID, afterSeq, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.SaveID, &e.Seq, &e.ServerEventID, &e.Type, &e.PayloadJSON, &e.CreatedAtUnixMs); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
