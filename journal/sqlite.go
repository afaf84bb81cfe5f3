package journal

import (
	"context"
	"database/sql"
	"encoding/json"

	_ "github.com/mattn/go-sqlite3"

	"github.com/b-open-io/livefeed/feed"
)

// SQLiteJournal stores history in a single-file SQLite database.
type SQLiteJournal struct {
	db *sql.DB
}

// NewSQLiteJournal opens (and initializes) the database at dbPath.
func NewSQLiteJournal(dbPath string) (*SQLiteJournal, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}

	s := &SQLiteJournal{db: db}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteJournal) createTables() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS journal (
			topic TEXT NOT NULL,
			sequence INTEGER NOT NULL,
			payload BLOB,
			created_at INTEGER DEFAULT (unixepoch()),
			PRIMARY KEY (topic, sequence)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_journal_topic ON journal(topic)`,
	}
	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteJournal) Append(ctx context.Context, topic string, payload json.RawMessage) (feed.Event, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return feed.Event{}, err
	}
	defer tx.Rollback()

	var seq uint64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM journal WHERE topic = ?`, topic,
	).Scan(&seq)
	if err != nil {
		return feed.Event{}, err
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO journal (topic, sequence, payload) VALUES (?, ?, ?)`,
		topic, seq, []byte(payload),
	)
	if err != nil {
		return feed.Event{}, err
	}
	if err := tx.Commit(); err != nil {
		return feed.Event{}, err
	}

	return feed.Event{Topic: topic, Sequence: seq, Payload: payload}, nil
}

func (s *SQLiteJournal) After(ctx context.Context, topic string, after uint64, limit int) ([]feed.Event, error) {
	limit = clampLimit(limit)

	rows, err := s.db.QueryContext(ctx,
		`SELECT sequence, payload FROM journal WHERE topic = ? AND sequence > ? ORDER BY sequence ASC LIMIT ?`,
		topic, after, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []feed.Event
	for rows.Next() {
		var ev feed.Event
		var payload []byte
		if err := rows.Scan(&ev.Sequence, &payload); err != nil {
			return nil, err
		}
		ev.Topic = topic
		ev.Payload = payload
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (s *SQLiteJournal) Head(ctx context.Context, topic string) (uint64, error) {
	var head uint64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) FROM journal WHERE topic = ?`, topic,
	).Scan(&head)
	return head, err
}

func (s *SQLiteJournal) Close() error {
	return s.db.Close()
}
