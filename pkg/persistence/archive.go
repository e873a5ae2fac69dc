// Package persistence provides SQLite-based storage for dead-lettered
// coordination messages, so audit queries survive process restarts. Delivery
// state is never restored from here; the archive is read-only history.
package persistence

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"coordinator/pkg/bus"
	"coordinator/pkg/logx"
)

const schema = `
CREATE TABLE IF NOT EXISTS dead_letters (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	archived_at TIMESTAMP NOT NULL,
	message_id TEXT NOT NULL,
	conversation_id TEXT NOT NULL,
	from_agent TEXT NOT NULL,
	to_agent TEXT,
	topic TEXT NOT NULL,
	correlation_id TEXT,
	payload_kind TEXT NOT NULL,
	reason TEXT NOT NULL,
	envelope TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_dead_letters_correlation
	ON dead_letters(correlation_id);
CREATE INDEX IF NOT EXISTS idx_dead_letters_message_id
	ON dead_letters(message_id);
`

// ArchivedDeadLetter is one archived row. Envelope holds the full serialized
// envelope; the remaining columns are denormalized for filtering.
type ArchivedDeadLetter struct {
	ID             int64
	ArchivedAt     time.Time
	MessageID      string
	ConversationID string
	From           string
	To             string
	Topic          string
	CorrelationID  string
	PayloadKind    string
	Reason         string
	Envelope       string
}

// Archive is a handle to the dead-letter archive database.
type Archive struct {
	db     *sql.DB
	logger *logx.Logger
}

// Open creates or opens the archive database at dbPath with WAL mode and a
// busy timeout. Safe to call on an existing archive; schema creation is
// idempotent.
func Open(dbPath string) (*Archive, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf(
		"file:%s?_foreign_keys=ON&_journal_mode=WAL&_busy_timeout=5000",
		dbPath,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	// SQLite only supports one writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	archive := &Archive{
		db:     db,
		logger: logx.NewLogger("persistence"),
	}
	archive.logger.Debug("archive opened: %s", dbPath)

	return archive, nil
}

// Close closes the archive database.
func (a *Archive) Close() error {
	if err := a.db.Close(); err != nil {
		return fmt.Errorf("failed to close archive database: %w", err)
	}
	return nil
}

// ArchiveDeadLetter inserts one dead letter. The full envelope is stored as
// JSON alongside the denormalized filter columns.
func (a *Archive) ArchiveDeadLetter(deadLetter *bus.DeadLetter, archivedAt time.Time) error {
	envelopeJSON, err := json.Marshal(deadLetter.Envelope)
	if err != nil {
		return fmt.Errorf("failed to serialize envelope %s: %w", deadLetter.Envelope.ID, err)
	}

	query := `
		INSERT INTO dead_letters (
			archived_at, message_id, conversation_id, from_agent, to_agent,
			topic, correlation_id, payload_kind, reason, envelope
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = a.db.Exec(query,
		archivedAt.UTC(), deadLetter.Envelope.ID, deadLetter.Envelope.ConversationID,
		deadLetter.Envelope.From, deadLetter.Envelope.To, deadLetter.Envelope.Topic,
		deadLetter.Envelope.CorrelationID, string(deadLetter.Envelope.Payload.Kind),
		deadLetter.Reason, string(envelopeJSON),
	)
	if err != nil {
		return fmt.Errorf("failed to archive dead letter %s: %w", deadLetter.Envelope.ID, err)
	}
	return nil
}

// RecentDeadLetters returns a page of archived rows, newest first.
func (a *Archive) RecentDeadLetters(offset, limit int) ([]*ArchivedDeadLetter, error) {
	query := `
		SELECT id, archived_at, message_id, conversation_id, from_agent,
			to_agent, topic, correlation_id, payload_kind, reason, envelope
		FROM dead_letters
		ORDER BY id DESC
		LIMIT ? OFFSET ?
	`
	return a.queryRows(query, limit, offset)
}

// RecentDeadLettersForCorrelation returns a page of archived rows matching a
// correlation id, newest first.
func (a *Archive) RecentDeadLettersForCorrelation(correlationID string, offset, limit int) ([]*ArchivedDeadLetter, error) {
	query := `
		SELECT id, archived_at, message_id, conversation_id, from_agent,
			to_agent, topic, correlation_id, payload_kind, reason, envelope
		FROM dead_letters
		WHERE correlation_id = ?
		ORDER BY id DESC
		LIMIT ? OFFSET ?
	`
	return a.queryRows(query, correlationID, limit, offset)
}

// Count returns the total number of archived rows.
func (a *Archive) Count() (int, error) {
	var count int
	if err := a.db.QueryRow(`SELECT COUNT(*) FROM dead_letters`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count dead letters: %w", err)
	}
	return count, nil
}

// CountForCorrelation returns the number of archived rows matching a
// correlation id.
func (a *Archive) CountForCorrelation(correlationID string) (int, error) {
	var count int
	query := `SELECT COUNT(*) FROM dead_letters WHERE correlation_id = ?`
	if err := a.db.QueryRow(query, correlationID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count dead letters for correlation %s: %w", correlationID, err)
	}
	return count, nil
}

func (a *Archive) queryRows(query string, args ...any) ([]*ArchivedDeadLetter, error) {
	rows, err := a.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query dead letters: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var results []*ArchivedDeadLetter
	for rows.Next() {
		row := &ArchivedDeadLetter{}
		err := rows.Scan(
			&row.ID, &row.ArchivedAt, &row.MessageID, &row.ConversationID,
			&row.From, &row.To, &row.Topic, &row.CorrelationID,
			&row.PayloadKind, &row.Reason, &row.Envelope,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan dead letter row: %w", err)
		}
		results = append(results, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate dead letter rows: %w", err)
	}

	return results, nil
}
