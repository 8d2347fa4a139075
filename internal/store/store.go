// Package store persists delivered message records in SQLite and attachment
// bytes as files next to the database.
//
// Records are written once and never updated. Every record gets a random
// UUID and the Unix millisecond time of the write; the email id column links
// all records produced from one inbound email and backs the duplicate check.
package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/shineum/smtp-matrix-bridge/internal/message"
)

const defaultPoolSize = 4

const schema = `
CREATE TABLE IF NOT EXISTS emails (
	id VARCHAR NULL PRIMARY KEY,
	email_id VARCHAR NULL,
	from_email VARCHAR NULL,
	from_name VARCHAR NULL,
	to_email VARCHAR NULL,
	to_name VARCHAR NULL,
	subject VARCHAR NULL,
	text_body VARCHAR NULL,
	html_body VARCHAR NULL,
	is_html BOOLEAN NULL,
	received_timestamp TIMESTAMP NULL,
	target_room VARCHAR NULL,
	full_text_body VARCHAR NULL
);
CREATE INDEX IF NOT EXISTS emails_email_id ON emails (email_id);

CREATE TABLE IF NOT EXISTS attachments (
	id VARCHAR NULL PRIMARY KEY,
	email_id VARCHAR NULL,
	file_name VARCHAR NULL,
	content_type VARCHAR NULL
);
CREATE INDEX IF NOT EXISTS attachments_email_id ON attachments (email_id);
`

// pragmas are applied to every pooled connection.
var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA temp_store=MEMORY",
}

// Config holds the parameters for opening a Store.
type Config struct {
	// DatabasePath is the SQLite file. Its directory must exist.
	DatabasePath string

	// AttachmentsPath is the directory attachment files are written to.
	// It is created if missing.
	AttachmentsPath string

	// PoolSize defaults to 4.
	PoolSize int
}

// Store is a SQLite-backed message store. It is safe for concurrent use.
type Store struct {
	pool            *sqlitex.Pool
	attachmentsPath string
	now             func() time.Time
	newID           func() string
}

// StoredAttachment is the metadata of a persisted attachment.
type StoredAttachment struct {
	ID          string
	RecordID    string
	FileName    string
	ContentType string
}

// Open creates the pool, applies the schema and prepares the attachment
// directory.
func Open(cfg Config) (*Store, error) {
	if cfg.DatabasePath == "" {
		return nil, fmt.Errorf("store: database path is required")
	}
	if cfg.AttachmentsPath == "" {
		return nil, fmt.Errorf("store: attachments path is required")
	}
	if err := os.MkdirAll(cfg.AttachmentsPath, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create attachments directory: %w", err)
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = defaultPoolSize
	}

	pool, err := sqlitex.NewPool(cfg.DatabasePath, sqlitex.PoolOptions{
		PoolSize:    poolSize,
		PrepareConn: prepareConn,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", cfg.DatabasePath, err)
	}

	s := &Store{
		pool:            pool,
		attachmentsPath: cfg.AttachmentsPath,
		now:             time.Now,
		newID:           func() string { return uuid.NewString() },
	}

	if err := s.migrate(); err != nil {
		pool.Close()
		return nil, err
	}

	slog.Info("store opened",
		"database", cfg.DatabasePath,
		"attachments", cfg.AttachmentsPath,
		"pool_size", poolSize,
	)
	return s, nil
}

func prepareConn(conn *sqlite.Conn) error {
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("store: %s: %w", pragma, err)
		}
	}
	return nil
}

func (s *Store) migrate() error {
	conn, err := s.pool.Take(context.Background())
	if err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	defer s.pool.Put(conn)

	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		return fmt.Errorf("store: applying schema: %w", err)
	}
	return nil
}

// Close closes the pool. It blocks until borrowed connections are returned.
func (s *Store) Close() error {
	if err := s.pool.Close(); err != nil {
		return fmt.Errorf("failed to close store: %w", err)
	}
	return nil
}

// MessageExists reports whether any record was written for emailID.
func (s *Store) MessageExists(ctx context.Context, emailID string) (bool, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return false, fmt.Errorf("store: message exists: %w", err)
	}
	defer s.pool.Put(conn)

	var found bool
	err = sqlitex.Execute(conn, "SELECT 1 FROM emails WHERE email_id = ? LIMIT 1", &sqlitex.ExecOptions{
		Args: []any{emailID},
		ResultFunc: func(*sqlite.Stmt) error {
			found = true
			return nil
		},
	})
	if err != nil {
		return false, fmt.Errorf("failed to look up email id: %w", err)
	}
	return found, nil
}

// WriteMessage inserts m under a new id and timestamp and returns the id.
// Fields of m are not modified.
func (s *Store) WriteMessage(ctx context.Context, m *message.Message) (string, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return "", fmt.Errorf("store: write message: %w", err)
	}
	defer s.pool.Put(conn)

	id := s.newID()
	err = sqlitex.Execute(conn, `INSERT INTO emails
		(id, email_id, from_email, from_name, to_email, to_name, subject,
		 text_body, html_body, is_html, received_timestamp, target_room, full_text_body)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, &sqlitex.ExecOptions{
		Args: []any{
			id,
			m.EmailID,
			m.FromEmail,
			m.FromName,
			m.ToEmail,
			m.ToName,
			m.Subject,
			m.TextBody,
			m.HtmlBody,
			m.IsHTML,
			s.now().UnixMilli(),
			m.TargetRoom,
			m.FullTextBody,
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to insert message: %w", err)
	}
	return id, nil
}

// GetMessage returns the record with the given id, or nil if there is none.
func (s *Store) GetMessage(ctx context.Context, id string) (*message.Message, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: get message: %w", err)
	}
	defer s.pool.Put(conn)

	var m *message.Message
	err = sqlitex.Execute(conn, `SELECT id, email_id, from_email, from_name, to_email, to_name,
		subject, text_body, html_body, is_html, received_timestamp, target_room, full_text_body
		FROM emails WHERE id = ?`, &sqlitex.ExecOptions{
		Args: []any{id},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			m = &message.Message{
				ID:           stmt.ColumnText(0),
				EmailID:      stmt.ColumnText(1),
				FromEmail:    stmt.ColumnText(2),
				FromName:     stmt.ColumnText(3),
				ToEmail:      stmt.ColumnText(4),
				ToName:       stmt.ColumnText(5),
				Subject:      stmt.ColumnText(6),
				TextBody:     stmt.ColumnText(7),
				HtmlBody:     stmt.ColumnText(8),
				IsHTML:       stmt.ColumnBool(9),
				ReceivedAt:   time.UnixMilli(stmt.ColumnInt64(10)),
				TargetRoom:   stmt.ColumnText(11),
				FullTextBody: stmt.ColumnText(12),
			}
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read message %s: %w", id, err)
	}
	return m, nil
}

// WriteAttachments stores each attachment as <id>.attachment in the
// attachments directory and records its metadata against recordID. The
// rows are inserted in one transaction after all files are written.
func (s *Store) WriteAttachments(ctx context.Context, attachments []message.Attachment, recordID string) (err error) {
	if len(attachments) == 0 {
		return nil
	}

	// Files already on disk are removed if any later step fails, including
	// the commit run by the transaction's deferred end.
	var written []string
	defer func() {
		if err == nil {
			return
		}
		for _, id := range written {
			if rmErr := os.Remove(s.attachmentFile(id)); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
				slog.Warn("failed to remove orphaned attachment file", "id", id, "error", rmErr)
			}
		}
	}()

	ids := make([]string, len(attachments))
	for i, att := range attachments {
		ids[i] = s.newID()
		if err := os.WriteFile(s.attachmentFile(ids[i]), att.Content, 0o640); err != nil {
			return fmt.Errorf("failed to write attachment %q: %w", att.Name, err)
		}
		written = append(written, ids[i])
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("store: write attachments: %w", err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("store: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	for i, att := range attachments {
		err = sqlitex.Execute(conn,
			"INSERT INTO attachments (id, email_id, file_name, content_type) VALUES (?, ?, ?, ?)",
			&sqlitex.ExecOptions{Args: []any{ids[i], recordID, att.Name, att.ContentType}},
		)
		if err != nil {
			return fmt.Errorf("failed to insert attachment %q: %w", att.Name, err)
		}
	}
	return nil
}

// ListAttachments returns the attachment metadata linked to a record.
func (s *Store) ListAttachments(ctx context.Context, recordID string) ([]StoredAttachment, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: list attachments: %w", err)
	}
	defer s.pool.Put(conn)

	var out []StoredAttachment
	err = sqlitex.Execute(conn,
		"SELECT id, email_id, file_name, content_type FROM attachments WHERE email_id = ? ORDER BY rowid",
		&sqlitex.ExecOptions{
			Args: []any{recordID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				out = append(out, StoredAttachment{
					ID:          stmt.ColumnText(0),
					RecordID:    stmt.ColumnText(1),
					FileName:    stmt.ColumnText(2),
					ContentType: stmt.ColumnText(3),
				})
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("failed to list attachments for %s: %w", recordID, err)
	}
	return out, nil
}

func (s *Store) attachmentFile(id string) string {
	return filepath.Join(s.attachmentsPath, id+".attachment")
}
