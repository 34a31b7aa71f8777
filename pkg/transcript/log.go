// Package transcript keeps the durable message history for every thread:
// an append-only SQLite table plus a best-effort copy in the vector store
// so past turns become searchable.
package transcript

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"

	"github.com/dotsetgreg/threadline/pkg/logger"
	"github.com/dotsetgreg/threadline/pkg/vectorstore"
)

// Record is one persisted turn fragment.
type Record struct {
	ID        string    `json:"id"`
	ThreadID  string    `json:"thread_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// VectorWriter is the slice of the vector store client the log needs.
type VectorWriter interface {
	Add(ctx context.Context, doc vectorstore.Document) error
}

// Log is the dual-write transcript: SQLite is the source of truth, the
// vector store copy feeds retrieval. Either side failing does not block
// the other.
type Log struct {
	db     *sql.DB
	vector VectorWriter
}

// NewLog creates/opens the transcript database at path. vector may be nil
// when no vector store is configured.
func NewLog(path string, vector VectorWriter) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create transcript db dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open transcript db: %w", err)
	}
	// One shared connection avoids SQLite writer lock contention between
	// the persist workers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	l := &Log{db: db, vector: vector}
	if err := l.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return l, nil
}

func (l *Log) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

func (l *Log) init() error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA synchronous=NORMAL;`,
		`PRAGMA busy_timeout=5000;`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			thread_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS messages_thread_idx ON messages(thread_id, created_at_ms ASC, id ASC);`,
	}
	for _, stmt := range stmts {
		if _, err := l.db.Exec(stmt); err != nil {
			return fmt.Errorf("init transcript schema: %w", err)
		}
	}
	return nil
}

// Append records one turn fragment. Both writes are best effort: a failed
// SQLite insert or a failed vector add is logged and does not surface to
// the caller, so a broken store never breaks a conversation.
func (l *Log) Append(ctx context.Context, threadID, role, content string) Record {
	rec := Record{
		ID:        ulid.Make().String(),
		ThreadID:  threadID,
		Role:      role,
		Content:   content,
		CreatedAt: time.Now(),
	}

	if _, err := l.db.ExecContext(ctx, `
INSERT INTO messages(id, thread_id, role, content, created_at_ms)
VALUES(?, ?, ?, ?, ?)`, rec.ID, rec.ThreadID, rec.Role, rec.Content, rec.CreatedAt.UnixMilli()); err != nil {
		logger.WarnCF("transcript", "Message insert failed", map[string]interface{}{
			"thread_id": threadID,
			"error":     err.Error(),
		})
	}

	if l.vector != nil {
		doc := vectorstore.Document{
			ID:        rec.ID,
			Text:      rec.Content,
			ThreadID:  rec.ThreadID,
			Role:      rec.Role,
			Timestamp: rec.CreatedAt,
		}
		if err := l.vector.Add(ctx, doc); err != nil {
			logger.WarnCF("transcript", "Vector index write failed", map[string]interface{}{
				"thread_id": threadID,
				"error":     err.Error(),
			})
		}
	}

	return rec
}

// History returns the thread's messages in chronological order. limit <= 0
// means no limit.
func (l *Log) History(ctx context.Context, threadID string, limit int) ([]Record, error) {
	q := `
SELECT id, thread_id, role, content, created_at_ms
FROM messages
WHERE thread_id = ?
ORDER BY created_at_ms ASC, id ASC`
	args := []interface{}{threadID}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list transcript messages: %w", err)
	}
	defer rows.Close()

	out := []Record{}
	for rows.Next() {
		var rec Record
		var createdMS int64
		if err := rows.Scan(&rec.ID, &rec.ThreadID, &rec.Role, &rec.Content, &createdMS); err != nil {
			return nil, fmt.Errorf("scan transcript message: %w", err)
		}
		rec.CreatedAt = time.UnixMilli(createdMS)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transcript messages: %w", err)
	}
	return out, nil
}

// Count reports how many messages a thread holds. An empty threadID
// counts every message in the log.
func (l *Log) Count(ctx context.Context, threadID string) (int, error) {
	query := `SELECT COUNT(*) FROM messages WHERE thread_id = ?`
	args := []interface{}{threadID}
	if threadID == "" {
		query = `SELECT COUNT(*) FROM messages`
		args = nil
	}
	row := l.db.QueryRowContext(ctx, query, args...)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("count transcript messages: %w", err)
	}
	return n, nil
}

// DeleteOlderThan drops messages created before cutoff, returning how many
// rows went away. The vector store copies are left to its own retention.
func (l *Log) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := l.db.ExecContext(ctx, `DELETE FROM messages WHERE created_at_ms < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("delete old transcript messages: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
