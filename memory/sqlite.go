package memory

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"

	"github.com/hupe1980/agentstate/core"
	"github.com/hupe1980/agentstate/logging"
)

// SQLiteService is a MemoryService persisted through modernc.org/sqlite.
// Each archived turn is one row; the (app_name, user_id) columns scope
// every query so searches cannot cross tenants. Matching is LIKE-based per
// query word with the same overlap scoring as the in-memory backend.
type SQLiteService struct {
	db      *sql.DB
	entropy *rand.Rand
	logger  logging.Logger
}

// NewSQLiteService opens or creates the database at dbPath and migrates the
// schema. The file's parent directory is created if missing.
func NewSQLiteService(dbPath string, logger logging.Logger) (*SQLiteService, error) {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=foreign_keys(on)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	s := &SQLiteService{
		db:      db,
		entropy: rand.New(rand.NewSource(time.Now().UnixNano())),
		logger:  logger,
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the underlying database handle.
func (s *SQLiteService) Close() error { return s.db.Close() }

func (s *SQLiteService) newID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), s.entropy).String()
}

func (s *SQLiteService) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS memory_entries (
		id         TEXT PRIMARY KEY,
		app_name   TEXT NOT NULL,
		user_id    TEXT NOT NULL,
		session_id TEXT NOT NULL,
		author     TEXT NOT NULL,
		content    TEXT NOT NULL,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_memory_scope ON memory_entries(app_name, user_id);
	CREATE INDEX IF NOT EXISTS idx_memory_session ON memory_entries(app_name, user_id, session_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// AddSession replaces all rows of the session id with a fresh snapshot in
// one transaction, so re-ingestion is idempotent.
func (s *SQLiteService) AddSession(ctx context.Context, sess *core.Session) error {
	recs := snapshotRecords(sess)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin ingest: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM memory_entries WHERE app_name = ? AND user_id = ? AND session_id = ?`,
		sess.AppName, sess.UserID, sess.ID); err != nil {
		return fmt.Errorf("clear previous snapshot: %w", err)
	}

	for _, rec := range recs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO memory_entries (id, app_name, user_id, session_id, author, content, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			s.newID(), sess.AppName, sess.UserID, sess.ID,
			rec.author, rec.content, rec.timestamp.UTC().Format(time.RFC3339Nano)); err != nil {
			return fmt.Errorf("insert memory entry: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit ingest: %w", err)
	}
	s.logger.Debug("session ingested",
		"app_name", sess.AppName, "user_id", sess.UserID,
		"session_id", sess.ID, "records", len(recs))
	return nil
}

// Search matches any query word with LIKE, then re-scores candidates by
// word overlap in Go so ranking matches the in-memory backend.
func (s *SQLiteService) Search(ctx context.Context, appName, userID, query string, limit int) ([]core.MemoryResult, error) {
	words := tokenize(query)
	if len(words) == 0 {
		return []core.MemoryResult{}, nil
	}

	var sb strings.Builder
	sb.WriteString(`SELECT id, session_id, author, content, created_at
		FROM memory_entries WHERE app_name = ? AND user_id = ? AND (`)
	args := []any{appName, userID}
	for i, w := range words {
		if i > 0 {
			sb.WriteString(" OR ")
		}
		sb.WriteString("lower(content) LIKE ?")
		args = append(args, "%"+w+"%")
	}
	sb.WriteString(")")

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("search memory: %w", err)
	}
	defer rows.Close()

	results := make([]core.MemoryResult, 0)
	for rows.Next() {
		var r core.MemoryResult
		var createdAt string
		if err := rows.Scan(&r.ID, &r.SessionID, &r.Author, &r.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("scan memory entry: %w", err)
		}
		if ts, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			r.Timestamp = ts
		}
		r.Score = overlapScore(words, tokenize(r.Content))
		if r.Score > 0 {
			results = append(results, r)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate memory entries: %w", err)
	}

	sortResults(results)
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}
