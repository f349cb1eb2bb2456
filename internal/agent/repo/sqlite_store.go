package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/macromate/server/internal/agent/model"
	errx "github.com/macromate/server/internal/core/error"
	logx "github.com/macromate/server/pkg/logger"
)

var nonIdent = regexp.MustCompile(`[^a-z0-9_]+`)

// SQLiteStore keeps checkpoints in a namespaced table of a local SQLite database.
type SQLiteStore struct {
	path  string
	table string

	mu sync.Mutex
	db *sql.DB
}

func NewSQLiteStore(path, namespace string) *SQLiteStore {
	ns := nonIdent.ReplaceAllString(strings.ToLower(namespace), "_")
	if ns == "" {
		ns = "default"
	}
	return &SQLiteStore{path: path, table: ns + "_checkpoints"}
}

// Init opens the database and creates the checkpoint table when missing.
func (s *SQLiteStore) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return nil
	}

	db, err := sql.Open("sqlite", s.path)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	// a single writer keeps SQLite away from "database is locked"
	db.SetMaxOpenConns(1)

	schema := fmt.Sprintf(`
    CREATE TABLE IF NOT EXISTS %s (
        thread_id TEXT PRIMARY KEY,
        state BLOB NOT NULL,
        updated_at DATETIME NOT NULL
    );`, s.table)
	if _, err := db.ExecContext(ctx, `PRAGMA busy_timeout = 5000`); err != nil {
		db.Close()
		return fmt.Errorf("failed to configure database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return fmt.Errorf("failed to create schema: %w", err)
	}
	s.db = db
	logx.Debug().Str("path", s.path).Str("table", s.table).Msg("sqlite checkpoint store ready")
	return nil
}

func (s *SQLiteStore) conn() (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, errors.New("sqlite checkpoint store is not initialized")
	}
	return s.db, nil
}

func (s *SQLiteStore) Get(ctx context.Context, threadID string) (*model.PipelineState, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}
	var b []byte
	err = db.QueryRowContext(ctx, fmt.Sprintf(`SELECT state FROM %s WHERE thread_id = ?`, s.table), threadID).Scan(&b)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		logx.Error().Err(err).Str("thread_id", threadID).Msg("failed to load checkpoint from sqlite")
		return nil, errx.WrapSQL(err)
	}

	var st model.PipelineState
	if err := json.Unmarshal(b, &st); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint: %w", err)
	}
	return &st, nil
}

// Put upserts the checkpoint inside a transaction.
func (s *SQLiteStore) Put(ctx context.Context, threadID string, state *model.PipelineState) error {
	db, err := s.conn()
	if err != nil {
		return err
	}
	b, err := json.Marshal(state.Checkpoint())
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return errx.WrapSQL(fmt.Errorf("failed to start transaction: %w", err))
	}
	defer tx.Rollback()

	query := fmt.Sprintf(`
        INSERT INTO %s (thread_id, state, updated_at)
        VALUES (?, ?, ?)
        ON CONFLICT(thread_id) DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at
    `, s.table)
	if _, err := tx.ExecContext(ctx, query, threadID, b, time.Now().UTC()); err != nil {
		logx.Error().Err(err).Str("thread_id", threadID).Msg("failed to write checkpoint to sqlite")
		return errx.WrapSQL(err)
	}
	return errx.WrapSQL(tx.Commit())
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

var _ model.StateStore = (*SQLiteStore)(nil)
