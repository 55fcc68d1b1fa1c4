package store

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/charmbracelet/log"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

const schema = `
CREATE TABLE IF NOT EXISTS shares (
	file_id   INTEGER PRIMARY KEY NOT NULL,
	exp       INTEGER NOT NULL,
	crt       INTEGER NOT NULL,
	file_size INTEGER NOT NULL,
	user_name TEXT NOT NULL,
	file_name TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_shares_exp ON shares(exp);
CREATE INDEX IF NOT EXISTS idx_shares_user ON shares(user_name);
`

const shareColumns = "file_id, exp, crt, file_size, user_name, file_name"

// Config holds the parameters for opening the share database.
type Config struct {
	// Path to the SQLite file. Created if missing; the parent
	// directory must exist.
	Path string

	// PoolSize defaults to max(NumCPU, 4).
	PoolSize int

	Logger *log.Logger
}

// SQLite is the share registry backed by a pooled SQLite database. It is
// safe for concurrent use; every call borrows its own connection.
type SQLite struct {
	pool   *sqlitex.Pool
	logger *log.Logger
	path   string
}

// Open creates the pool and ensures the schema exists on every connection.
func Open(cfg Config) (*SQLite, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("store: Path is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = max(runtime.NumCPU(), 4)
	}

	pool, err := sqlitex.NewPool(cfg.Path, sqlitex.PoolOptions{
		PoolSize:    poolSize,
		PrepareConn: prepareConnection,
	})
	if err != nil {
		return nil, fmt.Errorf("store: opening %s: %w", cfg.Path, err)
	}
	logger.Debug("share database opened", "path", cfg.Path, "pool_size", poolSize)
	return &SQLite{pool: pool, logger: logger, path: cfg.Path}, nil
}

func prepareConnection(conn *sqlite.Conn) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("store: %s: %w", pragma, err)
		}
	}
	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		return fmt.Errorf("store: schema: %w", err)
	}
	return nil
}

// Close blocks until all borrowed connections are returned.
func (s *SQLite) Close() error {
	if err := s.pool.Close(); err != nil {
		return fmt.Errorf("store: closing %s: %w", s.path, err)
	}
	return nil
}

func (s *SQLite) take(ctx context.Context) (*sqlite.Conn, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: take: %w", err)
	}
	return conn, nil
}

// GetShare returns the share with fileID, or ErrNotFound.
func (s *SQLite) GetShare(ctx context.Context, fileID uint32) (Share, error) {
	conn, err := s.take(ctx)
	if err != nil {
		return Share{}, err
	}
	defer s.pool.Put(conn)

	var (
		share Share
		found bool
	)
	err = sqlitex.Execute(conn, "SELECT "+shareColumns+" FROM shares WHERE file_id = ?", &sqlitex.ExecOptions{
		Args: []any{int64(fileID)},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			share = scanShare(stmt)
			found = true
			return nil
		},
	})
	if err != nil {
		return Share{}, fmt.Errorf("store: get share %d: %w", fileID, err)
	}
	if !found {
		return Share{}, ErrNotFound
	}
	return share, nil
}

// DeleteExpired removes every share with exp < now in a single statement
// and returns the removed rows.
func (s *SQLite) DeleteExpired(ctx context.Context, now time.Time) ([]Share, error) {
	conn, err := s.take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var removed []Share
	err = sqlitex.Execute(conn, "DELETE FROM shares WHERE exp < ? RETURNING "+shareColumns, &sqlitex.ExecOptions{
		Args: []any{now.Unix()},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			removed = append(removed, scanShare(stmt))
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("store: delete expired: %w", err)
	}
	return removed, nil
}

// InsertShare registers a new share.
func (s *SQLite) InsertShare(ctx context.Context, share Share) error {
	conn, err := s.take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, "INSERT INTO shares ("+shareColumns+") VALUES (?, ?, ?, ?, ?, ?)", &sqlitex.ExecOptions{
		Args: []any{int64(share.FileID), share.Exp, share.Crt, int64(share.FileSize), share.UserName, share.FileName},
	})
	if err != nil {
		return fmt.Errorf("store: insert share %d: %w", share.FileID, err)
	}
	return nil
}

// ListShares returns every share ordered by expiry; an empty userName
// lists all users.
func (s *SQLite) ListShares(ctx context.Context, userName string) ([]Share, error) {
	conn, err := s.take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	query := "SELECT " + shareColumns + " FROM shares"
	var args []any
	if userName != "" {
		query += " WHERE user_name = ?"
		args = append(args, userName)
	}
	query += " ORDER BY exp ASC"

	var shares []Share
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			shares = append(shares, scanShare(stmt))
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("store: list shares: %w", err)
	}
	return shares, nil
}

// RemoveShare deletes a share by id. Removing a missing id is not an error.
func (s *SQLite) RemoveShare(ctx context.Context, fileID uint32) error {
	conn, err := s.take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, "DELETE FROM shares WHERE file_id = ?", &sqlitex.ExecOptions{
		Args: []any{int64(fileID)},
	})
	if err != nil {
		return fmt.Errorf("store: remove share %d: %w", fileID, err)
	}
	return nil
}

func scanShare(stmt *sqlite.Stmt) Share {
	return Share{
		FileID:   uint32(stmt.ColumnInt64(0)),
		Exp:      stmt.ColumnInt64(1),
		Crt:      stmt.ColumnInt64(2),
		FileSize: uint64(stmt.ColumnInt64(3)),
		UserName: stmt.ColumnText(4),
		FileName: stmt.ColumnText(5),
	}
}
