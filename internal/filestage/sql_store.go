package filestage

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLJobStore is a JobStore backed by a SQLite database: file content is
// stored as a BLOB keyed by its content digest, giving the job-store
// collaborator a SQL-backed implementation alongside the disk-backed
// LocalStore (WAL mode, idempotent CREATE TABLE IF NOT EXISTS migration, a
// logger scoped with .With("component", ...)).
type SQLJobStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLJobStore opens (or creates) a SQLite database at dbPath and
// migrates its schema. Use ":memory:" for an ephemeral store.
func NewSQLJobStore(dbPath string, logger *slog.Logger) (*SQLJobStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("filestage: open sqlite %s: %w", dbPath, err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("filestage: pragma wal: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS staged_files (
		id         TEXT PRIMARY KEY,
		content    BLOB NOT NULL,
		size_bytes INTEGER NOT NULL,
		created_at TEXT NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("filestage: migrate: %w", err)
	}
	return &SQLJobStore{db: db, logger: logger.With("component", "sql-job-store")}, nil
}

// Close closes the underlying database connection.
func (s *SQLJobStore) Close() error { return s.db.Close() }

func (s *SQLJobStore) WriteGlobalFile(ctx context.Context, localPath string) (FileID, error) {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return "", fmt.Errorf("filestage: read %s: %w", localPath, err)
	}
	id, err := PackFileID(bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO staged_files (id, content, size_bytes, created_at) VALUES (?, ?, ?, ?)`,
		string(id), data, len(data), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return "", fmt.Errorf("filestage: insert %s: %w", id, err)
	}
	s.logger.Debug("wrote global file", "id", id, "size", len(data))
	return id, nil
}

func (s *SQLJobStore) readContent(ctx context.Context, id FileID) ([]byte, error) {
	var content []byte
	err := s.db.QueryRowContext(ctx, `SELECT content FROM staged_files WHERE id = ?`, string(id)).Scan(&content)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrMissingInput, id)
	}
	if err != nil {
		return nil, fmt.Errorf("filestage: select %s: %w", id, err)
	}
	return content, nil
}

func (s *SQLJobStore) ReadGlobalFile(ctx context.Context, id FileID, localPath string, _ bool) error {
	content, err := s.readContent(ctx, id)
	if err != nil {
		return err
	}
	return os.WriteFile(localPath, content, 0o644)
}

func (s *SQLJobStore) ReadGlobalFileStream(ctx context.Context, id FileID) (io.ReadCloser, error) {
	content, err := s.readContent(ctx, id)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(content)), nil
}

func (s *SQLJobStore) GetLocalTempDir(_ context.Context) (string, error) {
	return os.MkdirTemp("", "gowe-sqlstore-")
}

func (s *SQLJobStore) GetLocalTempFileName(_ context.Context) (string, error) {
	f, err := os.CreateTemp("", "gowe-sqlstore-")
	if err != nil {
		return "", err
	}
	name := f.Name()
	f.Close()
	return name, nil
}

func (s *SQLJobStore) GetGlobalFileSize(ctx context.Context, id FileID) (int64, error) {
	var size int64
	err := s.db.QueryRowContext(ctx, `SELECT size_bytes FROM staged_files WHERE id = ?`, string(id)).Scan(&size)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("%w: %s", ErrMissingInput, id)
	}
	if err != nil {
		return 0, fmt.Errorf("filestage: select size %s: %w", id, err)
	}
	return size, nil
}

// ImportFile imports a file:// or bare-path URL directly into the database.
func (s *SQLJobStore) ImportFile(ctx context.Context, url string, _ bool) (FileID, error) {
	return s.WriteGlobalFile(ctx, strings.TrimPrefix(url, "file://"))
}

// ExportFile writes id back out to a file:// or bare-path URL.
func (s *SQLJobStore) ExportFile(ctx context.Context, id FileID, url string) error {
	return s.ReadGlobalFile(ctx, id, strings.TrimPrefix(url, "file://"), false)
}

func (s *SQLJobStore) URLExists(_ context.Context, url string) (bool, error) {
	_, err := os.Stat(strings.TrimPrefix(url, "file://"))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

func (s *SQLJobStore) GetSize(_ context.Context, url string) (int64, error) {
	info, err := os.Stat(strings.TrimPrefix(url, "file://"))
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (s *SQLJobStore) GetIsDirectory(_ context.Context, url string) (bool, error) {
	info, err := os.Stat(strings.TrimPrefix(url, "file://"))
	if err != nil {
		return false, err
	}
	return info.IsDir(), nil
}

func (s *SQLJobStore) ListURL(_ context.Context, url string) ([]string, error) {
	entries, err := os.ReadDir(strings.TrimPrefix(url, "file://"))
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}

func (s *SQLJobStore) ReadFromURL(_ context.Context, url string, w io.Writer) error {
	f, err := os.Open(strings.TrimPrefix(url, "file://"))
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(w, f)
	return err
}

func (s *SQLJobStore) OpenURL(_ context.Context, url string) (io.ReadCloser, error) {
	return os.Open(strings.TrimPrefix(url, "file://"))
}
