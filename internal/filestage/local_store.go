package filestage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// LocalStore is a disk-backed JobStore: each file is stored once under a
// content-addressed path, keyed by its FileID.
type LocalStore struct {
	root   string
	logger *slog.Logger
}

// NewLocalStore creates a LocalStore rooted at root, creating it if absent.
func NewLocalStore(root string, logger *slog.Logger) (*LocalStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("filestage: create store root: %w", err)
	}
	return &LocalStore{root: root, logger: logger.With("component", "local-store")}, nil
}

func (s *LocalStore) pathFor(id FileID) string {
	idStr := string(id)
	if len(idStr) < 4 {
		return filepath.Join(s.root, idStr)
	}
	return filepath.Join(s.root, idStr[:2], idStr[2:4], idStr)
}

// WriteGlobalFile copies localPath's contents into the store, keyed by its
// content digest, and returns the resulting FileID.
func (s *LocalStore) WriteGlobalFile(_ context.Context, localPath string) (FileID, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("filestage: open %s: %w", localPath, err)
	}
	defer f.Close()

	id, err := PackFileID(f)
	if err != nil {
		return "", err
	}

	dest := s.pathFor(id)
	if _, err := os.Stat(dest); err == nil {
		// Already stored under this content digest.
		return id, nil
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", fmt.Errorf("filestage: mkdir: %w", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", fmt.Errorf("filestage: rewind: %w", err)
	}
	out, err := os.CreateTemp(filepath.Dir(dest), ".tmp-*")
	if err != nil {
		return "", fmt.Errorf("filestage: create temp: %w", err)
	}
	if _, err := io.Copy(out, f); err != nil {
		out.Close()
		os.Remove(out.Name())
		return "", fmt.Errorf("filestage: copy: %w", err)
	}
	out.Close()
	if err := os.Rename(out.Name(), dest); err != nil {
		os.Remove(out.Name())
		return "", fmt.Errorf("filestage: rename into place: %w", err)
	}
	s.logger.Debug("wrote global file", "id", id, "size_src", localPath)
	return id, nil
}

// ReadGlobalFile materializes id at localPath, symlinking when allowed and
// possible, otherwise copying.
func (s *LocalStore) ReadGlobalFile(_ context.Context, id FileID, localPath string, symlink bool) error {
	src := s.pathFor(id)
	if _, err := os.Stat(src); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMissingInput, id, err)
	}
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return fmt.Errorf("filestage: mkdir: %w", err)
	}
	if symlink {
		abs, err := filepath.Abs(src)
		if err == nil {
			if err := os.Symlink(abs, localPath); err == nil {
				return nil
			}
		}
		// Fall through to copy if symlinking failed.
	}
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("filestage: open store object: %w", err)
	}
	defer in.Close()
	out, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("filestage: create destination: %w", err)
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("filestage: copy: %w", err)
	}
	return nil
}

// ReadGlobalFileStream opens id for streaming reads.
func (s *LocalStore) ReadGlobalFileStream(_ context.Context, id FileID) (io.ReadCloser, error) {
	f, err := os.Open(s.pathFor(id))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMissingInput, id, err)
	}
	return f, nil
}

func (s *LocalStore) GetLocalTempDir(_ context.Context) (string, error) {
	return os.MkdirTemp("", "gowe-filestage-")
}

func (s *LocalStore) GetLocalTempFileName(_ context.Context) (string, error) {
	f, err := os.CreateTemp("", "gowe-filestage-")
	if err != nil {
		return "", err
	}
	name := f.Name()
	f.Close()
	return name, nil
}

func (s *LocalStore) GetGlobalFileSize(_ context.Context, id FileID) (int64, error) {
	info, err := os.Stat(s.pathFor(id))
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrMissingInput, id, err)
	}
	return info.Size(), nil
}

// ImportFile imports a file:// or bare-path URL into the store.
func (s *LocalStore) ImportFile(ctx context.Context, url string, symlink bool) (FileID, error) {
	path := strings.TrimPrefix(url, "file://")
	return s.WriteGlobalFile(ctx, path)
}

// ExportFile writes id back out to a file:// or bare-path URL.
func (s *LocalStore) ExportFile(ctx context.Context, id FileID, url string) error {
	path := strings.TrimPrefix(url, "file://")
	return s.ReadGlobalFile(ctx, id, path, false)
}

func (s *LocalStore) URLExists(_ context.Context, url string) (bool, error) {
	_, err := os.Stat(strings.TrimPrefix(url, "file://"))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

func (s *LocalStore) GetSize(_ context.Context, url string) (int64, error) {
	info, err := os.Stat(strings.TrimPrefix(url, "file://"))
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (s *LocalStore) GetIsDirectory(_ context.Context, url string) (bool, error) {
	info, err := os.Stat(strings.TrimPrefix(url, "file://"))
	if err != nil {
		return false, err
	}
	return info.IsDir(), nil
}

func (s *LocalStore) ListURL(_ context.Context, url string) ([]string, error) {
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

func (s *LocalStore) ReadFromURL(_ context.Context, url string, w io.Writer) error {
	f, err := os.Open(strings.TrimPrefix(url, "file://"))
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(w, f)
	return err
}

func (s *LocalStore) OpenURL(_ context.Context, url string) (io.ReadCloser, error) {
	return os.Open(strings.TrimPrefix(url, "file://"))
}
