// Package credcache implements a persisted credential cache: a cross-process
// file cache for temporary (STS-issued) credentials at
// ~/.cache/aws/cached_temporary_credentials, four lines (access key, secret
// key, session token, expiry), safe under concurrent writers via an O_EXCL
// "win/lose" protocol where the filesystem itself is the mutex.
package credcache

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
)

// expiryLayout is the on-disk timestamp format for the cache's fourth line.
const expiryLayout = "2006-01-02T15:04:05Z"

// DefaultPath returns the default cache file location.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("credcache: resolve home directory: %w", err)
	}
	return filepath.Join(home, ".cache", "aws", "cached_temporary_credentials"), nil
}

// ErrPollTimeout is returned by Store when a losing writer gives up waiting
// for the winning writer's temp file to disappear.
var ErrPollTimeout = errors.New("credcache: timed out waiting for a concurrent cache write to finish")

// Cache is the file-backed credential cache collaborator.
type Cache struct {
	path        string
	logger      *slog.Logger
	pollWait    time.Duration
	pollTimeout time.Duration
}

// Option configures a Cache.
type Option func(*Cache)

// WithPolling overrides the default poll interval/timeout a losing writer
// uses while waiting for the winner's temp file to disappear.
func WithPolling(wait, timeout time.Duration) Option {
	return func(c *Cache) { c.pollWait, c.pollTimeout = wait, timeout }
}

// New constructs a Cache at path (see DefaultPath for the conventional
// location). The containing directory is created on first Store.
func New(path string, logger *slog.Logger, opts ...Option) *Cache {
	c := &Cache{
		path:        path,
		logger:      logger.With("component", "credcache"),
		pollWait:    50 * time.Millisecond,
		pollTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Load reads the cache file. An empty file (present, zero bytes) means
// "permanent credentials; re-resolve every time" and is reported via
// ok=false with no error. A missing file is reported the same way, since
// there is nothing cached yet.
func (c *Cache) Load() (creds aws.Credentials, ok bool, err error) {
	data, err := os.ReadFile(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return aws.Credentials{}, false, nil
		}
		return aws.Credentials{}, false, fmt.Errorf("credcache: read %s: %w", c.path, err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return aws.Credentials{}, false, nil
	}

	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) != 4 {
		return aws.Credentials{}, false, fmt.Errorf("credcache: %s: expected 4 lines, found %d", c.path, len(lines))
	}
	expiry, err := time.Parse(expiryLayout, lines[3])
	if err != nil {
		return aws.Credentials{}, false, fmt.Errorf("credcache: %s: parse expiry %q: %w", c.path, lines[3], err)
	}
	creds = aws.Credentials{
		AccessKeyID:     lines[0],
		SecretAccessKey: lines[1],
		SessionToken:    lines[2],
		CanExpire:       true,
		Expires:         expiry,
	}
	if creds.Expired() {
		return aws.Credentials{}, false, nil
	}
	return creds, true, nil
}

// Store persists creds under the O_EXCL win/lose protocol: the
// first caller to create path+".tmp" is the winner and writes the four
// lines then atomically renames it into place; every other concurrent
// caller is a loser and simply polls for the winner's temp file to
// disappear, since by the time it's gone the rename has already happened.
func (c *Cache) Store(creds aws.Credentials) error {
	if err := os.MkdirAll(filepath.Dir(c.path), 0o700); err != nil {
		return fmt.Errorf("credcache: create cache dir: %w", err)
	}
	tmpPath := c.path + ".tmp"

	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return c.waitForWinner(tmpPath)
		}
		return fmt.Errorf("credcache: create %s: %w", tmpPath, err)
	}

	if werr := c.writeLines(f, creds); werr != nil {
		f.Close()
		os.Remove(tmpPath)
		return werr
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("credcache: close %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, c.path); err != nil {
		return fmt.Errorf("credcache: rename %s into place: %w", tmpPath, err)
	}
	c.logger.Debug("wrote credential cache", "path", c.path, "expires", creds.Expires)
	return nil
}

func (c *Cache) writeLines(w io.Writer, creds aws.Credentials) error {
	lines := []string{
		creds.AccessKeyID,
		creds.SecretAccessKey,
		creds.SessionToken,
		creds.Expires.UTC().Format(expiryLayout),
	}
	_, err := io.WriteString(w, strings.Join(lines, "\n")+"\n")
	return err
}

// waitForWinner polls until tmpPath no longer exists, meaning the winning
// writer has finished its rename.
func (c *Cache) waitForWinner(tmpPath string) error {
	deadline := time.Now().Add(c.pollTimeout)
	for {
		if _, err := os.Stat(tmpPath); os.IsNotExist(err) {
			return nil
		}
		if time.Now().After(deadline) {
			return ErrPollTimeout
		}
		time.Sleep(c.pollWait)
	}
}

// Clear removes the cache file, forcing the next Load to report a miss.
func (c *Cache) Clear() error {
	err := os.Remove(c.path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("credcache: remove %s: %w", c.path, err)
	}
	return nil
}
