// Package filestage implements the file/directory staging engine: importing
// local and remote files into a content-addressed store, and materializing
// stored files back onto a worker's filesystem before a tool runs.
package filestage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
)

// FileID is an opaque content-addressable identifier. Unpacking yields a
// store-readable record; repacking the same bytes is stable (same digest).
type FileID string

// PackFileID derives a FileID from file content, reading it fully to compute
// a sha256 digest. It does not retain the content; callers that also need the
// bytes stored should write them via the JobStore separately.
func PackFileID(r io.Reader) (FileID, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", fmt.Errorf("filestage: hash content: %w", err)
	}
	return FileID(hex.EncodeToString(h.Sum(nil))), nil
}

// URI returns this FileID as a toilfile: virtual URI.
func (id FileID) URI() string {
	return "toilfile:" + string(id)
}

// JobStore is the job-store collaborator: a persistent, content-addressed
// backing store for files and directory trees, consumed by the File Staging
// Engine and the Tool Job executor.
type JobStore interface {
	WriteGlobalFile(ctx context.Context, localPath string) (FileID, error)
	ReadGlobalFile(ctx context.Context, id FileID, localPath string, symlink bool) error
	ReadGlobalFileStream(ctx context.Context, id FileID) (io.ReadCloser, error)
	GetLocalTempDir(ctx context.Context) (string, error)
	GetLocalTempFileName(ctx context.Context) (string, error)
	GetGlobalFileSize(ctx context.Context, id FileID) (int64, error)
	ImportFile(ctx context.Context, url string, symlink bool) (FileID, error)
	ExportFile(ctx context.Context, id FileID, url string) error

	URLExists(ctx context.Context, url string) (bool, error)
	GetSize(ctx context.Context, url string) (int64, error)
	GetIsDirectory(ctx context.Context, url string) (bool, error)
	ListURL(ctx context.Context, url string) ([]string, error)
	ReadFromURL(ctx context.Context, url string, w io.Writer) error
	OpenURL(ctx context.Context, url string) (io.ReadCloser, error)
}

// ErrMissingInput is the sentinel for a required file that cannot be found
// when actually staging for a job (as opposed to import time, where a
// missing optional file is left alone per SkipBroken).
var ErrMissingInput = fmt.Errorf("filestage: missing required input file")

// ErrPipe wraps an error from a streaming writer goroutine. EPIPE is
// recoverable (the tool closed its end early); anything else is fatal to the
// streaming goroutine.
type ErrPipe struct {
	Err error
}

func (e *ErrPipe) Error() string { return fmt.Sprintf("filestage: streaming pipe: %v", e.Err) }
func (e *ErrPipe) Unwrap() error { return e.Err }
