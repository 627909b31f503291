package filestage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/me/gowe/internal/vfsuri"
)

// MaterializeOptions configures Materialize (the toil_get_file equivalent).
type MaterializeOptions struct {
	StreamingAllowed bool
	StoreIsLocal     bool
	Logger           *slog.Logger
}

// PipeThread tracks one background streaming-writer goroutine started by
// Materialize, so a caller can join it after the tool finishes reading.
type PipeThread struct {
	Path string
	Done chan error
}

// Join blocks until the streaming writer goroutine exits, returning its
// error: nil on a clean close or when the reader closed early (EPIPE), an
// *ErrPipe wrapping any other copy error, or the unwrapped error when opening
// the store stream or the named pipe failed.
func (p *PipeThread) Join() error {
	return <-p.Done
}

// Materialize resolves a location to a plain local filesystem path the tool
// runtime can open directly; it never returns a file:// URI:
//   - toildir:<b64>/<subpath>: decode, resolve subpath, recurse or fetch a
//     subtree into a fresh temp directory.
//   - _: return a fresh empty directory.
//   - file://: strip the scheme prefix; no scheme: return as-is.
//   - toilfile:<id>: stream via a named pipe when streamable+allowed+remote
//     store, else download.
//   - anything else: delegate to the job-store URL reader.
func Materialize(ctx context.Context, store JobStore, location string, streamable bool, opts MaterializeOptions) (localPath string, pipe *PipeThread, err error) {
	scheme, rest := vfsuri.ParseScheme(location)

	switch scheme {
	case vfsuri.SchemeToilDir:
		return materializeDir(ctx, store, rest, opts)

	case vfsuri.SchemeAnon:
		dir, err := store.GetLocalTempDir(ctx)
		if err != nil {
			return "", nil, fmt.Errorf("filestage: materialize anon dir: %w", err)
		}
		return dir, nil, nil

	case vfsuri.SchemeFile, "":
		path := strings.TrimPrefix(location, "file://")
		return path, nil, nil

	case vfsuri.SchemeToilFile:
		id := FileID(rest)
		if streamable && opts.StreamingAllowed && !opts.StoreIsLocal {
			return materializeStream(ctx, store, id, opts)
		}
		tmp, err := store.GetLocalTempFileName(ctx)
		if err != nil {
			return "", nil, fmt.Errorf("filestage: temp file name: %w", err)
		}
		if err := store.ReadGlobalFile(ctx, id, tmp, true); err != nil {
			return "", nil, err
		}
		return tmp, nil, nil

	default:
		tmp, err := store.GetLocalTempFileName(ctx)
		if err != nil {
			return "", nil, fmt.Errorf("filestage: temp file name: %w", err)
		}
		f, err := os.Create(tmp)
		if err != nil {
			return "", nil, fmt.Errorf("filestage: create temp: %w", err)
		}
		defer f.Close()
		if err := store.ReadFromURL(ctx, location, f); err != nil {
			return "", nil, fmt.Errorf("filestage: delegate to url reader: %w", err)
		}
		return tmp, nil, nil
	}
}

func materializeDir(ctx context.Context, store JobStore, rest string, opts MaterializeOptions) (string, *PipeThread, error) {
	contents, subpath, _, err := vfsuri.DecodeDirectory(vfsuri.SchemeToilDir + ":" + rest)
	if err != nil {
		return "", nil, err
	}

	node := any(contents)
	remaining := subpath
	for remaining != "" {
		head := remaining
		tail := ""
		if idx := strings.Index(remaining, "/"); idx >= 0 {
			head = remaining[:idx]
			tail = remaining[idx+1:]
		}
		m, ok := node.(vfsuri.DirContents)
		if !ok {
			if mm, ok2 := node.(map[string]any); ok2 {
				m = vfsuri.DirContents(mm)
			} else {
				return "", nil, fmt.Errorf("filestage: subpath %q does not resolve within directory", subpath)
			}
		}
		next, ok := m[head]
		if !ok {
			return "", nil, fmt.Errorf("filestage: subpath component %q not found", head)
		}
		node = next
		remaining = tail
	}

	if fileURI, ok := node.(string); ok {
		return Materialize(ctx, store, fileURI, false, opts)
	}

	nested, ok := node.(vfsuri.DirContents)
	if !ok {
		if mm, ok2 := node.(map[string]any); ok2 {
			nested = vfsuri.DirContents(mm)
		} else {
			return "", nil, fmt.Errorf("filestage: unexpected directory node type %T", node)
		}
	}
	return materializeTree(ctx, store, nested, opts)
}

// materializeTree fetches an entire directory subtree recursively into a
// fresh temp directory and returns its root path.
func materializeTree(ctx context.Context, store JobStore, contents vfsuri.DirContents, opts MaterializeOptions) (string, *PipeThread, error) {
	root, err := store.GetLocalTempDir(ctx)
	if err != nil {
		return "", nil, fmt.Errorf("filestage: temp dir: %w", err)
	}
	if err := fetchTreeInto(ctx, store, contents, root, opts); err != nil {
		return "", nil, err
	}
	return root, nil, nil
}

func fetchTreeInto(ctx context.Context, store JobStore, contents vfsuri.DirContents, dest string, opts MaterializeOptions) error {
	for name, child := range contents {
		childPath := dest + "/" + name
		switch v := child.(type) {
		case string:
			local, _, err := Materialize(ctx, store, v, false, opts)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(dest, 0o755); err != nil {
				return err
			}
			if err := copyOrLinkFile(local, childPath); err != nil {
				return err
			}
		case vfsuri.DirContents:
			if err := os.MkdirAll(childPath, 0o755); err != nil {
				return err
			}
			if err := fetchTreeInto(ctx, store, v, childPath, opts); err != nil {
				return err
			}
		case map[string]any:
			if err := os.MkdirAll(childPath, 0o755); err != nil {
				return err
			}
			if err := fetchTreeInto(ctx, store, vfsuri.DirContents(v), childPath, opts); err != nil {
				return err
			}
		}
	}
	return nil
}

func copyOrLinkFile(src, dst string) error {
	if err := os.Link(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}

// materializeStream creates a named pipe and starts a background writer
// goroutine that reads id from the store and writes into it. EPIPE (the tool
// closing its end early) is swallowed; any other write error is fatal and
// surfaced through the returned PipeThread's Join.
func materializeStream(ctx context.Context, store JobStore, id FileID, opts MaterializeOptions) (string, *PipeThread, error) {
	path, err := store.GetLocalTempFileName(ctx)
	if err != nil {
		return "", nil, fmt.Errorf("filestage: temp path for pipe: %w", err)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return "", nil, fmt.Errorf("filestage: clear temp path: %w", err)
	}
	if err := mkfifo(path); err != nil {
		return "", nil, fmt.Errorf("filestage: mkfifo: %w", err)
	}

	done := make(chan error, 1)
	go func() {
		r, err := store.ReadGlobalFileStream(ctx, id)
		if err != nil {
			done <- err
			return
		}
		defer r.Close()

		w, err := os.OpenFile(path, os.O_WRONLY, 0)
		if err != nil {
			done <- err
			return
		}
		defer w.Close()

		_, copyErr := io.Copy(w, r)
		if copyErr != nil && isEPIPE(copyErr) {
			if opts.Logger != nil {
				opts.Logger.Debug("streaming pipe closed early by reader", "file_id", id)
			}
			done <- nil
			return
		}
		if copyErr != nil {
			done <- &ErrPipe{Err: copyErr}
			return
		}
		done <- nil
	}()

	return path, &PipeThread{Path: path, Done: done}, nil
}
