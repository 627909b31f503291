package filestage

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/me/gowe/internal/vfsuri"
)

func newTestStore(t *testing.T) *LocalStore {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	store, err := NewLocalStore(t.TempDir(), logger)
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}
	return store
}

func TestLocalStoreWriteReadRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	src := filepath.Join(t.TempDir(), "a.txt")
	if err := os.WriteFile(src, []byte("hello"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	id, err := store.WriteGlobalFile(ctx, src)
	if err != nil {
		t.Fatalf("WriteGlobalFile: %v", err)
	}

	dest := filepath.Join(t.TempDir(), "out.txt")
	if err := store.ReadGlobalFile(ctx, id, dest, false); err != nil {
		t.Fatalf("ReadGlobalFile: %v", err)
	}

	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("read result: %v", err)
	}
	if string(got) != "hello" {
		t.Errorf("got %q, want hello", got)
	}
}

func TestLocalStoreDedupesIdenticalContent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	a := filepath.Join(t.TempDir(), "a.txt")
	b := filepath.Join(t.TempDir(), "b.txt")
	os.WriteFile(a, []byte("same bytes"), 0o644)
	os.WriteFile(b, []byte("same bytes"), 0o644)

	id1, err := store.WriteGlobalFile(ctx, a)
	if err != nil {
		t.Fatalf("write a: %v", err)
	}
	id2, err := store.WriteGlobalFile(ctx, b)
	if err != nil {
		t.Fatalf("write b: %v", err)
	}
	if id1 != id2 {
		t.Errorf("identical content should produce the same FileID: %s != %s", id1, id2)
	}
}

func TestImportFileUploadsToStore(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	src := filepath.Join(t.TempDir(), "in.txt")
	os.WriteFile(src, []byte("payload"), 0o644)

	obj := map[string]any{
		"class":    "File",
		"location": "file://" + src,
	}
	if err := Import(ctx, store, nil, obj, ImportOptions{}); err != nil {
		t.Fatalf("Import: %v", err)
	}
	loc := obj["location"].(string)
	scheme, _ := vfsuri.ParseScheme(loc)
	if scheme != vfsuri.SchemeToilFile {
		t.Errorf("expected toilfile: location after import, got %q", loc)
	}
}

func TestImportPassesThroughStoreLocations(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	obj := map[string]any{
		"class":    "File",
		"location": "toilfile:already-there",
	}
	if err := Import(ctx, store, nil, obj, ImportOptions{}); err != nil {
		t.Fatalf("Import: %v", err)
	}
	if obj["location"] != "toilfile:already-there" {
		t.Errorf("location should be left unchanged, got %q", obj["location"])
	}
}

func TestImportSkipBrokenLeavesLocationAlone(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	obj := map[string]any{
		"class":    "File",
		"location": "file:///does/not/exist.txt",
	}
	err := Import(ctx, store, nil, obj, ImportOptions{SkipBroken: true})
	if err != nil {
		t.Fatalf("expected no error with SkipBroken, got %v", err)
	}
	if obj["location"] != "file:///does/not/exist.txt" {
		t.Errorf("location should be untouched, got %q", obj["location"])
	}
}

func TestImportFailsOnMissingFileWithoutSkipBroken(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	obj := map[string]any{
		"class":    "File",
		"location": "file:///does/not/exist.txt",
	}
	if err := Import(ctx, store, nil, obj, ImportOptions{}); err == nil {
		t.Fatal("expected an error for a missing required file")
	}
}

func TestImportDirectoryEncodesContents(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	childPath := filepath.Join(t.TempDir(), "child.txt")
	os.WriteFile(childPath, []byte("child bytes"), 0o644)

	obj := map[string]any{
		"class":    "Directory",
		"basename": "mydir",
		"listing": []any{
			map[string]any{
				"class":    "File",
				"location": "file://" + childPath,
				"basename": "child.txt",
			},
		},
	}
	if err := Import(ctx, store, nil, obj, ImportOptions{}); err != nil {
		t.Fatalf("Import: %v", err)
	}
	loc := obj["location"].(string)
	contents, _, _, err := vfsuri.DecodeDirectory(loc)
	if err != nil {
		t.Fatalf("decode resulting directory: %v", err)
	}
	if _, ok := contents["child.txt"]; !ok {
		t.Errorf("expected child.txt in directory contents, got %#v", contents)
	}
}

func TestImportDirectoryRejectsCollision(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	obj := map[string]any{
		"class": "Directory",
		"listing": []any{
			map[string]any{"class": "File", "location": "toilfile:a", "basename": "x"},
			map[string]any{"class": "File", "location": "toilfile:b", "basename": "x"},
		},
	}
	err := Import(ctx, store, nil, obj, ImportOptions{})
	if err == nil {
		t.Fatal("expected a staging conflict error")
	}
}

func TestMaterializeFileScheme(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	path, pipe, err := Materialize(ctx, store, "file:///tmp/x.txt", false, MaterializeOptions{})
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	if pipe != nil {
		t.Error("expected no pipe for a file:// location")
	}
	if path != "/tmp/x.txt" {
		t.Errorf("path = %q, want /tmp/x.txt", path)
	}
}

func TestMaterializeAnonDirectory(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	path, pipe, err := Materialize(ctx, store, "_:anon1", false, MaterializeOptions{})
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	if pipe != nil {
		t.Error("expected no pipe for a synthetic location")
	}
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		t.Errorf("expected a fresh directory at %q", path)
	}
}

func TestMaterializeToilFileDownloadsWhenNotStreaming(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	src := filepath.Join(t.TempDir(), "a.txt")
	os.WriteFile(src, []byte("content"), 0o644)
	id, err := store.WriteGlobalFile(ctx, src)
	if err != nil {
		t.Fatalf("write: %v", err)
	}

	path, pipe, err := Materialize(ctx, store, id.URI(), false, MaterializeOptions{StreamingAllowed: true, StoreIsLocal: true})
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	if pipe != nil {
		t.Error("expected no pipe when store is local")
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read materialized file: %v", err)
	}
	if string(got) != "content" {
		t.Errorf("got %q, want content", got)
	}
}

func TestMaterializeStreamsWhenStreamable(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	src := filepath.Join(t.TempDir(), "a.txt")
	want := "streamed bytes"
	os.WriteFile(src, []byte(want), 0o644)
	id, err := store.WriteGlobalFile(ctx, src)
	if err != nil {
		t.Fatalf("write: %v", err)
	}

	path, pipe, err := Materialize(ctx, store, id.URI(), true, MaterializeOptions{StreamingAllowed: true, StoreIsLocal: false})
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	if pipe == nil {
		t.Fatal("expected a pipe thread for a streamable remote file")
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read from fifo: %v", err)
	}
	if string(got) != want {
		t.Errorf("got %q, want %q", got, want)
	}
	if err := pipe.Join(); err != nil {
		t.Errorf("pipe.Join: %v", err)
	}
}

func TestPruneSecondaryFilesRemovesUnresolved(t *testing.T) {
	obj := map[string]any{
		"class": "File",
		"secondaryFiles": []any{
			map[string]any{"class": "File", "basename": "ok.bai", "location": "toilfile:abc"},
			map[string]any{"class": "File", "basename": "$(self.basename).bai", "location": "toilfile:def"},
			map[string]any{"class": "File", "basename": "missing.txt", "location": "file:///nope"},
		},
	}
	PruneSecondaryFiles(obj, func(path string) bool { return false })

	kept := obj["secondaryFiles"].([]any)
	if len(kept) != 1 {
		t.Fatalf("expected 1 surviving secondary file, got %d: %#v", len(kept), kept)
	}
	first := kept[0].(map[string]any)
	if first["basename"] != "ok.bai" {
		t.Errorf("unexpected survivor: %#v", first)
	}
}

func TestPruneSecondaryFilesDropsKeyWhenAllRemoved(t *testing.T) {
	obj := map[string]any{
		"class": "File",
		"secondaryFiles": []any{
			map[string]any{"class": "File", "basename": "$(x).bai", "location": "toilfile:def"},
		},
	}
	PruneSecondaryFiles(obj, func(path string) bool { return false })
	if _, ok := obj["secondaryFiles"]; ok {
		t.Error("expected secondaryFiles key to be removed entirely")
	}
}
