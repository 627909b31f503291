package filestage

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func testSQLJobStore(t *testing.T) *SQLJobStore {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelError}))
	st, err := NewSQLJobStore(":memory:", logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestSQLJobStore_WriteAndReadGlobalFile(t *testing.T) {
	ctx := context.Background()
	st := testSQLJobStore(t)

	src := filepath.Join(t.TempDir(), "hello.txt")
	if err := os.WriteFile(src, []byte("hello sql store"), 0o644); err != nil {
		t.Fatal(err)
	}

	id, err := st.WriteGlobalFile(ctx, src)
	if err != nil {
		t.Fatalf("WriteGlobalFile: %v", err)
	}

	dest := filepath.Join(t.TempDir(), "out.txt")
	if err := st.ReadGlobalFile(ctx, id, dest, false); err != nil {
		t.Fatalf("ReadGlobalFile: %v", err)
	}
	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hello sql store" {
		t.Fatalf("unexpected content: %q", got)
	}
}

func TestSQLJobStore_WriteGlobalFileDedupes(t *testing.T) {
	ctx := context.Background()
	st := testSQLJobStore(t)

	srcA := filepath.Join(t.TempDir(), "a.txt")
	srcB := filepath.Join(t.TempDir(), "b.txt")
	os.WriteFile(srcA, []byte("same content"), 0o644)
	os.WriteFile(srcB, []byte("same content"), 0o644)

	idA, err := st.WriteGlobalFile(ctx, srcA)
	if err != nil {
		t.Fatal(err)
	}
	idB, err := st.WriteGlobalFile(ctx, srcB)
	if err != nil {
		t.Fatal(err)
	}
	if idA != idB {
		t.Fatalf("expected identical content to produce the same FileID: %s != %s", idA, idB)
	}
}

func TestSQLJobStore_GetGlobalFileSizeAndMissing(t *testing.T) {
	ctx := context.Background()
	st := testSQLJobStore(t)

	src := filepath.Join(t.TempDir(), "sized.txt")
	os.WriteFile(src, []byte("0123456789"), 0o644)

	id, err := st.WriteGlobalFile(ctx, src)
	if err != nil {
		t.Fatal(err)
	}
	size, err := st.GetGlobalFileSize(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if size != 10 {
		t.Fatalf("expected size 10, got %d", size)
	}

	if _, err := st.GetGlobalFileSize(ctx, FileID("not-a-real-id")); err == nil {
		t.Fatal("expected ErrMissingInput for an unknown FileID")
	}
}

func TestSQLJobStore_ReadGlobalFileStream(t *testing.T) {
	ctx := context.Background()
	st := testSQLJobStore(t)

	src := filepath.Join(t.TempDir(), "streamed.txt")
	os.WriteFile(src, []byte("stream me"), 0o644)

	id, err := st.WriteGlobalFile(ctx, src)
	if err != nil {
		t.Fatal(err)
	}
	r, err := st.ReadGlobalFileStream(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	var buf bytes.Buffer
	buf.ReadFrom(r)
	if buf.String() != "stream me" {
		t.Fatalf("unexpected stream content: %q", buf.String())
	}
}
