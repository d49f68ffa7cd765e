package session

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	"github.com/nextlevelbuilder/omnirelay/internal/storage"
)

func newTestStore(t *testing.T) *SQLStore {
	t.Helper()

	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "sessions.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	schema, err := os.ReadFile("../../migrations/sqlite/0001_init.up.sql")
	if err != nil {
		t.Fatalf("read schema: %v", err)
	}
	if _, err := db.Exec(string(schema)); err != nil {
		t.Fatalf("apply schema: %v", err)
	}

	return NewSQLStore(db, storage.DialectSQLite)
}

func TestConversationKey(t *testing.T) {
	tests := []struct {
		name     string
		chatID   int64
		threadID int
		want     string
	}{
		{name: "private", chatID: 42, threadID: 0, want: "42"},
		{name: "topic", chatID: -100777, threadID: 12, want: "-100777:12"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ConversationKey(tt.chatID, tt.threadID); got != tt.want {
				t.Errorf("ConversationKey(%d, %d) = %q, want %q", tt.chatID, tt.threadID, got, tt.want)
			}
		})
	}
}

func TestSQLStore_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	token, err := s.ResumeToken(ctx, "42")
	if err != nil {
		t.Fatalf("load missing: %v", err)
	}
	if token != "" {
		t.Errorf("missing conversation token = %q, want empty", token)
	}

	if err := s.SaveResumeToken(ctx, "42", "sess-aaa"); err != nil {
		t.Fatalf("save: %v", err)
	}
	token, err = s.ResumeToken(ctx, "42")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if token != "sess-aaa" {
		t.Errorf("token = %q, want sess-aaa", token)
	}

	// Replacement overwrites.
	if err := s.SaveResumeToken(ctx, "42", "sess-bbb"); err != nil {
		t.Fatalf("replace: %v", err)
	}
	token, _ = s.ResumeToken(ctx, "42")
	if token != "sess-bbb" {
		t.Errorf("token after replace = %q, want sess-bbb", token)
	}

	if err := s.Touch(ctx, "42"); err != nil {
		t.Fatalf("touch: %v", err)
	}
}

func TestSQLStore_KeysAreIndependent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SaveResumeToken(ctx, "42", "private"); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveResumeToken(ctx, "42:7", "topic"); err != nil {
		t.Fatal(err)
	}

	got, _ := s.ResumeToken(ctx, "42")
	if got != "private" {
		t.Errorf("token for 42 = %q, want private", got)
	}
	got, _ = s.ResumeToken(ctx, "42:7")
	if got != "topic" {
		t.Errorf("token for 42:7 = %q, want topic", got)
	}
}

func TestFSBlobStore_RoundTrip(t *testing.T) {
	blobs, err := NewFSBlobStore(filepath.Join(t.TempDir(), "blobs"))
	if err != nil {
		t.Fatalf("new blob store: %v", err)
	}
	ctx := context.Background()

	src := t.TempDir()
	if err := os.MkdirAll(filepath.Join(src, "projects"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, "projects", "state.jsonl"), []byte("line1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, "config.json"), []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := blobs.Upload(ctx, "sess-aaa", src); err != nil {
		t.Fatalf("upload: %v", err)
	}

	dest := t.TempDir()
	if err := blobs.Download(ctx, "sess-aaa", dest); err != nil {
		t.Fatalf("download: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dest, "projects", "state.jsonl"))
	if err != nil {
		t.Fatalf("read restored file: %v", err)
	}
	if string(data) != "line1\n" {
		t.Errorf("restored content = %q, want %q", data, "line1\n")
	}
	if _, err := os.Stat(filepath.Join(dest, "config.json")); err != nil {
		t.Errorf("restored top-level file missing: %v", err)
	}
}

func TestFSBlobStore_MissingSnapshotIsNoop(t *testing.T) {
	blobs, err := NewFSBlobStore(filepath.Join(t.TempDir(), "blobs"))
	if err != nil {
		t.Fatal(err)
	}

	dest := t.TempDir()
	if err := blobs.Download(context.Background(), "never-uploaded", dest); err != nil {
		t.Fatalf("download of missing snapshot: %v", err)
	}
	entries, err := os.ReadDir(dest)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("dest should stay empty, found %d entries", len(entries))
	}
}

func TestFSBlobStore_UploadReplacesPrevious(t *testing.T) {
	blobs, err := NewFSBlobStore(filepath.Join(t.TempDir(), "blobs"))
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	src := t.TempDir()
	if err := os.WriteFile(filepath.Join(src, "old.txt"), []byte("old"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := blobs.Upload(ctx, "tok", src); err != nil {
		t.Fatal(err)
	}

	src2 := t.TempDir()
	if err := os.WriteFile(filepath.Join(src2, "new.txt"), []byte("new"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := blobs.Upload(ctx, "tok", src2); err != nil {
		t.Fatal(err)
	}

	dest := t.TempDir()
	if err := blobs.Download(ctx, "tok", dest); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dest, "old.txt")); !os.IsNotExist(err) {
		t.Error("stale file from previous snapshot survived replacement")
	}
	if _, err := os.Stat(filepath.Join(dest, "new.txt")); err != nil {
		t.Errorf("new snapshot file missing: %v", err)
	}
}

func TestFSBlobStore_RejectsPathTraversalToken(t *testing.T) {
	blobs, err := NewFSBlobStore(filepath.Join(t.TempDir(), "blobs"))
	if err != nil {
		t.Fatal(err)
	}
	for _, token := range []string{"", "..", "a/b", `a\b`} {
		if err := blobs.Download(context.Background(), token, t.TempDir()); err == nil {
			t.Errorf("token %q should be rejected", token)
		}
	}
}
