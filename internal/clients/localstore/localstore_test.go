package localstore

import (
	"context"
	"errors"
	"testing"

	"github.com/yungbote/dialectic-backend/internal/pkg/logger"
)

func TestUploadDownloadListCopy(t *testing.T) {
	ctx := context.Background()
	s, err := New(logger.Nop(), t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Upload(ctx, "projects/p/sessions/s/a.md", []byte("alpha"), "text/markdown"); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if err := s.Upload(ctx, "projects/q/b.md", []byte("beta"), ""); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	got, err := s.Download(ctx, "projects/p/sessions/s/a.md")
	if err != nil || string(got) != "alpha" {
		t.Fatalf("Download: got=%q err=%v", got, err)
	}
	keys, err := s.List(ctx, "projects/p/")
	if err != nil || len(keys) != 1 || keys[0] != "projects/p/sessions/s/a.md" {
		t.Fatalf("List: keys=%v err=%v", keys, err)
	}
	if err := s.Copy(ctx, "projects/p/sessions/s/a.md", "projects/r/a.md"); err != nil {
		t.Fatalf("Copy: %v", err)
	}
	if b, _ := s.Download(ctx, "projects/r/a.md"); string(b) != "alpha" {
		t.Fatalf("copied content: %q", b)
	}
}

func TestKeysCannotEscapeRoot(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	s, _ := New(logger.Nop(), root)
	if err := s.Upload(ctx, "../../outside.txt", []byte("x"), ""); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	keys, _ := s.List(ctx, "")
	if len(keys) != 1 || keys[0] != "outside.txt" {
		t.Fatalf("escaped key should be rooted, got=%v", keys)
	}
}

func TestDownloadMissing(t *testing.T) {
	s, _ := New(logger.Nop(), t.TempDir())
	_, err := s.Download(context.Background(), "nope.md")
	if !errors.Is(err, ErrObjectNotFound) {
		t.Fatalf("want ErrObjectNotFound got=%v", err)
	}
}
