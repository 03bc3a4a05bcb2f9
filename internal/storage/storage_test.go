package storage_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/softctwo/resoftai-collab/internal/storage"
)

func TestMemoryStoreRoundTrip(t *testing.T) {
	s := storage.NewMemoryStore()
	ctx := context.Background()

	_, err := s.LoadInitialContent(ctx, "d1")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}

	s.Seed("d1", "hello")
	content, err := s.LoadInitialContent(ctx, "d1")
	if err != nil {
		t.Fatal(err)
	}
	if content != "hello" {
		t.Fatalf("got %q", content)
	}

	if err := s.Persist(ctx, "d1", "hello world", 3); err != nil {
		t.Fatal(err)
	}
	content, version, ok := s.Content("d1")
	if !ok || content != "hello world" || version != 3 {
		t.Fatalf("got %q v%d ok=%v", content, version, ok)
	}
}

func TestMemoryStoreAutoCreate(t *testing.T) {
	s := storage.NewMemoryStore()
	s.AutoCreate = true
	content, err := s.LoadInitialContent(context.Background(), "new-doc")
	if err != nil {
		t.Fatal(err)
	}
	if content != "" {
		t.Fatalf("got %q, want empty", content)
	}
}

func TestBoltStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "docs.db")
	s, err := storage.NewBoltStore(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	ctx := context.Background()

	_, err = s.LoadInitialContent(ctx, "d1")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}

	if err := s.Persist(ctx, "d1", "persisted", 7); err != nil {
		t.Fatal(err)
	}
	content, err := s.LoadInitialContent(ctx, "d1")
	if err != nil {
		t.Fatal(err)
	}
	if content != "persisted" {
		t.Fatalf("got %q", content)
	}
}
