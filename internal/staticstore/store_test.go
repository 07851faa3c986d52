package staticstore

import (
	"bytes"
	"context"
	"testing"

	"github.com/ezfrontend/efe-control/internal/blobstore"
)

func TestPutGetFile_Roundtrip(t *testing.T) {
	store := New(blobstore.NewMemory(), 16, nil)
	ctx := context.Background()

	data := bytes.Repeat([]byte("x"), 100)
	hash, nofChunks, err := store.PutFile(ctx, "app.example.com/foo", data)
	if err != nil {
		t.Fatalf("PutFile: %v", err)
	}
	if nofChunks != 7 {
		t.Errorf("expected 7 chunks for 100 bytes / 16-byte chunk, got %d", nofChunks)
	}

	got, err := store.GetFile(ctx, "app.example.com/foo")
	if err != nil {
		t.Fatalf("GetFile: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("roundtrip mismatch: got %d bytes, want %d", len(got), len(data))
	}

	attrs, err := store.GetAttributes(ctx)
	if err != nil {
		t.Fatalf("GetAttributes: %v", err)
	}
	found := false
	for _, a := range attrs {
		if a.Key == "app.example.com/foo" && a.Hash == hash {
			found = true
		}
	}
	if !found {
		t.Errorf("expected GetAttributes to include (key, hash), got %v", attrs)
	}
}

func TestPutFile_OverwritesPrior(t *testing.T) {
	store := New(blobstore.NewMemory(), 16, nil)
	ctx := context.Background()

	if _, _, err := store.PutFile(ctx, "k", []byte("first-version-data")); err != nil {
		t.Fatalf("PutFile 1: %v", err)
	}
	if _, _, err := store.PutFile(ctx, "k", []byte("second")); err != nil {
		t.Fatalf("PutFile 2: %v", err)
	}

	got, err := store.GetFile(ctx, "k")
	if err != nil {
		t.Fatalf("GetFile: %v", err)
	}
	if string(got) != "second" {
		t.Errorf("expected overwritten content, got %q", got)
	}
}

func TestDeleteFile(t *testing.T) {
	store := New(blobstore.NewMemory(), 16, nil)
	ctx := context.Background()

	if _, _, err := store.PutFile(ctx, "k", []byte("data")); err != nil {
		t.Fatalf("PutFile: %v", err)
	}
	if err := store.DeleteFile(ctx, "k"); err != nil {
		t.Fatalf("DeleteFile: %v", err)
	}

	got, err := store.GetFile(ctx, "k")
	if err != nil {
		t.Fatalf("GetFile: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil after delete, got %v", got)
	}
}

func TestGetFile_Absent(t *testing.T) {
	store := New(blobstore.NewMemory(), 16, nil)
	got, err := store.GetFile(context.Background(), "missing")
	if err != nil {
		t.Fatalf("GetFile: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for absent key, got %v", got)
	}
}
