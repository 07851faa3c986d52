package statichandler

import (
	"archive/tar"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/ezfrontend/efe-control/internal/blobstore"
	"github.com/ezfrontend/efe-control/internal/registration"
	"github.com/ezfrontend/efe-control/internal/staticstore"
)

func makeTar(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for name, content := range files {
		hdr := &tar.Header{Name: name, Mode: 0o644, Size: int64(len(content))}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("WriteHeader: %v", err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("tar Close: %v", err)
	}
	return buf.Bytes()
}

func setupRoot(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	for _, d := range []string{halfA, halfB} {
		if err := os.MkdirAll(filepath.Join(root, d), 0o755); err != nil {
			t.Fatalf("mkdir %s: %v", d, err)
		}
	}
	if err := os.Symlink(halfA, filepath.Join(root, currentLink)); err != nil {
		t.Fatalf("symlink: %v", err)
	}
	return root
}

func TestHandler_AddUpdateExtract_Hybrid(t *testing.T) {
	root := setupRoot(t)
	store := staticstore.New(blobstore.NewMemory(), 1024, nil)
	h := New(store, root, 0, nil)
	ctx := context.Background()

	tarBytes := makeTar(t, map[string]string{"index.html": "hello"})
	if err := h.AddStaticContent(ctx, []Item{{Prefix: "app.example.com/foo", Bytes: tarBytes}}); err != nil {
		t.Fatalf("AddStaticContent: %v", err)
	}
	if !h.IsStaticContentPresent("app.example.com/foo") {
		t.Fatal("expected content present after add")
	}

	if err := h.UpdateStaticContentsDict(ctx); err != nil {
		t.Fatalf("UpdateStaticContentsDict: %v", err)
	}
	if ok := h.UpdateStaticDir(ctx, "app.example.com/foo", registration.ContentTypeHybrid); !ok {
		t.Fatal("expected UpdateStaticDir to succeed")
	}
	if err := h.UpdateStaticDirLink(); err != nil {
		t.Fatalf("UpdateStaticDirLink: %v", err)
	}

	linkTarget, err := os.Readlink(filepath.Join(root, currentLink))
	if err != nil {
		t.Fatalf("Readlink: %v", err)
	}
	if linkTarget != halfB {
		t.Fatalf("expected staticCurrent -> %s, got %s", halfB, linkTarget)
	}

	extracted, err := os.ReadFile(filepath.Join(root, halfB, "app.example.com/foo_"+h.sfsHash["app.example.com/foo"], "app.example.com/foo", hybridSubdir, "index.html"))
	if err != nil {
		t.Fatalf("expected extracted file under ezbappstatic, ReadFile: %v", err)
	}
	if string(extracted) != "hello" {
		t.Errorf("extracted content mismatch: %q", extracted)
	}
}

func TestHandler_DuplicateHash_NoOp(t *testing.T) {
	root := setupRoot(t)
	store := staticstore.New(blobstore.NewMemory(), 1024, nil)
	h := New(store, root, 0, nil)
	ctx := context.Background()

	tarBytes := makeTar(t, map[string]string{"a.txt": "same"})
	if err := h.AddStaticContent(ctx, []Item{{Prefix: "p", Bytes: tarBytes}}); err != nil {
		t.Fatalf("AddStaticContent 1: %v", err)
	}
	before := h.sfsHash["p"]

	if err := h.AddStaticContent(ctx, []Item{{Prefix: "p", Bytes: tarBytes}}); err != nil {
		t.Fatalf("AddStaticContent 2: %v", err)
	}
	if h.sfsHash["p"] != before {
		t.Errorf("expected sfsHash unchanged on duplicate add")
	}
}

func TestHandler_RemoveStaticContent(t *testing.T) {
	root := setupRoot(t)
	store := staticstore.New(blobstore.NewMemory(), 1024, nil)
	h := New(store, root, 0, nil)
	ctx := context.Background()

	tarBytes := makeTar(t, map[string]string{"a.txt": "x"})
	if err := h.AddStaticContent(ctx, []Item{{Prefix: "p", Bytes: tarBytes}}); err != nil {
		t.Fatalf("AddStaticContent: %v", err)
	}
	if err := h.RemoveStaticContent(ctx, []string{"p"}); err != nil {
		t.Fatalf("RemoveStaticContent: %v", err)
	}
	if h.IsStaticContentPresent("p") {
		t.Error("expected content absent after remove")
	}
}

func TestHandler_UpdateStaticDir_UnknownPrefix(t *testing.T) {
	root := setupRoot(t)
	store := staticstore.New(blobstore.NewMemory(), 1024, nil)
	h := New(store, root, 0, nil)
	ctx := context.Background()

	if err := h.UpdateStaticContentsDict(ctx); err != nil {
		t.Fatalf("UpdateStaticContentsDict: %v", err)
	}
	if ok := h.UpdateStaticDir(ctx, "no-such-prefix", registration.ContentTypeHybrid); ok {
		t.Error("expected false for a prefix with no sfsHash entry")
	}
}
