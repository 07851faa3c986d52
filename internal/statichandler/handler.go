// Package statichandler implements the Static-Content Handler (C4):
// staging and extraction of static archives into the double-buffered
// static filesystem tree, and the sfsHash/scHash in-memory indexes
// that track what the Store has versus what the live tree holds.
package statichandler

import (
	"archive/tar"
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/ezfrontend/efe-control/internal/ezerr"
	"github.com/ezfrontend/efe-control/internal/registration"
	"github.com/ezfrontend/efe-control/internal/staticstore"
)

const (
	halfA = "staticA"
	halfB = "staticB"

	currentLink = "staticCurrent"

	// hybridSubdir is the subdirectory HYBRID content is extracted
	// under, per §4.4/§4.6.
	hybridSubdir = "ezbappstatic"

	// DefaultMaxContentSize is the default max static content size
	// (100 MiB), per §6.
	DefaultMaxContentSize = 100 * 1024 * 1024
)

var dirNamePattern = regexp.MustCompile(`^(.*)_([0-9a-f]{32})$`)

// Item is a (prefix, bytes) pair as accepted by AddStaticContent and
// (prefix) as accepted by RemoveStaticContent.
type Item struct {
	Prefix string
	Bytes  []byte
}

// Handler is the Static-Content Handler. It owns the double-buffered
// static directory tree rooted at root and the sfsHash/scHash maps.
type Handler struct {
	mu sync.Mutex

	store *staticstore.Store
	root  string

	maxContentSize int

	sfsHash map[string]string
	scHash  map[string]string

	curDir   string
	buildDir string
	firstRun bool

	log *slog.Logger
}

// New returns a Handler rooted at root (expected to already contain
// staticA/, staticB/, and a staticCurrent symlink, created by the
// Proxy-Worker Supervisor at startup).
func New(store *staticstore.Store, root string, maxContentSize int, log *slog.Logger) *Handler {
	if maxContentSize <= 0 {
		maxContentSize = DefaultMaxContentSize
	}
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		store:          store,
		root:           root,
		maxContentSize: maxContentSize,
		sfsHash:        map[string]string{},
		scHash:         map[string]string{},
		firstRun:       true,
		log:            log,
	}
}

func (h *Handler) currentHalf() (string, error) {
	target, err := os.Readlink(filepath.Join(h.root, currentLink))
	if err != nil {
		return "", fmt.Errorf("read %s: %w", currentLink, err)
	}
	return filepath.Base(target), nil
}

func otherHalf(half string) string {
	if half == halfA {
		return halfB
	}
	return halfA
}

// UpdateStaticContentsDict is invoked at the start of a Configure
// pass: it picks buildDir as the half not currently live, refreshes
// sfsHash from the Store on first run only, and rebuilds scHash by
// scanning curDir.
func (h *Handler) UpdateStaticContentsDict(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	cur, err := h.currentHalf()
	if err != nil {
		// No current link yet (first-ever boot): default to A live, B build.
		cur = halfA
	}
	h.curDir = filepath.Join(h.root, cur)
	h.buildDir = filepath.Join(h.root, otherHalf(cur))

	if h.firstRun {
		attrs, err := h.store.GetAttributes(ctx)
		if err != nil {
			return &ezerr.StaticContentError{Op: "updateStaticContentsDict", Err: err}
		}
		for _, a := range attrs {
			h.sfsHash[a.Key] = a.Hash
		}
		h.firstRun = false
	}

	h.scHash = map[string]string{}
	entries, err := os.ReadDir(h.curDir)
	if err != nil && !os.IsNotExist(err) {
		return &ezerr.StaticContentError{Op: "updateStaticContentsDict", Err: err}
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		m := dirNamePattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		h.scHash[m[1]] = m[2]
	}
	return nil
}

// UpdateStaticDir extracts or copies the bundle for prefix into
// buildDir, per §4.4. It never returns an error: any failure is
// logged and the prefix is treated as having no static content for
// this pass, per the component's failure policy.
func (h *Handler) UpdateStaticDir(ctx context.Context, prefix string, contentType registration.ContentServiceType) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	hash, ok := h.sfsHash[prefix]
	if !ok {
		return false
	}

	destName := prefix + "_" + hash
	dest := filepath.Join(h.buildDir, destName)

	if h.scHash[prefix] != hash {
		data, err := h.store.GetFile(ctx, prefix)
		if err != nil {
			h.log.Error("static content fetch failed", "prefix", prefix, "error", err)
			return false
		}
		if err := validateTar(data); err != nil {
			h.log.Error("static content archive invalid", "prefix", prefix, "error", err)
			return false
		}

		extractRoot := filepath.Join(dest, prefix)
		if contentType == registration.ContentTypeHybrid {
			extractRoot = filepath.Join(extractRoot, hybridSubdir)
		}
		if err := os.RemoveAll(dest); err != nil {
			h.log.Error("static content stale dir removal failed", "prefix", prefix, "error", err)
			return false
		}
		if err := extractTar(data, extractRoot); err != nil {
			h.log.Error("static content extract failed", "prefix", prefix, "error", err)
			return false
		}
	} else {
		src := filepath.Join(h.curDir, destName)
		if err := copyTree(src, dest); err != nil {
			h.log.Error("static content copy failed", "prefix", prefix, "error", err)
			return false
		}
	}

	h.scHash[prefix] = hash
	return true
}

// AddStaticContent validates and persists each item, updating sfsHash.
// An item whose bytes hash identically to the existing entry is a
// no-op: the archive is not re-written.
func (h *Handler) AddStaticContent(ctx context.Context, items []Item) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, item := range items {
		if len(item.Bytes) == 0 {
			return &ezerr.StaticContentError{Op: "addStaticContent", Err: fmt.Errorf("empty archive for prefix %q", item.Prefix)}
		}
		if len(item.Bytes) > h.maxContentSize {
			return &ezerr.StaticContentError{Op: "addStaticContent", Err: fmt.Errorf("archive for prefix %q exceeds max size %d", item.Prefix, h.maxContentSize)}
		}
		if err := validateTar(item.Bytes); err != nil {
			return &ezerr.StaticContentError{Op: "addStaticContent", Err: err}
		}

		sum := md5.Sum(item.Bytes)
		hash := hex.EncodeToString(sum[:])
		if h.sfsHash[item.Prefix] == hash {
			continue
		}

		if _, _, err := h.store.PutFile(ctx, item.Prefix, item.Bytes); err != nil {
			return err
		}
		h.sfsHash[item.Prefix] = hash
	}
	return nil
}

// RemoveStaticContent deletes each named prefix via the Store and
// updates sfsHash.
func (h *Handler) RemoveStaticContent(ctx context.Context, prefixes []string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, prefix := range prefixes {
		if err := h.store.DeleteFile(ctx, prefix); err != nil {
			return err
		}
		delete(h.sfsHash, prefix)
	}
	return nil
}

// IsStaticContentPresent reports whether prefix currently has an
// entry in the authoritative index.
func (h *Handler) IsStaticContentPresent(prefix string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.sfsHash[prefix]
	return ok
}

// StaticRoot returns the directory UpdateStaticDir extracted prefix's
// bundle into for the current build half, for the Configurer to
// reference in a static-content location block. It reports false when
// prefix has no sfsHash entry.
func (h *Handler) StaticRoot(prefix string) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	hash, ok := h.sfsHash[prefix]
	if !ok {
		return "", false
	}
	return filepath.Join(h.buildDir, prefix+"_"+hash, prefix), true
}

// UpdateStaticDirLink deletes the prior curDir tree and atomically
// relinks staticCurrent to buildDir.
func (h *Handler) UpdateStaticDirLink() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.buildDir == "" {
		return fmt.Errorf("updateStaticDirLink: no pass in progress")
	}

	if err := relinkCurrent(h.root, currentLink, filepath.Base(h.buildDir)); err != nil {
		return &ezerr.StaticContentError{Op: "updateStaticDirLink", Err: err}
	}
	if h.curDir != "" {
		if err := os.RemoveAll(h.curDir); err != nil {
			h.log.Warn("static content prior half cleanup failed", "dir", h.curDir, "error", err)
		}
	}
	return nil
}

// relinkCurrent atomically repoints root/linkName at target, using a
// temp-symlink-then-rename sequence so the pointer is never observed
// half-written.
func relinkCurrent(root, linkName, target string) error {
	tmp := filepath.Join(root, linkName+".tmp")
	_ = os.Remove(tmp)
	if err := os.Symlink(target, tmp); err != nil {
		return fmt.Errorf("create temp symlink: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(root, linkName)); err != nil {
		return fmt.Errorf("rename symlink into place: %w", err)
	}
	return nil
}

func validateTar(data []byte) error {
	tr := tar.NewReader(bytes.NewReader(data))
	if _, err := tr.Next(); err != nil && err != io.EOF {
		return fmt.Errorf("not a valid tar archive: %w", err)
	}
	return nil
}

func extractTar(data []byte, destRoot string) error {
	if err := os.MkdirAll(destRoot, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", destRoot, err)
	}
	tr := tar.NewReader(bytes.NewReader(data))
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read tar entry: %w", err)
		}

		cleaned := filepath.Clean(hdr.Name)
		if cleaned == ".." || filepath.IsAbs(cleaned) {
			return fmt.Errorf("tar entry %q escapes extraction root", hdr.Name)
		}
		target := filepath.Join(destRoot, cleaned)
		if target != destRoot && !isWithin(destRoot, target) {
			return fmt.Errorf("tar entry %q escapes extraction root", hdr.Name)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, os.FileMode(hdr.Mode)&0o777)
			if err != nil {
				return err
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
		default:
			// Symlinks/devices/etc. in an uploaded static bundle are
			// skipped rather than honored.
		}
	}
}

func isWithin(root, target string) bool {
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return false
	}
	return rel != ".." && !bytesHasPrefix(rel, "../")
}

func bytesHasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

func copyTree(src, dest string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dest, rel)
		if info.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		return os.WriteFile(target, data, info.Mode().Perm())
	})
}
