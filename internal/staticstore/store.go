// Package staticstore implements the Static-Content Store (C3):
// chunked upload/download/delete of opaque archive bytes keyed by
// userFacingUrlPrefix.
package staticstore

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"github.com/ezfrontend/efe-control/internal/blobstore"
	"github.com/ezfrontend/efe-control/internal/ezerr"
)

// Table is the fixed blob-store table name per §6.
const Table = "ezfrontend"

const family = "static"

const (
	qualifierHash      = "hash"
	qualifierNofChunks = "nofchunks"
	chunkPrefix        = "chunk_"
	chunkDigits        = 10
)

// DefaultChunkSize is the default static-content chunk size (5 MiB),
// per §6.
const DefaultChunkSize = 5 * 1024 * 1024

// Store is the Static-Content Store.
type Store struct {
	blob      blobstore.Store
	chunkSize int
	log       *slog.Logger
}

// New returns a Store backed by blob with the given chunk size (bytes).
// A non-positive chunkSize falls back to DefaultChunkSize.
func New(blob blobstore.Store, chunkSize int, log *slog.Logger) *Store {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if log == nil {
		log = slog.Default()
	}
	return &Store{blob: blob, chunkSize: chunkSize, log: log}
}

func chunkQualifier(i int) string {
	return fmt.Sprintf("%s%0*d", chunkPrefix, chunkDigits, i)
}

// Reconnect is a retry hook: callers may call it after a transient
// failure without abandoning the Store object, per §4.3. It only
// re-ensures the table; the blobstore.Store abstraction manages its own
// connection lifetime, so there is no handle to tear down here.
func (s *Store) Reconnect(ctx context.Context) error {
	return s.blob.EnsureTable(ctx, Table)
}

// PutFile first deletes any existing bundle for key, then writes hash,
// nofchunks, and the chunk rows.
func (s *Store) PutFile(ctx context.Context, key string, data []byte) (hash string, nofChunks int, err error) {
	if err := s.blob.EnsureTable(ctx, Table); err != nil {
		return "", 0, &ezerr.StaticContentError{Op: "putFile", Err: err}
	}

	if err := s.DeleteFile(ctx, key); err != nil {
		return "", 0, err
	}

	sum := md5.Sum(data)
	hash = hex.EncodeToString(sum[:])
	nofChunks = (len(data) + s.chunkSize - 1) / s.chunkSize
	if len(data) == 0 {
		nofChunks = 0
	}

	if err := s.blob.Put(ctx, Table, key, family, qualifierHash, []byte(hash)); err != nil {
		return "", 0, &ezerr.StaticContentError{Op: "putFile", Err: err}
	}
	if err := s.blob.Put(ctx, Table, key, family, qualifierNofChunks, []byte(strconv.Itoa(nofChunks))); err != nil {
		return "", 0, &ezerr.StaticContentError{Op: "putFile", Err: err}
	}

	for i := 0; i < nofChunks; i++ {
		start := i * s.chunkSize
		end := start + s.chunkSize
		if end > len(data) {
			end = len(data)
		}
		if err := s.blob.Put(ctx, Table, key, family, chunkQualifier(i), data[start:end]); err != nil {
			return "", 0, &ezerr.StaticContentError{Op: "putFile", Err: err}
		}
	}

	s.log.Info("static content store put", "key", key, "hash", hash, "chunks", nofChunks)
	return hash, nofChunks, nil
}

// GetFile reads chunks in index order and concatenates them. A short
// read (fewer chunks present than nofchunks claims) is logged; the
// partial result is returned when non-empty.
func (s *Store) GetFile(ctx context.Context, key string) ([]byte, error) {
	nofChunksRaw, ok, err := s.blob.Get(ctx, Table, key, family, qualifierNofChunks)
	if err != nil {
		return nil, &ezerr.StaticContentError{Op: "getFile", Err: err}
	}
	if !ok {
		return nil, nil
	}
	nofChunks, err := strconv.Atoi(string(nofChunksRaw))
	if err != nil {
		return nil, &ezerr.StaticContentError{Op: "getFile", Err: fmt.Errorf("invalid nofchunks %q: %w", nofChunksRaw, err)}
	}

	var out []byte
	for i := 0; i < nofChunks; i++ {
		chunk, ok, err := s.blob.Get(ctx, Table, key, family, chunkQualifier(i))
		if err != nil {
			return nil, &ezerr.StaticContentError{Op: "getFile", Err: err}
		}
		if !ok {
			s.log.Warn("static content store short read", "key", key, "missingChunk", i, "expectedChunks", nofChunks)
			break
		}
		out = append(out, chunk...)
	}
	return out, nil
}

// DeleteFile tombstones hash, nofchunks, and every chunk row for key.
func (s *Store) DeleteFile(ctx context.Context, key string) error {
	nofChunksRaw, ok, err := s.blob.Get(ctx, Table, key, family, qualifierNofChunks)
	if err != nil {
		return &ezerr.StaticContentError{Op: "deleteFile", Err: err}
	}
	if !ok {
		return nil
	}
	nofChunks, err := strconv.Atoi(string(nofChunksRaw))
	if err != nil {
		nofChunks = 0
	}

	if err := s.blob.Delete(ctx, Table, key, family, qualifierHash); err != nil {
		return &ezerr.StaticContentError{Op: "deleteFile", Err: err}
	}
	if err := s.blob.Delete(ctx, Table, key, family, qualifierNofChunks); err != nil {
		return &ezerr.StaticContentError{Op: "deleteFile", Err: err}
	}
	for i := 0; i < nofChunks; i++ {
		if err := s.blob.Delete(ctx, Table, key, family, chunkQualifier(i)); err != nil {
			return &ezerr.StaticContentError{Op: "deleteFile", Err: err}
		}
	}
	return nil
}

// Attribute is a (key, hash) pair, as returned by GetAttributes.
type Attribute struct {
	Key  string
	Hash string
}

// GetAttributes yields (key, hash) for every key with a hash column;
// used at startup to populate the in-memory index (sfsHash).
func (s *Store) GetAttributes(ctx context.Context) ([]Attribute, error) {
	hashes, err := s.blob.ScanQualifier(ctx, Table, family, qualifierHash)
	if err != nil {
		return nil, &ezerr.StaticContentError{Op: "getAttributes", Err: err}
	}
	out := make([]Attribute, 0, len(hashes))
	for k, v := range hashes {
		out = append(out, Attribute{Key: k, Hash: string(v)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// keysWithPrefix returns every static-content key in attrs that starts
// with prefix (the same kind of prefix match the Control RPC Server's
// removeReverseProxiedPath applies to node names). Nothing in the
// module calls it.
func keysWithPrefix(attrs []Attribute, prefix string) []string {
	var out []string
	for _, a := range attrs {
		if strings.HasPrefix(a.Key, prefix) {
			out = append(out, a.Key)
		}
	}
	return out
}
