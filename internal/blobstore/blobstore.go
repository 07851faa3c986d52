// Package blobstore defines the narrow capability interface the Cert
// Store (C2) and Static-Content Store (C3) use to talk to the shared
// blob/KV store. The real backing store (Accumulo, reached through a
// proxy) is an external collaborator out of scope for this module
// (§1); Store is the seam a production build would implement against
// that proxy's client, and Memory is the in-process variant used for
// development and tests, per the persistence-abstraction design note.
package blobstore

import "context"

// Store is a {read, write, delete, scan} capability set over a
// row/family/qualifier addressed table, modeled after the
// `ezfrontend` table layout in §6: family "pfx" with qualifier "enc"
// for PKCS#12 cert blobs, family "static" with qualifiers "hash",
// "nofchunks", and "chunk_NNNNNNNNNN" for chunked archives.
type Store interface {
	// EnsureTable creates table if it does not already exist. Failing
	// to ensure a table is a fatal store error at every call site.
	EnsureTable(ctx context.Context, table string) error

	// Put writes a single cell, replacing any existing value.
	Put(ctx context.Context, table, row, family, qualifier string, value []byte) error

	// Get reads a single cell. ok is false when the cell is absent.
	Get(ctx context.Context, table, row, family, qualifier string) (value []byte, ok bool, err error)

	// Delete tombstones a single cell. Deleting an absent cell is not
	// an error.
	Delete(ctx context.Context, table, row, family, qualifier string) error

	// DeleteRow tombstones every cell of family on row.
	DeleteRow(ctx context.Context, table, row, family string) error

	// RowExists reports whether row has any cell under family.
	RowExists(ctx context.Context, table, row, family string) (bool, error)

	// ScanQualifier returns, for every row that has a value under
	// (family, qualifier), that value keyed by row. Used by
	// getAttributes() to seed the in-memory static-content index at
	// startup.
	ScanQualifier(ctx context.Context, table, family, qualifier string) (map[string][]byte, error)
}
