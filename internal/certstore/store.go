// Package certstore implements the Cert Store (C2): durable
// per-serverName storage of PKCS#12-wrapped cert+key material in the
// shared blob store.
package certstore

import (
	"context"
	"fmt"
	"log/slog"

	"software.sslmate.com/src/go-pkcs12"

	"github.com/ezfrontend/efe-control/internal/blobstore"
	"github.com/ezfrontend/efe-control/internal/ezerr"
)

// Table is the fixed blob-store table name per §6.
const Table = "ezfrontend"

const (
	family    = "pfx"
	qualifier = "enc"
)

// Store is the Cert Store. It is safe for concurrent use; all state
// lives in the backing blobstore.Store.
type Store struct {
	blob       blobstore.Store
	signingKey []byte
	salt       []byte
	log        *slog.Logger
}

// New returns a Store backed by blob. signingKey, when non-empty,
// makes bundle passwords tamper-evident (HMAC-keyed); salt is used
// otherwise. log defaults to slog.Default() when nil.
func New(blob blobstore.Store, signingKey, salt []byte, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{blob: blob, signingKey: signingKey, salt: salt, log: log}
}

// ensure creates the backing table, treating failure as fatal per §4.2.
func (s *Store) ensure(ctx context.Context) error {
	if err := s.blob.EnsureTable(ctx, Table); err != nil {
		return &ezerr.CertStoreError{Op: "ensureTable", Err: err}
	}
	return nil
}

// Put bundles certPEM/keyPEM into PKCS#12 and writes a single row.
func (s *Store) Put(ctx context.Context, serverName string, certPEM, keyPEM []byte) error {
	if err := s.ensure(ctx); err != nil {
		return err
	}

	cert, err := parseCertPEM(certPEM)
	if err != nil {
		return &ezerr.CertStoreError{Op: "put", Err: fmt.Errorf("parse cert: %w", err)}
	}
	key, err := parseKeyPEM(keyPEM)
	if err != nil {
		return &ezerr.CertStoreError{Op: "put", Err: fmt.Errorf("parse key: %w", err)}
	}

	password := derivePassword(serverName, s.signingKey, s.salt)
	pfxBytes, err := pkcs12.Modern.Encode(key, cert, nil, password)
	if err != nil {
		return &ezerr.CertStoreError{Op: "put", Err: fmt.Errorf("pkcs12 encode: %w", err)}
	}

	if err := s.blob.Put(ctx, Table, serverName, family, qualifier, pfxBytes); err != nil {
		return &ezerr.CertStoreError{Op: "put", Err: err}
	}
	s.log.Info("cert store put", "serverName", serverName)
	return nil
}

// Get retrieves and unpacks the bundle for serverName. It returns
// (nil, nil, nil) when no bundle exists, per §4.2.
func (s *Store) Get(ctx context.Context, serverName string) (certPEM, keyPEM []byte, err error) {
	if err := s.ensure(ctx); err != nil {
		return nil, nil, err
	}

	pfxBytes, ok, err := s.blob.Get(ctx, Table, serverName, family, qualifier)
	if err != nil {
		return nil, nil, &ezerr.CertStoreError{Op: "get", Err: err}
	}
	if !ok {
		return nil, nil, nil
	}

	password := derivePassword(serverName, s.signingKey, s.salt)
	key, cert, err := pkcs12.Decode(pfxBytes, password)
	if err != nil {
		return nil, nil, &ezerr.CertStoreError{Op: "get", Err: fmt.Errorf("pkcs12 decode: %w", err)}
	}

	keyPEMOut, err := keyFromDecoded(key)
	if err != nil {
		return nil, nil, &ezerr.CertStoreError{Op: "get", Err: err}
	}

	return certToPEM(cert), keyPEMOut, nil
}

// Exists reports whether a bundle for serverName is present.
func (s *Store) Exists(ctx context.Context, serverName string) (bool, error) {
	if err := s.ensure(ctx); err != nil {
		return false, err
	}
	ok, err := s.blob.RowExists(ctx, Table, serverName, family)
	if err != nil {
		return false, &ezerr.CertStoreError{Op: "exists", Err: err}
	}
	return ok, nil
}

// Remove tombstones the row for serverName.
func (s *Store) Remove(ctx context.Context, serverName string) error {
	if err := s.ensure(ctx); err != nil {
		return err
	}
	if err := s.blob.DeleteRow(ctx, Table, serverName, family); err != nil {
		return &ezerr.CertStoreError{Op: "remove", Err: err}
	}
	s.log.Info("cert store remove", "serverName", serverName)
	return nil
}
