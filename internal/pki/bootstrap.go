package pki

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"path/filepath"
)

// Triple names one certificate/key/CA file set.
type Triple struct {
	CertFile string
	KeyFile  string
	CAFile   string
}

// configured reports whether every path in t is set. A Triple is
// either fully configured or fully absent; a partially configured
// Triple is a caller error caught by Bootstrap.
func (t Triple) configured() bool {
	return t.CertFile != "" && t.KeyFile != "" && t.CAFile != ""
}

func (t Triple) partiallyConfigured() bool {
	n := 0
	for _, p := range []string{t.CertFile, t.KeyFile, t.CAFile} {
		if p != "" {
			n++
		}
	}
	return n > 0 && n < 3
}

// Options configures Bootstrap, per §4.12.
type Options struct {
	// Control is the control-RPC server cert/key and the trusted
	// client-CA bundle used to authenticate callers of the Control
	// RPC Server (C10).
	Control Triple

	// Upstream is the internal upstream-validation client cert/key/CA
	// triple configured on the proxied upstream (§4.6 step 4).
	Upstream Triple

	// Dev, when true, generates an in-memory self-signed CA and leaf
	// certificates for any Triple left unconfigured, instead of
	// failing closed. Never consulted for a fully configured Triple.
	Dev bool

	// Seed derives the dev CA deterministically so restarts in
	// development mode keep previously issued leaf certificates
	// valid. Ignored unless Dev is true.
	Seed string

	// ControlHosts are the Subject Alternative Names placed on the
	// generated Control RPC Server certificate in dev mode (typically
	// the internal and external hostnames).
	ControlHosts []string

	// WorkingDir is where the generated Upstream Triple's PEM files
	// are persisted in dev mode, since the proxied upstream's nginx
	// configuration references them by file path rather than by
	// in-memory material.
	WorkingDir string
}

// Bundle is the material Bootstrap produces.
type Bundle struct {
	// ControlTLSConfig is ready to pass directly as the Control RPC
	// Server's (C10) and, when mTLS-gated, the Ops HTTP Surface's
	// (C13) listener TLS configuration.
	ControlTLSConfig *tls.Config

	// UpstreamCertFile, UpstreamKeyFile, and UpstreamCAFile are
	// on-disk paths suitable for the Configurer's (C6)
	// ConfigData.InternalCertFile/InternalKeyFile/InternalCAFile
	// template fields.
	UpstreamCertFile string
	UpstreamKeyFile  string
	UpstreamCAFile   string
}

// Bootstrap loads or, in development mode, generates the Control and
// Upstream material described by opts and returns a ready-to-use
// Bundle. A Triple with any path set must have every path set; a
// Triple left entirely unset is generated in dev mode or rejected
// otherwise.
func Bootstrap(opts Options) (*Bundle, error) {
	if opts.Control.partiallyConfigured() {
		return nil, fmt.Errorf("pki: control triple must set all of cert, key, and client-ca, or none")
	}
	if opts.Upstream.partiallyConfigured() {
		return nil, fmt.Errorf("pki: upstream triple must set all of cert, key, and ca, or none")
	}

	var devCA *CA
	ensureDevCA := func() (*CA, error) {
		if devCA != nil {
			return devCA, nil
		}
		ca, err := NewCAFromSeed(opts.Seed)
		if err != nil {
			return nil, fmt.Errorf("pki: generate dev CA: %w", err)
		}
		devCA = ca
		return ca, nil
	}

	tlsConfig, err := bootstrapControl(opts, ensureDevCA)
	if err != nil {
		return nil, err
	}

	upstreamCert, upstreamKey, upstreamCA, err := bootstrapUpstream(opts, ensureDevCA)
	if err != nil {
		return nil, err
	}

	return &Bundle{
		ControlTLSConfig: tlsConfig,
		UpstreamCertFile: upstreamCert,
		UpstreamKeyFile:  upstreamKey,
		UpstreamCAFile:   upstreamCA,
	}, nil
}

func bootstrapControl(opts Options, ensureDevCA func() (*CA, error)) (*tls.Config, error) {
	if opts.Control.configured() {
		cert, err := tls.LoadX509KeyPair(opts.Control.CertFile, opts.Control.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("pki: load control cert/key: %w", err)
		}
		pool, err := loadCAPool(opts.Control.CAFile)
		if err != nil {
			return nil, fmt.Errorf("pki: load control client-ca: %w", err)
		}
		return &tls.Config{
			Certificates: []tls.Certificate{cert},
			ClientAuth:   tls.RequireAndVerifyClientCert,
			ClientCAs:    pool,
			MinVersion:   tls.VersionTLS12,
		}, nil
	}

	if !opts.Dev {
		return nil, fmt.Errorf("pki: control cert/key/client-ca not configured and dev mode disabled")
	}

	ca, err := ensureDevCA()
	if err != nil {
		return nil, err
	}
	certPEM, keyPEM, err := ca.GenerateServerCert(opts.ControlHosts...)
	if err != nil {
		return nil, fmt.Errorf("pki: generate dev control cert: %w", err)
	}
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("pki: parse dev control cert: %w", err)
	}
	pool := x509.NewCertPool()
	pool.AppendCertsFromPEM(ca.CertPEM())

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    pool,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

func bootstrapUpstream(opts Options, ensureDevCA func() (*CA, error)) (certFile, keyFile, caFile string, err error) {
	if opts.Upstream.configured() {
		return opts.Upstream.CertFile, opts.Upstream.KeyFile, opts.Upstream.CAFile, nil
	}

	if !opts.Dev {
		return "", "", "", fmt.Errorf("pki: upstream cert/key/ca not configured and dev mode disabled")
	}

	ca, err := ensureDevCA()
	if err != nil {
		return "", "", "", err
	}
	certPEM, keyPEM, err := ca.GenerateClientCert("efe-control-upstream")
	if err != nil {
		return "", "", "", fmt.Errorf("pki: generate dev upstream cert: %w", err)
	}

	dir := filepath.Join(opts.WorkingDir, "pki")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", "", "", fmt.Errorf("pki: create dev pki dir: %w", err)
	}

	certFile = filepath.Join(dir, "upstream-cert.pem")
	keyFile = filepath.Join(dir, "upstream-key.pem")
	caFile = filepath.Join(dir, "upstream-ca.pem")

	if err := atomicWriteFile(certFile, certPEM, 0o600); err != nil {
		return "", "", "", fmt.Errorf("pki: write dev upstream cert: %w", err)
	}
	if err := atomicWriteFile(keyFile, keyPEM, 0o600); err != nil {
		return "", "", "", fmt.Errorf("pki: write dev upstream key: %w", err)
	}
	if err := atomicWriteFile(caFile, ca.CertPEM(), 0o600); err != nil {
		return "", "", "", fmt.Errorf("pki: write dev upstream ca: %w", err)
	}

	return certFile, keyFile, caFile, nil
}

func loadCAPool(caFile string) (*x509.CertPool, error) {
	data, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("read ca file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("no certificates parsed from %s", caFile)
	}
	return pool, nil
}

// atomicWriteFile writes data to a temporary file in the same
// directory as path, then renames it into place, so a crash mid-write
// cannot leave a partially written file at path.
func atomicWriteFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
