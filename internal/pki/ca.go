// Package pki implements the PKI Bootstrap (C14): a minimal
// certificate authority used to provision the Control RPC Server's
// mTLS identity and the internal upstream-validation client identity
// when no operator-supplied certificate material is configured.
//
// The CA can be created deterministically from a seed string so that
// restarts in development mode produce the same CA certificate,
// keeping previously issued leaf certificates valid until they
// expire.
package pki

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"time"

	"golang.org/x/crypto/hkdf"
)

// caEpoch is the fixed time origin used for the deterministic CA
// certificate. Using a constant avoids the non-determinism that
// time.Now() would introduce, so the CA certificate is byte-identical
// across restarts for the same seed.
var caEpoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// CA holds a self-signed certificate authority key pair and issues
// leaf certificates from it.
type CA struct {
	cert    *x509.Certificate
	key     *ecdsa.PrivateKey
	certPEM []byte
}

// NewCAFromSeed creates a deterministic CA from the given seed string.
// The same seed always produces the same CA key pair and certificate,
// which matters for dev-mode restarts: leaf certificates issued
// against the previous process incarnation remain valid against the
// newly booted one.
func NewCAFromSeed(seed string) (*CA, error) {
	key, err := deriveKey(seed, "ca")
	if err != nil {
		return nil, fmt.Errorf("pki: derive CA key: %w", err)
	}

	serial := deriveSerial(seed, "ca-serial")

	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"efe-control"},
			CommonName:   "efe-control-dev-ca",
		},
		NotBefore:             caEpoch,
		NotAfter:              caEpoch.Add(10 * 365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            0,
	}

	// A deterministic reader for signing, too, so the CA certificate
	// is byte-identical across restarts for the same seed.
	signReader := hkdf.New(sha256.New, []byte(seed), nil, []byte("ca-sign"))
	certDER, err := x509.CreateCertificate(signReader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("pki: create CA cert: %w", err)
	}

	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, fmt.Errorf("pki: parse CA cert: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})

	return &CA{cert: cert, key: key, certPEM: certPEM}, nil
}

// CertPEM returns the PEM-encoded CA certificate.
func (ca *CA) CertPEM() []byte {
	return ca.certPEM
}

// GenerateServerCert creates a TLS server leaf certificate signed by
// the CA. hosts accepts IP addresses and DNS names, added as Subject
// Alternative Names.
func (ca *CA) GenerateServerCert(hosts ...string) (certPEM, keyPEM []byte, err error) {
	return ca.generateLeaf("efe-control", hosts, x509.ExtKeyUsageServerAuth)
}

// GenerateClientCert creates a TLS client leaf certificate signed by
// the CA, identified by cn. Used for the internal upstream-validation
// client identity (§4.6 step 4), where the common name is the only
// attribute the proxied upstream inspects.
func (ca *CA) GenerateClientCert(cn string) (certPEM, keyPEM []byte, err error) {
	return ca.generateLeaf(cn, nil, x509.ExtKeyUsageClientAuth)
}

func (ca *CA) generateLeaf(cn string, hosts []string, usage x509.ExtKeyUsage) (certPEM, keyPEM []byte, err error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("pki: generate leaf key: %w", err)
	}

	serial, err := randomSerial()
	if err != nil {
		return nil, nil, err
	}

	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"efe-control"},
			CommonName:   cn,
		},
		NotBefore:   now.Add(-5 * time.Minute),
		NotAfter:    now.Add(365 * 24 * time.Hour), // 1 year; regenerated on every dev-mode process start
		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{usage},
	}

	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			tmpl.IPAddresses = append(tmpl.IPAddresses, ip)
		} else if h != "" {
			tmpl.DNSNames = append(tmpl.DNSNames, h)
		}
	}

	certDER, err := x509.CreateCertificate(rand.Reader, tmpl, ca.cert, &key.PublicKey, ca.key)
	if err != nil {
		return nil, nil, fmt.Errorf("pki: create leaf cert: %w", err)
	}

	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, nil, fmt.Errorf("pki: marshal leaf key: %w", err)
	}

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	return certPEM, keyPEM, nil
}

// ---------------------------------------------------------------------------
// Internal helpers
// ---------------------------------------------------------------------------

// deriveKey deterministically produces an ECDSA P-256 private key from
// a seed and a label using HKDF (RFC 5869).
func deriveKey(seed, label string) (*ecdsa.PrivateKey, error) {
	reader := hkdf.New(sha256.New, []byte(seed), nil, []byte(label))
	key, err := ecdsa.GenerateKey(elliptic.P256(), reader)
	if err != nil {
		return nil, err
	}
	return key, nil
}

// deriveSerial produces a deterministic positive big.Int from a seed
// and label, suitable for use as a certificate serial number.
func deriveSerial(seed, label string) *big.Int {
	h := sha256.Sum256([]byte(label + ":" + seed))
	serial := new(big.Int).SetBytes(h[:16])
	serial.Abs(serial)
	if serial.Sign() == 0 {
		serial.SetInt64(1)
	}
	return serial
}

// randomSerial generates a cryptographically random serial number.
func randomSerial() (*big.Int, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("pki: generate serial: %w", err)
	}
	return serial, nil
}
