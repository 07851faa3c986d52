package pki

import (
	"bytes"
	"crypto/x509"
	"encoding/pem"
	"testing"
)

func TestNewCAFromSeed_Deterministic(t *testing.T) {
	ca1, err := NewCAFromSeed("seed-a")
	if err != nil {
		t.Fatalf("NewCAFromSeed: %v", err)
	}
	ca2, err := NewCAFromSeed("seed-a")
	if err != nil {
		t.Fatalf("NewCAFromSeed: %v", err)
	}

	if !bytes.Equal(ca1.CertPEM(), ca2.CertPEM()) {
		t.Error("expected identical CA certs for the same seed")
	}

	block, _ := pem.Decode(ca1.CertPEM())
	if block == nil {
		t.Fatal("failed to decode CA cert PEM")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		t.Fatalf("parse cert: %v", err)
	}
	if !cert.IsCA {
		t.Error("expected IsCA to be true")
	}
	if cert.Subject.CommonName != "efe-control-dev-ca" {
		t.Errorf("CommonName = %q, want efe-control-dev-ca", cert.Subject.CommonName)
	}
}

func TestNewCAFromSeed_DifferentSeedsDiffer(t *testing.T) {
	ca1, err := NewCAFromSeed("seed-a")
	if err != nil {
		t.Fatalf("NewCAFromSeed: %v", err)
	}
	ca2, err := NewCAFromSeed("seed-b")
	if err != nil {
		t.Fatalf("NewCAFromSeed: %v", err)
	}

	if bytes.Equal(ca1.CertPEM(), ca2.CertPEM()) {
		t.Error("expected different CA certs for different seeds")
	}
}

func TestGenerateServerCert(t *testing.T) {
	ca, err := NewCAFromSeed("seed-server")
	if err != nil {
		t.Fatalf("NewCAFromSeed: %v", err)
	}

	certPEM, keyPEM, err := ca.GenerateServerCert("127.0.0.1", "example.internal")
	if err != nil {
		t.Fatalf("GenerateServerCert: %v", err)
	}
	if len(certPEM) == 0 || len(keyPEM) == 0 {
		t.Fatal("expected non-empty cert and key PEM")
	}

	block, _ := pem.Decode(certPEM)
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		t.Fatalf("parse cert: %v", err)
	}

	if len(cert.IPAddresses) != 1 || cert.IPAddresses[0].String() != "127.0.0.1" {
		t.Errorf("IPAddresses = %v, want [127.0.0.1]", cert.IPAddresses)
	}
	if len(cert.DNSNames) != 1 || cert.DNSNames[0] != "example.internal" {
		t.Errorf("DNSNames = %v, want [example.internal]", cert.DNSNames)
	}

	pool := x509.NewCertPool()
	pool.AddCert(ca.cert)
	if _, err := cert.Verify(x509.VerifyOptions{
		Roots:     pool,
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}); err != nil {
		t.Errorf("certificate verification failed: %v", err)
	}
}

func TestGenerateClientCert(t *testing.T) {
	ca, err := NewCAFromSeed("seed-client")
	if err != nil {
		t.Fatalf("NewCAFromSeed: %v", err)
	}

	certPEM, keyPEM, err := ca.GenerateClientCert("efe-control-upstream")
	if err != nil {
		t.Fatalf("GenerateClientCert: %v", err)
	}
	if len(certPEM) == 0 || len(keyPEM) == 0 {
		t.Fatal("expected non-empty cert and key PEM")
	}

	block, _ := pem.Decode(certPEM)
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		t.Fatalf("parse cert: %v", err)
	}
	if cert.Subject.CommonName != "efe-control-upstream" {
		t.Errorf("CommonName = %q, want efe-control-upstream", cert.Subject.CommonName)
	}

	pool := x509.NewCertPool()
	pool.AddCert(ca.cert)
	if _, err := cert.Verify(x509.VerifyOptions{
		Roots:     pool,
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}); err != nil {
		t.Errorf("certificate verification failed: %v", err)
	}
}
