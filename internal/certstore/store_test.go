package certstore

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"
	"time"

	"github.com/ezfrontend/efe-control/internal/blobstore"
)

func selfSignedPair(t *testing.T, cn string) (certPEM, keyPEM []byte) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("CreateCertificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("ParseCertificate: %v", err)
	}
	certPEM = certToPEM(cert)
	keyPEM, err = keyToPEM(key)
	if err != nil {
		t.Fatalf("keyToPEM: %v", err)
	}
	return certPEM, keyPEM
}

func TestStore_PutGetRoundtrip(t *testing.T) {
	store := New(blobstore.NewMemory(), nil, []byte("salt"), nil)
	ctx := context.Background()

	certPEM, keyPEM := selfSignedPair(t, "app.example.com")
	if err := store.Put(ctx, "app.example.com", certPEM, keyPEM); err != nil {
		t.Fatalf("Put: %v", err)
	}

	gotCert, gotKey, err := store.Get(ctx, "app.example.com")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(gotCert) == 0 || len(gotKey) == 0 {
		t.Fatal("expected non-empty cert/key PEM")
	}

	cert, err := parseCertPEM(gotCert)
	if err != nil {
		t.Fatalf("parseCertPEM: %v", err)
	}
	if cert.Subject.CommonName != "app.example.com" {
		t.Errorf("CommonName: got %q", cert.Subject.CommonName)
	}
}

func TestStore_GetAbsent(t *testing.T) {
	store := New(blobstore.NewMemory(), nil, []byte("salt"), nil)
	ctx := context.Background()

	certPEM, keyPEM, err := store.Get(ctx, "missing.example.com")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if certPEM != nil || keyPEM != nil {
		t.Errorf("expected (nil,nil) for absent row, got (%v,%v)", certPEM, keyPEM)
	}
}

func TestStore_ExistsAndRemove(t *testing.T) {
	store := New(blobstore.NewMemory(), nil, []byte("salt"), nil)
	ctx := context.Background()

	certPEM, keyPEM := selfSignedPair(t, "app.example.com")
	if err := store.Put(ctx, "app.example.com", certPEM, keyPEM); err != nil {
		t.Fatalf("Put: %v", err)
	}

	ok, err := store.Exists(ctx, "app.example.com")
	if err != nil || !ok {
		t.Fatalf("Exists: got %v, %v", ok, err)
	}

	if err := store.Remove(ctx, "app.example.com"); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	ok, err = store.Exists(ctx, "app.example.com")
	if err != nil || ok {
		t.Fatalf("Exists after remove: got %v, %v", ok, err)
	}
}

func TestStore_HMACPasswordDiffersFromSalt(t *testing.T) {
	p1 := derivePassword("app.example.com", nil, []byte("salt"))
	p2 := derivePassword("app.example.com", []byte("signing-key"), []byte("salt"))
	if p1 == p2 {
		t.Error("expected HMAC-keyed password to differ from salted password")
	}
}
