package configurer

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ezfrontend/efe-control/internal/blobstore"
	"github.com/ezfrontend/efe-control/internal/certstore"
	"github.com/ezfrontend/efe-control/internal/coordinator"
	"github.com/ezfrontend/efe-control/internal/registration"
	"github.com/ezfrontend/efe-control/internal/statichandler"
	"github.com/ezfrontend/efe-control/internal/staticstore"
)

func selfSignedPairForTest(t *testing.T, cn string) (certPEM, keyPEM []byte) {
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
	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("MarshalECPrivateKey: %v", err)
	}
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	return certPEM, keyPEM
}

type fakeResolver struct {
	bad map[string]bool
}

func (r *fakeResolver) LookupHost(ctx context.Context, host string) ([]string, error) {
	if r.bad[host] {
		return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
	}
	return []string{"10.0.0.1"}, nil
}

type noopSupervisor struct{ reloaded int }

func (s *noopSupervisor) Reload(ctx context.Context) error {
	s.reloaded++
	return nil
}

func setupRoots(t *testing.T) (sslRoot, confDir, staticRoot string) {
	t.Helper()
	sslRoot = t.TempDir()
	for _, d := range []string{sslHalfA, sslHalfB} {
		if err := os.MkdirAll(filepath.Join(sslRoot, d), 0o755); err != nil {
			t.Fatalf("mkdir %s: %v", d, err)
		}
	}
	if err := os.Symlink(sslHalfA, filepath.Join(sslRoot, sslCurrent)); err != nil {
		t.Fatalf("symlink: %v", err)
	}

	confDir = t.TempDir()

	staticRoot = t.TempDir()
	for _, d := range []string{"staticA", "staticB"} {
		if err := os.MkdirAll(filepath.Join(staticRoot, d), 0o755); err != nil {
			t.Fatalf("mkdir %s: %v", d, err)
		}
	}
	if err := os.Symlink("staticA", filepath.Join(staticRoot, "staticCurrent")); err != nil {
		t.Fatalf("symlink: %v", err)
	}
	return sslRoot, confDir, staticRoot
}

func reg(prefix, hostPort, upstreamPath string) *registration.Registration {
	return &registration.Registration{
		UserFacingURLPrefix: prefix,
		UpstreamHostAndPort: hostPort,
		UpstreamPath:        upstreamPath,
		Timeout:             30,
		TimeoutTries:        2,
		AuthOperations:      []string{registration.DefaultAuthOperation},
		ContentServiceType:  registration.ContentTypeProxy,
	}
}

func TestConfigure_SimpleRegistration(t *testing.T) {
	ctx := context.Background()
	sslRoot, confDir, staticRoot := setupRoots(t)

	coord := coordinator.NewFake()
	paths := coordinator.Paths{Root: "/ezfrontend"}
	for _, p := range paths.AllPaths() {
		if err := coord.EnsurePath(ctx, p); err != nil {
			t.Fatalf("EnsurePath: %v", err)
		}
	}

	r := reg("app.example.com/foo", "10.0.0.1:8443", "/bar")
	if err := coord.Create(ctx, paths.ConfigChild(r.NodeName()), registration.Encode(r)); err != nil {
		t.Fatalf("Create registration: %v", err)
	}

	certs := certstore.New(blobstore.NewMemory(), nil, []byte("salt"), nil)
	static := statichandler.New(staticstore.New(blobstore.NewMemory(), 1024, nil), staticRoot, 0, nil)
	supervisor := &noopSupervisor{}

	cfg := New(coord, paths, certs, static, &fakeResolver{}, supervisor, Options{
		SSLRoot:           sslRoot,
		ConfDir:           confDir,
		ExternalHostname:  "https://cp.example.com",
		DefaultServerName: "app.example.com",
		HTTPPort:          8080,
		HTTPSPort:         8443,
		VerifyDepth:       2,
		CAChainFile:       "/etc/ezfrontend/CAchain.pem",
	}, nil)

	if err := cfg.Configure(ctx); err != nil {
		t.Fatalf("Configure: %v", err)
	}

	text, err := os.ReadFile(filepath.Join(confDir, confFile))
	if err != nil {
		t.Fatalf("read generated config: %v", err)
	}
	out := string(text)

	if !strings.Contains(out, "upstream server0 {") {
		t.Errorf("expected an upstream server0 block, got:\n%s", out)
	}
	if !strings.Contains(out, "server 10.0.0.1:8443 max_fails=2 fail_timeout=30s;") {
		t.Errorf("expected server line with max_fails/fail_timeout, got:\n%s", out)
	}
	if !strings.Contains(out, "server_name app.example.com;") {
		t.Errorf("expected server_name app.example.com, got:\n%s", out)
	}
	if !strings.Contains(out, "location /foo/ {") {
		t.Errorf("expected location /foo/, got:\n%s", out)
	}
	if !strings.Contains(out, "proxy_pass https://server0/bar/;") {
		t.Errorf("expected proxy_pass to server0/bar/, got:\n%s", out)
	}

	if supervisor.reloaded != 1 {
		t.Errorf("expected exactly one reload, got %d", supervisor.reloaded)
	}
}

func TestConfigure_StickyCookieScopedToLocationNoHardcodedDomain(t *testing.T) {
	ctx := context.Background()
	sslRoot, confDir, staticRoot := setupRoots(t)

	coord := coordinator.NewFake()
	paths := coordinator.Paths{Root: "/ezfrontend"}
	for _, p := range paths.AllPaths() {
		if err := coord.EnsurePath(ctx, p); err != nil {
			t.Fatalf("EnsurePath: %v", err)
		}
	}

	r := reg("app.example.com/foo", "10.0.0.1:8443", "/bar")
	r.Sticky = true
	if err := coord.Create(ctx, paths.ConfigChild(r.NodeName()), registration.Encode(r)); err != nil {
		t.Fatalf("Create registration: %v", err)
	}

	certs := certstore.New(blobstore.NewMemory(), nil, []byte("salt"), nil)
	static := statichandler.New(staticstore.New(blobstore.NewMemory(), 1024, nil), staticRoot, 0, nil)
	supervisor := &noopSupervisor{}

	cfg := New(coord, paths, certs, static, &fakeResolver{}, supervisor, Options{
		SSLRoot:           sslRoot,
		ConfDir:           confDir,
		ExternalHostname:  "https://cp.example.com",
		DefaultServerName: "app.example.com",
		HTTPPort:          8080,
		HTTPSPort:         8443,
		VerifyDepth:       2,
		CAChainFile:       "/etc/ezfrontend/CAchain.pem",
	}, nil)

	if err := cfg.Configure(ctx); err != nil {
		t.Fatalf("Configure: %v", err)
	}

	text, err := os.ReadFile(filepath.Join(confDir, confFile))
	if err != nil {
		t.Fatalf("read generated config: %v", err)
	}
	out := string(text)

	if strings.Contains(out, "domain=") {
		t.Errorf("sticky directive must not hardcode a cookie domain, got:\n%s", out)
	}
	if !strings.Contains(out, "sticky cookie "+cookieName("app.example.com/foo")+" expires=1h path=/foo/;") {
		t.Errorf("expected sticky cookie scoped to the group's own location path /foo/, got:\n%s", out)
	}
}

func TestConfigure_ConflictingUpstreamPathSkipped(t *testing.T) {
	ctx := context.Background()
	sslRoot, confDir, staticRoot := setupRoots(t)

	coord := coordinator.NewFake()
	paths := coordinator.Paths{Root: "/ezfrontend"}
	for _, p := range paths.AllPaths() {
		_ = coord.EnsurePath(ctx, p)
	}

	r1 := reg("app.example.com/foo", "10.0.0.1:8443", "/bar")
	r2 := reg("app.example.com/foo", "10.0.0.2:8443", "/baz")
	_ = coord.Create(ctx, paths.ConfigChild(r1.NodeName()), registration.Encode(r1))
	_ = coord.Create(ctx, paths.ConfigChild(r2.NodeName()), registration.Encode(r2))

	certs := certstore.New(blobstore.NewMemory(), nil, []byte("salt"), nil)
	static := statichandler.New(staticstore.New(blobstore.NewMemory(), 1024, nil), staticRoot, 0, nil)

	cfg := New(coord, paths, certs, static, &fakeResolver{}, &noopSupervisor{}, Options{
		SSLRoot:     sslRoot,
		ConfDir:     confDir,
		HTTPPort:    8080,
		HTTPSPort:   8443,
		VerifyDepth: 2,
		CAChainFile: "/etc/ezfrontend/CAchain.pem",
	}, nil)

	if err := cfg.Configure(ctx); err != nil {
		t.Fatalf("Configure: %v", err)
	}

	text, err := os.ReadFile(filepath.Join(confDir, confFile))
	if err != nil {
		t.Fatalf("read generated config: %v", err)
	}
	out := string(text)
	if strings.Count(out, "proxy_pass") != 1 {
		t.Errorf("expected exactly one proxy_pass (second registration skipped), got:\n%s", out)
	}
}

func TestConfigure_UnresolvableUpstreamPruned(t *testing.T) {
	ctx := context.Background()
	sslRoot, confDir, staticRoot := setupRoots(t)

	coord := coordinator.NewFake()
	paths := coordinator.Paths{Root: "/ezfrontend"}
	for _, p := range paths.AllPaths() {
		_ = coord.EnsurePath(ctx, p)
	}

	r := reg("app.example.com/foo", "no.such.host.invalid:8443", "/bar")
	nodeName := r.NodeName()
	if err := coord.Create(ctx, paths.ConfigChild(nodeName), registration.Encode(r)); err != nil {
		t.Fatalf("Create registration: %v", err)
	}

	certs := certstore.New(blobstore.NewMemory(), nil, []byte("salt"), nil)
	static := statichandler.New(staticstore.New(blobstore.NewMemory(), 1024, nil), staticRoot, 0, nil)

	cfg := New(coord, paths, certs, static, &fakeResolver{bad: map[string]bool{"no.such.host.invalid": true}}, &noopSupervisor{}, Options{
		SSLRoot:     sslRoot,
		ConfDir:     confDir,
		HTTPPort:    8080,
		HTTPSPort:   8443,
		VerifyDepth: 2,
		CAChainFile: "/etc/ezfrontend/CAchain.pem",
	}, nil)

	if err := cfg.Configure(ctx); err != nil {
		t.Fatalf("Configure: %v", err)
	}

	exists, err := coord.Exists(ctx, paths.ConfigChild(nodeName))
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if exists {
		t.Error("expected unresolvable registration's node to be pruned")
	}

	text, err := os.ReadFile(filepath.Join(confDir, confFile))
	if err != nil {
		t.Fatalf("read generated config: %v", err)
	}
	if strings.Contains(string(text), "upstream server0") {
		t.Errorf("expected no upstream block for a fully-pruned group, got:\n%s", text)
	}
}

func TestConfigure_CertRotation(t *testing.T) {
	ctx := context.Background()
	sslRoot, confDir, staticRoot := setupRoots(t)

	coord := coordinator.NewFake()
	paths := coordinator.Paths{Root: "/ezfrontend"}
	for _, p := range paths.AllPaths() {
		_ = coord.EnsurePath(ctx, p)
	}

	r := reg("app.example.com/foo", "10.0.0.1:8443", "/bar")
	_ = coord.Create(ctx, paths.ConfigChild(r.NodeName()), registration.Encode(r))

	blob := blobstore.NewMemory()
	certs := certstore.New(blob, nil, []byte("salt"), nil)
	static := statichandler.New(staticstore.New(blobstore.NewMemory(), 1024, nil), staticRoot, 0, nil)

	certPEM, keyPEM := selfSignedPairForTest(t, "app.example.com")
	if err := certs.Put(ctx, "app.example.com", certPEM, keyPEM); err != nil {
		t.Fatalf("certs.Put: %v", err)
	}
	if err := coord.Create(ctx, paths.SSLChild("app.example.com"), nil); err != nil {
		t.Fatalf("Create ssl node: %v", err)
	}

	cfg := New(coord, paths, certs, static, &fakeResolver{}, &noopSupervisor{}, Options{
		SSLRoot:     sslRoot,
		ConfDir:     confDir,
		HTTPPort:    8080,
		HTTPSPort:   8443,
		VerifyDepth: 2,
		CAChainFile: "/etc/ezfrontend/CAchain.pem",
	}, nil)

	if err := cfg.Configure(ctx); err != nil {
		t.Fatalf("Configure: %v", err)
	}

	target, err := os.Readlink(filepath.Join(sslRoot, sslCurrent))
	if err != nil {
		t.Fatalf("Readlink: %v", err)
	}
	if target != sslHalfB {
		t.Fatalf("expected sslCurrent -> %s, got %s", sslHalfB, target)
	}
	if _, err := os.Stat(filepath.Join(sslRoot, sslHalfB, "app.example.com.crt")); err != nil {
		t.Errorf("expected app.example.com.crt in new half: %v", err)
	}

	text, err := os.ReadFile(filepath.Join(confDir, confFile))
	if err != nil {
		t.Fatalf("read generated config: %v", err)
	}
	if !strings.Contains(string(text), "ssl_certificate "+filepath.Join(sslRoot, sslHalfB, "app.example.com.crt")+";") {
		t.Errorf("expected specialized ssl_certificate override, got:\n%s", text)
	}
}
