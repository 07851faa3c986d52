package config

import (
	"testing"

	"github.com/spf13/pflag"
)

func TestNew_DefaultsAreCompiledIn(t *testing.T) {
	c, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if got, want := c.Port(), 8443; got != want {
		t.Errorf("Port() = %d, want %d", got, want)
	}
	if got, want := c.MaxStaticContentSizeMB(), 100; got != want {
		t.Errorf("MaxStaticContentSizeMB() = %d, want %d", got, want)
	}
	if got, want := c.StaticContentChunkSizeMB(), 5; got != want {
		t.Errorf("StaticContentChunkSizeMB() = %d, want %d", got, want)
	}
	if got, want := c.Zookeepers(), "127.0.0.1:2181"; got != want {
		t.Errorf("Zookeepers() = %q, want %q", got, want)
	}
	if got, want := c.NgxWorkers(), 0; got != want {
		t.Errorf("NgxWorkers() = %d, want %d", got, want)
	}
}

func TestConfig_EnvironmentOverridesDefault(t *testing.T) {
	t.Setenv("EFECTL_ZOOKEEPERS", "zk1:2181,zk2:2181")
	t.Setenv("EFECTL_PORT", "9443")

	c, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if got, want := c.Zookeepers(), "zk1:2181,zk2:2181"; got != want {
		t.Errorf("Zookeepers() = %q, want %q", got, want)
	}
	if got, want := c.Port(), 9443; got != want {
		t.Errorf("Port() = %d, want %d", got, want)
	}
}

func TestConfig_FlagOverridesEnvironment(t *testing.T) {
	t.Setenv("EFECTL_PORT", "9443")

	c, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	if err := c.BindFlags(fs, Options); err != nil {
		t.Fatalf("BindFlags: %v", err)
	}
	if err := fs.Parse([]string{"--port", "1443"}); err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if got, want := c.Port(), 1443; got != want {
		t.Errorf("Port() = %d, want %d", got, want)
	}
}

func TestConfig_ControlListenAddress(t *testing.T) {
	t.Setenv("EFECTL_INTERNAL_HOSTNAME", "proxy.internal.example.com")
	t.Setenv("EFECTL_PORT", "8443")

	c, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	want := "proxy.internal.example.com:8443"
	if got := c.ControlListenAddress(); got != want {
		t.Errorf("ControlListenAddress() = %q, want %q", got, want)
	}
}

func TestBindFlags_UnsupportedDefaultTypeErrors(t *testing.T) {
	c, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	bad := []Option{{Key: "bad", Flag: "bad", Default: 3.14, Description: "unsupported"}}
	if err := c.BindFlags(fs, bad); err == nil {
		t.Fatal("BindFlags with a float64 default: want error, got nil")
	}
}
