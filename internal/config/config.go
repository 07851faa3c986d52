package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config wraps a viper instance and provides typed accessors for every
// configuration key. Create one via New().
type Config struct {
	v *viper.Viper
}

// New initialises a Config by loading values from environment
// variables, the config file, and compiled defaults (in that priority
// order; CLI flags, bound later via BindFlags, take highest priority).
func New() (*Config, error) {
	v := viper.New()

	for _, o := range Options {
		v.SetDefault(o.Key, o.Default)
	}

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/efe-control/")

	if err := v.ReadInConfig(); err != nil {
		var notFoundErr viper.ConfigFileNotFoundError
		if !(errors.As(err, &notFoundErr) || errors.Is(err, os.ErrNotExist)) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Environment variables are prefixed with EFECTL_ and use
	// underscores in place of dots (e.g. EFECTL_ZOOKEEPERS).
	v.SetEnvPrefix("EFECTL")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	return &Config{v: v}, nil
}

// BindFlags registers CLI flags for the given option slice and binds
// them to the underlying viper keys so that flag values override file
// and environment sources.
func (c *Config) BindFlags(fs *pflag.FlagSet, options []Option) error {
	for _, o := range options {
		switch v := o.Default.(type) {
		case string:
			fs.String(o.Flag, v, o.Description)
		case int:
			fs.Int(o.Flag, v, o.Description)
		case bool:
			fs.Bool(o.Flag, v, o.Description)
		case []string:
			fs.StringSlice(o.Flag, v, o.Description)
		case time.Duration:
			fs.Duration(o.Flag, v, o.Description)
		default:
			return fmt.Errorf("unsupported flag type for key: %s", o.Key)
		}

		if err := c.v.BindPFlag(o.Key, fs.Lookup(o.Flag)); err != nil {
			return fmt.Errorf("failed to bind flag %s: %w", o.Flag, err)
		}
	}

	return nil
}

// ---------------------------------------------------------------------------
// Accessors, one per §6 key.
// ---------------------------------------------------------------------------

// InternalHostname returns the hostname used for internal
// (upstream-facing) identity.
func (c *Config) InternalHostname() string {
	return c.v.GetString(keyInternalHostname)
}

// ExternalHostname returns the hostname advertised to external
// clients.
func (c *Config) ExternalHostname() string {
	return c.v.GetString(keyExternalHostname)
}

// Port returns the Control RPC Server's listen port.
func (c *Config) Port() int {
	return c.v.GetInt(keyPort)
}

// HTTPSPort returns the reverse-proxied HTTPS port.
func (c *Config) HTTPSPort() int {
	return c.v.GetInt(keyHTTPSPort)
}

// HTTPPort returns the reverse-proxied HTTP port.
func (c *Config) HTTPPort() int {
	return c.v.GetInt(keyHTTPPort)
}

// Zookeepers returns the coordination-service connection string.
func (c *Config) Zookeepers() string {
	return c.v.GetString(keyZookeepers)
}

// WorkerUsername returns the OS user the worker process runs as.
func (c *Config) WorkerUsername() string {
	return c.v.GetString(keyWorkerUsername)
}

// MaxCADepth returns the maximum accepted client certificate chain
// depth.
func (c *Config) MaxCADepth() int {
	return c.v.GetInt(keyMaxCADepth)
}

// MaxStaticContentSizeMB returns the maximum static content archive
// size, in MiB.
func (c *Config) MaxStaticContentSizeMB() int {
	return c.v.GetInt(keyMaxStaticContentSizeMB)
}

// StaticContentChunkSizeMB returns the blob-store chunk size used to
// store static content archives, in MiB.
func (c *Config) StaticContentChunkSizeMB() int {
	return c.v.GetInt(keyStaticContentChunkSizeMB)
}

// CRLFile returns the configured certificate-revocation-list file
// path, or "" if none is configured.
func (c *Config) CRLFile() string {
	return c.v.GetString(keyCRLFile)
}

// ProxyProtocol reports whether generated upstream locations should
// emit PROXY-protocol-aware forwarded-for headers.
func (c *Config) ProxyProtocol() bool {
	return c.v.GetBool(keyProxyProtocol)
}

// DefaultServerName returns the server name marked default_server in
// generated config, or "" if none is configured.
func (c *Config) DefaultServerName() string {
	return c.v.GetString(keyDefaultServerName)
}

// BlobstoreProxyHost returns the blob-store proxy host.
func (c *Config) BlobstoreProxyHost() string {
	return c.v.GetString(keyBlobstoreProxyHost)
}

// BlobstoreProxyPort returns the blob-store proxy port.
func (c *Config) BlobstoreProxyPort() int {
	return c.v.GetInt(keyBlobstoreProxyPort)
}

// BlobstoreProxyUser returns the blob-store proxy username.
func (c *Config) BlobstoreProxyUser() string {
	return c.v.GetString(keyBlobstoreProxyUser)
}

// BlobstoreProxyPassword returns the blob-store proxy password.
func (c *Config) BlobstoreProxyPassword() string {
	return c.v.GetString(keyBlobstoreProxyPassword)
}

// ControlCert returns the Control RPC Server's certificate path, or ""
// if unconfigured (dev-mode generation applies in that case, C14).
func (c *Config) ControlCert() string {
	return c.v.GetString(keyControlCert)
}

// ControlKey returns the Control RPC Server's key path, or "" if
// unconfigured.
func (c *Config) ControlKey() string {
	return c.v.GetString(keyControlKey)
}

// ControlClientCA returns the trusted client CA bundle path used to
// authenticate Control RPC Server callers, or "" if unconfigured.
func (c *Config) ControlClientCA() string {
	return c.v.GetString(keyControlClientCA)
}

// InternalPKICert returns the internal upstream-validation client
// certificate path.
func (c *Config) InternalPKICert() string {
	return c.v.GetString(keyInternalPKICert)
}

// InternalPKIKey returns the internal upstream-validation client key
// path.
func (c *Config) InternalPKIKey() string {
	return c.v.GetString(keyInternalPKIKey)
}

// InternalPKICA returns the internal upstream-validation CA path.
func (c *Config) InternalPKICA() string {
	return c.v.GetString(keyInternalPKICA)
}

// DevPKI reports whether a development PKI should be generated
// in-process instead of loaded from disk (C14).
func (c *Config) DevPKI() bool {
	return c.v.GetBool(keyDevPKI)
}

// OpsAddress returns the Ops HTTP Surface's listen address.
func (c *Config) OpsAddress() string {
	return c.v.GetString(keyOpsAddress)
}

// PeerCNPattern returns the regular expression client certificate
// common names must match to be accepted by the Control RPC Server.
func (c *Config) PeerCNPattern() string {
	return c.v.GetString(keyPeerCNPattern)
}

// ShutdownSentinel returns the sentinel file path whose removal
// requests a clean shutdown, or "" if the Shutdown Monitor is
// disabled.
func (c *Config) ShutdownSentinel() string {
	return c.v.GetString(keyShutdownSentinel)
}

// CertSigningSeed returns the secret seed the Cert Store derives its
// bundle-password signing key from.
func (c *Config) CertSigningSeed() string {
	return c.v.GetString(keyCertSigningSeed)
}

// NginxBinary returns the path to the worker (nginx) binary.
func (c *Config) NginxBinary() string {
	return c.v.GetString(keyNginxBinary)
}

// WorkingDir returns the worker working-directory root.
func (c *Config) WorkingDir() string {
	return c.v.GetString(keyWorkingDir)
}

// NgxWorkers returns the configured worker count (0 selects the
// logical CPU count, clamped to a minimum of 2).
func (c *Config) NgxWorkers() int {
	return c.v.GetInt(keyNgxWorkers)
}

// ManualOverlayDir returns the directory of manual nginx config
// overlays, or "" if none is configured.
func (c *Config) ManualOverlayDir() string {
	return c.v.GetString(keyManualOverlayDir)
}

// UserCAFiles returns the CA files concatenated into the worker's
// trust chain.
func (c *Config) UserCAFiles() []string {
	return c.v.GetStringSlice(keyUserCAFiles)
}

// ControlListenAddress is InternalHostname combined with Port, the
// bind address for the Control RPC Server (C10).
func (c *Config) ControlListenAddress() string {
	return fmt.Sprintf("%s:%d", c.InternalHostname(), c.Port())
}
