package config

import "strings"

// Option describes a single configuration entry: its viper key, the
// corresponding CLI flag name, the compiled default, and a
// human-readable description shown in --help output.
type Option struct {
	Key         string
	Flag        string
	Default     any
	Description string
}

// Options defines every configuration entry the control-plane process
// consumes, per §6. Each entry is registered as a viper default and a
// CLI flag.
var Options = []Option{
	{Key: keyInternalHostname, Flag: toFlag(keyInternalHostname), Default: "", Description: "Hostname used for internal (upstream-facing) identity"},
	{Key: keyExternalHostname, Flag: toFlag(keyExternalHostname), Default: "", Description: "Hostname advertised to external clients"},
	{Key: keyPort, Flag: toFlag(keyPort), Default: 8443, Description: "Control RPC listen port"},
	{Key: keyHTTPSPort, Flag: toFlag(keyHTTPSPort), Default: 443, Description: "Reverse-proxied HTTPS port"},
	{Key: keyHTTPPort, Flag: toFlag(keyHTTPPort), Default: 80, Description: "Reverse-proxied HTTP port"},

	{Key: keyZookeepers, Flag: toFlag(keyZookeepers), Default: "127.0.0.1:2181", Description: "Coordination-service connection string"},

	{Key: keyWorkerUsername, Flag: toFlag(keyWorkerUsername), Default: "nginx", Description: "OS user the worker process runs as"},
	{Key: keyMaxCADepth, Flag: toFlag(keyMaxCADepth), Default: 5, Description: "Maximum accepted client certificate chain depth"},

	{Key: keyMaxStaticContentSizeMB, Flag: toFlag(keyMaxStaticContentSizeMB), Default: 100, Description: "Maximum static content archive size, in MiB"},
	{Key: keyStaticContentChunkSizeMB, Flag: toFlag(keyStaticContentChunkSizeMB), Default: 5, Description: "Static content blob-store chunk size, in MiB"},

	{Key: keyCRLFile, Flag: toFlag(keyCRLFile), Default: "", Description: "Path to a certificate-revocation-list file"},
	{Key: keyProxyProtocol, Flag: toFlag(keyProxyProtocol), Default: false, Description: "Emit PROXY-protocol-aware forwarded-for headers"},
	{Key: keyDefaultServerName, Flag: toFlag(keyDefaultServerName), Default: "", Description: "Server name marked default_server in generated config"},

	{Key: keyBlobstoreProxyHost, Flag: toFlag(keyBlobstoreProxyHost), Default: "127.0.0.1", Description: "Blob-store proxy host"},
	{Key: keyBlobstoreProxyPort, Flag: toFlag(keyBlobstoreProxyPort), Default: 9090, Description: "Blob-store proxy port"},
	{Key: keyBlobstoreProxyUser, Flag: toFlag(keyBlobstoreProxyUser), Default: "", Description: "Blob-store proxy username"},
	{Key: keyBlobstoreProxyPassword, Flag: toFlag(keyBlobstoreProxyPassword), Default: "", Description: "Blob-store proxy password"},

	{Key: keyControlCert, Flag: toFlag(keyControlCert), Default: "", Description: "Control RPC server certificate path"},
	{Key: keyControlKey, Flag: toFlag(keyControlKey), Default: "", Description: "Control RPC server key path"},
	{Key: keyControlClientCA, Flag: toFlag(keyControlClientCA), Default: "", Description: "Trusted client CA bundle for Control RPC peer authentication"},

	{Key: keyInternalPKICert, Flag: toFlag(keyInternalPKICert), Default: "", Description: "Internal upstream-validation client certificate path"},
	{Key: keyInternalPKIKey, Flag: toFlag(keyInternalPKIKey), Default: "", Description: "Internal upstream-validation client key path"},
	{Key: keyInternalPKICA, Flag: toFlag(keyInternalPKICA), Default: "", Description: "Internal upstream-validation CA path"},
	{Key: keyDevPKI, Flag: toFlag(keyDevPKI), Default: false, Description: "Generate a development PKI instead of loading one from disk"},

	{Key: keyOpsAddress, Flag: toFlag(keyOpsAddress), Default: ":9100", Description: "Ops HTTP surface listen address"},

	{Key: keyPeerCNPattern, Flag: toFlag(keyPeerCNPattern), Default: "^.*$", Description: "Regular expression client certificate common names must match"},

	{Key: keyShutdownSentinel, Flag: toFlag(keyShutdownSentinel), Default: "", Description: "Sentinel file whose removal requests a clean shutdown"},

	{Key: keyCertSigningSeed, Flag: toFlag(keyCertSigningSeed), Default: "change-me", Description: "Secret seed the Cert Store derives its bundle-password signing key from"},

	{Key: keyNginxBinary, Flag: toFlag(keyNginxBinary), Default: "/usr/sbin/nginx", Description: "Path to the worker (nginx) binary"},
	{Key: keyWorkingDir, Flag: toFlag(keyWorkingDir), Default: "/var/lib/efe-control", Description: "Worker working-directory root"},
	{Key: keyNgxWorkers, Flag: toFlag(keyNgxWorkers), Default: 0, Description: "Worker count (0 selects CPU count, minimum 2 after clamping)"},
	{Key: keyManualOverlayDir, Flag: toFlag(keyManualOverlayDir), Default: "", Description: "Directory of manual nginx config overlays"},
	{Key: keyUserCAFiles, Flag: toFlag(keyUserCAFiles), Default: []string{}, Description: "CA files concatenated into the worker's trust chain"},
}

// toFlag converts a viper key like "max_ca_depth" into a CLI flag like
// "max-ca-depth" by lower-casing and replacing underscores (and, for
// robustness against any nested key a config file might still use)
// dots with hyphens.
func toFlag(key string) string {
	flag := strings.ToLower(key)
	flag = strings.ReplaceAll(flag, ".", "-")
	flag = strings.ReplaceAll(flag, "_", "-")
	return flag
}
