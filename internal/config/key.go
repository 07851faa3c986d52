// Package config provides unified configuration loading from files,
// environment variables, and CLI flags using viper and pflag, per
// §6's external-interface contract: every key below gets an accessor
// method, and nothing downstream reads environment variables or flags
// directly.
//
// Resolution order (highest wins):
//  1. CLI flags
//  2. Environment variables (prefix EFECTL_)
//  3. Config file (config.yaml in . or /etc/efe-control/)
//  4. Compiled defaults
package config

// Viper keys for the control-plane process. Unlike the reference
// codebase's server/agent mode split, this process has a single mode,
// so keys are flat rather than namespaced under a mode prefix.
const (
	keyInternalHostname = "internal_hostname"
	keyExternalHostname = "external_hostname"
	keyPort             = "port"
	keyHTTPSPort        = "https_port"
	keyHTTPPort         = "http_port"

	keyZookeepers = "zookeepers"

	keyWorkerUsername = "worker_username"
	keyMaxCADepth     = "max_ca_depth"

	keyMaxStaticContentSizeMB   = "max_static_content_size_mb"
	keyStaticContentChunkSizeMB = "static_content_chunk_size_mb"

	keyCRLFile           = "crl_file"
	keyProxyProtocol     = "proxy_protocol"
	keyDefaultServerName = "default_server_name"

	keyBlobstoreProxyHost     = "blobstore_proxy_host"
	keyBlobstoreProxyPort     = "blobstore_proxy_port"
	keyBlobstoreProxyUser     = "blobstore_proxy_user"
	keyBlobstoreProxyPassword = "blobstore_proxy_password"

	keyControlCert     = "control_cert"
	keyControlKey      = "control_key"
	keyControlClientCA = "control_client_ca"
	keyInternalPKICert = "internal_pki_cert"
	keyInternalPKIKey  = "internal_pki_key"
	keyInternalPKICA   = "internal_pki_ca"
	keyDevPKI          = "dev_pki"

	keyOpsAddress = "ops_address"

	keyPeerCNPattern = "peer_cn_pattern"

	keyShutdownSentinel = "shutdown_sentinel"

	keyCertSigningSeed = "cert_signing_seed"

	keyNginxBinary      = "nginx_binary"
	keyWorkingDir       = "working_dir"
	keyNgxWorkers       = "ngx_workers"
	keyManualOverlayDir = "manual_overlay_dir"
	keyUserCAFiles      = "user_ca_files"
)
