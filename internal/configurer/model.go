package configurer

// UpstreamGroup is one emitted `upstream` block, per §4.6 step 4.
// ServerLines is fully rendered ("server host:port max_fails=2
// fail_timeout=30s;") in Go rather than in the template, since the
// max_fails/fail_timeout attributes are per-member: each line carries
// its own registration's timeoutTries/timeout.
type UpstreamGroup struct {
	Name        string
	ServerLines []string
	Sticky      bool
	CookieName  string
	CookiePath  string
}

// ProxyLocation is one emitted proxy `location` block.
type ProxyLocation struct {
	Path                           string
	UpstreamGroup                  string
	UpstreamPath                   string
	Headers                        []string
	UploadFileSize                 int
	DisableChunkedTransferEncoding bool
	ValidateUpstreamConnection     bool
	Redirects                      []string
}

// StaticLocation is one emitted static-content `location` block.
type StaticLocation struct {
	Path string
	Root string
}

// ServerBlock is one emitted `server` block for a serverName.
type ServerBlock struct {
	ServerName      string
	DefaultServer   bool
	Specialized     bool
	CertFile        string
	KeyFile         string
	StaticLocations []StaticLocation
	Locations       []ProxyLocation
}

// ConfigData is the single value the main-config template executes
// over, per §4.6 step 4's "build a data struct, then execute one
// template" model.
type ConfigData struct {
	HTTPPort          int
	HTTPSPort         int
	ExternalHostname  string
	DefaultServerName string
	VerifyDepth       int
	CAChainFile       string
	CRLFile           string
	ProxyProtocol     bool

	InternalCertFile string
	InternalKeyFile  string
	InternalCAFile   string

	Upstreams []UpstreamGroup
	Servers   []ServerBlock
}
