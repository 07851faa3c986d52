// Package registration defines the canonical Registration record, its
// derived identifiers, and the Registration Codec (C1): a framed,
// field-tagged binary encoding used both for coordination-service node
// bodies and for Control RPC request/response payloads.
package registration

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ezfrontend/efe-control/internal/ezerr"
)

// ContentServiceType classifies how a registration's content is served.
type ContentServiceType int

const (
	ContentTypeUnspecified ContentServiceType = iota
	ContentTypeProxy
	ContentTypeStaticOnly
	ContentTypeHybrid
)

func (t ContentServiceType) String() string {
	switch t {
	case ContentTypeProxy:
		return "PROXY"
	case ContentTypeStaticOnly:
		return "STATIC_ONLY"
	case ContentTypeHybrid:
		return "HYBRID"
	default:
		return "UNSPECIFIED"
	}
}

// ParseContentServiceType parses the wire string form back into a
// ContentServiceType.
func ParseContentServiceType(s string) (ContentServiceType, error) {
	switch s {
	case "PROXY":
		return ContentTypeProxy, nil
	case "STATIC_ONLY":
		return ContentTypeStaticOnly, nil
	case "HYBRID":
		return ContentTypeHybrid, nil
	default:
		return ContentTypeUnspecified, fmt.Errorf("unknown content service type %q", s)
	}
}

// DefaultAuthOperation is the mandatory tag every registration's
// authOperations set must include.
const DefaultAuthOperation = "USER_INFO"

// Registration is the canonical user-provided record, per §3.
type Registration struct {
	UserFacingURLPrefix            string
	UpstreamHostAndPort            string
	UpstreamPath                   string
	Timeout                        int
	TimeoutTries                   int
	UploadFileSize                 int
	Sticky                         bool
	DisableChunkedTransferEncoding bool
	AuthOperations                 []string
	ContentServiceType             ContentServiceType
	ValidateUpstreamConnection     bool
	AppName                        string

	// Unknown holds wire fields this build does not recognize, keyed by
	// their tag number (a tag may repeat, hence the slice of values), so
	// a round-trip through Encode/Decode preserves them for forward
	// compatibility even though nothing here reads them.
	Unknown map[uint8][][]byte
}

// ServerName returns the portion of UserFacingURLPrefix before the
// first '/'.
func (r *Registration) ServerName() string {
	if i := strings.IndexByte(r.UserFacingURLPrefix, '/'); i >= 0 {
		return r.UserFacingURLPrefix[:i]
	}
	return r.UserFacingURLPrefix
}

// Location returns "/" when UserFacingURLPrefix has no '/', otherwise
// the suffix including the leading '/'.
func (r *Registration) Location() string {
	if i := strings.IndexByte(r.UserFacingURLPrefix, '/'); i >= 0 {
		return r.UserFacingURLPrefix[i:]
	}
	return "/"
}

// NodeName derives the coordination-service key for this registration,
// per §3: B62(prefix) + "_" + B62(path) + "_" + B62(hostPort).
func (r *Registration) NodeName() string {
	return B62(r.UserFacingURLPrefix) + "_" + B62(r.UpstreamPath) + "_" + B62(r.UpstreamHostAndPort)
}

// HasAuthOperation reports whether tag is present in AuthOperations.
func (r *Registration) HasAuthOperation(tag string) bool {
	for _, t := range r.AuthOperations {
		if t == tag {
			return true
		}
	}
	return false
}

// Validate applies §4.11's rules, returning an *ezerr.RegistrationInvalid
// on the first violation found.
func (r *Registration) Validate() error {
	if r.ContentServiceType != ContentTypeStaticOnly {
		host, portStr, ok := strings.Cut(r.UpstreamHostAndPort, ":")
		if !ok || host == "" {
			return &ezerr.RegistrationInvalid{Reason: fmt.Sprintf("upstreamHostAndPort %q is not host:port", r.UpstreamHostAndPort)}
		}
		port, err := strconv.Atoi(portStr)
		if err != nil || port < 1 || port > 65535 {
			return &ezerr.RegistrationInvalid{Reason: fmt.Sprintf("upstreamHostAndPort %q has invalid port", r.UpstreamHostAndPort)}
		}
	}
	if r.Timeout < 1 || r.Timeout > 120 {
		return &ezerr.RegistrationInvalid{Reason: fmt.Sprintf("timeout %d out of range [1,120]", r.Timeout)}
	}
	if r.TimeoutTries < 1 || r.TimeoutTries > 10 {
		return &ezerr.RegistrationInvalid{Reason: fmt.Sprintf("timeoutTries %d out of range [1,10]", r.TimeoutTries)}
	}
	if !r.HasAuthOperation(DefaultAuthOperation) {
		return &ezerr.RegistrationInvalid{Reason: fmt.Sprintf("authOperations missing mandatory tag %q", DefaultAuthOperation)}
	}
	return nil
}
