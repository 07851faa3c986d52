// Package configurer implements the Configurer (C6): it transforms the
// full set of current registrations into a proxy-worker config file
// and companion TLS directory, per §4.6.
package configurer

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/ezfrontend/efe-control/internal/certstore"
	"github.com/ezfrontend/efe-control/internal/coordinator"
	"github.com/ezfrontend/efe-control/internal/ezerr"
	"github.com/ezfrontend/efe-control/internal/registration"
	"github.com/ezfrontend/efe-control/internal/statichandler"
)

const (
	sslHalfA    = "sslA"
	sslHalfB    = "sslB"
	sslCurrent  = "sslCurrent"
	confFile    = "servers.conf"
	defaultPool = 8
)

// Supervisor is the seam the Configurer uses to ask the Proxy-Worker
// Supervisor (C7) to reload after a successful pass.
type Supervisor interface {
	Reload(ctx context.Context) error
}

// Options configures one Configurer instance, generalizing the
// external/tunable values named in §6.
type Options struct {
	SSLRoot  string // directory containing sslA/, sslB/, sslCurrent
	ConfDir  string // directory the rendered config file is written into

	ExternalHostname  string
	DefaultServerName string
	HTTPPort          int
	HTTPSPort         int
	VerifyDepth       int
	CAChainFile       string
	CRLFile           string
	ProxyProtocol     bool

	InternalCertFile string
	InternalKeyFile  string
	InternalCAFile   string

	DNSPoolSize int
}

// Configurer drives one Configure pass.
type Configurer struct {
	coord      coordinator.Coordinator
	paths      coordinator.Paths
	certs      *certstore.Store
	static     *statichandler.Handler
	resolver   Resolver
	supervisor Supervisor
	opts       Options
	log        *slog.Logger
}

// New returns a Configurer. resolver may be nil to select a
// singleflight-deduped stdlib resolver.
func New(coord coordinator.Coordinator, paths coordinator.Paths, certs *certstore.Store, static *statichandler.Handler, resolver Resolver, supervisor Supervisor, opts Options, log *slog.Logger) *Configurer {
	if resolver == nil {
		resolver = NewDedupResolver(nil)
	}
	if log == nil {
		log = slog.Default()
	}
	if opts.DNSPoolSize <= 0 {
		opts.DNSPoolSize = defaultPool
	}
	return &Configurer{
		coord:      coord,
		paths:      paths,
		certs:      certs,
		static:     static,
		resolver:   resolver,
		supervisor: supervisor,
		opts:       opts,
		log:        log,
	}
}

// Configure runs one full reconfigure pass, per §4.6.
func (c *Configurer) Configure(ctx context.Context) error {
	newSSLDir, err := c.layOutTLS(ctx)
	if err != nil {
		return err
	}

	if err := c.static.UpdateStaticContentsDict(ctx); err != nil {
		return err
	}

	regs, err := c.loadRegistrations(ctx)
	if err != nil {
		return err
	}

	data, err := c.buildConfigData(ctx, regs, newSSLDir)
	if err != nil {
		return err
	}

	text, err := NewRenderer().Render(*data)
	if err != nil {
		return &ezerr.StaticContentError{Op: "configure", Err: err}
	}

	if err := os.MkdirAll(c.opts.ConfDir, 0o755); err != nil {
		return fmt.Errorf("configure: mkdir conf dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(c.opts.ConfDir, confFile), []byte(text), 0o644); err != nil {
		return fmt.Errorf("configure: write config: %w", err)
	}

	if err := relinkHalf(c.opts.SSLRoot, sslCurrent, filepath.Base(newSSLDir)); err != nil {
		return fmt.Errorf("configure: relink %s: %w", sslCurrent, err)
	}

	if err := c.static.UpdateStaticDirLink(); err != nil {
		return err
	}

	if c.supervisor != nil {
		if err := c.supervisor.Reload(ctx); err != nil {
			c.log.Warn("worker reload failed", "error", &ezerr.WorkerReloadFailed{Err: err})
		}
	}
	return nil
}

// layOutTLS recreates the inactive TLS half and writes every published
// server cert into it, per §4.6 step 1.
func (c *Configurer) layOutTLS(ctx context.Context) (string, error) {
	cur, err := currentHalf(c.opts.SSLRoot, sslCurrent, sslHalfA)
	if err != nil {
		return "", fmt.Errorf("layOutTLS: %w", err)
	}
	newHalf := otherHalf(cur, sslHalfA, sslHalfB)
	newDir := filepath.Join(c.opts.SSLRoot, newHalf)

	if err := os.RemoveAll(newDir); err != nil {
		return "", fmt.Errorf("layOutTLS: clear %s: %w", newDir, err)
	}
	if err := os.MkdirAll(newDir, 0o755); err != nil {
		return "", fmt.Errorf("layOutTLS: mkdir %s: %w", newDir, err)
	}

	names, err := c.coord.GetChildren(ctx, c.paths.SSL())
	if err != nil {
		return "", fmt.Errorf("layOutTLS: list %s: %w", c.paths.SSL(), err)
	}

	for _, name := range names {
		certPEM, keyPEM, err := c.certs.Get(ctx, name)
		if err != nil {
			c.log.Error("cert store fetch failed, skipping", "serverName", name, "error", err)
			continue
		}
		if certPEM == nil || keyPEM == nil {
			c.log.Warn("ssl node has no matching cert store entry, skipping", "serverName", name)
			continue
		}
		if err := os.WriteFile(filepath.Join(newDir, name+".crt"), certPEM, 0o400); err != nil {
			c.log.Error("write cert failed, skipping", "serverName", name, "error", err)
			continue
		}
		if err := os.WriteFile(filepath.Join(newDir, name+".key"), keyPEM, 0o400); err != nil {
			c.log.Error("write key failed, skipping", "serverName", name, "error", err)
			continue
		}
	}
	return newDir, nil
}

func (c *Configurer) loadRegistrations(ctx context.Context) (map[string]*registration.Registration, error) {
	children, err := c.coord.GetChildren(ctx, c.paths.Config())
	if err != nil {
		return nil, fmt.Errorf("loadRegistrations: list %s: %w", c.paths.Config(), err)
	}
	out := make(map[string]*registration.Registration, len(children))
	for _, nodeName := range children {
		data, err := c.coord.Get(ctx, c.paths.ConfigChild(nodeName))
		if err != nil {
			c.log.Error("registration fetch failed, skipping", "nodeName", nodeName, "error", err)
			continue
		}
		reg, err := registration.Decode(data)
		if err != nil {
			c.log.Error("registration decode failed, skipping", "nodeName", nodeName, "error", err)
			continue
		}
		out[nodeName] = reg
	}
	return out, nil
}

// prefixGroup accumulates every registration sharing a single
// userFacingUrlPrefix while the upstream set is built.
type prefixGroup struct {
	firstSeenOrder int
	upstreamPath   string
	contentType    registration.ContentServiceType
	validateUp     bool
	members        []memberReg // one per registration node in this group
}

type memberReg struct {
	nodeName string
	hostPort string
}

// buildConfigData runs §4.6 steps 3-4: grouping, DNS resolution, and
// assembly of the template's input value.
func (c *Configurer) buildConfigData(ctx context.Context, regs map[string]*registration.Registration, sslDir string) (*ConfigData, error) {
	groups := map[string]*prefixGroup{}
	order := 0

	nodeNames := make([]string, 0, len(regs))
	for n := range regs {
		nodeNames = append(nodeNames, n)
	}
	sort.Strings(nodeNames)

	for _, nodeName := range nodeNames {
		reg := regs[nodeName]
		prefix := reg.UserFacingURLPrefix
		g, ok := groups[prefix]
		if !ok {
			g = &prefixGroup{firstSeenOrder: order, upstreamPath: reg.UpstreamPath, contentType: reg.ContentServiceType, validateUp: reg.ValidateUpstreamConnection}
			groups[prefix] = g
			order++
		} else if g.upstreamPath != reg.UpstreamPath {
			c.log.Error("conflicting upstreamPath for prefix, skipping registration", "prefix", prefix, "nodeName", nodeName)
			continue
		}
		g.members = append(g.members, memberReg{nodeName: nodeName, hostPort: reg.UpstreamHostAndPort})
	}

	// Resolve every distinct host once across the whole pass.
	hostSet := map[string]bool{}
	for _, g := range groups {
		for _, m := range g.members {
			if g.contentType == registration.ContentTypeStaticOnly {
				continue
			}
			if host, _, ok := strings.Cut(m.hostPort, ":"); ok {
				hostSet[host] = true
			}
		}
	}
	hosts := make([]string, 0, len(hostSet))
	for h := range hostSet {
		hosts = append(hosts, h)
	}
	resolutions := resolveAll(ctx, c.resolver, hosts, c.opts.DNSPoolSize)

	prefixes := make([]string, 0, len(groups))
	for p := range groups {
		prefixes = append(prefixes, p)
	}
	sort.Slice(prefixes, func(i, j int) bool { return groups[prefixes[i]].firstSeenOrder < groups[prefixes[j]].firstSeenOrder })

	upstreams := make([]UpstreamGroup, 0, len(groups))
	serverBlocks := map[string]*ServerBlock{}
	serverOrder := []string{}

	for i, prefix := range prefixes {
		g := groups[prefix]
		groupName := "server" + strconv.Itoa(i)

		var serverLines []string
		for _, m := range g.members {
			if g.contentType != registration.ContentTypeStaticOnly {
				host, _, _ := strings.Cut(m.hostPort, ":")
				if err := resolutions[host]; err != nil {
					c.log.Error("upstream unresolvable, pruning registration", "nodeName", m.nodeName, "host", host, "error", &ezerr.UpstreamUnresolvable{Host: host, Err: err})
					if lock, lerr := c.coord.Lock(ctx, c.paths.Lock(), "prune-unresolvable"); lerr == nil {
						_ = c.coord.Delete(ctx, c.paths.ConfigChild(m.nodeName))
						_ = coordinator.BumpWatch(ctx, c.coord, c.paths)
						_ = lock.Unlock()
					}
					continue
				}
			}
			reg := regs[m.nodeName]
			serverLines = append(serverLines, serverLine(m.hostPort, reg.TimeoutTries, reg.Timeout))
		}
		if g.contentType != registration.ContentTypeStaticOnly && len(serverLines) == 0 {
			continue
		}

		serverName, location := splitPrefix(prefix)
		if g.contentType != registration.ContentTypeStaticOnly {
			upstreams = append(upstreams, UpstreamGroup{
				Name:        groupName,
				ServerLines: serverLines,
				Sticky:      anySticky(regs, g.members),
				CookieName:  cookieName(prefix),
				CookiePath:  locationPath(location),
			})
		}

		sb, ok := serverBlocks[serverName]
		if !ok {
			sb = &ServerBlock{ServerName: serverName}
			serverBlocks[serverName] = sb
			serverOrder = append(serverOrder, serverName)
		}

		specialized, certFile, keyFile := specializedCert(sslDir, serverName)
		if specialized {
			hasNode, _ := c.coord.Exists(ctx, c.paths.SSLChild(serverName))
			specialized = hasNode
		}
		if specialized {
			sb.Specialized = true
			sb.CertFile = certFile
			sb.KeyFile = keyFile
		}

		if g.contentType == registration.ContentTypeHybrid || g.contentType == registration.ContentTypeStaticOnly {
			if c.static.UpdateStaticDir(ctx, prefix, g.contentType) {
				if root, ok := c.static.StaticRoot(prefix); ok {
					path := "/" + strings.TrimPrefix(prefix, "/") + "/"
					if g.contentType == registration.ContentTypeHybrid {
						path = "/" + strings.TrimPrefix(prefix, "/") + "/ezbappstatic/"
						root = filepath.Join(root, "ezbappstatic")
					}
					sb.StaticLocations = append(sb.StaticLocations, StaticLocation{Path: path, Root: root})
				}
			}
		}

		if g.contentType != registration.ContentTypeStaticOnly {
			sb.Locations = append(sb.Locations, ProxyLocation{
				Path:                           locationPath(location),
				UpstreamGroup:                  groupName,
				UpstreamPath:                   ensureTrailingSlash(g.upstreamPath),
				Headers:                        forwardedHeaders(serverName),
				UploadFileSize:                 regs[g.members[0].nodeName].UploadFileSize,
				DisableChunkedTransferEncoding: regs[g.members[0].nodeName].DisableChunkedTransferEncoding,
				ValidateUpstreamConnection:     g.validateUp,
				Redirects:                      redirectLines(g.members, g.upstreamPath, location),
			})
		}
	}

	servers := make([]ServerBlock, 0, len(serverOrder))
	for _, name := range serverOrder {
		sb := *serverBlocks[name]
		sort.Slice(sb.Locations, func(i, j int) bool { return len(sb.Locations[i].Path) > len(sb.Locations[j].Path) })
		if name == c.opts.DefaultServerName {
			sb.DefaultServer = true
		}
		servers = append(servers, sb)
	}
	sort.Slice(servers, func(i, j int) bool {
		return mostSpecific(servers[i]) > mostSpecific(servers[j])
	})

	return &ConfigData{
		HTTPPort:          c.opts.HTTPPort,
		HTTPSPort:         c.opts.HTTPSPort,
		ExternalHostname:  c.opts.ExternalHostname,
		DefaultServerName: c.opts.DefaultServerName,
		VerifyDepth:       c.opts.VerifyDepth,
		CAChainFile:       c.opts.CAChainFile,
		CRLFile:           c.opts.CRLFile,
		ProxyProtocol:     c.opts.ProxyProtocol,
		InternalCertFile:  c.opts.InternalCertFile,
		InternalKeyFile:   c.opts.InternalKeyFile,
		InternalCAFile:    c.opts.InternalCAFile,
		Upstreams:         upstreams,
		Servers:           servers,
	}, nil
}

func splitPrefix(prefix string) (serverName, location string) {
	if i := strings.IndexByte(prefix, '/'); i >= 0 {
		return prefix[:i], prefix[i:]
	}
	return prefix, "/"
}

func locationPath(location string) string {
	if location == "" {
		return "/"
	}
	return ensureTrailingSlash(location)
}

func ensureTrailingSlash(s string) string {
	if s == "" {
		return "/"
	}
	if strings.HasSuffix(s, "/") {
		return s
	}
	return s + "/"
}

func serverLine(hostPort string, timeoutTries, timeout int) string {
	var attrs []string
	if timeoutTries >= 1 {
		attrs = append(attrs, fmt.Sprintf("max_fails=%d", timeoutTries))
	}
	if timeout >= 10 && timeout <= 120 {
		attrs = append(attrs, fmt.Sprintf("fail_timeout=%ds", timeout))
	}
	if len(attrs) == 0 {
		return fmt.Sprintf("server %s;", hostPort)
	}
	return fmt.Sprintf("server %s %s;", hostPort, strings.Join(attrs, " "))
}

func anySticky(regs map[string]*registration.Registration, members []memberReg) bool {
	for _, m := range members {
		if regs[m.nodeName].Sticky {
			return true
		}
	}
	return false
}

func cookieName(location string) string {
	sum := md5.Sum([]byte(location))
	return "rt_" + hex.EncodeToString(sum[:])[:8]
}

func forwardedHeaders(serverName string) []string {
	headers := []string{
		`proxy_set_header Host ` + serverName + `;`,
		`proxy_set_header X-Original-Host $host;`,
		`proxy_set_header X-Original-Request $request_uri;`,
		`proxy_set_header X-Original-Uri $request_uri;`,
		`proxy_set_header X-Upstream-Context-Root $document_uri;`,
	}
	sort.Strings(headers)
	return headers
}

func redirectLines(members []memberReg, upstreamPath, location string) []string {
	var lines []string
	for _, m := range members {
		lines = append(lines,
			fmt.Sprintf("proxy_redirect http://%s%s %s;", m.hostPort, upstreamPath, location),
			fmt.Sprintf("proxy_redirect https://%s%s %s;", m.hostPort, upstreamPath, location),
		)
		host, _, _ := strings.Cut(m.hostPort, ":")
		lines = append(lines,
			fmt.Sprintf("proxy_redirect http://%s%s %s;", host, upstreamPath, location),
			fmt.Sprintf("proxy_redirect https://%s%s %s;", host, upstreamPath, location),
		)
	}
	return lines
}

func mostSpecific(sb ServerBlock) int {
	max := 0
	for _, l := range sb.Locations {
		if len(l.Path) > max {
			max = len(l.Path)
		}
	}
	for _, l := range sb.StaticLocations {
		if len(l.Path) > max {
			max = len(l.Path)
		}
	}
	return max
}

func specializedCert(sslDir, serverName string) (ok bool, certFile, keyFile string) {
	certFile = filepath.Join(sslDir, serverName+".crt")
	keyFile = filepath.Join(sslDir, serverName+".key")
	if _, err := os.Stat(certFile); err != nil {
		return false, "", ""
	}
	if _, err := os.Stat(keyFile); err != nil {
		return false, "", ""
	}
	return true, certFile, keyFile
}

func currentHalf(root, linkName, defaultHalf string) (string, error) {
	target, err := os.Readlink(filepath.Join(root, linkName))
	if err != nil {
		return defaultHalf, nil
	}
	return filepath.Base(target), nil
}

func otherHalf(half, a, b string) string {
	if half == a {
		return b
	}
	return a
}

func relinkHalf(root, linkName, target string) error {
	tmp := filepath.Join(root, linkName+".tmp")
	_ = os.Remove(tmp)
	if err := os.Symlink(target, tmp); err != nil {
		return fmt.Errorf("create temp symlink: %w", err)
	}
	return os.Rename(tmp, filepath.Join(root, linkName))
}
