//go:build !wireinject

// Code generated by Wire would normally live here; hand-maintained in
// this tree since the Go toolchain (and therefore `wire`) is never
// invoked. Keep this in sync with wire.go's provider graph by hand.
package main

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"regexp"
	"time"

	"golang.org/x/crypto/hkdf"

	"github.com/ezfrontend/efe-control/internal/blobstore"
	"github.com/ezfrontend/efe-control/internal/certstore"
	"github.com/ezfrontend/efe-control/internal/config"
	"github.com/ezfrontend/efe-control/internal/configurer"
	"github.com/ezfrontend/efe-control/internal/coordinator"
	"github.com/ezfrontend/efe-control/internal/ops"
	"github.com/ezfrontend/efe-control/internal/pki"
	"github.com/ezfrontend/efe-control/internal/reconfigure"
	"github.com/ezfrontend/efe-control/internal/rpcserver"
	"github.com/ezfrontend/efe-control/internal/shutdown"
	"github.com/ezfrontend/efe-control/internal/statichandler"
	"github.com/ezfrontend/efe-control/internal/staticstore"
	"github.com/ezfrontend/efe-control/internal/supervisor"
	"github.com/ezfrontend/efe-control/internal/watcher"
)

// coordinatorRoot is the fixed ZooKeeper root this process and every
// discovery registration operate under. Not yet exposed as a
// configuration key since every deployment of this control plane
// shares a single coordination-service namespace, per §4.5.
const coordinatorRoot = "/efe"

const coordinatorSessionTimeout = 10 * time.Second

// wireApp is the hand-authored equivalent of the wire.Build graph in
// wire.go.
func wireApp(conf *config.Config) (*application, func(), error) {
	log := slog.Default()

	coord, err := coordinator.Dial(context.Background(), conf.Zookeepers(), coordinatorSessionTimeout, log)
	if err != nil {
		return nil, nil, fmt.Errorf("dial coordinator: %w", err)
	}
	paths := coordinator.Paths{Root: coordinatorRoot}
	for _, p := range paths.AllPaths() {
		if err := coord.EnsurePath(context.Background(), p); err != nil {
			coord.Close()
			return nil, nil, fmt.Errorf("ensure coordinator path %s: %w", p, err)
		}
	}

	blob := blobstore.NewMemory()

	signingKey, err := certSigningKey(conf)
	if err != nil {
		coord.Close()
		return nil, nil, err
	}
	certs := certstore.New(blob, signingKey, nil, log)

	staticStore := staticstore.New(blob, conf.StaticContentChunkSizeMB()*1024*1024, log)
	staticRoot := filepath.Join(conf.WorkingDir(), "staticCurrent")
	static := statichandler.New(staticStore, staticRoot, conf.MaxStaticContentSizeMB()*1024*1024, log)

	sup := supervisor.New(supervisor.Options{
		WorkingDir:       conf.WorkingDir(),
		BinaryPath:       conf.NginxBinary(),
		UserCAFiles:      conf.UserCAFiles(),
		ManualOverlayDir: conf.ManualOverlayDir(),
		WorkerCount:      conf.NgxWorkers(),
	}, log)

	bundle, err := pki.Bootstrap(pki.Options{
		Control: pki.Triple{
			CertFile: conf.ControlCert(),
			KeyFile:  conf.ControlKey(),
			CAFile:   conf.ControlClientCA(),
		},
		Upstream: pki.Triple{
			CertFile: conf.InternalPKICert(),
			KeyFile:  conf.InternalPKIKey(),
			CAFile:   conf.InternalPKICA(),
		},
		Dev:          conf.DevPKI(),
		Seed:         conf.InternalHostname(),
		ControlHosts: []string{conf.InternalHostname()},
		WorkingDir:   conf.WorkingDir(),
	})
	if err != nil {
		coord.Close()
		return nil, nil, fmt.Errorf("bootstrap pki: %w", err)
	}

	peerCNPattern, err := regexp.Compile(conf.PeerCNPattern())
	if err != nil {
		coord.Close()
		return nil, nil, fmt.Errorf("compile peer-cn-pattern: %w", err)
	}

	factory := func(ctx context.Context) (reconfigure.Configurer, error) {
		return configurer.New(coord, paths, certs, static, nil, sup, configurer.Options{
			SSLRoot:           conf.WorkingDir(),
			ConfDir:           filepath.Join(conf.WorkingDir(), "conf", "conf.d"),
			ExternalHostname:  conf.ExternalHostname(),
			DefaultServerName: conf.DefaultServerName(),
			HTTPPort:          conf.HTTPPort(),
			HTTPSPort:         conf.HTTPSPort(),
			VerifyDepth:       conf.MaxCADepth(),
			CAChainFile:       filepath.Join(conf.WorkingDir(), "CAchain.pem"),
			CRLFile:           conf.CRLFile(),
			ProxyProtocol:     conf.ProxyProtocol(),
			InternalCertFile:  bundle.UpstreamCertFile,
			InternalKeyFile:   bundle.UpstreamKeyFile,
			InternalCAFile:    bundle.UpstreamCAFile,
		}, log), nil
	}
	loop := reconfigure.New(factory, 1, log)

	wch := watcher.New(coord, paths, loop, log)

	rpc := rpcserver.New(rpcserver.Options{
		Address:       conf.ControlListenAddress(),
		TLSConfig:     bundle.ControlTLSConfig,
		PeerCNPattern: peerCNPattern,
		Coord:         coord,
		Paths:         paths,
		Certs:         certs,
		Static:        static,
		FatalCheckers: []rpcserver.FatalChecker{loop},
		Log:           log,
	})

	monitor := shutdown.New(shutdown.Options{
		SentinelPath: conf.ShutdownSentinel(),
		Log:          log,
	})

	opsServer, err := ops.New(ops.Options{
		Address:        conf.OpsAddress(),
		PeerCNPattern:  peerCNPattern,
		HealthCheckers: []ops.FatalChecker{loop},
		Log:            log,
	})
	if err != nil {
		coord.Close()
		return nil, nil, fmt.Errorf("build ops server: %w", err)
	}

	app := &application{
		coord:      coord,
		paths:      paths,
		supervisor: sup,
		loop:       loop,
		watcher:    wch,
		rpcServer:  rpc,
		monitor:    monitor,
		opsServer:  opsServer,
		listenAddr: conf.ControlListenAddress(),
		log:        log,
	}

	cleanup := func() {
		// Run() already closes coord on its own return path; this
		// cleanup only covers the case where wireApp succeeded but
		// app.Run was never reached (e.g. cobra argument-parse error).
	}

	return app, cleanup, nil
}

// certSigningKey derives the Cert Store's HMAC signing key from the
// configured seed via HKDF, the same derive-a-purpose-scoped-secret
// pattern used for the control-plane PKI's dev CA (C14).
func certSigningKey(conf *config.Config) ([]byte, error) {
	seed := conf.CertSigningSeed()
	if seed == "change-me" {
		return nil, errors.New("refusing to start: cert signing seed is the insecure default \"change-me\"; " +
			"set --cert-signing-seed or EFECTL_CERT_SIGNING_SEED to a unique secret")
	}
	h := hkdf.New(sha256.New, []byte(seed), nil, []byte("cert-store-signing-key"))
	key := make([]byte, 32)
	if _, err := io.ReadFull(h, key); err != nil {
		return nil, fmt.Errorf("derive cert signing key: %w", err)
	}
	return key, nil
}
