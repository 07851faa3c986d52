// Package supervisor implements the Proxy-Worker Supervisor (C7):
// launching, locating, reloading, and cleaning up the nginx worker
// process the control plane drives, per §4.7.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/ezfrontend/efe-control/internal/ezerr"
)

// overlaySubdirs is the working directory tree created at startup,
// per §4.7.
var overlaySubdirs = []string{
	"logs",
	"sslA",
	"sslB",
	"staticA",
	"staticB",
	filepath.Join("rxtmp", "client_body_temp"),
	filepath.Join("rxtmp", "fastcgi_temp"),
	filepath.Join("rxtmp", "proxy_temp"),
	filepath.Join("rxtmp", "scgi_temp"),
	filepath.Join("rxtmp", "uwsgi_temp"),
	filepath.Join("conf", "conf.d"),
}

// masterCmdlineMarker and shuttingDownWorkerMarker identify the worker's
// master and shutting-down-worker processes by command line, since the
// worker binary has no other handle once its PID file goes stale.
const (
	masterCmdlineMarker      = "nginx: master process"
	shuttingDownWorkerMarker = "nginx: worker process is shutting down"
)

// Options configures one Supervisor.
type Options struct {
	WorkingDir       string // the root working directory, wd/ in §4.7
	BinaryPath       string // nginx binary path
	UserCAFiles      []string
	ManualOverlayDir string // directory of manual config overlays to copy, except servers.conf
	WorkerCount      int    // 0 selects CPU count, clamped to a minimum of 2
}

// Supervisor owns the nginx worker's lifecycle.
type Supervisor struct {
	opts     Options
	log      *slog.Logger
	masterPID int
}

// New returns a Supervisor for opts.
func New(opts Options, log *slog.Logger) *Supervisor {
	if log == nil {
		log = slog.Default()
	}
	if opts.WorkerCount <= 0 {
		opts.WorkerCount = runtime.NumCPU()
	}
	if opts.WorkerCount < 2 {
		opts.WorkerCount = 2
	}
	return &Supervisor{opts: opts, log: log}
}

// Bootstrap creates the working directory tree, the initial
// sslCurrent/staticCurrent symlinks, concatenates the CA chain, copies
// manual overlays, and launches the worker against
// conf/conf.d/servers.conf, per §4.7. It renders no config file of its
// own (servers.conf is written by the Configurer), so WorkerCount is
// not written into any config.
func (s *Supervisor) Bootstrap(ctx context.Context) error {
	wd := s.opts.WorkingDir
	for _, sub := range overlaySubdirs {
		if err := os.MkdirAll(filepath.Join(wd, sub), 0o755); err != nil {
			return fmt.Errorf("supervisor bootstrap: mkdir %s: %w", sub, err)
		}
	}

	for _, link := range []struct{ name, target string }{
		{"sslCurrent", "sslA"},
		{"staticCurrent", "staticA"},
	} {
		path := filepath.Join(wd, link.name)
		if _, err := os.Lstat(path); os.IsNotExist(err) {
			if err := os.Symlink(link.target, path); err != nil {
				return fmt.Errorf("supervisor bootstrap: symlink %s: %w", link.name, err)
			}
		}
	}

	if err := s.concatCAChain(); err != nil {
		return err
	}
	if err := s.copyOverlays(); err != nil {
		return err
	}

	cmd := exec.CommandContext(ctx, s.opts.BinaryPath,
		"-c", filepath.Join(wd, "conf", "conf.d", "servers.conf"),
		"-p", wd,
	)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("supervisor bootstrap: start worker: %w", err)
	}
	s.masterPID = cmd.Process.Pid
	s.log.Info("worker started", "pid", s.masterPID)
	return nil
}

// concatCAChain concatenates every configured user CA file into
// wd/CAchain.pem.
func (s *Supervisor) concatCAChain() error {
	if len(s.opts.UserCAFiles) == 0 {
		return nil
	}
	out, err := os.Create(filepath.Join(s.opts.WorkingDir, "CAchain.pem"))
	if err != nil {
		return fmt.Errorf("supervisor: create CAchain.pem: %w", err)
	}
	defer out.Close()

	for _, f := range s.opts.UserCAFiles {
		data, err := os.ReadFile(f)
		if err != nil {
			return fmt.Errorf("supervisor: read CA file %s: %w", f, err)
		}
		if _, err := out.Write(data); err != nil {
			return fmt.Errorf("supervisor: write CAchain.pem: %w", err)
		}
	}
	return nil
}

// copyOverlays copies every file under the manual overlay directory
// into wd/conf/conf.d, except servers.conf (the generated config).
func (s *Supervisor) copyOverlays() error {
	if s.opts.ManualOverlayDir == "" {
		return nil
	}
	entries, err := os.ReadDir(s.opts.ManualOverlayDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("supervisor: read overlay dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || e.Name() == "servers.conf" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.opts.ManualOverlayDir, e.Name()))
		if err != nil {
			return fmt.Errorf("supervisor: read overlay %s: %w", e.Name(), err)
		}
		dst := filepath.Join(s.opts.WorkingDir, "conf", "conf.d", e.Name())
		if err := os.WriteFile(dst, data, 0o644); err != nil {
			return fmt.Errorf("supervisor: write overlay %s: %w", e.Name(), err)
		}
	}
	return nil
}

// Reload signals the worker to reload its configuration (HUP), per
// §4.7. It falls back to process-table discovery when the recorded PID
// is unusable.
func (s *Supervisor) Reload(ctx context.Context) error {
	pid, err := s.recordedOrDiscoveredPID(ctx)
	if err != nil {
		return &ezerr.WorkerReloadFailed{Err: err}
	}
	if err := signalPID(pid, syscall.SIGHUP); err != nil {
		return &ezerr.WorkerReloadFailed{Err: err}
	}
	return nil
}

func (s *Supervisor) recordedOrDiscoveredPID(ctx context.Context) (int, error) {
	if pid, err := s.readPIDFile(); err == nil {
		return pid, nil
	}
	masters, err := orphanMasterPIDs(ctx)
	if err != nil {
		return 0, err
	}
	if len(masters) == 0 {
		return 0, fmt.Errorf("no worker master process found")
	}
	return masters[0], nil
}

func (s *Supervisor) readPIDFile() (int, error) {
	entries, err := os.ReadDir(s.opts.WorkingDir)
	if err != nil {
		return 0, err
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "nginx_") && strings.HasSuffix(e.Name(), ".pid") {
			data, err := os.ReadFile(filepath.Join(s.opts.WorkingDir, e.Name()))
			if err != nil {
				continue
			}
			pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
			if err != nil {
				continue
			}
			return pid, nil
		}
	}
	return 0, fmt.Errorf("no pid file found under %s", s.opts.WorkingDir)
}

// Cleanup sends QUIT to the recorded master (graceful) and TERM to any
// discovered orphan masters, then removes the working directory, per
// §4.7.
func (s *Supervisor) Cleanup(ctx context.Context) error {
	if s.masterPID != 0 {
		if err := signalPID(s.masterPID, syscall.SIGQUIT); err != nil {
			s.log.Warn("quit signal to worker master failed", "pid", s.masterPID, "error", err)
		}
	}
	orphans, err := orphanMasterPIDs(ctx)
	if err == nil {
		for _, pid := range orphans {
			if pid == s.masterPID {
				continue
			}
			if err := signalPID(pid, syscall.SIGTERM); err != nil {
				s.log.Warn("term signal to orphan master failed", "pid", pid, "error", err)
			}
		}
	}
	if err := os.RemoveAll(s.opts.WorkingDir); err != nil {
		return fmt.Errorf("supervisor cleanup: remove working dir: %w", err)
	}
	return nil
}

func signalPID(pid int, sig syscall.Signal) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return proc.Signal(sig)
}

// orphanMasterPIDs scans the OS process table for nginx master
// processes, excluding any whose children are mid-shutdown workers,
// per §4.7's orphan-discovery rule.
func orphanMasterPIDs(ctx context.Context) ([]int, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("orphanMasterPIDs: list processes: %w", err)
	}

	var masters []int
	shuttingDownParents := map[int32]bool{}
	for _, p := range procs {
		cmdline, err := p.CmdlineWithContext(ctx)
		if err != nil {
			continue
		}
		if strings.Contains(cmdline, shuttingDownWorkerMarker) {
			if ppid, err := p.PpidWithContext(ctx); err == nil {
				shuttingDownParents[ppid] = true
			}
		}
	}
	for _, p := range procs {
		cmdline, err := p.CmdlineWithContext(ctx)
		if err != nil {
			continue
		}
		if !strings.Contains(cmdline, masterCmdlineMarker) {
			continue
		}
		if shuttingDownParents[p.Pid] {
			continue
		}
		masters = append(masters, int(p.Pid))
	}
	return masters, nil
}
