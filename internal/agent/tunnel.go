package agent

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/CNF6682/GPU-Server-Monitor/internal/wire"
)

// connectDetectWindow is how long the supervisor waits before declaring a
// freshly spawned ssh process "connected".
const connectDetectWindow = 500 * time.Millisecond

// killGrace is how long the supervisor waits after SIGTERM before SIGKILL.
const killGrace = 5 * time.Second

// TunnelSupervisor runs and restarts an SSH local-forward child process,
// maintaining an outbound tunnel to the central aggregator host. All state
// transitions are serialized by mu so API calls and the monitor goroutine
// never corrupt status.
type TunnelSupervisor struct {
	mu      sync.Mutex
	desired bool
	cfg     *wire.ProxyConfig
	status  wire.TunnelStatus

	cmd        *exec.Cmd
	cancelLoop context.CancelFunc
	loopDone   chan struct{}
}

func NewTunnelSupervisor() *TunnelSupervisor {
	return &TunnelSupervisor{status: wire.TunnelStatus{Status: "disabled"}}
}

// Configure stores the desired config without starting anything. If the
// config is absent or disabled and nothing is currently desired to run, the
// status settles to "disabled".
func (t *TunnelSupervisor) Configure(cfg *wire.ProxyConfig) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cfg = cfg
	if (cfg == nil || !cfg.Enabled) && !t.desired {
		t.status.Status = "disabled"
	}
}

func (t *TunnelSupervisor) Status() wire.TunnelStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	status := t.status
	if t.cfg != nil {
		port := t.cfg.ServerListenPort
		status.ListenPort = &port
		target := fmt.Sprintf("127.0.0.1:%d", t.cfg.CenterProxyPort)
		status.Target = &target
	}
	return status
}

// Start sets desired=true and spawns the monitor goroutine if not already
// running. It returns immediately; connection happens asynchronously.
func (t *TunnelSupervisor) Start(override *wire.ProxyConfig) error {
	t.mu.Lock()

	if override != nil {
		t.cfg = override
	}
	if t.cfg == nil {
		t.mu.Unlock()
		return fmt.Errorf("proxy config missing")
	}
	if !t.cfg.Enabled {
		t.mu.Unlock()
		return fmt.Errorf("proxy is disabled in config")
	}

	t.desired = true
	t.status.Status = "connecting"
	t.status.LastError = nil

	running := false
	if t.loopDone != nil {
		select {
		case <-t.loopDone:
		default:
			running = true
		}
	}
	t.mu.Unlock()

	if running {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.mu.Lock()
	t.cancelLoop = cancel
	t.loopDone = make(chan struct{})
	done := t.loopDone
	t.mu.Unlock()

	go func() {
		defer close(done)
		t.monitorLoop(ctx)
	}()
	return nil
}

// Stop sets desired=false, terminates the child, and cancels the monitor
// goroutine.
func (t *TunnelSupervisor) Stop() {
	t.mu.Lock()
	t.desired = false
	cancel := t.cancelLoop
	cmd := t.cmd
	enabled := t.cfg != nil && t.cfg.Enabled
	t.mu.Unlock()

	if cmd != nil {
		killProcess(cmd)
	}
	if cancel != nil {
		cancel()
	}

	t.mu.Lock()
	if enabled {
		t.status.Status = "stopped"
	} else {
		t.status.Status = "disabled"
	}
	t.status.ConnectedSince = nil
	t.cancelLoop = nil
	t.loopDone = nil
	t.mu.Unlock()
}

func (t *TunnelSupervisor) monitorLoop(ctx context.Context) {
	for {
		t.mu.Lock()
		desired := t.desired
		cfg := t.cfg
		retry := t.status.RetryCount
		t.mu.Unlock()

		if !desired {
			return
		}
		if cfg == nil || !cfg.Enabled {
			t.mu.Lock()
			t.status.Status = "disabled"
			t.mu.Unlock()
			return
		}

		backoff := backoffFor(retry)

		if !portAvailable(cfg.ServerListenPort) {
			t.recordError(fmt.Sprintf("PORT_IN_USE: 127.0.0.1:%d", cfg.ServerListenPort))
			if !t.sleepOrDone(ctx, backoff) {
				return
			}
			continue
		}

		if err := t.runOnce(ctx, cfg); err != nil {
			t.recordError(err.Error())
		}

		t.mu.Lock()
		stillDesired := t.desired
		t.mu.Unlock()
		if !stillDesired {
			return
		}

		if !t.sleepOrDone(ctx, backoff) {
			return
		}
	}
}

// runOnce spawns ssh, waits connectDetectWindow, marks connected if still
// alive, then blocks until the child exits.
func (t *TunnelSupervisor) runOnce(ctx context.Context, cfg *wire.ProxyConfig) error {
	argv := buildSSHArgs(cfg)
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("ssh stderr pipe: %w", err)
	}

	t.mu.Lock()
	t.status.Status = "connecting"
	t.status.LastError = nil
	t.mu.Unlock()

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("ssh start: %w", err)
	}

	t.mu.Lock()
	t.cmd = cmd
	pid := cmd.Process.Pid
	t.status.PID = &pid
	t.mu.Unlock()

	go t.readStderr(stderr)

	exitErr := make(chan error, 1)
	go func() { exitErr <- cmd.Wait() }()

	select {
	case err := <-exitErr:
		t.onChildExit(err)
		return nil
	case <-time.After(connectDetectWindow):
	}

	t.mu.Lock()
	t.status.Status = "connected"
	now := time.Now().UTC().Format(time.RFC3339)
	t.status.ConnectedSince = &now
	t.status.RetryCount = 0
	t.status.LastError = nil
	t.mu.Unlock()
	slog.Info("tunnel connected")

	err = <-exitErr
	t.onChildExit(err)
	return nil
}

func (t *TunnelSupervisor) onChildExit(waitErr error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.desired {
		t.cmd = nil
		return
	}
	t.status.Status = "error"
	if t.status.LastError == nil {
		msg := fmt.Sprintf("ssh exited: %v", waitErr)
		t.status.LastError = &msg
	}
	t.status.RetryCount++
	t.status.PID = nil
	t.status.ConnectedSince = nil
	t.cmd = nil
}

func (t *TunnelSupervisor) recordError(msg string) {
	t.mu.Lock()
	t.status.Status = "error"
	t.status.LastError = &msg
	t.status.RetryCount++
	t.status.PID = nil
	t.status.ConnectedSince = nil
	t.mu.Unlock()
}

func (t *TunnelSupervisor) readStderr(r io.Reader) {
	buf := make([]byte, 4096)
	var line []byte
	for {
		n, err := r.Read(buf)
		if n > 0 {
			for _, b := range buf[:n] {
				if b == '\n' {
					text := string(line)
					line = nil
					if text != "" {
						t.mu.Lock()
						t.status.LastError = &text
						t.mu.Unlock()
						slog.Info("proxy ssh", "line", text)
					}
					continue
				}
				line = append(line, b)
			}
		}
		if err != nil {
			return
		}
	}
}

func (t *TunnelSupervisor) sleepOrDone(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

// backoffFor mirrors the Python supervisor's formula exactly:
// min(60, max(1, 2**min(6, retry))).
func backoffFor(retry int) time.Duration {
	exp := retry
	if exp > 6 {
		exp = 6
	}
	secs := 1 << exp
	if secs > 60 {
		secs = 60
	}
	if secs < 1 {
		secs = 1
	}
	return time.Duration(secs) * time.Second
}

func portAvailable(port int) bool {
	l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	l.Close()
	return true
}

func buildSSHArgs(cfg *wire.ProxyConfig) []string {
	args := []string{
		"ssh", "-N",
		"-L", fmt.Sprintf("127.0.0.1:%d:127.0.0.1:%d", cfg.ServerListenPort, cfg.CenterProxyPort),
		fmt.Sprintf("%s@%s", cfg.CenterSSHUser, cfg.CenterSSHHost),
		"-p", fmt.Sprintf("%d", cfg.CenterSSHPort),
		"-i", cfg.IdentityFile,
		"-o", "BatchMode=yes",
		"-o", "ExitOnForwardFailure=yes",
		"-o", "ServerAliveInterval=30",
		"-o", "ServerAliveCountMax=3",
	}
	if cfg.StrictHostKeyChecking {
		args = append(args, "-o", "StrictHostKeyChecking=yes")
	} else {
		args = append(args, "-o", "StrictHostKeyChecking=no", "-o", "UserKnownHostsFile=/dev/null")
	}
	return args
}

func killProcess(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	cmd.Process.Signal(syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		cmd.Process.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(killGrace):
		cmd.Process.Kill()
	}
}
