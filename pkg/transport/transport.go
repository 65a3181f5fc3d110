package transport

import (
	"bufio"
	"context"
	stderrors "errors"
	"io"
	"os"
	"os/exec"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/odvcencio/bindery/pkg/errors"
	"github.com/odvcencio/bindery/pkg/jsonrpc"
	"github.com/odvcencio/bindery/pkg/logging"
)

// DefaultGracePeriod is how long a SIGTERM'd worker gets before SIGKILL.
const DefaultGracePeriod = 3 * time.Second

const readChunkSize = 64 * 1024

// FrameHandler receives every protocol frame read from stdout.
type FrameHandler func(*jsonrpc.Message)

// Options configures a Transport.
type Options struct {
	Logger      *logging.Logger
	GracePeriod time.Duration
	Limits      Limits
	// Sampler feeds the resource monitor; nil disables it.
	Sampler Sampler
	// OldestPending reports the age of the oldest in-flight request.
	OldestPending func() time.Duration
}

// StartOptions describes the process to spawn. Path must already be
// resolved; see ResolveExecutable.
type StartOptions struct {
	Path string
	Args []string
	// Env is the complete environment. Nil means RestrictedEnv with the
	// default allow-list, never the full parent environment.
	Env []string
	// Dir is the workspace root and working directory. A missing Dir puts
	// the transport in StatusNoWorkspace.
	Dir string
}

// Transport owns one worker process at a time.
type Transport struct {
	logger        *logging.Logger
	grace         time.Duration
	limits        Limits
	sampler       Sampler
	oldestPending func() time.Duration

	mu            sync.Mutex
	info          ConnectionInfo
	cmd           *exec.Cmd
	stdin         io.WriteCloser
	done          chan struct{}
	stopping      bool
	stopReason    string
	cancelMonitor context.CancelFunc
	handler       FrameHandler
	lastSample    ProcessSample
	hasSample     bool

	writeMu sync.Mutex
	lines   jsonrpc.LineBuffer

	obsMu       sync.RWMutex
	statusObs   []func(ConnectionInfo)
	exitObs     []func(ExitEvent)
	violationOb []func(Violation)

	dropped    atomic.Uint64
	violations atomic.Uint64
}

// New creates a disconnected transport.
func New(opts Options) *Transport {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = DefaultGracePeriod
	}
	return &Transport{
		logger:        logger.Child("transport"),
		grace:         opts.GracePeriod,
		limits:        opts.Limits,
		sampler:       opts.Sampler,
		oldestPending: opts.OldestPending,
		info:          ConnectionInfo{Status: StatusDisconnected},
	}
}

// SetFrameHandler registers the consumer of protocol frames.
func (t *Transport) SetFrameHandler(h FrameHandler) {
	t.mu.Lock()
	t.handler = h
	t.mu.Unlock()
}

// OnStatusChange registers an observer of lifecycle transitions.
func (t *Transport) OnStatusChange(fn func(ConnectionInfo)) {
	t.obsMu.Lock()
	t.statusObs = append(t.statusObs, fn)
	t.obsMu.Unlock()
}

// OnExit registers an observer of process exits.
func (t *Transport) OnExit(fn func(ExitEvent)) {
	t.obsMu.Lock()
	t.exitObs = append(t.exitObs, fn)
	t.obsMu.Unlock()
}

// OnViolation registers an observer of resource limit violations.
func (t *Transport) OnViolation(fn func(Violation)) {
	t.obsMu.Lock()
	t.violationOb = append(t.violationOb, fn)
	t.obsMu.Unlock()
}

// Start spawns the worker. It fails with NO_WORKSPACE when Dir is missing
// and with PROCESS_SPAWN when the process cannot be started.
func (t *Transport) Start(ctx context.Context, opts StartOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t.mu.Lock()
	running := t.cmd != nil
	t.mu.Unlock()
	if running {
		return errors.New(errors.ErrCodeInternal, "worker already running")
	}

	if opts.Dir != "" {
		if st, err := os.Stat(opts.Dir); err != nil || !st.IsDir() {
			t.setStatus(StatusNoWorkspace, "workspace root not found: "+opts.Dir)
			return errors.New(errors.ErrCodeNoWorkspace, "workspace root not found").
				WithContext("dir", opts.Dir).
				WithRemediation("Open a workspace or configure worker.workspace_root")
		}
	}

	t.setStatus(StatusConnecting, "")

	env := opts.Env
	if env == nil {
		env = RestrictedEnv(DefaultEnvAllowList, nil)
	}

	cmd := exec.Command(opts.Path, opts.Args...)
	cmd.Env = env
	cmd.Dir = opts.Dir
	cmd.SysProcAttr = sysProcAttr()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return t.spawnFailed(err, opts.Path)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return t.spawnFailed(err, opts.Path)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return t.spawnFailed(err, opts.Path)
	}
	if err := cmd.Start(); err != nil {
		return t.spawnFailed(err, opts.Path)
	}

	pid := cmd.Process.Pid
	done := make(chan struct{})
	monCtx, cancel := context.WithCancel(context.Background())

	t.mu.Lock()
	t.cmd = cmd
	t.stdin = stdin
	t.done = done
	t.stopping = false
	t.stopReason = ""
	t.cancelMonitor = cancel
	t.hasSample = false
	t.lines.Reset()
	t.info = ConnectionInfo{
		Status:      StatusConnected,
		ConnectedAt: time.Now(),
		ProcessID:   pid,
	}
	info := t.info
	t.mu.Unlock()

	t.logger.ProcessStarted(pid, opts.Path)
	t.notifyStatus(info)

	go t.run(cmd, stdout, stderr, done)
	go t.monitor(monCtx, pid, done)
	return nil
}

func (t *Transport) spawnFailed(err error, path string) error {
	t.setStatus(StatusError, err.Error())
	return errors.Wrap(err, errors.ErrCodeProcessSpawn, "failed to start worker").
		WithContext("path", path)
}

// run pumps both output streams, reaps the process and reports the exit.
func (t *Transport) run(cmd *exec.Cmd, stdout, stderr io.Reader, done chan struct{}) {
	var g errgroup.Group
	g.Go(func() error { return t.readStdout(stdout) })
	g.Go(func() error { return t.readStderr(stderr) })
	if err := g.Wait(); err != nil {
		t.logger.Debug("worker stream closed with error", "error", err)
	}

	waitErr := cmd.Wait()
	pid := cmd.Process.Pid
	exitCode := -1
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}

	t.mu.Lock()
	requested := t.stopping
	reason := t.stopReason
	lastErr := t.info.LastError
	if !requested && waitErr != nil {
		lastErr = waitErr.Error()
	}
	t.cmd = nil
	t.stdin = nil
	if t.cancelMonitor != nil {
		t.cancelMonitor()
		t.cancelMonitor = nil
	}
	t.info = ConnectionInfo{Status: StatusDisconnected, LastError: lastErr}
	info := t.info
	t.mu.Unlock()

	t.logger.ProcessExited(pid, exitCode, waitErr)
	t.notifyStatus(info)
	t.notifyExit(ExitEvent{
		ProcessID: pid,
		ExitCode:  exitCode,
		Err:       waitErr,
		Requested: requested,
		Reason:    reason,
	})
	close(done)
}

func (t *Transport) readStdout(r io.Reader) error {
	buf := make([]byte, readChunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			t.onData(buf[:n])
		}
		if err != nil {
			if err == io.EOF || stderrors.Is(err, os.ErrClosed) {
				return nil
			}
			return err
		}
	}
}

// onData reassembles lines and forwards protocol frames. Lines that are not
// JSON-RPC are worker log output and are dropped.
func (t *Transport) onData(chunk []byte) {
	t.mu.Lock()
	lines := t.lines.Feed(chunk)
	handler := t.handler
	t.mu.Unlock()

	for _, line := range lines {
		msg, ok := jsonrpc.DecodeFrame(line)
		if !ok {
			t.dropped.Add(1)
			t.logger.FrameDropped("not a json-rpc frame", len(line))
			continue
		}
		if handler != nil {
			handler(msg)
		}
	}
}

func (t *Transport) readStderr(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		t.logger.StderrLine(scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		// Keep draining so the worker never blocks on a full stderr pipe.
		_, _ = io.Copy(io.Discard, r)
		if stderrors.Is(err, os.ErrClosed) {
			return nil
		}
		return err
	}
	return nil
}

// Write sends one frame followed by a newline.
func (t *Transport) Write(line []byte) error {
	t.mu.Lock()
	stdin := t.stdin
	ok := stdin != nil && !t.stopping && t.info.Status == StatusConnected
	t.mu.Unlock()
	if !ok {
		return errors.New(errors.ErrCodeWrite, "worker is not running")
	}

	buf := make([]byte, len(line)+1)
	copy(buf, line)
	buf[len(line)] = '\n'

	t.writeMu.Lock()
	_, err := stdin.Write(buf)
	t.writeMu.Unlock()
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeWrite, "failed to write to worker stdin")
	}
	return nil
}

// Stop ends the worker. Graceful stops close stdin and send SIGTERM, then
// SIGKILL after the grace period or when ctx ends; otherwise SIGKILL is
// sent at once. Stop returns after the exit has been reported.
func (t *Transport) Stop(ctx context.Context, graceful bool) error {
	p, stdin, done, ok := t.beginStop("stop requested", "")
	if !ok {
		return nil
	}
	return t.shutdown(ctx, p, stdin, done, graceful)
}

// TerminateForSecurity stops the worker gracefully and records reason as
// the connection's last error.
func (t *Transport) TerminateForSecurity(reason string) error {
	p, stdin, done, ok := t.beginStop("security: "+reason, reason)
	if !ok {
		return nil
	}
	t.logger.Error("terminating worker", "reason", reason)
	return t.shutdown(context.Background(), p, stdin, done, true)
}

func (t *Transport) beginStop(reason, lastErr string) (*os.Process, io.WriteCloser, chan struct{}, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cmd == nil {
		return nil, nil, nil, false
	}
	if !t.stopping {
		t.stopping = true
		t.stopReason = reason
	}
	if lastErr != "" {
		t.info.LastError = lastErr
	}
	return t.cmd.Process, t.stdin, t.done, true
}

func (t *Transport) shutdown(ctx context.Context, p *os.Process, stdin io.WriteCloser, done chan struct{}, graceful bool) error {
	if graceful {
		if stdin != nil {
			_ = stdin.Close()
		}
		if err := terminate(p); err != nil {
			t.logger.Warn("SIGTERM failed", "pid", p.Pid, "error", err)
		}
		timer := time.NewTimer(t.grace)
		defer timer.Stop()
		select {
		case <-done:
			return nil
		case <-timer.C:
			t.logger.Warn("worker ignored SIGTERM, killing", "pid", p.Pid, "grace", t.grace)
		case <-ctx.Done():
		}
	}

	if err := forceKill(p); err != nil {
		t.logger.Warn("SIGKILL failed", "pid", p.Pid, "error", err)
	}
	select {
	case <-done:
		return nil
	case <-time.After(t.grace):
		return errors.New(errors.ErrCodeInternal, "worker did not exit after SIGKILL").
			WithContext("pid", p.Pid)
	}
}

// Done is closed when the current process has exited. With no process it
// returns a closed channel.
func (t *Transport) Done() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cmd == nil || t.done == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return t.done
}

// Info returns a snapshot of the connection.
func (t *Transport) Info() ConnectionInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.info
}

// SetVersion records the worker version reported by a handshake.
func (t *Transport) SetVersion(v string) {
	t.mu.Lock()
	t.info.Version = v
	t.mu.Unlock()
}

// LastSample returns the most recent resource sample of the current process.
func (t *Transport) LastSample() (ProcessSample, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastSample, t.hasSample
}

// DroppedFrames counts stdout lines that were not protocol frames.
func (t *Transport) DroppedFrames() uint64 {
	return t.dropped.Load()
}

// Violations counts resource limit violations.
func (t *Transport) Violations() uint64 {
	return t.violations.Load()
}

func (t *Transport) setStatus(status Status, lastErr string) {
	t.mu.Lock()
	t.info = ConnectionInfo{Status: status, LastError: lastErr}
	info := t.info
	t.mu.Unlock()
	t.notifyStatus(info)
}

func (t *Transport) notifyStatus(info ConnectionInfo) {
	t.obsMu.RLock()
	obs := slices.Clone(t.statusObs)
	t.obsMu.RUnlock()
	for _, fn := range obs {
		fn(info)
	}
}

func (t *Transport) notifyExit(ev ExitEvent) {
	t.obsMu.RLock()
	obs := slices.Clone(t.exitObs)
	t.obsMu.RUnlock()
	for _, fn := range obs {
		fn(ev)
	}
}

func (t *Transport) notifyViolation(v Violation) {
	t.obsMu.RLock()
	obs := slices.Clone(t.violationOb)
	t.obsMu.RUnlock()
	for _, fn := range obs {
		fn(v)
	}
}
