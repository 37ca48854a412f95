// Package runner executes the external test-runner binary under agent
// control without letting the agent exhaust the host: one execution in
// flight process-wide, a minimal allow-list environment, a write-time
// output ceiling, and escalating termination on timeout. The caller's
// result materializes only when the process is observed dead, never when a
// timer fires, so the admission slot is freed exactly once.
package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/specgate-dev/specgate/internal/audit"
	"github.com/specgate-dev/specgate/internal/config"
	"github.com/specgate-dev/specgate/internal/metrics"
	"github.com/specgate-dev/specgate/internal/pathguard"
	"github.com/specgate-dev/specgate/internal/redact"
)

// baseEnvAllow is the fixed set of parent environment variables the child
// may inherit: execution path, home, and display/CI signaling. Everything
// else, including every ambient credential, is excluded by construction.
var baseEnvAllow = []string{
	"PATH",
	"HOME",
	"DISPLAY",
	"XDG_RUNTIME_DIR",
	"CI",
	"TERM",
	"LANG",
}

// Result is the terminal state of an execution.
type Result struct {
	RunID      string `json:"run_id"`
	Spec       string `json:"spec"`
	Success    bool   `json:"success"`
	ExitCode   int    `json:"exit_code"`
	TimedOut   bool   `json:"timed_out"`
	Canceled   bool   `json:"canceled"`
	DurationMs int64  `json:"duration_ms"`
	// Output is the redacted head of the interleaved process output,
	// bounded by the display cap. Diagnostic only; structured results
	// come from the result artifact.
	Output        string `json:"output"`
	CapturedBytes int    `json:"captured_bytes"`
	Message       string `json:"message,omitempty"`
}

// Manager owns the execution slot and runs specs. One Manager exists per
// server process.
type Manager struct {
	root     *pathguard.Root
	cfg      config.Runner
	redactor *redact.Engine
	log      *audit.Logger
	met      *metrics.Metrics
	window   *rateWindow

	// slot is the process-wide admission flag. CompareAndSwap makes the
	// check and the acquisition a single step: two near-simultaneous
	// admission attempts cannot both succeed.
	slot atomic.Bool

	// current tracks the in-flight process group for shutdown signaling.
	mu      sync.Mutex
	current *os.Process
}

// New creates a Manager. All collaborators are required; pass
// audit.NewNop() when no audit trail is wanted.
func New(root *pathguard.Root, cfg config.Runner, redactor *redact.Engine, log *audit.Logger, met *metrics.Metrics) *Manager {
	return &Manager{
		root:     root,
		cfg:      cfg,
		redactor: redactor,
		log:      log,
		met:      met,
		window:   newRateWindow(cfg.RunsPerMinute),
	}
}

// Run executes one spec. The returned error, when non-nil, is always a
// *RunError; in every failure case the admission slot has already been
// returned to idle by the time Run returns (see Kind).
//
// Timeout semantics: the timer only signals termination. The result is
// built when the process actually exits, and carries TimedOut.
func (m *Manager) Run(ctx context.Context, candidate string) (*Result, error) {
	// Admission first: the slot is the backpressure signal, and a busy
	// rejection must be cheap.
	if !m.slot.CompareAndSwap(false, true) {
		m.met.RecordBusyRejection()
		m.log.LogBusyRejected(candidate)
		return nil, &RunError{Kind: KindBusy, err: errors.New("execution slot busy")}
	}
	m.met.SetRunActive(true)

	release := func() {
		m.slot.Store(false)
		m.met.SetRunActive(false)
	}

	specPath, binPath, err := m.validate(candidate)
	if err != nil {
		// Nothing was started; free the slot synchronously.
		release()
		return nil, &RunError{Kind: KindValidation, err: err}
	}

	if !m.window.allow(time.Now()) {
		release()
		return nil, &RunError{Kind: KindThrottled, err: errors.New("admission window full")}
	}

	runID := uuid.New().String()
	m.log.LogRunStarted(runID, candidate)

	output := newCappedBuffer(m.cfg.CaptureLimitBytes)

	// Explicit argument list; the path is never shell-interpreted.
	args := []string{"run", "--spec", specPath}
	args = append(args, m.cfg.ExtraArgs...)

	cmd := exec.Command(binPath, args...) //nolint:gosec // G204: argv built from validated, contained paths
	cmd.Dir = m.root.Path()
	cmd.Env = m.buildEnv()
	cmd.Stdout = output
	cmd.Stderr = output
	// Own process group, so termination signals reach the browser
	// children the runner spawns.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		// The spawn failure is the terminal lifecycle event; the slot is
		// freed here, when the error is observed.
		release()
		m.met.RecordRun("spawn_error", 0, 0)
		m.log.LogRunFailed(runID, candidate, err.Error())
		return nil, &RunError{Kind: KindSpawn, err: err}
	}

	m.setCurrent(cmd.Process)
	defer m.setCurrent(nil)

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	timer := time.NewTimer(time.Duration(m.cfg.TimeoutSeconds) * time.Second)
	defer timer.Stop()

	var timedOut, canceled bool
	var waitErr error

	select {
	case waitErr = <-waitCh:
	case <-timer.C:
		timedOut = true
		waitErr = m.terminateAndWait(cmd, waitCh)
	case <-ctx.Done():
		canceled = true
		waitErr = m.terminateAndWait(cmd, waitCh)
	}

	// The process is dead. The Running→Idle transition happens here,
	// exactly once, regardless of which branch completed the wait.
	release()

	duration := time.Since(start)
	exitCode := exitCodeOf(cmd, waitErr)
	captured := output.Bytes()

	res := &Result{
		RunID:         runID,
		Spec:          candidate,
		Success:       !timedOut && !canceled && exitCode == 0,
		ExitCode:      exitCode,
		TimedOut:      timedOut,
		Canceled:      canceled,
		DurationMs:    duration.Milliseconds(),
		Output:        m.shapeOutput(captured, output.Dropped()),
		CapturedBytes: len(captured),
	}
	switch {
	case timedOut:
		res.Message = fmt.Sprintf("run timed out after %ds and was terminated", m.cfg.TimeoutSeconds)
	case canceled:
		res.Message = "run canceled by server shutdown"
	case exitCode != 0:
		res.Message = fmt.Sprintf("runner exited with code %d", exitCode)
	}

	m.met.RecordRun(outcomeOf(res), duration.Seconds(), len(captured))
	m.log.LogRunFinished(runID, candidate, exitCode, timedOut, duration, len(captured))
	return res, nil
}

// validate applies the pre-spawn checks: the candidate must be relative,
// suffix allow-listed, contained in the root, and not itself a symlink
// (execution targets are held to a stricter bar than read targets). The
// runner binary must resolve inside the root too.
func (m *Manager) validate(candidate string) (specPath, binPath string, err error) {
	if candidate == "" {
		return "", "", errors.New("spec path is required")
	}
	if strings.HasPrefix(candidate, "/") || strings.HasPrefix(candidate, "\\") {
		return "", "", errors.New("spec path must be relative")
	}
	if !m.suffixAllowed(candidate) {
		return "", "", fmt.Errorf("%s does not match an allowed spec file type", candidate)
	}
	specPath, err = m.root.ResolveNoSymlink(candidate)
	if err != nil {
		return "", "", err
	}
	binPath, err = m.root.Resolve(m.cfg.Binary)
	if err != nil {
		return "", "", fmt.Errorf("runner binary: %w", err)
	}
	return specPath, binPath, nil
}

func (m *Manager) suffixAllowed(candidate string) bool {
	for _, s := range m.cfg.SpecSuffixes {
		if strings.HasSuffix(candidate, s) {
			return true
		}
	}
	return false
}

// buildEnv constructs the child environment from the allow-list. The
// parent environment is never inherited wholesale.
func (m *Manager) buildEnv() []string {
	names := make([]string, 0, len(baseEnvAllow)+len(m.cfg.PassEnv))
	names = append(names, baseEnvAllow...)
	names = append(names, m.cfg.PassEnv...)

	env := make([]string, 0, len(names))
	seen := make(map[string]struct{}, len(names))
	for _, name := range names {
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		if v, ok := os.LookupEnv(name); ok {
			env = append(env, name+"="+v)
		}
	}
	return env
}

// terminateAndWait signals the process group to terminate, escalates to
// SIGKILL after the grace period, and blocks until the exit is observed.
func (m *Manager) terminateAndWait(cmd *exec.Cmd, waitCh <-chan error) error {
	m.signal(cmd, syscall.SIGTERM)

	grace := time.Duration(m.cfg.KillGraceSeconds) * time.Second
	select {
	case err := <-waitCh:
		return err
	case <-time.After(grace):
	}

	m.signal(cmd, syscall.SIGKILL)
	return <-waitCh
}

// signal delivers sig to the child's process group, falling back to the
// process itself if the group signal fails.
func (m *Manager) signal(cmd *exec.Cmd, sig syscall.Signal) {
	if cmd.Process == nil {
		return
	}
	if err := syscall.Kill(-cmd.Process.Pid, sig); err != nil {
		_ = cmd.Process.Signal(sig)
	}
}

func (m *Manager) setCurrent(p *os.Process) {
	m.mu.Lock()
	m.current = p
	m.mu.Unlock()
}

// Shutdown signals any in-flight execution and waits for the slot to go
// idle, bounded by ctx. Called on server termination so heavyweight
// subprocesses are not orphaned.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if p := m.current; p != nil {
		if err := syscall.Kill(-p.Pid, syscall.SIGTERM); err != nil {
			_ = p.Signal(syscall.SIGTERM)
		}
	}
	m.mu.Unlock()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if !m.slot.Load() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Busy reports whether an execution is in flight.
func (m *Manager) Busy() bool { return m.slot.Load() }

// shapeOutput redacts the captured output and bounds it by the display cap.
// The capture ceiling bounds memory during the run; the display cap bounds
// what the agent sees, marker included, so the returned string never
// exceeds DisplayLimitBytes.
func (m *Manager) shapeOutput(captured []byte, dropped int64) string {
	text := m.redactor.Redact(string(captured))

	note := ""
	if len(text) > m.cfg.DisplayLimitBytes {
		note = "\n[output truncated]"
	} else if dropped > 0 {
		note = fmt.Sprintf("\n[%d bytes dropped at capture ceiling]", dropped)
	}
	if len(text)+len(note) > m.cfg.DisplayLimitBytes {
		keep := m.cfg.DisplayLimitBytes - len(note)
		if keep < 0 {
			// Cap too small to even hold the marker; the bound still wins.
			note = ""
			keep = min(len(text), m.cfg.DisplayLimitBytes)
		}
		text = text[:keep]
	}
	return text + note
}

func exitCodeOf(cmd *exec.Cmd, waitErr error) int {
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

func outcomeOf(res *Result) string {
	switch {
	case res.TimedOut:
		return "timeout"
	case res.Canceled:
		return "canceled"
	case res.Success:
		return "passed"
	default:
		return "failed"
	}
}
