// Package supervisor owns the interpreter processes: dependency probing,
// connection descriptor files, launch, and teardown.
package supervisor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

const (
	defaultRuntimeDir  = ".kernelbridge/runtime"
	defaultIP          = "127.0.0.1"
	defaultStopTimeout = 5 * time.Second
	connectionFileTok  = "{connection_file}"
)

// ErrDependencyMissing is returned by Spawn when the target interpreter
// lacks the kernel package and cannot be launched.
var ErrDependencyMissing = errors.New("supervisor: kernel dependency missing in interpreter")

// ErrProcessNotFound is returned for operations on unknown session ids.
var ErrProcessNotFound = errors.New("supervisor: process not found")

// Options configures process launch. Argv is appended to the interpreter
// path; occurrences of {connection_file} are replaced with the descriptor
// path. ProbeArgs run first against the bare interpreter and must exit 0.
type Options struct {
	RuntimeDir  string
	IP          string
	Argv        []string
	ProbeArgs   []string
	StopTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.RuntimeDir == "" {
		home, _ := os.UserHomeDir()
		o.RuntimeDir = filepath.Join(home, defaultRuntimeDir)
	}
	if abs, err := filepath.Abs(o.RuntimeDir); err == nil {
		o.RuntimeDir = abs
	}
	if o.IP == "" {
		o.IP = defaultIP
	}
	if len(o.Argv) == 0 {
		o.Argv = []string{"-m", "ipykernel_launcher", "-f", connectionFileTok}
	}
	if len(o.ProbeArgs) == 0 {
		o.ProbeArgs = []string{"-c", "import ipykernel"}
	}
	if o.StopTimeout <= 0 {
		o.StopTimeout = defaultStopTimeout
	}
	return o
}

// Process is one running interpreter.
type Process struct {
	sessionID  string
	descriptor *ConnectionDescriptor
	descPath   string
	cmd        *exec.Cmd
	logFile    *os.File
	cancel     context.CancelFunc
	done       chan struct{}

	mu       sync.Mutex
	stopping bool
	exitErr  error
}

// Descriptor returns the connection descriptor the process was launched with.
func (p *Process) Descriptor() *ConnectionDescriptor { return p.descriptor }

// DescriptorPath returns the on-disk descriptor file path.
func (p *Process) DescriptorPath() string { return p.descPath }

// PID returns the interpreter's process id.
func (p *Process) PID() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Done is closed when the process has exited and its descriptor is gone.
func (p *Process) Done() <-chan struct{} { return p.done }

// ExitErr reports the process exit error, valid after Done is closed.
func (p *Process) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

// Supervisor launches and tracks interpreter processes, one per session.
type Supervisor struct {
	opts   Options
	logger *zap.Logger
	onExit func(sessionID string, err error)

	mu        sync.RWMutex
	processes map[string]*Process
}

// New creates a supervisor. onExit fires whenever a process exits on its
// own, after its descriptor file has been removed; it is suppressed for
// exits the supervisor itself requested.
func New(opts Options, onExit func(sessionID string, err error), logger *zap.Logger) *Supervisor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Supervisor{
		opts:      opts.withDefaults(),
		logger:    logger,
		onExit:    onExit,
		processes: make(map[string]*Process),
	}
}

// RuntimeDir returns the directory holding descriptor and log files.
func (s *Supervisor) RuntimeDir() string { return s.opts.RuntimeDir }

// Spawn probes the interpreter, writes a connection descriptor, and
// starts the kernel process for sessionID. kernelName lands in the
// descriptor verbatim.
func (s *Supervisor) Spawn(ctx context.Context, sessionID, executablePath, kernelName string) (*Process, error) {
	s.mu.RLock()
	_, exists := s.processes[sessionID]
	s.mu.RUnlock()
	if exists {
		return nil, fmt.Errorf("supervisor: session %s already has a process", sessionID)
	}

	if err := s.probeDependency(ctx, executablePath); err != nil {
		return nil, err
	}

	desc, err := newDescriptor(sessionID, kernelName, s.opts.IP)
	if err != nil {
		return nil, err
	}
	descPath, err := desc.write(s.opts.RuntimeDir)
	if err != nil {
		return nil, err
	}

	args := make([]string, 0, len(s.opts.Argv))
	for _, a := range s.opts.Argv {
		args = append(args, strings.ReplaceAll(a, connectionFileTok, descPath))
	}

	procCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(procCtx, executablePath, args...)
	cmd.Env = os.Environ()

	logPath := filepath.Join(s.opts.RuntimeDir, fmt.Sprintf("kernel-%s.log", sessionID))
	logFile, err := os.Create(logPath)
	if err != nil {
		cancel()
		os.Remove(descPath)
		return nil, fmt.Errorf("create kernel log: %w", err)
	}

	// Wait owns the output copying; both streams land in the log file,
	// stderr lines tagged. Reading exec pipes alongside Wait can lose
	// buffered output, so the streams are plain writers instead.
	logSink := &syncWriter{w: logFile}
	cmd.Stdout = logSink
	cmd.Stderr = &prefixWriter{w: logSink, prefix: []byte("[stderr] ")}

	if err := cmd.Start(); err != nil {
		cancel()
		logFile.Close()
		os.Remove(descPath)
		return nil, fmt.Errorf("start interpreter: %w", err)
	}

	proc := &Process{
		sessionID:  sessionID,
		descriptor: desc,
		descPath:   descPath,
		cmd:        cmd,
		logFile:    logFile,
		cancel:     cancel,
		done:       make(chan struct{}),
	}

	s.mu.Lock()
	s.processes[sessionID] = proc
	s.mu.Unlock()

	s.logger.Info("interpreter started",
		zap.String("session_id", sessionID),
		zap.Int("pid", cmd.Process.Pid),
		zap.String("executable", executablePath),
		zap.Int("shell_port", desc.ShellPort),
		zap.String("connection_file", descPath))

	go s.waitForExit(proc)

	return proc, nil
}

// probeDependency runs the interpreter once to verify the kernel package
// imports cleanly. A non-zero exit maps to ErrDependencyMissing.
func (s *Supervisor) probeDependency(ctx context.Context, executablePath string) error {
	probe := exec.CommandContext(ctx, executablePath, s.opts.ProbeArgs...)
	if err := probe.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return fmt.Errorf("%w: %s", ErrDependencyMissing, executablePath)
		}
		return fmt.Errorf("probe interpreter %s: %w", executablePath, err)
	}
	return nil
}

// syncWriter serializes writes from the two output streams so log lines
// never interleave mid-write.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (sw *syncWriter) Write(p []byte) (int, error) {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	return sw.w.Write(p)
}

// prefixWriter tags every line written through it. Chunks from os/exec
// arrive at arbitrary boundaries, so line starts are tracked across calls.
type prefixWriter struct {
	w       io.Writer
	prefix  []byte
	midLine bool
}

func (pw *prefixWriter) Write(p []byte) (int, error) {
	total := len(p)
	for len(p) > 0 {
		if !pw.midLine {
			if _, err := pw.w.Write(pw.prefix); err != nil {
				return total - len(p), err
			}
			pw.midLine = true
		}
		i := bytes.IndexByte(p, '\n')
		if i < 0 {
			n, err := pw.w.Write(p)
			return total - len(p) + n, err
		}
		if n, err := pw.w.Write(p[:i+1]); err != nil {
			return total - len(p) + n, err
		}
		pw.midLine = false
		p = p[i+1:]
	}
	return total, nil
}

func (s *Supervisor) waitForExit(proc *Process) {
	err := proc.cmd.Wait()
	proc.logFile.Close()

	// Descriptor files must not outlive their process.
	if rmErr := os.Remove(proc.descPath); rmErr != nil && !os.IsNotExist(rmErr) {
		s.logger.Warn("descriptor cleanup failed",
			zap.String("session_id", proc.sessionID), zap.Error(rmErr))
	}

	proc.mu.Lock()
	proc.exitErr = err
	stopping := proc.stopping
	proc.mu.Unlock()

	s.mu.Lock()
	delete(s.processes, proc.sessionID)
	s.mu.Unlock()

	close(proc.done)

	if stopping {
		s.logger.Debug("interpreter stopped", zap.String("session_id", proc.sessionID))
		return
	}
	s.logger.Warn("interpreter exited unexpectedly",
		zap.String("session_id", proc.sessionID), zap.Error(err))
	if s.onExit != nil {
		s.onExit(proc.sessionID, err)
	}
}

// Get returns the process for a session.
func (s *Supervisor) Get(sessionID string) (*Process, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	proc, ok := s.processes[sessionID]
	return proc, ok
}

// IsRunning reports whether a session currently has a live process.
func (s *Supervisor) IsRunning(sessionID string) bool {
	_, ok := s.Get(sessionID)
	return ok
}

// Stop terminates a session's process: SIGTERM, then SIGKILL after the
// stop timeout. It waits for the exit to be fully processed.
func (s *Supervisor) Stop(sessionID string) error {
	s.mu.RLock()
	proc, ok := s.processes[sessionID]
	s.mu.RUnlock()
	if !ok {
		return ErrProcessNotFound
	}

	proc.mu.Lock()
	proc.stopping = true
	proc.mu.Unlock()

	proc.cancel()
	if proc.cmd.Process != nil {
		proc.cmd.Process.Signal(syscall.SIGTERM)
		select {
		case <-proc.done:
			return nil
		case <-time.After(s.opts.StopTimeout):
			proc.cmd.Process.Kill()
		}
	}
	<-proc.done
	return nil
}

// Shutdown stops every running process and waits for them to exit.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	procs := make([]*Process, 0, len(s.processes))
	for _, p := range s.processes {
		procs = append(procs, p)
	}
	s.mu.Unlock()

	for _, proc := range procs {
		proc.mu.Lock()
		proc.stopping = true
		proc.mu.Unlock()
		proc.cancel()
		if proc.cmd.Process != nil {
			proc.cmd.Process.Signal(syscall.SIGTERM)
		}
	}
	for _, proc := range procs {
		select {
		case <-proc.done:
		case <-time.After(s.opts.StopTimeout * 2):
			if proc.cmd.Process != nil {
				proc.cmd.Process.Kill()
			}
			<-proc.done
		}
	}
}
