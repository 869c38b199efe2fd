// Package registry coordinates kernel sessions: it pairs the process
// supervisor with a transport and session per kernel and exposes the
// operations the API layer calls.
package registry

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sevir/kernelbridge/internal/kernel"
	"github.com/sevir/kernelbridge/internal/supervisor"
	"github.com/sevir/kernelbridge/internal/transport"
	"github.com/sevir/kernelbridge/pkg/models"
)

// ErrSessionNotFound is returned for operations on unknown session ids.
var ErrSessionNotFound = errors.New("registry: session not found")

const kernelInfoTimeout = 10 * time.Second

// Config holds registry configuration.
type Config struct {
	RuntimeDir        string
	IP                string
	Argv              []string
	ProbeArgs         []string
	ConnectTimeout    time.Duration
	EnableStdin       bool
	EnableHeartbeat   bool
	HeartbeatInterval time.Duration
	StopTimeout       time.Duration
}

// Registry tracks every session from spawn to shutdown. Dead sessions
// stay listed until explicitly removed so callers can observe the
// terminal state.
type Registry struct {
	cfg    Config
	logger *zap.Logger
	sup    *supervisor.Supervisor

	mu       sync.RWMutex
	sessions map[string]*entry
}

type entry struct {
	session        *kernel.Session
	executablePath string
	kernelName     string
}

// New creates a registry and its supervisor.
func New(cfg Config, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		cfg:      cfg,
		logger:   logger,
		sessions: make(map[string]*entry),
	}
	r.sup = supervisor.New(supervisor.Options{
		RuntimeDir:  cfg.RuntimeDir,
		IP:          cfg.IP,
		Argv:        cfg.Argv,
		ProbeArgs:   cfg.ProbeArgs,
		StopTimeout: cfg.StopTimeout,
	}, r.handleProcessExit, logger.Named("supervisor"))
	return r
}

func (r *Registry) transportOptions() *transport.Options {
	return &transport.Options{
		ConnectTimeout:    r.cfg.ConnectTimeout,
		EnableStdin:       r.cfg.EnableStdin,
		EnableHeartbeat:   r.cfg.EnableHeartbeat,
		HeartbeatInterval: r.cfg.HeartbeatInterval,
	}
}

// Provide spawns a kernel process, connects a transport to it, and
// registers the resulting session.
func (r *Registry) Provide(ctx context.Context, req models.SpawnRequest) (*kernel.Session, error) {
	if req.ExecutablePath == "" {
		return nil, fmt.Errorf("registry: executable path required")
	}
	id := newSessionID()
	name := req.DisplayName
	if name == "" {
		name = filepath.Base(req.ExecutablePath)
	}
	kernelName := filepath.Base(req.ExecutablePath)

	proc, err := r.sup.Spawn(ctx, id, req.ExecutablePath, kernelName)
	if err != nil {
		return nil, err
	}

	tr := transport.New(proc.Descriptor().Endpoints(), proc.Descriptor().Key,
		r.transportOptions(), r.logger.Named("transport"))
	sess := kernel.NewSession(id, name, tr, r.logger.Named("session"))
	tr.SetEvents(transport.Events{
		OnMessage:    sess.HandleMessage,
		OnError:      sess.HandleTransportError,
		OnDisconnect: sess.HandleDisconnect,
	})

	if err := tr.Connect(ctx); err != nil {
		tr.Close()
		r.sup.Stop(id)
		return nil, fmt.Errorf("connect to kernel: %w", err)
	}

	r.mu.Lock()
	r.sessions[id] = &entry{
		session:        sess,
		executablePath: req.ExecutablePath,
		kernelName:     kernelName,
	}
	r.mu.Unlock()

	// Warm the metadata cache; the session works without it.
	go func() {
		infoCtx, cancel := context.WithTimeout(context.Background(), kernelInfoTimeout)
		defer cancel()
		if _, err := sess.RequestKernelInfo(infoCtx); err != nil {
			r.logger.Debug("kernel info probe failed",
				zap.String("session_id", id), zap.Error(err))
		}
	}()

	r.logger.Info("session registered",
		zap.String("session_id", id),
		zap.String("name", name),
		zap.Int("pid", proc.PID()))
	return sess, nil
}

// Get returns a session by id.
func (r *Registry) Get(id string) (*kernel.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return e.session, nil
}

// List returns summaries of all sessions, newest first.
func (r *Registry) List() []models.SessionSummary {
	r.mu.RLock()
	out := make([]models.SessionSummary, 0, len(r.sessions))
	for _, e := range r.sessions {
		out = append(out, e.session.Summary())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Execute submits code to a session and returns its completion handle.
func (r *Registry) Execute(id string, req models.ExecuteRequest) (*kernel.Execution, error) {
	sess, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	return sess.Execute(req.Code, req.StoreHistory)
}

// Interrupt asks a session's kernel to abandon the current execution.
func (r *Registry) Interrupt(id string) error {
	sess, err := r.Get(id)
	if err != nil {
		return err
	}
	return sess.Interrupt()
}

// KernelInfo returns cached or freshly fetched interpreter metadata.
func (r *Registry) KernelInfo(ctx context.Context, id string) (*models.KernelInfo, error) {
	sess, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	return sess.RequestKernelInfo(ctx)
}

// Restart replaces a session's kernel process with a fresh one under the
// same session id. Pending executions fail; session identity and name
// survive.
func (r *Registry) Restart(ctx context.Context, id string) error {
	r.mu.RLock()
	e, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return ErrSessionNotFound
	}

	if err := e.session.BeginRestart(); err != nil {
		return err
	}
	if err := r.sup.Stop(id); err != nil && !errors.Is(err, supervisor.ErrProcessNotFound) {
		r.logger.Warn("stop before restart failed", zap.String("session_id", id), zap.Error(err))
	}

	proc, err := r.sup.Spawn(ctx, id, e.executablePath, e.kernelName)
	if err != nil {
		e.session.MarkDead()
		return fmt.Errorf("respawn kernel: %w", err)
	}

	tr := transport.New(proc.Descriptor().Endpoints(), proc.Descriptor().Key,
		r.transportOptions(), r.logger.Named("transport"))
	tr.SetEvents(transport.Events{
		OnMessage:    e.session.HandleMessage,
		OnError:      e.session.HandleTransportError,
		OnDisconnect: e.session.HandleDisconnect,
	})
	e.session.AdoptTransport(tr)

	if err := tr.Connect(ctx); err != nil {
		tr.Close()
		r.sup.Stop(id)
		e.session.MarkDead()
		return fmt.Errorf("reconnect to kernel: %w", err)
	}

	r.logger.Info("session restarted", zap.String("session_id", id), zap.Int("pid", proc.PID()))
	return nil
}

// Shutdown terminates a session's kernel and removes the session from
// the registry.
func (r *Registry) Shutdown(id string) error {
	r.mu.Lock()
	e, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}

	e.session.Shutdown()
	if err := r.sup.Stop(id); err != nil && !errors.Is(err, supervisor.ErrProcessNotFound) {
		return err
	}
	return nil
}

// Close shuts down every session and the supervisor.
func (r *Registry) Close() {
	r.mu.Lock()
	entries := make([]*entry, 0, len(r.sessions))
	for _, e := range r.sessions {
		entries = append(entries, e)
	}
	r.sessions = make(map[string]*entry)
	r.mu.Unlock()

	for _, e := range entries {
		e.session.Shutdown()
	}
	r.sup.Shutdown()
}

func newSessionID() string {
	return fmt.Sprintf("kernel-%s", uuid.New().String()[:8])
}

// handleProcessExit reacts to a kernel dying on its own: the session is
// marked dead but stays listed for inspection.
func (r *Registry) handleProcessExit(sessionID string, exitErr error) {
	r.mu.RLock()
	e, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if !ok {
		return
	}
	r.logger.Warn("kernel process exited",
		zap.String("session_id", sessionID), zap.Error(exitErr))
	e.session.MarkDead()
}
