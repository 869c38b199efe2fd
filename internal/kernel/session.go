// Package kernel implements the protocol session for one interpreter
// process: request methods, the status state machine, and dispatch of
// inbound messages to the per-request correlators.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sevir/kernelbridge/internal/wire"
	"github.com/sevir/kernelbridge/pkg/models"
)

var (
	// ErrNotConnected is returned synchronously when a request method is
	// called while the transport is not connected or the session is dead.
	ErrNotConnected = errors.New("kernel: session not connected")
	// ErrTransportClosed rejects outstanding completion handles when the
	// transport fails under them.
	ErrTransportClosed = errors.New("kernel: transport closed")
	// ErrNotSupported is returned for request types outside the
	// execute/interrupt/shutdown/kernel-info feature set.
	ErrNotSupported = errors.New("kernel: request type not supported")
)

// Transport is the session's view of its wire transport. Satisfied by
// *transport.Transport; tests inject fakes.
type Transport interface {
	Send(msg *wire.Message) error
	Status() models.ConnectionStatus
	Close() error
}

// Session is one protocol session with a live interpreter process. It
// exclusively owns its Transport, which is replaced wholesale on restart
// while the session identity stays fixed.
type Session struct {
	id     string
	name   string
	logger *zap.Logger

	mu         sync.Mutex
	status     models.SessionStatus
	tr         Transport
	execCount  int
	kernelInfo *models.KernelInfo
	createdAt  time.Time

	executions  map[string]*Execution
	infoWaiters map[string]chan wire.KernelInfoReplyContent

	disposed    chan struct{}
	disposeOnce sync.Once
}

// NewSession creates a session around a transport. The caller wires the
// transport's events to HandleMessage/HandleDisconnect/HandleError.
func NewSession(id, name string, tr Transport, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{
		id:          id,
		name:        name,
		logger:      logger.With(zap.String("session_id", id)),
		status:      models.SessionStatusStarting,
		tr:          tr,
		createdAt:   time.Now(),
		executions:  make(map[string]*Execution),
		infoWaiters: make(map[string]chan wire.KernelInfoReplyContent),
		disposed:    make(chan struct{}),
	}
}

// ID returns the logical session identity, stable across restarts.
func (s *Session) ID() string { return s.id }

// Name returns the display name.
func (s *Session) Name() string { return s.name }

// Status returns the lifecycle status.
func (s *Session) Status() models.SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// ConnectionStatus returns the transport-layer status of the current
// transport instance.
func (s *Session) ConnectionStatus() models.ConnectionStatus {
	s.mu.Lock()
	tr := s.tr
	s.mu.Unlock()
	if tr == nil {
		return models.ConnectionStatusDisconnected
	}
	return tr.Status()
}

// Disposed is closed when the session is shut down. Callers with pending
// executions race their Done channels against this.
func (s *Session) Disposed() <-chan struct{} { return s.disposed }

// Summary returns the listing view of the session.
func (s *Session) Summary() models.SessionSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	sum := models.SessionSummary{
		ID:               s.id,
		Name:             s.name,
		Status:           s.status,
		ConnectionStatus: models.ConnectionStatusDisconnected,
		ExecutionCount:   s.execCount,
		KernelInfo:       s.kernelInfo,
		CreatedAt:        s.createdAt,
	}
	if s.tr != nil {
		sum.ConnectionStatus = s.tr.Status()
	}
	return sum
}

// Execute builds an execute request, hands it to a fresh correlator,
// sends it, and returns immediately. The session does not queue or reject
// concurrent executions: the interpreter processes one at a time anyway,
// so a second request simply waits its turn kernel-side. Callers that
// need strict ordering wait on the previous execution's Done first.
func (s *Session) Execute(code string, storeHistory bool) (*Execution, error) {
	s.mu.Lock()
	if s.status.IsTerminal() || s.tr == nil {
		s.mu.Unlock()
		return nil, ErrNotConnected
	}
	tr := s.tr
	s.mu.Unlock()

	msg := wire.NewMessage(s.id, wire.MsgTypeExecuteRequest, wire.ExecuteRequestContent{
		Code:            code,
		StoreHistory:    storeHistory,
		UserExpressions: map[string]any{},
		AllowStdin:      false,
		StopOnError:     true,
	})
	exec := newExecution(msg.Header.MsgID, code)

	s.mu.Lock()
	s.executions[exec.msgID] = exec
	s.mu.Unlock()

	if err := tr.Send(msg); err != nil {
		s.mu.Lock()
		delete(s.executions, exec.msgID)
		s.mu.Unlock()
		return nil, fmt.Errorf("execute: %w", err)
	}
	s.logger.Debug("execute request sent",
		zap.String("msg_id", exec.msgID),
		zap.Int("code_len", len(code)),
		zap.Bool("store_history", storeHistory))
	return exec, nil
}

// supportedRequests lists the request types the session will put on the
// wire. Introspection, completion, history, and comm traffic is outside
// this client's feature set.
var supportedRequests = map[string]bool{
	wire.MsgTypeExecuteRequest:    true,
	wire.MsgTypeKernelInfoRequest: true,
	wire.MsgTypeInterruptRequest:  true,
	wire.MsgTypeShutdownRequest:   true,
	wire.MsgTypeInputReply:        true,
}

// Submit sends a caller-built request message without correlation. Any
// reply is dispatched through HandleMessage as usual. Request types
// outside the supported set are rejected with ErrNotSupported.
func (s *Session) Submit(msg *wire.Message) error {
	if !supportedRequests[msg.Type()] {
		return fmt.Errorf("%w: %s", ErrNotSupported, msg.Type())
	}
	s.mu.Lock()
	tr := s.tr
	dead := s.status.IsTerminal()
	s.mu.Unlock()
	if dead || tr == nil {
		return ErrNotConnected
	}
	return tr.Send(msg)
}

// Interrupt sends an advisory interrupt on the priority channel. It does
// not wait for session-level confirmation.
func (s *Session) Interrupt() error {
	s.mu.Lock()
	tr := s.tr
	dead := s.status.IsTerminal()
	s.mu.Unlock()
	if dead || tr == nil || tr.Status() != models.ConnectionStatusConnected {
		return ErrNotConnected
	}
	msg := wire.NewMessage(s.id, wire.MsgTypeInterruptRequest, struct{}{})
	if err := tr.Send(msg); err != nil {
		return fmt.Errorf("interrupt: %w", err)
	}
	s.logger.Info("interrupt requested")
	return nil
}

// RequestKernelInfo fetches interpreter metadata, caching the first
// successful reply for the session's lifetime.
func (s *Session) RequestKernelInfo(ctx context.Context) (*models.KernelInfo, error) {
	s.mu.Lock()
	if s.kernelInfo != nil {
		info := *s.kernelInfo
		s.mu.Unlock()
		return &info, nil
	}
	if s.status.IsTerminal() || s.tr == nil {
		s.mu.Unlock()
		return nil, ErrNotConnected
	}
	tr := s.tr
	s.mu.Unlock()

	msg := wire.NewMessage(s.id, wire.MsgTypeKernelInfoRequest, struct{}{})
	ch := make(chan wire.KernelInfoReplyContent, 1)

	s.mu.Lock()
	s.infoWaiters[msg.Header.MsgID] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.infoWaiters, msg.Header.MsgID)
		s.mu.Unlock()
	}()

	if err := tr.Send(msg); err != nil {
		return nil, fmt.Errorf("kernel info: %w", err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.disposed:
		return nil, ErrNotConnected
	case reply := <-ch:
		info := &models.KernelInfo{
			Implementation:        reply.Implementation,
			ImplementationVersion: reply.ImplementationVersion,
			ProtocolVersion:       reply.ProtocolVersion,
			LanguageName:          reply.LanguageInfo.Name,
			LanguageVersion:       reply.LanguageInfo.Version,
			Banner:                reply.Banner,
		}
		s.mu.Lock()
		if s.kernelInfo == nil {
			s.kernelInfo = info
		}
		s.mu.Unlock()
		return info, nil
	}
}

// Shutdown transitions the session to dead, notifies the interpreter
// best-effort, and releases the transport. Idempotent. Pending completion
// handles are deliberately left unresolved; callers race them against
// Disposed.
func (s *Session) Shutdown() error {
	s.disposeOnce.Do(func() {
		s.mu.Lock()
		tr := s.tr
		s.status = models.SessionStatusDead
		s.tr = nil
		s.mu.Unlock()

		if tr != nil {
			if tr.Status() == models.ConnectionStatusConnected {
				msg := wire.NewMessage(s.id, wire.MsgTypeShutdownRequest, wire.ShutdownRequestContent{Restart: false})
				if err := tr.Send(msg); err != nil {
					s.logger.Debug("shutdown notify failed", zap.Error(err))
				}
			}
			tr.Close()
		}
		close(s.disposed)
		s.logger.Info("session shut down")
	})
	return nil
}

// BeginRestart marks the session restarting and releases the old
// transport. The supervisor regenerates the process; AdoptTransport
// installs the replacement.
func (s *Session) BeginRestart() error {
	s.mu.Lock()
	if s.status.IsTerminal() {
		s.mu.Unlock()
		return ErrNotConnected
	}
	s.status = models.SessionStatusRestarting
	tr := s.tr
	s.tr = nil
	executions := s.executions
	s.executions = make(map[string]*Execution)
	s.mu.Unlock()

	if tr != nil {
		tr.Close()
	}
	for _, exec := range executions {
		exec.fail(ErrTransportClosed)
	}
	s.logger.Info("session restarting")
	return nil
}

// AdoptTransport installs a fresh transport after a restart. The session
// returns to starting until the interpreter broadcasts its state.
func (s *Session) AdoptTransport(tr Transport) {
	s.mu.Lock()
	s.tr = tr
	s.status = models.SessionStatusStarting
	s.mu.Unlock()
}

// HandleMessage dispatches one inbound message, tagged with the channel
// it arrived on. Broadcasts fan out by parent id; replies resolve the
// matching correlator or info waiter. Messages with unknown parents are
// dropped quietly: they belong to requesters from a previous transport
// incarnation.
func (s *Session) HandleMessage(ch wire.Channel, msg *wire.Message) {
	switch ch {
	case wire.ChannelIOPub:
		s.handleBroadcast(msg)
	case wire.ChannelShell, wire.ChannelControl:
		s.handleReply(msg)
	case wire.ChannelStdin:
		s.handleStdin(msg)
	}
}

func (s *Session) handleBroadcast(msg *wire.Message) {
	if msg.Type() == wire.MsgTypeStatus {
		var c wire.StatusContent
		if err := msg.DecodeContent(&c); err == nil {
			s.applyExecutionState(c.ExecutionState)
		}
		return
	}

	parent := msg.ParentID()
	if parent == "" {
		return
	}
	s.mu.Lock()
	exec := s.executions[parent]
	s.mu.Unlock()
	if exec != nil {
		exec.handleBroadcast(msg)
	}
}

func (s *Session) handleReply(msg *wire.Message) {
	parent := msg.ParentID()

	switch msg.Type() {
	case wire.MsgTypeExecuteReply:
		s.mu.Lock()
		exec := s.executions[parent]
		delete(s.executions, parent)
		s.mu.Unlock()
		if exec == nil {
			return
		}
		var c wire.ExecuteReplyContent
		if err := msg.DecodeContent(&c); err != nil {
			s.logger.Warn("undecodable execute reply", zap.String("parent_id", parent), zap.Error(err))
			c.Status = "error"
		}
		if c.ExecutionCount > 0 {
			s.mu.Lock()
			s.execCount = c.ExecutionCount
			s.mu.Unlock()
		}
		exec.resolve(c)

	case wire.MsgTypeKernelInfoReply:
		s.mu.Lock()
		ch := s.infoWaiters[parent]
		s.mu.Unlock()
		if ch == nil {
			return
		}
		var c wire.KernelInfoReplyContent
		if err := msg.DecodeContent(&c); err != nil {
			s.logger.Warn("undecodable kernel info reply", zap.Error(err))
			return
		}
		select {
		case ch <- c:
		default:
		}

	case wire.MsgTypeInterruptReply, wire.MsgTypeShutdownReply:
		s.logger.Debug("control reply", zap.String("msg_type", msg.Type()), zap.String("parent_id", parent))

	default:
		s.logger.Debug("ignoring unsupported reply", zap.String("msg_type", msg.Type()))
	}
}

// handleStdin answers interactive input requests with an empty reply so a
// kernel blocked on input does not hang the session. Interactive stdin is
// not supported at this layer.
func (s *Session) handleStdin(msg *wire.Message) {
	if msg.Type() != wire.MsgTypeInputRequest {
		return
	}
	s.mu.Lock()
	tr := s.tr
	s.mu.Unlock()
	if tr == nil {
		return
	}
	reply := wire.NewMessage(s.id, wire.MsgTypeInputReply, wire.InputReplyContent{Value: ""})
	reply.ParentHeader = msg.Header
	if err := tr.Send(reply); err != nil {
		s.logger.Warn("input reply failed", zap.Error(err))
	}
}

func (s *Session) applyExecutionState(state string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.IsTerminal() {
		return
	}
	switch state {
	case "busy":
		s.status = models.SessionStatusBusy
	case "idle":
		s.status = models.SessionStatusIdle
	case "starting":
		s.status = models.SessionStatusStarting
	}
}

// HandleDisconnect reacts to a transport-level failure: the session dies
// and outstanding completion handles are rejected with ErrTransportClosed.
func (s *Session) HandleDisconnect() {
	s.mu.Lock()
	if s.status.IsTerminal() {
		s.mu.Unlock()
		return
	}
	restarting := s.status == models.SessionStatusRestarting
	if !restarting {
		s.status = models.SessionStatusDead
	}
	executions := s.executions
	s.executions = make(map[string]*Execution)
	s.mu.Unlock()

	for _, exec := range executions {
		exec.fail(ErrTransportClosed)
	}
	if !restarting {
		s.logger.Warn("transport disconnected, session dead")
	}
}

// HandleTransportError logs channel-level errors. Per-frame problems stay
// inside the transport; what reaches here is socket failure or heartbeat
// loss, and the disconnect path decides the session's fate.
func (s *Session) HandleTransportError(ch wire.Channel, err error) {
	s.logger.Warn("transport error", zap.String("channel", ch.String()), zap.Error(err))
}

// MarkDead forces the terminal state without touching the transport. The
// supervisor calls this when the interpreter process exits on its own.
func (s *Session) MarkDead() {
	s.mu.Lock()
	if s.status.IsTerminal() {
		s.mu.Unlock()
		return
	}
	s.status = models.SessionStatusDead
	s.mu.Unlock()
	s.logger.Info("session marked dead")
}
