// Package transport owns the multi-socket connection to one interpreter
// process: it frames, signs, sends, and receives protocol messages and
// tags inbound messages with the channel they arrived on.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sevir/kernelbridge/internal/wire"
	"github.com/sevir/kernelbridge/pkg/models"
)

var (
	// ErrNotConnected is returned synchronously when a send is attempted
	// after the transport has disconnected or closed.
	ErrNotConnected = errors.New("transport: not connected")
	// ErrConnectTimeout is returned when the connection handshake does not
	// complete within the configured timeout.
	ErrConnectTimeout = errors.New("transport: connect timeout")
	// ErrClosed rejects operations on a closed transport.
	ErrClosed = errors.New("transport: closed")
)

// Endpoints addresses the five channel sockets of one session.
type Endpoints struct {
	IP        string
	Shell     int
	IOPub     int
	Control   int
	Stdin     int
	Heartbeat int
}

// Port returns the port for a channel.
func (e Endpoints) Port(ch wire.Channel) int {
	switch ch {
	case wire.ChannelShell:
		return e.Shell
	case wire.ChannelIOPub:
		return e.IOPub
	case wire.ChannelControl:
		return e.Control
	case wire.ChannelStdin:
		return e.Stdin
	default:
		return e.Heartbeat
	}
}

// Events receives transport callbacks. OnMessage is called from the
// receiving channel's loop goroutine; handlers must not block for long or
// they stall that channel (and only that channel).
type Events struct {
	OnMessage    func(ch wire.Channel, msg *wire.Message)
	OnError      func(ch wire.Channel, err error)
	OnDisconnect func()
}

// Options tunes optional channels and timeouts.
type Options struct {
	ConnectTimeout    time.Duration
	EnableStdin       bool
	EnableHeartbeat   bool
	HeartbeatInterval time.Duration
}

func (o *Options) withDefaults() Options {
	out := Options{ConnectTimeout: 10 * time.Second, HeartbeatInterval: 5 * time.Second}
	if o != nil {
		if o.ConnectTimeout > 0 {
			out.ConnectTimeout = o.ConnectTimeout
		}
		if o.HeartbeatInterval > 0 {
			out.HeartbeatInterval = o.HeartbeatInterval
		}
		out.EnableStdin = o.EnableStdin
		out.EnableHeartbeat = o.EnableHeartbeat
	}
	return out
}

type socket struct {
	conn    net.Conn
	writeMu sync.Mutex
}

// Transport multiplexes one session's channel sockets. Messages sent
// before Connect completes are queued in memory and flushed in order once
// connected, so a request issued immediately after session creation is
// never dropped.
type Transport struct {
	endpoints Endpoints
	signer    *wire.Signer
	opts      Options
	logger    *zap.Logger

	mu      sync.Mutex
	status  models.ConnectionStatus
	sockets map[wire.Channel]*socket
	pending []*wire.Message
	events  Events
	closed  bool
	done    chan struct{}

	wg sync.WaitGroup
}

// New creates a Transport for the given endpoints and signing key. Call
// SetEvents before Connect.
func New(endpoints Endpoints, signingKey string, opts *Options, logger *zap.Logger) *Transport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Transport{
		endpoints: endpoints,
		signer:    wire.NewSigner(signingKey),
		opts:      opts.withDefaults(),
		logger:    logger,
		status:    models.ConnectionStatusConnecting,
		sockets:   make(map[wire.Channel]*socket),
		done:      make(chan struct{}),
	}
}

// SetEvents registers the callback sinks. Must be called before Connect.
func (t *Transport) SetEvents(ev Events) {
	t.mu.Lock()
	t.events = ev
	t.mu.Unlock()
}

// Status returns the transport-layer connection status.
func (t *Transport) Status() models.ConnectionStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Connect dials all required channel sockets, subscribes the broadcast
// channel to all topics, starts the receive loops, and flushes any queued
// outbound messages in submission order.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	t.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, t.opts.ConnectTimeout)
	defer cancel()

	channels := []wire.Channel{wire.ChannelShell, wire.ChannelIOPub, wire.ChannelControl}
	if t.opts.EnableStdin {
		channels = append(channels, wire.ChannelStdin)
	}
	if t.opts.EnableHeartbeat {
		channels = append(channels, wire.ChannelHeartbeat)
	}

	conns := make(map[wire.Channel]net.Conn, len(channels))
	var connsMu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, ch := range channels {
		ch := ch
		g.Go(func() error {
			conn, err := t.dial(gctx, ch)
			if err != nil {
				return err
			}
			connsMu.Lock()
			conns[ch] = conn
			connsMu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, c := range conns {
			c.Close()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w after %s", ErrConnectTimeout, t.opts.ConnectTimeout)
		}
		return err
	}

	// Subscribe-all on the broadcast channel: a single empty topic frame.
	if err := WriteFrames(conns[wire.ChannelIOPub], [][]byte{{}}); err != nil {
		for _, c := range conns {
			c.Close()
		}
		return fmt.Errorf("subscribe iopub: %w", err)
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		for _, c := range conns {
			c.Close()
		}
		return ErrClosed
	}
	for ch, conn := range conns {
		t.sockets[ch] = &socket{conn: conn}
	}
	t.status = models.ConnectionStatusConnected
	queued := t.pending
	t.pending = nil
	t.mu.Unlock()

	for ch, conn := range conns {
		if ch == wire.ChannelHeartbeat {
			continue
		}
		t.wg.Add(1)
		go t.receiveLoop(ch, conn)
	}
	if t.opts.EnableHeartbeat {
		t.wg.Add(1)
		go t.heartbeatLoop(conns[wire.ChannelHeartbeat])
	}

	t.logger.Info("transport connected",
		zap.String("ip", t.endpoints.IP),
		zap.Int("shell_port", t.endpoints.Shell),
		zap.Int("iopub_port", t.endpoints.IOPub),
		zap.Int("queued_flush", len(queued)))

	for _, msg := range queued {
		if err := t.Send(msg); err != nil {
			return fmt.Errorf("flush queued %s: %w", msg.Type(), err)
		}
	}
	return nil
}

func (t *Transport) dial(ctx context.Context, ch wire.Channel) (net.Conn, error) {
	addr := fmt.Sprintf("%s:%d", t.endpoints.IP, t.endpoints.Port(ch))
	conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s channel at %s: %w", ch, addr, err)
	}
	return conn, nil
}

// Send routes an outbound message to its channel by message type. While
// the transport is still connecting the message is queued FIFO.
func (t *Transport) Send(msg *wire.Message) error {
	ch := wire.ChannelFor(msg.Type())

	t.mu.Lock()
	switch {
	case t.closed:
		t.mu.Unlock()
		return ErrClosed
	case t.status == models.ConnectionStatusConnecting:
		t.pending = append(t.pending, msg)
		t.mu.Unlock()
		t.logger.Debug("queued message until connected", zap.String("msg_type", msg.Type()))
		return nil
	case t.status == models.ConnectionStatusDisconnected:
		t.mu.Unlock()
		return ErrNotConnected
	}
	sock := t.sockets[ch]
	t.mu.Unlock()

	if sock == nil {
		return fmt.Errorf("%w: %s channel not open", ErrNotConnected, ch)
	}

	frames, err := wire.Serialize(msg, t.signer)
	if err != nil {
		return fmt.Errorf("serialize %s: %w", msg.Type(), err)
	}

	sock.writeMu.Lock()
	defer sock.writeMu.Unlock()
	if err := WriteFrames(sock.conn, frames); err != nil {
		return fmt.Errorf("send %s on %s: %w", msg.Type(), ch, err)
	}
	t.logger.Debug("sent message",
		zap.String("msg_type", msg.Type()),
		zap.String("msg_id", msg.Header.MsgID),
		zap.String("channel", ch.String()))
	return nil
}

// receiveLoop services one inbound channel until its socket errors or the
// transport closes. Framing errors are logged and dropped; they never take
// the loop down. A socket error surfaces once as an error event plus a
// disconnect notification, without disturbing sibling loops.
func (t *Transport) receiveLoop(ch wire.Channel, conn net.Conn) {
	defer t.wg.Done()
	for {
		frames, err := ReadFrames(conn)
		if err != nil {
			if t.isClosed() {
				return
			}
			t.logger.Warn("channel receive failed", zap.String("channel", ch.String()), zap.Error(err))
			t.mu.Lock()
			ev := t.events
			wasConnected := t.status == models.ConnectionStatusConnected
			t.status = models.ConnectionStatusDisconnected
			t.mu.Unlock()
			if ev.OnError != nil {
				ev.OnError(ch, err)
			}
			if wasConnected && ev.OnDisconnect != nil {
				ev.OnDisconnect()
			}
			return
		}

		msg, err := wire.Deserialize(frames, t.signer)
		if err != nil {
			t.logger.Warn("dropping malformed frame",
				zap.String("channel", ch.String()),
				zap.Int("buffers", len(frames)),
				zap.Error(err))
			continue
		}

		t.mu.Lock()
		ev := t.events
		t.mu.Unlock()
		if ev.OnMessage != nil {
			ev.OnMessage(ch, msg)
		}
	}
}

// heartbeatLoop pings the echo socket at a fixed interval. A missed echo
// is reported as an error event; liveness policy is the session's call.
func (t *Transport) heartbeatLoop(conn net.Conn) {
	defer t.wg.Done()
	ticker := time.NewTicker(t.opts.HeartbeatInterval)
	defer ticker.Stop()
	ping := [][]byte{[]byte("ping")}
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
		}
		conn.SetDeadline(time.Now().Add(t.opts.HeartbeatInterval))
		if err := WriteFrames(conn, ping); err != nil {
			t.reportHeartbeat(err)
			return
		}
		if _, err := ReadFrames(conn); err != nil {
			t.reportHeartbeat(err)
			return
		}
	}
}

func (t *Transport) reportHeartbeat(err error) {
	if t.isClosed() {
		return
	}
	t.logger.Warn("heartbeat failed", zap.Error(err))
	t.mu.Lock()
	ev := t.events
	t.mu.Unlock()
	if ev.OnError != nil {
		ev.OnError(wire.ChannelHeartbeat, err)
	}
}

func (t *Transport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Close tears down all sockets best-effort and waits for the receive
// loops to drain. Idempotent; individual socket close errors are
// swallowed.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.done)
	t.status = models.ConnectionStatusDisconnected
	sockets := t.sockets
	t.sockets = make(map[wire.Channel]*socket)
	t.pending = nil
	t.mu.Unlock()

	for _, s := range sockets {
		s.conn.Close()
	}
	t.wg.Wait()
	t.logger.Debug("transport closed")
	return nil
}
