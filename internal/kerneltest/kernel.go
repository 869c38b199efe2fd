// Package kerneltest provides an in-process scripted kernel for
// exercising the transport and session layers without a real
// interpreter.
package kerneltest

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sevir/kernelbridge/internal/transport"
	"github.com/sevir/kernelbridge/internal/wire"
)

// Reply is one scripted response to an inbound request.
type Reply struct {
	Channel wire.Channel
	Msg     *wire.Message
}

// Handler produces the scripted replies for one inbound request. Nil
// results are allowed; broadcasts go out on the iopub channel.
type Handler func(ch wire.Channel, msg *wire.Message) []Reply

// Kernel is a fake kernel listening on five loopback ports. It accepts
// one connection per channel, echoes heartbeat pings, and feeds
// everything else through the handler.
type Kernel struct {
	key     string
	signer  *wire.Signer
	handler Handler

	listeners map[wire.Channel]net.Listener

	mu    sync.Mutex
	conns map[wire.Channel]net.Conn

	closed chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

// Start launches a fake kernel with the given signing key and handler.
func Start(key string, handler Handler) (*Kernel, error) {
	k := &Kernel{
		key:       key,
		signer:    wire.NewSigner(key),
		handler:   handler,
		listeners: make(map[wire.Channel]net.Listener),
		conns:     make(map[wire.Channel]net.Conn),
		closed:    make(chan struct{}),
	}

	channels := []wire.Channel{
		wire.ChannelShell, wire.ChannelIOPub, wire.ChannelControl,
		wire.ChannelStdin, wire.ChannelHeartbeat,
	}
	for _, ch := range channels {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			k.Close()
			return nil, fmt.Errorf("kerneltest: listen %s: %w", ch, err)
		}
		k.listeners[ch] = ln
		k.wg.Add(1)
		go k.serve(ch, ln)
	}
	return k, nil
}

// Key returns the signing key the kernel validates with.
func (k *Kernel) Key() string { return k.key }

// Endpoints returns the listen ports as transport endpoints.
func (k *Kernel) Endpoints() transport.Endpoints {
	return transport.Endpoints{
		IP:        "127.0.0.1",
		Shell:     k.port(wire.ChannelShell),
		IOPub:     k.port(wire.ChannelIOPub),
		Control:   k.port(wire.ChannelControl),
		Stdin:     k.port(wire.ChannelStdin),
		Heartbeat: k.port(wire.ChannelHeartbeat),
	}
}

func (k *Kernel) port(ch wire.Channel) int {
	return k.listeners[ch].Addr().(*net.TCPAddr).Port
}

func (k *Kernel) serve(ch wire.Channel, ln net.Listener) {
	defer k.wg.Done()
	conn, err := ln.Accept()
	if err != nil {
		return
	}

	k.mu.Lock()
	k.conns[ch] = conn
	k.mu.Unlock()

	switch ch {
	case wire.ChannelHeartbeat:
		k.echoLoop(conn)
	case wire.ChannelIOPub:
		// Consume the subscribe frame, then the connection is write-only
		// from the kernel side.
		transport.ReadFrames(conn)
		<-k.closed
	default:
		k.requestLoop(ch, conn)
	}
}

func (k *Kernel) echoLoop(conn net.Conn) {
	for {
		frames, err := transport.ReadFrames(conn)
		if err != nil {
			return
		}
		if err := transport.WriteFrames(conn, frames); err != nil {
			return
		}
	}
}

func (k *Kernel) requestLoop(ch wire.Channel, conn net.Conn) {
	for {
		frames, err := transport.ReadFrames(conn)
		if err != nil {
			return
		}
		msg, err := wire.Deserialize(frames, k.signer)
		if err != nil {
			continue
		}
		if k.handler == nil {
			continue
		}
		for _, reply := range k.handler(ch, msg) {
			k.Send(reply.Channel, reply.Msg)
		}
	}
}

// Send writes a message on the given channel toward the client. Replies
// go on the channel the request arrived on; broadcasts on iopub. Send
// waits briefly for the client to finish connecting.
func (k *Kernel) Send(ch wire.Channel, msg *wire.Message) error {
	conn := k.waitConn(ch, 2*time.Second)
	if conn == nil {
		return fmt.Errorf("kerneltest: no client connection on %s", ch)
	}
	frames, err := wire.Serialize(msg, k.signer)
	if err != nil {
		return err
	}
	return transport.WriteFrames(conn, frames)
}

func (k *Kernel) waitConn(ch wire.Channel, timeout time.Duration) net.Conn {
	deadline := time.Now().Add(timeout)
	for {
		k.mu.Lock()
		conn := k.conns[ch]
		k.mu.Unlock()
		if conn != nil || time.Now().After(deadline) {
			return conn
		}
		select {
		case <-k.closed:
			return nil
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// Broadcast sends a message on the iopub channel.
func (k *Kernel) Broadcast(msg *wire.Message) error {
	return k.Send(wire.ChannelIOPub, msg)
}

// Close shuts down all listeners and connections.
func (k *Kernel) Close() {
	k.once.Do(func() {
		close(k.closed)
		for _, ln := range k.listeners {
			ln.Close()
		}
		k.mu.Lock()
		for _, conn := range k.conns {
			conn.Close()
		}
		k.mu.Unlock()
	})
	k.wg.Wait()
}
