package transport_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/sevir/kernelbridge/internal/kerneltest"
	"github.com/sevir/kernelbridge/internal/transport"
	"github.com/sevir/kernelbridge/internal/wire"
	"github.com/sevir/kernelbridge/pkg/models"
)

const testKey = "deadbeefcafe"

func TestConnectAndRequestReply(t *testing.T) {
	defer goleak.VerifyNone(t)

	fake, err := kerneltest.Start(testKey, func(ch wire.Channel, msg *wire.Message) []kerneltest.Reply {
		if msg.Type() != wire.MsgTypeKernelInfoRequest {
			return nil
		}
		reply := wire.NewMessage("kernel", wire.MsgTypeKernelInfoReply, wire.KernelInfoReplyContent{
			Implementation: "fakekernel",
		})
		reply.ParentHeader = msg.Header
		return []kerneltest.Reply{{Channel: ch, Msg: reply}}
	})
	require.NoError(t, err)
	defer fake.Close()

	received := make(chan *wire.Message, 1)
	tr := transport.New(fake.Endpoints(), testKey, nil, nil)
	tr.SetEvents(transport.Events{
		OnMessage: func(ch wire.Channel, msg *wire.Message) {
			if msg.Type() == wire.MsgTypeKernelInfoReply {
				received <- msg
			}
		},
	})
	defer tr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, tr.Connect(ctx))
	require.Equal(t, models.ConnectionStatusConnected, tr.Status())

	req := wire.NewMessage("sess", wire.MsgTypeKernelInfoRequest, struct{}{})
	require.NoError(t, tr.Send(req))

	select {
	case msg := <-received:
		require.Equal(t, req.Header.MsgID, msg.ParentID())
	case <-time.After(5 * time.Second):
		t.Fatal("no reply received")
	}
}

func TestSendBeforeConnectIsQueued(t *testing.T) {
	defer goleak.VerifyNone(t)

	var mu sync.Mutex
	var order []string
	fake, err := kerneltest.Start(testKey, func(ch wire.Channel, msg *wire.Message) []kerneltest.Reply {
		mu.Lock()
		order = append(order, msg.Header.MsgID)
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)
	defer fake.Close()

	tr := transport.New(fake.Endpoints(), testKey, nil, nil)
	defer tr.Close()

	first := wire.NewMessage("sess", wire.MsgTypeExecuteRequest, wire.ExecuteRequestContent{Code: "1"})
	second := wire.NewMessage("sess", wire.MsgTypeExecuteRequest, wire.ExecuteRequestContent{Code: "2"})
	require.NoError(t, tr.Send(first))
	require.NoError(t, tr.Send(second))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, tr.Connect(ctx))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 2
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{first.Header.MsgID, second.Header.MsgID}, order)
}

func TestBroadcastsTaggedWithIOPub(t *testing.T) {
	defer goleak.VerifyNone(t)

	fake, err := kerneltest.Start(testKey, nil)
	require.NoError(t, err)
	defer fake.Close()

	received := make(chan wire.Channel, 1)
	tr := transport.New(fake.Endpoints(), testKey, nil, nil)
	tr.SetEvents(transport.Events{
		OnMessage: func(ch wire.Channel, msg *wire.Message) {
			received <- ch
		},
	})
	defer tr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, tr.Connect(ctx))

	status := wire.NewMessage("kernel", wire.MsgTypeStatus, wire.StatusContent{ExecutionState: "idle"})
	require.NoError(t, fake.Broadcast(status))

	select {
	case ch := <-received:
		require.Equal(t, wire.ChannelIOPub, ch)
	case <-time.After(5 * time.Second):
		t.Fatal("broadcast not delivered")
	}
}

func TestConnectTimeout(t *testing.T) {
	defer goleak.VerifyNone(t)

	// Nothing listens on these ports; connect must fail fast. A dial to a
	// closed loopback port is refused immediately, so either the refusal
	// or the timeout sentinel is acceptable; it must not hang.
	endpoints := transport.Endpoints{IP: "127.0.0.1", Shell: 1, IOPub: 1, Control: 1, Stdin: 1, Heartbeat: 1}
	tr := transport.New(endpoints, testKey, &transport.Options{ConnectTimeout: 200 * time.Millisecond}, nil)
	defer tr.Close()

	ctx := context.Background()
	start := time.Now()
	err := tr.Connect(ctx)
	require.Error(t, err)
	require.Less(t, time.Since(start), 3*time.Second)
}

func TestDisconnectEventOnSocketFailure(t *testing.T) {
	defer goleak.VerifyNone(t)

	fake, err := kerneltest.Start(testKey, nil)
	require.NoError(t, err)

	disconnected := make(chan struct{})
	var once sync.Once
	tr := transport.New(fake.Endpoints(), testKey, nil, nil)
	tr.SetEvents(transport.Events{
		OnDisconnect: func() { once.Do(func() { close(disconnected) }) },
	})
	defer tr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, tr.Connect(ctx))

	// Killing the fake kernel tears down every socket.
	fake.Close()

	select {
	case <-disconnected:
	case <-time.After(5 * time.Second):
		t.Fatal("no disconnect event")
	}
	require.Equal(t, models.ConnectionStatusDisconnected, tr.Status())

	msg := wire.NewMessage("sess", wire.MsgTypeExecuteRequest, wire.ExecuteRequestContent{Code: "1"})
	require.ErrorIs(t, tr.Send(msg), transport.ErrNotConnected)
}

func TestCloseIsIdempotent(t *testing.T) {
	defer goleak.VerifyNone(t)

	fake, err := kerneltest.Start(testKey, nil)
	require.NoError(t, err)
	defer fake.Close()

	tr := transport.New(fake.Endpoints(), testKey, nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, tr.Connect(ctx))

	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())
	require.ErrorIs(t, tr.Send(wire.NewMessage("sess", wire.MsgTypeExecuteRequest, nil)), transport.ErrClosed)
}
