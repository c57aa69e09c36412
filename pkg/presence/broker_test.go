package presence_test

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/aussiebroadwan/tabconsole/pkg/presence"
	"github.com/go-stomp/stomp/v3"
	"github.com/go-stomp/stomp/v3/server"
	"github.com/stretchr/testify/require"
)

// broker is an in-process STOMP server that can kick every client off on
// demand, which is how we fake a network drop.
type broker struct {
	addr string

	mu    sync.Mutex
	conns []net.Conn
}

type trackingListener struct {
	net.Listener
	b *broker
}

func (l trackingListener) Accept() (net.Conn, error) {
	c, err := l.Listener.Accept()
	if err == nil {
		l.b.mu.Lock()
		l.b.conns = append(l.b.conns, c)
		l.b.mu.Unlock()
	}
	return c, err
}

func startBroker(t *testing.T) *broker {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	b := &broker{addr: ln.Addr().String()}
	srv := &server.Server{HeartBeat: time.Second}
	go func() { _ = srv.Serve(trackingListener{Listener: ln, b: b}) }()

	t.Cleanup(func() {
		_ = ln.Close()
		b.dropAll()
	})
	return b
}

// dropAll closes every server-side connection accepted so far.
func (b *broker) dropAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range b.conns {
		_ = c.Close()
	}
	b.conns = nil
}

// observer is a plain stomp client standing in for other chat users and for
// the server-side /app handlers.
func (b *broker) observer(t *testing.T) *stomp.Conn {
	t.Helper()
	conn, err := stomp.Dial("tcp", b.addr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Disconnect() })
	return conn
}

func newConnection(t *testing.T, b *broker, mutate ...func(*presence.Config)) *presence.Connection {
	t.Helper()

	cfg := presence.Config{
		Dialer:            presence.TCPDialer{Addr: b.addr},
		ReconnectDelay:    20 * time.Millisecond,
		ConnectTimeout:    2 * time.Second,
		DisconnectTimeout: 500 * time.Millisecond,
	}
	for _, m := range mutate {
		m(&cfg)
	}

	conn := presence.NewConnection(cfg)
	t.Cleanup(conn.Deactivate)
	return conn
}

func awaitConnected(t *testing.T, conn *presence.Connection) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, conn.AwaitState(ctx, presence.Connected))
}

func receive(t *testing.T, sub *stomp.Subscription) *stomp.Message {
	t.Helper()
	select {
	case msg := <-sub.C:
		require.NotNil(t, msg)
		require.NoError(t, msg.Err)
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

// collector gathers handler calls.
type collector[T any] struct {
	mu    sync.Mutex
	items []T
}

func (c *collector[T]) add(v T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = append(c.items, v)
}

func (c *collector[T]) all() []T {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]T(nil), c.items...)
}
