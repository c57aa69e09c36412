package presence_test

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aussiebroadwan/tabconsole/pkg/presence"
	"github.com/go-stomp/stomp/v3"
	"github.com/stretchr/testify/require"
)

func TestTransition(t *testing.T) {
	valid := []struct {
		from presence.ConnectionState
		on   presence.Trigger
		to   presence.ConnectionState
	}{
		{presence.Disconnected, presence.TriggerActivate, presence.Connecting},
		{presence.Connecting, presence.TriggerTransportUp, presence.Connected},
		{presence.Connecting, presence.TriggerTransportLost, presence.Reconnecting},
		{presence.Connected, presence.TriggerTransportLost, presence.Reconnecting},
		{presence.Reconnecting, presence.TriggerRetry, presence.Connecting},
		{presence.Connected, presence.TriggerDeactivate, presence.Disconnected},
		{presence.Reconnecting, presence.TriggerDeactivate, presence.Disconnected},
		{presence.Disconnected, presence.TriggerDeactivate, presence.Disconnected},
	}
	for _, tc := range valid {
		t.Run(tc.from.String()+"/"+tc.on.String(), func(t *testing.T) {
			to, err := presence.Transition(tc.from, tc.on)
			require.NoError(t, err)
			require.Equal(t, tc.to, to)
		})
	}

	invalid := []struct {
		from presence.ConnectionState
		on   presence.Trigger
	}{
		{presence.Disconnected, presence.TriggerTransportUp},
		{presence.Connected, presence.TriggerActivate},
		{presence.Connected, presence.TriggerRetry},
		{presence.Reconnecting, presence.TriggerTransportUp},
	}
	for _, tc := range invalid {
		_, err := presence.Transition(tc.from, tc.on)
		require.ErrorIs(t, err, presence.ErrInvalidTransition)
	}
}

func TestPublishBeforeConnectIsDropped(t *testing.T) {
	b := startBroker(t)
	conn := newConnection(t, b)

	err := conn.Publish("/app/login", "text/plain", []byte("x"))
	require.ErrorIs(t, err, presence.ErrNotConnected)
}

func TestConnectPublishAndWatch(t *testing.T) {
	b := startBroker(t)
	conn := newConnection(t, b)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := conn.Watch(ctx)

	require.NoError(t, conn.Activate())
	require.NoError(t, conn.Activate(), "second activate is a no-op")
	awaitConnected(t, conn)

	ev := <-events
	require.Equal(t, presence.Disconnected, ev.From)
	require.Equal(t, presence.Connecting, ev.To)
	ev = <-events
	require.Equal(t, presence.Connected, ev.To)
	require.Equal(t, presence.TriggerTransportUp, ev.Trigger)

	obs := b.observer(t)
	sub, err := obs.Subscribe("/queue/echo", stomp.AckAuto)
	require.NoError(t, err)

	require.NoError(t, conn.Publish("/queue/echo", "text/plain", []byte("hello"), presence.WithHeader("x-test", "1")))

	msg := receive(t, sub)
	require.Equal(t, "hello", string(msg.Body))
	require.Equal(t, "1", msg.Header.Get("x-test"))
}

func TestSubscriptionSurvivesReconnect(t *testing.T) {
	b := startBroker(t)
	conn := newConnection(t, b)

	got := &collector[string]{}
	conn.Subscribe("/topic/status", func(m presence.Message) { got.add(string(m.Body)) })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := conn.Watch(ctx)

	require.NoError(t, conn.Activate())
	awaitConnected(t, conn)

	b.dropAll()

	// Wait for the full lost -> reconnect -> up cycle
	sawLost := false
	for ev := range events {
		if ev.To == presence.Reconnecting {
			sawLost = true
			require.Error(t, ev.Err)
		}
		if sawLost && ev.To == presence.Connected {
			break
		}
	}

	obs := b.observer(t)
	require.Eventually(t, func() bool {
		_ = obs.Send("/topic/status", "application/json", []byte("after"))
		return len(got.all()) > 0
	}, 5*time.Second, 50*time.Millisecond)
	require.Equal(t, "after", got.all()[0])
}

func TestHandlerSeesMessagesInOrder(t *testing.T) {
	b := startBroker(t)
	conn := newConnection(t, b)

	got := &collector[string]{}
	ready := make(chan struct{}, 1)
	conn.Subscribe("/topic/order", func(m presence.Message) {
		if string(m.Body) == "ping" {
			select {
			case ready <- struct{}{}:
			default:
			}
			return
		}
		time.Sleep(time.Millisecond) // slow handler
		got.add(string(m.Body))
	})
	require.NoError(t, conn.Activate())
	awaitConnected(t, conn)

	obs := b.observer(t)
	require.Eventually(t, func() bool {
		_ = obs.Send("/topic/order", "text/plain", []byte("ping"))
		select {
		case <-ready:
			return true
		default:
			return false
		}
	}, 5*time.Second, 20*time.Millisecond)

	want := []string{"a", "b", "c", "d", "e", "f"}
	for _, s := range want {
		require.NoError(t, obs.Send("/topic/order", "text/plain", []byte(s)))
	}
	require.Eventually(t, func() bool { return len(got.all()) == len(want) }, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, want, got.all())
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := startBroker(t)
	conn := newConnection(t, b)

	var n atomic.Int32
	unsubscribe := conn.Subscribe("/topic/status", func(presence.Message) { n.Add(1) })
	require.NoError(t, conn.Activate())
	awaitConnected(t, conn)

	obs := b.observer(t)
	require.Eventually(t, func() bool {
		_ = obs.Send("/topic/status", "text/plain", []byte("x"))
		return n.Load() > 0
	}, 5*time.Second, 20*time.Millisecond)

	unsubscribe()
	unsubscribe() // idempotent
	time.Sleep(50 * time.Millisecond)
	before := n.Load()

	require.NoError(t, obs.Send("/topic/status", "text/plain", []byte("y")))
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, before, n.Load())
}

func TestTokenSourceCalledOnEveryConnect(t *testing.T) {
	b := startBroker(t)

	var calls atomic.Int32
	conn := newConnection(t, b, func(cfg *presence.Config) {
		cfg.TokenSource = func(context.Context) (string, error) {
			calls.Add(1)
			return "token", nil
		}
	})
	require.NoError(t, conn.Activate())
	awaitConnected(t, conn)
	require.Equal(t, int32(1), calls.Load())

	b.dropAll()
	require.Eventually(t, func() bool { return calls.Load() >= 2 }, 5*time.Second, 10*time.Millisecond)
	awaitConnected(t, conn)
}

func TestTokenSourceFailureKeepsRetrying(t *testing.T) {
	b := startBroker(t)

	var fail atomic.Bool
	fail.Store(true)
	conn := newConnection(t, b, func(cfg *presence.Config) {
		cfg.TokenSource = func(context.Context) (string, error) {
			if fail.Load() {
				return "", errors.New("session gone")
			}
			return "token", nil
		}
	})
	require.NoError(t, conn.Activate())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, conn.AwaitState(ctx, presence.Reconnecting))

	fail.Store(false)
	awaitConnected(t, conn)
}

func TestDeactivate(t *testing.T) {
	t.Run("terminal and idempotent", func(t *testing.T) {
		b := startBroker(t)
		conn := newConnection(t, b)

		require.NoError(t, conn.Activate())
		awaitConnected(t, conn)

		conn.Deactivate()
		conn.Deactivate()
		require.Equal(t, presence.Disconnected, conn.State())
		require.ErrorIs(t, conn.Activate(), presence.ErrClosed)
		require.ErrorIs(t, conn.Publish("/queue/x", "text/plain", nil), presence.ErrNotConnected)
	})

	t.Run("cancels pending reconnect", func(t *testing.T) {
		// Grab a port nobody listens on
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		addr := ln.Addr().String()
		require.NoError(t, ln.Close())

		conn := presence.NewConnection(presence.Config{
			Dialer:         presence.TCPDialer{Addr: addr},
			ReconnectDelay: time.Hour,
		})
		require.NoError(t, conn.Activate())

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		require.NoError(t, conn.AwaitState(ctx, presence.Reconnecting))

		done := make(chan struct{})
		go func() {
			conn.Deactivate()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("Deactivate waited for the reconnect timer")
		}
		require.Equal(t, presence.Disconnected, conn.State())
	})

	t.Run("before activate", func(t *testing.T) {
		conn := presence.NewConnection(presence.Config{Dialer: presence.TCPDialer{Addr: "127.0.0.1:1"}})
		conn.Deactivate()
		require.ErrorIs(t, conn.Activate(), presence.ErrClosed)
	})
}

func TestAwaitStateHonoursContext(t *testing.T) {
	conn := presence.NewConnection(presence.Config{Dialer: presence.TCPDialer{Addr: "127.0.0.1:1"}})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, conn.AwaitState(ctx, presence.Connected), context.DeadlineExceeded)
}
