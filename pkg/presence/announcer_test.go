package presence_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/aussiebroadwan/tabconsole/pkg/presence"
	"github.com/go-stomp/stomp/v3"
	"github.com/stretchr/testify/require"
)

func TestAnnounce(t *testing.T) {
	b := startBroker(t)
	conn := newConnection(t, b)

	obs := b.observer(t)
	statusSub, err := obs.Subscribe(presence.StatusLoginDestination, stomp.AckAuto)
	require.NoError(t, err)
	loginSub, err := obs.Subscribe(presence.LoginDestination, stomp.AckAuto)
	require.NoError(t, err)

	a := presence.NewAnnouncer(conn, nil)
	a.Now = func() time.Time { return time.Date(2024, 3, 1, 9, 30, 0, 0, time.FixedZone("AEDT", 11*3600)) }

	// Announce before the connection is even activated; it has to wait
	errCh := make(chan error, 1)
	go func() { errCh <- a.Announce(context.Background(), "alice") }()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, conn.Activate())
	require.NoError(t, <-errCh)

	status := receive(t, statusSub)
	require.Equal(t, "alice", string(status.Body))
	require.Equal(t, "text/plain", status.ContentType)

	login := receive(t, loginSub)
	var body map[string]string
	require.NoError(t, json.Unmarshal(login.Body, &body))
	require.Equal(t, map[string]string{
		"activityType": "LOGIN",
		"accountId":    "alice",
		"timestamp":    "2024-02-29T22:30:00Z",
	}, body)

	id := status.Header.Get(presence.ActivityHeader)
	require.NotEmpty(t, id)
	require.Equal(t, id, login.Header.Get(presence.ActivityHeader))
}

func TestAnnounceTimesOut(t *testing.T) {
	conn := presence.NewConnection(presence.Config{Dialer: presence.TCPDialer{Addr: "127.0.0.1:1"}})

	a := presence.NewAnnouncer(conn, nil)
	a.Timeout = 30 * time.Millisecond

	err := a.Announce(context.Background(), "alice")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAnnounceAfterDeactivate(t *testing.T) {
	conn := presence.NewConnection(presence.Config{Dialer: presence.TCPDialer{Addr: "127.0.0.1:1"}})
	conn.Deactivate()

	a := presence.NewAnnouncer(conn, nil)
	a.Timeout = time.Minute

	start := time.Now()
	err := a.Announce(context.Background(), "alice")
	require.ErrorIs(t, err, presence.ErrClosed)
	require.Less(t, time.Since(start), time.Second, "should fail straight away, not wait out the timeout")
}

func TestAnnounceWakesOnDeactivate(t *testing.T) {
	conn := presence.NewConnection(presence.Config{
		Dialer:         presence.TCPDialer{Addr: "127.0.0.1:1"},
		ReconnectDelay: time.Hour,
	})
	require.NoError(t, conn.Activate())

	a := presence.NewAnnouncer(conn, nil)
	a.Timeout = time.Minute

	errc := make(chan error, 1)
	go func() { errc <- a.Announce(context.Background(), "alice") }()

	time.Sleep(50 * time.Millisecond)
	conn.Deactivate()

	select {
	case err := <-errc:
		require.ErrorIs(t, err, presence.ErrClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("Announce still waiting after Deactivate")
	}
}

func TestAnnounceRejectsEmptyIdentity(t *testing.T) {
	a := presence.NewAnnouncer(presence.NewConnection(presence.Config{}), nil)
	require.ErrorIs(t, a.Announce(context.Background(), ""), presence.ErrEmptyIdentity)
}
