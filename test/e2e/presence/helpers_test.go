package presence_test

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/aussiebroadwan/tabconsole/pkg/presence"
	"github.com/go-stomp/stomp/v3"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

/*
 * Common constants and helper functions for presence end-to-end tests.
 * These run against a real RabbitMQ with the web-stomp plugin.
 */

const (
	brokerImage = "rabbitmq:3.13"

	brokerUser     = "console"
	brokerPassword = "console-pass"
)

type brokerEndpoints struct {
	WebSocketURL string // ws://host:port/ws
	TCPAddr      string // host:port for raw STOMP
}

// setupBroker starts RabbitMQ with web-stomp enabled and returns where to
// reach it.
func setupBroker(t *testing.T) (brokerEndpoints, func()) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping broker e2e test in short mode")
	}
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        brokerImage,
		ExposedPorts: []string{"15674/tcp", "61613/tcp"},
		Env: map[string]string{
			"RABBITMQ_DEFAULT_USER": brokerUser,
			"RABBITMQ_DEFAULT_PASS": brokerPassword,
		},
		Files: []testcontainers.ContainerFile{
			{
				// web_stomp pulls in stomp for the raw TCP listener
				Reader:            strings.NewReader("[rabbitmq_web_stomp].\n"),
				ContainerFilePath: "/etc/rabbitmq/enabled_plugins",
				FileMode:          0o644,
			},
		},
		WaitingFor: wait.ForAll(
			wait.ForListeningPort("61613/tcp"),
			wait.ForListeningPort("15674/tcp"),
		).WithDeadline(90 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)

	host, err := container.Host(ctx)
	require.NoError(t, err)

	wsPort, err := container.MappedPort(ctx, "15674")
	require.NoError(t, err)

	stompPort, err := container.MappedPort(ctx, "61613")
	require.NoError(t, err)

	endpoints := brokerEndpoints{
		WebSocketURL: fmt.Sprintf("ws://%s:%s/ws", host, wsPort.Port()),
		TCPAddr:      fmt.Sprintf("%s:%s", host, stompPort.Port()),
	}

	cleanup := func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	}

	return endpoints, cleanup
}

// newConnection builds a console connection against the broker using dialer.
func newConnection(t *testing.T, dialer presence.Dialer) *presence.Connection {
	t.Helper()

	conn := presence.NewConnection(presence.Config{
		Dialer:            dialer,
		Login:             brokerUser,
		Passcode:          brokerPassword,
		TokenSource:       func(context.Context) (string, error) { return "e2e-access-token", nil },
		ReconnectDelay:    200 * time.Millisecond,
		ConnectTimeout:    10 * time.Second,
		DisconnectTimeout: 2 * time.Second,
	})
	t.Cleanup(conn.Deactivate)
	return conn
}

// dialObserver connects a plain STOMP client over TCP, standing in for the
// chat server publishing status changes.
func dialObserver(t *testing.T, addr string) *stomp.Conn {
	t.Helper()

	conn, err := stomp.Dial("tcp", addr,
		stomp.ConnOpt.Login(brokerUser, brokerPassword),
		stomp.ConnOpt.Host("/"),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Disconnect() })
	return conn
}

// awaitConnected waits for the connection to reach Connected.
func awaitConnected(t *testing.T, conn *presence.Connection) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, conn.AwaitState(ctx, presence.Connected))
}
