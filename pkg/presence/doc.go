// Package presence keeps a STOMP connection to the chat broker alive, tracks
// who is online, and announces our own logins.
//
// A Connection owns the transport and reconnects on its own until it is
// deactivated. Subscriptions made through it survive reconnects. The
// Registry consumes /topic/status and the Announcer publishes to
// /app/status.login and /app/login once the connection is up.
//
//	conn := presence.NewConnection(presence.Config{
//		Dialer:      presence.WebSocketDialer{URL: "wss://chat.example.com/ws"},
//		TokenSource: coordinatorTokenSource,
//	})
//	reg := presence.NewRegistry(logger, nil)
//	conn.Subscribe(presence.StatusTopic, reg.Handler())
//	conn.Activate()
//	defer conn.Deactivate()
package presence
