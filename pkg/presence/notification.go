package presence

import (
	"encoding/json"
	"time"
)

// NotificationTopic is the broadcast topic. Per-identity notifications go to
// NotificationTopic + "/" + identity.
const NotificationTopic = "/topic/notification"

type Notification struct {
	Destination string
	Body        json.RawMessage
	ReceivedAt  time.Time
}

type NotificationHandler func(Notification)

// SubscribeNotifications listens on the broadcast topic and, if identity is
// set, on the identity's own topic. Bodies that aren't JSON are wrapped as a
// JSON string so handlers always get valid JSON.
func SubscribeNotifications(conn *Connection, identity string, h NotificationHandler) (unsubscribe func()) {
	handler := func(m Message) {
		body := json.RawMessage(m.Body)
		if !json.Valid(body) {
			quoted, _ := json.Marshal(string(m.Body))
			body = quoted
		}
		h(Notification{Destination: m.Destination, Body: body, ReceivedAt: m.ReceivedAt})
	}

	unsubs := []func(){conn.Subscribe(NotificationTopic, handler)}
	if identity != "" {
		unsubs = append(unsubs, conn.Subscribe(NotificationTopic+"/"+identity, handler))
	}

	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}
