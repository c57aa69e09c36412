package presence

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aussiebroadwan/tabconsole/pkg/idx"
	"github.com/aussiebroadwan/tabconsole/pkg/slogx"
	"github.com/go-stomp/stomp/v3"
	"github.com/go-stomp/stomp/v3/frame"
)

const (
	DefaultHeartBeat         = 4 * time.Second
	DefaultReconnectDelay    = 5 * time.Second
	DefaultConnectTimeout    = 10 * time.Second
	DefaultDisconnectTimeout = 2 * time.Second

	// RabbitMQ maps the STOMP host header to a vhost, "/" is the default one.
	DefaultHost = "/"
)

// TokenSource supplies a bearer token for each CONNECT. Wire it to
// session.Coordinator.EnsureFresh so reconnects never present a stale token.
type TokenSource func(ctx context.Context) (string, error)

// Config configures a Connection. Zero durations pick the defaults above.
type Config struct {
	Dialer Dialer
	Host   string

	Login    string
	Passcode string

	TokenSource TokenSource

	// HeartBeat is used for both directions.
	HeartBeat         time.Duration
	ReconnectDelay    time.Duration
	ConnectTimeout    time.Duration
	DisconnectTimeout time.Duration

	Logger  *slog.Logger
	Metrics *Metrics
}

// Message is one MESSAGE frame delivered to a subscription.
type Message struct {
	Destination string
	ContentType string
	Body        []byte
	ReceivedAt  time.Time
}

// Handler receives messages for one subscription, one at a time, in the
// order they arrived.
type Handler func(Message)

// PublishOption tweaks an outgoing SEND frame.
type PublishOption func(*frame.Frame) error

// WithHeader adds a custom header to a published frame.
func WithHeader(key, value string) PublishOption {
	return stomp.SendOpt.Header(key, value)
}

// Connection is a self-healing STOMP connection. After Activate it keeps
// trying to be connected, waiting ReconnectDelay between attempts, until
// Deactivate.
type Connection struct {
	cfg    Config
	logger *slog.Logger

	mu        sync.Mutex
	state     ConnectionState
	changed   chan struct{} // closed and replaced on every transition
	conn      *stomp.Conn
	transport *watchedConn
	subs      map[idx.ID]*subscription
	watchers  map[chan ConnectionEvent]struct{}
	started   bool
	closed    bool

	cancel context.CancelFunc
	done   chan struct{}
}

func NewConnection(cfg Config) *Connection {
	if cfg.Host == "" {
		cfg.Host = DefaultHost
	}
	if cfg.HeartBeat <= 0 {
		cfg.HeartBeat = DefaultHeartBeat
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.DisconnectTimeout <= 0 {
		cfg.DisconnectTimeout = DefaultDisconnectTimeout
	}

	return &Connection{
		cfg:      cfg,
		logger:   slogx.OrDefault(cfg.Logger).With("component", "presence"),
		state:    Disconnected,
		changed:  make(chan struct{}),
		subs:     make(map[idx.ID]*subscription),
		watchers: make(map[chan ConnectionEvent]struct{}),
		done:     make(chan struct{}),
	}
}

// Activate starts connecting in the background. Calling it again is a no-op;
// calling it after Deactivate returns ErrClosed.
func (c *Connection) Activate() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if c.started {
		return nil
	}
	c.started = true

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.fire(TriggerActivate, nil)

	go c.run(ctx)
	return nil
}

// Deactivate shuts the connection down for good: it cancels any pending
// reconnect, waits for the background loop to exit, then disconnects
// gracefully (falling back to closing the transport). Safe to call more than
// once and from any state.
func (c *Connection) Deactivate() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	cancel, started := c.cancel, c.started
	// Wake AwaitState callers so they notice; the state may not change below
	close(c.changed)
	c.changed = make(chan struct{})
	c.mu.Unlock()

	if started {
		cancel()
		<-c.done
	}

	c.mu.Lock()
	conn, transport := c.conn, c.transport
	c.conn, c.transport = nil, nil
	subs := make([]*subscription, 0, len(c.subs))
	for id, s := range c.subs {
		subs = append(subs, s)
		delete(c.subs, id)
	}
	c.fire(TriggerDeactivate, nil)
	c.mu.Unlock()

	for _, s := range subs {
		s.stop()
	}
	if conn != nil {
		c.disconnect(conn, transport)
	}
	c.logger.Info("presence connection deactivated")
}

// State returns the current state.
func (c *Connection) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// AwaitState blocks until the connection is in want or ctx ends. Once the
// connection is deactivated nothing but Disconnected will ever come, so
// waiting for anything else returns ErrClosed.
func (c *Connection) AwaitState(ctx context.Context, want ConnectionState) error {
	for {
		c.mu.Lock()
		state, changed, closed := c.state, c.changed, c.closed
		c.mu.Unlock()

		if state == want {
			return nil
		}
		if closed && want != Disconnected {
			return ErrClosed
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Watch streams state changes until ctx ends, then closes the channel. A
// watcher that falls behind misses events rather than stalling the
// connection; State is always authoritative.
func (c *Connection) Watch(ctx context.Context) <-chan ConnectionEvent {
	ch := make(chan ConnectionEvent, 16)

	c.mu.Lock()
	c.watchers[ch] = struct{}{}
	c.mu.Unlock()

	go func() {
		<-ctx.Done()
		c.mu.Lock()
		delete(c.watchers, ch)
		close(ch)
		c.mu.Unlock()
	}()

	return ch
}

// Publish sends body to destination. Only works while Connected: anything
// published in another state is dropped and ErrNotConnected returned, there
// is no outbound queue.
func (c *Connection) Publish(destination, contentType string, body []byte, opts ...PublishOption) error {
	c.mu.Lock()
	conn, state := c.conn, c.state
	c.mu.Unlock()

	if state != Connected || conn == nil {
		c.cfg.Metrics.dropped()
		return ErrNotConnected
	}

	frameOpts := make([]func(*frame.Frame) error, len(opts))
	for i, o := range opts {
		frameOpts[i] = o
	}

	if err := conn.Send(destination, contentType, body, frameOpts...); err != nil {
		c.cfg.Metrics.dropped()
		return fmt.Errorf("%w: %w", ErrNotConnected, err)
	}
	return nil
}

// Subscribe registers h for destination. It can be called in any state; the
// subscription is (re)made every time the connection comes up until the
// returned func is called.
func (c *Connection) Subscribe(destination string, h Handler) (unsubscribe func()) {
	s := &subscription{
		id:          idx.New(),
		destination: destination,
		handler:     h,
		queue:       make(chan Message, 64),
		done:        make(chan struct{}),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.logger.Warn("subscribe on deactivated connection ignored", "destination", destination)
		return func() {}
	}
	c.subs[s.id] = s
	go s.dispatch(c.cfg.Metrics)
	if c.conn != nil {
		c.attach(s)
	}
	c.mu.Unlock()

	return func() { c.unsubscribe(s) }
}

func (c *Connection) unsubscribe(s *subscription) {
	c.mu.Lock()
	if _, ok := c.subs[s.id]; !ok {
		c.mu.Unlock()
		return
	}
	delete(c.subs, s.id)
	current := s.current
	s.current = nil
	c.mu.Unlock()

	s.stop()
	if current != nil {
		// Fails harmlessly if the connection already went away
		_ = current.Unsubscribe()
	}
}

func (c *Connection) run(ctx context.Context) {
	defer close(c.done)

	for {
		transport, conn, err := c.connect(ctx)
		if err == nil {
			c.mu.Lock()
			if ctx.Err() != nil {
				c.mu.Unlock()
				c.disconnect(conn, transport)
				return
			}
			c.conn, c.transport = conn, transport
			for _, s := range c.subs {
				c.attach(s)
			}
			c.fire(TriggerTransportUp, nil)
			c.mu.Unlock()

			select {
			case <-transport.lost:
				err = transport.Err()
			case <-ctx.Done():
				return // Deactivate takes it from here
			}

			c.mu.Lock()
			c.conn, c.transport = nil, nil
			c.mu.Unlock()
			_ = transport.Close()
		}

		if ctx.Err() != nil {
			return
		}

		c.mu.Lock()
		c.fire(TriggerTransportLost, err)
		c.mu.Unlock()

		timer := time.NewTimer(c.cfg.ReconnectDelay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return
		}

		c.mu.Lock()
		c.fire(TriggerRetry, nil)
		c.mu.Unlock()
	}
}

func (c *Connection) connect(parent context.Context) (*watchedConn, *stomp.Conn, error) {
	ctx, cancel := context.WithTimeout(parent, c.cfg.ConnectTimeout)
	defer cancel()

	opts := []func(*stomp.Conn) error{
		stomp.ConnOpt.Host(c.cfg.Host),
		stomp.ConnOpt.HeartBeat(c.cfg.HeartBeat, c.cfg.HeartBeat),
	}
	if c.cfg.Login != "" {
		opts = append(opts, stomp.ConnOpt.Login(c.cfg.Login, c.cfg.Passcode))
	}
	if c.cfg.TokenSource != nil {
		token, err := c.cfg.TokenSource(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("connect token: %w", err)
		}
		opts = append(opts, stomp.ConnOpt.Header("Authorization", "Bearer "+token))
	}

	rwc, err := c.cfg.Dialer.Dial(ctx)
	if err != nil {
		return nil, nil, err
	}
	transport := watch(rwc)

	// stomp.Connect has no ctx of its own, closing the transport unblocks it
	stop := context.AfterFunc(ctx, func() { _ = transport.Close() })
	conn, err := stomp.Connect(transport, opts...)
	if !stop() {
		if err == nil {
			_ = conn.MustDisconnect()
		}
		return nil, nil, fmt.Errorf("stomp connect: %w", ctx.Err())
	}
	if err != nil {
		_ = transport.Close()
		return nil, nil, fmt.Errorf("stomp connect: %w", err)
	}

	return transport, conn, nil
}

func (c *Connection) disconnect(conn *stomp.Conn, transport *watchedConn) {
	done := make(chan struct{})
	go func() {
		_ = conn.Disconnect()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(c.cfg.DisconnectTimeout):
		c.logger.Debug("graceful disconnect timed out, closing transport")
	}
	_ = transport.Close()
}

// attach subscribes s on the current stomp connection. Caller holds c.mu.
func (c *Connection) attach(s *subscription) {
	ss, err := c.conn.Subscribe(s.destination, stomp.AckAuto)
	if err != nil {
		// The transport is going down; we'll be back here after reconnect
		c.logger.Warn("subscribe failed", "destination", s.destination, "error", err)
		return
	}
	s.current = ss
	go s.pump(ss)
}

// fire applies t to the state machine and tells everyone. Caller holds c.mu.
func (c *Connection) fire(t Trigger, cause error) {
	to, err := Transition(c.state, t)
	if err != nil {
		c.logger.Error("ignoring transition", "error", err)
		return
	}
	if to == c.state {
		return
	}

	ev := ConnectionEvent{From: c.state, To: to, Trigger: t, At: time.Now(), Err: cause}
	c.state = to
	close(c.changed)
	c.changed = make(chan struct{})

	c.cfg.Metrics.state(to)
	if t == TriggerTransportLost {
		c.cfg.Metrics.reconnect()
	}

	for w := range c.watchers {
		select {
		case w <- ev:
		default:
		}
	}

	switch to {
	case Connected:
		c.logger.Info("presence connected", "subscriptions", len(c.subs))
	case Reconnecting:
		c.logger.Warn("presence connection lost", "error", cause, "retry_in", c.cfg.ReconnectDelay)
	default:
		c.logger.Debug("presence state", "from", ev.From, "to", to, "trigger", t)
	}
}

type subscription struct {
	id          idx.ID
	destination string
	handler     Handler

	current *stomp.Subscription // guarded by Connection.mu

	queue chan Message
	done  chan struct{}
	once  sync.Once
}

func (s *subscription) stop() {
	s.once.Do(func() { close(s.done) })
}

// pump forwards one stomp subscription into the queue. It keeps draining
// after stop so the stomp connection never blocks on a full channel.
func (s *subscription) pump(ss *stomp.Subscription) {
	for msg := range ss.C {
		if msg.Err != nil {
			continue // transport errors are picked up by the connection
		}
		m := Message{
			Destination: msg.Destination,
			ContentType: msg.ContentType,
			Body:        msg.Body,
			ReceivedAt:  time.Now(),
		}
		select {
		case s.queue <- m:
		case <-s.done:
		}
	}
}

// dispatch runs the handler. One goroutine per subscription, so messages
// from the old and new transport after a reconnect still come through in
// order.
func (s *subscription) dispatch(m *Metrics) {
	for {
		select {
		case msg := <-s.queue:
			m.received(s.destination)
			s.handler(msg)
		case <-s.done:
			return
		}
	}
}
