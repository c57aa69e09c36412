package presence

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"

	"github.com/coder/websocket"
)

// Dialer opens the byte stream STOMP runs over.
type Dialer interface {
	Dial(ctx context.Context) (io.ReadWriteCloser, error)
}

// DefaultReadLimit caps a single websocket message. Notification payloads can
// be chunky, the library default of 32KiB is not enough.
const DefaultReadLimit = 1 << 20

// WebSocketDialer speaks STOMP over a websocket, which is how browsers and
// the chat server's /ws endpoint expect it.
type WebSocketDialer struct {
	URL        string
	HTTPHeader http.Header
	HTTPClient *http.Client
	ReadLimit  int64
}

func (d WebSocketDialer) Dial(ctx context.Context) (io.ReadWriteCloser, error) {
	ws, resp, err := websocket.Dial(ctx, d.URL, &websocket.DialOptions{
		HTTPClient:   d.HTTPClient,
		HTTPHeader:   d.HTTPHeader,
		Subprotocols: []string{"v12.stomp", "v11.stomp", "v10.stomp"},
	})
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial %s: %s: %w", d.URL, resp.Status, err)
		}
		return nil, fmt.Errorf("websocket dial %s: %w", d.URL, err)
	}

	limit := d.ReadLimit
	if limit == 0 {
		limit = DefaultReadLimit
	}
	ws.SetReadLimit(limit)

	// The dial ctx usually has a timeout on it; the connection has to outlive
	// that.
	return websocket.NetConn(context.WithoutCancel(ctx), ws, websocket.MessageText), nil
}

// TCPDialer speaks raw STOMP over TCP (port 61613 on most brokers).
type TCPDialer struct {
	Addr string
}

func (d TCPDialer) Dial(ctx context.Context) (io.ReadWriteCloser, error) {
	var nd net.Dialer
	conn, err := nd.DialContext(ctx, "tcp", d.Addr)
	if err != nil {
		return nil, fmt.Errorf("tcp dial %s: %w", d.Addr, err)
	}
	return conn, nil
}

// watchedConn reports the first read or write failure on lost. The STOMP
// client closes the transport itself on heart-beat timeouts and ERROR
// frames, so a failing read is the one signal that covers every way a
// connection can die.
type watchedConn struct {
	io.ReadWriteCloser

	once sync.Once
	lost chan struct{}
	err  error
}

func watch(rwc io.ReadWriteCloser) *watchedConn {
	return &watchedConn{ReadWriteCloser: rwc, lost: make(chan struct{})}
}

func (w *watchedConn) Read(p []byte) (int, error) {
	n, err := w.ReadWriteCloser.Read(p)
	if err != nil {
		w.fail(err)
	}
	return n, err
}

func (w *watchedConn) Write(p []byte) (int, error) {
	n, err := w.ReadWriteCloser.Write(p)
	if err != nil {
		w.fail(err)
	}
	return n, err
}

func (w *watchedConn) Close() error {
	err := w.ReadWriteCloser.Close()
	w.fail(net.ErrClosed)
	return err
}

func (w *watchedConn) fail(err error) {
	w.once.Do(func() {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		w.err = err
		close(w.lost)
	})
}

// Err is only meaningful after lost is closed.
func (w *watchedConn) Err() error { return w.err }
