package transport

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	apperrors "github.com/fieldsync/fieldsync/internal/errors"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 30 * time.Second
)

// WebSocketDialer dials the record server's push endpoint. The endpoint
// may be installed after construction: a core that starts offline creates
// the dialer empty and the host supplies the URL and auth header once the
// session is established, at which point the transport's next reconnect
// attempt succeeds.
type WebSocketDialer struct {
	mu     sync.Mutex
	url    string
	header http.Header
}

// NewWebSocketDialer creates a dialer for the given push endpoint URL.
// Auth headers (bearer token etc.) go in header. Both may be empty and
// set later via SetEndpoint.
func NewWebSocketDialer(url string, header http.Header) *WebSocketDialer {
	return &WebSocketDialer{url: url, header: header}
}

// SetEndpoint installs or replaces the push endpoint and auth header.
func (d *WebSocketDialer) SetEndpoint(url string, header http.Header) {
	d.mu.Lock()
	d.url = url
	d.header = header
	d.mu.Unlock()
}

// Dial establishes the websocket connection. A missed heartbeat surfaces
// as a read error on the returned Conn.
func (d *WebSocketDialer) Dial(ctx context.Context) (Conn, error) {
	d.mu.Lock()
	url, header := d.url, d.header
	d.mu.Unlock()

	if url == "" {
		return nil, apperrors.New(apperrors.ErrSyncTransient, "push endpoint not configured")
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrSyncTransient, "websocket dial failed", err)
	}

	wc := &wsConn{conn: conn, done: make(chan struct{})}

	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})
	go wc.pingLoop()

	return wc, nil
}

// wsConn wraps a gorilla connection. Reads happen from one goroutine;
// writes (subscribe, pings, close) are serialized by writeMu.
type wsConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	closeOnce sync.Once
	done      chan struct{}
}

func (c *wsConn) Subscribe(req SubscribeRequest) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := c.conn.WriteJSON(req); err != nil {
		return apperrors.Wrap(apperrors.ErrSyncTransient, "subscribe failed", err)
	}
	return nil
}

func (c *wsConn) Read() (*PushMessage, error) {
	var msg PushMessage
	if err := c.conn.ReadJSON(&msg); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrSyncTransient, "push channel read failed", err)
	}
	return &msg, nil
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}

// pingLoop keeps the heartbeat going until the connection closes. A
// failed ping write ends the loop; the read side then times out on its
// deadline and reports the lost connection.
func (c *wsConn) pingLoop() {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			err := c.conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}
