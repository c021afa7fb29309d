package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/victornm/codeduel/internal/errors"
)

const (
	defaultReadLimit    = 1 << 20
	defaultPingInterval = 20 * time.Second
	pingTimeout         = 5 * time.Second
	inboundBuffer       = 16
)

type WebsocketConfig struct {
	// BaseURL is the ws:// or wss:// root, e.g. ws://localhost:8000.
	BaseURL string
	// PathFormat receives the escaped session id. Defaults to /ws/sessions/%s/.
	PathFormat string
	Header     http.Header
	HTTPClient *http.Client
	ReadLimit  int64
	// PingInterval defaults to 20s; a negative value disables keepalive pings.
	PingInterval time.Duration
}

// WebsocketDialer opens session channels over websocket.
type WebsocketDialer struct {
	c WebsocketConfig
}

func NewWebsocketDialer(c WebsocketConfig) *WebsocketDialer {
	if c.PathFormat == "" {
		c.PathFormat = "/ws/sessions/%s/"
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = defaultReadLimit
	}
	if c.PingInterval == 0 {
		c.PingInterval = defaultPingInterval
	}

	return &WebsocketDialer{c: c}
}

// URL returns the channel endpoint of a session.
func (d *WebsocketDialer) URL(sessionID string) string {
	return strings.TrimRight(d.c.BaseURL, "/") + fmt.Sprintf(d.c.PathFormat, url.PathEscape(sessionID))
}

func (d *WebsocketDialer) Dial(ctx context.Context, sessionID string) (Conn, error) {
	u := d.URL(sessionID)

	ws, _, err := websocket.Dial(ctx, u, &websocket.DialOptions{
		HTTPClient: d.c.HTTPClient,
		HTTPHeader: d.c.Header,
	})
	if err != nil {
		return nil, errors.New(errors.CodeTransport,
			errors.WithMessagef("dial %s", u),
			errors.WithCause(err),
		)
	}
	ws.SetReadLimit(d.c.ReadLimit)

	slog.InfoContext(ctx, "transport: connected", "session", sessionID, "url", u)

	runCtx, cancel := context.WithCancel(context.Background())
	c := &wsConn{
		ws:      ws,
		session: sessionID,
		inbound: make(chan Message, inboundBuffer),
		cancel:  cancel,
	}

	go c.readLoop(runCtx)
	if d.c.PingInterval > 0 {
		go c.pingLoop(runCtx, d.c.PingInterval)
	}

	return c, nil
}

type wsConn struct {
	ws      *websocket.Conn
	session string
	inbound chan Message
	cancel  context.CancelFunc

	closeOnce sync.Once
	mu        sync.Mutex
	closed    bool
}

func (c *wsConn) Inbound() <-chan Message { return c.inbound }

func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()

		c.cancel()
		// The handshake may block on a dead peer, so it runs detached.
		go func() {
			if err := c.ws.Close(websocket.StatusNormalClosure, "bye"); err != nil {
				slog.Debug("transport: close handshake failed", "session", c.session, "error", err)
			}
		}()
	})
	return nil
}

func (c *wsConn) closedLocally() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *wsConn) readLoop(ctx context.Context) {
	defer close(c.inbound)

	for {
		_, data, err := c.ws.Read(ctx)
		if err != nil {
			if c.closedLocally() {
				return
			}

			msg := "connection lost"
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				msg = "closed by server"
			}

			slog.WarnContext(ctx, "transport: read failed", "session", c.session, "error", err)

			select {
			case c.inbound <- Message{Err: errors.New(errors.CodeTransport, errors.WithMessagef("%s", msg), errors.WithCause(err))}:
			case <-ctx.Done():
			}
			return
		}

		select {
		case c.inbound <- Message{Data: data}:
		case <-ctx.Done():
			return
		}
	}
}

func (c *wsConn) pingLoop(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			pctx, cancel := context.WithTimeout(ctx, pingTimeout)
			err := c.ws.Ping(pctx)
			cancel()
			if err != nil && ctx.Err() == nil {
				slog.WarnContext(ctx, "transport: ping failed", "session", c.session, "error", err)
				// Aborts the pending Read, which reports the failure through Inbound.
				_ = c.ws.CloseNow()
				return
			}
		}
	}
}
