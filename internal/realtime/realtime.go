// Package realtime implements the long-lived duplex notification channel of
// spec.md §4.7: a client, not a hub. The teacher's internal/rpc/websocket.go
// runs a hub accepting inbound connections and fanning out broadcasts; here
// the roles are inverted — this process dials out to the ledger server and
// treats every inbound frame as an opaque trigger, never data.
package realtime

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tallyup/ledgerd/pkg/logging"
)

const (
	reconnectDelay = 5 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
)

// Handlers are the callbacks the sync engine registers. OnNotification is
// invoked once per inbound frame; OnBackOnline is invoked exactly once per
// connection, on the first inbound message; OnOnlineChange reports
// online/offline transitions, but only when the state actually changes.
type Handlers struct {
	OnNotification func(payload []byte)
	OnBackOnline   func()
	OnOnlineChange func(online bool)
}

// Client maintains one outbound WebSocket connection, reconnecting
// indefinitely on close or error.
type Client struct {
	url     string
	token   string
	handlers Handlers
	log     *logging.Logger

	mu     sync.Mutex
	online bool

	cancel context.CancelFunc
}

// New returns a Client that will dial url (a ws:// or wss:// URL) carrying
// token as an Authorization bearer header.
func New(url, token string, h Handlers) *Client {
	return &Client{
		url:      url,
		token:    token,
		handlers: h,
		log:      logging.GetDefault().Component("realtime"),
	}
}

// Run connects and reconnects until ctx is cancelled. Call it in its own
// goroutine; it blocks until ctx is done.
func (c *Client) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	for {
		select {
		case <-ctx.Done():
			c.setOnline(false)
			return
		default:
		}

		if err := c.connectAndServe(ctx); err != nil {
			c.log.Debug("realtime connection ended", "error", err)
		}
		c.setOnline(false)

		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}
}

// Stop cancels the connection loop.
func (c *Client) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
}

func (c *Client) connectAndServe(ctx context.Context) error {
	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, header)
	if err != nil {
		return err
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	done := make(chan struct{})
	go c.pingLoop(ctx, conn, done)
	defer close(done)

	firstMessage := true
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		if firstMessage {
			firstMessage = false
			c.setOnline(true)
			if c.handlers.OnBackOnline != nil {
				c.handlers.OnBackOnline()
			}
		}

		if c.handlers.OnNotification != nil {
			c.handlers.OnNotification(message)
		}
	}
}

func (c *Client) pingLoop(ctx context.Context, conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// IsOnline reports the last reported connection state.
func (c *Client) IsOnline() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online
}

func (c *Client) setOnline(online bool) {
	c.mu.Lock()
	changed := c.online != online
	c.online = online
	c.mu.Unlock()

	if changed && c.handlers.OnOnlineChange != nil {
		c.handlers.OnOnlineChange(online)
	}
}
