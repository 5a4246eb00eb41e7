package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/quicktab/tabsync/internal/tabsync"
)

const wsWriteTimeout = 10 * time.Second

// WSChannel is the production Tier-1 channel: a websocket connection to
// the coordinator's /v1/sync/ws endpoint. It satisfies Channel.
type WSChannel struct {
	url       string
	token     string
	contextID string
	logger    tabsync.Logger

	mu           sync.Mutex
	conn         *websocket.Conn
	readCancel   context.CancelFunc
	receiver     func(env tabsync.Envelope)
	onDisconnect func(err error)
}

func NewWSChannel(url, token, contextID string, logger tabsync.Logger) *WSChannel {
	return &WSChannel{url: url, token: token, contextID: contextID, logger: logger}
}

func (c *WSChannel) SetReceiver(fn func(env tabsync.Envelope)) {
	c.mu.Lock()
	c.receiver = fn
	c.mu.Unlock()
}

func (c *WSChannel) SetOnDisconnect(fn func(err error)) {
	c.mu.Lock()
	c.onDisconnect = fn
	c.mu.Unlock()
}

// Dial connects, announces the local context with a hello envelope and
// starts the read loop.
func (c *WSChannel) Dial(ctx context.Context) error {
	opts := &websocket.DialOptions{}
	if c.token != "" {
		opts.HTTPHeader = http.Header{"Authorization": {"Bearer " + c.token}}
	}
	conn, _, err := websocket.Dial(ctx, c.url, opts)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.url, err)
	}

	hello := tabsync.Envelope{
		Type:      tabsync.EnvelopeHello,
		ContextID: c.contextID,
		Timestamp: tabsync.NowRFC3339(time.Now()),
	}
	data, err := json.Marshal(hello)
	if err != nil {
		conn.Close(websocket.StatusInternalError, "hello encode failed")
		return fmt.Errorf("encode hello: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		conn.Close(websocket.StatusInternalError, "hello write failed")
		return fmt.Errorf("send hello: %w", err)
	}

	readCtx, readCancel := context.WithCancel(context.Background())
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close(websocket.StatusNormalClosure, "replaced")
	}
	c.conn = conn
	c.readCancel = readCancel
	c.mu.Unlock()

	go c.readLoop(readCtx, conn)
	return nil
}

func (c *WSChannel) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			c.mu.Lock()
			current := c.conn == conn
			if current {
				c.conn = nil
			}
			onDisconnect := c.onDisconnect
			c.mu.Unlock()
			if current && onDisconnect != nil && !errors.Is(err, context.Canceled) {
				onDisconnect(err)
			}
			return
		}
		var env tabsync.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logf("dropping undecodable frame: %v", err)
			continue
		}
		c.mu.Lock()
		receiver := c.receiver
		c.mu.Unlock()
		if receiver != nil {
			receiver(env)
		}
	}
}

func (c *WSChannel) Send(ctx context.Context, env tabsync.Envelope) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return tabsync.ErrTransportUnavailable
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	if err := conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

func (c *WSChannel) Close() error {
	c.mu.Lock()
	conn := c.conn
	readCancel := c.readCancel
	c.conn = nil
	c.readCancel = nil
	c.mu.Unlock()
	if readCancel != nil {
		readCancel()
	}
	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client closing")
	}
	return nil
}

func (c *WSChannel) logf(format string, args ...any) {
	if c.logger != nil {
		c.logger.Printf("ws: "+format, args...)
	}
}
