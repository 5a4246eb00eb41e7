package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/quicktab/tabsync/internal/tabsync"
)

const (
	clientSendBuffer = 64
	wsWriteTimeout   = 10 * time.Second
)

// Hub owns the Tier-1 websocket clients: it upgrades connections,
// answers heartbeats, routes inbound mutations to the coordinator and
// fans accepted changes out to every connected context.
type Hub struct {
	coord  *tabsync.Coordinator
	tabdir *tabsync.StaticTabDirectory
	logger tabsync.Logger

	mu      sync.Mutex
	clients map[*wsClient]struct{}
	closed  bool
}

type wsClient struct {
	conn      *websocket.Conn
	send      chan tabsync.Envelope
	contextID string
	closeOnce sync.Once
}

func NewHub(coord *tabsync.Coordinator, tabdir *tabsync.StaticTabDirectory, logger tabsync.Logger) *Hub {
	return &Hub{
		coord:   coord,
		tabdir:  tabdir,
		logger:  logger,
		clients: map[*wsClient]struct{}{},
	}
}

// ClientCount reports connected websocket clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ConnectedContexts lists the context ids that announced themselves,
// sorted, deduplicated.
func (h *Hub) ConnectedContexts() []string {
	h.mu.Lock()
	seen := map[string]struct{}{}
	for c := range h.clients {
		if c.contextID != "" {
			seen[c.contextID] = struct{}{}
		}
	}
	h.mu.Unlock()
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Broadcast queues an envelope for every connected client. A client
// whose send buffer is full is dropped rather than allowed to stall
// the rest; it will reconnect and resync.
func (h *Hub) Broadcast(env tabsync.Envelope) {
	h.mu.Lock()
	var slow []*wsClient
	for c := range h.clients {
		select {
		case c.send <- env:
		default:
			slow = append(slow, c)
		}
	}
	for _, c := range slow {
		delete(h.clients, c)
	}
	h.mu.Unlock()
	for _, c := range slow {
		h.logf("dropping slow client %q", c.contextID)
		c.close(websocket.StatusPolicyViolation, "send buffer overflow")
	}
}

// Close drops every client.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = map[*wsClient]struct{}{}
	h.mu.Unlock()
	for _, c := range clients {
		c.close(websocket.StatusGoingAway, "server shutting down")
	}
}

// HandleUpgrade accepts a websocket connection and runs its read loop.
func (h *Hub) HandleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logf("websocket accept: %v", err)
		return
	}

	c := &wsClient{conn: conn, send: make(chan tabsync.Envelope, clientSendBuffer)}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go h.writePump(ctx, c)
	h.readPump(ctx, c)

	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.close(websocket.StatusNormalClosure, "")
}

func (h *Hub) readPump(ctx context.Context, c *wsClient) {
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			return
		}
		var env tabsync.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			h.logf("dropping undecodable frame from %q: %v", c.contextID, err)
			continue
		}
		h.handleInbound(ctx, c, env)
	}
}

func (h *Hub) handleInbound(ctx context.Context, c *wsClient, env tabsync.Envelope) {
	switch env.Type {
	case tabsync.EnvelopeHello:
		c.contextID = env.ContextID
		if h.tabdir != nil && env.ContextID != "" {
			h.tabdir.Add(env.ContextID)
		}
	case tabsync.EnvelopeHeartbeat:
		c.enqueue(tabsync.Envelope{
			Type:      tabsync.EnvelopeHeartbeatAck,
			Timestamp: tabsync.NowRFC3339(time.Now()),
		})
	case tabsync.EnvelopeMutation:
		if env.Mutation == nil {
			return
		}
		result := h.coord.HandleMutation(ctx, *env.Mutation)
		result.CorrelationID = env.CorrelationID
		c.enqueue(tabsync.Envelope{
			Type:          tabsync.EnvelopeMutationResult,
			CorrelationID: env.CorrelationID,
			Result:        &result,
			Timestamp:     tabsync.NowRFC3339(time.Now()),
		})
	}
}

func (h *Hub) writePump(ctx context.Context, c *wsClient) {
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-c.send:
			if !ok {
				return
			}
			data, err := json.Marshal(env)
			if err != nil {
				h.logf("encode envelope: %v", err)
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			err = c.conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (c *wsClient) enqueue(env tabsync.Envelope) {
	select {
	case c.send <- env:
	default:
	}
}

func (c *wsClient) close(code websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		c.conn.Close(code, reason)
	})
}

func (h *Hub) logf(format string, args ...any) {
	if h.logger != nil {
		h.logger.Printf("hub: "+format, args...)
	}
}
