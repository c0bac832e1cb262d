// Package broadcast fans consolidated events out to WebSocket subscribers.
// Events are forwarded as the exact envelope bytes that arrived from the
// broker, so every client sees an identical wire payload.
package broadcast

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/banshee-data/fusion.report/internal/broker"
	"github.com/banshee-data/fusion.report/internal/config"
	"github.com/banshee-data/fusion.report/internal/model"
	"github.com/banshee-data/fusion.report/internal/monitoring"
	"github.com/banshee-data/fusion.report/internal/supervisor"
)

const writeWait = 5 * time.Second

// Subscriber opens the broadcaster's traffic_events subscription.
type Subscriber interface {
	Subscribe(ctx context.Context, topics ...string) *broker.Subscription
}

// client is one connected WebSocket peer. Its send queue decouples slow
// readers from the fan-out loop.
type client struct {
	conn *websocket.Conn
	send chan []byte
	kick chan struct{} // closed at most once when the peer falls too far behind
	once sync.Once
}

func (c *client) close() { c.once.Do(func() { close(c.kick) }) }

// Hub owns the client set and the broker subscription feeding it.
type Hub struct {
	cfg config.BroadcastConfig
	sub Subscriber

	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
	dropped map[*client]int // frames shed because the peer's queue was full

	cancel context.CancelFunc
	done   chan struct{}
	closed bool
}

func NewHub(cfg config.BroadcastConfig, sub Subscriber) *Hub {
	return &Hub{
		cfg: cfg,
		sub: sub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// the gateway is deployed on a closed network segment
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
		dropped: make(map[*client]int),
	}
}

func (h *Hub) Name() string { return "broadcaster" }

func (h *Hub) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	h.done = make(chan struct{})
	sub := h.sub.Subscribe(ctx, broker.TopicTrafficEvents)
	go h.run(ctx, sub)
	return nil
}

// Stop closes every connection with a normal closure and ends the fan-out.
func (h *Hub) Stop(ctx context.Context) error {
	if h.cancel == nil {
		return nil
	}
	h.cancel()
	select {
	case <-h.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	h.mu.Lock()
	h.closed = true
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutting down")
	for _, c := range clients {
		c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		c.close()
	}
	return nil
}

func (h *Hub) Health() supervisor.Status {
	return supervisor.Status{State: supervisor.StateHealthy}
}

// ClientCount reports the number of connected peers.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) run(ctx context.Context, sub *broker.Subscription) {
	defer close(h.done)
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.C:
			if !ok {
				return
			}
			if msg.Envelope.Schema != model.SchemaConsolidatedEvent {
				continue
			}
			h.broadcast(msg.Raw)
		}
	}
}

// broadcast offers the frame to every client without blocking. A client
// whose queue is full loses its oldest queued frame; one that stays behind
// until the shed count reaches the kick limit is disconnected. A clean send
// means the peer caught up, so its count starts over.
func (h *Hub) broadcast(frame []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- frame:
			delete(h.dropped, c)
			continue
		default:
		}
		// queue full: shed the oldest frame to make room
		select {
		case <-c.send:
			monitoring.BroadcastClientDrops.Inc()
			h.dropped[c]++
		default:
		}
		if h.dropped[c] >= h.cfg.SlowClientKick {
			monitoring.BroadcastKicks.Inc()
			monitoring.Logf("broadcast: disconnecting slow client %s", c.conn.RemoteAddr())
			go h.kickClient(c)
			continue
		}
		select {
		case c.send <- frame:
		default:
		}
	}
}

func (h *Hub) kickClient(c *client) {
	msg := websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "too slow")
	c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	c.close()
}

// ServeHTTP upgrades the request and attaches the peer to the hub.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	h.mu.Unlock()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		monitoring.Logf("broadcast: upgrade: %v", err)
		return
	}
	c := &client{
		conn: conn,
		send: make(chan []byte, h.cfg.SlowClientThreshold),
		kick: make(chan struct{}),
	}

	hello, _ := json.Marshal(model.Envelope{Schema: model.SchemaHello, V: 1})
	if err := conn.WriteMessage(websocket.TextMessage, hello); err != nil {
		conn.Close()
		return
	}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	monitoring.Logf("broadcast: client connected from %s", conn.RemoteAddr())

	go h.writePump(c)
	go h.readPump(c)
}

func (h *Hub) writePump(c *client) {
	defer h.detach(c)
	for {
		select {
		case <-c.kick:
			return
		case frame := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		}
	}
}

// readPump discards anything the peer sends; the feed is one-way. It exists
// to surface close frames and dead connections.
func (h *Hub) readPump(c *client) {
	defer c.close()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) detach(c *client) {
	c.close()
	c.conn.Close()
	h.mu.Lock()
	delete(h.clients, c)
	delete(h.dropped, c)
	h.mu.Unlock()
}
