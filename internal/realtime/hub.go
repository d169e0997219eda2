// Package realtime pushes relay events to websocket subscribers, keyed by
// relay user and stream.
package realtime

import (
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/charlesng35/imrelay/pkg/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxControlSize = 4 << 10

	defaultBufferSize = 64
)

// Event is one JSON payload written to subscribers.
type Event struct {
	Stream string `json:"stream"`
	Event  string `json:"event"`
	UserID string `json:"user_id,omitempty"`
	MsgID  string `json:"msg_id,omitempty"`
	Data   any    `json:"data,omitempty"`
}

type controlMessage struct {
	Action  string   `json:"action"`
	Streams []string `json:"streams"`
}

// Hub fans relay events out to websocket clients. Broadcasts never block:
// a client whose buffer is full is disconnected.
type Hub struct {
	mu      sync.RWMutex
	subs    map[string]map[string]map[*client]struct{} // stream -> user -> clients
	clients map[*client]struct{}
	allowed map[string]struct{}
	closed  bool

	upgrader websocket.Upgrader
	log      *zap.Logger
}

// NewHub builds a hub accepting the given streams, or KnownStreams when none
// are named.
func NewHub(streams ...string) *Hub {
	if len(streams) == 0 {
		streams = KnownStreams()
	}
	allowed := make(map[string]struct{}, len(streams))
	for _, s := range uniqueStreams(streams) {
		allowed[s] = struct{}{}
	}
	return &Hub{
		subs:    make(map[string]map[string]map[*client]struct{}),
		clients: make(map[*client]struct{}),
		allowed: allowed,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     sameOriginOrLoopback,
		},
		log: logger.WithModule("realtime"),
	}
}

// Allowed reports whether stream can be subscribed to.
func (h *Hub) Allowed(stream string) bool {
	_, ok := h.allowed[normalizeStream(stream)]
	return ok
}

// Serve upgrades the request and subscribes the client for userID to
// streams. It returns when the client disconnects.
func (h *Hub) Serve(userID string, streams []string, w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.String("user_id", userID), zap.Error(err))
		return
	}

	c := &client{
		hub:     h,
		socket:  conn,
		userID:  userID,
		streams: make(map[string]struct{}),
		send:    make(chan Event, defaultBufferSize),
		done:    make(chan struct{}),
	}
	if !h.register(c) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}
	h.subscribe(c, streams)
	h.log.Debug("subscriber connected", zap.String("user_id", userID), zap.Strings("streams", streams))

	go c.writeLoop()
	c.readLoop()
}

// Publish delivers ev to userID's subscribers on ev.Stream and returns how
// many clients it was queued for.
func (h *Hub) Publish(userID string, ev Event) int {
	stream := normalizeStream(ev.Stream)
	if stream == "" || userID == "" {
		return 0
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	targets := h.subs[stream][userID]
	ev.Stream = stream
	ev.UserID = userID
	for c := range targets {
		h.enqueue(c, ev)
	}
	return len(targets)
}

// Broadcast delivers ev to every subscriber of ev.Stream.
func (h *Hub) Broadcast(ev Event) int {
	stream := normalizeStream(ev.Stream)
	h.mu.RLock()
	defer h.mu.RUnlock()

	ev.Stream = stream
	n := 0
	for _, clients := range h.subs[stream] {
		for c := range clients {
			h.enqueue(c, ev)
			n++
		}
	}
	return n
}

// Subscribers counts the clients listening on stream.
func (h *Hub) Subscribers(stream string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := 0
	for _, clients := range h.subs[normalizeStream(stream)] {
		n += len(clients)
	}
	return n
}

// Clients counts connected websocket clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
}

func (h *Hub) register(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	return true
}

func (h *Hub) subscribe(c *client, streams []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, stream := range uniqueStreams(streams) {
		if _, ok := h.allowed[stream]; !ok {
			h.log.Debug("ignoring unknown stream", zap.String("stream", stream), zap.String("user_id", c.userID))
			continue
		}
		if _, ok := c.streams[stream]; ok {
			continue
		}
		byUser := h.subs[stream]
		if byUser == nil {
			byUser = make(map[string]map[*client]struct{})
			h.subs[stream] = byUser
		}
		if byUser[c.userID] == nil {
			byUser[c.userID] = make(map[*client]struct{})
		}
		byUser[c.userID][c] = struct{}{}
		c.streams[stream] = struct{}{}
	}
}

func (h *Hub) unsubscribe(c *client, streams []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, stream := range uniqueStreams(streams) {
		h.dropLocked(c, stream)
	}
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for stream := range c.streams {
		h.dropLocked(c, stream)
	}
	delete(h.clients, c)
}

func (h *Hub) dropLocked(c *client, stream string) {
	delete(c.streams, stream)
	byUser := h.subs[stream]
	if byUser == nil {
		return
	}
	delete(byUser[c.userID], c)
	if len(byUser[c.userID]) == 0 {
		delete(byUser, c.userID)
	}
	if len(byUser) == 0 {
		delete(h.subs, stream)
	}
}

// enqueue runs under at least the read lock.
func (h *Hub) enqueue(c *client, ev Event) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- ev:
	default:
		h.log.Warn("subscriber too slow, disconnecting", zap.String("user_id", c.userID))
		go c.close()
	}
}

type client struct {
	hub     *Hub
	socket  *websocket.Conn
	userID  string
	streams map[string]struct{} // guarded by hub.mu
	send    chan Event

	once sync.Once
	done chan struct{}
}

func (c *client) readLoop() {
	defer c.close()

	c.socket.SetReadLimit(maxControlSize)
	_ = c.socket.SetReadDeadline(time.Now().Add(pongWait))
	c.socket.SetPongHandler(func(string) error {
		return c.socket.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, payload, err := c.socket.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.log.Debug("subscriber closed", zap.String("user_id", c.userID), zap.Error(err))
			}
			return
		}

		var ctrl controlMessage
		if err := json.Unmarshal(payload, &ctrl); err != nil {
			c.hub.log.Debug("invalid control message", zap.String("user_id", c.userID), zap.Error(err))
			continue
		}
		switch strings.ToLower(strings.TrimSpace(ctrl.Action)) {
		case "subscribe":
			c.hub.subscribe(c, ctrl.Streams)
		case "unsubscribe":
			c.hub.unsubscribe(c, ctrl.Streams)
		case "ping":
			c.hub.mu.RLock()
			c.hub.enqueue(c, Event{Event: "pong"})
			c.hub.mu.RUnlock()
		default:
			c.hub.log.Debug("unsupported control action", zap.String("action", ctrl.Action))
		}
	}
}

func (c *client) writeLoop() {
	defer c.close()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			_ = c.socket.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		case ev := <-c.send:
			_ = c.socket.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.socket.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.socket.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.socket.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// close is idempotent. The send channel is never closed so concurrent
// publishers cannot panic.
func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		c.hub.unregister(c)
		_ = c.socket.Close()
	})
}

func sameOriginOrLoopback(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	originHost := hostWithoutPort(origin)
	return originHost == hostWithoutPort(r.Host) || isLoopback(originHost)
}

func hostWithoutPort(host string) string {
	host = strings.TrimSpace(host)
	host = strings.TrimPrefix(host, "http://")
	host = strings.TrimPrefix(host, "https://")
	if i := strings.IndexByte(host, '/'); i >= 0 {
		host = host[:i]
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}

func isLoopback(host string) bool {
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback()
	}
	return strings.EqualFold(host, "localhost")
}

func normalizeStream(stream string) string {
	return strings.ToLower(strings.TrimSpace(stream))
}

func uniqueStreams(streams []string) []string {
	seen := make(map[string]struct{}, len(streams))
	var out []string
	for _, s := range streams {
		s = normalizeStream(s)
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
