package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/tcmartin/flowstudio/pkg/runtime"
	"github.com/tcmartin/flowstudio/pkg/statusbus"
	"github.com/tcmartin/flowstudio/pkg/stream"
)

// StatusHub manages websocket connections subscribed to session status updates.
// One bus subscription is held per company session and shared by every
// connection watching it.
type StatusHub struct {
	// upgrader for upgrading HTTP connections to WebSocket
	upgrader websocket.Upgrader

	bus statusbus.Bus

	// sessions maps bus topics to their feed and subscribed connections
	sessions map[string]*sessionFeed

	// connectionMeta stores metadata for each connection
	connectionMeta map[*websocket.Conn]*ConnectionMetadata

	mu sync.RWMutex

	pingInterval time.Duration
	closed       bool
}

// ConnectionMetadata stores metadata about a WebSocket connection
type ConnectionMetadata struct {
	CompanyID     string
	ConnectedAt   time.Time
	LastPingAt    time.Time
	Subscriptions map[string]bool // session IDs this connection is subscribed to

	writeMu sync.Mutex
}

type sessionFeed struct {
	sub         statusbus.Subscription
	connections map[*websocket.Conn]bool
}

// NewStatusHub creates a new status hub
func NewStatusHub(bus statusbus.Bus) *StatusHub {
	return &StatusHub{
		upgrader: websocket.Upgrader{
			// browser origins are checked by the CORS allow-list and the bearer token
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		bus:            bus,
		sessions:       make(map[string]*sessionFeed),
		connectionMeta: make(map[*websocket.Conn]*ConnectionMetadata),
		pingInterval:   30 * time.Second,
	}
}

// HandleWebSocket handles WebSocket connection upgrade and management
func (h *StatusHub) HandleWebSocket(w http.ResponseWriter, r *http.Request, companyID string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	meta := &ConnectionMetadata{
		CompanyID:     companyID,
		ConnectedAt:   time.Now(),
		LastPingAt:    time.Now(),
		Subscriptions: make(map[string]bool),
	}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.connectionMeta[conn] = meta
	h.mu.Unlock()

	done := make(chan struct{})
	defer func() {
		close(done)
		h.removeConnection(conn)
		log.Debug().Str("company_id", companyID).Msg("WebSocket connection closed")
	}()

	log.Debug().Str("company_id", companyID).Msg("WebSocket connection established")

	conn.SetPongHandler(func(string) error {
		h.mu.Lock()
		meta.LastPingAt = time.Now()
		h.mu.Unlock()
		return nil
	})

	go h.pingRoutine(conn, meta, done)

	for {
		var msg stream.ClientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Warn().Err(err).Msg("WebSocket error")
			}
			return
		}
		h.handleMessage(conn, meta, msg)
	}
}

// handleMessage processes incoming WebSocket messages
func (h *StatusHub) handleMessage(conn *websocket.Conn, meta *ConnectionMetadata, msg stream.ClientMessage) {
	switch msg.Type {
	case stream.MessageSubscribe:
		if msg.SessionID == "" {
			h.sendError(conn, meta, "", "session_id is required")
			return
		}
		if err := h.subscribe(conn, meta, msg.SessionID); err != nil {
			log.Warn().Err(err).Str("session_id", msg.SessionID).Msg("Subscribe failed")
			h.sendError(conn, meta, msg.SessionID, "subscribe failed")
		}
	case stream.MessageUnsubscribe:
		if msg.SessionID != "" {
			h.unsubscribe(conn, meta, msg.SessionID)
		}
	case stream.MessagePing:
		h.sendMessage(conn, meta, runtime.Envelope{
			Type:      stream.MessagePong,
			Timestamp: time.Now(),
		})
	default:
		h.sendError(conn, meta, msg.SessionID, "unknown message type: "+msg.Type)
	}
}

// subscribe adds a connection to a session, opening the bus feed for the first subscriber
func (h *StatusHub) subscribe(conn *websocket.Conn, meta *ConnectionMetadata, sessionID string) error {
	topic := statusbus.Topic(meta.CompanyID, sessionID)

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return statusbus.ErrClosed
	}
	if _, ok := h.connectionMeta[conn]; !ok {
		return nil
	}

	feed, ok := h.sessions[topic]
	if !ok {
		sub, err := h.bus.Subscribe(context.Background(), meta.CompanyID, sessionID)
		if err != nil {
			return err
		}
		feed = &sessionFeed{sub: sub, connections: make(map[*websocket.Conn]bool)}
		h.sessions[topic] = feed
		go h.monitorSession(topic, feed)
	}
	feed.connections[conn] = true
	meta.Subscriptions[sessionID] = true

	log.Debug().Str("company_id", meta.CompanyID).Str("session_id", sessionID).Msg("Subscribed to session")
	return nil
}

// unsubscribe removes a connection from a session
func (h *StatusHub) unsubscribe(conn *websocket.Conn, meta *ConnectionMetadata, sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.detachLocked(conn, meta.CompanyID, sessionID)
	delete(meta.Subscriptions, sessionID)
}

// detachLocked removes conn from a session feed and closes the feed when it is the last one
func (h *StatusHub) detachLocked(conn *websocket.Conn, companyID, sessionID string) {
	topic := statusbus.Topic(companyID, sessionID)
	feed, ok := h.sessions[topic]
	if !ok {
		return
	}
	delete(feed.connections, conn)
	if len(feed.connections) == 0 {
		delete(h.sessions, topic)
		feed.sub.Close()
	}
}

// monitorSession relays bus envelopes to the session's connections until the feed closes
func (h *StatusHub) monitorSession(topic string, feed *sessionFeed) {
	for env := range feed.sub.Events() {
		h.broadcast(feed, env)
	}

	h.mu.Lock()
	if h.sessions[topic] == feed {
		delete(h.sessions, topic)
	}
	h.mu.Unlock()
}

// broadcast sends an envelope to all connections of a feed
func (h *StatusHub) broadcast(feed *sessionFeed, env runtime.Envelope) {
	type target struct {
		conn *websocket.Conn
		meta *ConnectionMetadata
	}

	// Copy the connections so the lock is not held while sending
	h.mu.RLock()
	targets := make([]target, 0, len(feed.connections))
	for conn := range feed.connections {
		if meta, ok := h.connectionMeta[conn]; ok {
			targets = append(targets, target{conn, meta})
		}
	}
	h.mu.RUnlock()

	for _, t := range targets {
		h.sendMessage(t.conn, t.meta, env)
	}
}

func (h *StatusHub) sendError(conn *websocket.Conn, meta *ConnectionMetadata, sessionID, message string) {
	data, _ := json.Marshal(message)
	h.sendMessage(conn, meta, runtime.Envelope{
		Type:      stream.MessageError,
		SessionID: sessionID,
		Data:      data,
		Timestamp: time.Now(),
	})
}

// sendMessage sends a message to a WebSocket connection
func (h *StatusHub) sendMessage(conn *websocket.Conn, meta *ConnectionMetadata, env runtime.Envelope) {
	meta.writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	err := conn.WriteJSON(env)
	meta.writeMu.Unlock()

	if err != nil {
		log.Warn().Err(err).Msg("Failed to send WebSocket message")
		h.removeConnection(conn)
	}
}

// removeConnection removes a connection from all subscriptions and closes it
func (h *StatusHub) removeConnection(conn *websocket.Conn) {
	h.mu.Lock()
	if meta, exists := h.connectionMeta[conn]; exists {
		for sessionID := range meta.Subscriptions {
			h.detachLocked(conn, meta.CompanyID, sessionID)
		}
	}
	delete(h.connectionMeta, conn)
	h.mu.Unlock()

	conn.Close()
}

// pingRoutine sends periodic ping messages to keep connection alive
func (h *StatusHub) pingRoutine(conn *websocket.Conn, meta *ConnectionMetadata, done <-chan struct{}) {
	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			meta.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second))
			meta.writeMu.Unlock()
			if err != nil {
				log.Debug().Err(err).Msg("Failed to send ping")
				h.removeConnection(conn)
				return
			}
		}
	}
}

// Close disconnects every client
func (h *StatusHub) Close() {
	h.mu.Lock()
	h.closed = true
	conns := make([]*websocket.Conn, 0, len(h.connectionMeta))
	for conn := range h.connectionMeta {
		conns = append(conns, conn)
	}
	h.mu.Unlock()

	for _, conn := range conns {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		h.removeConnection(conn)
	}
}

// GetConnectedClients returns the number of connected clients
func (h *StatusHub) GetConnectedClients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connectionMeta)
}

// GetSessionSubscribers returns the number of connections subscribed to a company session
func (h *StatusHub) GetSessionSubscribers(companyID, sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if feed, ok := h.sessions[statusbus.Topic(companyID, sessionID)]; ok {
		return len(feed.connections)
	}
	return 0
}
