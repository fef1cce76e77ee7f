package gateway

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Manager owns the WebSocket connections, pooled per session.
type Manager struct {
	sessionConns map[uuid.UUID]map[*Connection]bool
	mu           sync.RWMutex

	upgrader websocket.Upgrader
	config   ConnectionConfig

	broadcastCh chan BroadcastMessage

	// onMessage receives raw client frames. Set once before Start.
	onMessage func(*Connection, []byte)
}

// Connection is one WebSocket client attached to a session.
type Connection struct {
	ID        string
	ClientID  string
	SessionID uuid.UUID
	Conn      *websocket.Conn
	Send      chan []byte
	Manager   *Manager

	ConnectedAt time.Time
	LastPong    time.Time
}

// ConnectionConfig holds WebSocket tuning knobs.
type ConnectionConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	CheckOrigin     func(r *http.Request) bool
}

// BroadcastMessage is a pre-marshaled payload destined for one session's
// connections, optionally narrowed to a single client.
type BroadcastMessage struct {
	SessionID uuid.UUID
	Payload   []byte
	ClientID  string
}

// DefaultConnectionConfig returns the standard WebSocket settings.
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  4096,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			// Allow all origins in development - restrict in production
			return true
		},
	}
}

// NewManager creates a connection manager.
func NewManager(config ConnectionConfig) *Manager {
	return &Manager{
		sessionConns: make(map[uuid.UUID]map[*Connection]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config:      config,
		broadcastCh: make(chan BroadcastMessage, 1000),
	}
}

// Start processes broadcast messages until the context is cancelled.
func (m *Manager) Start(ctx context.Context) {
	log.Info().Msg("connection manager started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("connection manager shutting down")
			return
		case message := <-m.broadcastCh:
			m.handleBroadcast(message)
		}
	}
}

// Upgrade promotes an HTTP request to a WebSocket connection and starts
// its pumps.
func (m *Manager) Upgrade(w http.ResponseWriter, r *http.Request, clientID string, sessionID uuid.UUID) error {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("failed to upgrade WebSocket connection")
		return fmt.Errorf("failed to upgrade connection: %w", err)
	}

	connection := &Connection{
		ID:          uuid.New().String(),
		ClientID:    clientID,
		SessionID:   sessionID,
		Conn:        conn,
		Send:        make(chan []byte, 256),
		Manager:     m,
		ConnectedAt: time.Now(),
		LastPong:    time.Now(),
	}

	m.register(connection)

	go connection.writePump()
	go connection.readPump()

	log.Info().
		Str("connection_id", connection.ID).
		Str("client_id", clientID).
		Str("session_id", sessionID.String()).
		Msg("WebSocket connection established")

	return nil
}

func (m *Manager) register(conn *Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sessionConns[conn.SessionID] == nil {
		m.sessionConns[conn.SessionID] = make(map[*Connection]bool)
	}
	m.sessionConns[conn.SessionID][conn] = true

	log.Debug().
		Str("connection_id", conn.ID).
		Str("session_id", conn.SessionID.String()).
		Int("total_connections", len(m.sessionConns[conn.SessionID])).
		Msg("connection registered")
}

func (m *Manager) unregister(conn *Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if connections, exists := m.sessionConns[conn.SessionID]; exists {
		if _, exists := connections[conn]; exists {
			delete(connections, conn)
			close(conn.Send)

			if len(connections) == 0 {
				delete(m.sessionConns, conn.SessionID)
			}

			log.Info().
				Str("connection_id", conn.ID).
				Str("client_id", conn.ClientID).
				Str("session_id", conn.SessionID.String()).
				Msg("connection unregistered")
		}
	}
}

// Broadcast queues a payload for every connection in a session. Drops
// the message rather than blocking when the queue is full.
func (m *Manager) Broadcast(sessionID uuid.UUID, payload []byte) {
	select {
	case m.broadcastCh <- BroadcastMessage{SessionID: sessionID, Payload: payload}:
	default:
		log.Warn().Str("session_id", sessionID.String()).Msg("broadcast channel full, dropping message")
	}
}

// BroadcastToClient queues a payload for one client's connections only.
func (m *Manager) BroadcastToClient(sessionID uuid.UUID, clientID string, payload []byte) {
	select {
	case m.broadcastCh <- BroadcastMessage{SessionID: sessionID, Payload: payload, ClientID: clientID}:
	default:
		log.Warn().
			Str("session_id", sessionID.String()).
			Str("client_id", clientID).
			Msg("broadcast channel full, dropping client message")
	}
}

func (m *Manager) handleBroadcast(message BroadcastMessage) {
	m.mu.RLock()
	connections, exists := m.sessionConns[message.SessionID]
	if !exists {
		m.mu.RUnlock()
		return
	}

	// Snapshot the pool so the lock is not held while writing.
	var targets []*Connection
	for conn := range connections {
		if message.ClientID != "" && conn.ClientID != message.ClientID {
			continue
		}
		targets = append(targets, conn)
	}
	m.mu.RUnlock()

	for _, conn := range targets {
		select {
		case conn.Send <- message.Payload:
		default:
			// Connection is slow/dead, close it
			log.Warn().
				Str("connection_id", conn.ID).
				Str("client_id", conn.ClientID).
				Msg("connection send buffer full, closing connection")
			m.unregister(conn)
			conn.Conn.Close()
		}
	}
}

// Stats returns counts of active connections per session.
func (m *Manager) Stats() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	total := 0
	perSession := make(map[string]int)
	for sessionID, connections := range m.sessionConns {
		count := len(connections)
		total += count
		perSession[sessionID.String()] = count
	}

	return map[string]interface{}{
		"total_connections":   total,
		"active_sessions":     len(m.sessionConns),
		"session_connections": perSession,
	}
}

// writePump drains the send queue and keeps the connection alive with
// periodic pings.
func (c *Connection) writePump() {
	ticker := time.NewTicker(c.Manager.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
		c.Manager.unregister(c)
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("failed to write message to WebSocket")
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("failed to send ping")
				return
			}
		}
	}
}

// readPump consumes client frames and hands them to the command handler.
func (c *Connection) readPump() {
	defer func() {
		c.Manager.unregister(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(c.Manager.config.MaxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
		c.LastPong = time.Now()
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("unexpected WebSocket close error")
			}
			break
		}

		if c.Manager.onMessage != nil {
			c.Manager.onMessage(c, message)
		}
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	}
}
