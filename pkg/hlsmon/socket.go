package hlsmon

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait     = 10 * time.Second
	sendQueueSize = 64
)

type inEnvelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type outEnvelope struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// SocketServer upgrades dashboard connections and dispatches their
// commands into the registry. One socket is one session key.
type SocketServer struct {
	registry *Registry
	logger   zerolog.Logger
	upgrader websocket.Upgrader
}

func NewSocketServer(registry *Registry, logger zerolog.Logger) *SocketServer {
	return &SocketServer{
		registry: registry,
		logger:   logger,
		upgrader: websocket.Upgrader{
			// The dashboard may be served from another origin
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// socketClient is one connected dashboard. Writes go through a buffered
// queue drained by a single writer goroutine; Emit never blocks the
// monitor, a full queue drops the event.
type socketClient struct {
	id     string
	conn   *websocket.Conn
	logger zerolog.Logger

	mu     sync.Mutex
	send   chan outEnvelope
	closed bool
}

// Emit implements Emitter.
func (c *socketClient) Emit(event string, data any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- outEnvelope{Event: event, Data: data}:
	default:
		c.logger.Warn().Str("event", event).Msg("Send queue full, dropping event")
	}
}

func (c *socketClient) close() {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
	c.mu.Unlock()
	c.conn.Close()
}

func (c *socketClient) writePump() {
	for env := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteJSON(env); err != nil {
			c.logger.Debug().Err(err).Msg("Write failed")
			return
		}
	}
}

// Handler upgrades the connection, greets the client and reads commands
// until disconnect. Disconnect tears the session down like a stop.
func (s *SocketServer) Handler(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Upgrade failed")
		return
	}
	id := uuid.NewString()
	client := &socketClient{
		id:     id,
		conn:   conn,
		logger: s.logger.With().Str("socket", id).Logger(),
		send:   make(chan outEnvelope, sendQueueSize),
	}
	go client.writePump()

	client.logger.Info().Msg("Client connected")
	client.Emit(EventConnectionStatus, map[string]any{
		"status":    "connected",
		"socketId":  id,
		"timestamp": time.Now().UTC(),
	})

	defer func() {
		s.registry.Disconnect(id)
		client.close()
		client.logger.Info().Msg("Client disconnected")
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var env inEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			client.Emit(EventError, ErrorEvent{Message: "malformed command: " + err.Error()})
			continue
		}
		s.dispatch(client, env)
	}
}

func (s *SocketServer) dispatch(c *socketClient, env inEnvelope) {
	switch env.Event {
	case CmdStartMonitor:
		var req StartRequest
		if err := json.Unmarshal(env.Data, &req); err != nil {
			c.Emit(EventError, ErrorEvent{Message: "malformed start-monitor: " + err.Error()})
			return
		}
		if req.PlayerURL == "" {
			c.Emit(EventError, ErrorEvent{Message: "Player URL is required"})
			return
		}
		if _, err := s.registry.Start(c.id, req, c); err != nil {
			c.Emit(EventError, ErrorEvent{Message: err.Error()})
			return
		}
		c.Emit(EventMonitorStarted, struct{}{})

	case CmdSelectProfile:
		var sel struct {
			ProfileURI string `json:"profileUri"`
		}
		if err := json.Unmarshal(env.Data, &sel); err != nil || sel.ProfileURI == "" {
			c.Emit(EventError, ErrorEvent{Message: "Profile URI is required"})
			return
		}
		if err := s.registry.SelectProfile(c.id, sel.ProfileURI); err != nil {
			c.Emit(EventError, ErrorEvent{Message: err.Error()})
		}

	case CmdSwitchProfile:
		var sw struct {
			ProfileURL string `json:"profileUrl"`
		}
		if err := json.Unmarshal(env.Data, &sw); err != nil || sw.ProfileURL == "" {
			c.Emit(EventError, ErrorEvent{Message: "Profile URL is required"})
			return
		}
		if err := s.registry.SwitchProfile(c.id, sw.ProfileURL); err != nil {
			c.Emit(EventError, ErrorEvent{Message: err.Error()})
		}

	case CmdStopMonitor:
		// The monitor emits monitor-stopped itself; acknowledge a stop
		// with nothing running so the client never hangs
		if !s.registry.Stop(c.id) {
			c.Emit(EventMonitorStopped, struct{}{})
		}

	default:
		c.Emit(EventError, ErrorEvent{Message: "unknown command: " + env.Event})
	}
}
