package server

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"

	"github.com/teslashibe/go-wayfind/internal/protocol"
	"github.com/teslashibe/go-wayfind/internal/session"
)

// WSHub streams session events to WebSocket clients
type WSHub struct {
	manager *session.Manager
	logger  *slog.Logger

	mu      sync.RWMutex
	clients map[*websocket.Conn]*wsClient
}

// wsClient serializes writes to one connection
type wsClient struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *wsClient) send(msg *protocol.Message) error {
	data, err := msg.Bytes()
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// NewWSHub creates a new WebSocket hub
func NewWSHub(manager *session.Manager, logger *slog.Logger) *WSHub {
	if logger == nil {
		logger = slog.Default()
	}

	return &WSHub{
		manager: manager,
		logger:  logger,
		clients: make(map[*websocket.Conn]*wsClient),
	}
}

// UpgradeHandler returns the WebSocket upgrade handler for /sessions/:id/events
func (h *WSHub) UpgradeHandler() fiber.Handler {
	handler := websocket.New(h.handleConnection)

	return func(c *fiber.Ctx) error {
		if !websocket.IsWebSocketUpgrade(c) {
			return c.Status(fiber.StatusUpgradeRequired).JSON(fiber.Map{
				"error":   "WebSocket upgrade required",
				"message": "Connect via WebSocket to receive session events",
			})
		}

		if _, err := h.manager.Get(c.Params("id")); err != nil {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": err.Error(),
			})
		}

		return handler(c)
	}
}

func (h *WSHub) handleConnection(c *websocket.Conn) {
	id := c.Params("id")

	s, err := h.manager.Get(id)
	if err != nil {
		// Removed between the upgrade check and now
		return
	}

	client := &wsClient{conn: c}

	h.mu.Lock()
	h.clients[c] = client
	clientCount := len(h.clients)
	h.mu.Unlock()

	h.logger.Info("websocket client connected",
		"session", id,
		"remote_addr", c.RemoteAddr().String(),
		"clients", clientCount,
	)

	events := s.Subscribe()

	defer func() {
		s.Unsubscribe(events)

		h.mu.Lock()
		delete(h.clients, c)
		clientCount := len(h.clients)
		h.mu.Unlock()

		h.logger.Info("websocket client disconnected",
			"session", id,
			"remote_addr", c.RemoteAddr().String(),
			"clients", clientCount,
		)
	}()

	if msg, err := protocol.NewMessage(protocol.TypeSession, s.Info()); err == nil {
		msg.Session = id
		if err := client.send(msg); err != nil {
			return
		}
	}

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		h.readLoop(client, s)
	}()

	for {
		select {
		case <-readDone:
			return
		case ev, ok := <-events:
			if !ok {
				h.sendEnd(client, s)
				return
			}

			msg, err := protocol.NewEventMessage(id, ev)
			if err != nil {
				h.logger.Warn("websocket marshal error", "error", err)
				continue
			}
			if err := client.send(msg); err != nil {
				h.logger.Debug("websocket write error", "error", err)
				return
			}
		}
	}
}

func (h *WSHub) sendEnd(client *wsClient, s *session.Session) {
	msg, err := protocol.NewMessage(protocol.TypeEnd, protocol.EndData{State: s.State()})
	if err != nil {
		return
	}
	msg.Session = s.ID()
	client.send(msg)

	client.writeMu.Lock()
	client.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session ended"),
		time.Now().Add(time.Second))
	client.writeMu.Unlock()
}

// readLoop handles client messages until the connection closes
func (h *WSHub) readLoop(client *wsClient, s *session.Session) {
	for {
		_, data, err := client.conn.ReadMessage()
		if err != nil {
			return
		}

		msg, err := protocol.ParseMessage(data)
		if err != nil {
			continue
		}

		switch msg.Type {
		case protocol.TypePing:
			pong, _ := protocol.NewMessage(protocol.TypePong, nil)
			client.send(pong)

		case protocol.TypeFix:
			fd, err := msg.GetFix()
			if err != nil {
				h.replyError(client, s.ID(), err)
				continue
			}
			// Events reach this client through its subscription
			if _, err := s.HandleFix(fd.Fix()); err != nil {
				h.replyError(client, s.ID(), err)
			}
		}
	}
}

func (h *WSHub) replyError(client *wsClient, id string, err error) {
	if msg, mErr := protocol.NewErrorMessage(id, err); mErr == nil {
		client.send(msg)
	}
}

// ClientCount returns the number of connected WebSocket clients
func (h *WSHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close closes all client connections
func (h *WSHub) Close() {
	h.mu.Lock()
	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]*wsClient)
	h.mu.Unlock()
}
