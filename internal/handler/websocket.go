package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/flybeeper/track-recorder/internal/metrics"
	"github.com/flybeeper/track-recorder/internal/models"
	"github.com/flybeeper/track-recorder/pkg/utils"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 30 * time.Second
	wsSendBuffer = 32
)

// Типы сообщений WebSocket
const (
	MessageWelcome = "welcome"
	MessageStatus  = "status"
)

// Envelope сообщение WebSocket клиенту
type Envelope struct {
	Type     string               `json:"type"`
	Sequence uint64               `json:"sequence"`
	Time     time.Time            `json:"time"`
	Status   models.SessionStatus `json:"status"`
}

// SessionHub рассылает снимки сессии записи подключенным WebSocket клиентам
type SessionHub struct {
	upgrader websocket.Upgrader
	logger   *utils.Logger

	mu         sync.RWMutex
	clients    map[*Client]struct{}
	sequence   uint64
	statusFunc func() models.SessionStatus
}

// Client WebSocket соединение
type Client struct {
	conn *websocket.Conn
	send chan []byte
	hub  *SessionHub

	mu     sync.Mutex
	closed bool
}

// NewSessionHub создает hub
func NewSessionHub(logger *utils.Logger) *SessionHub {
	return &SessionHub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		logger:  logger,
		clients: make(map[*Client]struct{}),
	}
}

// SetStatusSource задает источник текущего состояния для приветственного сообщения
func (h *SessionHub) SetStatusSource(fn func() models.SessionStatus) {
	h.mu.Lock()
	h.statusFunc = fn
	h.mu.Unlock()
}

// HandleWebSocket обрабатывает WebSocket подключения
// GET /ws/v1/session
func (h *SessionHub) HandleWebSocket(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.WithField("error", err).Error("Failed to upgrade to WebSocket")
		return
	}

	client := &Client{
		conn: conn,
		send: make(chan []byte, wsSendBuffer),
		hub:  h,
	}

	h.mu.RLock()
	statusFunc := h.statusFunc
	h.mu.RUnlock()

	// Приветствие с текущим состоянием уходит первым
	var status models.SessionStatus
	if statusFunc != nil {
		status = statusFunc()
	}
	if data, err := h.encode(MessageWelcome, status); err == nil {
		client.enqueue(data)
	}

	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()

	metrics.WebSocketConnections.Inc()
	h.logger.WithField("client_ip", c.ClientIP()).Info("WebSocket client connected")

	go client.writePump()
	go client.readPump()
}

// Notify рассылает снимок всем клиентам. Клиент с переполненной очередью отключается.
func (h *SessionHub) Notify(ctx context.Context, status models.SessionStatus) error {
	data, err := h.encode(MessageStatus, status)
	if err != nil {
		return err
	}

	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		if !c.enqueue(data) {
			h.logger.Warn("WebSocket client too slow, disconnecting")
			h.unregister(c)
		}
	}
	return nil
}

// ClientCount количество подключенных клиентов
func (h *SessionHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close отключает всех клиентов
func (h *SessionHub) Close() {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		h.unregister(c)
	}
}

func (h *SessionHub) encode(kind string, status models.SessionStatus) ([]byte, error) {
	h.mu.Lock()
	h.sequence++
	seq := h.sequence
	h.mu.Unlock()

	return json.Marshal(Envelope{
		Type:     kind,
		Sequence: seq,
		Time:     time.Now().UTC(),
		Status:   status,
	})
}

// unregister удаляет клиента; writePump закрывает соединение после закрытия send
func (h *SessionHub) unregister(c *Client) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	c.mu.Unlock()

	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()

	metrics.WebSocketConnections.Dec()
	h.logger.Debug("WebSocket client disconnected")
}

// enqueue ставит сообщение в очередь клиента без блокировки.
// Для отключенного клиента возвращает true: отключать его повторно не нужно.
func (c *Client) enqueue(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return true
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// readPump читает входящие сообщения (только control frames) до разрыва соединения
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.WithField("error", err).Warn("WebSocket read error")
			}
			return
		}
	}
}

// writePump отправляет сообщения клиенту и держит соединение ping-ами
func (c *Client) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.logger.WithField("error", err).Debug("WebSocket write error")
				return
			}
			metrics.WebSocketMessagesOut.Inc()

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
