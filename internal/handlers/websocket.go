package handlers

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"POSTURE_DETECTOR/go-backend/internal/bridge"
	"POSTURE_DETECTOR/go-backend/internal/models"
	"POSTURE_DETECTOR/go-backend/internal/services"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait   = 10 * time.Second
	pongWait    = 60 * time.Second
	pingPeriod  = (pongWait * 9) / 10
	stopTimeout = 10 * time.Second
)

// Sessions is the part of session.Registry the transport drives.
type Sessions interface {
	Attach(clientID, ownerID string, out *bridge.Outbound) (int64, bool)
	Detach(clientID string)
	Start(ctx context.Context, clientID string, cmd models.Command) (models.Session, error)
	Stop(ctx context.Context, clientID string) error
	ResetStats(clientID string) error
}

type WebSocketConfig struct {
	MaxMessageSize int64
	// SendBuffer bounds the lossy part of each client's outbound channel.
	SendBuffer int
	// AllowedOrigins is "*" or a comma separated list.
	AllowedOrigins string
	// MaxConnections caps open channels; zero means no cap.
	MaxConnections int
}

type WebSocketHandler struct {
	sessions Sessions
	auth     Authenticator
	metrics  *services.Metrics
	log      *zap.Logger
	cfg      WebSocketConfig
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[string]*wsClient
}

type wsClient struct {
	conn     *websocket.Conn
	clientID string
	ownerID  string
	out      *bridge.Outbound
}

func NewWebSocketHandler(sessions Sessions, auth Authenticator, metrics *services.Metrics, log *zap.Logger, cfg WebSocketConfig) *WebSocketHandler {
	if cfg.SendBuffer < 1 {
		cfg.SendBuffer = 256
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 1 << 20
	}
	if log == nil {
		log = zap.NewNop()
	}
	if metrics == nil {
		metrics = services.NewMetrics()
	}
	h := &WebSocketHandler{
		sessions: sessions,
		auth:     auth,
		metrics:  metrics,
		log:      log,
		cfg:      cfg,
		clients:  make(map[string]*wsClient),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(r *http.Request) bool { return originAllowed(cfg.AllowedOrigins, r.Header.Get("Origin")) },
	}
	return h
}

// ServeHTTP authenticates before the upgrade; a rejected identity gets a
// plain 401 and no channel.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	clientID := r.URL.Query().Get("client_id")
	if clientID == "" {
		clientID = uuid.NewString()
	}

	ownerID, err := h.auth.Authenticate(clientID, r.URL.Query().Get("token"))
	if err != nil {
		h.log.Warn("websocket auth rejected", zap.String("client_id", clientID), zap.Error(err))
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	client := &wsClient{
		clientID: clientID,
		ownerID:  ownerID,
		out:      bridge.NewChannel[models.WebSocketMessage](h.cfg.SendBuffer),
	}
	if status, ok := h.reserve(client); !ok {
		h.log.Warn("websocket connection refused", zap.String("client_id", clientID), zap.Int("status", status))
		http.Error(w, http.StatusText(status), status)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		h.metrics.IncrementWebSocketErrors()
		h.release(client)
		return
	}
	h.mu.Lock()
	client.conn = conn
	h.mu.Unlock()
	h.register(client)
	log := h.log.With(zap.String("client_id", clientID), zap.String("owner_id", ownerID))
	log.Info("websocket client connected")

	h.send(client, models.AuthSuccess{ClientID: clientID, OwnerID: ownerID})
	if sessionID, joined := h.sessions.Attach(clientID, ownerID, client.out); joined {
		h.send(client, models.StatusMessage{Running: true, SessionID: sessionID, Message: "joined running detection"})
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		h.writePump(client, log)
	}()

	h.readPump(r.Context(), client, log)

	h.sessions.Detach(clientID)
	client.out.Close()
	<-writerDone
	conn.Close()
	h.unregister(client)
	log.Info("websocket client disconnected")
}

// ActiveClients is the number of open channels.
func (h *WebSocketHandler) ActiveClients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// CloseAll closes every channel; their handlers then detach and clean up.
func (h *WebSocketHandler) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.clients {
		c.out.Close()
		if c.conn == nil {
			continue
		}
		c.conn.Close()
		h.log.Debug("closed websocket connection", zap.String("client_id", id))
	}
}

// reserve claims the client id before the upgrade. It fails with 409 when
// the id is connected and 503 when the handler is full.
func (h *WebSocketHandler) reserve(c *wsClient) (int, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, taken := h.clients[c.clientID]; taken {
		return http.StatusConflict, false
	}
	if h.cfg.MaxConnections > 0 && len(h.clients) >= h.cfg.MaxConnections {
		return http.StatusServiceUnavailable, false
	}
	h.clients[c.clientID] = c
	return 0, true
}

func (h *WebSocketHandler) release(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[c.clientID] == c {
		delete(h.clients, c.clientID)
	}
}

func (h *WebSocketHandler) register(c *wsClient) {
	h.mu.Lock()
	n := len(h.clients)
	h.mu.Unlock()
	h.metrics.IncrementWebSocketConnections()
	h.metrics.SetActiveClients(n)
}

func (h *WebSocketHandler) unregister(c *wsClient) {
	h.mu.Lock()
	if h.clients[c.clientID] == c {
		delete(h.clients, c.clientID)
	}
	n := len(h.clients)
	h.mu.Unlock()
	h.metrics.DecrementWebSocketConnections()
	h.metrics.SetActiveClients(n)
}

func (h *WebSocketHandler) readPump(ctx context.Context, c *wsClient, log *zap.Logger) {
	c.conn.SetReadLimit(h.cfg.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn("websocket read failed", zap.Error(err))
				h.metrics.IncrementWebSocketErrors()
			}
			return
		}
		h.metrics.IncrementWebSocketMessages()

		cmd, err := models.ParseCommand(raw)
		if err != nil {
			log.Debug("rejected command", zap.Error(err))
			h.send(c, models.ErrorMessage{Message: err.Error(), Code: "invalid_command"})
			continue
		}
		h.dispatch(ctx, c, cmd, log)
	}
}

func (h *WebSocketHandler) dispatch(ctx context.Context, c *wsClient, cmd models.Command, log *zap.Logger) {
	switch cmd.Action {
	case models.ActionStart:
		sess, err := h.sessions.Start(ctx, c.clientID, cmd)
		if err != nil {
			log.Warn("start detection failed", zap.Int("camera_id", cmd.CameraID), zap.String("camera_url", cmd.CameraURL), zap.Error(err))
			h.send(c, models.ErrorMessage{Message: err.Error(), Code: startErrorCode(err)})
			return
		}
		log.Info("detection started", zap.Int64("session_id", sess.ID))

	case models.ActionStop:
		stopCtx, cancel := context.WithTimeout(ctx, stopTimeout)
		defer cancel()
		if err := h.sessions.Stop(stopCtx, c.clientID); err != nil {
			h.send(c, models.ErrorMessage{Message: err.Error(), Code: sessionErrorCode(err)})
		}

	case models.ActionResetStats:
		if err := h.sessions.ResetStats(c.clientID); err != nil {
			h.send(c, models.ErrorMessage{Message: err.Error(), Code: sessionErrorCode(err)})
		}
	}
}

// writePump is the only writer of the connection. It drains the client's
// outbound channel and pings when the channel has been quiet.
func (h *WebSocketHandler) writePump(c *wsClient, log *zap.Logger) {
	lastPing := time.Now()
	ping := func() error {
		lastPing = time.Now()
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		return c.conn.WriteMessage(websocket.PingMessage, nil)
	}

	for {
		msg, err := c.out.Receive(context.Background(), pingPeriod)
		switch {
		case errors.Is(err, bridge.ErrTimeout):
			if err := ping(); err != nil {
				c.conn.Close()
				return
			}
			continue
		case errors.Is(err, bridge.ErrClosed):
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case err != nil:
			return
		}

		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteJSON(msg); err != nil {
			log.Debug("websocket write failed", zap.String("type", msg.Type), zap.Error(err))
			h.metrics.IncrementWebSocketErrors()
			// unblock readPump
			c.conn.Close()
			return
		}
		if time.Since(lastPing) >= pingPeriod {
			if err := ping(); err != nil {
				c.conn.Close()
				return
			}
		}
	}
}

func (h *WebSocketHandler) send(c *wsClient, msg models.Message) {
	envelope, err := models.NewWebSocketMessage(c.clientID, msg)
	if err != nil {
		h.log.Error("drop invalid message", zap.Error(err))
		return
	}
	if dropped, err := c.out.Send(bridge.LaneFor(msg.Kind()), envelope); err == nil && dropped {
		h.metrics.AddDropped(1)
	}
}

func startErrorCode(err error) string {
	switch {
	case errors.Is(err, models.ErrSessionRunning):
		return "already_running"
	case errors.Is(err, models.ErrAuth):
		return "unauthorized"
	}
	var acq *models.AcquisitionError
	if errors.As(err, &acq) {
		return "camera_unavailable"
	}
	var perr *models.PersistenceError
	if errors.As(err, &perr) {
		return "persistence_failed"
	}
	return "start_failed"
}

func sessionErrorCode(err error) string {
	if errors.Is(err, models.ErrNoSession) {
		return "no_session"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	return "session_error"
}
