package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"POSTURE_DETECTOR/go-backend/internal/models"

	"go.uber.org/zap"
)

const Version = "1.0.0"

type HealthChecker interface {
	HealthCheck() bool
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Counter interface {
	ActiveSessions() int
}

type WebSocketStats interface {
	GetWebSocketMetrics() map[string]interface{}
}

type HealthHandler struct {
	pose     HealthChecker
	db       Pinger
	sessions Counter
	clients  func() int
	ws       WebSocketStats
	started  time.Time
	log      *zap.Logger
}

// NewHealthHandler reports degraded when the pose service or the store is
// unreachable. pose may be nil when running without a classifier service.
func NewHealthHandler(pose HealthChecker, db Pinger, sessions Counter, clients func() int, log *zap.Logger) *HealthHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &HealthHandler{pose: pose, db: db, sessions: sessions, clients: clients, started: time.Now(), log: log}
}

// WithWebSocketStats adds the websocket counters to the health report.
func (h *HealthHandler) WithWebSocketStats(ws WebSocketStats) *HealthHandler {
	h.ws = ws
	return h
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]interface{}{
			"error": "Method not allowed",
		})
		return
	}

	status := models.HealthStatus{
		Status:    "healthy",
		UptimeSec: int64(time.Since(h.started).Seconds()),
		Version:   Version,
	}
	if h.pose != nil {
		status.PoseService = h.pose.HealthCheck()
	}
	if h.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		status.Database = h.db.Ping(ctx) == nil
		cancel()
	}
	if h.sessions != nil {
		status.ActiveSessions = h.sessions.ActiveSessions()
	}
	if h.clients != nil {
		status.ActiveClients = h.clients()
	}
	if h.ws != nil {
		status.WebSocket = h.ws.GetWebSocketMetrics()
	}
	if !status.PoseService || !status.Database {
		status.Status = "degraded"
	}

	h.log.Debug("health check", zap.String("status", status.Status))
	writeJSON(w, http.StatusOK, status)
}

// NewRouter mounts the websocket channel, health and metrics endpoints.
func NewRouter(ws, health, metrics http.Handler, allowedOrigins string) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/ws", ws)
	mux.Handle("/api/health", withCORS(allowedOrigins, health))
	mux.Handle("/api/metrics", withCORS(allowedOrigins, getOnly(metrics)))
	return mux
}

func getOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeJSON(w, http.StatusMethodNotAllowed, map[string]interface{}{
				"error": "Method not allowed",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func withCORS(allowed string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && originAllowed(allowed, origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// originAllowed treats an empty Origin as same-origin.
func originAllowed(allowed, origin string) bool {
	if origin == "" || allowed == "" || allowed == "*" {
		return true
	}
	for _, o := range strings.Split(allowed, ",") {
		if strings.TrimSpace(o) == origin {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
