package bridge

import (
	"fmt"
	"sync"
	"time"

	"POSTURE_DETECTOR/go-backend/internal/models"
)

// Outbound is a client's outbound message channel.
type Outbound = Channel[models.WebSocketMessage]

type Subscription struct {
	ClientID  string
	SessionID int64
}

// LaneFor maps a message kind to its delivery lane. High-rate frame data is
// lossy; completions, alerts, status and errors are reliable.
func LaneFor(kind string) Lane {
	switch kind {
	case models.KindDetectionResult, models.KindPostureUpdate, models.KindStatistics:
		return Lossy
	default:
		return Reliable
	}
}

type subscriber struct {
	sub Subscription
	out *Outbound
}

// Hub routes session messages to every client channel subscribed to the
// session. A client is subscribed to at most one session.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*subscriber
}

func NewHub() *Hub {
	return &Hub{clients: make(map[string]*subscriber)}
}

// Subscribe replaces any previous subscription of clientID.
func (h *Hub) Subscribe(sessionID int64, clientID string, out *Outbound) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[clientID] = &subscriber{
		sub: Subscription{ClientID: clientID, SessionID: sessionID},
		out: out,
	}
}

func (h *Hub) Unsubscribe(clientID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, clientID)
}

// UnsubscribeSession removes every subscription to sessionID and returns
// the affected client ids.
func (h *Hub) UnsubscribeSession(sessionID int64) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var ids []string
	for id, s := range h.clients {
		if s.sub.SessionID == sessionID {
			ids = append(ids, id)
			delete(h.clients, id)
		}
	}
	return ids
}

func (h *Hub) Subscriptions(sessionID int64) []Subscription {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var subs []Subscription
	for _, s := range h.clients {
		if s.sub.SessionID == sessionID {
			subs = append(subs, s.sub)
		}
	}
	return subs
}

// Broadcast validates msg once and enqueues it for every subscriber of
// sessionID. It returns the number of channels the message reached and the
// number of older lossy items dropped on the way.
func (h *Hub) Broadcast(sessionID int64, msg models.Message) (delivered, dropped int, err error) {
	if err := msg.Validate(); err != nil {
		return 0, 0, fmt.Errorf("broadcast %s: %w", msg.Kind(), err)
	}
	lane := LaneFor(msg.Kind())
	ts := time.Now().UnixMilli()

	h.mu.RLock()
	defer h.mu.RUnlock()
	for id, s := range h.clients {
		if s.sub.SessionID != sessionID {
			continue
		}
		d, sendErr := s.out.Send(lane, models.WebSocketMessage{
			Type:      msg.Kind(),
			Data:      msg,
			ClientID:  id,
			Timestamp: ts,
		})
		if sendErr != nil {
			continue
		}
		delivered++
		if d {
			dropped++
		}
	}
	return delivered, dropped, nil
}
