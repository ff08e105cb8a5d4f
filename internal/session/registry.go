package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"POSTURE_DETECTOR/go-backend/internal/bridge"
	"POSTURE_DETECTOR/go-backend/internal/capture"
	"POSTURE_DETECTOR/go-backend/internal/models"
	"POSTURE_DETECTOR/go-backend/internal/services"

	"go.uber.org/zap"
)

// SessionCreator is the session half of the persistence contract.
type SessionCreator interface {
	CreateSession(ctx context.Context, ownerID string) (*models.Session, error)
}

type client struct {
	id      string
	ownerID string
	out     *bridge.Outbound
}

type active struct {
	runner *Runner
	// false while the source is being opened
	ready bool
}

// Registry tracks connected client channels and the running session of
// each owner. Every channel of an owner is subscribed to that owner's
// session, including channels that attach after it started.
type Registry struct {
	cfg       Config
	deps      Deps
	sessions  SessionCreator
	hub       *bridge.Hub
	newSource func() Source
	base      context.Context
	log       *zap.Logger

	mu      sync.Mutex
	clients map[string]*client
	running map[string]*active
	wg      sync.WaitGroup
}

// NewRegistry builds a registry; sessions run under base and end when it
// is cancelled. deps.Hub is replaced by hub.
func NewRegistry(base context.Context, cfg Config, deps Deps, sessions SessionCreator, hub *bridge.Hub, newSource func() Source) *Registry {
	deps.Hub = hub
	if deps.Metrics == nil {
		deps.Metrics = services.NewMetrics()
	}
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		cfg:       cfg,
		deps:      deps,
		sessions:  sessions,
		hub:       hub,
		newSource: newSource,
		base:      base,
		log:       log,
		clients:   make(map[string]*client),
		running:   make(map[string]*active),
	}
}

// Attach registers a client channel. If the owner has a running session
// the channel joins it and its id is returned.
func (g *Registry) Attach(clientID, ownerID string, out *bridge.Outbound) (int64, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.clients[clientID] = &client{id: clientID, ownerID: ownerID, out: out}
	if a, ok := g.running[ownerID]; ok && a.ready {
		id := a.runner.Session().ID
		g.hub.Subscribe(id, clientID, out)
		return id, true
	}
	return 0, false
}

// Detach forgets a client channel. The owner's session is stopped once its
// last channel is gone.
func (g *Registry) Detach(clientID string) {
	g.mu.Lock()
	c, ok := g.clients[clientID]
	if !ok {
		g.mu.Unlock()
		return
	}
	delete(g.clients, clientID)
	g.hub.Unsubscribe(clientID)

	var orphan *Runner
	if a, running := g.running[c.ownerID]; running && a.ready && !g.ownerConnected(c.ownerID) {
		orphan = a.runner
	}
	g.mu.Unlock()

	if orphan != nil {
		g.log.Info("last channel of owner disconnected, stopping session",
			zap.String("owner_id", c.ownerID), zap.Int64("session_id", orphan.Session().ID))
		orphan.Stop()
	}
}

// Start opens the camera described by cmd and starts a session for the
// client's owner.
func (g *Registry) Start(ctx context.Context, clientID string, cmd models.Command) (models.Session, error) {
	g.mu.Lock()
	c, ok := g.clients[clientID]
	if !ok {
		g.mu.Unlock()
		return models.Session{}, fmt.Errorf("client %s: %w", clientID, models.ErrAuth)
	}
	if _, running := g.running[c.ownerID]; running {
		g.mu.Unlock()
		return models.Session{}, models.ErrSessionRunning
	}
	slot := &active{}
	g.running[c.ownerID] = slot
	g.mu.Unlock()

	release := func() {
		g.mu.Lock()
		if g.running[c.ownerID] == slot {
			delete(g.running, c.ownerID)
		}
		g.mu.Unlock()
	}

	desc := capture.Descriptor{CameraID: cmd.CameraID, URL: cmd.CameraURL}
	source := g.newSource()
	if err := source.Start(ctx, desc); err != nil {
		release()
		return models.Session{}, err
	}

	sess, err := g.sessions.CreateSession(ctx, c.ownerID)
	if err != nil {
		_ = source.Stop()
		release()
		return models.Session{}, err
	}

	runner := NewRunner(*sess, source, g.cfg, g.deps)

	g.mu.Lock()
	slot.runner = runner
	slot.ready = true
	for _, other := range g.clients {
		if other.ownerID == c.ownerID {
			g.hub.Subscribe(sess.ID, other.id, other.out)
		}
	}
	g.mu.Unlock()

	g.deps.Metrics.SessionStarted()
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		defer g.deps.Metrics.SessionEnded()
		defer release()
		defer g.hub.UnsubscribeSession(sess.ID)

		if err := runner.Run(g.base); err != nil && !errors.Is(err, context.Canceled) {
			g.log.Warn("session ended with error", zap.Int64("session_id", sess.ID), zap.Error(err))
		}
	}()

	g.log.Info("session starting",
		zap.Int64("session_id", sess.ID),
		zap.String("owner_id", c.ownerID),
		zap.String("source", desc.String()))
	return *sess, nil
}

// Stop ends the owner's session and waits until it has shut down or ctx
// is done.
func (g *Registry) Stop(ctx context.Context, clientID string) error {
	runner, err := g.runnerFor(clientID)
	if err != nil {
		return err
	}
	runner.Stop()
	select {
	case <-runner.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *Registry) ResetStats(clientID string) error {
	runner, err := g.runnerFor(clientID)
	if err != nil {
		return err
	}
	return runner.ResetStats()
}

// StopAll stops every session and waits for their cleanup.
func (g *Registry) StopAll(ctx context.Context) error {
	g.mu.Lock()
	var runners []*Runner
	for _, a := range g.running {
		if a.ready {
			runners = append(runners, a.runner)
		}
	}
	g.mu.Unlock()

	for _, r := range runners {
		r.Stop()
	}

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *Registry) ActiveSessions() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, a := range g.running {
		if a.ready {
			n++
		}
	}
	return n
}

func (g *Registry) ActiveClients() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.clients)
}

// CurrentSession returns the session the client's owner is running.
func (g *Registry) CurrentSession(clientID string) (models.Session, bool) {
	runner, err := g.runnerFor(clientID)
	if err != nil {
		return models.Session{}, false
	}
	return runner.Session(), true
}

func (g *Registry) runnerFor(clientID string) (*Runner, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	c, ok := g.clients[clientID]
	if !ok {
		return nil, models.ErrNoSession
	}
	a, ok := g.running[c.ownerID]
	if !ok || !a.ready {
		return nil, models.ErrNoSession
	}
	return a.runner, nil
}

// ownerConnected must be called with g.mu held.
func (g *Registry) ownerConnected(ownerID string) bool {
	for _, c := range g.clients {
		if c.ownerID == ownerID {
			return true
		}
	}
	return false
}
