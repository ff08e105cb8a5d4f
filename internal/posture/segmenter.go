package posture

import (
	"context"
	"time"

	"POSTURE_DETECTOR/go-backend/internal/models"

	"go.uber.org/zap"
)

// IntervalStore is the write side of the persistence contract.
type IntervalStore interface {
	CreateInterval(ctx context.Context, sessionID int64, label string, confidence float64, start time.Time) (int64, error)
	CloseInterval(ctx context.Context, id int64, end time.Time) error
}

type EventType int

const (
	EventOpened EventType = iota
	EventClosed
	EventStillActive
)

func (t EventType) String() string {
	switch t {
	case EventOpened:
		return "opened"
	case EventClosed:
		return "closed"
	case EventStillActive:
		return "still_active"
	default:
		return "unknown"
	}
}

// SegmentEvent is produced by Observe and Close. Duration is set for closed
// and still-active events.
type SegmentEvent struct {
	Type     EventType
	Interval models.PostureInterval
	Duration time.Duration
}

type SegmenterConfig struct {
	SessionID int64
	// UpdateInterval bounds still-active events; zero disables them.
	UpdateInterval time.Duration
	Logger         *zap.Logger
	// OnPersistenceError is called for every failed store write.
	OnPersistenceError func(error)
}

// Segmenter turns the smoothed label stream of one session into
// non-overlapping intervals. At most one interval is open at a time.
type Segmenter struct {
	cfg   SegmenterConfig
	store IntervalStore
	log   *zap.Logger

	open       *models.PostureInterval
	lastUpdate time.Time
	// closes that failed in the store; retried before the next create and
	// on Close so no row stays open
	pending []pendingClose

	opened int
	closed int
}

type pendingClose struct {
	id  int64
	end time.Time
}

func NewSegmenter(store IntervalStore, cfg SegmenterConfig) *Segmenter {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Segmenter{
		cfg:   cfg,
		store: store,
		log:   log.With(zap.Int64("session_id", cfg.SessionID)),
	}
}

// Observe applies one smoothed sample. Store writes are awaited before it
// returns.
func (s *Segmenter) Observe(ctx context.Context, sample models.PostureSample) []SegmentEvent {
	now := sample.Timestamp

	if s.open == nil {
		return []SegmentEvent{s.openInterval(ctx, sample, now)}
	}

	if s.open.Label == sample.Label {
		if s.cfg.UpdateInterval <= 0 || now.Sub(s.lastUpdate) < s.cfg.UpdateInterval {
			return nil
		}
		s.lastUpdate = now
		return []SegmentEvent{{
			Type:     EventStillActive,
			Interval: *s.open,
			Duration: clampDuration(now.Sub(s.open.Start)),
		}}
	}

	closed := s.closeInterval(ctx, now)
	end := *closed.Interval.End
	return []SegmentEvent{closed, s.openInterval(ctx, sample, end)}
}

// Close ends the open interval at now and retries any close the store
// rejected earlier. Safe to call repeatedly; only the first call after an
// open produces an event.
func (s *Segmenter) Close(ctx context.Context, now time.Time) (SegmentEvent, bool) {
	if s.open == nil {
		s.retryPending(ctx)
		return SegmentEvent{}, false
	}
	ev := s.closeInterval(ctx, now)
	s.retryPending(ctx)
	return ev, true
}

// Pending is the number of store closes still waiting for a retry.
func (s *Segmenter) Pending() int { return len(s.pending) }

// Current returns a copy of the open interval.
func (s *Segmenter) Current() (models.PostureInterval, bool) {
	if s.open == nil {
		return models.PostureInterval{}, false
	}
	return *s.open, true
}

func (s *Segmenter) Opened() int { return s.opened }
func (s *Segmenter) Closed() int { return s.closed }

func (s *Segmenter) openInterval(ctx context.Context, sample models.PostureSample, start time.Time) SegmentEvent {
	iv := &models.PostureInterval{
		SessionID:         s.cfg.SessionID,
		Label:             sample.Label,
		Confidence:        sample.Confidence,
		Start:             start,
		RecommendationRef: sample.Label,
	}

	s.retryPending(ctx)
	id, err := s.store.CreateInterval(ctx, s.cfg.SessionID, sample.Label, sample.Confidence, start)
	if err != nil {
		s.persistenceFailed(&models.PersistenceError{Op: "create_interval", Err: err}, zap.String("label", sample.Label))
	} else {
		iv.ID = id
	}

	s.open = iv
	s.lastUpdate = start
	s.opened++
	s.log.Debug("interval opened", zap.Int64("interval_id", iv.ID), zap.String("label", iv.Label))

	return SegmentEvent{Type: EventOpened, Interval: *iv}
}

func (s *Segmenter) closeInterval(ctx context.Context, now time.Time) SegmentEvent {
	iv := s.open
	end := now
	if end.Before(iv.Start) {
		end = iv.Start
	}
	iv.End = &end

	// a failed create leaves nothing to close in the store
	if iv.ID != 0 {
		if err := s.store.CloseInterval(ctx, iv.ID, end); err != nil {
			s.persistenceFailed(&models.PersistenceError{Op: "close_interval", Err: err}, zap.Int64("interval_id", iv.ID))
			s.pending = append(s.pending, pendingClose{id: iv.ID, end: end})
		}
	}

	s.open = nil
	s.closed++
	duration := end.Sub(iv.Start)
	s.log.Debug("interval closed",
		zap.Int64("interval_id", iv.ID),
		zap.String("label", iv.Label),
		zap.Duration("duration", duration))

	return SegmentEvent{Type: EventClosed, Interval: *iv, Duration: duration}
}

// retryPending writes the closes the store rejected before. A retry that
// fails again stays queued and is only logged; the failure was already
// reported once.
func (s *Segmenter) retryPending(ctx context.Context) {
	if len(s.pending) == 0 {
		return
	}
	kept := s.pending[:0]
	for _, p := range s.pending {
		if err := s.store.CloseInterval(ctx, p.id, p.end); err != nil {
			s.log.Warn("interval close retry failed", zap.Int64("interval_id", p.id), zap.Error(err))
			kept = append(kept, p)
			continue
		}
		s.log.Info("interval close retried", zap.Int64("interval_id", p.id))
	}
	s.pending = kept
}

func (s *Segmenter) persistenceFailed(err error, fields ...zap.Field) {
	s.log.Error("interval write failed", append(fields, zap.Error(err))...)
	if s.cfg.OnPersistenceError != nil {
		s.cfg.OnPersistenceError(err)
	}
}

func clampDuration(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}
