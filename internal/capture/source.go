// Package capture acquires JPEG frames from local or network cameras and
// owns the reconnect policy.
package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"POSTURE_DETECTOR/go-backend/internal/models"

	"go.uber.org/zap"
)

var (
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
	ErrNotCapturing       = errors.New("frame source is not capturing")
)

type State int32

const (
	StateIdle State = iota
	StateCapturing
	StateReconnecting
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCapturing:
		return "capturing"
	case StateReconnecting:
		return "reconnecting"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Descriptor names the camera. A non-empty URL selects a network source.
type Descriptor struct {
	CameraID int
	URL      string
}

func (d Descriptor) IsNetwork() bool {
	return d.URL != ""
}

func (d Descriptor) String() string {
	if d.IsNetwork() {
		return d.URL
	}
	return fmt.Sprintf("camera:%d", d.CameraID)
}

// Device is one opened camera. Read returns a JPEG-encoded frame.
type Device interface {
	Open(ctx context.Context) error
	Read(ctx context.Context) ([]byte, error)
	Close() error
}

type DeviceFactory func(Descriptor) Device

type Config struct {
	FrameInterval    time.Duration
	ReconnectBackoff time.Duration
	MaxAttempts      int
	// ReadTimeout bounds one network snapshot request.
	ReadTimeout time.Duration
	NewDevice   DeviceFactory
	Logger      *zap.Logger
	// OnReconnect is called once per reconnect attempt.
	OnReconnect func()
}

type Stats struct {
	State      State
	FramesRead uint64
	Reconnects int
	Source     string
}

// FrameSource moves Idle → Capturing ↔ Reconnecting → Stopped. Next is
// called from one goroutine; Stop and Stats may be called from any.
type FrameSource struct {
	cfg Config
	log *zap.Logger

	mu         sync.Mutex
	state      State
	desc       Descriptor
	dev        Device
	seq        uint64
	lastFrame  time.Time
	reconnects int
}

func NewFrameSource(cfg Config) *FrameSource {
	if cfg.NewDevice == nil {
		cfg.NewDevice = func(d Descriptor) Device { return DefaultDevice(d, cfg.ReadTimeout) }
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &FrameSource{cfg: cfg, log: log}
}

// DefaultDevice picks the HTTP snapshot device for network sources and the
// local webcam otherwise.
func DefaultDevice(d Descriptor, timeout time.Duration) Device {
	if d.IsNetwork() {
		return NewHTTPDevice(d.URL, timeout)
	}
	return NewLocalDevice(d.CameraID)
}

// Start opens the device. An open failure is a terminal AcquisitionError.
func (s *FrameSource) Start(ctx context.Context, d Descriptor) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateIdle {
		return fmt.Errorf("frame source already %s", s.state)
	}

	dev := s.cfg.NewDevice(d)
	if err := dev.Open(ctx); err != nil {
		dev.Close()
		return &models.AcquisitionError{Source: d.String(), Terminal: true, Err: err}
	}

	s.desc = d
	s.dev = dev
	s.state = StateCapturing
	s.log = s.log.With(zap.String("source", d.String()))
	s.log.Info("capture started")
	return nil
}

// Next waits out the frame interval and reads one frame. Network read
// failures are retried with a fixed backoff; local failures and exhausted
// retries stop the source and return a terminal AcquisitionError.
func (s *FrameSource) Next(ctx context.Context) (models.Frame, error) {
	s.mu.Lock()
	if s.state != StateCapturing {
		s.mu.Unlock()
		return models.Frame{}, ErrNotCapturing
	}
	last := s.lastFrame
	dev := s.dev
	s.mu.Unlock()

	if wait := s.cfg.FrameInterval - time.Since(last); wait > 0 && !last.IsZero() {
		if err := sleepCtx(ctx, wait); err != nil {
			return models.Frame{}, err
		}
	}

	data, err := dev.Read(ctx)
	if err == nil {
		return s.emit(data), nil
	}
	if ctx.Err() != nil {
		return models.Frame{}, ctx.Err()
	}

	if !s.desc.IsNetwork() {
		s.log.Error("local read failed", zap.Error(err))
		s.Stop()
		return models.Frame{}, &models.AcquisitionError{Source: s.desc.String(), Terminal: true, Err: err}
	}

	s.log.Warn("network read failed, reconnecting", zap.Error(err))
	data, err = s.reconnect(ctx)
	if err != nil {
		return models.Frame{}, err
	}
	return s.emit(data), nil
}

func (s *FrameSource) reconnect(ctx context.Context) ([]byte, error) {
	var lastErr error
	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		s.mu.Lock()
		if s.state == StateStopped {
			s.mu.Unlock()
			return nil, ErrNotCapturing
		}
		s.state = StateReconnecting
		s.reconnects++
		dev := s.dev
		s.mu.Unlock()

		if s.cfg.OnReconnect != nil {
			s.cfg.OnReconnect()
		}
		s.log.Info("reconnect attempt",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", s.cfg.MaxAttempts),
			zap.Duration("backoff", s.cfg.ReconnectBackoff))

		dev.Close()
		if err := sleepCtx(ctx, s.cfg.ReconnectBackoff); err != nil {
			return nil, err
		}

		if err := dev.Open(ctx); err != nil {
			lastErr = err
			continue
		}
		data, err := dev.Read(ctx)
		if err != nil {
			lastErr = err
			continue
		}

		s.mu.Lock()
		if s.state == StateReconnecting {
			s.state = StateCapturing
		}
		s.mu.Unlock()
		s.log.Info("reconnected", zap.Int("attempt", attempt))
		return data, nil
	}

	s.Stop()
	err := ErrReconnectExhausted
	if lastErr != nil {
		err = fmt.Errorf("%w after %d attempts: %v", ErrReconnectExhausted, s.cfg.MaxAttempts, lastErr)
	}
	s.log.Error("giving up on source", zap.Error(err))
	return nil, &models.AcquisitionError{Source: s.desc.String(), Terminal: true, Err: err}
}

func (s *FrameSource) emit(data []byte) models.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	now := time.Now()
	s.lastFrame = now
	return models.Frame{
		Seq:       s.seq,
		Timestamp: now,
		Data:      data,
		Source:    s.desc.String(),
	}
}

// Stop releases the device. Idempotent.
func (s *FrameSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateStopped {
		return nil
	}
	s.state = StateStopped
	if s.dev == nil {
		return nil
	}
	err := s.dev.Close()
	s.dev = nil
	s.log.Info("capture stopped", zap.Uint64("frames", s.seq), zap.Int("reconnects", s.reconnects))
	return err
}

func (s *FrameSource) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *FrameSource) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		State:      s.state,
		FramesRead: s.seq,
		Reconnects: s.reconnects,
		Source:     s.desc.String(),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
