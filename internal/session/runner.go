// Package session runs one detection session per owner: an acquisition
// worker feeding a single consumer that smooths, segments and alerts.
package session

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"POSTURE_DETECTOR/go-backend/internal/bridge"
	"POSTURE_DETECTOR/go-backend/internal/capture"
	"POSTURE_DETECTOR/go-backend/internal/classifier"
	"POSTURE_DETECTOR/go-backend/internal/models"
	"POSTURE_DETECTOR/go-backend/internal/posture"
	"POSTURE_DETECTOR/go-backend/internal/services"

	"go.uber.org/zap"
)

const (
	ImageOnLabelChange = "label_change"
	ImageOnAlert       = "alert"
	ImageOnInterval    = "interval"
	ImageNever         = "none"
)

const cleanupTimeout = 5 * time.Second

// Source is the acquisition side of a session. *capture.FrameSource
// implements it.
type Source interface {
	Start(ctx context.Context, d capture.Descriptor) error
	Next(ctx context.Context) (models.Frame, error)
	Stop() error
}

type Broadcaster interface {
	Broadcast(sessionID int64, msg models.Message) (delivered, dropped int, err error)
}

type LabelLookup interface {
	GetLabelMetadata(ctx context.Context, labelID string) (*models.LabelMetadata, error)
}

type Config struct {
	SmoothingWindow       int
	AlertThreshold        time.Duration
	AlertCooldown         time.Duration
	QueueSize             int
	PollTimeout           time.Duration
	PostureUpdateInterval time.Duration
	StatisticsInterval    time.Duration
	// DetectionMaxRate is the minimum gap between detection_result messages
	// outside boundary and alert events. Zero sends one per frame.
	DetectionMaxRate time.Duration
	ImagePolicy      string
	ImageInterval    time.Duration
	GoodLabels       []string
}

// Deps are shared by every session of a Registry. Metrics and Alerts are
// optional.
type Deps struct {
	Store      posture.IntervalStore
	Labels     LabelLookup
	Classifier classifier.Classifier
	Alerts     services.AlertDispatcher
	Hub        Broadcaster
	Metrics    *services.Metrics
	Logger     *zap.Logger
}

type eventKind int

const (
	evSample eventKind = iota
	evFailure
	evStop
	evResetStats
)

type event struct {
	kind    eventKind
	frame   models.Frame
	pred    models.Prediction
	latency time.Duration
	err     error
}

// Runner owns one session's pipeline. Run is called once.
type Runner struct {
	session models.Session
	cfg     Config
	deps    Deps
	log     *zap.Logger
	source  Source

	events *bridge.Channel[event]

	window    *posture.SmoothingWindow
	segmenter *posture.Segmenter
	gate      *posture.AlertGate
	policy    posture.LabelPolicy
	history   *posture.History

	labels        map[string]*models.LabelMetadata
	lastDetection time.Time
	lastImage     time.Time
	lastStats     time.Time

	stopOnce sync.Once
	done     chan struct{}
}

// NewRunner wires a session around an already started source.
func NewRunner(sess models.Session, source Source, cfg Config, deps Deps) *Runner {
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 5 * time.Second
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 32
	}
	if deps.Alerts == nil {
		deps.Alerts = services.NopAlertDispatcher{}
	}
	if deps.Metrics == nil {
		deps.Metrics = services.NewMetrics()
	}
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.Int64("session_id", sess.ID), zap.String("owner_id", sess.OwnerID))

	r := &Runner{
		session: sess,
		cfg:     cfg,
		deps:    deps,
		log:     log,
		source:  source,
		events:  bridge.NewChannel[event](cfg.QueueSize),
		window:  posture.NewSmoothingWindow(cfg.SmoothingWindow),
		gate:    posture.NewAlertGate(cfg.AlertThreshold, cfg.AlertCooldown),
		policy:  posture.NewLabelPolicy(cfg.GoodLabels),
		history: posture.NewHistory(posture.DefaultHistorySize),
		labels:  make(map[string]*models.LabelMetadata),
		done:    make(chan struct{}),
	}
	r.segmenter = posture.NewSegmenter(deps.Store, posture.SegmenterConfig{
		SessionID:          sess.ID,
		UpdateInterval:     cfg.PostureUpdateInterval,
		Logger:             log,
		OnPersistenceError: func(error) { deps.Metrics.IncrementPersistenceErrors() },
	})
	return r
}

func (r *Runner) Session() models.Session { return r.session }

// Done is closed once Run has returned and every resource is released.
func (r *Runner) Done() <-chan struct{} { return r.done }

// Stop asks the consumer to end the session. Safe to call repeatedly and
// from any goroutine.
func (r *Runner) Stop() {
	r.stopOnce.Do(func() {
		_, _ = r.events.Send(bridge.Reliable, event{kind: evStop})
	})
}

// ResetStats clears the statistics history and the alert state. It is
// applied by the consumer in order with the frame stream.
func (r *Runner) ResetStats() error {
	if _, err := r.events.Send(bridge.Reliable, event{kind: evResetStats}); err != nil {
		return models.ErrNoSession
	}
	return nil
}

// Run drives the session until Stop, ctx cancellation or a terminal
// acquisition error. Cleanup runs on every exit path, panics included: the
// open interval is closed and announced, the final status goes out, then
// the worker is joined and the device released.
func (r *Runner) Run(ctx context.Context) (err error) {
	workerCtx, stopWorker := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.acquire(workerCtx)
	}()

	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("session consumer panicked", zap.Any("panic", rec), zap.Stack("stack"))
			err = fmt.Errorf("session %d: panic: %v", r.session.ID, rec)
		}
		r.finish(ctx, err)

		stopWorker()
		wg.Wait()
		if stopErr := r.source.Stop(); stopErr != nil {
			r.log.Warn("release frame source", zap.Error(stopErr))
		}
		r.events.Close()
		close(r.done)
	}()

	r.broadcast(models.StatusMessage{Running: true, SessionID: r.session.ID, Message: "detection started"})
	r.log.Info("session started")
	return r.consume(ctx)
}

func (r *Runner) consume(ctx context.Context) error {
	for {
		ev, err := r.events.Receive(ctx, r.cfg.PollTimeout)
		if errors.Is(err, bridge.ErrTimeout) {
			r.log.Debug("no frames within poll timeout", zap.Duration("timeout", r.cfg.PollTimeout))
			continue
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return err
		}

		switch ev.kind {
		case evStop:
			return nil
		case evFailure:
			return ev.err
		case evResetStats:
			r.resetStats()
		case evSample:
			r.handleSample(ctx, ev)
		}
	}
}

// acquire is the blocking worker: device reads and inference, pushed to
// the lossy lane. A terminal failure goes on the reliable lane and ends it.
func (r *Runner) acquire(ctx context.Context) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("acquisition worker panicked", zap.Any("panic", rec))
			_, _ = r.events.Send(bridge.Reliable, event{kind: evFailure, err: fmt.Errorf("acquisition worker panic: %v", rec)})
		}
	}()

	for {
		frame, err := r.source.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			_, _ = r.events.Send(bridge.Reliable, event{kind: evFailure, err: err})
			return
		}

		started := time.Now()
		pred, err := r.deps.Classifier.Predict(ctx, frame)
		if err != nil {
			pred = models.UnknownPrediction()
		}

		dropped, err := r.events.Send(bridge.Lossy, event{kind: evSample, frame: frame, pred: pred, latency: time.Since(started)})
		if err != nil {
			return
		}
		if dropped {
			r.deps.Metrics.AddDropped(1)
		}
	}
}

func (r *Runner) handleSample(ctx context.Context, ev event) {
	m := r.deps.Metrics
	m.IncrementFrames()
	m.RecordLatency(ev.latency)
	if ev.pred.IsUnknown() {
		m.IncrementUnknown()
	}

	ts := ev.frame.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	raw := models.PostureSample{Timestamp: ts, Label: ev.pred.Label, Confidence: ev.pred.Confidence}
	smoothed := r.window.Push(raw)
	r.history.Add(smoothed)

	boundary := false
	for _, seg := range r.segmenter.Observe(ctx, smoothed) {
		if seg.Type == posture.EventOpened {
			boundary = true
		}
		r.publishSegment(ctx, seg)
	}

	good := r.policy.IsGood(smoothed.Label)
	fire := r.gate.Evaluate(good, ts)
	meta := r.labelMetadata(ctx, smoothed.Label)
	if fire {
		r.dispatchAlert(ctx, smoothed, meta)
	}

	r.publishDetection(ev, smoothed, meta, good, fire, boundary)
	r.publishStatistics(ts)
}

func (r *Runner) publishSegment(ctx context.Context, seg posture.SegmentEvent) {
	iv := seg.Interval
	switch seg.Type {
	case posture.EventOpened:
		r.deps.Metrics.IncrementIntervalsOpened()
		r.broadcast(models.PostureUpdate{
			SessionID:  r.session.ID,
			IntervalID: iv.ID,
			Label:      iv.Label,
			Confidence: iv.Confidence,
			Start:      iv.Start,
		})
	case posture.EventStillActive:
		r.broadcast(models.PostureUpdate{
			SessionID:   r.session.ID,
			IntervalID:  iv.ID,
			Label:       iv.Label,
			Confidence:  iv.Confidence,
			Start:       iv.Start,
			DurationSec: seg.Duration.Seconds(),
		})
	case posture.EventClosed:
		r.deps.Metrics.IncrementIntervalsClosed()
		meta := r.labelMetadata(ctx, iv.Label)
		r.broadcast(models.SessionItemCompleted{
			IntervalID:     iv.ID,
			SessionID:      r.session.ID,
			Label:          iv.Label,
			Name:           meta.Name,
			Recommendation: meta.Recommendation,
			Confidence:     iv.Confidence,
			Start:          iv.Start,
			End:            *iv.End,
			DurationSec:    seg.Duration.Seconds(),
		})
	}
}

func (r *Runner) publishDetection(ev event, smoothed models.PostureSample, meta *models.LabelMetadata, good, fire, boundary bool) {
	ts := smoothed.Timestamp
	due := r.lastDetection.IsZero() || ts.Sub(r.lastDetection) >= r.cfg.DetectionMaxRate
	if !due && !boundary && !fire {
		return
	}
	r.lastDetection = ts

	msg := models.DetectionResult{
		SessionID:      r.session.ID,
		FrameSeq:       ev.frame.Seq,
		Label:          smoothed.Label,
		Name:           meta.Name,
		Confidence:     smoothed.Confidence,
		RawLabel:       ev.pred.Label,
		RawConfidence:  ev.pred.Confidence,
		IsGood:         good,
		NeedAlert:      fire,
		SeverityLevel:  meta.SeverityLevel,
		Recommendation: meta.Recommendation,
		Timestamp:      ts,
	}
	if fire {
		msg.AlertTrackID = posture.AlertTrackID(smoothed.Label)
	}
	if r.attachImage(ts, fire, boundary) && len(ev.frame.Data) > 0 {
		msg.Image = base64.StdEncoding.EncodeToString(ev.frame.Data)
		r.lastImage = ts
	}
	r.broadcast(msg)
}

func (r *Runner) attachImage(ts time.Time, fire, boundary bool) bool {
	switch r.cfg.ImagePolicy {
	case ImageOnLabelChange:
		return boundary
	case ImageOnAlert:
		return fire
	case ImageOnInterval:
		return r.lastImage.IsZero() || ts.Sub(r.lastImage) >= r.cfg.ImageInterval
	default:
		return false
	}
}

func (r *Runner) publishStatistics(ts time.Time) {
	if r.cfg.StatisticsInterval <= 0 {
		return
	}
	if r.lastStats.IsZero() {
		r.lastStats = ts
		return
	}
	if ts.Sub(r.lastStats) < r.cfg.StatisticsInterval {
		return
	}
	r.lastStats = ts
	r.broadcast(r.history.Snapshot(r.session.ID))
}

func (r *Runner) dispatchAlert(ctx context.Context, s models.PostureSample, meta *models.LabelMetadata) {
	r.deps.Metrics.IncrementAlerts()
	alert := services.Alert{
		Action:         services.ActionPlayAudio,
		SessionID:      r.session.ID,
		OwnerID:        r.session.OwnerID,
		Label:          s.Label,
		Name:           meta.Name,
		Recommendation: meta.Recommendation,
		SeverityLevel:  meta.SeverityLevel,
		TrackID:        posture.AlertTrackID(s.Label),
		Confidence:     s.Confidence,
		FiredAt:        s.Timestamp,
	}
	r.log.Info("posture alert", zap.String("label", s.Label), zap.Int("track", alert.TrackID))
	if err := r.deps.Alerts.Dispatch(ctx, alert); err != nil {
		r.log.Warn("alert dispatch failed", zap.Error(err))
	}
}

// labelMetadata never fails: unknown labels get a metadata row named after
// the label itself.
func (r *Runner) labelMetadata(ctx context.Context, label string) *models.LabelMetadata {
	if m, ok := r.labels[label]; ok {
		return m
	}
	m := &models.LabelMetadata{LabelID: label}
	if r.deps.Labels != nil && label != models.LabelUnknown {
		found, err := r.deps.Labels.GetLabelMetadata(ctx, label)
		switch {
		case err == nil:
			m = found
		case errors.Is(err, models.ErrNotFound):
		default:
			// transient, retry on the next sample
			r.log.Warn("label lookup failed", zap.String("label", label), zap.Error(err))
			return m
		}
	}
	r.labels[label] = m
	return m
}

func (r *Runner) resetStats() {
	r.history.Reset()
	r.gate.Reset()
	r.lastStats = time.Time{}
	r.log.Info("statistics reset")
	r.broadcast(models.StatusMessage{Running: true, SessionID: r.session.ID, StatsReset: true, Message: "statistics reset"})
}

// finish closes the open interval and announces the end of the session.
// It runs with a context detached from cancellation so the final writes
// still reach the store.
func (r *Runner) finish(ctx context.Context, cause error) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	if seg, ok := r.segmenter.Close(cctx, time.Now()); ok {
		r.publishSegment(cctx, seg)
	}

	reason := "detection stopped"
	switch {
	case cause == nil, errors.Is(cause, context.Canceled):
	case errors.Is(cause, context.DeadlineExceeded):
		reason = "detection timed out"
	default:
		reason = "detection stopped: " + cause.Error()
		code := "session_failed"
		var acq *models.AcquisitionError
		if errors.As(cause, &acq) {
			code = "acquisition_failed"
		}
		r.broadcast(models.ErrorMessage{Message: cause.Error(), Code: code})
	}
	r.broadcast(models.StatusMessage{Running: false, SessionID: r.session.ID, Message: reason})

	r.log.Info("session finished",
		zap.Int("intervals_opened", r.segmenter.Opened()),
		zap.Int("intervals_closed", r.segmenter.Closed()),
		zap.Int("closes_unwritten", r.segmenter.Pending()),
		zap.NamedError("cause", cause))
}

func (r *Runner) broadcast(msg models.Message) {
	_, dropped, err := r.deps.Hub.Broadcast(r.session.ID, msg)
	if err != nil {
		r.log.Error("drop invalid message", zap.String("type", msg.Kind()), zap.Error(err))
		return
	}
	if dropped > 0 {
		r.deps.Metrics.AddDropped(dropped)
	}
}
