// Package classifier maps frames to posture labels. Every strategy sits
// behind Classifier; Guarded turns any failure into an unknown prediction.
package classifier

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync/atomic"

	"POSTURE_DETECTOR/go-backend/internal/models"

	"go.uber.org/zap"
)

type Classifier interface {
	Predict(ctx context.Context, frame models.Frame) (models.Prediction, error)
}

// Func adapts a function to Classifier.
type Func func(ctx context.Context, frame models.Frame) (models.Prediction, error)

func (f Func) Predict(ctx context.Context, frame models.Frame) (models.Prediction, error) {
	return f(ctx, frame)
}

// RemotePredictor is implemented by services.GRPCClient.
type RemotePredictor interface {
	Predict(ctx context.Context, jpeg []byte, region, model string) (models.Prediction, error)
}

// Remote asks the pose service, optionally for one body region or model.
type Remote struct {
	client RemotePredictor
	region string
	model  string
}

func NewRemote(client RemotePredictor, region, model string) *Remote {
	return &Remote{client: client, region: region, model: model}
}

func (r *Remote) Predict(ctx context.Context, frame models.Frame) (models.Prediction, error) {
	if len(frame.Data) == 0 {
		return models.Prediction{}, fmt.Errorf("frame %d has no data", frame.Seq)
	}
	return r.client.Predict(ctx, frame.Data, r.region, r.model)
}

// Guarded never fails: errors, panics, empty labels and NaN confidences
// become (unknown, 0). Confidence is clamped to [0,1].
type Guarded struct {
	inner   Classifier
	log     *zap.Logger
	onError func(error)
	errors  atomic.Int64
}

func NewGuarded(inner Classifier, log *zap.Logger, onError func(error)) *Guarded {
	if log == nil {
		log = zap.NewNop()
	}
	return &Guarded{inner: inner, log: log, onError: onError}
}

func (g *Guarded) Predict(ctx context.Context, frame models.Frame) (pred models.Prediction, _ error) {
	defer func() {
		if r := recover(); r != nil {
			g.fail(frame, &models.ClassificationError{Err: fmt.Errorf("panic: %v", r)})
			pred = models.UnknownPrediction()
		}
	}()

	p, err := g.inner.Predict(ctx, frame)
	if err != nil {
		g.fail(frame, &models.ClassificationError{Err: err})
		return models.UnknownPrediction(), nil
	}
	if p.Label == "" || math.IsNaN(p.Confidence) {
		g.fail(frame, &models.ClassificationError{Err: fmt.Errorf("invalid prediction %+v", p)})
		return models.UnknownPrediction(), nil
	}
	if p.IsUnknown() {
		return models.UnknownPrediction(), nil
	}
	p.Confidence = math.Max(0, math.Min(1, p.Confidence))
	return p, nil
}

// Errors is the number of failures absorbed so far.
func (g *Guarded) Errors() int64 {
	return g.errors.Load()
}

func (g *Guarded) fail(frame models.Frame, err error) {
	g.errors.Add(1)
	g.log.Warn("classification degraded to unknown", zap.Uint64("frame_seq", frame.Seq), zap.Error(err))
	if g.onError != nil {
		g.onError(err)
	}
}

type Options struct {
	Mode           string
	EnsembleModels []string
	Regions        []string
	CorrectLabel   string
	GoodLabels     []string
}

// New builds the configured strategy over the pose service. The result is
// not guarded.
func New(opts Options, client RemotePredictor) (Classifier, error) {
	switch opts.Mode {
	case "", "single":
		return NewRemote(client, "", ""), nil
	case "ensemble":
		members := make([]Member, 0, len(opts.EnsembleModels))
		for _, entry := range opts.EnsembleModels {
			name, weight, err := parseMember(entry)
			if err != nil {
				return nil, err
			}
			members = append(members, Member{Name: name, Weight: weight, Classifier: NewRemote(client, "", name)})
		}
		return NewEnsemble(members...)
	case "hierarchical":
		checks := make([]RegionCheck, 0, len(opts.Regions))
		for _, region := range opts.Regions {
			checks = append(checks, RegionCheck{Region: region, Classifier: NewRemote(client, region, "")})
		}
		return NewHierarchical(opts.CorrectLabel, opts.GoodLabels, checks...)
	default:
		return nil, fmt.Errorf("unknown classifier mode %q", opts.Mode)
	}
}

// parseMember reads "name" or "name:weight".
func parseMember(entry string) (string, float64, error) {
	name, w, found := strings.Cut(strings.TrimSpace(entry), ":")
	if name == "" {
		return "", 0, fmt.Errorf("empty ensemble member in %q", entry)
	}
	if !found {
		return name, 1, nil
	}
	weight, err := strconv.ParseFloat(w, 64)
	if err != nil || weight <= 0 {
		return "", 0, fmt.Errorf("invalid weight for ensemble member %q", entry)
	}
	return name, weight, nil
}
