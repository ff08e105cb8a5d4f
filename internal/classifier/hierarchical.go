package classifier

import (
	"context"
	"errors"
	"fmt"
	"math"

	"POSTURE_DETECTOR/go-backend/internal/models"
	"POSTURE_DETECTOR/go-backend/internal/posture"
)

type RegionCheck struct {
	Region     string
	Classifier Classifier
}

// Hierarchical runs region checks in priority order and reports the first
// failing region's label. When every region passes it reports the
// composite label with the lowest region confidence.
type Hierarchical struct {
	checks       []RegionCheck
	correctLabel string
	policy       posture.LabelPolicy
}

func NewHierarchical(correctLabel string, goodLabels []string, checks ...RegionCheck) (*Hierarchical, error) {
	if len(checks) == 0 {
		return nil, errors.New("hierarchical classifier needs at least one region")
	}
	if correctLabel == "" {
		correctLabel = "correct_posture"
	}
	return &Hierarchical{
		checks:       checks,
		correctLabel: correctLabel,
		policy:       posture.NewLabelPolicy(goodLabels),
	}, nil
}

func (h *Hierarchical) Predict(ctx context.Context, frame models.Frame) (models.Prediction, error) {
	minConf := math.Inf(1)
	for _, c := range h.checks {
		p, err := c.Classifier.Predict(ctx, frame)
		if err != nil {
			return models.Prediction{}, fmt.Errorf("region %s: %w", c.Region, err)
		}
		if p.IsUnknown() || p.Label == "" {
			return models.UnknownPrediction(), nil
		}
		if !h.policy.IsGood(p.Label) {
			return p, nil
		}
		minConf = math.Min(minConf, p.Confidence)
	}
	return models.Prediction{Label: h.correctLabel, Confidence: minConf}, nil
}
