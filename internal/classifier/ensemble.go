package classifier

import (
	"context"
	"errors"
	"fmt"

	"POSTURE_DETECTOR/go-backend/internal/models"
)

type Member struct {
	Name       string
	Weight     float64
	Classifier Classifier
}

// Ensemble is a weighted vote: score[label] += weight * confidence. The
// winner's confidence is its score over the weight of the members that
// answered. Ties go to the label reached first in member order.
type Ensemble struct {
	members []Member
}

func NewEnsemble(members ...Member) (*Ensemble, error) {
	if len(members) == 0 {
		return nil, errors.New("ensemble needs at least one member")
	}
	for _, m := range members {
		if m.Weight <= 0 {
			return nil, fmt.Errorf("member %s has non-positive weight", m.Name)
		}
	}
	return &Ensemble{members: members}, nil
}

func (e *Ensemble) Predict(ctx context.Context, frame models.Frame) (models.Prediction, error) {
	scores := make(map[string]float64)
	var order []string
	var total float64
	var errs []error

	for _, m := range e.members {
		p, err := m.Classifier.Predict(ctx, frame)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", m.Name, err))
			continue
		}
		total += m.Weight
		if p.IsUnknown() || p.Label == "" {
			continue
		}
		if _, seen := scores[p.Label]; !seen {
			order = append(order, p.Label)
		}
		scores[p.Label] += m.Weight * p.Confidence
	}

	if total == 0 {
		return models.Prediction{}, fmt.Errorf("no ensemble member answered: %w", errors.Join(errs...))
	}
	if len(order) == 0 {
		return models.UnknownPrediction(), nil
	}

	best := order[0]
	for _, label := range order[1:] {
		if scores[label] > scores[best] {
			best = label
		}
	}
	return models.Prediction{Label: best, Confidence: scores[best] / total}, nil
}
