package models

import "time"

type Session struct {
	ID        int64     `json:"id"`
	OwnerID   string    `json:"owner_id"`
	CreatedAt time.Time `json:"created_at"`
}

// PostureInterval is one contiguous span of a single smoothed label.
// End is nil while the interval is open.
type PostureInterval struct {
	ID                int64      `json:"id"`
	SessionID         int64      `json:"session_id"`
	Label             string     `json:"label"`
	Confidence        float64    `json:"confidence"`
	Start             time.Time  `json:"start"`
	End               *time.Time `json:"end,omitempty"`
	// RecommendationRef is the labels.label_id the recommendation is read
	// from; session_items stores it as label_id.
	RecommendationRef string     `json:"recommendation_ref,omitempty"`
}

func (p *PostureInterval) IsOpen() bool {
	return p.End == nil
}

// Duration is zero for an open interval.
func (p *PostureInterval) Duration() time.Duration {
	if p.End == nil {
		return 0
	}
	return p.End.Sub(p.Start)
}

type LabelMetadata struct {
	LabelID        string `json:"label_id"`
	Name           string `json:"name"`
	Description    string `json:"description,omitempty"`
	SeverityLevel  int    `json:"severity_level"`
	Recommendation string `json:"recommendation"`
}
