package posture

import (
	"strings"

	"POSTURE_DETECTOR/go-backend/internal/models"
)

// LabelPolicy decides whether a smoothed label is good posture.
type LabelPolicy struct {
	good map[string]struct{}
}

func NewLabelPolicy(goodLabels []string) LabelPolicy {
	p := LabelPolicy{good: make(map[string]struct{}, len(goodLabels))}
	for _, l := range goodLabels {
		p.good[strings.ToLower(strings.TrimSpace(l))] = struct{}{}
	}
	return p
}

// IsGood treats unknown as good so an empty frame never raises an alert.
func (p LabelPolicy) IsGood(label string) bool {
	label = strings.ToLower(label)
	if label == models.LabelUnknown || label == "" {
		return true
	}
	if _, ok := p.good[label]; ok {
		return true
	}
	return strings.Contains(label, "correct") ||
		label == "posture" ||
		strings.HasPrefix(label, "good_")
}

var alertTracks = map[string]int{
	"good_posture":         1,
	"bad_sitting_forward":  2,
	"bad_sitting_backward": 3,
	"leaning_left_side":    4,
	"leaning_right_side":   5,
	"neck_right":           6,
	"neck_wrong":           7,
	"leg_right":            8,
	"leg_wrong":            8,
}

const defaultAlertTrack = 2

// AlertTrackID maps a label to the audio track played by the downstream
// playback device.
func AlertTrackID(label string) int {
	if id, ok := alertTracks[label]; ok {
		return id
	}
	return defaultAlertTrack
}
