package posture

import "POSTURE_DETECTOR/go-backend/internal/models"

const DefaultHistorySize = 100

// History keeps the most recent smoothed samples for the statistics message.
type History struct {
	max     int
	entries []models.PostureSample
}

func NewHistory(max int) *History {
	if max < 1 {
		max = DefaultHistorySize
	}
	return &History{max: max}
}

func (h *History) Add(s models.PostureSample) {
	h.entries = append(h.entries, s)
	if len(h.entries) > h.max {
		h.entries = h.entries[len(h.entries)-h.max:]
	}
}

func (h *History) Len() int { return len(h.entries) }

func (h *History) Reset() { h.entries = nil }

// Snapshot computes monitored time, per-label counts and percentages, and the
// number of label transitions over the retained samples.
func (h *History) Snapshot(sessionID int64) models.Statistics {
	stats := models.Statistics{
		SessionID:   sessionID,
		Samples:     len(h.entries),
		Counts:      make(map[string]int),
		Percentages: make(map[string]float64),
	}
	if len(h.entries) == 0 {
		return stats
	}

	total := h.entries[len(h.entries)-1].Timestamp.Sub(h.entries[0].Timestamp)
	if total > 0 {
		stats.TotalTimeSec = total.Seconds()
	}

	for i, e := range h.entries {
		stats.Counts[e.Label]++
		if i > 0 && e.Label != h.entries[i-1].Label {
			stats.Transitions++
		}
	}
	for label, n := range stats.Counts {
		stats.Percentages[label] = float64(n) / float64(len(h.entries)) * 100
	}
	return stats
}
