package posture

import "POSTURE_DETECTOR/go-backend/internal/models"

// SmoothingWindow is a rolling majority vote over the last K raw samples.
// Not safe for concurrent use; each session consumer owns one.
type SmoothingWindow struct {
	size    int
	samples []models.PostureSample
}

func NewSmoothingWindow(size int) *SmoothingWindow {
	if size < 1 {
		size = 1
	}
	return &SmoothingWindow{
		size:    size,
		samples: make([]models.PostureSample, 0, size),
	}
}

// Push appends s, evicts the oldest sample beyond K and returns the smoothed
// sample. Ties go to the label seen most recently. The confidence is the one
// of the newest sample carrying the winning label; the timestamp is s's.
func (w *SmoothingWindow) Push(s models.PostureSample) models.PostureSample {
	if len(w.samples) == w.size {
		copy(w.samples, w.samples[1:])
		w.samples = w.samples[:w.size-1]
	}
	w.samples = append(w.samples, s)

	counts := make(map[string]int, len(w.samples))
	for _, sample := range w.samples {
		counts[sample.Label]++
	}

	var (
		best      string
		bestCount int
		bestConf  float64
	)
	for i := len(w.samples) - 1; i >= 0; i-- {
		label := w.samples[i].Label
		if counts[label] > bestCount {
			best = label
			bestCount = counts[label]
			bestConf = w.samples[i].Confidence
		}
	}

	return models.PostureSample{
		Timestamp:  s.Timestamp,
		Label:      best,
		Confidence: bestConf,
	}
}

func (w *SmoothingWindow) Len() int {
	return len(w.samples)
}

func (w *SmoothingWindow) Size() int {
	return w.size
}

// Labels returns the raw labels currently in the window, oldest first.
func (w *SmoothingWindow) Labels() []string {
	out := make([]string, len(w.samples))
	for i, s := range w.samples {
		out[i] = s.Label
	}
	return out
}

func (w *SmoothingWindow) Reset() {
	w.samples = w.samples[:0]
}
