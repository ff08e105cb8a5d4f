package models

import "time"

// LabelUnknown is reported whenever the classifier cannot produce a label.
const LabelUnknown = "unknown"

type Frame struct {
	Seq       uint64    `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	Data      []byte    `json:"-"`
	Source    string    `json:"source"`
}

type Prediction struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
}

func UnknownPrediction() Prediction {
	return Prediction{Label: LabelUnknown, Confidence: 0}
}

func (p Prediction) IsUnknown() bool {
	return p.Label == LabelUnknown
}

// PostureSample is raw or smoothed classifier output; never persisted.
type PostureSample struct {
	Timestamp  time.Time `json:"timestamp"`
	Label      string    `json:"label"`
	Confidence float64   `json:"confidence"`
}

type HealthStatus struct {
	Status         string `json:"status"`
	PoseService    bool   `json:"pose_service"`
	Database       bool   `json:"database"`
	ActiveClients  int    `json:"active_clients"`
	ActiveSessions int    `json:"active_sessions"`
	UptimeSec      int64  `json:"uptime_sec"`
	Version        string `json:"version,omitempty"`

	WebSocket map[string]interface{} `json:"websocket,omitempty"`
}
