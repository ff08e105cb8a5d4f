package models

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"
)

const (
	KindStatus               = "status"
	KindError                = "error"
	KindDetectionResult      = "detection_result"
	KindPostureUpdate        = "posture_update"
	KindSessionItemCompleted = "session_item_completed"
	KindAuthSuccess          = "auth_success"
	KindStatistics           = "statistics"
)

// Message is one outbound payload variant. Every variant has a fixed shape.
type Message interface {
	Kind() string
	Validate() error
}

// WebSocketMessage is the wire envelope sent to client channels.
type WebSocketMessage struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data,omitempty"`
	ClientID  string      `json:"client_id,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// NewWebSocketMessage validates msg and wraps it in an envelope.
func NewWebSocketMessage(clientID string, msg Message) (WebSocketMessage, error) {
	if err := msg.Validate(); err != nil {
		return WebSocketMessage{}, fmt.Errorf("invalid %s message: %w", msg.Kind(), err)
	}
	return WebSocketMessage{
		Type:      msg.Kind(),
		Data:      msg,
		ClientID:  clientID,
		Timestamp: time.Now().UnixMilli(),
	}, nil
}

type StatusMessage struct {
	Running    bool   `json:"running"`
	SessionID  int64  `json:"session_id,omitempty"`
	Message    string `json:"message,omitempty"`
	StatsReset bool   `json:"stats_reset,omitempty"`
}

func (StatusMessage) Kind() string    { return KindStatus }
func (StatusMessage) Validate() error { return nil }

type ErrorMessage struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

func (ErrorMessage) Kind() string { return KindError }

func (m ErrorMessage) Validate() error {
	if m.Message == "" {
		return fmt.Errorf("message is required")
	}
	return nil
}

// DetectionResult is the full per-frame summary. Image is a base64 JPEG,
// attached according to the configured image policy.
type DetectionResult struct {
	SessionID      int64     `json:"session_id"`
	FrameSeq       uint64    `json:"frame_seq"`
	Label          string    `json:"label"`
	Name           string    `json:"name,omitempty"`
	Confidence     float64   `json:"confidence"`
	RawLabel       string    `json:"raw_label"`
	RawConfidence  float64   `json:"raw_confidence"`
	IsGood         bool      `json:"is_good"`
	NeedAlert      bool      `json:"need_alert"`
	AlertTrackID   int       `json:"alert_track_id,omitempty"`
	SeverityLevel  int       `json:"severity_level"`
	Recommendation string    `json:"recommendation,omitempty"`
	Image          string    `json:"image,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

func (DetectionResult) Kind() string { return KindDetectionResult }

func (m DetectionResult) Validate() error {
	if m.Label == "" {
		return fmt.Errorf("label is required")
	}
	if err := validConfidence(m.Confidence); err != nil {
		return err
	}
	return validConfidence(m.RawConfidence)
}

// PostureUpdate is the lightweight liveness message for the open interval.
type PostureUpdate struct {
	SessionID   int64     `json:"session_id"`
	IntervalID  int64     `json:"interval_id"`
	Label       string    `json:"label"`
	Confidence  float64   `json:"confidence"`
	Start       time.Time `json:"start"`
	DurationSec float64   `json:"duration"`
}

func (PostureUpdate) Kind() string { return KindPostureUpdate }

func (m PostureUpdate) Validate() error {
	if m.Label == "" {
		return fmt.Errorf("label is required")
	}
	if m.DurationSec < 0 {
		return fmt.Errorf("negative duration %f", m.DurationSec)
	}
	return validConfidence(m.Confidence)
}

type SessionItemCompleted struct {
	IntervalID     int64     `json:"interval_id"`
	SessionID      int64     `json:"session_id"`
	Label          string    `json:"label"`
	Name           string    `json:"name,omitempty"`
	Recommendation string    `json:"recommendation,omitempty"`
	Confidence     float64   `json:"confidence"`
	Start          time.Time `json:"start"`
	End            time.Time `json:"end"`
	DurationSec    float64   `json:"duration"`
}

func (SessionItemCompleted) Kind() string { return KindSessionItemCompleted }

func (m SessionItemCompleted) Validate() error {
	if m.Label == "" {
		return fmt.Errorf("label is required")
	}
	if m.End.Before(m.Start) {
		return fmt.Errorf("end %s before start %s", m.End.Format(time.RFC3339Nano), m.Start.Format(time.RFC3339Nano))
	}
	return nil
}

type AuthSuccess struct {
	ClientID string `json:"client_id"`
	OwnerID  string `json:"owner_id"`
}

func (AuthSuccess) Kind() string { return KindAuthSuccess }

func (m AuthSuccess) Validate() error {
	if m.ClientID == "" || m.OwnerID == "" {
		return fmt.Errorf("client_id and owner_id are required")
	}
	return nil
}

// Statistics summarises the recent smoothed history of a session.
type Statistics struct {
	SessionID    int64              `json:"session_id"`
	TotalTimeSec float64            `json:"total_time"`
	Samples      int                `json:"samples"`
	Counts       map[string]int     `json:"counts"`
	Percentages  map[string]float64 `json:"percentages"`
	Transitions  int                `json:"transitions"`
}

func (Statistics) Kind() string { return KindStatistics }

func (m Statistics) Validate() error {
	if m.TotalTimeSec < 0 || m.Samples < 0 || m.Transitions < 0 {
		return fmt.Errorf("statistics counters must not be negative")
	}
	return nil
}

func validConfidence(c float64) error {
	if math.IsNaN(c) || c < 0 || c > 1 {
		return fmt.Errorf("confidence %v outside [0,1]", c)
	}
	return nil
}

const (
	ActionStart      = "start"
	ActionStop       = "stop"
	ActionResetStats = "reset_stats"
)

// Command is an inbound client request.
type Command struct {
	Action    string `json:"action"`
	CameraID  int    `json:"camera_id"`
	CameraURL string `json:"camera_url,omitempty"`
}

// ParseCommand decodes and validates one inbound frame. Failures are
// *ProtocolError.
func ParseCommand(raw []byte) (Command, error) {
	var cmd Command
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return Command{}, &ProtocolError{Reason: "malformed command: " + err.Error()}
	}
	cmd.Action = strings.ToLower(strings.TrimSpace(cmd.Action))
	switch cmd.Action {
	case ActionStart:
		if cmd.CameraID < 0 {
			return Command{}, &ProtocolError{Reason: fmt.Sprintf("invalid camera_id %d", cmd.CameraID)}
		}
		cmd.CameraURL = strings.TrimRight(strings.TrimSpace(cmd.CameraURL), "/")
		if cmd.CameraURL != "" && !strings.HasPrefix(cmd.CameraURL, "http://") && !strings.HasPrefix(cmd.CameraURL, "https://") {
			return Command{}, &ProtocolError{Reason: "camera_url must be http(s)"}
		}
	case ActionStop, ActionResetStats:
	case "":
		return Command{}, &ProtocolError{Reason: "missing action"}
	default:
		return Command{}, &ProtocolError{Reason: fmt.Sprintf("unknown action %q", cmd.Action)}
	}
	return cmd, nil
}
