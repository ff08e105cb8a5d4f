package models

import (
	"encoding/json"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    Command
		wantErr bool
	}{
		{"start local", `{"action":"start","camera_id":1}`, Command{Action: ActionStart, CameraID: 1}, false},
		{"start network", `{"action":"START","camera_url":"http://10.0.0.7/"}`, Command{Action: ActionStart, CameraURL: "http://10.0.0.7"}, false},
		{"stop", `{"action":"stop"}`, Command{Action: ActionStop}, false},
		{"reset", `{"action":"reset_stats"}`, Command{Action: ActionResetStats}, false},
		{"not json", `start`, Command{}, true},
		{"missing action", `{"camera_id":0}`, Command{}, true},
		{"unknown action", `{"action":"dance"}`, Command{}, true},
		{"negative camera", `{"action":"start","camera_id":-1}`, Command{}, true},
		{"bad url scheme", `{"action":"start","camera_url":"rtsp://cam"}`, Command{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseCommand([]byte(tt.raw))
			if tt.wantErr {
				var perr *ProtocolError
				require.True(t, errors.As(err, &perr), "expected ProtocolError, got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewWebSocketMessage_Envelope(t *testing.T) {
	msg, err := NewWebSocketMessage("client-1", StatusMessage{Running: true, SessionID: 7})
	require.NoError(t, err)
	assert.Equal(t, KindStatus, msg.Type)
	assert.Equal(t, "client-1", msg.ClientID)
	assert.NotZero(t, msg.Timestamp)

	raw, err := json.Marshal(msg)
	require.NoError(t, err)

	var decoded struct {
		Type string `json:"type"`
		Data struct {
			Running   bool  `json:"running"`
			SessionID int64 `json:"session_id"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "status", decoded.Type)
	assert.True(t, decoded.Data.Running)
	assert.Equal(t, int64(7), decoded.Data.SessionID)
}

func TestNewWebSocketMessage_RejectsInvalidPayload(t *testing.T) {
	now := time.Now()

	invalid := []Message{
		ErrorMessage{},
		DetectionResult{Label: "good_posture", Confidence: 1.5},
		DetectionResult{Label: "good_posture", Confidence: math.NaN()},
		DetectionResult{Confidence: 0.4},
		PostureUpdate{Label: "leg_wrong", DurationSec: -1},
		SessionItemCompleted{Label: "neck_wrong", Start: now, End: now.Add(-time.Second)},
		AuthSuccess{ClientID: "c"},
		Statistics{Transitions: -1},
	}
	for _, m := range invalid {
		_, err := NewWebSocketMessage("c", m)
		assert.Error(t, err, "%s should be rejected", m.Kind())
	}
}

func TestMessageKinds(t *testing.T) {
	assert.Equal(t, "detection_result", DetectionResult{}.Kind())
	assert.Equal(t, "posture_update", PostureUpdate{}.Kind())
	assert.Equal(t, "session_item_completed", SessionItemCompleted{}.Kind())
	assert.Equal(t, "auth_success", AuthSuccess{}.Kind())
	assert.Equal(t, "statistics", Statistics{}.Kind())
	assert.Equal(t, "error", ErrorMessage{}.Kind())
}

func TestAcquisitionError(t *testing.T) {
	cause := errors.New("read timeout")
	err := error(&AcquisitionError{Source: "http://cam", Terminal: true, Err: cause})

	assert.True(t, IsTerminalAcquisition(err))
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "terminal")

	wrapped := errors.Join(errors.New("session ended"), &AcquisitionError{Source: "camera:0", Err: cause})
	assert.False(t, IsTerminalAcquisition(wrapped))
}

func TestPostureInterval_Duration(t *testing.T) {
	start := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	iv := PostureInterval{Start: start}
	assert.True(t, iv.IsOpen())
	assert.Zero(t, iv.Duration())

	end := start.Add(90 * time.Second)
	iv.End = &end
	assert.False(t, iv.IsOpen())
	assert.Equal(t, 90*time.Second, iv.Duration())
}
