package services

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"POSTURE_DETECTOR/go-backend/internal/models"

	"github.com/alicebob/miniredis/v2"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

type countingSource struct {
	calls int
	meta  map[string]*models.LabelMetadata
}

func (s *countingSource) GetLabelMetadata(_ context.Context, id string) (*models.LabelMetadata, error) {
	s.calls++
	m, ok := s.meta[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return m, nil
}

func TestLabelCache_ReadThrough(t *testing.T) {
	mr, client := setupTestRedis(t)
	src := &countingSource{meta: map[string]*models.LabelMetadata{
		"neck_wrong": {LabelID: "neck_wrong", Name: "Neck bent", SeverityLevel: 4, Recommendation: "Raise the screen"},
	}}
	cache := NewLabelCache(client, src, time.Minute, zap.NewNop())
	ctx := context.Background()

	meta, err := cache.GetLabelMetadata(ctx, "neck_wrong")
	require.NoError(t, err)
	assert.Equal(t, 4, meta.SeverityLevel)
	assert.True(t, mr.Exists("posture:label:neck_wrong"))
	assert.Equal(t, time.Minute, mr.TTL("posture:label:neck_wrong"))

	meta, err = cache.GetLabelMetadata(ctx, "neck_wrong")
	require.NoError(t, err)
	assert.Equal(t, "Raise the screen", meta.Recommendation)
	assert.Equal(t, 1, src.calls, "second read is served by redis")

	require.NoError(t, cache.Invalidate(ctx, "neck_wrong"))
	_, err = cache.GetLabelMetadata(ctx, "neck_wrong")
	require.NoError(t, err)
	assert.Equal(t, 2, src.calls)
}

func TestLabelCache_MissingLabel(t *testing.T) {
	_, client := setupTestRedis(t)
	cache := NewLabelCache(client, &countingSource{}, time.Minute, nil)

	_, err := cache.GetLabelMetadata(context.Background(), "nope")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestLabelCache_RedisDownFallsBack(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1, DialTimeout: 100 * time.Millisecond})
	defer client.Close()
	src := &countingSource{meta: map[string]*models.LabelMetadata{"leg_wrong": {LabelID: "leg_wrong"}}}
	cache := NewLabelCache(client, src, time.Minute, zap.NewNop())

	meta, err := cache.GetLabelMetadata(context.Background(), "leg_wrong")
	require.NoError(t, err)
	assert.Equal(t, "leg_wrong", meta.LabelID)
}

func TestRedisAlertDispatcher(t *testing.T) {
	_, client := setupTestRedis(t)
	d := NewRedisAlertDispatcher(client, "posture:alerts")
	ctx := context.Background()

	err := d.Dispatch(ctx, Alert{SessionID: 12, OwnerID: "alice", Label: "neck_wrong", TrackID: 7, FiredAt: time.Now()})
	require.NoError(t, err)

	msgs, err := client.XRange(ctx, "posture:alerts", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "12", msgs[0].Values["session_id"])
	assert.Equal(t, "7", msgs[0].Values["track"])

	var payload Alert
	require.NoError(t, json.Unmarshal([]byte(msgs[0].Values["payload"].(string)), &payload))
	assert.Equal(t, ActionPlayAudio, payload.Action)
	assert.Equal(t, "alice", payload.OwnerID)
}

type fakeToken struct {
	err  error
	done chan struct{}
}

func newFakeToken(err error) *fakeToken {
	d := make(chan struct{})
	close(d)
	return &fakeToken{err: err, done: d}
}

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{}          { return t.done }
func (t *fakeToken) Error() error                   { return t.err }

type fakePublisher struct {
	topic        string
	qos          byte
	payload      []byte
	err          error
	disconnected bool
}

func (p *fakePublisher) Publish(topic string, qos byte, _ bool, payload interface{}) mqtt.Token {
	p.topic = topic
	p.qos = qos
	p.payload = payload.([]byte)
	return newFakeToken(p.err)
}

func (p *fakePublisher) Disconnect(uint) { p.disconnected = true }

func TestMQTTAlertDispatcher(t *testing.T) {
	pub := &fakePublisher{}
	d := NewMQTTAlertDispatcher(pub, "posture/alerts", 1, zap.NewNop())

	err := d.Dispatch(context.Background(), Alert{OwnerID: "bob", Label: "leg_wrong", TrackID: 8})
	require.NoError(t, err)
	assert.Equal(t, "posture/alerts/bob", pub.topic)
	assert.Equal(t, byte(1), pub.qos)

	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(pub.payload, &payload))
	assert.Equal(t, "play_audio", payload["action"])
	assert.Equal(t, float64(8), payload["track"])

	pub.err = errors.New("not connected")
	assert.ErrorContains(t, d.Dispatch(context.Background(), Alert{OwnerID: "bob"}), "not connected")

	require.NoError(t, d.Close())
	assert.True(t, pub.disconnected)
}

func TestMetrics_PrometheusExposition(t *testing.T) {
	m := NewMetrics()
	m.IncrementFrames()
	m.IncrementFrames()
	m.RecordLatency(30 * time.Millisecond)
	m.IncrementAlerts()
	m.SessionStarted()
	m.AddDropped(3)

	assert.Equal(t, int64(2), m.GetTotalFrames())
	assert.Equal(t, 15.0, m.GetAvgLatency())

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/api/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)

	text := string(body)
	assert.True(t, strings.Contains(text, "posture_frames_total 2"), text)
	assert.Contains(t, text, "posture_alerts_total 1")
	assert.Contains(t, text, "posture_active_sessions 1")
	assert.Contains(t, text, "posture_frames_dropped_total 3")
}
