package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// Alert is handed to the downstream playback side when the alert gate fires.
type Alert struct {
	Action         string    `json:"action"`
	SessionID      int64     `json:"session_id"`
	OwnerID        string    `json:"owner_id"`
	Label          string    `json:"label"`
	Name           string    `json:"name,omitempty"`
	Recommendation string    `json:"recommendation,omitempty"`
	SeverityLevel  int       `json:"severity_level"`
	TrackID        int       `json:"track"`
	Confidence     float64   `json:"confidence"`
	FiredAt        time.Time `json:"fired_at"`
}

const ActionPlayAudio = "play_audio"

type AlertDispatcher interface {
	Dispatch(ctx context.Context, alert Alert) error
	Close() error
}

type NopAlertDispatcher struct{}

func (NopAlertDispatcher) Dispatch(context.Context, Alert) error { return nil }
func (NopAlertDispatcher) Close() error                          { return nil }

// RedisAlertDispatcher appends alerts to a Redis stream.
type RedisAlertDispatcher struct {
	client *redis.Client
	stream string
	maxLen int64
}

func NewRedisAlertDispatcher(client *redis.Client, stream string) *RedisAlertDispatcher {
	return &RedisAlertDispatcher{client: client, stream: stream, maxLen: 10000}
}

func (d *RedisAlertDispatcher) Dispatch(ctx context.Context, alert Alert) error {
	alert.Action = ActionPlayAudio
	payload, err := json.Marshal(alert)
	if err != nil {
		return err
	}
	err = d.client.XAdd(ctx, &redis.XAddArgs{
		Stream: d.stream,
		MaxLen: d.maxLen,
		Values: map[string]interface{}{
			"session_id": strconv.FormatInt(alert.SessionID, 10),
			"owner_id":   alert.OwnerID,
			"label":      alert.Label,
			"track":      strconv.Itoa(alert.TrackID),
			"payload":    string(payload),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to publish alert to stream %s: %w", d.stream, err)
	}
	return nil
}

func (d *RedisAlertDispatcher) Close() error { return nil }

// MQTTPublisher is the part of mqtt.Client the dispatcher uses.
type MQTTPublisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

type MQTTConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
}

func NewMQTTClient(cfg MQTTConfig) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}
	return client, nil
}

// MQTTAlertDispatcher publishes each alert to <topic>/<owner_id>.
type MQTTAlertDispatcher struct {
	client  MQTTPublisher
	topic   string
	qos     byte
	timeout time.Duration
	log     *zap.Logger
}

func NewMQTTAlertDispatcher(client MQTTPublisher, topic string, qos byte, log *zap.Logger) *MQTTAlertDispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &MQTTAlertDispatcher{client: client, topic: topic, qos: qos, timeout: 5 * time.Second, log: log}
}

func (d *MQTTAlertDispatcher) Dispatch(ctx context.Context, alert Alert) error {
	alert.Action = ActionPlayAudio
	payload, err := json.Marshal(alert)
	if err != nil {
		return err
	}

	topic := d.topic + "/" + alert.OwnerID
	token := d.client.Publish(topic, d.qos, false, payload)

	timeout := d.timeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("publish to topic %s timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish to topic %s: %w", topic, err)
	}
	d.log.Debug("alert published", zap.String("topic", topic), zap.Int("track", alert.TrackID))
	return nil
}

func (d *MQTTAlertDispatcher) Close() error {
	d.client.Disconnect(250)
	return nil
}
