package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	HTTPPort       string
	PoseServiceURL string
	CORSOrigins    string

	MaxConnections   int
	MaxMessageSizeMB int
	LogLevel         string
	LogFormat        string
	Environment      string

	DBEnabled  bool
	DBName     string
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBSSLMode  string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	LabelCacheTTL time.Duration

	// AlertSink is one of "none", "redis", "mqtt".
	AlertSink    string
	AlertStream  string
	MQTTBroker   string
	MQTTClientID string
	MQTTUsername string
	MQTTPassword string
	MQTTTopic    string
	MQTTQoS      int

	SmoothingWindow       int
	AlertThreshold        time.Duration
	AlertCooldown         time.Duration
	FrameInterval         time.Duration
	ReconnectMaxAttempts  int
	ReconnectBackoff      time.Duration
	QueueSize             int
	PollTimeout           time.Duration
	PostureUpdateInterval time.Duration
	StatisticsInterval    time.Duration
	DetectionMaxRate      time.Duration
	ImagePolicy           string
	ImageInterval         time.Duration

	// ClassifierMode is one of "single", "ensemble", "hierarchical".
	ClassifierMode   string
	EnsembleModels   []string
	HierarchyRegions []string
	CorrectLabel     string
	GoodLabels       []string

	// AuthTokens maps owner id to a bcrypt hash of that owner's channel secret.
	AuthTokens     map[string]string
	AllowAnonymous bool
}

func (p *Config) DSN() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		p.DBHost, p.DBPort, p.DBUser, p.DBPassword, p.DBName, p.DBSSLMode)
}

// DSNForLog hides the password.
func (p *Config) DSNForLog() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=*** dbname=%s sslmode=%s",
		p.DBHost, p.DBPort, p.DBUser, p.DBName, p.DBSSLMode)
}

func (c *Config) IsDev() bool {
	return c.Environment == "dev"
}

func LoadConfig() *Config {
	// .env is optional, system environment wins otherwise
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment variables")
	}

	cfg := &Config{
		HTTPPort:         getEnv("HTTP_PORT", "8080"),
		PoseServiceURL:   getEnv("POSE_SERVICE_URL", "localhost:9000"),
		CORSOrigins:      getEnv("CORS_ORIGINS", "*"),
		MaxConnections:   getEnvInt("MAX_CONNECTIONS", 1000),
		MaxMessageSizeMB: getEnvInt("MAX_MESSAGE_SIZE_MB", 50),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
		LogFormat:        getEnv("LOG_FORMAT", "json"),
		Environment:      getEnv("ENVIRONMENT", "production"),

		DBEnabled:  getEnvBool("DB_ENABLED", true),
		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnv("DB_PORT", "5432"),
		DBUser:     getEnv("DB_USER", "postgres"),
		DBPassword: getEnv("DB_PASSWORD", ""),
		DBName:     getEnv("DB_NAME", "posture_detector"),
		DBSSLMode:  getEnv("DB_SSLMODE", "disable"),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),
		LabelCacheTTL: getEnvDuration("LABEL_CACHE_TTL", 10*time.Minute),

		AlertSink:    strings.ToLower(getEnv("ALERT_SINK", "none")),
		AlertStream:  getEnv("ALERT_STREAM", "posture:alerts"),
		MQTTBroker:   getEnv("MQTT_BROKER", "tcp://localhost:1883"),
		MQTTClientID: getEnv("MQTT_CLIENT_ID", "posture-detector"),
		MQTTUsername: getEnv("MQTT_USERNAME", ""),
		MQTTPassword: getEnv("MQTT_PASSWORD", ""),
		MQTTTopic:    getEnv("MQTT_TOPIC", "posture/alerts"),
		MQTTQoS:      getEnvInt("MQTT_QOS", 1),

		SmoothingWindow:       getEnvInt("SMOOTHING_WINDOW", 10),
		AlertThreshold:        getEnvDuration("ALERT_THRESHOLD", 5*time.Second),
		AlertCooldown:         getEnvDuration("ALERT_COOLDOWN", 20*time.Second),
		FrameInterval:         getEnvDuration("FRAME_INTERVAL", 100*time.Millisecond),
		ReconnectMaxAttempts:  getEnvInt("RECONNECT_MAX_ATTEMPTS", 5),
		ReconnectBackoff:      getEnvDuration("RECONNECT_BACKOFF", 2*time.Second),
		QueueSize:             getEnvInt("QUEUE_SIZE", 32),
		PollTimeout:           getEnvDuration("POLL_TIMEOUT", 5*time.Second),
		PostureUpdateInterval: getEnvDuration("POSTURE_UPDATE_INTERVAL", time.Second),
		StatisticsInterval:    getEnvDuration("STATISTICS_INTERVAL", 5*time.Second),
		DetectionMaxRate:      getEnvDuration("DETECTION_MAX_RATE", 2*time.Second),
		ImagePolicy:           strings.ToLower(getEnv("IMAGE_POLICY", "alert")),
		ImageInterval:         getEnvDuration("IMAGE_INTERVAL", 2*time.Second),

		ClassifierMode:   strings.ToLower(getEnv("CLASSIFIER_MODE", "single")),
		EnsembleModels:   getEnvList("ENSEMBLE_MODELS", []string{"rf:1", "gb:1", "svm:1", "nn:1"}),
		HierarchyRegions: getEnvList("HIERARCHY_REGIONS", []string{"leg", "torso", "neck"}),
		CorrectLabel:     getEnv("CORRECT_LABEL", "correct_posture"),
		GoodLabels:       getEnvList("GOOD_LABELS", []string{"good_posture", "neck_right", "leg_right"}),

		AuthTokens:     parseTokens(getEnv("AUTH_TOKENS", "")),
		AllowAnonymous: getEnvBool("ALLOW_ANONYMOUS", false),
	}

	if cfg.DBEnabled && cfg.DBPassword == "" {
		fmt.Println("WARNING: DB_PASSWORD is not set!")
	}
	if cfg.DBName == "" {
		fmt.Println("WARNING: DB_NAME is not set, using default: posture_detector")
		cfg.DBName = "posture_detector"
	}

	return cfg
}

// Validate rejects values the session engine cannot run with.
func (c *Config) Validate() error {
	if c.SmoothingWindow < 1 {
		return fmt.Errorf("SMOOTHING_WINDOW must be >= 1, got %d", c.SmoothingWindow)
	}
	if c.QueueSize < 1 {
		return fmt.Errorf("QUEUE_SIZE must be >= 1, got %d", c.QueueSize)
	}
	if c.ReconnectMaxAttempts < 0 {
		return fmt.Errorf("RECONNECT_MAX_ATTEMPTS must be >= 0, got %d", c.ReconnectMaxAttempts)
	}
	if c.AlertThreshold < 0 || c.AlertCooldown < 0 {
		return fmt.Errorf("alert threshold and cooldown must not be negative")
	}
	if c.PollTimeout <= 0 {
		return fmt.Errorf("POLL_TIMEOUT must be positive")
	}
	switch c.ImagePolicy {
	case "label_change", "alert", "interval", "none":
	default:
		return fmt.Errorf("unknown IMAGE_POLICY %q", c.ImagePolicy)
	}
	switch c.ClassifierMode {
	case "single", "ensemble", "hierarchical":
	default:
		return fmt.Errorf("unknown CLASSIFIER_MODE %q", c.ClassifierMode)
	}
	switch c.AlertSink {
	case "none", "redis", "mqtt":
	default:
		return fmt.Errorf("unknown ALERT_SINK %q", c.AlertSink)
	}
	if c.AlertSink == "redis" && c.RedisAddr == "" {
		return fmt.Errorf("ALERT_SINK=redis requires REDIS_ADDR")
	}
	if c.MQTTQoS < 0 || c.MQTTQoS > 2 {
		return fmt.Errorf("MQTT_QOS must be 0, 1 or 2, got %d", c.MQTTQoS)
	}
	return nil
}

func getEnv(key string, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if intVal, err := strconv.Atoi(v); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

// getEnvDuration accepts Go durations ("1.5s") or plain seconds ("20").
func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	return defaultVal
}

func getEnvList(key string, defaultVal []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parseTokens reads "owner:hash,owner2:hash2". bcrypt hashes contain no commas.
func parseTokens(raw string) map[string]string {
	tokens := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		owner, hash, ok := strings.Cut(pair, ":")
		if !ok || owner == "" || hash == "" {
			continue
		}
		tokens[owner] = hash
	}
	return tokens
}
