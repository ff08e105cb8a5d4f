package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"POSTURE_DETECTOR/go-backend/internal/bridge"
	"POSTURE_DETECTOR/go-backend/internal/capture"
	"POSTURE_DETECTOR/go-backend/internal/classifier"
	"POSTURE_DETECTOR/go-backend/internal/config"
	"POSTURE_DETECTOR/go-backend/internal/database"
	"POSTURE_DETECTOR/go-backend/internal/handlers"
	"POSTURE_DETECTOR/go-backend/internal/logger"
	"POSTURE_DETECTOR/go-backend/internal/services"
	"POSTURE_DETECTOR/go-backend/internal/session"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

func main() {
	httpPort := flag.String("http-port", "", "HTTP port (overrides HTTP_PORT)")
	poseURL := flag.String("pose-url", "", "pose classifier service address (overrides POSE_SERVICE_URL)")
	flag.Parse()

	cfg := config.LoadConfig()
	if *httpPort != "" {
		cfg.HTTPPort = *httpPort
	}
	if *poseURL != "" {
		cfg.PoseServiceURL = *poseURL
	}

	log, err := logger.New(cfg.LogLevel, cfg.LogFormat, "posture-detector")
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	if err := cfg.Validate(); err != nil {
		log.Fatal("invalid configuration", zap.Error(err))
	}

	log.Info("Starting...",
		zap.String("http_port", cfg.HTTPPort),
		zap.String("pose_service", cfg.PoseServiceURL),
		zap.String("environment", cfg.Environment),
		zap.String("classifier_mode", cfg.ClassifierMode))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics := services.NewMetrics()

	store, err := openStore(ctx, cfg, log)
	if err != nil {
		log.Fatal("database unavailable", zap.String("dsn", cfg.DSNForLog()), zap.Error(err))
	}
	defer store.Close()

	var labels session.LabelLookup = store
	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer redisClient.Close()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			log.Warn("redis unreachable, label cache will fall back to the store", zap.Error(err))
		}
		labels = services.NewLabelCache(redisClient, store, cfg.LabelCacheTTL, log)
	}

	alerts, err := newAlertDispatcher(cfg, redisClient, log)
	if err != nil {
		log.Fatal("alert sink unavailable", zap.String("sink", cfg.AlertSink), zap.Error(err))
	}
	defer alerts.Close()

	// the classifier degrades to unknown while the pose service is down
	grpcClient, err := services.NewGRPCClient(cfg.PoseServiceURL, log)
	if err != nil {
		log.Fatal("pose service client", zap.Error(err))
	}
	defer grpcClient.Close()

	inner, err := classifier.New(classifier.Options{
		Mode:           cfg.ClassifierMode,
		EnsembleModels: cfg.EnsembleModels,
		Regions:        cfg.HierarchyRegions,
		CorrectLabel:   cfg.CorrectLabel,
		GoodLabels:     cfg.GoodLabels,
	}, grpcClient)
	if err != nil {
		log.Fatal("classifier", zap.Error(err))
	}
	guarded := classifier.NewGuarded(inner, log, func(error) { metrics.IncrementErrors() })

	hub := bridge.NewHub()
	registry := session.NewRegistry(ctx, session.Config{
		SmoothingWindow:       cfg.SmoothingWindow,
		AlertThreshold:        cfg.AlertThreshold,
		AlertCooldown:         cfg.AlertCooldown,
		QueueSize:             cfg.QueueSize,
		PollTimeout:           cfg.PollTimeout,
		PostureUpdateInterval: cfg.PostureUpdateInterval,
		StatisticsInterval:    cfg.StatisticsInterval,
		DetectionMaxRate:      cfg.DetectionMaxRate,
		ImagePolicy:           cfg.ImagePolicy,
		ImageInterval:         cfg.ImageInterval,
		GoodLabels:            cfg.GoodLabels,
	}, session.Deps{
		Store:      store,
		Labels:     labels,
		Classifier: guarded,
		Alerts:     alerts,
		Metrics:    metrics,
		Logger:     log,
	}, store, hub, func() session.Source {
		return capture.NewFrameSource(capture.Config{
			FrameInterval:    cfg.FrameInterval,
			ReconnectBackoff: cfg.ReconnectBackoff,
			MaxAttempts:      cfg.ReconnectMaxAttempts,
			ReadTimeout:      5 * time.Second,
			Logger:           log,
			OnReconnect:      metrics.IncrementReconnects,
		})
	})

	ws := handlers.NewWebSocketHandler(registry, handlers.NewTokenAuthenticator(cfg.AuthTokens, cfg.AllowAnonymous), metrics, log, handlers.WebSocketConfig{
		MaxMessageSize: int64(cfg.MaxMessageSizeMB) << 20,
		SendBuffer:     cfg.QueueSize * 8,
		AllowedOrigins: cfg.CORSOrigins,
		MaxConnections: cfg.MaxConnections,
	})
	health := handlers.NewHealthHandler(grpcClient, store, registry, ws.ActiveClients, log).WithWebSocketStats(metrics)

	httpServer := &http.Server{
		Addr:         ":" + trimColon(cfg.HTTPPort),
		Handler:      handlers.NewRouter(ws, health, metrics.Handler(), cfg.CORSOrigins),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("HTTP server listening",
			zap.String("websocket", "ws://localhost:"+trimColon(cfg.HTTPPort)+"/ws"),
			zap.String("rest", "http://localhost:"+trimColon(cfg.HTTPPort)+"/api/*"))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("Failed to serve HTTP", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	log.Info("Stopping sessions...")
	if err := registry.StopAll(shutdownCtx); err != nil {
		log.Warn("sessions did not stop in time", zap.Error(err))
	}

	log.Info("Stopping HTTP server...")
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("Error shutting down HTTP server", zap.Error(err))
	}

	log.Info("Closing WebSocket connections...")
	ws.CloseAll()

	log.Info("Goodbye!")
}

func openStore(ctx context.Context, cfg *config.Config, log *zap.Logger) (database.Store, error) {
	if !cfg.DBEnabled {
		log.Warn("DB_ENABLED=false, sessions are kept in memory only")
		return database.NewMemoryStore(), nil
	}

	db, err := database.Open(ctx, cfg.DSN())
	if err != nil {
		return nil, err
	}
	if err := database.Migrate(db, log); err != nil {
		db.Close()
		return nil, err
	}
	log.Info("database ready", zap.String("dsn", cfg.DSNForLog()))
	return database.NewPostgresStore(db), nil
}

func newAlertDispatcher(cfg *config.Config, redisClient *redis.Client, log *zap.Logger) (services.AlertDispatcher, error) {
	switch cfg.AlertSink {
	case "redis":
		return services.NewRedisAlertDispatcher(redisClient, cfg.AlertStream), nil
	case "mqtt":
		client, err := services.NewMQTTClient(services.MQTTConfig{
			Broker:   cfg.MQTTBroker,
			ClientID: cfg.MQTTClientID,
			Username: cfg.MQTTUsername,
			Password: cfg.MQTTPassword,
		})
		if err != nil {
			return nil, err
		}
		return services.NewMQTTAlertDispatcher(client, cfg.MQTTTopic, byte(cfg.MQTTQoS), log), nil
	default:
		return services.NopAlertDispatcher{}, nil
	}
}

func trimColon(port string) string {
	if len(port) > 0 && port[0] == ':' {
		return port[1:]
	}
	return port
}
