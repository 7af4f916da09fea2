package server

import (
	"context"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	apihttp "github.com/chatrelay/backend/internal/api/http"
	"github.com/chatrelay/backend/internal/api/middleware"
	"github.com/chatrelay/backend/internal/api/ws"
	"github.com/chatrelay/backend/internal/domain/conn"
	"github.com/chatrelay/backend/internal/domain/history"
	"github.com/chatrelay/backend/internal/domain/task"
	"github.com/chatrelay/backend/internal/generation"
	"github.com/chatrelay/backend/internal/infrastructure/config"
	"github.com/chatrelay/backend/internal/infrastructure/logging"
	"github.com/chatrelay/backend/internal/infrastructure/monitoring"
)

// Server wraps the HTTP server and dependencies.
type Server struct {
	router   *gin.Engine
	redis    *redis.Client
	store    history.Store
	gen      *generation.Client
	registry *conn.Registry
	control  *task.Controller
	logger   *logging.Logger
	config   *config.Config
	metrics  *monitoring.Metrics
}

// generatorAdapter narrows the generation client to the controller's interface.
type generatorAdapter struct {
	client *generation.Client
}

func (g generatorAdapter) Stream(ctx context.Context, msgs []history.Message) (task.ChunkStream, error) {
	stream, err := g.client.Stream(ctx, msgs)
	if err != nil {
		return nil, err
	}
	return stream, nil
}

// New creates a server instance with all dependencies wired.
func New(cfg *config.Config) (*Server, error) {
	var logger *logging.Logger
	if cfg.Logging.Development {
		logger = logging.NewDevelopment()
	} else {
		logger = logging.NewDefault()
	}

	logger.Info("Initializing chat relay server",
		zap.String("port", cfg.Server.Port),
		zap.String("redis_url", cfg.Redis.URL),
		zap.String("generation_url", cfg.Generation.URL),
		zap.String("model", cfg.Generation.Model),
	)

	metrics := monitoring.NewMetrics()

	opts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	redisClient := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		// Not fatal: the store surfaces errors per request and Redis may
		// come up after us.
		logger.Warn("Redis unreachable at startup", zap.Error(err))
	} else {
		logger.Info("Connected to Redis")
	}

	store := history.NewRedisStore(redisClient, logger)

	genClient := generation.New(generation.Config{
		URL:     cfg.Generation.URL,
		Model:   cfg.Generation.Model,
		Timeout: cfg.Generation.Timeout,
	}, logger)
	if err := genClient.Ping(pingCtx); err != nil {
		logger.Warn("Generation backend unreachable at startup", zap.Error(err))
	} else {
		logger.Info("Connected to generation backend")
	}

	registry := conn.NewRegistry(logger).WithMetrics(metrics)
	control := task.NewController(store, generatorAdapter{client: genClient}, registry, logger).WithMetrics(metrics)
	registry.BindStopper(control)

	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(monitoring.Middleware(metrics))
	router.Use(middleware.CORS(middleware.DefaultCORSConfig()))
	if cfg.RateLimit.Enabled {
		logger.Info("Rate limiting enabled",
			zap.Int("rps", cfg.RateLimit.RequestsPerSecond),
			zap.Int("burst", cfg.RateLimit.Burst),
		)
		router.Use(middleware.RateLimit(middleware.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			Burst:             cfg.RateLimit.Burst,
		}))
	}

	handlers := apihttp.NewHandlers(store, genClient, logger)
	wsHandler := ws.NewHandler(registry, control, store, logger)

	router.GET("/", handlers.Root)
	router.GET("/health", handlers.Health)

	// History
	router.GET("/history/sessions", handlers.ListSessions)
	router.GET("/history/:session_id", handlers.GetHistory)

	// Chat channel
	router.GET("/api/chat", wsHandler.HandleConnection)

	// Metrics
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	logger.Info("Server initialized successfully")

	return &Server{
		router:   router,
		redis:    redisClient,
		store:    store,
		gen:      genClient,
		registry: registry,
		control:  control,
		logger:   logger,
		config:   cfg,
		metrics:  metrics,
	}, nil
}

// Run starts the HTTP server.
func (s *Server) Run() error {
	addr := s.config.Server.Host + ":" + s.config.Server.Port
	s.logger.Info("Starting HTTP server", zap.String("addr", addr))
	return s.router.Run(addr)
}

// Close gracefully shuts down the server.
func (s *Server) Close() error {
	s.logger.Info("Shutting down server...")

	if err := s.redis.Close(); err != nil {
		s.logger.Error("Failed to close Redis client", zap.Error(err))
		return fmt.Errorf("failed to close redis client: %w", err)
	}

	s.logger.Sync()
	return nil
}
