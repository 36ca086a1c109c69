package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/UditSharma04/Embedder-farm/internal/api/auth"
	"github.com/UditSharma04/Embedder-farm/internal/api/middleware"
	"github.com/UditSharma04/Embedder-farm/internal/api/scheduler"
	"github.com/UditSharma04/Embedder-farm/internal/config"
	"github.com/UditSharma04/Embedder-farm/internal/model"
	"github.com/UditSharma04/Embedder-farm/internal/pkg/metrics"
	"github.com/UditSharma04/Embedder-farm/internal/pkg/notify"
	"github.com/UditSharma04/Embedder-farm/internal/pkg/queue"
	"github.com/UditSharma04/Embedder-farm/internal/pkg/ratelimit"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"
)

// Server wires the auth API: database, redis, the mail worker pool and
// the gin router.
type Server struct {
	cfg       *config.Config
	logger    *slog.Logger
	db        *gorm.DB
	rdb       *redis.Client
	router    *gin.Engine
	auth      *auth.Handler
	mailQueue *queue.Queue
	limiter   *ratelimit.RateLimiter
	sched     *scheduler.Scheduler
}

// NewServer initializes the API server:
//  1. connects MySQL and runs the schema migration
//  2. connects redis (rate limiting)
//  3. starts the mail dispatch worker pool
//  4. starts the account maintenance sweep
//  5. builds the gin router
func NewServer(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Server, error) {
	db, err := gorm.Open(mysql.Open(cfg.MySQL.DSN), &gorm.Config{
		Logger:         gormLogger.Default.LogMode(gormLogger.Silent),
		TranslateError: true, // map duplicate-key errors to gorm.ErrDuplicatedKey
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&model.User{}); err != nil {
		return nil, err
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       0,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	metrics.InitMetrics(cfg.App.MailWorkers)

	mailQueue := queue.NewQueue(logger, cfg.App.MailWorkers, cfg.App.MailQueueSize)
	mailQueue.Start(ctx)

	mailer := notify.NewEmailNotifier(&cfg.Email, logger)
	limiter := ratelimit.NewRedisRateLimiter(rdb, logger, "farmconnect:ratelimit:auth", cfg.App.RateLimit, cfg.App.RateBurst)

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger(logger))

	s := &Server{
		cfg:       cfg,
		logger:    logger,
		db:        db,
		rdb:       rdb,
		router:    r,
		auth:      auth.NewHandler(auth.NewUserStore(db), cfg.Security.JWTSecret, cfg.App.ResendCooldown, mailer, mailQueue, logger),
		mailQueue: mailQueue,
		limiter:   limiter,
		sched:     scheduler.New(scheduler.NewStore(db), logger, cfg.App.CleanupInterval, cfg.App.PurgeUnverifiedAfter),
	}
	go s.sched.Run(ctx)
	s.registerRoutes()
	return s, nil
}

// Router returns the HTTP handler.
func (s *Server) Router() http.Handler {
	return s.router
}

// Close drains the mail queue and closes database and redis handles.
func (s *Server) Close() error {
	var firstErr error
	if s.mailQueue != nil {
		if err := s.mailQueue.ShutdownWithTimeout(10 * time.Second); err != nil {
			firstErr = err
		}
	}
	if s.rdb != nil {
		if err := s.rdb.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if s.db != nil {
		sqlDB, err := s.db.DB()
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
		} else if closeErr := sqlDB.Close(); closeErr != nil && firstErr == nil {
			firstErr = closeErr
		}
	}
	return firstErr
}

// registerRoutes registers all API routes.
func (s *Server) registerRoutes() {
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.router.GET("/healthz", s.handleHealthz)

	authGroup := s.router.Group("/api/auth")
	authGroup.Use(middleware.RateLimit(s.limiter, s.logger))
	authGroup.POST("/register", s.auth.Register)
	authGroup.POST("/login", s.auth.Login)
	authGroup.POST("/verify-email", s.auth.VerifyEmail)
	authGroup.POST("/resend-verification", s.auth.ResendCode)

	authed := s.router.Group("/api/auth")
	authed.Use(middleware.AuthMiddleware(s.cfg.Security.JWTSecret))
	authed.GET("/me", s.auth.Me)
}

func (s *Server) handleHealthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if s.db == nil || s.rdb == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error"})
		return
	}

	var one int
	if err := s.db.WithContext(ctx).Raw("SELECT 1").Scan(&one).Error; err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error"})
		return
	}
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
