// Package main runs the live poll HTTP server with WebSocket updates and graceful shutdown.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/livepoll/backend/config"
	"github.com/livepoll/backend/internal/auth"
	"github.com/livepoll/backend/internal/comments"
	"github.com/livepoll/backend/internal/exports"
	"github.com/livepoll/backend/internal/middleware"
	"github.com/livepoll/backend/internal/models"
	"github.com/livepoll/backend/internal/polls"
	"github.com/livepoll/backend/internal/realtime"
	"github.com/livepoll/backend/internal/worker"
	"github.com/livepoll/backend/pkg/database"
	"github.com/livepoll/backend/pkg/queue"
	"github.com/livepoll/backend/pkg/redis"
	"github.com/livepoll/backend/pkg/response"
	"github.com/livepoll/backend/pkg/storage"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx := context.Background()
	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), cfg.Database.MaxConns, logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	if err := database.Migrate(ctx, pool); err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}

	var rdb *redis.Client
	if cfg.Redis.Enabled {
		rdb, err = redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
		if err != nil {
			logger.Fatal("redis", zap.Error(err))
		}
		defer rdb.Close()
	} else {
		logger.Warn("redis disabled: local cache only, no cross-instance updates, no exports")
	}

	var s3Client *storage.S3
	if cfg.AWS.Region != "" && cfg.AWS.ExportsBucket != "" {
		s3Client, err = storage.NewS3(ctx, storage.S3Config{
			Region:               cfg.AWS.Region,
			AccessKeyID:          cfg.AWS.AccessKeyID,
			SecretAccessKey:      cfg.AWS.SecretAccessKey,
			ExportsBucket:        cfg.AWS.ExportsBucket,
			PresignExpireMinutes: cfg.AWS.PresignExpireMinutes,
		}, logger)
		if err != nil {
			logger.Warn("s3 disabled", zap.Error(err))
			s3Client = nil
		}
	}

	jwtService := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpireHours)

	// Realtime
	var (
		redisPub realtime.RedisPublisher
		redisSub realtime.RedisSubscriber
	)
	if rdb != nil {
		ps := realtime.NewRedisPubSub(rdb.Raw(), logger)
		redisPub, redisSub = ps, ps
	}
	hub := realtime.NewHub(logger, redisPub, redisSub)

	// Polls
	pollCache := polls.NewCache(rdb.Raw(), cfg.Cache.TTL, cfg.Cache.LocalSize, logger)
	pollRepo := polls.NewRepository(pool)
	pollService := polls.NewService(pollRepo, pollCache, cfg.Poll.ShareSalt, logger)
	pollService.SetNotifier(hub)
	hub.SetTallyLoader(pollService.GetPoll)
	pollHandler := polls.NewHandler(pollService, hub, cfg.Poll.ShareSalt, cfg.Poll.PublicBaseURL)
	expirer := polls.NewExpirer(pollService, cfg.Poll.ExpirySweep, logger)

	// Auth
	authRepo := auth.NewRepository(pool)
	authHandler := auth.NewHandler(authRepo, jwtService, logger)

	// Comments
	commentRepo := comments.NewRepository(pool)
	commentHandler := comments.NewHandler(commentRepo, hub, logger)

	// Exports
	exportRepo := exports.NewRepository(pool)
	var (
		enqueuer exports.Enqueuer
		signer   exports.URLSigner
		proc     *worker.ExportProcessor
	)
	if s3Client != nil {
		signer = s3Client
	}
	if rdb != nil {
		jobQueue := queue.NewQueue(rdb.Raw(), logger)
		enqueuer = jobQueue
		if s3Client != nil {
			proc = worker.NewExportProcessor(exportRepo, pollService, s3Client, jobQueue, logger)
		}
	}
	exportHandler := exports.NewHandler(exportRepo, pollService, enqueuer, signer, cfg.Export.DefaultFormat, logger)

	jwtValidate := func(token string) (uuid.UUID, string, error) {
		claims, err := jwtService.Validate(token)
		if err != nil {
			return uuid.Nil, "", err
		}
		return claims.UserID, claims.Role, nil
	}

	router := gin.New()
	if err := router.SetTrustedProxies(cfg.Server.TrustedProxies); err != nil {
		logger.Fatal("trusted proxies", zap.Error(err))
	}
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))

	// Health
	router.GET("/health", func(c *gin.Context) {
		response.OK(c, gin.H{"status": "ok", "connections": hub.ConnectionCount()})
	})

	// Auth (public)
	authGroup := router.Group("/auth")
	{
		authGroup.POST("/login", authHandler.Login)
		authGroup.POST("/register", authHandler.Register)
	}

	// Public reads and voting; a bearer token, when sent, identifies the voter.
	public := router.Group("")
	public.Use(middleware.OptionalJWT(jwtService))
	{
		public.GET("/p/:slug", pollHandler.Share)
		public.GET("/polls", pollHandler.List)
		public.GET("/polls/:id", pollHandler.Get)
		public.POST("/polls/:id/vote", pollHandler.Vote)
		public.GET("/polls/:id/my-vote", pollHandler.MyVote)
		public.GET("/polls/:id/watchers", pollHandler.Watchers)
		public.GET("/polls/:id/comments", commentHandler.List)
	}

	// Protected API (JWT required)
	api := router.Group("")
	api.Use(middleware.JWT(jwtService))
	{
		api.GET("/auth/me", authHandler.Me)
		api.GET("/users", middleware.RequireRole(models.RoleAdmin), authHandler.List)

		api.POST("/polls", pollHandler.Create)
		api.GET("/polls/mine", pollHandler.Mine)
		api.POST("/polls/:id/close", pollHandler.Close)
		api.DELETE("/polls/:id", pollHandler.Delete)

		api.POST("/polls/:id/comments", commentHandler.Create)
		api.DELETE("/comments/:id", commentHandler.Delete)

		api.POST("/polls/:id/exports", exportHandler.Create)
		api.GET("/exports/:id", exportHandler.Get)
	}

	// WebSocket (optional token in query)
	router.GET("/ws", realtime.ServeWs(hub, jwtValidate, cfg.Server.CORSAllowedOrigins, logger))

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()
	go pollCache.ListenInvalidations(bgCtx)
	expirer.Start()
	if proc != nil {
		go proc.Run(bgCtx)
		logger.Info("export worker started")
	}

	go func() {
		logger.Info("server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	expirer.Stop()
	bgCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	hub.Shutdown()
	logger.Info("server stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
