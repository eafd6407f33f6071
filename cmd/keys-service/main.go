package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	backupHandler "e2ee-keyserver/internal/handler/http/backup"
	crossSigningHandler "e2ee-keyserver/internal/handler/http/crosssigning"
	keyRequestHandler "e2ee-keyserver/internal/handler/http/keyrequest"
	keysHandler "e2ee-keyserver/internal/handler/http/keys"
	megolmHandler "e2ee-keyserver/internal/handler/http/megolm"
	secretStorageHandler "e2ee-keyserver/internal/handler/http/secretstorage"
	toDeviceHandler "e2ee-keyserver/internal/handler/http/todevice"
	wsHandler "e2ee-keyserver/internal/handler/ws"
	"e2ee-keyserver/internal/middleware"
	"e2ee-keyserver/internal/repository/cassandra"
	"e2ee-keyserver/internal/repository/cockroach"
	"e2ee-keyserver/internal/repository/redis"
	backupService "e2ee-keyserver/internal/service/backup"
	crossSigningService "e2ee-keyserver/internal/service/crosssigning"
	deviceKeysService "e2ee-keyserver/internal/service/devicekeys"
	keyRequestService "e2ee-keyserver/internal/service/keyrequest"
	megolmService "e2ee-keyserver/internal/service/megolm"
	secretStorageService "e2ee-keyserver/internal/service/secretstorage"
	toDeviceService "e2ee-keyserver/internal/service/todevice"
	"e2ee-keyserver/pkg/audit"
	"e2ee-keyserver/pkg/cache"
	"e2ee-keyserver/pkg/config"
	"e2ee-keyserver/pkg/constants"
	"e2ee-keyserver/pkg/database"
	"e2ee-keyserver/pkg/jwt"
	"e2ee-keyserver/pkg/logger"
	"e2ee-keyserver/pkg/metrics"
	"e2ee-keyserver/pkg/objectstore"
)

func main() {
	// 1. Configuration and logging
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(&logger.Config{
		Level:    cfg.Log.Level,
		Format:   cfg.Log.Format,
		Output:   cfg.Log.Output,
		FilePath: cfg.Log.FilePath,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if cfg.JWT.Secret == "" {
		logger.Fatal("JWT_SECRET environment variable is required")
	}
	jwtManager := jwt.NewJWTManager(cfg.JWT.Secret, cfg.JWT.AccessTokenExpiry, cfg.JWT.Audience)

	ctx := context.Background()

	// 2. Connect to CockroachDB
	cockroachDB, err := database.NewCockroachDB(ctx, cfg.Database)
	if err != nil {
		logger.Fatal("Failed to connect to CockroachDB", zap.Error(err))
	}
	defer cockroachDB.Close()
	logger.Info("Connected to CockroachDB")

	if cfg.Database.Migrate {
		if err := cockroach.Migrate(ctx, cockroachDB.Pool); err != nil {
			logger.Fatal("Failed to apply schema", zap.Error(err))
		}
	}

	// 3. Connect to Redis
	redisDB, err := database.NewRedisDB(cfg.Redis)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer redisDB.Close()
	logger.Info("Connected to Redis")

	// 4. Connect to Cassandra
	cassandraDB, err := database.NewCassandraDB(cfg.Cassandra)
	if err != nil {
		logger.Fatal("Failed to connect to Cassandra", zap.Error(err))
	}
	defer cassandraDB.Close()
	logger.Info("Connected to Cassandra")

	// 5. Object storage for backup archives. The service runs without it.
	var archives backupService.ArchiveStore
	minioStore, err := objectstore.NewMinioStore(ctx, cfg.MinIO)
	if err != nil {
		logger.Warn("Object storage unavailable, backup export disabled", zap.Error(err))
	} else {
		archives = minioStore
	}

	// 6. Initialize Repositories
	accountRepo := cockroach.NewAccountRepository(cockroachDB.Pool)
	membershipRepo := cockroach.NewMembershipRepository(cockroachDB.Pool)
	deviceKeysRepo := cockroach.NewDeviceKeysRepository(cockroachDB.Pool)
	crossSigningRepo := cockroach.NewCrossSigningRepository(cockroachDB.Pool)
	megolmRepo := cockroach.NewMegolmRepository(cockroachDB.Pool)
	backupRepo := cockroach.NewBackupRepository(cockroachDB.Pool)
	keyRequestRepo := cockroach.NewKeyRequestRepository(cockroachDB.Pool)
	secretStorageRepo := cockroach.NewSecretStorageRepository(cockroachDB.Pool)

	keyCache := redis.NewKeyCacheRepository(redisDB.Client, cfg.E2EE.KeyCacheTTL)
	progressRepo := redis.NewRecoveryProgressRepository(redisDB.Client, constants.RecoveryProgressTTL)
	notifier := redis.NewToDeviceNotifier(redisDB.Client)

	inboxRepo := cassandra.NewToDeviceRepository(cassandraDB.Session, cfg.E2EE.ToDeviceRetention)
	if err := inboxRepo.EnsureSchema(ctx); err != nil {
		logger.Fatal("Failed to prepare to-device inbox", zap.Error(err))
	}

	// 7. Initialize Services
	auditLogger := audit.NewAuditLogger(redisDB.Client)

	toDeviceSvc := toDeviceService.NewService(inboxRepo, notifier, accountRepo)

	// Remote key queries need the federation transport, which this service does not own
	deviceKeysSvc := deviceKeysService.NewService(
		deviceKeysRepo,
		accountRepo,
		crossSigningRepo,
		keyCache,
		membershipRepo,
		nil,
		auditLogger,
		cfg.E2EE.ServerName,
	)

	crossSigningSvc := crossSigningService.NewService(crossSigningRepo, deviceKeysRepo, deviceKeysSvc, auditLogger)

	megolmSvc, err := megolmService.NewService(
		megolmRepo,
		accountRepo,
		deviceKeysSvc,
		toDeviceSvc,
		membershipRepo,
		auditLogger,
		megolmService.Options{
			WrapKey:     cfg.E2EE.SessionWrapKey,
			MaxMessages: uint32(cfg.E2EE.SessionMaxMessages),
			MaxAge:      cfg.E2EE.SessionMaxAge,
			Retention:   cfg.E2EE.SessionTTL,
			Cache:       cache.NewMemoryCache(cfg.E2EE.SessionCacheTTL, 10000),
			CacheTTL:    cfg.E2EE.SessionCacheTTL,
		},
	)
	if err != nil {
		logger.Fatal("Failed to initialise group session engine", zap.Error(err))
	}

	backupSvc := backupService.NewService(backupRepo, progressRepo, archives, auditLogger, cfg.E2EE.RecoveryChunkSize)
	secretStorageSvc := secretStorageService.NewService(secretStorageRepo, auditLogger)

	keyRequestSvc := keyRequestService.NewService(keyRequestRepo, megolmSvc, accountRepo, toDeviceSvc, auditLogger,
		keyRequestService.Options{
			PendingTTL: cfg.E2EE.KeyRequestTTL,
			Retention:  cfg.E2EE.KeyRequestRetention,
		})

	// 8. Scheduled jobs
	scheduler := cron.New()
	if _, err := scheduler.AddFunc(cfg.E2EE.SweepSchedule, func() {
		sweepCtx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if err := megolmSvc.SweepExpired(sweepCtx); err != nil {
			logger.Error("Group session sweep failed", zap.Error(err))
		}
	}); err != nil {
		logger.Fatal("Invalid E2EE_SWEEP_SCHEDULE", zap.String("schedule", cfg.E2EE.SweepSchedule), zap.Error(err))
	}
	if _, err := scheduler.AddFunc(cfg.E2EE.KeyRequestSchedule, func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := keyRequestSvc.Cleanup(cleanupCtx); err != nil {
			logger.Error("Key request cleanup failed", zap.Error(err))
		}
	}); err != nil {
		logger.Fatal("Invalid E2EE_KEY_REQUEST_SCHEDULE", zap.String("schedule", cfg.E2EE.KeyRequestSchedule), zap.Error(err))
	}
	scheduler.Start()

	// 9. Initialize Metrics
	appMetrics := metrics.NewMetrics(cfg.Server.ServiceName)
	prometheusMiddleware := middleware.NewPrometheusMiddleware(appMetrics)

	// 10. Initialize Handlers
	keysHdlr := keysHandler.NewHandler(deviceKeysSvc)
	crossSigningHdlr := crossSigningHandler.NewHandler(crossSigningSvc)
	megolmHdlr := megolmHandler.NewHandler(megolmSvc)
	toDeviceHdlr := toDeviceHandler.NewHandler(toDeviceSvc)
	backupHdlr := backupHandler.NewHandler(backupSvc)
	keyRequestHdlr := keyRequestHandler.NewHandler(keyRequestSvc)
	secretStorageHdlr := secretStorageHandler.NewHandler(secretStorageSvc)

	toDeviceHub := wsHandler.NewToDeviceHub(notifier, toDeviceSvc, appMetrics, cfg.Server.AllowedOrigins)

	// 11. Setup Gin Router
	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	if err := router.SetTrustedProxies(cfg.Server.TrustedProxies); err != nil {
		logger.Fatal("Invalid TRUSTED_PROXIES", zap.Error(err))
	}

	router.Use(middleware.Recovery())
	router.Use(middleware.RequestLogger())
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.CORSMiddleware(cfg.Server.AllowedOrigins))
	router.Use(prometheusMiddleware.Handler())

	router.GET("/health", middleware.HealthCheck(cfg.Server.ServiceName))
	router.GET("/metrics", middleware.MetricsHandler(appMetrics))

	revocationChecker := middleware.NewRedisRevocationChecker(redisDB.Client)
	rateLimiter := middleware.NewRateLimiter(redisDB.Client, cfg.Server.RequestsPerMinute, time.Minute, appMetrics)
	claimLimiter := middleware.NewTokenBucketLimiter(cfg.E2EE.ClaimRateLimit, cfg.E2EE.ClaimRateBurst, 10*time.Minute, appMetrics)
	timeouts := middleware.NewTimeoutMiddleware(cfg.Server.RequestTimeout, appMetrics)

	v1 := router.Group("/v1")
	v1.Use(middleware.AuthMiddleware(jwtManager, revocationChecker))
	v1.Use(rateLimiter.Middleware())
	{
		// The stream outlives any request timeout
		v1.GET("/ws/to-device", toDeviceHub.ServeWS)

		api := v1.Group("")
		api.Use(timeouts.Middleware())

		// Device key directory
		keys := api.Group("/keys")
		{
			keys.POST("/upload", keysHdlr.UploadKeys)
			keys.POST("/query", keysHdlr.QueryKeys)
			keys.POST("/claim", claimLimiter.Middleware(), keysHdlr.ClaimKeys)
			keys.GET("/changes", keysHdlr.KeyChanges)

			// Cross-signing
			keys.POST("/device_signing/upload", crossSigningHdlr.SetupCrossSigning)
			keys.GET("/device_signing", crossSigningHdlr.GetCrossSigningKeys)
			keys.DELETE("/device_signing", crossSigningHdlr.DeleteCrossSigningKeys)
			keys.POST("/signatures/upload", crossSigningHdlr.UploadSignatures)
			keys.POST("/signatures/device", crossSigningHdlr.SignDevice)
			keys.POST("/signatures/user", crossSigningHdlr.SignUser)
			keys.GET("/signatures/:user_id", crossSigningHdlr.GetUserSignatures)
			keys.GET("/signatures/:user_id/:device_id", crossSigningHdlr.GetDeviceSignatures)
			keys.GET("/trust/:user_id/:device_id", crossSigningHdlr.VerifyDevice)
		}
		api.DELETE("/devices/:device_id/keys", keysHdlr.DeleteDeviceKeys)

		// Group sessions
		api.POST("/rooms/:room_id/sessions", megolmHdlr.CreateSession)
		api.GET("/rooms/:room_id/sessions", megolmHdlr.RoomSessions)
		api.POST("/rooms/:room_id/encrypt", megolmHdlr.EncryptForRoom)
		sessions := api.Group("/sessions/:session_id")
		{
			sessions.POST("/encrypt", megolmHdlr.Encrypt)
			sessions.POST("/decrypt", megolmHdlr.Decrypt)
			sessions.POST("/rotate", megolmHdlr.RotateSession)
			sessions.POST("/share", megolmHdlr.ShareSession)
		}

		// To-device
		api.PUT("/sendToDevice/:event_type/:txn_id", toDeviceHdlr.SendToDevice)
		api.GET("/sendToDevice", toDeviceHdlr.Inbox)

		// Key backup
		roomKeys := api.Group("/room_keys")
		{
			roomKeys.POST("/version", backupHdlr.CreateVersion)
			roomKeys.GET("/version", backupHdlr.GetVersion)
			roomKeys.GET("/versions", backupHdlr.ListVersions)
			roomKeys.GET("/version/:version", backupHdlr.GetVersion)
			roomKeys.PUT("/version/:version", backupHdlr.UpdateVersion)
			roomKeys.DELETE("/version/:version", backupHdlr.DeleteVersion)
			roomKeys.POST("/version/:version/export", middleware.WithTimeoutOverride(2*time.Minute), backupHdlr.ExportArchive)

			roomKeys.PUT("/keys", backupHdlr.UploadKeys)
			roomKeys.GET("/keys", backupHdlr.GetKeys)
			roomKeys.GET("/keys/:room_id", backupHdlr.GetKeys)
			roomKeys.GET("/keys/:room_id/:session_id", backupHdlr.GetKeys)

			roomKeys.POST("/recover", backupHdlr.RecoverKeys)
			roomKeys.GET("/recover/:version/progress", backupHdlr.RecoveryProgress)
			roomKeys.POST("/recover/:version/:room_id", backupHdlr.RecoverScoped)
			roomKeys.POST("/recover/:version/:room_id/:session_id", backupHdlr.RecoverScoped)

			roomKeys.POST("/verify/:version", middleware.WithTimeoutOverride(2*time.Minute), backupHdlr.VerifyBackup)

			// Key requests between a user's devices
			roomKeys.POST("/requests", keyRequestHdlr.Create)
			roomKeys.GET("/requests", keyRequestHdlr.List)
			roomKeys.GET("/requests/:request_id", keyRequestHdlr.Get)
			roomKeys.DELETE("/requests/:request_id", keyRequestHdlr.Cancel)
			roomKeys.POST("/requests/:request_id/fulfil", keyRequestHdlr.Fulfil)
		}

		// Secret storage
		secrets := api.Group("/secret_storage")
		{
			secrets.GET("", secretStorageHdlr.Status)
			secrets.GET("/keys", secretStorageHdlr.ListKeys)
			secrets.PUT("/keys/:key_id", secretStorageHdlr.PutKey)
			secrets.GET("/keys/:key_id", secretStorageHdlr.GetKey)
			secrets.DELETE("/keys/:key_id", secretStorageHdlr.DeleteKey)
			secrets.PUT("/default_key", secretStorageHdlr.SetDefaultKey)
			secrets.GET("/default_key", secretStorageHdlr.DefaultKey)
			secrets.POST("/secrets/query", secretStorageHdlr.QuerySecrets)
			secrets.PUT("/secrets/:name", secretStorageHdlr.PutSecret)
			secrets.GET("/secrets/:name", secretStorageHdlr.GetSecret)
			secrets.DELETE("/secrets/:name", secretStorageHdlr.DeleteSecret)
		}
	}

	// 12. Start server
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Keys service starting",
			zap.Int("port", cfg.Server.Port),
			zap.String("environment", cfg.Server.Environment))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// 13. Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.GracefulShutdownTimeout)
	defer cancel()

	toDeviceHub.Close()
	<-scheduler.Stop().Done()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server exited")
}
