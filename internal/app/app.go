package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/formrelay/formrelay/internal/apiclient"
	"github.com/formrelay/formrelay/internal/audit"
	"github.com/formrelay/formrelay/internal/cache"
	"github.com/formrelay/formrelay/internal/config"
	"github.com/formrelay/formrelay/internal/db"
	"github.com/formrelay/formrelay/internal/dispatch"
	"github.com/formrelay/formrelay/internal/forms"
	"github.com/formrelay/formrelay/internal/http/api/admin"
	adminhandlers "github.com/formrelay/formrelay/internal/http/api/admin/handlers"
	"github.com/formrelay/formrelay/internal/http/api/front"
	"github.com/formrelay/formrelay/internal/intake"
	"github.com/formrelay/formrelay/internal/integrations"
	"github.com/formrelay/formrelay/internal/logging"
	"github.com/formrelay/formrelay/internal/mapping"
	"github.com/formrelay/formrelay/internal/metrics"
	"github.com/formrelay/formrelay/internal/notify"
	"github.com/formrelay/formrelay/internal/ratelimit"
	"github.com/formrelay/formrelay/internal/retry"
	"github.com/formrelay/formrelay/internal/security"
	"github.com/formrelay/formrelay/internal/settings"
	"github.com/formrelay/formrelay/internal/submissions"
	"github.com/formrelay/formrelay/internal/tracing"
	"github.com/formrelay/formrelay/internal/uploads"
	"github.com/formrelay/formrelay/internal/validation"

	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const cacheEntries = 4096

// Migrate opens the database and runs migrations.
func Migrate(ctx context.Context, cfg config.AppConfig) error {
	appCfg, err := config.Load(cfg.ConfigPath)
	if err != nil {
		return err
	}
	conn, err := openDatabase(appCfg.Database)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close(conn) }()
	if missing := db.MissingTables(conn); len(missing) > 0 {
		log.Infof("creating tables: %s", strings.Join(missing, ", "))
	}
	if errMigrate := db.Migrate(conn.WithContext(ctx)); errMigrate != nil {
		return errMigrate
	}
	log.Info("migrations applied")
	return nil
}

// IssueAdminToken signs an admin token for username without a password check.
func IssueAdminToken(cfg config.AppConfig, username string) (string, error) {
	appCfg, err := config.Load(cfg.ConfigPath)
	if err != nil {
		return "", err
	}
	if username == "" {
		username = appCfg.Auth.AdminUser
	}
	return security.GenerateAdminToken(appCfg.Auth.JWTSecret, username, appCfg.Auth.AdminTokenTTL)
}

// RunServer boots the intake and admin API and blocks until ctx is done.
func RunServer(ctx context.Context, cfg config.AppConfig) error {
	appCfg, err := config.Load(cfg.ConfigPath)
	if err != nil {
		return err
	}
	logCloser, err := logging.Setup(appCfg.Logging)
	if err != nil {
		return err
	}
	defer func() { _ = logCloser.Close() }()

	shutdownTracing, err := tracing.Init(ctx, appCfg.Tracing)
	if err != nil {
		return err
	}
	defer func() {
		if errShutdown := shutdownTracing(context.Background()); errShutdown != nil {
			log.WithError(errShutdown).Warn("tracing shutdown failed")
		}
	}()

	conn, err := openDatabase(appCfg.Database)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close(conn) }()
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		return errMigrate
	}

	settingsStore := settings.NewStore()
	if errRefresh := settingsStore.Refresh(ctx, conn); errRefresh != nil {
		return fmt.Errorf("load settings: %w", errRefresh)
	}

	var (
		limiter ratelimit.Limiter   = ratelimit.NewMemoryLimiter()
		nonces  security.NonceStore = security.NewMemoryNonceStore()
	)
	if appCfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: appCfg.Redis.Addr, Password: appCfg.Redis.Password, DB: appCfg.Redis.DB})
		defer func() { _ = rdb.Close() }()
		if errPing := rdb.Ping(ctx).Err(); errPing != nil {
			return fmt.Errorf("redis ping: %w", errPing)
		}
		limiter = ratelimit.NewRedisLimiter(rdb)
		nonces = security.NewRedisNonceStore(rdb)
		log.Infof("rate limits and token nonces stored in redis %s", appCfg.Redis.Addr)
	}

	switch {
	case appCfg.Auth.AdminPassword == "":
		log.Warn("auth.admin-password-hash is empty; admin login is disabled")
	case !security.IsPasswordHash(appCfg.Auth.AdminPassword):
		log.Warn("auth.admin-password-hash is not a bcrypt hash; run `formrelay hash-password`")
	}

	cipher, err := security.NewCipher(appCfg.Auth.EncryptionKey)
	if err != nil {
		return err
	}
	client := apiclient.New()
	registry := integrations.NewRegistry(conn, cipher, client)
	for _, d := range integrations.Builtin() {
		registry.Register(d)
	}
	if errReload := registry.Reload(ctx); errReload != nil {
		return errReload
	}
	defer registry.Close()

	appCache := cache.NewManager(cacheEntries)
	formStore := forms.NewStore(conn, appCache)
	submissionStore := submissions.NewStore(conn)
	mappings := mapping.NewRepository(conn)
	auditLogger := audit.NewLogger(conn)

	queue, closeQueue, retryStore, err := buildQueue(appCfg, conn)
	if err != nil {
		return err
	}
	dispatcher := dispatch.New(conn, dispatch.Config{
		Providers:   registry,
		Meta:        formStore,
		Mappings:    mappings,
		Submissions: submissionStore,
		Audit:       auditLogger,
		Queue:       queue,
	})
	if retryStore != nil {
		retry.NewWorker(retryStore, dispatcher, settingsStore, appCfg.Dispatch.LeaseTimeout).Start(ctx)
	} else {
		redisOpt := asynq.RedisClientOpt{Addr: appCfg.Redis.Addr, Password: appCfg.Redis.Password, DB: appCfg.Redis.DB}
		concurrency := settingsStore.Int(settings.RetryMaxConcurrencyKey, settings.DefaultRetryMaxConcurrency)
		srv, mux := retry.NewAsynqServer(redisOpt, concurrency, dispatcher)
		if errStart := srv.Start(mux); errStart != nil {
			closeQueue()
			return fmt.Errorf("start asynq server: %w", errStart)
		}
		defer srv.Shutdown()
	}
	defer closeQueue()

	audit.NewRetentionCleaner(conn, settingsStore).Start(ctx)

	var mailer notify.Mailer
	if appCfg.Mail.SendGridAPIKey != "" {
		mailer = notify.NewSendGridMailer(appCfg.Mail.SendGridAPIKey, appCfg.Mail.SendGridHost)
	}
	notifier := notify.NewNotifier(mailer, auditLogger, appCfg.Mail.FromName, appCfg.Mail.FromEmail)

	var validatorOpts []validation.Option
	if appCfg.Captcha.Secret != "" {
		validatorOpts = append(validatorOpts, validation.WithCaptcha(&validation.HTTPVerifier{
			Client:    client,
			VerifyURL: appCfg.Captcha.VerifyURL,
			Secret:    appCfg.Captcha.Secret,
			Timeout:   appCfg.Captcha.Timeout,
		}))
	}

	svc := intake.NewService(intake.Config{
		Secret:      appCfg.Auth.JWTSecret,
		TokenTTL:    appCfg.Auth.FormTokenTTL,
		Forms:       formStore,
		Submissions: submissionStore,
		Settings:    settingsStore,
		Limiter:     limiter,
		Nonces:      nonces,
		Validator:   validation.New(validatorOpts...),
		Uploads:     uploads.NewIntake(appCfg.Uploads.Dir, appCfg.Uploads.BaseURL),
		Dispatcher:  dispatcher,
		Notifier:    notifier,
	})

	engine := gin.New()
	engine.Use(gin.Recovery(), logging.GinLogger())
	if errProxies := engine.SetTrustedProxies(appCfg.Server.TrustedProxies); errProxies != nil {
		return fmt.Errorf("trusted proxies: %w", errProxies)
	}
	if appCfg.Server.Metrics {
		metrics.Register()
		engine.Use(metrics.GinMiddleware())
		engine.GET("/metrics", metrics.Handler())
	}
	engine.GET("/healthz", adminhandlers.NewHealthHandler(conn).Healthz)
	front.RegisterFrontRoutes(engine, svc)
	admin.RegisterAdminRoutes(engine, admin.Deps{
		DB:          conn,
		Auth:        appCfg.Auth,
		Forms:       formStore,
		Submissions: submissionStore,
		Registry:    registry,
		Mappings:    mappings,
		Cache:       appCache,
		Settings:    settingsStore,
		Audit:       auditLogger,
		Retries:     retryStore,
		Dispatcher:  dispatcher,
	})

	server := &http.Server{
		Addr:              appCfg.Server.Addr,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		log.Infof("formrelay listening on %s", appCfg.Server.Addr)
		if errServe := server.ListenAndServe(); errServe != nil && !errors.Is(errServe, http.ErrServerClosed) {
			serveErr <- errServe
		}
		close(serveErr)
	}()

	select {
	case errServe := <-serveErr:
		if errServe != nil {
			return errServe
		}
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), appCfg.Server.ShutdownTimeout)
	defer cancel()
	if errShutdown := server.Shutdown(shutdownCtx); errShutdown != nil {
		log.WithError(errShutdown).Warn("http server shutdown failed")
	}
	if errDrain := dispatcher.Shutdown(shutdownCtx); errDrain != nil {
		log.WithError(errDrain).Warn("in-flight dispatches abandoned")
	}
	return nil
}

func openDatabase(cfg config.DatabaseConfig) (*gorm.DB, error) {
	return db.Open(cfg.DSN, db.Options{MaxOpenConns: cfg.MaxOpenConns, SlowThreshold: time.Second})
}

// buildQueue returns the retry queue for cfg. The retry store is nil when
// retries are scheduled through asynq.
func buildQueue(cfg *config.Config, conn *gorm.DB) (dispatch.Queue, func(), *retry.Store, error) {
	if cfg.Dispatch.Queue != "asynq" {
		store := retry.NewStore(conn)
		return store, func() {}, store, nil
	}
	if cfg.Redis.Addr == "" {
		return nil, nil, nil, errors.New("dispatch queue asynq requires redis.addr")
	}
	client := asynq.NewClient(asynq.RedisClientOpt{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	return retry.NewAsynqQueue(client), func() { _ = client.Close() }, nil, nil
}
