package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	"tradeengine/internal/auth"
	"tradeengine/internal/broker"
	"tradeengine/internal/cache"
	"tradeengine/internal/catalog"
	"tradeengine/internal/config"
	cronrunner "tradeengine/internal/cron"
	"tradeengine/internal/db"
	"tradeengine/internal/handler"
	"tradeengine/internal/logger"
	"tradeengine/internal/optionchain"
	"tradeengine/internal/position"
	gormrepository "tradeengine/internal/repository/gorm"
	"tradeengine/internal/service"
	"tradeengine/internal/strategylock"

	_ "tradeengine/docs"
)

func main() {
	cfgPath := os.Getenv("TE_CONFIG")
	if cfgPath == "" {
		cfgPath = "config/config.yaml"
	}

	envOnly := false
	if envOnlyRaw := os.Getenv("TE_ENV_ONLY"); envOnlyRaw != "" {
		envOnly = strings.EqualFold(envOnlyRaw, "true") || envOnlyRaw == "1"
	}

	cfg, err := config.Load(cfgPath, envOnly)
	if err != nil {
		panic(err)
	}

	logger, err := logger.New(cfg.Log)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	dbConn, err := db.Open(cfg.DB)
	if err != nil {
		logger.Fatal("db open failed", zap.Error(err))
	}
	defer db.Close(dbConn)

	if err := db.SetTimezone(dbConn, cfg.DB.Timezone); err != nil {
		logger.Warn("failed to set timezone", zap.Error(err))
	}
	if err := db.AutoMigrate(dbConn); err != nil {
		logger.Fatal("auto-migrate failed", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rdb, err := cache.Open(ctx, cfg.Redis)
	if err != nil {
		logger.Fatal("redis open failed", zap.Error(err))
	}
	defer rdb.Close()

	rules, err := service.NewExpiryRules(cfg.Trading)
	if err != nil {
		logger.Fatal("invalid trading config", zap.Error(err))
	}

	store := gormrepository.New(dbConn.Gorm)
	sealer := broker.NewSealer(cfg.Brokers.SecretKey)
	if !sealer.Enabled() {
		logger.Warn("brokers.secret_key not set, broker credentials are stored unsealed")
	}
	sessions := &broker.SessionStore{Repo: store, Redis: rdb, Sealer: sealer, Logger: logger}
	brokers := broker.NewRegistry(store, sessions, cfg.Brokers, logger)

	positions := &position.Store{
		Repo:          store,
		Redis:         rdb,
		Logger:        logger,
		CloseAttempts: cfg.Trading.CloseAttempts,
		RetryDelay:    cfg.Trading.CloseRetryDelay,
	}
	instruments := &catalog.Catalog{Redis: rdb}
	submit := broker.OptionsFrom(cfg.Brokers)
	submit.Logger = logger

	dispatcher := &service.Dispatcher{
		Positions: positions,
		Catalog:   instruments,
		Chain:     &optionchain.View{Redis: rdb},
		Brokers:   brokers,
		Locks:     &strategylock.Locker{},
		Repo:      store,
		Rules:     rules,
		Submit:    submit,
		Logger:    logger,
		Timeout:   cfg.Trading.SignalTimeout,
	}
	lifecycle := &service.Lifecycle{Dispatcher: dispatcher}
	rollover := &service.Rollover{Dispatcher: dispatcher, Workers: cfg.Trading.Workers}
	markToMarket := &service.MarkToMarket{Dispatcher: dispatcher, Workers: cfg.Trading.Workers}
	credentials := &service.Credentials{Repo: store, Brokers: brokers, Logger: logger, Workers: cfg.Trading.Workers}
	refresher := &catalog.Refresher{
		Catalog:  instruments,
		HTTP:     &http.Client{Timeout: cfg.Catalog.Timeout},
		URL:      cfg.Catalog.MasterURL,
		Symbols:  cfg.Catalog.Symbols,
		Exchange: cfg.Catalog.Exchange,
		Logger:   logger,
	}

	rebuilt, err := positions.Rebuild(ctx)
	if err != nil {
		logger.Warn("position rebuild failed", zap.Error(err))
	} else {
		logger.Info("positions rebuilt",
			zap.Int("strategies", rebuilt.Strategies),
			zap.Int("keys", rebuilt.Keys),
			zap.Int("drifted", rebuilt.Drifted),
		)
	}

	if strings.EqualFold(cfg.App.Env, "dev") {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(corsMiddleware())

	healthHandler := &handler.HealthHandler{DB: dbConn, Redis: rdb}
	healthHandler.Register(engine)
	engine.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	webhookHandler := &handler.WebhookHandler{Lifecycle: lifecycle, Secret: cfg.Webhook.Secret, Logger: logger}
	webhookHandler.Register(engine)
	if cfg.Webhook.Secret == "" {
		logger.Warn("webhook.secret not set, order updates are accepted unsigned")
	}

	api := engine.Group("")
	operator := api.Group("")
	if cfg.Auth.Disabled {
		logger.Warn("api auth disabled")
	} else {
		if cfg.Auth.JWTSecret == "" {
			logger.Fatal("auth.jwt_secret is required unless auth.disabled is set")
		}
		api.Use(auth.Middleware(auth.JWT{Secret: []byte(cfg.Auth.JWTSecret), TokenTTL: cfg.Auth.TokenTTL}))
		operator = api.Group("", auth.RequireRole(auth.RoleOperator))
	}
	strategyHandler := &handler.StrategyHandler{Repo: store}
	strategyHandler.Register(operator)
	tradingHandler := &handler.TradingHandler{
		Repo:       store,
		Dispatcher: dispatcher,
		Direct:     &service.DirectService{Dispatcher: dispatcher},
	}
	tradingHandler.Register(api)
	cronHandler := &handler.CronHandler{Rollover: rollover, MarkToMarket: markToMarket}
	cronHandler.Register(operator)

	srv := &http.Server{
		Addr:    cfg.Server.HTTPAddr,
		Handler: engine,
	}

	cronRunner := cronrunner.New(logger, ctx)
	if cfg.Cron.Enabled {
		jobs := []struct {
			name string
			spec string
			run  cronrunner.Job
		}{
			{"rollover", cfg.Cron.Rollover, func(ctx context.Context) error {
				_, err := rollover.Run(ctx)
				return err
			}},
			{"daily_profit", cfg.Cron.DailyProfit, func(ctx context.Context) error {
				_, err := markToMarket.Run(ctx)
				return err
			}},
			{"credentials", cfg.Cron.Credentials, func(ctx context.Context) error {
				_, err := credentials.RefreshAll(ctx)
				return err
			}},
			{"catalog", cfg.Cron.Catalog, func(ctx context.Context) error {
				_, err := refresher.Refresh(ctx)
				return err
			}},
		}
		for _, job := range jobs {
			if strings.TrimSpace(job.spec) == "" {
				continue
			}
			if _, err := cronRunner.Add(job.name, job.spec, job.run); err != nil {
				logger.Fatal("cron schedule invalid", zap.String("job", job.name), zap.Error(err))
			}
		}
		cronRunner.Start()
		defer cronRunner.Stop()
	}

	go func() {
		logger.Info("http server started", zap.String("addr", cfg.Server.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown failed", zap.Error(err))
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization,X-Webhook-Signature")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
