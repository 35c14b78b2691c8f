package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"area/internal/config"
	"area/internal/handlers"
	"area/internal/middleware"
	"area/internal/models"
	"area/internal/observability"
	"area/internal/providers"
	"area/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	gormtracing "gorm.io/plugin/opentelemetry/tracing"
)

func main() {
	viper.AddConfigPath(".")
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AutomaticEnv()
	_ = viper.ReadInConfig()

	cfg := config.Load()

	// Database and listen address can be overridden by flags or env so
	// containers keep one config file per environment.
	var (
		flagDSN   string
		dbHost    string
		dbPortStr string
		dbUser    string
		dbPass    string
		dbName    string
		dbSSLMode string
		dbTZ      string
		srvHost   string
		srvPort   int
	)
	flagSet := flag.NewFlagSet(os.Args[0], flag.ContinueOnError)
	flagSet.SetOutput(os.Stdout)
	flagSet.StringVar(&flagDSN, "dsn", os.Getenv("DB_DSN"), "Postgres DSN, if set overrides other DB flags")
	flagSet.StringVar(&dbHost, "db-host", getenvDefault("DB_HOST", cfg.Database.Host), "database host")
	flagSet.StringVar(&dbPortStr, "db-port", getenvDefault("DB_PORT", fmt.Sprintf("%d", cfg.Database.Port)), "database port")
	flagSet.StringVar(&dbUser, "db-user", getenvDefault("DB_USER", cfg.Database.User), "database user")
	flagSet.StringVar(&dbPass, "db-pass", getenvDefault("DB_PASSWORD", cfg.Database.Password), "database password")
	flagSet.StringVar(&dbName, "db-name", getenvDefault("DB_NAME", cfg.Database.Name), "database name")
	flagSet.StringVar(&dbSSLMode, "db-sslmode", getenvDefault("DB_SSLMODE", "disable"), "sslmode (disable, require, verify-ca, verify-full)")
	flagSet.StringVar(&dbTZ, "db-timezone", getenvDefault("DB_TIMEZONE", "UTC"), "database timezone")
	flagSet.StringVar(&srvHost, "host", getenvDefault("AREA_HOST", cfg.Server.Host), "server host (listen)")
	flagSet.IntVar(&srvPort, "port", func() int {
		if p := os.Getenv("AREA_PORT"); p != "" {
			if n, err := strconv.Atoi(p); err == nil {
				return n
			}
		}
		return cfg.Server.Port
	}(), "server port (listen)")
	_ = flagSet.Parse(os.Args[1:])

	dsn := flagDSN
	if dsn == "" {
		host := firstNonEmpty(dbHost, cfg.Database.Host)
		user := firstNonEmpty(dbUser, cfg.Database.User)
		pass := firstNonEmpty(dbPass, cfg.Database.Password)
		name := firstNonEmpty(dbName, cfg.Database.Name)
		port := dbPortStr
		if port == "" && cfg.Database.Port != 0 {
			port = fmt.Sprintf("%d", cfg.Database.Port)
		}
		dsn = fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=%s",
			host, user, pass, name, port, dbSSLMode, dbTZ)
	}

	if err := config.InitLogger(cfg); err != nil {
		logrus.Warnf("init logger: %v", err)
	}
	appLogger := logrus.StandardLogger()

	shutdownOTel, err := observability.SetupTracing(context.Background(), cfg)
	if err != nil {
		appLogger.Warnf("init tracing: %v", err)
	} else {
		defer func() { _ = shutdownOTel(context.Background()) }()
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)})
	if err != nil {
		appLogger.Fatalf("Failed to connect to database: %v", err)
	}
	if cfg.Monitoring.Tracing.Enabled {
		_ = db.Use(gormtracing.NewPlugin())
	}

	if err := db.AutoMigrate(
		&models.User{}, &models.ServiceConnection{},
		&models.Automation{}, &models.ExecutionRecord{}, &models.Channel{},
	); err != nil {
		appLogger.Fatalf("Failed to migrate database: %v", err)
	}

	// Provider adapters share one registry; every engine component
	// resolves capabilities through it.
	registry := providers.NewRegistry()
	githubAPI := providers.NewGitHubClient(cfg.Providers.GitHubBaseURL)
	googleAPI := providers.NewGoogleClient(cfg.Providers.GoogleBaseURL)
	registry.Register(providers.NewGitHubProvider(githubAPI, appLogger))
	registry.Register(providers.NewGmailProvider(googleAPI, cfg.Providers.GmailTopic, appLogger))
	registry.Register(providers.NewCalendarProvider(googleAPI, appLogger))
	registry.Register(providers.NewDriveProvider(googleAPI, appLogger))

	connections := services.NewConnectionService(db, appLogger)
	locks := services.NewAutomationLocks()
	breakers := services.NewBreakerSet(cfg.Engine.CircuitBreaker)
	cache := services.NewEventCache(cfg.Engine.DedupRetention, cfg.Engine.DedupSweep, appLogger)
	channelManager := services.NewChannelManager(db, registry, connections,
		cfg.Engine.CallbackBaseURL, cfg.Engine.RenewalInterval, cfg.Engine.RenewalMargin, appLogger)
	matcher := services.NewTriggerMatcher(db, registry, connections, cfg.Engine.FreshnessWindow, appLogger)
	executor := services.NewReactionExecutor(db, registry, connections, breakers, locks,
		cfg.Engine.HistoryLimit, appLogger)
	automationService := services.NewAutomationService(db, registry, channelManager, locks, appLogger)

	// Background loops: dedup sweeping and channel renewal.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go cache.Run(ctx)
	go channelManager.Run(ctx)

	if cfg.Log.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Logger())
	r.Use(gin.Recovery())
	r.Use(corsMiddleware())
	r.Use(middleware.RateLimitMiddleware(cfg))
	if cfg.Monitoring.Tracing.Enabled {
		r.Use(otelgin.Middleware(cfg.Monitoring.Tracing.ServiceName))
	}

	handlers.RegisterHealthRoutes(r, handlers.NewHealthHandler(db, appLogger))

	webhookHandler := handlers.NewWebhookHandler(matcher, executor, channelManager, cache,
		cfg.Engine.AllowUnsigned, cfg.Engine.FreshnessWindow, appLogger)
	handlers.RegisterWebhookRoutes(r, webhookHandler)
	if cfg.Engine.AllowUnsigned {
		appLogger.Warn("webhook signature verification is DISABLED")
	}

	public := r.Group("/api")
	api := r.Group("/api")
	api.Use(middleware.AuthMiddleware(cfg))

	handlers.RegisterAutomationRoutes(api, handlers.NewAutomationHandler(automationService, connections, appLogger))
	handlers.RegisterServiceRoutes(public, api, handlers.NewServiceHandler(registry, connections, appLogger))

	listenAddr := fmt.Sprintf("%s:%d", firstNonEmpty(srvHost, cfg.Server.Host), srvPort)
	srv := &http.Server{Addr: listenAddr, Handler: r}
	go func() {
		appLogger.Infof("Starting server on %s", listenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	appLogger.Info("Shutting down server...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Fatalf("Server forced to shutdown: %v", err)
	}
	appLogger.Info("Server exited")
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Content-Length, Accept-Encoding, Authorization")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	}
}
