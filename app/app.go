package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/marketdash/storelink/internal/cache"
	"github.com/marketdash/storelink/internal/config"
	"github.com/marketdash/storelink/internal/crypto"
	"github.com/marketdash/storelink/internal/db"
	"github.com/marketdash/storelink/internal/handlers"
	"github.com/marketdash/storelink/internal/logging"
	"github.com/marketdash/storelink/internal/observability"
	"github.com/marketdash/storelink/internal/salla"
	"github.com/marketdash/storelink/internal/services"
	"github.com/marketdash/storelink/internal/session"
)

type App struct {
	Config         *config.Config
	Logger         *slog.Logger
	DB             *pgxpool.Pool
	Mongo          *db.MongoConnectionStore
	CacheProvider  cache.Provider
	SessionManager *session.Manager
	Metrics        *observability.Metrics
	Handlers       *handlers.Handlers

	sentryEnabled bool
}

func New() (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	sentryEnabled, err := initSentry(cfg)
	if err != nil {
		return nil, err
	}
	logger := logging.New(os.Stdout, logging.Options{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		Sentry: sentryEnabled,
	})

	a := &App{
		Config:        cfg,
		Logger:        logger,
		Metrics:       observability.NewMetrics(),
		sentryEnabled: sentryEnabled,
	}
	if err := a.init(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) init() error {
	cfg, logger := a.Config, a.Logger

	startupCtx, startupCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer startupCancel()

	encryptor, err := crypto.NewEncryptor(cfg.EncryptionKey)
	if err != nil {
		return fmt.Errorf("failed to initialize encryptor: %w", err)
	}

	var repo services.ConnectionRepository
	switch cfg.ConnectionStore {
	case "memory":
		logger.Warn("salla connections are kept in memory and are lost on restart")
		repo = db.NewMemoryConnectionStore()
	case "mongo":
		store, err := db.ConnectMongo(startupCtx, cfg.MongoURI, cfg.MongoDatabase, encryptor)
		if err != nil {
			return err
		}
		a.Mongo = store
		repo = store
	default:
		database, err := db.Connect(startupCtx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		a.DB = database
		if err := db.Migrate(startupCtx, database); err != nil {
			return err
		}
		store, err := db.NewConnectionStore(database, encryptor)
		if err != nil {
			return fmt.Errorf("failed to initialize connection store: %w", err)
		}
		repo = store
	}

	a.CacheProvider, err = cache.NewProvider(startupCtx, cache.Config{
		Provider:              cfg.CacheProvider,
		RedisConnectionString: cfg.RedisConnectionString,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize cache provider: %w", err)
	}

	sessionStore, err := session.NewStore(startupCtx, session.Config{
		Provider:              cfg.SessionStoreProvider,
		RedisConnectionString: cfg.RedisConnectionString,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize session store: %w", err)
	}
	a.SessionManager = session.NewManager(sessionStore, handlers.SecureCookiesFromConfig(cfg))

	sallaClient, err := salla.NewClient(salla.Config{
		ClientID:     cfg.SallaClientID,
		ClientSecret: cfg.SallaClientSecret,
		APIBaseURL:   cfg.SallaAPIBaseURL,
		AuthURL:      cfg.SallaAuthURL,
		TokenURL:     cfg.SallaTokenURL,
		HTTPClient:   observability.NewHTTPClient(cfg.SallaHTTPTimeout, cfg.SallaAPIBaseURL, cfg.SallaAuthURL, cfg.SallaTokenURL),
		Recorder:     a.Metrics,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize salla client: %w", err)
	}

	signer, err := services.NewStateSigner(cfg.OAuthStateSecret, cfg.OAuthStateTTL)
	if err != nil {
		return fmt.Errorf("failed to initialize oauth state signer: %w", err)
	}

	tokens := services.NewTokenManager(repo, sallaClient, a.Metrics, logger.With("component", "token_manager"))
	oauthService := services.NewOAuthService(sallaClient, repo, signer, a.CacheProvider, a.Metrics, logger.With("component", "salla_oauth"))
	connectionService := services.NewConnectionService(repo, sallaClient, tokens, logger.With("component", "salla_connections"))

	var storePinger handlers.StorePinger
	switch {
	case a.DB != nil:
		storePinger = a.DB
	case a.Mongo != nil:
		storePinger = a.Mongo
	}

	a.Handlers, err = handlers.New(handlers.Dependencies{
		Config:            cfg,
		Store:             storePinger,
		OAuthService:      oauthService,
		ConnectionService: connectionService,
		SessionManager:    a.SessionManager,
		Metrics:           a.Metrics,
		Logger:            logger,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize handlers: %w", err)
	}
	return nil
}

func (a *App) Close() {
	if a == nil {
		return
	}
	if a.SessionManager != nil {
		closeSessionManager(a.Logger, a.SessionManager)
	}
	if a.CacheProvider != nil {
		closeCacheProvider(a.Logger, a.CacheProvider)
	}
	if a.DB != nil {
		a.DB.Close()
	}
	if a.Mongo != nil {
		if err := a.Mongo.Close(); err != nil && a.Logger != nil {
			a.Logger.Warn("failed to close mongo client", "error", err)
		}
	}
	if a.sentryEnabled {
		sentry.Flush(2 * time.Second)
	}
}

// initSentry enables error reporting, tracing and logs when a DSN is set.
func initSentry(cfg *config.Config) (bool, error) {
	if cfg.SentryDSN == "" {
		return false, nil
	}
	err := sentry.Init(sentry.ClientOptions{
		Dsn:              cfg.SentryDSN,
		Environment:      cfg.SentryEnvironment,
		EnableTracing:    true,
		TracesSampleRate: 1.0,
		EnableLogs:       true,
	})
	if err != nil {
		return false, fmt.Errorf("failed to initialize sentry: %w", err)
	}
	return true, nil
}

func closeSessionManager(logger *slog.Logger, manager *session.Manager) {
	if manager == nil {
		return
	}
	if err := manager.Close(); err != nil && logger != nil {
		logger.Warn("failed to close session manager", "error", err)
	}
}

func closeCacheProvider(logger *slog.Logger, provider cache.Provider) {
	if provider == nil {
		return
	}
	if err := provider.Close(); err != nil && logger != nil {
		logger.Warn("failed to close cache provider", "error", err)
	}
}
