// Package app provides dependency injection container for assembling application components.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/allisson/webpush-kms/internal/config"
	"github.com/allisson/webpush-kms/internal/database"
	"github.com/allisson/webpush-kms/internal/http"
	kmsHTTP "github.com/allisson/webpush-kms/internal/kms/http"
	"github.com/allisson/webpush-kms/internal/kms/repository"
	"github.com/allisson/webpush-kms/internal/kms/repository/memory"
	"github.com/allisson/webpush-kms/internal/kms/repository/postgresql"
	"github.com/allisson/webpush-kms/internal/kms/rpc"
	"github.com/allisson/webpush-kms/internal/kms/service"
	"github.com/allisson/webpush-kms/internal/kms/usecase"
	"github.com/allisson/webpush-kms/internal/metrics"

	cryptoService "github.com/allisson/webpush-kms/internal/crypto/service"
)

// Container holds all application dependencies and provides methods to access them.
// It follows the lazy initialization pattern - components are created on first access.
type Container struct {
	// Configuration
	config *config.Config

	// Infrastructure
	logger          *slog.Logger
	db              *sql.DB
	store           repository.Store
	aead            cryptoService.AEADManager
	metricsProvider *metrics.Provider

	// KMS services
	unlockService *service.UnlockService
	auditService  *service.AuditService
	keyService    *service.KeyService
	leaseService  *service.LeaseService

	// Use case and transport
	kmsUseCase usecase.KMSUseCase
	dispatcher *rpc.Dispatcher

	// Servers
	httpServer    *http.Server
	metricsServer *http.MetricsServer

	// Initialization flags and mutex for thread-safety
	mu                  sync.Mutex
	loggerInit          sync.Once
	dbInit              sync.Once
	storeInit           sync.Once
	metricsProviderInit sync.Once
	unlockInit          sync.Once
	auditInit           sync.Once
	keyInit             sync.Once
	leaseInit           sync.Once
	useCaseInit         sync.Once
	dispatcherInit      sync.Once
	httpServerInit      sync.Once
	metricsServerInit   sync.Once
	initErrors          map[string]error
}

// NewContainer creates a new dependency injection container with the provided configuration.
func NewContainer(cfg *config.Config) *Container {
	return &Container{
		config:     cfg,
		initErrors: make(map[string]error),
	}
}

// Config returns the application configuration.
func (c *Container) Config() *config.Config {
	return c.config
}

// Logger returns the configured logger instance.
// It creates a new logger on first access based on the log level in configuration.
func (c *Container) Logger() *slog.Logger {
	c.loggerInit.Do(func() {
		c.logger = c.initLogger()
	})
	return c.logger
}

// DB returns the database connection. Unused when the store driver is "memory".
func (c *Container) DB() (*sql.DB, error) {
	c.dbInit.Do(func() {
		db, err := c.initDB()
		if err != nil {
			c.initErrors["db"] = err
			return
		}
		c.db = db
	})
	if err, exists := c.initErrors["db"]; exists {
		return nil, err
	}
	return c.db, nil
}

// Store returns the persistence layer the KMS core reads and writes through.
func (c *Container) Store() (repository.Store, error) {
	c.storeInit.Do(func() {
		store, err := c.initStore()
		if err != nil {
			c.initErrors["store"] = err
			return
		}
		c.store = store
	})
	if err, exists := c.initErrors["store"]; exists {
		return nil, err
	}
	return c.store, nil
}

// AEADManager returns the AEAD cipher factory used to wrap/unwrap key material.
func (c *Container) AEADManager() cryptoService.AEADManager {
	if c.aead == nil {
		c.aead = cryptoService.NewAEADManager()
	}
	return c.aead
}

// MetricsProvider returns the OpenTelemetry/Prometheus metrics provider, or
// nil if metrics are disabled.
func (c *Container) MetricsProvider() (*metrics.Provider, error) {
	if !c.config.MetricsEnabled {
		return nil, nil
	}
	c.metricsProviderInit.Do(func() {
		provider, err := metrics.NewProvider(c.config.MetricsNamespace)
		if err != nil {
			c.initErrors["metricsProvider"] = err
			return
		}
		c.metricsProvider = provider
	})
	if err, exists := c.initErrors["metricsProvider"]; exists {
		return nil, err
	}
	return c.metricsProvider, nil
}

// BusinessMetrics returns the KMS use case metrics recorder, falling back to
// a no-op implementation when metrics are disabled.
func (c *Container) BusinessMetrics() (metrics.BusinessMetrics, error) {
	provider, err := c.MetricsProvider()
	if err != nil {
		return nil, fmt.Errorf("failed to get metrics provider: %w", err)
	}
	if provider == nil {
		return metrics.NewNoOpBusinessMetrics(), nil
	}
	return metrics.NewBusinessMetrics(provider.MeterProvider(), c.config.MetricsNamespace)
}

// UnlockService returns the per-operation unlock/enrollment service.
func (c *Container) UnlockService() (*service.UnlockService, error) {
	var err error
	c.unlockInit.Do(func() {
		var store repository.Store
		store, err = c.Store()
		if err != nil {
			return
		}
		c.unlockService = service.NewUnlockService(
			store,
			c.AEADManager(),
			c.config.PBKDF2MinDuration,
			c.config.PBKDF2MaxDuration,
			c.config.PBKDF2MinIterations,
			c.config.PBKDF2MaxIterations,
		)
	})
	if err != nil {
		return nil, err
	}
	return c.unlockService, nil
}

// AuditService returns the hash-chained audit log service.
func (c *Container) AuditService() (*service.AuditService, error) {
	var err error
	c.auditInit.Do(func() {
		var store repository.Store
		store, err = c.Store()
		if err != nil {
			return
		}
		c.auditService = service.NewAuditService(store, c.AEADManager(), c.config.AuditSigningAlg)
	})
	if err != nil {
		return nil, err
	}
	return c.auditService, nil
}

// KeyService returns the VAPID key generation/signing service.
func (c *Container) KeyService() (*service.KeyService, error) {
	var err error
	c.keyInit.Do(func() {
		var store repository.Store
		store, err = c.Store()
		if err != nil {
			return
		}
		var audit *service.AuditService
		audit, err = c.AuditService()
		if err != nil {
			return
		}
		var unlock *service.UnlockService
		unlock, err = c.UnlockService()
		if err != nil {
			return
		}
		c.keyService = service.NewKeyService(store, c.AEADManager(), audit, unlock)
	})
	if err != nil {
		return nil, err
	}
	return c.keyService, nil
}

// LeaseService returns the lease and quota engine.
func (c *Container) LeaseService() (*service.LeaseService, error) {
	var err error
	c.leaseInit.Do(func() {
		var store repository.Store
		store, err = c.Store()
		if err != nil {
			return
		}
		var keys *service.KeyService
		keys, err = c.KeyService()
		if err != nil {
			return
		}
		var unlock *service.UnlockService
		unlock, err = c.UnlockService()
		if err != nil {
			return
		}
		var audit *service.AuditService
		audit, err = c.AuditService()
		if err != nil {
			return
		}
		c.leaseService = service.NewLeaseService(store, keys, unlock, audit, c.config.VAPIDTokenTTL)
	})
	if err != nil {
		return nil, err
	}
	return c.leaseService, nil
}

// KMSUseCase returns the application-layer KMS use case, wrapped with metrics.
func (c *Container) KMSUseCase() (usecase.KMSUseCase, error) {
	var err error
	c.useCaseInit.Do(func() {
		var store repository.Store
		store, err = c.Store()
		if err != nil {
			return
		}
		var unlock *service.UnlockService
		unlock, err = c.UnlockService()
		if err != nil {
			return
		}
		var audit *service.AuditService
		audit, err = c.AuditService()
		if err != nil {
			return
		}
		var keys *service.KeyService
		keys, err = c.KeyService()
		if err != nil {
			return
		}
		var leases *service.LeaseService
		leases, err = c.LeaseService()
		if err != nil {
			return
		}
		uc := usecase.NewKMSUseCase(store, unlock, audit, keys, leases)

		var businessMetrics metrics.BusinessMetrics
		businessMetrics, err = c.BusinessMetrics()
		if err != nil {
			return
		}
		c.kmsUseCase = usecase.NewKMSUseCaseWithMetrics(uc, businessMetrics)
	})
	if err != nil {
		return nil, err
	}
	return c.kmsUseCase, nil
}

// Dispatcher returns the RPC request orchestrator.
func (c *Container) Dispatcher() (*rpc.Dispatcher, error) {
	var err error
	c.dispatcherInit.Do(func() {
		var uc usecase.KMSUseCase
		uc, err = c.KMSUseCase()
		if err != nil {
			return
		}
		c.dispatcher = rpc.NewDispatcher(uc)
	})
	if err != nil {
		return nil, err
	}
	return c.dispatcher, nil
}

// HTTPServer returns the HTTP server instance.
func (c *Container) HTTPServer() (*http.Server, error) {
	c.httpServerInit.Do(func() {
		server, err := c.initHTTPServer()
		if err != nil {
			c.initErrors["httpServer"] = err
			return
		}
		c.httpServer = server
	})
	if err, exists := c.initErrors["httpServer"]; exists {
		return nil, err
	}
	return c.httpServer, nil
}

// MetricsServer returns the Prometheus metrics server instance, or nil if
// metrics are disabled.
func (c *Container) MetricsServer() (*http.MetricsServer, error) {
	if !c.config.MetricsEnabled {
		return nil, nil
	}
	var err error
	c.metricsServerInit.Do(func() {
		var provider *metrics.Provider
		provider, err = c.MetricsProvider()
		if err != nil {
			return
		}
		c.metricsServer = http.NewMetricsServer(c.config.MetricsHost, c.config.MetricsPort, c.Logger(), provider)
	})
	if err != nil {
		return nil, err
	}
	return c.metricsServer, nil
}

// StartLeaseMaintenance launches the expired-lease sweep loop in its own
// goroutine. The caller is responsible for cancelling ctx on shutdown.
func (c *Container) StartLeaseMaintenance(ctx context.Context) error {
	leases, err := c.LeaseService()
	if err != nil {
		return fmt.Errorf("failed to get lease service for maintenance: %w", err)
	}
	go func() {
		_ = leases.StartMaintenance(ctx, c.config.LeaseSweepInterval, c.Logger())
	}()
	return nil
}

// Shutdown performs cleanup of all initialized resources.
// It should be called when the application is shutting down.
func (c *Container) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var shutdownErrors []error

	// Shutdown HTTP server if initialized
	if c.httpServer != nil {
		if err := c.httpServer.Shutdown(ctx); err != nil {
			shutdownErrors = append(shutdownErrors, fmt.Errorf("http server shutdown: %w", err))
		}
	}

	// Shutdown metrics server if initialized
	if c.metricsServer != nil {
		if err := c.metricsServer.Shutdown(ctx); err != nil {
			shutdownErrors = append(shutdownErrors, fmt.Errorf("metrics server shutdown: %w", err))
		}
	}

	if c.metricsProvider != nil {
		if err := c.metricsProvider.Shutdown(ctx); err != nil {
			shutdownErrors = append(shutdownErrors, fmt.Errorf("metrics provider shutdown: %w", err))
		}
	}

	// Close database connection if initialized
	if c.db != nil {
		if err := c.db.Close(); err != nil {
			shutdownErrors = append(shutdownErrors, fmt.Errorf("database close: %w", err))
		}
	}

	// Return combined errors if any occurred
	if len(shutdownErrors) > 0 {
		return fmt.Errorf("shutdown errors: %v", shutdownErrors)
	}

	return nil
}

// initLogger creates and configures a structured logger based on the log level.
func (c *Container) initLogger() *slog.Logger {
	var logLevel slog.Level
	switch c.config.LogLevel {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})

	return slog.New(handler)
}

// initDB creates and configures the database connection.
func (c *Container) initDB() (*sql.DB, error) {
	db, err := database.Connect(database.Config{
		Driver:             c.config.DBDriver,
		ConnectionString:   c.config.DBConnectionString,
		MaxOpenConnections: c.config.DBMaxOpenConnections,
		MaxIdleConnections: c.config.DBMaxIdleConnections,
		ConnMaxLifetime:    c.config.DBConnMaxLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// initStore selects the Store implementation for the configured driver. The
// in-memory store is for tests and single-process dev use; "postgres" is the
// only SQL-backed driver the KMS ships.
func (c *Container) initStore() (repository.Store, error) {
	if c.config.DBDriver == "memory" {
		return memory.New(), nil
	}

	db, err := c.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database for store: %w", err)
	}
	return postgresql.New(db), nil
}

// initHTTPServer creates the HTTP server with all its dependencies.
func (c *Container) initHTTPServer() (*http.Server, error) {
	logger := c.Logger()

	dispatcher, err := c.Dispatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to get rpc dispatcher for http server: %w", err)
	}

	var db *sql.DB
	if c.config.DBDriver != "memory" {
		db, err = c.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to get database for http server: %w", err)
		}
	}

	metricsProvider, err := c.MetricsProvider()
	if err != nil {
		return nil, fmt.Errorf("failed to get metrics provider for http server: %w", err)
	}

	server := http.NewServer(db, c.config.ServerHost, c.config.ServerPort, logger)

	rpcHandler := kmsHTTP.NewRPCHandler(dispatcher, logger)
	server.SetupRouter(c.config, rpcHandler, metricsProvider)

	return server, nil
}
