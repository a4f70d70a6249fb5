package app

import (
	"context"
	"testing"
	"time"

	"github.com/allisson/webpush-kms/internal/config"
)

func testConfig() *config.Config {
	return &config.Config{
		ServerHost:                  "localhost",
		ServerPort:                  8080,
		MetricsEnabled:              false,
		MetricsNamespace:            "test_app",
		DBDriver:                    "memory",
		LogLevel:                    "info",
		AuditSigningAlg:             "ed25519",
		PBKDF2MinDuration:           10 * time.Millisecond,
		PBKDF2MaxDuration:           50 * time.Millisecond,
		PBKDF2MinIterations:         1000,
		PBKDF2MaxIterations:         10000,
		VAPIDTokenTTL:               15 * time.Minute,
		DefaultTokensPerHour:        100,
		DefaultSendsPerMinute:       10,
		DefaultBurstSends:           50,
		DefaultSendsPerMinutePerEid: 5,
		LeaseSweepInterval:          5 * time.Minute,
	}
}

func TestContainer_MemoryDriverWiring(t *testing.T) {
	c := NewContainer(testConfig())

	store, err := c.Store()
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if store == nil {
		t.Fatal("expected non-nil store")
	}

	if _, err := c.UnlockService(); err != nil {
		t.Fatalf("UnlockService: %v", err)
	}
	if _, err := c.AuditService(); err != nil {
		t.Fatalf("AuditService: %v", err)
	}
	if _, err := c.KeyService(); err != nil {
		t.Fatalf("KeyService: %v", err)
	}
	if _, err := c.LeaseService(); err != nil {
		t.Fatalf("LeaseService: %v", err)
	}

	uc, err := c.KMSUseCase()
	if err != nil {
		t.Fatalf("KMSUseCase: %v", err)
	}
	if uc == nil {
		t.Fatal("expected non-nil use case")
	}

	dispatcher, err := c.Dispatcher()
	if err != nil {
		t.Fatalf("Dispatcher: %v", err)
	}
	if dispatcher == nil {
		t.Fatal("expected non-nil dispatcher")
	}

	server, err := c.HTTPServer()
	if err != nil {
		t.Fatalf("HTTPServer: %v", err)
	}
	if server == nil {
		t.Fatal("expected non-nil http server")
	}

	metricsProvider, err := c.MetricsProvider()
	if err != nil {
		t.Fatalf("MetricsProvider: %v", err)
	}
	if metricsProvider != nil {
		t.Fatal("expected nil metrics provider when metrics disabled")
	}

	metricsServer, err := c.MetricsServer()
	if err != nil {
		t.Fatalf("MetricsServer: %v", err)
	}
	if metricsServer != nil {
		t.Fatal("expected nil metrics server when metrics disabled")
	}
}

func TestContainer_ServicesAreMemoized(t *testing.T) {
	c := NewContainer(testConfig())

	unlock1, err := c.UnlockService()
	if err != nil {
		t.Fatalf("UnlockService: %v", err)
	}
	unlock2, err := c.UnlockService()
	if err != nil {
		t.Fatalf("UnlockService: %v", err)
	}
	if unlock1 != unlock2 {
		t.Fatal("expected UnlockService to return the same instance on repeat calls")
	}
}

func TestContainer_StartLeaseMaintenance(t *testing.T) {
	c := NewContainer(testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := c.StartLeaseMaintenance(ctx); err != nil {
		t.Fatalf("StartLeaseMaintenance: %v", err)
	}
}

func TestContainer_Shutdown_NoInitializedResources(t *testing.T) {
	c := NewContainer(testConfig())
	if err := c.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}
