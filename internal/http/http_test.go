// Package http provides HTTP server implementation and request handlers.
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/gin-contrib/requestid"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/allisson/webpush-kms/internal/config"
	cryptoService "github.com/allisson/webpush-kms/internal/crypto/service"
	kmsHTTP "github.com/allisson/webpush-kms/internal/kms/http"
	"github.com/allisson/webpush-kms/internal/kms/repository/memory"
	"github.com/allisson/webpush-kms/internal/kms/rpc"
	kmsService "github.com/allisson/webpush-kms/internal/kms/service"
	"github.com/allisson/webpush-kms/internal/kms/usecase"
	"github.com/allisson/webpush-kms/internal/metrics"
)

// TestMain sets Gin to test mode for all tests in this package.
func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

// createTestServer creates a test server with a discarding logger and no
// database (the in-memory store mode).
func createTestServer() *Server {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewServer(nil, "localhost", 8080, logger)
}

// testRPCHandler builds an RPCHandler backed by an in-memory use case, for
// exercising the /v1/rpc route without a database.
func testRPCHandler(t *testing.T) *kmsHTTP.RPCHandler {
	t.Helper()
	store := memory.New()
	aead := cryptoService.NewAEADManager()

	unlock := kmsService.NewUnlockService(store, aead, 10*time.Millisecond, 50*time.Millisecond, 1000, 10000)
	audit := kmsService.NewAuditService(store, aead, "ed25519")
	keys := kmsService.NewKeyService(store, aead, audit, unlock)
	leases := kmsService.NewLeaseService(store, keys, unlock, audit, 15*time.Minute)

	uc := usecase.NewKMSUseCase(store, unlock, audit, keys, leases)
	dispatcher := rpc.NewDispatcher(uc)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return kmsHTTP.NewRPCHandler(dispatcher, logger)
}

func testConfig() *config.Config {
	return &config.Config{
		CORSEnabled:             false,
		RateLimitEnabled:        false,
		RateLimitRequestsPerSec: 10,
		RateLimitBurst:          20,
		MetricsNamespace:        "test_app",
	}
}

// TestHealthHandler tests the health check endpoint handler.
func TestHealthHandler(t *testing.T) {
	server := createTestServer()

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/health", nil)

	server.healthHandler(c)

	assert.Equal(t, http.StatusOK, w.Code)

	var response map[string]string
	err := json.Unmarshal(w.Body.Bytes(), &response)
	require.NoError(t, err)
	assert.Equal(t, "healthy", response["status"])
}

// TestReadinessHandler_NoDatabase tests the readiness endpoint when the
// server runs without a database (in-memory store mode).
func TestReadinessHandler_NoDatabase(t *testing.T) {
	server := createTestServer()

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/ready", nil)

	server.readinessHandler(c)

	assert.Equal(t, http.StatusOK, w.Code)

	var response map[string]interface{}
	err := json.Unmarshal(w.Body.Bytes(), &response)
	require.NoError(t, err)
	assert.Equal(t, "ready", response["status"])
	components, ok := response["components"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "disabled", components["database"])
}

// TestCustomLoggerMiddleware tests the custom logging middleware.
func TestCustomLoggerMiddleware(t *testing.T) {
	// Create a test logger that discards output
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(requestid.New(requestid.WithGenerator(func() string {
		return uuid.Must(uuid.NewV7()).String()
	})))
	router.Use(CustomLoggerMiddleware(logger))
	router.GET("/test", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "test"})
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var response map[string]string
	err := json.Unmarshal(w.Body.Bytes(), &response)
	require.NoError(t, err)
	assert.Equal(t, "test", response["message"])
}

// TestRecoveryMiddleware tests Gin's built-in recovery middleware.
func TestRecoveryMiddleware(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(CustomLoggerMiddleware(logger))
	router.GET("/panic", func(c *gin.Context) {
		panic("test panic")
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/panic", nil)

	// Should not panic - Recovery middleware catches it
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

// TestRouter_HealthEndpoint tests the health endpoint through the full router.
func TestRouter_HealthEndpoint(t *testing.T) {
	server := createTestServer()
	server.SetupRouter(testConfig(), testRPCHandler(t), nil)
	router := server.GetHandler()

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var response map[string]string
	err := json.Unmarshal(w.Body.Bytes(), &response)
	require.NoError(t, err)
	assert.Equal(t, "healthy", response["status"])
}

// TestRouter_ReadyEndpoint tests the ready endpoint through the full router.
func TestRouter_ReadyEndpoint(t *testing.T) {
	server := createTestServer()
	server.SetupRouter(testConfig(), testRPCHandler(t), nil)
	router := server.GetHandler()

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var response map[string]interface{}
	err := json.Unmarshal(w.Body.Bytes(), &response)
	require.NoError(t, err)
	assert.Equal(t, "ready", response["status"])
}

// TestRouter_NotFoundEndpoint tests 404 handling.
func TestRouter_NotFoundEndpoint(t *testing.T) {
	server := createTestServer()
	server.SetupRouter(testConfig(), testRPCHandler(t), nil)
	router := server.GetHandler()

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/nonexistent", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

// TestRouter_RPCEndpoint_UnknownMethod exercises the /v1/rpc route end to
// end through the real router, confirming a structurally valid envelope
// with an unknown method still returns HTTP 200 with an error field.
func TestRouter_RPCEndpoint_UnknownMethod(t *testing.T) {
	server := createTestServer()
	server.SetupRouter(testConfig(), testRPCHandler(t), nil)
	router := server.GetHandler()

	body, err := json.Marshal(map[string]interface{}{
		"id":     "req-1",
		"method": "notARealMethod",
		"params": map[string]interface{}{},
	})
	require.NoError(t, err)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/rpc", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var resp rpc.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "req-1", resp.ID)
	require.NotEmpty(t, resp.Error)
}

// TestRouter_RPCEndpoint_MissingMethod verifies a malformed envelope without
// a method name is rejected at the HTTP layer with a 400.
func TestRouter_RPCEndpoint_MissingMethod(t *testing.T) {
	server := createTestServer()
	server.SetupRouter(testConfig(), testRPCHandler(t), nil)
	router := server.GetHandler()

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/rpc", bytes.NewReader([]byte(`{"id":"req-1"}`)))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// TestRouter_RPCEndpoint_RateLimited confirms the rate limiter rejects
// requests past its burst when enabled.
func TestRouter_RPCEndpoint_RateLimited(t *testing.T) {
	server := createTestServer()
	cfg := testConfig()
	cfg.RateLimitEnabled = true
	cfg.RateLimitRequestsPerSec = 0
	cfg.RateLimitBurst = 1
	server.SetupRouter(cfg, testRPCHandler(t), nil)
	router := server.GetHandler()

	body := []byte(`{"id":"req-1","method":"notARealMethod","params":{}}`)

	w1 := httptest.NewRecorder()
	req1 := httptest.NewRequest(http.MethodPost, "/v1/rpc", bytes.NewReader(body))
	router.ServeHTTP(w1, req1)
	assert.Equal(t, http.StatusOK, w1.Code)

	w2 := httptest.NewRecorder()
	req2 := httptest.NewRequest(http.MethodPost, "/v1/rpc", bytes.NewReader(body))
	router.ServeHTTP(w2, req2)
	assert.Equal(t, http.StatusTooManyRequests, w2.Code)
}

// TestServer_ShutdownGracefully tests graceful server shutdown.
func TestServer_ShutdownGracefully(t *testing.T) {
	server := createTestServer()
	server.SetupRouter(testConfig(), testRPCHandler(t), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Start server in goroutine
	errChan := make(chan error, 1)
	go func() {
		if err := server.Start(ctx); err != nil {
			errChan <- err
		}
	}()

	// Give server time to start
	time.Sleep(100 * time.Millisecond)

	// Shutdown server
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	err := server.Shutdown(shutdownCtx)
	assert.NoError(t, err)

	// Verify no startup errors
	select {
	case err := <-errChan:
		t.Fatalf("server startup failed: %v", err)
	default:
		// No error, good
	}
}

// TestRequestIDMiddleware_HeaderPresent verifies X-Request-Id header is present in response.
func TestRequestIDMiddleware_HeaderPresent(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(requestid.New(requestid.WithGenerator(func() string {
		return uuid.Must(uuid.NewV7()).String()
	})))
	router.GET("/test", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "test"})
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	// Verify X-Request-Id header is present
	requestID := w.Header().Get("X-Request-Id")
	assert.NotEmpty(t, requestID, "X-Request-Id header should be present")

	// Verify it's a valid UUID
	parsedUUID, err := uuid.Parse(requestID)
	require.NoError(t, err, "X-Request-Id should be a valid UUID")
	assert.NotEqual(t, uuid.Nil, parsedUUID, "X-Request-Id should not be nil UUID")
}

// TestRouter_MetricsEndpoint tests that HTTP metrics middleware records requests
// when a metrics provider is wired into the router.
func TestRouter_MetricsEndpoint(t *testing.T) {
	server := createTestServer()

	provider, err := metrics.NewProvider("test_app")
	require.NoError(t, err)
	defer func() {
		assert.NoError(t, provider.Shutdown(context.Background()))
	}()

	server.SetupRouter(testConfig(), testRPCHandler(t), provider)
	router := server.GetHandler()

	// Exercise a request so the metrics middleware records something.
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	// Read the metrics Prometheus handler directly to confirm output.
	mw := httptest.NewRecorder()
	mreq := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	provider.Handler().ServeHTTP(mw, mreq)
	assert.Equal(t, http.StatusOK, mw.Code)
	assert.Contains(t, mw.Body.String(), "test_app_http_requests_total")
}
