// Package http exposes the KMS request orchestrator over a single HTTP
// endpoint: POST /v1/rpc. The handler does no business-logic validation of
// its own beyond confirming the request body decodes into an envelope with a
// method name; everything else is the rpc package's job.
package http

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/allisson/webpush-kms/internal/kms/rpc"
)

// RPCHandler handles the JSON-RPC-style envelope exposed at POST /v1/rpc.
type RPCHandler struct {
	dispatcher *rpc.Dispatcher
	logger     *slog.Logger
}

// NewRPCHandler creates an RPCHandler bound to a dispatcher.
func NewRPCHandler(dispatcher *rpc.Dispatcher, logger *slog.Logger) *RPCHandler {
	return &RPCHandler{dispatcher: dispatcher, logger: logger}
}

// Handle decodes {id, method, params}, dispatches it, and writes back
// {id, result?, error?}. The envelope's error field carries every failure
// (validation, policy, quota, integrity) — the HTTP status is always 200
// once the body itself parses, matching the RPC layer's own tagged-result
// contract rather than overloading HTTP status codes for domain errors.
func (h *RPCHandler) Handle(c *gin.Context) {
	var req rpc.Request
	decoder := json.NewDecoder(c.Request.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		h.logger.Warn("rpc envelope decode failed", slog.Any("error", err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "request body is not a valid {id, method, params} envelope"})
		return
	}
	if req.Method == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "method is required"})
		return
	}

	resp := h.dispatcher.Dispatch(c.Request.Context(), req)
	c.JSON(http.StatusOK, resp)
}
