package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/nonceledger/internal/digest"
	"github.com/jmerrifield20/nonceledger/internal/identity"
	"github.com/jmerrifield20/nonceledger/internal/intent"
	"go.uber.org/zap"
)

// IntentHandler exposes the intent ledger over HTTP.
type IntentHandler struct {
	ledger *intent.Ledger
	tokens *identity.TokenIssuer // nil = open mode, see DevCallerHeader
	logger *zap.Logger
}

// NewIntentHandler creates a new IntentHandler.
func NewIntentHandler(ledger *intent.Ledger, tokens *identity.TokenIssuer, logger *zap.Logger) *IntentHandler {
	return &IntentHandler{ledger: ledger, tokens: tokens, logger: logger}
}

// Register mounts the intent routes on the given router group.
func (h *IntentHandler) Register(rg *gin.RouterGroup) {
	auth := requireCaller(h.tokens)

	intents := rg.Group("/intents")
	{
		intents.POST("", auth, h.Submit)
		intents.GET("/:id", auth, h.GetIntent)
		intents.POST("/:id/execute", auth, h.Execute)
		intents.POST("/:id/cancel", auth, h.Cancel)
	}
	rg.POST("/executions/batch", auth, h.BatchExecute)
	rg.GET("/metrics/aggregate", h.AggregateMetrics)
	rg.PUT("/admin/executor", auth, h.SetExecutor)
}

type submitRequest struct {
	Payload []byte `json:"payload"` // base64 in JSON
	Nonce   uint64 `json:"nonce"`
}

// Submit handles POST /intents. The submitter is the authenticated caller.
func (h *IntentHandler) Submit(c *gin.Context) {
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	submitter := callerOf(c)
	id, err := h.ledger.Submit(c.Request.Context(), submitter, req.Payload, req.Nonce)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": id, "submitter": submitter, "nonce": req.Nonce})
}

// GetIntent handles GET /intents/:id. Only the submitter and the executor may
// read an intent; its payload is private to them.
func (h *IntentHandler) GetIntent(c *gin.Context) {
	id, ok := parseIntentID(c)
	if !ok {
		return
	}
	in, err := h.ledger.GetIntent(id)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	if caller := callerOf(c); caller != in.Submitter && caller != h.ledger.Executor() {
		c.JSON(http.StatusForbidden, gin.H{
			"error": "only the submitter or the executor may read an intent",
			"code":  CodeNotAuthorized,
		})
		return
	}
	c.JSON(http.StatusOK, in)
}

type executeRequest struct {
	Volume uint64 `json:"volume"`
}

// Execute handles POST /intents/:id/execute.
func (h *IntentHandler) Execute(c *gin.Context) {
	id, ok := parseIntentID(c)
	if !ok {
		return
	}
	var req executeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	in, err := h.ledger.Execute(c.Request.Context(), callerOf(c), id, req.Volume)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, in)
}

// Cancel handles POST /intents/:id/cancel.
func (h *IntentHandler) Cancel(c *gin.Context) {
	id, ok := parseIntentID(c)
	if !ok {
		return
	}
	in, err := h.ledger.Cancel(c.Request.Context(), callerOf(c), id)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, in)
}

type batchExecuteRequest struct {
	IDs     []digest.Digest `json:"ids"`
	Volumes []uint64        `json:"volumes"`
}

// BatchExecute handles POST /executions/batch.
func (h *IntentHandler) BatchExecute(c *gin.Context) {
	var req batchExecuteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	res, err := h.ledger.BatchExecute(c.Request.Context(), callerOf(c), req.IDs, req.Volumes)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// AggregateMetrics handles GET /metrics/aggregate.
func (h *IntentHandler) AggregateMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, h.ledger.AggregateMetrics())
}

type setExecutorRequest struct {
	Executor identity.Address `json:"executor" binding:"required"`
}

// SetExecutor handles PUT /admin/executor.
func (h *IntentHandler) SetExecutor(c *gin.Context) {
	var req setExecutorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if err := h.ledger.SetExecutor(c.Request.Context(), callerOf(c), req.Executor); err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"executor": req.Executor})
}

func parseIntentID(c *gin.Context) (digest.Digest, bool) {
	id, err := digest.Parse(c.Param("id"))
	if err != nil {
		badRequest(c, "id must be a 32-byte hex digest")
		return digest.Digest{}, false
	}
	return id, true
}
