package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/nonceledger/internal/digest"
	"github.com/jmerrifield20/nonceledger/internal/identity"
	"github.com/jmerrifield20/nonceledger/internal/settlement"
	"go.uber.org/zap"
)

// SettlementHandler exposes the settlement engine over HTTP.
type SettlementHandler struct {
	engine *settlement.Engine
	tokens *identity.TokenIssuer // nil = open mode, see DevCallerHeader
	logger *zap.Logger
}

// NewSettlementHandler creates a new SettlementHandler.
func NewSettlementHandler(engine *settlement.Engine, tokens *identity.TokenIssuer, logger *zap.Logger) *SettlementHandler {
	return &SettlementHandler{engine: engine, tokens: tokens, logger: logger}
}

// Register mounts the settlement routes on the given router group.
func (h *SettlementHandler) Register(rg *gin.RouterGroup) {
	auth := requireCaller(h.tokens)

	branches := rg.Group("/branches")
	{
		branches.POST("", auth, h.CreateBranch)
		branches.POST("/settle", auth, h.Settle)
		branches.POST("/settle/batch", auth, h.BatchSettle)
	}

	accounts := rg.Group("/accounts")
	{
		accounts.GET("/:account", h.GetAccount)
		accounts.GET("/:account/branches/:nonce", h.GetBranch)
	}

	admin := rg.Group("/admin/authorized-callers")
	{
		admin.GET("/:caller", h.GetAuthorizedCaller)
		admin.PUT("/:caller", auth, h.SetAuthorizedCaller)
	}
}

type createBranchRequest struct {
	Account       identity.Address `json:"account" binding:"required"`
	Nonce         uint64           `json:"nonce"`
	PayloadDigest digest.Digest    `json:"payload_digest"`
}

// CreateBranch handles POST /branches.
func (h *SettlementHandler) CreateBranch(c *gin.Context) {
	var req createBranchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	b, err := h.engine.CreateBranch(c.Request.Context(), callerOf(c), req.Account, req.Nonce, req.PayloadDigest)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, b)
}

type settleRequest struct {
	Account identity.Address `json:"account" binding:"required"`
	Nonce   uint64           `json:"nonce"`
}

// Settle handles POST /branches/settle.
func (h *SettlementHandler) Settle(c *gin.Context) {
	var req settleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	collapse, err := h.engine.Settle(c.Request.Context(), callerOf(c), req.Account, req.Nonce)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, collapse)
}

type batchSettleRequest struct {
	Accounts []identity.Address `json:"accounts"`
	Nonces   []uint64           `json:"nonces"`
}

// BatchSettle handles POST /branches/settle/batch.
func (h *SettlementHandler) BatchSettle(c *gin.Context) {
	var req batchSettleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	out, err := h.engine.BatchSettle(c.Request.Context(), callerOf(c), req.Accounts, req.Nonces)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"collapses": out, "count": len(out)})
}

// GetAccount handles GET /accounts/:account.
func (h *SettlementHandler) GetAccount(c *gin.Context) {
	view := h.engine.Account(identity.Address(c.Param("account")))
	c.JSON(http.StatusOK, gin.H{
		"account":            view.Account,
		"last_settled_nonce": view.LastSettledNonce,
		"has_pending":        len(view.PendingNonces) > 0,
		"pending_nonces":     view.PendingNonces,
	})
}

// GetBranch handles GET /accounts/:account/branches/:nonce.
func (h *SettlementHandler) GetBranch(c *gin.Context) {
	nonce, err := strconv.ParseUint(c.Param("nonce"), 10, 64)
	if err != nil {
		badRequest(c, "nonce must be an unsigned integer")
		return
	}

	b, ok := h.engine.Branch(identity.Address(c.Param("account")), nonce)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "branch not found",
			"code":  CodeNotFound,
			"state": settlement.StateUnknown,
		})
		return
	}
	c.JSON(http.StatusOK, b)
}

// GetAuthorizedCaller handles GET /admin/authorized-callers/:caller.
func (h *SettlementHandler) GetAuthorizedCaller(c *gin.Context) {
	caller := identity.Address(c.Param("caller"))
	c.JSON(http.StatusOK, gin.H{
		"caller":     caller,
		"authorized": h.engine.IsAuthorizedCaller(caller),
	})
}

type setAuthorizedCallerRequest struct {
	Authorized bool `json:"authorized"`
}

// SetAuthorizedCaller handles PUT /admin/authorized-callers/:caller.
func (h *SettlementHandler) SetAuthorizedCaller(c *gin.Context) {
	var req setAuthorizedCallerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	caller := identity.Address(c.Param("caller"))
	if err := h.engine.SetAuthorizedCaller(c.Request.Context(), callerOf(c), caller, req.Authorized); err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"caller": caller, "authorized": req.Authorized})
}
