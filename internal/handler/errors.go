package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/nonceledger/internal/counter"
	"github.com/jmerrifield20/nonceledger/internal/intent"
	"github.com/jmerrifield20/nonceledger/internal/journal"
	"github.com/jmerrifield20/nonceledger/internal/settlement"
	"go.uber.org/zap"
)

// Error codes returned in the "code" field of JSON error bodies.
const (
	CodeNotAuthorized    = "not_authorized"
	CodeInvalidNonce     = "invalid_nonce"
	CodeInvalidBatchSize = "invalid_batch_size"
	CodeInvalidIdentity  = "invalid_identity"
	CodeAlreadySettled   = "already_settled"
	CodeAlreadyProcessed = "intent_already_processed"
	CodeNotFound         = "not_found"
	CodeOverflow         = "overflow"
	CodeUnderflow        = "underflow"
	CodeCursorExpired    = "cursor_expired"
	CodeBadRequest       = "bad_request"
	CodeInternal         = "internal"
)

type errorMapping struct {
	target error
	status int
	code   string
}

var errorMappings = []errorMapping{
	{settlement.ErrNotAuthorized, http.StatusForbidden, CodeNotAuthorized},
	{intent.ErrNotExecutor, http.StatusForbidden, CodeNotAuthorized},
	{intent.ErrNotAdmin, http.StatusForbidden, CodeNotAuthorized},
	{counter.ErrUnauthorized, http.StatusForbidden, CodeNotAuthorized},
	{settlement.ErrInvalidNonce, http.StatusBadRequest, CodeInvalidNonce},
	{settlement.ErrInvalidBatchSize, http.StatusBadRequest, CodeInvalidBatchSize},
	{intent.ErrInvalidBatchSize, http.StatusBadRequest, CodeInvalidBatchSize},
	{settlement.ErrInvalidAccount, http.StatusBadRequest, CodeInvalidIdentity},
	{intent.ErrInvalidIdentity, http.StatusBadRequest, CodeInvalidIdentity},
	{counter.ErrInvalidOwner, http.StatusBadRequest, CodeInvalidIdentity},
	{settlement.ErrAlreadySettled, http.StatusConflict, CodeAlreadySettled},
	{intent.ErrIntentAlreadyProcessed, http.StatusConflict, CodeAlreadyProcessed},
	{intent.ErrIntentNotFound, http.StatusNotFound, CodeNotFound},
	{journal.ErrEntryNotFound, http.StatusNotFound, CodeNotFound},
	{counter.ErrOverflow, http.StatusUnprocessableEntity, CodeOverflow},
	{counter.ErrUnderflow, http.StatusUnprocessableEntity, CodeUnderflow},
}

// writeError maps a domain error to its HTTP status and writes a JSON body.
// Unknown errors are logged and reported as 500 without detail.
func writeError(c *gin.Context, logger *zap.Logger, err error) {
	for _, m := range errorMappings {
		if errors.Is(err, m.target) {
			c.JSON(m.status, gin.H{"error": err.Error(), "code": m.code})
			return
		}
	}
	logger.Error("unhandled error",
		zap.String("path", c.FullPath()),
		zap.Error(err),
	)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error", "code": CodeInternal})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": msg, "code": CodeBadRequest})
}
