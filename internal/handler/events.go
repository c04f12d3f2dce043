package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/nonceledger/internal/events"
	"github.com/jmerrifield20/nonceledger/internal/identity"
)

const (
	defaultEventsLimit = 100
	maxEventsLimit     = 1000
)

// EventsHandler lets authenticated consumers poll the event log by sequence
// cursor.
type EventsHandler struct {
	log    *events.Log
	tokens *identity.TokenIssuer
}

// NewEventsHandler creates a new EventsHandler.
func NewEventsHandler(log *events.Log, tokens *identity.TokenIssuer) *EventsHandler {
	return &EventsHandler{log: log, tokens: tokens}
}

// Register mounts the events route on the given router group.
func (h *EventsHandler) Register(rg *gin.RouterGroup) {
	rg.GET("/events", requireCaller(h.tokens), h.List)
}

// List handles GET /events?after=N&limit=M. The response carries "next", the
// cursor to pass as "after" on the following call. A cursor that fell behind
// the retained window gets 410 with "oldest", the first Seq still available.
func (h *EventsHandler) List(c *gin.Context) {
	after, err := strconv.ParseUint(c.DefaultQuery("after", "0"), 10, 64)
	if err != nil {
		badRequest(c, "after must be an unsigned integer")
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultEventsLimit)))
	if err != nil || limit <= 0 {
		badRequest(c, "limit must be a positive integer")
		return
	}
	if limit > maxEventsLimit {
		limit = maxEventsLimit
	}

	records, err := h.log.Records(after, limit)
	if err != nil {
		c.JSON(http.StatusGone, gin.H{
			"error":  err.Error(),
			"code":   CodeCursorExpired,
			"oldest": h.log.Oldest(),
		})
		return
	}
	next := after
	if n := len(records); n > 0 {
		next = records[n-1].Seq
	}
	if records == nil {
		records = []events.Record{}
	}
	c.JSON(http.StatusOK, gin.H{"records": records, "next": next})
}
