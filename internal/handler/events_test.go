package handler_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/nonceledger/internal/events"
	"github.com/jmerrifield20/nonceledger/internal/handler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestEvents_cursor(t *testing.T) {
	s := newTestServer(t, false)
	createBranch(t, s, alice, 1)
	createBranch(t, s, alice, 2)
	// newTestServer already emitted the ledger authorization.
	require.Equal(t, 3, s.log.Len())

	code, _ := s.do(t, http.MethodGet, "/api/v1/events", "", nil)
	assert.Equal(t, http.StatusUnauthorized, code)

	code, resp := s.do(t, http.MethodGet, "/api/v1/events?after=1&limit=1", bob, nil)
	require.Equal(t, http.StatusOK, code)
	records := resp["records"].([]any)
	require.Len(t, records, 1)
	rec := records[0].(map[string]any)
	assert.Equal(t, float64(2), rec["seq"])
	assert.Equal(t, string(events.KindBranchCreated), rec["kind"])
	assert.Equal(t, float64(2), resp["next"])

	code, resp = s.do(t, http.MethodGet, "/api/v1/events?after=3", bob, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Empty(t, resp["records"])
	assert.Equal(t, float64(3), resp["next"])

	code, _ = s.do(t, http.MethodGet, "/api/v1/events?after=-1", bob, nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestEvents_expiredCursor(t *testing.T) {
	gin.SetMode(gin.TestMode)
	log := events.NewLog(zap.NewNop(), events.WithRetention(2))
	for i := 0; i < 6; i++ {
		log.Emit(events.CounterReset{Counter: "c"})
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go log.Run(ctx) //nolint:errcheck
	require.Eventually(t, func() bool { return log.Oldest() > 1 }, 2*time.Second, 5*time.Millisecond)

	r := gin.New()
	handler.NewEventsHandler(log, nil).Register(r.Group("/api/v1"))
	req := httptest.NewRequest(http.MethodGet, "/api/v1/events?after=0", nil)
	req.Header.Set(handler.DevCallerHeader, bob.String())
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusGone, w.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, handler.CodeCursorExpired, resp["code"])
	assert.Equal(t, float64(log.Oldest()), resp["oldest"])
}

func TestMetricsSink_acceptsEveryKind(t *testing.T) {
	sink := handler.NewMetricsSink()
	payloads := []events.Payload{
		events.BranchCreated{Account: "0xa", Nonce: 1},
		events.Collapsed{Account: "0xa", ChosenNonce: 2, Discarded: []uint64{1}},
		events.IntentSubmitted{Submitter: "0xa"},
		events.IntentExecuted{},
		events.IntentCancelled{},
		events.CounterIncremented{Counter: "intent_volume", NewValue: 5, Delta: 5},
		events.RewardCredited{Executor: "0xe", Volume: 5},
		events.ExecutorChanged{Previous: "0xe", Next: "0xf"},
	}
	for i, p := range payloads {
		err := sink.Deliver(context.Background(), events.Record{Seq: uint64(i + 1), Kind: p.Kind(), Payload: p})
		assert.NoError(t, err)
	}
	assert.Equal(t, "metrics", sink.Name())
}
