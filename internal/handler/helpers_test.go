package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/nonceledger/internal/events"
	"github.com/jmerrifield20/nonceledger/internal/handler"
	"github.com/jmerrifield20/nonceledger/internal/identity"
	"github.com/jmerrifield20/nonceledger/internal/intent"
	"github.com/jmerrifield20/nonceledger/internal/journal"
	"github.com/jmerrifield20/nonceledger/internal/settlement"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	admin    = identity.Address("0xadmin")
	ledgerID = identity.Address("0xledger")
	executor = identity.Address("0xexecutor")
	alice    = identity.Address("0xalice")
	bob      = identity.Address("0xbob")
)

type testServer struct {
	router  *gin.Engine
	engine  *settlement.Engine
	ledger  *intent.Ledger
	log     *events.Log
	journal *journal.MemoryJournal
	tokens  *identity.TokenIssuer
}

// newTestServer wires every handler the way settlementd does. A nil tokens
// issuer runs the API in open mode.
func newTestServer(t *testing.T, withTokens bool) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx := context.Background()

	log := events.NewLog(zap.NewNop())
	engine, err := settlement.New(admin, zap.NewNop(), settlement.WithEmitter(log))
	require.NoError(t, err)
	require.NoError(t, engine.SetAuthorizedCaller(ctx, admin, ledgerID, true))

	ledger, err := intent.New(intent.Config{Identity: ledgerID, Executor: executor, Admin: admin},
		engine, zap.NewNop(), intent.WithEmitter(log))
	require.NoError(t, err)

	var tokens *identity.TokenIssuer
	if withTokens {
		tokens, err = identity.NewTokenIssuer("0123456789abcdef0123456789abcdef", "test", time.Hour)
		require.NoError(t, err)
	}

	j := journal.NewMemory()
	r := gin.New()
	v1 := r.Group("/api/v1")
	handler.NewSettlementHandler(engine, tokens, zap.NewNop()).Register(v1)
	handler.NewIntentHandler(ledger, tokens, zap.NewNop()).Register(v1)
	handler.NewJournalHandler(j, zap.NewNop()).Register(v1)
	handler.NewEventsHandler(log, tokens).Register(v1)

	return &testServer{router: r, engine: engine, ledger: ledger, log: log, journal: j, tokens: tokens}
}

// do sends a JSON request as caller ("" sends no identity) and decodes the
// response body into a map.
func (s *testServer) do(t *testing.T, method, path string, caller identity.Address, body any) (int, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if caller != "" {
		if s.tokens != nil {
			token, err := s.tokens.Issue(caller, nil)
			require.NoError(t, err)
			req.Header.Set("Authorization", "Bearer "+token)
		} else {
			req.Header.Set(handler.DevCallerHeader, caller.String())
		}
	}

	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	var resp map[string]any
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	}
	return w.Code, resp
}
