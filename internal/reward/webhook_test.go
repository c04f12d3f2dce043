package reward_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jmerrifield20/nonceledger/internal/digest"
	"github.com/jmerrifield20/nonceledger/internal/reward"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestWebhookNotifier_signedDelivery(t *testing.T) {
	const secret = "s3cret"
	got := make(chan reward.Envelope, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if !reward.Verify(body, secret, r.Header.Get(reward.SignatureHeader)) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var env reward.Envelope
		if err := json.Unmarshal(body, &env); err == nil {
			got <- env
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := reward.NewWebhookNotifier(srv.URL, secret, zap.NewNop())
	credit := reward.Credit{Executor: "0xexec", IntentID: digest.Of([]byte("x")), Volume: 42}
	require.NoError(t, n.NotifyReward(context.Background(), credit))

	select {
	case env := <-got:
		assert.Equal(t, credit, env.Credit)
		assert.NotEmpty(t, env.DeliveryID)
	case <-time.After(5 * time.Second):
		t.Fatal("webhook was not delivered")
	}
}

func TestWebhookNotifier_retriesThenRecordsMetrics(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	var failures, successes atomic.Int32
	n := reward.NewWebhookNotifier(srv.URL, "k", zap.NewNop())
	n.SetRetryDelays([]time.Duration{0, time.Millisecond, time.Millisecond})
	n.SetMetricsRecorder(func(ok bool) {
		if ok {
			successes.Add(1)
		} else {
			failures.Add(1)
		}
	})

	require.NoError(t, n.NotifyReward(context.Background(), reward.Credit{Volume: 1}))

	require.Eventually(t, func() bool { return successes.Load() == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(2), failures.Load())
	assert.Equal(t, int32(3), calls.Load())
}

func TestWebhookNotifier_closeWaitsForDelivery(t *testing.T) {
	release := make(chan struct{})
	var delivered atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		delivered.Store(true)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := reward.NewWebhookNotifier(srv.URL, "k", zap.NewNop())
	require.NoError(t, n.NotifyReward(context.Background(), reward.Credit{Volume: 1}))

	closed := make(chan error, 1)
	go func() { closed <- n.Close(context.Background()) }()

	select {
	case <-closed:
		t.Fatal("Close returned before the delivery finished")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)

	select {
	case err := <-closed:
		require.NoError(t, err)
		assert.True(t, delivered.Load())
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not return")
	}

	assert.ErrorIs(t, n.NotifyReward(context.Background(), reward.Credit{Volume: 2}), reward.ErrNotifierClosed)
}

func TestWebhookNotifier_closeDeadlineAbandonsRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	n := reward.NewWebhookNotifier(srv.URL, "k", zap.NewNop())
	n.SetRetryDelays([]time.Duration{0, time.Hour})
	require.NoError(t, n.NotifyReward(context.Background(), reward.Credit{Volume: 1}))
	require.Eventually(t, func() bool { return calls.Load() == 1 }, 5*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := n.Close(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, int32(1), calls.Load())
}

func TestSign_roundTrip(t *testing.T) {
	body := []byte(`{"volume":1}`)
	sig := reward.Sign(body, "k")
	assert.True(t, reward.Verify(body, "k", sig))
	assert.False(t, reward.Verify(body, "other", sig))
	assert.Contains(t, sig, "sha256=")
}

func TestNoopNotifier(t *testing.T) {
	n := reward.NewNoopNotifier(zap.NewNop())
	assert.NoError(t, n.NotifyReward(context.Background(), reward.Credit{Volume: 5}))
}
