package reward

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrNotifierClosed is returned by NotifyReward after Close.
var ErrNotifierClosed = errors.New("reward webhook: notifier closed")

// SignatureHeader carries the HMAC-SHA256 signature of the request body.
const SignatureHeader = "X-Settlement-Signature"

// MetricsRecorder is an optional callback for recording delivery outcomes.
type MetricsRecorder func(success bool)

// Envelope is the JSON body posted to the reward endpoint.
type Envelope struct {
	DeliveryID string    `json:"delivery_id"`
	Timestamp  time.Time `json:"timestamp"`
	Credit     Credit    `json:"credit"`
}

// WebhookNotifier posts signed credits to an HTTP endpoint.
// Delivery is asynchronous: NotifyReward returns once the attempt is queued.
// Close waits for queued deliveries to finish.
type WebhookNotifier struct {
	url        string
	secret     string
	httpClient *http.Client
	delays     []time.Duration
	onMetrics  MetricsRecorder
	logger     *zap.Logger

	mu      sync.Mutex
	closed  bool
	pending sync.WaitGroup
	stop    context.Context
	abort   context.CancelFunc
}

// NewWebhookNotifier creates a WebhookNotifier for url signed with secret.
func NewWebhookNotifier(url, secret string, logger *zap.Logger) *WebhookNotifier {
	stop, abort := context.WithCancel(context.Background())
	return &WebhookNotifier{
		url:        url,
		secret:     secret,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		// Retry with backoff: immediately, then 1s, then 5s.
		delays: []time.Duration{0, 1 * time.Second, 5 * time.Second},
		logger: logger,
		stop:   stop,
		abort:  abort,
	}
}

// SetMetricsRecorder configures the metrics callback.
func (w *WebhookNotifier) SetMetricsRecorder(fn MetricsRecorder) {
	w.onMetrics = fn
}

// SetRetryDelays replaces the per-attempt delays. The number of delays is the
// number of attempts.
func (w *WebhookNotifier) SetRetryDelays(delays []time.Duration) {
	w.delays = delays
}

// NotifyReward implements intent.RewardNotifier.
func (w *WebhookNotifier) NotifyReward(ctx context.Context, c Credit) error {
	body, err := json.Marshal(Envelope{
		DeliveryID: uuid.NewString(),
		Timestamp:  time.Now().UTC(),
		Credit:     c,
	})
	if err != nil {
		return fmt.Errorf("marshal credit: %w", err)
	}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrNotifierClosed
	}
	w.pending.Add(1)
	w.mu.Unlock()

	go func() {
		defer w.pending.Done()
		w.deliver(w.stop, body)
	}()
	return nil
}

// Close stops accepting credits and waits for queued deliveries. If ctx ends
// first, outstanding retries are abandoned and ctx.Err() is returned.
func (w *WebhookNotifier) Close(ctx context.Context) error {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()

	done := make(chan struct{})
	go func() {
		w.pending.Wait()
		close(done)
	}()

	defer w.abort()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		w.abort()
		<-done
		return ctx.Err()
	}
}

func (w *WebhookNotifier) deliver(ctx context.Context, body []byte) {
	signature := Sign(body, w.secret)

	for attempt, delay := range w.delays {
		if delay > 0 {
			select {
			case <-ctx.Done():
				w.logger.Warn("reward webhook: delivery abandoned",
					zap.String("url", w.url),
					zap.Int("attempt", attempt+1),
				)
				return
			case <-time.After(delay):
			}
		}

		success, errMsg := w.post(ctx, body, signature)
		if w.onMetrics != nil {
			w.onMetrics(success)
		}
		if success {
			return
		}

		w.logger.Warn("reward webhook: delivery failed",
			zap.String("url", w.url),
			zap.Int("attempt", attempt+1),
			zap.String("error", errMsg),
		)
	}
	w.logger.Error("reward webhook: giving up", zap.String("url", w.url))
}

func (w *WebhookNotifier) post(ctx context.Context, body []byte, signature string) (bool, string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return false, err.Error()
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, signature)

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return false, err.Error()
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1024)) //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false, fmt.Sprintf("HTTP %d", resp.StatusCode)
	}
	return true, ""
}

// Sign computes the "sha256=<hex>" HMAC signature of body.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature matches body under secret.
func Verify(body []byte, secret, signature string) bool {
	return hmac.Equal([]byte(Sign(body, secret)), []byte(signature))
}
