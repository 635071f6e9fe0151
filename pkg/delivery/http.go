// Package delivery implements outbound transport for packed DIDComm
// envelopes: an HTTP sender with bounded exponential-backoff retries, and a
// WebSocket sender that keeps one persistent connection per recipient.
package delivery

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tap-rsvp/tap-node/pkg/errs"
)

var (
	deliveryAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tap_node_delivery_attempts_total",
		Help: "Outbound DIDComm delivery attempts by transport and result.",
	}, []string{"transport", "result"})

	deliveryLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tap_node_delivery_latency_seconds",
		Help:    "Outbound DIDComm delivery latency by transport.",
		Buckets: prometheus.DefBuckets,
	}, []string{"transport"})
)

func init() {
	prometheus.MustRegister(deliveryAttempts, deliveryLatency)
}

// HTTPSender delivers packed messages over HTTPS POST with exponential
// backoff retries. It never retries a 400 or 404 response, matching the
// convention that those indicate a malformed or unroutable message rather
// than a transient failure.
type HTTPSender struct {
	client     *http.Client
	maxRetries int
	baseDelay  time.Duration
}

// HTTPSenderOption configures an HTTPSender.
type HTTPSenderOption func(*HTTPSender)

func WithMaxRetries(n int) HTTPSenderOption {
	return func(s *HTTPSender) { s.maxRetries = n }
}

func WithBaseDelay(d time.Duration) HTTPSenderOption {
	return func(s *HTTPSender) { s.baseDelay = d }
}

func WithHTTPClient(c *http.Client) HTTPSenderOption {
	return func(s *HTTPSender) { s.client = c }
}

// NewHTTPSender builds an HTTPSender with a 30 second request timeout,
// up to 3 attempts in total, and a 100ms base backoff, matching the defaults of the
// protocol's reference transport.
func NewHTTPSender(opts ...HTTPSenderOption) *HTTPSender {
	s := &HTTPSender{
		client:     &http.Client{Timeout: 30 * time.Second},
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Dispatch POSTs packed to endpoint, retrying transient failures with
// exponential backoff: the first retry waits baseDelay and each later retry
// doubles the wait (baseDelay * 2^(attempt-2) before attempt number attempt).
func (s *HTTPSender) Dispatch(ctx context.Context, recipientDID, endpoint, packed string) error {
	start := time.Now()
	var lastErr error

	for attempt := 1; attempt <= s.maxRetries; attempt++ {
		if attempt > 1 {
			backoff := s.baseDelay * time.Duration(1<<uint(attempt-2))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		status, err := s.post(ctx, endpoint, packed)
		if err == nil {
			deliveryAttempts.WithLabelValues("https", "success").Inc()
			deliveryLatency.WithLabelValues("https").Observe(time.Since(start).Seconds())
			return nil
		}
		lastErr = err
		deliveryAttempts.WithLabelValues("https", "failure").Inc()

		if status == http.StatusBadRequest || status == http.StatusNotFound {
			break
		}
	}

	return errs.Wrap(errs.Dispatch, fmt.Sprintf("deliver to %s via https", recipientDID), lastErr)
}

func (s *HTTPSender) post(ctx context.Context, endpoint, packed string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewBufferString(packed))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/didcomm-message+json")

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, fmt.Errorf("http %d: %s", resp.StatusCode, string(body))
	}
	return resp.StatusCode, nil
}
