// Package notifier delivers completed calculation results to the main service.
//
// Delivery is best effort: one initial POST, then up to MaxRetries further
// attempts with exponential backoff (BaseDelay, 2×BaseDelay, 4×BaseDelay...).
// When every attempt fails the result is logged and dropped. The task record
// in the store stays the source of truth.
package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/surgilog/bloodloss/internal/domain"
	"github.com/surgilog/bloodloss/internal/infra/metrics"
	"github.com/surgilog/bloodloss/internal/logger"
)

// UpdatePath is the main-service endpoint that receives results.
const UpdatePath = "/api/v1/update-calculation-result"

// maxResponseBody caps how much of a main-service response is read.
const maxResponseBody = 1 << 20

// Config configures delivery to the main service.
type Config struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration // per attempt
	MaxRetries int           // attempts after the initial one
	BaseDelay  time.Duration // doubles before each retry
}

// DefaultConfig returns local-development defaults.
func DefaultConfig() Config {
	return Config{
		BaseURL:    "http://main-service:8080",
		APIKey:     "secret_key_12345",
		Timeout:    10 * time.Second,
		MaxRetries: 3,
		BaseDelay:  1 * time.Second,
	}
}

// payload is the body the main service expects on UpdatePath.
type payload struct {
	BloodLossCalcID int64  `json:"bloodlosscalc_id"`
	OperationID     int64  `json:"operation_id"`
	TotalBloodLoss  int    `json:"total_blood_loss"`
	APIKey          string `json:"api_key"`
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Notifier posts results to the main service.
type Notifier struct {
	cfg    Config
	client *http.Client
	sleep  SleepFunc
	log    zerolog.Logger
}

var _ domain.ResultNotifier = (*Notifier)(nil)

// Option customizes a Notifier.
type Option func(*Notifier)

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) Option {
	return func(n *Notifier) { n.client = c }
}

// WithSleep replaces the backoff wait. Tests use it to record delays.
func WithSleep(fn SleepFunc) Option {
	return func(n *Notifier) { n.sleep = fn }
}

// New creates a Notifier.
func New(cfg Config, opts ...Option) *Notifier {
	n := &Notifier{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		sleep:  Sleep,
		log:    logger.Component("notifier"),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Notify delivers res, retrying with backoff. It never returns an error.
func (n *Notifier) Notify(ctx context.Context, res domain.Result) {
	log := n.log.With().
		Str("task_id", res.TaskID).
		Int64("bloodlosscalc_id", res.BloodLossCalcID).
		Int64("operation_id", res.OperationID).
		Logger()

	err := n.Deliver(ctx, res)
	if err == nil {
		metrics.Notifications.WithLabelValues("delivered").Inc()
		log.Info().Int("total_blood_loss", res.TotalBloodLoss).Msg("result sent to main service")
		return
	}
	log.Warn().Err(err).Msg("failed to send result to main service")

	for attempt := 0; attempt < n.cfg.MaxRetries; attempt++ {
		delay := n.cfg.BaseDelay << attempt
		if err := n.sleep(ctx, delay); err != nil {
			metrics.Notifications.WithLabelValues("dropped").Inc()
			log.Error().Err(err).Int("retry", attempt+1).Msg("result delivery abandoned")
			return
		}

		err = n.Deliver(ctx, res)
		if err == nil {
			metrics.Notifications.WithLabelValues("retried").Inc()
			log.Info().Int("retry", attempt+1).Msg("retry successful")
			return
		}
		log.Warn().Err(err).Int("retry", attempt+1).Dur("delay", delay).Msg("retry failed")
	}

	metrics.Notifications.WithLabelValues("dropped").Inc()
	log.Error().Err(err).
		Int("total_blood_loss", res.TotalBloodLoss).
		Int("attempts", n.cfg.MaxRetries+1).
		Msg("all retries failed, result dropped")
}

// Deliver performs a single POST of res. Non-2xx responses and transport
// failures return a *domain.DeliveryError.
func (n *Notifier) Deliver(ctx context.Context, res domain.Result) error {
	body, err := json.Marshal(payload{
		BloodLossCalcID: res.BloodLossCalcID,
		OperationID:     res.OperationID,
		TotalBloodLoss:  res.TotalBloodLoss,
		APIKey:          n.cfg.APIKey,
	})
	if err != nil {
		return &domain.DeliveryError{Err: fmt.Errorf("encode payload: %w", err)}
	}

	status, respBody, err := n.post(ctx, body)
	if err != nil {
		metrics.DeliveryAttempts.WithLabelValues("error").Inc()
		return &domain.DeliveryError{Err: err}
	}
	if status < 200 || status > 299 {
		metrics.DeliveryAttempts.WithLabelValues("error").Inc()
		return &domain.DeliveryError{StatusCode: status, Err: errors.New(snippet(respBody))}
	}
	metrics.DeliveryAttempts.WithLabelValues("ok").Inc()
	return nil
}

// Forward sends body to the main service unchanged, once, and returns the
// main service's status code and response body.
func (n *Notifier) Forward(ctx context.Context, body []byte) (int, []byte, error) {
	return n.post(ctx, body)
}

func (n *Notifier) post(ctx context.Context, body []byte) (int, []byte, error) {
	if n.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.cfg.Timeout)
		defer cancel()
	}

	url := strings.TrimRight(n.cfg.BaseURL, "/") + UpdatePath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("post %s: %w", url, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, respBody, nil
}

// Sleep waits for d or returns ctx.Err() if ctx ends first.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	if s == "" {
		s = "empty response"
	}
	return s
}
