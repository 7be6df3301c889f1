// Package nlp is the annotation service adapter. It sends document text to
// every configured endpoint in order, retrying each one on a bounded budget,
// and normalises the structured and flat-entity response shapes into one
// canonical entity map.
package nlp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/Adithya-Monish-Kumar-K/annotation-indexer/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/annotation-indexer/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/annotation-indexer/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/annotation-indexer/pkg/resilience"
)

var errMalformed = errors.New("malformed annotation response")

// Options configures a Client.
type Options struct {
	Endpoints         []string
	RequestMode       string
	Username          string
	Password          string
	MaxRetries        int
	RetryDelay        time.Duration
	Timeout           time.Duration
	RequestsPerSecond float64
	BreakerThreshold  int
	BreakerReset      time.Duration
	ApplicationParams map[string]any

	HTTPClient *http.Client
	Metrics    *metrics.Metrics
}

// OptionsFromConfig maps the service section of the configuration.
func OptionsFromConfig(cfg config.NLPServiceConfig) Options {
	return Options{
		Endpoints:         cfg.Endpoints,
		RequestMode:       cfg.RequestMode,
		Username:          cfg.Username,
		Password:          cfg.Password,
		MaxRetries:        cfg.MaxRetries,
		RetryDelay:        cfg.RetryDelay,
		Timeout:           cfg.Timeout,
		RequestsPerSecond: cfg.RequestsPerSecond,
		BreakerThreshold:  cfg.BreakerThreshold,
		BreakerReset:      cfg.BreakerReset,
		ApplicationParams: cfg.ApplicationParams,
	}
}

// Client queries the annotation service. It is safe for concurrent use.
type Client struct {
	opts     Options
	http     *http.Client
	limiter  *rate.Limiter
	breakers map[string]*resilience.CircuitBreaker
	metrics  *metrics.Metrics
	now      func() time.Time
	logger   *slog.Logger
}

// NewClient creates a Client with one circuit breaker per endpoint. A
// BreakerThreshold of zero disables the breakers, so every document is
// posted to every endpoint.
func NewClient(opts Options) (*Client, error) {
	if len(opts.Endpoints) == 0 {
		return nil, fmt.Errorf("%w: no annotation endpoints configured", apperrors.ErrInvalidConfig)
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: opts.Timeout}
	}
	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}
	c := &Client{
		opts:     opts,
		http:     httpClient,
		limiter:  rate.NewLimiter(limit, max(1, int(opts.RequestsPerSecond))),
		breakers: make(map[string]*resilience.CircuitBreaker, len(opts.Endpoints)),
		metrics:  opts.Metrics,
		now:      time.Now,
		logger:   slog.Default().With("component", "nlp-client"),
	}
	for _, endpoint := range opts.Endpoints {
		if opts.BreakerThreshold <= 0 {
			break
		}
		c.breakers[endpoint] = resilience.NewCircuitBreaker(endpoint, resilience.CircuitBreakerConfig{
			FailureThreshold: opts.BreakerThreshold,
			ResetTimeout:     opts.BreakerReset,
			OnStateChange:    c.recordBreaker,
		})
	}
	return c, nil
}

// guarded runs fn through the endpoint's breaker when one is configured.
func (c *Client) guarded(endpoint string, fn func() error) error {
	if cb, ok := c.breakers[endpoint]; ok {
		return cb.Execute(fn)
	}
	return fn()
}

// Endpoints returns the configured endpoint URLs in failover order.
func (c *Client) Endpoints() []string {
	return c.opts.Endpoints
}

// Annotate sends text to every endpoint and returns the normalised result.
// An endpoint that keeps failing contributes nothing; the error return is
// reserved for cancellation and for contradictory payload shapes.
func (c *Client) Annotate(ctx context.Context, text string) (Response, error) {
	body, contentType, err := c.requestBody(text)
	if err != nil {
		return Response{}, err
	}
	var payloads []Payload
	for _, endpoint := range c.opts.Endpoints {
		c.logger.Debug("requesting annotations", "endpoint", endpoint)
		var payload map[string]any
		err := c.guarded(endpoint, func() error {
			return resilience.Retry(ctx, "annotate", resilience.RetryConfig{
				MaxAttempts:  c.opts.MaxRetries + 1,
				InitialDelay: c.opts.RetryDelay,
				Retryable: func(err error) bool {
					return apperrors.IsRetryable(err) && !errors.Is(err, errMalformed) && ctx.Err() == nil
				},
				OnRetry: func(attempt int, err error) {
					c.logger.Info("annotation request failed, retrying", "endpoint", endpoint, "attempt", attempt, "error", err)
				},
			}, func() error {
				var perr error
				payload, perr = c.post(ctx, endpoint, body, contentType)
				return perr
			})
		})
		if err != nil {
			if ctx.Err() != nil {
				return Response{}, ctx.Err()
			}
			c.logger.Warn("document did not return a usable response, it will be reprocessed at the next check",
				"endpoint", endpoint,
				"status", apperrors.StatusCode(err),
				"error", err,
			)
			continue
		}
		if len(payload) == 0 {
			continue
		}
		if c.opts.RequestMode == config.RequestModeGateNLP {
			payload["pipeline_url"] = endpoint
		}
		payloads = append(payloads, Payload{Endpoint: endpoint, Body: payload})
	}
	return Normalize(payloads, text, c.now())
}

// Ping issues a GET to every endpoint. Any HTTP answer counts as reachable.
func (c *Client) Ping(ctx context.Context) error {
	for _, endpoint := range c.opts.Endpoints {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", apperrors.ErrInvalidConfig, endpoint, err)
		}
		res, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", apperrors.ErrAnnotationUnavailable, endpoint, err)
		}
		io.Copy(io.Discard, res.Body)
		res.Body.Close()
	}
	return nil
}

func (c *Client) requestBody(text string) ([]byte, string, error) {
	if c.opts.RequestMode == config.RequestModeGateNLP {
		return []byte(text), "text/plain", nil
	}
	params := c.opts.ApplicationParams
	if params == nil {
		params = map[string]any{}
	}
	body, err := json.Marshal(map[string]any{
		"content":            map[string]any{"text": text},
		"application_params": params,
		"footer":             map[string]any{},
	})
	if err != nil {
		return nil, "", fmt.Errorf("encoding annotation request: %w", err)
	}
	return body, "application/json", nil
}

// post performs one attempt against endpoint.
func (c *Client) post(ctx context.Context, endpoint string, body []byte, contentType string) (map[string]any, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: building request: %v", errMalformed, err)
	}
	req.Header.Set("Content-Type", contentType)
	req.SetBasicAuth(c.opts.Username, c.opts.Password)

	start := time.Now()
	res, err := c.http.Do(req)
	c.observe(endpoint, res, start)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", apperrors.ErrAnnotationUnavailable, endpoint, err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", apperrors.ErrAnnotationUnavailable, endpoint, err)
	}
	if res.StatusCode != http.StatusOK {
		return nil, apperrors.Newf(apperrors.ErrUpstreamStatus, res.StatusCode, "%s: %s", endpoint, truncate(data, 256))
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	var payload map[string]any
	if err := decodeJSON(data, &payload); err != nil {
		return nil, fmt.Errorf("%w from %s: %v", errMalformed, endpoint, err)
	}
	return payload, nil
}

func (c *Client) observe(endpoint string, res *http.Response, start time.Time) {
	if c.metrics == nil {
		return
	}
	status := "error"
	if res != nil {
		status = strconv.Itoa(res.StatusCode/100) + "xx"
	}
	c.metrics.NLPRequestsTotal.WithLabelValues(endpoint, status).Inc()
	c.metrics.NLPRequestDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
}

func (c *Client) recordBreaker(name string, to resilience.State) {
	if c.metrics == nil {
		return
	}
	c.metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
}

func decodeJSON(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}

func truncate(data []byte, n int) string {
	if len(data) <= n {
		return string(data)
	}
	return string(data[:n]) + "..."
}
