// Package analysis implements the client for the external text-understanding
// service: cache-first, rate limited, schema validated, with a typed Failure
// result and a local heuristic fallback analyzer.
package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"fable/internal/analysis/cache"
	"fable/internal/config"
	"fable/internal/escalate"
	"fable/internal/logging"
	"fable/internal/segment"
	"fable/internal/services"
)

const (
	defaultHTTPTimeout    = 60 * time.Second
	defaultRetryAttempts  = 3
	defaultRetryBaseDelay = 1 * time.Second
	defaultRetryMaxDelay  = 10 * time.Second
)

const systemPrompt = `You classify book text segments for audiobook narration.
For every numbered target segment decide whether it is narration or dialogue
and, for dialogue, name the speaker using the known character list when the
speaker matches one. Respond with JSON only:
{"segments":[{"segment_id":<id>,"type":"narration"|"dialogue","speaker":"<name or empty>","confidence":<0..1>}],
"characters":[{"name":"<name>","gender":"","age":"","style":"","narrator":false}]}
The characters array is optional; include it only when the passage reveals
speaker attributes.`

// Client talks to the external text-understanding capability.
type Client struct {
	cfg        config.Analysis
	cache      *cache.Cache
	limiter    *rate.Limiter
	httpClient *http.Client
	logger     *slog.Logger

	retryMaxAttempts int
	retryBaseDelay   time.Duration
	retryMaxDelay    time.Duration
	sleeper          func(time.Duration)
}

// Option customizes the client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithRetryMaxAttempts overrides the default retry count.
func WithRetryMaxAttempts(attempts int) Option {
	return func(c *Client) {
		c.retryMaxAttempts = attempts
	}
}

// WithRetryBackoff overrides the retry backoff delays.
func WithRetryBackoff(baseDelay, maxDelay time.Duration) Option {
	return func(c *Client) {
		c.retryBaseDelay = baseDelay
		c.retryMaxDelay = maxDelay
	}
}

// WithSleeper overrides how retry sleeps are performed (useful for tests).
func WithSleeper(sleeper func(time.Duration)) Option {
	return func(c *Client) {
		c.sleeper = sleeper
	}
}

// WithLimiter overrides the request rate limiter (useful for tests).
func WithLimiter(limiter *rate.Limiter) Option {
	return func(c *Client) {
		if limiter != nil {
			c.limiter = limiter
		}
	}
}

// NewClient constructs an analysis client. The cache may be nil-pathed (then
// every call goes to the network).
func NewClient(cfg config.Analysis, responseCache *cache.Cache, logger *slog.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = logging.NewNop()
	}
	timeout := defaultHTTPTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	rpm := cfg.RequestsPerMinute
	if rpm <= 0 {
		rpm = 30
	}
	burst := cfg.MaxInFlight
	if burst <= 0 {
		burst = 1
	}
	client := &Client{
		cfg:              cfg,
		cache:            responseCache,
		limiter:          rate.NewLimiter(rate.Every(time.Minute/time.Duration(rpm)), burst),
		httpClient:       &http.Client{Timeout: timeout},
		logger:           logging.NewComponentLogger(logger, "analysis"),
		retryMaxAttempts: defaultRetryAttempts,
		retryBaseDelay:   defaultRetryBaseDelay,
		retryMaxDelay:    defaultRetryMaxDelay,
	}
	for _, opt := range opts {
		opt(client)
	}
	if client.cfg.BaseURL == "" {
		client.cfg.BaseURL = "https://openrouter.ai/api/v1/chat/completions"
	}
	return client
}

// Analyze resolves a context window. The cache is consulted first; cache hits
// return without any network traffic. Transport, quota, credential, and
// schema problems come back as a typed Failure, never an error the caller
// must absorb.
func (c *Client) Analyze(ctx context.Context, window escalate.Window) (Result, *Failure) {
	key := cache.Key(window.Text(), window.Characters)

	if c.cache != nil {
		if payload, ok := c.cache.Lookup(key); ok {
			var wire wireResponse
			if err := json.Unmarshal(payload, &wire); err == nil && wire.validate(window) == nil {
				c.logger.Debug("analysis cache hit",
					logging.String(logging.FieldProjectID, window.ProjectID),
					logging.Int("targets", len(window.TargetIDs)))
				return Result{Segments: wire.Segments, Hints: wire.hints(), Provenance: segment.ProvenanceExternal, Cached: true}, nil
			}
			// A corrupt cached payload is treated as a miss.
		}
	}

	if strings.TrimSpace(c.cfg.APIKey) == "" {
		return Result{}, &Failure{Reason: FailureCredentials, Err: services.Wrap(services.ErrConfiguration, "analysis", "analyze", "api key not configured", nil)}
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return Result{}, c.classifyFailure(err)
	}

	requestID := uuid.NewString()
	content, err := c.completeWithRetry(services.WithRequestID(ctx, requestID), window, requestID)
	if err != nil {
		return Result{}, c.classifyFailure(err)
	}

	var wire wireResponse
	if err := decodeModelJSON(content, &wire); err != nil {
		return Result{}, &Failure{Reason: FailureSchema, Err: services.Wrap(services.ErrSchemaViolation, "analysis", "analyze", "unparseable response", err)}
	}
	if err := wire.validate(window); err != nil {
		return Result{}, &Failure{Reason: FailureSchema, Err: services.Wrap(services.ErrSchemaViolation, "analysis", "analyze", "response failed validation", err)}
	}

	if c.cache != nil {
		canonical, marshalErr := json.Marshal(wire)
		if marshalErr == nil {
			if storeErr := c.cache.Store(key, canonical); storeErr != nil {
				c.logger.Warn("failed to cache analysis result", logging.Error(storeErr))
			}
		}
	}

	return Result{Segments: wire.Segments, Hints: wire.hints(), Provenance: segment.ProvenanceExternal}, nil
}

func (c *Client) classifyFailure(err error) *Failure {
	switch {
	case errors.Is(err, context.Canceled):
		return &Failure{Reason: FailureCanceled, Err: err}
	case errors.Is(err, context.DeadlineExceeded):
		return &Failure{Reason: FailureTimeout, Err: services.Wrap(services.ErrExternalService, "analysis", "analyze", "request deadline exceeded", err)}
	}

	var statusErr *httpStatusError
	if errors.As(err, &statusErr) {
		switch {
		case statusErr.StatusCode == http.StatusTooManyRequests:
			return &Failure{Reason: FailureQuota, Err: services.Wrap(services.ErrExternalService, "analysis", "analyze", "quota exhausted", err)}
		case statusErr.StatusCode == http.StatusUnauthorized || statusErr.StatusCode == http.StatusForbidden:
			return &Failure{Reason: FailureCredentials, Err: services.Wrap(services.ErrExternalService, "analysis", "analyze", "credentials rejected", err)}
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Failure{Reason: FailureTimeout, Err: services.Wrap(services.ErrExternalService, "analysis", "analyze", "network timeout", err)}
	}

	return &Failure{Reason: FailureUnavailable, Err: services.Wrap(services.ErrExternalService, "analysis", "analyze", "service unavailable", err)}
}

type chatRequest struct {
	Model          string            `json:"model"`
	Messages       []chatMessage     `json:"messages"`
	Temperature    float64           `json:"temperature"`
	ResponseFormat map[string]string `json:"response_format"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

type httpStatusError struct {
	StatusCode int
	Body       string
	RetryAfter time.Duration
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("analysis request: http %d: %s", e.StatusCode, strings.TrimSpace(e.Body))
}

func (c *Client) completeWithRetry(ctx context.Context, window escalate.Window, requestID string) (string, error) {
	payload := chatRequest{
		Model: c.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: buildPrompt(window)},
		},
		Temperature:    0,
		ResponseFormat: map[string]string{"type": "json_object"},
	}

	attempts := c.retryMaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		content, err := c.sendOnce(ctx, payload, requestID)
		if err == nil {
			return content, nil
		}

		delay, retry := c.retryDelay(ctx, err, attempt, attempts)
		if !retry {
			return "", err
		}
		c.logger.Debug("retrying analysis request",
			logging.String(logging.FieldCorrelationID, requestID),
			logging.Int("attempt", attempt),
			logging.Duration("delay", delay),
			logging.Error(err))
		if sleepErr := c.sleep(ctx, delay); sleepErr != nil {
			return "", sleepErr
		}
		lastErr = err
	}

	if lastErr == nil {
		lastErr = errors.New("unknown retry failure")
	}
	return "", fmt.Errorf("analysis request: failed after %d attempts: %w", attempts, lastErr)
}

func buildPrompt(window escalate.Window) string {
	var b strings.Builder
	if len(window.Characters) > 0 {
		b.WriteString("Known characters: ")
		b.WriteString(strings.Join(window.Characters, ", "))
		b.WriteString("\n\n")
	}
	b.WriteString("Passage:\n")
	for _, seg := range window.Segments {
		if window.Contains(seg.ID) {
			fmt.Fprintf(&b, "[%d] %s\n", seg.ID, seg.Text)
		} else {
			fmt.Fprintf(&b, "(context) %s\n", seg.Text)
		}
	}
	b.WriteString("\nClassify every numbered segment.")
	return b.String()
}

func (c *Client) sendOnce(ctx context.Context, payload chatRequest, requestID string) (string, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("analysis request: encode body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL, bytes.NewReader(encoded))
	if err != nil {
		return "", fmt.Errorf("analysis request: new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", requestID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("analysis request: http error: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("analysis request: read body: %w", err)
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		retryAfter, _ := parseRetryAfter(resp.Header.Get("Retry-After"))
		return "", &httpStatusError{
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(body)),
			RetryAfter: retryAfter,
		}
	}

	var completion chatResponse
	if err := json.Unmarshal(body, &completion); err != nil {
		return "", fmt.Errorf("analysis request: decode response: %w", err)
	}
	if completion.Error != nil {
		return "", fmt.Errorf("analysis request: api error: %s", strings.TrimSpace(completion.Error.Message))
	}
	for _, choice := range completion.Choices {
		if content := strings.TrimSpace(choice.Message.Content); content != "" {
			return content, nil
		}
	}
	return "", errors.New("analysis request: empty content")
}

func (c *Client) retryDelay(ctx context.Context, err error, attempt, maxAttempts int) (time.Duration, bool) {
	if attempt >= maxAttempts || err == nil || ctx.Err() != nil {
		return 0, false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return 0, false
	}

	var statusErr *httpStatusError
	if errors.As(err, &statusErr) {
		switch {
		case statusErr.StatusCode == http.StatusRequestTimeout,
			statusErr.StatusCode == http.StatusTooManyRequests,
			statusErr.StatusCode >= http.StatusInternalServerError:
			if statusErr.RetryAfter > 0 {
				return c.capDelay(statusErr.RetryAfter), true
			}
			return c.backoffDelay(attempt), true
		default:
			return 0, false
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return c.backoffDelay(attempt), true
	}

	return 0, false
}

func (c *Client) backoffDelay(attempt int) time.Duration {
	delay := c.retryBaseDelay
	if delay <= 0 {
		return 0
	}
	for i := 1; i < attempt; i++ {
		if delay > c.retryMaxDelay/2 {
			return c.retryMaxDelay
		}
		delay *= 2
	}
	return c.capDelay(delay)
}

func (c *Client) capDelay(delay time.Duration) time.Duration {
	if delay < 0 {
		return 0
	}
	if c.retryMaxDelay > 0 && delay > c.retryMaxDelay {
		return c.retryMaxDelay
	}
	return delay
}

func (c *Client) sleep(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if c.sleeper != nil {
		c.sleeper(delay)
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func parseRetryAfter(value string) (time.Duration, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds < 0 {
			return 0, false
		}
		return time.Duration(seconds) * time.Second, true
	}
	if when, err := http.ParseTime(value); err == nil {
		if delay := time.Until(when); delay > 0 {
			return delay, true
		}
	}
	return 0, false
}
