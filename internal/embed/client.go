package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cpm-dev/cpm/internal/cpmerrors"
)

const (
	// DefaultBatchSize matches config.BuildConfig's default.
	DefaultBatchSize = 32

	// DefaultTimeout is the per-request timeout, spec §5 "Cancellation & timeouts":
	// "default 10 s for embeddings".
	DefaultTimeout = 10 * time.Second

	// DefaultMaxRetries is the bounded retry count on 5xx/timeout, spec §4.5.
	DefaultMaxRetries = 2

	normalizeDeviationThreshold = 1e-3
)

// HTTPClient is the OpenAI-compatible embedding client, per spec §4.5:
// request body is {input, model, [dimensions], [user]}; semantic hints
// flow as X-Embedding-* headers.
type HTTPClient struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
	batchSize  int
	maxRetries int
	breaker    *cpmerrors.CircuitBreaker
}

// Option configures an HTTPClient.
type Option func(*HTTPClient)

// WithAPIKey sets the bearer token sent as Authorization.
func WithAPIKey(key string) Option {
	return func(c *HTTPClient) { c.apiKey = key }
}

// WithBatchSize overrides the default request batch size.
func WithBatchSize(n int) Option {
	return func(c *HTTPClient) {
		if n > 0 {
			c.batchSize = n
		}
	}
}

// WithHTTPClient overrides the underlying *http.Client (for tests).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *HTTPClient) { c.httpClient = hc }
}

// WithMaxRetries overrides the default retry count.
func WithMaxRetries(n int) Option {
	return func(c *HTTPClient) { c.maxRetries = n }
}

// NewHTTPClient constructs a client targeting endpoint, which must be http
// or https (spec §4.5: "All URL schemes validated to http/https").
func NewHTTPClient(endpoint string, opts ...Option) (*HTTPClient, error) {
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return nil, cpmerrors.New(cpmerrors.ErrCodeEmbedBadRequest,
			"invalid embedding endpoint URL", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, cpmerrors.New(cpmerrors.ErrCodeEmbedBadRequest,
			fmt.Sprintf("unsupported embedding endpoint scheme %q", parsed.Scheme), nil)
	}

	c := &HTTPClient{
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: DefaultTimeout},
		batchSize:  DefaultBatchSize,
		maxRetries: DefaultMaxRetries,
		breaker:    cpmerrors.NewCircuitBreaker("embed-client"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type embedRequest struct {
	Input      []string `json:"input"`
	Model      string   `json:"model"`
	Dimensions *int     `json:"dimensions,omitempty"`
	User       string   `json:"user,omitempty"`
}

type embedResponseItem struct {
	Embedding []float32 `json:"embedding"`
	Index     int       `json:"index"`
}

type embedResponse struct {
	Data []embedResponseItem `json:"data"`
}

// Embed partitions texts into batches, posts each to the endpoint, and
// reassembles a row-aligned matrix. Normalization per hints.Normalize is
// applied after all batches return.
func (c *HTTPClient) Embed(ctx context.Context, texts []string, hints Hints) (Matrix, error) {
	if len(texts) == 0 {
		return Matrix{}, nil
	}

	result := make(Matrix, len(texts))
	for start := 0; start < len(texts); start += c.batchSize {
		end := start + c.batchSize
		if end > len(texts) {
			end = len(texts)
		}
		batch := texts[start:end]

		rows, err := c.embedBatchWithRetry(ctx, batch, hints)
		if err != nil {
			return nil, err
		}
		for i, row := range rows {
			result[start+i] = row
		}
	}

	if err := validateFinite(result); err != nil {
		return nil, err
	}

	return applyNormalization(result, hints.Normalize), nil
}

func (c *HTTPClient) retryConfig() cpmerrors.RetryConfig {
	return cpmerrors.RetryConfig{
		MaxRetries:   c.maxRetries,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// embedBatchWithRetry retries on 5xx/transport errors only, per spec §4.5:
// 4xx responses are non-retryable and returned immediately.
func (c *HTTPClient) embedBatchWithRetry(ctx context.Context, batch []string, hints Hints) ([][]float32, error) {
	cfg := c.retryConfig()
	delay := cfg.InitialDelay
	var lastErr error

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		rows, err := c.embedBatch(ctx, batch, hints)
		if err == nil {
			return rows, nil
		}
		if !cpmerrors.IsRetryable(err) || attempt >= cfg.MaxRetries {
			return nil, err
		}
		lastErr = err

		waitDelay := delay
		if cfg.Jitter {
			waitDelay = time.Duration(float64(delay) * (0.5 + randFraction()))
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(waitDelay):
		}
		delay = time.Duration(float64(delay) * cfg.Multiplier)
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}
	return nil, lastErr
}

func (c *HTTPClient) embedBatch(ctx context.Context, batch []string, hints Hints) ([][]float32, error) {
	reqBody := embedRequest{Input: batch, Model: hints.Model}
	if hints.Dim > 0 {
		d := hints.Dim
		reqBody.Dimensions = &d
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, cpmerrors.New(cpmerrors.ErrCodeEmbedBadRequest, "failed to marshal embedding request", err)
	}

	var result [][]float32
	err = c.breaker.Execute(func() error {
		rows, httpErr := c.doRequest(ctx, body, hints)
		if httpErr != nil {
			return httpErr
		}
		result = rows
		return nil
	})
	if err != nil {
		if err == cpmerrors.ErrCircuitOpen {
			return nil, cpmerrors.New(cpmerrors.ErrCodeEmbedUpstream, "embedding client circuit breaker open", err)
		}
		return nil, err
	}
	return result, nil
}

func (c *HTTPClient) doRequest(ctx context.Context, body []byte, hints Hints) ([][]float32, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, cpmerrors.New(cpmerrors.ErrCodeEmbedBadRequest, "failed to build embedding request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if hints.Normalize != "" {
		req.Header.Set("X-Embedding-Normalize", string(hints.Normalize))
	}
	if hints.Task != "" {
		req.Header.Set("X-Embedding-Task", hints.Task)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, cpmerrors.New(cpmerrors.ErrCodeEmbedUpstream, "embedding request failed: "+redactURL(c.endpoint), err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, cpmerrors.New(cpmerrors.ErrCodeEmbedUpstream, "failed to read embedding response", err)
	}

	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return nil, cpmerrors.New(cpmerrors.ErrCodeEmbedBadRequest,
			"embedding server rejected request (status "+strconv.Itoa(resp.StatusCode)+")", nil)
	}
	if resp.StatusCode >= 500 {
		return nil, cpmerrors.New(cpmerrors.ErrCodeEmbedUpstream,
			"embedding server error (status "+strconv.Itoa(resp.StatusCode)+")", nil)
	}

	var parsed embedResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, cpmerrors.New(cpmerrors.ErrCodeEmbedBadRequest, "malformed embedding response", err)
	}

	rows := make([][]float32, len(parsed.Data))
	for _, item := range parsed.Data {
		if item.Index < 0 || item.Index >= len(rows) {
			return nil, cpmerrors.New(cpmerrors.ErrCodeEmbedBadRequest,
				fmt.Sprintf("embedding response index %d out of range", item.Index), nil)
		}
		rows[item.Index] = item.Embedding
	}
	return rows, nil
}

func validateFinite(m Matrix) error {
	for _, row := range m {
		for _, v := range row {
			if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
				return cpmerrors.New(cpmerrors.ErrCodeNonFiniteVector, "embedding response contained a non-finite value", nil)
			}
		}
	}
	return nil
}

// applyNormalization implements the server/client/auto modes of spec §4.5.
func applyNormalization(m Matrix, mode NormalizeMode) Matrix {
	switch mode {
	case NormalizeClient:
		return normalizeAll(m)
	case NormalizeAuto:
		if needsNormalization(m) {
			return normalizeAll(m)
		}
		return m
	default: // NormalizeServer or unset: trust server output
		return m
	}
}

func needsNormalization(m Matrix) bool {
	for _, row := range m {
		n := l2Norm(row)
		if n == 0 {
			continue
		}
		if math.Abs(n-1.0) > normalizeDeviationThreshold {
			return true
		}
	}
	return false
}

func normalizeAll(m Matrix) Matrix {
	out := make(Matrix, len(m))
	for i, row := range m {
		out[i] = normalizeVector(row)
	}
	return out
}

func normalizeVector(v []float32) []float32 {
	n := l2Norm(v)
	if n == 0 {
		return v
	}
	out := make([]float32, len(v))
	for i, val := range v {
		out[i] = float32(float64(val) / n)
	}
	return out
}

func l2Norm(v []float32) float64 {
	var sumSquares float64
	for _, val := range v {
		sumSquares += float64(val) * float64(val)
	}
	return math.Sqrt(sumSquares)
}

func randFraction() float64 {
	return rand.Float64()
}

// redactURL strips userinfo from a URL before it's interpolated into an
// error message, per spec §4.5 "authorization headers redacted from logs"
// and §7 "tokens and secrets are never interpolated into reason strings".
func redactURL(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil {
		return "<redacted-url>"
	}
	parsed.User = nil
	return parsed.String()
}
