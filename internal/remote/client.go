// Package remote is the HTTP transport to the remote commerce platform.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	apperrors "github.com/kimhsiao/catalogsync/internal/errors"
	"github.com/kimhsiao/catalogsync/internal/logging"
)

// Config configures the client.
type Config struct {
	BaseURL    string
	Token      string
	Timeout    time.Duration // per request (default: 30s)
	MaxRetries int           // in-client retries of transient failures (default: 2)
	RateLimit  float64       // requests per second (default: 10)
	RateBurst  int           // (default: 5)
	PageSize   int           // change feed page size (default: 100)
	UserAgent  string

	// Transport overrides the HTTP transport, for tests.
	Transport http.RoundTripper
}

// DefaultConfig returns a config with defaults filled in.
func DefaultConfig() Config {
	return Config{
		Timeout:    30 * time.Second,
		MaxRetries: 2,
		RateLimit:  10,
		RateBurst:  5,
		PageSize:   100,
		UserAgent:  "catalogsync/1.0",
	}
}

// Client is a rate-limited, retrying JSON client.
type Client struct {
	cfg         Config
	httpClient  *http.Client
	rateLimiter *rate.Limiter
	backoff     func(attempt int) time.Duration
}

// NewClient creates a client. BaseURL and Token are required.
func NewClient(cfg Config) (*Client, error) {
	def := DefaultConfig()
	if cfg.BaseURL == "" {
		return nil, apperrors.New(apperrors.ErrSyncNotConfigured, "remote base URL is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrSyncNotConfigured, "invalid remote base URL", err)
	}
	if cfg.Token == "" {
		return nil, apperrors.New(apperrors.ErrSyncNotConfigured, "remote token is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = def.RateLimit
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = def.RateBurst
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = def.PageSize
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = def.UserAgent
	}
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")

	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: cfg.Transport,
		},
		rateLimiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst),
		backoff: func(attempt int) time.Duration {
			return time.Duration(1<<uint(attempt)) * 200 * time.Millisecond
		},
	}, nil
}

// request is one API call.
type request struct {
	method         string
	path           string
	query          url.Values
	body           interface{}
	idempotencyKey string
}

// response is a completed call with status < 400.
type response struct {
	status int
	body   []byte
}

func (r *response) decode(target interface{}) error {
	if err := json.Unmarshal(r.body, target); err != nil {
		return apperrors.Wrap(apperrors.ErrInvalidRemoteResponse, "malformed response body", err)
	}
	return nil
}

// statusError is a non-2xx answer from the remote.
type statusError struct {
	status     int
	message    string
	retryAfter time.Duration
}

func (e *statusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.status, e.message)
}

func (e *statusError) transient() bool {
	return e.status == http.StatusTooManyRequests || e.status >= 500
}

// do executes req, retrying transient failures. The returned error is
// already mapped to the error taxonomy, except 404 which callers interpret.
func (c *Client) do(ctx context.Context, req *request) (*response, error) {
	var payload []byte
	if req.body != nil {
		data, err := json.Marshal(req.body)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrInvalid, "failed to encode request body", err)
		}
		payload = data
	}

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if err := c.rateLimiter.Wait(ctx); err != nil {
			return nil, apperrors.Network(err)
		}

		resp, err := c.doOnce(ctx, req, payload)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		wait := c.backoff(attempt)
		if se, ok := err.(*statusError); ok {
			if !se.transient() {
				return nil, err
			}
			if se.retryAfter > 0 {
				wait = se.retryAfter
			}
		}
		if ctx.Err() != nil || attempt == c.cfg.MaxRetries {
			break
		}

		logging.Debug("Retrying remote call", map[string]interface{}{
			"method":  req.method,
			"path":    req.path,
			"attempt": attempt + 1,
			"error":   err.Error(),
		})
		select {
		case <-ctx.Done():
			return nil, apperrors.Network(ctx.Err())
		case <-time.After(wait):
		}
	}
	return nil, apperrors.Network(lastErr)
}

func (c *Client) doOnce(ctx context.Context, req *request, payload []byte) (*response, error) {
	fullURL := c.cfg.BaseURL + "/" + strings.TrimPrefix(req.path, "/")
	if len(req.query) > 0 {
		fullURL += "?" + req.query.Encode()
	}

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.method, fullURL, body)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "failed to build request", err)
	}
	httpReq.Header.Set("User-Agent", c.cfg.UserAgent)
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	if payload != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if req.idempotencyKey != "" {
		httpReq.Header.Set("Idempotency-Key", req.idempotencyKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, &statusError{
			status:     resp.StatusCode,
			message:    errorMessage(data),
			retryAfter: retryAfter(resp.Header.Get("Retry-After")),
		}
	}
	return &response{status: resp.StatusCode, body: data}, nil
}

// mapStatus converts a non-transient statusError to the error taxonomy.
func mapStatus(err error) error {
	se, ok := err.(*statusError)
	if !ok {
		return err
	}
	switch {
	case se.status == http.StatusUnauthorized:
		return apperrors.Wrap(apperrors.ErrNotAuthenticated, "remote rejected credentials", se)
	case se.status == http.StatusForbidden:
		return apperrors.Wrap(apperrors.ErrInsufficientPermissions, "remote denied access", se)
	case se.status == http.StatusNotFound:
		return apperrors.Wrap(apperrors.ErrEntityNotFound, "remote object not found", se)
	case se.status == http.StatusConflict || se.status == http.StatusPreconditionFailed:
		return apperrors.Wrap(apperrors.ErrSyncConflict, "remote version changed", se)
	case se.transient():
		return apperrors.Network(se)
	}
	return apperrors.Wrap(apperrors.ErrInvalidRemoteResponse, "remote rejected request", se)
}

func isNotFound(err error) bool {
	se, ok := err.(*statusError)
	return ok && se.status == http.StatusNotFound
}

// errorMessage extracts {"error": "..."} or {"message": "..."} bodies.
func errorMessage(body []byte) string {
	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &payload) == nil {
		if payload.Message != "" {
			return payload.Message
		}
		if payload.Error != "" {
			return payload.Error
		}
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}

func retryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs <= 0 {
		return 0
	}
	d := time.Duration(secs) * time.Second
	if d > 30*time.Second {
		d = 30 * time.Second
	}
	return d
}
