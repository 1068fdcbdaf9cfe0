// Package httpclient wraps the remote API with the sync core's request
// contract: auth, idempotency and trace headers on every request, a
// single token-refresh retry on 401, Retry-After parsing on throttle
// responses, and a mapping from status codes onto the closed error
// taxonomy.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	syncerrors "github.com/RaoAhmadRaza/guardian-sync/pkg/errors"
)

// Injected header names.
const (
	HeaderAuthorization  = "Authorization"
	HeaderContentType    = "Content-Type"
	HeaderAppVersion     = "X-App-Version"
	HeaderDeviceID       = "X-Device-Id"
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderTraceID        = "Trace-Id"
)

// Config configures a Client.
type Config struct {
	// BaseURL is the API root all paths are resolved against
	BaseURL string `json:"base_url" yaml:"base_url"`

	// AppVersion is sent as X-App-Version on every request
	AppVersion string `json:"app_version" yaml:"app_version"`

	// DeviceID is sent as X-Device-Id on every request
	DeviceID string `json:"device_id" yaml:"device_id"`

	// RequestTimeout bounds each attempt. Defaults to 30s.
	RequestTimeout time.Duration `json:"request_timeout" yaml:"request_timeout"`

	// MaxRetryAfter caps parsed Retry-After headers. Defaults to 30s.
	MaxRetryAfter time.Duration `json:"max_retry_after" yaml:"max_retry_after"`

	// RequestsPerSecond enables an outbound token-bucket limiter when
	// positive, bounding burst replay after long offline periods.
	RequestsPerSecond float64 `json:"requests_per_second" yaml:"requests_per_second"`

	// Burst is the limiter's bucket size. Defaults to 1 when the
	// limiter is enabled.
	Burst int `json:"burst" yaml:"burst"`
}

// DefaultConfig returns the default client configuration.
func DefaultConfig() Config {
	return Config{
		RequestTimeout: 30 * time.Second,
		MaxRetryAfter:  30 * time.Second,
	}
}

// Client issues JSON requests against the remote API. Safe for
// concurrent use.
type Client struct {
	config  Config
	http    *http.Client
	auth    TokenProvider
	limiter *rate.Limiter
	logger  *zap.Logger
	now     func() time.Time
}

// New creates a client. auth may be nil for anonymous hosts; a nil
// logger is replaced with a no-op logger.
func New(config Config, auth TokenProvider, logger *zap.Logger) *Client {
	def := DefaultConfig()
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = def.RequestTimeout
	}
	if config.MaxRetryAfter <= 0 {
		config.MaxRetryAfter = def.MaxRetryAfter
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		config: config,
		http:   &http.Client{Timeout: config.RequestTimeout},
		auth:   auth,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
	if config.RequestsPerSecond > 0 {
		burst := config.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(config.RequestsPerSecond), burst)
	}
	return c
}

// SetHTTPClient swaps the underlying http.Client (tests).
func (c *Client) SetHTTPClient(h *http.Client) { c.http = h }

// SetNow injects a time source for Retry-After date math (tests).
func (c *Client) SetNow(now func() time.Time) { c.now = now }

// Request issues one JSON request and decodes the response body. A nil
// body sends no payload. Extra headers (Idempotency-Key, Trace-Id) are
// merged over the injected defaults. On 401 the token is refreshed and
// the request replayed once. Errors are always from the pkg/errors
// taxonomy.
func (c *Client) Request(ctx context.Context, method, path string, body map[string]interface{}, headers map[string]string) (map[string]interface{}, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, syncerrors.NewNetworkError("request limiter interrupted", err)
		}
	}

	result, err := c.once(ctx, method, path, body, headers)
	if err == nil {
		return result, nil
	}

	// One refresh-then-replay on auth rejection; further 401s surface.
	var authErr *syncerrors.AuthError
	if asAuthRetry(err, &authErr) && c.auth != nil {
		if refreshErr := c.auth.TryRefresh(ctx); refreshErr == nil {
			c.logger.Debug("token refreshed, replaying request",
				zap.String("method", method), zap.String("path", path))
			return c.once(ctx, method, path, body, headers)
		}
		return nil, authErr
	}
	return nil, err
}

// asAuthRetry reports whether err is a 401 eligible for the single
// refresh retry, extracting the typed error.
func asAuthRetry(err error, target **syncerrors.AuthError) bool {
	if ae, ok := err.(*syncerrors.AuthError); ok {
		*target = ae
		return true
	}
	return false
}

func (c *Client) once(ctx context.Context, method, path string, body map[string]interface{}, headers map[string]string) (map[string]interface{}, error) {
	u, err := c.resolve(path)
	if err != nil {
		return nil, syncerrors.NewInternalError("bad request path", err).WithDetail("path", path)
	}

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, syncerrors.NewInternalError("unencodable request body", err)
		}
		reader = bytes.NewReader(encoded)
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, u, reader)
	if err != nil {
		return nil, syncerrors.NewInternalError("build request", err)
	}

	if c.auth != nil {
		token, err := c.auth.Token(ctx)
		if err != nil {
			ae := syncerrors.NewAuthError("token provider failed", true)
			ae.WithCause(err)
			return nil, ae
		}
		if token != "" {
			req.Header.Set(HeaderAuthorization, "Bearer "+token)
		}
	}
	if body != nil {
		req.Header.Set(HeaderContentType, "application/json")
	}
	req.Header.Set(HeaderAppVersion, c.config.AppVersion)
	req.Header.Set(HeaderDeviceID, c.config.DeviceID)
	for k, v := range headers {
		if v != "" {
			req.Header.Set(k, v)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, syncerrors.NewNetworkError("request failed", err).
			WithDetail("method", method).
			WithDetail("path", path)
	}
	defer resp.Body.Close()

	return c.handleResponse(method, path, resp)
}

func (c *Client) handleResponse(method, path string, resp *http.Response) (map[string]interface{}, error) {
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, syncerrors.NewNetworkError("read response body", err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if len(raw) == 0 || resp.StatusCode == http.StatusNoContent {
			return map[string]interface{}{}, nil
		}
		var decoded map[string]interface{}
		if err := json.Unmarshal(raw, &decoded); err != nil {
			return nil, syncerrors.NewInternalError("undecodable success body", err).WithStatus(resp.StatusCode)
		}
		return decoded, nil
	}

	errBody := decodeErrorBody(raw)
	message := bodyString(errBody, "error")
	if message == "" {
		message = fmt.Sprintf("%s %s returned %s", method, path, resp.Status)
	}

	// WithStatus mutates the embedded base in place; the concrete typed
	// error is what gets returned so errors.As keeps working.
	switch resp.StatusCode {
	case http.StatusUnauthorized:
		requiresLogin := true
		if v, ok := errBody["requires_login"].(bool); ok {
			requiresLogin = v
		}
		ae := syncerrors.NewAuthError(message, requiresLogin)
		ae.WithStatus(resp.StatusCode)
		return nil, ae

	case http.StatusBadRequest:
		ve := syncerrors.NewValidationError(message)
		ve.WithStatus(resp.StatusCode)
		if fields := bodyFields(errBody); len(fields) > 0 {
			ve.WithFields(fields)
		}
		return nil, ve

	case http.StatusForbidden:
		pe := syncerrors.NewPermissionDeniedError(message)
		pe.WithStatus(resp.StatusCode)
		return nil, pe

	case http.StatusNotFound:
		nf := syncerrors.NewResourceNotFoundError(message, bodyString(errBody, "resource_id"))
		nf.WithStatus(resp.StatusCode)
		return nil, nf

	case http.StatusConflict:
		ce := syncerrors.NewConflictError(message, bodyString(errBody, "conflict_type"))
		ce.WithStatus(resp.StatusCode)
		ce.WithVersions(errBody["server_version"], errBody["client_version"])
		ce.WithBody(errBody)
		return nil, ce

	case http.StatusTooManyRequests, http.StatusServiceUnavailable:
		retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"), c.now(), c.config.MaxRetryAfter)
		re := syncerrors.NewRetryableError(message, retryAfter)
		re.WithStatus(resp.StatusCode)
		return nil, re
	}

	if resp.StatusCode >= 500 {
		return nil, syncerrors.NewServerError(message, resp.StatusCode)
	}

	// Status outside the API contract; treat as a core-side surprise.
	return nil, syncerrors.NewInternalError(message, nil).WithStatus(resp.StatusCode)
}

func (c *Client) resolve(path string) (string, error) {
	base, err := url.Parse(c.config.BaseURL)
	if err != nil {
		return "", err
	}
	ref, err := url.Parse(path)
	if err != nil {
		return "", err
	}
	resolved := base.ResolveReference(ref)
	if !strings.HasPrefix(resolved.String(), base.Scheme) {
		return "", fmt.Errorf("path %q escapes base url", path)
	}
	return resolved.String(), nil
}

func decodeErrorBody(raw []byte) map[string]interface{} {
	if len(raw) == 0 {
		return map[string]interface{}{}
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return map[string]interface{}{}
	}
	return decoded
}

func bodyString(body map[string]interface{}, key string) string {
	if v, ok := body[key].(string); ok {
		return v
	}
	return ""
}

func bodyFields(body map[string]interface{}) map[string]string {
	raw, ok := body["fields"].(map[string]interface{})
	if !ok {
		return nil
	}
	fields := make(map[string]string, len(raw))
	for name, v := range raw {
		if code, ok := v.(string); ok {
			fields[name] = code
		} else {
			fields[name] = fmt.Sprintf("%v", v)
		}
	}
	return fields
}
