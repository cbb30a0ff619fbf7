// Package portal implements the Gateway port over HTTP with interceptor
// stages: auth injection, rate limiting, timeout, retry with backoff, and
// response normalization into the typed error taxonomy.
package portal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gregjones/httpcache"
	"golang.org/x/time/rate"

	"github.com/acortes/civicsync/internal/domain/model"
	"github.com/acortes/civicsync/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.Gateway = (*Gateway)(nil)

// AuthProvider supplies bearer tokens and performs the single-flight refresh
// triggered by 401 responses. Implemented by the credential manager.
type AuthProvider interface {
	// Token returns the current valid access token, or "" when signed out.
	Token(ctx context.Context) (string, error)

	// Refresh exchanges the refresh token for a new credential.
	Refresh(ctx context.Context) error
}

// Options configures a Gateway.
type Options struct {
	BaseURL        string
	Timeout        time.Duration // per-attempt timeout; default 10s
	MaxAttempts    int           // total attempts for retryable failures; default 3
	RetryBaseDelay time.Duration // linear backoff base; default 500ms
	RateLimit      rate.Limit    // requests per second; 0 disables limiting
	RateBurst      int
	UserAgent      string
	Client         *http.Client // test override; default wraps an httpcache transport
}

// Gateway issues portal requests through the interceptor pipeline. The auth
// provider is hot-swappable so the credential manager can be wired after
// construction without a circular dependency.
type Gateway struct {
	base        *url.URL
	client      *http.Client
	limiter     *rate.Limiter
	timeout     time.Duration
	maxAttempts int
	baseDelay   time.Duration
	userAgent   string

	mu   sync.RWMutex
	auth AuthProvider
}

// NewGateway creates a Gateway for the given base URL. The default transport
// stack wraps httpcache for ETag-based conditional GETs.
func NewGateway(opts Options) (*Gateway, error) {
	base, err := url.Parse(opts.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing base URL: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("base URL %q missing scheme or host", opts.BaseURL)
	}

	client := opts.Client
	if client == nil {
		client = &http.Client{Transport: httpcache.NewMemoryCacheTransport()}
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	baseDelay := opts.RetryBaseDelay
	if baseDelay <= 0 {
		baseDelay = 500 * time.Millisecond
	}

	var limiter *rate.Limiter
	if opts.RateLimit > 0 {
		burst := opts.RateBurst
		if burst <= 0 {
			burst = int(opts.RateLimit)
			if burst < 1 {
				burst = 1
			}
		}
		limiter = rate.NewLimiter(opts.RateLimit, burst)
	}

	userAgent := opts.UserAgent
	if userAgent == "" {
		userAgent = "civicsync"
	}

	return &Gateway{
		base:        base,
		client:      client,
		limiter:     limiter,
		timeout:     timeout,
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
		userAgent:   userAgent,
	}, nil
}

// SetAuthProvider swaps the auth provider. Requests issued afterwards carry
// tokens from the new provider.
func (g *Gateway) SetAuthProvider(p AuthProvider) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.auth = p
}

func (g *Gateway) authProvider() AuthProvider {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.auth
}

// Do issues the request through the pipeline. Failures come back as
// *model.APIError; only network failures, timeouts, and 5xx responses
// consume retry budget. A 401 triggers one credential refresh followed by a
// single resubmission of the original request.
func (g *Gateway) Do(ctx context.Context, req driven.Request) (*driven.Response, error) {
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, mapContextErr(err)
		}
	}

	body, err := encodeBody(req.Body)
	if err != nil {
		return nil, &model.APIError{Kind: model.ErrorKindUnknown, Message: fmt.Sprintf("encoding request body: %v", err)}
	}

	resp, err := g.doWithRetry(ctx, req, body)
	if err == nil {
		return resp, nil
	}

	apiErr, ok := model.AsAPIError(err)
	if !ok {
		return nil, &model.APIError{Kind: model.ErrorKindUnknown, Message: err.Error()}
	}

	// 401 interception: one refresh, one resubmission. NoAuth requests (the
	// refresh call itself among them) skip this stage.
	if apiErr.Kind == model.ErrorKindAuthentication && apiErr.Status == http.StatusUnauthorized && !req.NoAuth {
		if auth := g.authProvider(); auth != nil {
			slog.Debug("unauthorized response, refreshing credential", "path", req.Path)
			if refreshErr := auth.Refresh(ctx); refreshErr == nil {
				return g.attempt(ctx, req, body)
			}
		}
	}

	return nil, apiErr
}

// doWithRetry wraps attempt with the linear backoff retry policy.
func (g *Gateway) doWithRetry(ctx context.Context, req driven.Request, body []byte) (*driven.Response, error) {
	var resp *driven.Response
	attempt := 0

	operation := func() error {
		attempt++
		r, err := g.attempt(ctx, req, body)
		if err == nil {
			resp = r
			return nil
		}

		apiErr, ok := model.AsAPIError(err)
		if !ok || !apiErr.Retryable() {
			return backoff.Permanent(err)
		}

		slog.Debug("retryable request failure",
			"method", req.Method,
			"path", req.Path,
			"attempt", attempt,
			"kind", string(apiErr.Kind),
		)
		return err
	}

	err := backoff.Retry(operation, backoff.WithContext(newLinearBackOff(g.baseDelay, g.maxAttempts), ctx))
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// attempt performs one pipeline pass: decorate, send with timeout, normalize.
func (g *Gateway) attempt(ctx context.Context, req driven.Request, body []byte) (*driven.Response, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = g.timeout
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := g.buildRequest(attemptCtx, req, body)
	if err != nil {
		return nil, err
	}

	httpResp, err := g.client.Do(httpReq)
	if err != nil {
		// Distinguish the attempt deadline from caller cancellation.
		if attemptCtx.Err() != nil && ctx.Err() == nil {
			return nil, &model.APIError{Kind: model.ErrorKindTimeout, Message: fmt.Sprintf("%s %s timed out after %s", req.Method, req.Path, timeout)}
		}
		if ctx.Err() != nil {
			return nil, mapContextErr(ctx.Err())
		}
		return nil, &model.APIError{Kind: model.ErrorKindNetwork, Message: err.Error()}
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, 10<<20))
	if err != nil {
		return nil, &model.APIError{Kind: model.ErrorKindNetwork, Message: fmt.Sprintf("reading response body: %v", err)}
	}

	if httpResp.StatusCode >= 200 && httpResp.StatusCode < 300 {
		return &driven.Response{Status: httpResp.StatusCode, Data: data}, nil
	}

	return nil, normalizeError(httpResp.StatusCode, data)
}

// buildRequest assembles the outgoing HTTP request: URL resolution, default
// headers, and bearer injection from the auth provider.
func (g *Gateway) buildRequest(ctx context.Context, req driven.Request, body []byte) (*http.Request, error) {
	u := *g.base
	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.TrimLeft(req.Path, "/")
	if len(req.Query) > 0 {
		q := u.Query()
		for k, v := range req.Query {
			q.Set(k, v)
		}
		u.RawQuery = q.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, u.String(), reader)
	if err != nil {
		return nil, &model.APIError{Kind: model.ErrorKindUnknown, Message: fmt.Sprintf("building request: %v", err)}
	}

	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", g.userAgent)
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	if !req.NoAuth {
		if auth := g.authProvider(); auth != nil {
			token, err := auth.Token(ctx)
			if err != nil {
				return nil, &model.APIError{Kind: model.ErrorKindAuthentication, Message: fmt.Sprintf("obtaining access token: %v", err)}
			}
			if token != "" {
				httpReq.Header.Set("Authorization", "Bearer "+token)
			}
		}
	}

	return httpReq, nil
}

// errorBody is the structured error shape peer services return. Both the
// flat and the nested-under-"error" forms appear in the wild.
type errorBody struct {
	Message      string          `json:"message"`
	ConflictType string          `json:"conflictType"`
	ConflictInfo json.RawMessage `json:"conflictInfo"`
	Err          *struct {
		Message      string          `json:"message"`
		ConflictType string          `json:"conflictType"`
		ConflictInfo json.RawMessage `json:"conflictInfo"`
	} `json:"error"`
}

// normalizeError maps an HTTP failure status and body into the taxonomy.
func normalizeError(status int, data []byte) *model.APIError {
	var parsed errorBody
	_ = json.Unmarshal(data, &parsed)

	message := parsed.Message
	conflictType := parsed.ConflictType
	conflictInfo := parsed.ConflictInfo
	if parsed.Err != nil {
		if message == "" {
			message = parsed.Err.Message
		}
		if conflictType == "" {
			conflictType = parsed.Err.ConflictType
		}
		if conflictInfo == nil {
			conflictInfo = parsed.Err.ConflictInfo
		}
	}
	if message == "" {
		message = http.StatusText(status)
	}

	apiErr := &model.APIError{Status: status, Message: message}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		apiErr.Kind = model.ErrorKindAuthentication
	case status == http.StatusConflict:
		apiErr.Kind = model.ErrorKindConflict
		apiErr.ConflictType = conflictType
		apiErr.ConflictInfo = conflictInfo
	case status == http.StatusServiceUnavailable:
		apiErr.Kind = model.ErrorKindUnavailable
	case status >= 400 && status < 500:
		apiErr.Kind = model.ErrorKindValidation
	default:
		apiErr.Kind = model.ErrorKindUnknown
	}
	return apiErr
}

func mapContextErr(err error) *model.APIError {
	if errors.Is(err, context.DeadlineExceeded) {
		return &model.APIError{Kind: model.ErrorKindTimeout, Message: "request deadline exceeded"}
	}
	return &model.APIError{Kind: model.ErrorKindUnknown, Message: err.Error()}
}

func encodeBody(body any) ([]byte, error) {
	switch b := body.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return b, nil
	case []byte:
		return b, nil
	default:
		return json.Marshal(b)
	}
}

// linearBackOff waits baseDelay * attemptNumber between retries and stops
// once the attempt budget is spent. Satisfies backoff.BackOff.
type linearBackOff struct {
	base        time.Duration
	maxAttempts int
	attempt     int
}

func newLinearBackOff(base time.Duration, maxAttempts int) *linearBackOff {
	return &linearBackOff{base: base, maxAttempts: maxAttempts}
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.attempt++
	if b.attempt >= b.maxAttempts {
		return backoff.Stop
	}
	return b.base * time.Duration(b.attempt)
}

func (b *linearBackOff) Reset() {
	b.attempt = 0
}
