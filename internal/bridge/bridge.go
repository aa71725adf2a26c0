package bridge

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/GriffinCanCode/ExtensionOS/backend/internal/connection"
	"github.com/GriffinCanCode/ExtensionOS/backend/internal/logging"
	"github.com/GriffinCanCode/ExtensionOS/backend/internal/monitoring"
	"github.com/GriffinCanCode/ExtensionOS/backend/internal/resilience"
)

// Request is one outbound fetch on behalf of an extension. Connection, when
// set, names a host-managed credential binding; the extension never sees the
// secret, only the response.
type Request struct {
	URL        string            `json:"url"`
	Method     string            `json:"method,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       string            `json:"body,omitempty"`
	Connection string            `json:"connection,omitempty"`

	// Instance is set host-side by the dispatcher, never from the wire.
	// Rate limiting is keyed on it so one extension cannot starve the rest.
	Instance string `json:"-"`
}

// Response mirrors what the sandbox receives.
type Response struct {
	Status     int               `json:"status"`
	StatusText string            `json:"statusText"`
	Headers    map[string]string `json:"headers"`
	Body       string            `json:"body"`
}

// Config bounds the bridge's resource use.
type Config struct {
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
	RetryCount        int
	RetryWaitTime     time.Duration
	RetryMaxWaitTime  time.Duration
}

// DefaultConfig returns production-ready bridge limits.
func DefaultConfig() Config {
	return Config{
		Timeout:           30 * time.Second,
		RequestsPerSecond: 10,
		Burst:             20,
		RetryCount:        2,
		RetryWaitTime:     500 * time.Millisecond,
		RetryMaxWaitTime:  5 * time.Second,
	}
}

// Bridge performs outbound HTTP for sandboxed extensions, injecting
// credentials only for explicitly allow-listed hosts.
type Bridge struct {
	connections connection.Manager
	client      *resty.Client
	breaker     *resilience.Breaker
	metrics     *monitoring.Metrics
	log         *logging.Logger

	limit rate.Limit
	burst int

	limMu    sync.Mutex
	limiters map[string]*rate.Limiter
}

var placeholderRe = regexp.MustCompile(`\{([A-Za-z0-9_]+)\}`)

var allowedMethods = map[string]bool{
	http.MethodGet: true, http.MethodPost: true, http.MethodPut: true,
	http.MethodPatch: true, http.MethodDelete: true, http.MethodHead: true,
	http.MethodOptions: true,
}

// New creates a bridge over the given connection manager. Metrics may be
// nil.
func New(connections connection.Manager, cfg Config, metrics *monitoring.Metrics, log *logging.Logger) *Bridge {
	if cfg.Timeout <= 0 {
		cfg = DefaultConfig()
	}
	if cfg.RetryWaitTime <= 0 {
		cfg.RetryWaitTime = 500 * time.Millisecond
	}
	if cfg.RetryMaxWaitTime <= 0 {
		cfg.RetryMaxWaitTime = 5 * time.Second
	}

	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = cfg.RetryCount
	retryClient.RetryWaitMin = cfg.RetryWaitTime
	retryClient.RetryWaitMax = cfg.RetryMaxWaitTime
	retryClient.Logger = nil

	// Retries happen at the resty layer; retryablehttp contributes its
	// pooled transport configuration.
	restyClient := resty.New().
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.RetryCount).
		SetRetryWaitTime(cfg.RetryWaitTime).
		SetRetryMaxWaitTime(cfg.RetryMaxWaitTime).
		SetHeader("User-Agent", "ExtensionOS-Bridge/1.0")
	restyClient.SetTransport(retryClient.HTTPClient.Transport)

	limit := rate.Inf
	burst := 0
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
		burst = cfg.Burst
		if burst <= 0 {
			burst = int(cfg.RequestsPerSecond)
		}
	}

	return &Bridge{
		connections: connections,
		client:      restyClient,
		breaker: resilience.New("bridge", resilience.Settings{
			FailureThreshold: 10,
			Cooldown:         30 * time.Second,
		}),
		metrics:  metrics,
		log:      log.Named("bridge"),
		limit:    limit,
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

// limiterFor returns the named instance's limiter, creating it on first
// use. Requests without an instance share one bucket.
func (b *Bridge) limiterFor(instance string) *rate.Limiter {
	b.limMu.Lock()
	defer b.limMu.Unlock()
	l, ok := b.limiters[instance]
	if !ok {
		l = rate.NewLimiter(b.limit, b.burst)
		b.limiters[instance] = l
	}
	return l
}

func (b *Bridge) record(conn, status string) {
	if b.metrics == nil {
		return
	}
	if conn == "" {
		conn = "none"
	}
	b.metrics.RecordBridgeRequest(conn, status)
}

// Fetch performs the request. Without a connection it is a plain fetch;
// with one, the connection is resolved, the host allow-list enforced, the
// auth header rendered from stored secrets, and 401/403 demotes the
// connection to error status.
func (b *Bridge) Fetch(ctx context.Context, req Request) (*Response, error) {
	if req.URL == "" {
		return nil, fmt.Errorf("url is required")
	}
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}
	if !allowedMethods[method] {
		return nil, fmt.Errorf("unsupported HTTP method %q", req.Method)
	}

	headers := make(map[string]string, len(req.Headers)+1)
	for k, v := range req.Headers {
		headers[k] = v
	}

	var connID, connTitle string
	if req.Connection != "" {
		authHeader, authValue, err := b.resolveAuth(req)
		if err != nil {
			b.record(req.Connection, "rejected")
			return nil, err
		}
		// The computed auth header always wins over caller headers.
		for k := range headers {
			if strings.EqualFold(k, authHeader) {
				delete(headers, k)
			}
		}
		headers[authHeader] = authValue

		snap, _ := b.connections.GetSnapshot(req.Connection)
		connID, connTitle = snap.ID, snap.Title
	}

	if err := b.limiterFor(req.Instance).Wait(ctx); err != nil {
		return nil, fmt.Errorf("fetch rate limit: %w", err)
	}

	var resp *resty.Response
	err := b.breaker.Do(func() error {
		var doErr error
		resp, doErr = b.client.R().
			SetContext(ctx).
			SetHeaders(headers).
			SetBody(req.Body).
			Execute(method, req.URL)
		return doErr
	})
	if err != nil {
		b.record(req.Connection, "error")
		return nil, fmt.Errorf("fetch %s: %w", req.URL, err)
	}

	if req.Connection != "" && (resp.StatusCode() == http.StatusUnauthorized || resp.StatusCode() == http.StatusForbidden) {
		reason := fmt.Sprintf("HTTP %d from %s", resp.StatusCode(), req.URL)
		// Best effort: a failing status write must not mask the auth error.
		if markErr := b.connections.MarkStatus(req.Connection, connection.StatusError, reason); markErr != nil {
			b.log.Warn("failed to demote connection after auth failure",
				zap.String("connection", req.Connection), zap.Error(markErr))
		}
		b.record(req.Connection, "auth_failed")
		return nil, connection.NewError(connection.CodeAuthFailed, connID, connTitle,
			connection.StatusError,
			fmt.Sprintf("connection %q was rejected by the remote host (%s)", req.Connection, reason),
			reason)
	}

	b.record(req.Connection, "ok")
	return toResponse(resp), nil
}

// resolveAuth resolves the connection to a rendered auth header. Every
// failure path here happens before any network traffic.
func (b *Bridge) resolveAuth(req Request) (headerName, headerValue string, err error) {
	name := req.Connection

	snap, ok := b.connections.GetSnapshot(name)
	if !ok {
		return "", "", connection.NewError(connection.CodeInvalidConnection, name, "", "",
			fmt.Sprintf("unknown connection %q", name), "")
	}

	switch snap.Status {
	case connection.StatusConnected:
	case connection.StatusMissing:
		return "", "", connection.NewError(connection.CodeMissingConnection, snap.ID, snap.Title, snap.Status,
			fmt.Sprintf("connection %q has no stored credentials", name), snap.LastError)
	case connection.StatusInvalid:
		return "", "", connection.NewError(connection.CodeInvalidConnection, snap.ID, snap.Title, snap.Status,
			fmt.Sprintf("connection %q has invalid credentials", name), snap.LastError)
	default:
		return "", "", connection.NewError(connection.CodeAuthFailed, snap.ID, snap.Title, snap.Status,
			fmt.Sprintf("connection %q is in an error state", name), snap.LastError)
	}

	def, ok := b.connections.Definition(name)
	if !ok || def.HTTPAuth == nil {
		return "", "", connection.NewError(connection.CodeInvalidConnection, snap.ID, snap.Title, snap.Status,
			fmt.Sprintf("connection %q does not support HTTP auth", name), "")
	}

	target, parseErr := url.Parse(req.URL)
	if parseErr != nil || target.Hostname() == "" {
		return "", "", fmt.Errorf("invalid url %q", req.URL)
	}
	host := strings.ToLower(target.Hostname())
	allowed := false
	for _, candidate := range def.HTTPAuth.AllowedHosts {
		if strings.EqualFold(candidate, host) {
			allowed = true
			break
		}
	}
	if !allowed {
		return "", "", connection.NewError(connection.CodeInvalidConnection, snap.ID, snap.Title, snap.Status,
			fmt.Sprintf("host %q is not allowed for connection %q", host, name), "")
	}

	secrets, secErr := b.connections.Secrets(name)
	if secErr != nil {
		return "", "", fmt.Errorf("load secrets for %q: %w", name, secErr)
	}

	value, renderErr := renderTemplate(def.HTTPAuth.ValueTemplate, secrets)
	if renderErr != nil {
		return "", "", connection.NewError(connection.CodeInvalidConnection, snap.ID, snap.Title, snap.Status,
			fmt.Sprintf("connection %q: %v", name, renderErr), "")
	}
	return def.HTTPAuth.HeaderName, value, nil
}

// renderTemplate substitutes every {fieldId} placeholder with the stored
// secret value, failing on any unresolved placeholder.
func renderTemplate(template string, secrets map[string]string) (string, error) {
	var missing string
	out := placeholderRe.ReplaceAllStringFunc(template, func(match string) string {
		field := match[1 : len(match)-1]
		value, ok := secrets[field]
		if !ok {
			if missing == "" {
				missing = field
			}
			return match
		}
		return value
	})
	if missing != "" {
		return "", fmt.Errorf("unresolved auth template placeholder {%s}", missing)
	}
	return out, nil
}

func toResponse(resp *resty.Response) *Response {
	headers := make(map[string]string, len(resp.Header()))
	for k, v := range resp.Header() {
		if len(v) > 0 {
			headers[k] = v[0]
		}
	}
	return &Response{
		Status:     resp.StatusCode(),
		StatusText: resp.Status(),
		Headers:    headers,
		Body:       resp.String(),
	}
}
