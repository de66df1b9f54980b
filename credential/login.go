package credential

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/c360/wsfeed/errors"
	"github.com/c360/wsfeed/metric"
	"github.com/c360/wsfeed/pkg/retry"
)

// BodyEncoding selects how the login body is encoded
type BodyEncoding string

// Body encodings
const (
	EncodingJSON BodyEncoding = "json"
	EncodingForm BodyEncoding = "form"
)

// LoginConfig describes a login-and-cookie exchange
type LoginConfig struct {
	// Endpoint receives the POST
	Endpoint string `json:"endpoint" toml:"endpoint"`
	// Body is sent as JSON or as a urlencoded form
	Body     map[string]any `json:"body" toml:"body"`
	Encoding BodyEncoding   `json:"encoding" toml:"encoding"`
	// Headers are added to the login request; Content-Type is always set from Encoding
	Headers map[string]string `json:"headers" toml:"headers"`

	// CacheTTL bounds how long a cookie is reused; zero reuses it until invalidated
	CacheTTL time.Duration `json:"cache_ttl" toml:"cache_ttl"`
	// Timeout bounds one login request
	Timeout time.Duration `json:"timeout" toml:"timeout"`

	// MinInterval spaces logins out during reconnect storms
	MinInterval time.Duration `json:"min_interval" toml:"min_interval"`
	// BreakerFailures opens the circuit after this many consecutive failed logins
	BreakerFailures uint32 `json:"breaker_failures" toml:"breaker_failures"`
	// BreakerCooldown is how long the circuit stays open
	BreakerCooldown time.Duration `json:"breaker_cooldown" toml:"breaker_cooldown"`

	Retry retry.Config `json:"retry" toml:"retry"`
}

// DefaultLoginConfig returns defaults for everything except Endpoint and Body
func DefaultLoginConfig() LoginConfig {
	return LoginConfig{
		Encoding:        EncodingJSON,
		Timeout:         10 * time.Second,
		MinInterval:     time.Second,
		BreakerFailures: 5,
		BreakerCooldown: 30 * time.Second,
		Retry: retry.Config{
			MaxAttempts:  3,
			InitialDelay: 200 * time.Millisecond,
			MaxDelay:     2 * time.Second,
			Multiplier:   2.0,
			AddJitter:    true,
		},
	}
}

// Validate checks the login configuration
func (c LoginConfig) Validate() error {
	if c.Endpoint == "" {
		return errors.WrapInvalid(fmt.Errorf("%w: login endpoint", errors.ErrMissingConfig),
			"LoginConfig", "Validate", "check endpoint")
	}
	u, err := url.Parse(c.Endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return errors.WrapInvalid(fmt.Errorf("%w: login endpoint must be an http(s) URL", errors.ErrInvalidConfig),
			"LoginConfig", "Validate", "check endpoint")
	}
	switch c.Encoding {
	case "", EncodingJSON, EncodingForm:
	default:
		return errors.WrapInvalid(fmt.Errorf("%w: unknown body encoding %q", errors.ErrInvalidConfig, c.Encoding),
			"LoginConfig", "Validate", "check encoding")
	}
	if c.CacheTTL < 0 || c.Timeout < 0 || c.MinInterval < 0 || c.BreakerCooldown < 0 {
		return errors.WrapInvalid(fmt.Errorf("%w: durations cannot be negative", errors.ErrInvalidConfig),
			"LoginConfig", "Validate", "check durations")
	}
	return nil
}

// LoginOption configures a Login
type LoginOption func(*Login)

// WithHTTPClient replaces the HTTP client used for the exchange
func WithHTTPClient(c *http.Client) LoginOption {
	return func(l *Login) { l.client = c }
}

// WithLoginLogger sets the logger
func WithLoginLogger(logger *slog.Logger) LoginOption {
	return func(l *Login) { l.logger = logger }
}

// WithLoginMetrics records login metrics in registry
func WithLoginMetrics(registry *metric.MetricsRegistry) LoginOption {
	return func(l *Login) { l.registry = registry }
}

// Login exchanges a login request for a session cookie and hands it out as a
// Cookie header. Concurrent callers share one in-flight exchange.
type Login struct {
	name     string
	cfg      LoginConfig
	client   *http.Client
	breaker  *gobreaker.CircuitBreaker
	limiter  *rate.Limiter
	group    singleflight.Group
	logger   *slog.Logger
	registry *metric.MetricsRegistry
	metrics  *loginMetrics

	mu      sync.Mutex
	cookie  string
	expires time.Time
}

// NewLogin creates the login provider for profile name
func NewLogin(name string, cfg LoginConfig, opts ...LoginOption) (*Login, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	defaults := DefaultLoginConfig()
	if cfg.Encoding == "" {
		cfg.Encoding = defaults.Encoding
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaults.Timeout
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = defaults.BreakerFailures
	}
	if cfg.BreakerCooldown == 0 {
		cfg.BreakerCooldown = defaults.BreakerCooldown
	}

	l := &Login{name: name, cfg: cfg}
	for _, opt := range opts {
		opt(l)
	}
	if l.client == nil {
		l.client = &http.Client{Timeout: cfg.Timeout}
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	l.logger = l.logger.With("component", "credential", "profile", name)
	l.metrics = newLoginMetrics(l.registry, name)

	limit := rate.Inf
	if cfg.MinInterval > 0 {
		limit = rate.Every(cfg.MinInterval)
	}
	l.limiter = rate.NewLimiter(limit, 1)

	failures := cfg.BreakerFailures
	l.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "login-" + name,
		Timeout: cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(breaker string, from, to gobreaker.State) {
			l.logger.Warn("Login circuit state changed", "breaker", breaker, "from", from.String(), "to", to.String())
			l.metrics.recordBreaker(name, to)
		},
	})

	return l, nil
}

// Headers returns the Cookie header, logging in when nothing valid is cached
func (l *Login) Headers(ctx context.Context) (map[string]string, error) {
	if cookie, ok := l.cached(); ok {
		l.metrics.recordLogin(l.name, "cached", 0)
		return map[string]string{"Cookie": cookie}, nil
	}

	v, err, shared := l.group.Do("login", func() (any, error) {
		return l.login(ctx)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		l.logger.Debug("Joined in-flight login")
	}
	return map[string]string{"Cookie": v.(string)}, nil
}

// Invalidate forgets the cached cookie so the next Headers call logs in again
func (l *Login) Invalidate() {
	l.mu.Lock()
	l.cookie = ""
	l.expires = time.Time{}
	l.mu.Unlock()
	l.logger.Debug("Cached cookie invalidated")
}

// BreakerState reports the login circuit breaker state
func (l *Login) BreakerState() gobreaker.State {
	return l.breaker.State()
}

func (l *Login) cached() (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.cookie == "" {
		return "", false
	}
	if !l.expires.IsZero() && !time.Now().Before(l.expires) {
		return "", false
	}
	return l.cookie, true
}

func (l *Login) store(cookie string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.cookie = cookie
	l.expires = time.Time{}
	if l.cfg.CacheTTL > 0 {
		l.expires = time.Now().Add(l.cfg.CacheTTL)
	}
}

func (l *Login) login(ctx context.Context) (string, error) {
	start := time.Now()

	if err := l.limiter.Wait(ctx); err != nil {
		l.metrics.recordLogin(l.name, "rate_limited", time.Since(start))
		return "", errors.WrapTransient(errors.Join(errors.ErrRateLimited, err), "Login", "Headers", "wait for login slot")
	}

	cookie, err := retry.DoWithResult(ctx, l.cfg.Retry, func() (string, error) {
		v, err := l.breaker.Execute(func() (any, error) {
			return l.exchange(ctx)
		})
		if err != nil {
			if stderrors.Is(err, gobreaker.ErrOpenState) || stderrors.Is(err, gobreaker.ErrTooManyRequests) {
				return "", retry.NonRetryable(errors.Join(errors.ErrCircuitOpen, err))
			}
			return "", err
		}
		return v.(string), nil
	})
	if err != nil {
		status := "error"
		if stderrors.Is(err, errors.ErrCircuitOpen) {
			status = "circuit_open"
		}
		l.metrics.recordLogin(l.name, status, time.Since(start))
		l.logger.Warn("Login failed", "endpoint", l.cfg.Endpoint, "error", err)
		return "", errors.WrapTransient(err, "Login", "Headers", "login")
	}

	l.store(cookie)
	l.metrics.recordLogin(l.name, "ok", time.Since(start))
	l.logger.Info("Login succeeded", "endpoint", l.cfg.Endpoint)
	return cookie, nil
}

// exchange performs one login request and extracts the first cookie
func (l *Login) exchange(ctx context.Context) (string, error) {
	body, contentType, err := l.encodeBody()
	if err != nil {
		return "", retry.NonRetryable(err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, l.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, l.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return "", retry.NonRetryable(fmt.Errorf("build login request: %w", err))
	}
	for name, value := range l.cfg.Headers {
		req.Header.Set(name, value)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := l.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("login request: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		err := fmt.Errorf("login rejected: %s", resp.Status)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return "", retry.NonRetryable(err)
		}
		return "", err
	}

	cookies := resp.Cookies()
	if len(cookies) == 0 {
		return "", retry.NonRetryable(fmt.Errorf("%w: no cookie returned from login request", errors.ErrNoCredential))
	}
	return cookies[0].Name + "=" + cookies[0].Value, nil
}

func (l *Login) encodeBody() ([]byte, string, error) {
	if l.cfg.Encoding == EncodingForm {
		form := url.Values{}
		keys := make([]string, 0, len(l.cfg.Body))
		for k := range l.cfg.Body {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			form.Set(k, fmt.Sprint(l.cfg.Body[k]))
		}
		return []byte(form.Encode()), "application/x-www-form-urlencoded", nil
	}

	body := l.cfg.Body
	if body == nil {
		body = map[string]any{}
	}
	b, err := json.Marshal(body)
	if err != nil {
		return nil, "", fmt.Errorf("encode login body: %w", err)
	}
	return b, "application/json", nil
}

// String renders the login for logs without the body
func (l *Login) String() string {
	return fmt.Sprintf("login(%s -> %s, %s)", l.name, l.cfg.Endpoint, strings.ToLower(string(l.cfg.Encoding)))
}
