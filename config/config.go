package config

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/c360/wsfeed/codec"
	"github.com/c360/wsfeed/credential"
	"github.com/c360/wsfeed/errors"
	"github.com/c360/wsfeed/metric"
	"github.com/c360/wsfeed/natsclient"
	"github.com/c360/wsfeed/pkg/retry"
	"github.com/c360/wsfeed/pkg/tlsutil"
	"github.com/c360/wsfeed/sink"
	"github.com/c360/wsfeed/supervisor"
	"github.com/c360/wsfeed/transport"
)

// Config is the complete application configuration
type Config struct {
	Connection  ConnectionConfig            `koanf:"connection"`
	Credentials map[string]CredentialConfig `koanf:"credentials"`
	NATS        NATSConfig                  `koanf:"nats"`
	Metrics     MetricsConfig               `koanf:"metrics"`
	Log         LogConfig                   `koanf:"log"`
}

// HeaderConfig is one handshake header. Headers keep their file order.
type HeaderConfig struct {
	Name  string `koanf:"name"`
	Value string `koanf:"value"`
}

// BackoffConfig paces reconnects. A zero InitialDelay reconnects immediately.
type BackoffConfig struct {
	InitialDelay time.Duration `koanf:"initial_delay"`
	MaxDelay     time.Duration `koanf:"max_delay"`
	Multiplier   float64       `koanf:"multiplier"`
	Jitter       bool          `koanf:"jitter"`
}

// ConnectionConfig describes the supervised WebSocket
type ConnectionConfig struct {
	URL        string         `koanf:"url"`
	Headers    []HeaderConfig `koanf:"headers"`
	Credential string         `koanf:"credential"`

	InitPayload       string        `koanf:"init_payload"`
	HeartbeatPayload  string        `koanf:"heartbeat_payload"`
	HeartbeatInterval time.Duration `koanf:"heartbeat_interval"`

	MaxAttempts    int           `koanf:"max_attempts"`
	DecodeMode     string        `koanf:"decode_mode"`
	Mode           string        `koanf:"mode"`
	ConnectTimeout time.Duration `koanf:"connect_timeout"`
	WriteTimeout   time.Duration `koanf:"write_timeout"`
	Duplex         bool          `koanf:"duplex"`
	Backoff        BackoffConfig `koanf:"backoff"`

	// Transport tuning
	TLS         tlsutil.ClientConfig `koanf:"tls"`
	Compression bool                 `koanf:"compression"`
	ReadLimit   int64                `koanf:"read_limit"`
}

// CredentialConfig is one named credential profile. A profile with an endpoint logs
// in and forwards the returned cookie; otherwise its headers are sent as-is.
type CredentialConfig struct {
	Headers map[string]string `koanf:"headers"`

	Endpoint        string            `koanf:"endpoint"`
	Body            map[string]any    `koanf:"body"`
	Encoding        string            `koanf:"encoding"`
	RequestHeaders  map[string]string `koanf:"request_headers"`
	CacheTTL        time.Duration     `koanf:"cache_ttl"`
	Timeout         time.Duration     `koanf:"timeout"`
	MinInterval     time.Duration     `koanf:"min_interval"`
	BreakerFailures uint32            `koanf:"breaker_failures"`
	BreakerCooldown time.Duration     `koanf:"breaker_cooldown"`
	RetryAttempts   int               `koanf:"retry_attempts"`

	// TLS for the login endpoint; empty falls back to connection.tls
	TLS tlsutil.ClientConfig `koanf:"tls"`
}

// IsLogin reports whether the profile performs a login exchange
func (c CredentialConfig) IsLogin() bool {
	return c.Endpoint != ""
}

// NATSConfig enables publishing events to NATS
type NATSConfig struct {
	Enabled        bool          `koanf:"enabled"`
	URL            string        `koanf:"url"`
	Name           string        `koanf:"name"`
	Username       string        `koanf:"username"`
	Password       string        `koanf:"password"`
	Token          string        `koanf:"token"`
	SubjectPrefix  string        `koanf:"subject_prefix"`
	PublishTimeout time.Duration `koanf:"publish_timeout"`
	ReplyTimeout   time.Duration `koanf:"reply_timeout"`
	RelayWorkers   int           `koanf:"relay_workers"`
	RelayQueue     int           `koanf:"relay_queue"`
	MaxReconnects  int           `koanf:"max_reconnects"`
	ReconnectWait  time.Duration `koanf:"reconnect_wait"`
	ConnectTimeout time.Duration `koanf:"connect_timeout"`
	PingInterval   time.Duration `koanf:"ping_interval"`
	DrainTimeout   time.Duration `koanf:"drain_timeout"`

	// Connect circuit breaker
	CircuitThreshold int32         `koanf:"circuit_threshold"`
	MaxBackoff       time.Duration `koanf:"max_backoff"`

	TLS tlsutil.ClientConfig `koanf:"tls"`
}

// MetricsConfig controls the Prometheus endpoint. Port 0 disables it.
type MetricsConfig struct {
	Port int    `koanf:"port"`
	Path string `koanf:"path"`
}

// LogConfig selects the log level and handler
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// Default returns the configuration used for anything a file or the environment
// leaves unset
func Default() *Config {
	sup := supervisor.DefaultConfig()
	natsDefaults := sink.DefaultNATSConfig()
	return &Config{
		Connection: ConnectionConfig{
			HeartbeatInterval: sup.HeartbeatInterval,
			MaxAttempts:       sup.MaxAttempts,
			DecodeMode:        string(sup.DecodeMode),
			Mode:              string(sup.ExecutionMode),
			ConnectTimeout:    sup.ConnectTimeout,
			WriteTimeout:      sup.WriteTimeout,
			Backoff: BackoffConfig{
				MaxDelay:   30 * time.Second,
				Multiplier: 2.0,
			},
		},
		Credentials: map[string]CredentialConfig{},
		NATS: NATSConfig{
			URL:              "nats://localhost:4222",
			Name:             "wsfeed",
			SubjectPrefix:    natsDefaults.SubjectPrefix,
			PublishTimeout:   natsDefaults.PublishTimeout,
			ReplyTimeout:     natsDefaults.ReplyTimeout,
			RelayWorkers:     natsDefaults.RelayWorkers,
			RelayQueue:       natsDefaults.RelayQueue,
			MaxReconnects:    -1,
			ReconnectWait:    2 * time.Second,
			ConnectTimeout:   5 * time.Second,
			PingInterval:     30 * time.Second,
			DrainTimeout:     10 * time.Second,
			CircuitThreshold: 5,
			MaxBackoff:       time.Minute,
		},
		Metrics: MetricsConfig{
			Port: 0,
			Path: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Validate checks the whole configuration
func (c *Config) Validate() error {
	sup, err := c.Supervisor()
	if err != nil {
		return err
	}
	if err := sup.Validate(); err != nil {
		return err
	}

	if err := c.Connection.TLS.Validate(); err != nil {
		return fmt.Errorf("connection.tls: %w", err)
	}
	if c.Connection.ReadLimit < 0 {
		return invalid("connection.read_limit cannot be negative")
	}
	if b := c.Connection.Backoff; b.InitialDelay < 0 || b.MaxDelay < 0 || b.Multiplier < 0 {
		return invalid("connection.backoff values cannot be negative")
	}

	if name := c.Connection.Credential; name != "" {
		if _, ok := c.Credentials[name]; !ok {
			return errors.WrapInvalid(fmt.Errorf("%w: connection.credential %q has no [credentials.%s] section",
				errors.ErrMissingConfig, name, name), "Config", "Validate", "check credential profile")
		}
	}
	for _, name := range c.profileNames() {
		if err := c.Credentials[name].validate(name); err != nil {
			return err
		}
	}

	if c.NATS.Enabled {
		if c.NATS.URL == "" {
			return errors.WrapInvalid(fmt.Errorf("%w: nats.url", errors.ErrMissingConfig),
				"Config", "Validate", "check nats")
		}
		if !isValidSubjectPrefix(c.NATS.SubjectPrefix) {
			return invalid(fmt.Sprintf("nats.subject_prefix %q is not a valid NATS subject", c.NATS.SubjectPrefix))
		}
		if c.NATS.ReplyTimeout < 0 || c.NATS.PublishTimeout < 0 || c.NATS.ReconnectWait < 0 ||
			c.NATS.ConnectTimeout < 0 || c.NATS.PingInterval < 0 || c.NATS.DrainTimeout < 0 ||
			c.NATS.MaxBackoff < 0 {
			return invalid("nats timeouts cannot be negative")
		}
		if c.NATS.RelayWorkers < 0 || c.NATS.RelayQueue < 0 {
			return invalid("nats relay sizes cannot be negative")
		}
		if (c.NATS.Username == "") != (c.NATS.Password == "") {
			return invalid("nats.username and nats.password must be set together")
		}
		if err := c.NATS.TLS.Validate(); err != nil {
			return fmt.Errorf("nats.tls: %w", err)
		}
	}

	if c.Metrics.Port < 0 || c.Metrics.Port > 65535 {
		return invalid(fmt.Sprintf("metrics.port %d out of range", c.Metrics.Port))
	}
	if c.Metrics.Port > 0 && !strings.HasPrefix(c.Metrics.Path, "/") {
		return invalid("metrics.path must start with /")
	}

	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "json", "text":
	default:
		return invalid(fmt.Sprintf("log.format %q must be json or text", c.Log.Format))
	}

	return nil
}

func (c CredentialConfig) validate(name string) error {
	if c.IsLogin() {
		if err := c.Login().Validate(); err != nil {
			return fmt.Errorf("credentials.%s: %w", name, err)
		}
		if c.RetryAttempts < 0 {
			return invalid(fmt.Sprintf("credentials.%s.retry_attempts cannot be negative", name))
		}
		if err := c.TLS.Validate(); err != nil {
			return fmt.Errorf("credentials.%s.tls: %w", name, err)
		}
		return nil
	}
	if len(c.Headers) == 0 {
		return errors.WrapInvalid(fmt.Errorf("%w: credentials.%s needs an endpoint or headers", errors.ErrMissingConfig, name),
			"Config", "Validate", "check credential profile")
	}
	return nil
}

// Supervisor converts the connection section to a supervisor configuration
func (c *Config) Supervisor() (supervisor.Config, error) {
	conn := c.Connection

	mode, err := codec.ParseMode(conn.DecodeMode)
	if err != nil {
		return supervisor.Config{}, err
	}

	exec := supervisor.ExecutionMode(strings.ToLower(conn.Mode))
	switch exec {
	case "":
		exec = supervisor.ModeAutomatic
	case supervisor.ModeAutomatic, supervisor.ModeManual:
	default:
		return supervisor.Config{}, invalid(fmt.Sprintf("connection.mode %q must be automatic or manual", conn.Mode))
	}

	out := supervisor.Config{
		URL:               conn.URL,
		CredentialProfile: conn.Credential,
		InitPayload:       conn.InitPayload,
		HeartbeatPayload:  conn.HeartbeatPayload,
		HeartbeatInterval: conn.HeartbeatInterval,
		MaxAttempts:       conn.MaxAttempts,
		DecodeMode:        mode,
		ExecutionMode:     exec,
		ConnectTimeout:    conn.ConnectTimeout,
		WriteTimeout:      conn.WriteTimeout,
		Duplex:            conn.Duplex,
	}
	for _, h := range conn.Headers {
		out.Headers = append(out.Headers, supervisor.Header{Name: h.Name, Value: h.Value})
	}
	if conn.Backoff.InitialDelay > 0 {
		out.Backoff = &retry.Config{
			InitialDelay: conn.Backoff.InitialDelay,
			MaxDelay:     conn.Backoff.MaxDelay,
			Multiplier:   conn.Backoff.Multiplier,
			AddJitter:    conn.Backoff.Jitter,
		}
	}
	return out, nil
}

// Dialer builds the WebSocket dialer from the transport tuning fields
func (c *Config) Dialer() (*transport.GorillaDialer, error) {
	tlsCfg, err := loadTLS(c.Connection.TLS)
	if err != nil {
		return nil, fmt.Errorf("connection.tls: %w", err)
	}

	d := transport.NewGorillaDialer()
	if c.Connection.ConnectTimeout > 0 {
		d.HandshakeTimeout = c.Connection.ConnectTimeout
	}
	d.TLSConfig = tlsCfg
	d.EnableCompression = c.Connection.Compression
	d.ReadLimit = c.Connection.ReadLimit
	return d, nil
}

// TLSConfig loads the NATS TLS settings; nil means none were configured
func (n NATSConfig) TLSConfig() (*tls.Config, error) {
	tlsCfg, err := loadTLS(n.TLS)
	if err != nil {
		return nil, fmt.Errorf("nats.tls: %w", err)
	}
	return tlsCfg, nil
}

// ClientOptions converts the connection settings of the section into client
// options. Zero durations keep the client's defaults.
func (n NATSConfig) ClientOptions() ([]natsclient.ClientOption, error) {
	opts := []natsclient.ClientOption{
		natsclient.WithName(n.Name),
		natsclient.WithMaxReconnects(n.MaxReconnects),
	}
	if n.ReconnectWait > 0 {
		opts = append(opts, natsclient.WithReconnectWait(n.ReconnectWait))
	}
	if n.ConnectTimeout > 0 {
		opts = append(opts, natsclient.WithTimeout(n.ConnectTimeout))
	}
	if n.PingInterval > 0 {
		opts = append(opts, natsclient.WithPingInterval(n.PingInterval))
	}
	if n.DrainTimeout > 0 {
		opts = append(opts, natsclient.WithDrainTimeout(n.DrainTimeout))
	}
	if n.CircuitThreshold > 0 {
		opts = append(opts, natsclient.WithCircuitBreakerThreshold(n.CircuitThreshold))
	}
	if n.MaxBackoff > 0 {
		opts = append(opts, natsclient.WithMaxBackoff(n.MaxBackoff))
	}
	if n.Username != "" {
		opts = append(opts, natsclient.WithCredentials(n.Username, n.Password))
	}
	if n.Token != "" {
		opts = append(opts, natsclient.WithToken(n.Token))
	}

	tlsCfg, err := n.TLSConfig()
	if err != nil {
		return nil, err
	}
	if tlsCfg != nil {
		opts = append(opts, natsclient.WithTLS(tlsCfg))
	}
	return opts, nil
}

// loadTLS returns nil for an empty section so callers keep the Go defaults
func loadTLS(cfg tlsutil.ClientConfig) (*tls.Config, error) {
	if cfg.IsZero() {
		return nil, nil
	}
	return tlsutil.LoadClientTLSConfig(cfg)
}

// Login converts a login profile to the credential package's configuration
func (c CredentialConfig) Login() credential.LoginConfig {
	lc := credential.DefaultLoginConfig()
	lc.Endpoint = c.Endpoint
	lc.Body = c.Body
	lc.Headers = c.RequestHeaders
	if c.Encoding != "" {
		lc.Encoding = credential.BodyEncoding(strings.ToLower(c.Encoding))
	}
	if c.CacheTTL != 0 {
		lc.CacheTTL = c.CacheTTL
	}
	if c.Timeout != 0 {
		lc.Timeout = c.Timeout
	}
	if c.MinInterval != 0 {
		lc.MinInterval = c.MinInterval
	}
	if c.BreakerFailures != 0 {
		lc.BreakerFailures = c.BreakerFailures
	}
	if c.BreakerCooldown != 0 {
		lc.BreakerCooldown = c.BreakerCooldown
	}
	if c.RetryAttempts != 0 {
		lc.Retry.MaxAttempts = c.RetryAttempts
	}
	return lc
}

// CredentialSet builds a provider for every configured profile. logger and registry
// may be nil.
func (c *Config) CredentialSet(logger *slog.Logger, registry *metric.MetricsRegistry) (*credential.Set, error) {
	set := credential.NewSet()
	for _, name := range c.profileNames() {
		profile := c.Credentials[name]

		var provider credential.Provider
		if profile.IsLogin() {
			var opts []credential.LoginOption
			if logger != nil {
				opts = append(opts, credential.WithLoginLogger(logger))
			}
			if registry != nil {
				opts = append(opts, credential.WithLoginMetrics(registry))
			}
			loginCfg := profile.Login()
			client, err := c.loginClient(profile, loginCfg.Timeout)
			if err != nil {
				return nil, fmt.Errorf("credentials.%s: %w", name, err)
			}
			if client != nil {
				opts = append(opts, credential.WithHTTPClient(client))
			}
			login, err := credential.NewLogin(name, loginCfg, opts...)
			if err != nil {
				return nil, fmt.Errorf("credentials.%s: %w", name, err)
			}
			provider = login
		} else {
			provider = credential.Static(profile.Headers)
		}

		if err := set.Add(name, provider); err != nil {
			return nil, err
		}
	}
	return set, nil
}

// loginClient returns an HTTP client carrying the profile's TLS settings, or the
// connection's when the profile has none. nil means the default client will do.
func (c *Config) loginClient(profile CredentialConfig, timeout time.Duration) (*http.Client, error) {
	tlsSection := profile.TLS
	if tlsSection.IsZero() {
		tlsSection = c.Connection.TLS
	}
	tlsCfg, err := loadTLS(tlsSection)
	if err != nil || tlsCfg == nil {
		return nil, err
	}

	rt := http.DefaultTransport.(*http.Transport).Clone()
	rt.TLSClientConfig = tlsCfg
	return &http.Client{Transport: rt, Timeout: timeout}, nil
}

// Sink converts the NATS section to the sink configuration
func (n NATSConfig) Sink() sink.NATSConfig {
	return sink.NATSConfig{
		SubjectPrefix:  n.SubjectPrefix,
		PublishTimeout: n.PublishTimeout,
		ReplyTimeout:   n.ReplyTimeout,
		RelayWorkers:   n.RelayWorkers,
		RelayQueue:     n.RelayQueue,
	}
}

func (c *Config) profileNames() []string {
	names := make([]string, 0, len(c.Credentials))
	for name := range c.Credentials {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ParseLevel maps a level name to a slog level
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, invalid(fmt.Sprintf("log.level %q must be debug, info, warn or error", level))
	}
}

// isValidSubjectPrefix checks a NATS subject prefix: dot-separated tokens of
// letters, digits, dashes and underscores
func isValidSubjectPrefix(s string) bool {
	s = strings.TrimSuffix(s, ".")
	if s == "" {
		return false
	}
	for _, token := range strings.Split(s, ".") {
		if token == "" {
			return false
		}
		for _, r := range token {
			ok := r == '-' || r == '_' ||
				(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
			if !ok {
				return false
			}
		}
	}
	return true
}

func invalid(msg string) error {
	return errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrInvalidConfig, msg), "Config", "Validate", "check configuration")
}
