package supervisor

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/c360/wsfeed/codec"
	"github.com/c360/wsfeed/errors"
	"github.com/c360/wsfeed/pkg/retry"
)

// ExecutionMode selects between a long-running feed and a single-message capture
type ExecutionMode string

// Execution modes
const (
	// ModeAutomatic keeps receiving until the connection ends
	ModeAutomatic ExecutionMode = "automatic"
	// ModeManual tears the connection down after the first message
	ModeManual ExecutionMode = "manual"
)

// DefaultConnectTimeout bounds the dial when Config.ConnectTimeout is zero
const DefaultConnectTimeout = 30 * time.Second

// DefaultWriteTimeout bounds one outbound write when Config.WriteTimeout is zero
const DefaultWriteTimeout = 10 * time.Second

// Header is one configured request header. Order matters: a later header with the
// same name replaces an earlier one.
type Header struct {
	Name  string `json:"name" toml:"name"`
	Value string `json:"value" toml:"value"`
}

// Config is the immutable configuration of one supervisor
type Config struct {
	// URL is the ws:// or wss:// target
	URL string
	// Headers are sent on every handshake; entries with an empty name are skipped
	Headers []Header
	// CredentialProfile names the credential whose headers are merged per attempt
	CredentialProfile string

	// InitPayload is sent once right after each connection opens
	InitPayload string
	// HeartbeatPayload is sent every HeartbeatInterval while the connection is open
	HeartbeatPayload  string
	HeartbeatInterval time.Duration

	// MaxAttempts bounds reconnects after the first attempt of a run, so a run makes
	// at most MaxAttempts+1 attempts
	MaxAttempts int

	DecodeMode    codec.DecodeMode
	ExecutionMode ExecutionMode

	// ConnectTimeout bounds credential resolution plus the handshake
	ConnectTimeout time.Duration
	// WriteTimeout bounds every init, heartbeat, reply and host send; a peer that
	// stops reading fails the attempt after this long
	WriteTimeout time.Duration

	// Duplex attaches a PendingReply to open and message events
	Duplex bool

	// Backoff paces reconnects; nil reconnects immediately
	Backoff *retry.Config
}

// DefaultConfig returns a configuration with the defaults applied
func DefaultConfig() Config {
	return Config{
		MaxAttempts:       5,
		HeartbeatInterval: 60 * time.Second,
		DecodeMode:        codec.ModeText,
		ExecutionMode:     ModeAutomatic,
		ConnectTimeout:    DefaultConnectTimeout,
		WriteTimeout:      DefaultWriteTimeout,
	}
}

// Validate checks the configuration
func (c Config) Validate() error {
	if c.URL == "" {
		return errors.WrapInvalid(fmt.Errorf("%w: url", errors.ErrMissingConfig),
			"Config", "Validate", "check url")
	}

	u, err := url.Parse(c.URL)
	if err != nil {
		return errors.WrapInvalid(fmt.Errorf("%w: url: %v", errors.ErrInvalidConfig, err),
			"Config", "Validate", "parse url")
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return errors.WrapInvalid(fmt.Errorf("%w: url scheme must be ws or wss, got %q", errors.ErrInvalidConfig, u.Scheme),
			"Config", "Validate", "check url scheme")
	}

	if c.MaxAttempts < 0 {
		return errors.WrapInvalid(fmt.Errorf("%w: max attempts cannot be negative", errors.ErrInvalidConfig),
			"Config", "Validate", "check max attempts")
	}
	if c.HeartbeatInterval < 0 {
		return errors.WrapInvalid(fmt.Errorf("%w: heartbeat interval cannot be negative", errors.ErrInvalidConfig),
			"Config", "Validate", "check heartbeat interval")
	}
	if c.ConnectTimeout < 0 {
		return errors.WrapInvalid(fmt.Errorf("%w: connect timeout cannot be negative", errors.ErrInvalidConfig),
			"Config", "Validate", "check connect timeout")
	}
	if c.WriteTimeout < 0 {
		return errors.WrapInvalid(fmt.Errorf("%w: write timeout cannot be negative", errors.ErrInvalidConfig),
			"Config", "Validate", "check write timeout")
	}
	if !c.DecodeMode.Valid() {
		return errors.WrapInvalid(fmt.Errorf("%w: unknown decode mode %q", errors.ErrInvalidConfig, c.DecodeMode),
			"Config", "Validate", "check decode mode")
	}

	switch c.ExecutionMode {
	case "", ModeAutomatic, ModeManual:
	default:
		return errors.WrapInvalid(fmt.Errorf("%w: unknown execution mode %q", errors.ErrInvalidConfig, c.ExecutionMode),
			"Config", "Validate", "check execution mode")
	}

	for i, h := range c.Headers {
		if strings.ContainsAny(h.Name, " \t\r\n:") {
			return errors.WrapInvalid(fmt.Errorf("%w: header %d has invalid name %q", errors.ErrInvalidConfig, i, h.Name),
				"Config", "Validate", "check headers")
		}
	}

	return nil
}

func (c Config) withDefaults() Config {
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.DecodeMode == "" {
		c.DecodeMode = codec.ModeText
	}
	if c.ExecutionMode == "" {
		c.ExecutionMode = ModeAutomatic
	}
	c.Headers = append([]Header(nil), c.Headers...)
	if c.Backoff != nil {
		b := *c.Backoff
		c.Backoff = &b
	}
	return c
}

func (c Config) heartbeatEnabled() bool {
	return c.HeartbeatPayload != "" && c.HeartbeatInterval > 0
}

// mayRetry reports whether a run whose attempt ordinal just failed may start another
func (c Config) mayRetry(ordinal int) bool {
	return ordinal < c.MaxAttempts
}

// staticHeaders folds the configured headers in order, skipping empty names
func (c Config) staticHeaders() http.Header {
	h := make(http.Header, len(c.Headers))
	for _, hdr := range c.Headers {
		if hdr.Name == "" {
			continue
		}
		h.Set(hdr.Name, hdr.Value)
	}
	return h
}

// mergeHeaders overlays credential headers on the static set; credentials win
func mergeHeaders(static http.Header, creds map[string]string) http.Header {
	merged := static.Clone()
	if merged == nil {
		merged = make(http.Header)
	}
	for name, value := range creds {
		if name == "" {
			continue
		}
		merged.Set(name, value)
	}
	return merged
}
