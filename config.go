package toolgate

import (
	"errors"
	"fmt"
	"time"
)

// TransportKind selects the byte channel used to reach a server.
type TransportKind string

// Transport kinds.
const (
	TransportStdio TransportKind = "stdio"
	TransportHTTP  TransportKind = "http"
)

// Defaults applied by ServerConfig.withDefaults.
var (
	defaultRequestTimeout   = 30 * time.Second
	defaultConnectTimeout   = 30 * time.Second
	defaultPingInterval     = 30 * time.Second
	defaultMaxPingFailures  = 3
	defaultReconnectBase    = 500 * time.Millisecond
	defaultReconnectMax     = 30 * time.Second
	defaultReconnectRetries = 5
	defaultResumeAttempts   = 5
)

// RetryPolicy configures how a degraded connection attempts to come back. The
// zero value is replaced with the package defaults.
type RetryPolicy struct {
	// MaxAttempts is the number of reconnect attempts after a transport
	// failure before the connection is closed for good.
	MaxAttempts int `mapstructure:"maxAttempts"`

	// BaseDelay is the delay before the first reconnect attempt; each further
	// attempt doubles it, capped at MaxDelay.
	BaseDelay time.Duration `mapstructure:"baseDelay"`

	// MaxDelay caps the exponential backoff.
	MaxDelay time.Duration `mapstructure:"maxDelay"`
}

// backoff returns the delay before the given 1-based reconnect attempt.
func (r RetryPolicy) backoff(attempt int) time.Duration {
	d := r.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= r.MaxDelay {
			return r.MaxDelay
		}
	}
	if d > r.MaxDelay {
		return r.MaxDelay
	}
	return d
}

// ServerConfig describes one configured capability server. It is immutable
// after load; the pool owns the set of configs.
//
// A config is a stdio server when Command is set and an HTTP server when URL
// is set; exactly one of the two must be present.
type ServerConfig struct {
	// Command launches the server as a subprocess speaking newline-delimited
	// JSON-RPC on its stdin/stdout.
	Command string            `mapstructure:"command"`
	Args    []string          `mapstructure:"args"`
	Env     map[string]string `mapstructure:"env"`

	// URL points at the single streamable HTTP endpoint of the server.
	URL string `mapstructure:"url"`

	// Headers are attached verbatim to every HTTP request.
	Headers map[string]string `mapstructure:"headers"`

	// BearerTokenEnvVar names an environment variable whose value is sent as
	// an Authorization bearer token. The secret itself never lives in config.
	BearerTokenEnvVar string `mapstructure:"bearerTokenEnvVar"`

	// Timeout bounds each individual request unless the caller supplies its
	// own per-invocation timeout.
	Timeout time.Duration `mapstructure:"timeout"`

	// ConnectTimeout bounds transport establishment plus the handshake.
	ConnectTimeout time.Duration `mapstructure:"connectTimeout"`

	// PingInterval is how often the connection pings the server while idle.
	// MaxPingFailures consecutive failures degrade the connection.
	PingInterval    time.Duration `mapstructure:"pingInterval"`
	MaxPingFailures int           `mapstructure:"maxPingFailures"`

	// MaxResumeAttempts bounds event-stream resume attempts (HTTP only)
	// before the connection is declared degraded.
	MaxResumeAttempts int `mapstructure:"maxResumeAttempts"`

	// Retry governs the degraded-to-handshaking transition.
	Retry RetryPolicy `mapstructure:"retry"`
}

// Kind reports which transport this config describes.
func (c ServerConfig) Kind() TransportKind {
	if c.URL != "" {
		return TransportHTTP
	}
	return TransportStdio
}

// Validate checks that the config describes exactly one transport.
func (c ServerConfig) Validate() error {
	if c.Command == "" && c.URL == "" {
		return errors.New("server config requires either a command or a url")
	}
	if c.Command != "" && c.URL != "" {
		return errors.New("server config cannot set both a command and a url")
	}
	return nil
}

func (c ServerConfig) withDefaults() ServerConfig {
	if c.Timeout == 0 {
		c.Timeout = defaultRequestTimeout
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = defaultConnectTimeout
	}
	if c.PingInterval == 0 {
		c.PingInterval = defaultPingInterval
	}
	if c.MaxPingFailures == 0 {
		c.MaxPingFailures = defaultMaxPingFailures
	}
	if c.MaxResumeAttempts == 0 {
		c.MaxResumeAttempts = defaultResumeAttempts
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = defaultReconnectRetries
	}
	if c.Retry.BaseDelay == 0 {
		c.Retry.BaseDelay = defaultReconnectBase
	}
	if c.Retry.MaxDelay == 0 {
		c.Retry.MaxDelay = defaultReconnectMax
	}
	return c
}

// Summary renders a one-line human description of the config, used by the CLI
// server list output.
func (c ServerConfig) Summary() string {
	if c.URL != "" {
		return fmt.Sprintf("http %s", c.URL)
	}
	if len(c.Args) == 0 {
		return fmt.Sprintf("stdio %s", c.Command)
	}
	args := ""
	for _, a := range c.Args {
		args += " " + a
	}
	return fmt.Sprintf("stdio %s%s", c.Command, args)
}
