package toolgate

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/spf13/viper"
)

// Store persists the server configuration map across runs. It is the backing
// for the server add/remove/list command surface; the pool itself never
// touches it and consumes only the loaded map.
type Store struct {
	mu   sync.Mutex
	path string
	v    *viper.Viper
}

// NewStore opens the configuration file at path, creating parent directories
// as needed. A missing file is an empty store, not an error.
func NewStore(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	return &Store{path: path, v: v}, nil
}

// DefaultStorePath returns the per-user location of the server configuration
// file.
func DefaultStorePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve home directory: %w", err)
	}
	return filepath.Join(home, ".toolgate", "servers.yaml"), nil
}

// Servers returns the persisted server configuration map.
func (s *Store) Servers() (map[string]ServerConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.servers()
}

func (s *Store) servers() (map[string]ServerConfig, error) {
	configs := make(map[string]ServerConfig)
	if err := s.v.UnmarshalKey("servers", &configs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal servers: %w", err)
	}
	return configs, nil
}

// Names returns the configured server names in sorted order.
func (s *Store) Names() ([]string, error) {
	configs, err := s.Servers()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(configs))
	for name := range configs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Add validates and persists one server configuration, replacing any existing
// entry with the same name.
func (s *Store) Add(name string, cfg ServerConfig) error {
	if name == "" {
		return errors.New("server name must not be empty")
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("server %s: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	configs, err := s.servers()
	if err != nil {
		return err
	}
	configs[name] = cfg
	return s.write(configs)
}

// Remove deletes one server configuration. Removing an unknown name is an
// error so typos do not pass silently.
func (s *Store) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	configs, err := s.servers()
	if err != nil {
		return err
	}
	if _, ok := configs[name]; !ok {
		return fmt.Errorf("server %s is not configured", name)
	}
	delete(configs, name)
	return s.write(configs)
}

// write serializes the full map back to disk. Values go through plain maps so
// the file round-trips with the mapstructure tags used on load.
func (s *Store) write(configs map[string]ServerConfig) error {
	servers := make(map[string]any, len(configs))
	for name, cfg := range configs {
		servers[name] = cfg.toMap()
	}
	s.v.Set("servers", servers)

	if err := s.v.WriteConfigAs(s.path); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// toMap renders the config as the plain key/value form stored on disk,
// omitting unset fields. Durations are written as strings so the standard
// decode hooks read them back.
func (c ServerConfig) toMap() map[string]any {
	m := make(map[string]any)

	if c.Command != "" {
		m["command"] = c.Command
	}
	if len(c.Args) > 0 {
		m["args"] = c.Args
	}
	if len(c.Env) > 0 {
		m["env"] = c.Env
	}
	if c.URL != "" {
		m["url"] = c.URL
	}
	if len(c.Headers) > 0 {
		m["headers"] = c.Headers
	}
	if c.BearerTokenEnvVar != "" {
		m["bearerTokenEnvVar"] = c.BearerTokenEnvVar
	}
	if c.Timeout > 0 {
		m["timeout"] = c.Timeout.String()
	}
	if c.ConnectTimeout > 0 {
		m["connectTimeout"] = c.ConnectTimeout.String()
	}
	if c.PingInterval > 0 {
		m["pingInterval"] = c.PingInterval.String()
	}
	if c.MaxPingFailures > 0 {
		m["maxPingFailures"] = c.MaxPingFailures
	}
	if c.MaxResumeAttempts > 0 {
		m["maxResumeAttempts"] = c.MaxResumeAttempts
	}
	if c.Retry.MaxAttempts > 0 {
		m["retry"] = map[string]any{
			"maxAttempts": c.Retry.MaxAttempts,
			"baseDelay":   c.Retry.BaseDelay.String(),
			"maxDelay":    c.Retry.MaxDelay.String(),
		}
	}

	return m
}
