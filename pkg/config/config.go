package config

import (
	"sync"
	"time"
)

// Config manages process-wide dynamic configuration as a flat key/value store,
// mirroring the shape used across the rest of the codebase for ad-hoc settings
// that do not warrant their own typed struct.
type Config struct {
	mu     sync.RWMutex
	values map[string]string

	// Define which keys require restart when changed
	restartKeys []string
}

// New creates a new configuration manager.
func New() *Config {
	return &Config{
		values: make(map[string]string),
		restartKeys: []string{
			"transport.mtu",
			"transport.listen_udp",
			"transport.listen_tcp",
		},
	}
}

// Get retrieves a configuration value.
func (c *Config) Get(key string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.values[key]
}

// GetAll returns a copy of all configuration values.
func (c *Config) GetAll() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	copied := make(map[string]string, len(c.values))
	for k, v := range c.values {
		copied[k] = v
	}
	return copied
}

// Update updates configuration values.
func (c *Config) Update(values map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for k, v := range values {
		c.values[k] = v
	}
}

// RequiresRestart checks if any changed keys require a restart.
func (c *Config) RequiresRestart(oldConfig map[string]string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, key := range c.restartKeys {
		if oldConfig[key] != c.values[key] {
			return true
		}
	}

	return false
}

// SetRestartKeys sets which configuration keys require restart when changed.
func (c *Config) SetRestartKeys(keys []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.restartKeys = keys
}

// TransportConfig is the typed process-start configuration surface for the
// transport runtime. All fields are fixed at process start; there is no
// dynamic reconfiguration.
type TransportConfig struct {
	MTU               int
	KeepaliveInterval time.Duration
	ReconnectTimeout  time.Duration
	ReconnectBackoff  time.Duration
	ReconnectMaxDelay time.Duration
	PendingTableTTL   time.Duration
	AssemblyTimeout   time.Duration
	MaxFragments      int
	IdleTunnelTimeout time.Duration
	ProxyIdleTimeout  time.Duration
	PingInterval      time.Duration
	CallTimeout       time.Duration
	LogLevel          string
}

// DefaultTransportConfig returns the documented process defaults.
func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		MTU:               1472,
		KeepaliveInterval: 15 * time.Second,
		ReconnectTimeout:  5 * time.Second,
		ReconnectBackoff:  500 * time.Millisecond,
		ReconnectMaxDelay: 30 * time.Second,
		PendingTableTTL:   3 * time.Second,
		AssemblyTimeout:   10 * time.Second,
		MaxFragments:      64,
		IdleTunnelTimeout: 90 * time.Second,
		ProxyIdleTimeout:  60 * time.Second,
		PingInterval:      30 * time.Second,
		CallTimeout:       5 * time.Second,
		LogLevel:          "INFO",
	}
}

// LoadTransportConfig overlays values present in a generic Config onto the
// defaults. Unset or unparsable keys fall back silently to their default.
func LoadTransportConfig(c *Config) TransportConfig {
	cfg := DefaultTransportConfig()
	if c == nil {
		return cfg
	}

	if v := c.Get("transport.mtu"); v != "" {
		if n, err := parsePositiveInt(v); err == nil {
			cfg.MTU = n
		}
	}
	if v := c.Get("transport.log_level"); v != "" {
		cfg.LogLevel = v
	}
	if v := c.Get("transport.max_fragments"); v != "" {
		if n, err := parsePositiveInt(v); err == nil {
			cfg.MaxFragments = n
		}
	}

	return cfg
}

func parsePositiveInt(s string) (int, error) {
	var n int
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, errInvalidInt
		}
		n = n*10 + int(r-'0')
	}
	if n <= 0 {
		return 0, errInvalidInt
	}
	return n, nil
}

type configError string

func (e configError) Error() string { return string(e) }

const errInvalidInt = configError("config: invalid positive integer")
