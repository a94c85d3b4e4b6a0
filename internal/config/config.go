// Package config handles configuration loading from CLI flags, environment variables, and TOML files.
package config

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds all configuration settings for the broker server.
type Config struct {
	Server  ServerConfig  `toml:"server"`
	Auth    AuthConfig    `toml:"auth"`
	Backend BackendConfig `toml:"backend"`
	Watch   WatchConfig   `toml:"watch"`
	Logging LoggingConfig `toml:"logging"`
}

// ServerConfig holds server-related settings.
type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
	Path string `toml:"path"` // WebSocket endpoint path
}

// AuthConfig holds session-token settings.
type AuthConfig struct {
	Secret   string   `toml:"secret"`
	TokenTTL Duration `toml:"token_ttl"` // Bearer token lifetime
}

// BackendConfig holds storage-adapter settings.
type BackendConfig struct {
	ConnectTimeout Duration `toml:"connect_timeout"`
	ExecuteTimeout Duration `toml:"execute_timeout"`
}

// WatchConfig holds change-watch settings.
type WatchConfig struct {
	PollInterval Duration `toml:"poll_interval"` // Relational polling and document-stream fallback
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Verbosity int `toml:"verbosity"` // 0=errors, 1=connections, 2=commands, 3=fan-out, 4=payloads
}

// verbosityCounter implements flag.Value for counting -v flags.
type verbosityCounter int

func (v *verbosityCounter) String() string {
	return fmt.Sprintf("%d", *v)
}

func (v *verbosityCounter) Set(string) error {
	*v++
	return nil
}

func (v *verbosityCounter) IsBoolFlag() bool {
	return true
}

// expandVerbosityFlags preprocesses args to expand -vvv into -v -v -v.
// This allows both "-v -v -v" and "-vvv" styles to work.
func expandVerbosityFlags(args []string) []string {
	result := make([]string, 0, len(args))
	for _, arg := range args {
		if len(arg) > 2 && arg[0] == '-' && arg[1] == 'v' {
			allV := true
			for _, c := range arg[1:] {
				if c != 'v' {
					allV = false
					break
				}
			}
			if allV {
				for range arg[1:] {
					result = append(result, "-v")
				}
				continue
			}
		}
		result = append(result, arg)
	}
	return result
}

// Duration is a time.Duration that can be unmarshaled from TOML strings.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler for Duration.
func (d *Duration) UnmarshalText(text []byte) error {
	duration, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(duration)
	return nil
}

// Duration returns the underlying time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// String returns the duration as a string.
func (d Duration) String() string {
	return time.Duration(d).String()
}

// DefaultConfig returns a Config with all default values.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 3000,
			Path: "/ws",
		},
		Auth: AuthConfig{
			TokenTTL: Duration(24 * time.Hour),
		},
		Backend: BackendConfig{
			ConnectTimeout: Duration(10 * time.Second),
			ExecuteTimeout: Duration(30 * time.Second),
		},
		Watch: WatchConfig{
			PollInterval: Duration(time.Second),
		},
		Logging: LoggingConfig{
			Verbosity: 0,
		},
	}
}

// Load loads configuration from CLI flags, environment variables, and TOML file.
// Priority: CLI flags > env vars > TOML file > defaults
func Load(args []string) (*Config, error) {
	cfg := DefaultConfig()

	args = expandVerbosityFlags(args)

	fs := flag.NewFlagSet("databridge", flag.ContinueOnError)
	configPath := fs.String("config", "", "TOML config file path")

	host := fs.String("host", "", "Listen address")
	port := fs.Int("port", 0, "Listen port")
	wsPath := fs.String("ws-path", "", "WebSocket endpoint path")

	secret := fs.String("auth-secret", "", "Session token signing secret")
	tokenTTL := fs.Duration("token-ttl", 0, "Bearer token lifetime")

	connectTimeout := fs.Duration("connect-timeout", 0, "Adapter connect timeout")
	executeTimeout := fs.Duration("execute-timeout", 0, "Adapter execute timeout")
	pollInterval := fs.Duration("poll-interval", 0, "Change-watch poll interval")

	var verbosity verbosityCounter
	fs.Var(&verbosity, "v", "Verbosity level (use -v, -vv, or -vvv)")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	path := "config/config.toml"
	if *configPath != "" {
		path = *configPath
	}
	if err := cfg.loadTOML(path); err != nil {
		// A missing default config file is fine; an explicit one is not.
		if *configPath != "" || !os.IsNotExist(err) {
			return nil, err
		}
	}

	cfg.applyEnv()

	if *host != "" {
		cfg.Server.Host = *host
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *wsPath != "" {
		cfg.Server.Path = *wsPath
	}
	if *secret != "" {
		cfg.Auth.Secret = *secret
	}
	if *tokenTTL != 0 {
		cfg.Auth.TokenTTL = Duration(*tokenTTL)
	}
	if *connectTimeout != 0 {
		cfg.Backend.ConnectTimeout = Duration(*connectTimeout)
	}
	if *executeTimeout != 0 {
		cfg.Backend.ExecuteTimeout = Duration(*executeTimeout)
	}
	if *pollInterval != 0 {
		cfg.Watch.PollInterval = Duration(*pollInterval)
	}
	if verbosity > 0 {
		cfg.Logging.Verbosity = int(verbosity)
	}

	return cfg, nil
}

// loadTOML loads configuration from a TOML file.
func (c *Config) loadTOML(path string) error {
	_, err := toml.DecodeFile(path, c)
	return err
}

// applyEnv applies environment variable overrides.
func (c *Config) applyEnv() {
	if v := os.Getenv("DATABRIDGE_HOST"); v != "" {
		c.Server.Host = v
	}
	if v := os.Getenv("DATABRIDGE_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("DATABRIDGE_WS_PATH"); v != "" {
		c.Server.Path = v
	}
	if v := os.Getenv("DATABRIDGE_AUTH_SECRET"); v != "" {
		c.Auth.Secret = v
	}
	if v := os.Getenv("DATABRIDGE_TOKEN_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Auth.TokenTTL = Duration(d)
		}
	}
	if v := os.Getenv("DATABRIDGE_CONNECT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Backend.ConnectTimeout = Duration(d)
		}
	}
	if v := os.Getenv("DATABRIDGE_EXECUTE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Backend.ExecuteTimeout = Duration(d)
		}
	}
	if v := os.Getenv("DATABRIDGE_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Watch.PollInterval = Duration(d)
		}
	}
	if v := os.Getenv("DATABRIDGE_VERBOSITY"); v != "" {
		if verbosity, err := strconv.Atoi(v); err == nil {
			c.Logging.Verbosity = verbosity
		}
	}
}

// Verbosity returns the configured verbosity level (0-4).
func (c *Config) Verbosity() int {
	return c.Logging.Verbosity
}

// Log logs a message when the configured verbosity is at least level.
// Level 0 messages always print.
func (c *Config) Log(level int, format string, args ...interface{}) {
	if level <= c.Logging.Verbosity {
		log.Printf(format, args...)
	}
}
