package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config wraps a viper instance seeded with the compiled defaults and
// hands out typed accessors for every known key.
type Config struct {
	v *viper.Viper
}

func New() (*Config, error) {
	v := viper.New()

	// default values
	for _, o := range ConsoleOptions {
		v.SetDefault(o.Key, o.Default)
	}

	for _, o := range BootstrapOptions {
		v.SetDefault(o.Key, o.Default)
	}

	// load config from file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/boxfleet/")

	if err := v.ReadInConfig(); err != nil {
		var notFoundErr viper.ConfigFileNotFoundError
		if !(errors.As(err, &notFoundErr) || errors.Is(err, os.ErrNotExist)) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// load config from environment variables
	v.SetEnvPrefix("BOXFLEET")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	return &Config{v: v}, nil
}

func (c *Config) BindFlags(fs *pflag.FlagSet, options []Option) error {
	for _, o := range options {
		switch v := o.Default.(type) {
		case string:
			fs.String(o.Flag, v, o.Description)
		case int:
			fs.Int(o.Flag, v, o.Description)
		case bool:
			fs.Bool(o.Flag, v, o.Description)
		case []string:
			fs.StringSlice(o.Flag, v, o.Description)
		case time.Duration:
			fs.Duration(o.Flag, v, o.Description)
		default:
			return fmt.Errorf("unsupported flag type for key: %s", o.Key)
		}

		if err := c.v.BindPFlag(o.Key, fs.Lookup(o.Flag)); err != nil {
			return fmt.Errorf("failed to bind flag %s: %w", o.Flag, err)
		}
	}

	return nil
}

func (c *Config) ConsoleAddress() string {
	return c.v.GetString(keyConsoleAddress) // BOXFLEET_CONSOLE_ADDRESS
}

func (c *Config) ConsoleAllowedOrigins() []string {
	return c.v.GetStringSlice(keyConsoleAllowedOrigins) // BOXFLEET_CONSOLE_ALLOWED_ORIGINS
}

func (c *Config) ConsoleExternalURL() string {
	return c.v.GetString(keyConsoleExternalURL) // BOXFLEET_CONSOLE_EXTERNAL_URL
}

func (c *Config) ConsoleWorkerImage() string {
	return c.v.GetString(keyConsoleWorkerImage) // BOXFLEET_CONSOLE_WORKER_IMAGE
}

func (c *Config) ConsoleDBPath() string {
	return c.v.GetString(keyConsoleDBPath) // BOXFLEET_CONSOLE_DB_PATH
}

func (c *Config) ConsoleDBBusyTimeout() time.Duration {
	return c.v.GetDuration(keyConsoleDBBusyTimeout) // BOXFLEET_CONSOLE_DB_BUSY_TIMEOUT
}

func (c *Config) ConsoleHashKey() string {
	return c.v.GetString(keyConsoleHashKey) // BOXFLEET_CONSOLE_HASH_KEY
}

func (c *Config) ConsoleAuthMode() string {
	return c.v.GetString(keyConsoleAuthMode) // BOXFLEET_CONSOLE_AUTH_MODE
}

func (c *Config) ConsoleOIDCIssuerURL() string {
	return c.v.GetString(keyConsoleOIDCIssuerURL) // BOXFLEET_CONSOLE_AUTH_OIDC_ISSUER_URL
}

func (c *Config) ConsoleOIDCClientID() string {
	return c.v.GetString(keyConsoleOIDCClientID) // BOXFLEET_CONSOLE_AUTH_OIDC_CLIENT_ID
}

func (c *Config) ConsoleOwnerTokenTTL() time.Duration {
	return c.v.GetDuration(keyConsoleOwnerTokenTTL) // BOXFLEET_CONSOLE_OWNER_TOKEN_TTL
}

func (c *Config) ConsoleHeartbeatInterval() time.Duration {
	return c.v.GetDuration(keyConsoleHeartbeatInterval) // BOXFLEET_CONSOLE_HEARTBEAT_INTERVAL
}

func (c *Config) ConsoleOfflineTTL() time.Duration {
	return c.v.GetDuration(keyConsoleOfflineTTL) // BOXFLEET_CONSOLE_OFFLINE_TTL
}

func (c *Config) ConsoleTerminalRouteTTL() time.Duration {
	return c.v.GetDuration(keyConsoleTerminalRouteTTL) // BOXFLEET_CONSOLE_TERMINAL_ROUTE_TTL
}

func (c *Config) ConsoleTaskRetention() time.Duration {
	return c.v.GetDuration(keyConsoleTaskRetention) // BOXFLEET_CONSOLE_TASK_RETENTION
}

func (c *Config) ConsoleMinWorkerVersion() string {
	return c.v.GetString(keyConsoleMinWorkerVersion) // BOXFLEET_CONSOLE_MIN_WORKER_VERSION
}

func (c *Config) ConsoleReapInterval() time.Duration {
	return c.v.GetDuration(keyConsoleReapInterval) // BOXFLEET_CONSOLE_REAP_INTERVAL
}

func (c *Config) BootstrapOwner() string {
	return c.v.GetString(keyBootstrapOwner) // BOXFLEET_BOOTSTRAP_OWNER
}

func (c *Config) BootstrapWorkers() int {
	return c.v.GetInt(keyBootstrapWorkers) // BOXFLEET_BOOTSTRAP_WORKERS
}

func (c *Config) BootstrapWorkerType() string {
	return c.v.GetString(keyBootstrapWorkerType) // BOXFLEET_BOOTSTRAP_WORKER_TYPE
}

func (c *Config) BootstrapOutput() string {
	return c.v.GetString(keyBootstrapOutput) // BOXFLEET_BOOTSTRAP_OUTPUT
}
