package config

import (
	"fmt"
	"net"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the relay
type Config struct {
	// Listener configuration. The relay fronts a local browser, so HOST
	// should stay a loopback address.
	Host string `envconfig:"HOST" default:"127.0.0.1"`
	Port int    `envconfig:"PORT" default:"18792"`

	// Screenshot directory served under /screenshots/
	ScreenshotDir string `envconfig:"SCREENSHOT_DIR" default:"screenshots"`

	// Timeouts, in seconds
	ForwardTimeoutSec int `envconfig:"FORWARD_TIMEOUT_SEC" default:"30"`
	OpenURLTimeoutSec int `envconfig:"OPEN_URL_TIMEOUT_SEC" default:"60"`
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		return nil, err
	}
	if err := validate(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

func validate(config *Config) error {
	if config.Host == "" {
		return fmt.Errorf("HOST is required")
	}
	if ip := net.ParseIP(config.Host); ip != nil && !ip.IsLoopback() {
		return fmt.Errorf("HOST must be a loopback address")
	}
	if config.Port < 1 || config.Port > 65535 {
		return fmt.Errorf("PORT must be between 1 and 65535")
	}
	if config.ScreenshotDir == "" {
		return fmt.Errorf("SCREENSHOT_DIR is required")
	}
	if config.ForwardTimeoutSec <= 0 {
		return fmt.Errorf("FORWARD_TIMEOUT_SEC must be greater than 0")
	}
	if config.OpenURLTimeoutSec <= 0 {
		return fmt.Errorf("OPEN_URL_TIMEOUT_SEC must be greater than 0")
	}

	return nil
}

// Addr returns the host:port the listener binds.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, fmt.Sprintf("%d", c.Port))
}

// ForwardTimeout is the per-call deadline for forwarded CDP commands.
func (c *Config) ForwardTimeout() time.Duration {
	return time.Duration(c.ForwardTimeoutSec) * time.Second
}

// OpenURLTimeout is the deadline for the openAndAttach round-trip.
func (c *Config) OpenURLTimeout() time.Duration {
	return time.Duration(c.OpenURLTimeoutSec) * time.Second
}
