// Package config loads and validates gateway configuration from the
// environment, an optional .env file and command-line flags using Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Firewall modes.
const (
	FirewallLocal = "local"
	FirewallSSH   = "ssh"
	FirewallNoop  = "noop"
)

// Config holds application configuration.
type Config struct {
	// HTTPAddr is the address the portal listens on (e.g. :8080).
	HTTPAddr string `mapstructure:"HTTP_ADDR"`
	// DBPath is the SQLite file shared by the server and the monitor.
	DBPath string `mapstructure:"DB_PATH"`

	LogLevel string `mapstructure:"LOG_LEVEL"`
	// LogFile enables a rotating log file in addition to stderr.
	LogFile string `mapstructure:"LOG_FILE"`
	LogDev  bool   `mapstructure:"LOG_DEV"`

	MpesaBaseURL        string        `mapstructure:"MPESA_BASE_URL"`
	MpesaConsumerKey    string        `mapstructure:"MPESA_CONSUMER_KEY"`
	MpesaConsumerSecret string        `mapstructure:"MPESA_CONSUMER_SECRET"`
	MpesaShortCode      string        `mapstructure:"MPESA_SHORTCODE"`
	MpesaPassKey        string        `mapstructure:"MPESA_PASSKEY"`
	MpesaCallbackURL    string        `mapstructure:"MPESA_CALLBACK_URL"`
	MpesaTimeout        time.Duration `mapstructure:"MPESA_TIMEOUT"`

	// FirewallMode selects where iptables runs: local, ssh or noop.
	FirewallMode          string `mapstructure:"FIREWALL_MODE"`
	FirewallSudo          bool   `mapstructure:"FIREWALL_SUDO"`
	FirewallBinary        string `mapstructure:"FIREWALL_BINARY"`
	FirewallSSHAddress    string `mapstructure:"FIREWALL_SSH_ADDRESS"`
	FirewallSSHPort       int    `mapstructure:"FIREWALL_SSH_PORT"`
	FirewallSSHUsername   string `mapstructure:"FIREWALL_SSH_USERNAME"`
	FirewallSSHPassword   string `mapstructure:"FIREWALL_SSH_PASSWORD"`
	FirewallSSHPrivateKey string `mapstructure:"FIREWALL_SSH_PRIVATE_KEY"`

	MonitorInterval time.Duration `mapstructure:"MONITOR_INTERVAL"`
	MonitorTick     time.Duration `mapstructure:"MONITOR_TICK"`
	MonitorReassert bool          `mapstructure:"MONITOR_REASSERT"`
	// MonitorMetricsAddr, when set, exposes /metrics from the monitor process.
	MonitorMetricsAddr string `mapstructure:"MONITOR_METRICS_ADDR"`

	// KeysDir holds the ES256 key pair for admin tokens.
	KeysDir   string `mapstructure:"KEYS_DIR"`
	JWTIssuer string `mapstructure:"JWT_ISSUER"`

	// PortalURL is encoded by `airfi qr`.
	PortalURL string `mapstructure:"PORTAL_URL"`
	ARPTable  string `mapstructure:"ARP_TABLE"`
}

// flagKeys maps command-line flag names to configuration keys.
var flagKeys = map[string]string{
	"addr":         "HTTP_ADDR",
	"db":           "DB_PATH",
	"log-level":    "LOG_LEVEL",
	"metrics-addr": "MONITOR_METRICS_ADDR",
}

// Load reads the config file (path, or .env in the working directory when
// empty), then the environment, then any flags that were set. Missing .env is
// ignored; a missing explicit path is an error.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
		}
	} else {
		v.SetConfigFile(".env")
		v.SetConfigType("env")
		_ = v.ReadInConfig()
	}

	v.AutomaticEnv()
	setDefaults(v)

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, err
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("DB_PATH", "./data/airfi.db")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FILE", "")
	v.SetDefault("LOG_DEV", false)
	v.SetDefault("MPESA_BASE_URL", "https://sandbox.safaricom.co.ke")
	v.SetDefault("MPESA_CONSUMER_KEY", "")
	v.SetDefault("MPESA_CONSUMER_SECRET", "")
	v.SetDefault("MPESA_SHORTCODE", "174379")
	v.SetDefault("MPESA_PASSKEY", "")
	v.SetDefault("MPESA_CALLBACK_URL", "")
	v.SetDefault("MPESA_TIMEOUT", "30s")
	v.SetDefault("FIREWALL_MODE", FirewallLocal)
	v.SetDefault("FIREWALL_SUDO", false)
	v.SetDefault("FIREWALL_BINARY", "iptables")
	v.SetDefault("FIREWALL_SSH_ADDRESS", "")
	v.SetDefault("FIREWALL_SSH_PORT", 22)
	v.SetDefault("FIREWALL_SSH_USERNAME", "root")
	v.SetDefault("FIREWALL_SSH_PASSWORD", "")
	v.SetDefault("FIREWALL_SSH_PRIVATE_KEY", "")
	v.SetDefault("MONITOR_INTERVAL", "60s")
	v.SetDefault("MONITOR_TICK", "1s")
	v.SetDefault("MONITOR_REASSERT", true)
	v.SetDefault("MONITOR_METRICS_ADDR", "")
	v.SetDefault("KEYS_DIR", "./keys")
	v.SetDefault("JWT_ISSUER", "airfi")
	v.SetDefault("PORTAL_URL", "http://192.168.1.1:8080/")
	v.SetDefault("ARP_TABLE", "/proc/net/arp")
}

// Validate checks field combinations that cannot be caught by defaults.
func (c *Config) Validate() error {
	if c.HTTPAddr == "" {
		return errors.New("config: HTTP_ADDR must be set")
	}
	if c.DBPath == "" {
		return errors.New("config: DB_PATH must be set")
	}

	c.FirewallMode = strings.ToLower(strings.TrimSpace(c.FirewallMode))
	switch c.FirewallMode {
	case FirewallLocal, FirewallNoop:
	case FirewallSSH:
		if c.FirewallSSHAddress == "" {
			return errors.New("config: FIREWALL_SSH_ADDRESS must be set when FIREWALL_MODE=ssh")
		}
		if c.FirewallSSHPassword == "" && c.FirewallSSHPrivateKey == "" {
			return errors.New("config: FIREWALL_SSH_PASSWORD or FIREWALL_SSH_PRIVATE_KEY must be set when FIREWALL_MODE=ssh")
		}
	default:
		return fmt.Errorf("config: unknown FIREWALL_MODE %q", c.FirewallMode)
	}

	if c.MonitorInterval <= 0 {
		return errors.New("config: MONITOR_INTERVAL must be positive")
	}
	if c.MonitorTick <= 0 || c.MonitorTick > c.MonitorInterval {
		return errors.New("config: MONITOR_TICK must be positive and not exceed MONITOR_INTERVAL")
	}
	if c.MpesaTimeout <= 0 {
		return errors.New("config: MPESA_TIMEOUT must be positive")
	}
	return nil
}

// MpesaConfigured reports whether Daraja credentials are present. Without
// them the server still runs but cannot initiate payments.
func (c *Config) MpesaConfigured() bool {
	return c.MpesaConsumerKey != "" && c.MpesaConsumerSecret != "" &&
		c.MpesaPassKey != "" && c.MpesaCallbackURL != ""
}
