package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	VPN      VPNConfig      `mapstructure:"vpn"`
	Retry    RetryConfig    `mapstructure:"retry"`
	Cleanup  CleanupConfig  `mapstructure:"cleanup"`
	Probe    ProbeConfig    `mapstructure:"probe"`
	Health   HealthConfig   `mapstructure:"health"`
	API      APIConfig      `mapstructure:"api"`
	Lock     LockConfig     `mapstructure:"lock"`
	TestMode bool           `mapstructure:"test_mode"`
}

// VPNConfig describes the external client and its launch parameters.
type VPNConfig struct {
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	PasswordFile   string        `mapstructure:"password_file"`
	UseKeyring     bool          `mapstructure:"use_keyring"`
	Executable     string        `mapstructure:"executable"`
	ConfigDir      string        `mapstructure:"config_dir"`
	Protocol       string        `mapstructure:"protocol"`
	SuccessMarker  string        `mapstructure:"success_marker"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	ExtraArgs      []string      `mapstructure:"extra_args"`
}

type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	Backoff     time.Duration `mapstructure:"backoff"`
	BackoffMax  time.Duration `mapstructure:"backoff_max"`
}

// CleanupConfig lists the host state a session may have dirtied.
// Routes must be IP-CIDR literals; they are re-validated by the
// privileged gateway before any command is issued.
type CleanupConfig struct {
	Routes            []string      `mapstructure:"routes"`
	FlushDNS          bool          `mapstructure:"flush_dns"`
	RestartResolver   bool          `mapstructure:"restart_resolver"`
	ClientProcessName string        `mapstructure:"client_process_name"`
	StepTimeout       time.Duration `mapstructure:"step_timeout"`
}

type ProbeConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Hosts   []string      `mapstructure:"hosts"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type HealthConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	CheckInterval    time.Duration `mapstructure:"check_interval"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
}

type APIConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

type LockConfig struct {
	Path string `mapstructure:"path"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set default values
	setDefaults(v)

	// Read config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("nordmac")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/nordmac")
		v.AddConfigPath(".")
	}

	// Read environment variables
	v.AutomaticEnv()
	v.SetEnvPrefix("NORDMAC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Override with legacy environment variables for compatibility
	if user := os.Getenv("NORDVPN_USER"); user != "" {
		v.Set("vpn.username", user)
	}
	if password := os.Getenv("NORDVPN_PASSWORD"); password != "" {
		v.Set("vpn.password", password)
	}
	if passwordFile := os.Getenv("NORDVPN_PASSWORD_FILE"); passwordFile != "" {
		v.Set("vpn.password_file", passwordFile)
	}
	if configDir := os.Getenv("NORDVPN_CONFIG_DIR"); configDir != "" {
		v.Set("vpn.config_dir", configDir)
	}
	if testMode := os.Getenv("TEST_MODE"); testMode != "" {
		v.Set("test_mode", testMode == "true" || testMode == "1")
	}

	// Try to read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			// An explicit --config path that is missing is still an error.
			if configPath != "" || !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Resolve VPN password from file if specified
	if err := config.resolvePassword(); err != nil {
		return nil, fmt.Errorf("failed to resolve VPN password: %w", err)
	}

	// Validate required fields
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("vpn.executable", "openvpn")
	v.SetDefault("vpn.config_dir", "/etc/nordmac/configs")
	v.SetDefault("vpn.protocol", "")
	v.SetDefault("vpn.success_marker", "Initialization Sequence Completed")
	v.SetDefault("vpn.connect_timeout", "25s")
	v.SetDefault("vpn.use_keyring", false)

	v.SetDefault("retry.max_attempts", 5)
	v.SetDefault("retry.backoff", "2s")
	v.SetDefault("retry.backoff_max", "30s")

	v.SetDefault("cleanup.routes", []string{"0.0.0.0/1", "128.0.0.0/1"})
	v.SetDefault("cleanup.flush_dns", true)
	v.SetDefault("cleanup.restart_resolver", true)
	v.SetDefault("cleanup.client_process_name", "openvpn")
	v.SetDefault("cleanup.step_timeout", "5s")

	v.SetDefault("probe.enabled", true)
	v.SetDefault("probe.hosts", []string{"1.1.1.1:443", "api.ipify.org:443"})
	v.SetDefault("probe.timeout", "8s")

	v.SetDefault("health.enabled", true)
	v.SetDefault("health.check_interval", "30s")
	v.SetDefault("health.failure_threshold", 3)

	v.SetDefault("api.enabled", false)
	v.SetDefault("api.listen", "127.0.0.1:8642")

	v.SetDefault("lock.path", "/tmp/nordmac.lock")
}

// resolvePassword resolves the VPN password from file if specified
func (c *Config) resolvePassword() error {
	// If password is already set directly, use it
	if c.VPN.Password != "" {
		return nil
	}

	// If password file is specified, read from file
	if c.VPN.PasswordFile != "" {
		passwordBytes, err := os.ReadFile(c.VPN.PasswordFile)
		if err != nil {
			return fmt.Errorf("failed to read VPN password file %s: %w", c.VPN.PasswordFile, err)
		}

		// Trim whitespace and set the password
		c.VPN.Password = strings.TrimSpace(string(passwordBytes))

		if c.VPN.Password == "" {
			return fmt.Errorf("VPN password file %s is empty", c.VPN.PasswordFile)
		}
	}

	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	// Keyring-backed credentials are resolved lazily; in test mode no
	// credentials are required at all.
	if !c.TestMode && !c.VPN.UseKeyring && (c.VPN.Username == "" || c.VPN.Password == "") {
		return fmt.Errorf("VPN username and password are required")
	}

	if c.VPN.Protocol != "" && c.VPN.Protocol != "tcp" && c.VPN.Protocol != "udp" {
		return fmt.Errorf("vpn.protocol must be tcp, udp or empty, got %q", c.VPN.Protocol)
	}

	if c.VPN.ConnectTimeout <= 0 {
		return fmt.Errorf("connect timeout must be positive")
	}

	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be at least 1")
	}

	for _, route := range c.Cleanup.Routes {
		if _, err := netip.ParsePrefix(route); err != nil {
			return fmt.Errorf("cleanup.routes entry %q is not an IP-CIDR literal: %w", route, err)
		}
	}

	if c.Health.Enabled && c.Health.CheckInterval <= 0 {
		return fmt.Errorf("health check interval must be positive")
	}

	return nil
}
