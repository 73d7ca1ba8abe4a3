package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nordmac.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("NORDVPN_USER", "user@example.com")
	t.Setenv("NORDVPN_PASSWORD", "secret")

	cfg, err := Load(writeConfig(t, ""))
	require.NoError(t, err)

	assert.Equal(t, "openvpn", cfg.VPN.Executable)
	assert.Equal(t, "Initialization Sequence Completed", cfg.VPN.SuccessMarker)
	assert.Equal(t, 25*time.Second, cfg.VPN.ConnectTimeout)
	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.Retry.Backoff)
	assert.Equal(t, []string{"0.0.0.0/1", "128.0.0.0/1"}, cfg.Cleanup.Routes)
	assert.True(t, cfg.Cleanup.FlushDNS)
	assert.Equal(t, "openvpn", cfg.Cleanup.ClientProcessName)
	assert.Equal(t, "/tmp/nordmac.lock", cfg.Lock.Path)
	assert.True(t, cfg.Probe.Enabled)
	assert.False(t, cfg.API.Enabled)
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfig(t, `
vpn:
  username: file-user
  password: file-pass
  protocol: tcp
  connect_timeout: 40s
retry:
  max_attempts: 2
cleanup:
  routes:
    - "10.8.0.0/16"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "file-user", cfg.VPN.Username)
	assert.Equal(t, "tcp", cfg.VPN.Protocol)
	assert.Equal(t, 40*time.Second, cfg.VPN.ConnectTimeout)
	assert.Equal(t, 2, cfg.Retry.MaxAttempts)
	assert.Equal(t, []string{"10.8.0.0/16"}, cfg.Cleanup.Routes)
}

func TestLegacyEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
vpn:
  username: file-user
  password: file-pass
`)
	t.Setenv("NORDVPN_USER", "env-user")
	t.Setenv("NORDVPN_PASSWORD", "env-pass")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "env-user", cfg.VPN.Username)
	assert.Equal(t, "env-pass", cfg.VPN.Password)
}

func TestPasswordFile(t *testing.T) {
	passwordPath := filepath.Join(t.TempDir(), "password")
	require.NoError(t, os.WriteFile(passwordPath, []byte("  filed-secret \n"), 0600))

	path := writeConfig(t, `
vpn:
  username: user
  password_file: `+passwordPath+`
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "filed-secret", cfg.VPN.Password)
}

func TestPasswordFileMissing(t *testing.T) {
	path := writeConfig(t, `
vpn:
  username: user
  password_file: /nonexistent/password
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "password file")
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{
			name:    "missing credentials",
			mutate:  func(c *Config) { c.VPN.Username = "" },
			wantErr: "username and password",
		},
		{
			name:    "bad protocol",
			mutate:  func(c *Config) { c.VPN.Protocol = "icmp" },
			wantErr: "protocol",
		},
		{
			name:    "zero attempts",
			mutate:  func(c *Config) { c.Retry.MaxAttempts = 0 },
			wantErr: "max_attempts",
		},
		{
			name:    "route not cidr",
			mutate:  func(c *Config) { c.Cleanup.Routes = []string{"default"} },
			wantErr: "IP-CIDR",
		},
		{
			name:    "negative timeout",
			mutate:  func(c *Config) { c.VPN.ConnectTimeout = -time.Second },
			wantErr: "timeout",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{
				VPN: VPNConfig{
					Username:       "u",
					Password:       "p",
					ConnectTimeout: 25 * time.Second,
				},
				Retry: RetryConfig{MaxAttempts: 3},
			}
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidationKeyringSkipsPassword(t *testing.T) {
	cfg := &Config{
		VPN: VPNConfig{
			Username:       "u",
			UseKeyring:     true,
			ConnectTimeout: 25 * time.Second,
		},
		Retry: RetryConfig{MaxAttempts: 1},
	}
	assert.NoError(t, cfg.Validate())
}

func TestValidationTestMode(t *testing.T) {
	cfg := &Config{
		TestMode: true,
		VPN:      VPNConfig{ConnectTimeout: time.Second},
		Retry:    RetryConfig{MaxAttempts: 1},
	}
	assert.NoError(t, cfg.Validate())
}

func TestLoadMissingExplicitFile(t *testing.T) {
	t.Setenv("NORDVPN_USER", "u")
	t.Setenv("NORDVPN_PASSWORD", "p")

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
