package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := Load("", nil)
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, FirewallLocal, cfg.FirewallMode)
	assert.Equal(t, 60*time.Second, cfg.MonitorInterval)
	assert.Equal(t, time.Second, cfg.MonitorTick)
	assert.True(t, cfg.MonitorReassert)
	assert.Equal(t, 30*time.Second, cfg.MpesaTimeout)
	assert.Equal(t, 22, cfg.FirewallSSHPort)
	assert.False(t, cfg.MpesaConfigured())
}

func TestLoad_EnvOverrides(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("HTTP_ADDR", ":9090")
	t.Setenv("MONITOR_INTERVAL", "5m")
	t.Setenv("FIREWALL_MODE", "NOOP")
	t.Setenv("MPESA_CONSUMER_KEY", "key")
	t.Setenv("MPESA_CONSUMER_SECRET", "secret")
	t.Setenv("MPESA_PASSKEY", "pass")
	t.Setenv("MPESA_CALLBACK_URL", "https://portal.example.com/billing/callback/")

	cfg, err := Load("", nil)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.HTTPAddr)
	assert.Equal(t, 5*time.Minute, cfg.MonitorInterval)
	assert.Equal(t, FirewallNoop, cfg.FirewallMode)
	assert.True(t, cfg.MpesaConfigured())
}

func TestLoad_DotEnv(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("DB_PATH=/var/lib/airfi/airfi.db\nMPESA_SHORTCODE=600000\n"), 0o600))

	cfg, err := Load("", nil)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/airfi/airfi.db", cfg.DBPath)
	assert.Equal(t, "600000", cfg.MpesaShortCode)
}

func TestLoad_Flags(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("HTTP_ADDR", ":9090")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("addr", "", "")
	flags.String("db", "", "")
	require.NoError(t, flags.Parse([]string{"--addr", ":7070"}))

	cfg, err := Load("", flags)
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.HTTPAddr)
	assert.Equal(t, "./data/airfi.db", cfg.DBPath)
}

func TestLoad_MonitorMetricsAddr(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := Load("", nil)
	require.NoError(t, err)
	assert.Empty(t, cfg.MonitorMetricsAddr)

	t.Setenv("MONITOR_METRICS_ADDR", ":9100")
	cfg, err = Load("", nil)
	require.NoError(t, err)
	assert.Equal(t, ":9100", cfg.MonitorMetricsAddr)

	flags := pflag.NewFlagSet("monitor", pflag.ContinueOnError)
	flags.String("metrics-addr", "", "")
	require.NoError(t, flags.Parse([]string{"--metrics-addr", "127.0.0.1:9200"}))

	cfg, err = Load("", flags)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9200", cfg.MonitorMetricsAddr)
}

func TestLoad_ExplicitFileMissing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "airfi.yaml"), nil)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	chdir(t, t.TempDir())

	t.Run("ssh needs address", func(t *testing.T) {
		t.Setenv("FIREWALL_MODE", "ssh")
		_, err := Load("", nil)
		assert.ErrorContains(t, err, "FIREWALL_SSH_ADDRESS")
	})

	t.Run("ssh needs credentials", func(t *testing.T) {
		t.Setenv("FIREWALL_MODE", "ssh")
		t.Setenv("FIREWALL_SSH_ADDRESS", "192.168.1.1")
		_, err := Load("", nil)
		assert.ErrorContains(t, err, "FIREWALL_SSH_PASSWORD")
	})

	t.Run("unknown mode", func(t *testing.T) {
		t.Setenv("FIREWALL_MODE", "nftables")
		_, err := Load("", nil)
		assert.ErrorContains(t, err, "unknown FIREWALL_MODE")
	})

	t.Run("tick exceeds interval", func(t *testing.T) {
		t.Setenv("MONITOR_INTERVAL", "1s")
		t.Setenv("MONITOR_TICK", "2s")
		_, err := Load("", nil)
		assert.ErrorContains(t, err, "MONITOR_TICK")
	})
}

// chdir mirrors testing.T.Chdir (Go 1.24+) for older toolchains.
func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(prev) })
}
