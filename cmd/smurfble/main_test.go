package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatVersion(t *testing.T) {
	// GOAL: Verify version strings get a 'v' prefix only when they start with a digit
	//
	// TEST SCENARIO: Format release, dev and prefixed versions → digit-led versions prefixed

	tests := []struct {
		name     string
		version  string
		expected string
	}{
		{
			name:     "release version",
			version:  "1.2.3",
			expected: "v1.2.3",
		},
		{
			name:     "prerelease version",
			version:  "0.1.0-rc1",
			expected: "v0.1.0-rc1",
		},
		{
			name:     "already prefixed",
			version:  "v2.0.0",
			expected: "v2.0.0",
		},
		{
			name:     "dev build",
			version:  "dev",
			expected: "dev",
		},
		{
			name:     "empty",
			version:  "",
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, formatVersion(tt.version), "formatted version MUST match")
		})
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	// GOAL: Verify commands without a --config flag run on built-in defaults
	//
	// TEST SCENARIO: Load config from a bare command → defaults returned → not marked file-backed

	cmd := &cobra.Command{Use: "probe"}

	cfg, fromFile, err := loadConfig(cmd)
	require.NoError(t, err, "defaults MUST load")
	assert.False(t, fromFile, "defaults MUST NOT be marked file-backed")
	assert.Equal(t, "info", cfg.LogLevel, "default log level MUST be info")
	assert.Equal(t, "table", cfg.OutputFormat, "default output format MUST be table")
	assert.Equal(t, 10*time.Second, cfg.ScanTimeout.Duration, "default scan timeout MUST be 10s")
	assert.Equal(t, 30*time.Second, cfg.ConnectTimeout.Duration, "default connect timeout MUST be 30s")
}

func TestLoadConfigFromFile(t *testing.T) {
	// GOAL: Verify --config loads a YAML file over the defaults
	//
	// TEST SCENARIO: Point --config at a file → overrides applied → untouched fields keep defaults

	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `log_level: debug
scan_timeout: 3s
profiles:
  - name: hr
    services: ["180d"]
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cmd := &cobra.Command{Use: "probe"}
	cmd.Flags().String("config", "", "")
	require.NoError(t, cmd.Flags().Set("config", path))

	cfg, fromFile, err := loadConfig(cmd)
	require.NoError(t, err, "file config MUST load")
	assert.True(t, fromFile, "config MUST be marked file-backed")
	assert.Equal(t, "debug", cfg.LogLevel, "log level MUST come from the file")
	assert.Equal(t, 3*time.Second, cfg.ScanTimeout.Duration, "scan timeout MUST come from the file")
	assert.Equal(t, 30*time.Second, cfg.ConnectTimeout.Duration, "untouched fields MUST keep defaults")

	profile, ok := cfg.Profile("hr")
	require.True(t, ok, "profile from the file MUST be available")
	assert.Equal(t, []string{"180d"}, profile.ServiceUUIDs, "profile services MUST match the file")
}

func TestLoadConfigMissingFile(t *testing.T) {
	// GOAL: Verify a bad --config path fails instead of silently using defaults
	//
	// TEST SCENARIO: Point --config at a missing file → load fails → error names the problem

	cmd := &cobra.Command{Use: "probe"}
	cmd.Flags().String("config", "", "")
	require.NoError(t, cmd.Flags().Set("config", filepath.Join(t.TempDir(), "absent.yaml")))

	cfg, _, err := loadConfig(cmd)
	require.Error(t, err, "missing config file MUST fail")
	assert.Contains(t, err.Error(), "reading config file", "error MUST name the failing step")
	assert.Nil(t, cfg, "config MUST be nil on error")
}

func TestConfigureLogger(t *testing.T) {
	// GOAL: Verify logger level resolution from --log-level and the verbose fallback
	//
	// TEST SCENARIO: Configure loggers with flag combinations → precedence respected → bad levels rejected

	t.Run("silent by default", func(t *testing.T) {
		cmd := &cobra.Command{Use: "probe"}

		logger, err := configureLogger(cmd, "verbose")
		require.NoError(t, err, "default configuration MUST succeed")
		assert.Equal(t, logrus.PanicLevel, logger.GetLevel(), "logger MUST stay silent without flags")
	})

	t.Run("log-level flag", func(t *testing.T) {
		cmd := &cobra.Command{Use: "probe"}
		cmd.Flags().String("log-level", "", "")
		require.NoError(t, cmd.Flags().Set("log-level", "warn"))

		logger, err := configureLogger(cmd, "verbose")
		require.NoError(t, err, "valid log level MUST be accepted")
		assert.Equal(t, logrus.WarnLevel, logger.GetLevel(), "logger MUST honor --log-level")
	})

	t.Run("invalid log level", func(t *testing.T) {
		cmd := &cobra.Command{Use: "probe"}
		cmd.Flags().String("log-level", "", "")
		require.NoError(t, cmd.Flags().Set("log-level", "chatty"))

		logger, err := configureLogger(cmd, "verbose")
		require.Error(t, err, "invalid log level MUST be rejected")
		assert.Contains(t, err.Error(), "invalid log level", "error MUST name the problem")
		assert.Nil(t, logger, "logger MUST be nil on error")
	})

	t.Run("verbose fallback", func(t *testing.T) {
		cmd := &cobra.Command{Use: "probe"}
		cmd.Flags().Bool("verbose", false, "")
		require.NoError(t, cmd.Flags().Set("verbose", "true"))

		logger, err := configureLogger(cmd, "verbose")
		require.NoError(t, err, "verbose configuration MUST succeed")
		assert.Equal(t, logrus.DebugLevel, logger.GetLevel(), "verbose MUST enable debug logging")
	})

	t.Run("log-level wins over verbose", func(t *testing.T) {
		cmd := &cobra.Command{Use: "probe"}
		cmd.Flags().String("log-level", "", "")
		cmd.Flags().Bool("verbose", false, "")
		require.NoError(t, cmd.Flags().Set("log-level", "error"))
		require.NoError(t, cmd.Flags().Set("verbose", "true"))

		logger, err := configureLogger(cmd, "verbose")
		require.NoError(t, err, "combined flags MUST be accepted")
		assert.Equal(t, logrus.ErrorLevel, logger.GetLevel(), "--log-level MUST take precedence over verbose")
	})
}
