package model_test

import (
	"strings"
	"testing"
	"time"

	"github.com/moodle-backup/exportd/internal/model"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	yml := `
version: 0
service:
  port: 8080
  data_dir: /var/lib/exportd
  admin_token: ABC123
exporter:
  root: https://moodle.example.edu/
  command:
    path: /usr/local/bin/moodle-export
    args:
      - --headless
    env:
      HOME: $HOME
    timeout: 2h
jobs:
  concurrency: 3
retention:
  duration: 1d
`
	cfg, err := model.LoadConfig(strings.NewReader(yml))
	require.NoError(t, err)
	require.NotNil(t, cfg)
	require.Equal(t, 8080, cfg.Service.Port)
	require.Equal(t, "/var/lib/exportd", cfg.Service.DataDir)
	require.Equal(t, "ABC123", cfg.Service.AdminToken)
	require.Equal(t, "https://moodle.example.edu/", cfg.Exporter.Root)
	require.Equal(t, "/usr/local/bin/moodle-export", cfg.Exporter.Command.Path)
	require.Equal(t, []string{"--headless"}, cfg.Exporter.Command.Args)
	require.Equal(t, "$HOME", cfg.Exporter.Command.Env["HOME"])
	require.Equal(t, 3, cfg.Jobs.Concurrency)
	// defaults
	require.Equal(t, 2, cfg.Downloads.Concurrency)
	require.Equal(t, "*/10 * * * *", cfg.Retention.Sweep)
	require.NoError(t, cfg.Validate())

	retention, err := cfg.RetentionDuration()
	require.NoError(t, err)
	require.Equal(t, 24*time.Hour, retention)

	timeout, err := cfg.Exporter.Command.TimeoutDuration()
	require.NoError(t, err)
	require.Equal(t, 2*time.Hour, timeout)

	require.Equal(t, "REDACTED", cfg.Redacted().Service.AdminToken)
	require.Equal(t, "ABC123", cfg.Service.AdminToken)
}

func TestDefaultConfig(t *testing.T) {
	cfg := model.DefaultConfig()
	require.Equal(t, 3000, cfg.Service.Port)
	require.Equal(t, "data", cfg.Service.DataDir)
	require.Equal(t, "https://moodle3.ntnu.edu.tw/", cfg.Exporter.Root)
	require.Equal(t, 2, cfg.Jobs.Concurrency)
	require.Equal(t, 2, cfg.Downloads.Concurrency)
	require.Equal(t, "30m", cfg.Retention.Duration)
	require.Empty(t, cfg.Service.AdminToken)
	require.NoError(t, cfg.Validate())
}

func TestLoadConfig_Fail(t *testing.T) {
	var testCases = []struct {
		scenario string
		given    string
		path     string
	}{
		{"port out of range", "service:\n  port: 70000\n", "service.port"},
		{"unknown field", "service:\n  colour: blue\n", "service.colour"},
		{"zero concurrency", "jobs:\n  concurrency: 0\n", "jobs.concurrency"},
		{"root not a url", "exporter:\n  root: ftp://example.com\n", "exporter.root"},
	}

	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			_, err := model.LoadConfig(strings.NewReader(tt.given))
			require.Error(t, err)
			details := model.CueErrDetails(err)
			require.NotEmpty(t, details)
			var paths []string
			for _, d := range details {
				paths = append(paths, d.Path)
			}
			require.Contains(t, paths, tt.path)
		})
	}
}

func TestApplyEnv(t *testing.T) {
	// can't be parallel as it touches the environment
	t.Setenv(model.EnvPort, "4000")
	t.Setenv(model.EnvRetention, "60000")
	t.Setenv(model.EnvJobConcurrency, "5")
	t.Setenv(model.EnvDataDir, "/tmp/exportd")

	cfg, err := model.ApplyEnv(viper.New(), model.DefaultConfig())
	require.NoError(t, err)
	require.Equal(t, 4000, cfg.Service.Port)
	require.Equal(t, "/tmp/exportd", cfg.Service.DataDir)
	require.Equal(t, 5, cfg.Jobs.Concurrency)
	require.Equal(t, 5, cfg.Downloads.Concurrency)

	retention, err := cfg.RetentionDuration()
	require.NoError(t, err)
	require.Equal(t, time.Minute, retention)

	t.Run("download concurrency wins", func(t *testing.T) {
		t.Setenv(model.EnvDownloadConcurrency, "1")
		cfg, err := model.ApplyEnv(viper.New(), model.DefaultConfig())
		require.NoError(t, err)
		require.Equal(t, 5, cfg.Jobs.Concurrency)
		require.Equal(t, 1, cfg.Downloads.Concurrency)
	})

	t.Run("invalid", func(t *testing.T) {
		t.Setenv(model.EnvJobConcurrency, "0")
		_, err := model.ApplyEnv(viper.New(), model.DefaultConfig())
		require.ErrorIs(t, err, model.ErrInvalidConfig)
	})
}
