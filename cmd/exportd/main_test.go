package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReadSecret(t *testing.T) {
	var testCases = []struct {
		scenario string
		env      *string
		stdin    string
		then     string
	}{
		{"stdin line", nil, "hunter2\nignored\n", "hunter2"},
		{"stdin crlf", nil, "hunter2\r\n", "hunter2"},
		{"stdin without newline", nil, "hunter2", "hunter2"},
		{"environment wins", ptr("from-env"), "hunter2\n", "from-env"},
	}
	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			if tt.env != nil {
				t.Setenv(envSecret, *tt.env)
			} else {
				t.Setenv(envSecret, "")
				require.NoError(t, os.Unsetenv(envSecret))
			}
			secret, err := readSecret(strings.NewReader(tt.stdin))
			require.NoError(t, err)
			require.Equal(t, tt.then, secret)
		})
	}
}

func TestInitExportd(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "exportd.yaml")
	yml := "service:\n  port: 8080\n  data_dir: " + dir + "\nexporter:\n  command:\n    path: /usr/bin/true\n"
	require.NoError(t, os.WriteFile(path, []byte(yml), 0o600))

	t.Setenv("EXPORTDCONFIG", path)
	t.Setenv("PORT", "9090")
	t.Setenv("MAX_CONCURRENCY", "5")
	require.NoError(t, initExportd(rootCmd, nil))

	require.Equal(t, path, configPath)
	require.Equal(t, 9090, config.Service.Port)
	require.Equal(t, dir, config.Service.DataDir)
	require.Equal(t, "/usr/bin/true", config.Exporter.Command.Path)
	require.Equal(t, 5, config.Jobs.Concurrency)
	require.Equal(t, 5, config.Downloads.Concurrency)

	require.True(t, exists(path))
	require.False(t, exists(dir))
	require.False(t, exists(filepath.Join(dir, "missing.yaml")))
}

func ptr[T any](v T) *T {
	return &v
}
