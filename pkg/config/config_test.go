package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsAreValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, ":631", cfg.ListenAddr)
	assert.Equal(t, "remroot", cfg.RemoteRoot)
	assert.Equal(t, "utf-8", cfg.DefaultCharset)
	assert.Equal(t, 24*time.Hour, cfg.JobRetention)
}

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "printd.yaml")
	data := `
server_name: print.example.com
listen_addr: ":6310"
strict_conformance: true
max_copies: 10
job_retention: 1h
multiple_operation_timeout: 90s
notifiers:
  mailto: /usr/lib/printd/notifier/mailto
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "print.example.com", cfg.ServerName)
	assert.Equal(t, ":6310", cfg.ListenAddr)
	assert.True(t, cfg.StrictConformance)
	assert.Equal(t, 10, cfg.MaxCopies)
	assert.Equal(t, time.Hour, cfg.JobRetention)
	assert.Equal(t, 90*time.Second, cfg.MultipleOperationTimeout)
	assert.Equal(t, "/usr/lib/printd/notifier/mailto", cfg.Notifiers["mailto"])

	// Untouched keys keep their defaults.
	assert.Equal(t, "remroot", cfg.RemoteRoot)
	assert.Equal(t, 500, cfg.MaxJobs)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"empty server name", `server_name: ""`},
		{"zero max copies", `max_copies: 0`},
		{"bad charset", `default_charset: iso-8859-1`},
		{"malformed yaml", `server_name: [`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "printd.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.data), 0o644))
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestDatabasePath(t *testing.T) {
	cfg := Default()
	cfg.StateDir = "/var/lib/printd"
	assert.Equal(t, filepath.Join("/var/lib/printd", "printd.db"), cfg.DatabasePath())
}
