package config_test

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/MegaGrindStone/mcp-inspector/internal/config"
)

const profile = `
defaultServer = "everything"

[client]
name = "tester"
requestTimeout = "5s"
historySize = 20

[logging]
level = "debug"

[servers.everything]
command = "everything"
args = ["-log-level", "warn"]
env = { EVERYTHING_MODE = "test" }

[servers.remote]
url = "http://localhost:8080/sse"
`

func TestParse(t *testing.T) {
	cfg, err := config.Parse([]byte(profile))
	require.NoError(t, err)

	require.Equal(t, "tester", cfg.Client.Name)
	require.Equal(t, "0.1.0", cfg.Client.Version)
	require.Equal(t, 5*time.Second, cfg.Client.Timeout)
	require.Equal(t, 20, cfg.Client.HistorySize)
	require.Equal(t, slog.LevelDebug, cfg.SlogLevel())

	srv, err := cfg.Server("")
	require.NoError(t, err)
	require.Equal(t, config.TransportStdIO, srv.Transport)
	require.Equal(t, "everything", srv.Command)
	require.Equal(t, []string{"-log-level", "warn"}, srv.Args)
	require.Equal(t, "test", srv.Env["EVERYTHING_MODE"])

	remote, err := cfg.Server("remote")
	require.NoError(t, err)
	require.Equal(t, config.TransportSSE, remote.Transport)

	_, err = cfg.Server("missing")
	require.Error(t, err)
}

func TestParseInvalid(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"stdio without command", "[servers.a]\ntransport = \"stdio\"\n"},
		{"sse without url", "[servers.a]\ntransport = \"sse\"\n"},
		{"unknown transport", "[servers.a]\ntransport = \"ws\"\nurl = \"ws://x\"\n"},
		{"bad timeout", "[client]\nrequestTimeout = \"soon\"\n"},
		{"unknown default", "defaultServer = \"nope\"\n"},
		{"malformed toml", "[servers\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.Parse([]byte(tt.data))
			require.Error(t, err)
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "inspect.toml")
	require.NoError(t, os.WriteFile(path, []byte(profile), 0o600))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.Len(t, cfg.Servers, 2)

	_, err = config.Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)
}
