package main

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nicebartender/chat-relay/connmgr"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadWithArgs(t *testing.T, args ...string) Config {
	t.Helper()
	v := newViper()
	cmd := &cobra.Command{Use: "relay"}
	require.NoError(t, bindFlags(v, cmd.Flags()))
	require.NoError(t, cmd.Flags().Parse(args))
	cfg, err := LoadConfig(v, "")
	require.NoError(t, err)
	return cfg
}

func TestConfigDefaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("PY_URL", "")
	cfg := loadWithArgs(t)
	assert.Equal(t, ":8090", cfg.ListenAddr)
	assert.Equal(t, "relay.db", cfg.DBPath)
	assert.Equal(t, "ws://127.0.0.1:8765", cfg.BridgeURL)
	assert.Equal(t, "http://127.0.0.1:8000/event", cfg.BrainURL)
	assert.Equal(t, 30*time.Second, cfg.BrainTimeout)
	assert.Equal(t, time.Second, cfg.DispatchInterval)
	assert.Equal(t, 10, cfg.DispatchCap)
	assert.Equal(t, 60*time.Second, cfg.AdminTTL)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel)
}

func TestConfigEnvironment(t *testing.T) {
	t.Setenv("RELAY_BRIDGE_URL", "wss://bridge.example")
	t.Setenv("PY_URL", "http://brain:9000/event")
	t.Setenv("PORT", "8080")
	t.Setenv("RELAY_ADMINS_TTL", "5s")
	t.Setenv("RELAY_LOG_LEVEL", "debug")

	cfg := loadWithArgs(t)
	assert.Equal(t, "wss://bridge.example", cfg.BridgeURL)
	assert.Equal(t, "http://brain:9000/event", cfg.BrainURL)
	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, 5*time.Second, cfg.AdminTTL)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
}

func TestConfigFlagsOverrideEnvironment(t *testing.T) {
	t.Setenv("RELAY_DISPATCH_CAP", "3")
	cfg := loadWithArgs(t, "--dispatch-cap", "7", "--db", "/tmp/x.db")
	assert.Equal(t, 7, cfg.DispatchCap)
	assert.Equal(t, "/tmp/x.db", cfg.DBPath)
}

func TestConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.yaml")
	require.NoError(t, os.WriteFile(path, []byte("bridge:\n  token: s3cret\ndispatch:\n  interval: 2s\n"), 0o600))

	v := newViper()
	cmd := &cobra.Command{Use: "relay"}
	require.NoError(t, bindFlags(v, cmd.Flags()))
	cfg, err := LoadConfig(v, path)
	require.NoError(t, err)
	assert.Equal(t, "s3cret", cfg.BridgeToken)
	assert.Equal(t, 2*time.Second, cfg.DispatchInterval)
}

func TestConfigRejectsBadValues(t *testing.T) {
	v := newViper()
	cmd := &cobra.Command{Use: "relay"}
	require.NoError(t, bindFlags(v, cmd.Flags()))
	require.NoError(t, cmd.Flags().Parse([]string{"--log-level", "loud"}))
	_, err := LoadConfig(v, "")
	assert.Error(t, err)

	_, err = LoadConfig(newViper(), filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

type fixedStatus connmgr.Status

func (s fixedStatus) Status() connmgr.Status { return connmgr.Status(s) }

type fixedLen int

func (n fixedLen) Len() int { return int(n) }

func TestHealth(t *testing.T) {
	tests := []struct {
		name   string
		status connmgr.Status
		queued int
		want   string
	}{
		{"open", connmgr.Status{State: connmgr.StateOpen}, 0, "ok"},
		{"reconnecting", connmgr.Status{State: connmgr.StateConnecting, Attempts: 3}, 4, "degraded"},
		{"logged out", connmgr.Status{State: connmgr.StateLoggedOut}, 0, "degraded"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			healthHandler(fixedStatus(tt.status), fixedLen(tt.queued)).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

			require.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			var body struct {
				Status     string `json:"status"`
				Connection string `json:"connection"`
				Attempts   int    `json:"attempts"`
				Queued     int    `json:"queued"`
			}
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.want, body.Status)
			assert.Equal(t, string(tt.status.State), body.Connection)
			assert.Equal(t, tt.status.Attempts, body.Attempts)
			assert.Equal(t, tt.queued, body.Queued)
		})
	}
}

func TestLogoutDeletesCredentials(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.db")
	cmd := newRootCmd()
	cmd.SetArgs([]string{"logout", "--db", path})
	var out bytes.Buffer
	cmd.SetOut(&out)
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "credentials deleted")
}

func TestRootCommandReportsErrorWithoutUsage(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetArgs([]string{"--log-level", "loud"})
	var stderr bytes.Buffer
	cmd.SetErr(&stderr)
	cmd.SetOut(&stderr)

	require.Error(t, cmd.Execute())
	assert.Contains(t, stderr.String(), "Error: log level")
	assert.NotContains(t, stderr.String(), "Usage:")
}
