package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-i2p/go-duplex/lib/config"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func fastConfig() *config.SessionConfig {
	cfg := config.DefaultSessionConfig()
	cfg.RouteRetry = config.RetryConfig{InitialDelay: 2 * time.Millisecond, MaxDelay: 20 * time.Millisecond, MaxAttempts: 8}
	cfg.SendRetry = config.RetryConfig{InitialDelay: 5 * time.Millisecond, MaxDelay: 40 * time.Millisecond, MaxAttempts: 25}
	cfg.LookupRetry = config.RetryConfig{InitialDelay: 5 * time.Millisecond, MaxDelay: 20 * time.Millisecond, MaxAttempts: 20}
	cfg.LookupInterval = 0
	return cfg
}

func TestRunLoopbackCountsPingsAndPongs(t *testing.T) {
	report, err := RunLoopback(context.Background(), fastConfig(), LoopbackOptions{Rounds: 4, RoundTimeout: 5 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, int64(4), report.Pings)
	assert.Equal(t, int64(4), report.Pongs)
	assert.Zero(t, report.RouteKills)
	assert.Equal(t, uint64(4), report.Host.Delivered)
	assert.Equal(t, uint64(4), report.Client.Delivered)
}

func TestRunLoopbackSurvivesChaos(t *testing.T) {
	report, err := RunLoopback(context.Background(), fastConfig(), LoopbackOptions{Rounds: 5, Chaos: true, RoundTimeout: 10 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, int64(5), report.Pongs)
	assert.Equal(t, int64(5), report.Pings, "retried pings are delivered once")
	assert.Positive(t, report.RouteKills)
	assert.Positive(t, report.Host.Recoveries+report.Client.Recoveries)
}

func TestRunLoopbackRejectsZeroRounds(t *testing.T) {
	_, err := RunLoopback(context.Background(), fastConfig(), LoopbackOptions{})
	assert.Error(t, err)
}

func TestRunLoopbackRejectsInvalidConfig(t *testing.T) {
	cfg := fastConfig()
	cfg.SendRetry.MaxAttempts = 0
	_, err := RunLoopback(context.Background(), cfg, LoopbackOptions{Rounds: 1})
	assert.Error(t, err)
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)

	root := NewRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestConfigCommandPrintsEffectiveYAML(t *testing.T) {
	path := writeConfig(t, "session:\n  nickname: from-file\n")
	out, err := runCommand(t, "--config", path, "--send-attempts", "7", "config")
	require.NoError(t, err)

	var settings map[string]any
	require.NoError(t, yaml.Unmarshal([]byte(out), &settings))
	session, ok := settings["session"].(map[string]any)
	require.True(t, ok, "missing session section in %q", out)
	assert.Equal(t, "from-file", session["nickname"])

	sendRetry, ok := session["send_retry"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 7, sendRetry["max_attempts"], "flags override the file")
}

func TestConfigCommandRejectsInvalidFile(t *testing.T) {
	path := writeConfig(t, "session:\n  lookup_burst: 0\n")
	_, err := runCommand(t, "--config", path, "config")
	assert.Error(t, err)
}

func TestMissingExplicitConfigFails(t *testing.T) {
	_, err := runCommand(t, "--config", filepath.Join(t.TempDir(), "absent.yaml"), "config")
	assert.Error(t, err)
}

func TestLoopbackCommand(t *testing.T) {
	path := writeConfig(t, "session:\n  lookup_interval: 0s\n")
	out, err := runCommand(t, "--config", path, "loopback", "--rounds", "2")
	require.NoError(t, err)
	assert.Contains(t, out, "pings 2  pongs 2")
	assert.Contains(t, out, "client sent=")
}
