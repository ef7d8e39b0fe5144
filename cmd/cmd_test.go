package cmd

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSeed = `
rules:
  - id: failed-login
    name: Failed login
    field: status
    operator: eq
    value: failure
policies:
  - id: brute-force
    name: Brute force
    rule_ids: [failed-login]
    severity: high
    throttle_minutes: 5
    max_alerts_per_hour: 10
    message_template: "Failed login from {ip_address}"
`

const testEvents = `# two failures inside the throttle window, one after it
{"event_id":"e2","event_type":"login","status":"failure","ip_address":"10.0.0.2","timestamp":"2026-03-02T10:02:00Z"}
{"event_id":"e1","event_type":"login","status":"failure","ip_address":"10.0.0.1","timestamp":"2026-03-02T10:00:00Z"}

{"event_id":"e3","event_type":"login","status":"success","ip_address":"10.0.0.3","timestamp":"2026-03-02T10:03:00Z"}
{"event_id":"e4","event_type":"login","status":"failure","ip_address":"10.0.0.4","timestamp":"2026-03-02T10:06:00Z"}
`

func resetFlags() {
	outputJSON = false
	configFile = ""
	noColor = false
	quiet = false
}

// run executes the root command with args and returns its output.
func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	resetFlags()
	t.Cleanup(resetFlags)

	root := NewRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(append([]string{"--no-color"}, args...))
	err := root.Execute()
	return out.String(), err
}

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func findCommand(root *cobra.Command, name string) *cobra.Command {
	for _, c := range root.Commands() {
		if c.Name() == name {
			return c
		}
	}
	return nil
}

func TestRootCommandStructure(t *testing.T) {
	root := NewRootCmd()
	for _, name := range []string{"serve", "validate", "replay", "version"} {
		assert.NotNil(t, findCommand(root, name), "missing command %s", name)
	}
	for _, flag := range []string{"json", "config", "no-color", "quiet"} {
		assert.NotNil(t, root.PersistentFlags().Lookup(flag), "missing flag %s", flag)
	}

	validate := findCommand(root, "validate")
	require.NotNil(t, validate)
	assert.NotNil(t, findCommand(validate, "config"))
	assert.NotNil(t, findCommand(validate, "seed"))
}

func TestVersionCommand(t *testing.T) {
	out, err := run(t, "", "version")
	require.NoError(t, err)
	assert.Equal(t, "vigil dev\n", out)

	out, err = run(t, "", "version", "--json")
	require.NoError(t, err)
	assert.JSONEq(t, `{"version":"dev"}`, out)
}

func TestValidateSeed(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		path := writeFile(t, "seed.yaml", testSeed)
		out, err := run(t, "", "validate", "seed", path)
		require.NoError(t, err)
		assert.Contains(t, out, "Seed is valid")
		assert.Contains(t, out, "Rules:")
	})

	t.Run("json report", func(t *testing.T) {
		path := writeFile(t, "seed.yaml", testSeed)
		out, err := run(t, "", "--json", "validate", "seed", path)
		require.NoError(t, err)

		var report seedReport
		require.NoError(t, json.Unmarshal([]byte(out), &report))
		assert.True(t, report.Valid)
		assert.Equal(t, 1, report.Rules)
		assert.Equal(t, 1, report.Policies)
	})

	t.Run("unknown rule reference", func(t *testing.T) {
		bad := strings.Replace(testSeed, "rule_ids: [failed-login]", "rule_ids: [nope]", 1)
		path := writeFile(t, "seed.yaml", bad)
		_, err := run(t, "", "validate", "seed", path)
		assert.Error(t, err)
	})

	t.Run("shipped example", func(t *testing.T) {
		out, err := run(t, "", "validate", "seed", filepath.Join("..", "examples", "seed.yaml"))
		require.NoError(t, err, out)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := run(t, "", "validate", "seed", filepath.Join(t.TempDir(), "none.yaml"))
		assert.Error(t, err)
	})
}

func TestValidateConfig(t *testing.T) {
	path := writeFile(t, "config.yaml", "api:\n  port: 9090\nstorage:\n  sqlite_path: /tmp/vigil-test.db\n")
	out, err := run(t, "", "--config", path, "validate", "config")
	require.NoError(t, err)
	assert.Contains(t, out, "Configuration is valid")
	assert.Contains(t, out, ":9090")

	bad := writeFile(t, "config.yaml", "api:\n  port: 0\n")
	_, err = run(t, "", "--config", bad, "validate", "config")
	assert.Error(t, err)
}

func TestReplay_ThrottlesInTimestampOrder(t *testing.T) {
	seed := writeFile(t, "seed.yaml", testSeed)
	events := writeFile(t, "events.ndjson", testEvents)

	out, err := run(t, "", "--json", "replay", "--seed", seed, events)
	require.NoError(t, err)

	var report struct {
		Events int `json:"events"`
		Alerts []struct {
			EventID string `json:"event_id"`
			Message string `json:"message"`
		} `json:"alerts"`
		Suppressed []struct {
			EventID string `json:"event_id"`
			Reason  string `json:"reason"`
		} `json:"suppressed"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &report))

	assert.Equal(t, 4, report.Events)
	require.Len(t, report.Alerts, 2)
	assert.Equal(t, "e1", report.Alerts[0].EventID)
	assert.Equal(t, "Failed login from 10.0.0.1", report.Alerts[0].Message)
	assert.Equal(t, "e4", report.Alerts[1].EventID)

	require.Len(t, report.Suppressed, 1)
	assert.Equal(t, "e2", report.Suppressed[0].EventID)
	assert.Equal(t, "throttle", report.Suppressed[0].Reason)
}

func TestReplay_KeepOrderAndStdin(t *testing.T) {
	seed := writeFile(t, "seed.yaml", testSeed)

	out, err := run(t, testEvents, "--json", "replay", "--keep-order", "--seed", seed, "-")
	require.NoError(t, err)

	var report struct {
		Alerts []struct {
			EventID string `json:"event_id"`
		} `json:"alerts"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	require.NotEmpty(t, report.Alerts)
	// In file order the later event comes first and is the one admitted.
	assert.Equal(t, "e2", report.Alerts[0].EventID)
}

func TestReplay_TableOutput(t *testing.T) {
	seed := writeFile(t, "seed.yaml", testSeed)
	events := writeFile(t, "events.ndjson", testEvents)

	out, err := run(t, "", "replay", "--seed", seed, events)
	require.NoError(t, err)
	assert.Contains(t, out, "ALERTS")
	assert.Contains(t, out, "SUPPRESSED")
	assert.Contains(t, out, "4 event(s), 2 alert(s), 1 suppressed")
}

func TestReplay_Errors(t *testing.T) {
	seed := writeFile(t, "seed.yaml", testSeed)

	_, err := run(t, "", "replay", "--seed", seed, filepath.Join(t.TempDir(), "missing.ndjson"))
	assert.Error(t, err)

	_, err = run(t, "not json\n", "replay", "--seed", seed, "-")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 1")

	cfg := writeFile(t, "config.yaml", "storage:\n  sqlite_path: /tmp/vigil-test.db\n")
	_, err = run(t, "", "--config", cfg, "replay", "-")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no seed file")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
	assert.Equal(t, "ab", truncate("abcdef", 2))
}
