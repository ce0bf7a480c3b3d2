package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	app := newApp()
	app.Writer = &out
	app.ErrWriter = &out
	err := app.Run(append([]string{"outriggerd"}, args...))
	return out.String(), err
}

func writeManifest(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "components.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestComponentsListsBuiltins(t *testing.T) {
	out, err := runCLI(t, "components")
	require.NoError(t, err)
	for _, typ := range []string{"state.sqlite", "state.redis", "pubsub.kafka", "pubsub.channel", "bindings.cron", "secretstores.local.file"} {
		assert.Contains(t, out, typ+"\n")
	}
}

func TestValidateManifest(t *testing.T) {
	path := writeManifest(t, `
appID: orders
components:
  - name: statestore
    type: state.sqlite
    metadata:
      path: ":memory:"
  - name: pubsub
    type: pubsub.channel
subscriptions:
  - pubsubname: pubsub
    topic: orders
`)
	out, err := runCLI(t, "validate", "--components", path)
	require.NoError(t, err)
	assert.Contains(t, out, "2 components, 1 subscriptions")
}

func TestValidateRejectsUnknownTypes(t *testing.T) {
	path := writeManifest(t, `
appID: orders
components:
  - name: queue
    type: pubsub.carrier-pigeon
`)
	_, err := runCLI(t, "validate", "--components", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "queue (pubsub.carrier-pigeon)")
}

func TestValidateRequiresManifest(t *testing.T) {
	t.Setenv("OUTRIGGER_COMPONENTS_PATH", "")
	_, err := runCLI(t, "validate")
	require.Error(t, err)
}

func TestNewLoggerRejectsUnknownLevel(t *testing.T) {
	_, err := newLogger("loud")
	require.Error(t, err)
	_, err = newLogger("debug")
	require.NoError(t, err)
}
