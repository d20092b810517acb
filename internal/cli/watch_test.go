package cli_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oplane/realtime/internal/cli"
)

func runCommand(t *testing.T, args ...string) (stdout string, err error) {
	t.Helper()

	cmd := cli.NewRootCommand()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)

	err = cmd.Execute()
	return out.String(), err
}

func TestWatchRequiresConfigOrDemo(t *testing.T) {
	t.Parallel()

	_, err := runCommand(t, "watch")
	require.Error(t, err)
	assert.ErrorContains(t, err, "either --config or --demo is required")
}

func TestWatchRejectsMissingConfigFile(t *testing.T) {
	t.Parallel()

	_, err := runCommand(t, "watch", "--config", "/does/not/exist.yaml")
	require.Error(t, err)
	assert.ErrorContains(t, err, "read config")
}

func TestWatchDemoMode(t *testing.T) {
	t.Parallel()

	out, err := runCommand(t, "watch", "--demo", "--duration", "1500ms")
	require.NoError(t, err)

	assert.Contains(t, out, "watching env-prod at ")
	assert.Contains(t, out, "stream: connected")
	assert.Contains(t, out, "deployment: 2 cached")
	assert.Contains(t, out, "counts: (queued=0 running=2)")
	assert.Contains(t, out, "health: healthy")
}
