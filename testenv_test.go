package main

import (
	"bytes"
	"context"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vonai/config"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.APIKey, cfg.AssistantID = "key", "asst-test"
	return &cfg
}

func TestScriptFullCall(t *testing.T) {
	env := newTestEnv(testConfig())
	script := `
# start and connect
TOGGLE
WAIT connecting
EMIT call-start
WAIT connected
EMIT speech-start
WAIT speaking
SLEEP 200
STATE
EMIT speech-end
WAIT listening
TOGGLE
WAIT idle
STATE
QUIT
`
	var out bytes.Buffer
	require.NoError(t, env.runScript(context.Background(), strings.NewReader(script), &out))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2, "output = %q", out.String())
	state, ampText, _ := strings.Cut(lines[0], " ")
	require.Equal(t, "speaking", state)
	amp, err := strconv.ParseFloat(ampText, 64)
	require.NoError(t, err)
	assert.Greater(t, amp, 1.0)
	assert.Equal(t, "idle 1.000", lines[1])
	assert.Equal(t, "asst-test", env.client.AssistantID())
	assert.Zero(t, env.mic.Open())
}

func TestScriptStartFailure(t *testing.T) {
	env := newTestEnv(testConfig())
	env.client.StartErr = context.DeadlineExceeded

	var out bytes.Buffer
	err := env.runScript(context.Background(), strings.NewReader("TOGGLE\nSLEEP 50\nWAIT idle\nSTATE\n"), &out)
	require.NoError(t, err)
	assert.Equal(t, "idle 1.000", strings.TrimSpace(out.String()))
	assert.Equal(t, 1, env.client.Starts())
}

func TestScriptErrors(t *testing.T) {
	env := newTestEnv(testConfig())
	assert.Error(t, env.runScript(context.Background(), strings.NewReader("BOGUS\n"), &bytes.Buffer{}), "unknown command")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	env = newTestEnv(testConfig())
	assert.Error(t, env.runScript(ctx, strings.NewReader("WAIT speaking\n"), &bytes.Buffer{}), "WAIT for an unreachable state")
}
