package doctor

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"vonai/audio"
	"vonai/config"
	"vonai/hotkey"
	"vonai/voice"
)

func deps(t *testing.T) (Deps, *hotkey.FakeHotkey, *voice.Fake, *bytes.Buffer) {
	t.Helper()
	cfg := config.Default()
	cfg.APIKey, cfg.AssistantID = "key", "asst-1"
	cfg.Sampler.FrameInterval = 5 * time.Millisecond

	mic := audio.NewFakeContext(audio.Tone(500, 0.5, 500))
	mic.Live = true
	hk := hotkey.NewFake()
	client := voice.NewFake()
	client.OnStart = func(f *voice.Fake) { go f.Emit(voice.EventCallStart) }
	out := &bytes.Buffer{}
	return Deps{
		Config:        &cfg,
		Hotkey:        hk,
		Audio:         mic,
		Voice:         client,
		Out:           out,
		HotkeyTimeout: time.Second,
		ListenFor:     200 * time.Millisecond,
		CallTimeout:   time.Second,
	}, hk, client, out
}

func TestAllChecksPass(t *testing.T) {
	d, hk, client, out := deps(t)
	hk.Press()

	code := Run(context.Background(), d)

	assert.Equal(t, 0, code, out.String())
	assert.Contains(t, out.String(), "PASS: hotkey detected")
	assert.Contains(t, out.String(), "PASS: peak amplitude")
	assert.Contains(t, out.String(), "PASS: call connected")
	assert.Equal(t, 1, client.Stops())
}

func TestMissingCredentialsSkipsVoice(t *testing.T) {
	d, hk, client, out := deps(t)
	d.Config.APIKey = ""
	hk.Press()

	assert.Equal(t, 1, Run(context.Background(), d))
	assert.Contains(t, out.String(), "FAIL: config: api key and assistant id are required")
	assert.Equal(t, 0, client.Starts())
}

func TestHotkeyTimeout(t *testing.T) {
	d, _, _, out := deps(t)
	d.HotkeyTimeout = 10 * time.Millisecond

	assert.Equal(t, 1, Run(context.Background(), d))
	assert.Contains(t, out.String(), "FAIL: timeout waiting for hotkey")
}

func TestSilentMicrophoneFails(t *testing.T) {
	d, hk, _, out := deps(t)
	mic := audio.NewFakeContext(audio.Silence(500))
	mic.Live = true
	d.Audio = mic
	hk.Press()

	assert.Equal(t, 1, Run(context.Background(), d))
	assert.Contains(t, out.String(), "no signal was heard")
}

func TestDeniedMicrophoneFails(t *testing.T) {
	d, hk, _, out := deps(t)
	d.Audio.(*audio.FakeContext).Deny(audio.ErrPermissionDenied)
	hk.Press()

	assert.Equal(t, 1, Run(context.Background(), d))
	assert.Contains(t, out.String(), "permission denied")
}

func TestVoiceStartRejected(t *testing.T) {
	d, hk, client, out := deps(t)
	client.OnStart = nil
	client.StartErr = errors.New("assistant not found")
	hk.Press()

	assert.Equal(t, 1, Run(context.Background(), d))
	assert.Contains(t, out.String(), "FAIL: could not start a call: assistant not found")
}
