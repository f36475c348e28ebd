package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"vonai/audio"
	"vonai/call"
	"vonai/config"
	"vonai/hotkey"
	"vonai/sampler"
	"vonai/voice"
)

const scriptWaitTimeout = 5 * time.Second

// testEnv is a fully faked call stack: scripted voice service, a looping
// tone for a microphone, and a hotkey driven from the script.
type testEnv struct {
	ctrl    *call.Controller
	client  *voice.Fake
	mic     *audio.FakeContext
	sampler *sampler.Sampler
	hk      *hotkey.FakeHotkey
}

func newTestEnv(cfg *config.Config) *testEnv {
	mic := audio.NewFakeContext(audio.Tone(440, 0.4, 1000))
	mic.Live = true
	client := voice.NewFake()
	s := sampler.New(mic, samplerConfig(cfg), nil, nil)
	return &testEnv{
		ctrl:    call.New(client, cfg.AssistantID, s),
		client:  client,
		mic:     mic,
		sampler: s,
		hk:      hotkey.NewFake(),
	}
}

// runScript executes one command per line from in:
//
//	TOGGLE             press the global hotkey
//	EMIT <event>       deliver a voice service event (call-start, speech-end, ...)
//	WAIT <state>       block until the call reaches state
//	SLEEP <ms>
//	STATE              print "<state> <amplitude>"
//	QUIT
func (e *testEnv) runScript(ctx context.Context, in io.Reader, out io.Writer) error {
	go hotkey.Listen(ctx, e.hk, func() { e.ctrl.Toggle(ctx) })

	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		cmd, arg, _ := strings.Cut(line, " ")
		switch cmd {
		case "TOGGLE":
			e.hk.Press()
		case "EMIT":
			e.client.Emit(voice.Event(arg))
		case "WAIT":
			if err := e.waitState(ctx, call.State(arg)); err != nil {
				return err
			}
		case "SLEEP":
			ms, err := strconv.Atoi(arg)
			if err != nil {
				return fmt.Errorf("SLEEP %q: %w", arg, err)
			}
			time.Sleep(time.Duration(ms) * time.Millisecond)
		case "STATE":
			fmt.Fprintf(out, "%s %.3f\n", e.ctrl.State(), e.ctrl.Amplitude())
		case "QUIT":
			e.ctrl.Dispose(ctx)
			return nil
		default:
			return fmt.Errorf("unknown command %q", line)
		}
	}
	e.ctrl.Dispose(ctx)
	return scanner.Err()
}

func (e *testEnv) waitState(ctx context.Context, want call.State) error {
	deadline := time.Now().Add(scriptWaitTimeout)
	for e.ctrl.State() != want {
		if time.Now().After(deadline) {
			return fmt.Errorf("timed out waiting for %s (state %s)", want, e.ctrl.State())
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
	return nil
}
