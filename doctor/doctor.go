// Package doctor runs interactive checks of everything a call depends on:
// credentials, the global hotkey, the microphone and the voice service.
package doctor

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"vonai/audio"
	"vonai/config"
	"vonai/hotkey"
	"vonai/sampler"
	"vonai/voice"
)

type Deps struct {
	Config *config.Config
	Hotkey hotkey.Hotkey
	Audio  audio.Context
	Voice  voice.Client
	Out    io.Writer

	HotkeyTimeout time.Duration
	ListenFor     time.Duration
	CallTimeout   time.Duration
}

func (d *Deps) setDefaults() {
	if d.HotkeyTimeout == 0 {
		d.HotkeyTimeout = 10 * time.Second
	}
	if d.ListenFor == 0 {
		d.ListenFor = 3 * time.Second
	}
	if d.CallTimeout == 0 {
		d.CallTimeout = 15 * time.Second
	}
}

const checks = 4

// Run executes the checks in order and returns an exit code (0=all pass, 1=any fail).
// The voice service is only contacted when credentials are present.
func Run(ctx context.Context, d Deps) int {
	d.setDefaults()
	out := d.Out

	fmt.Fprintln(out, "vonai doctor - interactive system diagnostics")
	fmt.Fprintln(out, "==============================================")

	credentials := checkConfig(out, d.Config)
	allPass := credentials
	if !checkHotkey(ctx, out, d.Hotkey, d.HotkeyTimeout) {
		allPass = false
	}
	if !checkMicrophone(ctx, out, d.Audio, d.Config, d.ListenFor) {
		allPass = false
	}
	if credentials && !checkVoice(ctx, out, d.Voice, d.Config.AssistantID, d.CallTimeout) {
		allPass = false
	}

	fmt.Fprintln(out)
	if allPass {
		fmt.Fprintln(out, "All checks passed!")
		return 0
	}
	fmt.Fprintln(out, "Some checks failed. See details above.")
	return 1
}

func header(out io.Writer, n int, title string) {
	fmt.Fprintln(out)
	fmt.Fprintf(out, "[%d/%d] %s\n", n, checks, title)
}

func checkConfig(out io.Writer, cfg *config.Config) bool {
	header(out, 1, "Configuration")
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(out, "  FAIL: %v\n", err)
		return false
	}
	fmt.Fprintf(out, "  PASS: assistant %s, service %s\n", cfg.AssistantID, cfg.BaseURL)
	return true
}

func checkHotkey(ctx context.Context, out io.Writer, hk hotkey.Hotkey, timeout time.Duration) bool {
	header(out, 2, "Hotkey detection")
	fmt.Fprintln(out, "Press Ctrl+Shift+Space...")

	if err := hk.Register(); err != nil {
		fmt.Fprintf(out, "  FAIL: could not register hotkey: %v\n", err)
		return false
	}
	defer hk.Unregister()

	select {
	case <-hk.Pressed():
		fmt.Fprintln(out, "  PASS: hotkey detected")
		// Reset terminal after hotkey - it may leave terminal in raw mode
		resetTerminal()
		return true
	case <-time.After(timeout):
		fmt.Fprintln(out, "  FAIL: timeout waiting for hotkey")
		return false
	case <-ctx.Done():
		fmt.Fprintln(out, "  FAIL: interrupted")
		return false
	}
}

func checkMicrophone(ctx context.Context, out io.Writer, actx audio.Context, cfg *config.Config, listen time.Duration) bool {
	header(out, 3, "Microphone")
	if actx == nil {
		fmt.Fprintln(out, "  FAIL: no audio backend")
		return false
	}
	devices, err := actx.Devices()
	if err != nil {
		fmt.Fprintf(out, "  FAIL: cannot list devices: %v\n", err)
		return false
	}
	if len(devices) == 0 {
		fmt.Fprintln(out, "  FAIL: no capture devices found")
		return false
	}
	name := cfg.Device
	if name == "" {
		name = "system default"
	}
	fmt.Fprintf(out, "Using device: %s (%d available)\n", name, len(devices))

	var mu sync.Mutex
	peak := sampler.Baseline
	s := sampler.New(actx, sampler.Config{
		Device:        cfg.Device,
		FFTSize:       cfg.Sampler.FFTSize,
		Gain:          cfg.Sampler.Gain,
		FrameInterval: cfg.Sampler.FrameInterval,
	}, nil, nil)
	s.OnUpdate(func(v float64) {
		mu.Lock()
		peak = max(peak, v)
		mu.Unlock()
	})

	fmt.Fprintf(out, "Speak for %s...\n", listen)
	if err := s.Start(ctx); err != nil {
		fmt.Fprintf(out, "  FAIL: %v\n", err)
		return false
	}
	select {
	case <-time.After(listen):
	case <-ctx.Done():
	}
	s.Stop()

	mu.Lock()
	defer mu.Unlock()
	if peak <= sampler.Baseline {
		fmt.Fprintln(out, "  FAIL: microphone opened but no signal was heard")
		return false
	}
	fmt.Fprintf(out, "  PASS: peak amplitude %.2f\n", peak)
	return true
}

func checkVoice(ctx context.Context, out io.Writer, client voice.Client, assistantID string, timeout time.Duration) bool {
	header(out, 4, "Voice service")

	connected := make(chan struct{}, 1)
	failed := make(chan error, 1)
	client.On(voice.EventCallStart, func(voice.Message) {
		select {
		case connected <- struct{}{}:
		default:
		}
	})
	client.On(voice.EventError, func(m voice.Message) {
		select {
		case failed <- m.Err:
		default:
		}
	})

	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := client.Start(cctx, assistantID); err != nil {
		fmt.Fprintf(out, "  FAIL: could not start a call: %v\n", err)
		return false
	}
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		_ = client.Stop(sctx)
	}()

	select {
	case <-connected:
		fmt.Fprintln(out, "  PASS: call connected")
		return true
	case err := <-failed:
		fmt.Fprintf(out, "  FAIL: service error: %v\n", err)
	case <-cctx.Done():
		fmt.Fprintln(out, "  FAIL: timeout waiting for call-start")
	}
	return false
}
