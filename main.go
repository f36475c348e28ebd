package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"runtime/debug"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"vonai/audio"
	"vonai/beep"
	"vonai/call"
	"vonai/config"
	"vonai/doctor"
	"vonai/hotkey"
	"vonai/log"
	"vonai/metrics"
	"vonai/sampler"
	"vonai/shutdown"
	"vonai/voice"
)

var version = "dev"

const disposeTimeout = 3 * time.Second

func samplerConfig(cfg *config.Config) sampler.Config {
	return sampler.Config{
		Device:        cfg.Device,
		FFTSize:       cfg.Sampler.FFTSize,
		Gain:          cfg.Sampler.Gain,
		FrameInterval: cfg.Sampler.FrameInterval,
	}
}

func deviceLineText(name string) string {
	if name == "" {
		name = "system default"
	}
	return "mic: " + name
}

func initCrashLog() {
	crashPath := filepath.Join(log.Dir(), "crash_log.txt")
	crashFile, err := os.OpenFile(crashPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return
	}
	fmt.Fprintf(crashFile, "\n=== Session %s [pid=%d] ===\n", time.Now().Format("2006-01-02 15:04:05"), os.Getpid())
	debug.SetCrashOutput(crashFile, debug.CrashOptions{})
}

// chimer plays a chime for the transitions the user should hear.
type chimer struct {
	mu   sync.Mutex
	prev call.State
}

func (c *chimer) observe(s call.State) {
	c.mu.Lock()
	prev := c.prev
	c.prev = s
	c.mu.Unlock()

	switch {
	case s == call.Connected:
		beep.Connected()
	case s == call.Idle && prev == call.Connecting:
		beep.Failed()
	case s == call.Idle && prev.Active():
		beep.Disconnected()
	}
}

func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(reg))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()
	log.Info("metrics listening on " + addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Errorf("metrics server: %v", err)
	}
}

func run() int {
	configFlag := flag.String("config", "", "YAML config file (values may reference ${ENV_VARS})")
	setupFlag := flag.Bool("setup", false, "Select microphone device (otherwise uses system default)")
	deviceFlag := flag.String("device", "", "Use named microphone device")
	logPathFlag := flag.String("logpath", "", "log directory path (default: OS-specific location, use ./ for current dir)")
	metricsFlag := flag.String("metrics", "", "Serve Prometheus metrics on this address (e.g., :9090)")
	verboseFlag := flag.Bool("verbose", false, "Log every transition and suppressed event")
	versionFlag := flag.Bool("version", false, "Print version and exit")
	doctorFlag := flag.Bool("doctor", false, "Run system diagnostics and exit")
	testFlag := flag.Bool("test", false, "Test mode (headless, stdin-driven, fake voice service and microphone)")
	tuiFlag := flag.Bool("tui", true, "Run with terminal UI")
	flag.Parse()

	if *versionFlag {
		fmt.Printf("vonai %s\n", version)
		return 0
	}

	if err := config.LoadEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not load env file: %v\n", err)
	}
	cfg, err := config.Load(*configFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if *deviceFlag != "" {
		cfg.Device = *deviceFlag
	}
	if *metricsFlag != "" {
		cfg.MetricsAddr = *metricsFlag
	}
	if *logPathFlag != "" {
		cfg.LogPath = *logPathFlag
	}

	// Resolve log directory early
	logPath, err := log.ResolveDir(cfg.LogPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to resolve log directory: %v\n", err)
		return 1
	}
	log.SetDir(logPath)
	log.SetVerbose(*verboseFlag)
	if err := log.Init(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not init logging: %v\n", err)
	}
	defer log.Close()
	initCrashLog()

	ctx, stop := shutdown.Context(context.Background())
	defer stop()

	if *testFlag {
		beep.Disable()
		if cfg.AssistantID == "" {
			cfg.AssistantID = "test-assistant"
		}
		env := newTestEnv(cfg)
		log.SessionStart(version, cfg.AssistantID, "fake microphone")
		err := env.runScript(ctx, os.Stdin, os.Stdout)
		log.SessionEnd(env.ctrl.Calls())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		return 0
	}

	if *doctorFlag {
		actx, err := audio.NewContext()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: audio unavailable: %v\n", err)
			actx = nil
		} else {
			defer actx.Close()
		}
		return doctor.Run(ctx, doctor.Deps{
			Config: cfg,
			Hotkey: hotkey.New(),
			Audio:  actx,
			Voice:  voice.NewWSClient(cfg.APIKey, cfg.BaseURL),
			Out:    os.Stdout,
		})
	}

	if err := cfg.Validate(); err != nil {
		if errors.Is(err, config.ErrMissingCredentials) {
			fmt.Fprintln(os.Stderr, "Error: set VONAI_API_KEY and VONAI_ASSISTANT_ID (or api_key/assistant_id in -config)")
		} else {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		return 1
	}

	// A missing audio backend only costs the orb animation.
	actx, err := audio.NewContext()
	if err != nil {
		log.MicrophoneUnavailable(cfg.Device, err)
		fmt.Fprintf(os.Stderr, "Warning: audio unavailable, orb will not react: %v\n", err)
		actx = nil
	} else {
		defer actx.Close()
	}

	if *setupFlag && cfg.Device == "" && actx != nil {
		dev, err := audio.SelectDevice(actx)
		if err != nil {
			log.Warnf("device selection failed: %v", err)
			fmt.Printf("Warning: device selection failed: %v\n", err)
			fmt.Println("Falling back to default device")
		} else if dev != nil {
			cfg.Device = dev.Name
		}
	}
	if cfg.Device != "" && actx != nil && audio.FindDevice(actx, cfg.Device) == nil {
		log.Warnf("device not found: %s", cfg.Device)
		fmt.Fprintf(os.Stderr, "Warning: device %q not found, using system default\n", cfg.Device)
		cfg.Device = ""
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)
	if cfg.MetricsAddr != "" {
		go serveMetrics(ctx, cfg.MetricsAddr, reg)
	}

	client := voice.NewWSClient(cfg.APIKey, cfg.BaseURL)
	s := sampler.New(actx, samplerConfig(cfg), nil, m)
	ctrl := call.New(client, cfg.AssistantID, s, call.WithMetrics(m))

	var sink EventSink = &consoleSink{out: os.Stdout}
	if *tuiFlag {
		sink = tuiSink{}
	}
	chimes := &chimer{prev: call.Idle}
	ctrl.OnChange(func(st call.State) {
		sink.StateChanged(st)
		chimes.observe(st)
	})
	s.OnUpdate(sink.Amplitude)

	go beep.Init()

	hk := hotkey.New()
	if err := hk.Register(); err != nil {
		log.Warnf("hotkey register error: %v", err)
		if !*tuiFlag {
			fmt.Fprintf(os.Stderr, "Error registering hotkey: %v\n", err)
			return 1
		}
	} else {
		defer hk.Unregister()
		go hotkey.Listen(ctx, hk, func() {
			log.Debug("hotkey_toggle")
			go ctrl.Toggle(ctx)
		})
	}

	log.SessionStart(version, cfg.AssistantID, deviceLineText(cfg.Device))

	if *tuiFlag {
		tuiMu.Lock()
		tuiProgram = NewTUIProgram(ctx, ctrl, cfg.Orb)
		tuiMu.Unlock()
		go sink.DeviceLine(deviceLineText(cfg.Device))
		go func() {
			<-ctx.Done()
			tuiProgram.Quit()
		}()
		if _, err := tuiProgram.Run(); err != nil {
			log.Errorf("TUI error: %v", err)
		}
	} else {
		sink.DeviceLine(deviceLineText(cfg.Device))
		sink.StateChanged(call.Idle)
		fmt.Println("Ctrl+Shift+Space toggles the call, Ctrl+C quits")
		<-ctx.Done()
	}

	dctx, cancel := context.WithTimeout(context.Background(), disposeTimeout)
	defer cancel()
	ctrl.Dispose(dctx)
	log.SessionEnd(ctrl.Calls())
	return 0
}
