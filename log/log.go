package log

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	diagLog  zerolog.Logger
	diagFile *os.File
	logMu    sync.Mutex
	logReady bool
	pid      int
	dir      string
	level    = zerolog.InfoLevel
)

func ResolveDir(flagPath string) (string, error) {
	// Priority 1: -logpath flag
	if flagPath != "" {
		return absFromWd(flagPath)
	}

	// Priority 2: VONAI_LOG_PATH environment variable
	if envPath := os.Getenv("VONAI_LOG_PATH"); envPath != "" {
		return absFromWd(envPath)
	}

	// Priority 3: Default OS-specific location
	return getDefaultDir()
}

func absFromWd(p string) (string, error) {
	if filepath.IsAbs(p) {
		return p, nil
	}
	wd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	return filepath.Join(wd, p), nil
}

func SetDir(d string) {
	dir = d
}

func Dir() string {
	return dir
}

// SetVerbose enables debug-level records (suppressed events, every transition).
func SetVerbose(on bool) {
	if on {
		level = zerolog.DebugLevel
	} else {
		level = zerolog.InfoLevel
	}
	logMu.Lock()
	if logReady {
		diagLog = diagLog.Level(level)
	}
	logMu.Unlock()
}

func EnsureDir() error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	return nil
}

func Init() error {
	logMu.Lock()
	defer logMu.Unlock()

	if err := EnsureDir(); err != nil {
		return err
	}

	pid = os.Getpid()

	var err error
	diagPath := filepath.Join(dir, "diagnostics_log.txt")
	diagFile, err = os.OpenFile(diagPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}

	consoleWriter := zerolog.ConsoleWriter{
		Out:        diagFile,
		TimeFormat: "2006-01-02 15:04:05",
		NoColor:    true,
	}
	diagLog = zerolog.New(consoleWriter).Level(level).With().Timestamp().Int("pid", pid).Logger()

	logReady = true
	return nil
}

func Close() {
	logMu.Lock()
	defer logMu.Unlock()
	if diagFile != nil {
		diagFile.Close()
		diagFile = nil
	}
	logReady = false
}

func ready() bool {
	logMu.Lock()
	defer logMu.Unlock()
	return logReady
}

func Info(msg string) {
	if ready() {
		diagLog.Info().Msg(msg)
	}
}

func Debug(msg string) {
	if ready() {
		diagLog.Debug().Msg(msg)
	}
}

func Error(msg string) {
	if ready() {
		diagLog.Error().Msg(msg)
	}
}

func Errorf(format string, args ...any) {
	if ready() {
		diagLog.Error().Msg(fmt.Sprintf(format, args...))
	}
}

func Warn(msg string) {
	if ready() {
		diagLog.Warn().Msg(msg)
	}
}

func Warnf(format string, args ...any) {
	if ready() {
		diagLog.Warn().Msg(fmt.Sprintf(format, args...))
	}
}

func SessionStart(version, assistantID, device string) {
	if !ready() {
		return
	}
	diagLog.Info().
		Str("version", version).
		Str("assistant", assistantID).
		Str("device", device).
		Msg("session_start")
}

func SessionEnd(calls int) {
	if !ready() {
		return
	}
	diagLog.Info().
		Int("calls", calls).
		Msg("session_end")
}

func CallStart(session, assistantID string) {
	if !ready() {
		return
	}
	diagLog.Info().
		Str("session", session).
		Str("assistant", assistantID).
		Msg("call_start")
}

func CallEnd(session, reason string, dur time.Duration) {
	if !ready() {
		return
	}
	diagLog.Info().
		Str("session", session).
		Str("reason", reason).
		Float64("duration_s", dur.Seconds()).
		Msg("call_end")
}

func Transition(session, from, to, event string) {
	if !ready() {
		return
	}
	diagLog.Debug().
		Str("session", session).
		Str("from", from).
		Str("to", to).
		Str("event", event).
		Msg("transition")
}

// Suppressed records an SDK event dropped because a stop was pending or the
// event did not apply to the current state.
func Suppressed(session, event, state string) {
	if !ready() {
		return
	}
	diagLog.Debug().
		Str("session", session).
		Str("event", event).
		Str("state", state).
		Msg("event_suppressed")
}

func MicrophoneUnavailable(device string, err error) {
	if !ready() {
		return
	}
	diagLog.Warn().
		Str("device", device).
		Err(err).
		Msg("microphone_unavailable")
}
