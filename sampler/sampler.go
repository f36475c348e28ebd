// Package sampler turns live microphone audio into a loudness value for the
// orb. One loop runs at a time and owns the capture device until Stop.
package sampler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"vonai/audio"
	"vonai/log"
	"vonai/metrics"
)

// Baseline is the amplitude reported whenever no loop is publishing.
const Baseline = 1.0

// ErrStopped is returned by Start when Stop or a newer Start superseded the
// acquisition before it finished.
var ErrStopped = errors.New("sampler: stopped during acquisition")

type Config struct {
	Device        string
	FFTSize       int
	Gain          float64
	FrameInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		FFTSize:       audio.DefaultFFTSize,
		Gain:          0.6,
		FrameInterval: 16 * time.Millisecond,
	}
}

type Sampler struct {
	audio   audio.Context
	cfg     Config
	frames  FrameScheduler
	metrics *metrics.Metrics

	// pubMu serializes publication with Stop so no update lands after Stop returns.
	pubMu sync.Mutex

	mu        sync.Mutex
	gen       uint64
	acquiring chan struct{} // closed when the latest acquisition has finished
	loop      *loop
	amplitude float64
	onUpdate  func(float64)
}

type loop struct {
	capture  audio.CaptureDevice
	analyser *audio.Analyser
	bins     []byte
	alive    bool
}

// New returns a stopped sampler. A nil frames uses a Ticker at cfg.FrameInterval.
func New(actx audio.Context, cfg Config, frames FrameScheduler, m *metrics.Metrics) *Sampler {
	def := DefaultConfig()
	if cfg.FFTSize == 0 {
		cfg.FFTSize = def.FFTSize
	}
	if cfg.FrameInterval <= 0 {
		cfg.FrameInterval = def.FrameInterval
	}
	if frames == nil {
		frames = Ticker{Interval: cfg.FrameInterval}
	}
	return &Sampler{
		audio:     actx,
		cfg:       cfg,
		frames:    frames,
		metrics:   m,
		amplitude: Baseline,
	}
}

// OnUpdate sets the observer for published amplitudes. fn runs on the frame
// goroutine and must not call Start or Stop.
func (s *Sampler) OnUpdate(fn func(float64)) {
	s.mu.Lock()
	s.onUpdate = fn
	s.mu.Unlock()
}

func (s *Sampler) Amplitude() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.amplitude
}

// Active reports whether a loop currently holds the microphone.
func (s *Sampler) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loop != nil
}

// Start acquires the microphone and begins sampling. Any previous loop is
// released first, and an earlier acquisition still in flight is waited for
// so the device is never opened twice. Microphone failures are logged and
// returned; amplitude stays at Baseline. Cancelling ctx before the
// acquisition completes releases it and returns ErrStopped.
func (s *Sampler) Start(ctx context.Context) error {
	s.mu.Lock()
	if ctx.Err() != nil {
		s.mu.Unlock()
		return ErrStopped
	}
	s.gen++
	gen := s.gen
	prev := s.acquiring
	done := make(chan struct{})
	s.acquiring = done
	old := s.loop
	s.loop = nil
	if old != nil {
		old.alive = false
	}
	s.mu.Unlock()
	if old != nil {
		s.release(old)
		s.metrics.SamplerActive(false)
	}

	if prev != nil {
		select {
		case <-prev:
		case <-ctx.Done():
			// Later acquisitions wait on done, so it must not close before prev.
			go func() {
				<-prev
				close(done)
			}()
			return ErrStopped
		}
	}
	defer close(done)

	if s.audio == nil {
		return s.unavailable(audio.ErrNoDevice)
	}
	analyser, err := audio.NewAnalyser(s.cfg.FFTSize)
	if err != nil {
		return err
	}
	capture, err := s.audio.NewCapture(audio.FindDevice(s.audio, s.cfg.Device), audio.DefaultCaptureConfig())
	if err != nil {
		return s.unavailable(err)
	}
	capture.SetCallback(func(data []byte, _ uint32) {
		analyser.Write(data)
	})
	if err := capture.Start(); err != nil {
		capture.ClearCallback()
		capture.Close()
		return s.unavailable(err)
	}

	l := &loop{
		capture:  capture,
		analyser: analyser,
		bins:     make([]byte, analyser.FrequencyBinCount()),
		alive:    true,
	}
	s.mu.Lock()
	if s.gen != gen || ctx.Err() != nil {
		s.mu.Unlock()
		s.release(l)
		return ErrStopped
	}
	s.loop = l
	s.mu.Unlock()

	s.metrics.SamplerActive(true)
	log.Debug(fmt.Sprintf("sampler started on %s (fft %d)", capture.DeviceName(), s.cfg.FFTSize))
	s.frames.RequestFrame(func() { s.tick(l) })
	return nil
}

func (s *Sampler) unavailable(err error) error {
	log.MicrophoneUnavailable(s.cfg.Device, err)
	s.metrics.Failure(metrics.FailureMicrophone)
	return fmt.Errorf("open microphone: %w", err)
}

func (s *Sampler) tick(l *loop) {
	s.pubMu.Lock()
	s.mu.Lock()
	if s.loop != l || !l.alive {
		s.mu.Unlock()
		s.pubMu.Unlock()
		return
	}
	l.analyser.ByteFrequencyData(l.bins)
	amp := Baseline + level(l.bins)*s.cfg.Gain
	s.amplitude = amp
	fn := s.onUpdate
	s.mu.Unlock()

	if fn != nil {
		fn(amp)
	}
	s.metrics.Amplitude(amp)
	s.pubMu.Unlock()

	s.frames.RequestFrame(func() { s.tick(l) })
}

// level is the mean bin magnitude scaled so 128 maps to 1.
func level(bins []byte) float64 {
	if len(bins) == 0 {
		return 0
	}
	sum := 0
	for _, b := range bins {
		sum += int(b)
	}
	return float64(sum) / float64(len(bins)) / 128
}

// Stop ends the loop, releases the microphone and publishes Baseline. It is
// safe to call at any time, any number of times.
func (s *Sampler) Stop() {
	s.pubMu.Lock()
	s.mu.Lock()
	s.gen++
	l := s.loop
	s.loop = nil
	if l != nil {
		l.alive = false
	}
	s.amplitude = Baseline
	fn := s.onUpdate
	s.mu.Unlock()
	if fn != nil {
		fn(Baseline)
	}
	s.metrics.Amplitude(Baseline)
	s.pubMu.Unlock()

	if l != nil {
		s.release(l)
		s.metrics.SamplerActive(false)
		log.Debug("sampler stopped")
	}
}

func (s *Sampler) release(l *loop) {
	l.capture.ClearCallback()
	l.capture.Stop()
	l.capture.Close()
	l.analyser.Reset()
}
