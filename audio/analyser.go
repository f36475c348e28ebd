package audio

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/dsp/window"
)

const (
	DefaultFFTSize     = 256
	DefaultSmoothing   = 0.8
	DefaultMinDecibels = -100.0
	DefaultMaxDecibels = -30.0

	minFFTSize = 32
	maxFFTSize = 32768
)

// Analyser turns the most recent FFTSize samples of a capture stream into
// byte-scaled frequency magnitudes, the way a browser AnalyserNode does:
// Blackman window, real FFT, temporal smoothing, then a dB range mapped to 0..255.
type Analyser struct {
	Smoothing   float64
	MinDecibels float64
	MaxDecibels float64

	mu       sync.Mutex
	size     int
	ring     []float64
	pos      int
	fft      *fourier.FFT
	frame    []float64
	coeffs   []complex128
	smoothed []float64
}

func NewAnalyser(fftSize int) (*Analyser, error) {
	if fftSize < minFFTSize || fftSize > maxFFTSize || fftSize&(fftSize-1) != 0 {
		return nil, fmt.Errorf("fft size %d: must be a power of two in [%d, %d]", fftSize, minFFTSize, maxFFTSize)
	}
	return &Analyser{
		Smoothing:   DefaultSmoothing,
		MinDecibels: DefaultMinDecibels,
		MaxDecibels: DefaultMaxDecibels,
		size:        fftSize,
		ring:        make([]float64, fftSize),
		fft:         fourier.NewFFT(fftSize),
		frame:       make([]float64, fftSize),
		coeffs:      make([]complex128, fftSize/2+1),
		smoothed:    make([]float64, fftSize/2),
	}, nil
}

func (a *Analyser) FFTSize() int { return a.size }

// FrequencyBinCount is half the FFT size.
func (a *Analyser) FrequencyBinCount() int { return a.size / 2 }

// Write appends S16LE mono PCM to the analysis window.
func (a *Analyser) Write(pcm []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := 0; i+1 < len(pcm); i += 2 {
		s := int16(binary.LittleEndian.Uint16(pcm[i:]))
		a.ring[a.pos] = float64(s) / 32768.0
		a.pos = (a.pos + 1) % a.size
	}
}

// ByteFrequencyData fills dst with up to FrequencyBinCount magnitudes.
func (a *Analyser) ByteFrequencyData(dst []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()

	// Unroll the ring oldest-first so the window lines up with time order.
	n := copy(a.frame, a.ring[a.pos:])
	copy(a.frame[n:], a.ring[:a.pos])
	window.Blackman(a.frame)
	a.coeffs = a.fft.Coefficients(a.coeffs, a.frame)

	scale := 255 / (a.MaxDecibels - a.MinDecibels)
	bins := min(len(dst), len(a.smoothed))
	for k := range a.smoothed {
		mag := cmplxAbs(a.coeffs[k]) / float64(a.size)
		v := a.Smoothing*a.smoothed[k] + (1-a.Smoothing)*mag
		if math.IsNaN(v) || math.IsInf(v, 0) {
			v = 0
		}
		a.smoothed[k] = v
		if k >= bins {
			continue
		}
		db := math.Inf(-1)
		if v > 0 {
			db = 20 * math.Log10(v)
		}
		b := math.Floor(scale * (db - a.MinDecibels))
		switch {
		case math.IsInf(db, -1) || b < 0:
			b = 0
		case b > 255:
			b = 255
		}
		dst[k] = byte(b)
	}
}

func cmplxAbs(c complex128) float64 {
	return math.Hypot(real(c), imag(c))
}

// Reset clears both the sample window and the smoothing history.
func (a *Analyser) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	clear(a.ring)
	clear(a.smoothed)
	a.pos = 0
}
