// Package beep plays short chimes on call transitions: rising when a call
// connects, falling when it ends, and a low double beep when it fails to start.
package beep

import (
	"math"
	"sync/atomic"
)

var disabled atomic.Bool

func Disable() { disabled.Store(true) }

const (
	sampleRate = 44100

	lowFreq  = 660
	highFreq = 990
	noteDur  = 0.07
	volume   = 0.45
	decay    = 35

	errorFreq   = 350
	errorDur    = 0.08
	errorGap    = 0.05
	errorVolume = 0.6
	errorDecay  = 30
)

// tone renders a decaying sine as mono S16 samples.
func tone(freq, duration, vol, decay float64) []int16 {
	n := int(sampleRate * duration)
	out := make([]int16, n)
	for i := range out {
		t := float64(i) / sampleRate
		env := math.Exp(-t * decay)
		out[i] = int16(math.Sin(2*math.Pi*freq*t) * 32767 * vol * env)
	}
	return out
}

func sequence(parts ...[]int16) []int16 {
	var out []int16
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func connectChime() []int16 {
	return sequence(tone(lowFreq, noteDur, volume, decay), tone(highFreq, noteDur*1.5, volume, decay))
}

func disconnectChime() []int16 {
	return sequence(tone(highFreq, noteDur, volume, decay), tone(lowFreq, noteDur*1.5, volume, decay))
}

func errorChime() []int16 {
	b := tone(errorFreq, errorDur, errorVolume, errorDecay)
	gap := make([]int16, int(sampleRate*errorGap))
	return sequence(b, gap, b)
}

// Connected, Disconnected and Failed return immediately; playback is async.
func Connected()    { play(connectChime) }
func Disconnected() { play(disconnectChime) }
func Failed()       { play(errorChime) }

func play(gen func() []int16) {
	if disabled.Load() {
		return
	}
	go playSamples(gen())
}
