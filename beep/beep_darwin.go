//go:build darwin

package beep

import (
	"sync"
	"sync/atomic"

	"github.com/gen2brain/malgo"
)

var (
	malgoCtx  *malgo.AllocatedContext
	device    *malgo.Device
	soundOnce sync.Once

	// read by the device callback
	current atomic.Pointer[[]byte]
	playPos atomic.Uint32
	playMu  sync.Mutex
)

func initDevice() error {
	config := malgo.DefaultDeviceConfig(malgo.Playback)
	config.Playback.Format = malgo.FormatS16
	config.Playback.Channels = 1
	config.SampleRate = sampleRate

	callbacks := malgo.DeviceCallbacks{
		Data: dataCallback,
	}

	var err error
	device, err = malgo.InitDevice(malgoCtx.Context, config, callbacks)
	return err
}

func initSound() {
	var err error
	malgoCtx, err = malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return
	}
	if err := initDevice(); err != nil {
		malgoCtx.Uninit()
		malgoCtx = nil
		return
	}
}

func dataCallback(pOutput, _ []byte, frameCount uint32) {
	samples := current.Load()
	if samples == nil || len(*samples) == 0 {
		// Silence when not playing
		for i := range pOutput {
			pOutput[i] = 0
		}
		return
	}

	pos := playPos.Load()
	total := uint32(len(*samples))
	bytesToWrite := frameCount * 2
	remaining := total - pos

	if remaining == 0 {
		current.Store(nil)
		for i := range pOutput {
			pOutput[i] = 0
		}
		return
	}

	if bytesToWrite > remaining {
		bytesToWrite = remaining
	}

	copy(pOutput[:bytesToWrite], (*samples)[pos:pos+bytesToWrite])
	playPos.Store(pos + bytesToWrite)

	// Zero-fill remainder
	for i := bytesToWrite; i < frameCount*2; i++ {
		pOutput[i] = 0
	}
}

func toBytes(mono []int16) []byte {
	buf := make([]byte, len(mono)*2)
	for i, v := range mono {
		buf[i*2] = byte(v)
		buf[i*2+1] = byte(v >> 8)
	}
	return buf
}

func playBytes(samples []byte) {
	if malgoCtx == nil || len(samples) == 0 {
		return
	}

	playMu.Lock()
	defer playMu.Unlock()

	if device == nil {
		return
	}

	// Stop device first to ensure clean state (no-op if not running)
	device.Stop()

	// Set up playback state
	playPos.Store(0)
	current.Store(&samples)

	// Start device
	if err := device.Start(); err != nil {
		// Try recreating device (handles macOS sleep/wake)
		device.Uninit()
		if err := initDevice(); err != nil {
			current.Store(nil)
			return
		}
		if err := device.Start(); err != nil {
			current.Store(nil)
			return
		}
	}
}

func Init() {
	soundOnce.Do(initSound)
}

func playSamples(mono []int16) {
	soundOnce.Do(initSound)
	playBytes(toBytes(mono))
}
