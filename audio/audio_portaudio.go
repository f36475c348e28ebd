//go:build portaudio

package audio

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/gordonklaus/portaudio"
)

const portaudioFramesPerBuffer = 512

type portaudioContext struct{}

func NewContext() (Context, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("initializing portaudio: %w", err)
	}
	return &portaudioContext{}, nil
}

func (p *portaudioContext) Devices() ([]DeviceInfo, error) {
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("portaudio devices: %w", err)
	}
	var result []DeviceInfo
	for i, d := range devices {
		if d.MaxInputChannels < 1 {
			continue
		}
		result = append(result, DeviceInfo{ID: strconv.Itoa(i), Name: d.Name})
	}
	return result, nil
}

func (p *portaudioContext) NewCapture(device *DeviceInfo, config CaptureConfig) (CaptureDevice, error) {
	var dev *portaudio.DeviceInfo
	if device != nil {
		devices, err := portaudio.Devices()
		if err != nil {
			return nil, fmt.Errorf("portaudio devices: %w", err)
		}
		idx, err := strconv.Atoi(device.ID)
		if err != nil || idx < 0 || idx >= len(devices) {
			return nil, fmt.Errorf("portaudio device %q: %w", device.Name, ErrNoDevice)
		}
		dev = devices[idx]
	} else {
		d, err := portaudio.DefaultInputDevice()
		if err != nil {
			return nil, fmt.Errorf("portaudio default input: %w", ErrNoDevice)
		}
		dev = d
	}
	return &portaudioCapture{info: device, device: dev, config: config}, nil
}

func (p *portaudioContext) Close() {
	portaudio.Terminate()
}

type portaudioCapture struct {
	info     *DeviceInfo
	device   *portaudio.DeviceInfo
	config   CaptureConfig
	callback atomic.Pointer[DataCallback]

	mu     sync.Mutex
	stream *portaudio.Stream
}

func (c *portaudioCapture) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stream != nil {
		return nil
	}

	params := portaudio.LowLatencyParameters(c.device, nil)
	params.Input.Channels = int(c.config.Channels)
	params.SampleRate = float64(c.config.SampleRate)
	params.FramesPerBuffer = portaudioFramesPerBuffer

	stream, err := portaudio.OpenStream(params, func(in []int16) {
		cb := c.callback.Load()
		if cb == nil {
			return
		}
		data := make([]byte, len(in)*2)
		for i, s := range in {
			binary.LittleEndian.PutUint16(data[i*2:], uint16(s))
		}
		(*cb)(data, uint32(len(in))/c.config.Channels)
	})
	if err != nil {
		return fmt.Errorf("opening stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		return fmt.Errorf("starting stream: %w", err)
	}
	c.stream = stream
	return nil
}

func (c *portaudioCapture) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stream == nil {
		return
	}
	c.stream.Stop()
	c.stream.Close()
	c.stream = nil
}

func (c *portaudioCapture) Close() {
	c.Stop()
}

func (c *portaudioCapture) SetCallback(cb DataCallback) {
	c.callback.Store(&cb)
}

func (c *portaudioCapture) ClearCallback() {
	c.callback.Store(nil)
}

func (c *portaudioCapture) DeviceName() string {
	if c.info != nil {
		return c.info.Name
	}
	return c.device.Name
}
