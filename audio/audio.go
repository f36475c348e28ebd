package audio

import "errors"

const (
	SampleRate = 16000
	Channels   = 1
)

var (
	// ErrPermissionDenied is returned when the platform refuses microphone access.
	ErrPermissionDenied = errors.New("audio: microphone permission denied")
	// ErrNoDevice is returned when no capture device is available.
	ErrNoDevice = errors.New("audio: no capture device")
)

// DataCallback receives S16LE PCM. data is only valid for the duration of the call.
type DataCallback func(data []byte, frameCount uint32)

type CaptureConfig struct {
	SampleRate uint32
	Channels   uint32
}

func DefaultCaptureConfig() CaptureConfig {
	return CaptureConfig{SampleRate: SampleRate, Channels: Channels}
}

type DeviceInfo struct {
	ID   string // opaque platform-specific identifier
	Name string
}

type Context interface {
	Devices() ([]DeviceInfo, error)
	NewCapture(device *DeviceInfo, config CaptureConfig) (CaptureDevice, error)
	Close()
}

type CaptureDevice interface {
	Start() error
	Stop()
	Close()
	SetCallback(cb DataCallback)
	ClearCallback()
	DeviceName() string
}

// FindDevice returns the device with the given name, or nil when name is
// empty or unknown (the platform default is used in that case).
func FindDevice(ctx Context, name string) *DeviceInfo {
	if name == "" {
		return nil
	}
	devices, err := ctx.Devices()
	if err != nil {
		return nil
	}
	for i := range devices {
		if devices[i].Name == name {
			return &devices[i]
		}
	}
	return nil
}
