package audio

import (
	"encoding/binary"
	"math"
	"sync"
	"time"
)

const fakeChunkMs = 20

// Tone returns S16LE mono PCM of a sine at freq Hz. amplitude is in [0,1].
func Tone(freq, amplitude float64, durationMs int) []byte {
	n := SampleRate * durationMs / 1000
	buf := make([]byte, n*2)
	for i := 0; i < n; i++ {
		s := int16(32767 * amplitude * math.Sin(2*math.Pi*freq*float64(i)/SampleRate))
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

func Silence(durationMs int) []byte {
	return make([]byte, SampleRate*durationMs/1000*2)
}

// FakeContext is an in-memory Context. Captures it creates play a looping
// PCM clip in realtime when Live is set; otherwise tests push audio with Feed.
type FakeContext struct {
	Live bool

	mu       sync.Mutex
	clip     []byte
	devices  []DeviceInfo
	denyErr  error
	captures []*FakeCapture
	handles  int
	peak     int
}

func NewFakeContext(clip []byte) *FakeContext {
	return &FakeContext{
		clip:    clip,
		devices: []DeviceInfo{{ID: "fake-0", Name: "fake microphone"}},
	}
}

// Deny makes every following NewCapture fail with err, emulating a refused
// permission prompt or a missing device. A nil err restores access.
func (f *FakeContext) Deny(err error) {
	f.mu.Lock()
	f.denyErr = err
	f.mu.Unlock()
}

func (f *FakeContext) Devices() ([]DeviceInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]DeviceInfo(nil), f.devices...), nil
}

func (f *FakeContext) Close() {}

func (f *FakeContext) NewCapture(device *DeviceInfo, _ CaptureConfig) (CaptureDevice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.denyErr != nil {
		return nil, f.denyErr
	}
	name := "fake microphone"
	if device != nil {
		name = device.Name
	}
	c := &FakeCapture{name: name, clip: f.clip, live: f.Live, owner: f}
	f.captures = append(f.captures, c)
	f.handles++
	f.peak = max(f.peak, f.handles)
	return c, nil
}

// PeakHandles reports the most captures that were ever open (created and
// not yet closed) at the same time.
func (f *FakeContext) PeakHandles() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peak
}

func (f *FakeContext) released() {
	f.mu.Lock()
	f.handles--
	f.mu.Unlock()
}

// Captures returns every capture created so far, oldest first.
func (f *FakeContext) Captures() []*FakeCapture {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*FakeCapture(nil), f.captures...)
}

// Open reports how many captures are started and not yet stopped.
func (f *FakeContext) Open() int {
	n := 0
	for _, c := range f.Captures() {
		if c.Running() {
			n++
		}
	}
	return n
}

type FakeCapture struct {
	name  string
	clip  []byte
	live  bool
	owner *FakeContext

	mu      sync.Mutex
	cb      DataCallback
	running bool
	closed  bool
	stopCh  chan struct{}
	done    chan struct{}
}

func (c *FakeCapture) DeviceName() string { return c.name }

func (c *FakeCapture) SetCallback(cb DataCallback) {
	c.mu.Lock()
	c.cb = cb
	c.mu.Unlock()
}

func (c *FakeCapture) ClearCallback() {
	c.mu.Lock()
	c.cb = nil
	c.mu.Unlock()
}

func (c *FakeCapture) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return nil
	}
	c.running = true
	if !c.live || len(c.clip) == 0 {
		return nil
	}
	c.stopCh = make(chan struct{})
	c.done = make(chan struct{})
	go c.play(c.stopCh, c.done)
	return nil
}

func (c *FakeCapture) play(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	chunk := SampleRate * fakeChunkMs / 1000 * 2
	ticker := time.NewTicker(fakeChunkMs * time.Millisecond)
	defer ticker.Stop()
	pos := 0
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		end := min(pos+chunk, len(c.clip))
		c.Feed(c.clip[pos:end])
		pos = end
		if pos >= len(c.clip) {
			pos = 0
		}
	}
}

// Feed delivers pcm to the callback if the capture is running.
func (c *FakeCapture) Feed(pcm []byte) {
	c.mu.Lock()
	cb := c.cb
	running := c.running
	c.mu.Unlock()
	if cb == nil || !running {
		return
	}
	cb(pcm, uint32(len(pcm)/2))
}

func (c *FakeCapture) Stop() {
	c.mu.Lock()
	stop, done := c.stopCh, c.done
	c.stopCh, c.done = nil, nil
	c.running = false
	c.mu.Unlock()
	if stop != nil {
		close(stop)
		<-done
	}
}

func (c *FakeCapture) Close() {
	c.Stop()
	c.mu.Lock()
	first := !c.closed
	c.closed = true
	c.mu.Unlock()
	if first && c.owner != nil {
		c.owner.released()
	}
}

func (c *FakeCapture) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

func (c *FakeCapture) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
