package audio

import (
	"bytes"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// keyReader hands out one key sequence per Read, like a raw terminal.
type keyReader struct{ keys []string }

func (r *keyReader) Read(p []byte) (int, error) {
	if len(r.keys) == 0 {
		return 0, errors.New("eof")
	}
	n := copy(p, r.keys[0])
	r.keys = r.keys[1:]
	return n, nil
}

var testDevices = []DeviceInfo{{ID: "0", Name: "built-in"}, {ID: "1", Name: "usb"}, {ID: "2", Name: "headset"}}

func TestPickDeviceArrowsAndVim(t *testing.T) {
	in := &keyReader{keys: []string{"\x1b[B", "j", "k", "\r"}}
	var out bytes.Buffer
	got, err := pickDevice(in, &out, testDevices)
	require.NoError(t, err)
	assert.Equal(t, 1, got)
	assert.Contains(t, out.String(), "headset")
}

func TestPickDeviceClampsCursor(t *testing.T) {
	in := &keyReader{keys: []string{"\x1b[A", "k", "j", "j", "j", "j", "\r"}}
	got, err := pickDevice(in, &bytes.Buffer{}, testDevices)
	require.NoError(t, err)
	assert.Equal(t, len(testDevices)-1, got)
}

func TestPickDeviceAbort(t *testing.T) {
	in := &keyReader{keys: []string{"\x03"}}
	_, err := pickDevice(in, &bytes.Buffer{}, testDevices)
	assert.ErrorIs(t, err, ErrSelectionAborted)
}

func TestFindDevice(t *testing.T) {
	ctx := NewFakeContext(nil)
	assert.Nil(t, FindDevice(ctx, ""), "empty name selects the default")

	d := FindDevice(ctx, "fake microphone")
	require.NotNil(t, d)
	assert.Equal(t, "fake-0", d.ID)

	assert.Nil(t, FindDevice(ctx, "missing"), "unknown name falls back to the default")
}

func TestFakeDeny(t *testing.T) {
	ctx := NewFakeContext(nil)
	ctx.Deny(ErrPermissionDenied)
	_, err := ctx.NewCapture(nil, DefaultCaptureConfig())
	require.ErrorIs(t, err, ErrPermissionDenied)

	ctx.Deny(nil)
	_, err = ctx.NewCapture(nil, DefaultCaptureConfig())
	require.NoError(t, err)
}

func TestFakeFeedOnlyWhileRunning(t *testing.T) {
	ctx := NewFakeContext(nil)
	dev, err := ctx.NewCapture(nil, DefaultCaptureConfig())
	require.NoError(t, err)
	capture := dev.(*FakeCapture)

	var frames atomic.Uint32
	capture.SetCallback(func(_ []byte, n uint32) { frames.Add(n) })

	capture.Feed(Silence(10))
	assert.Zero(t, frames.Load(), "fed before Start")

	require.NoError(t, capture.Start())
	capture.Feed(Silence(10))
	assert.Equal(t, uint32(160), frames.Load())

	capture.Close()
	capture.Feed(Silence(10))
	assert.Equal(t, uint32(160), frames.Load())
	assert.True(t, capture.Closed())
	assert.Zero(t, ctx.Open())
}

func TestFakePeakHandles(t *testing.T) {
	ctx := NewFakeContext(nil)
	a, err := ctx.NewCapture(nil, DefaultCaptureConfig())
	require.NoError(t, err)
	b, err := ctx.NewCapture(nil, DefaultCaptureConfig())
	require.NoError(t, err)
	a.Close()
	a.Close()
	b.Close()

	c, err := ctx.NewCapture(nil, DefaultCaptureConfig())
	require.NoError(t, err)
	c.Close()
	assert.Equal(t, 2, ctx.PeakHandles())
}

func TestFakeLivePlayback(t *testing.T) {
	ctx := NewFakeContext(Tone(440, 0.5, 100))
	ctx.Live = true
	dev, err := ctx.NewCapture(nil, DefaultCaptureConfig())
	require.NoError(t, err)

	got := make(chan struct{}, 1)
	dev.SetCallback(func([]byte, uint32) {
		select {
		case got <- struct{}{}:
		default:
		}
	})
	require.NoError(t, dev.Start())
	defer dev.Close()

	select {
	case <-got:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for live audio")
	}
}
