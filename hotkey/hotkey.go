// Package hotkey delivers a global Ctrl+Shift+Space shortcut that toggles
// the call from anywhere on the desktop.
package hotkey

import (
	"context"
	"encoding/binary"
)

type Hotkey interface {
	Register() error
	Unregister()
	// Pressed fires once per press of the full chord. Auto-repeat and
	// releases do not fire.
	Pressed() <-chan struct{}
}

// Listen calls fn for every press until ctx is done.
func Listen(ctx context.Context, hk Hotkey, fn func()) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-hk.Pressed():
			fn()
		}
	}
}

// Linux key codes and event values from input-event-codes.h.
const (
	evKey          = 1
	inputEventSize = 24

	keyRelease = 0
	keyPress   = 1
	keyRepeat  = 2

	keyLCtrl  = 29
	keyRCtrl  = 97
	keyLShift = 42
	keyRShift = 54
	keySpace  = 57
)

// chord tracks modifier state across key events and reports the moment
// Space goes down while Ctrl and Shift are held.
type chord struct {
	ctrl, shift, space bool
}

func (c *chord) feed(code uint16, value int32) bool {
	if value == keyRepeat {
		return false
	}
	down := value == keyPress
	switch code {
	case keyLCtrl, keyRCtrl:
		c.ctrl = down
	case keyLShift, keyRShift:
		c.shift = down
	case keySpace:
		if down && !c.space {
			c.space = true
			return c.ctrl && c.shift
		}
		if !down {
			c.space = false
		}
	}
	return false
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// scanEvents feeds a buffer of input_event records to c and reports whether
// any of them completed the chord.
func scanEvents(c *chord, buf []byte) bool {
	hit := false
	for i := 0; i+inputEventSize <= len(buf); i += inputEventSize {
		if binary.LittleEndian.Uint16(buf[i+16:]) != evKey {
			continue
		}
		code := binary.LittleEndian.Uint16(buf[i+18:])
		value := int32(binary.LittleEndian.Uint32(buf[i+20:]))
		if c.feed(code, value) {
			hit = true
		}
	}
	return hit
}
