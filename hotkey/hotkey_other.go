//go:build !linux

package hotkey

import (
	"sync"

	"golang.design/x/hotkey"
)

type xHotkey struct {
	hk      *hotkey.Hotkey
	pressed chan struct{}
	stop    chan struct{}
	once    sync.Once
}

func New() Hotkey {
	return &xHotkey{
		hk:      hotkey.New([]hotkey.Modifier{hotkey.ModCtrl, hotkey.ModShift}, hotkey.KeySpace),
		pressed: make(chan struct{}, 1),
		stop:    make(chan struct{}),
	}
}

func (h *xHotkey) Register() error {
	if err := h.hk.Register(); err != nil {
		return err
	}
	go func() {
		for {
			select {
			case <-h.stop:
				return
			case <-h.hk.Keydown():
				signal(h.pressed)
			}
		}
	}()
	return nil
}

func (h *xHotkey) Unregister() {
	h.once.Do(func() {
		close(h.stop)
		h.hk.Unregister()
	})
}

func (h *xHotkey) Pressed() <-chan struct{} {
	return h.pressed
}

func Diagnose() (string, error) {
	return "hotkey support available (Ctrl+Shift+Space)", nil
}
