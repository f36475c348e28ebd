package main

import (
	"fmt"
	"io"
	"sync"

	"vonai/call"
)

// EventSink abstracts the display layer so both the Bubble Tea TUI and the
// plain console mode receive the same call and amplitude events.
type EventSink interface {
	StateChanged(s call.State)
	Amplitude(amp float64)
	DeviceLine(text string)
}

// consoleSink prints the label on every state change. Amplitude is dropped.
type consoleSink struct {
	mu  sync.Mutex
	out io.Writer
}

func (c *consoleSink) StateChanged(s call.State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, "[%s] %s\n", s, orbLabel(s))
}

func (c *consoleSink) Amplitude(float64) {}

func (c *consoleSink) DeviceLine(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintln(c.out, text)
}
