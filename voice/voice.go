// Package voice is the client side of a hosted voice-assistant call. The
// service owns speech detection and audio transport; this package only starts
// and stops calls and reports lifecycle events.
package voice

import (
	"context"
	"errors"
)

type Event string

const (
	EventCallStart   Event = "call-start"
	EventSpeechStart Event = "speech-start"
	EventSpeechEnd   Event = "speech-end"
	EventCallEnd     Event = "call-end"
	EventError       Event = "error"
)

var (
	ErrNotStarted     = errors.New("voice: no active call")
	ErrAlreadyStarted = errors.New("voice: call already active")
)

// Message is delivered to handlers. Err is set only for EventError.
type Message struct {
	Type Event
	Err  error
}

type Handler func(Message)

type Client interface {
	Start(ctx context.Context, assistantID string) error
	Stop(ctx context.Context) error
	// On registers fn for ev. Handlers run on the client's delivery
	// goroutine, one at a time, in the order the service sent the events.
	On(ev Event, fn Handler)
}

// handlers is the registration table shared by client implementations.
type handlers struct {
	byEvent map[Event][]Handler
}

func (h *handlers) add(ev Event, fn Handler) {
	if h.byEvent == nil {
		h.byEvent = make(map[Event][]Handler)
	}
	h.byEvent[ev] = append(h.byEvent[ev], fn)
}

func (h *handlers) get(ev Event) []Handler {
	return append([]Handler(nil), h.byEvent[ev]...)
}
