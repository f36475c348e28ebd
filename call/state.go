package call

import (
	"context"

	"github.com/looplab/fsm"
)

type State string

const (
	Idle       State = "idle"
	Connecting State = "connecting"
	Connected  State = "connected"
	Listening  State = "listening"
	Speaking   State = "speaking"
)

// States lists every state in lifecycle order.
func States() []State {
	return []State{Idle, Connecting, Connected, Listening, Speaking}
}

func (s State) String() string { return string(s) }

// Active reports whether a call is in progress or being set up.
func (s State) Active() bool { return s != Idle }

// machine events
const (
	evStart       = "start"
	evCallStart   = "call_start"
	evSpeechStart = "speech_start"
	evSpeechEnd   = "speech_end"
	evReset       = "reset"
)

func newMachine(onEnter func(from, to, event string)) *fsm.FSM {
	active := []string{Connecting.String(), Connected.String(), Listening.String(), Speaking.String()}
	return fsm.NewFSM(
		Idle.String(),
		fsm.Events{
			{Name: evStart, Src: []string{Idle.String()}, Dst: Connecting.String()},
			{Name: evCallStart, Src: []string{Connecting.String()}, Dst: Connected.String()},
			{Name: evSpeechStart, Src: []string{Connected.String(), Listening.String()}, Dst: Speaking.String()},
			{Name: evSpeechEnd, Src: []string{Connected.String(), Speaking.String()}, Dst: Listening.String()},
			{Name: evReset, Src: active, Dst: Idle.String()},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				onEnter(e.Src, e.Dst, e.Event)
			},
		},
	)
}
