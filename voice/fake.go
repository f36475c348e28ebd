package voice

import (
	"context"
	"sync"
)

// Fake is a scripted Client for tests. Emit delivers events synchronously on
// the caller's goroutine.
type Fake struct {
	StartErr error
	StopErr  error
	// OnStart, when set, runs inside Start before it returns. Tests use it
	// to fire call-start while Start is still in flight.
	OnStart func(f *Fake)
	// StartGate, when set, blocks Start until it is closed or ctx ends.
	StartGate chan struct{}
	// OnStop, when set, runs inside Stop before it returns.
	OnStop func(f *Fake)

	mu          sync.Mutex
	handlers    handlers
	starts      int
	stops       int
	assistantID string
}

func NewFake() *Fake {
	return &Fake{}
}

func (f *Fake) On(ev Event, fn Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers.add(ev, fn)
}

func (f *Fake) Start(ctx context.Context, assistantID string) error {
	f.mu.Lock()
	f.starts++
	f.assistantID = assistantID
	gate, hook, err := f.StartGate, f.OnStart, f.StartErr
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if hook != nil {
		hook(f)
	}
	return err
}

func (f *Fake) Stop(context.Context) error {
	f.mu.Lock()
	f.stops++
	hook, err := f.OnStop, f.StopErr
	f.mu.Unlock()

	if hook != nil {
		hook(f)
	}
	return err
}

func (f *Fake) Emit(ev Event) {
	f.EmitMessage(Message{Type: ev})
}

func (f *Fake) EmitMessage(msg Message) {
	f.mu.Lock()
	fns := f.handlers.get(msg.Type)
	f.mu.Unlock()
	for _, fn := range fns {
		fn(msg)
	}
}

func (f *Fake) Starts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts
}

func (f *Fake) Stops() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stops
}

func (f *Fake) AssistantID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.assistantID
}
