// Package call drives a voice-assistant call through its lifecycle and keeps
// a single authoritative state for the UI. Events from the voice service that
// arrive after a stop was requested are dropped.
package call

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/looplab/fsm"

	"vonai/log"
	"vonai/metrics"
	"vonai/voice"
)

const defaultStopTimeout = 5 * time.Second

// Sampler is the microphone loudness source started once a call connects.
type Sampler interface {
	Start(ctx context.Context) error
	Stop()
	Amplitude() float64
}

type Option func(*Controller)

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithStopTimeout bounds how long a user stop waits on the voice service
// before resetting anyway.
func WithStopTimeout(d time.Duration) Option {
	return func(c *Controller) { c.stopTimeout = d }
}

type Controller struct {
	client      voice.Client
	assistantID string
	sampler     Sampler
	metrics     *metrics.Metrics
	stopTimeout time.Duration

	mu             sync.Mutex
	machine        *fsm.FSM
	stopRequested  bool
	disposed       bool
	session        string
	since          time.Time
	calls          int
	cancelSampling context.CancelFunc
	observers      []func(State)
	pending        []State
	flushing       bool
}

// New returns an idle controller. A nil client leaves Toggle as a no-op
// until the application supplies one; a nil sampler disables amplitude.
func New(client voice.Client, assistantID string, sampler Sampler, opts ...Option) *Controller {
	c := &Controller{
		client:      client,
		assistantID: assistantID,
		sampler:     sampler,
		stopTimeout: defaultStopTimeout,
	}
	if c.sampler == nil {
		c.sampler = idleSampler{}
	}
	for _, opt := range opts {
		opt(c)
	}
	c.machine = newMachine(c.entered)

	if client != nil {
		client.On(voice.EventCallStart, func(voice.Message) { c.onCallStart() })
		client.On(voice.EventSpeechStart, func(voice.Message) { c.onSpeech(voice.EventSpeechStart, evSpeechStart) })
		client.On(voice.EventSpeechEnd, func(voice.Message) { c.onSpeech(voice.EventSpeechEnd, evSpeechEnd) })
		client.On(voice.EventCallEnd, func(voice.Message) { c.onEnd(voice.EventCallEnd, nil) })
		client.On(voice.EventError, func(m voice.Message) { c.onEnd(voice.EventError, m.Err) })
	}
	return c
}

// entered runs inside machine.Event with c.mu held.
func (c *Controller) entered(from, to, event string) {
	log.Transition(c.session, from, to, event)
	c.metrics.Transition(from, to)
}

// OnChange registers fn to be called after every state change. Changes are
// delivered one at a time in the order they happened. fn may call back into
// the controller; changes it causes are delivered after it returns.
func (c *Controller) OnChange(fn func(State)) {
	c.mu.Lock()
	c.observers = append(c.observers, fn)
	c.mu.Unlock()
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current()
}

func (c *Controller) current() State {
	return State(c.machine.Current())
}

// Amplitude is the sampler's loudness while a call is active and 1.0 otherwise.
func (c *Controller) Amplitude() float64 {
	if !c.State().Active() {
		return 1.0
	}
	return c.sampler.Amplitude()
}

// StopRequested reports whether a stop is in progress. It is cleared once
// the call is back in idle.
func (c *Controller) StopRequested() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopRequested
}

// SessionID identifies the most recent call attempt. Empty before the first.
func (c *Controller) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Calls counts call attempts since construction.
func (c *Controller) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// Toggle starts a call from idle and stops it from any other state. It
// blocks while the voice service is contacted. Failures are logged and end
// in idle; nothing is returned to the caller.
func (c *Controller) Toggle(ctx context.Context) {
	if c.client == nil {
		return
	}
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	if c.current() == Idle {
		c.start(ctx)
		return
	}
	c.stopRequested = true
	session := c.session
	c.mu.Unlock()

	sctx, cancel := context.WithTimeout(ctx, c.stopTimeout)
	defer cancel()
	if err := c.client.Stop(sctx); err != nil {
		log.Warnf("call stop failed: %v", err)
		c.metrics.Failure(metrics.FailureStop)
	}
	c.reset(session, "user_stop")
}

// start is entered with c.mu held and releases it.
func (c *Controller) start(ctx context.Context) {
	c.stopRequested = false
	session := uuid.NewString()
	c.session = session
	c.since = time.Now()
	c.calls++
	err := c.machine.Event(context.Background(), evStart)
	if err == nil {
		c.pending = append(c.pending, Connecting)
	}
	c.mu.Unlock()
	if err != nil {
		log.Errorf("call start transition: %v", err)
		return
	}
	c.flush()

	log.CallStart(session, c.assistantID)
	c.metrics.CallStarted()
	if err := c.client.Start(ctx, c.assistantID); err != nil {
		log.Errorf("call start failed: %v", err)
		c.metrics.Failure(metrics.FailureStart)
		c.reset(session, "start_failed")
		return
	}

	// A stop or reset may have won the race while Start was in flight; the
	// service side of this call is then orphaned and must be stopped.
	c.mu.Lock()
	orphaned := c.session != session || c.current() == Idle
	c.mu.Unlock()
	if orphaned {
		sctx, cancel := context.WithTimeout(context.Background(), c.stopTimeout)
		defer cancel()
		if err := c.client.Stop(sctx); err != nil {
			log.Debug(fmt.Sprintf("stop orphaned call %s: %v", session, err))
		}
	}
}

// Dispose tears the controller down: sampling ends, the voice service is
// asked to stop whatever the state, and later toggles and events are
// ignored. Safe to call repeatedly.
func (c *Controller) Dispose(ctx context.Context) {
	c.mu.Lock()
	c.disposed = true
	c.stopRequested = true
	session := c.session
	c.mu.Unlock()

	if c.client != nil {
		sctx, cancel := context.WithTimeout(ctx, c.stopTimeout)
		if err := c.client.Stop(sctx); err != nil {
			log.Debug(fmt.Sprintf("dispose stop: %v", err))
		}
		cancel()
	}
	c.reset(session, "dispose")
}

// reset returns session to idle and stops sampling. A reset for a session
// other than the current one is ignored.
func (c *Controller) reset(session, reason string) {
	c.mu.Lock()
	if session != c.session {
		c.mu.Unlock()
		return
	}
	c.stopRequested = true
	if c.cancelSampling != nil {
		c.cancelSampling()
		c.cancelSampling = nil
	}
	c.sampler.Stop()

	from := c.current()
	if from == Idle {
		c.stopRequested = false
		c.mu.Unlock()
		return
	}
	err := c.machine.Event(context.Background(), evReset)
	dur := time.Since(c.since)
	if err == nil {
		c.stopRequested = false
		c.pending = append(c.pending, Idle)
	}
	c.mu.Unlock()
	if err != nil {
		log.Errorf("call reset transition from %s: %v", from, err)
		return
	}

	log.CallEnd(session, reason, dur)
	c.metrics.CallEnded(dur)
	c.flush()
}

func (c *Controller) onCallStart() {
	c.mu.Lock()
	if c.suppressed(voice.EventCallStart, evCallStart) {
		c.mu.Unlock()
		return
	}
	if err := c.machine.Event(context.Background(), evCallStart); err != nil {
		c.mu.Unlock()
		log.Errorf("call_start transition: %v", err)
		return
	}
	sctx, cancel := context.WithCancel(context.Background())
	c.cancelSampling = cancel
	c.pending = append(c.pending, Connected)
	c.mu.Unlock()

	// Microphone failures are logged by the sampler and leave amplitude at rest.
	go func() { _ = c.sampler.Start(sctx) }()
	c.flush()
}

func (c *Controller) onSpeech(ev voice.Event, event string) {
	c.mu.Lock()
	if c.suppressed(ev, event) {
		c.mu.Unlock()
		return
	}
	if err := c.machine.Event(context.Background(), event); err != nil {
		c.mu.Unlock()
		log.Errorf("%s transition: %v", event, err)
		return
	}
	c.pending = append(c.pending, c.current())
	c.mu.Unlock()
	c.flush()
}

func (c *Controller) onEnd(ev voice.Event, cause error) {
	c.mu.Lock()
	if c.suppressed(ev, evReset) {
		c.mu.Unlock()
		return
	}
	c.stopRequested = true
	session := c.session
	c.mu.Unlock()

	reason := "remote_end"
	if ev == voice.EventError {
		reason = "error"
		log.Warnf("voice service error: %v", cause)
	}
	c.reset(session, reason)
}

// suppressed reports whether an event from the service must be dropped,
// either because a stop is pending or because it does not apply to the
// current state. Called with c.mu held.
func (c *Controller) suppressed(ev voice.Event, event string) bool {
	if !c.stopRequested && c.machine.Can(event) {
		return false
	}
	log.Suppressed(c.session, string(ev), c.current().String())
	c.metrics.Suppressed(string(ev))
	return true
}

// flush delivers queued state changes to observers. Only one goroutine
// delivers at a time; a caller that finds delivery in progress leaves its
// changes to that goroutine, so observers never see two changes out of order.
func (c *Controller) flush() {
	c.mu.Lock()
	if c.flushing {
		c.mu.Unlock()
		return
	}
	c.flushing = true
	for len(c.pending) > 0 {
		s := c.pending[0]
		c.pending = c.pending[1:]
		obs := slices.Clone(c.observers)
		c.mu.Unlock()
		for _, fn := range obs {
			fn(s)
		}
		c.mu.Lock()
	}
	c.flushing = false
	c.mu.Unlock()
}

type idleSampler struct{}

func (idleSampler) Start(context.Context) error { return nil }
func (idleSampler) Stop()                       {}
func (idleSampler) Amplitude() float64          { return 1.0 }
