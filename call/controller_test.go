package call

import (
	"context"
	"errors"
	"math/rand"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vonai/audio"
	"vonai/metrics"
	"vonai/sampler"
	"vonai/voice"
)

// trackedSampler reports every Start result so tests can wait for the
// goroutine the controller starts sampling on.
type trackedSampler struct {
	*sampler.Sampler
	started chan error
}

func (t *trackedSampler) Start(ctx context.Context) error {
	err := t.Sampler.Start(ctx)
	t.started <- err
	return err
}

type harness struct {
	ctrl    *Controller
	client  *voice.Fake
	mic     *audio.FakeContext
	frames  *sampler.Manual
	sampler *trackedSampler

	mu      sync.Mutex
	states  []State
	updates int
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mic := audio.NewFakeContext(nil)
	return newHarnessWith(t, mic, mic)
}

// newHarnessWith samples from actx, which wraps mic.
func newHarnessWith(t *testing.T, mic *audio.FakeContext, actx audio.Context) *harness {
	t.Helper()
	h := &harness{
		client: voice.NewFake(),
		mic:    mic,
		frames: &sampler.Manual{},
	}
	m := metrics.New(prometheus.NewRegistry())
	s := sampler.New(actx, sampler.DefaultConfig(), h.frames, m)
	s.OnUpdate(func(float64) {
		h.mu.Lock()
		h.updates++
		h.mu.Unlock()
	})
	h.sampler = &trackedSampler{Sampler: s, started: make(chan error, 1024)}
	h.ctrl = New(h.client, "asst-1", h.sampler, WithMetrics(m), WithStopTimeout(time.Second))
	h.ctrl.OnChange(func(st State) {
		h.mu.Lock()
		h.states = append(h.states, st)
		h.mu.Unlock()
	})
	return h
}

func (h *harness) seen() []State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]State(nil), h.states...)
}

func (h *harness) updateCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.updates
}

func (h *harness) waitSampler(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.sampler.started:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("sampler was never started")
		return nil
	}
}

func (h *harness) connect(t *testing.T) {
	t.Helper()
	h.ctrl.Toggle(context.Background())
	require.Equal(t, Connecting, h.ctrl.State())
	h.client.Emit(voice.EventCallStart)
	require.Equal(t, Connected, h.ctrl.State())
}

func TestToggleFromIdleStartsCall(t *testing.T) {
	h := newHarness(t)

	h.ctrl.Toggle(context.Background())

	assert.Equal(t, Connecting, h.ctrl.State())
	assert.False(t, h.ctrl.StopRequested())
	assert.Equal(t, 1, h.client.Starts())
	assert.Equal(t, "asst-1", h.client.AssistantID())
	assert.NotEmpty(t, h.ctrl.SessionID())
	assert.Equal(t, 1, h.ctrl.Calls())

	h.client.Emit(voice.EventCallStart)
	assert.Equal(t, Connected, h.ctrl.State())
	require.NoError(t, h.waitSampler(t))
	assert.True(t, h.sampler.Active())
}

func TestFullCallScenario(t *testing.T) {
	h := newHarness(t)
	h.connect(t)
	require.NoError(t, h.waitSampler(t))

	h.client.Emit(voice.EventSpeechStart)
	assert.Equal(t, Speaking, h.ctrl.State())
	h.client.Emit(voice.EventSpeechEnd)
	assert.Equal(t, Listening, h.ctrl.State())

	capture := h.mic.Captures()[0]
	for i := 0; i < 5; i++ {
		capture.Feed(audio.Tone(1000, 0.5, 20))
		h.frames.Step()
	}
	assert.Greater(t, h.ctrl.Amplitude(), 1.0)

	h.ctrl.Toggle(context.Background())
	assert.Equal(t, Idle, h.ctrl.State())
	assert.False(t, h.ctrl.StopRequested())
	assert.Equal(t, 1.0, h.ctrl.Amplitude())
	assert.Equal(t, 1.0, h.sampler.Amplitude())
	assert.Equal(t, 1, h.client.Stops())

	// A frame queued before the stop fires afterwards and must not publish.
	updates := h.updateCount()
	capture.Feed(audio.Tone(1000, 0.5, 20))
	h.frames.Step()
	assert.Equal(t, updates, h.updateCount())
	assert.Equal(t, 1.0, h.sampler.Amplitude())
	assert.Equal(t, 0, h.mic.Open())

	assert.Equal(t, []State{Connecting, Connected, Speaking, Listening, Idle}, h.seen())
}

func TestStartRejected(t *testing.T) {
	h := newHarness(t)
	h.client.StartErr = errors.New("assistant unreachable")

	h.ctrl.Toggle(context.Background())

	assert.Equal(t, Idle, h.ctrl.State())
	assert.Equal(t, []State{Connecting, Idle}, h.seen())
	assert.Empty(t, h.mic.Captures())
	assert.Empty(t, h.sampler.started)
	assert.Equal(t, 1.0, h.ctrl.Amplitude())
}

func TestMicrophoneDeniedCallProceeds(t *testing.T) {
	h := newHarness(t)
	h.mic.Deny(audio.ErrPermissionDenied)

	h.connect(t)
	assert.ErrorIs(t, h.waitSampler(t), audio.ErrPermissionDenied)
	assert.Equal(t, 1.0, h.ctrl.Amplitude())

	h.client.Emit(voice.EventSpeechStart)
	assert.Equal(t, Speaking, h.ctrl.State())
	assert.Equal(t, 1.0, h.ctrl.Amplitude())

	h.client.Emit(voice.EventSpeechEnd)
	assert.Equal(t, Listening, h.ctrl.State())
	assert.Equal(t, 0, h.frames.Step())
	assert.Equal(t, 1.0, h.ctrl.Amplitude())
	assert.Equal(t, 0, h.updateCount())
}

func TestStopFailureStillResets(t *testing.T) {
	h := newHarness(t)
	h.client.StopErr = errors.New("socket gone")
	h.connect(t)
	require.NoError(t, h.waitSampler(t))

	h.ctrl.Toggle(context.Background())

	assert.Equal(t, Idle, h.ctrl.State())
	assert.Equal(t, 1.0, h.ctrl.Amplitude())
	assert.False(t, h.sampler.Active())
}

func TestEventsDuringStopAreIgnored(t *testing.T) {
	h := newHarness(t)
	h.connect(t)
	require.NoError(t, h.waitSampler(t))

	var during []State
	h.client.OnStop = func(f *voice.Fake) {
		f.Emit(voice.EventSpeechStart)
		during = append(during, h.ctrl.State())
		f.Emit(voice.EventSpeechEnd)
		during = append(during, h.ctrl.State())
		f.Emit(voice.EventCallStart)
		during = append(during, h.ctrl.State())
		assert.True(t, h.ctrl.StopRequested())
	}

	h.ctrl.Toggle(context.Background())

	assert.Equal(t, []State{Connected, Connected, Connected}, during)
	assert.Equal(t, Idle, h.ctrl.State())
}

func TestLateEventsAfterResetAreIgnored(t *testing.T) {
	h := newHarness(t)
	h.ctrl.Toggle(context.Background())
	h.ctrl.Toggle(context.Background())
	require.Equal(t, Idle, h.ctrl.State())

	h.client.Emit(voice.EventCallStart)
	h.client.Emit(voice.EventSpeechStart)
	h.client.Emit(voice.EventCallEnd)

	assert.Equal(t, Idle, h.ctrl.State())
	assert.Empty(t, h.sampler.started)
	assert.Equal(t, []State{Connecting, Idle}, h.seen())
}

func TestEventsOutOfOrderAreIgnored(t *testing.T) {
	h := newHarness(t)
	h.ctrl.Toggle(context.Background())

	h.client.Emit(voice.EventSpeechStart)
	h.client.Emit(voice.EventSpeechEnd)
	assert.Equal(t, Connecting, h.ctrl.State())

	h.client.Emit(voice.EventCallStart)
	require.NoError(t, h.waitSampler(t))
	h.client.Emit(voice.EventCallStart)
	assert.Equal(t, Connected, h.ctrl.State())
	assert.Empty(t, h.sampler.started)
}

func TestRemoteEndAndErrorReset(t *testing.T) {
	for _, ev := range []voice.Event{voice.EventCallEnd, voice.EventError} {
		t.Run(string(ev), func(t *testing.T) {
			h := newHarness(t)
			h.connect(t)
			require.NoError(t, h.waitSampler(t))
			h.client.Emit(voice.EventSpeechEnd)

			h.client.EmitMessage(voice.Message{Type: ev, Err: errors.New("boom")})

			assert.Equal(t, Idle, h.ctrl.State())
			assert.False(t, h.ctrl.StopRequested())
			assert.False(t, h.sampler.Active())
			assert.Equal(t, 0, h.client.Stops())
		})
	}
}

func TestStopRequestedClearedBackInIdle(t *testing.T) {
	h := newHarness(t)
	h.connect(t)
	require.NoError(t, h.waitSampler(t))
	first := h.ctrl.SessionID()

	var during bool
	h.client.OnStop = func(*voice.Fake) { during = h.ctrl.StopRequested() }
	h.ctrl.Toggle(context.Background())
	require.True(t, during)
	require.Equal(t, Idle, h.ctrl.State())
	require.False(t, h.ctrl.StopRequested())
	h.client.OnStop = nil

	// Events from the finished call are still rejected in idle.
	h.client.Emit(voice.EventCallStart)
	h.client.Emit(voice.EventSpeechStart)
	require.Equal(t, Idle, h.ctrl.State())

	h.connect(t)
	require.NoError(t, h.waitSampler(t))

	assert.False(t, h.ctrl.StopRequested())
	assert.NotEqual(t, first, h.ctrl.SessionID())
	assert.Equal(t, 1, h.mic.Open())
	assert.Equal(t, 2, h.ctrl.Calls())
}

func TestObserversSeeChangesInOrder(t *testing.T) {
	h := newHarness(t)

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	var last atomic.Value
	h.ctrl.OnChange(func(st State) {
		if st == Connected {
			once.Do(func() {
				close(entered)
				<-release
			})
		}
		last.Store(st)
	})

	h.ctrl.Toggle(context.Background())
	emitted := make(chan struct{})
	go func() {
		h.client.Emit(voice.EventCallStart)
		close(emitted)
	}()
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("observer never saw connected")
	}

	// The stop lands while connected is still being delivered.
	h.ctrl.Toggle(context.Background())
	require.Equal(t, Idle, h.ctrl.State())

	close(release)
	<-emitted
	assert.Equal(t, Idle, last.Load())
	assert.Equal(t, []State{Connecting, Connected, Idle}, h.seen())
}

// slowMic holds the first microphone open until gate is closed.
type slowMic struct {
	*audio.FakeContext
	entered chan struct{}
	gate    chan struct{}
	calls   atomic.Int32
}

func (m *slowMic) NewCapture(d *audio.DeviceInfo, cfg audio.CaptureConfig) (audio.CaptureDevice, error) {
	if m.calls.Add(1) == 1 {
		close(m.entered)
		<-m.gate
	}
	return m.FakeContext.NewCapture(d, cfg)
}

func TestNextCallWaitsForAbandonedMicrophone(t *testing.T) {
	mic := audio.NewFakeContext(nil)
	slow := &slowMic{FakeContext: mic, entered: make(chan struct{}), gate: make(chan struct{})}
	h := newHarnessWith(t, mic, slow)

	h.connect(t)
	select {
	case <-slow.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("microphone was never requested")
	}
	h.ctrl.Toggle(context.Background())
	require.Equal(t, Idle, h.ctrl.State())

	h.connect(t)
	select {
	case err := <-h.sampler.started:
		t.Fatalf("second call sampled before the first released the microphone: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, int32(1), slow.calls.Load())

	close(slow.gate)
	errs := []error{h.waitSampler(t), h.waitSampler(t)}
	assert.ElementsMatch(t, []error{sampler.ErrStopped, nil}, errs)
	assert.Equal(t, Connected, h.ctrl.State())
	assert.True(t, h.sampler.Active())
	assert.Equal(t, 1, mic.PeakHandles())
	assert.Equal(t, 1, mic.Open())
}

func TestStopWhileConnectingStopsOrphan(t *testing.T) {
	h := newHarness(t)
	gate := make(chan struct{})
	h.client.StartGate = gate

	done := make(chan struct{})
	go func() {
		h.ctrl.Toggle(context.Background())
		close(done)
	}()
	require.Eventually(t, func() bool { return h.client.Starts() == 1 }, time.Second, time.Millisecond)

	h.ctrl.Toggle(context.Background())
	require.Equal(t, Idle, h.ctrl.State())
	require.Equal(t, 1, h.client.Stops())

	close(gate)
	<-done
	assert.Equal(t, Idle, h.ctrl.State())
	assert.Equal(t, 2, h.client.Stops())
}

func TestLateStartFailureKeepsNewerCall(t *testing.T) {
	h := newHarness(t)
	gate := make(chan struct{})
	h.client.StartGate = gate
	h.client.StartErr = errors.New("timeout")

	done := make(chan struct{})
	go func() {
		h.ctrl.Toggle(context.Background())
		close(done)
	}()
	require.Eventually(t, func() bool { return h.client.Starts() == 1 }, time.Second, time.Millisecond)
	h.ctrl.Toggle(context.Background())
	require.Equal(t, Idle, h.ctrl.State())

	// The next attempt succeeds immediately while the first is still pending.
	h.client.StartGate = nil
	h.client.StartErr = nil
	h.connect(t)
	require.NoError(t, h.waitSampler(t))

	close(gate)
	<-done
	assert.Equal(t, Connected, h.ctrl.State())
	assert.True(t, h.sampler.Active())
}

func TestDispose(t *testing.T) {
	t.Run("idle", func(t *testing.T) {
		h := newHarness(t)
		h.ctrl.Dispose(context.Background())
		h.ctrl.Dispose(context.Background())

		assert.Equal(t, Idle, h.ctrl.State())
		assert.Equal(t, 2, h.client.Stops())
		assert.Equal(t, 1.0, h.ctrl.Amplitude())
		assert.Empty(t, h.seen())
	})

	t.Run("active", func(t *testing.T) {
		h := newHarness(t)
		h.connect(t)
		require.NoError(t, h.waitSampler(t))
		h.client.Emit(voice.EventSpeechStart)

		h.ctrl.Dispose(context.Background())

		assert.Equal(t, Idle, h.ctrl.State())
		assert.False(t, h.sampler.Active())
		assert.Equal(t, 0, h.mic.Open())
		assert.Equal(t, 1, h.client.Stops())

		h.ctrl.Toggle(context.Background())
		h.client.Emit(voice.EventCallStart)
		assert.Equal(t, Idle, h.ctrl.State())
		assert.Equal(t, 1, h.client.Starts())
	})
}

func TestNilClientToggleIsNoop(t *testing.T) {
	c := New(nil, "asst-1", nil)
	c.Toggle(context.Background())
	assert.Equal(t, Idle, c.State())
	assert.Empty(t, c.SessionID())
	c.Dispose(context.Background())
	c.Dispose(context.Background())
}

func TestRandomSequencesStayInKnownStates(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	events := []voice.Event{
		voice.EventCallStart, voice.EventSpeechStart, voice.EventSpeechEnd,
		voice.EventCallEnd, voice.EventError,
	}
	h := newHarness(t)
	for i := 0; i < 500; i++ {
		switch n := rng.Intn(len(events) + 2); {
		case n >= len(events):
			h.client.StartErr = nil
			if n == len(events)+1 {
				h.client.StartErr = errors.New("flaky")
			}
			h.ctrl.Toggle(context.Background())
		default:
			h.client.Emit(events[n])
		}
		st := h.ctrl.State()
		require.True(t, slices.Contains(States(), st), "unknown state %q", st)
		if st == Idle {
			require.Equal(t, 1.0, h.ctrl.Amplitude())
		}
	}
	h.ctrl.Dispose(context.Background())
	require.Eventually(t, func() bool { return h.mic.Open() == 0 }, time.Second, time.Millisecond)
}
