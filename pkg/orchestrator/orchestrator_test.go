package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coderelay/relay/pkg/event"
	"github.com/coderelay/relay/pkg/runner"
)

// fakeExec is a hand-driven Execution: tests feed its event stream and
// decide when it terminates.
type fakeExec struct {
	params runner.Params
	events chan event.Event
	once   sync.Once

	mu          sync.Mutex
	cancelAsked bool
	aborted     bool
}

func newFakeExec(params runner.Params) *fakeExec {
	return &fakeExec{params: params, events: make(chan event.Event, 64)}
}

func (f *fakeExec) Events() <-chan event.Event { return f.events }

func (f *fakeExec) Cancel(ctx context.Context) {
	f.mu.Lock()
	f.cancelAsked = true
	f.mu.Unlock()
	f.finish(event.Completed(false, "cancelled", ""))
}

func (f *fakeExec) Abort() {
	f.mu.Lock()
	f.aborted = true
	f.mu.Unlock()
	f.finish(event.Completed(false, "cancelled", ""))
}

func (f *fakeExec) emit(ev event.Event) { f.events <- ev }

func (f *fakeExec) finish(terminal event.Event) {
	f.once.Do(func() {
		f.events <- terminal
		close(f.events)
	})
}

func (f *fakeExec) cancelRequested() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelAsked
}

// scriptedRunner hands out fakeExecs and announces each start.
type scriptedRunner struct {
	mu      sync.Mutex
	execs   []*fakeExec
	started chan *fakeExec
	execErr error
}

func newScriptedRunner() *scriptedRunner {
	return &scriptedRunner{started: make(chan *fakeExec, 16)}
}

func (r *scriptedRunner) Execute(ctx context.Context, params runner.Params) (Execution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.execErr != nil {
		return nil, r.execErr
	}
	f := newFakeExec(params)
	r.execs = append(r.execs, f)
	r.started <- f
	return f, nil
}

func (r *scriptedRunner) next(t *testing.T) *fakeExec {
	t.Helper()
	select {
	case f := <-r.started:
		return f
	case <-time.After(3 * time.Second):
		t.Fatal("no execution started")
		return nil
	}
}

func newTestOrchestrator(t *testing.T, cfg Config) (*Orchestrator, *scriptedRunner) {
	t.Helper()

	r := newScriptedRunner()
	cfg.Runner = r
	cfg.Logger = zerolog.Nop()
	o, err := New(cfg)
	require.NoError(t, err)
	return o, r
}

func waitForState(t *testing.T, o *Orchestrator, id string, want State) {
	t.Helper()
	require.Eventually(t, func() bool {
		s, err := o.GetSession(id)
		return err == nil && s.State == want
	}, 3*time.Second, 5*time.Millisecond, "session %s never reached %s", id, want)
}

func TestSubmitImmediateRuns(t *testing.T) {
	o, r := newTestOrchestrator(t, Config{MaxConcurrent: 2})

	res, err := o.Submit(context.Background(), Request{
		Prompt:    "hello",
		Agent:     runner.AgentCodex,
		Immediate: true,
	})
	require.NoError(t, err)
	assert.True(t, res.Immediate)
	assert.Zero(t, res.QueuePosition)

	exec := r.next(t)
	assert.Equal(t, "hello", exec.params.Prompt)
	waitForState(t, o, res.SessionID, StateRunning)

	exec.emit(event.Message("assistant", "done deal"))
	exec.finish(event.Completed(true, "", "done deal"))

	waitForState(t, o, res.SessionID, StateCompleted)
	s, err := o.GetSession(res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "done deal", s.LastAssistantMessage)
	assert.NotNil(t, s.StartedAt)
	assert.NotNil(t, s.CompletedAt)
}

func TestSubmitQueuesWhenOccupied(t *testing.T) {
	o, r := newTestOrchestrator(t, Config{MaxConcurrent: 1})
	ctx := context.Background()

	first, err := o.Submit(ctx, Request{Prompt: "a", Immediate: true})
	require.NoError(t, err)
	exec1 := r.next(t)
	waitForState(t, o, first.SessionID, StateRunning)

	second, err := o.Submit(ctx, Request{Prompt: "b", Immediate: true})
	require.NoError(t, err)
	assert.False(t, second.Immediate)
	assert.Equal(t, 1, second.QueuePosition)

	status := o.QueueStatus()
	assert.Equal(t, 1, status.RunningCount)
	assert.Equal(t, 1, status.QueuedCount)
	assert.Equal(t, 2, status.TotalCount)
	assert.Equal(t, []string{first.SessionID}, status.RunningSessionIDs)

	// Finishing the first session starts the queued one
	exec1.finish(event.Completed(true, "", ""))
	exec2 := r.next(t)
	waitForState(t, o, second.SessionID, StateRunning)

	exec2.finish(event.Completed(true, "", ""))
	waitForState(t, o, second.SessionID, StateCompleted)
}

func TestSubmitQueueFullRejectsAndRetainsNothing(t *testing.T) {
	o, r := newTestOrchestrator(t, Config{MaxConcurrent: 1, MaxQueueSize: 1})
	ctx := context.Background()

	_, err := o.Submit(ctx, Request{Prompt: "run", Immediate: true})
	require.NoError(t, err)
	r.next(t)

	_, err = o.Submit(ctx, Request{Prompt: "wait", Immediate: true})
	require.NoError(t, err)

	res, err := o.Submit(ctx, Request{Prompt: "overflow", Immediate: true})
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Empty(t, res.SessionID)
	assert.Equal(t, 2, o.QueueStatus().TotalCount)
}

func TestSubmitEmptyPrompt(t *testing.T) {
	o, _ := newTestOrchestrator(t, Config{})
	_, err := o.Submit(context.Background(), Request{})
	assert.Error(t, err)
}

func TestSubmitNonImmediateStartsOnIdleCapacity(t *testing.T) {
	o, r := newTestOrchestrator(t, Config{MaxConcurrent: 1})

	res, err := o.Submit(context.Background(), Request{Prompt: "queued start"})
	require.NoError(t, err)
	assert.False(t, res.Immediate)

	// Idle capacity drains the waiting list without any slot ever freeing
	r.next(t)
	waitForState(t, o, res.SessionID, StateRunning)
}

func TestRunnerFailureFailsSession(t *testing.T) {
	o, r := newTestOrchestrator(t, Config{MaxConcurrent: 1})
	r.execErr = errors.New("binary not found")

	res, err := o.Submit(context.Background(), Request{Prompt: "x", Immediate: true})
	require.NoError(t, err)

	waitForState(t, o, res.SessionID, StateFailed)
	s, _ := o.GetSession(res.SessionID)
	assert.Contains(t, s.Error, "binary not found")
}

func TestStreamEndingWithoutTerminalFailsSession(t *testing.T) {
	o, r := newTestOrchestrator(t, Config{MaxConcurrent: 1})

	res, err := o.Submit(context.Background(), Request{Prompt: "x", Immediate: true})
	require.NoError(t, err)

	exec := r.next(t)
	exec.emit(event.Message("assistant", "partial"))
	exec.once.Do(func() { close(exec.events) })

	waitForState(t, o, res.SessionID, StateFailed)
	s, _ := o.GetSession(res.SessionID)
	assert.Contains(t, s.Error, "ended unexpectedly")
}

func TestCancelUnknownSession(t *testing.T) {
	o, _ := newTestOrchestrator(t, Config{})
	err := o.Cancel(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestCancelRunningSession(t *testing.T) {
	o, r := newTestOrchestrator(t, Config{MaxConcurrent: 1})
	ctx := context.Background()

	res, err := o.Submit(ctx, Request{Prompt: "x", Immediate: true})
	require.NoError(t, err)
	exec := r.next(t)
	waitForState(t, o, res.SessionID, StateRunning)

	var events []event.Event
	var mu sync.Mutex
	o.Subscribe(res.SessionID, func(ev event.Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})

	require.NoError(t, o.Cancel(ctx, res.SessionID))
	assert.True(t, exec.cancelRequested())

	// State was marked before the runner was asked to stop
	s, _ := o.GetSession(res.SessionID)
	assert.Equal(t, StateCancelled, s.State)

	// Terminal no-op
	require.NoError(t, o.Cancel(ctx, res.SessionID))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) > 0 && events[len(events)-1].Terminal()
	}, 3*time.Second, 5*time.Millisecond)
}

func TestCancelQueuedSessionEmitsTerminalEvent(t *testing.T) {
	o, r := newTestOrchestrator(t, Config{MaxConcurrent: 1})
	ctx := context.Background()

	running, err := o.Submit(ctx, Request{Prompt: "busy", Immediate: true})
	require.NoError(t, err)
	exec := r.next(t)
	waitForState(t, o, running.SessionID, StateRunning)

	queued, err := o.Submit(ctx, Request{Prompt: "waiting", Immediate: true})
	require.NoError(t, err)

	var got []event.Event
	var mu sync.Mutex
	o.Subscribe(queued.SessionID, func(ev event.Event) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	})

	require.NoError(t, o.Cancel(ctx, queued.SessionID))

	mu.Lock()
	require.Len(t, got, 1)
	assert.Equal(t, event.TypeCompleted, got[0].Type)
	assert.Equal(t, "cancelled", got[0].Error)
	mu.Unlock()

	// The cancelled entry never starts once the slot frees
	exec.finish(event.Completed(true, "", ""))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, o.QueueStatus().RunningCount)

	s, _ := o.GetSession(queued.SessionID)
	assert.Equal(t, StateCancelled, s.State)
}

func TestSubscribeUnknownSessionIsNoop(t *testing.T) {
	o, _ := newTestOrchestrator(t, Config{})
	unsub := o.Subscribe("missing", func(event.Event) {})
	assert.NotPanics(t, unsub)
}

func TestSubscriberPanicIsolated(t *testing.T) {
	o, r := newTestOrchestrator(t, Config{MaxConcurrent: 1})

	res, err := o.Submit(context.Background(), Request{Prompt: "x", Immediate: true})
	require.NoError(t, err)
	exec := r.next(t)

	o.Subscribe(res.SessionID, func(event.Event) { panic("bad listener") })

	var survived []event.Event
	var mu sync.Mutex
	o.Subscribe(res.SessionID, func(ev event.Event) {
		mu.Lock()
		survived = append(survived, ev)
		mu.Unlock()
	})

	exec.emit(event.Message("assistant", "still here"))
	exec.finish(event.Completed(true, "", "still here"))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(survived) == 2
	}, 3*time.Second, 5*time.Millisecond)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	o, r := newTestOrchestrator(t, Config{MaxConcurrent: 1})

	res, err := o.Submit(context.Background(), Request{Prompt: "x", Immediate: true})
	require.NoError(t, err)
	exec := r.next(t)
	waitForState(t, o, res.SessionID, StateRunning)

	count := 0
	var mu sync.Mutex
	unsub := o.Subscribe(res.SessionID, func(event.Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	unsub()

	exec.finish(event.Completed(true, "", ""))
	waitForState(t, o, res.SessionID, StateCompleted)

	mu.Lock()
	assert.Zero(t, count)
	mu.Unlock()
}

func TestSessionDetectedTracked(t *testing.T) {
	o, r := newTestOrchestrator(t, Config{MaxConcurrent: 1})

	res, err := o.Submit(context.Background(), Request{Prompt: "x", Immediate: true})
	require.NoError(t, err)
	exec := r.next(t)

	exec.emit(event.SessionDetected("ext-1"))
	exec.emit(event.SessionDetected("ext-2"))
	exec.emit(event.SessionDetected("ext-1"))
	exec.finish(event.Completed(true, "", ""))

	waitForState(t, o, res.SessionID, StateCompleted)
	s, _ := o.GetSession(res.SessionID)
	assert.Equal(t, "ext-1", s.ExternalSessionID)
	assert.Equal(t, []string{"ext-1", "ext-2"}, s.ExternalIDs)
}

func TestOnSlotFreeFiresAfterDecrement(t *testing.T) {
	o, r := newTestOrchestrator(t, Config{MaxConcurrent: 1})

	capacity := make(chan bool, 1)
	o.OnSlotFree(func() {
		select {
		case capacity <- o.HasCapacity():
		default:
		}
	})

	res, err := o.Submit(context.Background(), Request{Prompt: "x", Immediate: true})
	require.NoError(t, err)
	exec := r.next(t)
	waitForState(t, o, res.SessionID, StateRunning)

	exec.finish(event.Completed(true, "", ""))

	select {
	case free := <-capacity:
		assert.True(t, free)
	case <-time.After(3 * time.Second):
		t.Fatal("slot-free hook never fired")
	}
}

func TestCleanupEvictsOnlyAgedTerminalSessions(t *testing.T) {
	o, r := newTestOrchestrator(t, Config{MaxConcurrent: 2, SessionMaxAge: time.Hour})
	ctx := context.Background()

	done, err := o.Submit(ctx, Request{Prompt: "done", Immediate: true})
	require.NoError(t, err)
	r.next(t).finish(event.Completed(true, "", ""))
	waitForState(t, o, done.SessionID, StateCompleted)

	live, err := o.Submit(ctx, Request{Prompt: "live", Immediate: true})
	require.NoError(t, err)
	r.next(t)
	waitForState(t, o, live.SessionID, StateRunning)

	// Age the terminal session past the cutoff
	o.mu.Lock()
	old := time.Now().Add(-2 * time.Hour)
	o.sessions[done.SessionID].CompletedAt = &old
	o.mu.Unlock()

	o.Cleanup()

	_, err = o.GetSession(done.SessionID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = o.GetSession(live.SessionID)
	assert.NoError(t, err)
}

func TestCleanupSchedulerLifecycle(t *testing.T) {
	o, _ := newTestOrchestrator(t, Config{})

	assert.Error(t, o.StartCleanup(0))
	require.NoError(t, o.StartCleanup(time.Minute))
	assert.Error(t, o.StartCleanup(time.Minute))
	o.StopCleanup()
	o.StopCleanup()
}

func TestRecordStoreMirrorsLifecycle(t *testing.T) {
	records := NewMemoryRecordStore()
	o, r := newTestOrchestrator(t, Config{MaxConcurrent: 1, Records: records})
	ctx := context.Background()

	res, err := o.Submit(ctx, Request{Prompt: "x", ProjectPath: "/p", Immediate: true})
	require.NoError(t, err)
	exec := r.next(t)

	exec.emit(event.SessionDetected("ext-7"))
	exec.finish(event.Completed(true, "", ""))
	waitForState(t, o, res.SessionID, StateCompleted)

	require.Eventually(t, func() bool {
		rec, ok, _ := records.Get(ctx, res.SessionID)
		return ok && rec.State == StateCompleted
	}, 3*time.Second, 5*time.Millisecond)

	rec, ok, err := records.Get(ctx, res.SessionID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "/p", rec.ProjectPath)
	assert.Equal(t, "ext-7", rec.ExternalSessionID)
}

func TestMemoryRecordStore(t *testing.T) {
	m := NewMemoryRecordStore()
	ctx := context.Background()

	require.NoError(t, m.Insert(ctx, Record{ID: "b", CreatedAt: time.Now()}))
	require.NoError(t, m.Insert(ctx, Record{ID: "a", CreatedAt: time.Now().Add(-time.Minute)}))

	list, err := m.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].ID)

	require.NoError(t, m.UpdateState(ctx, "a", StateFailed, "", "boom"))
	rec, ok, err := m.Get(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, StateFailed, rec.State)
	assert.Equal(t, "boom", rec.Error)

	// Updating an unknown id is a no-op
	require.NoError(t, m.UpdateState(ctx, "nope", StateCompleted, "", ""))
}

func TestNewValidation(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}
