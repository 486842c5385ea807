package pipeline

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onnwee/chatlens/backend/core"
	"github.com/onnwee/chatlens/backend/events"
)

const (
	waitFor = 2 * time.Second
	poll    = 5 * time.Millisecond
)

func recordedStream(id string) core.Stream {
	return core.Stream{ID: id, OwnerID: "owner", ExternalID: "vid-" + id, Title: "Replay", IsActive: true}
}

func recordedSource(page core.Page) *fakeSource {
	return &fakeSource{details: core.StreamDetails{Title: "Replay", ChannelTitle: "Chan"}, page: page}
}

// newTestScheduler wires a scheduler with short intervals, no cooldown unless
// window is set, and heuristic-only analysis.
func newTestScheduler(t *testing.T, store *fakeStore, src *fakeSource, window time.Duration) (*Scheduler, *events.MemoryBus) {
	t.Helper()
	bus := events.NewMemoryBus()
	cfg := DefaultOrchestratorConfig()
	cfg.RateLimitWindow = window
	orch := NewOrchestrator(nil, nil, cfg)
	s := NewScheduler(store, src, orch, NewPublisher(store, bus), SchedulerConfig{
		LiveInterval:     10 * time.Millisecond,
		RecordedInterval: 10 * time.Millisecond,
	})
	t.Cleanup(func() {
		s.Shutdown()
		_ = bus.Close()
	})
	return s, bus
}

func TestStart_UnknownStream(t *testing.T) {
	s, _ := newTestScheduler(t, newFakeStore(), recordedSource(core.Page{}), 0)

	err := s.Start(context.Background(), "missing", "owner")
	assert.ErrorIs(t, err, core.ErrNotFound)
	assert.False(t, s.Running("missing"))
}

func TestStart_WrongOwnerOrInactive(t *testing.T) {
	inactive := recordedStream("s2")
	inactive.IsActive = false
	s, _ := newTestScheduler(t, newFakeStore(recordedStream("s1"), inactive), recordedSource(core.Page{}), 0)

	assert.ErrorIs(t, s.Start(context.Background(), "s1", "intruder"), core.ErrNotFound)
	assert.ErrorIs(t, s.Start(context.Background(), "s2", "owner"), core.ErrNotFound)
	assert.Empty(t, s.Jobs())
}

func TestStart_TwiceRunsOneJob(t *testing.T) {
	store := newFakeStore(recordedStream("s1"))
	s, bus := newTestScheduler(t, store, recordedSource(core.Page{}), 0)
	c := collect(t, bus, "s1")

	require.NoError(t, s.Start(context.Background(), "s1", "owner"))
	require.NoError(t, s.Start(context.Background(), "s1", "owner"))

	require.Len(t, s.Jobs(), 1)
	assert.Equal(t, "s1", s.Jobs()[0].StreamID)
	assert.Equal(t, 10*time.Millisecond, s.Jobs()[0].Interval)
	require.Eventually(t, func() bool { return c.countStatus(events.StatusRunning) >= 1 }, waitFor, poll)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, c.countStatus(events.StatusRunning))
}

func TestStart_ResolvesChatSessionBeforeFirstFetch(t *testing.T) {
	st := recordedStream("s1")
	st.IsLive = true
	store := newFakeStore(st)
	src := &fakeSource{
		details: core.StreamDetails{ExternalID: "vid-s1", Title: "Live now", IsLive: true, ChatSessionID: "chat-1"},
		page:    core.Page{Messages: chatMessages("hello")},
	}
	s, _ := newTestScheduler(t, store, src, 0)

	require.NoError(t, s.Start(context.Background(), "s1", "owner"))
	require.Eventually(t, func() bool { return src.count("live:chat-1:") >= 2 }, waitFor, poll)

	calls := src.callsSnapshot()
	assert.Equal(t, "details:vid-s1", calls[0])
	assert.Equal(t, 1, src.count("details:"))
	got := store.stream("s1")
	require.NotNil(t, got.ChatSessionID)
	assert.Equal(t, "chat-1", *got.ChatSessionID)
	assert.Equal(t, "Live now", got.Title)
	assert.True(t, s.Jobs()[0].Live)
}

func TestStart_DetailsFailureStillRuns(t *testing.T) {
	st := recordedStream("s1")
	st.IsLive = true
	store := newFakeStore(st)
	src := &fakeSource{detErr: assert.AnError}
	s, _ := newTestScheduler(t, store, src, 0)

	require.NoError(t, s.Start(context.Background(), "s1", "owner"))
	assert.True(t, s.Running("s1"))
	time.Sleep(40 * time.Millisecond)
	assert.Zero(t, src.count("live:"), "live stream without a chat session is never fetched")
	assert.NotContains(t, store.opsSnapshot(), "details")
}

func TestStart_RunningJobStillResolvesChatSession(t *testing.T) {
	st := recordedStream("s1")
	st.IsLive = true
	store := newFakeStore(st)
	src := &fakeSource{detErr: assert.AnError, page: core.Page{Messages: chatMessages("hello")}}
	s, _ := newTestScheduler(t, store, src, 0)

	require.NoError(t, s.Start(context.Background(), "s1", "owner"))
	time.Sleep(30 * time.Millisecond)
	require.Zero(t, src.count("live:"))

	src.detErr = nil
	src.details = core.StreamDetails{ExternalID: "vid-s1", Title: "Live now", IsLive: true, ChatSessionID: "chat-1"}
	require.NoError(t, s.Start(context.Background(), "s1", "owner"))

	assert.Len(t, s.Jobs(), 1)
	assert.Equal(t, 2, src.count("details:"))
	require.NotNil(t, store.stream("s1").ChatSessionID)
	require.Eventually(t, func() bool { return src.count("live:chat-1:") >= 1 }, waitFor, poll)
}

func TestJob_TicksNeverOverlap(t *testing.T) {
	store := newFakeStore(recordedStream("s1"))
	src := recordedSource(core.Page{Messages: chatMessages("slow", "chat")})
	src.onFetch = func(ctx context.Context) {
		select {
		case <-time.After(25 * time.Millisecond):
		case <-ctx.Done():
		}
	}
	s, _ := newTestScheduler(t, store, src, 0)

	require.NoError(t, s.Start(context.Background(), "s1", "owner"))
	require.Eventually(t, func() bool { return src.count("recorded:") >= 4 }, waitFor, poll)
	assert.Equal(t, int32(1), src.maxInFlight.Load())
}

func TestTick_PersistsCursorBeforeAnalyses(t *testing.T) {
	store := newFakeStore(recordedStream("s1"))
	src := recordedSource(core.Page{Messages: chatMessages("great stream", "why so laggy?", "gg"), NextCursor: "c1"})
	s, bus := newTestScheduler(t, store, src, 0)
	c := collect(t, bus, "s1")

	require.NoError(t, s.Start(context.Background(), "s1", "owner"))
	require.Eventually(t, func() bool { return len(store.opsSnapshot()) >= 8 }, waitFor, poll)

	want := []string{
		"details",
		"cursor:c1",
		"touch",
		"insert:summary",
		"insert:sentiment",
		"insert:questions",
		"insert:moderation",
		"insert:trending",
	}
	assert.Equal(t, want, store.opsSnapshot()[:8])
	require.Eventually(t, func() bool { return c.countType(events.TypeNewAnalysis) >= 1 }, waitFor, poll)
	require.Eventually(t, func() bool { return src.count("recorded:vid-s1:c1") >= 1 }, waitFor, poll)
}

func TestTick_EmptyBatchWritesNothing(t *testing.T) {
	store := newFakeStore(recordedStream("s1"))
	src := recordedSource(core.Page{NextCursor: "ignored"})
	s, bus := newTestScheduler(t, store, src, 0)
	c := collect(t, bus, "s1")

	require.NoError(t, s.Start(context.Background(), "s1", "owner"))
	require.Eventually(t, func() bool { return src.count("recorded:") >= 3 }, waitFor, poll)

	assert.Equal(t, []string{"details"}, store.opsSnapshot())
	assert.Zero(t, store.recordCount())
	assert.Zero(t, c.countType(events.TypeNewAnalysis))
}

func TestTick_ExhaustedSourceIsAnalyzedOnce(t *testing.T) {
	store := newFakeStore(recordedStream("s1"))
	src := recordedSource(core.Page{Messages: chatMessages("first comment", "second comment", "third comment")})
	s, bus := newTestScheduler(t, store, src, 0)
	c := collect(t, bus, "s1")

	require.NoError(t, s.Start(context.Background(), "s1", "owner"))
	require.Eventually(t, func() bool { return src.count("recorded:vid-s1:") >= 6 }, waitFor, poll)

	assert.Equal(t, 5, store.recordCount(), "one batch of five facets")
	assert.Equal(t, 1, c.countType(events.TypeNewAnalysis))
	assert.True(t, s.Running("s1"))
}

func TestTick_OnlyNewMessagesAreAnalyzed(t *testing.T) {
	store := newFakeStore(recordedStream("s1"))
	src := recordedSource(core.Page{Messages: chatMessages("old one", "old two")})
	var calls atomic.Int32
	src.onFetch = func(context.Context) {
		if calls.Add(1) == 3 {
			src.mu.Lock()
			src.page.Messages = chatMessages("old one", "old two", "brand new")
			src.mu.Unlock()
		}
	}
	s, bus := newTestScheduler(t, store, src, 0)
	c := collect(t, bus, "s1")

	require.NoError(t, s.Start(context.Background(), "s1", "owner"))
	require.Eventually(t, func() bool { return c.countType(events.TypeNewAnalysis) >= 2 }, waitFor, poll)
	require.Eventually(t, func() bool { return src.count("recorded:") >= 5 }, waitFor, poll)

	assert.Equal(t, 10, store.recordCount())
	var counts []int
	for _, ev := range c.snapshot() {
		if ev.Type != events.TypeNewAnalysis {
			continue
		}
		var p events.AnalysisPayload
		require.NoError(t, json.Unmarshal(ev.Data, &p))
		counts = append(counts, p.MessageCount)
	}
	assert.Equal(t, []int{2, 1}, counts)
}

func TestTick_ErrorIsReportedAndJobContinues(t *testing.T) {
	store := newFakeStore(recordedStream("s1"))
	store.failGet = 1
	src := recordedSource(core.Page{Messages: chatMessages("hi")})
	s, bus := newTestScheduler(t, store, src, 0)
	c := collect(t, bus, "s1")

	require.NoError(t, s.Start(context.Background(), "s1", "owner"))
	require.Eventually(t, func() bool { return c.countStatus(events.StatusError) == 1 }, waitFor, poll)
	require.Eventually(t, func() bool { return store.recordCount() >= 5 }, waitFor, poll)
	assert.True(t, s.Running("s1"))

	for _, p := range c.statuses() {
		if p.Status == events.StatusError {
			assert.Equal(t, "An error occurred during analysis.", p.Message)
		}
	}
}

func TestTick_PanicIsRecovered(t *testing.T) {
	store := newFakeStore(recordedStream("s1"))
	src := recordedSource(core.Page{Messages: chatMessages("hi")})
	var calls atomic.Int32
	src.onFetch = func(context.Context) {
		if calls.Add(1) == 1 {
			panic("boom")
		}
	}
	s, bus := newTestScheduler(t, store, src, 0)
	c := collect(t, bus, "s1")

	require.NoError(t, s.Start(context.Background(), "s1", "owner"))
	require.Eventually(t, func() bool { return c.countStatus(events.StatusError) == 1 }, waitFor, poll)
	require.Eventually(t, func() bool { return src.count("recorded:") >= 3 }, waitFor, poll)
	assert.True(t, s.Running("s1"))
	assert.Positive(t, s.Jobs()[0].Ticks)
}

func TestStart_SeedsCooldownFromStore(t *testing.T) {
	st := recordedStream("s1")
	last := time.Now().Add(-time.Second)
	st.LastLLMCallAt = &last
	store := newFakeStore(st)
	src := recordedSource(core.Page{Messages: chatMessages("hi")})
	src.fresh = true
	s, bus := newTestScheduler(t, store, src, time.Hour)
	c := collect(t, bus, "s1")

	require.NoError(t, s.Start(context.Background(), "s1", "owner"))
	require.Eventually(t, func() bool { return c.countType(events.TypeNewAnalysis) >= 2 }, waitFor, poll)

	assert.Zero(t, store.recordCount(), "heartbeats are not persisted")
	assert.NotContains(t, store.opsSnapshot(), "touch")
}

func TestStop_WithoutJobIsNoop(t *testing.T) {
	store := newFakeStore(recordedStream("s1"))
	s, _ := newTestScheduler(t, store, recordedSource(core.Page{}), 0)

	require.NoError(t, s.Stop(context.Background(), "s1", "owner"))
	assert.Empty(t, store.opsSnapshot())
	assert.True(t, store.stream("s1").IsActive)
}

func TestStop_WrongOwner(t *testing.T) {
	store := newFakeStore(recordedStream("s1"))
	s, _ := newTestScheduler(t, store, recordedSource(core.Page{}), 0)

	require.NoError(t, s.Start(context.Background(), "s1", "owner"))
	assert.ErrorIs(t, s.Stop(context.Background(), "s1", "intruder"), core.ErrNotFound)
	assert.True(t, s.Running("s1"))
}

func TestStop_DeactivatesAndEndsPolling(t *testing.T) {
	store := newFakeStore(recordedStream("s1"))
	src := recordedSource(core.Page{})
	s, bus := newTestScheduler(t, store, src, 0)
	c := collect(t, bus, "s1")

	require.NoError(t, s.Start(context.Background(), "s1", "owner"))
	require.Eventually(t, func() bool { return src.count("recorded:") >= 1 }, waitFor, poll)
	require.NoError(t, s.Stop(context.Background(), "s1", "owner"))

	assert.False(t, s.Running("s1"))
	assert.False(t, store.stream("s1").IsActive)
	assert.Contains(t, store.opsSnapshot(), "active:false")
	require.Eventually(t, func() bool { return c.countStatus(events.StatusStopped) == 1 }, waitFor, poll)

	time.Sleep(20 * time.Millisecond)
	n := src.count("recorded:")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, n, src.count("recorded:"), "no fetches after stop")
}

func TestStop_InFlightTickCompletesAndRestartWaits(t *testing.T) {
	store := newFakeStore(recordedStream("s1"))
	src := recordedSource(core.Page{Messages: chatMessages("one", "two"), NextCursor: "c1"})
	release := make(chan struct{})
	var first atomic.Bool
	src.onFetch = func(ctx context.Context) {
		if first.CompareAndSwap(false, true) {
			select {
			case <-release:
			case <-ctx.Done():
			}
		}
	}
	s, _ := newTestScheduler(t, store, src, 0)

	require.NoError(t, s.Start(context.Background(), "s1", "owner"))
	require.Eventually(t, func() bool { return src.inFlight.Load() == 1 }, waitFor, poll)
	require.NoError(t, s.Stop(context.Background(), "s1", "owner"))

	store.setActive("s1", true)
	require.NoError(t, s.Start(context.Background(), "s1", "owner"))
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, 1, src.count("recorded:"), "new job waits for the stopped one")

	close(release)
	require.Eventually(t, func() bool { return store.recordCount() >= 5 }, waitFor, poll)
	require.Eventually(t, func() bool { return src.count("recorded:") >= 2 }, waitFor, poll)
	assert.Equal(t, int32(1), src.maxInFlight.Load())
	assert.Equal(t, "c1", *store.stream("s1").Cursor)
}

func TestResumeActive(t *testing.T) {
	inactive := recordedStream("s3")
	inactive.IsActive = false
	store := newFakeStore(recordedStream("s1"), recordedStream("s2"), inactive)
	s, _ := newTestScheduler(t, store, recordedSource(core.Page{}), 0)

	n, err := s.ResumeActive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	jobs := s.Jobs()
	require.Len(t, jobs, 2)
	assert.Equal(t, "s1", jobs[0].StreamID)
	assert.Equal(t, "s2", jobs[1].StreamID)
}

func TestShutdown_CancelsInFlightTick(t *testing.T) {
	store := newFakeStore(recordedStream("s1"))
	src := recordedSource(core.Page{Messages: chatMessages("hi")})
	src.onFetch = func(ctx context.Context) { <-ctx.Done() }
	s, _ := newTestScheduler(t, store, src, 0)

	require.NoError(t, s.Start(context.Background(), "s1", "owner"))
	require.Eventually(t, func() bool { return src.inFlight.Load() == 1 }, waitFor, poll)

	done := make(chan struct{})
	go func() {
		s.Shutdown()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("shutdown did not return")
	}

	assert.ErrorIs(t, s.Start(context.Background(), "s1", "owner"), ErrSchedulerClosed)
	assert.True(t, store.stream("s1").IsActive, "shutdown keeps streams resumable")
	assert.Empty(t, s.Jobs())
}

func TestStart_WithoutSource(t *testing.T) {
	store := newFakeStore(recordedStream("s1"))
	bus := events.NewMemoryBus()
	defer bus.Close()
	s := NewScheduler(store, nil, NewOrchestrator(nil, nil, DefaultOrchestratorConfig()), NewPublisher(store, bus), SchedulerConfig{
		LiveInterval:     10 * time.Millisecond,
		RecordedInterval: 10 * time.Millisecond,
	})
	defer s.Shutdown()

	assert.ErrorIs(t, s.Start(context.Background(), "s1", "owner"), ErrNoSource)
	assert.False(t, s.Running("s1"))
}
