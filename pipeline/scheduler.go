package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/onnwee/chatlens/backend/core"
	"github.com/onnwee/chatlens/backend/events"
	"github.com/onnwee/chatlens/backend/telemetry"
)

var (
	// ErrSchedulerClosed is returned by Start after Shutdown.
	ErrSchedulerClosed = errors.New("scheduler is shut down")
	// ErrNoSource is returned by Start when no comment source is configured.
	ErrNoSource = errors.New("no comment source configured")
)

const (
	msgStarted = "Analysis started."
	msgStopped = "Analysis stopped."
	msgFailed  = "An error occurred during analysis."
)

// SchedulerConfig holds the tick intervals. Live streams are polled more often
// than recorded ones.
type SchedulerConfig struct {
	LiveInterval     time.Duration
	RecordedInterval time.Duration
}

// JobInfo is a snapshot of a running job.
type JobInfo struct {
	StreamID  string        `json:"stream_id"`
	OwnerID   string        `json:"owner_id"`
	Live      bool          `json:"live"`
	Interval  time.Duration `json:"interval"`
	StartedAt time.Time     `json:"started_at"`
	Ticks     int64         `json:"ticks"`
	LastTick  time.Time     `json:"last_tick,omitempty"`
}

type job struct {
	streamID  string
	ownerID   string
	live      bool
	interval  time.Duration
	startedAt time.Time

	ctx    context.Context // ends the loop, not an in-flight tick
	cancel context.CancelFunc
	done   chan struct{}

	// guarded by Scheduler.mu
	ticks    int64
	lastTick time.Time
}

// Scheduler owns one polling job per active stream. Ticks of a job run one
// after another on the job's goroutine.
type Scheduler struct {
	store   StreamStore
	source  CommentSource
	fetcher *Fetcher
	orch    *Orchestrator
	pub     *Publisher
	cfg     SchedulerConfig
	log     *slog.Logger

	root       context.Context
	rootCancel context.CancelFunc
	wg         sync.WaitGroup

	mu      sync.Mutex
	jobs    map[string]*job
	retired map[string]chan struct{} // done channel of the last stopped job per stream
	closed  bool
}

// NewScheduler wires a scheduler. Call Shutdown to stop every job.
// A nil source is allowed; Start then fails with ErrNoSource.
func NewScheduler(store StreamStore, source CommentSource, orch *Orchestrator, pub *Publisher, cfg SchedulerConfig) *Scheduler {
	root, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		store:      store,
		source:     source,
		fetcher:    NewFetcher(source),
		orch:       orch,
		pub:        pub,
		cfg:        cfg,
		log:        slog.Default().With(slog.String("component", "scheduler")),
		root:       root,
		rootCancel: cancel,
		jobs:       make(map[string]*job),
		retired:    make(map[string]chan struct{}),
	}
}

// Start begins polling an active stream owned by ownerID. A stream without a
// chat session has its details resolved first, even when it already has a
// job; otherwise starting a stream that already has a job is a no-op.
func (s *Scheduler) Start(ctx context.Context, streamID, ownerID string) error {
	if s.source == nil {
		return ErrNoSource
	}
	st, err := s.store.GetActiveStream(ctx, streamID, ownerID)
	if err != nil {
		return fmt.Errorf("start stream %s: %w", streamID, err)
	}
	if st.ChatSessionID == nil {
		st = s.resolveDetails(ctx, st)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSchedulerClosed
	}
	if _, ok := s.jobs[streamID]; ok {
		s.mu.Unlock()
		s.log.Info("analysis already running", slog.String("stream_id", streamID))
		return nil
	}
	jctx, cancel := context.WithCancel(s.root)
	j := &job{
		streamID:  streamID,
		ownerID:   ownerID,
		startedAt: time.Now().UTC(),
		ctx:       jctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	prev := s.retired[streamID]
	delete(s.retired, streamID)
	s.jobs[streamID] = j
	s.wg.Add(1)
	telemetry.SetActiveJobs(len(s.jobs))
	s.mu.Unlock()

	if st.LastLLMCallAt != nil {
		s.orch.Seed(streamID, *st.LastLLMCallAt)
	}

	interval := s.cfg.RecordedInterval
	if st.IsLive {
		interval = s.cfg.LiveInterval
	}
	s.mu.Lock()
	j.live, j.interval = st.IsLive, interval
	s.mu.Unlock()

	if jctx.Err() == nil {
		s.log.Info("starting analysis",
			slog.String("stream_id", streamID),
			slog.Bool("live", st.IsLive),
			slog.Duration("interval", interval))
		s.pub.PublishStatus(ctx, streamID, events.StatusRunning, msgStarted)
	}
	go s.run(j, prev)
	return nil
}

// resolveDetails fills in the chat session and live flag. Failures are logged
// and the stream is returned unchanged.
func (s *Scheduler) resolveDetails(ctx context.Context, st core.Stream) core.Stream {
	d, err := s.source.GetStreamDetails(ctx, st.ExternalID)
	if err != nil {
		telemetry.IncFetchFailure("details")
		s.log.Error("unable to resolve chat session", slog.String("stream_id", st.ID), slog.String("video_id", st.ExternalID), slog.Any("err", err))
		return st
	}
	if d.Title == "" {
		d.Title = st.Title
	}
	if d.ChannelTitle == "" {
		d.ChannelTitle = st.ChannelTitle
	}
	if err := s.store.UpdateDetails(ctx, st.ID, d); err != nil {
		s.log.Error("persist stream details", slog.String("stream_id", st.ID), slog.Any("err", err))
	}
	st.Title, st.ChannelTitle, st.IsLive = d.Title, d.ChannelTitle, d.IsLive
	if d.ChatSessionID != "" {
		chat := d.ChatSessionID
		st.ChatSessionID = &chat
	}
	return st
}

func (s *Scheduler) run(j *job, prev <-chan struct{}) {
	defer s.wg.Done()
	defer func() {
		close(j.done)
		s.mu.Lock()
		if s.retired[j.streamID] == j.done {
			delete(s.retired, j.streamID)
		}
		s.mu.Unlock()
	}()

	if prev != nil {
		select {
		case <-prev:
		case <-j.ctx.Done():
			return
		}
	}
	if j.ctx.Err() != nil {
		return
	}
	s.tick(j)

	t := time.NewTicker(j.interval)
	defer t.Stop()
	for {
		select {
		case <-j.ctx.Done():
			s.log.Info("analysis loop stopped", slog.String("stream_id", j.streamID))
			return
		case <-t.C:
			s.tick(j)
		}
	}
}

// tick runs one fetch, analyze and publish cycle. Errors and panics are
// reported to subscribers and the job keeps running.
func (s *Scheduler) tick(j *job) {
	ctx, span := telemetry.StartSpan(s.root, "scheduler.tick", telemetry.StreamAttr(j.streamID))
	start := time.Now()
	outcome := "error"
	var err error
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			outcome = "error"
			s.log.Error("analysis tick panicked", slog.String("stream_id", j.streamID), slog.Any("panic", r))
			s.pub.PublishStatus(ctx, j.streamID, events.StatusError, msgFailed)
		}
		telemetry.IncTick(outcome)
		telemetry.ObserveSince(telemetry.TickDuration, start)
		telemetry.EndSpan(span, err)

		s.mu.Lock()
		j.ticks++
		j.lastTick = time.Now().UTC()
		s.mu.Unlock()
	}()

	outcome, err = s.runTick(ctx, j)
	if err != nil {
		s.log.Error("analysis cycle failed", slog.String("stream_id", j.streamID), slog.Any("err", err))
		s.pub.PublishStatus(ctx, j.streamID, events.StatusError, msgFailed)
	}
}

func (s *Scheduler) runTick(ctx context.Context, j *job) (string, error) {
	st, err := s.store.GetStream(ctx, j.streamID)
	if err != nil {
		return "error", fmt.Errorf("load stream: %w", err)
	}

	batch := s.fetcher.Fetch(ctx, st)
	if len(batch.Messages) == 0 {
		s.log.Debug("no new messages", slog.String("stream_id", st.ID), slog.Duration("poll_hint", batch.PollHint))
		return "empty", nil
	}
	if batch.NextCursor != "" {
		if err := s.store.UpdateCursor(ctx, st.ID, batch.NextCursor); err != nil {
			return "error", fmt.Errorf("save cursor: %w", err)
		}
	}
	telemetry.AddMessages(len(batch.Messages))

	res := s.orch.Analyze(ctx, st.ID, batch.Messages, st.Metadata())
	if !res.Heartbeat() {
		if at, ok := s.orch.LastCall(st.ID); ok {
			if err := s.store.TouchLLMCall(ctx, st.ID, at); err != nil {
				s.log.Warn("persist last llm call", slog.String("stream_id", st.ID), slog.Any("err", err))
			}
		}
	}
	s.pub.Publish(ctx, st.ID, res, PublishMeta{Timestamp: time.Now().UTC(), MessageCount: len(batch.Messages)})

	if res.Heartbeat() {
		return "heartbeat", nil
	}
	return "analyzed", nil
}

// Stop ends the stream's job and marks the stream inactive. A tick already in
// progress is allowed to finish. Stopping a stream without a job is a no-op.
func (s *Scheduler) Stop(ctx context.Context, streamID, ownerID string) error {
	s.mu.Lock()
	j, ok := s.jobs[streamID]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	if j.ownerID != ownerID {
		s.mu.Unlock()
		return fmt.Errorf("stop stream %s: %w", streamID, core.ErrNotFound)
	}
	delete(s.jobs, streamID)
	s.retired[streamID] = j.done
	j.cancel()
	telemetry.SetActiveJobs(len(s.jobs))
	s.mu.Unlock()

	s.fetcher.Forget(streamID)
	s.log.Info("stopped analysis", slog.String("stream_id", streamID))
	err := s.store.SetActive(ctx, streamID, false)
	s.pub.PublishStatus(ctx, streamID, events.StatusStopped, msgStopped)
	if err != nil {
		return fmt.Errorf("deactivate stream %s: %w", streamID, err)
	}
	return nil
}

// Running reports whether the stream has a job.
func (s *Scheduler) Running(streamID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[streamID]
	return ok
}

// Jobs returns a snapshot of the running jobs ordered by stream id.
func (s *Scheduler) Jobs() []JobInfo {
	s.mu.Lock()
	out := make([]JobInfo, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, JobInfo{
			StreamID:  j.streamID,
			OwnerID:   j.ownerID,
			Live:      j.live,
			Interval:  j.interval,
			StartedAt: j.startedAt,
			Ticks:     j.ticks,
			LastTick:  j.lastTick,
		})
	}
	s.mu.Unlock()
	sort.Slice(out, func(a, b int) bool { return out[a].StreamID < out[b].StreamID })
	return out
}

// ResumeActive starts a job for every stream still flagged active, e.g.
// after a restart. It returns how many jobs were started.
func (s *Scheduler) ResumeActive(ctx context.Context) (int, error) {
	streams, err := s.store.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active streams: %w", err)
	}
	started := 0
	for _, st := range streams {
		if err := s.Start(ctx, st.ID, st.OwnerID); err != nil {
			s.log.Warn("resume stream", slog.String("stream_id", st.ID), slog.Any("err", err))
			continue
		}
		started++
	}
	return started, nil
}

// Shutdown stops every job, cancels in-flight ticks and waits for the job
// goroutines to exit. Streams keep their active flag so they can be resumed.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	s.closed = true
	for id, j := range s.jobs {
		j.cancel()
		delete(s.jobs, id)
	}
	s.mu.Unlock()

	s.rootCancel()
	s.wg.Wait()
	telemetry.SetActiveJobs(0)
}
