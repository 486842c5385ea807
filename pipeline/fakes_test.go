package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/onnwee/chatlens/backend/core"
	"github.com/onnwee/chatlens/backend/events"
	"github.com/onnwee/chatlens/backend/llm"
)

// fakeStore is an in-memory StreamStore and AnalysisStore that records the
// order of writes.
type fakeStore struct {
	mu         sync.Mutex
	streams    map[string]core.Stream
	records    []core.AnalysisRecord
	ops        []string
	failGet    int // GetStream calls left to fail
	failInsert bool
}

func newFakeStore(streams ...core.Stream) *fakeStore {
	s := &fakeStore{streams: make(map[string]core.Stream)}
	for _, st := range streams {
		s.streams[st.ID] = st
	}
	return s
}

func (s *fakeStore) GetActiveStream(ctx context.Context, id, ownerID string) (core.Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[id]
	if !ok || st.OwnerID != ownerID || !st.IsActive {
		return core.Stream{}, core.ErrNotFound
	}
	return st, nil
}

func (s *fakeStore) GetStream(ctx context.Context, id string) (core.Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failGet > 0 {
		s.failGet--
		return core.Stream{}, errors.New("database is down")
	}
	st, ok := s.streams[id]
	if !ok {
		return core.Stream{}, core.ErrNotFound
	}
	return st, nil
}

func (s *fakeStore) UpdateDetails(ctx context.Context, id string, d core.StreamDetails) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.streams[id]
	st.Title, st.ChannelTitle, st.IsLive = d.Title, d.ChannelTitle, d.IsLive
	if d.ChatSessionID != "" {
		chat := d.ChatSessionID
		st.ChatSessionID = &chat
	}
	s.streams[id] = st
	s.ops = append(s.ops, "details")
	return nil
}

func (s *fakeStore) UpdateCursor(ctx context.Context, id, cursor string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.streams[id]
	st.Cursor = &cursor
	s.streams[id] = st
	s.ops = append(s.ops, "cursor:"+cursor)
	return nil
}

func (s *fakeStore) SetActive(ctx context.Context, id string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.streams[id]
	st.IsActive = active
	s.streams[id] = st
	s.ops = append(s.ops, fmt.Sprintf("active:%v", active))
	return nil
}

func (s *fakeStore) TouchLLMCall(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.streams[id]
	st.LastLLMCallAt = &at
	s.streams[id] = st
	s.ops = append(s.ops, "touch")
	return nil
}

func (s *fakeStore) ListActive(ctx context.Context) ([]core.Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []core.Stream
	for _, st := range s.streams {
		if st.IsActive {
			out = append(out, st)
		}
	}
	return out, nil
}

func (s *fakeStore) InsertAnalysis(ctx context.Context, rec core.AnalysisRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failInsert {
		return errors.New("insert failed")
	}
	s.records = append(s.records, rec)
	s.ops = append(s.ops, "insert:"+string(rec.Type))
	return nil
}

func (s *fakeStore) stream(id string) core.Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streams[id]
}

func (s *fakeStore) setActive(id string, active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.streams[id]
	st.IsActive = active
	s.streams[id] = st
}

func (s *fakeStore) opsSnapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ops...)
}

func (s *fakeStore) recordCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// fakeSource serves a fixed page on every fetch and records the calls.
type fakeSource struct {
	mu      sync.Mutex
	calls   []string
	details core.StreamDetails
	detErr  error
	page    core.Page
	err     error
	fresh   bool // give the page new message ids on every fetch
	fetches int

	// onFetch runs inside every fetch, before the page is returned.
	onFetch func(ctx context.Context)

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func (f *fakeSource) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeSource) callsSnapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeSource) count(prefix string) int {
	n := 0
	for _, c := range f.callsSnapshot() {
		if len(c) >= len(prefix) && c[:len(prefix)] == prefix {
			n++
		}
	}
	return n
}

func (f *fakeSource) GetStreamDetails(ctx context.Context, externalID string) (core.StreamDetails, error) {
	f.record("details:" + externalID)
	return f.details, f.detErr
}

func (f *fakeSource) fetch(ctx context.Context, call string) (core.Page, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		m := f.maxInFlight.Load()
		if n <= m || f.maxInFlight.CompareAndSwap(m, n) {
			break
		}
	}
	f.record(call)
	if f.onFetch != nil {
		f.onFetch(ctx)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	page := f.page
	page.Messages = append([]core.Message(nil), f.page.Messages...)
	if f.fresh {
		for i := range page.Messages {
			page.Messages[i].ID = fmt.Sprintf("%s-%d", page.Messages[i].ID, f.fetches)
		}
	}
	return page, f.err
}

func (f *fakeSource) FetchLive(ctx context.Context, chatSessionID, cursor string) (core.Page, error) {
	return f.fetch(ctx, "live:"+chatSessionID+":"+cursor)
}

func (f *fakeSource) FetchRecorded(ctx context.Context, externalID, cursor string) (core.Page, error) {
	return f.fetch(ctx, "recorded:"+externalID+":"+cursor)
}

// fakeLLM answers from a queue of replies; the last one repeats.
type fakeLLM struct {
	mu      sync.Mutex
	replies []fakeReply
	calls   int
	block   bool // wait for ctx to end
}

type fakeReply struct {
	text string
	err  error
}

func (c *fakeLLM) Name() string { return "fake" }

func (c *fakeLLM) Complete(ctx context.Context, req llm.Request) (string, error) {
	c.mu.Lock()
	i := c.calls
	c.calls++
	block := c.block
	var r fakeReply
	if len(c.replies) > 0 {
		r = c.replies[min(i, len(c.replies)-1)]
	}
	c.mu.Unlock()
	if block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return r.text, r.err
}

func (c *fakeLLM) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// collector drains a bus subscription in the background.
type collector struct {
	mu     sync.Mutex
	events []events.Event
	done   chan struct{}
}

func collect(t *testing.T, bus events.Bus, streamID string) *collector {
	t.Helper()
	ch, cancel, err := bus.Subscribe(context.Background(), streamID)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	c := &collector{done: make(chan struct{})}
	go func() {
		defer close(c.done)
		for ev := range ch {
			c.mu.Lock()
			c.events = append(c.events, ev)
			c.mu.Unlock()
		}
	}()
	t.Cleanup(func() {
		cancel()
		<-c.done
	})
	return c
}

func (c *collector) snapshot() []events.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]events.Event(nil), c.events...)
}

func (c *collector) statuses() []events.StatusPayload {
	var out []events.StatusPayload
	for _, ev := range c.snapshot() {
		if ev.Type != events.TypeStreamStatus {
			continue
		}
		var p events.StatusPayload
		if err := json.Unmarshal(ev.Data, &p); err == nil {
			out = append(out, p)
		}
	}
	return out
}

func (c *collector) countStatus(s events.Status) int {
	n := 0
	for _, p := range c.statuses() {
		if p.Status == s {
			n++
		}
	}
	return n
}

func (c *collector) countType(t events.Type) int {
	n := 0
	for _, ev := range c.snapshot() {
		if ev.Type == t {
			n++
		}
	}
	return n
}

func strPtr(s string) *string { return &s }

func chatMessages(texts ...string) []core.Message {
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	out := make([]core.Message, len(texts))
	for i, txt := range texts {
		out[i] = core.Message{ID: fmt.Sprintf("m%d", i), Author: fmt.Sprintf("user%d", i), Text: txt, Timestamp: base.Add(time.Duration(i) * time.Second)}
	}
	return out
}
