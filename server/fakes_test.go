package server

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/onnwee/chatlens/backend/core"
	"github.com/onnwee/chatlens/backend/pipeline"
)

type fakeStore struct {
	mu      sync.Mutex
	streams map[string]core.Stream
	history map[string][]core.AnalysisRecord
	pingErr error
	nextID  int
}

func newFakeStore() *fakeStore {
	return &fakeStore{streams: map[string]core.Stream{}, history: map[string][]core.AnalysisRecord{}}
}

func (s *fakeStore) put(st core.Stream) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streams[st.ID] = st
}

func (s *fakeStore) GetStream(ctx context.Context, id string) (core.Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[id]
	if !ok {
		return core.Stream{}, core.ErrNotFound
	}
	return st, nil
}

func (s *fakeStore) FindByExternalID(ctx context.Context, ownerID, externalID string) (core.Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range s.streams {
		if st.OwnerID == ownerID && st.ExternalID == externalID {
			return st, nil
		}
	}
	return core.Stream{}, core.ErrNotFound
}

func (s *fakeStore) CreateStream(ctx context.Context, ownerID string, d core.StreamDetails) (core.Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	st := core.Stream{
		ID:           fmt.Sprintf("stream-%d", s.nextID),
		OwnerID:      ownerID,
		ExternalID:   d.ExternalID,
		Title:        d.Title,
		ChannelTitle: d.ChannelTitle,
		IsActive:     true,
		IsLive:       d.IsLive,
		CreatedAt:    time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	if d.ChatSessionID != "" {
		chat := d.ChatSessionID
		st.ChatSessionID = &chat
	}
	s.streams[st.ID] = st
	return st, nil
}

func (s *fakeStore) Reactivate(ctx context.Context, id string, d core.StreamDetails) (core.Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[id]
	if !ok {
		return core.Stream{}, core.ErrNotFound
	}
	st.IsActive = true
	st.IsLive = d.IsLive
	if d.ChatSessionID != "" {
		chat := d.ChatSessionID
		st.ChatSessionID = &chat
	}
	s.streams[id] = st
	return st, nil
}

func (s *fakeStore) ListByOwner(ctx context.Context, ownerID string) ([]core.StreamHistory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []core.StreamHistory
	for _, st := range s.streams {
		if st.OwnerID == ownerID {
			out = append(out, core.StreamHistory{Stream: st, Analyses: s.history[st.ID]})
		}
	}
	return out, nil
}

func (s *fakeStore) Ping(ctx context.Context) error { return s.pingErr }

type fakeScheduler struct {
	mu       sync.Mutex
	started  []string
	stopped  []string
	running  map[string]string // stream -> owner
	startErr error
}

func newFakeScheduler() *fakeScheduler { return &fakeScheduler{running: map[string]string{}} }

func (f *fakeScheduler) Start(ctx context.Context, streamID, ownerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.started = append(f.started, streamID)
	f.running[streamID] = ownerID
	return nil
}

func (f *fakeScheduler) Stop(ctx context.Context, streamID, ownerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	owner, ok := f.running[streamID]
	if !ok {
		return nil
	}
	if owner != ownerID {
		return fmt.Errorf("stop stream %s: %w", streamID, core.ErrNotFound)
	}
	delete(f.running, streamID)
	f.stopped = append(f.stopped, streamID)
	return nil
}

func (f *fakeScheduler) Running(streamID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.running[streamID]
	return ok
}

func (f *fakeScheduler) Jobs() []pipeline.JobInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []pipeline.JobInfo
	for id, owner := range f.running {
		out = append(out, pipeline.JobInfo{StreamID: id, OwnerID: owner})
	}
	return out
}

type fakeSource struct {
	details map[string]core.StreamDetails
	err     error
	calls   int
}

func (f *fakeSource) GetStreamDetails(ctx context.Context, externalID string) (core.StreamDetails, error) {
	f.calls++
	if f.err != nil {
		return core.StreamDetails{}, f.err
	}
	d, ok := f.details[externalID]
	if !ok {
		return core.StreamDetails{}, fmt.Errorf("video %s: %w", externalID, core.ErrNotFound)
	}
	return d, nil
}

type fakeOAuth struct {
	configured bool
	codes      []string
}

func (f *fakeOAuth) Configured() bool { return f.configured }

func (f *fakeOAuth) AuthCodeURL(state string) string {
	return "https://accounts.example/auth?state=" + state
}

func (f *fakeOAuth) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	f.codes = append(f.codes, code)
	return &oauth2.Token{AccessToken: "at", RefreshToken: "rt", Expiry: time.Now().Add(time.Hour)}, nil
}
