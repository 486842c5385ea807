package pipeline

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/onnwee/chatlens/backend/core"
	"github.com/onnwee/chatlens/backend/telemetry"
)

const (
	modeLive     = "live"
	modeRecorded = "recorded"

	// ids remembered per stream for dropping redelivered messages
	seenPerStream = 5000
)

// Batch is the result of one fetch.
type Batch struct {
	Messages   []core.Message
	NextCursor string
	PollHint   time.Duration
}

// Fetcher pulls the messages of a stream that arrived after its cursor.
// Sources repeat their last page when nothing follows it, so the ids already
// returned for a stream are remembered and dropped from later batches.
type Fetcher struct {
	source CommentSource
	log    *slog.Logger

	mu   sync.Mutex
	seen map[string]*seenIDs
}

func NewFetcher(source CommentSource) *Fetcher {
	return &Fetcher{
		source: source,
		log:    slog.Default().With(slog.String("component", "fetcher")),
		seen:   make(map[string]*seenIDs),
	}
}

// Forget drops the remembered ids of a stream.
func (f *Fetcher) Forget(streamID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.seen, streamID)
}

// Fetch never fails: transport errors are logged and produce an empty batch
// with no cursor, so the stored cursor stays where it was. Messages are
// returned oldest first and only once per stream.
func (f *Fetcher) Fetch(ctx context.Context, st core.Stream) Batch {
	cursor := ""
	if st.Cursor != nil {
		cursor = *st.Cursor
	}

	var (
		page core.Page
		err  error
		mode = modeRecorded
	)
	if st.IsLive {
		mode = modeLive
		if st.ChatSessionID == nil || *st.ChatSessionID == "" {
			f.log.Warn("live stream has no chat session", slog.String("stream_id", st.ID))
			return Batch{}
		}
		page, err = f.source.FetchLive(ctx, *st.ChatSessionID, cursor)
	} else {
		page, err = f.source.FetchRecorded(ctx, st.ExternalID, cursor)
	}
	if err != nil {
		telemetry.IncFetchFailure(mode)
		f.log.Warn("fetch failed", slog.String("stream_id", st.ID), slog.String("mode", mode), slog.Any("err", err))
		return Batch{PollHint: page.PollHint}
	}

	msgs := f.unseen(st.ID, page.Messages)
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].Timestamp.Before(msgs[j].Timestamp) })
	f.log.Debug("fetched messages",
		slog.String("stream_id", st.ID),
		slog.String("mode", mode),
		slog.Int("count", len(msgs)),
		slog.Int("repeated", len(page.Messages)-len(msgs)),
		slog.Duration("poll_hint", page.PollHint))
	return Batch{Messages: msgs, NextCursor: page.NextCursor, PollHint: page.PollHint}
}

// unseen returns the messages whose ids were not returned before and records
// them. Messages without an id are always new.
func (f *Fetcher) unseen(streamID string, msgs []core.Message) []core.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids, ok := f.seen[streamID]
	if !ok {
		ids = newSeenIDs(seenPerStream)
		f.seen[streamID] = ids
	}
	out := make([]core.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.ID != "" && !ids.add(m.ID) {
			continue
		}
		out = append(out, m)
	}
	return out
}

// seenIDs is a set of at most max ids; the oldest id is evicted first.
type seenIDs struct {
	max   int
	set   map[string]struct{}
	order []string
	next  int
}

func newSeenIDs(max int) *seenIDs {
	return &seenIDs{max: max, set: make(map[string]struct{}, max)}
}

// add reports whether id was not in the set.
func (s *seenIDs) add(id string) bool {
	if _, ok := s.set[id]; ok {
		return false
	}
	if len(s.order) < s.max {
		s.order = append(s.order, id)
	} else {
		delete(s.set, s.order[s.next])
		s.order[s.next] = id
		s.next = (s.next + 1) % s.max
	}
	s.set[id] = struct{}{}
	return true
}
