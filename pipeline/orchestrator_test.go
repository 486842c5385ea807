package pipeline

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onnwee/chatlens/backend/core"
	"github.com/onnwee/chatlens/backend/heuristics"
	"github.com/onnwee/chatlens/backend/llm"
)

const validReply = `{
 "summary": {"summary": "Chat is excited about the launch", "key_themes": ["Launch", "Rocket"],
   "engagement_level": "medium", "notable_moments": ["liftoff"], "viewer_sentiment": "positive", "word_count": 6},
 "sentiment": {"overall_sentiment": "positive", "distribution": {"positive": 0.7, "neutral": 0.2, "negative": 0.1},
   "negative_words": [], "summary": "Mostly upbeat"},
 "questions": {"frequent_questions": [{"question": "when is liftoff?", "count": 2, "theme": "Schedule"}]},
 "moderation": {"poll_suggestions": [{"question": "Best moment?", "options": ["Liftoff", "Landing"]}],
   "moderation_alerts": [], "engagement_suggestions": ["Ask about the next mission"]},
 "trending": {"trending_topics": [{"topic": "Rocket", "mentions": 4, "keywords": ["rocket"]}]}
}`

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testOrchestrator struct {
	*Orchestrator
	clock  *fakeClock
	sleeps []time.Duration
}

func newTestOrchestrator(client llm.Client, cfg OrchestratorConfig) *testOrchestrator {
	t := &testOrchestrator{clock: &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}}
	t.Orchestrator = NewOrchestrator(client, heuristics.New(nil), cfg)
	t.now = t.clock.Now
	t.sleep = func(ctx context.Context, d time.Duration) error {
		t.sleeps = append(t.sleeps, d)
		return ctx.Err()
	}
	return t
}

var sampleMeta = core.StreamMetadata{Title: "Rocket launch", ChannelTitle: "Space", IsLive: true}

func sampleBatch() []core.Message {
	return chatMessages(
		"this launch is amazing",
		"when is liftoff?",
		"the rocket looks awesome",
		"when is liftoff?",
		"great rocket stream",
	)
}

func TestAnalyze_LLMSuccess(t *testing.T) {
	client := &fakeLLM{replies: []fakeReply{{text: validReply}}}
	o := newTestOrchestrator(client, DefaultOrchestratorConfig())

	res := o.Analyze(context.Background(), "s1", sampleBatch(), sampleMeta)
	assert.Equal(t, core.SourceLLM, res.Source)
	require.True(t, res.Envelope.Complete())
	assert.Equal(t, "Chat is excited about the launch", res.Envelope.Summary.Summary)
	assert.Equal(t, []string{"Launch", "Rocket"}, res.Envelope.Summary.KeyThemes)
	assert.Equal(t, 1, client.callCount())
	assert.Empty(t, o.sleeps)
}

func TestAnalyze_CooldownReturnsHeartbeat(t *testing.T) {
	client := &fakeLLM{replies: []fakeReply{{text: validReply}}}
	o := newTestOrchestrator(client, DefaultOrchestratorConfig())

	first := o.Analyze(context.Background(), "s1", sampleBatch(), sampleMeta)
	require.Equal(t, core.SourceLLM, first.Source)

	o.clock.Advance(30 * time.Second)
	second := o.Analyze(context.Background(), "s1", sampleBatch(), sampleMeta)
	assert.True(t, second.Heartbeat())
	assert.True(t, second.Envelope.IsHeartbeat(), "cooldown result must carry no facets")
	assert.Equal(t, 1, client.callCount())

	// other streams are independent
	other := o.Analyze(context.Background(), "s2", sampleBatch(), sampleMeta)
	assert.Equal(t, core.SourceLLM, other.Source)

	o.clock.Advance(31 * time.Second)
	third := o.Analyze(context.Background(), "s1", sampleBatch(), sampleMeta)
	assert.Equal(t, core.SourceLLM, third.Source)
}

func TestAnalyze_FailedCallStillConsumesWindow(t *testing.T) {
	client := &fakeLLM{replies: []fakeReply{{err: errors.New("connection reset")}}}
	o := newTestOrchestrator(client, DefaultOrchestratorConfig())

	res := o.Analyze(context.Background(), "s1", sampleBatch(), sampleMeta)
	require.Equal(t, core.SourceHeuristic, res.Source)

	o.clock.Advance(10 * time.Second)
	assert.True(t, o.Analyze(context.Background(), "s1", sampleBatch(), sampleMeta).Heartbeat())
}

func TestAnalyze_ExhaustedRetriesEqualHeuristicOutput(t *testing.T) {
	client := &fakeLLM{replies: []fakeReply{
		{err: errors.New("dial tcp: i/o timeout")},
		{text: ""},
		{text: "I cannot help with that"},
	}}
	o := newTestOrchestrator(client, DefaultOrchestratorConfig())
	batch := sampleBatch()

	res := o.Analyze(context.Background(), "s1", batch, sampleMeta)
	assert.Equal(t, core.SourceHeuristic, res.Source)
	assert.Equal(t, 3, client.callCount())
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, o.sleeps)

	want := heuristics.New(nil).Analyze(batch, sampleMeta)
	if diff := cmp.Diff(want, res.Envelope); diff != "" {
		t.Errorf("fallback differs from heuristic output (-want +got):\n%s", diff)
	}
}

func TestAnalyze_RetryThenSuccess(t *testing.T) {
	client := &fakeLLM{replies: []fakeReply{
		{err: &llm.StatusError{Provider: "fake", Code: http.StatusTooManyRequests}},
		{text: validReply},
	}}
	o := newTestOrchestrator(client, DefaultOrchestratorConfig())

	res := o.Analyze(context.Background(), "s1", sampleBatch(), sampleMeta)
	assert.Equal(t, core.SourceLLM, res.Source)
	assert.Equal(t, 2, client.callCount())
	assert.Equal(t, []time.Duration{time.Second}, o.sleeps)
}

func TestAnalyze_RepairsWrappedJSON(t *testing.T) {
	client := &fakeLLM{replies: []fakeReply{{text: "Sure! Here you go:\n```json\n" + validReply + "\n```\nHope it helps"}}}
	o := newTestOrchestrator(client, DefaultOrchestratorConfig())

	res := o.Analyze(context.Background(), "s1", sampleBatch(), sampleMeta)
	assert.Equal(t, core.SourceLLM, res.Source)
	assert.Equal(t, 1, client.callCount())
}

func TestAnalyze_MissingFacetsFilledFromHeuristics(t *testing.T) {
	client := &fakeLLM{replies: []fakeReply{{text: `{"sentiment": {"overall_sentiment": "negative",
		"distribution": {"positive": 0.1, "neutral": 0.2, "negative": 0.7}, "negative_words": ["lag"], "summary": "laggy"},
		"summary": {"summary": "", "engagement_level": "extreme"}}`}}}
	o := newTestOrchestrator(client, DefaultOrchestratorConfig())
	batch := sampleBatch()

	res := o.Analyze(context.Background(), "s1", batch, sampleMeta)
	require.Equal(t, core.SourceLLM, res.Source)
	require.True(t, res.Envelope.Complete())
	assert.Equal(t, "negative", res.Envelope.Sentiment.OverallSentiment)

	h := heuristics.New(nil).Analyze(batch, sampleMeta)
	assert.Equal(t, h.Summary, res.Envelope.Summary, "invalid summary replaced by heuristic summary")
	assert.Equal(t, h.Trending, res.Envelope.Trending)
	assert.Equal(t, h.Questions, res.Envelope.Questions)
}

func TestAnalyze_NoValidFacetIsRetried(t *testing.T) {
	client := &fakeLLM{replies: []fakeReply{
		{text: `{"summary": "oops"}`},
		{text: `{"sentiment": {"overall_sentiment": "ecstatic"}}`},
		{text: validReply},
	}}
	o := newTestOrchestrator(client, DefaultOrchestratorConfig())

	res := o.Analyze(context.Background(), "s1", sampleBatch(), sampleMeta)
	assert.Equal(t, core.SourceLLM, res.Source)
	assert.Equal(t, 3, client.callCount())
	assert.Equal(t, "Chat is excited about the launch", res.Envelope.Summary.Summary)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, o.sleeps)
}

func TestAnalyze_OnlyInvalidFacetsFallsBackToHeuristics(t *testing.T) {
	client := &fakeLLM{replies: []fakeReply{{text: `{"summary": "oops"}`}}}
	o := newTestOrchestrator(client, DefaultOrchestratorConfig())
	batch := sampleBatch()

	res := o.Analyze(context.Background(), "s1", batch, sampleMeta)
	assert.Equal(t, core.SourceHeuristic, res.Source)
	assert.Equal(t, 3, client.callCount())
	if diff := cmp.Diff(heuristics.New(nil).Analyze(batch, sampleMeta), res.Envelope); diff != "" {
		t.Errorf("unexpected envelope (-want +got):\n%s", diff)
	}
}

func TestAnalyze_FatalStatusFallsBackImmediately(t *testing.T) {
	client := &fakeLLM{replies: []fakeReply{{err: &llm.StatusError{Provider: "fake", Code: http.StatusUnauthorized, Body: "bad key"}}}}
	o := newTestOrchestrator(client, DefaultOrchestratorConfig())

	res := o.Analyze(context.Background(), "s1", sampleBatch(), sampleMeta)
	assert.Equal(t, core.SourceHeuristic, res.Source)
	assert.Equal(t, 1, client.callCount())
	assert.Empty(t, o.sleeps)
}

func TestAnalyze_PerCallTimeout(t *testing.T) {
	client := &fakeLLM{block: true}
	cfg := DefaultOrchestratorConfig()
	cfg.CallTimeout = 10 * time.Millisecond
	o := newTestOrchestrator(client, cfg)

	res := o.Analyze(context.Background(), "s1", sampleBatch(), sampleMeta)
	assert.Equal(t, core.SourceHeuristic, res.Source)
	assert.Equal(t, 3, client.callCount(), "a per-call timeout is retryable")
}

func TestAnalyze_CanceledContextStopsRetrying(t *testing.T) {
	client := &fakeLLM{block: true}
	o := newTestOrchestrator(client, DefaultOrchestratorConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := o.Analyze(ctx, "s1", sampleBatch(), sampleMeta)
	assert.Equal(t, core.SourceHeuristic, res.Source)
	assert.Equal(t, 0, client.callCount())
}

func TestAnalyze_NoClientIsHeuristic(t *testing.T) {
	o := newTestOrchestrator(nil, DefaultOrchestratorConfig())
	batch := sampleBatch()

	res := o.Analyze(context.Background(), "s1", batch, sampleMeta)
	assert.Equal(t, core.SourceHeuristic, res.Source)
	if diff := cmp.Diff(heuristics.New(nil).Analyze(batch, sampleMeta), res.Envelope); diff != "" {
		t.Errorf("unexpected envelope (-want +got):\n%s", diff)
	}
}

func TestSeed(t *testing.T) {
	client := &fakeLLM{replies: []fakeReply{{text: validReply}}}
	o := newTestOrchestrator(client, DefaultOrchestratorConfig())

	recent := o.clock.Now().Add(-20 * time.Second)
	o.Seed("s1", recent)
	o.Seed("s1", recent.Add(-time.Hour)) // older value ignored
	last, ok := o.LastCall("s1")
	require.True(t, ok)
	assert.True(t, last.Equal(recent))

	assert.True(t, o.Analyze(context.Background(), "s1", sampleBatch(), sampleMeta).Heartbeat())
	assert.Equal(t, 0, client.callCount())
}

func TestClassify(t *testing.T) {
	live := context.Background()
	dead, cancel := context.WithCancel(context.Background())
	cancel()

	tests := []struct {
		name string
		ctx  context.Context
		err  error
		want outcome
	}{
		{"transport", live, errors.New("connection refused"), outcomeRetryable},
		{"empty", live, llm.ErrEmptyContent, outcomeRetryable},
		{"rate limited", live, &llm.StatusError{Code: 429}, outcomeRetryable},
		{"server error", live, &llm.StatusError{Code: 503}, outcomeRetryable},
		{"unauthorized", live, &llm.StatusError{Code: 401}, outcomeFallback},
		{"not configured", live, llm.ErrNotConfigured, outcomeFallback},
		{"deadline", live, context.DeadlineExceeded, outcomeRetryable},
		{"tick canceled", dead, context.Canceled, outcomeFallback},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classify(tt.ctx, tt.err))
		})
	}
	assert.Equal(t, "ok", outcomeOK.String())
	assert.Equal(t, "retryable", outcomeRetryable.String())
	assert.Equal(t, "fallback", outcomeFallback.String())
}
