package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/onnwee/chatlens/backend/analysis"
	"github.com/onnwee/chatlens/backend/core"
	"github.com/onnwee/chatlens/backend/heuristics"
	"github.com/onnwee/chatlens/backend/llm"
	"github.com/onnwee/chatlens/backend/telemetry"
)

// Result is the analysis produced for one batch.
type Result struct {
	Envelope analysis.Envelope
	Source   core.Source
}

// Heartbeat reports whether the result carries no facets.
func (r Result) Heartbeat() bool { return r.Source == core.SourceHeartbeat }

// outcome classifies a single LLM attempt.
type outcome int

const (
	// outcomeOK means the reply parsed into at least one facet.
	outcomeOK outcome = iota
	// outcomeRetryable covers transport errors, empty and unparsable replies.
	outcomeRetryable
	// outcomeFallback stops the LLM path: the heuristic engine takes over.
	outcomeFallback
)

func (o outcome) String() string {
	switch o {
	case outcomeOK:
		return "ok"
	case outcomeRetryable:
		return "retryable"
	default:
		return "fallback"
	}
}

// OrchestratorConfig tunes the LLM call protocol.
type OrchestratorConfig struct {
	RateLimitWindow time.Duration
	MaxAttempts     int
	BackoffUnit     time.Duration
	CallTimeout     time.Duration
}

// DefaultOrchestratorConfig returns the production defaults.
func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		RateLimitWindow: time.Minute,
		MaxAttempts:     3,
		BackoffUnit:     time.Second,
		CallTimeout:     45 * time.Second,
	}
}

// Orchestrator decides per batch whether to call the LLM, retries it, repairs
// and canonicalizes its reply, and falls back to the heuristic engine.
type Orchestrator struct {
	client llm.Client
	engine *heuristics.Engine
	canon  analysis.Canonicalizer
	cfg    OrchestratorConfig
	log    *slog.Logger

	mu       sync.Mutex
	lastCall map[string]time.Time

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewOrchestrator builds an orchestrator. A nil client makes every analysis
// heuristic.
func NewOrchestrator(client llm.Client, engine *heuristics.Engine, cfg OrchestratorConfig) *Orchestrator {
	if engine == nil {
		engine = heuristics.New(nil)
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	return &Orchestrator{
		client:   client,
		engine:   engine,
		canon:    engine.Canonicalizer(),
		cfg:      cfg,
		log:      slog.Default().With(slog.String("component", "orchestrator")),
		lastCall: make(map[string]time.Time),
		now:      time.Now,
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Seed restores the last LLM call time of a stream, e.g. after a restart.
// Earlier times than the one already known are ignored.
func (o *Orchestrator) Seed(streamID string, at time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if cur, ok := o.lastCall[streamID]; !ok || at.After(cur) {
		o.lastCall[streamID] = at
	}
}

// LastCall returns the last LLM call time recorded for a stream.
func (o *Orchestrator) LastCall(streamID string) (time.Time, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	t, ok := o.lastCall[streamID]
	return t, ok
}

// claim records a call for streamID unless it is inside its cooldown window.
func (o *Orchestrator) claim(streamID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	now := o.now()
	if last, ok := o.lastCall[streamID]; ok && now.Sub(last) < o.cfg.RateLimitWindow {
		return false
	}
	o.lastCall[streamID] = now
	return true
}

// Analyze produces the envelope for one batch. Inside the stream's cooldown
// window it returns a heartbeat without facets. It never fails.
func (o *Orchestrator) Analyze(ctx context.Context, streamID string, messages []core.Message, meta core.StreamMetadata) Result {
	ctx, span := telemetry.StartSpan(ctx, "orchestrator.analyze",
		telemetry.StreamAttr(streamID), attribute.Int("messages", len(messages)))
	defer span.End()

	if !o.claim(streamID) {
		telemetry.IncCooldownSkip()
		o.log.Info("skipping llm call inside cooldown", slog.String("stream_id", streamID))
		span.SetAttributes(attribute.String("source", string(core.SourceHeartbeat)))
		return Result{Source: core.SourceHeartbeat}
	}

	heuristic := o.engine.Analyze(messages, meta)
	if o.client == nil {
		span.SetAttributes(attribute.String("source", string(core.SourceHeuristic)))
		return Result{Envelope: heuristic, Source: core.SourceHeuristic}
	}

	req := llm.AnalysisRequest(messages, meta)
	for attempt := 1; attempt <= o.cfg.MaxAttempts; attempt++ {
		env, out, err := o.attempt(ctx, req)
		telemetry.IncLLMAttempt(out.String())
		if out == outcomeOK {
			span.SetAttributes(attribute.String("source", string(core.SourceLLM)), attribute.Int("attempt", attempt))
			return Result{Envelope: o.canon.Canonicalize(env, heuristic), Source: core.SourceLLM}
		}
		o.log.Warn("llm attempt failed",
			slog.String("stream_id", streamID),
			slog.Int("attempt", attempt),
			slog.String("outcome", out.String()),
			slog.Any("err", err))
		if out == outcomeFallback || attempt == o.cfg.MaxAttempts {
			break
		}
		if err := o.sleep(ctx, time.Duration(attempt)*o.cfg.BackoffUnit); err != nil {
			break
		}
	}

	telemetry.IncFallback()
	o.log.Info("using heuristic analysis", slog.String("stream_id", streamID))
	span.SetAttributes(attribute.String("source", string(core.SourceHeuristic)))
	return Result{Envelope: heuristic, Source: core.SourceHeuristic}
}

func (o *Orchestrator) attempt(ctx context.Context, req llm.Request) (analysis.Envelope, outcome, error) {
	if ctx.Err() != nil {
		return analysis.Envelope{}, outcomeFallback, ctx.Err()
	}
	callCtx := ctx
	if o.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, o.cfg.CallTimeout)
		defer cancel()
	}

	start := time.Now()
	text, err := o.client.Complete(callCtx, req)
	telemetry.ObserveSince(telemetry.LLMLatency, start)
	if err != nil {
		return analysis.Envelope{}, classify(ctx, err), err
	}
	env, err := analysis.ParseEnvelope(text)
	if err != nil {
		return analysis.Envelope{}, outcomeRetryable, err
	}
	// a reply whose facets all fail validation carries nothing from the model
	if o.canon.Canonicalize(env, analysis.Envelope{}).IsHeartbeat() {
		return analysis.Envelope{}, outcomeRetryable, analysis.ErrNoValidFacets
	}
	return env, outcomeOK, nil
}

// classify maps a client error to an attempt outcome. Cancellation of the
// tick and errors no retry can fix end the LLM path.
func classify(ctx context.Context, err error) outcome {
	if ctx.Err() != nil || errors.Is(err, llm.ErrNotConfigured) {
		return outcomeFallback
	}
	var se *llm.StatusError
	if errors.As(err, &se) {
		switch {
		case se.Code == http.StatusTooManyRequests, se.Code >= 500:
			return outcomeRetryable
		case se.Code == http.StatusUnauthorized, se.Code == http.StatusForbidden, se.Code == http.StatusPaymentRequired:
			return outcomeFallback
		}
	}
	return outcomeRetryable
}
