// Package pipeline runs the per-stream analysis loop: a Scheduler owns one job
// per active stream, each tick a Fetcher pulls the new messages, an
// Orchestrator turns them into an analysis envelope (LLM first, heuristics as
// fallback) and a Publisher persists and broadcasts the result.
package pipeline

import (
	"context"
	"time"

	"github.com/onnwee/chatlens/backend/core"
)

// CommentSource is the upstream message provider (YouTube Data API).
type CommentSource interface {
	GetStreamDetails(ctx context.Context, externalID string) (core.StreamDetails, error)
	FetchLive(ctx context.Context, chatSessionID, cursor string) (core.Page, error)
	FetchRecorded(ctx context.Context, externalID, cursor string) (core.Page, error)
}

// StreamStore is the subset of the stream store the scheduler needs.
type StreamStore interface {
	GetActiveStream(ctx context.Context, id, ownerID string) (core.Stream, error)
	GetStream(ctx context.Context, id string) (core.Stream, error)
	UpdateDetails(ctx context.Context, id string, d core.StreamDetails) error
	UpdateCursor(ctx context.Context, id, cursor string) error
	SetActive(ctx context.Context, id string, active bool) error
	TouchLLMCall(ctx context.Context, id string, at time.Time) error
	ListActive(ctx context.Context) ([]core.Stream, error)
}

// AnalysisStore persists facet results.
type AnalysisStore interface {
	InsertAnalysis(ctx context.Context, rec core.AnalysisRecord) error
}
