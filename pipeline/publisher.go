package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/onnwee/chatlens/backend/core"
	"github.com/onnwee/chatlens/backend/events"
	"github.com/onnwee/chatlens/backend/telemetry"
)

// PublishMeta describes the batch a result was computed from.
type PublishMeta struct {
	Timestamp    time.Time
	MessageCount int
}

// Publisher persists facet results and broadcasts them to stream subscribers.
type Publisher struct {
	store AnalysisStore
	bus   events.Bus
	log   *slog.Logger
}

func NewPublisher(store AnalysisStore, bus events.Bus) *Publisher {
	return &Publisher{store: store, bus: bus, log: slog.Default().With(slog.String("component", "publisher"))}
}

// Publish stores every present facet with the result's source and then emits
// a newAnalysis event. Heartbeats are broadcast but not stored. Failures are
// logged and counted; a failed insert does not stop the broadcast.
func (p *Publisher) Publish(ctx context.Context, streamID string, res Result, meta PublishMeta) {
	if meta.Timestamp.IsZero() {
		meta.Timestamp = time.Now().UTC()
	}
	if !res.Heartbeat() {
		p.persist(ctx, streamID, res, meta.Timestamp)
	}

	ev, err := events.NewAnalysis(streamID, events.AnalysisPayload{
		Envelope:     res.Envelope,
		Timestamp:    meta.Timestamp,
		MessageCount: meta.MessageCount,
		Source:       res.Source,
	})
	if err != nil {
		telemetry.IncPublishFailure("broadcast")
		p.log.Error("encode analysis event", slog.String("stream_id", streamID), slog.Any("err", err))
		return
	}
	if err := p.bus.Publish(ctx, ev); err != nil {
		telemetry.IncPublishFailure("broadcast")
		p.log.Error("broadcast analysis", slog.String("stream_id", streamID), slog.Any("err", err))
	}
}

func (p *Publisher) persist(ctx context.Context, streamID string, res Result, at time.Time) {
	facets, err := res.Envelope.Facets()
	if err != nil {
		telemetry.IncPublishFailure("persist")
		p.log.Error("encode facets", slog.String("stream_id", streamID), slog.Any("err", err))
		return
	}
	for _, f := range facets {
		err := p.store.InsertAnalysis(ctx, core.AnalysisRecord{
			StreamID:  streamID,
			Type:      f.Type,
			Data:      f.Data,
			Source:    res.Source,
			CreatedAt: at,
		})
		if err != nil {
			telemetry.IncPublishFailure("persist")
			p.log.Error("persist analysis",
				slog.String("stream_id", streamID),
				slog.String("type", string(f.Type)),
				slog.Any("err", err))
		}
	}
}

// PublishStatus emits a streamStatus event.
func (p *Publisher) PublishStatus(ctx context.Context, streamID string, status events.Status, message string) {
	if err := p.bus.Publish(ctx, events.NewStatus(streamID, status, message)); err != nil {
		telemetry.IncPublishFailure("broadcast")
		p.log.Warn("broadcast status", slog.String("stream_id", streamID), slog.String("status", string(status)), slog.Any("err", err))
	}
}
