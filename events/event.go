// Package events carries per-stream notifications from the pipeline to
// subscribers. Two buses are provided: an in-process bus and a Redis pub/sub
// bus for deployments running more than one replica.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/onnwee/chatlens/backend/analysis"
	"github.com/onnwee/chatlens/backend/core"
)

// Type names an event kind on the wire.
type Type string

const (
	TypeNewAnalysis  Type = "newAnalysis"
	TypeStreamStatus Type = "streamStatus"
)

// Status is the lifecycle state reported by a streamStatus event.
type Status string

const (
	StatusRunning Status = "running"
	StatusStopped Status = "stopped"
	StatusError   Status = "error"
)

// Event is one message on a stream topic.
type Event struct {
	Type     Type            `json:"type"`
	StreamID string          `json:"streamId"`
	Data     json.RawMessage `json:"data"`
}

// AnalysisPayload is the data of a newAnalysis event: the present facets
// flattened next to the batch metadata.
type AnalysisPayload struct {
	analysis.Envelope
	Timestamp    time.Time   `json:"timestamp"`
	MessageCount int         `json:"messageCount"`
	Source       core.Source `json:"source"`
}

// StatusPayload is the data of a streamStatus event.
type StatusPayload struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// NewAnalysis builds a newAnalysis event.
func NewAnalysis(streamID string, p AnalysisPayload) (Event, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return Event{}, fmt.Errorf("marshal analysis event: %w", err)
	}
	return Event{Type: TypeNewAnalysis, StreamID: streamID, Data: b}, nil
}

// NewStatus builds a streamStatus event.
func NewStatus(streamID string, status Status, message string) Event {
	b, _ := json.Marshal(StatusPayload{Status: status, Message: message})
	return Event{Type: TypeStreamStatus, StreamID: streamID, Data: b}
}

// Bus fans events out to the subscribers of a stream.
type Bus interface {
	Publish(ctx context.Context, ev Event) error
	// Subscribe returns a channel of events for streamID and a function that
	// ends the subscription and closes the channel. The subscription also ends
	// when ctx is done.
	Subscribe(ctx context.Context, streamID string) (<-chan Event, func(), error)
	Close() error
}

// Topic returns the pub/sub channel name for a stream.
func Topic(streamID string) string { return "chatlens:stream:" + streamID }
