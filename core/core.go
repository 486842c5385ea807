// Package core holds the domain types shared by the store, the comment source,
// the analysis pipeline and the HTTP layer.
package core

import (
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a stream (or other record) does not exist or is
// not visible to the requesting owner.
var ErrNotFound = errors.New("not found")

// Stream is a monitored broadcast.
type Stream struct {
	ID            string
	OwnerID       string
	ExternalID    string // YouTube video id
	Title         string
	ChannelTitle  string
	IsActive      bool
	IsLive        bool
	ChatSessionID *string // live chat id, nil until resolved
	Cursor        *string // page token, nil means from the beginning
	LastLLMCallAt *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Message is one chat message or comment. Messages only live for one tick.
type Message struct {
	ID        string    `json:"id"`
	Author    string    `json:"author"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// StreamMetadata is the descriptive context handed to the analyzers.
type StreamMetadata struct {
	Title        string
	ChannelTitle string
	IsLive       bool
}

// Metadata returns the analysis metadata for s.
func (s Stream) Metadata() StreamMetadata {
	return StreamMetadata{Title: s.Title, ChannelTitle: s.ChannelTitle, IsLive: s.IsLive}
}

// StreamDetails is what the comment source knows about a video.
type StreamDetails struct {
	ExternalID    string
	Title         string
	ChannelTitle  string
	IsLive        bool
	ChatSessionID string
}

// Page is one page of messages returned by a comment source.
type Page struct {
	Messages   []Message
	NextCursor string
	PollHint   time.Duration
}

// FacetType names one of the five analysis facets.
type FacetType string

const (
	FacetSummary    FacetType = "summary"
	FacetSentiment  FacetType = "sentiment"
	FacetQuestions  FacetType = "questions"
	FacetModeration FacetType = "moderation"
	FacetTrending   FacetType = "trending"
)

// FacetTypes lists every facet in canonical order.
var FacetTypes = []FacetType{FacetSummary, FacetSentiment, FacetQuestions, FacetModeration, FacetTrending}

// Valid reports whether t is a known facet.
func (t FacetType) Valid() bool {
	for _, f := range FacetTypes {
		if f == t {
			return true
		}
	}
	return false
}

// Source records which producer generated an analysis.
type Source string

const (
	SourceLLM       Source = "llm"
	SourceHeuristic Source = "heuristic"
	SourceHeartbeat Source = "heartbeat"
)

// AnalysisRecord is one persisted facet result. Records are append-only.
type AnalysisRecord struct {
	ID        string          `json:"id"`
	StreamID  string          `json:"stream_id"`
	Type      FacetType       `json:"type"`
	Data      json.RawMessage `json:"data"`
	Source    Source          `json:"source"`
	CreatedAt time.Time       `json:"created_at"`
}

// StreamHistory is a stream together with its most recent analyses, newest
// first.
type StreamHistory struct {
	Stream   Stream
	Analyses []AnalysisRecord
}
