// Package analysis defines the five-facet analysis envelope exchanged between
// the analyzers, the store and subscribers, along with the rules that bring any
// producer's output into canonical form.
package analysis

import (
	"encoding/json"
	"fmt"

	"github.com/onnwee/chatlens/backend/core"
)

// Envelope carries up to five facets. A nil facet is absent; an envelope with
// every facet nil is a heartbeat.
type Envelope struct {
	Summary    *SummaryFacet    `json:"summary,omitempty"`
	Sentiment  *SentimentFacet  `json:"sentiment,omitempty"`
	Questions  *QuestionsFacet  `json:"questions,omitempty"`
	Moderation *ModerationFacet `json:"moderation,omitempty"`
	Trending   *TrendingFacet   `json:"trending,omitempty"`
}

type SummaryFacet struct {
	Summary         string   `json:"summary"`
	KeyThemes       []string `json:"key_themes"`
	EngagementLevel string   `json:"engagement_level"`
	NotableMoments  []string `json:"notable_moments"`
	ViewerSentiment string   `json:"viewer_sentiment"`
	WordCount       int      `json:"word_count"`
}

type Distribution struct {
	Positive float64 `json:"positive"`
	Neutral  float64 `json:"neutral"`
	Negative float64 `json:"negative"`
}

// Sum returns positive+neutral+negative.
func (d Distribution) Sum() float64 { return d.Positive + d.Neutral + d.Negative }

type SentimentFacet struct {
	OverallSentiment string       `json:"overall_sentiment"`
	Distribution     Distribution `json:"distribution"`
	NegativeWords    []string     `json:"negative_words"`
	Summary          string       `json:"summary"`
}

type Question struct {
	Question string `json:"question"`
	Count    int    `json:"count"`
	Theme    string `json:"theme"`
}

type QuestionsFacet struct {
	FrequentQuestions []Question `json:"frequent_questions"`
}

type Poll struct {
	Question string   `json:"question"`
	Options  []string `json:"options"`
}

type ModerationFacet struct {
	PollSuggestions       []Poll   `json:"poll_suggestions"`
	ModerationAlerts      []string `json:"moderation_alerts"`
	EngagementSuggestions []string `json:"engagement_suggestions"`
}

type Topic struct {
	Topic    string   `json:"topic"`
	Mentions int      `json:"mentions"`
	Keywords []string `json:"keywords"`
}

type TrendingFacet struct {
	TrendingTopics []Topic `json:"trending_topics"`
}

// Engagement levels.
const (
	EngagementHigh   = "high"
	EngagementMedium = "medium"
	EngagementLow    = "low"
)

// Sentiment labels.
const (
	SentimentPositive = "positive"
	SentimentNeutral  = "neutral"
	SentimentNegative = "negative"
)

// IsHeartbeat reports whether no facet is present.
func (e Envelope) IsHeartbeat() bool {
	return e.Summary == nil && e.Sentiment == nil && e.Questions == nil && e.Moderation == nil && e.Trending == nil
}

// Complete reports whether all five facets are present.
func (e Envelope) Complete() bool {
	return e.Summary != nil && e.Sentiment != nil && e.Questions != nil && e.Moderation != nil && e.Trending != nil
}

// Facets returns the JSON encoding of every present facet keyed by type, in
// canonical facet order.
func (e Envelope) Facets() ([]FacetData, error) {
	var out []FacetData
	add := func(t core.FacetType, present bool, v any) error {
		if !present {
			return nil
		}
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("marshal %s facet: %w", t, err)
		}
		out = append(out, FacetData{Type: t, Data: b})
		return nil
	}
	if err := add(core.FacetSummary, e.Summary != nil, e.Summary); err != nil {
		return nil, err
	}
	if err := add(core.FacetSentiment, e.Sentiment != nil, e.Sentiment); err != nil {
		return nil, err
	}
	if err := add(core.FacetQuestions, e.Questions != nil, e.Questions); err != nil {
		return nil, err
	}
	if err := add(core.FacetModeration, e.Moderation != nil, e.Moderation); err != nil {
		return nil, err
	}
	if err := add(core.FacetTrending, e.Trending != nil, e.Trending); err != nil {
		return nil, err
	}
	return out, nil
}

// FacetData is one encoded facet.
type FacetData struct {
	Type core.FacetType
	Data json.RawMessage
}
