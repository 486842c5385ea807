package analysis

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNoJSON means the text contained no JSON object, even after repair.
	ErrNoJSON = errors.New("no json object in model output")
	// ErrNoFacets means the object decoded but named none of the five facets.
	ErrNoFacets = errors.New("model output has no recognized facets")
	// ErrNoValidFacets means facets were named but none passed validation.
	ErrNoValidFacets = errors.New("model output has no valid facets")
)

// ParseEnvelope decodes model output into an Envelope. When the text is not a
// valid JSON object, the substring from the first '{' to the last '}' is tried
// instead, which also strips code fences and surrounding prose.
//
// Facets that are present but do not decode into their schema are left nil so
// the caller can fill them from another producer.
func ParseEnvelope(text string) (Envelope, error) {
	raw, err := decodeObject(text)
	if err != nil {
		return Envelope{}, err
	}
	var env Envelope
	found := 0
	if b, ok := raw["summary"]; ok {
		found++
		env.Summary = decodeFacet[SummaryFacet](b)
	}
	if b, ok := raw["sentiment"]; ok {
		found++
		env.Sentiment = decodeFacet[SentimentFacet](b)
	}
	if b, ok := raw["questions"]; ok {
		found++
		env.Questions = decodeFacet[QuestionsFacet](b)
	}
	if b, ok := raw["moderation"]; ok {
		found++
		env.Moderation = decodeFacet[ModerationFacet](b)
	}
	if b, ok := raw["trending"]; ok {
		found++
		env.Trending = decodeFacet[TrendingFacet](b)
	}
	if found == 0 {
		return Envelope{}, ErrNoFacets
	}
	return env, nil
}

func decodeObject(text string) (map[string]json.RawMessage, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal([]byte(text), &raw); err == nil && raw != nil {
		return raw, nil
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, ErrNoJSON
	}
	raw = nil
	if err := json.Unmarshal([]byte(text[start:end+1]), &raw); err != nil {
		return nil, fmt.Errorf("repair model output: %w", err)
	}
	if raw == nil {
		return nil, ErrNoJSON
	}
	return raw, nil
}

func decodeFacet[T any](b json.RawMessage) *T {
	if len(b) == 0 || string(b) == "null" {
		return nil
	}
	var v T
	if err := json.Unmarshal(b, &v); err != nil {
		return nil
	}
	return &v
}
