package analysis

import (
	"math"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// List caps applied during canonicalization.
const (
	MaxThemes = 6
	MaxTopics = 8

	minTopicRunes = 3
	// distributions further than this from 1 are rescaled
	sumTolerance = 0.02
)

// Canonicalizer brings envelopes from any producer into canonical form.
type Canonicalizer struct {
	// StopWord reports whether a lower-cased term carries no topical meaning.
	StopWord func(string) bool
}

// Canonicalize fills every absent or invalid facet of env from fallback and
// normalizes the lists and numbers of the result. Canonicalize is idempotent:
// running it on its own output returns an equal envelope.
func (c Canonicalizer) Canonicalize(env, fallback Envelope) Envelope {
	var out Envelope

	if s := c.summary(env.Summary); s != nil {
		out.Summary = s
	} else {
		out.Summary = c.summary(fallback.Summary)
	}
	if s := c.sentiment(env.Sentiment); s != nil {
		out.Sentiment = s
	} else {
		out.Sentiment = c.sentiment(fallback.Sentiment)
	}
	if q := c.questions(env.Questions); q != nil {
		out.Questions = q
	} else {
		out.Questions = c.questions(fallback.Questions)
	}
	if m := c.moderation(env.Moderation); m != nil {
		out.Moderation = m
	} else {
		out.Moderation = c.moderation(fallback.Moderation)
	}
	if t := c.trending(env.Trending); t != nil {
		out.Trending = t
	} else {
		out.Trending = c.trending(fallback.Trending)
	}
	return out
}

// Topics filters and normalizes a theme or topic list: entries shorter than
// three characters and stop-words are dropped, duplicates are removed
// case-insensitively and the survivors are title-cased, keeping at most max.
func (c Canonicalizer) Topics(in []string, max int) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, s := range in {
		t, ok := c.topic(s)
		if !ok {
			continue
		}
		key := strings.ToLower(t)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, t)
		if len(out) == max {
			break
		}
	}
	return out
}

func (c Canonicalizer) topic(s string) (string, bool) {
	s = strings.Join(strings.Fields(s), " ")
	if utf8.RuneCountInString(s) < minTopicRunes {
		return "", false
	}
	lower := strings.ToLower(s)
	if c.StopWord != nil && c.StopWord(lower) {
		return "", false
	}
	return TitleCase(lower), true
}

// TitleCase upper-cases the first letter of every word.
func TitleCase(s string) string {
	return cases.Title(language.Und).String(s)
}

func (c Canonicalizer) summary(in *SummaryFacet) *SummaryFacet {
	if in == nil {
		return nil
	}
	s := *in
	s.Summary = strings.TrimSpace(s.Summary)
	s.EngagementLevel = strings.ToLower(strings.TrimSpace(s.EngagementLevel))
	s.ViewerSentiment = strings.ToLower(strings.TrimSpace(s.ViewerSentiment))
	if s.Summary == "" || !oneOf(s.EngagementLevel, EngagementHigh, EngagementMedium, EngagementLow) ||
		!oneOf(s.ViewerSentiment, SentimentPositive, SentimentNeutral, SentimentNegative) {
		return nil
	}
	s.KeyThemes = c.Topics(s.KeyThemes, MaxThemes)
	s.NotableMoments = cleanStrings(s.NotableMoments, false)
	if s.WordCount <= 0 {
		s.WordCount = len(strings.Fields(s.Summary))
	}
	return &s
}

func (c Canonicalizer) sentiment(in *SentimentFacet) *SentimentFacet {
	if in == nil {
		return nil
	}
	s := *in
	s.OverallSentiment = strings.ToLower(strings.TrimSpace(s.OverallSentiment))
	if !oneOf(s.OverallSentiment, SentimentPositive, SentimentNeutral, SentimentNegative) {
		return nil
	}
	d := s.Distribution
	if d.Positive < 0 || d.Neutral < 0 || d.Negative < 0 || d.Sum() <= 0 {
		return nil
	}
	if sum := d.Sum(); math.Abs(sum-1) > sumTolerance {
		d = Distribution{Positive: d.Positive / sum, Neutral: d.Neutral / sum, Negative: d.Negative / sum}
	}
	s.Distribution = Distribution{Positive: Round2(d.Positive), Neutral: Round2(d.Neutral), Negative: Round2(d.Negative)}
	s.NegativeWords = cleanStrings(s.NegativeWords, true)
	s.Summary = strings.TrimSpace(s.Summary)
	return &s
}

func (c Canonicalizer) questions(in *QuestionsFacet) *QuestionsFacet {
	if in == nil {
		return nil
	}
	out := &QuestionsFacet{FrequentQuestions: make([]Question, 0, len(in.FrequentQuestions))}
	for _, q := range in.FrequentQuestions {
		q.Question = strings.TrimSpace(q.Question)
		if q.Question == "" {
			continue
		}
		if q.Count < 1 {
			q.Count = 1
		}
		q.Theme = strings.TrimSpace(q.Theme)
		if q.Theme == "" {
			q.Theme = "General"
		} else {
			q.Theme = TitleCase(strings.ToLower(q.Theme))
		}
		out.FrequentQuestions = append(out.FrequentQuestions, q)
	}
	return out
}

func (c Canonicalizer) moderation(in *ModerationFacet) *ModerationFacet {
	if in == nil {
		return nil
	}
	out := &ModerationFacet{
		PollSuggestions:       make([]Poll, 0, len(in.PollSuggestions)),
		ModerationAlerts:      cleanStrings(in.ModerationAlerts, false),
		EngagementSuggestions: cleanStrings(in.EngagementSuggestions, false),
	}
	for _, p := range in.PollSuggestions {
		p.Question = strings.TrimSpace(p.Question)
		p.Options = cleanStrings(p.Options, false)
		if p.Question == "" || len(p.Options) < 2 {
			continue
		}
		out.PollSuggestions = append(out.PollSuggestions, p)
	}
	return out
}

func (c Canonicalizer) trending(in *TrendingFacet) *TrendingFacet {
	if in == nil {
		return nil
	}
	out := &TrendingFacet{TrendingTopics: make([]Topic, 0, len(in.TrendingTopics))}
	seen := make(map[string]struct{}, len(in.TrendingTopics))
	for _, t := range in.TrendingTopics {
		name, ok := c.topic(t.Topic)
		if !ok {
			continue
		}
		key := strings.ToLower(name)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		t.Topic = name
		if t.Mentions < 0 {
			t.Mentions = 0
		}
		t.Keywords = cleanStrings(t.Keywords, true)
		out.TrendingTopics = append(out.TrendingTopics, t)
		if len(out.TrendingTopics) == MaxTopics {
			break
		}
	}
	return out
}

// Round2 rounds a distribution share to two decimal places, clamped to [0,1].
func Round2(v float64) float64 {
	v = math.Round(v*100) / 100
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// cleanStrings trims entries, drops empties and exact duplicates and never
// returns nil. With lower set, entries are lower-cased first.
func cleanStrings(in []string, lower bool) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if lower {
			s = strings.ToLower(s)
		}
		if s == "" {
			continue
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

func oneOf(v string, allowed ...string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}
