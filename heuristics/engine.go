// Package heuristics produces all five analysis facets from a message batch
// using word lists and frequency counts. Output is deterministic and already
// in canonical form, so it doubles as the fallback when no model is available.
package heuristics

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/onnwee/chatlens/backend/analysis"
	"github.com/onnwee/chatlens/backend/core"
)

const (
	highEngagementCount   = 120
	mediumEngagementCount = 50

	summaryThemes     = 4
	summaryQuestions  = 2
	summaryExcerpts   = 3
	maxSummaryWords   = 200
	maxExcerptRunes   = 80
	topQuestions      = 5
	trendingCandidate = 12
	trendingMinCount  = 2
	trendingCap       = 6
	maxSpamAlerts     = 3

	// a label wins when its count exceeds the other by this factor
	sentimentRatio = 1.5
)

// Engine is safe for concurrent use.
type Engine struct {
	lex *Lexicon
}

// New returns an engine over lex, or over the built-in lexicon when lex is nil.
func New(lex *Lexicon) *Engine {
	if lex == nil {
		lex = DefaultLexicon()
	}
	return &Engine{lex: lex}
}

// Lexicon returns the word lists in use.
func (e *Engine) Lexicon() *Lexicon { return e.lex }

// Canonicalizer returns a canonicalizer sharing this engine's stop-words.
func (e *Engine) Canonicalizer() analysis.Canonicalizer {
	return analysis.Canonicalizer{StopWord: e.lex.IsStopWord}
}

// Analyze returns a complete envelope for messages.
func (e *Engine) Analyze(messages []core.Message, meta core.StreamMetadata) analysis.Envelope {
	tokens := make([][]string, len(messages))
	for i, m := range messages {
		tokens[i] = e.lex.Tokenize(m.Text)
	}
	sentiment := e.sentiment(tokens)
	questions := e.questions(messages)
	return analysis.Envelope{
		Summary:    e.summary(messages, tokens, sentiment, questions, meta),
		Sentiment:  sentiment,
		Questions:  questions,
		Moderation: e.moderation(messages),
		Trending:   e.trending(tokens),
	}
}

func (e *Engine) sentiment(tokens [][]string) *analysis.SentimentFacet {
	var pos, neg, neutral int
	negSeen := map[string]struct{}{}
	negWords := []string{}
	for _, toks := range tokens {
		var isPos, isNeg bool
		for _, t := range toks {
			if e.lex.isPositive(t) {
				isPos = true
			}
			if e.lex.isNegative(t) {
				isNeg = true
				if _, ok := negSeen[t]; !ok {
					negSeen[t] = struct{}{}
					negWords = append(negWords, t)
				}
			}
		}
		if isPos {
			pos++
		}
		if isNeg {
			neg++
		}
		if !isPos && !isNeg {
			neutral++
		}
	}

	label := analysis.SentimentNeutral
	switch {
	case float64(pos) > sentimentRatio*float64(neg):
		label = analysis.SentimentPositive
	case float64(neg) > sentimentRatio*float64(pos):
		label = analysis.SentimentNegative
	}

	dist := analysis.Distribution{Neutral: 1}
	// a message may count as both positive and negative, so divide by the
	// bucket total to keep the shares summing to one
	if total := pos + neg + neutral; total > 0 {
		dist = analysis.Distribution{
			Positive: analysis.Round2(float64(pos) / float64(total)),
			Neutral:  analysis.Round2(float64(neutral) / float64(total)),
			Negative: analysis.Round2(float64(neg) / float64(total)),
		}
	}

	return &analysis.SentimentFacet{
		OverallSentiment: label,
		Distribution:     dist,
		NegativeWords:    negWords,
		Summary:          fmt.Sprintf("%d of %d messages read positive and %d negative; overall tone is %s.", pos, len(tokens), neg, label),
	}
}

func (e *Engine) questions(messages []core.Message) *analysis.QuestionsFacet {
	c := newCounter()
	for _, m := range messages {
		if !strings.Contains(m.Text, "?") {
			continue
		}
		if q := normalizeSpace(m.Text); q != "" {
			c.add(q)
		}
	}
	out := &analysis.QuestionsFacet{FrequentQuestions: []analysis.Question{}}
	for _, en := range c.top(topQuestions) {
		out.FrequentQuestions = append(out.FrequentQuestions, analysis.Question{Question: en.key, Count: en.count, Theme: "General"})
	}
	return out
}

func (e *Engine) trending(tokens [][]string) *analysis.TrendingFacet {
	out := &analysis.TrendingFacet{TrendingTopics: []analysis.Topic{}}
	for _, en := range tokenCounts(tokens).top(trendingCandidate) {
		if en.count < trendingMinCount {
			continue
		}
		out.TrendingTopics = append(out.TrendingTopics, analysis.Topic{
			Topic:    analysis.TitleCase(en.key),
			Mentions: en.count,
			Keywords: []string{en.key},
		})
		if len(out.TrendingTopics) == trendingCap {
			break
		}
	}
	return out
}

func (e *Engine) moderation(messages []core.Message) *analysis.ModerationFacet {
	alerts := []string{}
	seen := map[string]struct{}{}
	for _, m := range messages {
		lower := strings.ToLower(m.Text)
		if !strings.Contains(lower, "http") && !strings.Contains(lower, "subscribe") {
			continue
		}
		alert := fmt.Sprintf("Possible spam from %s: %q", authorOr(m.Author), excerpt(m.Text))
		if _, dup := seen[alert]; dup {
			continue
		}
		seen[alert] = struct{}{}
		alerts = append(alerts, alert)
		if len(alerts) == maxSpamAlerts {
			break
		}
	}
	return &analysis.ModerationFacet{
		PollSuggestions: []analysis.Poll{{
			Question: "What should we do next?",
			Options:  []string{"Keep going", "Switch it up", "Q&A break"},
		}},
		ModerationAlerts:      alerts,
		EngagementSuggestions: []string{"Answer a few recent questions from chat to keep viewers engaged."},
	}
}

func (e *Engine) summary(messages []core.Message, tokens [][]string, sent *analysis.SentimentFacet, qs *analysis.QuestionsFacet, meta core.StreamMetadata) *analysis.SummaryFacet {
	n := len(messages)
	level := analysis.EngagementLow
	switch {
	case n > highEngagementCount:
		level = analysis.EngagementHigh
	case n > mediumEngagementCount:
		level = analysis.EngagementMedium
	}

	themes := []string{}
	for _, en := range tokenCounts(tokens).top(summaryThemes) {
		themes = append(themes, analysis.TitleCase(en.key))
	}
	excerpts := recentExcerpts(messages, summaryExcerpts)

	var b strings.Builder
	title := meta.Title
	if title == "" {
		title = "this stream"
	}
	if n == 0 {
		fmt.Fprintf(&b, "No new chat messages for %s.", title)
	} else {
		fmt.Fprintf(&b, "Chat posted %d messages during %s.", n, title)
	}
	if len(themes) > 0 {
		fmt.Fprintf(&b, " Viewers are mostly talking about %s.", strings.Join(themes, ", "))
	}
	if len(qs.FrequentQuestions) > 0 {
		var asked []string
		for i, q := range qs.FrequentQuestions {
			if i == summaryQuestions {
				break
			}
			asked = append(asked, fmt.Sprintf("%q", q.Question))
		}
		fmt.Fprintf(&b, " Frequent questions include %s.", strings.Join(asked, " and "))
	}
	fmt.Fprintf(&b, " The overall tone is %s.", sent.OverallSentiment)
	if len(excerpts) > 0 {
		quoted := make([]string, len(excerpts))
		for i, x := range excerpts {
			quoted[i] = fmt.Sprintf("%q", x)
		}
		fmt.Fprintf(&b, " Recent messages: %s.", strings.Join(quoted, ", "))
	}

	words := strings.Fields(b.String())
	if len(words) > maxSummaryWords {
		words = words[:maxSummaryWords]
	}
	return &analysis.SummaryFacet{
		Summary:         strings.Join(words, " "),
		KeyThemes:       themes,
		EngagementLevel: level,
		NotableMoments:  excerpts,
		ViewerSentiment: sent.OverallSentiment,
		WordCount:       len(words),
	}
}

func tokenCounts(tokens [][]string) *counter {
	c := newCounter()
	for _, toks := range tokens {
		for _, t := range toks {
			c.add(t)
		}
	}
	return c
}

// recentExcerpts returns up to n distinct excerpts from the end of the batch in
// chronological order.
func recentExcerpts(messages []core.Message, n int) []string {
	out := []string{}
	seen := map[string]struct{}{}
	for i := len(messages) - 1; i >= 0 && len(out) < n; i-- {
		x := excerpt(messages[i].Text)
		if x == "" {
			continue
		}
		if _, dup := seen[x]; dup {
			continue
		}
		seen[x] = struct{}{}
		out = append(out, x)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

func excerpt(text string) string {
	text = normalizeSpace(text)
	if utf8.RuneCountInString(text) <= maxExcerptRunes {
		return text
	}
	r := []rune(text)
	return strings.TrimSpace(string(r[:maxExcerptRunes])) + "…"
}

func normalizeSpace(s string) string { return strings.Join(strings.Fields(s), " ") }

func authorOr(a string) string {
	if a == "" {
		return "unknown user"
	}
	return a
}
