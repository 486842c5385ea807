package llm

import (
	"fmt"
	"strings"
	"time"

	"github.com/onnwee/chatlens/backend/core"
)

const analysisSystemPrompt = `You analyze YouTube live chat and comment batches for a streamer.
REQUIREMENTS:
1. Respond with a single valid JSON object only, no prose and no code fences.
2. Keep the summary under 200 words and focus on viewer engagement and key discussion points.
3. Sentiment distribution values are proportions of messages and must sum to 1.
4. List at most 5 frequent questions, grouping similar questions together.
5. Suggest engaging polls, flag spam or toxicity, and suggest topics the streamer should address.
6. Rank trending topics by frequency and relevance.
JSON SCHEMA:
{
  "summary": {
    "summary": "Brief summary of chat activity",
    "key_themes": ["theme1", "theme2"],
    "engagement_level": "high|medium|low",
    "notable_moments": ["moment1", "moment2"],
    "viewer_sentiment": "positive|neutral|negative",
    "word_count": 150
  },
  "sentiment": {
    "overall_sentiment": "positive|neutral|negative",
    "distribution": {"positive": 0.6, "neutral": 0.3, "negative": 0.1},
    "negative_words": ["word"],
    "summary": "One sentence describing the mood of the chat."
  },
  "questions": {
    "frequent_questions": [{"question": "What graphics card do you use?", "count": 15, "theme": "Hardware"}]
  },
  "moderation": {
    "poll_suggestions": [{"question": "What should we build next?", "options": ["A castle", "A spaceship"]}],
    "moderation_alerts": ["User 'spammer123' is sending repetitive links."],
    "engagement_suggestions": ["Many viewers are asking about your setup. Consider a quick tour."]
  },
  "trending": {
    "trending_topics": [{"topic": "New Update", "mentions": 25, "keywords": ["update", "patch"]}]
  }
}`

// AnalysisRequest builds the single request that asks for all five facets.
func AnalysisRequest(messages []core.Message, meta core.StreamMetadata) Request {
	var b strings.Builder
	title := meta.Title
	if title == "" {
		title = "untitled stream"
	}
	fmt.Fprintf(&b, "Analyze this chat from the YouTube stream %q.\n", title)
	b.WriteString("STREAM CONTEXT:\n")
	if meta.ChannelTitle != "" {
		fmt.Fprintf(&b, "- Channel: %s\n", meta.ChannelTitle)
	}
	if meta.IsLive {
		b.WriteString("- Mode: live chat\n")
	} else {
		b.WriteString("- Mode: comments on a recorded video\n")
	}
	if len(messages) > 0 {
		fmt.Fprintf(&b, "- Time range: %s to %s\n",
			messages[0].Timestamp.UTC().Format(time.RFC3339),
			messages[len(messages)-1].Timestamp.UTC().Format(time.RFC3339))
	}
	fmt.Fprintf(&b, "CHAT MESSAGES (%d messages):\n", len(messages))
	for _, m := range messages {
		fmt.Fprintf(&b, "[%s] %s: %s\n", m.Timestamp.UTC().Format(time.RFC3339), m.Author, strings.Join(strings.Fields(m.Text), " "))
	}
	return Request{System: analysisSystemPrompt, User: b.String(), JSON: true}
}
