package heuristics

import (
	"regexp"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"
)

const minTokenRunes = 3

var urlRe = regexp.MustCompile(`(?i)\b(?:https?://|www\.)\S+`)

// Tokenize lower-cases text, strips URLs and punctuation (keeping '?' as its
// own token) and drops short tokens, stop-words and tokens without a letter.
func (l *Lexicon) Tokenize(text string) []string {
	text = urlRe.ReplaceAllString(strings.ToLower(text), " ")
	cleaned := strings.Map(func(r rune) rune {
		switch {
		case r == '?':
			return r
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			return r
		default:
			return ' '
		}
	}, text)
	cleaned = strings.ReplaceAll(cleaned, "?", " ? ")

	var out []string
	for _, tok := range strings.Fields(cleaned) {
		if utf8.RuneCountInString(tok) < minTokenRunes || l.IsStopWord(tok) || !hasLetter(tok) {
			continue
		}
		out = append(out, tok)
	}
	return out
}

func hasLetter(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) {
			return true
		}
	}
	return false
}

// counter counts keys and remembers first-occurrence order for tie-breaking.
type counter struct {
	counts map[string]int
	order  []string
}

func newCounter() *counter { return &counter{counts: map[string]int{}} }

func (c *counter) add(k string) {
	if _, ok := c.counts[k]; !ok {
		c.order = append(c.order, k)
	}
	c.counts[k]++
}

type entry struct {
	key   string
	count int
}

// top returns up to n entries by descending count, ties in first-seen order.
func (c *counter) top(n int) []entry {
	entries := make([]entry, 0, len(c.order))
	for _, k := range c.order {
		entries = append(entries, entry{key: k, count: c.counts[k]})
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].count > entries[j].count })
	if n >= 0 && len(entries) > n {
		entries = entries[:n]
	}
	return entries
}
