package heuristics

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed lexicon.yaml
var defaultLexicon []byte

// Lexicon holds the word lists used by the analyzers.
type Lexicon struct {
	StopWords []string `yaml:"stop_words"`
	Positive  []string `yaml:"positive"`
	Negative  []string `yaml:"negative"`

	stop, pos, neg map[string]struct{}
}

// DefaultLexicon returns the built-in word lists.
func DefaultLexicon() *Lexicon {
	lex, err := parseLexicon(defaultLexicon)
	if err != nil {
		panic(fmt.Sprintf("heuristics: embedded lexicon: %v", err))
	}
	return lex
}

// LoadLexicon returns the built-in lexicon with any non-empty list replaced by
// the matching list from the YAML file at path. An empty path yields the
// built-in lexicon.
func LoadLexicon(path string) (*Lexicon, error) {
	lex := DefaultLexicon()
	if path == "" {
		return lex, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read lexicon: %w", err)
	}
	override, err := parseLexicon(b)
	if err != nil {
		return nil, fmt.Errorf("parse lexicon %s: %w", path, err)
	}
	if len(override.StopWords) > 0 {
		lex.StopWords = override.StopWords
	}
	if len(override.Positive) > 0 {
		lex.Positive = override.Positive
	}
	if len(override.Negative) > 0 {
		lex.Negative = override.Negative
	}
	lex.index()
	return lex, nil
}

func parseLexicon(b []byte) (*Lexicon, error) {
	var lex Lexicon
	if err := yaml.Unmarshal(b, &lex); err != nil {
		return nil, err
	}
	lex.index()
	return &lex, nil
}

func (l *Lexicon) index() {
	l.stop = toSet(l.StopWords)
	l.pos = toSet(l.Positive)
	l.neg = toSet(l.Negative)
}

func toSet(words []string) map[string]struct{} {
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		if w = strings.ToLower(strings.TrimSpace(w)); w != "" {
			m[w] = struct{}{}
		}
	}
	return m
}

// IsStopWord reports whether the lower-cased word is a stop-word.
func (l *Lexicon) IsStopWord(w string) bool {
	_, ok := l.stop[w]
	return ok
}

func (l *Lexicon) isPositive(w string) bool {
	_, ok := l.pos[w]
	return ok
}

func (l *Lexicon) isNegative(w string) bool {
	_, ok := l.neg[w]
	return ok
}
