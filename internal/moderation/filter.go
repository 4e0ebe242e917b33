// Package moderation defines the events the engine moderates, turns them into
// classifier requests, and provides a keyword prescreen for image
// descriptions.
package moderation

import (
	"strings"
	"unicode"
)

// FilterResult reports whether a text matched the filter and on what term.
type FilterResult struct {
	Blocked bool
	Reason  string
	Term    string
}

// Filter matches whole words and multi-word phrases, case-insensitively and
// with common leetspeak substitutions folded. It is immutable after
// construction and safe for concurrent use.
type Filter struct {
	words   map[string]struct{}
	phrases [][]string
	reason  string
}

// defaultBlocklist covers direct harassment. Anything subtler is left to the
// classifier.
var defaultBlocklist = []string{
	"kill yourself",
	"kys",
	"go die",
	"neck yourself",
	"retard",
	"faggot",
	"nigger",
	"whore",
}

// NewFilter returns a filter over the default blocklist plus extra.
func NewFilter(extra ...string) *Filter {
	terms := append(append([]string(nil), defaultBlocklist...), extra...)
	return NewFilterWithTerms(terms)
}

// NewFilterWithTerms returns a filter over terms with reason "blocked_keyword".
// Blank terms are ignored.
func NewFilterWithTerms(terms []string) *Filter {
	return newFilter(terms, "blocked_keyword")
}

func newFilter(terms []string, reason string) *Filter {
	f := &Filter{words: make(map[string]struct{}), reason: reason}
	for _, term := range terms {
		tokens := tokenizePlain(term)
		switch len(tokens) {
		case 0:
		case 1:
			f.words[tokens[0]] = struct{}{}
		default:
			f.phrases = append(f.phrases, tokens)
		}
	}
	return f
}

// Check returns the first term found in text. Plain tokens are tried before
// leet-folded tokens.
func (f *Filter) Check(text string) FilterResult {
	if len(f.words) == 0 && len(f.phrases) == 0 {
		return FilterResult{}
	}
	for _, tokens := range [][]string{tokenizePlain(text), tokenizeLeet(text)} {
		if term, ok := f.match(tokens); ok {
			return FilterResult{Blocked: true, Reason: f.reason, Term: term}
		}
	}
	return FilterResult{}
}

func (f *Filter) match(tokens []string) (string, bool) {
	for _, tok := range tokens {
		if _, ok := f.words[tok]; ok {
			return tok, true
		}
	}
	for _, phrase := range f.phrases {
		if containsSequence(tokens, phrase) {
			return strings.Join(phrase, " "), true
		}
	}
	return "", false
}

func containsSequence(tokens, seq []string) bool {
outer:
	for i := 0; i+len(seq) <= len(tokens); i++ {
		for j := range seq {
			if tokens[i+j] != seq[j] {
				continue outer
			}
		}
		return true
	}
	return false
}

var leetReplacer = strings.NewReplacer(
	"0", "o",
	"1", "i",
	"3", "e",
	"4", "a",
	"5", "s",
	"7", "t",
	"@", "a",
	"$", "s",
	"!", "i",
)

func normalizeLeet(s string) string {
	return leetReplacer.Replace(strings.ToLower(s))
}

// tokenizePlain lowercases s and splits it on anything that is not a letter,
// digit or hyphen.
func tokenizePlain(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-'
	})
}

func tokenizeLeet(s string) []string {
	return tokenizePlain(normalizeLeet(s))
}
