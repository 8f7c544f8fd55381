package usecase

import (
	"strings"
	"unicode"
)

var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {}, "by": {}, "can": {},
	"do": {}, "does": {}, "for": {}, "from": {}, "how": {}, "i": {}, "in": {}, "is": {}, "it": {},
	"of": {}, "on": {}, "or": {}, "that": {}, "the": {}, "this": {}, "to": {}, "was": {}, "what": {},
	"when": {}, "where": {}, "which": {}, "who": {}, "why": {}, "with": {}, "you": {}, "me": {},
	"my": {}, "about": {}, "explain": {}, "tell": {}, "please": {}, "between": {},
}

// QueryTokens is the keyword form of a query handed to the sparse index.
func QueryTokens(query string) []string {
	tokens := splitAlphaNumLower(query)
	out := make([]string, 0, len(tokens))
	seen := make(map[string]struct{}, len(tokens))
	for _, token := range tokens {
		if _, stop := stopwords[token]; stop {
			continue
		}
		if _, dup := seen[token]; dup {
			continue
		}
		seen[token] = struct{}{}
		out = append(out, token)
	}
	return out
}

func contentTokenSet(s string) map[string]struct{} {
	tokens := splitAlphaNumLower(s)
	out := make(map[string]struct{}, len(tokens))
	for _, token := range tokens {
		if _, stop := stopwords[token]; stop {
			continue
		}
		out[token] = struct{}{}
	}
	return out
}

func tokenOverlap(query, text map[string]struct{}) float64 {
	if len(query) == 0 || len(text) == 0 {
		return 0
	}
	matches := 0
	for token := range query {
		if _, ok := text[token]; ok {
			matches++
		}
	}
	return float64(matches) / float64(len(query))
}

func splitAlphaNumLower(s string) []string {
	if s == "" {
		return nil
	}

	tokens := make([]string, 0, 16)
	var b strings.Builder
	for _, r := range s {
		r = unicode.ToLower(r)
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			continue
		}
		if b.Len() > 0 {
			tokens = append(tokens, b.String())
			b.Reset()
		}
	}
	if b.Len() > 0 {
		tokens = append(tokens, b.String())
	}
	return tokens
}
