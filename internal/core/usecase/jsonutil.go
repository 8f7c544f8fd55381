package usecase

import "strings"

// extractJSONObject returns the first balanced {...} value in raw, skipping
// prose or code fences a model wraps around it.
func extractJSONObject(raw string) string {
	return extractBalanced(raw, '{', '}')
}

func extractJSONArray(raw string) string {
	return extractBalanced(raw, '[', ']')
}

func extractBalanced(raw string, open, closing rune) string {
	start := strings.IndexRune(raw, open)
	if start < 0 {
		return raw
	}
	depth := 0
	inString := false
	escaped := false
	for i, r := range raw[start:] {
		if inString {
			switch {
			case escaped:
				escaped = false
			case r == '\\':
				escaped = true
			case r == '"':
				inString = false
			}
			continue
		}
		switch r {
		case '"':
			inString = true
		case open:
			depth++
		case closing:
			depth--
			if depth == 0 {
				return raw[start : start+i+1]
			}
		}
	}
	return raw[start:]
}
