package synth

import (
	"errors"
	"strings"
)

// errNoJSON is returned by ExtractJSON when text holds no JSON object.
var errNoJSON = errors.New("no JSON object found in model output")

// ExtractJSON returns the first balanced JSON object in text. Models often
// wrap JSON in code fences or add a sentence before it; both are tolerated.
// Braces inside string literals are ignored.
func ExtractJSON(text string) (string, error) {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return "", errNoJSON
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1], nil
			}
		}
	}
	return "", errors.New("unterminated JSON object in model output")
}
