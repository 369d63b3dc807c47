// internal/llmutil/parser.go

// Package llmutil holds helpers for coercing free-form model output into typed values.
package llmutil

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	json "github.com/json-iterator/go"
)

// Fenced blocks are matched with \x60 because raw strings cannot hold backticks.
var fencedJSON = regexp.MustCompile("(?s)\x60\x60\x60(?:json|JSON)?\\s*(.*?)\\s*\x60\x60\x60")

// ExtractJSON isolates the JSON document inside a model response. It strips
// markdown fences and conversational text around the outermost object or
// array. The input is returned trimmed when no structure is found.
func ExtractJSON(response string) string {
	response = strings.TrimSpace(response)
	if m := fencedJSON.FindStringSubmatch(response); len(m) > 1 {
		response = strings.TrimSpace(m[1])
	}
	if strings.HasPrefix(response, "{") || strings.HasPrefix(response, "[") {
		return response
	}

	for _, pair := range [][2]string{{"{", "}"}, {"[", "]"}} {
		first := strings.Index(response, pair[0])
		last := strings.LastIndex(response, pair[1])
		if first != -1 && last > first {
			return response[first : last+1]
		}
	}
	return response
}

// ParseJSONResponse decodes a model response into T after ExtractJSON.
func ParseJSONResponse[T any](response string) (*T, error) {
	doc := ExtractJSON(response)
	var result T
	if err := json.Unmarshal([]byte(doc), &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal LLM JSON response: %w (extracted: %s)", err, Truncate(doc, 500))
	}
	return &result, nil
}

// Truncate keeps the first limit runes of s, marking the cut with "...".
func Truncate(s string, limit int) string {
	if limit <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	return string([]rune(s)[:limit]) + "..."
}

// TrimTail keeps the last limit runes of s, prefixed with "..." when cut.
// Error text usually ends with the specific cause, so the tail is what matters.
func TrimTail(s string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return "..." + string(runes[len(runes)-limit:])
}
