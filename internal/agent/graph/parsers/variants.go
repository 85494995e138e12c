package parsers

import (
	"encoding/json"
	"strings"
)

// ParseVariants reads a JSON array, or an object with a "variants" array,
// and returns at most limit distinct non-empty strings.
func ParseVariants(content string, limit int) (variants []string, err error) {
	defer recoverParse("variant_parser", &err)

	content = stripFences(bound("variant_parser", content))

	var raw []any
	if obj, ok := extractJSON(content, '{'); ok && strings.Index(content, "{") < indexOr(content, "[") {
		var wrapper struct {
			Variants []any `json:"variants"`
		}
		if err := json.Unmarshal([]byte(obj), &wrapper); err != nil {
			return nil, parseErr("decode variants: %v", err)
		}
		raw = wrapper.Variants
	} else if arr, ok := extractJSON(content, '['); ok {
		if err := json.Unmarshal([]byte(arr), &raw); err != nil {
			return nil, parseErr("decode variants: %v", err)
		}
	} else {
		return nil, parseErr("no variants in completion: %s", safeSnippet(content))
	}

	seen := map[string]bool{}
	for _, r := range raw {
		s, ok := r.(string)
		if !ok {
			continue
		}
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		variants = append(variants, s)
		if limit > 0 && len(variants) >= limit {
			break
		}
	}
	return variants, nil
}

func indexOr(s, sub string) int {
	if i := strings.Index(s, sub); i >= 0 {
		return i
	}
	return len(s)
}
