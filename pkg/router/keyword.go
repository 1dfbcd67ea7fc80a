package router

import (
	"strings"

	"github.com/kadirpekel/devicebroker/pkg/registry"
)

// extractKeywords lowercases and splits text on non-alphanumeric runs,
// the simplest keyword index that lets the fast path compare against a
// device's declared IntentKeywords without pulling in an NLP dependency
// no pack example reaches for at this layer.
func extractKeywords(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
	seen := make(map[string]struct{}, len(fields))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out
}

// keywordOverlap counts how many of want appear in have.
func keywordOverlap(want, have []string) int {
	haveSet := make(map[string]struct{}, len(have))
	for _, h := range have {
		haveSet[h] = struct{}{}
	}
	n := 0
	for _, w := range want {
		if _, ok := haveSet[w]; ok {
			n++
		}
	}
	return n
}

// bestToolBySchema picks the device tool whose declared input schema
// best matches arguments, per spec.md §4.5 step 1's "best-matching tool
// by input-schema compatibility". With no arguments (the keyword fast
// path calls it this way) it picks the tool with the fewest required
// fields, favoring triggers over parameterized tools. With arguments, it
// scores each tool by how many provided keys the schema declares as
// properties, preferring the tool that covers the most of them with the
// fewest unmet required fields.
func bestToolBySchema(tools []registry.Tool, arguments map[string]any) (registry.Tool, bool) {
	if len(tools) == 0 {
		return registry.Tool{}, false
	}
	if len(arguments) == 0 {
		best := tools[0]
		bestRequired := requiredCount(best.InputSchema)
		for _, t := range tools[1:] {
			if n := requiredCount(t.InputSchema); n < bestRequired {
				best, bestRequired = t, n
			}
		}
		return best, true
	}

	var best registry.Tool
	bestScore := -1
	for _, t := range tools {
		score := schemaCoverage(t.InputSchema, arguments)
		if score > bestScore {
			best, bestScore = t, score
		}
	}
	return best, bestScore >= 0
}

func requiredCount(schema map[string]any) int {
	req, _ := schema["required"].([]any)
	return len(req)
}

// schemaCoverage counts how many argument keys the schema's top-level
// "properties" declares, minus how many required properties are absent
// from arguments — a plain JSON-Schema draft-7 style object schema, the
// shape devicetool.Tool and registry.Tool both declare.
func schemaCoverage(schema map[string]any, arguments map[string]any) int {
	props, _ := schema["properties"].(map[string]any)
	covered := 0
	for key := range arguments {
		if _, ok := props[key]; ok {
			covered++
		}
	}
	missing := 0
	if required, ok := schema["required"].([]any); ok {
		for _, r := range required {
			key, ok := r.(string)
			if !ok {
				continue
			}
			if _, present := arguments[key]; !present {
				missing++
			}
		}
	}
	return covered - missing
}
