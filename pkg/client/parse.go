package client

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/menta2k/cover-identifier/pkg/types"
)

var (
	reBlock    = regexp.MustCompile(`(?s)/\*.*?\*/`)
	reLine     = regexp.MustCompile(`(?m)^\s*//.*$`)
	reInline   = regexp.MustCompile(`(?m)[ \t]+//[^"\n]*$`)
	reTrailing = regexp.MustCompile(`,(\s*[}\]])`)
)

// ParseCoverAnalysis parses the answer of a vision model. Answers that are not
// JSON are reported as "not found" rather than as errors, so an unhelpful
// model degrades to NoCoverDetected instead of an inference failure.
func ParseCoverAnalysis(raw string) *types.CoverAnalysis {
	raw = SanitizeModelJSON(raw)

	if !strings.HasPrefix(raw, "{") {
		return &types.CoverAnalysis{Description: "model returned non-JSON response"}
	}

	var result types.CoverAnalysis
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return &types.CoverAnalysis{Description: "failed to parse model response"}
	}
	if result.Box.W <= 0 || result.Box.H <= 0 {
		result.Found = false
	}
	return &result
}

// SanitizeModelJSON removes code fences, comments, and trailing commas from JSON response
func SanitizeModelJSON(raw string) string {
	raw = strings.TrimSpace(raw)

	// Strip triple-backtick fences if present
	if strings.HasPrefix(raw, "```") {
		if i := strings.Index(raw, "\n"); i >= 0 {
			raw = raw[i+1:]
		}
		if j := strings.LastIndex(raw, "```"); j >= 0 {
			raw = raw[:j]
		}
	}
	raw = strings.TrimSpace(raw)
	raw = strings.Trim(raw, "`")

	raw = reBlock.ReplaceAllString(raw, "")
	raw = reLine.ReplaceAllString(raw, "")
	raw = reInline.ReplaceAllString(raw, "")
	raw = reTrailing.ReplaceAllString(raw, "$1")

	// Keep only the outermost {...}
	if start := strings.Index(raw, "{"); start >= 0 {
		if end := strings.LastIndex(raw, "}"); end > start {
			raw = raw[start : end+1]
		}
	}
	return strings.TrimSpace(raw)
}
