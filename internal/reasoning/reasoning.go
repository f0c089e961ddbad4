// Package reasoning abstracts the natural-language reasoning capability
// behind a single interface so no vendor protocol leaks into the engine.
package reasoning

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/aegisstack/aegis-ir/internal/utils"
)

// Capability produces free-form text for a system/user prompt pair.
type Capability interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// RootCauseResult is the structured contract expected from root-cause
// synthesis prompts.
type RootCauseResult struct {
	Statement  string  `json:"statement"`
	Confidence float64 `json:"confidence"`
}

// FailureClassification is the structured contract expected from
// execution-failure triage prompts.
type FailureClassification struct {
	Classification string  `json:"classification"`
	Confidence     float64 `json:"confidence"`
	AutoFixable    bool    `json:"auto_fixable"`
}

// ParseRootCause extracts a RootCauseResult from raw model output. The
// payload may be embedded in surrounding prose; the first JSON object
// found is used. Failures carry the parse error kind.
func ParseRootCause(raw string) (RootCauseResult, error) {
	var out RootCauseResult
	blob, err := extractJSON(raw)
	if err != nil {
		return out, utils.ParseError("reasoning.parse", "no JSON object in response", err)
	}
	if err := json.Unmarshal(blob, &out); err != nil {
		return out, utils.ParseError("reasoning.parse", "malformed root-cause payload", err)
	}
	if strings.TrimSpace(out.Statement) == "" {
		return RootCauseResult{}, utils.ParseError("reasoning.parse", "empty root-cause statement", nil)
	}
	out.Confidence = clamp01(out.Confidence)
	return out, nil
}

// ParseFailureClassification extracts a FailureClassification from raw
// model output.
func ParseFailureClassification(raw string) (FailureClassification, error) {
	var out FailureClassification
	blob, err := extractJSON(raw)
	if err != nil {
		return out, utils.ParseError("reasoning.parse", "no JSON object in response", err)
	}
	if err := json.Unmarshal(blob, &out); err != nil {
		return out, utils.ParseError("reasoning.parse", "malformed classification payload", err)
	}
	if strings.TrimSpace(out.Classification) == "" {
		return FailureClassification{}, utils.ParseError("reasoning.parse", "empty classification", nil)
	}
	out.Confidence = clamp01(out.Confidence)
	return out, nil
}

func extractJSON(raw string) ([]byte, error) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return nil, utils.NewAppError("reasoning.extract", "no object delimiters", nil)
	}
	return []byte(raw[start : end+1]), nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
