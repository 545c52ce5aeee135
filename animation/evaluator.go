package animation

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/foundry-ci/foundry/provider"
)

// Measurement is the reference Renderer's output: one or more rendered
// frames plus a free-form description of the scene, matching the shape
// original_source's Blender render step hands to its Gemini analyzer.
type Measurement struct {
	Frames      [][]byte
	Description string
}

// VisionEvaluator implements Evaluator against a vision-capable Provider
// (the GoogleProvider by default, per SPEC_FULL.md §4.9). The model is
// instructed to return strict JSON so the verdict parse is deterministic.
type VisionEvaluator struct {
	prov provider.Provider
}

// NewVisionEvaluator wraps prov as an Evaluator.
func NewVisionEvaluator(prov provider.Provider) *VisionEvaluator {
	return &VisionEvaluator{prov: prov}
}

// Evaluate satisfies the Evaluator function type.
func (v *VisionEvaluator) Evaluate(ctx context.Context, measurement interface{}, requirements string, threshold float64) (Verdict, error) {
	m, ok := measurement.(Measurement)
	if !ok {
		return Verdict{}, fmt.Errorf("animation: vision evaluator given unexpected measurement type %T", measurement)
	}

	prompt := fmt.Sprintf(
		"Requirements: %s\nQuality threshold: %.0f\nScene description: %s\n\n"+
			"Respond with strict JSON: {\"done\": bool, \"score\": number 0-100, \"issues\": [string], \"suggestions\": [string]}.",
		requirements, threshold, m.Description,
	)

	resp, err := v.prov.Generate(ctx, provider.Request{
		SystemPrompt: "You are a strict quality reviewer for 3D animation renders. Only return the requested JSON.",
		UserPrompt:   prompt,
		Images:       m.Frames,
	})
	if err != nil {
		return Verdict{}, fmt.Errorf("animation: vision provider call: %w", err)
	}

	var parsed struct {
		Done        bool     `json:"done"`
		Score       float64  `json:"score"`
		Issues      []string `json:"issues"`
		Suggestions []string `json:"suggestions"`
	}
	text := strings.TrimSpace(resp.Text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	if err := json.Unmarshal([]byte(strings.TrimSpace(text)), &parsed); err != nil {
		return Verdict{}, fmt.Errorf("animation: parse evaluator verdict: %w", err)
	}

	return Verdict{Done: parsed.Done, Score: parsed.Score, Issues: parsed.Issues, Suggestions: parsed.Suggestions}, nil
}
