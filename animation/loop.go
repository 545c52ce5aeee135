// Package animation implements the IterativeQualityLoop contract (§4.7 of
// SPEC_FULL.md): a generalized produce→verify→refine loop for quality-gated
// artifact workers, grounded on original_source's
// apps/roblox-animation/src/animation_tools/orchestrator.py and on the
// teacher's retry-with-feedback shape in processQAStage/processUXStage.
package animation

import (
	"context"
	"fmt"

	"github.com/foundry-ci/foundry/status"
)

// Verdict is the evaluator's authoritative judgment of one iteration's
// measurement. The driver never re-scores: a reported Done with
// Score < threshold is coerced to needs-work by Run (§8 invariant 8).
type Verdict struct {
	Done        bool
	Score       float64
	Issues      []string
	Suggestions []string
}

// Producer builds a candidate artifact from a prompt and accumulated
// feedback from prior iterations. It may fail; a failed iteration is not
// evaluated or persisted, but an entry carrying the error is appended to
// the outcome's iterations, and the loop proceeds to the next iteration
// budget permitting.
type Producer func(ctx context.Context, prompt string, feedback []string) (artifact interface{}, err error)

// Renderer turns an artifact into a measurement the Evaluator can judge
// (e.g. rendered frames, a scene export).
type Renderer func(ctx context.Context, artifact interface{}) (measurement interface{}, err error)

// Evaluator judges a measurement against requirements and a quality
// threshold. Its verdict is authoritative.
type Evaluator func(ctx context.Context, measurement interface{}, requirements string, threshold float64) (Verdict, error)

// Outcome is the terminal result of a Run.
type Outcome struct {
	Success    bool
	Artifact   interface{}
	Iterations []status.AnimationIteration
	FinalScore float64
	Reason     string
}

// Loop ties a Producer/Renderer/Evaluator triple to a persistence callback.
type Loop struct {
	Produce  Producer
	Render   Renderer
	Evaluate Evaluator

	// Persist is invoked after every iteration's verdict, before the next
	// iteration begins, satisfying the spec's "persists every iteration's
	// verdict... before starting the next iteration" requirement.
	Persist func(iteration status.AnimationIteration) error
}

// Run executes the produce→render→evaluate loop for up to maxIterations,
// starting from prompt and an empty feedback accumulator.
func (l *Loop) Run(ctx context.Context, prompt, requirements string, threshold float64, maxIterations int) (Outcome, error) {
	var feedback []string
	var iterations []status.AnimationIteration

	for i := 1; i <= maxIterations; i++ {
		select {
		case <-ctx.Done():
			return Outcome{Success: false, Iterations: iterations, Reason: "cancelled"}, ctx.Err()
		default:
		}

		artifact, err := l.Produce(ctx, prompt, feedback)
		if err != nil {
			iterations = append(iterations, status.AnimationIteration{Iteration: i, Done: false, Issues: []string{err.Error()}})
			continue
		}

		measurement, err := l.Render(ctx, artifact)
		if err != nil {
			iterations = append(iterations, status.AnimationIteration{Iteration: i, Done: false, Issues: []string{err.Error()}})
			continue
		}

		verdict, err := l.Evaluate(ctx, measurement, requirements, threshold)
		if err != nil {
			return Outcome{}, fmt.Errorf("animation: evaluate iteration %d: %w", i, err)
		}

		// The evaluator's verdict is authoritative, but a "done" report below
		// the configured threshold is a contradiction the driver must not
		// trust (§8 invariant 8): coerce it to needs-work and continue.
		if verdict.Done && verdict.Score < threshold {
			verdict.Done = false
		}

		record := status.AnimationIteration{
			Iteration:   i,
			Done:        verdict.Done,
			Score:       verdict.Score,
			Issues:      verdict.Issues,
			Suggestions: verdict.Suggestions,
		}
		iterations = append(iterations, record)
		if l.Persist != nil {
			if err := l.Persist(record); err != nil {
				return Outcome{}, fmt.Errorf("animation: persist iteration %d: %w", i, err)
			}
		}

		if verdict.Done {
			return Outcome{Success: true, Artifact: artifact, Iterations: iterations, FinalScore: verdict.Score}, nil
		}
		feedback = verdict.Suggestions
	}

	return Outcome{Success: false, Iterations: iterations, Reason: "max_iterations reached"}, nil
}
