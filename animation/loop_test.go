package animation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/foundry-ci/foundry/status"
)

// TestRunS7AnimationLoop exercises seed scenario S7: two iterations, the
// first below threshold, the second done at score 90.
func TestRunS7AnimationLoop(t *testing.T) {
	calls := 0
	verdicts := []Verdict{
		{Done: false, Score: 60, Suggestions: []string{"reduce left leg rotation at frame 13"}},
		{Done: true, Score: 90},
	}

	var persisted []status.AnimationIteration
	loop := &Loop{
		Produce: func(ctx context.Context, prompt string, feedback []string) (interface{}, error) {
			return "artifact", nil
		},
		Render: func(ctx context.Context, artifact interface{}) (interface{}, error) {
			return "measurement", nil
		},
		Evaluate: func(ctx context.Context, measurement interface{}, requirements string, threshold float64) (Verdict, error) {
			v := verdicts[calls]
			calls++
			return v, nil
		},
		Persist: func(iteration status.AnimationIteration) error {
			persisted = append(persisted, iteration)
			return nil
		},
	}

	outcome, err := loop.Run(context.Background(), "animate a walk cycle", "smooth gait", 85, 5)
	require.NoError(t, err)
	require.True(t, outcome.Success)
	require.Len(t, outcome.Iterations, 2)
	require.Equal(t, float64(90), outcome.FinalScore)
	require.Len(t, persisted, 2)
}

// TestRunCoercesDoneBelowThreshold exercises invariant 8: a verdict reporting
// done=true with score below threshold must not terminate the loop early.
func TestRunCoercesDoneBelowThreshold(t *testing.T) {
	calls := 0
	verdicts := []Verdict{
		{Done: true, Score: 50}, // contradicts threshold; must be coerced
		{Done: true, Score: 95},
	}

	loop := &Loop{
		Produce:  func(ctx context.Context, prompt string, feedback []string) (interface{}, error) { return nil, nil },
		Render:   func(ctx context.Context, artifact interface{}) (interface{}, error) { return nil, nil },
		Evaluate: func(ctx context.Context, measurement interface{}, requirements string, threshold float64) (Verdict, error) {
			v := verdicts[calls]
			calls++
			return v, nil
		},
	}

	outcome, err := loop.Run(context.Background(), "p", "r", 85, 5)
	require.NoError(t, err)
	require.True(t, outcome.Success)
	require.Len(t, outcome.Iterations, 2)
	require.False(t, outcome.Iterations[0].Done)
	require.True(t, outcome.Iterations[1].Done)
}

func TestRunExhaustsMaxIterations(t *testing.T) {
	loop := &Loop{
		Produce:  func(ctx context.Context, prompt string, feedback []string) (interface{}, error) { return nil, nil },
		Render:   func(ctx context.Context, artifact interface{}) (interface{}, error) { return nil, nil },
		Evaluate: func(ctx context.Context, measurement interface{}, requirements string, threshold float64) (Verdict, error) {
			return Verdict{Done: false, Score: 10}, nil
		},
	}

	outcome, err := loop.Run(context.Background(), "p", "r", 85, 3)
	require.NoError(t, err)
	require.False(t, outcome.Success)
	require.Equal(t, "max_iterations reached", outcome.Reason)
	require.Len(t, outcome.Iterations, 3)
}
