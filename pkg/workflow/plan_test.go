package workflow

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParsePlanNumberedList(t *testing.T) {
	t.Parallel()

	p := ParsePlan(`Here is the plan:
1. Collect the logs
2. Summarise errors (deps: 1)
3) Draft the report after 1, 2
Thanks.`)
	steps := p.Steps()
	require.Len(t, steps, 3)
	require.Equal(t, "Collect the logs", steps[0].Title)
	require.Equal(t, "Summarise errors", steps[1].Title)
	require.Equal(t, []string{"1"}, steps[1].Dependencies)
	require.Equal(t, "Draft the report", steps[2].Title)
	require.Equal(t, []string{"1", "2"}, steps[2].Dependencies)
	require.Equal(t, StepPending, steps[0].Status)
}

func TestParsePlanBulletsAndJSON(t *testing.T) {
	t.Parallel()

	p := ParsePlan("- read after lunch\n- write")
	require.Equal(t, []PlanStep{
		{ID: "1", Title: "read after lunch", Status: StepPending},
		{ID: "2", Title: "write", Status: StepPending},
	}, p.Steps())

	p = ParsePlan(`[{"id": 1, "title": "fetch"}, {"id": "b", "step": "parse", "dependencies": [1]}]`)
	steps := p.Steps()
	require.Len(t, steps, 2)
	require.Equal(t, "1", steps[0].ID)
	require.Equal(t, "parse", steps[1].Title)
	require.Equal(t, []string{"1"}, steps[1].Dependencies)

	require.Zero(t, ParsePlan("   ").Len())
}

func TestPlanWaves(t *testing.T) {
	t.Parallel()

	p := NewPlan(
		PlanStep{Title: "a"},
		PlanStep{Title: "b", Dependencies: []string{"1"}},
		PlanStep{Title: "c"},
		PlanStep{Title: "d", Dependencies: []string{"2", "3", "99"}},
	)
	waves, err := p.Waves()
	require.NoError(t, err)
	require.Len(t, waves, 3)
	require.Equal(t, []string{"a", "c"}, titles(waves[0]))
	require.Equal(t, []string{"b"}, titles(waves[1]))
	require.Equal(t, []string{"d"}, titles(waves[2]))

	require.NoError(t, p.SetStatus("2", StepCompleted))
	require.Equal(t, StepCompleted, p.Steps()[1].Status)
	require.Error(t, p.SetStatus("nope", StepFailed))

	cyclic := NewPlan(PlanStep{ID: "x", Dependencies: []string{"y"}}, PlanStep{ID: "y", Dependencies: []string{"x"}})
	_, err = cyclic.Waves()
	require.True(t, errors.Is(err, ErrPlanCycle))
}

func titles(steps []PlanStep) []string {
	out := make([]string, len(steps))
	for i, s := range steps {
		out[i] = s.Title
	}
	return out
}
