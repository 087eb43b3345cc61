// Package timestep implements batched timesteps of the
// policy-environment interaction. Because all environments in a batch
// share a single episode length, a TimeStep carries one StepType for
// the whole batch alongside per-environment rewards and observations.
package timestep

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// StepType denotes the type of step that a TimeStep can be, either the
// first environmental step, a middle step, or a last step
type StepType int

const (
	First StepType = iota
	Mid
	Last
)

func (s StepType) String() string {
	switch s {
	case First:
		return "First"
	case Last:
		return "Last"
	default:
		return "Mid"
	}
}

// TimeStep packages together a single batched timestep. Observation
// holds one row per environment. Reset reports which environments must
// be reset before their next action is accepted. SuccessRate is only
// meaningful on Last steps.
type TimeStep struct {
	StepType
	Reward      *mat.VecDense
	Observation *mat.Dense
	Reset       []bool
	SuccessRate float64
	Number      int
}

func New(t StepType, r *mat.VecDense, o *mat.Dense, reset []bool,
	n int) TimeStep {
	return TimeStep{t, r, o, reset, 0.0, n}
}

// First returns whether a TimeStep is the first in an episode
func (t *TimeStep) First() bool {
	return t.StepType == First
}

// Mid returns whether a TimeStep is a middle step in an episode
func (t *TimeStep) Mid() bool {
	return t.StepType == Mid
}

// Last returns whether a TimeStep is the last step in an episode
func (t *TimeStep) Last() bool {
	return t.StepType == Last
}

// AnyReset returns whether any environment in the batch is flagged for
// reset
func (t *TimeStep) AnyReset() bool {
	for _, r := range t.Reset {
		if r {
			return true
		}
	}
	return false
}

func (t TimeStep) String() string {
	str := "TimeStep | Type: %v  |  Mean Reward:  %.4f  |  Step Number:  %v"

	return fmt.Sprintf(str, t.StepType, mat.Sum(t.Reward)/
		float64(t.Reward.Len()), t.Number)
}
