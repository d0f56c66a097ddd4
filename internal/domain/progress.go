package domain

import (
	"fmt"
	"strings"
)

// StepType names a phase of the external training process. A job's Progress
// field holds the last step type successfully applied ("" when no step has
// been applied yet).
type StepType string

const (
	StepLoad          StepType = "load"
	StepOptimizeStart StepType = "optimize_start"
	StepOptimize      StepType = "optimize"
	StepSearched      StepType = "searched"
	StepFinalTrain    StepType = "final_train"
	StepEvaluate      StepType = "evaluate"
	StepPersist       StepType = "persist"
)

// stepOrder fixes the total order of progress values. Optimize repeats at its
// position; everything else is applied at most once.
func stepOrder(t StepType) int {
	switch t {
	case StepLoad:
		return 1
	case StepOptimizeStart:
		return 2
	case StepOptimize:
		return 3
	case StepSearched:
		return 4
	case StepFinalTrain:
		return 5
	case StepEvaluate:
		return 6
	case StepPersist:
		return 7
	default:
		return 0
	}
}

var stepSuccessors = map[StepType]StepType{
	StepLoad:          StepOptimizeStart,
	StepOptimizeStart: StepOptimize,
	StepOptimize:      StepSearched,
	StepSearched:      StepFinalTrain,
	StepFinalTrain:    StepEvaluate,
	StepEvaluate:      StepPersist,
}

// NormalizeStepType maps a wire value to a canonical step type, or "" when
// unrecognized.
func NormalizeStepType(value string) StepType {
	t := StepType(strings.ToLower(strings.TrimSpace(value)))
	if stepOrder(t) == 0 {
		return ""
	}
	return t
}

// Repeatable reports whether a step type may be applied more than once per
// job. OptimizeStart and Optimize are the only repeatable types.
func (t StepType) Repeatable() bool {
	return t == StepOptimizeStart || t == StepOptimize
}

// TransitionError reports an illegal progress transition. Expected is empty
// when no further transition is legal from From.
type TransitionError struct {
	From     StepType
	To       StepType
	Expected StepType
}

func (e *TransitionError) Error() string {
	if e.Expected == "" {
		from := string(e.From)
		if from == "" {
			from = "terminal"
		}
		return fmt.Sprintf("no further transitions from %s state, rejected %s", from, e.To)
	}
	return fmt.Sprintf("invalid transition: cannot go from %s to %s, expected %s", e.From, e.To, e.Expected)
}

// CheckTransition decides whether proposed is a legal next step for a job
// whose last applied step is current.
//
// An unset current accepts any first step, tolerating event streams that
// start late. Optimize self-loops while current is OptimizeStart or Optimize.
// Persist is final. Everything else must follow the total order exactly.
func CheckTransition(current, proposed StepType) error {
	if stepOrder(proposed) == 0 {
		return fmt.Errorf("unknown step type %q", string(proposed))
	}
	if current == "" {
		return nil
	}
	if proposed == StepOptimize && (current == StepOptimizeStart || current == StepOptimize) {
		return nil
	}
	if current == StepPersist {
		return &TransitionError{From: current, To: proposed}
	}
	next, ok := stepSuccessors[current]
	if !ok {
		return fmt.Errorf("unknown progress value %q", string(current))
	}
	if proposed != next {
		return &TransitionError{From: current, To: proposed, Expected: next}
	}
	return nil
}
