// Package estimate derives a remaining-time projection for a job from its
// progress and trial history.
package estimate

import (
	"fmt"
	"log/slog"

	"github.com/trainwatch-labs/trainwatch-go/internal/domain"
	"github.com/trainwatch-labs/trainwatch-go/internal/ledger"
)

// FixedOverheadSeconds covers the final retrain, evaluation and persistence
// pass, which trial elapsed times do not capture.
const FixedOverheadSeconds = 30

// EstimationError reports a progress value outside the recognized enum. It is
// a programming error and is never folded into an "unknown" estimate.
type EstimationError struct {
	Progress domain.StepType
}

func (e *EstimationError) Error() string {
	return fmt.Sprintf("unseen progress value %q reached the estimator", string(e.Progress))
}

// Input is the read-only state the estimator works from.
type Input struct {
	Progress  domain.StepType
	TrialNo   int
	MaxTrials int
	Trials    *ledger.Ledger
}

// RemainingSeconds projects seconds to completion. A nil result means the
// estimate is unknown: either no progress has been reported yet, or the job
// is in a search stage with an empty trial ledger. The latter usually means
// the spawned process died before reporting a trial, so it is logged as a
// likely upstream failure.
func RemainingSeconds(logger *slog.Logger, in Input) (*float64, error) {
	switch in.Progress {
	case "", domain.StepLoad, domain.StepOptimizeStart:
		return nil, nil

	case domain.StepOptimize:
		avg, ok := avgElapsed(logger, in)
		if !ok {
			return nil, nil
		}
		eta := float64(in.MaxTrials-in.TrialNo)*avg + avg + FixedOverheadSeconds
		return &eta, nil

	case domain.StepSearched:
		avg, ok := avgElapsed(logger, in)
		if !ok {
			return nil, nil
		}
		eta := avg + FixedOverheadSeconds
		return &eta, nil

	case domain.StepFinalTrain, domain.StepEvaluate:
		eta := float64(FixedOverheadSeconds)
		return &eta, nil

	case domain.StepPersist:
		eta := float64(0)
		return &eta, nil

	default:
		return nil, &EstimationError{Progress: in.Progress}
	}
}

func avgElapsed(logger *slog.Logger, in Input) (float64, bool) {
	if in.Trials == nil {
		return 0, false
	}
	avg, ok := in.Trials.AvgElapsed()
	if !ok && logger != nil {
		logger.Warn("job reached a search stage with no recorded trials, train process may have died",
			"progress", string(in.Progress))
	}
	return avg, ok
}
