package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// StepOutcome is the self-reported result of one step.
type StepOutcome string

const (
	OutcomeSucceed StepOutcome = "succeed"
	OutcomeFailed  StepOutcome = "failed"
)

// NormalizeStepOutcome maps a wire value to a canonical outcome, or "" when
// unrecognized.
func NormalizeStepOutcome(value string) StepOutcome {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case string(OutcomeSucceed), "succeeded":
		return OutcomeSucceed
	case string(OutcomeFailed):
		return OutcomeFailed
	default:
		return ""
	}
}

// OptimizePayload is the extension carried by Optimize steps. Reward is NaN
// when the process did not report one; it is normalized to an explicit
// absence before leaving the core.
type OptimizePayload struct {
	TrialNo int
	Reward  float64
	Elapsed float64
	Params  Metadata
}

// EvaluatePayload is the extension carried by Evaluate steps.
type EvaluatePayload struct {
	Performance Metadata
}

// PersistPayload is the extension carried by Persist steps.
type PersistPayload struct {
	ArtifactSize int64
}

// StepEvent is one validated self-report from the external training process.
// Exactly one of the payload fields is set, matching Type; Raw preserves the
// wire form for the append-only message log.
type StepEvent struct {
	Type     StepType
	Outcome  StepOutcome
	Optimize *OptimizePayload
	Evaluate *EvaluatePayload
	Persist  *PersistPayload
	Raw      json.RawMessage
}

type stepEventWire struct {
	Type      string          `json:"type"`
	Status    string          `json:"status"`
	Extension json.RawMessage `json:"extension"`
}

type optimizeWire struct {
	TrialNo *int           `json:"trial_no"`
	Reward  *float64       `json:"reward"`
	Elapsed *float64       `json:"elapsed"`
	Params  map[string]any `json:"params"`
}

type evaluateWire struct {
	Performance map[string]any `json:"performance"`
}

type persistWire struct {
	ArtifactSize *int64 `json:"artifact_size"`
}

// ParseStepEvent decodes and validates a step event at the ingestion
// boundary. The extension is decoded per step type; unknown types, unknown
// outcomes and missing required payload fields are rejected here rather than
// trusted downstream.
func ParseStepEvent(data []byte) (StepEvent, error) {
	var wire stepEventWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return StepEvent{}, fmt.Errorf("decode step event: %w", err)
	}

	stepType := NormalizeStepType(wire.Type)
	if stepType == "" {
		return StepEvent{}, fmt.Errorf("unknown step type %q", wire.Type)
	}
	outcome := NormalizeStepOutcome(wire.Status)
	if outcome == "" {
		return StepEvent{}, fmt.Errorf("unknown step status %q", wire.Status)
	}

	event := StepEvent{Type: stepType, Outcome: outcome, Raw: append(json.RawMessage(nil), data...)}

	switch stepType {
	case StepOptimize:
		var ext optimizeWire
		if len(wire.Extension) > 0 {
			if err := json.Unmarshal(wire.Extension, &ext); err != nil {
				return StepEvent{}, fmt.Errorf("decode optimize extension: %w", err)
			}
		}
		if ext.TrialNo == nil {
			return StepEvent{}, errors.New("optimize extension requires trial_no")
		}
		if *ext.TrialNo < 1 {
			return StepEvent{}, fmt.Errorf("trial_no must be >= 1, got %d", *ext.TrialNo)
		}
		payload := OptimizePayload{TrialNo: *ext.TrialNo, Reward: math.NaN()}
		if ext.Reward != nil {
			payload.Reward = *ext.Reward
		}
		if ext.Elapsed != nil {
			if *ext.Elapsed < 0 {
				return StepEvent{}, fmt.Errorf("elapsed must be >= 0, got %v", *ext.Elapsed)
			}
			payload.Elapsed = *ext.Elapsed
		}
		if ext.Params != nil {
			payload.Params = Metadata(ext.Params)
		}
		event.Optimize = &payload

	case StepEvaluate:
		var ext evaluateWire
		if len(wire.Extension) > 0 {
			if err := json.Unmarshal(wire.Extension, &ext); err != nil {
				return StepEvent{}, fmt.Errorf("decode evaluate extension: %w", err)
			}
		}
		if outcome == OutcomeSucceed && ext.Performance == nil {
			return StepEvent{}, errors.New("evaluate extension requires performance")
		}
		if ext.Performance != nil {
			event.Evaluate = &EvaluatePayload{Performance: Metadata(ext.Performance)}
		}

	case StepPersist:
		var ext persistWire
		if len(wire.Extension) > 0 {
			if err := json.Unmarshal(wire.Extension, &ext); err != nil {
				return StepEvent{}, fmt.Errorf("decode persist extension: %w", err)
			}
		}
		if outcome == OutcomeSucceed {
			if ext.ArtifactSize == nil {
				return StepEvent{}, errors.New("persist extension requires artifact_size")
			}
			if *ext.ArtifactSize < 0 {
				return StepEvent{}, fmt.Errorf("artifact_size must be >= 0, got %d", *ext.ArtifactSize)
			}
			event.Persist = &PersistPayload{ArtifactSize: *ext.ArtifactSize}
		}
	}

	return event, nil
}

// StepEffects is the set of job field updates produced by applying one
// accepted step event. Nil pointers mean "leave unchanged"; ScoreSet
// distinguishes clearing the score from leaving it alone.
type StepEffects struct {
	Progress     StepType
	Status       *Status
	TrialNo      *int
	Score        *float64
	ScoreSet     bool
	Performance  Metadata
	ArtifactSize *int64
	FinishedAt   *time.Time
	Trial        *Trial
}

// EffectsFor validates the transition from current and computes the field
// updates for the event.
//
// Failures at Load, Evaluate and Persist terminate the job; failures at
// other steps are recorded but leave the job running, because the external
// process can recover from those stages and is expected to report a terminal
// failure itself if it gives up.
func EffectsFor(current StepType, event StepEvent, now time.Time) (StepEffects, error) {
	if err := CheckTransition(current, event.Type); err != nil {
		return StepEffects{}, err
	}

	effects := StepEffects{Progress: event.Type}
	failed := event.Outcome == OutcomeFailed

	terminate := func(s Status) {
		status := s
		finished := now.UTC()
		effects.Status = &status
		effects.FinishedAt = &finished
	}

	switch event.Type {
	case StepLoad:
		if failed {
			terminate(StatusFailed)
		} else {
			status := StatusRunning
			effects.Status = &status
		}

	case StepOptimizeStart:
		// Reserved for a future trial-count bootstrap.

	case StepOptimize:
		payload := event.Optimize
		if payload == nil {
			return StepEffects{}, errors.New("optimize event has no payload")
		}
		trialNo := payload.TrialNo
		effects.TrialNo = &trialNo
		effects.ScoreSet = true
		if !math.IsNaN(payload.Reward) {
			reward := payload.Reward
			effects.Score = &reward
		}
		effects.Trial = &Trial{
			TrialNo: payload.TrialNo,
			Reward:  payload.Reward,
			Elapsed: payload.Elapsed,
			Params:  payload.Params.Clone(),
		}

	case StepSearched, StepFinalTrain:
		// Progress only.

	case StepEvaluate:
		if failed {
			terminate(StatusFailed)
		} else {
			if event.Evaluate == nil {
				return StepEffects{}, errors.New("evaluate event has no payload")
			}
			effects.Performance = event.Evaluate.Performance.Clone()
		}

	case StepPersist:
		if failed {
			terminate(StatusFailed)
		} else {
			if event.Persist == nil {
				return StepEffects{}, errors.New("persist event has no payload")
			}
			size := event.Persist.ArtifactSize
			effects.ArtifactSize = &size
			terminate(StatusSucceed)
		}
	}

	return effects, nil
}
