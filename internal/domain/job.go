package domain

import (
	"errors"
	"strings"
	"time"
)

// Status is the lifecycle status of a training job. Running is the initial
// value; Succeed and Failed are terminal and immutable once set.
type Status string

const (
	StatusRunning Status = "running"
	StatusSucceed Status = "succeed"
	StatusFailed  Status = "failed"
)

// Terminal reports whether the status admits no further mutation.
func (s Status) Terminal() bool {
	return s == StatusSucceed || s == StatusFailed
}

// Metadata is an unstructured metadata container, used for evaluation
// performance blobs and trial parameters.
type Metadata map[string]any

func (m Metadata) Clone() Metadata {
	if m == nil {
		return Metadata{}
	}
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Job is one training attempt, uniquely correlated to one spawned external
// process via TrainJobName.
type Job struct {
	ID           string
	DatasetName  string
	ExperimentNo int64
	TrainJobName string
	TrainMode    string
	MaxTrials    int
	Status       Status
	Progress     StepType
	TrialNo      int
	Score        *float64
	Performance  Metadata
	ArtifactSize *int64
	PID          *int
	LogPath      string
	CreatedAt    time.Time
	LastUpdateAt time.Time
	FinishedAt   *time.Time
}

func (j Job) Validate() error {
	if strings.TrimSpace(j.ID) == "" {
		return errors.New("job id is required")
	}
	if strings.TrimSpace(j.DatasetName) == "" {
		return errors.New("dataset name is required")
	}
	if strings.TrimSpace(j.TrainJobName) == "" {
		return errors.New("train job name is required")
	}
	if j.Status == "" {
		return errors.New("status is required")
	}
	if j.MaxTrials < 1 {
		return errors.New("max trials must be >= 1")
	}
	return nil
}

// ElapsedSeconds is wall time since creation while running, frozen at
// FinishedAt once terminal.
func (j Job) ElapsedSeconds(now time.Time) float64 {
	end := now
	if j.FinishedAt != nil {
		end = *j.FinishedAt
	}
	d := end.Sub(j.CreatedAt)
	if d < 0 {
		return 0
	}
	return d.Seconds()
}

// Trial is one optimization attempt within a job's search phase. Trials are
// append-only and ordered by TrialNo.
type Trial struct {
	TrialNo int
	Reward  float64
	Elapsed float64
	Params  Metadata
}
