// Package repo defines the model store contract: durable access to jobs,
// trials, raw step messages and experiment counters.
package repo

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/trainwatch-labs/trainwatch-go/internal/domain"
)

var (
	// ErrNotFound is returned when a referenced record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrConsistency is returned when an update that must affect exactly
	// one row did not. The enclosing operation must abort; a partial
	// update is worse than a rejected one.
	ErrConsistency = errors.New("inconsistent update, expected exactly one affected row")
)

// JobFilter narrows job listings.
type JobFilter struct {
	DatasetName string
	Status      domain.Status
	Limit       int
	Offset      int
}

// JobUpdate is a partial update of a job record. Nil fields are left
// unchanged; ScoreSet distinguishes writing a null score from not touching
// it. LastUpdateAt is always written.
type JobUpdate struct {
	Progress     *domain.StepType
	Status       *domain.Status
	TrialNo      *int
	Score        *float64
	ScoreSet     bool
	Performance  domain.Metadata
	ArtifactSize *int64
	PID          *int
	FinishedAt   *time.Time
	LastUpdateAt time.Time
}

// Message is one raw step event as reported by the external process, keyed
// by the job's launch-time correlation name. Messages are append-only and
// never overwritten.
type Message struct {
	ID           string
	TrainJobName string
	Content      json.RawMessage
	CreatedAt    time.Time
}

// JobRepository manages job records.
type JobRepository interface {
	CreateJob(ctx context.Context, job domain.Job) error
	GetJob(ctx context.Context, id string) (domain.Job, error)
	GetJobByTrainJobName(ctx context.Context, trainJobName string) (domain.Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]domain.Job, int, error)
	// UpdateJob applies a partial update and fails with ErrConsistency
	// unless exactly one row was affected.
	UpdateJob(ctx context.Context, id string, update JobUpdate) error
}

// TrialRepository manages the append-only trial records of a job.
type TrialRepository interface {
	AppendTrial(ctx context.Context, jobID string, trial domain.Trial) error
	ListTrials(ctx context.Context, jobID string) ([]domain.Trial, error)
}

// MessageRepository is the append-only audit log of raw step events.
type MessageRepository interface {
	AppendMessage(ctx context.Context, message Message) error
	ListMessages(ctx context.Context, trainJobName string) ([]Message, error)
}

// CounterRepository hands out per-dataset experiment ordinals, monotonically
// increasing under concurrent callers.
type CounterRepository interface {
	NextExperimentOrdinal(ctx context.Context, datasetName string) (int64, error)
}

// Store bundles the repositories and scopes them to a transaction. InTx runs
// fn against a store whose writes commit atomically; the step ingestion path
// relies on this to keep the message append and the job mutation inseparable.
type Store interface {
	Jobs() JobRepository
	Trials() TrialRepository
	Messages() MessageRepository
	Counters() CounterRepository
	InTx(ctx context.Context, fn func(Store) error) error
}
