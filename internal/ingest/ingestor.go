// Package ingest is the single entry point for step events reported by
// external training processes. It deduplicates, validates transitions,
// appends the trial ledger and persists the resulting job mutation — exactly
// one durable state change per accepted event.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/trainwatch-labs/trainwatch-go/internal/domain"
	"github.com/trainwatch-labs/trainwatch-go/internal/ledger"
	"github.com/trainwatch-labs/trainwatch-go/internal/platform/metrics"
	"github.com/trainwatch-labs/trainwatch-go/internal/repo"
)

// DuplicateStepError reports a non-repeatable step type delivered twice.
// Almost always an external-process bug; the event is dropped without
// touching state.
type DuplicateStepError struct {
	Type domain.StepType
}

func (e *DuplicateStepError) Error() string {
	return fmt.Sprintf("step type %s already recorded, one record per type", string(e.Type))
}

type Service struct {
	logger    *slog.Logger
	store     repo.Store
	collector *metrics.Collector
	now       func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func New(logger *slog.Logger, store repo.Store, collector *metrics.Collector) *Service {
	if logger == nil || store == nil {
		return nil
	}
	return &Service{
		logger:    logger,
		store:     store,
		collector: collector,
		now:       func() time.Time { return time.Now().UTC() },
		locks:     map[string]*sync.Mutex{},
	}
}

// lockJob acquires the per-job update scope. Events for different jobs stay
// fully independent; two events for the same job must never both validate
// against a stale progress value.
func (s *Service) lockJob(trainJobName string) func() {
	s.mu.Lock()
	lock, ok := s.locks[trainJobName]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[trainJobName] = lock
	}
	s.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}

// forgetLock drops a job's lock entry once it is terminal, so a long-lived
// process does not keep one mutex per finished job. A waiter still parked on
// the old mutex is harmless: every later event is rejected without mutation.
func (s *Service) forgetLock(trainJobName string) {
	s.mu.Lock()
	delete(s.locks, trainJobName)
	s.mu.Unlock()
}

// ApplyStep validates one step event against the job correlated to
// trainJobName and applies it. The raw event is appended to the job's
// message log in the same transaction as the state mutation, so a crash can
// never leave a logged-but-unapplied event unnoticed.
func (s *Service) ApplyStep(ctx context.Context, trainJobName string, event domain.StepEvent) (domain.Job, error) {
	start := s.now()

	job, err := s.applyStep(ctx, trainJobName, event)
	if err != nil {
		s.collector.StepRejected(rejectionReason(err))
		s.logger.Warn("step event rejected",
			"train_job_name", trainJobName,
			"type", string(event.Type),
			"status", string(event.Outcome),
			"error", err)
		return domain.Job{}, err
	}

	s.collector.StepApplied(string(event.Type), string(event.Outcome), s.now().Sub(start).Seconds())
	if job.Status.Terminal() {
		s.collector.JobFinished(job.Status == domain.StatusSucceed)
	}
	s.logger.Info("step event applied",
		"job_id", job.ID,
		"train_job_name", trainJobName,
		"type", string(event.Type),
		"status", string(event.Outcome),
		"progress", string(job.Progress))
	return job, nil
}

func (s *Service) applyStep(ctx context.Context, trainJobName string, event domain.StepEvent) (domain.Job, error) {
	defer s.lockJob(trainJobName)()

	job, err := s.store.Jobs().GetJobByTrainJobName(ctx, trainJobName)
	if err != nil {
		return domain.Job{}, err
	}

	// A terminal job accepts nothing further, not even repeatable types.
	if job.Status.Terminal() {
		s.forgetLock(trainJobName)
		return domain.Job{}, &domain.TransitionError{From: job.Progress, To: event.Type}
	}

	if !event.Type.Repeatable() {
		recorded, err := s.recordedStepTypes(ctx, trainJobName)
		if err != nil {
			return domain.Job{}, err
		}
		if recorded[event.Type] {
			return domain.Job{}, &DuplicateStepError{Type: event.Type}
		}
	}

	now := s.now()
	effects, err := domain.EffectsFor(job.Progress, event, now)
	if err != nil {
		return domain.Job{}, err
	}

	if effects.Trial != nil {
		trials, err := s.store.Trials().ListTrials(ctx, job.ID)
		if err != nil {
			return domain.Job{}, err
		}
		led, err := ledger.Load(trials)
		if err != nil {
			return domain.Job{}, fmt.Errorf("stored trials corrupt for job %s: %w", job.ID, err)
		}
		if err := led.Append(*effects.Trial); err != nil {
			return domain.Job{}, err
		}
	}

	update := repo.JobUpdate{
		Progress:     &effects.Progress,
		Status:       effects.Status,
		TrialNo:      effects.TrialNo,
		Score:        effects.Score,
		ScoreSet:     effects.ScoreSet,
		Performance:  effects.Performance,
		ArtifactSize: effects.ArtifactSize,
		FinishedAt:   effects.FinishedAt,
		LastUpdateAt: now,
	}

	err = s.store.InTx(ctx, func(tx repo.Store) error {
		// The keyed mutex serializes step events, but the supervisor marks
		// dead jobs Failed outside that lock. Re-check inside the
		// transaction so a terminal status committed after the read above
		// is never overwritten.
		current, err := tx.Jobs().GetJob(ctx, job.ID)
		if err != nil {
			return err
		}
		if current.Status.Terminal() {
			return &domain.TransitionError{From: current.Progress, To: event.Type}
		}
		if err := tx.Messages().AppendMessage(ctx, repo.Message{
			TrainJobName: trainJobName,
			Content:      event.Raw,
			CreatedAt:    now,
		}); err != nil {
			return err
		}
		if err := tx.Jobs().UpdateJob(ctx, job.ID, update); err != nil {
			return err
		}
		if effects.Trial != nil {
			if err := tx.Trials().AppendTrial(ctx, job.ID, *effects.Trial); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		var transitionErr *domain.TransitionError
		if errors.As(err, &transitionErr) {
			s.forgetLock(trainJobName)
		}
		return domain.Job{}, err
	}

	applied, err := s.store.Jobs().GetJob(ctx, job.ID)
	if err != nil {
		return domain.Job{}, err
	}
	if applied.Status.Terminal() {
		s.forgetLock(trainJobName)
	}
	return applied, nil
}

// recordedStepTypes derives the set of already-applied step types from the
// durable message log.
func (s *Service) recordedStepTypes(ctx context.Context, trainJobName string) (map[domain.StepType]bool, error) {
	messages, err := s.store.Messages().ListMessages(ctx, trainJobName)
	if err != nil {
		return nil, err
	}
	recorded := make(map[domain.StepType]bool, len(messages))
	for _, message := range messages {
		var wire struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(message.Content, &wire); err != nil {
			s.logger.Warn("skipping unreadable message in dedup scan",
				"train_job_name", trainJobName, "message_id", message.ID, "error", err)
			continue
		}
		if t := domain.NormalizeStepType(wire.Type); t != "" {
			recorded[t] = true
		}
	}
	return recorded, nil
}

func rejectionReason(err error) string {
	var transitionErr *domain.TransitionError
	var duplicateErr *DuplicateStepError
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return "not_found"
	case errors.As(err, &duplicateErr):
		return "duplicate"
	case errors.As(err, &transitionErr):
		return "invalid_transition"
	case errors.Is(err, ledger.ErrOutOfOrder):
		return "out_of_order_trial"
	case errors.Is(err, repo.ErrConsistency):
		return "consistency"
	default:
		return "internal"
	}
}
