// Package query builds client-facing job snapshots. It never mutates state;
// a snapshot may trail an in-flight event by a moment, which is acceptable.
package query

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/trainwatch-labs/trainwatch-go/internal/domain"
	"github.com/trainwatch-labs/trainwatch-go/internal/estimate"
	"github.com/trainwatch-labs/trainwatch-go/internal/ledger"
	"github.com/trainwatch-labs/trainwatch-go/internal/repo"
)

// Snapshot is the full client view of one job.
type Snapshot struct {
	JobID          string          `json:"job_id"`
	DatasetName    string          `json:"dataset_name"`
	ExperimentNo   int64           `json:"no_experiment"`
	TrainJobName   string          `json:"train_job_name"`
	TrainMode      string          `json:"train_mode"`
	Status         string          `json:"status"`
	Progress       string          `json:"progress,omitempty"`
	TrialNo        int             `json:"trial_no"`
	MaxTrials      int             `json:"max_trials"`
	ETASeconds     *float64        `json:"estimated_remaining_time"`
	Score          *float64        `json:"score"`
	Trials         ledger.Table    `json:"trials"`
	Performance    domain.Metadata `json:"performance,omitempty"`
	ArtifactSize   *int64          `json:"artifact_size"`
	ElapsedSeconds float64         `json:"elapsed_seconds"`
	CreatedAt      time.Time       `json:"created_at"`
	FinishedAt     *time.Time      `json:"finished_at,omitempty"`
}

type Assembler struct {
	logger *slog.Logger
	store  repo.Store
	now    func() time.Time
}

func New(logger *slog.Logger, store repo.Store) *Assembler {
	if logger == nil || store == nil {
		return nil
	}
	return &Assembler{
		logger: logger,
		store:  store,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// GetJob assembles the snapshot for one job.
func (a *Assembler) GetJob(ctx context.Context, jobID string) (Snapshot, error) {
	job, err := a.store.Jobs().GetJob(ctx, jobID)
	if err != nil {
		return Snapshot{}, err
	}
	return a.assemble(ctx, job)
}

// ListJobs pages through a dataset's jobs, newest experiment first, and
// returns the total match count alongside the page.
func (a *Assembler) ListJobs(ctx context.Context, datasetName string, pageNum, pageSize int) ([]Snapshot, int, error) {
	if pageNum < 1 {
		return nil, 0, fmt.Errorf("page_num must be >= 1, got %d", pageNum)
	}
	if pageSize < 1 {
		return nil, 0, fmt.Errorf("page_size must be >= 1, got %d", pageSize)
	}

	jobs, total, err := a.store.Jobs().ListJobs(ctx, repo.JobFilter{
		DatasetName: datasetName,
		Limit:       pageSize,
		Offset:      (pageNum - 1) * pageSize,
	})
	if err != nil {
		return nil, 0, err
	}

	snapshots := make([]Snapshot, 0, len(jobs))
	for _, job := range jobs {
		snapshot, err := a.assemble(ctx, job)
		if err != nil {
			return nil, 0, err
		}
		snapshots = append(snapshots, snapshot)
	}
	return snapshots, total, nil
}

func (a *Assembler) assemble(ctx context.Context, job domain.Job) (Snapshot, error) {
	trials, err := a.store.Trials().ListTrials(ctx, job.ID)
	if err != nil {
		return Snapshot{}, err
	}
	led, err := ledger.Load(trials)
	if err != nil {
		return Snapshot{}, fmt.Errorf("stored trials corrupt for job %s: %w", job.ID, err)
	}

	eta, err := estimate.RemainingSeconds(a.logger, estimate.Input{
		Progress:  job.Progress,
		TrialNo:   job.TrialNo,
		MaxTrials: job.MaxTrials,
		Trials:    led,
	})
	if err != nil {
		return Snapshot{}, err
	}

	return Snapshot{
		JobID:          job.ID,
		DatasetName:    job.DatasetName,
		ExperimentNo:   job.ExperimentNo,
		TrainJobName:   job.TrainJobName,
		TrainMode:      job.TrainMode,
		Status:         string(job.Status),
		Progress:       string(job.Progress),
		TrialNo:        job.TrialNo,
		MaxTrials:      job.MaxTrials,
		ETASeconds:     eta,
		Score:          normalizeScore(job.Score),
		Trials:         led.Table(),
		Performance:    job.Performance,
		ArtifactSize:   job.ArtifactSize,
		ElapsedSeconds: job.ElapsedSeconds(a.now()),
		CreatedAt:      job.CreatedAt,
		FinishedAt:     job.FinishedAt,
	}, nil
}

// normalizeScore guards the exposure boundary: a raw NaN never leaves the
// core even if one slipped into storage.
func normalizeScore(score *float64) *float64 {
	if score == nil || math.IsNaN(*score) {
		return nil
	}
	return score
}
