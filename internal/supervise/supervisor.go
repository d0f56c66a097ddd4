// Package supervise launches external training processes, creates their job
// records and detects silent process death.
package supervise

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/trainwatch-labs/trainwatch-go/internal/domain"
	"github.com/trainwatch-labs/trainwatch-go/internal/platform/metrics"
	"github.com/trainwatch-labs/trainwatch-go/internal/platform/runtoken"
	"github.com/trainwatch-labs/trainwatch-go/internal/repo"
	"github.com/trainwatch-labs/trainwatch-go/internal/trainmode"
)

type Config struct {
	DataDir     string
	ReportURL   string
	TokenSecret string
	TokenTTL    time.Duration
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.DataDir) == "" {
		return errors.New("data dir is required")
	}
	if strings.TrimSpace(c.TokenSecret) == "" {
		return errors.New("token secret is required")
	}
	if c.TokenTTL <= 0 {
		return errors.New("token ttl must be positive")
	}
	return nil
}

// LogArchiver copies a dead job's training log to durable storage.
type LogArchiver interface {
	ArchiveLog(ctx context.Context, jobID, logPath string) error
}

type CreateJobRequest struct {
	DatasetName string
	TrainMode   string
	// Command runs the externally generated training script; script
	// generation itself is not this service's concern.
	Command string
}

type Service struct {
	logger    *slog.Logger
	store     repo.Store
	policy    trainmode.Policy
	cfg       Config
	launcher  Launcher
	archiver  LogArchiver
	collector *metrics.Collector
	alive     func(pid int) bool
	now       func() time.Time
}

func New(logger *slog.Logger, store repo.Store, policy trainmode.Policy, cfg Config, launcher Launcher, archiver LogArchiver, collector *metrics.Collector) (*Service, error) {
	if logger == nil || store == nil || launcher == nil {
		return nil, errors.New("logger, store and launcher are required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Service{
		logger:    logger,
		store:     store,
		policy:    policy,
		cfg:       cfg,
		launcher:  launcher,
		archiver:  archiver,
		collector: collector,
		alive:     processAlive,
		now:       func() time.Time { return time.Now().UTC() },
	}, nil
}

// CreateJob allocates the correlation key, persists the initial record and
// launches the training process. The returned token is the process's
// credential for reporting step events.
func (s *Service) CreateJob(ctx context.Context, req CreateJobRequest) (domain.Job, string, error) {
	datasetName := strings.TrimSpace(req.DatasetName)
	if datasetName == "" {
		return domain.Job{}, "", errors.New("dataset name is required")
	}
	mode := s.policy.NormalizeMode(req.TrainMode)
	if mode == "" {
		return domain.Job{}, "", fmt.Errorf("unknown training mode %q", req.TrainMode)
	}
	maxTrials, err := s.policy.MaxTrials(mode)
	if err != nil {
		return domain.Job{}, "", err
	}
	command := strings.TrimSpace(req.Command)
	if command == "" {
		return domain.Job{}, "", errors.New("training command is required")
	}

	ordinal, err := s.store.Counters().NextExperimentOrdinal(ctx, datasetName)
	if err != nil {
		return domain.Job{}, "", fmt.Errorf("allocate experiment ordinal: %w", err)
	}

	now := s.now()
	modelName := fmt.Sprintf("%s_%d", datasetName, ordinal)
	trainJobName := fmt.Sprintf("train_job_%s_%s", modelName, now.Format("20060102150405"))
	jobDir := filepath.Join(s.cfg.DataDir, datasetName, modelName)
	logPath := filepath.Join(jobDir, "train.log")

	job := domain.Job{
		ID:           uuid.NewString(),
		DatasetName:  datasetName,
		ExperimentNo: ordinal,
		TrainJobName: trainJobName,
		TrainMode:    string(mode),
		MaxTrials:    maxTrials,
		Status:       domain.StatusRunning,
		LogPath:      logPath,
		CreatedAt:    now,
		LastUpdateAt: now,
	}
	if err := s.store.Jobs().CreateJob(ctx, job); err != nil {
		return domain.Job{}, "", fmt.Errorf("create job record: %w", err)
	}

	token, err := runtoken.Generate(s.cfg.TokenSecret, runtoken.Claims{
		JobID:         job.ID,
		TrainJobName:  trainJobName,
		ExpiresAtUnix: now.Add(s.cfg.TokenTTL).Unix(),
	}, now)
	if err != nil {
		return domain.Job{}, "", fmt.Errorf("issue job token: %w", err)
	}

	pid, err := s.launcher.Launch(ctx, LaunchSpec{
		Command: command,
		Dir:     jobDir,
		LogPath: logPath,
		Env: map[string]string{
			"TRAINWATCH_JOB_NAME":  trainJobName,
			"TRAINWATCH_JOB_TOKEN": token,
			"TRAINWATCH_REPORT_URL": s.cfg.ReportURL,
		},
	})
	if err != nil {
		s.failJob(ctx, job.ID, "train process failed to start")
		return domain.Job{}, "", fmt.Errorf("launch train process: %w", err)
	}

	if err := s.store.Jobs().UpdateJob(ctx, job.ID, repo.JobUpdate{
		PID:          &pid,
		LastUpdateAt: s.now(),
	}); err != nil {
		return domain.Job{}, "", fmt.Errorf("record pid: %w", err)
	}
	job.PID = &pid

	s.collector.JobCreated()
	s.logger.Info("train job launched",
		"job_id", job.ID,
		"train_job_name", trainJobName,
		"dataset", datasetName,
		"mode", string(mode),
		"max_trials", maxTrials,
		"pid", pid)
	return job, token, nil
}

// RefreshLiveness terminates a Running job whose process is gone. Called on
// the query path; the process reports progress asynchronously and may die
// without a final event.
func (s *Service) RefreshLiveness(ctx context.Context, jobID string) error {
	job, err := s.store.Jobs().GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() || job.PID == nil || s.alive(*job.PID) {
		return nil
	}
	return s.terminateDeadJob(ctx, job)
}

// ReapDeadJobs sweeps all Running jobs once and Failed-terminates those
// whose process has died. Returns the number of jobs terminated.
func (s *Service) ReapDeadJobs(ctx context.Context) (int, error) {
	jobs, _, err := s.store.Jobs().ListJobs(ctx, repo.JobFilter{Status: domain.StatusRunning})
	if err != nil {
		return 0, fmt.Errorf("list running jobs: %w", err)
	}

	reaped := 0
	for _, job := range jobs {
		if job.PID == nil || s.alive(*job.PID) {
			continue
		}
		if err := s.terminateDeadJob(ctx, job); err != nil {
			s.logger.Error("failed to terminate dead job", "job_id", job.ID, "error", err)
			continue
		}
		reaped++
	}
	return reaped, nil
}

// MonitorLoop runs ReapDeadJobs on a fixed interval until ctx is canceled.
func (s *Service) MonitorLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.ReapDeadJobs(ctx); err != nil {
				s.logger.Error("dead job sweep failed", "error", err)
			}
		}
	}
}

func (s *Service) terminateDeadJob(ctx context.Context, job domain.Job) error {
	if err := s.failJob(ctx, job.ID, "train process terminated without a final step"); err != nil {
		return err
	}
	s.collector.JobFinished(false)
	s.logger.Warn("train process died, job marked failed",
		"job_id", job.ID,
		"train_job_name", job.TrainJobName,
		"pid", derefPID(job.PID))

	if s.archiver != nil && job.LogPath != "" {
		if err := s.archiver.ArchiveLog(ctx, job.ID, job.LogPath); err != nil {
			s.logger.Warn("train log archive failed", "job_id", job.ID, "error", err)
		}
	}
	return nil
}

// failJob marks a job Failed inside a transaction, re-checking that it is
// still Running so a concurrently applied terminal step is never overwritten.
func (s *Service) failJob(ctx context.Context, jobID, reason string) error {
	return s.store.InTx(ctx, func(tx repo.Store) error {
		job, err := tx.Jobs().GetJob(ctx, jobID)
		if err != nil {
			return err
		}
		if job.Status.Terminal() {
			s.logger.Warn("job already finished, skipping failure mark", "job_id", jobID, "reason", reason)
			return nil
		}
		now := s.now()
		failed := domain.StatusFailed
		return tx.Jobs().UpdateJob(ctx, jobID, repo.JobUpdate{
			Status:       &failed,
			FinishedAt:   &now,
			LastUpdateAt: now,
		})
	})
}

func derefPID(pid *int) int {
	if pid == nil {
		return 0
	}
	return *pid
}
