package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/trainwatch-labs/trainwatch-go/internal/domain"
	"github.com/trainwatch-labs/trainwatch-go/internal/repo"
)

type JobStore struct {
	db DB
}

const jobColumns = `job_id, dataset_name, experiment_no, train_job_name, train_mode, max_trials,
	status, progress, trial_no, score, performance, artifact_size, pid, log_path,
	created_at, last_update_at, finished_at`

const (
	insertJobQuery = `INSERT INTO train_jobs (` + jobColumns + `)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`

	selectJobByIDQuery = `SELECT ` + jobColumns + ` FROM train_jobs WHERE job_id = $1`

	selectJobByTrainJobNameQuery = `SELECT ` + jobColumns + ` FROM train_jobs WHERE train_job_name = $1`
)

func NewJobStore(db DB) *JobStore {
	if db == nil {
		return nil
	}
	return &JobStore{db: db}
}

func (s *JobStore) CreateJob(ctx context.Context, job domain.Job) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("job store not initialized")
	}
	if err := job.Validate(); err != nil {
		return err
	}

	performance, err := encodeMetadata(job.Performance)
	if err != nil {
		return fmt.Errorf("encode performance: %w", err)
	}

	var pid sql.NullInt64
	if job.PID != nil {
		pid = sql.NullInt64{Int64: int64(*job.PID), Valid: true}
	}
	var artifactSize sql.NullInt64
	if job.ArtifactSize != nil {
		artifactSize = sql.NullInt64{Int64: *job.ArtifactSize, Valid: true}
	}
	var score sql.NullFloat64
	if job.Score != nil {
		score = sql.NullFloat64{Float64: *job.Score, Valid: true}
	}

	createdAt := normalizeTime(job.CreatedAt)
	lastUpdateAt := job.LastUpdateAt
	if lastUpdateAt.IsZero() {
		lastUpdateAt = createdAt
	}

	_, err = s.db.ExecContext(
		ctx,
		insertJobQuery,
		job.ID,
		job.DatasetName,
		job.ExperimentNo,
		job.TrainJobName,
		job.TrainMode,
		job.MaxTrials,
		string(job.Status),
		nullIfEmpty(string(job.Progress)),
		job.TrialNo,
		score,
		performance,
		artifactSize,
		pid,
		nullIfEmpty(job.LogPath),
		createdAt,
		lastUpdateAt.UTC(),
		nullTime(job.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (s *JobStore) GetJob(ctx context.Context, id string) (domain.Job, error) {
	if s == nil || s.db == nil {
		return domain.Job{}, fmt.Errorf("job store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Job{}, fmt.Errorf("job id is required")
	}
	return scanJob(s.db.QueryRowContext(ctx, selectJobByIDQuery, id))
}

func (s *JobStore) GetJobByTrainJobName(ctx context.Context, trainJobName string) (domain.Job, error) {
	if s == nil || s.db == nil {
		return domain.Job{}, fmt.Errorf("job store not initialized")
	}
	trainJobName = strings.TrimSpace(trainJobName)
	if trainJobName == "" {
		return domain.Job{}, fmt.Errorf("train job name is required")
	}
	return scanJob(s.db.QueryRowContext(ctx, selectJobByTrainJobNameQuery, trainJobName))
}

func (s *JobStore) ListJobs(ctx context.Context, filter repo.JobFilter) ([]domain.Job, int, error) {
	if s == nil || s.db == nil {
		return nil, 0, fmt.Errorf("job store not initialized")
	}

	where := make([]string, 0, 2)
	args := make([]any, 0, 4)
	if name := strings.TrimSpace(filter.DatasetName); name != "" {
		args = append(args, name)
		where = append(where, fmt.Sprintf("dataset_name = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	predicate := ""
	if len(where) > 0 {
		predicate = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM train_jobs"+predicate, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	query := "SELECT " + jobColumns + " FROM train_jobs" + predicate + " ORDER BY experiment_no DESC, created_at DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	jobs := make([]domain.Job, 0)
	for rows.Next() {
		job, err := scanJobRow(rows)
		if err != nil {
			return nil, 0, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, total, nil
}

// UpdateJob applies a partial update. Exactly one row must be affected or the
// call fails with repo.ErrConsistency so the enclosing transaction aborts.
func (s *JobStore) UpdateJob(ctx context.Context, id string, update repo.JobUpdate) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("job store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("job id is required")
	}

	set := make([]string, 0, 8)
	args := make([]any, 0, 9)
	add := func(column string, value any) {
		args = append(args, value)
		set = append(set, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	add("last_update_at", normalizeTime(update.LastUpdateAt))
	if update.Progress != nil {
		add("progress", string(*update.Progress))
	}
	if update.Status != nil {
		add("status", string(*update.Status))
	}
	if update.TrialNo != nil {
		add("trial_no", *update.TrialNo)
	}
	if update.ScoreSet {
		var score sql.NullFloat64
		if update.Score != nil {
			score = sql.NullFloat64{Float64: *update.Score, Valid: true}
		}
		add("score", score)
	}
	if update.Performance != nil {
		performance, err := encodeMetadata(update.Performance)
		if err != nil {
			return fmt.Errorf("encode performance: %w", err)
		}
		add("performance", performance)
	}
	if update.ArtifactSize != nil {
		add("artifact_size", *update.ArtifactSize)
	}
	if update.PID != nil {
		add("pid", *update.PID)
	}
	if update.FinishedAt != nil {
		add("finished_at", update.FinishedAt.UTC())
	}

	args = append(args, id)
	query := fmt.Sprintf("UPDATE train_jobs SET %s WHERE job_id = $%d", strings.Join(set, ", "), len(args))

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if affected != 1 {
		return fmt.Errorf("%w: job %s affected %d rows", repo.ErrConsistency, id, affected)
	}
	return nil
}

type jobScanner interface {
	Scan(dest ...any) error
}

func scanJob(row *sql.Row) (domain.Job, error) {
	return scanJobRow(row)
}

func scanJobRow(scanner jobScanner) (domain.Job, error) {
	var job domain.Job
	var status, progress, logPath sql.NullString
	var score sql.NullFloat64
	var performance []byte
	var artifactSize, pid sql.NullInt64
	var finishedAt sql.NullTime

	if err := scanner.Scan(
		&job.ID,
		&job.DatasetName,
		&job.ExperimentNo,
		&job.TrainJobName,
		&job.TrainMode,
		&job.MaxTrials,
		&status,
		&progress,
		&job.TrialNo,
		&score,
		&performance,
		&artifactSize,
		&pid,
		&logPath,
		&job.CreatedAt,
		&job.LastUpdateAt,
		&finishedAt,
	); err != nil {
		return domain.Job{}, handleNotFound(err)
	}

	job.Status = domain.Status(status.String)
	job.Progress = domain.StepType(progress.String)
	job.LogPath = logPath.String
	if score.Valid {
		v := score.Float64
		job.Score = &v
	}
	meta, err := decodeMetadata(performance)
	if err != nil {
		return domain.Job{}, fmt.Errorf("decode performance: %w", err)
	}
	job.Performance = meta
	if artifactSize.Valid {
		v := artifactSize.Int64
		job.ArtifactSize = &v
	}
	if pid.Valid {
		v := int(pid.Int64)
		job.PID = &v
	}
	if finishedAt.Valid {
		t := finishedAt.Time.UTC()
		job.FinishedAt = &t
	}
	job.CreatedAt = job.CreatedAt.UTC()
	job.LastUpdateAt = job.LastUpdateAt.UTC()
	return job, nil
}

func nullIfEmpty(value string) sql.NullString {
	value = strings.TrimSpace(value)
	if value == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: value, Valid: true}
}
