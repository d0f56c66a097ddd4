package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/trainwatch-labs/trainwatch-go/internal/domain"
)

type TrialStore struct {
	db DB
}

const (
	insertTrialQuery = `INSERT INTO train_trials (job_id, trial_no, reward, elapsed, params)
	VALUES ($1,$2,$3,$4,$5)`

	listTrialsByJobQuery = `SELECT trial_no, reward, elapsed, params
	 FROM train_trials
	 WHERE job_id = $1
	 ORDER BY trial_no ASC`
)

func NewTrialStore(db DB) *TrialStore {
	if db == nil {
		return nil
	}
	return &TrialStore{db: db}
}

func (s *TrialStore) AppendTrial(ctx context.Context, jobID string, trial domain.Trial) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("trial store not initialized")
	}
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return fmt.Errorf("job id is required")
	}
	if trial.TrialNo < 1 {
		return fmt.Errorf("trial_no must be >= 1")
	}

	params, err := encodeMetadata(trial.Params)
	if err != nil {
		return fmt.Errorf("encode trial params: %w", err)
	}

	_, err = s.db.ExecContext(ctx, insertTrialQuery, jobID, trial.TrialNo, trial.Reward, trial.Elapsed, params)
	if err != nil {
		return fmt.Errorf("insert trial: %w", err)
	}
	return nil
}

func (s *TrialStore) ListTrials(ctx context.Context, jobID string) ([]domain.Trial, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("trial store not initialized")
	}
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return nil, fmt.Errorf("job id is required")
	}

	rows, err := s.db.QueryContext(ctx, listTrialsByJobQuery, jobID)
	if err != nil {
		return nil, fmt.Errorf("list trials: %w", err)
	}
	defer rows.Close()

	trials := make([]domain.Trial, 0)
	for rows.Next() {
		var trial domain.Trial
		var params []byte
		if err := rows.Scan(&trial.TrialNo, &trial.Reward, &trial.Elapsed, &params); err != nil {
			return nil, fmt.Errorf("scan trial: %w", err)
		}
		meta, err := decodeMetadata(params)
		if err != nil {
			return nil, fmt.Errorf("decode trial params: %w", err)
		}
		trial.Params = meta
		trials = append(trials, trial)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list trials: %w", err)
	}
	return trials, nil
}
