package postgres

import (
	"context"
	"fmt"
	"strings"
)

// CounterStore allocates per-dataset experiment ordinals. The upsert holds a
// row lock for the duration of the statement, so concurrent callers observe
// a strictly increasing sequence without an in-process global.
type CounterStore struct {
	db DB
}

const nextExperimentOrdinalQuery = `INSERT INTO experiment_counters (dataset_name, last_ordinal)
	VALUES ($1, 1)
	ON CONFLICT (dataset_name)
	DO UPDATE SET last_ordinal = experiment_counters.last_ordinal + 1
	RETURNING last_ordinal`

func NewCounterStore(db DB) *CounterStore {
	if db == nil {
		return nil
	}
	return &CounterStore{db: db}
}

func (s *CounterStore) NextExperimentOrdinal(ctx context.Context, datasetName string) (int64, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("counter store not initialized")
	}
	datasetName = strings.TrimSpace(datasetName)
	if datasetName == "" {
		return 0, fmt.Errorf("dataset name is required")
	}

	var ordinal int64
	if err := s.db.QueryRowContext(ctx, nextExperimentOrdinalQuery, datasetName).Scan(&ordinal); err != nil {
		return 0, fmt.Errorf("next experiment ordinal: %w", err)
	}
	return ordinal, nil
}
