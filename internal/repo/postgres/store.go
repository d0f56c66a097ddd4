package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/trainwatch-labs/trainwatch-go/internal/repo"
)

// Store implements repo.Store on PostgreSQL.
type Store struct {
	db   DB
	root *sql.DB
}

func NewStore(db *sql.DB) *Store {
	if db == nil {
		return nil
	}
	return &Store{db: db, root: db}
}

func (s *Store) Jobs() repo.JobRepository         { return NewJobStore(s.db) }
func (s *Store) Trials() repo.TrialRepository     { return NewTrialStore(s.db) }
func (s *Store) Messages() repo.MessageRepository { return NewMessageStore(s.db) }
func (s *Store) Counters() repo.CounterRepository { return NewCounterStore(s.db) }

// InTx runs fn against a store scoped to a single transaction. Nested calls
// reuse the enclosing transaction.
func (s *Store) InTx(ctx context.Context, fn func(repo.Store) error) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("store not initialized")
	}
	if s.root == nil {
		return fn(s)
	}

	tx, err := s.root.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(&Store{db: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback: %v)", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}
