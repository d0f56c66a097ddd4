// Package memory implements the model store in process memory. It backs
// tests and the no-database development mode; semantics mirror the postgres
// store, including transaction rollback and the exactly-one-row update rule.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/trainwatch-labs/trainwatch-go/internal/domain"
	"github.com/trainwatch-labs/trainwatch-go/internal/repo"
)

type state struct {
	jobs     map[string]domain.Job
	trials   map[string][]domain.Trial
	messages map[string][]repo.Message
	counters map[string]int64
}

func newState() *state {
	return &state{
		jobs:     map[string]domain.Job{},
		trials:   map[string][]domain.Trial{},
		messages: map[string][]repo.Message{},
		counters: map[string]int64{},
	}
}

func (s *state) clone() *state {
	out := newState()
	for id, job := range s.jobs {
		out.jobs[id] = cloneJob(job)
	}
	for id, trials := range s.trials {
		out.trials[id] = cloneTrials(trials)
	}
	for name, messages := range s.messages {
		out.messages[name] = append([]repo.Message(nil), messages...)
	}
	for name, ordinal := range s.counters {
		out.counters[name] = ordinal
	}
	return out
}

func cloneJob(job domain.Job) domain.Job {
	out := job
	if job.Score != nil {
		v := *job.Score
		out.Score = &v
	}
	if job.ArtifactSize != nil {
		v := *job.ArtifactSize
		out.ArtifactSize = &v
	}
	if job.PID != nil {
		v := *job.PID
		out.PID = &v
	}
	if job.FinishedAt != nil {
		v := *job.FinishedAt
		out.FinishedAt = &v
	}
	if job.Performance != nil {
		out.Performance = job.Performance.Clone()
	}
	return out
}

func cloneTrials(trials []domain.Trial) []domain.Trial {
	out := make([]domain.Trial, len(trials))
	for i, t := range trials {
		out[i] = t
		if t.Params != nil {
			out[i].Params = t.Params.Clone()
		}
	}
	return out
}

// Store implements repo.Store in memory.
type Store struct {
	mu   *sync.Mutex
	st   *state
	inTx bool
}

func NewStore() *Store {
	return &Store{mu: &sync.Mutex{}, st: newState()}
}

func (s *Store) lock() func() {
	if s.inTx {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

func (s *Store) Jobs() repo.JobRepository         { return jobRepo{s} }
func (s *Store) Trials() repo.TrialRepository     { return trialRepo{s} }
func (s *Store) Messages() repo.MessageRepository { return messageRepo{s} }
func (s *Store) Counters() repo.CounterRepository { return counterRepo{s} }

// InTx runs fn against the same state under the store lock, restoring a
// snapshot if fn fails so a rejected operation leaves no partial writes.
func (s *Store) InTx(ctx context.Context, fn func(repo.Store) error) error {
	if s.inTx {
		return fn(s)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.st.clone()
	if err := fn(&Store{mu: s.mu, st: s.st, inTx: true}); err != nil {
		*s.st = *snapshot
		return err
	}
	return nil
}

type jobRepo struct{ s *Store }

func (r jobRepo) CreateJob(ctx context.Context, job domain.Job) error {
	if err := job.Validate(); err != nil {
		return err
	}
	defer r.s.lock()()
	if _, ok := r.s.st.jobs[job.ID]; ok {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	for _, existing := range r.s.st.jobs {
		if existing.TrainJobName == job.TrainJobName {
			return fmt.Errorf("train job name %s already exists", job.TrainJobName)
		}
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	if job.LastUpdateAt.IsZero() {
		job.LastUpdateAt = job.CreatedAt
	}
	r.s.st.jobs[job.ID] = cloneJob(job)
	return nil
}

func (r jobRepo) GetJob(ctx context.Context, id string) (domain.Job, error) {
	defer r.s.lock()()
	job, ok := r.s.st.jobs[strings.TrimSpace(id)]
	if !ok {
		return domain.Job{}, repo.ErrNotFound
	}
	return cloneJob(job), nil
}

func (r jobRepo) GetJobByTrainJobName(ctx context.Context, trainJobName string) (domain.Job, error) {
	defer r.s.lock()()
	trainJobName = strings.TrimSpace(trainJobName)
	for _, job := range r.s.st.jobs {
		if job.TrainJobName == trainJobName {
			return cloneJob(job), nil
		}
	}
	return domain.Job{}, repo.ErrNotFound
}

func (r jobRepo) ListJobs(ctx context.Context, filter repo.JobFilter) ([]domain.Job, int, error) {
	defer r.s.lock()()
	matched := make([]domain.Job, 0)
	for _, job := range r.s.st.jobs {
		if filter.DatasetName != "" && job.DatasetName != filter.DatasetName {
			continue
		}
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		matched = append(matched, cloneJob(job))
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].ExperimentNo != matched[j].ExperimentNo {
			return matched[i].ExperimentNo > matched[j].ExperimentNo
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	total := len(matched)
	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			matched = nil
		} else {
			matched = matched[filter.Offset:]
		}
	}
	if filter.Limit > 0 && filter.Limit < len(matched) {
		matched = matched[:filter.Limit]
	}
	return matched, total, nil
}

func (r jobRepo) UpdateJob(ctx context.Context, id string, update repo.JobUpdate) error {
	defer r.s.lock()()
	job, ok := r.s.st.jobs[strings.TrimSpace(id)]
	if !ok {
		return fmt.Errorf("%w: job %s affected 0 rows", repo.ErrConsistency, id)
	}

	job.LastUpdateAt = update.LastUpdateAt
	if job.LastUpdateAt.IsZero() {
		job.LastUpdateAt = time.Now().UTC()
	}
	if update.Progress != nil {
		job.Progress = *update.Progress
	}
	if update.Status != nil {
		job.Status = *update.Status
	}
	if update.TrialNo != nil {
		job.TrialNo = *update.TrialNo
	}
	if update.ScoreSet {
		job.Score = nil
		if update.Score != nil {
			v := *update.Score
			job.Score = &v
		}
	}
	if update.Performance != nil {
		job.Performance = update.Performance.Clone()
	}
	if update.ArtifactSize != nil {
		v := *update.ArtifactSize
		job.ArtifactSize = &v
	}
	if update.PID != nil {
		v := *update.PID
		job.PID = &v
	}
	if update.FinishedAt != nil {
		v := update.FinishedAt.UTC()
		job.FinishedAt = &v
	}
	r.s.st.jobs[job.ID] = job
	return nil
}

type trialRepo struct{ s *Store }

func (r trialRepo) AppendTrial(ctx context.Context, jobID string, trial domain.Trial) error {
	defer r.s.lock()()
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return fmt.Errorf("job id is required")
	}
	trials := r.s.st.trials[jobID]
	for _, existing := range trials {
		if existing.TrialNo == trial.TrialNo {
			return fmt.Errorf("trial %d already exists for job %s", trial.TrialNo, jobID)
		}
	}
	if trial.Params != nil {
		trial.Params = trial.Params.Clone()
	}
	r.s.st.trials[jobID] = append(trials, trial)
	return nil
}

func (r trialRepo) ListTrials(ctx context.Context, jobID string) ([]domain.Trial, error) {
	defer r.s.lock()()
	trials := cloneTrials(r.s.st.trials[strings.TrimSpace(jobID)])
	sort.Slice(trials, func(i, j int) bool { return trials[i].TrialNo < trials[j].TrialNo })
	return trials, nil
}

type messageRepo struct{ s *Store }

func (r messageRepo) AppendMessage(ctx context.Context, message repo.Message) error {
	defer r.s.lock()()
	trainJobName := strings.TrimSpace(message.TrainJobName)
	if trainJobName == "" {
		return fmt.Errorf("train job name is required")
	}
	if len(message.Content) == 0 {
		return fmt.Errorf("message content is required")
	}
	if strings.TrimSpace(message.ID) == "" {
		message.ID = uuid.NewString()
	}
	if message.CreatedAt.IsZero() {
		message.CreatedAt = time.Now().UTC()
	}
	message.TrainJobName = trainJobName
	r.s.st.messages[trainJobName] = append(r.s.st.messages[trainJobName], message)
	return nil
}

func (r messageRepo) ListMessages(ctx context.Context, trainJobName string) ([]repo.Message, error) {
	defer r.s.lock()()
	return append([]repo.Message(nil), r.s.st.messages[strings.TrimSpace(trainJobName)]...), nil
}

type counterRepo struct{ s *Store }

func (r counterRepo) NextExperimentOrdinal(ctx context.Context, datasetName string) (int64, error) {
	defer r.s.lock()()
	datasetName = strings.TrimSpace(datasetName)
	if datasetName == "" {
		return 0, fmt.Errorf("dataset name is required")
	}
	r.s.st.counters[datasetName]++
	return r.s.st.counters[datasetName], nil
}
