// Package ledger holds the append-only trial history of one job and
// normalizes it for display.
package ledger

import (
	"fmt"
	"math"
	"sort"

	"github.com/trainwatch-labs/trainwatch-go/internal/domain"
)

// ErrOutOfOrder is returned when an appended trial does not strictly follow
// the last stored trial number. This protects the job's trial_no and score
// against reordered event delivery.
var ErrOutOfOrder = fmt.Errorf("out-of-order trial rejected")

// Ledger is the in-memory view of a job's trial history, ordered by trial
// number. Trials are never mutated or removed once appended.
type Ledger struct {
	trials []domain.Trial
}

// Load builds a ledger from stored trials, which must already be in strictly
// increasing trial order.
func Load(trials []domain.Trial) (*Ledger, error) {
	l := &Ledger{}
	for _, t := range trials {
		if err := l.Append(t); err != nil {
			return nil, fmt.Errorf("trial %d: %w", t.TrialNo, err)
		}
	}
	return l, nil
}

// Append accepts the next trial. The trial number must be strictly greater
// than the last accepted one.
func (l *Ledger) Append(trial domain.Trial) error {
	if trial.TrialNo < 1 {
		return fmt.Errorf("trial_no must be >= 1, got %d", trial.TrialNo)
	}
	if last, ok := l.LastTrialNo(); ok && trial.TrialNo <= last {
		return fmt.Errorf("%w: trial_no %d after %d", ErrOutOfOrder, trial.TrialNo, last)
	}
	l.trials = append(l.trials, trial)
	return nil
}

func (l *Ledger) Len() int {
	return len(l.trials)
}

func (l *Ledger) Trials() []domain.Trial {
	out := make([]domain.Trial, len(l.trials))
	copy(out, l.trials)
	return out
}

// LastTrialNo returns the most recently accepted trial number, false when the
// ledger is empty.
func (l *Ledger) LastTrialNo() (int, bool) {
	if len(l.trials) == 0 {
		return 0, false
	}
	return l.trials[len(l.trials)-1].TrialNo, true
}

// AvgElapsed returns the mean elapsed seconds across all trials, false when
// the ledger is empty.
func (l *Ledger) AvgElapsed() (float64, bool) {
	if len(l.trials) == 0 {
		return 0, false
	}
	var total float64
	for _, t := range l.trials {
		total += t.Elapsed
	}
	return total / float64(len(l.trials)), true
}

// Table is the client-facing view of a ledger: one column per parameter name
// seen in at least one trial, one row per trial in trial order. Absent or
// non-numeric-NaN values appear as nil, never as a raw NaN.
type Table struct {
	ParamNames []string `json:"param_names"`
	Rows       []Row    `json:"data"`
}

type Row struct {
	TrialNo int      `json:"trial_no"`
	Reward  *float64 `json:"reward"`
	Elapsed float64  `json:"elapsed"`
	Params  []any    `json:"params"`
}

// Table builds the normalized view. Parameter names are the union across all
// trials; a column absent in every trial is dropped.
func (l *Ledger) Table() Table {
	if len(l.trials) == 0 {
		return Table{ParamNames: []string{}, Rows: []Row{}}
	}

	populated := map[string]bool{}
	for _, t := range l.trials {
		for name, value := range t.Params {
			if normalizeValue(value) != nil {
				populated[name] = true
			}
		}
	}
	names := make([]string, 0, len(populated))
	for name := range populated {
		names = append(names, name)
	}
	sort.Strings(names)

	rows := make([]Row, 0, len(l.trials))
	for _, t := range l.trials {
		params := make([]any, len(names))
		for i, name := range names {
			if value, ok := t.Params[name]; ok {
				params[i] = normalizeValue(value)
			}
		}
		rows = append(rows, Row{
			TrialNo: t.TrialNo,
			Reward:  normalizeReward(t.Reward),
			Elapsed: t.Elapsed,
			Params:  params,
		})
	}
	return Table{ParamNames: names, Rows: rows}
}

func normalizeReward(reward float64) *float64 {
	if math.IsNaN(reward) {
		return nil
	}
	return &reward
}

// normalizeValue converts raw NaN values to nil so downstream consumers never
// observe one.
func normalizeValue(value any) any {
	switch v := value.(type) {
	case float64:
		if math.IsNaN(v) {
			return nil
		}
		return v
	case float32:
		if math.IsNaN(float64(v)) {
			return nil
		}
		return v
	case nil:
		return nil
	default:
		return value
	}
}
