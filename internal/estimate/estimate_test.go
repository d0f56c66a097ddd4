package estimate

import (
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/trainwatch-labs/trainwatch-go/internal/domain"
	"github.com/trainwatch-labs/trainwatch-go/internal/ledger"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func trials(t *testing.T, elapsed ...float64) *ledger.Ledger {
	t.Helper()
	l := &ledger.Ledger{}
	for i, e := range elapsed {
		if err := l.Append(domain.Trial{TrialNo: i + 1, Elapsed: e}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	return l
}

func TestRemainingSeconds_EarlyStagesUnknown(t *testing.T) {
	for _, progress := range []domain.StepType{"", domain.StepLoad, domain.StepOptimizeStart} {
		eta, err := RemainingSeconds(discard(), Input{Progress: progress, Trials: &ledger.Ledger{}})
		if err != nil {
			t.Fatalf("RemainingSeconds(%q): %v", progress, err)
		}
		if eta != nil {
			t.Fatalf("RemainingSeconds(%q)=%v, want unknown", progress, *eta)
		}
	}
}

func TestRemainingSeconds_Optimize(t *testing.T) {
	// avg = 20; (10-3)*20 + 20 + 30 = 190.
	eta, err := RemainingSeconds(discard(), Input{
		Progress:  domain.StepOptimize,
		TrialNo:   3,
		MaxTrials: 10,
		Trials:    trials(t, 10, 20, 30),
	})
	if err != nil {
		t.Fatalf("RemainingSeconds: %v", err)
	}
	if eta == nil || *eta != 190 {
		t.Fatalf("eta=%v, want 190", eta)
	}
}

func TestRemainingSeconds_OptimizeEmptyLedgerUnknown(t *testing.T) {
	eta, err := RemainingSeconds(discard(), Input{
		Progress:  domain.StepOptimize,
		TrialNo:   1,
		MaxTrials: 10,
		Trials:    &ledger.Ledger{},
	})
	if err != nil {
		t.Fatalf("RemainingSeconds: %v", err)
	}
	if eta != nil {
		t.Fatalf("eta=%v, want unknown", *eta)
	}
}

func TestRemainingSeconds_Searched(t *testing.T) {
	eta, err := RemainingSeconds(discard(), Input{
		Progress: domain.StepSearched,
		Trials:   trials(t, 10, 20, 30),
	})
	if err != nil {
		t.Fatalf("RemainingSeconds: %v", err)
	}
	if eta == nil || *eta != 50 {
		t.Fatalf("eta=%v, want 50", eta)
	}
}

func TestRemainingSeconds_FinalStages(t *testing.T) {
	for _, progress := range []domain.StepType{domain.StepFinalTrain, domain.StepEvaluate} {
		eta, err := RemainingSeconds(discard(), Input{Progress: progress})
		if err != nil {
			t.Fatalf("RemainingSeconds(%q): %v", progress, err)
		}
		if eta == nil || *eta != FixedOverheadSeconds {
			t.Fatalf("RemainingSeconds(%q)=%v, want %d", progress, eta, FixedOverheadSeconds)
		}
	}
}

func TestRemainingSeconds_PersistIsZero(t *testing.T) {
	eta, err := RemainingSeconds(discard(), Input{Progress: domain.StepPersist})
	if err != nil {
		t.Fatalf("RemainingSeconds: %v", err)
	}
	if eta == nil || *eta != 0 {
		t.Fatalf("eta=%v, want 0", eta)
	}
}

func TestRemainingSeconds_UnknownProgressFailsLoudly(t *testing.T) {
	_, err := RemainingSeconds(discard(), Input{Progress: "warmup"})
	if err == nil {
		t.Fatalf("expected error")
	}
	var estimationErr *EstimationError
	if !errors.As(err, &estimationErr) {
		t.Fatalf("error type=%T, want *EstimationError", err)
	}
}
