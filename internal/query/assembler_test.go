package query

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/trainwatch-labs/trainwatch-go/internal/domain"
	"github.com/trainwatch-labs/trainwatch-go/internal/repo"
	"github.com/trainwatch-labs/trainwatch-go/internal/repo/memory"
)

func newTestAssembler(t *testing.T) (*Assembler, *memory.Store) {
	t.Helper()
	store := memory.NewStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	assembler := New(logger, store)
	if assembler == nil {
		t.Fatalf("New returned nil")
	}
	return assembler, store
}

func seedJob(t *testing.T, store *memory.Store, job domain.Job) {
	t.Helper()
	if err := store.Jobs().CreateJob(context.Background(), job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
}

func TestGetJob_Snapshot(t *testing.T) {
	ctx := context.Background()
	assembler, store := newTestAssembler(t)

	created := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	score := 0.8
	seedJob(t, store, domain.Job{
		ID:           "job-1",
		DatasetName:  "bank",
		ExperimentNo: 1,
		TrainJobName: "train_job_bank_1_20250601120000",
		TrainMode:    "quick",
		MaxTrials:    10,
		Status:       domain.StatusRunning,
		Progress:     domain.StepOptimize,
		TrialNo:      3,
		Score:        &score,
		CreatedAt:    created,
	})
	for i, elapsed := range []float64{10, 20, 30} {
		if err := store.Trials().AppendTrial(ctx, "job-1", domain.Trial{
			TrialNo: i + 1,
			Reward:  0.5,
			Elapsed: elapsed,
			Params:  domain.Metadata{"max_depth": float64(i)},
		}); err != nil {
			t.Fatalf("AppendTrial: %v", err)
		}
	}
	assembler.now = func() time.Time { return created.Add(90 * time.Second) }

	snapshot, err := assembler.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}

	if snapshot.JobID != "job-1" || snapshot.DatasetName != "bank" {
		t.Fatalf("snapshot identity=%q/%q", snapshot.JobID, snapshot.DatasetName)
	}
	if snapshot.Progress != string(domain.StepOptimize) || snapshot.TrialNo != 3 {
		t.Fatalf("Progress=%q TrialNo=%d", snapshot.Progress, snapshot.TrialNo)
	}
	// avg=20; (10-3)*20 + 20 + 30 = 190.
	if snapshot.ETASeconds == nil || *snapshot.ETASeconds != 190 {
		t.Fatalf("ETASeconds=%v, want 190", snapshot.ETASeconds)
	}
	if snapshot.Score == nil || *snapshot.Score != 0.8 {
		t.Fatalf("Score=%v, want 0.8", snapshot.Score)
	}
	if len(snapshot.Trials.Rows) != 3 {
		t.Fatalf("trial rows=%d, want 3", len(snapshot.Trials.Rows))
	}
	if snapshot.ElapsedSeconds != 90 {
		t.Fatalf("ElapsedSeconds=%v, want 90", snapshot.ElapsedSeconds)
	}
}

func TestGetJob_FinishedJobFreezesElapsed(t *testing.T) {
	ctx := context.Background()
	assembler, store := newTestAssembler(t)

	created := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	finished := created.Add(5 * time.Minute)
	seedJob(t, store, domain.Job{
		ID:           "job-1",
		DatasetName:  "bank",
		ExperimentNo: 1,
		TrainJobName: "train_job_bank_1_20250601120000",
		TrainMode:    "quick",
		MaxTrials:    10,
		Status:       domain.StatusSucceed,
		Progress:     domain.StepPersist,
		CreatedAt:    created,
		FinishedAt:   &finished,
	})
	assembler.now = func() time.Time { return created.Add(time.Hour) }

	snapshot, err := assembler.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if snapshot.ElapsedSeconds != 300 {
		t.Fatalf("ElapsedSeconds=%v, want frozen 300", snapshot.ElapsedSeconds)
	}
	if snapshot.ETASeconds == nil || *snapshot.ETASeconds != 0 {
		t.Fatalf("ETASeconds=%v, want 0", snapshot.ETASeconds)
	}
}

func TestGetJob_NotFound(t *testing.T) {
	assembler, _ := newTestAssembler(t)

	_, err := assembler.GetJob(context.Background(), "missing")
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("error=%v, want ErrNotFound", err)
	}
}

func TestListJobs_Paging(t *testing.T) {
	ctx := context.Background()
	assembler, store := newTestAssembler(t)

	created := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	for i := int64(1); i <= 5; i++ {
		seedJob(t, store, domain.Job{
			ID:           fmt.Sprintf("job-%d", i),
			DatasetName:  "bank",
			ExperimentNo: i,
			TrainJobName: fmt.Sprintf("train_job_bank_%d_20250601120000", i),
			TrainMode:    "quick",
			MaxTrials:    10,
			Status:       domain.StatusRunning,
			CreatedAt:    created,
		})
	}

	snapshots, total, err := assembler.ListJobs(ctx, "bank", 2, 2)
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if total != 5 {
		t.Fatalf("total=%d, want 5", total)
	}
	if len(snapshots) != 2 {
		t.Fatalf("len=%d, want 2", len(snapshots))
	}
	if snapshots[0].ExperimentNo != 3 || snapshots[1].ExperimentNo != 2 {
		t.Fatalf("page=[%d %d], want [3 2]", snapshots[0].ExperimentNo, snapshots[1].ExperimentNo)
	}
}

func TestListJobs_RejectsBadPaging(t *testing.T) {
	assembler, _ := newTestAssembler(t)

	if _, _, err := assembler.ListJobs(context.Background(), "bank", 0, 10); err == nil {
		t.Fatalf("page_num 0: expected error")
	}
	if _, _, err := assembler.ListJobs(context.Background(), "bank", 1, 0); err == nil {
		t.Fatalf("page_size 0: expected error")
	}
}
