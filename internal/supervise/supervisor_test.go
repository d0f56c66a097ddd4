package supervise

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/trainwatch-labs/trainwatch-go/internal/domain"
	"github.com/trainwatch-labs/trainwatch-go/internal/platform/runtoken"
	"github.com/trainwatch-labs/trainwatch-go/internal/repo"
	"github.com/trainwatch-labs/trainwatch-go/internal/repo/memory"
	"github.com/trainwatch-labs/trainwatch-go/internal/trainmode"
)

type fakeLauncher struct {
	pid   int
	err   error
	specs []LaunchSpec
}

func (f *fakeLauncher) Launch(ctx context.Context, spec LaunchSpec) (int, error) {
	f.specs = append(f.specs, spec)
	if f.err != nil {
		return 0, f.err
	}
	return f.pid, nil
}

type fakeArchiver struct {
	archived []string
}

func (f *fakeArchiver) ArchiveLog(ctx context.Context, jobID, logPath string) error {
	f.archived = append(f.archived, jobID)
	return nil
}

func testConfig() Config {
	return Config{
		DataDir:     "/tmp/trainwatch-test",
		ReportURL:   "http://localhost:8087",
		TokenSecret: "test-secret",
		TokenTTL:    12 * time.Hour,
	}
}

func newTestService(t *testing.T, launcher Launcher, archiver LogArchiver) (*Service, *memory.Store) {
	t.Helper()
	store := memory.NewStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	service, err := New(logger, store, trainmode.Default(), testConfig(), launcher, archiver, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return service, store
}

func TestCreateJob(t *testing.T) {
	ctx := context.Background()
	launcher := &fakeLauncher{pid: 4321}
	service, store := newTestService(t, launcher, nil)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	service.now = func() time.Time { return now }

	job, token, err := service.CreateJob(ctx, CreateJobRequest{
		DatasetName: "bank",
		TrainMode:   "quick",
		Command:     "python train.py",
	})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	if job.ExperimentNo != 1 {
		t.Fatalf("ExperimentNo=%d, want 1", job.ExperimentNo)
	}
	if job.TrainJobName != "train_job_bank_1_20250601120000" {
		t.Fatalf("TrainJobName=%q", job.TrainJobName)
	}
	if job.MaxTrials != 30 {
		t.Fatalf("MaxTrials=%d, want 30", job.MaxTrials)
	}
	if job.Status != domain.StatusRunning {
		t.Fatalf("Status=%q, want running", job.Status)
	}
	if job.PID == nil || *job.PID != 4321 {
		t.Fatalf("PID=%v, want 4321", job.PID)
	}
	if !strings.HasSuffix(job.LogPath, "train.log") {
		t.Fatalf("LogPath=%q", job.LogPath)
	}

	claims, err := runtoken.Verify("test-secret", token, now)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.JobID != job.ID || claims.TrainJobName != job.TrainJobName {
		t.Fatalf("claims=%+v, want bound to job", claims)
	}

	if len(launcher.specs) != 1 {
		t.Fatalf("launches=%d, want 1", len(launcher.specs))
	}
	spec := launcher.specs[0]
	if spec.Command != "python train.py" {
		t.Fatalf("Command=%q", spec.Command)
	}
	if spec.Env["TRAINWATCH_JOB_NAME"] != job.TrainJobName {
		t.Fatalf("env TRAINWATCH_JOB_NAME=%q", spec.Env["TRAINWATCH_JOB_NAME"])
	}
	if spec.Env["TRAINWATCH_JOB_TOKEN"] != token {
		t.Fatalf("env TRAINWATCH_JOB_TOKEN missing")
	}

	stored, err := store.Jobs().GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if stored.PID == nil || *stored.PID != 4321 {
		t.Fatalf("stored PID=%v, want 4321", stored.PID)
	}
}

func TestCreateJob_OrdinalsIncrementPerDataset(t *testing.T) {
	ctx := context.Background()
	service, _ := newTestService(t, &fakeLauncher{pid: 1}, nil)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	calls := 0
	service.now = func() time.Time {
		calls++
		return base.Add(time.Duration(calls) * time.Second)
	}

	first, _, err := service.CreateJob(ctx, CreateJobRequest{DatasetName: "bank", TrainMode: "minimal", Command: "python train.py"})
	if err != nil {
		t.Fatalf("CreateJob(1): %v", err)
	}
	second, _, err := service.CreateJob(ctx, CreateJobRequest{DatasetName: "bank", TrainMode: "minimal", Command: "python train.py"})
	if err != nil {
		t.Fatalf("CreateJob(2): %v", err)
	}
	other, _, err := service.CreateJob(ctx, CreateJobRequest{DatasetName: "iris", TrainMode: "minimal", Command: "python train.py"})
	if err != nil {
		t.Fatalf("CreateJob(iris): %v", err)
	}

	if first.ExperimentNo != 1 || second.ExperimentNo != 2 {
		t.Fatalf("bank ordinals=[%d %d], want [1 2]", first.ExperimentNo, second.ExperimentNo)
	}
	if other.ExperimentNo != 1 {
		t.Fatalf("iris ordinal=%d, want 1", other.ExperimentNo)
	}
}

func TestCreateJob_Rejections(t *testing.T) {
	ctx := context.Background()
	service, _ := newTestService(t, &fakeLauncher{pid: 1}, nil)

	cases := []CreateJobRequest{
		{DatasetName: "", TrainMode: "quick", Command: "python train.py"},
		{DatasetName: "bank", TrainMode: "warp", Command: "python train.py"},
		{DatasetName: "bank", TrainMode: "quick", Command: ""},
	}
	for _, req := range cases {
		if _, _, err := service.CreateJob(ctx, req); err == nil {
			t.Fatalf("CreateJob(%+v): expected error", req)
		}
	}
}

func TestCreateJob_LaunchFailureMarksJobFailed(t *testing.T) {
	ctx := context.Background()
	launcher := &fakeLauncher{err: errors.New("spawn failed")}
	service, store := newTestService(t, launcher, nil)

	_, _, err := service.CreateJob(ctx, CreateJobRequest{DatasetName: "bank", TrainMode: "quick", Command: "python train.py"})
	if err == nil {
		t.Fatalf("expected error")
	}

	jobs, _, err := store.Jobs().ListJobs(ctx, repo.JobFilter{})
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("jobs=%d, want 1", len(jobs))
	}
	if jobs[0].Status != domain.StatusFailed {
		t.Fatalf("Status=%q, want failed", jobs[0].Status)
	}
	if jobs[0].FinishedAt == nil {
		t.Fatalf("FinishedAt unset")
	}
}

func TestReapDeadJobs(t *testing.T) {
	ctx := context.Background()
	archiver := &fakeArchiver{}
	service, store := newTestService(t, &fakeLauncher{pid: 100}, archiver)

	alive := map[int]bool{}
	service.alive = func(pid int) bool { return alive[pid] }

	deadJob, _, err := service.CreateJob(ctx, CreateJobRequest{DatasetName: "bank", TrainMode: "quick", Command: "python train.py"})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	liveLauncher := &fakeLauncher{pid: 200}
	service.launcher = liveLauncher
	liveJob, _, err := service.CreateJob(ctx, CreateJobRequest{DatasetName: "iris", TrainMode: "quick", Command: "python train.py"})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	alive[200] = true

	reaped, err := service.ReapDeadJobs(ctx)
	if err != nil {
		t.Fatalf("ReapDeadJobs: %v", err)
	}
	if reaped != 1 {
		t.Fatalf("reaped=%d, want 1", reaped)
	}

	dead, err := store.Jobs().GetJob(ctx, deadJob.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if dead.Status != domain.StatusFailed || dead.FinishedAt == nil {
		t.Fatalf("dead job Status=%q FinishedAt=%v, want failed/set", dead.Status, dead.FinishedAt)
	}

	live, err := store.Jobs().GetJob(ctx, liveJob.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if live.Status != domain.StatusRunning {
		t.Fatalf("live job Status=%q, want running", live.Status)
	}

	if len(archiver.archived) != 1 || archiver.archived[0] != deadJob.ID {
		t.Fatalf("archived=%v, want [%s]", archiver.archived, deadJob.ID)
	}
}

func TestRefreshLiveness(t *testing.T) {
	ctx := context.Background()
	service, store := newTestService(t, &fakeLauncher{pid: 100}, nil)
	service.alive = func(pid int) bool { return false }

	job, _, err := service.CreateJob(ctx, CreateJobRequest{DatasetName: "bank", TrainMode: "quick", Command: "python train.py"})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	if err := service.RefreshLiveness(ctx, job.ID); err != nil {
		t.Fatalf("RefreshLiveness: %v", err)
	}
	got, err := store.Jobs().GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Status != domain.StatusFailed {
		t.Fatalf("Status=%q, want failed", got.Status)
	}

	// Terminal jobs are left alone on later refreshes.
	finishedAt := *got.FinishedAt
	if err := service.RefreshLiveness(ctx, job.ID); err != nil {
		t.Fatalf("RefreshLiveness(terminal): %v", err)
	}
	again, _ := store.Jobs().GetJob(ctx, job.ID)
	if !again.FinishedAt.Equal(finishedAt) {
		t.Fatalf("FinishedAt moved on terminal job")
	}
}

func TestFailJobDoesNotOverwriteTerminalStatus(t *testing.T) {
	ctx := context.Background()
	service, store := newTestService(t, &fakeLauncher{pid: 100}, nil)

	job, _, err := service.CreateJob(ctx, CreateJobRequest{DatasetName: "bank", TrainMode: "quick", Command: "python train.py"})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	succeed := domain.StatusSucceed
	finished := time.Date(2025, 6, 1, 13, 0, 0, 0, time.UTC)
	if err := store.Jobs().UpdateJob(ctx, job.ID, repo.JobUpdate{
		Status:       &succeed,
		FinishedAt:   &finished,
		LastUpdateAt: finished,
	}); err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}

	if err := service.failJob(ctx, job.ID, "test"); err != nil {
		t.Fatalf("failJob: %v", err)
	}
	got, _ := store.Jobs().GetJob(ctx, job.ID)
	if got.Status != domain.StatusSucceed {
		t.Fatalf("Status=%q, want succeed preserved", got.Status)
	}
}
