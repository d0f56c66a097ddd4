package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/trainwatch-labs/trainwatch-go/internal/domain"
	"github.com/trainwatch-labs/trainwatch-go/internal/estimate"
	"github.com/trainwatch-labs/trainwatch-go/internal/ingest"
	"github.com/trainwatch-labs/trainwatch-go/internal/ledger"
	"github.com/trainwatch-labs/trainwatch-go/internal/platform/httpserver"
	"github.com/trainwatch-labs/trainwatch-go/internal/platform/runtoken"
	"github.com/trainwatch-labs/trainwatch-go/internal/query"
	"github.com/trainwatch-labs/trainwatch-go/internal/repo"
	"github.com/trainwatch-labs/trainwatch-go/internal/supervise"
)

const maxBodyBytes = 1 << 20

// artifactVerifier cross-checks the artifact size a finished process reported
// at its Persist step against what actually landed in the object store.
type artifactVerifier interface {
	StatModel(ctx context.Context, jobID string) (int64, error)
}

type trainwatchAPI struct {
	logger      *slog.Logger
	ingestor    *ingest.Service
	supervisor  *supervise.Service
	assembler   *query.Assembler
	artifacts   artifactVerifier
	tokenSecret string
}

func newTrainwatchAPI(logger *slog.Logger, ingestor *ingest.Service, supervisor *supervise.Service, assembler *query.Assembler, artifacts artifactVerifier, tokenSecret string) *trainwatchAPI {
	return &trainwatchAPI{
		logger:      logger,
		ingestor:    ingestor,
		supervisor:  supervisor,
		assembler:   assembler,
		artifacts:   artifacts,
		tokenSecret: strings.TrimSpace(tokenSecret),
	}
}

func (api *trainwatchAPI) register(mux *http.ServeMux) {
	mux.HandleFunc("POST /jobs", api.handleCreateJob)
	mux.HandleFunc("GET /jobs", api.handleListJobs)
	mux.HandleFunc("GET /jobs/{job_id}", api.handleGetJob)

	mux.HandleFunc("POST /train-jobs/{train_job_name}/steps", api.handleReportStep)
}

type createJobRequest struct {
	DatasetName string `json:"dataset_name"`
	TrainMode   string `json:"train_mode"`
	Command     string `json:"command"`
}

type createJobResponse struct {
	JobID        string `json:"job_id"`
	TrainJobName string `json:"train_job_name"`
	ExperimentNo int64  `json:"no_experiment"`
	MaxTrials    int    `json:"max_trials"`
	Token        string `json:"token"`
}

func (api *trainwatchAPI) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := decodeJSON(r, &req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}

	job, token, err := api.supervisor.CreateJob(r.Context(), supervise.CreateJobRequest{
		DatasetName: req.DatasetName,
		TrainMode:   req.TrainMode,
		Command:     req.Command,
	})
	if err != nil {
		api.logger.Warn("job creation rejected", "dataset", req.DatasetName, "error", err)
		api.writeError(w, r, http.StatusBadRequest, "invalid_request")
		return
	}

	writeJSON(w, http.StatusCreated, createJobResponse{
		JobID:        job.ID,
		TrainJobName: job.TrainJobName,
		ExperimentNo: job.ExperimentNo,
		MaxTrials:    job.MaxTrials,
		Token:        token,
	})
}

type listJobsResponse struct {
	Jobs  []query.Snapshot `json:"experiments"`
	Total int              `json:"total"`
}

func (api *trainwatchAPI) handleListJobs(w http.ResponseWriter, r *http.Request) {
	pageNum, err := queryInt(r, "page_num", 1)
	if err != nil || pageNum < 1 {
		api.writeError(w, r, http.StatusBadRequest, "invalid_page_num")
		return
	}
	pageSize, err := queryInt(r, "page_size", 20)
	if err != nil || pageSize < 1 || pageSize > 200 {
		api.writeError(w, r, http.StatusBadRequest, "invalid_page_size")
		return
	}
	datasetName := strings.TrimSpace(r.URL.Query().Get("dataset_name"))

	snapshots, total, err := api.assembler.ListJobs(r.Context(), datasetName, pageNum, pageSize)
	if err != nil {
		api.writeQueryError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listJobsResponse{Jobs: snapshots, Total: total})
}

func (api *trainwatchAPI) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID := strings.TrimSpace(r.PathValue("job_id"))
	if jobID == "" {
		api.writeError(w, r, http.StatusBadRequest, "job_id_required")
		return
	}

	// The reading client is the only reliable trigger for noticing a
	// silently dead process between monitor sweeps.
	if err := api.supervisor.RefreshLiveness(r.Context(), jobID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			api.writeError(w, r, http.StatusNotFound, "job_not_found")
			return
		}
		api.logger.Error("liveness refresh failed", "job_id", jobID, "error", err)
	}

	snapshot, err := api.assembler.GetJob(r.Context(), jobID)
	if err != nil {
		api.writeQueryError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (api *trainwatchAPI) handleReportStep(w http.ResponseWriter, r *http.Request) {
	trainJobName := strings.TrimSpace(r.PathValue("train_job_name"))
	if trainJobName == "" {
		api.writeError(w, r, http.StatusBadRequest, "train_job_name_required")
		return
	}
	if !api.authorizeStep(w, r, trainJobName) {
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_body")
		return
	}
	event, err := domain.ParseStepEvent(body)
	if err != nil {
		api.logger.Warn("malformed step event", "train_job_name", trainJobName, "error", err)
		api.writeError(w, r, http.StatusBadRequest, "invalid_step_event")
		return
	}

	job, err := api.ingestor.ApplyStep(r.Context(), trainJobName, event)
	if err != nil {
		api.writeStepError(w, r, err)
		return
	}
	if event.Type == domain.StepPersist && event.Outcome == domain.OutcomeSucceed {
		api.verifyArtifact(job.ID, job.ArtifactSize)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"job_id":   job.ID,
		"progress": string(job.Progress),
		"status":   string(job.Status),
		"trial_no": job.TrialNo,
	})
}

// verifyArtifact compares the artifact size reported at the Persist step with
// the object actually stored. A mismatch is logged, never surfaced to the
// reporting process, because the job itself completed.
func (api *trainwatchAPI) verifyArtifact(jobID string, reported *int64) {
	if api.artifacts == nil || reported == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		stored, err := api.artifacts.StatModel(ctx, jobID)
		if err != nil {
			api.logger.Warn("artifact stat failed", "job_id", jobID, "error", err)
			return
		}
		if stored != *reported {
			api.logger.Warn("artifact size mismatch",
				"job_id", jobID, "reported", *reported, "stored", stored)
		}
	}()
}

// authorizeStep requires the bearer token issued at launch and binds it to
// the reporting train job.
func (api *trainwatchAPI) authorizeStep(w http.ResponseWriter, r *http.Request, trainJobName string) bool {
	if api.tokenSecret == "" {
		return true
	}

	header := strings.TrimSpace(r.Header.Get("Authorization"))
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || strings.TrimSpace(token) == "" {
		api.writeError(w, r, http.StatusUnauthorized, "missing_token")
		return false
	}

	claims, err := runtoken.Verify(api.tokenSecret, strings.TrimSpace(token), time.Now().UTC())
	if err != nil {
		code := "invalid_token"
		if errors.Is(err, runtoken.ErrExpired) {
			code = "expired_token"
		}
		api.writeError(w, r, http.StatusUnauthorized, code)
		return false
	}
	if claims.TrainJobName != trainJobName {
		api.writeError(w, r, http.StatusForbidden, "token_job_mismatch")
		return false
	}
	return true
}

func (api *trainwatchAPI) writeStepError(w http.ResponseWriter, r *http.Request, err error) {
	var transitionErr *domain.TransitionError
	var duplicateErr *ingest.DuplicateStepError
	switch {
	case errors.Is(err, repo.ErrNotFound):
		api.writeError(w, r, http.StatusNotFound, "job_not_found")
	case errors.As(err, &duplicateErr):
		api.writeError(w, r, http.StatusConflict, "duplicate_step")
	case errors.As(err, &transitionErr):
		api.writeError(w, r, http.StatusConflict, "invalid_transition")
	case errors.Is(err, ledger.ErrOutOfOrder):
		api.writeError(w, r, http.StatusConflict, "out_of_order_trial")
	default:
		api.logger.Error("step event failed", "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
	}
}

func (api *trainwatchAPI) writeQueryError(w http.ResponseWriter, r *http.Request, err error) {
	var estimationErr *estimate.EstimationError
	switch {
	case errors.Is(err, repo.ErrNotFound):
		api.writeError(w, r, http.StatusNotFound, "job_not_found")
	case errors.As(err, &estimationErr):
		api.logger.Error("job snapshot failed", "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
	default:
		api.logger.Error("job snapshot failed", "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
	}
}

func (api *trainwatchAPI) writeError(w http.ResponseWriter, r *http.Request, status int, code string) {
	requestID, _ := httpserver.RequestIDFromContext(r.Context())
	writeJSON(w, status, map[string]any{"error": code, "request_id": requestID})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func decodeJSON(r *http.Request, dst any) error {
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	return decoder.Decode(dst)
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}
