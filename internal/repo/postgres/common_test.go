package postgres

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/trainwatch-labs/trainwatch-go/internal/domain"
	"github.com/trainwatch-labs/trainwatch-go/internal/repo"
)

func TestHandleNotFound(t *testing.T) {
	if err := handleNotFound(sql.ErrNoRows); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("handleNotFound(ErrNoRows)=%v, want ErrNotFound", err)
	}
	other := fmt.Errorf("connection reset")
	if err := handleNotFound(other); !errors.Is(err, other) {
		t.Fatalf("handleNotFound passed-through error=%v", err)
	}
}

func TestMetadataRoundTrip(t *testing.T) {
	raw, err := encodeMetadata(domain.Metadata{"auc": 0.93})
	if err != nil {
		t.Fatalf("encodeMetadata: %v", err)
	}
	meta, err := decodeMetadata(raw)
	if err != nil {
		t.Fatalf("decodeMetadata: %v", err)
	}
	if meta["auc"] != 0.93 {
		t.Fatalf("meta=%v, want auc 0.93", meta)
	}

	raw, err = encodeMetadata(nil)
	if err != nil || raw != nil {
		t.Fatalf("encodeMetadata(nil)=%v/%v, want nil/nil", raw, err)
	}
	meta, err = decodeMetadata(nil)
	if err != nil || meta != nil {
		t.Fatalf("decodeMetadata(nil)=%v/%v, want nil/nil", meta, err)
	}
}

func TestNullIfEmpty(t *testing.T) {
	if v := nullIfEmpty("  "); v.Valid {
		t.Fatalf("blank string must map to NULL")
	}
	v := nullIfEmpty(" load ")
	if !v.Valid || v.String != "load" {
		t.Fatalf("nullIfEmpty=%+v, want trimmed valid", v)
	}
}

func TestJobQueriesCoverAllColumns(t *testing.T) {
	for _, column := range []string{
		"job_id", "dataset_name", "experiment_no", "train_job_name", "train_mode",
		"max_trials", "status", "progress", "trial_no", "score", "performance",
		"artifact_size", "pid", "log_path", "created_at", "last_update_at", "finished_at",
	} {
		if !strings.Contains(jobColumns, column) {
			t.Fatalf("jobColumns missing %q", column)
		}
	}
	if !strings.Contains(insertJobQuery, "$17") {
		t.Fatalf("insertJobQuery placeholder count changed: %s", insertJobQuery)
	}
}

func TestCounterQueryIsAtomicUpsert(t *testing.T) {
	if !strings.Contains(nextExperimentOrdinalQuery, "ON CONFLICT (dataset_name)") {
		t.Fatalf("ordinal allocation must upsert: %s", nextExperimentOrdinalQuery)
	}
	if !strings.Contains(nextExperimentOrdinalQuery, "RETURNING last_ordinal") {
		t.Fatalf("ordinal allocation must return the new ordinal: %s", nextExperimentOrdinalQuery)
	}
}
