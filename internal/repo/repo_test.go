package repo_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"herbcert/internal/db"
	"herbcert/internal/domain"
	"herbcert/internal/migrate"
	"herbcert/internal/repo"
)

func newTestRepo(t *testing.T) repo.Repo {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.Repo{DB: conn}
}

func inTx(t *testing.T, r repo.Repo, fn func(tx *sql.Tx) error) {
	t.Helper()
	tx, err := r.DB.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		t.Fatalf("tx: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func sampleWorkflow(batchID string) domain.Workflow {
	return domain.Workflow{
		BatchID:      batchID,
		LabLicenseID: "LAB-001",
		State:        "collecting",
		CreatedAt:    "2026-01-01T00:00:00Z",
		UpdatedAt:    "2026-01-01T00:00:00Z",
	}
}

func TestWorkflowRoundTrip(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	inTx(t, r, func(tx *sql.Tx) error {
		return r.InsertWorkflowTx(ctx, tx, sampleWorkflow("BATCH-1"))
	})

	got, err := r.GetWorkflow(ctx, "BATCH-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != "collecting" || got.LabLicenseID != "LAB-001" {
		t.Fatalf("unexpected workflow: %+v", got)
	}
	if got.CID != nil || got.TxHash != nil {
		t.Fatalf("expected empty cid and tx hash")
	}

	cid := "QmTest"
	got.State = "certificate_ready"
	got.CID = &cid
	got.UpdatedAt = "2026-01-02T00:00:00Z"
	inTx(t, r, func(tx *sql.Tx) error {
		return r.UpdateWorkflowTx(ctx, tx, got)
	})

	got, err = r.GetWorkflow(ctx, "BATCH-1")
	if err != nil {
		t.Fatalf("get after update: %v", err)
	}
	if got.State != "certificate_ready" || got.CID == nil || *got.CID != "QmTest" {
		t.Fatalf("update not persisted: %+v", got)
	}
}

func TestGetWorkflowNotFound(t *testing.T) {
	r := newTestRepo(t)
	_, err := r.GetWorkflow(context.Background(), "missing")
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateMissingWorkflow(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	tx, err := r.DB.Begin()
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	err = r.UpdateWorkflowTx(ctx, tx, sampleWorkflow("ghost"))
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListWorkflowsFiltersByLicense(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	other := sampleWorkflow("BATCH-B")
	other.LabLicenseID = "LAB-002"
	inTx(t, r, func(tx *sql.Tx) error {
		if err := r.InsertWorkflowTx(ctx, tx, sampleWorkflow("BATCH-A")); err != nil {
			return err
		}
		return r.InsertWorkflowTx(ctx, tx, other)
	})

	all, err := r.ListWorkflows(ctx, "")
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 workflows, got %d", len(all))
	}
	mine, err := r.ListWorkflows(ctx, "LAB-002")
	if err != nil {
		t.Fatalf("list filtered: %v", err)
	}
	if len(mine) != 1 || mine[0].BatchID != "BATCH-B" {
		t.Fatalf("filter failed: %+v", mine)
	}
}

func TestRecordAndVerdictRoundTrip(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	inTx(t, r, func(tx *sql.Tx) error {
		return r.InsertWorkflowTx(ctx, tx, sampleWorkflow("BATCH-1"))
	})

	rec := domain.MeasurementRecord{
		BatchID:      "BATCH-1",
		HerbName:     "Tulsi",
		LabLicenseID: "LAB-001",
		TestDate:     "2026-01-01",
		Soil:         domain.Soil{PH: 6.8},
		Microbial:    domain.Microbial{EColiPresent: domain.PresenceNo, SalmonellaPresent: domain.PresenceNo},
	}
	inTx(t, r, func(tx *sql.Tx) error {
		return r.UpsertRecordTx(ctx, tx, rec)
	})
	gotRec, err := r.GetRecord(ctx, "BATCH-1")
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if gotRec.HerbName != "Tulsi" || gotRec.Soil.PH != 6.8 {
		t.Fatalf("record mismatch: %+v", gotRec)
	}

	rating := 4.5
	v := domain.Verdict{Status: domain.VerdictNormal, Summary: "within range", QualityRating: &rating}
	inTx(t, r, func(tx *sql.Tx) error {
		return r.UpsertVerdictTx(ctx, tx, "BATCH-1", v)
	})
	gotV, err := r.GetVerdict(ctx, "BATCH-1")
	if err != nil {
		t.Fatalf("get verdict: %v", err)
	}
	if gotV.Status != domain.VerdictNormal || gotV.QualityRating == nil || *gotV.QualityRating != 4.5 {
		t.Fatalf("verdict mismatch: %+v", gotV)
	}
	if len(gotV.Anomalies) != 0 {
		t.Fatalf("expected no anomalies")
	}

	anomalous := domain.Verdict{
		Status:  domain.VerdictAnomalous,
		Summary: "lead out of range",
		Anomalies: []domain.Anomaly{
			{Parameter: "Lead_ppm", ExpectedRange: "0-10", ActualValue: "14.2"},
		},
	}
	inTx(t, r, func(tx *sql.Tx) error {
		return r.UpsertVerdictTx(ctx, tx, "BATCH-1", anomalous)
	})
	gotV, err = r.GetVerdict(ctx, "BATCH-1")
	if err != nil {
		t.Fatalf("get verdict 2: %v", err)
	}
	if len(gotV.Anomalies) != 1 || gotV.Anomalies[0].Parameter != "Lead_ppm" {
		t.Fatalf("anomalies mismatch: %+v", gotV)
	}
	if gotV.QualityRating != nil {
		t.Fatalf("expected rating cleared on anomalous verdict")
	}
}

func TestAPIKeyLifecycle(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	hash := repo.HashAPIKey("secret-key")
	err := r.InsertAPIKey(ctx, nil, domain.APIKey{
		ID:      "key-1",
		ActorID: "lab-tech",
		Name:    "bench station",
		KeyHash: hash,
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	key, err := r.GetAPIKeyByHash(ctx, hash)
	if err != nil {
		t.Fatalf("get by hash: %v", err)
	}
	if key.ActorID != "lab-tech" || key.Name != "bench station" {
		t.Fatalf("unexpected key: %+v", key)
	}

	keys, err := r.ListAPIKeys(ctx, "lab-tech")
	if err != nil || len(keys) != 1 {
		t.Fatalf("list: %v %d", err, len(keys))
	}

	if err := r.DeleteAPIKey(ctx, "key-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := r.GetAPIKeyByHash(ctx, hash); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}
