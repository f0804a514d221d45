package workflow_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"herbcert/internal/analysis"
	"herbcert/internal/archive"
	"herbcert/internal/config"
	"herbcert/internal/db"
	"herbcert/internal/domain"
	"herbcert/internal/ledger"
	"herbcert/internal/migrate"
	"herbcert/internal/pinstore"
	"herbcert/internal/repo"
	"herbcert/internal/workflow"
)

// fakeClients implements every external dependency and records call order.
type fakeClients struct {
	calls []string

	verdict           domain.Verdict
	analysisErr       error
	analysisTransient int

	cid       string
	uploadErr error

	hasRecord bool
	hasTxHash string
	hasErr    error

	receipt   domain.LedgerReceipt
	submitErr error

	archived   []archive.Entry
	archiveErr error
}

func (f *fakeClients) Analyze(ctx context.Context, rec domain.MeasurementRecord) (domain.Verdict, error) {
	f.calls = append(f.calls, "analyze")
	if f.analysisTransient > 0 {
		f.analysisTransient--
		return domain.Verdict{}, analysis.ErrUnavailable
	}
	if f.analysisErr != nil {
		return domain.Verdict{}, f.analysisErr
	}
	return f.verdict, nil
}

func (f *fakeClients) Upload(ctx context.Context, art domain.CertificateArtifact, licenseID string) (string, error) {
	f.calls = append(f.calls, "upload")
	if f.uploadErr != nil {
		return "", f.uploadErr
	}
	return f.cid, nil
}

func (f *fakeClients) HasRecord(ctx context.Context, batchID string) (bool, string, error) {
	f.calls = append(f.calls, "has_record")
	return f.hasRecord, f.hasTxHash, f.hasErr
}

func (f *fakeClients) Submit(ctx context.Context, rec ledger.Record) (domain.LedgerReceipt, error) {
	f.calls = append(f.calls, "ledger_submit")
	if f.submitErr != nil {
		return domain.LedgerReceipt{}, f.submitErr
	}
	return f.receipt, nil
}

func (f *fakeClients) Store(ctx context.Context, e archive.Entry) error {
	f.calls = append(f.calls, "persist")
	if f.archiveErr != nil {
		return f.archiveErr
	}
	f.archived = append(f.archived, e)
	return nil
}

func (f *fakeClients) render(rec domain.MeasurementRecord, v domain.Verdict) (domain.CertificateArtifact, error) {
	f.calls = append(f.calls, "render")
	return domain.CertificateArtifact{BatchID: rec.BatchID, ContentType: "image/png", Bytes: []byte("png")}, nil
}

func normalVerdict() domain.Verdict {
	rating := 4.5
	return domain.Verdict{Status: domain.VerdictNormal, Summary: "within range", QualityRating: &rating}
}

func anomalousVerdict() domain.Verdict {
	return domain.Verdict{
		Status:    domain.VerdictAnomalous,
		Summary:   "lead out of range",
		Anomalies: []domain.Anomaly{{Parameter: "Lead_ppm", ExpectedRange: "0-10", ActualValue: "14.2"}},
	}
}

func validRecord(batchID string) domain.MeasurementRecord {
	return domain.MeasurementRecord{
		BatchID:      batchID,
		HerbName:     "Tulsi",
		LabLicenseID: "LAB-001",
		TestDate:     "2026-03-01",
		Environment:  domain.Environment{TemperatureC: 24, HumidityPct: 50, StorageDays: 10, LightHoursDay: 8},
		Soil:         domain.Soil{PH: 6.8, MoisturePct: 30, NitrogenMgKg: 120, PhosphorusMgKg: 40, PotassiumMgKg: 180, OrganicCarbonPct: 1.1},
		Biochemical:  domain.Biochemical{MoisturePct: 9, EssentialOilPct: 1.4, ChlorophyllIndex: 32, DiscolorationIndex: 2},
		Microbial: domain.Microbial{
			BacterialCountCFUg: 900,
			FungalCountCFUg:    40,
			EColiPresent:       domain.PresenceNo,
			SalmonellaPresent:  domain.PresenceNo,
		},
		DNAAuthenticity: domain.DNAAuthentic,
	}
}

func newTestEngine(t *testing.T) (*workflow.Engine, *fakeClients) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	f := &fakeClients{
		verdict: normalVerdict(),
		cid:     "QmCert",
		receipt: domain.LedgerReceipt{TxHash: "0xabc", Confirmed: true, ChainTimestamp: "2026-03-01T12:00:00Z"},
	}
	eng := workflow.New(conn, config.Default("LAB-001"))
	eng.Analysis = f
	eng.Pins = f
	eng.Ledger = f
	eng.Archive = f
	eng.Render = f.render
	eng.Now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return eng, f
}

func TestSubmitNormalVerdict(t *testing.T) {
	eng, _ := newTestEngine(t)
	res, err := eng.Submit(context.Background(), validRecord("B-1"), "tester")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Workflow.State != workflow.StateCertificateReady {
		t.Fatalf("expected certificate_ready, got %s", res.Workflow.State)
	}
	if res.Verdict == nil || res.Verdict.QualityRating == nil || *res.Verdict.QualityRating != 4.5 {
		t.Fatalf("quality rating must pass through unchanged: %+v", res.Verdict)
	}
}

func TestSubmitValidationFailureCreatesNothing(t *testing.T) {
	eng, f := newTestEngine(t)
	rec := validRecord("B-1")
	rec.Soil.PH = 15
	rec.HerbName = ""
	_, err := eng.Submit(context.Background(), rec, "tester")
	var stepErr *workflow.StepError
	if !errors.As(err, &stepErr) || stepErr.Step != workflow.StepValidate {
		t.Fatalf("expected validate step error, got %v", err)
	}
	var vErr *domain.ValidationError
	if !errors.As(err, &vErr) || len(vErr.Issues) < 2 {
		t.Fatalf("expected accumulated validation issues, got %v", err)
	}
	if len(f.calls) != 0 {
		t.Fatalf("no remote calls on invalid input, got %v", f.calls)
	}
	if _, err := eng.Status(context.Background(), "B-1"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("invalid first submission must not create an instance, got %v", err)
	}
}

func TestSubmitAnalysisUnavailableStaysCollecting(t *testing.T) {
	eng, f := newTestEngine(t)
	f.analysisErr = analysis.ErrUnavailable
	res, err := eng.Submit(context.Background(), validRecord("B-1"), "tester")
	var stepErr *workflow.StepError
	if !errors.As(err, &stepErr) || stepErr.Step != workflow.StepAnalyze {
		t.Fatalf("expected analyze step error, got %v", err)
	}
	if res.Workflow.State != workflow.StateCollecting {
		t.Fatalf("expected collecting after transient failure, got %s", res.Workflow.State)
	}
	if res.Workflow.LastErrorStep == nil || *res.Workflow.LastErrorStep != workflow.StepAnalyze {
		t.Fatalf("failed step must be named in status: %+v", res.Workflow)
	}

	// service recovers, same batch retries
	f.analysisErr = nil
	res, err = eng.Submit(context.Background(), validRecord("B-1"), "tester")
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if res.Workflow.State != workflow.StateCertificateReady {
		t.Fatalf("expected certificate_ready after retry, got %s", res.Workflow.State)
	}
}

func TestSubmitRetriesTransientAnalysisFailures(t *testing.T) {
	eng, f := newTestEngine(t)
	eng.Config.Workflow.AnalysisRetries = 2
	f.analysisTransient = 2
	res, err := eng.Submit(context.Background(), validRecord("B-1"), "tester")
	if err != nil {
		t.Fatalf("submit should succeed within the retry budget: %v", err)
	}
	if res.Workflow.State != workflow.StateCertificateReady {
		t.Fatalf("expected certificate_ready, got %s", res.Workflow.State)
	}
	attempts := 0
	for _, c := range f.calls {
		if c == "analyze" {
			attempts++
		}
	}
	if attempts != 3 {
		t.Fatalf("expected 3 analysis attempts, got %d (%v)", attempts, f.calls)
	}

	// a malformed response never retries
	f.analysisErr = analysis.ErrMalformed
	_, err = eng.Submit(context.Background(), validRecord("B-2"), "tester")
	if !errors.Is(err, analysis.ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
	attempts = 0
	for _, c := range f.calls {
		if c == "analyze" {
			attempts++
		}
	}
	if attempts != 4 {
		t.Fatalf("malformed response must not retry, got %d attempts", attempts)
	}
}

func TestSubmitAnomalousThenResubmit(t *testing.T) {
	eng, f := newTestEngine(t)
	f.verdict = anomalousVerdict()
	res, err := eng.Submit(context.Background(), validRecord("B-1"), "tester")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Workflow.State != workflow.StateAnomalous {
		t.Fatalf("expected anomalous, got %s", res.Workflow.State)
	}
	if res.Verdict.QualityRating != nil {
		t.Fatalf("anomalous verdict must not carry a rating")
	}

	f.verdict = normalVerdict()
	res, err = eng.Submit(context.Background(), validRecord("B-1"), "tester")
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if res.Workflow.State != workflow.StateCertificateReady {
		t.Fatalf("expected certificate_ready after corrected resubmission, got %s", res.Workflow.State)
	}
}

func TestSubmitRejectedWhileActive(t *testing.T) {
	eng, _ := newTestEngine(t)
	if _, err := eng.Submit(context.Background(), validRecord("B-1"), "tester"); err != nil {
		t.Fatal(err)
	}
	_, err := eng.Submit(context.Background(), validRecord("B-1"), "tester")
	if !errors.Is(err, workflow.ErrBatchExists) {
		t.Fatalf("expected ErrBatchExists, got %v", err)
	}
}

func TestAnchorHappyPathOrder(t *testing.T) {
	eng, f := newTestEngine(t)
	if _, err := eng.Submit(context.Background(), validRecord("B-1"), "tester"); err != nil {
		t.Fatal(err)
	}
	f.calls = nil
	w, err := eng.Anchor(context.Background(), "B-1", "tester")
	if err != nil {
		t.Fatalf("anchor: %v", err)
	}
	if w.State != workflow.StateCompleted {
		t.Fatalf("expected completed, got %s", w.State)
	}
	want := []string{"render", "upload", "has_record", "ledger_submit", "persist"}
	if len(f.calls) != len(want) {
		t.Fatalf("call order mismatch: got %v want %v", f.calls, want)
	}
	for i := range want {
		if f.calls[i] != want[i] {
			t.Fatalf("call order mismatch at %d: got %v want %v", i, f.calls, want)
		}
	}
	if w.CID == nil || *w.CID != "QmCert" || w.TxHash == nil || *w.TxHash != "0xabc" {
		t.Fatalf("cid and tx hash must be recorded: %+v", w)
	}
	if len(f.archived) != 1 || f.archived[0].CID != "QmCert" || f.archived[0].TxHash != "0xabc" {
		t.Fatalf("archive entry must carry cid and tx hash: %+v", f.archived)
	}
}

func TestAnchorSkipsUploadWithCachedCID(t *testing.T) {
	eng, f := newTestEngine(t)
	if _, err := eng.Submit(context.Background(), validRecord("B-1"), "tester"); err != nil {
		t.Fatal(err)
	}

	// first attempt: upload succeeds, ledger is down
	f.submitErr = ledger.ErrUnavailable
	w, err := eng.Anchor(context.Background(), "B-1", "tester")
	var stepErr *workflow.StepError
	if !errors.As(err, &stepErr) || stepErr.Step != workflow.StepLedger {
		t.Fatalf("expected ledger step error, got %v", err)
	}
	if w.State != workflow.StateCertificateReady {
		t.Fatalf("transient ledger failure must return to certificate_ready, got %s", w.State)
	}
	if w.CID == nil || *w.CID != "QmCert" {
		t.Fatalf("cid must be cached from the first attempt: %+v", w)
	}

	// second attempt: no render, no upload
	f.submitErr = nil
	f.calls = nil
	w, err = eng.Anchor(context.Background(), "B-1", "tester")
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if w.State != workflow.StateCompleted {
		t.Fatalf("expected completed, got %s", w.State)
	}
	for _, c := range f.calls {
		if c == "render" || c == "upload" {
			t.Fatalf("retry must reuse the cached cid, called %v", f.calls)
		}
	}
}

func TestAnchorDuplicateGuardRecoversReceipt(t *testing.T) {
	eng, f := newTestEngine(t)
	if _, err := eng.Submit(context.Background(), validRecord("B-1"), "tester"); err != nil {
		t.Fatal(err)
	}
	f.hasRecord = true
	f.hasTxHash = "0xearlier"
	f.calls = nil
	w, err := eng.Anchor(context.Background(), "B-1", "tester")
	if err != nil {
		t.Fatalf("anchor: %v", err)
	}
	if w.State != workflow.StateCompleted || w.TxHash == nil || *w.TxHash != "0xearlier" {
		t.Fatalf("expected recovered receipt, got %+v", w)
	}
	for _, c := range f.calls {
		if c == "ledger_submit" {
			t.Fatalf("must not resubmit an already-anchored batch: %v", f.calls)
		}
	}
}

func TestAnchorLedgerRejectedIsFatal(t *testing.T) {
	eng, f := newTestEngine(t)
	if _, err := eng.Submit(context.Background(), validRecord("B-1"), "tester"); err != nil {
		t.Fatal(err)
	}
	f.submitErr = ledger.ErrRejected
	w, err := eng.Anchor(context.Background(), "B-1", "tester")
	if !errors.Is(err, ledger.ErrRejected) {
		t.Fatalf("expected ErrRejected, got %v", err)
	}
	if w.State != workflow.StateFailed {
		t.Fatalf("rejection must park the workflow in failed, got %s", w.State)
	}

	// failed recovers through another anchor attempt
	f.submitErr = nil
	w, err = eng.Anchor(context.Background(), "B-1", "tester")
	if err != nil || w.State != workflow.StateCompleted {
		t.Fatalf("expected recovery from failed: state=%s err=%v", w.State, err)
	}
}

func TestPersistFailureCompletesWithPendingFlag(t *testing.T) {
	eng, f := newTestEngine(t)
	if _, err := eng.Submit(context.Background(), validRecord("B-1"), "tester"); err != nil {
		t.Fatal(err)
	}
	f.archiveErr = archive.ErrUnavailable
	w, err := eng.Anchor(context.Background(), "B-1", "tester")
	if err != nil {
		t.Fatalf("archive failure must not fail the anchor: %v", err)
	}
	if w.State != workflow.StateCompleted || !w.PersistencePending {
		t.Fatalf("expected completed with persistence_pending, got %+v", w)
	}

	st, err := eng.Status(context.Background(), "B-1")
	if err != nil {
		t.Fatal(err)
	}
	if !st.Workflow.PersistencePending {
		t.Fatalf("degradation must be observable via status")
	}

	// later anchor call drains only the archive write
	f.archiveErr = nil
	f.calls = nil
	w, err = eng.Anchor(context.Background(), "B-1", "tester")
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if w.PersistencePending {
		t.Fatalf("pending flag must clear after successful persist")
	}
	if len(f.calls) != 1 || f.calls[0] != "persist" {
		t.Fatalf("drain must retry only the archive write, called %v", f.calls)
	}
}

func TestCancelBeforeLedger(t *testing.T) {
	eng, _ := newTestEngine(t)
	if _, err := eng.Submit(context.Background(), validRecord("B-1"), "tester"); err != nil {
		t.Fatal(err)
	}
	w, err := eng.Cancel(context.Background(), "B-1", "tester")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if w.State != workflow.StateCanceled {
		t.Fatalf("expected canceled, got %s", w.State)
	}
	// idempotent
	if _, err := eng.Cancel(context.Background(), "B-1", "tester"); err != nil {
		t.Fatalf("second cancel: %v", err)
	}
}

func TestCancelAfterCompletionRefused(t *testing.T) {
	eng, _ := newTestEngine(t)
	if _, err := eng.Submit(context.Background(), validRecord("B-1"), "tester"); err != nil {
		t.Fatal(err)
	}
	if _, err := eng.Anchor(context.Background(), "B-1", "tester"); err != nil {
		t.Fatal(err)
	}
	_, err := eng.Cancel(context.Background(), "B-1", "tester")
	if !errors.Is(err, workflow.ErrNotCancellable) {
		t.Fatalf("expected ErrNotCancellable, got %v", err)
	}
}

func TestFlagForReviewBlocksResubmissionAndAnchor(t *testing.T) {
	eng, f := newTestEngine(t)
	f.verdict = anomalousVerdict()
	if _, err := eng.Submit(context.Background(), validRecord("B-1"), "tester"); err != nil {
		t.Fatal(err)
	}
	w, err := eng.FlagForReview(context.Background(), "B-1", "reviewer")
	if err != nil || w.State != workflow.StateUnderReview {
		t.Fatalf("flag: state=%s err=%v", w.State, err)
	}
	if _, err := eng.Submit(context.Background(), validRecord("B-1"), "tester"); !errors.Is(err, workflow.ErrBatchExists) {
		t.Fatalf("resubmission must be blocked under review, got %v", err)
	}
	if _, err := eng.Anchor(context.Background(), "B-1", "tester"); !errors.Is(err, workflow.ErrInvalidState) {
		t.Fatalf("anchor must be blocked under review, got %v", err)
	}
}

func TestAnchorRefusedForAnomalousBatch(t *testing.T) {
	eng, f := newTestEngine(t)
	f.verdict = anomalousVerdict()
	if _, err := eng.Submit(context.Background(), validRecord("B-1"), "tester"); err != nil {
		t.Fatal(err)
	}
	_, err := eng.Anchor(context.Background(), "B-1", "tester")
	if !errors.Is(err, workflow.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestAutoAnchorCompletesOnSubmit(t *testing.T) {
	eng, f := newTestEngine(t)
	eng.Config.Workflow.AutoAnchor = true
	res, err := eng.Submit(context.Background(), validRecord("B-1"), "tester")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Workflow.State != workflow.StateCompleted {
		t.Fatalf("expected completed with auto_anchor, got %s", res.Workflow.State)
	}
	want := []string{"analyze", "render", "upload", "has_record", "ledger_submit", "persist"}
	if len(f.calls) != len(want) {
		t.Fatalf("call order mismatch: got %v", f.calls)
	}
}

func TestIndependentBatchesProceedSeparately(t *testing.T) {
	eng, f := newTestEngine(t)
	if _, err := eng.Submit(context.Background(), validRecord("B-1"), "tester"); err != nil {
		t.Fatal(err)
	}
	f.verdict = anomalousVerdict()
	if _, err := eng.Submit(context.Background(), validRecord("B-2"), "tester"); err != nil {
		t.Fatal(err)
	}
	one, _ := eng.Status(context.Background(), "B-1")
	two, _ := eng.Status(context.Background(), "B-2")
	if one.Workflow.State != workflow.StateCertificateReady || two.Workflow.State != workflow.StateAnomalous {
		t.Fatalf("batch states must be independent: %s %s", one.Workflow.State, two.Workflow.State)
	}
}

var _ workflow.PinUploader = (*pinstore.Client)(nil)
var _ workflow.Analyzer = (*analysis.Client)(nil)
var _ workflow.LedgerClient = (*ledger.Client)(nil)
var _ workflow.Archiver = (*archive.Client)(nil)
