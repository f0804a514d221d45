package workflow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"herbcert/internal/analysis"
	"herbcert/internal/archive"
	"herbcert/internal/certificate"
	"herbcert/internal/config"
	"herbcert/internal/domain"
	"herbcert/internal/events"
	"herbcert/internal/ledger"
	"herbcert/internal/repo"
)

// Workflow states. A batch moves collecting -> analyzing -> {anomalous,
// certificate_ready} -> anchoring -> completed. Transient step failures
// return the instance to its last good state; fatal ones park it in failed,
// from where Anchor may retry.
const (
	StateCollecting       = "collecting"
	StateAnalyzing        = "analyzing"
	StateAnomalous        = "anomalous"
	StateUnderReview      = "under_review"
	StateCertificateReady = "certificate_ready"
	StateAnchoring        = "anchoring"
	StateCompleted        = "completed"
	StateFailed           = "failed"
	StateCanceled         = "canceled"
)

type Analyzer interface {
	Analyze(ctx context.Context, rec domain.MeasurementRecord) (domain.Verdict, error)
}

type PinUploader interface {
	Upload(ctx context.Context, art domain.CertificateArtifact, licenseID string) (string, error)
}

type LedgerClient interface {
	Submit(ctx context.Context, rec ledger.Record) (domain.LedgerReceipt, error)
	HasRecord(ctx context.Context, batchID string) (bool, string, error)
}

type Archiver interface {
	Store(ctx context.Context, e archive.Entry) error
}

type RenderFunc func(rec domain.MeasurementRecord, v domain.Verdict) (domain.CertificateArtifact, error)

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Config   *config.Config
	Analysis Analyzer
	Pins     PinUploader
	Ledger   LedgerClient
	Archive  Archiver
	Render   RenderFunc
	Now      func() time.Time

	mu    sync.Mutex
	locks map[string]*batchLock
}

// batchLock is a per-batch mutex with a waiter count so the entry can be
// removed from the map once nobody holds or waits on it.
type batchLock struct {
	mu   sync.Mutex
	refs int
}

func New(db *sql.DB, cfg *config.Config) *Engine {
	return &Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Render: certificate.Render,
		Now:    time.Now,
		locks:  map[string]*batchLock{},
	}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// lockBatch serializes all mutation of one batch's instance. Independent
// batches proceed in parallel. The returned func releases the lock and drops
// the map entry when no other caller is waiting, so the map stays bounded by
// the number of in-flight batches.
func (e *Engine) lockBatch(batchID string) func() {
	e.mu.Lock()
	l, ok := e.locks[batchID]
	if !ok {
		l = &batchLock{}
		e.locks[batchID] = l
	}
	l.refs++
	e.mu.Unlock()
	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		e.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(e.locks, batchID)
		}
		e.mu.Unlock()
	}
}

func ensureTransition(from, to string) error {
	ok := false
	switch from {
	case StateCollecting:
		ok = to == StateAnalyzing || to == StateCanceled
	case StateAnalyzing:
		ok = to == StateAnomalous || to == StateCertificateReady || to == StateCollecting || to == StateCanceled
	case StateAnomalous:
		ok = to == StateCollecting || to == StateUnderReview || to == StateCanceled
	case StateCertificateReady:
		ok = to == StateAnchoring || to == StateCanceled
	case StateAnchoring:
		ok = to == StateCompleted || to == StateFailed || to == StateCertificateReady
	case StateFailed:
		ok = to == StateAnchoring || to == StateCanceled
	case StateCompleted:
		ok = to == StateCompleted
	}
	if !ok {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidState, from, to)
	}
	return nil
}

// setState persists a guarded transition and its audit event atomically.
func (e *Engine) setState(ctx context.Context, w *domain.Workflow, to, evtType, actorID string, payload events.EventPayload) error {
	if err := ensureTransition(w.State, to); err != nil {
		return err
	}
	w.State = to
	w.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateWorkflowTx(ctx, tx, *w); err != nil {
		return err
	}
	if payload == nil {
		payload = events.EventPayload{}
	}
	payload["state"] = to
	if err := e.Events.Append(ctx, tx, evtType, w.BatchID, actorID, payload); err != nil {
		return err
	}
	return tx.Commit()
}

func setLastError(w *domain.Workflow, step string, err error) {
	msg := err.Error()
	w.LastErrorStep = &step
	w.LastError = &msg
}

func clearLastError(w *domain.Workflow) {
	w.LastErrorStep = nil
	w.LastError = nil
}

// SubmitResult is what the caller sees after a submission attempt.
type SubmitResult struct {
	Workflow domain.Workflow
	Verdict  *domain.Verdict
}

// Submit validates a record, runs analysis, and leaves the instance in
// anomalous or certificate_ready. A new instance is created on first
// submission; an anomalous instance accepts a corrected resubmission.
func (e *Engine) Submit(ctx context.Context, rec domain.MeasurementRecord, actorID string) (SubmitResult, error) {
	if err := rec.Validate(); err != nil {
		return SubmitResult{}, &StepError{Step: StepValidate, Err: err}
	}
	unlock := e.lockBatch(rec.BatchID)
	defer unlock()

	now := e.now().UTC().Format(time.RFC3339)
	w, err := e.Repo.GetWorkflow(ctx, rec.BatchID)
	switch {
	case errors.Is(err, repo.ErrNotFound):
		w = domain.Workflow{
			BatchID:      rec.BatchID,
			LabLicenseID: rec.LabLicenseID,
			State:        StateCollecting,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return SubmitResult{}, err
		}
		if err := e.Repo.InsertWorkflowTx(ctx, tx, w); err != nil {
			tx.Rollback()
			return SubmitResult{}, err
		}
		if err := e.Events.Append(ctx, tx, "workflow.created", w.BatchID, actorID, events.EventPayload{"herb": rec.HerbName}); err != nil {
			tx.Rollback()
			return SubmitResult{}, err
		}
		if err := tx.Commit(); err != nil {
			return SubmitResult{}, err
		}
	case err != nil:
		return SubmitResult{}, err
	case w.State == StateAnomalous:
		// corrected resubmission
		clearLastError(&w)
		if err := e.setState(ctx, &w, StateCollecting, "workflow.resubmitted", actorID, nil); err != nil {
			return SubmitResult{}, err
		}
	case w.State == StateCollecting:
		// retry after a transient analysis failure
	default:
		return SubmitResult{}, fmt.Errorf("%w: batch %s is %s", ErrBatchExists, w.BatchID, w.State)
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return SubmitResult{}, err
	}
	if err := e.Repo.UpsertRecordTx(ctx, tx, rec); err != nil {
		tx.Rollback()
		return SubmitResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return SubmitResult{}, err
	}
	if err := e.setState(ctx, &w, StateAnalyzing, "record.submitted", actorID, events.EventPayload{"herb": rec.HerbName, "test_date": rec.TestDate}); err != nil {
		return SubmitResult{}, err
	}

	verdict, err := e.analyze(ctx, rec)
	if err != nil {
		setLastError(&w, StepAnalyze, err)
		if stErr := e.setState(ctx, &w, StateCollecting, "analysis.failed", actorID, events.EventPayload{"error": err.Error()}); stErr != nil {
			return SubmitResult{}, stErr
		}
		return SubmitResult{Workflow: w}, &StepError{Step: StepAnalyze, Err: err}
	}

	tx, err = e.DB.BeginTx(ctx, nil)
	if err != nil {
		return SubmitResult{}, err
	}
	if err := e.Repo.UpsertVerdictTx(ctx, tx, rec.BatchID, verdict); err != nil {
		tx.Rollback()
		return SubmitResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return SubmitResult{}, err
	}

	clearLastError(&w)
	if verdict.Status == domain.VerdictAnomalous {
		if err := e.setState(ctx, &w, StateAnomalous, "verdict.anomalous", actorID, events.EventPayload{"anomalies": len(verdict.Anomalies)}); err != nil {
			return SubmitResult{}, err
		}
		return SubmitResult{Workflow: w, Verdict: &verdict}, nil
	}
	payload := events.EventPayload{}
	if verdict.QualityRating != nil {
		payload["quality_rating"] = *verdict.QualityRating
	}
	if err := e.setState(ctx, &w, StateCertificateReady, "verdict.normal", actorID, payload); err != nil {
		return SubmitResult{}, err
	}

	if e.Config != nil && e.Config.Workflow.AutoAnchor {
		w, err = e.anchorLocked(ctx, w, rec, verdict, actorID)
		if err != nil {
			return SubmitResult{Workflow: w, Verdict: &verdict}, err
		}
	}
	return SubmitResult{Workflow: w, Verdict: &verdict}, nil
}

// analyze calls the scoring service, retrying transient outages up to the
// configured budget. Malformed or contract-violating responses never retry.
func (e *Engine) analyze(ctx context.Context, rec domain.MeasurementRecord) (domain.Verdict, error) {
	retries := 0
	if e.Config != nil {
		retries = e.Config.Workflow.AnalysisRetries
	}
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		v, err := e.Analysis.Analyze(ctx, rec)
		if err == nil {
			return v, nil
		}
		lastErr = err
		if !errors.Is(err, analysis.ErrUnavailable) {
			break
		}
	}
	return domain.Verdict{}, lastErr
}

// Anchor drives render -> upload -> ledger submit -> archive persist for a
// batch whose verdict is normal. Safe to call again after a failure: the
// cached CID skips the upload and the ledger duplicate guard recovers an
// already-anchored record.
func (e *Engine) Anchor(ctx context.Context, batchID, actorID string) (domain.Workflow, error) {
	unlock := e.lockBatch(batchID)
	defer unlock()

	w, err := e.Repo.GetWorkflow(ctx, batchID)
	if err != nil {
		return domain.Workflow{}, err
	}
	switch w.State {
	case StateCertificateReady, StateFailed:
	case StateCompleted:
		if !w.PersistencePending {
			return w, nil
		}
		// only the archive write is outstanding
		return e.retryPersist(ctx, w, actorID)
	default:
		return w, fmt.Errorf("%w: cannot anchor from %s", ErrInvalidState, w.State)
	}

	rec, err := e.Repo.GetRecord(ctx, batchID)
	if err != nil {
		return w, err
	}
	verdict, err := e.Repo.GetVerdict(ctx, batchID)
	if err != nil {
		return w, err
	}
	return e.anchorLocked(ctx, w, rec, verdict, actorID)
}

func (e *Engine) anchorLocked(ctx context.Context, w domain.Workflow, rec domain.MeasurementRecord, verdict domain.Verdict, actorID string) (domain.Workflow, error) {
	if err := e.setState(ctx, &w, StateAnchoring, "anchor.started", actorID, nil); err != nil {
		return w, err
	}

	if w.CID == nil {
		art, err := e.Render(rec, verdict)
		if err != nil {
			setLastError(&w, StepRender, err)
			if stErr := e.setState(ctx, &w, StateFailed, "anchor.failed", actorID, events.EventPayload{"step": StepRender, "error": err.Error()}); stErr != nil {
				return w, stErr
			}
			return w, &StepError{Step: StepRender, Err: err}
		}
		cid, err := e.Pins.Upload(ctx, art, w.LabLicenseID)
		if err != nil {
			setLastError(&w, StepUpload, err)
			if stErr := e.setState(ctx, &w, StateCertificateReady, "anchor.failed", actorID, events.EventPayload{"step": StepUpload, "error": err.Error()}); stErr != nil {
				return w, stErr
			}
			return w, &StepError{Step: StepUpload, Err: err}
		}
		w.CID = &cid
		if err := e.saveWorkflow(ctx, &w, "certificate.pinned", actorID, events.EventPayload{"cid": cid}); err != nil {
			return w, err
		}
	}

	if w.TxHash == nil {
		// duplicate guard: a prior attempt may have landed before failing
		exists, txHash, err := e.Ledger.HasRecord(ctx, w.BatchID)
		if err != nil {
			setLastError(&w, StepLedger, err)
			if stErr := e.setState(ctx, &w, StateCertificateReady, "anchor.failed", actorID, events.EventPayload{"step": StepLedger, "error": err.Error()}); stErr != nil {
				return w, stErr
			}
			return w, &StepError{Step: StepLedger, Err: err}
		}
		if exists {
			w.TxHash = &txHash
			if err := e.saveWorkflow(ctx, &w, "ledger.recovered", actorID, events.EventPayload{"tx_hash": txHash}); err != nil {
				return w, err
			}
		} else {
			receipt, err := e.Ledger.Submit(ctx, ledger.Encode(rec, *w.CID))
			if err != nil {
				setLastError(&w, StepLedger, err)
				target := StateCertificateReady
				if errors.Is(err, ledger.ErrRejected) {
					target = StateFailed
				}
				if stErr := e.setState(ctx, &w, target, "anchor.failed", actorID, events.EventPayload{"step": StepLedger, "error": err.Error()}); stErr != nil {
					return w, stErr
				}
				return w, &StepError{Step: StepLedger, Err: err}
			}
			w.TxHash = &receipt.TxHash
			if err := e.saveWorkflow(ctx, &w, "ledger.anchored", actorID, events.EventPayload{"tx_hash": receipt.TxHash, "chain_timestamp": receipt.ChainTimestamp}); err != nil {
				return w, err
			}
		}
	}

	clearLastError(&w)
	if err := e.persist(ctx, &w, rec, verdict, actorID); err != nil {
		// non-fatal: the ledger record is anchored, the archive lags
		setLastError(&w, StepPersist, err)
		w.PersistencePending = true
		if stErr := e.setState(ctx, &w, StateCompleted, "persist.deferred", actorID, events.EventPayload{"error": err.Error()}); stErr != nil {
			return w, stErr
		}
		return w, nil
	}
	w.PersistencePending = false
	if err := e.setState(ctx, &w, StateCompleted, "workflow.completed", actorID, events.EventPayload{"cid": *w.CID, "tx_hash": *w.TxHash}); err != nil {
		return w, err
	}
	return w, nil
}

func (e *Engine) retryPersist(ctx context.Context, w domain.Workflow, actorID string) (domain.Workflow, error) {
	rec, err := e.Repo.GetRecord(ctx, w.BatchID)
	if err != nil {
		return w, err
	}
	verdict, err := e.Repo.GetVerdict(ctx, w.BatchID)
	if err != nil {
		return w, err
	}
	if err := e.persist(ctx, &w, rec, verdict, actorID); err != nil {
		return w, &StepError{Step: StepPersist, Err: err}
	}
	w.PersistencePending = false
	clearLastError(&w)
	if err := e.setState(ctx, &w, StateCompleted, "persist.drained", actorID, nil); err != nil {
		return w, err
	}
	return w, nil
}

func (e *Engine) persist(ctx context.Context, w *domain.Workflow, rec domain.MeasurementRecord, verdict domain.Verdict, actorID string) error {
	var txHash string
	if w.TxHash != nil {
		txHash = *w.TxHash
	}
	var cid string
	if w.CID != nil {
		cid = *w.CID
	}
	return e.Archive.Store(ctx, archive.Entry{
		Record:    rec,
		Verdict:   verdict,
		CID:       cid,
		TxHash:    txHash,
		LicenseID: w.LabLicenseID,
	})
}

// saveWorkflow persists row changes plus an event without a state change.
func (e *Engine) saveWorkflow(ctx context.Context, w *domain.Workflow, evtType, actorID string, payload events.EventPayload) error {
	w.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateWorkflowTx(ctx, tx, *w); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, evtType, w.BatchID, actorID, payload); err != nil {
		return err
	}
	return tx.Commit()
}

// Cancel abandons a workflow that has not started its ledger submission.
func (e *Engine) Cancel(ctx context.Context, batchID, actorID string) (domain.Workflow, error) {
	unlock := e.lockBatch(batchID)
	defer unlock()

	w, err := e.Repo.GetWorkflow(ctx, batchID)
	if err != nil {
		return domain.Workflow{}, err
	}
	switch w.State {
	case StateCanceled:
		return w, nil
	case StateAnchoring, StateCompleted:
		return w, fmt.Errorf("%w: batch %s is %s", ErrNotCancellable, batchID, w.State)
	case StateUnderReview:
		return w, fmt.Errorf("%w: batch %s is under review", ErrInvalidState, batchID)
	}
	if err := e.setState(ctx, &w, StateCanceled, "workflow.canceled", actorID, nil); err != nil {
		return w, err
	}
	return w, nil
}

// FlagForReview parks an anomalous batch for manual follow-up. The batch no
// longer accepts resubmission.
func (e *Engine) FlagForReview(ctx context.Context, batchID, actorID string) (domain.Workflow, error) {
	unlock := e.lockBatch(batchID)
	defer unlock()

	w, err := e.Repo.GetWorkflow(ctx, batchID)
	if err != nil {
		return domain.Workflow{}, err
	}
	if w.State != StateAnomalous {
		return w, fmt.Errorf("%w: only anomalous batches can be flagged, batch is %s", ErrInvalidState, w.State)
	}
	if err := e.setState(ctx, &w, StateUnderReview, "workflow.flagged", actorID, nil); err != nil {
		return w, err
	}
	return w, nil
}

// StatusResult is the full observable state of a batch.
type StatusResult struct {
	Workflow domain.Workflow
	Verdict  *domain.Verdict
}

func (e *Engine) Status(ctx context.Context, batchID string) (StatusResult, error) {
	w, err := e.Repo.GetWorkflow(ctx, batchID)
	if err != nil {
		return StatusResult{}, err
	}
	res := StatusResult{Workflow: w}
	verdict, err := e.Repo.GetVerdict(ctx, batchID)
	if err == nil {
		res.Verdict = &verdict
	} else if !errors.Is(err, repo.ErrNotFound) {
		return StatusResult{}, err
	}
	return res, nil
}

func (e *Engine) List(ctx context.Context, licenseID string) ([]domain.Workflow, error) {
	return e.Repo.ListWorkflows(ctx, licenseID)
}
