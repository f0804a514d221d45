package workflow

import (
	"errors"
	"fmt"
)

// Step names surfaced in StepError and in the workflow row's last_error_step.
const (
	StepValidate = "validate"
	StepAnalyze  = "analyze"
	StepRender   = "render"
	StepUpload   = "upload"
	StepLedger   = "ledger_submit"
	StepPersist  = "persist"
)

// StepError names the sub-step that failed so the caller knows where to
// resume. The wrapped error carries the client package's sentinel.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// ErrBatchExists means a live workflow already exists for the batch and its
// state does not permit resubmission.
var ErrBatchExists = errors.New("batch already has an active workflow")

// ErrNotCancellable means the ledger submission already started; the attempt
// must resolve before the outcome is known.
var ErrNotCancellable = errors.New("workflow not cancellable after ledger submission started")

// ErrInvalidState means the requested operation is not allowed from the
// workflow's current state.
var ErrInvalidState = errors.New("operation not allowed in current state")

// ErrContractViolation means the analysis service broke its own contract,
// for example an anomalous verdict without anomalies.
var ErrContractViolation = errors.New("analysis contract violation")
