package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"herbcert/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func scanWorkflow(row *sql.Row) (domain.Workflow, error) {
	var w domain.Workflow
	var cid, txHash, errStep, errMsg sql.NullString
	var pending int
	err := row.Scan(&w.BatchID, &w.LabLicenseID, &w.State, &cid, &txHash, &pending, &errStep, &errMsg, &w.CreatedAt, &w.UpdatedAt)
	if err == sql.ErrNoRows {
		return w, ErrNotFound
	}
	if err != nil {
		return w, err
	}
	if cid.Valid {
		w.CID = &cid.String
	}
	if txHash.Valid {
		w.TxHash = &txHash.String
	}
	if errStep.Valid {
		w.LastErrorStep = &errStep.String
	}
	if errMsg.Valid {
		w.LastError = &errMsg.String
	}
	w.PersistencePending = pending != 0
	return w, nil
}

const workflowColumns = `batch_id,lab_license_id,state,cid,tx_hash,persistence_pending,last_error_step,last_error,created_at,updated_at`

func (r Repo) InsertWorkflowTx(ctx context.Context, tx *sql.Tx, w domain.Workflow) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO workflows(`+workflowColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		w.BatchID, w.LabLicenseID, w.State, nullablePtr(w.CID), nullablePtr(w.TxHash), boolInt(w.PersistencePending),
		nullablePtr(w.LastErrorStep), nullablePtr(w.LastError), w.CreatedAt, w.UpdatedAt)
	return err
}

func (r Repo) UpdateWorkflowTx(ctx context.Context, tx *sql.Tx, w domain.Workflow) error {
	res, err := tx.ExecContext(ctx, `UPDATE workflows SET state=?, cid=?, tx_hash=?, persistence_pending=?, last_error_step=?, last_error=?, updated_at=? WHERE batch_id=?`,
		w.State, nullablePtr(w.CID), nullablePtr(w.TxHash), boolInt(w.PersistencePending),
		nullablePtr(w.LastErrorStep), nullablePtr(w.LastError), w.UpdatedAt, w.BatchID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetWorkflow(ctx context.Context, batchID string) (domain.Workflow, error) {
	return scanWorkflow(r.DB.QueryRowContext(ctx, `SELECT `+workflowColumns+` FROM workflows WHERE batch_id=?`, batchID))
}

func (r Repo) ListWorkflows(ctx context.Context, licenseID string) ([]domain.Workflow, error) {
	query := `SELECT ` + workflowColumns + ` FROM workflows`
	var args []any
	if licenseID != "" {
		query += ` WHERE lab_license_id=?`
		args = append(args, licenseID)
	}
	query += ` ORDER BY created_at DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Workflow
	for rows.Next() {
		var w domain.Workflow
		var cid, txHash, errStep, errMsg sql.NullString
		var pending int
		if err := rows.Scan(&w.BatchID, &w.LabLicenseID, &w.State, &cid, &txHash, &pending, &errStep, &errMsg, &w.CreatedAt, &w.UpdatedAt); err != nil {
			return nil, err
		}
		if cid.Valid {
			w.CID = &cid.String
		}
		if txHash.Valid {
			w.TxHash = &txHash.String
		}
		if errStep.Valid {
			w.LastErrorStep = &errStep.String
		}
		if errMsg.Valid {
			w.LastError = &errMsg.String
		}
		w.PersistencePending = pending != 0
		res = append(res, w)
	}
	return res, rows.Err()
}

func (r Repo) CountWorkflowsByState(ctx context.Context, licenseID string) (map[string]int, error) {
	query := `SELECT state, COUNT(*) FROM workflows`
	var args []any
	if licenseID != "" {
		query += ` WHERE lab_license_id=?`
		args = append(args, licenseID)
	}
	query += ` GROUP BY state`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[string]int{}
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		counts[state] = n
	}
	return counts, rows.Err()
}

// UpsertRecordTx stores the full measurement record as JSON, keyed by batch.
func (r Repo) UpsertRecordTx(ctx context.Context, tx *sql.Tx, rec domain.MeasurementRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err = tx.ExecContext(ctx, `INSERT INTO records(batch_id,record_json,created_at) VALUES (?,?,?)
ON CONFLICT(batch_id) DO UPDATE SET record_json=excluded.record_json`, rec.BatchID, string(payload), now)
	return err
}

func (r Repo) GetRecord(ctx context.Context, batchID string) (domain.MeasurementRecord, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT record_json FROM records WHERE batch_id=?`, batchID).Scan(&payload)
	if err == sql.ErrNoRows {
		return domain.MeasurementRecord{}, ErrNotFound
	}
	if err != nil {
		return domain.MeasurementRecord{}, err
	}
	var rec domain.MeasurementRecord
	if err := json.Unmarshal([]byte(payload), &rec); err != nil {
		return domain.MeasurementRecord{}, fmt.Errorf("decode record %s: %w", batchID, err)
	}
	return rec, nil
}

// UpsertVerdictTx stores the analysis verdict for a batch.
func (r Repo) UpsertVerdictTx(ctx context.Context, tx *sql.Tx, batchID string, v domain.Verdict) error {
	var anomalies any
	if len(v.Anomalies) > 0 {
		b, err := json.Marshal(v.Anomalies)
		if err != nil {
			return fmt.Errorf("marshal anomalies: %w", err)
		}
		anomalies = string(b)
	}
	var rating any
	if v.QualityRating != nil {
		rating = *v.QualityRating
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := tx.ExecContext(ctx, `INSERT INTO verdicts(batch_id,status,summary,anomalies_json,quality_rating,created_at) VALUES (?,?,?,?,?,?)
ON CONFLICT(batch_id) DO UPDATE SET status=excluded.status, summary=excluded.summary, anomalies_json=excluded.anomalies_json, quality_rating=excluded.quality_rating`,
		batchID, v.Status, v.Summary, anomalies, rating, now)
	return err
}

func (r Repo) GetVerdict(ctx context.Context, batchID string) (domain.Verdict, error) {
	var v domain.Verdict
	var anomalies sql.NullString
	var rating sql.NullFloat64
	err := r.DB.QueryRowContext(ctx, `SELECT status,summary,anomalies_json,quality_rating FROM verdicts WHERE batch_id=?`, batchID).
		Scan(&v.Status, &v.Summary, &anomalies, &rating)
	if err == sql.ErrNoRows {
		return v, ErrNotFound
	}
	if err != nil {
		return v, err
	}
	if anomalies.Valid && anomalies.String != "" {
		if err := json.Unmarshal([]byte(anomalies.String), &v.Anomalies); err != nil {
			return v, fmt.Errorf("decode anomalies for %s: %w", batchID, err)
		}
	}
	if rating.Valid {
		v.QualityRating = &rating.Float64
	}
	return v, nil
}

// LatestEvents returns up to n events, newest first, optionally filtered.
func (r Repo) LatestEvents(ctx context.Context, n int, batchID, evtType string) ([]domain.Event, error) {
	query := `SELECT id,ts,type,COALESCE(batch_id,''),actor_id,payload_json FROM events`
	var (
		conds []string
		args  []any
	)
	if batchID != "" {
		conds = append(conds, `batch_id=?`)
		args = append(args, batchID)
	}
	if evtType != "" {
		conds = append(conds, `type=?`)
		args = append(args, evtType)
	}
	for i, c := range conds {
		if i == 0 {
			query += ` WHERE ` + c
		} else {
			query += ` AND ` + c
		}
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, n)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.BatchID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullablePtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
