package server

import (
	"herbcert/internal/domain"
	"herbcert/internal/pinstore"
)

// Request payloads

type SubmitWorkflowRequest struct {
	Record domain.MeasurementRecord `json:"record"`
}

// Response payloads

type AnomalyResponse struct {
	Parameter     string `json:"parameter"`
	ExpectedRange string `json:"expected_range"`
	ActualValue   string `json:"actual_value"`
}

type VerdictResponse struct {
	Status        string            `json:"status" enum:"normal,anomalous"`
	Summary       string            `json:"summary"`
	Anomalies     []AnomalyResponse `json:"anomalies,omitempty"`
	QualityRating *float64          `json:"quality_rating,omitempty"`
}

type WorkflowResponse struct {
	BatchID            string  `json:"batch_id"`
	LabLicenseID       string  `json:"lab_license_id"`
	State              string  `json:"state" enum:"collecting,analyzing,anomalous,under_review,certificate_ready,anchoring,completed,failed,canceled"`
	CID                *string `json:"cid,omitempty"`
	CertificateURL     *string `json:"certificate_url,omitempty"`
	TxHash             *string `json:"tx_hash,omitempty"`
	PersistencePending bool    `json:"persistence_pending,omitempty"`
	LastErrorStep      *string `json:"last_error_step,omitempty"`
	LastError          *string `json:"last_error,omitempty"`
	CreatedAt          string  `json:"created_at" format:"date-time"`
	UpdatedAt          string  `json:"updated_at" format:"date-time"`
}

type SubmitWorkflowResponse struct {
	Workflow WorkflowResponse `json:"workflow"`
	Verdict  *VerdictResponse `json:"verdict,omitempty"`
}

type StatusResponse struct {
	Workflow WorkflowResponse `json:"workflow"`
	Verdict  *VerdictResponse `json:"verdict,omitempty"`
}

type CertificateResponse struct {
	CID       string `json:"cid"`
	Name      string `json:"name"`
	BatchID   string `json:"batch_id"`
	LicenseID string `json:"license_id"`
	URL       string `json:"url"`
	PinnedAt  string `json:"pinned_at,omitempty" format:"date-time"`
}

func verdictResponse(v *domain.Verdict) *VerdictResponse {
	if v == nil {
		return nil
	}
	out := &VerdictResponse{
		Status:        v.Status,
		Summary:       v.Summary,
		QualityRating: v.QualityRating,
	}
	for _, a := range v.Anomalies {
		out.Anomalies = append(out.Anomalies, AnomalyResponse(a))
	}
	return out
}

func workflowResponse(w domain.Workflow, gatewayURL func(string) string) WorkflowResponse {
	out := WorkflowResponse{
		BatchID:            w.BatchID,
		LabLicenseID:       w.LabLicenseID,
		State:              w.State,
		CID:                w.CID,
		TxHash:             w.TxHash,
		PersistencePending: w.PersistencePending,
		LastErrorStep:      w.LastErrorStep,
		LastError:          w.LastError,
		CreatedAt:          w.CreatedAt,
		UpdatedAt:          w.UpdatedAt,
	}
	if w.CID != nil && gatewayURL != nil {
		u := gatewayURL(*w.CID)
		out.CertificateURL = &u
	}
	return out
}

func certificateResponse(p pinstore.Pin, gatewayURL func(string) string) CertificateResponse {
	out := CertificateResponse{
		CID:       p.CID,
		Name:      p.Name,
		BatchID:   p.BatchID,
		LicenseID: p.LicenseID,
		PinnedAt:  p.PinnedAt,
	}
	if gatewayURL != nil {
		out.URL = gatewayURL(p.CID)
	}
	return out
}
