package herbcertsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Herbcert HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// MeasurementRecord is the submission payload. Field names match the API.
type MeasurementRecord struct {
	BatchID      string `json:"batch_id"`
	HerbName     string `json:"herb_name"`
	LabLicenseID string `json:"lab_license_id"`
	TestDate     string `json:"test_date"`

	Environment struct {
		TemperatureC  float64 `json:"temperature_c"`
		HumidityPct   float64 `json:"humidity_pct"`
		StorageDays   int     `json:"storage_days"`
		LightHoursDay float64 `json:"light_hours_day"`
	} `json:"environment"`

	Soil struct {
		PH               float64 `json:"ph"`
		MoisturePct      float64 `json:"moisture_pct"`
		NitrogenMgKg     float64 `json:"nitrogen_mgkg"`
		PhosphorusMgKg   float64 `json:"phosphorus_mgkg"`
		PotassiumMgKg    float64 `json:"potassium_mgkg"`
		OrganicCarbonPct float64 `json:"organic_carbon_pct"`
	} `json:"soil"`

	Contaminants struct {
		LeadPpm             float64 `json:"lead_ppm"`
		ArsenicPpm          float64 `json:"arsenic_ppm"`
		MercuryPpm          float64 `json:"mercury_ppm"`
		CadmiumPpm          float64 `json:"cadmium_ppm"`
		AflatoxinPpb        float64 `json:"aflatoxin_ppb"`
		PesticideResiduePpm float64 `json:"pesticide_residue_ppm"`
	} `json:"contaminants"`

	Biochemical struct {
		MoisturePct        float64 `json:"moisture_pct"`
		EssentialOilPct    float64 `json:"essential_oil_pct"`
		ChlorophyllIndex   float64 `json:"chlorophyll_index"`
		LeafSpotCount      int     `json:"leaf_spot_count"`
		DiscolorationIndex float64 `json:"discoloration_index"`
	} `json:"biochemical"`

	Microbial struct {
		BacterialCountCFUg int    `json:"bacterial_count_cfu_g"`
		FungalCountCFUg    int    `json:"fungal_count_cfu_g"`
		EColiPresent       string `json:"ecoli_present"`
		SalmonellaPresent  string `json:"salmonella_present"`
	} `json:"microbial"`

	DNAAuthenticity string `json:"dna_authenticity"`
}

// Anomaly is one out-of-range parameter reported by analysis.
type Anomaly struct {
	Parameter     string `json:"parameter"`
	ExpectedRange string `json:"expected_range"`
	ActualValue   string `json:"actual_value"`
}

// Verdict is the analysis outcome for a batch.
type Verdict struct {
	Status        string    `json:"status"`
	Summary       string    `json:"summary"`
	Anomalies     []Anomaly `json:"anomalies,omitempty"`
	QualityRating *float64  `json:"quality_rating,omitempty"`
}

// Workflow is the certification state of a batch.
type Workflow struct {
	BatchID            string  `json:"batch_id"`
	LabLicenseID       string  `json:"lab_license_id"`
	State              string  `json:"state"`
	CID                *string `json:"cid,omitempty"`
	CertificateURL     *string `json:"certificate_url,omitempty"`
	TxHash             *string `json:"tx_hash,omitempty"`
	PersistencePending bool    `json:"persistence_pending,omitempty"`
	LastErrorStep      *string `json:"last_error_step,omitempty"`
	LastError          *string `json:"last_error,omitempty"`
	CreatedAt          string  `json:"created_at"`
	UpdatedAt          string  `json:"updated_at"`
}

// SubmitResult pairs the workflow with the verdict, when analysis ran.
type SubmitResult struct {
	Workflow Workflow `json:"workflow"`
	Verdict  *Verdict `json:"verdict,omitempty"`
}

// Certificate is a pinned certificate entry.
type Certificate struct {
	CID       string `json:"cid"`
	Name      string `json:"name"`
	BatchID   string `json:"batch_id"`
	LicenseID string `json:"license_id"`
	URL       string `json:"url"`
	PinnedAt  string `json:"pinned_at,omitempty"`
}

// Event is an audit log entry. Payload is the raw JSON payload string.
type Event struct {
	ID      int64  `json:"id"`
	TS      string `json:"ts"`
	Type    string `json:"type"`
	BatchID string `json:"batch_id,omitempty"`
	ActorID string `json:"actor_id"`
	Payload string `json:"payload_json"`
}

// APIError wraps non-2xx responses. Code and Message are filled when the
// server returned its structured error envelope.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Submit sends a measurement record for analysis.
func (c *Client) Submit(ctx context.Context, rec MeasurementRecord) (SubmitResult, error) {
	var resp SubmitResult
	err := c.do(ctx, http.MethodPost, "v0/workflows", map[string]any{"record": rec}, &resp)
	return resp, err
}

// Anchor drives a certified batch onto the ledger.
func (c *Client) Anchor(ctx context.Context, batchID string) (Workflow, error) {
	var resp Workflow
	err := c.do(ctx, http.MethodPost, c.batchPath(batchID, "anchor"), nil, &resp)
	return resp, err
}

// Cancel abandons a workflow that has not started anchoring.
func (c *Client) Cancel(ctx context.Context, batchID string) (Workflow, error) {
	var resp Workflow
	err := c.do(ctx, http.MethodPost, c.batchPath(batchID, "cancel"), nil, &resp)
	return resp, err
}

// Review parks an anomalous batch for manual follow-up.
func (c *Client) Review(ctx context.Context, batchID string) (Workflow, error) {
	var resp Workflow
	err := c.do(ctx, http.MethodPost, c.batchPath(batchID, "review"), nil, &resp)
	return resp, err
}

// Status returns a batch's workflow state and verdict.
func (c *Client) Status(ctx context.Context, batchID string) (SubmitResult, error) {
	var resp SubmitResult
	err := c.do(ctx, http.MethodGet, c.batchPath(batchID, ""), nil, &resp)
	return resp, err
}

// Workflows lists workflows, optionally filtered by lab license.
func (c *Client) Workflows(ctx context.Context, licenseID string) ([]Workflow, error) {
	endpoint := "v0/workflows"
	if licenseID != "" {
		endpoint += "?license_id=" + url.QueryEscape(licenseID)
	}
	var resp []Workflow
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Certificates lists pinned certificates for a lab license. An empty
// licenseID defaults to the server's configured lab.
func (c *Client) Certificates(ctx context.Context, licenseID string) ([]Certificate, error) {
	endpoint := "v0/certificates"
	if licenseID != "" {
		endpoint += "?license_id=" + url.QueryEscape(licenseID)
	}
	var resp []Certificate
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Events returns recent audit events.
func (c *Client) Events(ctx context.Context, limit int, batchID string) ([]Event, error) {
	endpoint := "v0/events"
	params := url.Values{}
	if limit > 0 {
		params.Set("limit", fmt.Sprint(limit))
	}
	if batchID != "" {
		params.Set("batch_id", batchID)
	}
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) batchPath(batchID, action string) string {
	p := fmt.Sprintf("v0/workflows/%s", url.PathEscape(batchID))
	if action != "" {
		p += "/" + action
	}
	return p
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string         `json:"code"`
				Message string         `json:"message"`
				Details map[string]any `json:"details"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil && envelope.Error.Code != "" {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
			apiErr.Details = envelope.Error.Details
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
