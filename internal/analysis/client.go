package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"herbcert/internal/domain"
)

// ErrUnavailable means the analysis service could not be reached or returned
// a server-side failure. The caller may retry the whole submission.
var ErrUnavailable = errors.New("analysis service unavailable")

// ErrMalformed means the service's response could not be decoded at all.
// Retrying will not help until the service is fixed.
var ErrMalformed = errors.New("analysis response malformed")

// ErrContract means the response decoded but contradicted itself, for
// example an anomalous verdict without a single anomaly.
var ErrContract = errors.New("analysis contract violation")

const (
	wireStatusNormal  = "Normal"
	wireStatusAnomaly = "Anomaly Detected"
)

type Client struct {
	BaseURL string
	APIKey  string
	HTTP    *http.Client
}

func New(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		HTTP:    &http.Client{Timeout: timeout},
	}
}

type analyzeRequest struct {
	HerbName     string         `json:"herb_name"`
	LabLicenseID string         `json:"lab_license_id"`
	TestResults  map[string]any `json:"test_results"`
}

type wireAnomaly struct {
	Parameter     string `json:"parameter"`
	ExpectedRange string `json:"expected_range"`
	ActualValue   any    `json:"actual_value"`
}

type analyzeResponse struct {
	Status        string        `json:"status"`
	Summary       string        `json:"summary"`
	Anomalies     []wireAnomaly `json:"anomalies"`
	QualityRating *float64      `json:"quality_rating"`
}

// testResults flattens a record into the parameter map the service scores.
// Keys follow the service's Parameter_Name convention.
func testResults(rec domain.MeasurementRecord) map[string]any {
	return map[string]any{
		"Temperature_C":                rec.Environment.TemperatureC,
		"Humidity_Pct":                 rec.Environment.HumidityPct,
		"Storage_Time_Days":            rec.Environment.StorageDays,
		"Light_Exposure_hours_per_day": rec.Environment.LightHoursDay,
		"Soil_pH":                      rec.Soil.PH,
		"Soil_Moisture_Pct":            rec.Soil.MoisturePct,
		"Soil_Nitrogen_mgkg":           rec.Soil.NitrogenMgKg,
		"Soil_Phosphorus_mgkg":         rec.Soil.PhosphorusMgKg,
		"Soil_Potassium_mgkg":          rec.Soil.PotassiumMgKg,
		"Soil_Organic_Carbon_Pct":      rec.Soil.OrganicCarbonPct,
		"Heavy_Metal_Pb_ppm":           rec.Contaminants.LeadPpm,
		"Heavy_Metal_As_ppm":           rec.Contaminants.ArsenicPpm,
		"Heavy_Metal_Hg_ppm":           rec.Contaminants.MercuryPpm,
		"Heavy_Metal_Cd_ppm":           rec.Contaminants.CadmiumPpm,
		"Aflatoxin_Total_ppb":          rec.Contaminants.AflatoxinPpb,
		"Pesticide_Residue_Total_ppm":  rec.Contaminants.PesticideResiduePpm,
		"Moisture_Content_Pct":         rec.Biochemical.MoisturePct,
		"Essential_Oil_Pct":            rec.Biochemical.EssentialOilPct,
		"Chlorophyll_Index":            rec.Biochemical.ChlorophyllIndex,
		"Leaf_Spots_Count":             rec.Biochemical.LeafSpotCount,
		"Discoloration_Index":          rec.Biochemical.DiscolorationIndex,
		"Total_Bacterial_Count_CFU_g":  rec.Microbial.BacterialCountCFUg,
		"Total_Fungal_Count_CFU_g":     rec.Microbial.FungalCountCFUg,
		"E_coli_Present":               rec.Microbial.EColiPresent,
		"Salmonella_Present":           rec.Microbial.SalmonellaPresent,
		"DNA_Marker_Authenticity":      rec.DNAAuthenticity,
	}
}

// Analyze submits a record for scoring and returns the normalized verdict.
func (c *Client) Analyze(ctx context.Context, rec domain.MeasurementRecord) (domain.Verdict, error) {
	body, err := json.Marshal(analyzeRequest{
		HerbName:     rec.HerbName,
		LabLicenseID: rec.LabLicenseID,
		TestResults:  testResults(rec),
	})
	if err != nil {
		return domain.Verdict{}, fmt.Errorf("encode analysis request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/analyze", bytes.NewReader(body))
	if err != nil {
		return domain.Verdict{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return domain.Verdict{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return domain.Verdict{}, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return domain.Verdict{}, fmt.Errorf("%w: status %d", ErrMalformed, resp.StatusCode)
	}
	var wire analyzeResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return domain.Verdict{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return normalize(wire)
}

// normalize enforces the verdict contract: a normal verdict carries no
// anomalies, an anomalous verdict carries at least one and no rating.
func normalize(wire analyzeResponse) (domain.Verdict, error) {
	v := domain.Verdict{Summary: wire.Summary}
	switch wire.Status {
	case wireStatusNormal:
		v.Status = domain.VerdictNormal
		if len(wire.Anomalies) > 0 {
			return domain.Verdict{}, fmt.Errorf("%w: normal verdict with %d anomalies", ErrContract, len(wire.Anomalies))
		}
		v.QualityRating = wire.QualityRating
	case wireStatusAnomaly:
		v.Status = domain.VerdictAnomalous
		if len(wire.Anomalies) == 0 {
			return domain.Verdict{}, fmt.Errorf("%w: anomalous verdict without anomalies", ErrContract)
		}
		for _, a := range wire.Anomalies {
			v.Anomalies = append(v.Anomalies, domain.Anomaly{
				Parameter:     a.Parameter,
				ExpectedRange: a.ExpectedRange,
				ActualValue:   stringify(a.ActualValue),
			})
		}
	default:
		return domain.Verdict{}, fmt.Errorf("%w: unknown status %q", ErrMalformed, wire.Status)
	}
	return v, nil
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", t)
	}
}
