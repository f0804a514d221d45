package analysis_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"herbcert/internal/analysis"
	"herbcert/internal/domain"
)

func sampleRecord() domain.MeasurementRecord {
	return domain.MeasurementRecord{
		BatchID:      "BATCH-1",
		HerbName:     "Ashwagandha",
		LabLicenseID: "LAB-001",
		TestDate:     "2026-01-15",
		Environment:     domain.Environment{TemperatureC: 24, HumidityPct: 55, StorageDays: 30, LightHoursDay: 8},
		Soil:            domain.Soil{PH: 6.8, MoisturePct: 32, NitrogenMgKg: 140, PhosphorusMgKg: 45, PotassiumMgKg: 190, OrganicCarbonPct: 1.2},
		Microbial:       domain.Microbial{BacterialCountCFUg: 1200, FungalCountCFUg: 80, EColiPresent: domain.PresenceNo, SalmonellaPresent: domain.PresenceNo},
		DNAAuthenticity: domain.DNAAuthentic,
	}
}

func TestAnalyzeNormal(t *testing.T) {
	var captured map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/analyze" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("missing bearer auth, got %q", got)
		}
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"status":         "Normal",
			"summary":        "all parameters within range",
			"anomalies":      nil,
			"quality_rating": 4.7,
		})
	}))
	defer srv.Close()

	c := analysis.New(srv.URL, "test-key", time.Second)
	v, err := c.Analyze(context.Background(), sampleRecord())
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if v.Status != domain.VerdictNormal {
		t.Fatalf("expected normal, got %q", v.Status)
	}
	if v.QualityRating == nil || *v.QualityRating != 4.7 {
		t.Fatalf("rating not carried: %+v", v.QualityRating)
	}
	results, ok := captured["test_results"].(map[string]any)
	if !ok {
		t.Fatalf("test_results missing: %+v", captured)
	}
	if results["Soil_pH"] != 6.8 {
		t.Fatalf("Soil_pH not flattened: %v", results["Soil_pH"])
	}
	if results["E_coli_Present"] != "no" {
		t.Fatalf("E_coli_Present mismatch: %v", results["E_coli_Present"])
	}
	if results["Total_Bacterial_Count_CFU_g"] != float64(1200) {
		t.Fatalf("Total_Bacterial_Count_CFU_g mismatch: %v", results["Total_Bacterial_Count_CFU_g"])
	}
}

func TestAnalyzeAnomalous(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"status":  "Anomaly Detected",
			"summary": "heavy metal contamination",
			"anomalies": []map[string]any{
				{"parameter": "Heavy_Metal_Pb_ppm", "expected_range": "0-10", "actual_value": 14.2},
			},
		})
	}))
	defer srv.Close()

	c := analysis.New(srv.URL, "", time.Second)
	v, err := c.Analyze(context.Background(), sampleRecord())
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if v.Status != domain.VerdictAnomalous {
		t.Fatalf("expected anomalous, got %q", v.Status)
	}
	if len(v.Anomalies) != 1 || v.Anomalies[0].ActualValue != "14.2" {
		t.Fatalf("anomalies mismatch: %+v", v.Anomalies)
	}
	if v.QualityRating != nil {
		t.Fatalf("anomalous verdict must not carry a rating")
	}
}

func TestAnalyzeContractViolations(t *testing.T) {
	cases := []struct {
		name string
		body map[string]any
		want error
	}{
		{"unknown status", map[string]any{"status": "Maybe", "summary": "?"}, analysis.ErrMalformed},
		{"normal with anomalies", map[string]any{
			"status":    "Normal",
			"summary":   "x",
			"anomalies": []map[string]any{{"parameter": "p"}},
		}, analysis.ErrContract},
		{"anomalous without anomalies", map[string]any{"status": "Anomaly Detected", "summary": "x"}, analysis.ErrContract},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				json.NewEncoder(w).Encode(tc.body)
			}))
			defer srv.Close()
			c := analysis.New(srv.URL, "", time.Second)
			_, err := c.Analyze(context.Background(), sampleRecord())
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestAnalyzeServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()
	c := analysis.New(srv.URL, "", time.Second)
	_, err := c.Analyze(context.Background(), sampleRecord())
	if !errors.Is(err, analysis.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestAnalyzeConnectionRefused(t *testing.T) {
	c := analysis.New("http://127.0.0.1:1", "", 200*time.Millisecond)
	_, err := c.Analyze(context.Background(), sampleRecord())
	if !errors.Is(err, analysis.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}
