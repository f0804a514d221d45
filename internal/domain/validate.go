package domain

import (
	"fmt"
	"strings"
	"time"
)

// ValidationError carries every structural problem found in a record so the
// caller can fix them in one pass.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid measurement record: %s", strings.Join(e.Issues, "; "))
}

// Validate checks the record structurally before any remote call is made.
// All failures are accumulated into a single ValidationError.
func (r MeasurementRecord) Validate() error {
	var issues []string
	add := func(format string, args ...any) {
		issues = append(issues, fmt.Sprintf(format, args...))
	}

	if strings.TrimSpace(r.BatchID) == "" {
		add("batch_id is required")
	}
	if strings.TrimSpace(r.HerbName) == "" {
		add("herb_name is required")
	}
	if strings.TrimSpace(r.LabLicenseID) == "" {
		add("lab_license_id is required")
	}
	if r.TestDate == "" {
		add("test_date is required")
	} else if _, err := time.Parse("2006-01-02", r.TestDate); err != nil {
		add("test_date %q is not a valid date (want YYYY-MM-DD)", r.TestDate)
	}

	checkNonNegative(&issues, "environment.temperature_c", r.Environment.TemperatureC)
	checkPct(&issues, "environment.humidity_pct", r.Environment.HumidityPct)
	if r.Environment.StorageDays < 0 {
		add("environment.storage_days must be >= 0")
	}
	checkNonNegative(&issues, "environment.light_hours_day", r.Environment.LightHoursDay)

	if r.Soil.PH < 0 || r.Soil.PH > 14 {
		add("soil.ph %.2f out of range 0-14", r.Soil.PH)
	}
	checkPct(&issues, "soil.moisture_pct", r.Soil.MoisturePct)
	checkNonNegative(&issues, "soil.nitrogen_mgkg", r.Soil.NitrogenMgKg)
	checkNonNegative(&issues, "soil.phosphorus_mgkg", r.Soil.PhosphorusMgKg)
	checkNonNegative(&issues, "soil.potassium_mgkg", r.Soil.PotassiumMgKg)
	checkPct(&issues, "soil.organic_carbon_pct", r.Soil.OrganicCarbonPct)

	checkNonNegative(&issues, "contaminants.lead_ppm", r.Contaminants.LeadPpm)
	checkNonNegative(&issues, "contaminants.arsenic_ppm", r.Contaminants.ArsenicPpm)
	checkNonNegative(&issues, "contaminants.mercury_ppm", r.Contaminants.MercuryPpm)
	checkNonNegative(&issues, "contaminants.cadmium_ppm", r.Contaminants.CadmiumPpm)
	checkNonNegative(&issues, "contaminants.aflatoxin_ppb", r.Contaminants.AflatoxinPpb)
	checkNonNegative(&issues, "contaminants.pesticide_residue_ppm", r.Contaminants.PesticideResiduePpm)

	checkPct(&issues, "biochemical.moisture_pct", r.Biochemical.MoisturePct)
	checkPct(&issues, "biochemical.essential_oil_pct", r.Biochemical.EssentialOilPct)
	checkNonNegative(&issues, "biochemical.chlorophyll_index", r.Biochemical.ChlorophyllIndex)
	if r.Biochemical.LeafSpotCount < 0 {
		add("biochemical.leaf_spot_count must be >= 0")
	}
	checkNonNegative(&issues, "biochemical.discoloration_index", r.Biochemical.DiscolorationIndex)

	if r.Microbial.BacterialCountCFUg < 0 {
		add("microbial.bacterial_count_cfu_g must be >= 0")
	}
	if r.Microbial.FungalCountCFUg < 0 {
		add("microbial.fungal_count_cfu_g must be >= 0")
	}
	if r.Microbial.EColiPresent != PresenceYes && r.Microbial.EColiPresent != PresenceNo {
		add("microbial.ecoli_present must be yes or no")
	}
	if r.Microbial.SalmonellaPresent != PresenceYes && r.Microbial.SalmonellaPresent != PresenceNo {
		add("microbial.salmonella_present must be yes or no")
	}

	switch r.DNAAuthenticity {
	case DNAAuthentic, DNANotAuthentic, DNAInconclusive:
	default:
		add("dna_authenticity must be one of authentic, not_authentic, inconclusive")
	}

	if len(issues) > 0 {
		return &ValidationError{Issues: issues}
	}
	return nil
}

func checkNonNegative(issues *[]string, field string, v float64) {
	if v < 0 {
		*issues = append(*issues, fmt.Sprintf("%s must be >= 0", field))
	}
}

func checkPct(issues *[]string, field string, v float64) {
	if v < 0 || v > 100 {
		*issues = append(*issues, fmt.Sprintf("%s %.2f out of range 0-100", field, v))
	}
}
