package ledger

import (
	"math"

	"herbcert/internal/domain"
)

// The ledger contract stores two-decimal measurements as unsigned integers
// scaled by 100. Counts (storage days, leaf spots, CFU) and whole-unit
// concentrations (soil N/P/K mg/kg, total aflatoxin ppb) are rounded and
// stored unscaled. Readers divide the _x100 fields by 100 to recover the
// original values.

// BasicInfo identifies the batch on chain.
type BasicInfo struct {
	BatchID      string `json:"batch_id"`
	HerbName     string `json:"herb_name"`
	LabLicenseID string `json:"lab_license_id"`
	TestDate     string `json:"test_date"`
}

type EnvironmentData struct {
	TemperatureC100  uint64 `json:"temperature_c_x100"`
	HumidityPct100   uint64 `json:"humidity_pct_x100"`
	StorageDays      uint64 `json:"storage_days"`
	LightHoursDay100 uint64 `json:"light_hours_day_x100"`
}

type SoilData struct {
	PH100               uint64 `json:"ph_x100"`
	MoisturePct100      uint64 `json:"moisture_pct_x100"`
	NitrogenMgKg        uint64 `json:"nitrogen_mgkg"`
	PhosphorusMgKg      uint64 `json:"phosphorus_mgkg"`
	PotassiumMgKg       uint64 `json:"potassium_mgkg"`
	OrganicCarbonPct100 uint64 `json:"organic_carbon_pct_x100"`
}

type ContaminantData struct {
	LeadPpm100             uint64 `json:"lead_ppm_x100"`
	ArsenicPpm100          uint64 `json:"arsenic_ppm_x100"`
	MercuryPpm100          uint64 `json:"mercury_ppm_x100"`
	CadmiumPpm100          uint64 `json:"cadmium_ppm_x100"`
	AflatoxinPpb           uint64 `json:"aflatoxin_ppb"`
	PesticideResiduePpm100 uint64 `json:"pesticide_residue_ppm_x100"`
}

type QualityData struct {
	MoisturePct100        uint64 `json:"moisture_pct_x100"`
	EssentialOilPct100    uint64 `json:"essential_oil_pct_x100"`
	ChlorophyllIndex100   uint64 `json:"chlorophyll_index_x100"`
	LeafSpotCount         uint64 `json:"leaf_spot_count"`
	DiscolorationIndex100 uint64 `json:"discoloration_index_x100"`
	BacterialCountCFUg    uint64 `json:"bacterial_count_cfu_g"`
	FungalCountCFUg       uint64 `json:"fungal_count_cfu_g"`
	EColiPresent          string `json:"e_coli_present"`
	SalmonellaPresent     string `json:"salmonella_present"`
	DNAAuthenticity       string `json:"dna_marker_authenticity"`
}

// Record is the full on-chain payload for one batch.
type Record struct {
	Basic        BasicInfo       `json:"basic"`
	Environment  EnvironmentData `json:"environment"`
	Soil         SoilData        `json:"soil"`
	Contaminants ContaminantData `json:"contaminants"`
	Quality      QualityData     `json:"quality"`
	CertCID      string          `json:"cert_cid"`
}

func scale100(v float64) uint64 {
	if v <= 0 {
		return 0
	}
	return uint64(math.Round(v * 100))
}

func roundUnit(v float64) uint64 {
	if v <= 0 {
		return 0
	}
	return uint64(math.Round(v))
}

// Encode converts a validated measurement record to the fixed-point on-chain
// form. CID is the content address of the rendered certificate.
func Encode(rec domain.MeasurementRecord, cid string) Record {
	return Record{
		Basic: BasicInfo{
			BatchID:      rec.BatchID,
			HerbName:     rec.HerbName,
			LabLicenseID: rec.LabLicenseID,
			TestDate:     rec.TestDate,
		},
		Environment: EnvironmentData{
			TemperatureC100:  scale100(rec.Environment.TemperatureC),
			HumidityPct100:   scale100(rec.Environment.HumidityPct),
			StorageDays:      uint64(rec.Environment.StorageDays),
			LightHoursDay100: scale100(rec.Environment.LightHoursDay),
		},
		Soil: SoilData{
			PH100:               scale100(rec.Soil.PH),
			MoisturePct100:      scale100(rec.Soil.MoisturePct),
			NitrogenMgKg:        roundUnit(rec.Soil.NitrogenMgKg),
			PhosphorusMgKg:      roundUnit(rec.Soil.PhosphorusMgKg),
			PotassiumMgKg:       roundUnit(rec.Soil.PotassiumMgKg),
			OrganicCarbonPct100: scale100(rec.Soil.OrganicCarbonPct),
		},
		Contaminants: ContaminantData{
			LeadPpm100:             scale100(rec.Contaminants.LeadPpm),
			ArsenicPpm100:          scale100(rec.Contaminants.ArsenicPpm),
			MercuryPpm100:          scale100(rec.Contaminants.MercuryPpm),
			CadmiumPpm100:          scale100(rec.Contaminants.CadmiumPpm),
			AflatoxinPpb:           roundUnit(rec.Contaminants.AflatoxinPpb),
			PesticideResiduePpm100: scale100(rec.Contaminants.PesticideResiduePpm),
		},
		Quality: QualityData{
			MoisturePct100:        scale100(rec.Biochemical.MoisturePct),
			EssentialOilPct100:    scale100(rec.Biochemical.EssentialOilPct),
			ChlorophyllIndex100:   scale100(rec.Biochemical.ChlorophyllIndex),
			LeafSpotCount:         uint64(rec.Biochemical.LeafSpotCount),
			DiscolorationIndex100: scale100(rec.Biochemical.DiscolorationIndex),
			BacterialCountCFUg:    uint64(rec.Microbial.BacterialCountCFUg),
			FungalCountCFUg:       uint64(rec.Microbial.FungalCountCFUg),
			EColiPresent:          presenceWire(rec.Microbial.EColiPresent),
			SalmonellaPresent:     presenceWire(rec.Microbial.SalmonellaPresent),
			DNAAuthenticity:       dnaWire(rec.DNAAuthenticity),
		},
		CertCID: cid,
	}
}

func presenceWire(v string) string {
	if v == domain.PresenceYes {
		return "Yes"
	}
	return "No"
}

func dnaWire(v string) string {
	switch v {
	case domain.DNAAuthentic:
		return "Authentic"
	case domain.DNANotAuthentic:
		return "Not Authentic"
	default:
		return "Inconclusive"
	}
}
