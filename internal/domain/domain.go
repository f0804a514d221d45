package domain

// Wire-level enum values shared by the analysis, ledger, and archive clients.
const (
	PresenceYes = "yes"
	PresenceNo  = "no"

	DNAAuthentic    = "authentic"
	DNANotAuthentic = "not_authentic"
	DNAInconclusive = "inconclusive"

	VerdictNormal    = "normal"
	VerdictAnomalous = "anomalous"
)

// MeasurementRecord is the validated set of test parameters for one batch.
// Immutable once a verdict has been produced; corrections require a new
// submission under the same batch id.
type MeasurementRecord struct {
	BatchID      string `json:"batch_id"`
	HerbName     string `json:"herb_name"`
	LabLicenseID string `json:"lab_license_id"`
	TestDate     string `json:"test_date" format:"date"`

	Environment  Environment  `json:"environment"`
	Soil         Soil         `json:"soil"`
	Contaminants Contaminants `json:"contaminants"`
	Biochemical  Biochemical  `json:"biochemical"`
	Microbial    Microbial    `json:"microbial"`

	DNAAuthenticity string `json:"dna_authenticity" enum:"authentic,not_authentic,inconclusive"`
}

type Environment struct {
	TemperatureC  float64 `json:"temperature_c"`
	HumidityPct   float64 `json:"humidity_pct"`
	StorageDays   int     `json:"storage_days"`
	LightHoursDay float64 `json:"light_hours_day"`
}

type Soil struct {
	PH               float64 `json:"ph"`
	MoisturePct      float64 `json:"moisture_pct"`
	NitrogenMgKg     float64 `json:"nitrogen_mgkg"`
	PhosphorusMgKg   float64 `json:"phosphorus_mgkg"`
	PotassiumMgKg    float64 `json:"potassium_mgkg"`
	OrganicCarbonPct float64 `json:"organic_carbon_pct"`
}

type Contaminants struct {
	LeadPpm             float64 `json:"lead_ppm"`
	ArsenicPpm          float64 `json:"arsenic_ppm"`
	MercuryPpm          float64 `json:"mercury_ppm"`
	CadmiumPpm          float64 `json:"cadmium_ppm"`
	AflatoxinPpb        float64 `json:"aflatoxin_ppb"`
	PesticideResiduePpm float64 `json:"pesticide_residue_ppm"`
}

type Biochemical struct {
	MoisturePct        float64 `json:"moisture_pct"`
	EssentialOilPct    float64 `json:"essential_oil_pct"`
	ChlorophyllIndex   float64 `json:"chlorophyll_index"`
	LeafSpotCount      int     `json:"leaf_spot_count"`
	DiscolorationIndex float64 `json:"discoloration_index"`
}

type Microbial struct {
	BacterialCountCFUg int    `json:"bacterial_count_cfu_g"`
	FungalCountCFUg    int    `json:"fungal_count_cfu_g"`
	EColiPresent       string `json:"ecoli_present" enum:"yes,no"`
	SalmonellaPresent  string `json:"salmonella_present" enum:"yes,no"`
}

// Anomaly is one out-of-range parameter reported by the analysis service.
type Anomaly struct {
	Parameter     string `json:"parameter"`
	ExpectedRange string `json:"expected_range"`
	ActualValue   string `json:"actual_value"`
}

// Verdict is the analysis service's judgment on a record. QualityRating is
// present only for a normal verdict; Anomalies is empty iff the verdict is
// normal.
type Verdict struct {
	Status        string    `json:"status" enum:"normal,anomalous"`
	Summary       string    `json:"summary"`
	Anomalies     []Anomaly `json:"anomalies,omitempty"`
	QualityRating *float64  `json:"quality_rating,omitempty"`
}

// CertificateArtifact is a rendered certificate image. It is consumed exactly
// once, by the pin-store upload, and discarded once a CID exists.
type CertificateArtifact struct {
	BatchID     string `json:"batch_id"`
	ContentType string `json:"content_type"`
	Bytes       []byte `json:"-"`
}

// LedgerReceipt proves a record is anchored on the ledger.
type LedgerReceipt struct {
	TxHash         string `json:"tx_hash"`
	Confirmed      bool   `json:"confirmed"`
	ChainTimestamp string `json:"chain_timestamp,omitempty" format:"date-time"`
}

// Workflow is one certification instance for a batch.
type Workflow struct {
	BatchID            string  `json:"batch_id"`
	LabLicenseID       string  `json:"lab_license_id"`
	State              string  `json:"state" enum:"collecting,analyzing,anomalous,under_review,certificate_ready,anchoring,completed,failed,canceled"`
	CID                *string `json:"cid,omitempty"`
	TxHash             *string `json:"tx_hash,omitempty"`
	PersistencePending bool    `json:"persistence_pending,omitempty"`
	LastErrorStep      *string `json:"last_error_step,omitempty"`
	LastError          *string `json:"last_error,omitempty"`
	CreatedAt          string  `json:"created_at" format:"date-time"`
	UpdatedAt          string  `json:"updated_at" format:"date-time"`
}

// Event is one entry in the append-only workflow audit log.
type Event struct {
	ID      int64  `json:"id"`
	TS      string `json:"ts" format:"date-time"`
	Type    string `json:"type"`
	BatchID string `json:"batch_id,omitempty"`
	ActorID string `json:"actor_id"`
	Payload string `json:"payload_json"`
}

// APIKey authenticates a lab client against the HTTP API.
type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
