package model

import "time"

// RawRecord is an upstream-shaped record as returned by an adapter's Parse step.
// Values are whatever the wire format produced (strings for CSV/XLSX,
// strings/json.Number/bool/nil for JSON). Never persisted.
type RawRecord map[string]any

// Permit is the canonical, source-independent permit representation produced
// by every adapter's Normalize step. Empty strings mean "absent".
type Permit struct {
	Source         string `json:"source"`
	SourceRecordID string `json:"source_record_id"`
	PermitID       string `json:"permit_id,omitempty"`

	PermitNumber    string `json:"permit_number,omitempty"`
	Jurisdiction    string `json:"jurisdiction,omitempty"`
	County          string `json:"county,omitempty"`
	Status          string `json:"status,omitempty"`
	PermitType      string `json:"permit_type,omitempty"`
	WorkDescription string `json:"work_description,omitempty"`

	Address   string   `json:"address,omitempty"`
	City      string   `json:"city,omitempty"`
	State     string   `json:"state,omitempty"`
	Zipcode   string   `json:"zipcode,omitempty"`
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`

	ApplicantName  string `json:"applicant_name,omitempty"`
	OwnerName      string `json:"owner_name,omitempty"`
	ContractorName string `json:"contractor_name,omitempty"`

	Valuation       *float64   `json:"valuation,omitempty"`
	IssuedDate      *time.Time `json:"issued_date,omitempty"`
	ApplicationDate *time.Time `json:"application_date,omitempty"`

	// RawData is the full upstream record serialized as JSON.
	RawData []byte `json:"raw_data,omitempty"`
}

// PermitRow is a persisted permit: the normalized fields plus the columns the
// upsert engine completes (canonical id, county, name) and row bookkeeping.
type PermitRow struct {
	ID int64 `json:"id"`
	Permit
	Name      string    `json:"name"`
	Location  []byte    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// UpsertAction reports whether an upsert created or modified a row.
type UpsertAction string

const (
	ActionInserted UpsertAction = "inserted"
	ActionUpdated  UpsertAction = "updated"
)

// UpsertResult is the outcome of a single permit upsert.
type UpsertResult struct {
	Action      UpsertAction `json:"action"`
	PermitRowID int64        `json:"permit_row_id"`
	Row         PermitRow    `json:"-"`
}

// PermitConflict records two upstream rows from one source that claim the
// same canonical permit id. Conflicts are kept for operator review.
type PermitConflict struct {
	ID               int64     `json:"id"`
	Source           string    `json:"source"`
	PermitID         string    `json:"permit_id"`
	SourceRecordID   string    `json:"source_record_id"`
	ExistingRecordID string    `json:"existing_record_id"`
	RawData          []byte    `json:"-"`
	DetectedAt       time.Time `json:"detected_at"`
}

// PermitFilter selects persisted permits for batch lead derivation.
// Zero values mean unbounded.
type PermitFilter struct {
	Source string
	Limit  int
	Days   int
}
