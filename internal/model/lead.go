package model

import "time"

// LeadStatus is the workflow state of a lead. Only LeadStatusNew is set by
// derivation; other transitions belong to downstream tooling.
type LeadStatus string

const (
	LeadStatusNew LeadStatus = "new"
)

// Lead is a sales opportunity derived from exactly one permit.
type Lead struct {
	ID        string     `json:"id"`
	PermitRef int64      `json:"permit_ref"`
	Name      string     `json:"name"`
	Address   string     `json:"address,omitempty"`
	County    string     `json:"county"`
	Service   string     `json:"service"`
	Value     *float64   `json:"value,omitempty"`
	Status    LeadStatus `json:"status"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Service categories assigned by lead derivation.
const (
	ServiceHVAC              = "hvac"
	ServiceElectrical        = "electrical"
	ServicePlumbing          = "plumbing"
	ServiceRoofing           = "roofing"
	ServiceSolar             = "solar"
	ServiceGeneralContractor = "general_contractor"
	ServiceHomeServices      = "home_services"
)
