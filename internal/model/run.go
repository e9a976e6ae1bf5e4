package model

import "time"

// SyncState is the per-source incremental watermark.
type SyncState struct {
	Source  string    `json:"source"`
	LastRun time.Time `json:"last_run"`
}

// RunStatus is the lifecycle state of one ingestion invocation.
type RunStatus string

const (
	RunStatusRunning  RunStatus = "running"
	RunStatusComplete RunStatus = "complete"
	RunStatusFailed   RunStatus = "failed"
)

// RunEntry is one row of the ingestion run log.
type RunEntry struct {
	ID          string     `json:"id"`
	Source      string     `json:"source"`
	Status      RunStatus  `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Summary     *Summary   `json:"summary,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// ErrorKind classifies a per-record problem.
type ErrorKind string

const (
	ErrorParse            ErrorKind = "parse"
	ErrorNormalize        ErrorKind = "normalize"
	ErrorIdentityConflict ErrorKind = "identity_conflict"
	ErrorPersistence      ErrorKind = "persistence"
	ErrorDerivation       ErrorKind = "derivation"
)

// RecordError is a non-fatal, per-record problem reported in a Summary.
type RecordError struct {
	RecordRef string    `json:"recordRef"`
	Kind      ErrorKind `json:"kind"`
	Message   string    `json:"message"`
}

// Summary is the structured result of one ingestion invocation. Truncated is
// set when the source's record cap stopped the fetch early.
type Summary struct {
	Source       string        `json:"source"`
	Fetched      int           `json:"fetched"`
	Upserted     int           `json:"upserted"`
	Inserted     int           `json:"inserted"`
	Updated      int           `json:"updated"`
	LeadsCreated int           `json:"leads_created"`
	LeadsUpdated int           `json:"leads_updated"`
	Since        time.Time     `json:"since"`
	Watermark    *time.Time    `json:"watermark,omitempty"`
	Truncated    bool          `json:"truncated,omitempty"`
	Errors       []RecordError `json:"errors"`
}

// AddError appends a per-record error.
func (s *Summary) AddError(ref string, kind ErrorKind, msg string) {
	s.Errors = append(s.Errors, RecordError{RecordRef: ref, Kind: kind, Message: msg})
}

// CountErrors returns how many errors of the given kind were recorded.
func (s *Summary) CountErrors(kind ErrorKind) int {
	n := 0
	for _, e := range s.Errors {
		if e.Kind == kind {
			n++
		}
	}
	return n
}
