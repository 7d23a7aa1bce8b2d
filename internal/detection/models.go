// Package detection manages persisted detection rules: CRUD with a
// soft-disable lifecycle, scheduled evaluation, run history, and finding
// emission.
package detection

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/darkermemo/huntql/internal/rule"
)

// Severity levels assignable to a detection.
var validSeverities = map[string]bool{
	"low": true, "medium": true, "high": true, "critical": true,
}

// Record is a stored detection rule.
type Record struct {
	ID          uuid.UUID  `json:"id"`
	TenantID    string     `json:"tenant_id"`
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	Severity    string     `json:"severity"`
	Enabled     bool       `json:"enabled"`
	IntervalSec uint64     `json:"interval_sec"`
	Spec        rule.Spec  `json:"spec"`
	Version     int        `json:"version"`
	CreatedBy   string     `json:"created_by,omitempty"`
	UpdatedBy   string     `json:"updated_by,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	DeletedAt   *time.Time `json:"deleted_at,omitempty"`
}

// Validate checks the record's own fields. Spec semantics are validated by
// compiling, not here.
func (r *Record) Validate() error {
	if r.TenantID == "" {
		return fmt.Errorf("tenant_id is required")
	}
	if r.Name == "" {
		return fmt.Errorf("name is required")
	}
	if len(r.Name) > 256 {
		return fmt.Errorf("name must be at most 256 characters")
	}
	if !validSeverities[r.Severity] {
		return fmt.Errorf("severity must be one of low, medium, high, critical")
	}
	if r.IntervalSec < 10 {
		return fmt.Errorf("interval_sec must be at least 10")
	}
	if r.Spec == nil {
		return fmt.Errorf("spec is required")
	}
	return nil
}

// RunStatus is the outcome of one evaluation.
type RunStatus string

const (
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunTimedOut  RunStatus = "timed_out"
)

// Run is one recorded evaluation of a detection.
type Run struct {
	ID           uuid.UUID `json:"id"`
	DetectionID  uuid.UUID `json:"detection_id"`
	TenantID     string    `json:"tenant_id"`
	Status       RunStatus `json:"status"`
	FindingCount int       `json:"finding_count"`
	RowsRead     uint64    `json:"rows_read"`
	Error        string    `json:"error,omitempty"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
}

// Finding is one matched group emitted by an evaluation.
type Finding struct {
	DetectionID uuid.UUID              `json:"detection_id"`
	TenantID    string                 `json:"tenant_id"`
	Name        string                 `json:"name"`
	Family      rule.Family            `json:"family"`
	Severity    string                 `json:"severity"`
	GroupKey    map[string]interface{} `json:"group_key"`
	Row         map[string]interface{} `json:"row"`
	DedupKey    string                 `json:"dedup_key"`
	DetectedAt  time.Time              `json:"detected_at"`
}

// recordRow is the wire/storage shape of a Record; the spec is kept as its
// tagged envelope.
type recordRow struct {
	ID          uuid.UUID       `json:"id"`
	TenantID    string          `json:"tenant_id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Severity    string          `json:"severity"`
	Enabled     bool            `json:"enabled"`
	IntervalSec uint64          `json:"interval_sec"`
	Spec        json.RawMessage `json:"spec"`
	Version     int             `json:"version"`
	CreatedBy   string          `json:"created_by,omitempty"`
	UpdatedBy   string          `json:"updated_by,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	DeletedAt   *time.Time      `json:"deleted_at,omitempty"`
}

// MarshalJSON renders the spec through its family envelope.
func (r Record) MarshalJSON() ([]byte, error) {
	spec, err := rule.MarshalSpec(r.Spec)
	if err != nil {
		return nil, err
	}
	return json.Marshal(recordRow{
		ID: r.ID, TenantID: r.TenantID, Name: r.Name, Description: r.Description,
		Severity: r.Severity, Enabled: r.Enabled, IntervalSec: r.IntervalSec,
		Spec: spec, Version: r.Version,
		CreatedBy: r.CreatedBy, UpdatedBy: r.UpdatedBy,
		CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt, DeletedAt: r.DeletedAt,
	})
}

// UnmarshalJSON parses the spec through its family envelope.
func (r *Record) UnmarshalJSON(data []byte) error {
	var row recordRow
	if err := json.Unmarshal(data, &row); err != nil {
		return err
	}
	var spec rule.Spec
	if len(row.Spec) > 0 {
		var err error
		spec, err = rule.UnmarshalSpec(row.Spec)
		if err != nil {
			return err
		}
	}
	*r = Record{
		ID: row.ID, TenantID: row.TenantID, Name: row.Name, Description: row.Description,
		Severity: row.Severity, Enabled: row.Enabled, IntervalSec: row.IntervalSec,
		Spec: spec, Version: row.Version,
		CreatedBy: row.CreatedBy, UpdatedBy: row.UpdatedBy,
		CreatedAt: row.CreatedAt, UpdatedAt: row.UpdatedAt, DeletedAt: row.DeletedAt,
	}
	return nil
}
