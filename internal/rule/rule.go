// Package rule defines the predicate and detection-rule data model: field
// conditions, time ranges, free-text query ASTs, and the closed tagged union
// of detection logic families. The compiler performs an exhaustive type
// switch over the families, so adding a family means touching both places.
package rule

import (
	"encoding/json"
	"fmt"
)

// Op is a field condition operator.
type Op string

const (
	OpEq       Op = "="
	OpNe       Op = "!="
	OpLt       Op = "<"
	OpLte      Op = "<="
	OpGt       Op = ">"
	OpGte      Op = ">="
	OpIn       Op = "in"
	OpNotIn    Op = "not_in"
	OpContains Op = "contains"
	OpRegex    Op = "regex"
	OpCIDR     Op = "ip_in_cidr"
)

// FieldCondition is a single field predicate. Value holds a scalar for most
// operators and a []interface{} for in/not_in.
type FieldCondition struct {
	Field string      `json:"field"`
	Op    Op          `json:"op"`
	Value interface{} `json:"value"`
}

// SortDir is a sort direction.
type SortDir string

const (
	SortAsc  SortDir = "asc"
	SortDesc SortDir = "desc"
)

// SortKey is one element of a sort specification.
type SortKey struct {
	Field string  `json:"field"`
	Dir   SortDir `json:"dir"`
}

// Family identifies a detection logic family.
type Family string

const (
	FamilySequence         Family = "sequence"
	FamilySequenceAbsence  Family = "sequence_absence"
	FamilyChain            Family = "chain"
	FamilyRollingThreshold Family = "rolling_threshold"
	FamilyRatio            Family = "ratio"
	FamilyFirstSeen        Family = "first_seen"
	FamilyBeaconing        Family = "beaconing"
)

// Meta carries the fields common to every rule family.
type Meta struct {
	TenantID string    `json:"tenant_id"`
	Time     TimeRange `json:"time"`
	By       []string  `json:"by,omitempty"`
}

// Spec is the closed union of detection logic families.
type Spec interface {
	Family() Family
	Common() Meta
}

// StrictMode controls sequence matching semantics.
type StrictMode string

const (
	// StrictAny allows interleaved events and multiple matches per group.
	StrictAny StrictMode = "any"
	// StrictOrder requires monotonic stage timestamps with no other events
	// from the same stage conditions interleaved. Equal timestamps are
	// broken by ingestion sequence number.
	StrictOrder StrictMode = "strict_order"
	// StrictOnce allows a group to satisfy at most one full sequence per window.
	StrictOnce StrictMode = "strict_once"
)

// Stage is one step of a sequence: a conjunction of conditions plus an
// optional minimum repeat count (0 and 1 are equivalent).
type Stage struct {
	Match    []FieldCondition `json:"match"`
	MinCount int              `json:"min_count,omitempty"`
}

// Sequence matches ordered stages within a sliding window, grouped by key.
type Sequence struct {
	Meta
	Stages    []Stage    `json:"stages"`
	WindowSec uint64     `json:"window_sec"`
	Strict    StrictMode `json:"strict,omitempty"`
}

func (s *Sequence) Family() Family { return FamilySequence }
func (s *Sequence) Common() Meta   { return s.Meta }

// SequenceAbsence matches pattern First followed by the absence of pattern
// Absent within the window (a negative temporal join).
type SequenceAbsence struct {
	Meta
	First     []FieldCondition `json:"first"`
	Absent    []FieldCondition `json:"absent"`
	WindowSec uint64           `json:"window_sec"`
}

func (s *SequenceAbsence) Family() Family { return FamilySequenceAbsence }
func (s *SequenceAbsence) Common() Meta   { return s.Meta }

// Chain is an ordered list of stage conditions with no repeat semantics, a
// relaxation of Sequence.
type Chain struct {
	Meta
	Stages    [][]FieldCondition `json:"stages"`
	WindowSec uint64             `json:"window_sec"`
}

func (c *Chain) Family() Family { return FamilyChain }
func (c *Chain) Common() Meta   { return c.Meta }

// AggFunc is a windowed aggregate function.
type AggFunc string

const (
	AggCount AggFunc = "count"
	AggSum   AggFunc = "sum"
	AggAvg   AggFunc = "avg"
)

// CmpOp compares an aggregate against a constant.
type CmpOp string

const (
	CmpGt  CmpOp = ">"
	CmpGte CmpOp = ">="
	CmpLt  CmpOp = "<"
	CmpLte CmpOp = "<="
)

// RollingThreshold compares a windowed aggregate against a constant. The
// window is right-aligned to "now" for live evaluation and left-aligned to
// the range start for historical replay.
type RollingThreshold struct {
	Meta
	Match     []FieldCondition `json:"match,omitempty"`
	Agg       AggFunc          `json:"agg"`
	Field     string           `json:"field,omitempty"`
	WindowSec uint64           `json:"window_sec"`
	Cmp       CmpOp            `json:"cmp"`
	Threshold float64          `json:"threshold"`
}

func (r *RollingThreshold) Family() Family { return FamilyRollingThreshold }
func (r *RollingThreshold) Common() Meta   { return r.Meta }

// Ratio compares two conditions' counts as a ratio per time bucket per group.
// Buckets with a zero denominator never match.
type Ratio struct {
	Meta
	Numerator   []FieldCondition `json:"numerator"`
	Denominator []FieldCondition `json:"denominator"`
	BucketSec   uint64           `json:"bucket_sec"`
	K           float64          `json:"k"`
}

func (r *Ratio) Family() Family { return FamilyRatio }
func (r *Ratio) Common() Meta   { return r.Meta }

// FirstSeen matches entity dimension values not observed in the preceding
// horizon, optionally filtered.
type FirstSeen struct {
	Meta
	Dimension   string           `json:"dimension"`
	HorizonDays uint64           `json:"horizon_days"`
	Filter      []FieldCondition `json:"filter,omitempty"`
}

func (f *FirstSeen) Family() Family { return FamilyFirstSeen }
func (f *FirstSeen) Common() Meta   { return f.Meta }

// Beaconing detects periodic traffic: partitions (the By key) with at least
// MinEvents observations whose inter-arrival relative standard deviation is
// at or below MaxRSD. Partitions with fewer observations never match.
type Beaconing struct {
	Meta
	Filter    []FieldCondition `json:"filter,omitempty"`
	MinEvents int              `json:"min_events"`
	MaxRSD    float64          `json:"max_rsd"`
}

func (b *Beaconing) Family() Family { return FamilyBeaconing }
func (b *Beaconing) Common() Meta   { return b.Meta }

// envelope is the wire form of a Spec: the family tag plus the variant body.
type envelope struct {
	Family Family          `json:"family"`
	Spec   json.RawMessage `json:"spec"`
}

// MarshalSpec encodes a Spec with its family tag.
func MarshalSpec(s Spec) ([]byte, error) {
	body, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal %s spec: %w", s.Family(), err)
	}
	return json.Marshal(envelope{Family: s.Family(), Spec: body})
}

// UnmarshalSpec decodes a family-tagged Spec.
func UnmarshalSpec(data []byte) (Spec, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshal rule spec: %w", err)
	}

	var spec Spec
	switch env.Family {
	case FamilySequence:
		spec = &Sequence{}
	case FamilySequenceAbsence:
		spec = &SequenceAbsence{}
	case FamilyChain:
		spec = &Chain{}
	case FamilyRollingThreshold:
		spec = &RollingThreshold{}
	case FamilyRatio:
		spec = &Ratio{}
	case FamilyFirstSeen:
		spec = &FirstSeen{}
	case FamilyBeaconing:
		spec = &Beaconing{}
	default:
		return nil, fmt.Errorf("unknown rule family %q", env.Family)
	}

	if err := json.Unmarshal(env.Spec, spec); err != nil {
		return nil, fmt.Errorf("unmarshal %s spec: %w", env.Family, err)
	}
	return spec, nil
}
