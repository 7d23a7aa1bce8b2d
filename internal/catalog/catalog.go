// Package catalog defines the queryable field catalog for the events table.
// The compiler validates and type-coerces every predicate against a catalog
// snapshot; snapshots are immutable and passed explicitly into each compile
// call so compilation stays a pure function of its inputs.
package catalog

import (
	"context"
	"sort"
)

// Type is the declared type of a catalog field.
type Type string

const (
	TypeString    Type = "string"
	TypeInt       Type = "int"
	TypeFloat     Type = "float"
	TypeBool      Type = "bool"
	TypeIP        Type = "ip"
	TypeTimestamp Type = "timestamp"
	TypeEnum      Type = "enum"
)

// Field describes a single queryable column of the events table.
type Field struct {
	Name       string `json:"name" yaml:"name"`
	Type       Type   `json:"type" yaml:"type"`
	Searchable bool   `json:"searchable" yaml:"searchable"`
	Facetable  bool   `json:"facetable" yaml:"facetable"`
	Sortable   bool   `json:"sortable" yaml:"sortable"`
	Doc        string `json:"doc,omitempty" yaml:"doc,omitempty"`
}

// baseFields are the columns present in every tenant's events table.
// tenant_id, event_id, ingest_seq and time are reserved: the compiler adds
// them itself and they are not part of user predicates except via sorting.
var baseFields = []Field{
	{Name: "time", Type: TypeTimestamp, Searchable: true, Sortable: true, Doc: "Event timestamp (ms precision)"},
	{Name: "event_id", Type: TypeString, Searchable: true, Sortable: true, Doc: "Unique event identifier"},
	{Name: "ingest_seq", Type: TypeInt, Searchable: false, Sortable: true, Doc: "Monotonic ingestion sequence number"},
	{Name: "event_type", Type: TypeEnum, Searchable: true, Facetable: true, Sortable: true, Doc: "Normalized event type"},
	{Name: "severity", Type: TypeEnum, Searchable: true, Facetable: true, Sortable: true, Doc: "Severity level name"},
	{Name: "status", Type: TypeEnum, Searchable: true, Facetable: true, Doc: "Outcome status (success/failure)"},
	{Name: "action", Type: TypeString, Searchable: true, Facetable: true, Doc: "Action taken by the producing control"},
	{Name: "message", Type: TypeString, Searchable: true, Doc: "Free-text event message"},
	{Name: "user", Type: TypeString, Searchable: true, Facetable: true, Sortable: true, Doc: "Acting user name"},
	{Name: "user_domain", Type: TypeString, Searchable: true, Facetable: true, Doc: "Acting user domain"},
	{Name: "host", Type: TypeString, Searchable: true, Facetable: true, Sortable: true, Doc: "Host the event originated on"},
	{Name: "source", Type: TypeString, Searchable: true, Facetable: true, Doc: "Log source name"},
	{Name: "process_name", Type: TypeString, Searchable: true, Facetable: true, Doc: "Process name"},
	{Name: "process_cmdline", Type: TypeString, Searchable: true, Doc: "Process command line"},
	{Name: "file_path", Type: TypeString, Searchable: true, Facetable: true, Doc: "File path touched by the event"},
	{Name: "file_hash", Type: TypeString, Searchable: true, Facetable: true, Doc: "SHA-256 of the file, if any"},
	{Name: "src_ip", Type: TypeIP, Searchable: true, Facetable: true, Doc: "Source IP address"},
	{Name: "dst_ip", Type: TypeIP, Searchable: true, Facetable: true, Doc: "Destination IP address"},
	{Name: "src_port", Type: TypeInt, Searchable: true, Sortable: true, Doc: "Source port"},
	{Name: "dst_port", Type: TypeInt, Searchable: true, Facetable: true, Sortable: true, Doc: "Destination port"},
	{Name: "protocol", Type: TypeEnum, Searchable: true, Facetable: true, Doc: "Transport protocol"},
	{Name: "bytes_in", Type: TypeInt, Searchable: true, Sortable: true, Doc: "Bytes received"},
	{Name: "bytes_out", Type: TypeInt, Searchable: true, Sortable: true, Doc: "Bytes sent"},
	{Name: "url", Type: TypeString, Searchable: true, Doc: "Requested URL"},
	{Name: "http_method", Type: TypeEnum, Searchable: true, Facetable: true, Doc: "HTTP method"},
	{Name: "http_status", Type: TypeInt, Searchable: true, Facetable: true, Sortable: true, Doc: "HTTP response status"},
	{Name: "dns_query", Type: TypeString, Searchable: true, Facetable: true, Doc: "DNS query name"},
	{Name: "user_agent", Type: TypeString, Searchable: true, Doc: "Client user agent"},
	{Name: "country", Type: TypeString, Searchable: true, Facetable: true, Doc: "GeoIP country code"},
	{Name: "rule_name", Type: TypeString, Searchable: true, Facetable: true, Doc: "Upstream rule that tagged the event"},
}

// baseEnums are the allowed values for base enum fields.
var baseEnums = map[string][]string{
	"event_type":  {"auth", "process", "network", "file", "dns", "http", "alert", "audit"},
	"severity":    {"low", "medium", "high", "critical"},
	"status":      {"success", "failure", "unknown"},
	"protocol":    {"tcp", "udp", "icmp"},
	"http_method": {"GET", "POST", "PUT", "DELETE", "HEAD", "PATCH", "OPTIONS"},
}

// Snapshot is an immutable view of one tenant's catalog.
// A zero-value Snapshot behaves as an empty catalog.
type Snapshot struct {
	fields   map[string]Field
	enums    map[string][]string
	degraded bool
}

// NewSnapshot builds a snapshot from explicit fields and enums.
func NewSnapshot(fields []Field, enums map[string][]string) *Snapshot {
	m := make(map[string]Field, len(fields))
	for _, f := range fields {
		m[f.Name] = f
	}
	e := make(map[string][]string, len(enums))
	for k, v := range enums {
		e[k] = append([]string(nil), v...)
	}
	return &Snapshot{fields: m, enums: e}
}

// Degraded reports whether the snapshot was produced from a fallback because
// the catalog provider was unavailable.
func (s *Snapshot) Degraded() bool { return s.degraded }

// Field returns the field definition by name.
func (s *Snapshot) Field(name string) (Field, bool) {
	f, ok := s.fields[name]
	return f, ok
}

// Fields returns all fields sorted by name.
func (s *Snapshot) Fields() []Field {
	out := make([]Field, 0, len(s.fields))
	for _, f := range s.fields {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// SearchableFields returns the names of all searchable fields, sorted.
// Bare free-text terms expand to a disjunction over these.
func (s *Snapshot) SearchableFields() []string {
	var out []string
	for _, f := range s.fields {
		if f.Searchable {
			out = append(out, f.Name)
		}
	}
	sort.Strings(out)
	return out
}

// Enum returns the allowed values for an enum field, or nil.
func (s *Snapshot) Enum(field string) []string {
	return s.enums[field]
}

// Enums returns the full field -> allowed values map.
func (s *Snapshot) Enums() map[string][]string {
	out := make(map[string][]string, len(s.enums))
	for k, v := range s.enums {
		out[k] = append([]string(nil), v...)
	}
	return out
}

// Provider supplies per-tenant catalogs. Implementations must be read-only.
type Provider interface {
	Fields(ctx context.Context, tenantID string) ([]Field, error)
	Enums(ctx context.Context, tenantID string) (map[string][]string, error)
}

// Load fetches a tenant's catalog snapshot from the provider. A provider
// failure yields the base catalog flagged as degraded instead of an error,
// so callers can proceed and surface a warning.
func Load(ctx context.Context, p Provider, tenantID string) *Snapshot {
	fields, err := p.Fields(ctx, tenantID)
	if err != nil {
		snap := NewSnapshot(baseFields, baseEnums)
		snap.degraded = true
		return snap
	}
	enums, err := p.Enums(ctx, tenantID)
	if err != nil {
		snap := NewSnapshot(fields, baseEnums)
		snap.degraded = true
		return snap
	}
	return NewSnapshot(fields, enums)
}

// BaseSnapshot returns the base catalog shared by all tenants.
func BaseSnapshot() *Snapshot {
	return NewSnapshot(baseFields, baseEnums)
}
