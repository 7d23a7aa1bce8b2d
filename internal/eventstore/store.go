// Package eventstore abstracts the analytical event store behind a small
// Executor interface. The production implementation speaks the ClickHouse
// HTTP interface; tests substitute an in-memory fake.
package eventstore

import (
	"context"
	"time"
)

// Consistency selects the read consistency level.
type Consistency string

const (
	// ConsistencyStrong waits for replica sync before reading.
	ConsistencyStrong Consistency = "strong"
	// ConsistencyEventual reads from any replica and may miss the freshest
	// ingested events.
	ConsistencyEventual Consistency = "eventual"
)

// Valid reports whether c is a known level. Empty defaults to eventual.
func (c Consistency) Valid() bool {
	switch c {
	case "", ConsistencyStrong, ConsistencyEventual:
		return true
	}
	return false
}

// Column describes one result column.
type Column struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Statistics reports server-side execution cost.
type Statistics struct {
	Elapsed   float64 `json:"elapsed"`
	RowsRead  uint64  `json:"rows_read"`
	BytesRead uint64  `json:"bytes_read"`
}

// ResultSet is the wire shape of a query result. Data rows preserve the
// column naming of the compiled statement.
type ResultSet struct {
	Meta                   []Column                 `json:"meta"`
	Data                   []map[string]interface{} `json:"data"`
	Rows                   int                      `json:"rows"`
	RowsBeforeLimitAtLeast int                      `json:"rows_before_limit_at_least"`
	Statistics             Statistics               `json:"statistics"`
}

// QueryOptions carries per-query execution settings.
type QueryOptions struct {
	Consistency      Consistency
	MaxExecutionTime time.Duration
}

// Executor runs compiled SQL against the event store.
type Executor interface {
	// Query executes one statement and returns the parsed result. Errors
	// are classified through the apperr taxonomy.
	Query(ctx context.Context, sql string, opts QueryOptions) (*ResultSet, error)
	// Ping checks connectivity for health reporting.
	Ping(ctx context.Context) error
}
