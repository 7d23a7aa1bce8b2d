// Package tail streams newly ingested events matching a compiled filter.
// Each session polls the event store behind a short grace watermark so that
// late-arriving rows inside the grace window are still delivered exactly
// once, in ingestion order.
package tail

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/darkermemo/huntql/common/logging"
	"github.com/darkermemo/huntql/internal/compile"
	"github.com/darkermemo/huntql/internal/eventstore"
)

// State is the session lifecycle phase.
type State string

const (
	StateConnecting State = "connecting"
	StateStreaming  State = "streaming"
	StateClosed     State = "closed"
	StateErrored    State = "errored"
)

// Event types emitted over the session channel.
const (
	EventHello     = "hello"
	EventRow       = "row"
	EventWatermark = "watermark"
	EventStats     = "stats"
	EventWarning   = "warning"
)

// Event is one message to the client.
type Event struct {
	Type string
	Data interface{}
}

// Config tunes session behavior. Zero values take defaults.
type Config struct {
	// PollInterval is the store polling cadence.
	PollInterval time.Duration
	// Grace is how far the watermark trails now, covering ingest latency.
	Grace time.Duration
	// BufferSize bounds the outbound channel. A full buffer blocks the
	// poll loop, so a slow client only slows its own session.
	BufferSize int
	// MaxRowsPerPoll caps one poll's result set.
	MaxRowsPerPoll int
	// MaxFailures is the consecutive poll failures before the session errors.
	MaxFailures int
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.Grace <= 0 {
		c.Grace = 2 * time.Second
	}
	if c.BufferSize <= 0 {
		c.BufferSize = 256
	}
	if c.MaxRowsPerPoll <= 0 {
		c.MaxRowsPerPoll = 500
	}
	if c.MaxFailures <= 0 {
		c.MaxFailures = 5
	}
	return c
}

// Session is one live tail over a compiled filter.
type Session struct {
	ID string

	store    eventstore.Executor
	table    string
	filter   string
	tenantID string
	cfg      Config
	logger   *logging.Logger
	clock    func() time.Time

	state   atomic.Value
	events  chan Event
	emitted uint64
	polls   uint64
}

// NewSession creates a tail session over the compiled query's filter. The
// compiled time range is ignored; the session always follows the present.
func NewSession(store eventstore.Executor, table string, cq *compile.CompiledQuery, cfg Config, logger *logging.Logger) *Session {
	if table == "" {
		table = "events"
	}
	s := &Session{
		ID:       uuid.NewString(),
		store:    store,
		table:    table,
		filter:   cq.FilterText,
		tenantID: cq.TenantID,
		cfg:      cfg.withDefaults(),
		logger:   logger,
		clock:    time.Now,
	}
	s.state.Store(StateConnecting)
	s.events = make(chan Event, s.cfg.BufferSize)
	return s
}

// Events is the outbound stream. It is closed when the session ends.
func (s *Session) Events() <-chan Event { return s.events }

// State returns the current lifecycle phase.
func (s *Session) State() State { return s.state.Load().(State) }

// Run polls until ctx is canceled or too many consecutive polls fail. It
// closes the event channel on return.
func (s *Session) Run(ctx context.Context) {
	defer close(s.events)

	if !s.send(ctx, Event{Type: EventHello, Data: map[string]interface{}{
		"session_id": s.ID,
		"state":      StateConnecting,
	}}) {
		s.state.Store(StateClosed)
		return
	}

	watermark := s.clock().Add(-s.cfg.Grace).UTC().Truncate(time.Millisecond)
	failures := 0

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.state.Store(StateClosed)
			return
		case <-ticker.C:
		}

		next := s.clock().Add(-s.cfg.Grace).UTC().Truncate(time.Millisecond)
		if !next.After(watermark) {
			continue
		}

		rows, err := s.poll(ctx, watermark, next)
		if err != nil {
			if ctx.Err() != nil {
				s.state.Store(StateClosed)
				return
			}
			failures++
			if !s.send(ctx, Event{Type: EventWarning, Data: map[string]interface{}{
				"message": fmt.Sprintf("poll failed (%d/%d): %v", failures, s.cfg.MaxFailures, err),
			}}) {
				s.state.Store(StateClosed)
				return
			}
			if failures >= s.cfg.MaxFailures {
				s.logger.Error("tail session giving up", "session_id", s.ID, "tenant_id", s.tenantID, "error", err)
				s.state.Store(StateErrored)
				return
			}
			// Back off before the next attempt; the watermark stays put so
			// no events are skipped.
			backoff := s.cfg.PollInterval << failures
			if backoff > 30*time.Second {
				backoff = 30 * time.Second
			}
			select {
			case <-ctx.Done():
				s.state.Store(StateClosed)
				return
			case <-time.After(backoff):
			}
			continue
		}
		failures = 0
		s.state.Store(StateStreaming)

		truncated := false
		if len(rows) > s.cfg.MaxRowsPerPoll {
			rows = rows[:s.cfg.MaxRowsPerPoll]
			truncated = true
		}
		for _, row := range rows {
			if !s.send(ctx, Event{Type: EventRow, Data: row}) {
				s.state.Store(StateClosed)
				return
			}
		}

		// On a full page the window may hold more rows than one poll may
		// carry; resume from the last delivered row instead of the window
		// end so nothing in between is skipped.
		watermark = next
		if truncated {
			if last, ok := rowTime(rows[len(rows)-1]); ok {
				watermark = last
			}
			if !s.send(ctx, Event{Type: EventWarning, Data: map[string]interface{}{
				"message": fmt.Sprintf("more than %d new events in one poll; resuming from the last delivered row", s.cfg.MaxRowsPerPoll),
			}}) {
				s.state.Store(StateClosed)
				return
			}
		}

		s.polls++
		if !s.send(ctx, Event{Type: EventWatermark, Data: map[string]interface{}{
			"watermark": watermark.Format(time.RFC3339Nano),
		}}) {
			s.state.Store(StateClosed)
			return
		}
		if s.polls%10 == 0 {
			if !s.send(ctx, Event{Type: EventStats, Data: map[string]interface{}{
				"emitted": s.emitted,
				"state":   s.State(),
			}}) {
				s.state.Store(StateClosed)
				return
			}
		}
	}
}

// poll fetches rows in (prev, next], oldest first.
func (s *Session) poll(ctx context.Context, prev, next time.Time) ([]map[string]interface{}, error) {
	window := fmt.Sprintf("`time` > %s AND `time` <= %s",
		compile.TimeLiteral(prev), compile.TimeLiteral(next))
	sql := fmt.Sprintf("SELECT * FROM %s WHERE %s ORDER BY `time` ASC, `ingest_seq` ASC LIMIT %d",
		compile.QuoteIdent(s.table), compile.And(s.filter, window), s.cfg.MaxRowsPerPoll+1)

	rs, err := s.store.Query(ctx, sql, eventstore.QueryOptions{
		Consistency:      eventstore.ConsistencyEventual,
		MaxExecutionTime: s.cfg.PollInterval * 2,
	})
	if err != nil {
		return nil, err
	}
	return rs.Data, nil
}

// send blocks until the client drains the buffer or the session ends. A
// slow consumer stalls its own poll cadence, never another session's. It
// reports false once ctx is done.
func (s *Session) send(ctx context.Context, ev Event) bool {
	select {
	case s.events <- ev:
		if ev.Type == EventRow {
			s.emitted++
		}
		return true
	case <-ctx.Done():
		return false
	}
}

// rowTime parses the store's DateTime64(3) rendering of the time column.
func rowTime(row map[string]interface{}) (time.Time, bool) {
	str, _ := row["time"].(string)
	t, err := time.Parse("2006-01-02 15:04:05.000", str)
	if err != nil {
		return time.Time{}, false
	}
	return t.UTC(), true
}
