package eventstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/darkermemo/huntql/common/apperr"
	"github.com/darkermemo/huntql/common/logging"
)

// ClickHouse server error codes worth distinguishing.
const (
	chCodeTimeout        = 159 // TIMEOUT_EXCEEDED
	chCodeTooManyQueries = 202 // TOO_MANY_SIMULTANEOUS_QUERIES
)

// ClickHouseConfig configures the HTTP client.
type ClickHouseConfig struct {
	URL      string
	Database string
	Username string
	Password string
	// Timeout bounds the whole HTTP exchange when the query carries no
	// tighter deadline.
	Timeout time.Duration
}

// ClickHouse implements Executor over the ClickHouse HTTP interface.
type ClickHouse struct {
	baseURL  string
	database string
	username string
	password string
	client   *http.Client
	logger   *logging.Logger
}

// NewClickHouse creates a client. The URL is the server root, e.g.
// http://clickhouse:8123.
func NewClickHouse(cfg ClickHouseConfig, logger *logging.Logger) *ClickHouse {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &ClickHouse{
		baseURL:  strings.TrimRight(cfg.URL, "/"),
		database: cfg.Database,
		username: cfg.Username,
		password: cfg.Password,
		client:   &http.Client{Timeout: timeout},
		logger:   logger,
	}
}

// Query executes one statement in FORMAT JSON and parses the result.
func (c *ClickHouse) Query(ctx context.Context, sql string, opts QueryOptions) (*ResultSet, error) {
	params := url.Values{}
	if c.database != "" {
		params.Set("database", c.database)
	}
	params.Set("output_format_json_quote_64bit_integers", "0")
	if opts.MaxExecutionTime > 0 {
		secs := int(opts.MaxExecutionTime / time.Second)
		if secs < 1 {
			secs = 1
		}
		params.Set("max_execution_time", strconv.Itoa(secs))
	}
	if opts.Consistency == ConsistencyStrong {
		params.Set("select_sequential_consistency", "1")
	}

	body := strings.NewReader(sql + " FORMAT JSON")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/?"+params.Encode(), body)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	if c.username != "" {
		req.Header.Set("X-ClickHouse-User", c.username)
		req.Header.Set("X-ClickHouse-Key", c.password)
	}
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, apperr.Timeout("query exceeded its deadline after %s", time.Since(start).Round(time.Millisecond))
		}
		return nil, apperr.ExecutionFailure(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.classifyError(resp)
	}

	var rs ResultSet
	if err := json.NewDecoder(resp.Body).Decode(&rs); err != nil {
		return nil, apperr.ExecutionFailure(fmt.Errorf("decode result: %w", err))
	}

	c.logger.DebugContext(ctx, "event store query complete",
		"rows", rs.Rows,
		"rows_read", rs.Statistics.RowsRead,
		"elapsed_ms", time.Since(start).Milliseconds())
	return &rs, nil
}

// Ping checks server liveness.
func (c *ClickHouse) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/ping", nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("event store ping: status %d", resp.StatusCode)
	}
	return nil
}

// classifyError maps a non-200 response to the error taxonomy. The server
// reports its error code in a header and a text body.
func (c *ClickHouse) classifyError(resp *http.Response) error {
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	code, _ := strconv.Atoi(resp.Header.Get("X-ClickHouse-Exception-Code"))

	switch code {
	case chCodeTimeout:
		return apperr.Timeout("query exceeded max_execution_time")
	case chCodeTooManyQueries:
		return apperr.ExecutionFailure(fmt.Errorf("server overloaded: %s", strings.TrimSpace(string(msg))))
	default:
		return apperr.ExecutionFailure(fmt.Errorf("status %d code %d: %s", resp.StatusCode, code, strings.TrimSpace(string(msg))))
	}
}
