package eventstore

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/darkermemo/huntql/common/apperr"
	"github.com/darkermemo/huntql/common/logging"
)

func testLogger() *logging.Logger {
	return logging.New("error", "json")
}

func TestClickHouseQuery(t *testing.T) {
	var gotQuery string
	var gotParams map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotQuery = string(body)
		gotParams = map[string]string{}
		for k := range r.URL.Query() {
			gotParams[k] = r.URL.Query().Get(k)
		}
		w.Write([]byte(`{
			"meta": [{"name": "user", "type": "String"}, {"name": "value", "type": "UInt64"}],
			"data": [{"user": "alice", "value": 7}],
			"rows": 1,
			"rows_before_limit_at_least": 42,
			"statistics": {"elapsed": 0.004, "rows_read": 1000, "bytes_read": 65536}
		}`))
	}))
	defer srv.Close()

	ch := NewClickHouse(ClickHouseConfig{URL: srv.URL, Database: "huntql"}, testLogger())
	rs, err := ch.Query(context.Background(), "SELECT 1", QueryOptions{
		Consistency:      ConsistencyStrong,
		MaxExecutionTime: 30 * time.Second,
	})
	require.NoError(t, err)

	assert.Equal(t, "SELECT 1 FORMAT JSON", gotQuery)
	assert.Equal(t, "huntql", gotParams["database"])
	assert.Equal(t, "30", gotParams["max_execution_time"])
	assert.Equal(t, "1", gotParams["select_sequential_consistency"])

	assert.Equal(t, 1, rs.Rows)
	assert.Equal(t, 42, rs.RowsBeforeLimitAtLeast)
	require.Len(t, rs.Meta, 2)
	assert.Equal(t, Column{Name: "user", Type: "String"}, rs.Meta[0])
	require.Len(t, rs.Data, 1)
	assert.Equal(t, "alice", rs.Data[0]["user"])
	assert.EqualValues(t, 1000, rs.Statistics.RowsRead)
}

func TestClickHouseEventualConsistencyOmitsSetting(t *testing.T) {
	var params map[string][]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		params = r.URL.Query()
		w.Write([]byte(`{"meta":[],"data":[],"rows":0,"rows_before_limit_at_least":0,"statistics":{}}`))
	}))
	defer srv.Close()

	ch := NewClickHouse(ClickHouseConfig{URL: srv.URL}, testLogger())
	_, err := ch.Query(context.Background(), "SELECT 1", QueryOptions{Consistency: ConsistencyEventual})
	require.NoError(t, err)
	assert.NotContains(t, params, "select_sequential_consistency")
}

func TestClickHouseTimeoutClassification(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-ClickHouse-Exception-Code", "159")
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("Code: 159. DB::Exception: Timeout exceeded"))
	}))
	defer srv.Close()

	ch := NewClickHouse(ClickHouseConfig{URL: srv.URL}, testLogger())
	_, err := ch.Query(context.Background(), "SELECT 1", QueryOptions{})
	require.Error(t, err)
	assert.Equal(t, apperr.CodeExecutionTimeout, apperr.CodeOf(err))
}

func TestClickHouseServerErrorClassification(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-ClickHouse-Exception-Code", "60")
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte("Code: 60. DB::Exception: Table huntql.events does not exist"))
	}))
	defer srv.Close()

	ch := NewClickHouse(ClickHouseConfig{URL: srv.URL}, testLogger())
	_, err := ch.Query(context.Background(), "SELECT 1", QueryOptions{})
	require.Error(t, err)
	assert.Equal(t, apperr.CodeExecutionFailure, apperr.CodeOf(err))
	assert.Contains(t, err.Error(), "does not exist")
}

func TestClickHouseDeadline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}))
	defer srv.Close()

	ch := NewClickHouse(ClickHouseConfig{URL: srv.URL}, testLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := ch.Query(ctx, "SELECT 1", QueryOptions{})
	require.Error(t, err)
	assert.Equal(t, apperr.CodeExecutionTimeout, apperr.CodeOf(err))
}

func TestClickHousePing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ping" {
			w.Write([]byte("Ok.\n"))
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	ch := NewClickHouse(ClickHouseConfig{URL: srv.URL}, testLogger())
	assert.NoError(t, ch.Ping(context.Background()))
}

func TestConsistencyValid(t *testing.T) {
	assert.True(t, Consistency("").Valid())
	assert.True(t, ConsistencyStrong.Valid())
	assert.True(t, ConsistencyEventual.Valid())
	assert.False(t, Consistency("linearizable").Valid())
}
