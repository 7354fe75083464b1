package frontend

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/openfabric/opserver/modules/purge"
	"github.com/openfabric/opserver/pkg/columnstore"
)

func TestTables(t *testing.T) {
	e := newTestEnv(t)

	code, body := e.get(t, "/analytics/tables")
	require.Equal(t, http.StatusOK, code)

	var entries []map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(body), &entries))
	byName := map[string]map[string]interface{}{}
	for _, entry := range entries {
		byName[entry["name"].(string)] = entry
	}

	require.Contains(t, byName, "MessageTable")
	require.Equal(t, "LOG", byName["MessageTable"]["type"])
	require.Equal(t, "Message Table", byName["MessageTable"]["display_name"])
	require.Contains(t, byName, "ObjectVNTable")
	require.Contains(t, byName, "StatTable.AnalyticsCpuState.cpu_info")
}

func TestTableLinks(t *testing.T) {
	e := newTestEnv(t)

	code, body := e.get(t, "/analytics/tables/MessageTable")
	require.Equal(t, http.StatusOK, code)
	var links []link
	require.NoError(t, json.Unmarshal([]byte(body), &links))
	require.Len(t, links, 2)
	require.Equal(t, "schema", links[0].Name)
	require.Equal(t, "column-values", links[1].Name)

	// a table without column values only links its schema
	code, body = e.get(t, "/analytics/tables/FlowRecordTable")
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal([]byte(body), &links))
	require.Len(t, links, 1)
	require.Equal(t, "schema", links[0].Name)
}

func TestTableSchema(t *testing.T) {
	e := newTestEnv(t)

	code, body := e.get(t, "/analytics/tables/MessageTable/schema")
	require.Equal(t, http.StatusOK, code)
	var schema struct {
		Type    string `json:"type"`
		Columns []struct {
			Name string `json:"name"`
		} `json:"columns"`
	}
	require.NoError(t, json.Unmarshal([]byte(body), &schema))
	require.Equal(t, "LOG", schema.Type)
	require.NotEmpty(t, schema.Columns)

	code, body = e.get(t, "/analytics/tables/NoSuchTable/schema")
	require.Equal(t, http.StatusOK, code)
	require.JSONEq(t, `{}`, body)
}

func TestColumnValues(t *testing.T) {
	e := newTestEnv(t)

	code, body := e.get(t, "/analytics/tables/MessageTable/column-values")
	require.Equal(t, http.StatusOK, code)
	var links []link
	require.NoError(t, json.Unmarshal([]byte(body), &links))
	names := []string{}
	for _, l := range links {
		names = append(names, l.Name)
	}
	require.Contains(t, names, "Source")
	require.Contains(t, names, "Level")

	code, body = e.get(t, "/analytics/tables/MessageTable/column-values/Level")
	require.Equal(t, http.StatusOK, code)
	var levels []map[string]string
	require.NoError(t, json.Unmarshal([]byte(body), &levels))
	require.Len(t, levels, 8)
}

func TestPurgeEndpoint(t *testing.T) {
	e := newTestEnv(t)

	code, body := e.post(t, "/analytics/operation/database-purge", "application/json",
		`{"purge_input": 50}`, nil)
	require.Equal(t, http.StatusOK, code)
	var started map[string]string
	require.NoError(t, json.Unmarshal([]byte(body), &started))
	require.Equal(t, "started", started["status"])
	require.NotEmpty(t, started["purge_id"])
}

func TestPurgeEndpointErrors(t *testing.T) {
	e := newTestEnv(t)

	// wrong content type
	code, body := e.post(t, "/analytics/operation/database-purge", "text/plain",
		`{"purge_input": 50}`, nil)
	require.Equal(t, http.StatusBadRequest, code)
	require.Contains(t, body, "Content-Type is not JSON")

	// purge_input missing
	code, body = e.post(t, "/analytics/operation/database-purge", "application/json", `{}`, nil)
	require.Equal(t, http.StatusBadRequest, code)
	require.Contains(t, body, "purge_input not specified")

	// out-of-range percentage
	code, _ = e.post(t, "/analytics/operation/database-purge", "application/json",
		`{"purge_input": 500}`, nil)
	require.Equal(t, http.StatusBadRequest, code)

	// unsupported input type
	code, _ = e.post(t, "/analytics/operation/database-purge", "application/json",
		`{"purge_input": [1]}`, nil)
	require.Equal(t, http.StatusBadRequest, code)
}

func TestPurgeEndpointConflict(t *testing.T) {
	e := newTestEnv(t)

	e.mrQuery.Set(purge.StatusKey, `{"status": "running", "purge_id": "p1"}`)
	code, body := e.post(t, "/analytics/operation/database-purge", "application/json",
		`{"purge_input": 50}`, nil)
	require.Equal(t, http.StatusOK, code)
	var st map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(body), &st))
	require.Equal(t, "running", st["status"])
	require.Equal(t, "p1", st["purge_id"])

	// a stale lock from a failed purge refuses new requests
	e.mrQuery.Set(purge.StatusKey, `{"status": "failed", "purge_id": "p0"}`)
	code, _ = e.post(t, "/analytics/operation/database-purge", "application/json",
		`{"purge_input": 50}`, nil)
	require.Equal(t, http.StatusServiceUnavailable, code)
}

func TestStartTime(t *testing.T) {
	e := newTestEnv(t)
	e.store.startTimes = columnstore.StartTimes{Other: 1, Flow: 2, Stat: 3, Msg: 4}

	code, body := e.get(t, "/analytics/operation/analytics-data-start-time")
	require.Equal(t, http.StatusOK, code)
	require.JSONEq(t, `{
		"analytics_data_start_time": 1,
		"flow_data_start_time": 2,
		"stat_data_start_time": 3,
		"msg_data_start_time": 4
	}`, body)
}

func TestTraceBuffer(t *testing.T) {
	e := newTestEnv(t)

	code, body := e.get(t, "/analytics/send-tracebuffer/node-a/contrail-collector/0/UveTrace")
	require.Equal(t, http.StatusOK, code)
	require.JSONEq(t, `{"status": "pass"}`, body)
}

func TestTraceBufferNoStore(t *testing.T) {
	e := newTestEnv(t)
	e.mrUVE.Close()

	code, body := e.get(t, "/analytics/send-tracebuffer/node-a/contrail-collector/0/UveTrace")
	require.Equal(t, http.StatusOK, code)
	require.JSONEq(t, `{"status": "fail", "error": "no connection to the kv store"}`, body)
}
