package frontend

import (
	"io"
	"net/http"
	"strings"

	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"

	"github.com/openfabric/opserver/modules/purge"
)

func (f *Frontend) tablesHandler(w http.ResponseWriter, r *http.Request) {
	base := baseURL(r) + "/analytics/tables/"
	entries := []map[string]interface{}{}
	for _, t := range f.catalog.Tables() {
		entry := map[string]interface{}{
			"name": t.Name,
			"href": base + t.Name,
			"type": t.Schema.Type,
		}
		if t.DisplayName != "" {
			entry["display_name"] = t.DisplayName
		}
		entries = append(entries, entry)
	}
	writeJSON(w, http.StatusOK, entries)
}

func (f *Frontend) tableHandler(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["table"]
	base := baseURL(r) + "/analytics/tables/" + name + "/"

	links := []link{}
	if t, ok := f.catalog.Get(name); ok {
		links = append(links, link{Name: "schema", Href: base + "schema"})
		if len(t.ColumnValues) > 0 {
			links = append(links, link{Name: "column-values", Href: base + "column-values"})
		}
	}
	writeJSON(w, http.StatusOK, links)
}

func (f *Frontend) tableSchemaHandler(w http.ResponseWriter, r *http.Request) {
	t, ok := f.catalog.Get(mux.Vars(r)["table"])
	if !ok {
		writeJSON(w, http.StatusOK, map[string]interface{}{})
		return
	}
	writeJSON(w, http.StatusOK, t.Schema)
}

func (f *Frontend) columnValuesHandler(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["table"]
	base := baseURL(r) + "/analytics/tables/" + name + "/column-values/"

	links := []link{}
	if t, ok := f.catalog.Get(name); ok {
		for _, col := range t.ColumnValues {
			links = append(links, link{Name: col, Href: base + col})
		}
	}
	writeJSON(w, http.StatusOK, links)
}

func (f *Frontend) columnHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	writeJSON(w, http.StatusOK, f.catalog.ColumnValues(r.Context(), vars["table"], vars["column"]))
}

func (f *Frontend) purgeHandler(w http.ResponseWriter, r *http.Request) {
	if !strings.Contains(r.Header.Get("Content-Type"), "application/json") {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"status": "failed", "reason": "Content-Type is not JSON",
		})
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"status": "failed", "reason": err.Error(),
		})
		return
	}
	var req map[string]interface{}
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"status": "failed", "reason": "undecodable request body",
		})
		return
	}
	input, ok := req["purge_input"]
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"status": "failed", "reason": "purge_input not specified",
		})
		return
	}

	status, started, err := f.purge.StartPurge(r.Context(), input)
	var (
		inputErr *purge.InputError
		busyErr  *purge.BusyError
	)
	switch {
	case err == nil && started:
		writeJSON(w, http.StatusOK, map[string]string{
			"status": "started", "purge_id": status.PurgeID,
		})
	case err == nil:
		// Already running; report the in-flight purge.
		writeJSON(w, http.StatusOK, status)
	case errors.As(err, &inputErr):
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"status": "failed", "reason": inputErr.Reason,
		})
	case errors.Is(err, purge.ErrBeforeStart):
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"status": "failed", "reason": err.Error(),
		})
	case errors.As(err, &busyErr):
		if busyErr.Existing != nil {
			writeJSON(w, http.StatusServiceUnavailable, busyErr.Existing)
			return
		}
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "failed", "reason": busyErr.Error(),
		})
	default:
		level.Error(f.logger).Log("msg", "purge request failed", "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"status": "failed", "reason": err.Error(),
		})
	}
}

func (f *Frontend) startTimeHandler(w http.ResponseWriter, r *http.Request) {
	st, err := f.store.StartTimes(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"analytics_data_start_time": st.Other,
		"flow_data_start_time":      st.Flow,
		"stat_data_start_time":      st.Stat,
		"msg_data_start_time":       st.Msg,
	})
}

// traceBufferHandler publishes a trace-buffer send request on the kv
// pub/sub bus for the addressed producer to pick up.
func (f *Frontend) traceBufferHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	msg, err := json.Marshal(map[string]string{
		"type":         "send-tracebuffer",
		"destination":  vars["source"] + ":" + vars["module"] + ":" + vars["instance"],
		"trace_buffer": vars["name"],
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := f.local.Publish(r.Context(), "analytics-cmd", string(msg)); err != nil {
		writeJSON(w, http.StatusOK, map[string]string{
			"status": "fail", "error": "no connection to the kv store",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "pass"})
}
