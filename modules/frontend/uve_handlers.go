package frontend

import (
	"io"
	"net/http"
	"strings"

	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"

	"github.com/openfabric/opserver/pkg/alarm"
	"github.com/openfabric/opserver/pkg/catalog"
	"github.com/openfabric/opserver/pkg/uvecache"
)

// uveTypesHandler lists the known UVE types as links. Alarm links carry an
// extra pointer to the type registry.
func (f *Frontend) uveTypesHandler(kind string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		base := baseURL(r) + "/analytics/" + kind + "/"
		entries := []map[string]interface{}{}
		for _, restType := range catalog.UVETypeNames() {
			entry := map[string]interface{}{
				"name": restType + "s",
				"href": base + restType + "s",
			}
			if kind == "alarms" {
				entry["type"] = base + restType + "s/types"
			}
			entries = append(entries, entry)
		}
		writeJSON(w, http.StatusOK, entries)
	}
}

// uveListHandler lists the UVEs of one type as links, honoring the optional
// filters. kfilt restricts the listing but is not propagated into hrefs.
func (f *Frontend) uveListHandler(kind string, alarmsOnly bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		table, ok := uveTable(mux.Vars(r)["type"])
		if !ok {
			writeJSON(w, http.StatusOK, map[string]interface{}{})
			return
		}
		filters, err := uvecache.ParseQueryFilters(r.URL.Query())
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		hrefQuery := "flat"
		if kept := keptFilterParams(r); kept != "" {
			hrefQuery = kept
		}
		base := baseURL(r) + "/analytics/" + kind + "/" + mux.Vars(r)["type"] + "/"

		links := []link{}
		for _, name := range f.cache.GetUVEList(table, filters, alarmsOnly) {
			links = append(links, link{Name: name, Href: base + name + "?" + hrefQuery})
		}
		writeJSON(w, http.StatusOK, links)
	}
}

// keptFilterParams reassembles the query string without kfilt, for embedding
// in per-UVE hrefs.
func keptFilterParams(r *http.Request) string {
	kept := []string{}
	for _, part := range strings.Split(r.URL.RawQuery, "&") {
		if part == "" || strings.HasPrefix(part, "kfilt") {
			continue
		}
		kept = append(kept, part)
	}
	return strings.Join(kept, "&")
}

// uveGetHandler returns one UVE, or a streamed {"value": [...]} set when the
// name carries a wildcard.
func (f *Frontend) uveGetHandler(alarmsOnly bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		table, ok := uveTable(vars["type"])
		if !ok {
			table = vars["type"]
		}
		name := vars["name"]

		filters, err := uvecache.ParseQueryFilters(r.URL.Query())
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if strings.Contains(name, "*") {
			if filters.KFilt == nil {
				filters.KFilt = []string{name}
			}
			f.streamUVEs(w, r, table, filters, alarmsOnly)
			return
		}

		value, ok := f.cache.GetUVE(table, name, filters, alarmsOnly)
		if !ok {
			value = map[string]interface{}{}
		}
		raw, err := json.Marshal(value)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		_, _ = w.Write(raw)
	}
}

// uvePostHandler is the batch fetch: a JSON filter body selects the UVEs and
// the response streams every match.
func (f *Frontend) uvePostHandler(alarmsOnly bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		table, ok := uveTable(mux.Vars(r)["type"])
		if !ok {
			http.Error(w, "Invalid table name", http.StatusNotFound)
			return
		}
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		filters, err := uvecache.ParseBodyFilters(body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		for _, key := range filters.KFilt {
			if strings.Contains(key, "*") {
				f.streamUVEs(w, r, table, filters, alarmsOnly)
				return
			}
		}

		// Explicit key list: point lookups in the requested order.
		_, _ = w.Write([]byte(`{"value": [`))
		first := true
		for _, key := range filters.KFilt {
			value, ok := f.cache.GetUVE(table, key, filters, alarmsOnly)
			if !ok {
				continue
			}
			raw, err := json.Marshal(map[string]interface{}{"name": key, "value": value})
			if err != nil {
				continue
			}
			if !first {
				_, _ = w.Write([]byte(", "))
			}
			first = false
			_, _ = w.Write(raw)
		}
		_, _ = w.Write([]byte("]}"))
	}
}

// streamUVEs writes a {"value": [...]} document from a lazy wildcard scan.
func (f *Frontend) streamUVEs(w http.ResponseWriter, r *http.Request, table string, filters uvecache.Filters, alarmsOnly bool) {
	flusher, _ := w.(http.Flusher)

	_, _ = w.Write([]byte(`{"value": [`))
	first := true
	for entry := range f.cache.MultiUVEGet(r.Context(), table, filters, alarmsOnly) {
		raw, err := json.Marshal(map[string]interface{}{"name": entry.Name, "value": entry.Value})
		if err != nil {
			continue
		}
		if !first {
			_, _ = w.Write([]byte(", "))
		}
		first = false
		_, _ = w.Write(raw)
		if flusher != nil {
			flusher.Flush()
		}
	}
	_, _ = w.Write([]byte("]}"))
}

func (f *Frontend) alarmTypesHandler(w http.ResponseWriter, r *http.Request) {
	restType := strings.TrimSuffix(mux.Vars(r)["type"], "s")
	types, ok := f.catalog.AlarmTypes(restType)
	if !ok {
		writeJSON(w, http.StatusOK, map[string]string{})
		return
	}
	writeJSON(w, http.StatusOK, types)
}

func (f *Frontend) alarmAckHandler(w http.ResponseWriter, r *http.Request) {
	if !strings.Contains(r.Header.Get("Content-Type"), "application/json") {
		http.Error(w, "Content-Type must be JSON", http.StatusBadRequest)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var req alarm.AckRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "undecodable acknowledge request", http.StatusBadRequest)
		return
	}

	err = f.forwarder.Forward(r.Context(), req)
	var (
		producerErr *alarm.ProducerError
		invalidErr  *alarm.InvalidRequestError
	)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusOK)
	case errors.As(err, &invalidErr):
		http.Error(w, invalidErr.Reason, http.StatusNotFound)
	case errors.As(err, &producerErr):
		http.Error(w, producerErr.Message, http.StatusInternalServerError)
	default:
		level.Error(f.logger).Log("msg", "alarm acknowledge forward failed", "err", err)
		http.Error(w, "failed to process the alarm acknowledge request", http.StatusServiceUnavailable)
	}
}
