package frontend

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"

	"github.com/openfabric/opserver/modules/querybroker"
	"github.com/openfabric/opserver/pkg/catalog"
	"github.com/openfabric/opserver/pkg/shard"
)

// queryHandler submits a query to the engine. With Postman-Expect:
// 202-accepted the client polls the returned href; otherwise the handler
// polls the status itself and streams the result once terminal.
func (f *Frontend) queryHandler(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var q struct {
		Table string `json:"table"`
	}
	if err := json.Unmarshal(body, &q); err != nil {
		http.Error(w, "invalid query body", http.StatusBadRequest)
		return
	}
	if err := f.broker.ValidateTable(q.Table); err != nil {
		http.Error(w, err.Error(), http.StatusGone)
		return
	}

	if q.Table == catalog.OverlayToUnderlayFlowMap {
		translated, err := overlayToUnderlayQuery(body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		body = translated
	}

	qid, progress, err := f.broker.Submit(r.Context(), body)
	switch {
	case errors.Is(err, querybroker.ErrEngineUnavailable):
		http.Error(w, "query engine is not responding", http.StatusServiceUnavailable)
		return
	case errors.Is(err, shard.ErrNetworkUnavailable):
		http.Error(w, "failure in connection to the query store", http.StatusInternalServerError)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if progress < 0 {
		http.Error(w, "query failed", querybroker.HTTPStatusForProgress(progress))
		return
	}

	// net/http answers any Expect value other than 100-continue with 417
	// before the handler runs, so the async request rides an unreserved
	// header.
	if r.Header.Get("Postman-Expect") == "202-accepted" {
		writeJSON(w, http.StatusAccepted, map[string]string{"href": "/analytics/query/" + qid})
		return
	}
	f.syncQuery(w, r, qid)
}

// syncQuery polls the query status until terminal, then streams the result.
func (f *Frontend) syncQuery(w http.ResponseWriter, r *http.Request, qid string) {
	last := 0
	for {
		select {
		case <-r.Context().Done():
			return
		case <-time.After(f.cfg.SyncPollInterval):
		}

		_, progress, err := f.broker.Status(r.Context(), qid)
		if err != nil {
			f.queryError(w, err)
			return
		}
		if progress == last {
			continue
		}
		level.Info(f.logger).Log("msg", "query progress", "qid", qid, "progress", progress)
		last = progress

		if progress < 0 {
			http.Error(w, "query failed", querybroker.HTTPStatusForProgress(progress))
			return
		}
		if progress == 100 {
			break
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := f.broker.Chunk(r.Context(), qid, 0, w); err != nil {
		// Headers are gone; report in-band and cut the stream.
		level.Error(f.logger).Log("msg", "query result stream failed", "qid", qid, "err", err)
	}
}

func (f *Frontend) queryStatusHandler(w http.ResponseWriter, r *http.Request) {
	qid := mux.Vars(r)["qid"]
	status, _, err := f.broker.Status(r.Context(), qid)
	if err != nil {
		f.queryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (f *Frontend) queryChunkHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	qid := vars["qid"]
	chunkID, err := strconv.Atoi(vars["chunk"])
	if err != nil {
		http.Error(w, "invalid chunk id", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := f.broker.Chunk(r.Context(), qid, chunkID, w); err != nil {
		level.Error(f.logger).Log("msg", "query chunk stream failed", "qid", qid, "chunk", chunkID, "err", err)
	}
}

func (f *Frontend) queriesHandler(w http.ResponseWriter, r *http.Request) {
	queries, err := f.broker.ListQueries(r.Context(), f.cfg.EngineHost)
	if err != nil {
		f.queryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, queries)
}

// queryError maps broker failures onto the client-visible statuses: an
// unroutable qid is 404, a reaped or unknown qid is 410, anything touching
// the store is 500.
func (f *Frontend) queryError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, querybroker.ErrInvalidQID):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, querybroker.ErrNotFound):
		http.Error(w, err.Error(), http.StatusGone)
	case errors.Is(err, shard.ErrNetworkUnavailable):
		http.Error(w, "failure in connection to the query store", http.StatusInternalServerError)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
