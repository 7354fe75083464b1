// Package frontend is the REST surface: UVE and alarm reads, query
// submission and result streaming, the catalog, purge operations and the
// live UVE event stream.
package frontend

import (
	"flag"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"

	"github.com/openfabric/opserver/modules/purge"
	"github.com/openfabric/opserver/modules/querybroker"
	"github.com/openfabric/opserver/modules/uvestream"
	"github.com/openfabric/opserver/pkg/alarm"
	"github.com/openfabric/opserver/pkg/catalog"
	"github.com/openfabric/opserver/pkg/columnstore"
	"github.com/openfabric/opserver/pkg/shard"
	"github.com/openfabric/opserver/pkg/uvecache"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type Config struct {
	// SyncPollInterval paces the status polls of a synchronous query.
	SyncPollInterval time.Duration `yaml:"sync_poll_interval"`
	// SSEQueueDepth bounds the per-request event queue of the live stream.
	SSEQueueDepth int `yaml:"sse_queue_depth"`
	// EngineHost names the ENGINE:<host> in-flight list, default hostname.
	EngineHost string `yaml:"engine_host"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.DurationVar(&cfg.SyncPollInterval, prefix+".sync-poll-interval", time.Second, "Pause between status polls of a synchronous query.")
	f.IntVar(&cfg.SSEQueueDepth, prefix+".sse-queue-depth", 128, "Buffered events per live-stream client.")
	f.StringVar(&cfg.EngineHost, prefix+".engine-host", "", "Host name of the co-located query engine. Defaults to the local hostname.")
}

// StreamerFactory builds a per-request streamer feeding the given sink. The
// SSE handler owns the returned streamer's lifecycle.
type StreamerFactory func(sink uvestream.Sink) *uvestream.Streamer

type Frontend struct {
	cfg    Config
	logger log.Logger

	cache       *uvecache.Cache
	catalog     *catalog.Catalog
	broker      *querybroker.Broker
	purge       *purge.Coordinator
	forwarder   *alarm.Forwarder
	store       columnstore.Store
	local       *shard.Client
	newStreamer StreamerFactory
}

func New(cfg Config, cache *uvecache.Cache, cat *catalog.Catalog, broker *querybroker.Broker,
	purger *purge.Coordinator, forwarder *alarm.Forwarder, store columnstore.Store,
	local *shard.Client, newStreamer StreamerFactory, logger log.Logger) *Frontend {

	if cfg.SyncPollInterval == 0 {
		cfg.SyncPollInterval = time.Second
	}
	if cfg.SSEQueueDepth == 0 {
		cfg.SSEQueueDepth = 128
	}
	if cfg.EngineHost == "" {
		cfg.EngineHost, _ = os.Hostname()
	}
	return &Frontend{
		cfg:         cfg,
		logger:      logger,
		cache:       cache,
		catalog:     cat,
		broker:      broker,
		purge:       purger,
		forwarder:   forwarder,
		store:       store,
		local:       local,
		newStreamer: newStreamer,
	}
}

// Handler builds the route table.
func (f *Frontend) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/", f.homeHandler).Methods(http.MethodGet)
	r.HandleFunc("/analytics", f.analyticsHandler).Methods(http.MethodGet)

	r.HandleFunc("/analytics/alarms/acknowledge", f.alarmAckHandler).Methods(http.MethodPost)
	r.HandleFunc("/analytics/alarms/{type}/types", f.alarmTypesHandler).Methods(http.MethodGet)
	for _, kind := range []string{"uves", "alarms"} {
		alarmsOnly := kind == "alarms"
		r.HandleFunc("/analytics/"+kind, f.uveTypesHandler(kind)).Methods(http.MethodGet)
		r.HandleFunc("/analytics/"+kind+"/{type}", f.uveListHandler(kind, alarmsOnly)).Methods(http.MethodGet)
		r.HandleFunc("/analytics/"+kind+"/{type}", f.uvePostHandler(alarmsOnly)).Methods(http.MethodPost)
		r.HandleFunc("/analytics/"+kind+"/{type}/{name:.+}", f.uveGetHandler(alarmsOnly)).Methods(http.MethodGet)
	}

	r.HandleFunc("/analytics/query", f.queryHandler).Methods(http.MethodPost)
	r.HandleFunc("/analytics/query/{qid}", f.queryStatusHandler).Methods(http.MethodGet)
	r.HandleFunc("/analytics/query/{qid}/chunk-final/{chunk}", f.queryChunkHandler).Methods(http.MethodGet)
	r.HandleFunc("/analytics/queries", f.queriesHandler).Methods(http.MethodGet)

	r.HandleFunc("/analytics/tables", f.tablesHandler).Methods(http.MethodGet)
	r.HandleFunc("/analytics/tables/{table}", f.tableHandler).Methods(http.MethodGet)
	r.HandleFunc("/analytics/tables/{table}/schema", f.tableSchemaHandler).Methods(http.MethodGet)
	r.HandleFunc("/analytics/tables/{table}/column-values", f.columnValuesHandler).Methods(http.MethodGet)
	r.HandleFunc("/analytics/tables/{table}/column-values/{column}", f.columnHandler).Methods(http.MethodGet)

	r.HandleFunc("/analytics/operation/database-purge", f.purgeHandler).Methods(http.MethodPost)
	r.HandleFunc("/analytics/operation/analytics-data-start-time", f.startTimeHandler).Methods(http.MethodGet)
	r.HandleFunc("/analytics/send-tracebuffer/{source}/{module}/{instance}/{name}", f.traceBufferHandler).Methods(http.MethodGet)
	r.HandleFunc("/analytics/uve-stream", f.uveStreamHandler).Methods(http.MethodGet)

	return r
}

type link struct {
	Name string `json:"name"`
	Href string `json:"href"`
}

func baseURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}

func writeJSON(w http.ResponseWriter, code int, body interface{}) {
	raw, err := json.Marshal(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(raw)
}

func (f *Frontend) homeHandler(w http.ResponseWriter, r *http.Request) {
	base := baseURL(r)
	links := []map[string]link{
		{"link": {Name: "analytics", Href: base + "/analytics"}},
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"href":  base,
		"links": links,
	})
}

func (f *Frontend) analyticsHandler(w http.ResponseWriter, r *http.Request) {
	base := baseURL(r) + "/analytics/"
	links := []link{}
	for _, name := range []string{"uves", "alarms", "tables", "queries"} {
		links = append(links, link{Name: name, Href: base + name})
	}
	writeJSON(w, http.StatusOK, links)
}

// uveTable resolves a plural REST type name onto its backing table.
func uveTable(restType string) (string, bool) {
	singular := strings.TrimSuffix(restType, "s")
	table, ok := catalog.UVETables[singular]
	return table, ok
}
