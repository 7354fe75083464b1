// Package querybroker accepts structured analytics queries, hands them to
// the external query engine over the work-queue protocol on the query
// store, and serves status and chunked results back to clients.
package querybroker

import (
	"context"
	"fmt"
	"io"
	"net"
	"sort"
	"strconv"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/openfabric/opserver/pkg/shard"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	queryQueue  = "QUERYQ"
	queryPrefix = "QUERY:"
	replyPrefix = "REPLY:"
)

func resultKey(qid string, n int) string {
	return fmt.Sprintf("RESULT:%s:%d", qid, n)
}

// StatTablePrefix marks dynamic statistics tables: unknown names carrying
// it are accepted without schema knowledge.
const StatTablePrefix = "StatTable."

// TableChecker is the catalog view the broker needs for validation.
type TableChecker interface {
	Has(name string) bool
}

type Config struct {
	// HostIP identifies this broker; it is baked into every qid.
	HostIP string `yaml:"host_ip"`
	// QueryStorePort is the redis port of the query store on every host.
	QueryStorePort int           `yaml:"query_store_port"`
	AckTimeout     time.Duration `yaml:"ack_timeout"`
}

func (cfg *Config) ApplyDefaults() {
	if cfg.AckTimeout == 0 {
		cfg.AckTimeout = 10 * time.Second
	}
}

// Broker submits queries to the local query store and follows qids back to
// their originating store for status and chunk fetches.
type Broker struct {
	cfg    Config
	local  *shard.Client
	stores *shard.Pool
	tables TableChecker
	logger log.Logger

	hostIP net.IP

	submitted prometheus.Counter
	failed    prometheus.Counter
}

func New(cfg Config, local *shard.Client, stores *shard.Pool, tables TableChecker, logger log.Logger, reg prometheus.Registerer) (*Broker, error) {
	cfg.ApplyDefaults()
	ip := net.ParseIP(cfg.HostIP)
	if ip == nil || ip.To4() == nil {
		return nil, errors.Errorf("host_ip must be an IPv4 address, got %q", cfg.HostIP)
	}
	return &Broker{
		cfg:    cfg,
		local:  local,
		stores: stores,
		tables: tables,
		logger: logger,
		hostIP: ip,
		submitted: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "opserver",
			Name:      "queries_submitted_total",
			Help:      "Queries accepted and enqueued to the engine.",
		}),
		failed: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "opserver",
			Name:      "queries_failed_total",
			Help:      "Query submissions that failed before the engine acknowledged.",
		}),
	}, nil
}

// storeFor routes a qid to the query store of its originating broker.
func (b *Broker) storeFor(qid string) (*shard.Client, error) {
	ip, err := IPFromQID(qid)
	if err != nil {
		return nil, ErrInvalidQID
	}
	return b.stores.For(ip.String() + ":" + strconv.Itoa(b.cfg.QueryStorePort)), nil
}

// ValidateTable checks a query's table name against the catalog. Unknown
// names under the statistics prefix are accepted without schema knowledge.
func (b *Broker) ValidateTable(table string) error {
	if b.tables.Has(table) {
		return nil
	}
	if len(table) > len(StatTablePrefix) && table[:len(StatTablePrefix)] == StatTablePrefix {
		level.Info(b.logger).Log("msg", "schema not known for dynamic table", "table", table)
		return nil
	}
	return errors.Errorf("table %s not found", table)
}

// Submit assigns a qid, enqueues the query and waits for the engine's
// acknowledgement. It returns the qid and the acknowledged progress;
// ErrEngineUnavailable when no ack arrives within the timeout.
func (b *Broker) Submit(ctx context.Context, body []byte) (string, int, error) {
	var fields map[string]jsoniter.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return "", 0, errors.Wrap(err, "invalid query body")
	}

	qid, err := NewQID(b.hostIP)
	if err != nil {
		return "", 0, err
	}
	level.Info(b.logger).Log("msg", "starting query", "qid", qid)

	now := time.Now().UnixMicro()
	for field, value := range fields {
		if err := b.local.HSet(ctx, queryPrefix+qid, field, string(value)); err != nil {
			b.failed.Inc()
			return qid, 0, err
		}
	}
	metadata, _ := json.Marshal(map[string]int64{"enqueue_time": now})
	if err := b.local.HSet(ctx, queryPrefix+qid, "query_metadata", string(metadata)); err != nil {
		b.failed.Inc()
		return qid, 0, err
	}
	if err := b.local.HSet(ctx, queryPrefix+qid, "enqueue_time", strconv.FormatInt(now, 10)); err != nil {
		b.failed.Inc()
		return qid, 0, err
	}
	if err := b.local.LPush(ctx, queryQueue, qid); err != nil {
		b.failed.Inc()
		return qid, 0, err
	}
	b.submitted.Inc()

	reply, err := b.local.BLPop(ctx, b.cfg.AckTimeout, replyPrefix+qid)
	if err != nil {
		b.failed.Inc()
		return qid, 0, err
	}
	if reply == nil {
		b.failed.Inc()
		b.local.MarkDown("query engine not responding")
		return qid, 0, ErrEngineUnavailable
	}

	// Put the acknowledgement back so the status URI can still read it.
	if err := b.local.LPush(ctx, replyPrefix+qid, reply[1]); err != nil {
		return qid, 0, err
	}

	var ack struct {
		Progress int `json:"progress"`
	}
	if err := json.Unmarshal([]byte(reply[1]), &ack); err != nil {
		return qid, 0, errors.Wrap(err, "undecodable engine ack")
	}
	return qid, ack.Progress, nil
}

// Status returns the latest engine acknowledgement for qid, augmented with
// the reply TTL, the query's engine-set start and end time, and the chunk
// hrefs once the query is complete.
func (b *Broker) Status(ctx context.Context, qid string) (map[string]interface{}, int, error) {
	store, err := b.storeFor(qid)
	if err != nil {
		return nil, 0, err
	}

	res, err := store.LRange(ctx, replyPrefix+qid, -1, -1)
	if err != nil {
		return nil, 0, err
	}
	if len(res) == 0 {
		return nil, 0, ErrNotFound
	}

	status := map[string]interface{}{}
	if err := json.Unmarshal([]byte(res[0]), &status); err != nil {
		return nil, 0, errors.Wrap(err, "undecodable engine reply")
	}

	if ttl, err := store.TTL(ctx, replyPrefix+qid); err == nil && ttl != -1 {
		status["ttl"] = ttl
	}
	times, err := store.HMGet(ctx, queryPrefix+qid, "start_time", "end_time")
	if err != nil {
		return nil, 0, err
	}
	status["start_time"] = times[0]
	status["end_time"] = times[1]

	progress := progressOf(status)
	if progress == 100 {
		status["chunks"] = []interface{}{
			map[string]interface{}{
				"href": fmt.Sprintf("/analytics/query/%s/chunk-final/%d", qid, 0),
			},
		}
	}
	return status, progress, nil
}

func progressOf(chunk map[string]interface{}) int {
	switch v := chunk["progress"].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}

// Chunk streams the result of qid into w as one JSON document shaped
// {"value": [ ... ]}. Result lists are persisted for the duration of the
// read so the TTL cannot reap them mid-stream, and deleted once consumed.
// The iteration terminates when an empty list is observed.
func (b *Broker) Chunk(ctx context.Context, qid string, chunkID int, w io.Writer) error {
	store, err := b.storeFor(qid)
	if err != nil {
		return err
	}

	if _, err := w.Write([]byte(`{"value": [`)); err != nil {
		return err
	}

	outcount := 0
	for iters := 0; ; iters++ {
		key := resultKey(qid, iters)
		if err := store.Persist(ctx, key); err != nil {
			return err
		}
		elems, err := store.LRange(ctx, key, 0, -1)
		if err != nil {
			return err
		}
		if len(elems) == 0 {
			break
		}

		buf := make([]byte, 0, 1024)
		for _, elem := range elems {
			if outcount == 0 {
				buf = append(buf, '\n')
			} else {
				buf = append(buf, ", "...)
			}
			buf = append(buf, elem...)
			outcount++
		}
		buf = append(buf, '\n')
		if _, err := w.Write(buf); err != nil {
			return err
		}

		if err := store.Del(ctx, key); err != nil {
			return err
		}
	}

	closing := "]}"
	if outcount == 0 {
		closing = "\n]}"
	}
	_, err = w.Write([]byte(closing))
	if err == nil {
		level.Info(b.logger).Log("msg", "query chunk read", "qid", qid, "chunk", chunkID)
	}
	return err
}

// QueryInfo describes one query in the enumeration endpoint.
type QueryInfo struct {
	QueryID     string                 `json:"query_id"`
	Query       map[string]interface{} `json:"query"`
	EnqueueTime int64                  `json:"enqueue_time"`
	Progress    *int                   `json:"progress,omitempty"`
	ErrorCode   *int                   `json:"error_code,omitempty"`
}

// Queries groups the broker's in-flight work by state.
type Queries struct {
	Pending    []QueryInfo `json:"pending_queries"`
	Processing []QueryInfo `json:"queries_being_processed"`
	Abandoned  []QueryInfo `json:"abandoned_queries"`
	Errored    []QueryInfo `json:"error_queries"`
}

// ListQueries enumerates pending, processing, abandoned and errored queries
// on the local query store.
func (b *Broker) ListQueries(ctx context.Context, engineHost string) (Queries, error) {
	out := Queries{
		Pending:    []QueryInfo{},
		Processing: []QueryInfo{},
		Abandoned:  []QueryInfo{},
		Errored:    []QueryInfo{},
	}

	pending, err := b.local.LRange(ctx, queryQueue, 0, -1)
	if err != nil {
		return out, err
	}
	for _, qid := range pending {
		info, err := b.queryInfo(ctx, qid)
		if err != nil {
			return out, err
		}
		out.Pending = append(out.Pending, info)
	}

	processing, err := b.local.LRange(ctx, "ENGINE:"+engineHost, 0, -1)
	if err != nil {
		return out, err
	}
	for _, qid := range processing {
		info, err := b.queryInfo(ctx, qid)
		if err != nil {
			return out, err
		}
		_, progress, err := b.Status(ctx, qid)
		switch {
		case errors.Is(err, ErrNotFound):
			out.Abandoned = append(out.Abandoned, info)
		case err != nil:
			return out, err
		case progress < 0:
			code := progress
			info.ErrorCode = &code
			out.Errored = append(out.Errored, info)
		default:
			p := progress
			info.Progress = &p
			out.Processing = append(out.Processing, info)
		}
	}
	return out, nil
}

func (b *Broker) queryInfo(ctx context.Context, qid string) (QueryInfo, error) {
	fields, err := b.local.HGetAll(ctx, queryPrefix+qid)
	if err != nil {
		return QueryInfo{}, err
	}

	info := QueryInfo{QueryID: qid, Query: map[string]interface{}{}}
	if meta, ok := fields["query_metadata"]; ok {
		var md struct {
			EnqueueTime int64 `json:"enqueue_time"`
		}
		if err := json.Unmarshal([]byte(meta), &md); err == nil {
			info.EnqueueTime = md.EnqueueTime
		}
		delete(fields, "query_metadata")
	}
	delete(fields, "enqueue_time")

	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		var v interface{}
		if err := json.Unmarshal([]byte(fields[name]), &v); err != nil {
			v = fields[name]
		}
		info.Query[name] = v
	}
	return info, nil
}
