// Package purge removes aged-out analytics data from the column store. At
// most one purge runs cluster-wide at a time, enforced by a lock key on the
// local query store that every node checks before starting.
package purge

import (
	"context"
	"flag"
	"net"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/openfabric/opserver/modules/querybroker"
	"github.com/openfabric/opserver/pkg/columnstore"
	"github.com/openfabric/opserver/pkg/shard"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// StatusKey is the cluster-wide purge lock. It exists iff a purge is
// running or has failed without cleanup.
const StatusKey = "DB_PURGE_STATUS"

// TTLConfig caps how far back each data class is retained, in hours.
// Classes left at -1 inherit the base data TTL.
type TTLConfig struct {
	DataTTL        float64 `yaml:"analytics_data_ttl"`
	FlowTTL        float64 `yaml:"analytics_flow_ttl"`
	StatisticsTTL  float64 `yaml:"analytics_statistics_ttl"`
	ConfigAuditTTL float64 `yaml:"analytics_config_audit_ttl"`
}

// Inherit resolves unset class TTLs to the base data TTL.
func (t *TTLConfig) Inherit() {
	if t.FlowTTL < 0 {
		t.FlowTTL = t.DataTTL
	}
	if t.StatisticsTTL < 0 {
		t.StatisticsTTL = t.DataTTL
	}
	if t.ConfigAuditTTL < 0 {
		t.ConfigAuditTTL = t.DataTTL
	}
}

type Config struct {
	TTL TTLConfig `yaml:",inline"`

	AutoPurge bool          `yaml:"auto_db_purge"`
	Threshold int           `yaml:"db_purge_threshold"`
	Level     float64       `yaml:"db_purge_level"`
	WarmUp    time.Duration `yaml:"warm_up"`
	Interval  time.Duration `yaml:"interval"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.Float64Var(&cfg.TTL.DataTTL, prefix+".analytics-data-ttl", 48, "Base TTL of analytics data, in hours.")
	f.Float64Var(&cfg.TTL.FlowTTL, prefix+".analytics-flow-ttl", -1, "TTL of flow data, in hours. -1 inherits the base TTL.")
	f.Float64Var(&cfg.TTL.StatisticsTTL, prefix+".analytics-statistics-ttl", -1, "TTL of statistics data, in hours. -1 inherits the base TTL.")
	f.Float64Var(&cfg.TTL.ConfigAuditTTL, prefix+".analytics-config-audit-ttl", -1, "TTL of config audit data, in hours. -1 inherits the base TTL.")
	f.BoolVar(&cfg.AutoPurge, prefix+".auto-db-purge", true, "Purge automatically when disk usage crosses the threshold.")
	f.IntVar(&cfg.Threshold, prefix+".db-purge-threshold", 70, "Disk usage percentage that triggers an automatic purge.")
	f.Float64Var(&cfg.Level, prefix+".db-purge-level", 40, "Percentage of data removed by an automatic purge.")
	f.DurationVar(&cfg.WarmUp, prefix+".warm-up", 10*time.Minute, "Delay before the first disk usage check.")
	f.DurationVar(&cfg.Interval, prefix+".interval", 30*time.Minute, "How often to check disk usage.")
}

// Status is the lock payload, visible to every node.
type Status struct {
	Status  string              `json:"status"`
	PurgeID string              `json:"purge_id"`
	Cutoffs columnstore.Cutoffs `json:"cutoffs"`
}

// BusyError is returned when the lock cannot be claimed or a previous purge
// failed without releasing it. It maps to HTTP 503.
type BusyError struct {
	Existing *Status
}

func (e *BusyError) Error() string {
	if e.Existing != nil {
		return "purge " + e.Existing.PurgeID + " is " + e.Existing.Status
	}
	return "another purge request is in progress"
}

// Coordinator runs purges and owns the disk-usage watchdog. The embedded
// service is the watchdog loop.
type Coordinator struct {
	services.Service

	cfg    Config
	store  columnstore.Store
	local  *shard.Client
	stores *shard.Pool
	hostIP net.IP
	logger log.Logger

	metrics *coordinatorMetrics
}

type coordinatorMetrics struct {
	requests    prometheus.Counter
	failures    prometheus.Counter
	rowsDeleted prometheus.Counter
}

func newCoordinatorMetrics(reg prometheus.Registerer) *coordinatorMetrics {
	return &coordinatorMetrics{
		requests: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "opserver_purge_requests_total",
			Help: "Purge runs started on this node.",
		}),
		failures: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "opserver_purge_failures_total",
			Help: "Purge runs that ended in failure.",
		}),
		rowsDeleted: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "opserver_purge_rows_deleted_total",
			Help: "Rows removed from the column store by purges.",
		}),
	}
}

func NewCoordinator(cfg Config, store columnstore.Store, local *shard.Client, stores *shard.Pool, hostIP net.IP, reg prometheus.Registerer, logger log.Logger) *Coordinator {
	cfg.TTL.Inherit()
	c := &Coordinator{
		cfg:     cfg,
		store:   store,
		local:   local,
		stores:  stores,
		hostIP:  hostIP,
		logger:  logger,
		metrics: newCoordinatorMetrics(reg),
	}
	c.Service = services.NewTimerService(cfg.Interval, c.warmUp, c.autoPurge, nil)
	return c
}

// StartPurge validates purge_input, claims the lock and kicks off a
// background purge. started is false when a purge is already running; the
// returned status then describes the running purge.
func (c *Coordinator) StartPurge(ctx context.Context, input interface{}) (st *Status, started bool, err error) {
	startTimes, err := c.store.StartTimes(ctx)
	if err != nil {
		return nil, false, errors.Wrap(err, "failed to get the analytics start time")
	}

	var cutoffs columnstore.Cutoffs
	switch v := input.(type) {
	case float64:
		if v <= 0 || v > 100 {
			return nil, false, &InputError{Reason: "valid % range is [1, 100]"}
		}
		cutoffs = CutoffsForPercent(time.Now().UnixMicro(), startTimes, c.cfg.TTL, v)
	case string:
		usec, perr := ParseTimeInput(v, time.Now())
		if perr != nil {
			return nil, false, perr
		}
		if usec <= startTimes.Other {
			return nil, false, ErrBeforeStart
		}
		cutoffs = columnstore.Cutoffs{Flow: usec, Stats: usec, Msg: usec, Other: usec}
	default:
		return nil, false, &InputError{Reason: "valid purge_input format is % or time"}
	}

	if existing, serr := c.clusterStatus(ctx); serr != nil {
		return nil, false, serr
	} else if existing != nil {
		if existing.Status == "running" {
			return existing, false, nil
		}
		return nil, false, &BusyError{Existing: existing}
	}

	purgeID, err := querybroker.NewQID(c.hostIP)
	if err != nil {
		return nil, false, err
	}
	status := Status{Status: "running", PurgeID: purgeID, Cutoffs: cutoffs}
	for {
		if ok, cerr := c.claim(ctx, status); cerr != nil {
			return nil, false, cerr
		} else if ok {
			break
		}
		// Lost the claim race. Report the holder the way the pre-claim
		// scan would have; a nil re-read means the holder released
		// between our claim and read, so the claim is retried.
		existing, serr := c.localStatus(ctx)
		if serr != nil {
			return nil, false, serr
		}
		if existing == nil {
			continue
		}
		if existing.Status == "running" {
			return existing, false, nil
		}
		return nil, false, &BusyError{Existing: existing}
	}

	go c.run(cutoffs, purgeID)
	return &Status{Status: "started", PurgeID: purgeID, Cutoffs: cutoffs}, true, nil
}

// clusterStatus scans every known query store for the lock key.
func (c *Coordinator) clusterStatus(ctx context.Context) (*Status, error) {
	clients := c.stores.Clients()
	seen := map[string]struct{}{}
	for _, cl := range clients {
		seen[cl.Addr()] = struct{}{}
	}
	if _, ok := seen[c.local.Addr()]; !ok {
		clients = append(clients, c.local)
	}

	for _, cl := range clients {
		raw, err := cl.Get(ctx, StatusKey)
		if err != nil {
			return nil, err
		}
		if raw == "" {
			continue
		}
		var st Status
		if err := json.Unmarshal([]byte(raw), &st); err != nil {
			level.Warn(c.logger).Log("msg", "undecodable purge status", "addr", cl.Addr(), "err", err)
			continue
		}
		return &st, nil
	}
	return nil, nil
}

func (c *Coordinator) localStatus(ctx context.Context) (*Status, error) {
	raw, err := c.local.Get(ctx, StatusKey)
	if err != nil || raw == "" {
		return nil, err
	}
	var st Status
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func (c *Coordinator) claim(ctx context.Context, status Status) (bool, error) {
	raw, err := json.Marshal(status)
	if err != nil {
		return false, err
	}
	return c.local.SetNX(ctx, StatusKey, string(raw))
}

// run executes the purge and releases the lock. It is detached from the
// request context: a purge keeps going after the client hangs up.
func (c *Coordinator) run(cutoffs columnstore.Cutoffs, purgeID string) {
	ctx := context.Background()
	c.metrics.requests.Inc()
	start := time.Now()
	level.Info(c.logger).Log("msg", "purge started", "purge_id", purgeID)

	rows, err := c.store.Purge(ctx, cutoffs, purgeID)
	if delErr := c.local.Del(ctx, StatusKey); delErr != nil {
		level.Error(c.logger).Log("msg", "failed to release purge lock", "purge_id", purgeID, "err", delErr)
	}

	if rows > 0 {
		update := columnstore.StartTimes{
			Other: cutoffs.Other,
			Flow:  cutoffs.Flow,
			Stat:  cutoffs.Stats,
			Msg:   cutoffs.Msg,
		}
		if uerr := c.store.UpdateStartTimes(ctx, update); uerr != nil {
			level.Error(c.logger).Log("msg", "failed to update analytics start times", "purge_id", purgeID, "err", uerr)
		}
	}

	if err != nil {
		c.metrics.failures.Inc()
		level.Error(c.logger).Log("msg", "purge failed", "purge_id", purgeID, "rows", rows, "err", err)
		return
	}
	c.metrics.rowsDeleted.Add(float64(rows))
	level.Info(c.logger).Log("msg", "purge done", "purge_id", purgeID, "rows", rows,
		"duration", time.Since(start))
}

func (c *Coordinator) warmUp(ctx context.Context) error {
	if !c.cfg.AutoPurge {
		return nil
	}
	select {
	case <-time.After(c.cfg.WarmUp):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// autoPurge checks per-node disk usage and purges down to the configured
// level when any node crosses the threshold.
func (c *Coordinator) autoPurge(ctx context.Context) error {
	if !c.cfg.AutoPurge {
		return nil
	}

	usage, err := c.store.DiskUsage(ctx)
	if err != nil {
		level.Warn(c.logger).Log("msg", "disk usage check failed", "err", err)
		return nil
	}

	trigger := false
	for node, pct := range usage {
		if pct > c.cfg.Threshold {
			level.Error(c.logger).Log("msg", "disk usage exceeds purge threshold",
				"node", node, "usage", pct, "threshold", c.cfg.Threshold)
			trigger = true
			break
		}
	}
	if !trigger {
		return nil
	}

	if existing, serr := c.clusterStatus(ctx); serr != nil || existing != nil {
		return nil
	}

	startTimes, err := c.store.StartTimes(ctx)
	if err != nil {
		level.Warn(c.logger).Log("msg", "start time read failed", "err", err)
		return nil
	}
	cutoffs := CutoffsForPercent(time.Now().UnixMicro(), startTimes, c.cfg.TTL, 100.0-c.cfg.Level)

	purgeID, err := querybroker.NewQID(c.hostIP)
	if err != nil {
		return nil
	}
	if ok, cerr := c.claim(ctx, Status{Status: "running", PurgeID: purgeID, Cutoffs: cutoffs}); cerr != nil || !ok {
		return nil
	}

	// Runs inline so overlapping watchdog ticks cannot stack purges.
	c.run(cutoffs, purgeID)
	return nil
}
