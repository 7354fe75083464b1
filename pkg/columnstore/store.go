// Package columnstore accesses the historical analytics column store. The
// front-end only touches it for purge operations and start-time metadata;
// queries against the historical data go through the query engine.
package columnstore

import (
	"context"
	"flag"
	"time"

	"github.com/grafana/dskit/flagext"
)

// StartTimes are the per-data-class low-water marks of the column store, in
// microseconds since epoch. Data older than the start time of its class has
// been purged.
type StartTimes struct {
	Other int64 `json:"analytics_start_time"`
	Flow  int64 `json:"flow_start_time"`
	Stat  int64 `json:"stat_start_time"`
	Msg   int64 `json:"msg_start_time"`
}

// Cutoffs are the per-data-class purge horizons; everything older is
// eligible for deletion.
type Cutoffs struct {
	Flow  int64 `json:"flow_cutoff"`
	Stats int64 `json:"stats_cutoff"`
	Msg   int64 `json:"msg_cutoff"`
	Other int64 `json:"other_cutoff"`
}

// Store is the column-store surface consumed by the purge coordinator.
type Store interface {
	// StartTimes reads the per-class start times.
	StartTimes(ctx context.Context) (StartTimes, error)
	// UpdateStartTimes persists new per-class start times after a purge.
	UpdateStartTimes(ctx context.Context, st StartTimes) error
	// Purge deletes all rows older than the per-class cutoffs and returns
	// the number of rows removed.
	Purge(ctx context.Context, cutoffs Cutoffs, purgeID string) (int64, error)
	// DiskUsage reports the disk usage percentage of every database node.
	DiskUsage(ctx context.Context) (map[string]int, error)
}

type Config struct {
	Servers  flagext.StringSliceCSV `yaml:"cassandra_server_list"`
	Keyspace string                 `yaml:"keyspace"`
	User     string                 `yaml:"cassandra_user"`
	Password string                 `yaml:"cassandra_password"`
	Timeout  time.Duration          `yaml:"timeout"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	cfg.Servers = []string{"127.0.0.1:9042"}
	f.Var(&cfg.Servers, prefix+".cassandra-server-list", "Comma-separated Cassandra servers in ip:port form.")
	f.StringVar(&cfg.Keyspace, prefix+".keyspace", "contrail_analytics", "Analytics keyspace.")
	f.StringVar(&cfg.User, prefix+".cassandra-user", "", "Cassandra user name.")
	f.StringVar(&cfg.Password, prefix+".cassandra-password", "", "Cassandra password.")
	f.DurationVar(&cfg.Timeout, prefix+".timeout", 10*time.Second, "Cassandra request timeout.")
}
