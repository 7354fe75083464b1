package columnstore

import (
	"context"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gocql/gocql"
	"github.com/pkg/errors"
)

const systemObjectKey = "analytics"

// tables to walk per data class during a purge
var purgeTables = map[string][]string{
	"flow":  {"flow_record_table", "flow_series_table"},
	"stats": {"stats_table_by_str_tag", "stats_table_by_u64_tag", "stats_table_by_dbl_tag"},
	"msg":   {"message_table"},
	"other": {"object_value_table", "object_log_table"},
}

// CassandraStore is the gocql-backed Store implementation.
type CassandraStore struct {
	session *gocql.Session
	logger  log.Logger
}

var _ Store = (*CassandraStore)(nil)

func NewCassandraStore(cfg Config, logger log.Logger) (*CassandraStore, error) {
	cluster := gocql.NewCluster(cfg.Servers...)
	cluster.Keyspace = cfg.Keyspace
	cluster.Consistency = gocql.Quorum
	cluster.Timeout = cfg.Timeout
	if cfg.User != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: cfg.User,
			Password: cfg.Password,
		}
	}
	session, err := cluster.CreateSession()
	if err != nil {
		return nil, errors.Wrap(err, "connecting to column store")
	}
	return &CassandraStore{session: session, logger: logger}, nil
}

func (s *CassandraStore) Close() {
	s.session.Close()
}

func (s *CassandraStore) StartTimes(ctx context.Context) (StartTimes, error) {
	var st StartTimes
	err := s.session.Query(
		`SELECT analytics_start_time, flow_start_time, stat_start_time, msg_start_time
		   FROM system_object WHERE key = ?`, systemObjectKey).
		WithContext(ctx).Scan(&st.Other, &st.Flow, &st.Stat, &st.Msg)
	if err != nil {
		return StartTimes{}, errors.Wrap(err, "reading analytics start times")
	}
	return st, nil
}

func (s *CassandraStore) UpdateStartTimes(ctx context.Context, st StartTimes) error {
	err := s.session.Query(
		`UPDATE system_object
		    SET analytics_start_time = ?, flow_start_time = ?, stat_start_time = ?, msg_start_time = ?
		  WHERE key = ?`,
		st.Other, st.Flow, st.Stat, st.Msg, systemObjectKey).
		WithContext(ctx).Exec()
	return errors.Wrap(err, "updating analytics start times")
}

// Purge walks the per-class tables and deletes every row older than the
// class cutoff. Row keys are collected first so deletion does not fight the
// iterator.
func (s *CassandraStore) Purge(ctx context.Context, cutoffs Cutoffs, purgeID string) (int64, error) {
	classCutoff := map[string]int64{
		"flow":  cutoffs.Flow,
		"stats": cutoffs.Stats,
		"msg":   cutoffs.Msg,
		"other": cutoffs.Other,
	}

	var total int64
	for class, tables := range purgeTables {
		cutoff := classCutoff[class]
		for _, table := range tables {
			deleted, err := s.purgeTable(ctx, table, cutoff)
			total += deleted
			if err != nil {
				level.Error(s.logger).Log("msg", "purge failed", "purge_id", purgeID,
					"table", table, "err", err)
				return total, err
			}
			level.Info(s.logger).Log("msg", "purged table", "purge_id", purgeID,
				"table", table, "rows", deleted)
		}
	}
	return total, nil
}

func (s *CassandraStore) purgeTable(ctx context.Context, table string, cutoff int64) (int64, error) {
	iter := s.session.Query(`SELECT key, t FROM ` + table).WithContext(ctx).Iter()

	var (
		key     string
		ts      int64
		expired []string
	)
	for iter.Scan(&key, &ts) {
		if ts < cutoff {
			expired = append(expired, key)
		}
	}
	if err := iter.Close(); err != nil {
		return 0, errors.Wrapf(err, "scanning %s", table)
	}

	var deleted int64
	for _, k := range expired {
		if err := s.session.Query(`DELETE FROM `+table+` WHERE key = ?`, k).
			WithContext(ctx).Exec(); err != nil {
			return deleted, errors.Wrapf(err, "deleting from %s", table)
		}
		deleted++
	}
	return deleted, nil
}

func (s *CassandraStore) DiskUsage(ctx context.Context) (map[string]int, error) {
	iter := s.session.Query(`SELECT name, disk_usage_percentage FROM database_usage`).
		WithContext(ctx).Iter()

	usage := map[string]int{}
	var (
		name string
		pct  int
	)
	for iter.Scan(&name, &pct) {
		usage[name] = pct
	}
	if err := iter.Close(); err != nil {
		return nil, errors.Wrap(err, "reading database usage")
	}
	return usage, nil
}
