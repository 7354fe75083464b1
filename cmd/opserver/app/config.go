package app

import (
	"flag"

	"github.com/grafana/dskit/flagext"
	dslog "github.com/grafana/dskit/log"
	"github.com/pkg/errors"

	"github.com/openfabric/opserver/modules/frontend"
	"github.com/openfabric/opserver/modules/purge"
	"github.com/openfabric/opserver/modules/querybroker"
	"github.com/openfabric/opserver/modules/uvestream"
	"github.com/openfabric/opserver/pkg/columnstore"
	"github.com/openfabric/opserver/pkg/discovery"
	"github.com/openfabric/opserver/pkg/shard"
)

type Config struct {
	Target string `yaml:"target"`

	HostIP         string `yaml:"host_ip"`
	RESTAPIIP      string `yaml:"rest_api_ip"`
	RESTAPIPort    int    `yaml:"rest_api_port"`
	HTTPServerPort int    `yaml:"http_server_port"`
	WorkerID       int    `yaml:"worker_id"`
	Dup            bool   `yaml:"dup"`

	LogLevel  dslog.Level `yaml:"log_level"`
	LogFormat string      `yaml:"log_format"`

	// Partitions is the size of the UVE partition space. It must agree with
	// the producers.
	Partitions int `yaml:"partitions"`

	// RedisUVEList seeds the UVE shard set when discovery is not in use.
	RedisUVEList    flagext.StringSliceCSV `yaml:"redis_uve_list"`
	RedisServerPort int                    `yaml:"redis_server_port"`
	RedisQueryPort  int                    `yaml:"redis_query_port"`
	RedisPassword   string                 `yaml:"redis_password"`

	Collectors flagext.StringSliceCSV `yaml:"collectors"`

	Discovery   discovery.Config   `yaml:"discovery"`
	ColumnStore columnstore.Config `yaml:"column_store"`
	Stream      uvestream.Config   `yaml:"uve_stream"`
	Query       querybroker.Config `yaml:"query"`
	Purge       purge.Config       `yaml:"purge"`
	Frontend    frontend.Config    `yaml:"frontend"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	cfg.Target = All
	f.StringVar(&cfg.Target, "target", cfg.Target, "Module to run.")

	f.StringVar(&cfg.HostIP, "host-ip", "127.0.0.1", "IPv4 address identifying this node; baked into every query id.")
	f.StringVar(&cfg.RESTAPIIP, "rest-api-ip", "0.0.0.0", "Bind address of the REST API.")
	f.IntVar(&cfg.RESTAPIPort, "rest-api-port", 8081, "Port of the REST API.")
	f.IntVar(&cfg.HTTPServerPort, "http-server-port", 8090, "Port of the introspection server.")
	f.IntVar(&cfg.WorkerID, "worker-id", 0, "Index of this worker process.")
	f.BoolVar(&cfg.Dup, "dup", false, "Internal use: mark this instance as a duplicate.")

	cfg.LogLevel.RegisterFlags(f)
	f.StringVar(&cfg.LogFormat, "log.format", "logfmt", "Log format, logfmt or json.")

	f.IntVar(&cfg.Partitions, "partitions", 15, "Number of UVE partitions.")

	cfg.RedisUVEList = []string{"127.0.0.1:6379"}
	f.Var(&cfg.RedisUVEList, "redis-uve-list", "Comma-separated UVE shard addresses in ip:port form.")
	f.IntVar(&cfg.RedisServerPort, "redis-server-port", 6379, "UVE shard port on every collector.")
	f.IntVar(&cfg.RedisQueryPort, "redis-query-port", 6380, "Query store port on every node.")
	f.StringVar(&cfg.RedisPassword, "redis-password", "", "Password of the kv shards.")

	f.Var(&cfg.Collectors, "collectors", "Comma-separated collector addresses. Discovery overrides this list.")

	cfg.Discovery.RegisterFlagsAndApplyDefaults("discovery", f)
	cfg.ColumnStore.RegisterFlagsAndApplyDefaults("column-store", f)
	cfg.Purge.RegisterFlagsAndApplyDefaults("purge", f)
	cfg.Frontend.RegisterFlagsAndApplyDefaults("frontend", f)
}

// CheckConfig reports configuration problems that prevent startup.
func (cfg *Config) CheckConfig() error {
	if cfg.Partitions <= 0 {
		return errors.New("partitions must be positive")
	}
	if len(cfg.RedisUVEList) == 0 && cfg.Discovery.Server == "" {
		return errors.New("either redis_uve_list or a discovery server is required")
	}
	return nil
}

// shardClientConfig is the shared kv-shard client configuration.
func (cfg *Config) shardClientConfig() shard.Config {
	return shard.Config{Password: cfg.RedisPassword}
}
