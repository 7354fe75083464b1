package app

import (
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/grafana/dskit/modules"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/openfabric/opserver/modules/frontend"
	"github.com/openfabric/opserver/modules/purge"
	"github.com/openfabric/opserver/modules/querybroker"
	"github.com/openfabric/opserver/modules/uvestream"
	"github.com/openfabric/opserver/pkg/alarm"
	"github.com/openfabric/opserver/pkg/catalog"
	"github.com/openfabric/opserver/pkg/columnstore"
	"github.com/openfabric/opserver/pkg/discovery"
	"github.com/openfabric/opserver/pkg/partition"
	"github.com/openfabric/opserver/pkg/shard"
	"github.com/openfabric/opserver/pkg/util/log"
	"github.com/openfabric/opserver/pkg/uvecache"
)

// module names
const (
	Store          = "store"
	ShardPools     = "shard-pools"
	PartitionMap   = "partition-map"
	Cache          = "cache"
	Streamer       = "streamer"
	Catalog        = "catalog"
	QueryBroker    = "query-broker"
	PurgeModule    = "purge"
	Discovery      = "discovery"
	Frontend       = "frontend"
	Server         = "server"
	InternalServer = "internal-server"
	All            = "all"
)

func (t *App) initStore() (services.Service, error) {
	store, err := columnstore.NewCassandraStore(t.cfg.ColumnStore, log.Logger)
	if err != nil {
		return nil, err
	}
	t.store = store
	return services.NewIdleService(nil, func(error) error {
		store.Close()
		return nil
	}), nil
}

func (t *App) initShardPools() (services.Service, error) {
	t.registry = shard.NewRegistry(prometheus.DefaultRegisterer)

	clientCfg := t.cfg.shardClientConfig()
	t.uvePool = shard.NewPool(shard.RoleUVE, clientCfg, t.registry, log.Logger)
	t.queryPool = shard.NewPool(shard.RoleQuery, clientCfg, t.registry, log.Logger)

	t.uvePool.Update(t.cfg.RedisUVEList)
	t.localQuery = t.queryPool.For("127.0.0.1:" + strconv.Itoa(t.cfg.RedisQueryPort))
	t.localUVE = t.uvePool.For("127.0.0.1:" + strconv.Itoa(t.cfg.RedisServerPort))

	return services.NewIdleService(nil, func(error) error {
		t.uvePool.Close()
		t.queryPool.Close()
		return nil
	}), nil
}

func (t *App) initPartitionMap() (services.Service, error) {
	t.partMap = partition.NewMap(t.cfg.Partitions, log.Logger)

	// Without discovery the seeded shard list owns the whole partition
	// space, spread round-robin.
	if t.cfg.Discovery.Server == "" {
		acq := time.Now().UnixMicro()
		assignments := make([]partition.Assignment, 0, t.cfg.Partitions)
		for p := 0; p < t.cfg.Partitions; p++ {
			addr := t.cfg.RedisUVEList[p%len(t.cfg.RedisUVEList)]
			host, portStr, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, fmt.Errorf("invalid redis_uve_list entry %q: %w", addr, err)
			}
			port, err := strconv.Atoi(portStr)
			if err != nil {
				return nil, fmt.Errorf("invalid redis_uve_list entry %q: %w", addr, err)
			}
			assignments = append(assignments, partition.Assignment{
				Partition: p,
				Owner: partition.Owner{
					InstanceID: addr,
					IP:         host,
					Port:       port,
					AcqTime:    acq,
				},
			})
		}
		t.partMap.ApplySnapshot(assignments)
	}
	return nil, nil
}

func (t *App) initCache() (services.Service, error) {
	t.cache = uvecache.New(t.cfg.Partitions, log.Logger, prometheus.DefaultRegisterer)
	return nil, nil
}

func (t *App) initStreamer() (services.Service, error) {
	t.streamer = uvestream.New(t.cfg.Stream, t.partMap, t.cache, t.uvePool.For,
		log.Logger, prometheus.DefaultRegisterer)
	return t.streamer, nil
}

func (t *App) initCatalog() (services.Service, error) {
	t.catalog = catalog.New(t.cache, t.uvePool, log.Logger)
	return nil, nil
}

func (t *App) initQueryBroker() (services.Service, error) {
	cfg := t.cfg.Query
	if cfg.HostIP == "" {
		cfg.HostIP = t.cfg.HostIP
	}
	if cfg.QueryStorePort == 0 {
		cfg.QueryStorePort = t.cfg.RedisQueryPort
	}
	broker, err := querybroker.New(cfg, t.localQuery, t.queryPool, t.catalog,
		log.Logger, prometheus.DefaultRegisterer)
	if err != nil {
		return nil, err
	}
	t.broker = broker
	return nil, nil
}

func (t *App) initPurge() (services.Service, error) {
	ip := net.ParseIP(t.cfg.HostIP)
	if ip == nil {
		return nil, fmt.Errorf("host_ip must be an IP address, got %q", t.cfg.HostIP)
	}
	t.purger = purge.NewCoordinator(t.cfg.Purge, t.store, t.localQuery, t.queryPool,
		ip, prometheus.DefaultRegisterer, log.Logger)
	return t.purger, nil
}

func (t *App) initDiscovery() (services.Service, error) {
	if t.cfg.Discovery.Server == "" {
		return nil, nil
	}

	client := discovery.NewHTTPClient(t.cfg.Discovery)
	onCollectors := func(collectors []discovery.Collector) {
		addrs := make([]string, 0, len(collectors))
		for _, c := range collectors {
			addrs = append(addrs, c.IPAddress+":"+strconv.Itoa(t.cfg.RedisServerPort))
		}
		t.uvePool.Update(addrs)
	}
	poller := discovery.NewPoller(client, t.cfg.Discovery.PollInterval,
		onCollectors, t.partMap.ApplySnapshot, log.Logger)
	return poller, nil
}

func (t *App) initFrontend() (services.Service, error) {
	forwarder := alarm.NewForwarder(0, log.Logger)

	// Per-request streamers get a throwaway metrics registry so the SSE
	// endpoint cannot collide with the primary streamer's metrics.
	newStreamer := func(sink uvestream.Sink) *uvestream.Streamer {
		return uvestream.New(t.cfg.Stream, t.partMap, sink, t.uvePool.For,
			log.Logger, prometheus.NewRegistry())
	}

	t.frontend = frontend.New(t.cfg.Frontend, t.cache, t.catalog, t.broker,
		t.purger, forwarder, t.store, t.localUVE, newStreamer, log.Logger)
	return nil, nil
}

func (t *App) initServer() (services.Service, error) {
	addr := net.JoinHostPort(t.cfg.RESTAPIIP, strconv.Itoa(t.cfg.RESTAPIPort))
	t.server = newHTTPServer(addr, t.frontend.Handler())
	return t.server, nil
}

func (t *App) initInternalServer() (services.Service, error) {
	m := http.NewServeMux()
	m.Handle("/metrics", promhttp.Handler())
	m.HandleFunc("/connection-state", func(w http.ResponseWriter, r *http.Request) {
		raw, err := json.Marshal(t.registry.Snapshot())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(raw)
	})

	addr := net.JoinHostPort(t.cfg.RESTAPIIP, strconv.Itoa(t.cfg.HTTPServerPort))
	return newHTTPServer(addr, m), nil
}

func (t *App) setupModuleManager() error {
	mm := modules.NewManager(log.Logger)

	mm.RegisterModule(Store, t.initStore, modules.UserInvisibleModule)
	mm.RegisterModule(ShardPools, t.initShardPools, modules.UserInvisibleModule)
	mm.RegisterModule(PartitionMap, t.initPartitionMap, modules.UserInvisibleModule)
	mm.RegisterModule(Cache, t.initCache, modules.UserInvisibleModule)
	mm.RegisterModule(Streamer, t.initStreamer)
	mm.RegisterModule(Catalog, t.initCatalog, modules.UserInvisibleModule)
	mm.RegisterModule(QueryBroker, t.initQueryBroker, modules.UserInvisibleModule)
	mm.RegisterModule(PurgeModule, t.initPurge)
	mm.RegisterModule(Discovery, t.initDiscovery, modules.UserInvisibleModule)
	mm.RegisterModule(Frontend, t.initFrontend, modules.UserInvisibleModule)
	mm.RegisterModule(Server, t.initServer)
	mm.RegisterModule(InternalServer, t.initInternalServer)
	mm.RegisterModule(All, nil)

	deps := map[string][]string{
		PartitionMap:   {ShardPools},
		Streamer:       {Cache, PartitionMap, ShardPools},
		Catalog:        {Cache, ShardPools},
		QueryBroker:    {ShardPools, Catalog},
		PurgeModule:    {Store, ShardPools},
		Discovery:      {ShardPools, PartitionMap},
		Frontend:       {Cache, Catalog, QueryBroker, PurgeModule, Store, ShardPools, PartitionMap},
		Server:         {Frontend},
		InternalServer: {ShardPools},
		All:            {Server, InternalServer, Streamer, Discovery, PurgeModule},
	}
	for mod, targets := range deps {
		if err := mm.AddDependency(mod, targets...); err != nil {
			return err
		}
	}

	t.moduleManager = mm
	return nil
}
