// Package app assembles the process: configuration, module wiring and the
// service lifecycle.
package app

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/modules"
	"github.com/grafana/dskit/services"
	"github.com/grafana/dskit/signals"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"github.com/openfabric/opserver/modules/frontend"
	"github.com/openfabric/opserver/modules/purge"
	"github.com/openfabric/opserver/modules/querybroker"
	"github.com/openfabric/opserver/modules/uvestream"
	"github.com/openfabric/opserver/pkg/catalog"
	"github.com/openfabric/opserver/pkg/columnstore"
	"github.com/openfabric/opserver/pkg/partition"
	"github.com/openfabric/opserver/pkg/shard"
	"github.com/openfabric/opserver/pkg/util/log"
	"github.com/openfabric/opserver/pkg/uvecache"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type App struct {
	cfg Config

	moduleManager *modules.Manager
	serviceMap    map[string]services.Service

	store      columnstore.Store
	registry   *shard.Registry
	uvePool    *shard.Pool
	queryPool  *shard.Pool
	localQuery *shard.Client
	localUVE   *shard.Client
	partMap    *partition.Map
	cache      *uvecache.Cache
	streamer   *uvestream.Streamer
	catalog    *catalog.Catalog
	broker     *querybroker.Broker
	purger     *purge.Coordinator
	frontend   *frontend.Frontend
	server     *httpServer
}

func New(cfg Config) (*App, error) {
	if err := cfg.CheckConfig(); err != nil {
		return nil, err
	}
	t := &App{cfg: cfg}
	if err := t.setupModuleManager(); err != nil {
		return nil, err
	}
	return t, nil
}

// Run starts every service of the target and blocks until a signal arrives
// or a service fails.
func (t *App) Run() error {
	serviceMap, err := t.moduleManager.InitModuleServices(t.cfg.Target)
	if err != nil {
		return fmt.Errorf("failed to init module services %w", err)
	}
	t.serviceMap = serviceMap

	servs := []services.Service(nil)
	for _, s := range serviceMap {
		servs = append(servs, s)
	}

	sm, err := services.NewManager(servs...)
	if err != nil {
		return fmt.Errorf("failed to start service manager %w", err)
	}

	healthy := func() { level.Info(log.Logger).Log("msg", "opserver started") }
	stopped := func() { level.Info(log.Logger).Log("msg", "opserver stopped") }
	serviceFailed := func(service services.Service) {
		// one service failing takes the process down
		sm.StopAsync()

		for m, s := range serviceMap {
			if s == service {
				level.Error(log.Logger).Log("msg", "module failed", "module", m, "err", service.FailureCase())
				return
			}
		}
		level.Error(log.Logger).Log("msg", "module failed", "module", "unknown", "err", service.FailureCase())
	}
	sm.AddListener(services.NewManagerListener(healthy, stopped, serviceFailed))

	handler := signals.NewHandler(log.Logger)
	go func() {
		handler.Loop()
		sm.StopAsync()
	}()

	if err := sm.StartAsync(context.Background()); err != nil {
		return fmt.Errorf("failed to start service manager %w", err)
	}
	if err := sm.AwaitStopped(context.Background()); err != nil {
		return err
	}

	// A failed bind or any other service failure exits non-zero.
	for m, s := range serviceMap {
		if s.State() == services.Failed {
			return fmt.Errorf("module %s failed: %w", m, s.FailureCase())
		}
	}
	return nil
}

// httpServer runs one http.Server as a dskit service. A bind failure fails
// the service, which takes the process down.
type httpServer struct {
	services.Service

	addr     string
	srv      *http.Server
	listener net.Listener
}

func newHTTPServer(addr string, handler http.Handler) *httpServer {
	s := &httpServer{
		addr: addr,
		srv:  &http.Server{Handler: handler},
	}
	s.Service = services.NewBasicService(s.starting, s.running, s.stopping)
	return s
}

func (s *httpServer) starting(context.Context) error {
	l, err := net.Listen("tcp", s.addr)
	if err != nil {
		return errors.Wrapf(err, "failed to bind %s", s.addr)
	}
	s.listener = l
	level.Info(log.Logger).Log("msg", "http server listening", "addr", s.addr)
	return nil
}

func (s *httpServer) running(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.srv.Serve(s.listener)
	}()
	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *httpServer) stopping(error) error {
	return s.srv.Shutdown(context.Background())
}
