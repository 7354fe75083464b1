// Package discovery polls the discovery service for the two lists the
// front-end follows: the collector set (from which the kv-shard fleet is
// derived) and the alarm-partition assignments feeding the partition map.
package discovery

import (
	"context"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"

	"github.com/openfabric/opserver/pkg/partition"
)

// Collector is one entry of the collector service list.
type Collector struct {
	IPAddress string `json:"ip-address"`
	PID       int    `json:"pid"`
}

// Client is the external discovery service, injected at construction.
type Client interface {
	// Collectors returns the registered collector instances.
	Collectors(ctx context.Context) ([]Collector, error)
	// Partitions returns the current alarm-partition assignments.
	Partitions(ctx context.Context) ([]partition.Assignment, error)
}

// Poller periodically pulls both discovery lists and hands them to the
// configured callbacks.
type Poller struct {
	services.Service

	client       Client
	interval     time.Duration
	onCollectors func([]Collector)
	onPartitions func([]partition.Assignment)
	logger       log.Logger
}

func NewPoller(client Client, interval time.Duration, onCollectors func([]Collector), onPartitions func([]partition.Assignment), logger log.Logger) *Poller {
	if interval == 0 {
		interval = 10 * time.Second
	}
	p := &Poller{
		client:       client,
		interval:     interval,
		onCollectors: onCollectors,
		onPartitions: onPartitions,
		logger:       logger,
	}
	p.Service = services.NewTimerService(interval, p.poll, p.poll, nil)
	return p
}

func (p *Poller) poll(ctx context.Context) error {
	if collectors, err := p.client.Collectors(ctx); err != nil {
		level.Warn(p.logger).Log("msg", "collector poll failed", "err", err)
	} else {
		p.onCollectors(collectors)
	}

	if assignments, err := p.client.Partitions(ctx); err != nil {
		level.Warn(p.logger).Log("msg", "partition poll failed", "err", err)
	} else {
		p.onPartitions(assignments)
	}
	return nil
}
