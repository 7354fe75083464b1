// Package uvestream follows the change stream of every UVE partition owner
// and applies the events to a sink, normally the UVE cache. A second,
// per-request streamer instance feeds the SSE endpoint.
package uvestream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/backoff"
	"github.com/grafana/dskit/services"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/openfabric/opserver/pkg/partition"
	"github.com/openfabric/opserver/pkg/shard"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Sink receives deterministic updates keyed by
// (partition, uve key, producer, attr).
type Sink interface {
	AddAttr(part int, key, producer, attr string, value []byte)
	RemoveAttr(part int, key, producer, attr string)
	RemoveProducer(part int, key, producer string)
	ClearPartition(part int)
}

// ClientFactory yields a shard client for an owner address.
type ClientFactory func(addr string) *shard.Client

type Config struct {
	Backoff backoff.Config `yaml:"backoff"`
}

func (cfg *Config) ApplyDefaults() {
	if cfg.Backoff.MinBackoff == 0 {
		cfg.Backoff.MinBackoff = 100 * time.Millisecond
	}
	if cfg.Backoff.MaxBackoff == 0 {
		cfg.Backoff.MaxBackoff = 10 * time.Second
	}
}

// Channel names the owner-scoped pub/sub channel of a partition.
func Channel(instanceID string, part int) string {
	return fmt.Sprintf("uve-partition:%s:%d", instanceID, part)
}

// Event is one message on a partition's change stream. Type is add, mod or
// del; a del without attr withdraws the producer's whole contribution.
type Event struct {
	Partition int                 `json:"partition"`
	Key       string              `json:"key"`
	Producer  string              `json:"gen"`
	Type      string              `json:"type"`
	Attr      string              `json:"attr,omitempty"`
	Value     jsoniter.RawMessage `json:"value,omitempty"`
}

// Streamer owns one long-lived worker per partition, follows the partition
// map's owner-changed events and keeps the sink consistent with the current
// owner of every partition.
type Streamer struct {
	services.Service

	cfg     Config
	logger  log.Logger
	sink    Sink
	partMap *partition.Map
	clients ClientFactory

	mtx     sync.Mutex
	workers map[int]*worker
	changes chan partition.Change

	metrics streamerMetrics
}

func New(cfg Config, partMap *partition.Map, sink Sink, clients ClientFactory, logger log.Logger, reg prometheus.Registerer) *Streamer {
	cfg.ApplyDefaults()
	s := &Streamer{
		cfg:     cfg,
		logger:  logger,
		sink:    sink,
		partMap: partMap,
		clients: clients,
		workers: map[int]*worker{},
		metrics: newStreamerMetrics(reg),
	}
	s.Service = services.NewBasicService(s.starting, s.running, s.stopping)
	return s
}

func (s *Streamer) starting(context.Context) error {
	// Partitions owned before we subscribed are replayed by the map, so
	// everything funnels through one path.
	s.changes = s.partMap.Subscribe()
	return nil
}

func (s *Streamer) running(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ch := <-s.changes:
			s.ownerChanged(ctx, ch)
		}
	}
}

func (s *Streamer) stopping(error) error {
	s.partMap.Unsubscribe(s.changes)

	s.mtx.Lock()
	defer s.mtx.Unlock()
	for p, w := range s.workers {
		w.stop()
		delete(s.workers, p)
	}
	return nil
}

// ownerChanged tears down the old subscription, clears the partition's
// contributions and re-establishes with the new owner. Clearing strictly
// precedes any new-owner ingestion.
func (s *Streamer) ownerChanged(ctx context.Context, ch partition.Change) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if w, ok := s.workers[ch.Partition]; ok {
		w.stop()
		delete(s.workers, ch.Partition)
	}

	s.sink.ClearPartition(ch.Partition)
	s.metrics.resyncs.Inc()

	if ch.New == nil {
		level.Info(s.logger).Log("msg", "partition unowned", "partition", ch.Partition)
		return
	}

	level.Info(s.logger).Log("msg", "partition owner changed", "partition", ch.Partition,
		"owner", ch.New.InstanceID, "addr", ch.New.Addr(), "acq_time", ch.New.AcqTime)

	w := newWorker(s.cfg, ch.Partition, *ch.New, s.sink, s.clients, s.logger, s.metrics)
	s.workers[ch.Partition] = w
	w.start(ctx)
}

// worker follows a single partition owner.
type worker struct {
	cfg    Config
	part   int
	owner  partition.Owner
	sink   Sink
	client *shard.Client
	logger log.Logger

	cancel context.CancelFunc
	done   chan struct{}

	metrics streamerMetrics
}

func newWorker(cfg Config, part int, owner partition.Owner, sink Sink, clients ClientFactory, logger log.Logger, m streamerMetrics) *worker {
	return &worker{
		cfg:     cfg,
		part:    part,
		owner:   owner,
		sink:    sink,
		client:  clients(owner.Addr()),
		logger:  log.With(logger, "partition", part, "owner", owner.InstanceID),
		metrics: m,
	}
}

func (w *worker) start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	w.cancel = cancel
	w.done = make(chan struct{})
	go func() {
		defer close(w.done)
		w.run(ctx)
	}()
}

func (w *worker) stop() {
	if w.cancel != nil {
		w.cancel()
		<-w.done
	}
}

// run subscribes to the owner's change stream and applies events in the
// order emitted. Subscription failures reconnect to the same owner with
// exponential backoff until the owner changes.
func (w *worker) run(ctx context.Context) {
	boff := backoff.New(ctx, w.cfg.Backoff)
	channel := Channel(w.owner.InstanceID, w.part)

	for boff.Ongoing() {
		sub, err := w.client.Subscribe(ctx, channel)
		if err != nil {
			level.Warn(w.logger).Log("msg", "subscription failed, backing off", "err", err)
			boff.Wait()
			continue
		}
		boff.Reset()

		msgs := sub.Channel()
	recv:
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case msg, ok := <-msgs:
				if !ok {
					level.Warn(w.logger).Log("msg", "subscription dropped, reconnecting")
					_ = sub.Close()
					boff.Wait()
					break recv
				}
				w.apply([]byte(msg.Payload))
			}
		}
	}
}

func (w *worker) apply(payload []byte) {
	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		level.Warn(w.logger).Log("msg", "dropping undecodable event", "err", err)
		return
	}
	w.metrics.events.WithLabelValues(ev.Type).Inc()

	switch ev.Type {
	case "add", "mod":
		w.sink.AddAttr(w.part, ev.Key, ev.Producer, ev.Attr, ev.Value)
	case "del":
		if ev.Attr == "" {
			w.sink.RemoveProducer(w.part, ev.Key, ev.Producer)
		} else {
			w.sink.RemoveAttr(w.part, ev.Key, ev.Producer, ev.Attr)
		}
	default:
		level.Warn(w.logger).Log("msg", "dropping event of unknown type", "type", ev.Type)
	}
}
