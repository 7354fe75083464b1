package uvestream

import (
	"context"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-kit/log"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/openfabric/opserver/pkg/partition"
	"github.com/openfabric/opserver/pkg/shard"
)

type sinkCall struct {
	op       string
	part     int
	key      string
	producer string
	attr     string
	value    string
}

type recordSink struct {
	mtx   sync.Mutex
	calls []sinkCall
}

func (r *recordSink) AddAttr(part int, key, producer, attr string, value []byte) {
	r.record(sinkCall{op: "add", part: part, key: key, producer: producer, attr: attr, value: string(value)})
}

func (r *recordSink) RemoveAttr(part int, key, producer, attr string) {
	r.record(sinkCall{op: "del-attr", part: part, key: key, producer: producer, attr: attr})
}

func (r *recordSink) RemoveProducer(part int, key, producer string) {
	r.record(sinkCall{op: "del-producer", part: part, key: key, producer: producer})
}

func (r *recordSink) ClearPartition(part int) {
	r.record(sinkCall{op: "clear", part: part})
}

func (r *recordSink) record(c sinkCall) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.calls = append(r.calls, c)
}

func (r *recordSink) snapshot() []sinkCall {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return append([]sinkCall(nil), r.calls...)
}

func ownerFor(t *testing.T, id string, mr *miniredis.Miniredis, acq int64) partition.Owner {
	t.Helper()
	host, portStr, err := net.SplitHostPort(mr.Addr())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return partition.Owner{InstanceID: id, IP: host, Port: port, AcqTime: acq}
}

func startStreamer(t *testing.T, partMap *partition.Map, sink Sink) *Streamer {
	t.Helper()
	reg := shard.NewRegistry(prometheus.NewRegistry())
	pool := shard.NewPool(shard.RoleUVE, shard.Config{}, reg, log.NewNopLogger())
	t.Cleanup(pool.Close)

	s := New(Config{}, partMap, sink, pool.For, log.NewNopLogger(), prometheus.NewRegistry())
	require.NoError(t, services.StartAndAwaitRunning(context.Background(), s))
	t.Cleanup(func() {
		require.NoError(t, services.StopAndAwaitTerminated(context.Background(), s))
	})
	return s
}

// publish keeps publishing until the worker's subscription picks the
// message up, since the subscribe races the publish.
func publish(t *testing.T, mr *miniredis.Miniredis, channel, payload string, delivered func() bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		mr.Publish(channel, payload)
		return delivered()
	}, 5*time.Second, 50*time.Millisecond)
}

func TestStreamerIngestsOwnedPartition(t *testing.T) {
	mr := miniredis.RunT(t)
	partMap := partition.NewMap(4, log.NewNopLogger())
	partMap.ApplySnapshot([]partition.Assignment{
		{Partition: 0, Owner: ownerFor(t, "i1", mr, 1)},
	})

	sink := &recordSink{}
	startStreamer(t, partMap, sink)

	channel := Channel("i1", 0)
	payload := `{"partition": 0, "key": "ObjectVNTable:vn1", "gen": "node-a:Compute:agent:0", "type": "add", "attr": "stats", "value": {"a": 1}}`
	publish(t, mr, channel, payload, func() bool {
		for _, c := range sink.snapshot() {
			if c.op == "add" {
				return true
			}
		}
		return false
	})

	calls := sink.snapshot()
	// the partition is cleared before any ingestion from its owner
	require.Equal(t, "clear", calls[0].op)
	require.Equal(t, 0, calls[0].part)

	var add sinkCall
	for _, c := range calls {
		if c.op == "add" {
			add = c
			break
		}
	}
	require.Equal(t, "ObjectVNTable:vn1", add.key)
	require.Equal(t, "node-a:Compute:agent:0", add.producer)
	require.Equal(t, "stats", add.attr)
	require.JSONEq(t, `{"a": 1}`, add.value)
}

func TestStreamerAppliesDeletes(t *testing.T) {
	mr := miniredis.RunT(t)
	partMap := partition.NewMap(4, log.NewNopLogger())
	partMap.ApplySnapshot([]partition.Assignment{
		{Partition: 1, Owner: ownerFor(t, "i1", mr, 1)},
	})

	sink := &recordSink{}
	startStreamer(t, partMap, sink)

	channel := Channel("i1", 1)
	publish(t, mr, channel,
		`{"partition": 1, "key": "ObjectVNTable:vn1", "gen": "p1", "type": "del", "attr": "stats"}`,
		func() bool {
			for _, c := range sink.snapshot() {
				if c.op == "del-attr" {
					return true
				}
			}
			return false
		})
	publish(t, mr, channel,
		`{"partition": 1, "key": "ObjectVNTable:vn1", "gen": "p1", "type": "del"}`,
		func() bool {
			for _, c := range sink.snapshot() {
				if c.op == "del-producer" {
					return true
				}
			}
			return false
		})
}

func TestStreamerOwnerChangeClearsBeforeReingest(t *testing.T) {
	mr1 := miniredis.RunT(t)
	mr2 := miniredis.RunT(t)
	partMap := partition.NewMap(4, log.NewNopLogger())
	partMap.ApplySnapshot([]partition.Assignment{
		{Partition: 0, Owner: ownerFor(t, "i1", mr1, 1)},
	})

	sink := &recordSink{}
	startStreamer(t, partMap, sink)

	publish(t, mr1, Channel("i1", 0),
		`{"partition": 0, "key": "ObjectVNTable:vn1", "gen": "p1", "type": "add", "attr": "stats", "value": {}}`,
		func() bool {
			for _, c := range sink.snapshot() {
				if c.op == "add" {
					return true
				}
			}
			return false
		})

	// a newer acquisition moves the partition to a second owner
	partMap.ApplySnapshot([]partition.Assignment{
		{Partition: 0, Owner: ownerFor(t, "i2", mr2, 2)},
	})

	publish(t, mr2, Channel("i2", 0),
		`{"partition": 0, "key": "ObjectVNTable:vn2", "gen": "p2", "type": "add", "attr": "stats", "value": {}}`,
		func() bool {
			for _, c := range sink.snapshot() {
				if c.op == "add" && c.key == "ObjectVNTable:vn2" {
					return true
				}
			}
			return false
		})

	// the clear for the handover lands after the old owner's events and
	// before any of the new owner's
	calls := sink.snapshot()
	firstNew, lastClear := -1, -1
	for i, c := range calls {
		if c.op == "add" && c.key == "ObjectVNTable:vn2" && firstNew == -1 {
			firstNew = i
		}
		if c.op == "clear" && firstNew == -1 {
			lastClear = i
		}
	}
	require.Greater(t, firstNew, 0)
	require.Greater(t, lastClear, 0, "no clear between the owners")
}

func TestQueueSinkEvents(t *testing.T) {
	q := NewQueueSink(context.Background(), 8)
	q.AddAttr(2, "ObjectVNTable:vn1", "p1", "stats", []byte(`{"a": 1}`))
	q.RemoveProducer(2, "ObjectVNTable:vn1", "p1")
	q.ClearPartition(2)

	ev := <-q.C
	require.Equal(t, "mod", ev.Type)
	require.Equal(t, "ObjectVNTable:vn1", ev.Key)
	ev = <-q.C
	require.Equal(t, "del", ev.Type)
	require.Empty(t, ev.Attr)
	ev = <-q.C
	require.Equal(t, "sync", ev.Type)
}

func TestChannelName(t *testing.T) {
	require.Equal(t, "uve-partition:i1:3", Channel("i1", 3))
}
