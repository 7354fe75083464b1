// Package partition tracks which instance is authoritative for each UVE
// partition. Ownership is advertised by discovery; on conflicting
// announcements the record with the largest acquisition time wins.
package partition

import (
	"hash/fnv"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// Owner identifies the process currently authoritative for a partition.
type Owner struct {
	InstanceID string `json:"instance_id"`
	IP         string `json:"ip"`
	Port       int    `json:"port"`
	AcqTime    int64  `json:"acq_time"`
}

func (o Owner) Addr() string {
	return o.IP + ":" + strconv.Itoa(o.Port)
}

// Assignment is one record of a discovery snapshot.
type Assignment struct {
	Partition int
	Owner
}

// Change is emitted when a partition's owner differs from the previous
// snapshot. Old or New is nil when the partition appeared or vanished.
type Change struct {
	Partition int
	Old       *Owner
	New       *Owner
}

// Map is the partition to owner mapping. Writers build a new immutable
// snapshot and swap it in atomically; readers always see a fully formed
// map. Subscribers receive the ownership diff of every snapshot; a new
// subscription starts with synthetic changes replaying the current state.
type Map struct {
	total  int
	logger log.Logger

	cur atomic.Pointer[map[int]Owner]

	mtx  sync.Mutex // serialises ApplySnapshot and subscription changes
	subs map[chan Change]struct{}
}

func NewMap(totalPartitions int, logger log.Logger) *Map {
	m := &Map{
		total:  totalPartitions,
		logger: logger,
		subs:   map[chan Change]struct{}{},
	}
	empty := map[int]Owner{}
	m.cur.Store(&empty)
	return m
}

// Subscribe registers a change listener. The current state is replayed as
// synthetic adds before any subsequent diff, so a late subscriber converges.
func (m *Map) Subscribe() chan Change {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	ch := make(chan Change, 4*m.total)
	for p, o := range *m.cur.Load() {
		oCopy := o
		ch <- Change{Partition: p, New: &oCopy}
	}
	m.subs[ch] = struct{}{}
	return ch
}

func (m *Map) Unsubscribe(ch chan Change) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	delete(m.subs, ch)
}

// ApplySnapshot reduces a discovery snapshot into a new map and emits the
// diff against the current one. For each partition the record with the
// greatest acq_time wins, tie broken lexicographically on instance id. A
// record older than the currently held owner is ignored: per-partition
// acq_time is monotone.
func (m *Map) ApplySnapshot(assignments []Assignment) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	next := map[int]Owner{}
	for _, a := range assignments {
		if a.Partition < 0 || a.Partition >= m.total {
			level.Warn(m.logger).Log("msg", "ignoring out-of-range partition", "partition", a.Partition)
			continue
		}
		cur, ok := next[a.Partition]
		if !ok || wins(a.Owner, cur) {
			next[a.Partition] = a.Owner
		}
	}

	old := *m.cur.Load()

	// Regressions in acq_time keep the current owner.
	for p, o := range old {
		if n, ok := next[p]; ok && n.AcqTime < o.AcqTime {
			next[p] = o
		}
	}

	m.cur.Store(&next)

	for p, o := range old {
		n, ok := next[p]
		if !ok {
			oCopy := o
			m.emit(Change{Partition: p, Old: &oCopy})
			continue
		}
		if n != o {
			oCopy, nCopy := o, n
			m.emit(Change{Partition: p, Old: &oCopy, New: &nCopy})
		}
	}
	for p, n := range next {
		if _, ok := old[p]; !ok {
			nCopy := n
			m.emit(Change{Partition: p, New: &nCopy})
		}
	}
}

// emit fans a change out to every subscriber. Callers hold m.mtx. The send
// never blocks: a subscriber whose buffer is full loses its oldest events,
// so a stalled subscriber cannot wedge snapshot application.
func (m *Map) emit(c Change) {
	for ch := range m.subs {
	send:
		for {
			select {
			case ch <- c:
				break send
			default:
				select {
				case <-ch:
				default:
				}
			}
		}
	}
}

func wins(a, b Owner) bool {
	if a.AcqTime != b.AcqTime {
		return a.AcqTime > b.AcqTime
	}
	return a.InstanceID > b.InstanceID
}

// Lookup returns the current owner of partition p.
func (m *Map) Lookup(p int) (Owner, bool) {
	o, ok := (*m.cur.Load())[p]
	return o, ok
}

// Owners returns the current snapshot. The returned map is immutable.
func (m *Map) Owners() map[int]Owner {
	return *m.cur.Load()
}

func (m *Map) Total() int { return m.total }

// Covered reports whether every partition has an owner. This is the health
// signal for UVE aggregation.
func (m *Map) Covered() bool {
	return len(*m.cur.Load()) == m.total
}

// PartitionOf hashes a UVE key onto its partition. Every UVE key
// deterministically maps to exactly one partition.
func PartitionOf(key string, total int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(total))
}
