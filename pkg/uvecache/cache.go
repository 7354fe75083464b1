// Package uvecache holds the merged in-memory view of UVEs across shards:
// partition -> uve key -> producer -> attribute -> contribution. It is
// written only by the per-partition streamer workers and read by the REST
// surface.
package uvecache

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/go-kit/log"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// scanChunk bounds how many keys a wildcard scan materialises between lock
// acquisitions, so scans cannot starve point lookups.
const scanChunk = 64

type Cache struct {
	logger log.Logger
	parts  []*cachePartition

	attrsStored prometheus.Gauge
}

// table -> name -> producer -> attr -> raw contribution
type partState map[string]map[string]map[string]map[string]jsoniter.RawMessage

type cachePartition struct {
	mtx  sync.RWMutex
	uves partState
}

func New(totalPartitions int, logger log.Logger, reg prometheus.Registerer) *Cache {
	c := &Cache{
		logger: logger,
		parts:  make([]*cachePartition, totalPartitions),
		attrsStored: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: "opserver",
			Name:      "uve_cache_attributes",
			Help:      "Number of per-producer attribute contributions held in the UVE cache.",
		}),
	}
	for i := range c.parts {
		c.parts[i] = &cachePartition{uves: partState{}}
	}
	return c
}

// SplitKey splits a UVE key "Table:Name" on the first colon.
func SplitKey(key string) (table, name string, ok bool) {
	idx := strings.Index(key, ":")
	if idx <= 0 || idx == len(key)-1 {
		return "", "", false
	}
	return key[:idx], key[idx+1:], true
}

func sourceOf(producer string) string {
	return strings.SplitN(producer, ":", 2)[0]
}

func moduleOf(producer string) string {
	parts := strings.Split(producer, ":")
	if len(parts) < 3 {
		return ""
	}
	return parts[2]
}

func (c *Cache) part(p int) *cachePartition {
	if p < 0 || p >= len(c.parts) {
		return nil
	}
	return c.parts[p]
}

// AddAttr records one producer's contribution for one attribute. Add and
// mod are the same operation on the cache.
func (c *Cache) AddAttr(p int, key, producer, attr string, value []byte) {
	cp := c.part(p)
	if cp == nil {
		return
	}
	table, name, ok := SplitKey(key)
	if !ok {
		return
	}

	cp.mtx.Lock()
	defer cp.mtx.Unlock()

	names, ok := cp.uves[table]
	if !ok {
		names = map[string]map[string]map[string]jsoniter.RawMessage{}
		cp.uves[table] = names
	}
	producers, ok := names[name]
	if !ok {
		producers = map[string]map[string]jsoniter.RawMessage{}
		names[name] = producers
	}
	attrs, ok := producers[producer]
	if !ok {
		attrs = map[string]jsoniter.RawMessage{}
		producers[producer] = attrs
	}
	if _, existed := attrs[attr]; !existed {
		c.attrsStored.Inc()
	}
	attrs[attr] = append(jsoniter.RawMessage(nil), value...)
}

// RemoveAttr withdraws one attribute of one producer's contribution.
func (c *Cache) RemoveAttr(p int, key, producer, attr string) {
	cp := c.part(p)
	if cp == nil {
		return
	}
	table, name, ok := SplitKey(key)
	if !ok {
		return
	}

	cp.mtx.Lock()
	defer cp.mtx.Unlock()

	attrs := cp.uves[table][name][producer]
	if _, existed := attrs[attr]; !existed {
		return
	}
	delete(attrs, attr)
	c.attrsStored.Dec()
	cp.prune(table, name, producer)
}

// RemoveProducer withdraws a producer's entire contribution to a UVE. The
// UVE is destroyed when its last contribution is withdrawn.
func (c *Cache) RemoveProducer(p int, key, producer string) {
	cp := c.part(p)
	if cp == nil {
		return
	}
	table, name, ok := SplitKey(key)
	if !ok {
		return
	}

	cp.mtx.Lock()
	defer cp.mtx.Unlock()

	c.attrsStored.Sub(float64(len(cp.uves[table][name][producer])))
	delete(cp.uves[table][name], producer)
	cp.prune(table, name, "")
}

// ClearPartition drops every contribution held for a partition. The
// streamer calls this before ingesting from a new owner so stale
// contributions cannot linger.
func (c *Cache) ClearPartition(p int) {
	cp := c.part(p)
	if cp == nil {
		return
	}

	cp.mtx.Lock()
	defer cp.mtx.Unlock()

	removed := 0
	for _, names := range cp.uves {
		for _, producers := range names {
			for _, attrs := range producers {
				removed += len(attrs)
			}
		}
	}
	c.attrsStored.Sub(float64(removed))
	cp.uves = partState{}
}

// prune removes empty inner maps bottom-up. Callers hold the write lock.
func (cp *cachePartition) prune(table, name, producer string) {
	names, ok := cp.uves[table]
	if !ok {
		return
	}
	producers, ok := names[name]
	if !ok {
		return
	}
	if producer != "" {
		if attrs, ok := producers[producer]; ok && len(attrs) == 0 {
			delete(producers, producer)
		}
	}
	if len(producers) == 0 {
		delete(names, name)
	}
	if len(names) == 0 {
		delete(cp.uves, table)
	}
}

// GetUVE returns the merged value of (table, name) after applying filters.
// The second return is false when the UVE is absent or filtering erased
// every contribution. With alarmsOnly only the alarm attribute is surfaced.
func (c *Cache) GetUVE(table, name string, f Filters, alarmsOnly bool) (map[string]interface{}, bool) {
	// producer -> attr -> raw
	contribs := map[string]map[string]jsoniter.RawMessage{}
	for _, cp := range c.parts {
		cp.mtx.RLock()
		for producer, attrs := range cp.uves[table][name] {
			dst, ok := contribs[producer]
			if !ok {
				dst = map[string]jsoniter.RawMessage{}
				contribs[producer] = dst
			}
			for attr, raw := range attrs {
				dst[attr] = raw
			}
		}
		cp.mtx.RUnlock()
	}

	byAttr := map[string][]contribution{}
	for producer, attrs := range contribs {
		if f.Source != "" && sourceOf(producer) != f.Source {
			continue
		}
		if f.Module != "" && moduleOf(producer) != f.Module {
			continue
		}
		for attr, raw := range attrs {
			if alarmsOnly && attr != AlarmAttribute {
				continue
			}
			if f.CFilt != nil {
				if _, ok := f.CFilt[attr]; !ok {
					continue
				}
			}
			byAttr[attr] = append(byAttr[attr], contribution{producer: producer, value: raw})
		}
	}

	merged := map[string]interface{}{}
	for attr, list := range byAttr {
		val := mergeAttr(list)
		if attr == AlarmAttribute && f.AckFilt != nil {
			var ok bool
			val, ok = filterAlarms(val, *f.AckFilt)
			if !ok {
				continue
			}
		}
		if f.CFilt != nil {
			val = projectStruct(val, f.CFilt[attr])
		}
		merged[attr] = val
	}
	if len(merged) == 0 {
		return nil, false
	}
	return merged, true
}

// GetUVEList returns the set of keys of a table that pass kfilt and, when
// sfilt/mfilt are set, still have a matching contribution.
func (c *Cache) GetUVEList(table string, f Filters, alarmsOnly bool) []string {
	seen := map[string]struct{}{}
	for _, cp := range c.parts {
		cp.mtx.RLock()
		for name, producers := range cp.uves[table] {
			if !f.matchKey(name) {
				continue
			}
			for producer, attrs := range producers {
				if f.Source != "" && sourceOf(producer) != f.Source {
					continue
				}
				if f.Module != "" && moduleOf(producer) != f.Module {
					continue
				}
				if alarmsOnly {
					if _, ok := attrs[AlarmAttribute]; !ok {
						continue
					}
				}
				seen[name] = struct{}{}
				break
			}
		}
		cp.mtx.RUnlock()
	}

	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Entry is one element of a wildcard scan.
type Entry struct {
	Name  string
	Value map[string]interface{}
}

// MultiUVEGet walks a table lazily and sends the merged value of every key
// matching the filters. The walk yields between bounded chunks: key
// enumeration takes the read locks briefly, and every point merge
// re-acquires them, so concurrent point lookups and writers are not starved.
// The returned channel is closed when the scan completes or ctx is done.
func (c *Cache) MultiUVEGet(ctx context.Context, table string, f Filters, alarmsOnly bool) <-chan Entry {
	out := make(chan Entry)
	go func() {
		defer close(out)
		names := c.GetUVEList(table, f, alarmsOnly)
		for i := 0; i < len(names); i += scanChunk {
			end := i + scanChunk
			if end > len(names) {
				end = len(names)
			}
			for _, name := range names[i:end] {
				val, ok := c.GetUVE(table, name, f, alarmsOnly)
				if !ok {
					continue
				}
				select {
				case out <- Entry{Name: name, Value: val}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

// Tables returns every UVE table currently present in the cache.
func (c *Cache) Tables() []string {
	seen := map[string]struct{}{}
	for _, cp := range c.parts {
		cp.mtx.RLock()
		for table := range cp.uves {
			seen[table] = struct{}{}
		}
		cp.mtx.RUnlock()
	}
	out := make([]string, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
