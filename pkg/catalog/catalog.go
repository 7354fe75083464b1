// Package catalog holds the virtual-table catalog: the static log and flow
// tables, one object table per registered object type, and the synthesized
// statistics tables. It routes external table names onto the query and UVE
// back-ends and answers column-value enumeration.
package catalog

import (
	"context"
	"sort"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/openfabric/opserver/pkg/shard"
	"github.com/openfabric/opserver/pkg/uvecache"
)

// UVEIndex is the cache view the catalog needs: object keys currently
// known for an object table.
type UVEIndex interface {
	GetUVEList(table string, f uvecache.Filters, alarmsOnly bool) []string
}

// ShardSource yields the current kv-shard set, scanned for generator
// enumeration.
type ShardSource interface {
	Clients() []*shard.Client
}

type Catalog struct {
	tables []Table
	byName map[string]*Table

	uves   UVEIndex
	shards ShardSource
	logger log.Logger
}

// New composes the catalog from its three sources: the fixed log/flow
// list, the object tables, and the expanded statistics tables.
func New(uves UVEIndex, shards ShardSource, logger log.Logger) *Catalog {
	c := &Catalog{
		uves:   uves,
		shards: shards,
		logger: logger,
		byName: map[string]*Table{},
	}

	c.tables = append(c.tables, fixedTables...)

	objNames := make([]string, 0, len(UVETables))
	for _, table := range UVETables {
		objNames = append(objNames, table)
	}
	sort.Strings(objNames)
	for _, name := range objNames {
		c.tables = append(c.tables, Table{
			Name:         name,
			DisplayName:  name,
			Schema:       objectTableSchema,
			ColumnValues: objectTableColumnValues,
		})
	}

	for _, decl := range statTableDecls {
		c.tables = append(c.tables, Table{
			Name:         statTableName(decl),
			DisplayName:  decl.DisplayName,
			Schema:       expandStatSchema(decl),
			ColumnValues: []string{StatObjectIDField, StatSourceField},
			ObjTable:     decl.ObjTable,
		})
	}

	for i := range c.tables {
		c.byName[c.tables[i].Name] = &c.tables[i]
	}
	return c
}

// Tables returns the catalog in registration order.
func (c *Catalog) Tables() []Table { return c.tables }

func (c *Catalog) Get(name string) (*Table, bool) {
	t, ok := c.byName[name]
	return t, ok
}

func (c *Catalog) Has(name string) bool {
	_, ok := c.byName[name]
	return ok
}

// AlarmTypes returns the registered alarm types of a UVE type with their
// documentation strings, keyed by the REST-facing type name.
func (c *Catalog) AlarmTypes(uveType string) (map[string]string, bool) {
	table, ok := UVETables[uveType]
	if !ok {
		return nil, false
	}
	return registeredAlarmTypes(table), true
}

// ColumnValues enumerates the available values of a column. The shape
// depends on the column: generator-derived lists for module and source,
// static maps for category and level, and object keys for the statistics
// name column.
func (c *Catalog) ColumnValues(ctx context.Context, table, column string) interface{} {
	t, ok := c.byName[table]
	if !ok {
		return []string{}
	}
	supported := false
	for _, cv := range t.ColumnValues {
		if cv == column {
			supported = true
			break
		}
	}
	if !supported {
		return []string{}
	}

	switch column {
	case Module:
		_, modules := c.generatorInfo(ctx)
		return modules
	case Source:
		sources, _ := c.generatorInfo(ctx)
		return sources
	case "Category":
		return categoryMap
	case "Level":
		return levelList
	case StatObjectIDField:
		if t.ObjTable != "" {
			return c.uves.GetUVEList(t.ObjTable, uvecache.Filters{}, false)
		}
	}
	return []string{}
}

// generatorInfo derives the known sources and modules by scanning the
// NGENERATORS set of every kv-shard. Entries are src:node-type:module:inst.
func (c *Catalog) generatorInfo(ctx context.Context) (sources, modules []string) {
	sources, modules = []string{}, []string{}
	seenSrc := map[string]struct{}{}
	seenMod := map[string]struct{}{}
	for _, client := range c.shards.Clients() {
		members, err := client.SMembers(ctx, "NGENERATORS")
		if err != nil {
			level.Error(c.logger).Log("msg", "generator scan failed", "shard", client.Addr(), "err", err)
			continue
		}
		for _, member := range members {
			parts := strings.Split(member, ":")
			if len(parts) < 3 {
				continue
			}
			seenSrc[parts[0]] = struct{}{}
			seenMod[parts[2]] = struct{}{}
		}
	}
	for s := range seenSrc {
		sources = append(sources, s)
	}
	for m := range seenMod {
		modules = append(modules, m)
	}
	sort.Strings(sources)
	sort.Strings(modules)
	return sources, modules
}
