package catalog

import "sort"

// UVETables maps the REST-facing UVE type names onto their backing tables.
var UVETables = map[string]string{
	"virtual-network":  "ObjectVNTable",
	"virtual-machine":  "ObjectVMTable",
	"vrouter":          "ObjectVRouter",
	"bgp-router":       "ObjectBgpRouter",
	"bgp-peer":         "ObjectBgpPeer",
	"xmpp-peer":        "ObjectXmppConnection",
	"collector":        "ObjectCollectorInfo",
	"generator":        "ObjectGeneratorInfo",
	"config-node":      "ObjectConfigNode",
	"database-node":    "ObjectDatabaseInfo",
	"service-instance": "ObjectSITable",
}

// UVETypeNames returns the REST-facing UVE type names, sorted.
func UVETypeNames() []string {
	names := make([]string, 0, len(UVETables))
	for name := range UVETables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

var messageTableColumns = []ColumnSchema{
	{Name: "MessageTS", Datatype: "int"},
	{Name: Source, Datatype: "string", Indexed: true},
	{Name: Module, Datatype: "string", Indexed: true},
	{Name: "Category", Datatype: "string", Indexed: true},
	{Name: "Level", Datatype: "int", Indexed: true},
	{Name: "Messagetype", Datatype: "string", Indexed: true},
	{Name: "SequenceNum", Datatype: "int"},
	{Name: "Context", Datatype: "string"},
	{Name: "Xmlmessage", Datatype: "string"},
}

var flowColumns = []ColumnSchema{
	{Name: "vrouter", Datatype: "string", Indexed: true},
	{Name: "sourcevn", Datatype: "string", Indexed: true},
	{Name: "sourceip", Datatype: "ipv4", Indexed: true},
	{Name: "destvn", Datatype: "string", Indexed: true},
	{Name: "destip", Datatype: "ipv4", Indexed: true},
	{Name: "protocol", Datatype: "int", Indexed: true},
	{Name: "sport", Datatype: "int", Indexed: true},
	{Name: "dport", Datatype: "int", Indexed: true},
	{Name: "setup_time", Datatype: "int"},
	{Name: "teardown_time", Datatype: "int"},
	{Name: "agg-packets", Datatype: "int"},
	{Name: "agg-bytes", Datatype: "int"},
}

var overlayUnderlayColumns = []ColumnSchema{
	{Name: "o_svn", Datatype: "string", Indexed: true},
	{Name: "o_sip", Datatype: "ipv4", Indexed: true},
	{Name: "o_dvn", Datatype: "string", Indexed: true},
	{Name: "o_dip", Datatype: "ipv4", Indexed: true},
	{Name: "o_sport", Datatype: "int"},
	{Name: "o_dport", Datatype: "int"},
	{Name: "o_protocol", Datatype: "int", Indexed: true},
	{Name: "o_vrouter", Datatype: "string", Indexed: true},
}

// fixedTables is the static list of log and flow tables.
var fixedTables = []Table{
	{
		Name:         "MessageTable",
		DisplayName:  "Message Table",
		Schema:       Schema{Type: TypeLog, Columns: messageTableColumns},
		ColumnValues: []string{Module, Source, "Category", "Level", "Messagetype"},
	},
	{
		Name:        "FlowRecordTable",
		DisplayName: "Flow Record Table",
		Schema:      Schema{Type: TypeFlow, Columns: flowColumns},
	},
	{
		Name:        "FlowSeriesTable",
		DisplayName: "Flow Series Table",
		Schema:      Schema{Type: TypeFlow, Columns: flowColumns},
	},
	{
		Name:        OverlayToUnderlayFlowMap,
		DisplayName: "Overlay To Underlay Flow Map",
		Schema:      Schema{Type: TypeFlow, Columns: overlayUnderlayColumns},
	},
}

// objectTableSchema is shared by every object table.
var objectTableSchema = Schema{
	Type: TypeObject,
	Columns: []ColumnSchema{
		{Name: "ObjectId", Datatype: "string", Indexed: true},
		{Name: "MessageTS", Datatype: "int"},
		{Name: Source, Datatype: "string", Indexed: true},
		{Name: Module, Datatype: "string", Indexed: true},
		{Name: "Messagetype", Datatype: "string", Indexed: true},
		{Name: "ObjectLog", Datatype: "string"},
		{Name: "SystemLog", Datatype: "string"},
	},
}

var objectTableColumnValues = []string{"ObjectId", Source, Module, "Messagetype"}

// statTableDecls declares the statistics-table family; the catalog expands
// each declaration into a full schema at startup.
var statTableDecls = []StatTableDecl{
	{
		StatType:    "AnalyticsCpuState",
		StatAttr:    "cpu_info",
		DisplayName: "Analytics CPU Information",
		ObjTable:    "ObjectCollectorInfo",
		Attributes: []ColumnSchema{
			{Name: "cpu_info.module_id", Datatype: "string", Indexed: true},
			{Name: "cpu_info.inst_id", Datatype: "string", Indexed: true},
			{Name: "cpu_info.cpu_share", Datatype: "double"},
			{Name: "cpu_info.mem_virt", Datatype: "int"},
		},
	},
	{
		StatType:    "VrouterStatsAgent",
		StatAttr:    "phy_if_band",
		DisplayName: "Vrouter Interface Bandwidth",
		ObjTable:    "ObjectVRouter",
		Attributes: []ColumnSchema{
			{Name: StatObjectIDField, Datatype: "string", Indexed: true},
			{Name: "phy_if_band.in_bandwidth_usage", Datatype: "int"},
			{Name: "phy_if_band.out_bandwidth_usage", Datatype: "int"},
		},
	},
	{
		StatType:    "UFlowData",
		StatAttr:    "flow",
		DisplayName: "Underlay Flow",
		Attributes: []ColumnSchema{
			{Name: "flow.sip", Datatype: "string", Indexed: true},
			{Name: "flow.dip", Datatype: "string", Indexed: true},
			{Name: "flow.sport", Datatype: "int"},
			{Name: "flow.dport", Datatype: "int"},
			{Name: "flow.protocol", Datatype: "int", Indexed: true},
			{Name: "flow.flowtype", Datatype: "string", Indexed: true},
		},
	},
	{
		StatType:    "FieldNames",
		StatAttr:    "fields",
		DisplayName: "Field Names",
		Attributes: []ColumnSchema{
			{Name: "fields.value", Datatype: "string", Indexed: true},
		},
	},
}

// severity levels surfaced through the Level column values
var levelList = []map[int]string{
	{0: "SYS_EMERG"},
	{1: "SYS_ALERT"},
	{2: "SYS_CRIT"},
	{3: "SYS_ERR"},
	{4: "SYS_WARN"},
	{5: "SYS_NOTICE"},
	{6: "SYS_INFO"},
	{7: "SYS_DEBUG"},
}

// categoryMap lists the log categories each module emits.
var categoryMap = map[string][]string{
	"contrail-collector":     {"_default_", "UVE"},
	"contrail-query-engine":  {"_default_"},
	"contrail-analytics-api": {"_default_", "DiscoveryMsg"},
	"contrail-control":       {"_default_", "BGP", "XMPP", "IFMap"},
	"contrail-vrouter-agent": {"_default_", "Flow", "Interface", "VRouter"},
	"contrail-api":           {"_default_", "VncCfg"},
}
