package catalog

import "sync"

// The alarm-type registry is the extension point through which alarm
// definitions attach to UVE tables: namespace registrations map a table to
// its alarm types and their documentation strings, surfaced through
// GET /analytics/alarms/<table>/types.

var (
	alarmMtx   sync.Mutex
	alarmTypes = map[string]map[string]string{}
)

// RegisterAlarmType attaches an alarm type with its documentation to a UVE
// table. Registrations normally happen from init of the package defining
// the alarm.
func RegisterAlarmType(uveTable, name, doc string) {
	alarmMtx.Lock()
	defer alarmMtx.Unlock()

	types, ok := alarmTypes[uveTable]
	if !ok {
		types = map[string]string{}
		alarmTypes[uveTable] = types
	}
	types[name] = doc
}

func registeredAlarmTypes(uveTable string) map[string]string {
	alarmMtx.Lock()
	defer alarmMtx.Unlock()

	out := map[string]string{}
	for name, doc := range alarmTypes[uveTable] {
		out[name] = doc
	}
	return out
}

func init() {
	RegisterAlarmType("ObjectCollectorInfo", "ProcessStatus",
		"Process(es) reporting as non-functional.")
	RegisterAlarmType("ObjectCollectorInfo", "ProcessConnectivity",
		"Process(es) reporting as non-functional components.")
	RegisterAlarmType("ObjectVRouter", "VrouterInterface",
		"Vrouter interface(s) in error state.")
	RegisterAlarmType("ObjectVRouter", "PartialSysinfoCompute",
		"System info of the compute node is incomplete.")
	RegisterAlarmType("ObjectBgpRouter", "BgpConnectivity",
		"BGP peer mismatch: not enough BGP peers are up.")
	RegisterAlarmType("ObjectBgpRouter", "XmppConnectivity",
		"XMPP peer mismatch: agents are not connected.")
	RegisterAlarmType("ObjectConfigNode", "ProcessStatus",
		"Process(es) reporting as non-functional.")
	RegisterAlarmType("ObjectDatabaseInfo", "DiskUsage",
		"Disk usage crosses the configured threshold.")
}
