package uvecache

import (
	"sort"

	jsoniter "github.com/json-iterator/go"
)

// AlarmAttribute is the structural attribute under which alarms are carried.
const AlarmAttribute = "UVEAlarms"

// contribution is one producer's value for one attribute.
type contribution struct {
	producer string
	value    jsoniter.RawMessage
}

// mergeAttr combines the per-producer contributions for a single attribute:
// lists concatenate, maps union with last-writer-wins per inner key, and
// scalars keep per-producer provenance keyed by source. Producers are
// visited in sorted order so the merge is deterministic.
func mergeAttr(contribs []contribution) interface{} {
	if len(contribs) == 1 {
		return decode(contribs[0].value)
	}
	sort.Slice(contribs, func(i, j int) bool { return contribs[i].producer < contribs[j].producer })

	decoded := make([]interface{}, len(contribs))
	allLists, allMaps := true, true
	for i, c := range contribs {
		decoded[i] = decode(c.value)
		if _, ok := decoded[i].([]interface{}); !ok {
			allLists = false
		}
		if _, ok := decoded[i].(map[string]interface{}); !ok {
			allMaps = false
		}
	}

	switch {
	case allLists:
		var out []interface{}
		for _, d := range decoded {
			out = append(out, d.([]interface{})...)
		}
		return out
	case allMaps:
		out := map[string]interface{}{}
		for _, d := range decoded {
			for k, v := range d.(map[string]interface{}) {
				out[k] = v
			}
		}
		return out
	default:
		out := map[string]interface{}{}
		for i, c := range contribs {
			out[sourceOf(c.producer)] = decoded[i]
		}
		return out
	}
}

func decode(raw jsoniter.RawMessage) interface{} {
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return v
}

// filterAlarms applies ackfilt to a merged UVEAlarms value, returning the
// filtered value and whether anything survived.
func filterAlarms(val interface{}, ack bool) (interface{}, bool) {
	m, ok := val.(map[string]interface{})
	if !ok {
		return val, true
	}
	alarms, ok := m["alarms"].([]interface{})
	if !ok {
		return val, true
	}
	var kept []interface{}
	for _, a := range alarms {
		entry, ok := a.(map[string]interface{})
		if !ok {
			continue
		}
		av, _ := entry["ack"].(bool)
		if av == ack {
			kept = append(kept, a)
		}
	}
	if len(kept) == 0 {
		return nil, false
	}
	out := map[string]interface{}{}
	for k, v := range m {
		out[k] = v
	}
	out["alarms"] = kept
	return out, true
}

// projectStruct applies a cfilt field list to a decoded attribute value.
func projectStruct(val interface{}, fields []string) interface{} {
	if len(fields) == 0 {
		return val
	}
	m, ok := val.(map[string]interface{})
	if !ok {
		return val
	}
	out := map[string]interface{}{}
	for _, f := range fields {
		if v, ok := m[f]; ok {
			out[f] = v
		}
	}
	return out
}
