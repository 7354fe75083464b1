package frontend

import (
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

// Overlay flow columns map onto underlay flow statistics columns; the
// overlay table itself has no backing storage.
const underlayFlowTable = "StatTable.UFlowData.flow"

var overlaySelectMap = map[string]string{
	"u_prouter":  "name",
	"u_sip":      "flow.sip",
	"u_dip":      "flow.dip",
	"u_sport":    "flow.sport",
	"u_dport":    "flow.dport",
	"u_protocol": "flow.protocol",
	"u_flowtype": "flow.flowtype",
}

var overlayWhereMap = map[string]string{
	"o_sip":      "flow.sip",
	"o_dip":      "flow.dip",
	"o_sport":    "flow.sport",
	"o_dport":    "flow.dport",
	"o_protocol": "flow.protocol",
	"o_vrouter":  "name",
}

// overlayToUnderlayQuery rewrites an overlay flow-map query into the
// equivalent underlay statistics query. It is a pure translation of the
// request document; the rewritten query goes through the normal engine path.
func overlayToUnderlayQuery(body []byte) ([]byte, error) {
	var q map[string]jsoniter.RawMessage
	if err := json.Unmarshal(body, &q); err != nil {
		return nil, errors.Wrap(err, "invalid overlay query")
	}

	table, _ := json.Marshal(underlayFlowTable)
	q["table"] = table

	if raw, ok := q["select_fields"]; ok {
		var fields []string
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, errors.Wrap(err, "invalid overlay select_fields")
		}
		for i, field := range fields {
			mapped, ok := overlaySelectMap[field]
			if !ok {
				return nil, errors.Errorf("unknown overlay select field %s", field)
			}
			fields[i] = mapped
		}
		sel, _ := json.Marshal(fields)
		q["select_fields"] = sel
	}

	if raw, ok := q["where"]; ok {
		var terms [][]map[string]jsoniter.RawMessage
		if err := json.Unmarshal(raw, &terms); err != nil {
			return nil, errors.Wrap(err, "invalid overlay where clause")
		}
		for _, andTerms := range terms {
			for _, match := range andTerms {
				nameRaw, ok := match["name"]
				if !ok {
					continue
				}
				var name string
				if err := json.Unmarshal(nameRaw, &name); err != nil {
					return nil, errors.Wrap(err, "invalid overlay where clause")
				}
				mapped, ok := overlayWhereMap[name]
				if !ok {
					return nil, errors.Errorf("unknown overlay where field %s", name)
				}
				mappedRaw, _ := json.Marshal(mapped)
				match["name"] = mappedRaw
			}
		}
		where, err := json.Marshal(terms)
		if err != nil {
			return nil, err
		}
		q["where"] = where
	}

	return json.Marshal(q)
}
