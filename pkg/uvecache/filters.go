package uvecache

import (
	"net/url"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Filters restrict and project the merged view of a UVE. All are optional
// and AND-combined.
type Filters struct {
	// Source restricts to contributions from one source host.
	Source string
	// Module restricts to contributions from one module.
	Module string
	// CFilt projects per attribute: struct name to the set of fields to
	// keep. An empty field set keeps the entire struct.
	CFilt map[string][]string
	// KFilt lists key patterns; '*' is a multi-char glob.
	KFilt []string
	// AckFilt keeps only alarms whose ack flag matches.
	AckFilt *bool
}

func (f Filters) Empty() bool {
	return f.Source == "" && f.Module == "" && f.CFilt == nil && f.KFilt == nil && f.AckFilt == nil
}

// ParseQueryFilters builds Filters from URL query parameters:
// sfilt, mfilt, cfilt (comma list of Struct[:field]), kfilt (comma list),
// ackfilt (true|false).
func ParseQueryFilters(q url.Values) (Filters, error) {
	f := Filters{
		Source: q.Get("sfilt"),
		Module: q.Get("mfilt"),
	}
	if c := q.Get("cfilt"); c != "" {
		f.CFilt = parseCFilt(strings.Split(c, ","))
	}
	if k := q.Get("kfilt"); k != "" {
		f.KFilt = strings.Split(k, ",")
	}
	if a := q.Get("ackfilt"); a != "" {
		switch a {
		case "true":
			t := true
			f.AckFilt = &t
		case "false":
			t := false
			f.AckFilt = &t
		default:
			return Filters{}, errors.New("invalid ackfilt, must be true|false")
		}
	}
	return f, nil
}

// ParseBodyFilters builds Filters from a POSTed JSON filter document. kfilt
// defaults to the full wildcard when absent.
func ParseBodyFilters(body []byte) (Filters, error) {
	var req struct {
		KFilt   []string `json:"kfilt"`
		SFilt   string   `json:"sfilt"`
		MFilt   string   `json:"mfilt"`
		CFilt   []string `json:"cfilt"`
		AckFilt *bool    `json:"ackfilt"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return Filters{}, errors.Wrap(err, "invalid filter body")
	}
	f := Filters{
		Source:  req.SFilt,
		Module:  req.MFilt,
		KFilt:   req.KFilt,
		AckFilt: req.AckFilt,
	}
	if f.KFilt == nil {
		f.KFilt = []string{"*"}
	}
	if req.CFilt != nil {
		f.CFilt = parseCFilt(req.CFilt)
	}
	return f, nil
}

func parseCFilt(entries []string) map[string][]string {
	out := map[string][]string{}
	for _, e := range entries {
		parts := strings.SplitN(e, ":", 2)
		if len(parts) == 1 {
			if _, ok := out[parts[0]]; !ok {
				out[parts[0]] = nil
			}
			continue
		}
		out[parts[0]] = append(out[parts[0]], parts[1])
	}
	return out
}

// matchKey reports whether name matches any kfilt pattern. An empty kfilt
// matches everything.
func (f Filters) matchKey(name string) bool {
	if len(f.KFilt) == 0 {
		return true
	}
	for _, pat := range f.KFilt {
		if globMatch(pat, name) {
			return true
		}
	}
	return false
}

// globMatch supports '*' as a multi-character wildcard, nothing else.
func globMatch(pattern, s string) bool {
	if pattern == "*" {
		return true
	}
	parts := strings.Split(pattern, "*")
	if len(parts) == 1 {
		return pattern == s
	}
	if !strings.HasPrefix(s, parts[0]) {
		return false
	}
	s = s[len(parts[0]):]
	for i := 1; i < len(parts)-1; i++ {
		idx := strings.Index(s, parts[i])
		if idx < 0 {
			return false
		}
		s = s[idx+len(parts[i]):]
	}
	return strings.HasSuffix(s, parts[len(parts)-1])
}
