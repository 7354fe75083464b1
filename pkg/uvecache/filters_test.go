package uvecache

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseQueryFilters(t *testing.T) {
	q := url.Values{}
	q.Set("sfilt", "node-a")
	q.Set("mfilt", "contrail-collector")
	q.Set("cfilt", "NodeStatus:process_info,NodeStatus:disk_usage_info,UVEAlarms")
	q.Set("kfilt", "vn1,default:*")
	q.Set("ackfilt", "false")

	f, err := ParseQueryFilters(q)
	require.NoError(t, err)
	require.Equal(t, "node-a", f.Source)
	require.Equal(t, "contrail-collector", f.Module)
	require.Equal(t, map[string][]string{
		"NodeStatus": {"process_info", "disk_usage_info"},
		"UVEAlarms":  nil,
	}, f.CFilt)
	require.Equal(t, []string{"vn1", "default:*"}, f.KFilt)
	require.NotNil(t, f.AckFilt)
	require.False(t, *f.AckFilt)
}

func TestParseQueryFiltersEmpty(t *testing.T) {
	f, err := ParseQueryFilters(url.Values{})
	require.NoError(t, err)
	require.True(t, f.Empty())
}

func TestParseQueryFiltersBadAckFilt(t *testing.T) {
	q := url.Values{}
	q.Set("ackfilt", "maybe")
	_, err := ParseQueryFilters(q)
	require.Error(t, err)
}

func TestParseBodyFilters(t *testing.T) {
	f, err := ParseBodyFilters([]byte(`{"kfilt": ["vn*"], "sfilt": "node-a", "cfilt": ["NodeStatus:process_info"]}`))
	require.NoError(t, err)
	require.Equal(t, []string{"vn*"}, f.KFilt)
	require.Equal(t, "node-a", f.Source)
	require.Equal(t, map[string][]string{"NodeStatus": {"process_info"}}, f.CFilt)
}

func TestParseBodyFiltersDefaultsToWildcard(t *testing.T) {
	f, err := ParseBodyFilters([]byte(`{}`))
	require.NoError(t, err)
	require.Equal(t, []string{"*"}, f.KFilt)
}

func TestParseBodyFiltersInvalid(t *testing.T) {
	_, err := ParseBodyFilters([]byte(`not json`))
	require.Error(t, err)
}

func TestGlobMatch(t *testing.T) {
	tests := []struct {
		pattern string
		s       string
		want    bool
	}{
		{"*", "anything", true},
		{"vn1", "vn1", true},
		{"vn1", "vn2", false},
		{"vn*", "vn1", true},
		{"vn*", "xvn1", false},
		{"*vn", "myvn", true},
		{"a*b*c", "aXbYc", true},
		{"a*b*c", "aXcYb", false},
		{"default:*:vn1", "default:proj:vn1", true},
	}
	for _, tc := range tests {
		require.Equal(t, tc.want, globMatch(tc.pattern, tc.s), "pattern %q against %q", tc.pattern, tc.s)
	}
}
