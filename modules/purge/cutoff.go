package purge

import (
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/openfabric/opserver/pkg/columnstore"
)

const timeInputLayout = "2006 Jan 2 15:04:05.999999"

// InputError is a malformed purge_input. It maps to HTTP 400.
type InputError struct {
	Reason string
}

func (e *InputError) Error() string { return e.Reason }

// ErrBeforeStart rejects a time input at or below the analytics start time.
var ErrBeforeStart = errors.New("purge input is less than analytics start time")

// CutoffsForPercent derives per-class cutoffs from a percentage of the
// retained time range. The range of a class is capped at its TTL, so a 100%
// purge of a class never reaches past the data its TTL still retains.
func CutoffsForPercent(nowUsec int64, st columnstore.StartTimes, ttl TTLConfig, percent float64) columnstore.Cutoffs {
	cutoff := func(start int64, ttlHours float64) int64 {
		timeRange := nowUsec - start
		if ttlUsec := int64(ttlHours * float64(time.Hour/time.Microsecond)); ttlUsec < timeRange {
			timeRange = ttlUsec
		}
		return nowUsec - int64((100.0-percent)*float64(timeRange)/100.0)
	}
	return columnstore.Cutoffs{
		Flow:  cutoff(st.Flow, ttl.FlowTTL),
		Stats: cutoff(st.Stat, ttl.StatisticsTTL),
		Msg:   cutoff(st.Msg, ttl.ConfigAuditTTL),
		Other: cutoff(st.Other, ttl.DataTTL),
	}
}

// ParseTimeInput converts a purge_input time literal to microseconds since
// epoch. Accepted forms are "now", "now-N{h,m,s}" and an absolute
// "YYYY MMM DD HH:MM:SS.ffffff" timestamp.
func ParseTimeInput(s string, now time.Time) (int64, error) {
	s = strings.TrimSpace(s)
	if strings.EqualFold(s, "now") {
		return now.UnixMicro(), nil
	}
	if rest, ok := strings.CutPrefix(strings.ToLower(s), "now-"); ok {
		d, err := time.ParseDuration(rest)
		if err != nil || d <= 0 {
			return 0, badTimeInput()
		}
		return now.Add(-d).UnixMicro(), nil
	}
	t, err := time.Parse(timeInputLayout, s)
	if err != nil {
		return 0, badTimeInput()
	}
	return t.UnixMicro(), nil
}

func badTimeInput() error {
	return &InputError{Reason: "valid time formats are 'YYYY MMM DD HH:MM:SS.ffffff', 'now', 'now-h/m/s' in purge_input"}
}
