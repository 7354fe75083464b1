package discovery

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/require"

	"github.com/openfabric/opserver/pkg/partition"
)

func discoveryServer(t *testing.T, responses map[string]string) Config {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, ok := responses[r.URL.Path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)

	host, portStr, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return Config{Server: host, Port: port}
}

func TestCollectors(t *testing.T) {
	cfg := discoveryServer(t, map[string]string{
		"/services/Collector": `{"Collector": [
			{"ip-address": "10.0.0.1", "pid": 100},
			{"ip-address": "10.0.0.2", "pid": 200}
		]}`,
	})

	collectors, err := NewHTTPClient(cfg).Collectors(context.Background())
	require.NoError(t, err)
	require.Equal(t, []Collector{
		{IPAddress: "10.0.0.1", PID: 100},
		{IPAddress: "10.0.0.2", PID: 200},
	}, collectors)
}

func TestPartitions(t *testing.T) {
	cfg := discoveryServer(t, map[string]string{
		"/services/AlarmPartition": `{"AlarmPartition": [
			{"partition": "3", "instance-id": "i1", "ip-address": "10.0.0.1", "redis-port": "6379", "acq-time": "1700000000"},
			{"partition": "bogus", "instance-id": "i2", "ip-address": "10.0.0.2", "redis-port": "6379", "acq-time": "1"}
		]}`,
	})

	assignments, err := NewHTTPClient(cfg).Partitions(context.Background())
	require.NoError(t, err)
	// the malformed record is skipped
	require.Equal(t, []partition.Assignment{
		{Partition: 3, Owner: partition.Owner{
			InstanceID: "i1", IP: "10.0.0.1", Port: 6379, AcqTime: 1700000000,
		}},
	}, assignments)
}

func TestDiscoveryErrors(t *testing.T) {
	cfg := discoveryServer(t, map[string]string{
		"/services/Collector": `not json`,
	})
	c := NewHTTPClient(cfg)
	ctx := context.Background()

	_, err := c.Collectors(ctx)
	require.Error(t, err)
	_, err = c.Partitions(ctx) // 404
	require.Error(t, err)
}

type fakeDiscovery struct {
	mtx        sync.Mutex
	collectors []Collector
	partitions []partition.Assignment
	err        error
}

func (f *fakeDiscovery) Collectors(context.Context) ([]Collector, error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	return f.collectors, f.err
}

func (f *fakeDiscovery) Partitions(context.Context) ([]partition.Assignment, error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	return f.partitions, f.err
}

func TestPollerInvokesCallbacks(t *testing.T) {
	client := &fakeDiscovery{
		collectors: []Collector{{IPAddress: "10.0.0.1"}},
		partitions: []partition.Assignment{{Partition: 0, Owner: partition.Owner{InstanceID: "i1", IP: "10.0.0.1", Port: 6379, AcqTime: 1}}},
	}

	var mtx sync.Mutex
	var gotCollectors []Collector
	var gotPartitions []partition.Assignment

	p := NewPoller(client, time.Hour,
		func(c []Collector) {
			mtx.Lock()
			defer mtx.Unlock()
			gotCollectors = c
		},
		func(a []partition.Assignment) {
			mtx.Lock()
			defer mtx.Unlock()
			gotPartitions = a
		}, log.NewNopLogger())

	require.NoError(t, p.poll(context.Background()))

	mtx.Lock()
	defer mtx.Unlock()
	require.Equal(t, client.collectors, gotCollectors)
	require.Equal(t, client.partitions, gotPartitions)
}

func TestPollerToleratesFailures(t *testing.T) {
	client := &fakeDiscovery{err: context.DeadlineExceeded}
	called := false
	p := NewPoller(client, time.Hour,
		func([]Collector) { called = true },
		func([]partition.Assignment) { called = true },
		log.NewNopLogger())

	// a failed poll logs and keeps the service alive
	require.NoError(t, p.poll(context.Background()))
	require.False(t, called)
}
