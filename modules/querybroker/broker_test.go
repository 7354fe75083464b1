package querybroker

import (
	"bytes"
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/openfabric/opserver/pkg/shard"
)

type fakeTables struct {
	known map[string]bool
}

func (f fakeTables) Has(name string) bool { return f.known[name] }

func newTestBroker(t *testing.T, ackTimeout time.Duration) (*Broker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	_, portStr, err := net.SplitHostPort(mr.Addr())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	reg := shard.NewRegistry(prometheus.NewRegistry())
	pool := shard.NewPool(shard.RoleQuery, shard.Config{}, reg, log.NewNopLogger())
	t.Cleanup(pool.Close)

	b, err := New(Config{
		HostIP:         "127.0.0.1",
		QueryStorePort: port,
		AckTimeout:     ackTimeout,
	}, pool.For(mr.Addr()), pool, fakeTables{known: map[string]bool{"MessageTable": true}}, log.NewNopLogger(), prometheus.NewRegistry())
	require.NoError(t, err)
	return b, mr
}

// runEngine acknowledges the next submitted query the way the external
// engine would: pop the qid from the work queue, push a reply.
func runEngine(t *testing.T, mr *miniredis.Miniredis, reply string) {
	t.Helper()
	go func() {
		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) {
			qid, err := mr.Pop(queryQueue)
			if err != nil {
				time.Sleep(10 * time.Millisecond)
				continue
			}
			_, _ = mr.Lpush(replyPrefix+qid, reply)
			return
		}
	}()
}

func TestSubmitAndAck(t *testing.T) {
	b, mr := newTestBroker(t, 5*time.Second)
	runEngine(t, mr, `{"progress": 100}`)

	qid, progress, err := b.Submit(context.Background(), []byte(`{"table": "MessageTable", "start_time": 10, "end_time": 20}`))
	require.NoError(t, err)
	require.Equal(t, 100, progress)

	ip, err := IPFromQID(qid)
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1", ip.String())

	// the query document landed in the per-query hash
	require.Equal(t, "\"MessageTable\"", mr.HGet(queryPrefix+qid, "table"))
	require.Equal(t, "10", mr.HGet(queryPrefix+qid, "start_time"))
	require.NotEmpty(t, mr.HGet(queryPrefix+qid, "enqueue_time"))

	// the ack is put back for the status endpoint
	reply, err := mr.List(replyPrefix + qid)
	require.NoError(t, err)
	require.Equal(t, []string{`{"progress": 100}`}, reply)
}

func TestSubmitNoAck(t *testing.T) {
	b, _ := newTestBroker(t, 200*time.Millisecond)

	_, _, err := b.Submit(context.Background(), []byte(`{"table": "MessageTable"}`))
	require.ErrorIs(t, err, ErrEngineUnavailable)
}

func TestSubmitNoAckMarksStoreDown(t *testing.T) {
	mr := miniredis.RunT(t)
	_, portStr, err := net.SplitHostPort(mr.Addr())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	reg := shard.NewRegistry(prometheus.NewRegistry())
	pool := shard.NewPool(shard.RoleQuery, shard.Config{}, reg, log.NewNopLogger())
	t.Cleanup(pool.Close)

	b, err := New(Config{
		HostIP:         "127.0.0.1",
		QueryStorePort: port,
		AckTimeout:     200 * time.Millisecond,
	}, pool.For(mr.Addr()), pool, fakeTables{known: map[string]bool{"MessageTable": true}}, log.NewNopLogger(), prometheus.NewRegistry())
	require.NoError(t, err)

	slot := func() *shard.ConnState {
		for _, s := range reg.Snapshot() {
			if s.Role == shard.RoleQuery && s.Addr == mr.Addr() {
				sCopy := s
				return &sCopy
			}
		}
		return nil
	}

	_, _, err = b.Submit(context.Background(), []byte(`{"table": "MessageTable"}`))
	require.ErrorIs(t, err, ErrEngineUnavailable)

	st := slot()
	require.NotNil(t, st)
	require.Equal(t, shard.StatusDown, st.Status)
	require.Equal(t, "query engine not responding", st.Message)

	// drop the stale qid the unacknowledged submit left on the work queue,
	// so the engine acks the next submission rather than the stale one
	_, err = mr.Pop(queryQueue)
	require.NoError(t, err)

	// an acknowledged submission brings the slot back up
	runEngine(t, mr, `{"progress": 100}`)
	_, _, err = b.Submit(context.Background(), []byte(`{"table": "MessageTable"}`))
	require.NoError(t, err)

	st = slot()
	require.NotNil(t, st)
	require.Equal(t, shard.StatusUp, st.Status)
}

func TestSubmitInvalidBody(t *testing.T) {
	b, _ := newTestBroker(t, time.Second)

	_, _, err := b.Submit(context.Background(), []byte(`not json`))
	require.Error(t, err)
}

func TestStatus(t *testing.T) {
	b, mr := newTestBroker(t, time.Second)
	qid, err := NewQID(net.ParseIP("127.0.0.1"))
	require.NoError(t, err)

	_, err = mr.Lpush(replyPrefix+qid, `{"progress": 100}`)
	require.NoError(t, err)
	mr.HSet(queryPrefix+qid, "start_time", "111")
	mr.HSet(queryPrefix+qid, "end_time", "222")

	st, progress, err := b.Status(context.Background(), qid)
	require.NoError(t, err)
	require.Equal(t, 100, progress)

	// the reply fields sit at the top level of the status document
	require.Equal(t, float64(100), st["progress"])
	require.Equal(t, "111", st["start_time"])
	require.Equal(t, "222", st["end_time"])
	require.NotContains(t, st, "ttl")

	chunks := st["chunks"].([]interface{})
	require.Len(t, chunks, 1)
	require.Equal(t, "/analytics/query/"+qid+"/chunk-final/0", chunks[0].(map[string]interface{})["href"])
}

func TestStatusInProgress(t *testing.T) {
	b, mr := newTestBroker(t, time.Second)
	qid, err := NewQID(net.ParseIP("127.0.0.1"))
	require.NoError(t, err)

	_, err = mr.Lpush(replyPrefix+qid, `{"progress": 60}`)
	require.NoError(t, err)

	st, progress, err := b.Status(context.Background(), qid)
	require.NoError(t, err)
	require.Equal(t, 60, progress)

	// no chunk hrefs until the query completes
	require.NotContains(t, st, "chunks")
}

func TestStatusUnknownQID(t *testing.T) {
	b, _ := newTestBroker(t, time.Second)
	qid, err := NewQID(net.ParseIP("127.0.0.1"))
	require.NoError(t, err)

	_, _, err = b.Status(context.Background(), qid)
	require.ErrorIs(t, err, ErrNotFound)

	_, _, err = b.Status(context.Background(), "garbage")
	require.ErrorIs(t, err, ErrInvalidQID)
}

func TestChunkStreamsAndConsumes(t *testing.T) {
	b, mr := newTestBroker(t, time.Second)
	qid, err := NewQID(net.ParseIP("127.0.0.1"))
	require.NoError(t, err)

	_, err = mr.Push(resultKey(qid, 0), `{"a": 1}`, `{"b": 2}`)
	require.NoError(t, err)
	_, err = mr.Push(resultKey(qid, 1), `{"c": 3}`)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, b.Chunk(context.Background(), qid, 0, &buf))
	require.Equal(t, "{\"value\": [\n{\"a\": 1}, {\"b\": 2}\n, {\"c\": 3}\n]}", buf.String())

	// result lists are deleted once consumed
	require.False(t, mr.Exists(resultKey(qid, 0)))
	require.False(t, mr.Exists(resultKey(qid, 1)))
}

func TestChunkEmpty(t *testing.T) {
	b, _ := newTestBroker(t, time.Second)
	qid, err := NewQID(net.ParseIP("127.0.0.1"))
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, b.Chunk(context.Background(), qid, 0, &buf))
	require.Equal(t, "{\"value\": [\n]}", buf.String())
}

func TestListQueries(t *testing.T) {
	b, mr := newTestBroker(t, time.Second)
	ctx := context.Background()

	newQID := func() string {
		qid, err := NewQID(net.ParseIP("127.0.0.1"))
		require.NoError(t, err)
		return qid
	}

	pending := newQID()
	mr.HSet(queryPrefix+pending, "table", `"MessageTable"`)
	mr.HSet(queryPrefix+pending, "query_metadata", `{"enqueue_time": 42}`)
	_, err := mr.Lpush(queryQueue, pending)
	require.NoError(t, err)

	processing := newQID()
	mr.HSet(queryPrefix+processing, "table", `"MessageTable"`)
	_, err = mr.Lpush("ENGINE:host1", processing)
	require.NoError(t, err)
	_, err = mr.Lpush(replyPrefix+processing, `{"progress": 50}`)
	require.NoError(t, err)

	abandoned := newQID()
	_, err = mr.Lpush("ENGINE:host1", abandoned)
	require.NoError(t, err)

	errored := newQID()
	_, err = mr.Lpush("ENGINE:host1", errored)
	require.NoError(t, err)
	_, err = mr.Lpush(replyPrefix+errored, `{"progress": -22}`)
	require.NoError(t, err)

	out, err := b.ListQueries(ctx, "host1")
	require.NoError(t, err)

	require.Len(t, out.Pending, 1)
	require.Equal(t, pending, out.Pending[0].QueryID)
	require.Equal(t, int64(42), out.Pending[0].EnqueueTime)
	require.Equal(t, "MessageTable", out.Pending[0].Query["table"])

	require.Len(t, out.Processing, 1)
	require.Equal(t, processing, out.Processing[0].QueryID)
	require.Equal(t, 50, *out.Processing[0].Progress)

	require.Len(t, out.Abandoned, 1)
	require.Equal(t, abandoned, out.Abandoned[0].QueryID)

	require.Len(t, out.Errored, 1)
	require.Equal(t, -22, *out.Errored[0].ErrorCode)
}

func TestQIDRoundTrip(t *testing.T) {
	qid, err := NewQID(net.IPv4(10, 1, 2, 3))
	require.NoError(t, err)

	ip, err := IPFromQID(qid)
	require.NoError(t, err)
	require.Equal(t, "10.1.2.3", ip.String())

	_, err = IPFromQID("not-a-qid-zz")
	require.Error(t, err)
	_, err = IPFromQID("nodash")
	require.Error(t, err)
}

func TestNewQIDRejectsIPv6(t *testing.T) {
	_, err := NewQID(net.ParseIP("::1"))
	require.Error(t, err)
}

func TestValidateTable(t *testing.T) {
	b, _ := newTestBroker(t, time.Second)

	require.NoError(t, b.ValidateTable("MessageTable"))
	require.NoError(t, b.ValidateTable("StatTable.MyCustom.counters"))
	require.Error(t, b.ValidateTable("NoSuchTable"))
}

func TestHTTPStatusForProgress(t *testing.T) {
	tests := map[int]int{
		-74:  400, // EBADMSG
		-105: 403, // ENOBUFS
		-22:  404, // EINVAL
		-2:   410, // ENOENT
		-5:   500, // EIO
		-16:  503, // EBUSY
		-99:  500,
	}
	for progress, status := range tests {
		require.Equal(t, status, HTTPStatusForProgress(progress), "progress %d", progress)
	}
}
