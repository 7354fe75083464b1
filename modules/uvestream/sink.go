package uvestream

import "context"

// QueueSink adapts the Sink interface to a per-request event channel, used
// by the SSE endpoint: a fresh streamer writes into the queue and the
// handler drains it until the client disconnects.
type QueueSink struct {
	ctx context.Context
	C   chan Event
}

func NewQueueSink(ctx context.Context, depth int) *QueueSink {
	return &QueueSink{ctx: ctx, C: make(chan Event, depth)}
}

func (q *QueueSink) push(ev Event) {
	select {
	case q.C <- ev:
	case <-q.ctx.Done():
	}
}

func (q *QueueSink) AddAttr(part int, key, producer, attr string, value []byte) {
	q.push(Event{Partition: part, Key: key, Producer: producer, Type: "mod", Attr: attr, Value: value})
}

func (q *QueueSink) RemoveAttr(part int, key, producer, attr string) {
	q.push(Event{Partition: part, Key: key, Producer: producer, Type: "del", Attr: attr})
}

func (q *QueueSink) RemoveProducer(part int, key, producer string) {
	q.push(Event{Partition: part, Key: key, Producer: producer, Type: "del"})
}

func (q *QueueSink) ClearPartition(part int) {
	q.push(Event{Partition: part, Type: "sync"})
}
