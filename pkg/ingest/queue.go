package ingest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/valyala/bytebufferpool"
)

// OpType represents an operation kind for the write pipeline.
type OpType string

const (
	OpSend      OpType = "send"
	OpEdit      OpType = "edit"
	OpDelete    OpType = "delete"
	OpReact     OpType = "react"
	OpUnreact   OpType = "unreact"
	OpDelivered OpType = "delivered"
	OpRead      OpType = "read"
	OpTyping    OpType = "typing"
	OpStatus    OpType = "status"
)

// Op is a lightweight in-memory representation of a mutation headed for the
// adapter. Payload may be backed by a pooled ByteBuffer; consumers must call
// Item.Done() when finished.
type Op struct {
	Type         OpType
	Conversation string
	ID           string
	// Actor is the authenticated identity that enqueued the op.
	Actor string
	// Payload holds the raw JSON body for the operation (may be nil).
	Payload []byte
	// TS is the server-side enqueue timestamp (nanoseconds).
	TS int64
	// EnqSeq is a monotonic enqueue sequence assigned when the op is
	// accepted. It gives deterministic ordering inside a drain.
	EnqSeq uint64
}

// ErrQueueFull is returned by TryEnqueue when the queue is at capacity.
var ErrQueueFull = errors.New("ingest queue full")

// Item wraps an Op and owns a pooled ByteBuffer if one was used. Consumers
// MUST call Done() exactly once after processing the item to return pooled
// resources.
type Item struct {
	Op *Op

	buf  *bytebufferpool.ByteBuffer
	once sync.Once
	q    *Queue
}

// Done releases internal pooled resources back to the pool.
func (it *Item) Done() {
	it.once.Do(func() {
		if it.buf != nil {
			// avoid retaining huge buffers in the pool
			if cap(it.buf.B) > it.q.maxPooled {
				it.buf = nil
			} else {
				bytebufferpool.Put(it.buf)
				it.buf = nil
			}
		}
		if it.Op != nil {
			it.Op.Payload = nil
			opPool.Put(it.Op)
			it.Op = nil
		}
		itemPool.Put(it)
	})
}

var opPool = sync.Pool{New: func() any { return &Op{} }}
var itemPool = sync.Pool{New: func() any { return &Item{} }}

// Queue is a bounded in-memory queue the write fast-path enqueues into. It
// is safe for concurrent producers; consumers range over Out(). The queue is
// an explicit dependency of the handlers that use it rather than a package
// default.
type Queue struct {
	ch        chan *Item
	capacity  int
	maxPooled int
	seq       uint64
	dropped   uint64
	accepted  uint64
}

// NewQueue creates a bounded Queue. capacity<=0 falls back to 1024;
// maxPooledBuffer<=0 falls back to 256 KiB.
func NewQueue(capacity, maxPooledBuffer int) *Queue {
	if capacity <= 0 {
		capacity = 1024
	}
	if maxPooledBuffer <= 0 {
		maxPooledBuffer = 256 * 1024
	}
	return &Queue{ch: make(chan *Item, capacity), capacity: capacity, maxPooled: maxPooledBuffer}
}

// Out returns the read-only consumer channel. Do not close it from callers.
func (q *Queue) Out() <-chan *Item { return q.ch }

func (q *Queue) pack(op *Op) *Item {
	newOp := opPool.Get().(*Op)
	*newOp = *op
	newOp.EnqSeq = atomic.AddUint64(&q.seq, 1)

	var bb *bytebufferpool.ByteBuffer
	if len(op.Payload) > 0 {
		bb = bytebufferpool.Get()
		bb.B = append(bb.B[:0], op.Payload...)
		newOp.Payload = bb.B[:len(op.Payload)]
	}
	it := itemPool.Get().(*Item)
	*it = Item{Op: newOp, buf: bb, q: q}
	return it
}

func (q *Queue) release(it *Item) {
	if it.buf != nil {
		// same retention policy as Item.Done
		if cap(it.buf.B) <= q.maxPooled {
			bytebufferpool.Put(it.buf)
		}
	}
	opPool.Put(it.Op)
	it.Op = nil
	it.buf = nil
	itemPool.Put(it)
}

// TryEnqueue copies op (payload into a pooled buffer) and enqueues it
// without blocking. Returns ErrQueueFull at capacity; the caller decides
// whether to reject or fall back to the blocking path.
func (q *Queue) TryEnqueue(op *Op) error {
	it := q.pack(op)
	select {
	case q.ch <- it:
		atomic.AddUint64(&q.accepted, 1)
		return nil
	default:
		q.release(it)
		atomic.AddUint64(&q.dropped, 1)
		return ErrQueueFull
	}
}

// Enqueue blocks until space is available or ctx is done.
func (q *Queue) Enqueue(ctx context.Context, op *Op) error {
	it := q.pack(op)
	select {
	case q.ch <- it:
		atomic.AddUint64(&q.accepted, 1)
		return nil
	case <-ctx.Done():
		q.release(it)
		atomic.AddUint64(&q.dropped, 1)
		return ctx.Err()
	}
}

// Close closes the queue WITHOUT discarding items: workers consume what
// remains and exit. This is the graceful-shutdown path — everything already
// acknowledged with a 202 still gets applied. Call only after all producers
// have stopped.
func (q *Queue) Close() { close(q.ch) }

// CloseAndDrain closes the queue and drains remaining items unapplied,
// releasing their resources. Error path only; the graceful path is Close
// followed by waiting for the workers. Call only after all producers have
// stopped.
func (q *Queue) CloseAndDrain() {
	close(q.ch)
	for it := range q.ch {
		it.Done()
	}
}

// Len returns the current number of queued items.
func (q *Queue) Len() int { return len(q.ch) }

// Cap returns the configured capacity.
func (q *Queue) Cap() int { return q.capacity }

// Accepted returns the number of ops accepted since start.
func (q *Queue) Accepted() uint64 { return atomic.LoadUint64(&q.accepted) }

// Dropped returns the number of ops rejected due to a full queue or context
// cancellation during enqueue.
func (q *Queue) Dropped() uint64 { return atomic.LoadUint64(&q.dropped) }
