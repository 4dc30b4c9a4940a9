package call

import "sync"

// DefaultPendingAudioCapacity is the number of inbound chunks held for the AI socket.
const DefaultPendingAudioCapacity = 200

// AudioQueue is the bounded queue of inbound audio chunks awaiting dispatch to
// the AI socket. Push never blocks: when full, the oldest chunks are dropped so
// the live moment wins over backlog.
type AudioQueue struct {
	mu       sync.Mutex
	chunks   [][]byte
	capacity int
	dropped  int64
	pushed   int64
	closed   bool
	ready    chan struct{}
}

func NewAudioQueue(capacity int) *AudioQueue {
	if capacity <= 0 {
		capacity = DefaultPendingAudioCapacity
	}
	return &AudioQueue{
		chunks:   make([][]byte, 0, capacity),
		capacity: capacity,
		ready:    make(chan struct{}, 1),
	}
}

// Push enqueues chunk and returns how many old chunks were dropped to make room.
// Pushing to a closed queue is a no-op.
func (q *AudioQueue) Push(chunk []byte) (dropped int) {
	if q == nil || len(chunk) == 0 {
		return 0
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return 0
	}
	if len(q.chunks) >= q.capacity {
		dropped = len(q.chunks) - q.capacity + 1
		n := copy(q.chunks, q.chunks[dropped:])
		clear(q.chunks[n:])
		q.chunks = q.chunks[:n]
		q.dropped += int64(dropped)
	}
	q.chunks = append(q.chunks, chunk)
	q.pushed++
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
	return dropped
}

// PopBatch removes and returns up to limit of the oldest chunks.
func (q *AudioQueue) PopBatch(limit int) [][]byte {
	if q == nil || limit <= 0 {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || len(q.chunks) == 0 {
		return nil
	}
	if limit > len(q.chunks) {
		limit = len(q.chunks)
	}
	batch := make([][]byte, limit)
	copy(batch, q.chunks[:limit])
	n := copy(q.chunks, q.chunks[limit:])
	clear(q.chunks[n:])
	q.chunks = q.chunks[:n]
	return batch
}

// Ready is signaled after a push. It is never closed.
func (q *AudioQueue) Ready() <-chan struct{} {
	return q.ready
}

func (q *AudioQueue) Len() int {
	if q == nil {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.chunks)
}

func (q *AudioQueue) Dropped() int64 {
	if q == nil {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

func (q *AudioQueue) Pushed() int64 {
	if q == nil {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pushed
}

// Close releases buffered chunks; later pushes and pops are no-ops.
func (q *AudioQueue) Close() {
	if q == nil {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	clear(q.chunks)
	q.chunks = nil
}
