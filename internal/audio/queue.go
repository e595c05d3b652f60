package audio

import (
	"sync"
)

// Chunk is one caller-submitted audio packet waiting to be sent
type Chunk struct {
	Data   []byte
	IsLast bool
}

// ChunkQueue is a thread-safe bounded FIFO of audio chunks.
// Once full, new chunks are rejected and the oldest are kept.
type ChunkQueue struct {
	chunks []Chunk
	read   int
	count  int
	mu     sync.RWMutex
}

// NewChunkQueue creates a queue holding at most capacity chunks
func NewChunkQueue(capacity int) *ChunkQueue {
	if capacity <= 0 {
		capacity = 1
	}
	return &ChunkQueue{
		chunks: make([]Chunk, capacity),
	}
}

// Push appends a chunk at the tail.
// Returns false (and drops the chunk) when the queue is full.
func (q *ChunkQueue) Push(c Chunk) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count == len(q.chunks) {
		return false
	}

	write := (q.read + q.count) % len(q.chunks)
	q.chunks[write] = c
	q.count++
	return true
}

// PushFront puts a chunk back at the head, ahead of everything queued.
// Returns false when the queue is full.
func (q *ChunkQueue) PushFront(c Chunk) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count == len(q.chunks) {
		return false
	}

	q.read = (q.read - 1 + len(q.chunks)) % len(q.chunks)
	q.chunks[q.read] = c
	q.count++
	return true
}

// Pop removes and returns the oldest chunk
func (q *ChunkQueue) Pop() (Chunk, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count == 0 {
		return Chunk{}, false
	}

	c := q.chunks[q.read]
	q.chunks[q.read] = Chunk{} // release the audio for GC
	q.read = (q.read + 1) % len(q.chunks)
	q.count--
	return c, true
}

// Len returns the number of queued chunks
func (q *ChunkQueue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.count
}

// Cap returns the maximum number of chunks the queue holds
func (q *ChunkQueue) Cap() int {
	return len(q.chunks)
}

// Clear drops everything queued
func (q *ChunkQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i := range q.chunks {
		q.chunks[i] = Chunk{}
	}
	q.read = 0
	q.count = 0
}
