package logstream

import (
	"strings"
	"sync"

	"github.com/luxury-yacht/dashboard/backend/internal/config"
)

// ChunkBuffer is an ordered, bounded list of log text chunks.
//
// When the chunk count reaches the ceiling, the oldest consolidate chunks are discarded
// and everything that remains is joined into a single chunk, so the buffer always holds
// one contiguous suffix of the log.
type ChunkBuffer struct {
	mu             sync.RWMutex
	chunks         []string
	maxChunks      int
	consolidate    int
	consolidations int
}

// NewChunkBuffer returns a buffer; zero values use the configured ceilings.
func NewChunkBuffer(maxChunks, consolidate int) *ChunkBuffer {
	if maxChunks <= 0 {
		maxChunks = config.LogBufferMaxChunks
	}
	if consolidate <= 0 {
		consolidate = config.LogBufferConsolidateChunks
	}
	if consolidate >= maxChunks {
		consolidate = maxChunks - 1
	}
	return &ChunkBuffer{maxChunks: maxChunks, consolidate: consolidate}
}

// Append adds chunk after consolidating if the ceiling was reached.
func (b *ChunkBuffer) Append(chunk string) {
	if chunk == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.chunks) >= b.maxChunks {
		joined := strings.Join(b.chunks[b.consolidate:], "")
		b.chunks = append(make([]string, 0, b.maxChunks), joined)
		b.consolidations++
	}
	b.chunks = append(b.chunks, chunk)
}

// Chunks returns a copy of the buffered chunks, oldest first.
func (b *ChunkBuffer) Chunks() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]string(nil), b.chunks...)
}

// String joins every chunk.
func (b *ChunkBuffer) String() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return strings.Join(b.chunks, "")
}

// Len reports the chunk count.
func (b *ChunkBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.chunks)
}

// Consolidations reports how many times the buffer has been compacted.
func (b *ChunkBuffer) Consolidations() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.consolidations
}

// Reset empties the buffer.
func (b *ChunkBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.chunks = nil
}
