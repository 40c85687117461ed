package chaos

import "sync"

// DefaultLeakBlockSize is the size of each block retained per simulator tick.
const DefaultLeakBlockSize = 1 << 20

// LeakBuffer retains fixed-size blocks so that external memory monitoring has
// something to see. The contents are never read back.
type LeakBuffer struct {
	mu     sync.Mutex
	blocks [][]byte
	bytes  int64
}

// Grow appends one block of the given size. Every byte is written so the
// pages are actually committed.
func (b *LeakBuffer) Grow(size int) {
	if size <= 0 {
		return
	}
	b.add(newBlock(size))
}

func newBlock(size int) []byte {
	block := make([]byte, size)
	block[0] = 'x'
	for filled := 1; filled < size; filled *= 2 {
		copy(block[filled:], block[:filled])
	}
	return block
}

func (b *LeakBuffer) add(block []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.blocks = append(b.blocks, block)
	b.bytes += int64(len(block))
}

// Clear drops every retained block.
func (b *LeakBuffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.blocks = nil
	b.bytes = 0
}

// Blocks returns the number of retained blocks.
func (b *LeakBuffer) Blocks() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.blocks)
}

// Bytes returns the total size of retained blocks.
func (b *LeakBuffer) Bytes() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bytes
}
