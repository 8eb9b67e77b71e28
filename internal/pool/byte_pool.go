// Package pool recycles scratch buffers used on the codec hot path.
package pool

import (
	"bytes"
	"sync"

	"github.com/23skdu/cloudsync/internal/metrics"
)

// maxRetained caps the capacity of buffers returned to the pool so one
// oversized asset does not pin memory for the life of the process.
const maxRetained = 4 << 20

// BytePool pools bytes.Buffer instances for compression output.
type BytePool struct {
	name string
	pool sync.Pool
}

// NewBytePool creates a buffer pool reporting under name.
func NewBytePool(name string) *BytePool {
	return &BytePool{
		name: name,
		pool: sync.Pool{
			New: func() any {
				return new(bytes.Buffer)
			},
		},
	}
}

// Get retrieves an empty buffer.
func (p *BytePool) Get() *bytes.Buffer {
	metrics.BufferPoolOperations.WithLabelValues(p.name, "get").Inc()
	return p.pool.Get().(*bytes.Buffer)
}

// Put resets buf and returns it to the pool. Buffers that grew past
// maxRetained are dropped.
func (p *BytePool) Put(buf *bytes.Buffer) {
	if buf.Cap() > maxRetained {
		metrics.BufferPoolOperations.WithLabelValues(p.name, "drop").Inc()
		return
	}
	metrics.BufferPoolOperations.WithLabelValues(p.name, "put").Inc()
	buf.Reset()
	p.pool.Put(buf)
}

// Bytes copies the contents of buf so the buffer can be recycled.
func Bytes(buf *bytes.Buffer) []byte {
	return append([]byte(nil), buf.Bytes()...)
}
