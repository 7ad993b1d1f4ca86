// Package memory provides buffer management for network operations.
package memory

import "sync"

// PayloadPool recycles packet-sized byte buffers. The receive path
// copies each frame out of the shared packet area before handing it to
// the stack; pooling those copies keeps the hot path allocation-free.
type PayloadPool struct {
	capacity int
	buffers  sync.Pool
}

// NewPayloadPool creates a pool of buffers with the given capacity.
// capacity bounds the largest frame the pool can serve, typically the
// chunk payload size of the packet area.
func NewPayloadPool(capacity int) *PayloadPool {
	p := &PayloadPool{capacity: capacity}
	p.buffers.New = func() interface{} {
		return make([]byte, capacity)
	}
	return p
}

// Get returns a zeroed buffer of length n. Requests larger than the
// pool capacity are clamped: the buffer then has length Capacity().
func (p *PayloadPool) Get(n int) []byte {
	if n > p.capacity {
		n = p.capacity
	}
	buf := p.buffers.Get().([]byte)[:n]
	for i := range buf {
		buf[i] = 0
	}
	return buf
}

// Put returns a buffer obtained from Get. The buffer must not be used
// after Put.
func (p *PayloadPool) Put(buf []byte) {
	if cap(buf) < p.capacity {
		return
	}
	p.buffers.Put(buf[:p.capacity])
}

// Capacity returns the largest buffer length the pool serves.
func (p *PayloadPool) Capacity() int {
	return p.capacity
}
