package xdp

import (
	"errors"
	"fmt"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ErrRingSetup is returned when a ring cannot be configured or mapped.
var ErrRingSetup = errors.New("failed to setup ring")

// descSize is the wire size of one unix.XDPDesc slot.
const descSize = int(unsafe.Sizeof(unix.XDPDesc{}))

// RingType identifies one of the four rings of an AF_XDP socket.
type RingType int

const (
	RingTx RingType = iota
	RingRx
	RingCompletion
	RingFill
)

// String returns the kernel-facing name of the ring.
func (t RingType) String() string {
	switch t {
	case RingTx:
		return "tx"
	case RingRx:
		return "rx"
	case RingCompletion:
		return "completion"
	case RingFill:
		return "fill"
	default:
		return "unknown"
	}
}

// sockopt returns the SOL_XDP option that sizes this ring.
func (t RingType) sockopt() int {
	switch t {
	case RingTx:
		return unix.XDP_TX_RING
	case RingRx:
		return unix.XDP_RX_RING
	case RingCompletion:
		return unix.XDP_UMEM_COMPLETION_RING
	default:
		return unix.XDP_UMEM_FILL_RING
	}
}

// pageOffset returns the mmap offset the kernel assigns to this ring.
func (t RingType) pageOffset() int64 {
	switch t {
	case RingTx:
		return unix.XDP_PGOFF_TX_RING
	case RingRx:
		return unix.XDP_PGOFF_RX_RING
	case RingCompletion:
		return unix.XDP_UMEM_PGOFF_COMPLETION_RING
	default:
		return unix.XDP_UMEM_PGOFF_FILL_RING
	}
}

// offsets returns this ring's offset record from the socket-wide
// XDP_MMAP_OFFSETS result.
func (t RingType) offsets(all unix.XDPMmapOffsets) unix.XDPRingOffset {
	switch t {
	case RingTx:
		return all.Tx
	case RingRx:
		return all.Rx
	case RingCompletion:
		return all.Cr
	default:
		return all.Fr
	}
}

// RingConfig sizes one ring. Size must be a power of two.
type RingConfig struct {
	Size int
}

// ring is a view over one SPSC queue shared with the kernel. The
// counters and slot array are concurrently accessed by the kernel, so
// the counters are only read and written through atomics on the raw
// pointers; those atomics order the plain slot copies around them.
// Typed Go references would let the compiler assume exclusivity the
// shared mapping does not have.
type ring struct {
	kind     RingType
	producer *uint32
	consumer *uint32
	descs    unsafe.Pointer
	mask     uint32
	mem      []byte // backing mmap, nil for rings over plain memory
}

// ringView lays a ring over a memory region using the kernel-reported
// field offsets. The region may be an mmap of kernel memory or, for
// the in-process simulator, ordinary memory.
func ringView(buf []byte, off unix.XDPRingOffset, size int, kind RingType, mem []byte) *ring {
	base := unsafe.Pointer(&buf[0])
	return &ring{
		kind:     kind,
		producer: (*uint32)(unsafe.Add(base, off.Producer)),
		consumer: (*uint32)(unsafe.Add(base, off.Consumer)),
		descs:    unsafe.Add(base, off.Desc),
		mask:     uint32(size - 1),
		mem:      mem,
	}
}

// mapRing maps one ring of a configured socket and validates its size.
func mapRing(fd int, kind RingType, all unix.XDPMmapOffsets, size int) (*ring, error) {
	if size <= 0 || size&(size-1) != 0 {
		return nil, fmt.Errorf("%w: size must be power of two", ErrInvalidConfig)
	}

	off := kind.offsets(all)
	mmapLen := int(off.Desc) + size*descSize

	mem, err := unix.Mmap(fd, kind.pageOffset(), mmapLen,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		return nil, fmt.Errorf("%w: mmap %s ring: %v", ErrRingSetup, kind, err)
	}

	return ringView(mem, off, size, kind, mem), nil
}

// Size returns the slot count.
func (r *ring) Size() uint32 {
	return r.mask + 1
}

// Len returns how many descriptors are currently queued.
func (r *ring) Len() uint32 {
	p := atomic.LoadUint32(r.producer)
	c := atomic.LoadUint32(r.consumer)
	return p - c
}

// Type returns the ring's role.
func (r *ring) Type() RingType {
	return r.kind
}

func (r *ring) slot(idx uint32) *unix.XDPDesc {
	return (*unix.XDPDesc)(unsafe.Add(r.descs, uintptr(idx&r.mask)*uintptr(descSize)))
}

// unmap releases the ring's kernel mapping. Rings laid over plain
// memory have nothing to release.
func (r *ring) unmap() error {
	if r.mem == nil {
		return nil
	}
	err := unix.Munmap(r.mem)
	r.mem = nil
	return err
}

// RingReader consumes descriptors the kernel produced (RX and
// Completion). It mutates only the consumer counter.
type RingReader struct {
	*ring
}

// Read pops the next descriptor, or returns ok=false when the ring is
// empty. The atomic producer load pairs with the kernel's release
// publish, so the slot content is visible before the index; the atomic
// consumer store releases the slot back to the kernel.
func (r *RingReader) Read() (unix.XDPDesc, bool) {
	c := atomic.LoadUint32(r.consumer)
	p := atomic.LoadUint32(r.producer)
	if c == p {
		return unix.XDPDesc{}, false
	}

	desc := *r.slot(c)
	atomic.StoreUint32(r.consumer, c+1)
	return desc, true
}

// RingWriter produces descriptors for the kernel to consume (TX and
// Fill). It mutates only the producer counter and the slot it
// publishes.
type RingWriter struct {
	*ring
}

// Write publishes a descriptor, or returns ErrWouldBlock when the ring
// is full. Wraparound is handled by 32-bit unsigned arithmetic: p-c
// underflows naturally across the counter wrap.
func (w *RingWriter) Write(desc unix.XDPDesc) error {
	p := atomic.LoadUint32(w.producer)
	c := atomic.LoadUint32(w.consumer)
	if p-c > w.mask {
		return fmt.Errorf("%w: %s ring full", ErrWouldBlock, w.kind)
	}

	*w.slot(p) = desc
	atomic.StoreUint32(w.producer, p+1)
	return nil
}
