// Package xdp implements the AF_XDP zero-copy datapath: the UMEM
// packet buffer area, the four shared rings, the kernel socket handle,
// and the device adapter that ties them together.
package xdp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/penguintechinc/xsknet/internal/memory"
)

var (
	// ErrWouldBlock is returned when a ring is full or no free page is
	// available. Transient; the caller retries on the next cycle.
	ErrWouldBlock = errors.New("operation would block")
	// ErrInvalidConfig is returned for configuration the kernel would
	// reject: bad chunk alignment, zero entries, non-power-of-two rings.
	ErrInvalidConfig = errors.New("invalid configuration")
	// ErrUMEMSetup is returned when the packet area cannot be allocated
	// or registered.
	ErrUMEMSetup = errors.New("failed to setup UMEM")
)

// headroomSize is the reserved prefix of every chunk. User space owns
// it exclusively; the free-list link lives there.
const headroomSize = 2

// noFreePage is the headroom link sentinel meaning "no next page".
const noFreePage = 0xFFFF

// Chunk alignments the kernel accepts for an aligned UMEM.
const (
	ChunkSize2K = 2048
	ChunkSize4K = 4096
)

// UmemConfig sizes the packet buffer area.
type UmemConfig struct {
	// Entries is the number of chunks; every packet in flight occupies
	// exactly one.
	Entries int
	// ChunkSize is the chunk alignment, ChunkSize2K or ChunkSize4K.
	ChunkSize int
	// Hugepages requests a hugepage-backed allocation. NUMANode is
	// checked against the system topology; the allocation is not
	// pinned to that node.
	NUMANode  int
	Hugepages bool
}

// Headroom is the user-owned metadata word at the start of a chunk.
// The kernel never reads or writes it.
type Headroom struct {
	b []byte
}

// FreePageID returns the next-free link, or ok=false when the chunk is
// not linked to a successor.
func (h Headroom) FreePageID() (uint16, bool) {
	id := binary.NativeEndian.Uint16(h.b)
	if id == noFreePage {
		return 0, false
	}
	return id, true
}

// SetFreePageID links this chunk to the given page.
func (h Headroom) SetFreePageID(id uint16) {
	binary.NativeEndian.PutUint16(h.b, id)
}

// ClearFreePageID marks this chunk as having no successor.
func (h Headroom) ClearFreePageID() {
	binary.NativeEndian.PutUint16(h.b, noFreePage)
}

// UmemPage is a view over one chunk: the user-owned headroom followed
// by the payload region the kernel reads and writes.
type UmemPage struct {
	hr      []byte
	payload []byte
}

func newUmemPage(chunk []byte) UmemPage {
	return UmemPage{
		hr:      chunk[:headroomSize],
		payload: chunk[headroomSize:],
	}
}

// Headroom returns the chunk's link word.
func (p *UmemPage) Headroom() Headroom {
	return Headroom{b: p.hr}
}

// PayloadCap returns the usable payload bytes of the chunk.
func (p *UmemPage) PayloadCap() int {
	return len(p.payload)
}

// ReadPacket returns the payload slice a descriptor refers to. The
// descriptor's address must fall within this page and point past the
// headroom, which holds for every descriptor this package emits and
// for kernel-returned descriptors under the registered headroom.
func (p *UmemPage) ReadPacket(desc unix.XDPDesc) []byte {
	chunkLen := headroomSize + len(p.payload)
	offset := int(desc.Addr%uint64(chunkLen)) - headroomSize
	return p.payload[offset : offset+int(desc.Len)]
}

// WritePacket copies src to the start of the payload region. Callers
// guarantee len(src) <= PayloadCap().
func (p *UmemPage) WritePacket(src []byte) {
	copy(p.payload, src)
}

// Umem is the packet buffer area: a chunk-aligned allocation carved
// into equal chunks, with a free list threaded through the headroom of
// unused chunks. Chunks not on the free list are owned by the kernel
// (described on a ring) or transiently held by the adapter.
type Umem struct {
	mem       []byte
	alloc     *memory.Allocator
	pages     []UmemPage
	chunkSize int
	freeHead  uint16 // noFreePage when exhausted
}

// NewUmem allocates and initializes the packet area. All chunks start
// on the free list, linked in index order.
func NewUmem(cfg UmemConfig) (*Umem, error) {
	if cfg.Entries <= 0 {
		return nil, fmt.Errorf("%w: UMEM entries must be positive", ErrInvalidConfig)
	}
	if cfg.ChunkSize != ChunkSize2K && cfg.ChunkSize != ChunkSize4K {
		return nil, fmt.Errorf("%w: chunk size must be %d or %d", ErrInvalidConfig, ChunkSize2K, ChunkSize4K)
	}
	if cfg.Entries >= noFreePage {
		return nil, fmt.Errorf("%w: UMEM entries must fit a 16-bit page id", ErrInvalidConfig)
	}

	alloc, err := memory.NewAllocator(cfg.NUMANode, cfg.Hugepages)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUMEMSetup, err)
	}

	mem, err := alloc.Allocate(cfg.Entries*cfg.ChunkSize, cfg.ChunkSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUMEMSetup, err)
	}

	u := &Umem{
		mem:       mem,
		alloc:     alloc,
		pages:     make([]UmemPage, cfg.Entries),
		chunkSize: cfg.ChunkSize,
		freeHead:  0,
	}

	for i := 0; i < cfg.Entries; i++ {
		page := newUmemPage(mem[i*cfg.ChunkSize : (i+1)*cfg.ChunkSize])
		if i == cfg.Entries-1 {
			page.Headroom().ClearFreePageID()
		} else {
			page.Headroom().SetFreePageID(uint16(i + 1))
		}
		u.pages[i] = page
	}

	return u, nil
}

// BaseAddr returns the address of the allocation, as registered with
// the kernel.
func (u *Umem) BaseAddr() uintptr {
	return uintptr(unsafe.Pointer(&u.mem[0]))
}

// Size returns the number of chunks.
func (u *Umem) Size() int {
	return len(u.pages)
}

// ChunkSize returns the chunk alignment in bytes.
func (u *Umem) ChunkSize() int {
	return u.chunkSize
}

// Page returns the view of one chunk.
func (u *Umem) Page(pageID int) *UmemPage {
	return &u.pages[pageID]
}

// PageIDFrom maps a descriptor back to the chunk it lives in.
func (u *Umem) PageIDFrom(desc unix.XDPDesc) int {
	return int(desc.Addr) / u.chunkSize
}

func (u *Umem) descAddr(pageID int) uint64 {
	return uint64(pageID*u.chunkSize + headroomSize)
}

// Free pushes a chunk onto the free list and returns the canonical
// empty-chunk descriptor for handing the chunk back to the kernel on
// the Fill side. Defined only for chunks not currently on the free
// list; Write leaves the popped chunk's link cleared, so a chunk with
// no successor stays correctly terminated when the list was empty.
func (u *Umem) Free(pageID int) unix.XDPDesc {
	page := &u.pages[pageID]
	if u.freeHead != noFreePage {
		page.Headroom().SetFreePageID(u.freeHead)
	}
	u.freeHead = uint16(pageID)

	return unix.XDPDesc{
		Addr: u.descAddr(pageID),
		Len:  uint32(u.chunkSize - headroomSize),
	}
}

// Write pops a chunk off the free list, copies src into its payload,
// and returns the descriptor to submit. Returns ErrWouldBlock when no
// chunk is free.
func (u *Umem) Write(src []byte) (unix.XDPDesc, error) {
	pageID, ok := u.popFree()
	if !ok {
		return unix.XDPDesc{}, fmt.Errorf("%w: no free page available", ErrWouldBlock)
	}

	u.pages[pageID].WritePacket(src)

	return unix.XDPDesc{
		Addr: u.descAddr(pageID),
		Len:  uint32(len(src)),
	}, nil
}

// popFree detaches the free-list head, e.g. after its descriptor was
// published on the Fill ring and ownership moved to the kernel. A
// chunk on a ring must not stay reachable from the free list; a later
// Write would hand the kernel's buffer to a transmit.
func (u *Umem) popFree() (int, bool) {
	if u.freeHead == noFreePage {
		return 0, false
	}

	pageID := u.freeHead
	page := &u.pages[pageID]

	next, ok := page.Headroom().FreePageID()
	page.Headroom().ClearFreePageID()
	if ok {
		u.freeHead = next
	} else {
		u.freeHead = noFreePage
	}

	return int(pageID), true
}

// PacketDescriptors enumerates the canonical empty-chunk descriptor
// for every chunk; used at startup to preload the Fill ring so the
// kernel has receive buffers.
func (u *Umem) PacketDescriptors() []unix.XDPDesc {
	descs := make([]unix.XDPDesc, len(u.pages))
	for i := range u.pages {
		descs[i] = unix.XDPDesc{
			Addr: u.descAddr(i),
			Len:  uint32(u.chunkSize - headroomSize),
		}
	}
	return descs
}

// FreePages walks the free list and returns the number of chunks on
// it. The walk is bounded by the pool size; a longer walk would mean a
// cycle, which Free/Write never create.
func (u *Umem) FreePages() int {
	n := 0
	id := u.freeHead
	for id != noFreePage && n <= len(u.pages) {
		n++
		next, ok := u.pages[id].Headroom().FreePageID()
		if !ok {
			break
		}
		id = next
	}
	return n
}

// Close releases the backing allocation. The socket must already be
// closed and the rings unmapped.
func (u *Umem) Close() error {
	if u.mem == nil {
		return nil
	}
	err := u.alloc.Free(u.mem)
	u.mem = nil
	return err
}
