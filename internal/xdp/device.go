// Device adapter: the packet-level view over a bound AF_XDP socket.
// Translates token-based receive/transmit into descriptor flows across
// the four rings and recycles chunks through the UMEM free list.
package xdp

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/penguintechinc/xsknet/internal/memory"
)

// Medium is the link layer the device speaks.
type Medium int

// MediumEthernet is the only medium an AF_XDP queue carries.
const MediumEthernet Medium = 0

// ChecksumMode tells the stack who verifies and computes checksums.
type ChecksumMode int

// ChecksumDefault leaves both directions to the stack; the device
// negotiates no offload.
const ChecksumDefault ChecksumMode = 0

// Capabilities describe the device to the stack above.
type Capabilities struct {
	// MTU of the bound interface.
	MTU int
	// Medium is always Ethernet.
	Medium Medium
	// MaxBurstSize of 0 lets the stack choose its own batching.
	MaxBurstSize int
	// Checksum handling; always the stack default.
	Checksum ChecksumMode
}

// Config collects everything needed to bring up one device.
type Config struct {
	QueueID uint32
	Umem    UmemConfig
	Tx      RingConfig
	Rx      RingConfig
	Cr      RingConfig
	Fr      RingConfig
}

// DefaultConfig returns sensible defaults for a single-queue device.
// Completion is sized to match TX: the adapter drains one completion
// per transmit, which keeps pace only when cr >= tx.
func DefaultConfig() Config {
	return Config{
		QueueID: 0,
		Umem: UmemConfig{
			Entries:   4096,
			ChunkSize: ChunkSize2K,
		},
		Tx: RingConfig{Size: 2048},
		Rx: RingConfig{Size: 2048},
		Cr: RingConfig{Size: 2048},
		Fr: RingConfig{Size: 2048},
	}
}

// Validate rejects configuration the kernel would refuse, before any
// syscall is made.
func (c Config) Validate() error {
	if c.Umem.Entries <= 0 {
		return fmt.Errorf("%w: UMEM entries must be positive", ErrInvalidConfig)
	}
	if c.Umem.ChunkSize != ChunkSize2K && c.Umem.ChunkSize != ChunkSize4K {
		return fmt.Errorf("%w: chunk size must be %d or %d", ErrInvalidConfig, ChunkSize2K, ChunkSize4K)
	}
	for _, r := range []struct {
		kind RingType
		size int
	}{
		{RingTx, c.Tx.Size},
		{RingRx, c.Rx.Size},
		{RingCompletion, c.Cr.Size},
		{RingFill, c.Fr.Size},
	} {
		if r.size <= 0 || r.size&(r.size-1) != 0 {
			return fmt.Errorf("%w: %s ring size must be power of two", ErrInvalidConfig, r.kind)
		}
	}
	return nil
}

// xskState is the adapter state shared between the device and the
// tokens it hands out. A TX token outlives the Receive call that
// produced it (the stack keeps it to reply), so the rings and UMEM sit
// behind one mutex-guarded cell that every token references.
type xskState struct {
	mu   sync.Mutex
	umem *Umem
	tx   *RingWriter
	rx   *RingReader
	cr   *RingReader
	fr   *RingWriter
	pool *memory.PayloadPool
}

// XDPSocket is a packet I/O device bound to one interface queue.
// Single-consumer: all operations assume one logical worker, with the
// kernel as the only concurrent peer on the ring counters.
type XDPSocket struct {
	sock   *SocketDesc
	state  *xskState
	closed bool
}

// NewXDPSocket creates, configures, and binds a device on the named
// interface. Requires CAP_NET_RAW; packets only arrive once an XDP
// program steers the queue into this socket via an XSKMAP.
func NewXDPSocket(ifname string, cfg Config) (*XDPSocket, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	sock, err := NewSocketDesc(ifname)
	if err != nil {
		return nil, err
	}

	umem, err := NewUmem(cfg.Umem)
	if err != nil {
		sock.Close()
		return nil, err
	}

	st, err := setupRings(sock, umem, cfg)
	if err != nil {
		sock.Close()
		umem.Close()
		return nil, err
	}

	// Expose free chunks to the kernel for receive, up to the Fill
	// ring's capacity. Each posted chunk leaves the free list; it is
	// kernel-owned until it comes back on the RX ring.
	for _, desc := range umem.PacketDescriptors() {
		if err := st.fr.Write(desc); err != nil {
			break
		}
		umem.popFree()
	}

	if err := sock.Bind(cfg.QueueID); err != nil {
		st.unmapRings()
		sock.Close()
		umem.Close()
		return nil, err
	}

	return &XDPSocket{sock: sock, state: st}, nil
}

func setupRings(sock *SocketDesc, umem *Umem, cfg Config) (*xskState, error) {
	if err := sock.RegisterUmem(umem); err != nil {
		return nil, err
	}

	for _, r := range []struct {
		kind RingType
		size int
	}{
		{RingTx, cfg.Tx.Size},
		{RingRx, cfg.Rx.Size},
		{RingCompletion, cfg.Cr.Size},
		{RingFill, cfg.Fr.Size},
	} {
		if err := sock.ConfigureRing(r.kind, r.size); err != nil {
			return nil, err
		}
	}

	offsets, err := sock.QueryOffsets()
	if err != nil {
		return nil, err
	}

	st := &xskState{
		umem: umem,
		pool: memory.NewPayloadPool(umem.ChunkSize() - headroomSize),
	}

	tx, err := mapRing(sock.Fd(), RingTx, offsets, cfg.Tx.Size)
	if err != nil {
		return nil, err
	}
	st.tx = &RingWriter{ring: tx}

	rx, err := mapRing(sock.Fd(), RingRx, offsets, cfg.Rx.Size)
	if err != nil {
		st.unmapRings()
		return nil, err
	}
	st.rx = &RingReader{ring: rx}

	cr, err := mapRing(sock.Fd(), RingCompletion, offsets, cfg.Cr.Size)
	if err != nil {
		st.unmapRings()
		return nil, err
	}
	st.cr = &RingReader{ring: cr}

	fr, err := mapRing(sock.Fd(), RingFill, offsets, cfg.Fr.Size)
	if err != nil {
		st.unmapRings()
		return nil, err
	}
	st.fr = &RingWriter{ring: fr}

	return st, nil
}

func (st *xskState) unmapRings() {
	if st.tx != nil {
		st.tx.unmap()
	}
	if st.rx != nil {
		st.rx.unmap()
	}
	if st.cr != nil {
		st.cr.unmap()
	}
	if st.fr != nil {
		st.fr.unmap()
	}
}

// Fd returns the socket file descriptor for poll-style waiting and
// XSKMAP insertion.
func (x *XDPSocket) Fd() int {
	return x.sock.Fd()
}

// Capabilities reports the device's link parameters to the stack.
func (x *XDPSocket) Capabilities() Capabilities {
	return Capabilities{
		MTU:          x.sock.MTU(),
		Medium:       MediumEthernet,
		MaxBurstSize: 0,
		Checksum:     ChecksumDefault,
	}
}

// Stats returns the kernel's per-socket counters.
func (x *XDPSocket) Stats() (SocketStats, error) {
	return x.sock.Stats()
}

// QueueStats is a snapshot of the user-visible queue depths.
type QueueStats struct {
	FreePages        int    `json:"free_pages"`
	TotalPages       int    `json:"total_pages"`
	RxQueued         uint32 `json:"rx_queued"`
	TxQueued         uint32 `json:"tx_queued"`
	FillQueued       uint32 `json:"fill_queued"`
	CompletionQueued uint32 `json:"completion_queued"`
}

// QueueStats snapshots the free list and ring depths.
func (x *XDPSocket) QueueStats() QueueStats {
	st := x.state
	st.mu.Lock()
	defer st.mu.Unlock()
	return QueueStats{
		FreePages:        st.umem.FreePages(),
		TotalPages:       st.umem.Size(),
		RxQueued:         st.rx.Len(),
		TxQueued:         st.tx.Len(),
		FillQueued:       st.fr.Len(),
		CompletionQueued: st.cr.Len(),
	}
}

// Receive pops one frame from the RX ring. The payload is copied into
// an owned buffer and the chunk is immediately recycled: back to the
// free list, then re-posted on the Fill ring so the kernel keeps
// receive buffers. A full Fill ring is not an error; the chunk then
// stays on the free list, where a transmit can allocate it. Later
// receives re-post only the chunk they themselves free, so a chunk left
// on the free list this way is not returned to the Fill ring.
func (x *XDPSocket) Receive(_ time.Time) (*RxToken, *TxToken, bool) {
	st := x.state
	st.mu.Lock()
	defer st.mu.Unlock()

	desc, ok := st.rx.Read()
	if !ok {
		return nil, nil, false
	}

	pageID := st.umem.PageIDFrom(desc)
	buf := st.pool.Get(int(desc.Len))
	copy(buf, st.umem.Page(pageID).ReadPacket(desc))

	// Recycle the chunk: back to the free list, then re-posted on the
	// Fill ring, which hands it to the kernel again. On a full Fill
	// ring the chunk simply stays on the free list.
	fill := st.umem.Free(pageID)
	if err := st.fr.Write(fill); err == nil {
		st.umem.popFree()
	}

	return &RxToken{buf: buf, pool: st.pool}, &TxToken{state: st}, true
}

// Transmit returns a token for sending one frame. Submission happens
// inside the token, so the device itself never blocks here.
func (x *XDPSocket) Transmit(_ time.Time) *TxToken {
	return &TxToken{state: x.state}
}

// Close tears the device down: socket fd first, then the ring
// mappings, then the packet area.
func (x *XDPSocket) Close() error {
	if x.closed {
		return nil
	}
	x.closed = true

	err := x.sock.Close()
	st := x.state
	st.mu.Lock()
	defer st.mu.Unlock()
	st.unmapRings()
	if cerr := st.umem.Close(); err == nil {
		err = cerr
	}
	return err
}

// RxToken owns one received frame.
type RxToken struct {
	buf  []byte
	pool *memory.PayloadPool
}

// Consume hands the frame to f and recycles the buffer. The slice is
// only valid for the duration of the call.
func (t *RxToken) Consume(f func(frame []byte)) {
	f(t.buf)
	t.pool.Put(t.buf)
	t.buf = nil
}

// TxToken submits one frame when consumed. Tokens share the adapter
// state, so a token returned by Receive stays usable after the device
// has moved on.
type TxToken struct {
	state *xskState
}

// Consume allocates a zeroed frame of the given length, lets fill
// write it, and submits it on the TX ring. Before allocating it drains
// one Completion descriptor, bounding the completion backlog to one
// behind per transmit. Exhaustion (no free chunk, TX ring full) drops
// the frame silently, exactly as a busy NIC queue would; the chunk is
// never leaked.
func (t *TxToken) Consume(length int, fill func(frame []byte)) error {
	st := t.state
	st.mu.Lock()
	defer st.mu.Unlock()

	buf := st.pool.Get(length)
	fill(buf)

	if cdesc, ok := st.cr.Read(); ok {
		st.umem.Free(st.umem.PageIDFrom(cdesc))
	}

	desc, err := st.umem.Write(buf)
	st.pool.Put(buf)
	if err != nil {
		if errors.Is(err, ErrWouldBlock) {
			return nil
		}
		return err
	}

	if err := st.tx.Write(desc); err != nil {
		st.umem.Free(st.umem.PageIDFrom(desc))
	}
	return nil
}
