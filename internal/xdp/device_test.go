package xdp

import (
	"bytes"
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/penguintechinc/xsknet/internal/memory"
)

// kernelSim is the device's peer for tests: it owns the opposite
// endpoint of each ring, consuming Fill and TX and producing RX and
// Completion, exactly as the kernel does.
type kernelSim struct {
	umem *Umem
	fill *RingReader
	rx   *RingWriter
	tx   *RingReader
	cr   *RingWriter

	// Keeps the ring regions alive; the ring views hold raw pointers.
	regions [][]byte
}

// newSimDevice wires a device and its simulated kernel peer over
// rings in plain memory.
func newSimDevice(t *testing.T, entries, ringSize, chunkSize int) (*XDPSocket, *kernelSim) {
	t.Helper()

	umem, err := NewUmem(UmemConfig{Entries: entries, ChunkSize: chunkSize})
	require.NoError(t, err)
	t.Cleanup(func() { umem.Close() })

	sim := &kernelSim{umem: umem}
	st := &xskState{
		umem: umem,
		pool: memory.NewPayloadPool(chunkSize - headroomSize),
	}

	ringBuf := func() []byte {
		buf := make([]byte, int(testRingOffsets.Desc)+ringSize*descSize)
		sim.regions = append(sim.regions, buf)
		return buf
	}

	buf := ringBuf()
	st.rx = &RingReader{ring: ringView(buf, testRingOffsets, ringSize, RingRx, nil)}
	sim.rx = &RingWriter{ring: ringView(buf, testRingOffsets, ringSize, RingRx, nil)}

	buf = ringBuf()
	st.tx = &RingWriter{ring: ringView(buf, testRingOffsets, ringSize, RingTx, nil)}
	sim.tx = &RingReader{ring: ringView(buf, testRingOffsets, ringSize, RingTx, nil)}

	buf = ringBuf()
	st.fr = &RingWriter{ring: ringView(buf, testRingOffsets, ringSize, RingFill, nil)}
	sim.fill = &RingReader{ring: ringView(buf, testRingOffsets, ringSize, RingFill, nil)}

	buf = ringBuf()
	st.cr = &RingReader{ring: ringView(buf, testRingOffsets, ringSize, RingCompletion, nil)}
	sim.cr = &RingWriter{ring: ringView(buf, testRingOffsets, ringSize, RingCompletion, nil)}

	dev := &XDPSocket{
		sock:  &SocketDesc{fd: -1, mtu: 1500},
		state: st,
	}

	// The constructor's startup preload: free chunks move to the Fill
	// ring until it is full.
	for _, desc := range umem.PacketDescriptors() {
		if err := st.fr.Write(desc); err != nil {
			break
		}
		umem.popFree()
	}

	return dev, sim
}

// deliver simulates the kernel receiving a frame: one Fill descriptor
// is consumed, the payload written into its chunk, and the result
// published on the RX ring.
func (k *kernelSim) deliver(t *testing.T, payload []byte) {
	t.Helper()

	desc, ok := k.fill.Read()
	require.True(t, ok, "kernel has no fill descriptor to receive into")

	pageID := k.umem.PageIDFrom(desc)
	k.umem.Page(pageID).WritePacket(payload)

	require.NoError(t, k.rx.Write(unix.XDPDesc{
		Addr: desc.Addr,
		Len:  uint32(len(payload)),
	}))
}

// complete simulates the kernel sending one TX frame: the descriptor
// moves from the TX ring to the Completion ring.
func (k *kernelSim) complete(t *testing.T) bool {
	t.Helper()

	desc, ok := k.tx.Read()
	if !ok {
		return false
	}
	require.NoError(t, k.cr.Write(unix.XDPDesc{
		Addr: desc.Addr,
		Len:  uint32(k.umem.ChunkSize() - headroomSize),
	}))
	return true
}

// chunksAccounted sums the chunk states visible to the test: the free
// list plus every ring. Chunks transiently held by the adapter are
// never visible between calls.
func chunksAccounted(dev *XDPSocket, sim *kernelSim) int {
	st := dev.state
	return st.umem.FreePages() +
		int(st.rx.Len()) + int(st.tx.Len()) + int(st.fr.Len()) + int(st.cr.Len())
}

func TestDeviceReceiveRoundTrip(t *testing.T) {
	dev, sim := newSimDevice(t, 64, 16, ChunkSize2K)

	payload := []byte("hello xdp")
	sim.deliver(t, payload)

	rx, tx, ok := dev.Receive(time.Now())
	require.True(t, ok)
	require.NotNil(t, tx)

	var got []byte
	rx.Consume(func(frame []byte) {
		got = append(got, frame...)
	})
	assert.True(t, bytes.Equal(payload, got))

	// The chunk went straight back to the kernel: Fill is full again.
	assert.Equal(t, uint32(16), dev.state.fr.Len())
	assert.Equal(t, 64, chunksAccounted(dev, sim))
}

func TestDeviceReceiveEmpty(t *testing.T) {
	dev, _ := newSimDevice(t, 8, 4, ChunkSize2K)

	rx, tx, ok := dev.Receive(time.Now())
	assert.False(t, ok)
	assert.Nil(t, rx)
	assert.Nil(t, tx)
}

func TestDeviceReceiveSustained(t *testing.T) {
	const (
		entries  = 64
		ringSize = 16
		rounds   = 10000
	)

	dev, sim := newSimDevice(t, entries, ringSize, ChunkSize2K)

	seq := make([]byte, 32)
	for i := 0; i < rounds; i++ {
		binary.BigEndian.PutUint32(seq, uint32(i))
		sim.deliver(t, seq)

		rx, _, ok := dev.Receive(time.Now())
		require.True(t, ok, "round %d: no frame", i)

		rx.Consume(func(frame []byte) {
			require.Equal(t, uint32(i), binary.BigEndian.Uint32(frame))
		})

		require.Equal(t, entries, chunksAccounted(dev, sim), "round %d: chunk leaked", i)
		require.LessOrEqual(t, dev.state.fr.Len(), uint32(ringSize), "round %d: fill overflow", i)
	}
}

func TestDeviceTransmitWithCompletion(t *testing.T) {
	dev, sim := newSimDevice(t, 64, 16, ChunkSize2K)

	freeBefore := dev.state.umem.FreePages()

	for i := 0; i < 100; i++ {
		tx := dev.Transmit(time.Now())
		err := tx.Consume(64, func(frame []byte) {
			frame[0] = byte(i)
		})
		require.NoError(t, err)

		// Kernel keeps pace: every submission is sent and completed,
		// and the next Consume reclaims it.
		require.True(t, sim.complete(t))
	}

	// Drain the last completion.
	tx := dev.Transmit(time.Now())
	require.NoError(t, tx.Consume(64, func(frame []byte) {}))
	sim.complete(t)

	assert.Equal(t, 64, chunksAccounted(dev, sim))
	assert.GreaterOrEqual(t, dev.state.umem.FreePages(), freeBefore-2)
}

func TestDeviceTransmitBackpressure(t *testing.T) {
	const (
		entries  = 64
		ringSize = 16
	)

	dev, _ := newSimDevice(t, entries, ringSize, ChunkSize2K)

	// Preload consumed ringSize chunks for the Fill ring.
	freeBefore := dev.state.umem.FreePages()
	require.Equal(t, entries-ringSize, freeBefore)

	// With the kernel never draining TX, the ring fills after ringSize
	// frames; every further frame is silently dropped and its chunk
	// returned to the pool.
	for i := 0; i < ringSize*3; i++ {
		tx := dev.Transmit(time.Now())
		require.NoError(t, tx.Consume(64, func(frame []byte) {}))
	}

	assert.Equal(t, uint32(ringSize), dev.state.tx.Len())
	assert.Equal(t, freeBefore-ringSize, dev.state.umem.FreePages())
}

func TestDeviceTransmitUmemExhaustion(t *testing.T) {
	// Pool sized to the fill preload: no chunk is left for TX, so
	// every transmit drops silently rather than failing.
	dev, _ := newSimDevice(t, 4, 4, ChunkSize2K)
	require.Equal(t, 0, dev.state.umem.FreePages())

	tx := dev.Transmit(time.Now())
	require.NoError(t, tx.Consume(64, func(frame []byte) {}))
	assert.Equal(t, uint32(0), dev.state.tx.Len())
}

func TestDeviceRxTokenUsableAfterNextReceive(t *testing.T) {
	dev, sim := newSimDevice(t, 16, 8, ChunkSize2K)

	sim.deliver(t, []byte("first"))
	sim.deliver(t, []byte("second"))

	rx1, tx1, ok := dev.Receive(time.Now())
	require.True(t, ok)
	rx2, _, ok := dev.Receive(time.Now())
	require.True(t, ok)

	// Tokens are independent: consuming the second frame first leaves
	// the first intact, and the TX token from the first receive still
	// submits.
	rx2.Consume(func(frame []byte) {
		assert.Equal(t, []byte("second"), frame)
	})
	rx1.Consume(func(frame []byte) {
		assert.Equal(t, []byte("first"), frame)
	})

	require.NoError(t, tx1.Consume(8, func(frame []byte) {
		copy(frame, "reply")
	}))
	assert.Equal(t, uint32(1), dev.state.tx.Len())
}

func TestDeviceTransmitZeroesFrame(t *testing.T) {
	dev, sim := newSimDevice(t, 16, 8, ChunkSize2K)

	tx := dev.Transmit(time.Now())
	require.NoError(t, tx.Consume(32, func(frame []byte) {
		for _, b := range frame {
			assert.Equal(t, byte(0), b)
		}
		frame[0] = 0xFF
	}))

	desc, ok := sim.tx.Read()
	require.True(t, ok)
	assert.Equal(t, uint32(32), desc.Len)
	assert.Equal(t, byte(0xFF), sim.umem.Page(sim.umem.PageIDFrom(desc)).ReadPacket(desc)[0])
}

func TestDeviceCapabilities(t *testing.T) {
	dev, _ := newSimDevice(t, 8, 4, ChunkSize2K)

	caps := dev.Capabilities()
	assert.Equal(t, 1500, caps.MTU)
	assert.Equal(t, MediumEthernet, caps.Medium)
	assert.Equal(t, 0, caps.MaxBurstSize)
	assert.Equal(t, ChecksumDefault, caps.Checksum)
}

func TestDeviceQueueStats(t *testing.T) {
	dev, sim := newSimDevice(t, 64, 16, ChunkSize2K)

	sim.deliver(t, []byte("frame"))

	stats := dev.QueueStats()
	assert.Equal(t, 64, stats.TotalPages)
	assert.Equal(t, 48, stats.FreePages)
	assert.Equal(t, uint32(1), stats.RxQueued)
	assert.Equal(t, uint32(15), stats.FillQueued)
}

func TestConfigValidate(t *testing.T) {
	valid := Config{
		Umem: UmemConfig{Entries: 64, ChunkSize: ChunkSize2K},
		Tx:   RingConfig{Size: 16},
		Rx:   RingConfig{Size: 16},
		Cr:   RingConfig{Size: 16},
		Fr:   RingConfig{Size: 16},
	}
	require.NoError(t, valid.Validate())

	rx3 := valid
	rx3.Rx.Size = 3
	err := rx3.Validate()
	require.ErrorIs(t, err, ErrInvalidConfig)
	assert.Contains(t, err.Error(), "power of two")

	noEntries := valid
	noEntries.Umem.Entries = 0
	assert.ErrorIs(t, noEntries.Validate(), ErrInvalidConfig)

	badChunk := valid
	badChunk.Umem.ChunkSize = 1500
	assert.ErrorIs(t, badChunk.Validate(), ErrInvalidConfig)

	require.NoError(t, DefaultConfig().Validate())
}
