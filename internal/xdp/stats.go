package xdp

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// SocketStats are the kernel's per-socket counters. They complement
// the user-side view with what the kernel datapath itself counted:
// receive drops, invalid RX and TX descriptors, and ring full/empty
// events.
type SocketStats struct {
	RxDropped       uint64 `json:"rx_dropped"`
	RxInvalidDescs  uint64 `json:"rx_invalid_descs"`
	TxInvalidDescs  uint64 `json:"tx_invalid_descs"`
	RxRingFull      uint64 `json:"rx_ring_full"`
	RxFillRingEmpty uint64 `json:"rx_fill_ring_empty_descs"`
	TxRingEmpty     uint64 `json:"tx_ring_empty_descs"`
}

// Stats retrieves the kernel's counters for this socket.
func (s *SocketDesc) Stats() (SocketStats, error) {
	var raw unix.XDPStatistics
	size := uint32(unsafe.Sizeof(raw))

	if err := getsockopt(s.fd, unix.SOL_XDP, unix.XDP_STATISTICS,
		unsafe.Pointer(&raw), &size); err != nil {
		return SocketStats{}, fmt.Errorf("query statistics: %w", err)
	}

	return SocketStats{
		RxDropped:       raw.Rx_dropped,
		RxInvalidDescs:  raw.Rx_invalid_descs,
		TxInvalidDescs:  raw.Tx_invalid_descs,
		RxRingFull:      raw.Rx_ring_full,
		RxFillRingEmpty: raw.Rx_fill_ring_empty_descs,
		TxRingEmpty:     raw.Tx_ring_empty_descs,
	}, nil
}
