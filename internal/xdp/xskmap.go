// XSKMAP glue. Loading and attaching the XDP program is an operator
// concern; the one hook the datapath needs is inserting its own socket
// fd into the program's pinned XSKMAP so the kernel steers the bound
// queue here.
package xdp

import (
	"errors"
	"fmt"
	"os"

	"github.com/cilium/ebpf"
	"golang.org/x/sys/unix"
)

// DefaultXSKMapPath is where iproute2-loaded XDP programs pin their
// socket map.
const DefaultXSKMapPath = "/sys/fs/bpf/xdp/globals/socket_map"

// ErrXDPNotSupported is returned when XDP is not available.
var ErrXDPNotSupported = errors.New("XDP not supported on this system")

// IsXDPSupported checks if XDP is supported on this system.
func IsXDPSupported() bool {
	if _, err := os.Stat("/sys/fs/bpf"); os.IsNotExist(err) {
		return false
	}

	// Only root is recognised; capabilities such as CAP_BPF or
	// CAP_NET_RAW held by a non-root process are not checked.
	return os.Geteuid() == 0
}

// SetRLimitMemlock lifts the memlock rlimit so BPF map access and the
// locked packet area fit.
func SetRLimitMemlock() error {
	return unix.Setrlimit(unix.RLIMIT_MEMLOCK, &unix.Rlimit{
		Cur: unix.RLIM_INFINITY,
		Max: unix.RLIM_INFINITY,
	})
}

// XSKMap is a handle to the pinned queue-id → socket-fd map of the XDP
// program running on the interface.
type XSKMap struct {
	m *ebpf.Map
}

// OpenXSKMap opens a pinned XSKMAP. Fails when no program has pinned a
// map at path, which usually means the operator has not attached the
// XDP program yet.
func OpenXSKMap(path string) (*XSKMap, error) {
	if !IsXDPSupported() {
		return nil, ErrXDPNotSupported
	}

	m, err := ebpf.LoadPinnedMap(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open pinned XSKMAP %s: %w", path, err)
	}

	if m.Type() != ebpf.XSKMap {
		m.Close()
		return nil, fmt.Errorf("pinned map %s is %s, not an XSKMAP", path, m.Type())
	}

	return &XSKMap{m: m}, nil
}

// Insert steers the queue to the socket: packets the XDP program
// redirects for queueID land on the socket behind fd.
func (x *XSKMap) Insert(queueID uint32, fd int) error {
	if err := x.m.Update(queueID, uint32(fd), ebpf.UpdateAny); err != nil {
		return fmt.Errorf("insert fd %d for queue %d: %w", fd, queueID, err)
	}
	return nil
}

// Remove clears the queue's entry, detaching the socket from the
// program's steering.
func (x *XSKMap) Remove(queueID uint32) error {
	if err := x.m.Delete(queueID); err != nil && !errors.Is(err, ebpf.ErrKeyNotExist) {
		return fmt.Errorf("remove queue %d: %w", queueID, err)
	}
	return nil
}

// Close releases the map handle. The pinned map itself stays.
func (x *XSKMap) Close() error {
	return x.m.Close()
}

// InterfaceStats are the interface-level counters from sysfs, useful
// next to the socket counters when diagnosing drops.
type InterfaceStats struct {
	RxPackets uint64 `json:"rx_packets"`
	RxBytes   uint64 `json:"rx_bytes"`
	TxPackets uint64 `json:"tx_packets"`
	TxBytes   uint64 `json:"tx_bytes"`
	RxDropped uint64 `json:"rx_dropped"`
	RxErrors  uint64 `json:"rx_errors"`
}

// GetInterfaceStats reads interface statistics from sysfs.
func GetInterfaceStats(ifaceName string) (*InterfaceStats, error) {
	basePath := fmt.Sprintf("/sys/class/net/%s/statistics", ifaceName)
	if _, err := os.Stat(basePath); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInterfaceNotFound, ifaceName)
	}

	stats := &InterfaceStats{}
	for _, f := range []struct {
		name string
		dst  *uint64
	}{
		{"rx_packets", &stats.RxPackets},
		{"rx_bytes", &stats.RxBytes},
		{"tx_packets", &stats.TxPackets},
		{"tx_bytes", &stats.TxBytes},
		{"rx_dropped", &stats.RxDropped},
		{"rx_errors", &stats.RxErrors},
	} {
		if v, err := readStatFile(basePath + "/" + f.name); err == nil {
			*f.dst = v
		}
	}

	return stats, nil
}

func readStatFile(path string) (uint64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}

	var value uint64
	_, err = fmt.Sscanf(string(data), "%d", &value)
	return value, err
}
