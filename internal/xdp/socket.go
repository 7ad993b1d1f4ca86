// AF_XDP socket handle: creation, UMEM registration, ring
// configuration, and binding, in the order the kernel requires.
package xdp

import (
	"errors"
	"fmt"
	"net"
	"unsafe"

	"golang.org/x/sys/unix"
)

var (
	// ErrSocketCreation is returned when socket creation fails.
	ErrSocketCreation = errors.New("failed to create AF_XDP socket")
	// ErrInterfaceNotFound is returned when the network interface doesn't exist.
	ErrInterfaceNotFound = errors.New("network interface not found")
)

// SocketDesc owns the AF_XDP file descriptor and the interface
// identity it will be bound to. The kernel requires UMEM registration
// before ring sizing, ring sizing before the offsets query, and
// everything before bind; NewXDPSocket drives these in order.
type SocketDesc struct {
	fd      int
	ifindex int
	mtu     int
}

// NewSocketDesc opens a non-blocking AF_XDP socket and resolves the
// interface's index and MTU.
func NewSocketDesc(ifname string) (*SocketDesc, error) {
	fd, err := unix.Socket(unix.AF_XDP, unix.SOCK_RAW|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSocketCreation, err)
	}

	iface, err := net.InterfaceByName(ifname)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("%w: %s", ErrInterfaceNotFound, ifname)
	}

	return &SocketDesc{
		fd:      fd,
		ifindex: iface.Index,
		mtu:     iface.MTU,
	}, nil
}

// Fd returns the socket file descriptor, e.g. for poll or for
// insertion into an XSKMAP.
func (s *SocketDesc) Fd() int {
	return s.fd
}

// Ifindex returns the bound interface's index.
func (s *SocketDesc) Ifindex() int {
	return s.ifindex
}

// MTU returns the bound interface's MTU.
func (s *SocketDesc) MTU() int {
	return s.mtu
}

// umemReg mirrors the kernel's struct xdp_umem_reg, v1 layout. The
// kernel accepts any optlen at least this large, so the later flag
// fields can stay off the wire.
type umemReg struct {
	addr      uint64
	len       uint64
	chunkSize uint32
	headroom  uint32
}

// RegisterUmem registers the packet area with the kernel. The headroom
// field reserves the free-list link word of every chunk so the kernel
// writes packet data past it.
func (s *SocketDesc) RegisterUmem(u *Umem) error {
	reg := umemReg{
		addr:      uint64(u.BaseAddr()),
		len:       uint64(u.Size() * u.ChunkSize()),
		chunkSize: uint32(u.ChunkSize()),
		headroom:  headroomSize,
	}

	if err := setsockopt(s.fd, unix.SOL_XDP, unix.XDP_UMEM_REG,
		unsafe.Pointer(&reg), unsafe.Sizeof(reg)); err != nil {
		return fmt.Errorf("%w: register: %v", ErrUMEMSetup, err)
	}
	return nil
}

// ConfigureRing tells the kernel the requested slot count for one
// ring. Must happen after RegisterUmem and before QueryOffsets.
func (s *SocketDesc) ConfigureRing(kind RingType, size int) error {
	if size <= 0 || size&(size-1) != 0 {
		return fmt.Errorf("%w: size must be power of two", ErrInvalidConfig)
	}
	if err := unix.SetsockoptInt(s.fd, unix.SOL_XDP, kind.sockopt(), size); err != nil {
		return fmt.Errorf("%w: size %s ring: %v", ErrRingSetup, kind, err)
	}
	return nil
}

// QueryOffsets asks the kernel where each ring's producer, consumer,
// and descriptor fields live within its mmap region.
func (s *SocketDesc) QueryOffsets() (unix.XDPMmapOffsets, error) {
	var off unix.XDPMmapOffsets
	size := uint32(unsafe.Sizeof(off))

	if err := getsockopt(s.fd, unix.SOL_XDP, unix.XDP_MMAP_OFFSETS,
		unsafe.Pointer(&off), &size); err != nil {
		return off, fmt.Errorf("%w: query offsets: %v", ErrRingSetup, err)
	}
	return off, nil
}

// Bind attaches the socket to the interface queue. Flags stay zero:
// no shared UMEM, no forced copy mode, no needs-wakeup.
func (s *SocketDesc) Bind(queueID uint32) error {
	sa := &unix.SockaddrXDP{
		Flags:   0,
		Ifindex: uint32(s.ifindex),
		QueueID: queueID,
	}
	if err := unix.Bind(s.fd, sa); err != nil {
		return fmt.Errorf("%w: bind queue %d: %v", ErrSocketCreation, queueID, err)
	}
	return nil
}

// Close releases the socket fd.
func (s *SocketDesc) Close() error {
	if s.fd < 0 {
		return nil
	}
	err := unix.Close(s.fd)
	s.fd = -1
	return err
}

// setsockopt and getsockopt pass raw kernel structs the x/sys typed
// helpers do not cover.
func setsockopt(fd, level, opt int, val unsafe.Pointer, vallen uintptr) error {
	_, _, errno := unix.Syscall6(unix.SYS_SETSOCKOPT,
		uintptr(fd), uintptr(level), uintptr(opt),
		uintptr(val), vallen, 0)
	if errno != 0 {
		return errno
	}
	return nil
}

func getsockopt(fd, level, opt int, val unsafe.Pointer, vallen *uint32) error {
	_, _, errno := unix.Syscall6(unix.SYS_GETSOCKOPT,
		uintptr(fd), uintptr(level), uintptr(opt),
		uintptr(val), uintptr(unsafe.Pointer(vallen)), 0)
	if errno != 0 {
		return errno
	}
	return nil
}
