// Package memory provides the backing allocations for packet I/O:
// chunk-aligned, mlocked regions suitable for registration with the
// kernel, with optional NUMA placement and hugepages.
package memory

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"unsafe"

	"golang.org/x/sys/unix"
)

// NUMAInfo holds NUMA topology information.
type NUMAInfo struct {
	NodeCount   int
	CurrentNode int
	CPUsPerNode map[int][]int
	MemoryMB    map[int]int64
	Available   bool
}

// Allocator hands out anonymous, page-aligned mappings for packet
// buffer areas. When NUMA is available the caller can pin the
// allocating thread to the configured node before mapping.
type Allocator struct {
	nodeID      int
	hugepages   bool
	initialized bool
}

// NewAllocator creates an allocator bound to a NUMA node. When the
// system has no NUMA topology the allocator still works, it just
// cannot influence placement.
func NewAllocator(nodeID int, useHugepages bool) (*Allocator, error) {
	a := &Allocator{
		nodeID:    nodeID,
		hugepages: useHugepages,
	}

	info := GetNUMAInfo()
	if !info.Available {
		return a, nil
	}

	if nodeID >= info.NodeCount {
		return nil, fmt.Errorf("NUMA node %d does not exist (max: %d)", nodeID, info.NodeCount-1)
	}

	a.initialized = true
	return a, nil
}

// BindToNode pins the current goroutine's OS thread to the CPUs of the
// allocator's NUMA node so first-touch places pages locally.
func (a *Allocator) BindToNode() error {
	if !a.initialized {
		return nil
	}

	runtime.LockOSThread()

	info := GetNUMAInfo()
	cpus, ok := info.CPUsPerNode[a.nodeID]
	if !ok || len(cpus) == 0 {
		return fmt.Errorf("no CPUs found for NUMA node %d", a.nodeID)
	}

	var cpuSet unix.CPUSet
	for _, cpu := range cpus {
		cpuSet.Set(cpu)
	}

	return unix.SchedSetaffinity(0, &cpuSet)
}

// Allocate maps a zeroed anonymous region of at least size bytes whose
// base is aligned to align. align must be a power of two no larger
// than the system page size; mmap guarantees page alignment, which
// covers every chunk size the packet area supports.
func (a *Allocator) Allocate(size, align int) ([]byte, error) {
	pageSize := os.Getpagesize()
	if align > pageSize {
		return nil, fmt.Errorf("alignment %d exceeds page size %d", align, pageSize)
	}

	alignedSize := ((size + pageSize - 1) / pageSize) * pageSize

	flags := unix.MAP_PRIVATE | unix.MAP_ANONYMOUS
	if a.hugepages {
		flags |= unix.MAP_HUGETLB
	}

	data, err := unix.Mmap(-1, 0, alignedSize, unix.PROT_READ|unix.PROT_WRITE, flags)
	if err != nil && a.hugepages {
		// Hugepage pools are often empty; retry with normal pages.
		flags &^= unix.MAP_HUGETLB
		data, err = unix.Mmap(-1, 0, alignedSize, unix.PROT_READ|unix.PROT_WRITE, flags)
	}
	if err != nil {
		return nil, fmt.Errorf("mmap failed: %w", err)
	}

	// Keep packet memory resident; without CAP_IPC_LOCK this can fail,
	// in which case the region still works but may be swapped.
	_ = unix.Mlock(data)

	return data[:size], nil
}

// Free releases a region returned by Allocate.
func (a *Allocator) Free(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	// Munmap needs the full mapping, not the size-trimmed view.
	pageSize := os.Getpagesize()
	full := unsafe.Slice(&data[0], ((len(data)+pageSize-1)/pageSize)*pageSize)
	return unix.Munmap(full)
}

// GetNUMAInfo returns information about NUMA topology.
func GetNUMAInfo() NUMAInfo {
	info := NUMAInfo{
		CPUsPerNode: make(map[int][]int),
		MemoryMB:    make(map[int]int64),
	}

	numaPath := "/sys/devices/system/node"
	entries, err := os.ReadDir(numaPath)
	if err != nil {
		info.Available = false
		return info
	}

	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), "node") {
			continue
		}

		nodeID, err := strconv.Atoi(strings.TrimPrefix(entry.Name(), "node"))
		if err != nil {
			continue
		}

		info.NodeCount++

		if cpuData, err := os.ReadFile(filepath.Join(numaPath, entry.Name(), "cpulist")); err == nil {
			info.CPUsPerNode[nodeID] = parseCPUList(string(cpuData))
		}

		if memData, err := os.ReadFile(filepath.Join(numaPath, entry.Name(), "meminfo")); err == nil {
			info.MemoryMB[nodeID] = parseNodeMemory(string(memData))
		}
	}

	info.Available = info.NodeCount > 0

	if info.Available {
		info.CurrentNode = getCurrentNUMANode(info)
	}

	return info
}

// parseCPUList parses a CPU list string like "0-3,8-11" into slice of CPU IDs.
func parseCPUList(cpuList string) []int {
	var cpus []int

	for _, part := range strings.Split(strings.TrimSpace(cpuList), ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		if start, end, ok := strings.Cut(part, "-"); ok {
			lo, err1 := strconv.Atoi(start)
			hi, err2 := strconv.Atoi(end)
			if err1 != nil || err2 != nil {
				continue
			}
			for i := lo; i <= hi; i++ {
				cpus = append(cpus, i)
			}
		} else if cpu, err := strconv.Atoi(part); err == nil {
			cpus = append(cpus, cpu)
		}
	}

	return cpus
}

// parseNodeMemory extracts total memory from NUMA node meminfo.
func parseNodeMemory(memInfo string) int64 {
	for _, line := range strings.Split(memInfo, "\n") {
		if strings.Contains(line, "MemTotal") {
			parts := strings.Fields(line)
			if len(parts) >= 4 {
				if kb, err := strconv.ParseInt(parts[3], 10, 64); err == nil {
					return kb / 1024
				}
			}
		}
	}
	return 0
}

// getCurrentNUMANode determines which NUMA node the current thread is on.
func getCurrentNUMANode(info NUMAInfo) int {
	var cpu, node uint
	_, _, errno := unix.Syscall(unix.SYS_GETCPU, uintptr(unsafe.Pointer(&cpu)), uintptr(unsafe.Pointer(&node)), 0)
	if errno != 0 {
		return 0
	}

	for nodeID, cpus := range info.CPUsPerNode {
		for _, c := range cpus {
			if c == int(cpu) {
				return nodeID
			}
		}
	}

	return 0
}
