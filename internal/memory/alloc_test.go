package memory

import (
	"os"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocateAlignedAndZeroed(t *testing.T) {
	a, err := NewAllocator(0, false)
	require.NoError(t, err)

	data, err := a.Allocate(8*2048, 2048)
	require.NoError(t, err)
	defer a.Free(data)

	assert.Equal(t, 8*2048, len(data))
	base := uintptr(unsafe.Pointer(&data[0]))
	assert.Zero(t, base%2048, "base must be chunk aligned")

	for i, b := range data {
		if b != 0 {
			t.Fatalf("byte %d not zeroed", i)
		}
	}
}

func TestAllocateRejectsOversizedAlignment(t *testing.T) {
	a, err := NewAllocator(0, false)
	require.NoError(t, err)

	_, err = a.Allocate(4096, os.Getpagesize()*2)
	assert.Error(t, err)
}

func TestAllocateOddSize(t *testing.T) {
	a, err := NewAllocator(0, false)
	require.NoError(t, err)

	// Sizes that are not page multiples still come back full length.
	data, err := a.Allocate(3000, 2048)
	require.NoError(t, err)
	defer a.Free(data)

	assert.Equal(t, 3000, len(data))
	data[2999] = 0xFF
}

func TestFreeNil(t *testing.T) {
	a, err := NewAllocator(0, false)
	require.NoError(t, err)

	assert.NoError(t, a.Free(nil))
}

func TestGetNUMAInfoConsistent(t *testing.T) {
	info := GetNUMAInfo()

	if !info.Available {
		t.Skip("no NUMA topology exposed")
	}

	assert.Greater(t, info.NodeCount, 0)
	assert.Less(t, info.CurrentNode, info.NodeCount)
}

func TestParseCPUList(t *testing.T) {
	tests := []struct {
		in   string
		want []int
	}{
		{"0-3", []int{0, 1, 2, 3}},
		{"0,2,4", []int{0, 2, 4}},
		{"0-1,8-9", []int{0, 1, 8, 9}},
		{"5", []int{5}},
		{"", nil},
		{"  0-1 \n", []int{0, 1}},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, parseCPUList(tt.in), "input %q", tt.in)
	}
}

func TestParseNodeMemory(t *testing.T) {
	memInfo := "Node 0 MemTotal:       16314788 kB\nNode 0 MemFree:  12345 kB\n"
	assert.Equal(t, int64(16314788/1024), parseNodeMemory(memInfo))
	assert.Equal(t, int64(0), parseNodeMemory("no such line"))
}
