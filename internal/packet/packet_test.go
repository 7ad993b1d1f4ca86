package packet

import (
	"encoding/binary"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildFrame(t *testing.T, etherType uint16, payload []byte) []byte {
	t.Helper()

	eth := &EthernetHeader{
		DstMAC:    net.HardwareAddr{0x52, 0x54, 0x00, 0x12, 0x34, 0x56},
		SrcMAC:    net.HardwareAddr{0x52, 0x54, 0x00, 0x65, 0x43, 0x21},
		EtherType: etherType,
	}

	frame := make([]byte, EthernetHeaderSize+len(payload))
	require.NoError(t, eth.Serialize(frame))
	copy(frame[EthernetHeaderSize:], payload)
	return frame
}

func buildIPv4UDP(t *testing.T, srcPort, dstPort uint16) []byte {
	t.Helper()

	ip := make([]byte, IPv4MinHeaderSize+UDPHeaderSize)
	ip[0] = 0x45 // version 4, IHL 5
	binary.BigEndian.PutUint16(ip[2:4], uint16(len(ip)))
	ip[8] = 64
	ip[9] = IPProtoUDP
	copy(ip[12:16], net.IPv4(10, 0, 0, 1).To4())
	copy(ip[16:20], net.IPv4(10, 0, 0, 2).To4())

	udp := ip[IPv4MinHeaderSize:]
	binary.BigEndian.PutUint16(udp[0:2], srcPort)
	binary.BigEndian.PutUint16(udp[2:4], dstPort)
	binary.BigEndian.PutUint16(udp[4:6], UDPHeaderSize)

	return ip
}

func TestEthernetHeaderRoundTrip(t *testing.T) {
	frame := buildFrame(t, EtherTypeIPv4, nil)

	eth, err := ParseEthernetHeader(frame)
	require.NoError(t, err)
	assert.Equal(t, "52:54:00:65:43:21", eth.SrcMAC.String())
	assert.Equal(t, "52:54:00:12:34:56", eth.DstMAC.String())
	assert.Equal(t, uint16(EtherTypeIPv4), eth.EtherType)
}

func TestParseEthernetHeaderTooShort(t *testing.T) {
	_, err := ParseEthernetHeader(make([]byte, 10))
	assert.ErrorIs(t, err, ErrPacketTooShort)
}

func TestParseIPv4Header(t *testing.T) {
	ip, err := ParseIPv4Header(buildIPv4UDP(t, 53, 4242))
	require.NoError(t, err)

	assert.Equal(t, uint8(4), ip.Version)
	assert.Equal(t, 20, ip.HeaderLength())
	assert.Equal(t, uint8(IPProtoUDP), ip.Protocol)
	assert.Equal(t, "10.0.0.1", ip.SrcIP.String())
	assert.Equal(t, "10.0.0.2", ip.DstIP.String())
}

func TestParseIPv4HeaderRejectsVersion6(t *testing.T) {
	data := buildIPv4UDP(t, 1, 2)
	data[0] = 0x65
	_, err := ParseIPv4Header(data)
	assert.ErrorIs(t, err, ErrInvalidPacket)
}

func TestParsePorts(t *testing.T) {
	seg := buildIPv4UDP(t, 1234, 80)[IPv4MinHeaderSize:]

	ports, err := ParsePorts(seg)
	require.NoError(t, err)
	assert.Equal(t, uint16(1234), ports.Src)
	assert.Equal(t, uint16(80), ports.Dst)

	_, err = ParsePorts(seg[:2])
	assert.ErrorIs(t, err, ErrPacketTooShort)
}

func TestSummary(t *testing.T) {
	frame := buildFrame(t, EtherTypeIPv4, buildIPv4UDP(t, 53, 4242))

	s := Summary(frame)
	assert.Contains(t, s, "52:54:00:65:43:21 > 52:54:00:12:34:56")
	assert.Contains(t, s, "UDP")
	assert.Contains(t, s, "10.0.0.1:53")
	assert.Contains(t, s, "10.0.0.2:4242")
}

func TestSummaryNonIPFrames(t *testing.T) {
	assert.Contains(t, Summary(buildFrame(t, EtherTypeARP, make([]byte, 28))), "ARP")
	assert.Contains(t, Summary(buildFrame(t, 0x88CC, nil)), "ethertype 0x88cc")
	assert.Contains(t, Summary(make([]byte, 4)), "truncated")
}

func TestPipelineFilter(t *testing.T) {
	var printed int

	p := &Pipeline{}
	p.AddHandler(EtherTypeFilter(EtherTypeIPv4))
	p.AddHandler(func(frame []byte) bool {
		printed++
		return true
	})

	p.Process(buildFrame(t, EtherTypeIPv4, buildIPv4UDP(t, 1, 2)))
	p.Process(buildFrame(t, EtherTypeARP, make([]byte, 28)))

	assert.Equal(t, 1, printed)
}
