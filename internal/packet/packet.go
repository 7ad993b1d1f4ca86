// Package packet provides header parsing for captured frames. The
// datapath moves opaque frames; this package exists for the dump tool
// and diagnostics output.
package packet

import (
	"encoding/binary"
	"fmt"
	"net"
	"strings"
)

// EtherType constants
const (
	EtherTypeIPv4 = 0x0800
	EtherTypeIPv6 = 0x86DD
	EtherTypeARP  = 0x0806
	EtherTypeVLAN = 0x8100
)

// IP Protocol constants
const (
	IPProtoICMP = 1
	IPProtoTCP  = 6
	IPProtoUDP  = 17
)

// Header sizes
const (
	EthernetHeaderSize = 14
	IPv4MinHeaderSize  = 20
	UDPHeaderSize      = 8
	TCPMinHeaderSize   = 20
)

// Packet errors
var (
	ErrPacketTooShort = packetError("packet too short")
	ErrInvalidPacket  = packetError("invalid packet")
	ErrBufferTooSmall = packetError("buffer too small")
)

type packetError string

func (e packetError) Error() string {
	return string(e)
}

// EthernetHeader represents an Ethernet frame header.
type EthernetHeader struct {
	DstMAC    net.HardwareAddr
	SrcMAC    net.HardwareAddr
	EtherType uint16
}

// ParseEthernetHeader parses an Ethernet header from a byte slice.
func ParseEthernetHeader(data []byte) (*EthernetHeader, error) {
	if len(data) < EthernetHeaderSize {
		return nil, ErrPacketTooShort
	}

	return &EthernetHeader{
		DstMAC:    net.HardwareAddr(data[0:6]),
		SrcMAC:    net.HardwareAddr(data[6:12]),
		EtherType: binary.BigEndian.Uint16(data[12:14]),
	}, nil
}

// Serialize writes the Ethernet header to a byte slice.
func (h *EthernetHeader) Serialize(data []byte) error {
	if len(data) < EthernetHeaderSize {
		return ErrBufferTooSmall
	}

	copy(data[0:6], h.DstMAC)
	copy(data[6:12], h.SrcMAC)
	binary.BigEndian.PutUint16(data[12:14], h.EtherType)

	return nil
}

// IPv4Header represents an IPv4 packet header.
type IPv4Header struct {
	Version  uint8
	IHL      uint8 // Header length in 32-bit words
	TotalLen uint16
	TTL      uint8
	Protocol uint8
	Checksum uint16
	SrcIP    net.IP
	DstIP    net.IP
}

// ParseIPv4Header parses an IPv4 header from a byte slice.
func ParseIPv4Header(data []byte) (*IPv4Header, error) {
	if len(data) < IPv4MinHeaderSize {
		return nil, ErrPacketTooShort
	}

	version := data[0] >> 4
	ihl := data[0] & 0x0F
	if version != 4 {
		return nil, ErrInvalidPacket
	}
	if len(data) < int(ihl)*4 {
		return nil, ErrPacketTooShort
	}

	return &IPv4Header{
		Version:  version,
		IHL:      ihl,
		TotalLen: binary.BigEndian.Uint16(data[2:4]),
		TTL:      data[8],
		Protocol: data[9],
		Checksum: binary.BigEndian.Uint16(data[10:12]),
		SrcIP:    net.IP(data[12:16]),
		DstIP:    net.IP(data[16:20]),
	}, nil
}

// HeaderLength returns the header length in bytes.
func (h *IPv4Header) HeaderLength() int {
	return int(h.IHL) * 4
}

// PortPair holds the transport-layer ports of a packet.
type PortPair struct {
	Src uint16
	Dst uint16
}

// ParsePorts reads the source and destination port of a UDP or TCP
// segment; both protocols put them in the first four bytes.
func ParsePorts(data []byte) (PortPair, error) {
	if len(data) < 4 {
		return PortPair{}, ErrPacketTooShort
	}
	return PortPair{
		Src: binary.BigEndian.Uint16(data[0:2]),
		Dst: binary.BigEndian.Uint16(data[2:4]),
	}, nil
}

// Summary renders a one-line tcpdump-style description of a frame.
// Frames it cannot decode are still described by ethertype and length.
func Summary(frame []byte) string {
	eth, err := ParseEthernetHeader(frame)
	if err != nil {
		return fmt.Sprintf("truncated frame, %d bytes", len(frame))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s > %s", eth.SrcMAC, eth.DstMAC)

	payload := frame[EthernetHeaderSize:]
	switch eth.EtherType {
	case EtherTypeIPv4:
		summarizeIPv4(&b, payload)
	case EtherTypeIPv6:
		fmt.Fprintf(&b, " IPv6, %d bytes", len(payload))
	case EtherTypeARP:
		fmt.Fprintf(&b, " ARP, %d bytes", len(payload))
	default:
		fmt.Fprintf(&b, " ethertype 0x%04x, %d bytes", eth.EtherType, len(payload))
	}

	return b.String()
}

func summarizeIPv4(b *strings.Builder, payload []byte) {
	ip, err := ParseIPv4Header(payload)
	if err != nil {
		fmt.Fprintf(b, " IPv4 (truncated), %d bytes", len(payload))
		return
	}

	seg := payload[ip.HeaderLength():]
	switch ip.Protocol {
	case IPProtoTCP, IPProtoUDP:
		proto := "TCP"
		if ip.Protocol == IPProtoUDP {
			proto = "UDP"
		}
		if ports, err := ParsePorts(seg); err == nil {
			fmt.Fprintf(b, " %s %s:%d > %s:%d len=%d",
				proto, ip.SrcIP, ports.Src, ip.DstIP, ports.Dst, ip.TotalLen)
			return
		}
		fmt.Fprintf(b, " %s %s > %s len=%d", proto, ip.SrcIP, ip.DstIP, ip.TotalLen)
	case IPProtoICMP:
		fmt.Fprintf(b, " ICMP %s > %s len=%d", ip.SrcIP, ip.DstIP, ip.TotalLen)
	default:
		fmt.Fprintf(b, " IPv4 proto=%d %s > %s len=%d", ip.Protocol, ip.SrcIP, ip.DstIP, ip.TotalLen)
	}
}

// Handler processes one frame in a dump pipeline. Returning false
// stops the pipeline for that frame.
type Handler func(frame []byte) bool

// Pipeline chains frame handlers, e.g. a filter in front of a printer.
type Pipeline struct {
	handlers []Handler
}

// AddHandler appends a handler to the pipeline.
func (p *Pipeline) AddHandler(h Handler) {
	p.handlers = append(p.handlers, h)
}

// Process runs a frame through the pipeline.
func (p *Pipeline) Process(frame []byte) {
	for _, h := range p.handlers {
		if !h(frame) {
			return
		}
	}
}

// EtherTypeFilter returns a handler that passes only frames of the
// given ethertype.
func EtherTypeFilter(etherType uint16) Handler {
	return func(frame []byte) bool {
		eth, err := ParseEthernetHeader(frame)
		return err == nil && eth.EtherType == etherType
	}
}
