// Package goosewire implements the frame codec: parsing raw Ethernet/802.1Q
// frames, filtering for GOOSE, and encoding/decoding the 18-byte tunnel
// payload that carries a GOOSE frame across the multicast WAN hop.
package goosewire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

const (
	// GOOSEEtherType is the IEC 61850 GOOSE EtherType.
	GOOSEEtherType = 0x88B8
	// VLANEtherType is the 802.1Q tag-protocol identifier.
	VLANEtherType = 0x8100

	minEthernetLen = 14
	minVLANLen     = 18

	tunnelHeaderLen = 18
)

// GOOSEMulticastMAC is the canonical IEC 61850-mandated GOOSE destination
// address. All reconstructed frames carry this address regardless of what
// the original frame's destination was (it is, by contract, always this).
var GOOSEMulticastMAC = net.HardwareAddr{0x01, 0x0C, 0xCD, 0x01, 0x00, 0x01}

// ErrNotAFrame is returned by ParseEthernetFrame for input too short to be
// a valid Ethernet (or VLAN-tagged Ethernet) frame. It is never fatal to a
// caller: per-frame parse failures are logged and dropped, not escalated.
var ErrNotAFrame = errors.New("goosewire: not a frame")

// ErrShortTunnelPayload is returned by DecodeTunnelPayload when the input is
// shorter than the 18-byte header.
var ErrShortTunnelPayload = errors.New("goosewire: tunnel payload shorter than header")

// ParsedFrame is the decoded form of a raw Ethernet frame read off a TAP
// device, per spec §3.
type ParsedFrame struct {
	DstMAC       net.HardwareAddr
	SrcMAC       net.HardwareAddr
	HasVLAN      bool
	VLANID       uint16 // 12 bits
	VLANPriority uint8  // 3 bits
	EtherType    uint16
	Payload      []byte
}

// ParseEthernetFrame decodes a raw Ethernet frame, honoring an optional
// single 802.1Q tag. It never panics: malformed input yields ErrNotAFrame.
func ParseEthernetFrame(raw []byte) (*ParsedFrame, error) {
	if len(raw) < minEthernetLen {
		return nil, ErrNotAFrame
	}

	packet := gopacket.NewPacket(raw, layers.LayerTypeEthernet, gopacket.DecodeOptions{
		Lazy:   true,
		NoCopy: true,
	})
	ethLayer := packet.Layer(layers.LayerTypeEthernet)
	if ethLayer == nil {
		return nil, fmt.Errorf("%w: no ethernet layer", ErrNotAFrame)
	}
	eth, ok := ethLayer.(*layers.Ethernet)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected layer type", ErrNotAFrame)
	}

	outerType := binary.BigEndian.Uint16(raw[12:14])
	if outerType != VLANEtherType {
		return &ParsedFrame{
			DstMAC:    eth.DstMAC,
			SrcMAC:    eth.SrcMAC,
			HasVLAN:   false,
			EtherType: uint16(eth.EthernetType),
			Payload:   raw[minEthernetLen:],
		}, nil
	}

	if len(raw) < minVLANLen {
		return nil, fmt.Errorf("%w: truncated vlan tag", ErrNotAFrame)
	}

	dot1qLayer := packet.Layer(layers.LayerTypeDot1Q)
	if dot1qLayer == nil {
		// Fall back to manual TCI parsing; gopacket's Dot1Q decoder was
		// unable to chain (e.g. an unregistered inner EtherType), but the
		// bytes are still well-formed per spec §4.3.
		vlanTCI := binary.BigEndian.Uint16(raw[14:16])
		return &ParsedFrame{
			DstMAC:       eth.DstMAC,
			SrcMAC:       eth.SrcMAC,
			HasVLAN:      true,
			VLANID:       vlanTCI & 0x0FFF,
			VLANPriority: uint8((vlanTCI >> 13) & 0x7),
			EtherType:    binary.BigEndian.Uint16(raw[16:18]),
			Payload:      raw[minVLANLen:],
		}, nil
	}
	dot1q, ok := dot1qLayer.(*layers.Dot1Q)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected vlan layer type", ErrNotAFrame)
	}

	return &ParsedFrame{
		DstMAC:       eth.DstMAC,
		SrcMAC:       eth.SrcMAC,
		HasVLAN:      true,
		VLANID:       dot1q.VLANIdentifier,
		VLANPriority: dot1q.Priority,
		EtherType:    uint16(dot1q.Type),
		Payload:      raw[minVLANLen:],
	}, nil
}

// IsGOOSE reports whether a parsed frame matches the GOOSE EtherType and
// canonical multicast destination address (spec §4.3).
func IsGOOSE(f *ParsedFrame) bool {
	if f == nil {
		return false
	}
	return f.EtherType == GOOSEEtherType && f.DstMAC.String() == GOOSEMulticastMAC.String()
}

// TunnelHeader is the decoded form of the 18-byte tunnel payload header
// (spec §3).
type TunnelHeader struct {
	SrcMAC       net.HardwareAddr
	TimestampUs  uint64
	HasVLAN      bool
	VLANID       uint16
	GOOSEPayload []byte
}

// EncodeTunnelPayload builds the 18-byte header plus GOOSE payload for a
// parsed GOOSE frame. timestampUs is the sender's wall-clock microsecond
// reading at encode time (spec §4.3 — one-way latency observability only,
// not an ordering key).
func EncodeTunnelPayload(f *ParsedFrame, timestampUs uint64) []byte {
	out := make([]byte, tunnelHeaderLen+len(f.Payload))
	copy(out[0:6], f.SrcMAC)
	binary.BigEndian.PutUint64(out[6:14], timestampUs)
	if f.HasVLAN {
		binary.BigEndian.PutUint16(out[14:16], 1)
		binary.BigEndian.PutUint16(out[16:18], f.VLANID)
	}
	copy(out[tunnelHeaderLen:], f.Payload)
	return out
}

// DecodeTunnelPayload parses the 18-byte tunnel header plus trailing GOOSE
// payload (spec §3/§4.3).
func DecodeTunnelPayload(b []byte) (*TunnelHeader, error) {
	if len(b) < tunnelHeaderLen {
		return nil, ErrShortTunnelPayload
	}
	srcMAC := make(net.HardwareAddr, 6)
	copy(srcMAC, b[0:6])
	ts := binary.BigEndian.Uint64(b[6:14])
	vlanFlag := binary.BigEndian.Uint16(b[14:16])
	vlanID := binary.BigEndian.Uint16(b[16:18])

	return &TunnelHeader{
		SrcMAC:       srcMAC,
		TimestampUs:  ts,
		HasVLAN:      vlanFlag == 1,
		VLANID:       vlanID,
		GOOSEPayload: b[tunnelHeaderLen:],
	}, nil
}

// ReconstructFrame rebuilds a GOOSE Ethernet frame from a decoded tunnel
// header. The destination MAC is always the canonical GOOSE multicast
// address (spec §4.3 — lossy by contract, not a bug: the original
// destination is, per the GOOSE standard, always this address). The
// reconstructed VLAN priority is fixed at 4 because the 18-byte header does
// not carry the original priority (spec §4.3/§9 — a documented, intentional
// simplification).
func ReconstructFrame(h *TunnelHeader) ([]byte, error) {
	eth := &layers.Ethernet{
		SrcMAC:       h.SrcMAC,
		DstMAC:       GOOSEMulticastMAC,
		EthernetType: layers.EthernetTypeDot1Q,
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: false, ComputeChecksums: false}

	if !h.HasVLAN {
		eth.EthernetType = layers.EthernetType(GOOSEEtherType)
		if err := gopacket.SerializeLayers(buf, opts, eth, gopacket.Payload(h.GOOSEPayload)); err != nil {
			return nil, fmt.Errorf("goosewire: serialize frame: %w", err)
		}
		// layers.Ethernet pads its output to the 60-byte Ethernet minimum;
		// cut the frame back to header plus payload.
		return append([]byte(nil), buf.Bytes()[:minEthernetLen+len(h.GOOSEPayload)]...), nil
	}

	dot1q := &layers.Dot1Q{
		Priority:       4,
		DropEligible:   false,
		VLANIdentifier: h.VLANID & 0x0FFF,
		Type:           layers.EthernetType(GOOSEEtherType),
	}
	if err := gopacket.SerializeLayers(buf, opts, eth, dot1q, gopacket.Payload(h.GOOSEPayload)); err != nil {
		return nil, fmt.Errorf("goosewire: serialize vlan frame: %w", err)
	}
	return append([]byte(nil), buf.Bytes()[:minVLANLen+len(h.GOOSEPayload)]...), nil
}
