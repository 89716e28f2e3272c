// Package avtp implements bit-exact encode/decode of the IEEE 1722/1722a
// AVTP frame envelope: the Ethernet + 802.1Q + AVTP common header fields
// named in spec.md §6 ("Wire format"). Per-subtype payload framing (AAF
// sample layout, CVF NAL framing, CRF timestamp sequences) lives in
// pkg/stream, which owns the presentation-layer semantics; this package
// only owns the header bytes every subtype shares.
package avtp

import (
	"encoding/binary"
	"fmt"
)

const (
	// EtherTypeVLAN is the 802.1Q tag protocol identifier.
	EtherTypeVLAN = 0x8100
	// EtherTypeAVTP is the AVTP ethertype carried inside (or instead of) a VLAN tag.
	EtherTypeAVTP = 0x22F0

	// HeaderLen is the size of the AVTP common header in bytes.
	HeaderLen = 12

	// EthHeaderLen is dst(6) + src(6) + vlan tag(4) + ethertype(2).
	EthHeaderLen = 6 + 6 + 4 + 2
)

// Subtype identifies the AVTP payload format, per IEEE 1722.
type Subtype uint8

const (
	SubtypeAAF61883 Subtype = 0x00 // legacy IEC 61883/IIDC, used for SAF compatibility mode
	SubtypeAAF      Subtype = 0x02
	SubtypeCVF      Subtype = 0x03
	SubtypeCRF      Subtype = 0x04
)

// CommonHeader is the 12-byte AVTP common stream header shared by AAF, CVF,
// and CRF (CRF's layout differs slightly — see CRFHeader).
type CommonHeader struct {
	Version    uint8 // 3 bits
	Subtype    Subtype
	SV         bool // stream_id valid
	MR         bool // media clock restart
	GV         bool // gateway valid (reserved for CRF; repurposed per-subtype elsewhere)
	TV         bool // timestamp valid
	SequenceNum uint8
	TU         bool // timestamp uncertain
	StreamID   uint64
	Timestamp  uint32 // avtp_timestamp, media-clock-domain nanosecond-ish ticks
	StreamDataLength uint16
}

// EthernetFrame is the Layer-2 envelope around an AVTP payload.
type EthernetFrame struct {
	DstMAC   [6]byte
	SrcMAC   [6]byte
	VLANID   uint16 // 12 bits
	VLANPrio uint8  // 3 bits
	HasVLAN  bool
}

// EncodeEthernetHeader writes the destination/source MAC, optional 802.1Q
// tag, and the AVTP ethertype into buf, returning the number of bytes
// written. buf must have capacity for EthHeaderLen bytes.
func EncodeEthernetHeader(buf []byte, f EthernetFrame) (int, error) {
	if len(buf) < EthHeaderLen {
		return 0, fmt.Errorf("avtp: buffer too small for ethernet header: have %d need %d", len(buf), EthHeaderLen)
	}
	copy(buf[0:6], f.DstMAC[:])
	copy(buf[6:12], f.SrcMAC[:])
	if f.HasVLAN {
		binary.BigEndian.PutUint16(buf[12:14], EtherTypeVLAN)
		tci := (uint16(f.VLANPrio&0x7) << 13) | (f.VLANID & 0x0FFF)
		binary.BigEndian.PutUint16(buf[14:16], tci)
		binary.BigEndian.PutUint16(buf[16:18], EtherTypeAVTP)
		return 18, nil
	}
	binary.BigEndian.PutUint16(buf[12:14], EtherTypeAVTP)
	return 14, nil
}

// DecodeEthernetHeader parses a frame header from buf, returning the frame,
// the offset of the first byte after the header, and an error if buf is
// malformed or is not an AVTP frame.
func DecodeEthernetHeader(buf []byte) (EthernetFrame, int, error) {
	if len(buf) < 14 {
		return EthernetFrame{}, 0, fmt.Errorf("avtp: short frame: %d bytes", len(buf))
	}
	var f EthernetFrame
	copy(f.DstMAC[:], buf[0:6])
	copy(f.SrcMAC[:], buf[6:12])

	et := binary.BigEndian.Uint16(buf[12:14])
	if et == EtherTypeVLAN {
		if len(buf) < 18 {
			return EthernetFrame{}, 0, fmt.Errorf("avtp: short VLAN-tagged frame: %d bytes", len(buf))
		}
		tci := binary.BigEndian.Uint16(buf[14:16])
		f.HasVLAN = true
		f.VLANPrio = uint8((tci >> 13) & 0x7)
		f.VLANID = tci & 0x0FFF
		inner := binary.BigEndian.Uint16(buf[16:18])
		if inner != EtherTypeAVTP {
			return EthernetFrame{}, 0, fmt.Errorf("avtp: unexpected inner ethertype 0x%04x", inner)
		}
		return f, 18, nil
	}
	if et != EtherTypeAVTP {
		return EthernetFrame{}, 0, fmt.Errorf("avtp: unexpected ethertype 0x%04x", et)
	}
	return f, 14, nil
}

// Encode writes the 12-byte AVTP common header to buf.
func Encode(buf []byte, h CommonHeader) error {
	if len(buf) < HeaderLen {
		return fmt.Errorf("avtp: buffer too small for common header: have %d need %d", len(buf), HeaderLen)
	}
	// Layout follows 1722-2016 §5.3.1: byte0=subtype, byte1 carries
	// sv/version/mr/gv/tv, byte2=sequence_num, byte3 carries tu, bytes
	// 4-11 carry the 64-bit stream_id. AAF/CVF append a length+timestamp
	// block after this header; their encoders in pkg/stream write it
	// directly following the bytes written here.
	buf[0] = uint8(h.Subtype)
	b1 := uint8(0)
	if h.SV {
		b1 |= 0x80
	}
	b1 |= (h.Version & 0x7) << 4
	if h.MR {
		b1 |= 0x08
	}
	if h.GV {
		b1 |= 0x02
	}
	if h.TV {
		b1 |= 0x01
	}
	buf[1] = b1
	buf[2] = h.SequenceNum
	b3 := uint8(0)
	if h.TU {
		b3 |= 0x01
	}
	buf[3] = b3
	EncodeStreamID(buf[4:12], h.StreamID)
	return nil
}

// EncodeStreamID writes a 64-bit stream ID in big-endian order.
func EncodeStreamID(buf []byte, streamID uint64) {
	binary.BigEndian.PutUint64(buf[0:8], streamID)
}

// DecodeStreamID reads a 64-bit stream ID in big-endian order.
func DecodeStreamID(buf []byte) uint64 {
	return binary.BigEndian.Uint64(buf[0:8])
}

// Decode parses the first 12 bytes of buf as an AVTP common header.
func Decode(buf []byte) (CommonHeader, error) {
	if len(buf) < HeaderLen {
		return CommonHeader{}, fmt.Errorf("avtp: short header: %d bytes", len(buf))
	}
	var h CommonHeader
	h.Subtype = Subtype(buf[0])
	b1 := buf[1]
	h.SV = b1&0x80 != 0
	h.Version = (b1 >> 4) & 0x7
	h.MR = b1&0x08 != 0
	h.GV = b1&0x02 != 0
	h.TV = b1&0x01 != 0
	h.SequenceNum = buf[2]
	h.TU = buf[3]&0x01 != 0
	h.StreamID = DecodeStreamID(buf[4:12])
	return h, nil
}

// SeqNumDelta returns the forward distance from prev to cur accounting for
// the 8-bit rollover named in spec.md §8 ("Sequence-number rollover (255 →
// 0) does not increment seqNumMismatch"). A delta of 1 means "next packet
// in order"; 0 indicates a duplicate.
func SeqNumDelta(prev, cur uint8) uint8 {
	return cur - prev
}
