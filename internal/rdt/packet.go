// Package rdt implements the reliable datagram transport: a segmented,
// CRC-checked, retry/NACK/ASK protocol that carries arbitrary-sized blocks
// across a fixed-size link frame.
package rdt

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
)

// ServiceCode distinguishes the control purpose of one wire packet.
type ServiceCode uint8

const (
	ServiceBegin ServiceCode = 1
	ServiceData  ServiceCode = 2
	ServiceEnd   ServiceCode = 3
	ServiceAsk   ServiceCode = 4
	ServiceNack  ServiceCode = 5
)

func (c ServiceCode) valid() bool {
	switch c {
	case ServiceBegin, ServiceData, ServiceEnd, ServiceAsk, ServiceNack:
		return true
	default:
		return false
	}
}

func (c ServiceCode) String() string {
	switch c {
	case ServiceBegin:
		return "BEGIN"
	case ServiceData:
		return "DATA"
	case ServiceEnd:
		return "END"
	case ServiceAsk:
		return "ASK"
	case ServiceNack:
		return "NACK"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(c))
	}
}

const (
	// PayloadLen is the fixed payload capacity of one wire packet.
	PayloadLen = 192
	// PacketLen is the fixed on-wire size of one packet: channel + seq +
	// service_code + payload + crc.
	PacketLen = 1 + 2 + 1 + PayloadLen + 4
	// MaxChannels bounds the channel index space.
	MaxChannels = 4
	// MaxSeq is the largest total_packets a block may need, which keeps every
	// sequence number below 0xFFFE and clear of the NACK terminator.
	MaxSeq = 0xFFFE
	// NackTerminator ends a NACK missing-seq list.
	NackTerminator = 0xFFFF
)

var (
	ErrShortFrame    = errors.New("rdt: frame shorter or longer than packet length")
	ErrCRCMismatch   = errors.New("rdt: crc mismatch")
	ErrChannelRange  = errors.New("rdt: channel out of range")
	ErrServiceCode   = errors.New("rdt: unknown service code")
)

// Packet is the decoded fixed-size wire packet.
type Packet struct {
	Channel     uint8
	Seq         uint16
	ServiceCode ServiceCode
	Payload     [PayloadLen]byte
}

// Marshal serializes p into a freshly allocated PacketLen-byte frame,
// little-endian, with a trailing CRC-32 (reflected IEEE 802.3, init
// 0xFFFFFFFF) over every preceding byte.
func Marshal(p Packet) []byte {
	buf := make([]byte, PacketLen)
	buf[0] = p.Channel
	binary.LittleEndian.PutUint16(buf[1:3], p.Seq)
	buf[3] = uint8(p.ServiceCode)
	copy(buf[4:4+PayloadLen], p.Payload[:])
	crc := crc32.ChecksumIEEE(buf[:4+PayloadLen])
	binary.LittleEndian.PutUint32(buf[4+PayloadLen:], crc)
	return buf
}

// Unmarshal parses a wire frame, rejecting anything not exactly PacketLen
// bytes or whose trailing CRC does not match.
func Unmarshal(frame []byte) (Packet, error) {
	if len(frame) != PacketLen {
		return Packet{}, ErrShortFrame
	}
	body := frame[:4+PayloadLen]
	wantCRC := binary.LittleEndian.Uint32(frame[4+PayloadLen:])
	gotCRC := crc32.ChecksumIEEE(body)
	if gotCRC != wantCRC {
		return Packet{}, ErrCRCMismatch
	}

	code := ServiceCode(frame[3])
	if !code.valid() {
		return Packet{}, ErrServiceCode
	}

	var p Packet
	p.Channel = frame[0]
	p.Seq = binary.LittleEndian.Uint16(frame[1:3])
	p.ServiceCode = code
	copy(p.Payload[:], frame[4:4+PayloadLen])
	return p, nil
}

// TotalPackets returns the number of wire packets (BEGIN + DATA... + END)
// needed to carry a block of size bytes.
func TotalPackets(size uint32) int {
	dataPackets := (int(size) + PayloadLen - 1) / PayloadLen
	return dataPackets + 2
}

// EncodeBegin builds a BEGIN packet payload: the 4-byte LE total size,
// zero-padded.
func EncodeBegin(totalSize uint32) [PayloadLen]byte {
	var payload [PayloadLen]byte
	binary.LittleEndian.PutUint32(payload[0:4], totalSize)
	return payload
}

// DecodeBegin extracts the declared total size from a BEGIN payload.
func DecodeBegin(payload [PayloadLen]byte) uint32 {
	return binary.LittleEndian.Uint32(payload[0:4])
}

// EncodeNack renders a sorted list of missing sequence numbers as a NACK
// payload: u16 LE entries terminated by NackTerminator.
func EncodeNack(missing []uint16) [PayloadLen]byte {
	var payload [PayloadLen]byte
	i := 0
	for _, seq := range missing {
		if i+2 > PayloadLen-2 {
			break
		}
		binary.LittleEndian.PutUint16(payload[i:i+2], seq)
		i += 2
	}
	binary.LittleEndian.PutUint16(payload[i:i+2], NackTerminator)
	return payload
}

// DecodeNack reads the missing-seq list from a NACK payload, stopping at
// the first NackTerminator entry.
func DecodeNack(payload [PayloadLen]byte) []uint16 {
	missing := make([]uint16, 0, PayloadLen/2)
	for i := 0; i+2 <= PayloadLen; i += 2 {
		v := binary.LittleEndian.Uint16(payload[i : i+2])
		if v == NackTerminator {
			break
		}
		missing = append(missing, v)
	}
	return missing
}

// ValidateChannel rejects channel indices outside [0, MaxChannels).
func ValidateChannel(channel uint8) error {
	if int(channel) >= MaxChannels {
		return fmt.Errorf("%w: %d", ErrChannelRange, channel)
	}
	return nil
}
