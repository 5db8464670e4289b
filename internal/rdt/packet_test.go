package rdt

import (
	"bytes"
	"errors"
	"testing"
)

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	p := Packet{Channel: 2, Seq: 7, ServiceCode: ServiceData}
	copy(p.Payload[:], []byte("hello world"))

	frame := Marshal(p)
	if len(frame) != PacketLen {
		t.Fatalf("expected %d byte frame, got %d", PacketLen, len(frame))
	}

	decoded, err := Unmarshal(frame)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Channel != p.Channel || decoded.Seq != p.Seq || decoded.ServiceCode != p.ServiceCode {
		t.Fatalf("decoded header mismatch: %+v", decoded)
	}
	if !bytes.Equal(decoded.Payload[:], p.Payload[:]) {
		t.Fatalf("decoded payload mismatch")
	}
}

func TestUnmarshalWrongLength(t *testing.T) {
	_, err := Unmarshal(make([]byte, PacketLen-1))
	if !errors.Is(err, ErrShortFrame) {
		t.Fatalf("expected ErrShortFrame, got %v", err)
	}
}

func TestUnmarshalCRCMismatch(t *testing.T) {
	p := Packet{Channel: 0, Seq: 0, ServiceCode: ServiceBegin}
	frame := Marshal(p)
	frame[len(frame)-1] ^= 0xFF
	_, err := Unmarshal(frame)
	if !errors.Is(err, ErrCRCMismatch) {
		t.Fatalf("expected ErrCRCMismatch, got %v", err)
	}
}

func TestUnmarshalUnknownServiceCode(t *testing.T) {
	p := Packet{Channel: 0, Seq: 0, ServiceCode: ServiceCode(99)}
	frame := Marshal(p)
	_, err := Unmarshal(frame)
	if !errors.Is(err, ErrServiceCode) {
		t.Fatalf("expected ErrServiceCode, got %v", err)
	}
}

func TestTotalPacketsBoundary(t *testing.T) {
	cases := []struct {
		size uint32
		want int
	}{
		{1, 3},
		{PayloadLen, 3},
		{PayloadLen + 1, 4},
		{PayloadLen * 2, 4},
		{200, 4},
	}
	for _, tc := range cases {
		if got := TotalPackets(tc.size); got != tc.want {
			t.Fatalf("TotalPackets(%d) = %d, want %d", tc.size, got, tc.want)
		}
	}
}

func TestBeginPayloadRoundTrip(t *testing.T) {
	payload := EncodeBegin(0x0000_000A)
	if payload[0] != 0x0A || payload[1] != 0 || payload[2] != 0 || payload[3] != 0 {
		t.Fatalf("unexpected BEGIN payload bytes: %v", payload[:4])
	}
	if got := DecodeBegin(payload); got != 10 {
		t.Fatalf("DecodeBegin = %d, want 10", got)
	}
}

func TestNackPayloadRoundTrip(t *testing.T) {
	missing := []uint16{2, 5, 9}
	payload := EncodeNack(missing)
	got := DecodeNack(payload)
	if len(got) != len(missing) {
		t.Fatalf("decoded %d entries, want %d", len(got), len(missing))
	}
	for i, v := range missing {
		if got[i] != v {
			t.Fatalf("entry %d = %d, want %d", i, got[i], v)
		}
	}
}

func TestNackTerminatorStopsParsing(t *testing.T) {
	var payload [PayloadLen]byte
	payload[0], payload[1] = 0x02, 0x00
	payload[2], payload[3] = 0xFF, 0xFF
	payload[4], payload[5] = 0x09, 0x00 // must not be parsed
	got := DecodeNack(payload)
	if len(got) != 1 || got[0] != 2 {
		t.Fatalf("expected only [2], got %v", got)
	}
}

func TestValidateChannel(t *testing.T) {
	if err := ValidateChannel(MaxChannels - 1); err != nil {
		t.Fatalf("unexpected error for last valid channel: %v", err)
	}
	if err := ValidateChannel(MaxChannels); !errors.Is(err, ErrChannelRange) {
		t.Fatalf("expected ErrChannelRange, got %v", err)
	}
}
