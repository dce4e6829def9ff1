package frame

import (
	"encoding/binary"

	"github.com/ardnew/aapbridge/channel"
)

// HeaderSize is the size of a frame header in bytes.
const HeaderSize = 4

// FlagEncrypted must be set in every valid header.
const FlagEncrypted = 0x08

// MaxBodyLength is the largest body a header can describe.
const MaxBodyLength = 0xFFFF

// Header is the fixed prefix of every frame:
//
//	byte 0:    channel id
//	byte 1:    flags (FlagEncrypted required)
//	bytes 2-3: body length, big-endian
type Header struct {
	Channel channel.ID
	Flags   uint8
	Length  uint16
}

// ParseHeader parses a header from data.
// Returns false if data is too short.
func ParseHeader(data []byte, out *Header) bool {
	if len(data) < HeaderSize {
		return false
	}
	out.Channel = channel.ID(data[0])
	out.Flags = data[1]
	out.Length = binary.BigEndian.Uint16(data[2:4])
	return true
}

// MarshalTo writes the header to buf.
// Returns the number of bytes written (4), or 0 if buf is too small.
func (h *Header) MarshalTo(buf []byte) int {
	if len(buf) < HeaderSize {
		return 0
	}
	buf[0] = byte(h.Channel)
	buf[1] = h.Flags
	binary.BigEndian.PutUint16(buf[2:4], h.Length)
	return HeaderSize
}

// Valid reports whether the header carries the encrypted flag and a body
// length no greater than maxLength.
func (h *Header) Valid(maxLength int) bool {
	return h.Flags&FlagEncrypted != 0 && int(h.Length) <= maxLength
}

// Append appends a complete frame for body on ch to dst.
// The body is truncated to MaxBodyLength.
func Append(dst []byte, ch channel.ID, flags uint8, body []byte) []byte {
	if len(body) > MaxBodyLength {
		body = body[:MaxBodyLength]
	}
	h := Header{Channel: ch, Flags: flags, Length: uint16(len(body))}
	var hdr [HeaderSize]byte
	h.MarshalTo(hdr[:])
	dst = append(dst, hdr[:]...)
	return append(dst, body...)
}
