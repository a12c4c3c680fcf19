// Package packet implements the frames exchanged between relay clients and
// the relay server.
//
// Every frame starts with an 8 byte header: the body length and the packet
// type, both encoded as big-endian 32-bit integers.
package packet

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	HeaderSize = 8

	// MaxBodySize limits the size of a single frame body.
	MaxBodySize = 1 << 20
)

var (
	ErrPacketTooLarge = errors.New("packet: body too large")
	ErrShortPacket    = errors.New("packet: frame shorter than header")
)

type Packet struct {
	Type  Type
	Bytes []byte
}

func New(t Type, body []byte) Packet {
	return Packet{Type: t, Bytes: body}
}

// Len returns the length of the encoded frame.
func (p Packet) Len() int { return HeaderSize + len(p.Bytes) }

func (p Packet) String() string {
	return fmt.Sprintf("%s(%d bytes)", p.Type, len(p.Bytes))
}

// Encode returns the packet as a single frame.
func Encode(p Packet) ([]byte, error) {
	if len(p.Bytes) > MaxBodySize {
		return nil, ErrPacketTooLarge
	}
	buf := make([]byte, HeaderSize+len(p.Bytes))
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(p.Bytes)))
	binary.BigEndian.PutUint32(buf[4:8], uint32(p.Type))
	copy(buf[HeaderSize:], p.Bytes)
	return buf, nil
}

// Decode parses a single frame, for example a datagram.
func Decode(frame []byte) (Packet, error) {
	if len(frame) < HeaderSize {
		return Packet{}, ErrShortPacket
	}
	length := binary.BigEndian.Uint32(frame[0:4])
	if length > MaxBodySize {
		return Packet{}, ErrPacketTooLarge
	}
	if int(length) != len(frame)-HeaderSize {
		return Packet{}, fmt.Errorf("packet: declared length %d, got %d: %w", length, len(frame)-HeaderSize, io.ErrUnexpectedEOF)
	}
	body := make([]byte, length)
	copy(body, frame[HeaderSize:])
	return Packet{
		Type:  Type(binary.BigEndian.Uint32(frame[4:8])),
		Bytes: body,
	}, nil
}

// Write writes the packet frame to w.
func Write(w io.Writer, p Packet) error {
	frame, err := Encode(p)
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}

// Read reads exactly one frame from r.
func Read(r io.Reader) (Packet, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Packet{}, err
	}
	length := binary.BigEndian.Uint32(header[0:4])
	if length > MaxBodySize {
		return Packet{}, ErrPacketTooLarge
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) {
			return Packet{}, io.ErrUnexpectedEOF
		}
		return Packet{}, err
	}
	return Packet{
		Type:  Type(binary.BigEndian.Uint32(header[4:8])),
		Bytes: body,
	}, nil
}
