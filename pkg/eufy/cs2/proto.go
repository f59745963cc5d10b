package cs2

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

const (
	magic    = 0xF1
	magicDrw = 0xD1

	MsgLookupWithKey = 0x26
	MsgLanSearch     = 0x30
	MsgLookupAddr    = 0x40
	MsgPunchPkt      = 0x41
	MsgP2PRdy        = 0x42
	MsgDrw           = 0xD0
	MsgDrwAck        = 0xD1
	MsgPing          = 0xE0
	MsgPong          = 0xE1
	MsgClose         = 0xF0
)

// DRW channels
const (
	ChannelData    byte = 0
	ChannelVideo   byte = 1
	ChannelControl byte = 2
	ChannelBinary  byte = 3

	channels = 4
)

const (
	DefaultPort    = 32108
	RendezvousPort = 32100

	headerSize    = 4
	drwHeaderSize = 4
	didSize       = 20
	sockaddrSize  = 16
	dskSize       = 20
)

var ErrMalformed = errors.New("cs2: malformed packet")

func knownType(msgType byte) bool {
	switch msgType {
	case MsgLookupWithKey, MsgLanSearch, MsgLookupAddr, MsgPunchPkt, MsgP2PRdy,
		MsgDrw, MsgDrwAck, MsgPing, MsgPong, MsgClose:
		return true
	}
	return false
}

func Marshal(msgType byte, payload []byte) []byte {
	b := make([]byte, headerSize+len(payload))
	b[0] = magic
	b[1] = msgType
	binary.BigEndian.PutUint16(b[2:], uint16(len(payload)))
	copy(b[headerSize:], payload)
	return b
}

// Unmarshal validates the outer header. The length field must match the datagram size.
func Unmarshal(b []byte) (msgType byte, payload []byte, err error) {
	if len(b) < headerSize || b[0] != magic {
		return 0, nil, ErrMalformed
	}
	if int(binary.BigEndian.Uint16(b[2:])) != len(b)-headerSize {
		return 0, nil, fmt.Errorf("%w: length %d != %d", ErrMalformed, binary.BigEndian.Uint16(b[2:]), len(b)-headerSize)
	}
	if !knownType(b[1]) {
		return 0, nil, fmt.Errorf("%w: unknown type %02x", ErrMalformed, b[1])
	}
	return b[1], b[headerSize:], nil
}

func MarshalDrw(channel byte, seq uint16, data []byte) []byte {
	b := make([]byte, headerSize+drwHeaderSize+len(data))

	// 1. message header (4 bytes)
	b[0] = magic
	b[1] = MsgDrw
	binary.BigEndian.PutUint16(b[2:], uint16(drwHeaderSize+len(data)))

	// 2. drw header (4 bytes)
	b[4] = magicDrw
	b[5] = channel
	binary.BigEndian.PutUint16(b[6:], seq)

	// 3. data
	copy(b[8:], data)
	return b
}

func UnmarshalDrw(payload []byte) (channel byte, seq uint16, data []byte, err error) {
	if len(payload) < drwHeaderSize || payload[0] != magicDrw || payload[1] >= channels {
		return 0, 0, nil, ErrMalformed
	}
	return payload[1], binary.BigEndian.Uint16(payload[2:]), payload[drwHeaderSize:], nil
}

func MarshalAck(channel byte, seqs ...uint16) []byte {
	payload := make([]byte, 4+2*len(seqs))
	payload[0] = magicDrw
	payload[1] = channel
	binary.BigEndian.PutUint16(payload[2:], uint16(len(seqs)))
	for i, seq := range seqs {
		binary.BigEndian.PutUint16(payload[4+2*i:], seq)
	}
	return Marshal(MsgDrwAck, payload)
}

func UnmarshalAck(payload []byte) (channel byte, seqs []uint16, err error) {
	if len(payload) < 4 || payload[0] != magicDrw || payload[1] >= channels {
		return 0, nil, ErrMalformed
	}
	n := int(binary.BigEndian.Uint16(payload[2:]))
	if len(payload) != 4+2*n {
		return 0, nil, ErrMalformed
	}
	seqs = make([]uint16, n)
	for i := range seqs {
		seqs[i] = binary.BigEndian.Uint16(payload[4+2*i:])
	}
	return payload[1], seqs, nil
}

// EncodeDID packs "PREFIX-123456-SUFFIX" into 20 bytes:
// prefix (8, zero padded), serial (BE32), suffix (8, zero padded).
func EncodeDID(did string) ([]byte, error) {
	parts := strings.Split(did, "-")
	if len(parts) != 3 || len(parts[0]) == 0 || len(parts[0]) > 8 || len(parts[2]) > 8 {
		return nil, fmt.Errorf("cs2: wrong DID %q", did)
	}
	serial, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return nil, fmt.Errorf("cs2: wrong DID %q: %w", did, err)
	}

	b := make([]byte, didSize)
	copy(b, parts[0])
	binary.BigEndian.PutUint32(b[8:], uint32(serial))
	copy(b[12:], parts[2])
	return b, nil
}

func DecodeDID(b []byte) (string, error) {
	if len(b) < didSize {
		return "", ErrMalformed
	}
	prefix := strings.TrimRight(string(b[:8]), "\x00")
	serial := binary.BigEndian.Uint32(b[8:])
	suffix := strings.TrimRight(string(b[12:20]), "\x00")
	return fmt.Sprintf("%s-%06d-%s", prefix, serial, suffix), nil
}

// EncodeSockaddr writes the CS2 sockaddr: family LE16, port LE16, IPv4 reversed, 8 zero bytes.
func EncodeSockaddr(addr *net.UDPAddr) []byte {
	b := make([]byte, sockaddrSize)
	binary.LittleEndian.PutUint16(b, 2)
	binary.LittleEndian.PutUint16(b[2:], uint16(addr.Port))
	if ip := addr.IP.To4(); ip != nil {
		b[4], b[5], b[6], b[7] = ip[3], ip[2], ip[1], ip[0]
	}
	return b
}

func DecodeSockaddr(b []byte) (*net.UDPAddr, error) {
	if len(b) < sockaddrSize || binary.LittleEndian.Uint16(b) != 2 {
		return nil, ErrMalformed
	}
	return &net.UDPAddr{
		IP:   net.IPv4(b[7], b[6], b[5], b[4]),
		Port: int(binary.LittleEndian.Uint16(b[2:])),
	}, nil
}

func lookupPayload(did []byte, local *net.UDPAddr, dsk string) []byte {
	b := make([]byte, didSize+sockaddrSize+dskSize)
	copy(b, did)
	copy(b[didSize:], EncodeSockaddr(local))
	copy(b[didSize+sockaddrSize:], dsk)
	return b
}
