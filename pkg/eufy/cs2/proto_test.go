package cs2

import (
	"bytes"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUnmarshal(t *testing.T) {
	tests := []struct {
		name string
		b    []byte
		err  bool
	}{
		{"ping", []byte{0xF1, 0xE0, 0, 0}, false},
		{"drw", MarshalDrw(ChannelData, 7, []byte{1, 2, 3}), false},
		{"short", []byte{0xF1, 0xE0}, true},
		{"magic", []byte{0xF2, 0xE0, 0, 0}, true},
		{"length too big", []byte{0xF1, 0xD0, 0, 10, 0xD1, 0, 0, 0}, true},
		{"length too small", []byte{0xF1, 0xE0, 0, 0, 0xFF}, true},
		{"unknown type", []byte{0xF1, 0x77, 0, 0}, true},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, _, err := Unmarshal(test.b)
			if test.err {
				require.ErrorIs(t, err, ErrMalformed)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestDrw(t *testing.T) {
	b := MarshalDrw(ChannelVideo, 0x1234, []byte("data"))
	require.Equal(t, []byte{0xF1, 0xD0, 0x00, 0x08, 0xD1, 0x01, 0x12, 0x34, 'd', 'a', 't', 'a'}, b)

	msgType, payload, err := Unmarshal(b)
	require.NoError(t, err)
	require.Equal(t, byte(MsgDrw), msgType)

	ch, seq, data, err := UnmarshalDrw(payload)
	require.NoError(t, err)
	require.Equal(t, ChannelVideo, ch)
	require.Equal(t, uint16(0x1234), seq)
	require.Equal(t, []byte("data"), data)

	_, _, _, err = UnmarshalDrw([]byte{0xD1, 9, 0, 0})
	require.ErrorIs(t, err, ErrMalformed)
}

func TestAck(t *testing.T) {
	b := MarshalAck(ChannelData, 1, 0xFFFF)
	require.Equal(t, []byte{0xF1, 0xD1, 0x00, 0x08, 0xD1, 0x00, 0x00, 0x02, 0x00, 0x01, 0xFF, 0xFF}, b)

	_, payload, err := Unmarshal(b)
	require.NoError(t, err)

	ch, seqs, err := UnmarshalAck(payload)
	require.NoError(t, err)
	require.Equal(t, ChannelData, ch)
	require.Equal(t, []uint16{1, 0xFFFF}, seqs)

	_, _, err = UnmarshalAck(payload[:len(payload)-1])
	require.ErrorIs(t, err, ErrMalformed)
}

func TestDID(t *testing.T) {
	b, err := EncodeDID("EUPRAKM-012345-ABCDE")
	require.NoError(t, err)
	require.Len(t, b, 20)
	require.Equal(t, []byte("EUPRAKM\x00"), b[:8])
	require.Equal(t, []byte{0, 0, 0x30, 0x39}, b[8:12])
	require.Equal(t, []byte("ABCDE\x00\x00\x00"), b[12:])

	did, err := DecodeDID(b)
	require.NoError(t, err)
	require.Equal(t, "EUPRAKM-012345-ABCDE", did)

	for _, s := range []string{"", "EUPRAKM-012345", "TOOLONGPREFIX-1-A", "EUPRAKM-abc-ABCDE"} {
		_, err = EncodeDID(s)
		require.Error(t, err, s)
	}
}

func TestSockaddr(t *testing.T) {
	addr := &net.UDPAddr{IP: net.IPv4(192, 168, 1, 20), Port: 32108}

	b := EncodeSockaddr(addr)
	require.Equal(t, []byte{0x02, 0x00, 0x6C, 0x7D, 20, 1, 168, 192, 0, 0, 0, 0, 0, 0, 0, 0}, b)

	res, err := DecodeSockaddr(b)
	require.NoError(t, err)
	require.True(t, res.IP.Equal(addr.IP))
	require.Equal(t, addr.Port, res.Port)
}

func TestLookupPayload(t *testing.T) {
	did, _ := EncodeDID("EUPRAKM-012345-ABCDE")
	b := lookupPayload(did, &net.UDPAddr{IP: net.IPv4(10, 0, 0, 2), Port: 5000}, "DSKKEY")
	require.Len(t, b, didSize+sockaddrSize+dskSize)
	require.Equal(t, did, b[:didSize])
	require.True(t, bytes.HasPrefix(b[didSize+sockaddrSize:], []byte("DSKKEY\x00")))
}

func TestMessage(t *testing.T) {
	msg := &Message{Command: 1000, Channel: 3, Encrypt: 1, SignCode: 2, Payload: []byte{1, 2, 3, 4}}
	b := msg.Marshal()
	require.Equal(t, []byte{
		'X', 'Z', 'Y', 'H', 0xE8, 0x03, 0x04, 0x00, 0x00, 0x00, 0x01, 0x01, 0x03, 0x02, 0x00, 0x00,
		1, 2, 3, 4,
	}, b)

	res, err := ParseMessage(b)
	require.NoError(t, err)
	require.Equal(t, msg, res)

	_, err = ParseMessage(b[:len(b)-1])
	require.ErrorIs(t, err, ErrMalformed)

	_, err = ParseMessage(append([]byte("ABCD"), b[4:]...))
	require.ErrorIs(t, err, ErrMalformed)
}
