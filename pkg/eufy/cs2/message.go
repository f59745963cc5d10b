package cs2

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

const (
	MessageMagic      = "XZYH"
	MessageHeaderSize = 16

	messageVersion = 0x01
)

// Message is one reassembled XZYH unit: a command, a response or one media chunk.
type Message struct {
	DataChannel byte   // DRW channel it travelled on
	Seq         uint16 // DRW seq of the first fragment
	Command     uint16
	Encrypt     byte
	Channel     byte // device channel
	SignCode    byte
	Payload     []byte
}

func (m *Message) Marshal() []byte {
	// 0   5a5a5948  XZYH
	// 4   e803      command
	// 6   04000000  payload length
	// 10  01        version
	// 11  00        encryption
	// 12  00        device channel
	// 13  00        sign code
	// 14  0000      reserved
	b := make([]byte, MessageHeaderSize+len(m.Payload))
	copy(b, MessageMagic)
	binary.LittleEndian.PutUint16(b[4:], m.Command)
	binary.LittleEndian.PutUint32(b[6:], uint32(len(m.Payload)))
	b[10] = messageVersion
	b[11] = m.Encrypt
	b[12] = m.Channel
	b[13] = m.SignCode
	copy(b[MessageHeaderSize:], m.Payload)
	return b
}

func (m *Message) String() string {
	return fmt.Sprintf("cmd=%d ch=%d dch=%d seq=%d len=%d", m.Command, m.Channel, m.DataChannel, m.Seq, len(m.Payload))
}

// messageSize returns total size of the message that starts at b, or 0 if the header is incomplete.
func messageSize(b []byte) (int, error) {
	if len(b) < MessageHeaderSize {
		if !bytes.HasPrefix([]byte(MessageMagic), b[:min(len(b), 4)]) {
			return 0, ErrMalformed
		}
		return 0, nil
	}
	if string(b[:4]) != MessageMagic {
		return 0, ErrMalformed
	}
	return MessageHeaderSize + int(binary.LittleEndian.Uint32(b[6:])), nil
}

func unmarshalMessage(b []byte) *Message {
	return &Message{
		Command:  binary.LittleEndian.Uint16(b[4:]),
		Encrypt:  b[11],
		Channel:  b[12],
		SignCode: b[13],
		Payload:  b[MessageHeaderSize:],
	}
}

// ParseMessage parses a single complete XZYH message.
func ParseMessage(b []byte) (*Message, error) {
	size, err := messageSize(b)
	if err != nil {
		return nil, err
	}
	if size == 0 || size != len(b) {
		return nil, ErrMalformed
	}
	return unmarshalMessage(bytes.Clone(b)), nil
}
