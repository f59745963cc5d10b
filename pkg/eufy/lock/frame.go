package lock

import (
	"encoding/binary"

	"github.com/AlexxIT/go2eufy/pkg/eufy/crypto"
)

const (
	frameMagic0  = 0xFF
	frameMagic1  = 0x09
	frameVersion = 0x03

	flagKeyBlob = 0x01

	frameHeaderSize = 8
)

// Frame is the envelope of every lock family payload.
type Frame struct {
	Command uint16
	KeyBlob []byte // wrapped per command key, advanced locks only
	Body    []byte // encrypted
}

func (f *Frame) Marshal() []byte {
	// 0  ff09  magic
	// 2  3000  frame length with checksum
	// 4  03    version
	// 5  00    flags
	// 6  0200  lock command
	// 8  ....  [key length + key blob] body
	// n  xx    checksum
	size := frameHeaderSize + len(f.Body) + 1
	if f.KeyBlob != nil {
		size += 2 + len(f.KeyBlob)
	}

	b := make([]byte, 0, size)
	b = append(b, frameMagic0, frameMagic1, 0, 0, frameVersion, 0, 0, 0)
	binary.LittleEndian.PutUint16(b[2:], uint16(size))
	binary.LittleEndian.PutUint16(b[6:], f.Command)

	if f.KeyBlob != nil {
		b[5] |= flagKeyBlob
		b = binary.LittleEndian.AppendUint16(b, uint16(len(f.KeyBlob)))
		b = append(b, f.KeyBlob...)
	}

	b = append(b, f.Body...)
	return append(b, checksum(b))
}

func ParseFrame(b []byte) (*Frame, error) {
	if len(b) < frameHeaderSize+1 || b[0] != frameMagic0 || b[1] != frameMagic1 || b[4] != frameVersion {
		return nil, ErrMalformed
	}
	if int(binary.LittleEndian.Uint16(b[2:])) != len(b) || checksum(b[:len(b)-1]) != b[len(b)-1] {
		return nil, ErrMalformed
	}

	f := &Frame{Command: binary.LittleEndian.Uint16(b[6:])}
	body := b[frameHeaderSize : len(b)-1]

	if b[5]&flagKeyBlob != 0 {
		if len(body) < 2 {
			return nil, ErrMalformed
		}
		n := int(binary.LittleEndian.Uint16(body))
		if len(body) < 2+n {
			return nil, ErrMalformed
		}
		f.KeyBlob = body[2 : 2+n]
		body = body[2+n:]
	}

	f.Body = body
	return f, nil
}

func checksum(b []byte) (sum byte) {
	for _, c := range b {
		sum ^= c
	}
	return
}

// Seal encrypts the plaintext body with AES-128-CBC and wraps it into a frame.
func Seal(cmd uint16, plain, key, iv, keyBlob []byte) ([]byte, error) {
	body, err := crypto.EncryptCBC(key, iv, plain)
	if err != nil {
		return nil, err
	}
	f := &Frame{Command: cmd, KeyBlob: keyBlob, Body: body}
	return f.Marshal(), nil
}

// Open parses a frame and decrypts its body.
func Open(b, key, iv []byte) (*Frame, []byte, error) {
	f, err := ParseFrame(b)
	if err != nil {
		return nil, nil, err
	}
	plain, err := crypto.DecryptCBC(key, iv, f.Body)
	if err != nil {
		return nil, nil, err
	}
	return f, plain, nil
}
