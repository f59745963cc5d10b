package lock

import (
	"errors"
	"fmt"
)

const firstTag = 0xA1

var (
	ErrMalformed     = errors.New("lock: malformed payload")
	ErrValueTooLarge = errors.New("lock: value too large")
)

type Field struct {
	Tag   byte
	Value []byte
}

// Writer appends TLV fields with tags 0xA1, 0xA2... in call order.
// The first value over 255 bytes stops the writer, see Err.
type Writer struct {
	b   []byte
	tag byte
	err error
}

func NewWriter(b []byte) *Writer {
	return &Writer{b: b, tag: firstTag}
}

func (w *Writer) Write(value []byte) *Writer {
	if w.err != nil {
		return w
	}
	if len(value) > 0xFF {
		w.err = fmt.Errorf("%w: field %#x has %d bytes", ErrValueTooLarge, w.tag, len(value))
		return w
	}
	w.b = append(w.b, w.tag, byte(len(value)))
	w.b = append(w.b, value...)
	w.tag++
	return w
}

func (w *Writer) WriteUint8(c byte) *Writer {
	return w.Write([]byte{c})
}

func (w *Writer) WriteString(s string) *Writer {
	return w.Write([]byte(s))
}

func (w *Writer) Bytes() []byte {
	return w.b
}

func (w *Writer) Err() error {
	return w.err
}

func ParseFields(b []byte) ([]Field, error) {
	var fields []Field
	for len(b) > 0 {
		if len(b) < 2 || len(b) < 2+int(b[1]) {
			return nil, ErrMalformed
		}
		n := int(b[1])
		fields = append(fields, Field{Tag: b[0], Value: b[2 : 2+n]})
		b = b[2+n:]
	}
	return fields, nil
}

// Get returns value of the n-th field (0 based) or nil.
func Get(fields []Field, n int) []byte {
	for _, f := range fields {
		if f.Tag == firstTag+byte(n) {
			return f.Value
		}
	}
	return nil
}
