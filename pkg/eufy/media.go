package eufy

import (
	"encoding/binary"
	"errors"

	"github.com/AlexxIT/go2eufy/pkg/eufy/crypto"
)

type Codec string

const (
	CodecUnknown Codec = ""
	CodecH264    Codec = "H264"
	CodecH265    Codec = "H265"
	CodecAAC     Codec = "AAC"
	CodecPCMA    Codec = "PCMA"
	CodecPCMU    Codec = "PCMU"
)

const (
	videoHeaderSize = 22
	audioHeaderSize = 16
)

// Metadata comes from the first frame of a stream.
type Metadata struct {
	VideoCodec Codec  `json:"video_codec,omitempty"`
	AudioCodec Codec  `json:"audio_codec,omitempty"`
	Width      uint16 `json:"width,omitempty"`
	Height     uint16 `json:"height,omitempty"`
	FPS        uint16 `json:"fps,omitempty"`
}

type Frame struct {
	Video     bool
	Codec     Codec
	Seq       uint32
	Timestamp uint32
	Keyframe  bool
	Data      []byte

	// video only
	FPS, Width, Height uint16
}

var errShortFrame = errors.New("eufy: short media frame")

// parseFrame reads the media header. keyBlob is not nil for signed frames.
func parseFrame(video bool, sign byte, b []byte) (frame *Frame, keyBlob []byte, err error) {
	// video
	// 0   streamType LE32
	// 4   seq        LE32
	// 8   fps        LE16
	// 10  width      LE16
	// 12  height     LE16
	// 14  timestamp  LE32
	// 18  length     LE32
	// audio
	// 0   codec      LE32
	// 4   seq        LE32
	// 8   timestamp  LE32
	// 12  length     LE32
	frame = &Frame{Video: video}

	var n int
	if video {
		if len(b) < videoHeaderSize {
			return nil, nil, errShortFrame
		}
		frame.Codec = videoCodec(binary.LittleEndian.Uint32(b))
		frame.Seq = binary.LittleEndian.Uint32(b[4:])
		frame.FPS = binary.LittleEndian.Uint16(b[8:])
		frame.Width = binary.LittleEndian.Uint16(b[10:])
		frame.Height = binary.LittleEndian.Uint16(b[12:])
		frame.Timestamp = binary.LittleEndian.Uint32(b[14:])
		n = int(binary.LittleEndian.Uint32(b[18:]))
		b = b[videoHeaderSize:]
	} else {
		if len(b) < audioHeaderSize {
			return nil, nil, errShortFrame
		}
		frame.Codec = audioCodec(binary.LittleEndian.Uint32(b))
		frame.Seq = binary.LittleEndian.Uint32(b[4:])
		frame.Timestamp = binary.LittleEndian.Uint32(b[8:])
		n = int(binary.LittleEndian.Uint32(b[12:]))
		b = b[audioHeaderSize:]
	}

	if sign > 0 {
		if len(b) < crypto.RSAKeyBlobSize {
			return nil, nil, errShortFrame
		}
		keyBlob = b[:crypto.RSAKeyBlobSize]
		b = b[crypto.RSAKeyBlobSize:]
	}

	if n > len(b) {
		return nil, nil, errShortFrame
	}
	frame.Data = b[:n]

	if video {
		if frame.Codec == CodecUnknown {
			frame.Codec = detectVideo(frame.Data)
		}
		frame.Keyframe = isKeyframe(frame.Codec, frame.Data)
	}

	return frame, keyBlob, nil
}

func marshalTalkback(codec uint32, seq, ts uint32, audio []byte) []byte {
	b := make([]byte, audioHeaderSize, audioHeaderSize+len(audio))
	binary.LittleEndian.PutUint32(b, codec)
	binary.LittleEndian.PutUint32(b[4:], seq)
	binary.LittleEndian.PutUint32(b[8:], ts)
	binary.LittleEndian.PutUint32(b[12:], uint32(len(audio)))
	return append(b, audio...)
}

func videoCodec(streamType uint32) Codec {
	switch streamType {
	case 0:
		return CodecH264
	case 1:
		return CodecH265
	}
	return CodecUnknown
}

func audioCodec(codec uint32) Codec {
	switch codec {
	case 0:
		return CodecAAC
	case 1:
		return CodecPCMA
	case 2:
		return CodecPCMU
	}
	return CodecUnknown
}

// annexB returns the first NAL header byte after a 00 00 01 or 00 00 00 01 start code.
func annexB(b []byte) (byte, bool) {
	switch {
	case len(b) > 4 && b[0] == 0 && b[1] == 0 && b[2] == 0 && b[3] == 1:
		return b[4], true
	case len(b) > 3 && b[0] == 0 && b[1] == 0 && b[2] == 1:
		return b[3], true
	}
	return 0, false
}

func detectVideo(b []byte) Codec {
	nal, ok := annexB(b)
	if !ok {
		return CodecUnknown
	}
	switch nal & 0x1F {
	case 1, 5, 6, 7, 8, 9:
		if nal&0x80 == 0 {
			return CodecH264
		}
	}
	switch (nal >> 1) & 0x3F {
	case 1, 19, 20, 32, 33, 34, 35, 39:
		return CodecH265
	}
	return CodecUnknown
}

func isKeyframe(codec Codec, b []byte) bool {
	nal, ok := annexB(b)
	if !ok {
		return false
	}
	switch codec {
	case CodecH264:
		t := nal & 0x1F
		return t == 5 || t == 7
	case CodecH265:
		t := (nal >> 1) & 0x3F
		return t == 19 || t == 20 || t == 32
	}
	return false
}

// decryptFrame decrypts the first 128 bytes of a signed frame in place.
func decryptFrame(key, data []byte) error {
	n := min(len(data), crypto.RSAKeyBlobSize)
	n -= n % 16
	return crypto.DecryptECB(key, data[:n])
}

// reorder releases frames in seq order with a bounded window of waiting frames.
type reorder struct {
	window  int
	next    uint32
	started bool
	pending map[uint32]*Frame
	dropped int
}

func newReorder(window int) *reorder {
	return &reorder{window: window, pending: map[uint32]*Frame{}}
}

func (r *reorder) push(f *Frame) (out []*Frame) {
	if !r.started {
		r.next = f.Seq
		r.started = true
	}

	diff := int32(f.Seq - r.next)
	if diff < 0 {
		r.dropped++
		return nil // duplicate or too late
	}

	if diff > 0 {
		if _, ok := r.pending[f.Seq]; ok {
			r.dropped++
			return nil
		}
		r.pending[f.Seq] = f
		if len(r.pending) <= r.window {
			return nil
		}
		// window is full, give up the gap
		r.next = r.oldest()
		f = r.pending[r.next]
		delete(r.pending, r.next)
	}

	for {
		out = append(out, f)
		r.next++

		var ok bool
		if f, ok = r.pending[r.next]; !ok {
			return out
		}
		delete(r.pending, r.next)
	}
}

func (r *reorder) oldest() uint32 {
	var seq uint32
	first := true
	for s := range r.pending {
		if first || int32(s-seq) < 0 {
			seq, first = s, false
		}
	}
	return seq
}
