package eufy

import (
	"bytes"
	"context"
	"crypto/rsa"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Stream is one livestream or download of a device channel. Video and audio are
// read independently. A stopped stream is never restarted, a new start opens a new Stream.
type Stream struct {
	Kind    StreamKind
	Channel byte

	meta Metadata
	log  zerolog.Logger

	// session mutex
	videoOrder *reorder
	audioOrder *reorder
	rsa        *rsa.PrivateKey
	keyBlob    []byte
	key        []byte
	idle       *time.Timer
	lagging    bool

	video chan *Frame
	audio chan *Frame

	videoCount atomic.Int64
	audioCount atomic.Int64
	dropped    atomic.Int64

	done      chan struct{}
	closeOnce sync.Once
	err       error
}

func newStream(kind StreamKind, channel byte, meta Metadata, key *rsa.PrivateKey, opts *Options) *Stream {
	return &Stream{
		Kind:       kind,
		Channel:    channel,
		meta:       meta,
		log:        opts.Log,
		videoOrder: newReorder(opts.StreamReorderWindow),
		audioOrder: newReorder(opts.StreamReorderWindow),
		rsa:        key,
		video:      make(chan *Frame, opts.StreamBuffer),
		audio:      make(chan *Frame, opts.StreamBuffer),
		done:       make(chan struct{}),
	}
}

func (st *Stream) Metadata() Metadata {
	return st.meta
}

// ReadVideo blocks until the next video frame. It returns io.EOF after a normal stop
// and the stop reason otherwise.
func (st *Stream) ReadVideo(ctx context.Context) (*Frame, error) {
	return st.read(ctx, st.video)
}

func (st *Stream) ReadAudio(ctx context.Context) (*Frame, error) {
	return st.read(ctx, st.audio)
}

func (st *Stream) read(ctx context.Context, ch chan *Frame) (*Frame, error) {
	select {
	case frame := <-ch:
		return frame, nil
	default:
	}

	select {
	case frame := <-ch:
		return frame, nil
	case <-st.done:
		select {
		case frame := <-ch:
			return frame, nil
		default:
		}
		if st.err != nil {
			return nil, st.err
		}
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Done is closed when the stream stops.
func (st *Stream) Done() <-chan struct{} {
	return st.done
}

// VideoReader returns the raw elementary video as one byte sequence.
func (st *Stream) VideoReader(ctx context.Context) io.Reader {
	return &videoReader{ctx: ctx, st: st}
}

type videoReader struct {
	ctx context.Context
	st  *Stream
	buf bytes.Reader
}

func (r *videoReader) Read(p []byte) (int, error) {
	for r.buf.Len() == 0 {
		frame, err := r.st.ReadVideo(r.ctx)
		if err != nil {
			return 0, err
		}
		r.buf.Reset(frame.Data)
	}
	return r.buf.Read(p)
}

func (st *Stream) push(frame *Frame) {
	var frames []*Frame
	var ch chan *Frame
	var count *atomic.Int64

	if frame.Video {
		frames, ch, count = st.videoOrder.push(frame), st.video, &st.videoCount
	} else {
		frames, ch, count = st.audioOrder.push(frame), st.audio, &st.audioCount
	}

	for _, frame = range frames {
		select {
		case ch <- frame:
			count.Add(1)
			st.lagging = false
		default:
			dropped := st.dropped.Add(1)
			if !st.lagging {
				st.lagging = true
				st.log.Warn().Uint8("channel", st.Channel).Bool("video", frame.Video).
					Int64("dropped", dropped).Msg("[eufy] stream reader is slow, drop frames")
			}
		}
	}
}

func (st *Stream) close(err error) {
	st.closeOnce.Do(func() {
		if st.idle != nil {
			st.idle.Stop()
		}
		st.err = err
		close(st.done)
	})
}

type StreamStats struct {
	Kind     StreamKind `json:"kind"`
	Channel  byte       `json:"channel"`
	Metadata Metadata   `json:"metadata"`
	Video    int64      `json:"video"`
	Audio    int64      `json:"audio"`
	Dropped  int64      `json:"dropped"`
}

func (st *Stream) stats() StreamStats {
	return StreamStats{
		Kind:     st.Kind,
		Channel:  st.Channel,
		Metadata: st.meta,
		Video:    st.videoCount.Load(),
		Audio:    st.audioCount.Load(),
		Dropped:  st.dropped.Load() + int64(st.videoOrder.dropped+st.audioOrder.dropped),
	}
}
