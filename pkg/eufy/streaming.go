package eufy

import (
	"bytes"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"time"

	"github.com/AlexxIT/go2eufy/pkg/eufy/crypto"
	"github.com/AlexxIT/go2eufy/pkg/eufy/cs2"
)

// StartLivestream asks the station for the live video of a device channel.
// The stream opens with the first media frame, see StreamStartEvent.
func (s *Session) StartLivestream(channel byte, token any) error {
	payload := intStringPayload(int32(channel), crypto.PublicModulus(s.keys.RSA()))
	return s.startStream(StreamLivestream, CmdStartLivestream, channel, payload, token)
}

func (s *Session) StopLivestream(channel byte, token any) error {
	return s.stopStreamCommand(StreamLivestream, CmdStopLivestream, channel, token)
}

type downloadPayload struct {
	FilePath string `json:"filepath"`
	Key      string `json:"key"`
}

// StartDownload asks the station for a recorded file. The download key survives
// reconnects so an interrupted download can be resumed.
func (s *Session) StartDownload(channel byte, path string, token any) error {
	key, err := s.keys.DownloadRSA()
	if err != nil {
		return err
	}

	b, err := json.Marshal(downloadPayload{FilePath: path, Key: crypto.PublicModulus(key)})
	if err != nil {
		return err
	}

	return s.startStream(StreamDownload, CmdStartDownload, channel, stringPayload(string(b)), token)
}

func (s *Session) CancelDownload(channel byte, token any) error {
	return s.stopStreamCommand(StreamDownload, CmdCancelDownload, channel, token)
}

// pendingStream is a start command waiting for the first media frame
type pendingStream struct {
	kind StreamKind
	idle *time.Timer
}

func (s *Session) startStream(kind StreamKind, cmd uint16, channel byte, payload []byte, token any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.starting[channel]; ok {
		return ErrCommandAlreadyPending
	}
	if _, ok := s.streams[channel]; ok {
		return ErrCommandAlreadyPending
	}

	p := &pendingStream{kind: kind}

	e := &inflight{
		key:   inflightKey{cmd: cmd, channel: channel},
		token: token,
		done: func(r *Result) {
			if s.starting[channel] != p {
				return
			}
			switch r.Status {
			case StatusSuccess:
				// acked, but media may never come
				p.idle = time.AfterFunc(s.opts.StreamIdleTimeout, func() {
					s.mu.Lock()
					defer s.mu.Unlock()
					if s.starting[channel] != p {
						return
					}
					s.log.Debug().Uint8("channel", channel).Msg("[eufy] stream start idle")
					s.clearStarting(channel)
					s.emit(StreamErrorEvent{Kind: kind, Channel: channel, Err: ErrStreamIdle})
				})
			case StatusCancelled:
			default:
				s.clearStarting(channel)
				s.emit(StreamErrorEvent{Kind: kind, Channel: channel, Code: r.ReturnCode, Err: r.Err})
			}
		},
	}

	if err := s.sendLocked(e, payload, true); err != nil {
		return err
	}

	s.starting[channel] = p
	return nil
}

// startingKind returns the kind of the start command waiting on the channel.
func (s *Session) startingKind(channel byte) (StreamKind, bool) {
	if p := s.starting[channel]; p != nil {
		return p.kind, true
	}
	return 0, false
}

func (s *Session) clearStarting(channel byte) {
	if p := s.starting[channel]; p != nil {
		if p.idle != nil {
			p.idle.Stop()
		}
		delete(s.starting, channel)
	}
}

func (s *Session) stopStreamCommand(kind StreamKind, cmd uint16, channel byte, token any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if k, ok := s.startingKind(channel); ok && k == kind {
		s.clearStarting(channel)
	}
	if st := s.streams[channel]; st != nil && st.Kind == kind {
		s.stopStream(st, nil)
	}

	e := &inflight{key: inflightKey{cmd: cmd, channel: channel}, token: token}
	return s.sendLocked(e, intPayload(int32(channel)), false)
}

// StartRTSP enables the RTSP server of the device. Media does not flow through the session.
func (s *Session) StartRTSP(channel byte, token any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.rtsp[channel] {
		return ErrCommandAlreadyPending
	}

	e := &inflight{
		key:   inflightKey{cmd: CmdStartRTSP, channel: channel},
		token: token,
		done: func(r *Result) {
			switch r.Status {
			case StatusSuccess:
				s.rtsp[channel] = true
				s.emit(StreamStartEvent{Kind: StreamRTSP, Channel: channel})
			case StatusCancelled:
			default:
				s.emit(StreamErrorEvent{Kind: StreamRTSP, Channel: channel, Code: r.ReturnCode, Err: r.Err})
			}
		},
	}
	return s.sendLocked(e, intPayload(int32(channel)), true)
}

func (s *Session) StopRTSP(channel byte, token any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.rtsp[channel] {
		delete(s.rtsp, channel)
		s.emit(StreamStopEvent{Kind: StreamRTSP, Channel: channel})
	}

	e := &inflight{key: inflightKey{cmd: CmdStopRTSP, channel: channel}, token: token}
	return s.sendLocked(e, intPayload(int32(channel)), false)
}

func (s *Session) IsLiveStreaming(channel byte) bool {
	return s.isStreaming(StreamLivestream, channel)
}

func (s *Session) IsDownloading(channel byte) bool {
	return s.isStreaming(StreamDownload, channel)
}

func (s *Session) IsRTSPLiveStreaming(channel byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rtsp[channel]
}

func (s *Session) isStreaming(kind StreamKind, channel byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if k, ok := s.startingKind(channel); ok && k == kind {
		return true
	}
	st := s.streams[channel]
	return st != nil && st.Kind == kind
}

// Stream returns the open stream of the channel or nil.
func (s *Session) Stream(channel byte) *Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streams[channel]
}

func (s *Session) stopStream(st *Stream, err error) {
	st.close(err)
	if s.streams[st.Channel] == st {
		delete(s.streams, st.Channel)
	}
	s.emit(StreamStopEvent{Kind: st.Kind, Channel: st.Channel, Err: err})
}

func (s *Session) openStream(kind StreamKind, channel byte, frame *Frame) (*Stream, error) {
	var key *rsa.PrivateKey
	if kind == StreamDownload {
		var err error
		if key, err = s.keys.DownloadRSA(); err != nil {
			return nil, err
		}
	} else {
		key = s.keys.RSA()
	}

	var meta Metadata
	if frame.Video {
		meta = Metadata{VideoCodec: frame.Codec, Width: frame.Width, Height: frame.Height, FPS: frame.FPS}
	} else {
		meta = Metadata{AudioCodec: frame.Codec}
	}

	st := newStream(kind, channel, meta, key, &s.opts)
	st.idle = time.AfterFunc(s.opts.StreamIdleTimeout, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.streams[channel] == st {
			s.log.Debug().Uint8("channel", channel).Msg("[eufy] stream idle")
			s.stopStream(st, ErrStreamIdle)
		}
	})

	s.clearStarting(channel)
	s.streams[channel] = st

	s.log.Debug().Stringer("kind", kind).Uint8("channel", channel).Msg("[eufy] stream start")
	s.emit(StreamStartEvent{Kind: kind, Channel: channel, Metadata: meta, Stream: st})
	return st, nil
}

func (s *Session) handleMedia(msg *cs2.Message) {
	ch := msg.Channel

	switch msg.Command {
	case CmdVideoFrame, CmdAudioFrame:
		frame, keyBlob, err := parseFrame(msg.Command == CmdVideoFrame, msg.SignCode, msg.Payload)
		if err != nil {
			s.malformed(msg, err)
			return
		}

		st := s.streams[ch]
		if st == nil {
			kind, ok := s.startingKind(ch)
			if !ok {
				return // stream already stopped
			}
			if st, err = s.openStream(kind, ch, frame); err != nil {
				s.log.Warn().Err(err).Msg("[eufy] open stream")
				return
			}
		}

		st.idle.Reset(s.opts.StreamIdleTimeout)

		if keyBlob != nil {
			if !bytes.Equal(st.keyBlob, keyBlob) {
				key, err := crypto.DecryptStreamKey(st.rsa, keyBlob)
				if err != nil {
					s.malformed(msg, fmt.Errorf("%w: %w", ErrDecryptionFailure, err))
					return
				}
				st.keyBlob = bytes.Clone(keyBlob)
				st.key = key
			}
			if err = decryptFrame(st.key, frame.Data); err != nil {
				s.malformed(msg, fmt.Errorf("%w: %w", ErrDecryptionFailure, err))
				return
			}
			if frame.Video {
				frame.Keyframe = isKeyframe(frame.Codec, frame.Data)
			}
		}

		st.push(frame)

	case CmdStreamStopped:
		s.clearStarting(ch)
		if st := s.streams[ch]; st != nil {
			s.stopStream(st, nil)
		}

	case CmdStreamError:
		var code int32
		if len(msg.Payload) >= 4 {
			code = int32(le32(msg.Payload))
		}
		err := fmt.Errorf("eufy: stream error %d", code)

		if kind, ok := s.startingKind(ch); ok {
			s.clearStarting(ch)
			s.emit(StreamErrorEvent{Kind: kind, Channel: ch, Code: code, Err: err})
		}
		if st := s.streams[ch]; st != nil {
			s.emit(StreamErrorEvent{Kind: st.Kind, Channel: ch, Code: code, Err: err})
			s.stopStream(st, err)
		}

	default:
		s.log.Trace().Stringer("msg", msg).Msg("[eufy] unknown media")
	}
}
