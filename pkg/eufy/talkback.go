package eufy

import (
	"fmt"

	"github.com/AlexxIT/go2eufy/pkg/eufy/cs2"
)

// StartTalkback opens the speaker of the device. TalkbackStartEvent follows the
// station answer, audio is accepted only after it.
func (s *Session) StartTalkback(channel byte, token any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.talkback[channel]; ok {
		return ErrCommandAlreadyPending
	}

	tb := &talkback{}

	e := &inflight{
		key:   inflightKey{cmd: CmdStartTalkback, channel: channel},
		token: token,
		done: func(r *Result) {
			if s.talkback[channel] != tb {
				return
			}
			switch r.Status {
			case StatusSuccess:
				tb.started = true
				s.emit(TalkbackStartEvent{Channel: channel})
			case StatusCancelled:
			default:
				delete(s.talkback, channel)
				s.emit(TalkbackErrorEvent{Channel: channel, Code: r.ReturnCode, Err: r.Err})
			}
		},
	}

	if err := s.sendLocked(e, intPayload(int32(channel)), true); err != nil {
		return err
	}

	s.talkback[channel] = tb
	return nil
}

func (s *Session) StopTalkback(channel byte, token any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.talkback[channel]; ok {
		delete(s.talkback, channel)
		s.emit(TalkbackStopEvent{Channel: channel})
	}

	e := &inflight{key: inflightKey{cmd: CmdStopTalkback, channel: channel}, token: token}
	return s.sendLocked(e, intPayload(int32(channel)), false)
}

func (s *Session) IsTalkbackOngoing(channel byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	tb := s.talkback[channel]
	return tb != nil && tb.started
}

// SendTalkbackAudio uploads one audio chunk. Large chunks are fragmented like commands.
func (s *Session) SendTalkbackAudio(channel byte, codec Codec, timestamp uint32, audio []byte) error {
	code, ok := talkbackCodec(codec)
	if !ok {
		return fmt.Errorf("%w: talkback codec %q", ErrUnsupportedOperation, codec)
	}

	s.mu.Lock()
	tb := s.talkback[channel]
	if tb == nil || !tb.started {
		s.mu.Unlock()
		return fmt.Errorf("%w: talkback is not started", ErrUnsupportedOperation)
	}
	conn := s.conn
	seq := tb.seq
	tb.seq++
	s.mu.Unlock()

	if conn == nil {
		return ErrTransportClosed
	}

	msg := &cs2.Message{
		Command: CmdTalkbackFrame,
		Channel: channel,
		Payload: marshalTalkback(code, seq, timestamp, audio),
	}
	if err := conn.WriteMessage(cs2.ChannelVideo, msg); err != nil {
		return fmt.Errorf("%w: %w", ErrTransportClosed, err)
	}
	return nil
}

func talkbackCodec(codec Codec) (uint32, bool) {
	switch codec {
	case CodecAAC:
		return 0, true
	case CodecPCMA:
		return 1, true
	case CodecPCMU:
		return 2, true
	}
	return 0, false
}
