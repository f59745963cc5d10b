package cs2

import (
	"bytes"
	"time"
)

const maxMessageSize = 4 << 20

type Fragment struct {
	Seq   uint16
	Index int
	Last  bool
	Data  []byte
}

// Split cuts one logical message into DRW sized fragments on consecutive seqs.
func Split(data []byte, size int, seq uint16) []Fragment {
	n := (len(data) + size - 1) / size
	if n == 0 {
		n = 1
	}

	frags := make([]Fragment, n)
	for i := range frags {
		end := min((i+1)*size, len(data))
		frags[i] = Fragment{
			Seq:   seq + uint16(i),
			Index: i,
			Last:  i == n-1,
			Data:  data[i*size : end],
		}
	}
	return frags
}

type pendingData struct {
	data []byte
	ts   time.Time
}

// Assembler restores one DRW channel: orders datagrams by seq inside a bounded window
// and cuts the ordered byte run into XZYH messages.
type Assembler struct {
	channel    byte
	window     int
	staleAfter time.Duration

	waitSeq uint16
	pending map[uint16]pendingData

	buf      []byte
	size     int
	startSeq uint16
	startTS  time.Time

	malformed int
}

func NewAssembler(channel byte, window int, staleAfter time.Duration) *Assembler {
	return &Assembler{
		channel:    channel,
		window:     window,
		staleAfter: staleAfter,
		pending:    make(map[uint16]pendingData, window),
	}
}

// Push returns completed messages. ok is false when the datagram could not be stored
// (reorder window is full) and must not be acknowledged, so the peer sends it again.
// Duplicates and datagrams from the past are ok.
func (a *Assembler) Push(seq uint16, data []byte, now time.Time) (msgs []*Message, ok bool) {
	diff := int16(seq - a.waitSeq)

	if diff > 0 {
		if _, exist := a.pending[seq]; exist {
			return nil, true
		}
		if len(a.pending) >= a.window {
			return nil, false
		}
		a.pending[seq] = pendingData{data: bytes.Clone(data), ts: now}
		return nil, true
	}

	if diff < 0 {
		return nil, true
	}

	return a.drain(seq, data, now), true
}

func (a *Assembler) drain(seq uint16, data []byte, now time.Time) (msgs []*Message) {
	for {
		msgs = a.feed(seq, data, now, msgs)
		a.waitSeq = seq + 1

		next, exist := a.pending[a.waitSeq]
		if !exist {
			return
		}
		delete(a.pending, a.waitSeq)
		seq, data = a.waitSeq, next.data
	}
}

func (a *Assembler) feed(seq uint16, data []byte, now time.Time, msgs []*Message) []*Message {
	if len(a.buf) == 0 {
		a.startSeq = seq
		a.startTS = now
	}
	a.buf = append(a.buf, data...)

	for len(a.buf) > 0 {
		if a.size == 0 {
			size, err := messageSize(a.buf)
			if err == nil && size > maxMessageSize {
				err = ErrMalformed
			}
			if err != nil {
				a.resync()
				continue
			}
			if size == 0 {
				break // wait header
			}
			a.size = size
		}

		if len(a.buf) < a.size {
			break // wait fragments
		}

		msg := unmarshalMessage(bytes.Clone(a.buf[:a.size]))
		msg.DataChannel = a.channel
		msg.Seq = a.startSeq
		msgs = append(msgs, msg)

		a.buf = a.buf[a.size:]
		a.size = 0
		// next message starts inside the current datagram
		a.startSeq = seq
		a.startTS = now
	}

	if len(a.buf) == 0 {
		a.buf = nil
	}

	return msgs
}

// resync drops bytes until the next message magic.
func (a *Assembler) resync() {
	a.malformed++
	if i := bytes.Index(a.buf[1:], []byte(MessageMagic)); i >= 0 {
		a.buf = a.buf[1+i:]
		return
	}
	// keep tail that may be a beginning of the magic
	for i := max(1, len(a.buf)-3); i < len(a.buf); i++ {
		if bytes.HasPrefix([]byte(MessageMagic), a.buf[i:]) {
			a.buf = a.buf[i:]
			return
		}
	}
	a.buf = nil
}

// Malformed returns and resets the number of resyncs since the last call.
func (a *Assembler) Malformed() int {
	n := a.malformed
	a.malformed = 0
	return n
}

// Evict bounds memory under sustained loss. A partial message without progress for
// staleAfter is dropped. If the oldest buffered datagram is stale, the missing seqs are
// given up and the cursor jumps to the buffered data.
func (a *Assembler) Evict(now time.Time) (msgs []*Message, evicted int) {
	if a.buf != nil && now.Sub(a.startTS) > a.staleAfter && len(a.pending) == 0 {
		a.buf = nil
		a.size = 0
		evicted++
	}

	var oldest pendingData
	var oldestSeq uint16
	var found bool
	for seq, p := range a.pending {
		if !found || int16(seq-oldestSeq) < 0 {
			oldest, oldestSeq, found = p, seq, true
		}
	}

	if !found || now.Sub(oldest.ts) <= a.staleAfter {
		return nil, evicted
	}

	if a.buf != nil {
		a.buf = nil
		a.size = 0
		evicted++
	}

	delete(a.pending, oldestSeq)
	return a.drain(oldestSeq, oldest.data, now), evicted
}

func (a *Assembler) Pending() int {
	return len(a.pending)
}
