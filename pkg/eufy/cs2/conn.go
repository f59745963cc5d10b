package cs2

import (
	"encoding/hex"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

type Conn struct {
	conn *net.UDPConn
	addr *net.UDPAddr
	path Path
	cfg  Config
	log  zerolog.Logger

	handler func(*Message)

	// read loop only
	assemblers [channels]*Assembler

	writeMu sync.Mutex
	seqs    [channels]uint16
	unacked map[ackKey]*outgoing

	recvTS    atomic.Int64
	sent      atomic.Uint64
	received  atomic.Uint64
	dropped   atomic.Uint64
	resent    atomic.Uint64
	undeliver atomic.Uint64

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
	err       error
}

type ackKey struct {
	channel byte
	seq     uint16
}

type outgoing struct {
	b     []byte
	ts    time.Time
	tries int
}

func newConn(conn *net.UDPConn, addr *net.UDPAddr, path Path, cfg Config, handler func(*Message)) *Conn {
	c := &Conn{
		conn:    conn,
		addr:    addr,
		path:    path,
		cfg:     cfg,
		log:     cfg.Log,
		handler: handler,
		unacked: map[ackKey]*outgoing{},
		done:    make(chan struct{}),
	}
	for i := range c.assemblers {
		c.assemblers[i] = NewAssembler(byte(i), cfg.ReorderWindow, cfg.StaleAfter)
	}
	c.recvTS.Store(time.Now().UnixNano())

	c.wg.Add(2)
	go c.worker()
	go c.keepalive()
	return c
}

func (c *Conn) worker() {
	defer c.wg.Done()

	buf := make([]byte, 1500)

	var evictTS time.Time

	for {
		_ = c.conn.SetReadDeadline(time.Now().Add(time.Second))

		n, addr, err := c.conn.ReadFromUDP(buf)
		now := time.Now()

		if now.Sub(evictTS) >= time.Second {
			c.evict(now)
			evictTS = now
		}

		if err != nil {
			if isTimeout(err) {
				continue
			}
			c.close(fmt.Errorf("cs2: %w", err))
			return
		}

		if !sameHost(addr, c.addr) {
			continue // skip messages from another IP
		}

		c.recvTS.Store(now.UnixNano())
		c.received.Add(1)

		if c.log.GetLevel() <= zerolog.TraceLevel {
			c.log.Trace().Str("data", hex.EncodeToString(buf[:n])).Msg("[cs2] recv")
		}

		c.handle(buf[:n], now)

		select {
		case <-c.done:
			return
		default:
		}
	}
}

func (c *Conn) handle(b []byte, now time.Time) {
	msgType, payload, err := Unmarshal(b)
	if err != nil {
		c.dropped.Add(1)
		c.log.Warn().Err(err).Int("size", len(b)).Msg("[cs2] drop datagram")
		return
	}

	switch msgType {
	case MsgDrw:
		ch, seq, data, err := UnmarshalDrw(payload)
		if err != nil {
			c.dropped.Add(1)
			c.log.Warn().Err(err).Msg("[cs2] drop drw")
			return
		}

		msgs, ok := c.assemblers[ch].Push(seq, data, now)
		if ok {
			_ = c.write(MarshalAck(ch, seq))
		}
		if n := c.assemblers[ch].Malformed(); n > 0 {
			c.dropped.Add(uint64(n))
			c.log.Warn().Uint8("channel", ch).Uint16("seq", seq).Msg("[cs2] malformed message, resync")
		}
		c.deliver(msgs)

	case MsgDrwAck:
		ch, seqs, err := UnmarshalAck(payload)
		if err != nil {
			c.dropped.Add(1)
			return
		}
		c.writeMu.Lock()
		for _, seq := range seqs {
			delete(c.unacked, ackKey{ch, seq})
		}
		c.writeMu.Unlock()

	case MsgPing:
		_ = c.write(Marshal(MsgPong, nil))

	case MsgClose:
		c.close(ErrRemoteClosed)

	case MsgPong, MsgP2PRdy, MsgPunchPkt: // skip it

	default:
		c.log.Debug().Uint8("type", msgType).Msg("[cs2] unexpected message")
	}
}

func (c *Conn) deliver(msgs []*Message) {
	for _, msg := range msgs {
		c.handler(msg)
	}
}

func (c *Conn) evict(now time.Time) {
	for _, a := range c.assemblers {
		msgs, n := a.Evict(now)
		if n > 0 {
			c.log.Debug().Int("count", n).Msg("[cs2] evict stale fragments")
		}
		c.deliver(msgs)
	}
}

func (c *Conn) keepalive() {
	defer c.wg.Done()

	ping := time.NewTicker(c.cfg.KeepaliveInterval)
	defer ping.Stop()

	resend := time.NewTicker(c.cfg.ResendInterval)
	defer resend.Stop()

	timeout := c.cfg.KeepaliveInterval * time.Duration(c.cfg.KeepaliveMisses)

	for {
		select {
		case <-c.done:
			return
		case now := <-ping.C:
			if now.Sub(time.Unix(0, c.recvTS.Load())) > timeout {
				c.close(ErrTimeout)
				return
			}
			_ = c.write(Marshal(MsgPing, nil))
		case now := <-resend.C:
			c.resend(now)
		}
	}
}

func (c *Conn) resend(now time.Time) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	for key, out := range c.unacked {
		if now.Sub(out.ts) < c.cfg.ResendInterval {
			continue
		}
		if out.tries >= c.cfg.MaxResend {
			delete(c.unacked, key)
			c.undeliver.Add(1)
			c.log.Warn().Uint8("channel", key.channel).Uint16("seq", key.seq).Msg("[cs2] drw not acknowledged")
			continue
		}
		out.tries++
		out.ts = now
		c.resent.Add(1)
		_ = c.write(out.b)
	}
}

// WriteMessage sends msg on the DRW channel, split into fragments on consecutive seqs.
// Fragments of two messages never interleave.
func (c *Conn) WriteMessage(channel byte, msg *Message) error {
	if channel >= channels {
		return fmt.Errorf("cs2: wrong channel %d", channel)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	frags := Split(msg.Marshal(), c.cfg.MaxFragment, c.seqs[channel])
	c.seqs[channel] += uint16(len(frags))

	now := time.Now()

	for _, frag := range frags {
		b := MarshalDrw(channel, frag.Seq, frag.Data)
		c.unacked[ackKey{channel, frag.Seq}] = &outgoing{b: b, ts: now}
		if err := c.write(b); err != nil {
			return err
		}
	}

	return nil
}

// write sends one datagram. UDP writes are atomic, so single datagrams skip writeMu.
func (c *Conn) write(b []byte) error {
	if c.log.GetLevel() <= zerolog.TraceLevel {
		c.log.Trace().Str("data", hex.EncodeToString(b)).Msg("[cs2] send")
	}
	if _, err := c.conn.WriteToUDP(b, c.addr); err != nil {
		return fmt.Errorf("cs2: %w", err)
	}
	c.sent.Add(1)
	return nil
}

// Close sends CLOSE to the station, releases the socket and waits for the read loop.
// It must not be called from the message handler.
func (c *Conn) Close() error {
	c.close(ErrClosed)
	c.wg.Wait()
	return nil
}

func (c *Conn) close(err error) {
	c.closeOnce.Do(func() {
		c.err = err
		if err == ErrClosed {
			_ = c.write(Marshal(MsgClose, nil))
		}
		close(c.done)
		_ = c.conn.Close()
	})
}

// Done is closed when the connection is closed by any side.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns the reason of close: ErrClosed, ErrRemoteClosed, ErrTimeout or a socket error.
func (c *Conn) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

func (c *Conn) RemoteAddr() net.Addr {
	return c.addr
}

func (c *Conn) Path() Path {
	return c.path
}

type Stats struct {
	Sent        uint64 `json:"sent"`
	Received    uint64 `json:"received"`
	Dropped     uint64 `json:"dropped"`
	Resent      uint64 `json:"resent"`
	Undelivered uint64 `json:"undelivered"`
	Unacked     int    `json:"unacked"`
}

func (c *Conn) Stats() Stats {
	c.writeMu.Lock()
	unacked := len(c.unacked)
	c.writeMu.Unlock()

	return Stats{
		Sent:        c.sent.Load(),
		Received:    c.received.Load(),
		Dropped:     c.dropped.Load(),
		Resent:      c.resent.Load(),
		Undelivered: c.undeliver.Load(),
		Unacked:     unacked,
	}
}
