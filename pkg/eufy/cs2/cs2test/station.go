// Package cs2test runs a scripted station on a loopback UDP socket for transport and session tests.
package cs2test

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AlexxIT/go2eufy/pkg/eufy/cs2"
)

type Station struct {
	// Messages gets every reassembled message from the client. Full buffer drops the message.
	Messages chan *cs2.Message

	conn    *net.UDPConn
	did     []byte
	handler func(s *Station, msg *cs2.Message)

	assemblers [4]*cs2.Assembler

	mu     sync.Mutex
	client *net.UDPAddr
	seqs   [4]uint16

	silent atomic.Bool
	hidden atomic.Bool
	pings  atomic.Int32
	drws   atomic.Int32
}

// NewStation starts a station that answers the CS2 handshake for did.
// handler is called from the read loop for every client message and may be nil.
func NewStation(did string, handler func(s *Station, msg *cs2.Message)) (*Station, error) {
	b, err := cs2.EncodeDID(did)
	if err != nil {
		return nil, err
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		return nil, err
	}

	s := &Station{
		Messages: make(chan *cs2.Message, 64),
		conn:     conn,
		did:      b,
		handler:  handler,
	}
	for i := range s.assemblers {
		s.assemblers[i] = cs2.NewAssembler(byte(i), 128, 10*time.Second)
	}

	go s.worker()
	return s, nil
}

func (s *Station) Addr() *net.UDPAddr {
	return s.conn.LocalAddr().(*net.UDPAddr)
}

// Host returns "127.0.0.1:port" for cs2.Config.
func (s *Station) Host() string {
	return s.Addr().String()
}

// SetSilent stops every answer, including PONG and ACK.
func (s *Station) SetSilent(silent bool) {
	s.silent.Store(silent)
}

// SetHidden stops answers to LAN_SEARCH, so only punches reach the station.
func (s *Station) SetHidden(hidden bool) {
	s.hidden.Store(hidden)
}

// Pings returns number of PING from the client.
func (s *Station) Pings() int {
	return int(s.pings.Load())
}

// DRWs returns number of DRW datagrams from the client, retransmits included.
func (s *Station) DRWs() int {
	return int(s.drws.Load())
}

func (s *Station) Close() error {
	return s.conn.Close()
}

// Send writes msg to the client split by 1024 bytes.
func (s *Station) Send(channel byte, msg *cs2.Message) error {
	return s.SendOrder(channel, msg, 1024, nil)
}

// SendOrder writes fragments of msg in the order of indexes. Repeated index is a duplicate.
// nil order sends fragments in sequence.
func (s *Station) SendOrder(channel byte, msg *cs2.Message, size int, order []int) error {
	s.mu.Lock()
	frags := cs2.Split(msg.Marshal(), size, s.seqs[channel])
	s.seqs[channel] += uint16(len(frags))
	s.mu.Unlock()

	if order == nil {
		order = make([]int, len(frags))
		for i := range order {
			order[i] = i
		}
	}

	for _, i := range order {
		frag := frags[i]
		if err := s.SendRaw(cs2.MarshalDrw(channel, frag.Seq, frag.Data)); err != nil {
			return err
		}
	}
	return nil
}

// SendRaw writes one datagram to the client.
func (s *Station) SendRaw(b []byte) error {
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()

	if client == nil {
		return net.ErrClosed
	}
	_, err := s.conn.WriteToUDP(b, client)
	return err
}

func (s *Station) worker() {
	buf := make([]byte, 1500)

	for {
		n, addr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}

		msgType, payload, err := cs2.Unmarshal(buf[:n])
		if err != nil {
			continue
		}

		switch msgType {
		case cs2.MsgPing:
			s.pings.Add(1)
		case cs2.MsgDrw:
			s.drws.Add(1)
		}

		if s.silent.Load() {
			continue
		}

		switch msgType {
		case cs2.MsgLanSearch:
			if !s.hidden.Load() {
				_, _ = s.conn.WriteToUDP(cs2.Marshal(cs2.MsgPunchPkt, s.did), addr)
			}

		case cs2.MsgPunchPkt:
			s.mu.Lock()
			s.client = addr
			s.mu.Unlock()
			_, _ = s.conn.WriteToUDP(cs2.Marshal(cs2.MsgP2PRdy, s.did), addr)

		case cs2.MsgPing:
			_, _ = s.conn.WriteToUDP(cs2.Marshal(cs2.MsgPong, nil), addr)

		case cs2.MsgDrw:
			ch, seq, data, err := cs2.UnmarshalDrw(payload)
			if err != nil {
				continue
			}
			msgs, ok := s.assemblers[ch].Push(seq, data, time.Now())
			if ok {
				_, _ = s.conn.WriteToUDP(cs2.MarshalAck(ch, seq), addr)
			}
			for _, msg := range msgs {
				select {
				case s.Messages <- msg:
				default:
				}
				if s.handler != nil {
					s.handler(s, msg)
				}
			}
		}
	}
}

// Rendezvous answers LOOKUP_WITH_KEY with the station address.
type Rendezvous struct {
	conn    *net.UDPConn
	station *net.UDPAddr
}

func NewRendezvous(station *net.UDPAddr) (*Rendezvous, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		return nil, err
	}

	r := &Rendezvous{conn: conn, station: station}
	go r.worker()
	return r, nil
}

func (r *Rendezvous) Host() string {
	return r.conn.LocalAddr().String()
}

func (r *Rendezvous) Close() error {
	return r.conn.Close()
}

func (r *Rendezvous) worker() {
	buf := make([]byte, 1500)

	for {
		n, addr, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}

		if msgType, _, err := cs2.Unmarshal(buf[:n]); err != nil || msgType != cs2.MsgLookupWithKey {
			continue
		}

		_, _ = r.conn.WriteToUDP(cs2.Marshal(cs2.MsgLookupAddr, cs2.EncodeSockaddr(r.station)), addr)
	}
}
