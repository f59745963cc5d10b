package cs2

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

var (
	ErrTimeout      = errors.New("cs2: timeout")
	ErrClosed       = errors.New("cs2: closed")
	ErrRemoteClosed = errors.New("cs2: closed by remote")
)

// Dial opens one UDP socket and runs the probes selected by cfg.Path on it.
// The first station that answers a punch with P2P_RDY wins, every other probe is abandoned.
// handler receives every reassembled message from the read loop and must not block.
func Dial(ctx context.Context, cfg Config, handler func(*Message)) (*Conn, error) {
	cfg.setDefaults()

	did, err := EncodeDID(cfg.DID)
	if err != nil {
		return nil, err
	}

	d := &dialer{cfg: cfg, did: did}
	if err = d.targets(); err != nil {
		return nil, err
	}

	conn, err := net.ListenUDP("udp4", nil)
	if err != nil {
		return nil, fmt.Errorf("cs2: %w", err)
	}

	c, err := d.handshake(ctx, conn)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	cfg.Log.Debug().Str("addr", c.addr.String()).Str("path", string(c.path)).Msg("[cs2] connected")

	return newConn(conn, c.addr, c.path, cfg, handler), nil
}

type candidate struct {
	addr *net.UDPAddr
	path Path
}

type dialer struct {
	cfg Config
	did []byte

	lan     []*net.UDPAddr // LAN_SEARCH targets
	servers []*net.UDPAddr // LOOKUP_WITH_KEY targets
	cands   []*candidate   // PUNCH_PKT targets
}

func (d *dialer) targets() error {
	path := d.cfg.Path

	if path == PathQuickest || path == PathLocal {
		d.lan = resolveAddrs(d.cfg.LocalHosts, DefaultPort)
		if !d.cfg.NoBroadcast {
			d.lan = append(d.lan, broadcastAddrs(DefaultPort)...)
		}
	}

	if path == PathQuickest || path == PathRelay {
		d.servers = resolveAddrs(d.cfg.Rendezvous, RendezvousPort)
	}

	if (path == PathQuickest || path == PathDirect) && d.cfg.DirectAddr != "" {
		if addr, err := resolveAddr(d.cfg.DirectAddr, DefaultPort); err == nil {
			d.cands = append(d.cands, &candidate{addr: addr, path: PathDirect})
		}
	}

	if len(d.lan)+len(d.servers)+len(d.cands) == 0 {
		return fmt.Errorf("cs2: nothing to probe for path %s", path)
	}
	return nil
}

func (d *dialer) handshake(ctx context.Context, conn *net.UDPConn) (*candidate, error) {
	deadline := time.Now().Add(d.cfg.HandshakeTimeout)
	if t, ok := ctx.Deadline(); ok && t.Before(deadline) {
		deadline = t
	}

	local, _ := conn.LocalAddr().(*net.UDPAddr)

	search := Marshal(MsgLanSearch, nil)
	lookup := Marshal(MsgLookupWithKey, lookupPayload(d.did, local, d.cfg.DSKKey))
	punch := Marshal(MsgPunchPkt, d.did)

	buf := make([]byte, 1500)

	var sendTS time.Time

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		now := time.Now()
		if now.After(deadline) {
			return nil, ErrTimeout
		}

		if now.Sub(sendTS) >= d.cfg.ProbeInterval {
			for _, addr := range d.lan {
				_, _ = conn.WriteToUDP(search, addr)
			}
			for _, addr := range d.servers {
				_, _ = conn.WriteToUDP(lookup, addr)
			}
			for _, c := range d.cands {
				_, _ = conn.WriteToUDP(punch, c.addr)
			}
			sendTS = now
		}

		readTS := sendTS.Add(d.cfg.ProbeInterval)
		if readTS.After(deadline) {
			readTS = deadline
		}
		_ = conn.SetReadDeadline(readTS)

		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			return nil, fmt.Errorf("cs2: %w", err)
		}

		msgType, payload, err := Unmarshal(buf[:n])
		if err != nil {
			d.cfg.Log.Debug().Err(err).Str("addr", addr.String()).Msg("[cs2] handshake drop")
			continue
		}

		switch msgType {
		case MsgPunchPkt:
			// answer to LAN_SEARCH or station side punch after relay lookup
			if !d.isStation(payload) {
				continue
			}
			c := d.candidate(addr, PathLocal)
			_, _ = conn.WriteToUDP(punch, c.addr)

		case MsgLookupAddr:
			if !d.isServer(addr) {
				continue
			}
			station, err := DecodeSockaddr(payload)
			if err != nil {
				continue
			}
			c := d.candidate(station, PathRelay)
			_, _ = conn.WriteToUDP(punch, c.addr)

		case MsgP2PRdy:
			if !d.isStation(payload) {
				continue
			}

			c := d.find(addr)
			if c == nil {
				c = &candidate{path: PathLocal}
			}
			c.addr = addr // station may answer from another port

			_, _ = conn.WriteToUDP(Marshal(MsgP2PRdy, d.did), addr)
			_ = conn.SetReadDeadline(time.Time{})
			return c, nil
		}
	}
}

func (d *dialer) isStation(payload []byte) bool {
	return len(payload) >= didSize && bytes.Equal(payload[:didSize], d.did)
}

func (d *dialer) isServer(addr *net.UDPAddr) bool {
	for _, server := range d.servers {
		if sameHost(server, addr) {
			return true
		}
	}
	return false
}

func (d *dialer) find(addr *net.UDPAddr) *candidate {
	var byHost *candidate
	for _, c := range d.cands {
		if sameHost(c.addr, addr) {
			if c.addr.Port == addr.Port {
				return c
			}
			byHost = c
		}
	}
	return byHost
}

func (d *dialer) candidate(addr *net.UDPAddr, path Path) *candidate {
	if c := d.find(addr); c != nil && c.addr.Port == addr.Port {
		return c
	}
	c := &candidate{addr: addr, path: path}
	d.cands = append(d.cands, c)
	return c
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
