package cs2_test

import (
	"context"
	"testing"
	"time"

	"github.com/AlexxIT/go2eufy/pkg/eufy/cs2"
	"github.com/AlexxIT/go2eufy/pkg/eufy/cs2/cs2test"
	"github.com/stretchr/testify/require"
)

const testDID = "EUPRAKM-012345-ABCDE"

func newStation(t *testing.T) *cs2test.Station {
	s, err := cs2test.NewStation(testDID, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func dial(t *testing.T, cfg cs2.Config) (*cs2.Conn, chan *cs2.Message) {
	msgs := make(chan *cs2.Message, 16)
	cfg.DID = testDID
	cfg.NoBroadcast = true
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = 2 * time.Second
	}
	cfg.ProbeInterval = 50 * time.Millisecond

	conn, err := cs2.Dial(context.Background(), cfg, func(msg *cs2.Message) {
		msgs <- msg
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn, msgs
}

func waitMessage(t *testing.T, ch chan *cs2.Message) *cs2.Message {
	select {
	case msg := <-ch:
		return msg
	case <-time.After(2 * time.Second):
		require.FailNow(t, "no message")
		return nil
	}
}

func TestDialLocal(t *testing.T) {
	s := newStation(t)

	conn, _ := dial(t, cs2.Config{Path: cs2.PathLocal, LocalHosts: []string{s.Host()}})
	require.Equal(t, cs2.PathLocal, conn.Path())
	require.Equal(t, s.Host(), conn.RemoteAddr().String())
}

func TestDialRelay(t *testing.T) {
	s := newStation(t)
	s.SetHidden(true)

	r, err := cs2test.NewRendezvous(s.Addr())
	require.NoError(t, err)
	defer r.Close()

	conn, _ := dial(t, cs2.Config{
		Path:       cs2.PathQuickest,
		LocalHosts: []string{s.Host()}, // hidden, must lose
		Rendezvous: []string{r.Host()},
	})
	require.Equal(t, cs2.PathRelay, conn.Path())
}

func TestDialDirect(t *testing.T) {
	s := newStation(t)

	conn, _ := dial(t, cs2.Config{Path: cs2.PathDirect, DirectAddr: s.Host()})
	require.Equal(t, cs2.PathDirect, conn.Path())
}

func TestDialTimeout(t *testing.T) {
	s := newStation(t)
	s.SetSilent(true)

	start := time.Now()
	_, err := cs2.Dial(context.Background(), cs2.Config{
		DID:              testDID,
		Path:             cs2.PathLocal,
		LocalHosts:       []string{s.Host()},
		NoBroadcast:      true,
		HandshakeTimeout: 300 * time.Millisecond,
	}, func(*cs2.Message) {})
	require.ErrorIs(t, err, cs2.ErrTimeout)
	require.Less(t, time.Since(start), 2*time.Second)

	_, err = cs2.Dial(context.Background(), cs2.Config{DID: testDID, Path: cs2.PathRelay}, nil)
	require.Error(t, err) // nothing to probe
}

func TestConnMessages(t *testing.T) {
	s := newStation(t)
	conn, msgs := dial(t, cs2.Config{Path: cs2.PathLocal, LocalHosts: []string{s.Host()}})

	// client to station, three fragments
	req := &cs2.Message{Command: 1350, Channel: 2, Payload: make([]byte, 2500)}
	req.Payload[2499] = 0xAA
	require.NoError(t, conn.WriteMessage(cs2.ChannelData, req))

	res := waitMessage(t, s.Messages)
	require.Equal(t, req.Command, res.Command)
	require.Equal(t, req.Payload, res.Payload)

	// station to client, reordered with duplicates
	msg := &cs2.Message{Command: 1300, Payload: make([]byte, 3000)}
	msg.Payload[0] = 0x55
	require.NoError(t, s.SendOrder(cs2.ChannelVideo, msg, 1024, []int{2, 0, 2, 1, 0}))

	res = waitMessage(t, msgs)
	require.Equal(t, uint16(1300), res.Command)
	require.Equal(t, cs2.ChannelVideo, res.DataChannel)
	require.Equal(t, msg.Payload, res.Payload)

	select {
	case <-msgs:
		require.FailNow(t, "duplicate message")
	case <-time.After(100 * time.Millisecond):
	}

	require.Eventually(t, func() bool {
		return conn.Stats().Unacked == 0
	}, time.Second, 10*time.Millisecond)
}

func TestConnMalformed(t *testing.T) {
	s := newStation(t)
	conn, msgs := dial(t, cs2.Config{Path: cs2.PathLocal, LocalHosts: []string{s.Host()}})

	require.NoError(t, s.SendRaw([]byte{0xF1, 0xD0, 0x00, 0x40, 0xD1})) // wrong length
	require.NoError(t, s.SendRaw([]byte{0xF1, 0x99, 0x00, 0x00}))       // unknown type
	require.NoError(t, s.Send(cs2.ChannelData, &cs2.Message{Command: 1, Payload: []byte{0, 0, 0, 0}}))

	res := waitMessage(t, msgs)
	require.Equal(t, uint16(1), res.Command)
	require.Equal(t, uint64(2), conn.Stats().Dropped)
	require.Nil(t, conn.Err())
}

func TestConnResend(t *testing.T) {
	s := newStation(t)
	conn, _ := dial(t, cs2.Config{
		Path:           cs2.PathLocal,
		LocalHosts:     []string{s.Host()},
		ResendInterval: 30 * time.Millisecond,
		MaxResend:      2,
	})

	s.SetSilent(true)
	require.NoError(t, conn.WriteMessage(cs2.ChannelData, &cs2.Message{Command: 1}))

	require.Eventually(t, func() bool {
		return conn.Stats().Undelivered == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, 3, s.DRWs())
}

func TestConnKeepaliveTimeout(t *testing.T) {
	s := newStation(t)
	conn, _ := dial(t, cs2.Config{
		Path:              cs2.PathLocal,
		LocalHosts:        []string{s.Host()},
		KeepaliveInterval: 50 * time.Millisecond,
		KeepaliveMisses:   2,
	})

	time.Sleep(200 * time.Millisecond)
	require.Nil(t, conn.Err()) // pong keeps it alive
	require.Positive(t, s.Pings())

	s.SetSilent(true)

	select {
	case <-conn.Done():
	case <-time.After(2 * time.Second):
		require.FailNow(t, "no timeout")
	}
	require.ErrorIs(t, conn.Err(), cs2.ErrTimeout)
	require.ErrorIs(t, conn.WriteMessage(cs2.ChannelData, &cs2.Message{}), cs2.ErrClosed)
}

func TestConnRemoteClose(t *testing.T) {
	s := newStation(t)
	conn, _ := dial(t, cs2.Config{Path: cs2.PathLocal, LocalHosts: []string{s.Host()}})

	require.NoError(t, s.SendRaw(cs2.Marshal(cs2.MsgClose, nil)))

	select {
	case <-conn.Done():
	case <-time.After(2 * time.Second):
		require.FailNow(t, "not closed")
	}
	require.ErrorIs(t, conn.Err(), cs2.ErrRemoteClosed)

	// idempotent
	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())
	require.ErrorIs(t, conn.Err(), cs2.ErrRemoteClosed)
}
