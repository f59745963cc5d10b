package eufy

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"testing"
	"time"

	"github.com/AlexxIT/go2eufy/pkg/eufy/crypto"
	"github.com/AlexxIT/go2eufy/pkg/eufy/cs2"
	"github.com/AlexxIT/go2eufy/pkg/eufy/cs2/cs2test"
	"github.com/AlexxIT/go2eufy/pkg/eufy/lock"
	"github.com/stretchr/testify/require"
)

const (
	testDID = "EUPRAKM-012345-ABCDE"
	testSN  = "T8520P1234567890"
)

func newTestStation(t *testing.T, handler func(st *cs2test.Station, msg *cs2.Message)) *cs2test.Station {
	st, err := cs2test.NewStation(testDID, handler)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func newTestSession(t *testing.T, st *cs2test.Station, station Station, opts Options) *Session {
	station.P2PDID = testDID
	if station.SerialNumber == "" {
		station.SerialNumber = testSN
	}
	station.LocalIP = st.Host()

	opts.Path = cs2.PathLocal
	opts.NoBroadcast = true
	if opts.HandshakeTimeout == 0 {
		opts.HandshakeTimeout = 2 * time.Second
	}

	s := NewSession(station, opts)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func connect(t *testing.T, s *Session) {
	require.NoError(t, s.Connect(context.Background()))
	waitEvent[ConnectEvent](t, s)
}

// waitEvent skips events of other types.
func waitEvent[T Event](t *testing.T, s *Session) T {
	t.Helper()

	timer := time.NewTimer(3 * time.Second)
	defer timer.Stop()

	for {
		select {
		case ev := <-s.Events():
			if ev, ok := ev.(T); ok {
				return ev
			}
		case <-timer.C:
			var zero T
			require.FailNowf(t, "no event", "%T", zero)
			return zero
		}
	}
}

func noEvent[T Event](t *testing.T, s *Session, d time.Duration) {
	t.Helper()

	timer := time.NewTimer(d)
	defer timer.Stop()

	for {
		select {
		case ev := <-s.Events():
			if _, ok := ev.(T); ok {
				require.FailNowf(t, "unexpected event", "%#v", ev)
			}
		case <-timer.C:
			return
		}
	}
}

func waitCommand(t *testing.T, st *cs2test.Station, cmd uint16) *cs2.Message {
	t.Helper()

	timer := time.NewTimer(3 * time.Second)
	defer timer.Stop()

	for {
		select {
		case msg := <-st.Messages:
			if msg.Command == cmd {
				return msg
			}
		case <-timer.C:
			require.FailNowf(t, "no command", "%d", cmd)
			return nil
		}
	}
}

func reply(st *cs2test.Station, req *cs2.Message, code int32, data []byte) {
	_ = st.Send(cs2.ChannelData, &cs2.Message{
		Command: req.Command,
		Channel: req.Channel,
		Payload: append(intPayload(code), data...),
	})
}

func fixedBackoff(d time.Duration) Backoff {
	return Backoff{Base: d, Step: d, Plateau: d, LongStep: d, Max: d}
}

func TestSessionConnectClose(t *testing.T) {
	st := newTestStation(t, nil)
	s := newTestSession(t, st, Station{}, Options{})

	require.Equal(t, StateDisconnected, s.State())
	connect(t, s)
	require.True(t, s.IsConnected())
	require.NoError(t, s.Connect(context.Background())) // already connected

	stats := s.Stats()
	require.Equal(t, StateConnected, stats.State)
	require.Equal(t, st.Host(), stats.Addr)
	require.Equal(t, cs2.PathLocal, stats.Path)

	require.NoError(t, s.Close())
	ev := waitEvent[CloseEvent](t, s)
	require.NoError(t, ev.Err)
	require.False(t, s.IsConnected())

	require.NoError(t, s.Close())
	require.ErrorIs(t, s.SendCommandWithInt(1010, 0, 1, nil), ErrTransportClosed)
}

func TestSessionConnectTimeout(t *testing.T) {
	st := newTestStation(t, nil)
	st.SetSilent(true)

	s := newTestSession(t, st, Station{}, Options{
		HandshakeTimeout: 200 * time.Millisecond,
		Backoff:          fixedBackoff(time.Hour),
	})

	err := s.Connect(context.Background())
	require.ErrorIs(t, err, ErrTransportTimeout)
	require.ErrorIs(t, err, cs2.ErrTimeout)

	waitEvent[TimeoutEvent](t, s)
	ev := waitEvent[ReconnectEvent](t, s)
	require.Equal(t, time.Hour, ev.Delay)
	require.Equal(t, 1, ev.Attempt)
	require.False(t, s.IsConnected())
}

func TestSessionConnectNoTargets(t *testing.T) {
	s := NewSession(Station{P2PDID: testDID, SerialNumber: testSN}, Options{
		Path:        cs2.PathLocal,
		NoBroadcast: true,
		Backoff:     fixedBackoff(time.Hour),
	})
	t.Cleanup(func() { _ = s.Close() })

	err := s.Connect(context.Background())
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrTransportTimeout)

	ev := waitEvent[CloseEvent](t, s)
	require.Equal(t, err, ev.Err)
	require.Equal(t, StateDisconnected, s.State())
	noEvent[ReconnectEvent](t, s, 100*time.Millisecond)
}

func TestSessionEnergySavingTimeout(t *testing.T) {
	st := newTestStation(t, nil)
	st.SetSilent(true)

	s := newTestSession(t, st, Station{EnergySaving: true}, Options{
		HandshakeTimeout: 200 * time.Millisecond,
	})
	require.True(t, s.IsEnergySavingDevice())

	require.ErrorIs(t, s.Connect(context.Background()), ErrTransportTimeout)
	waitEvent[TimeoutEvent](t, s)
	noEvent[ReconnectEvent](t, s, 300*time.Millisecond)
}

func TestSessionReconnect(t *testing.T) {
	st := newTestStation(t, nil)
	s := newTestSession(t, st, Station{}, Options{Backoff: fixedBackoff(50 * time.Millisecond)})

	connect(t, s)
	require.NoError(t, st.SendRaw(cs2.Marshal(cs2.MsgClose, nil)))

	ev := waitEvent[CloseEvent](t, s)
	require.ErrorIs(t, ev.Err, cs2.ErrRemoteClosed)

	rev := waitEvent[ReconnectEvent](t, s)
	require.Equal(t, 50*time.Millisecond, rev.Delay)

	waitEvent[ConnectEvent](t, s)
	require.True(t, s.IsConnected())
}

func TestSessionEnergySavingNoReconnect(t *testing.T) {
	st := newTestStation(t, nil)
	s := newTestSession(t, st, Station{EnergySaving: true}, Options{Backoff: fixedBackoff(50 * time.Millisecond)})

	connect(t, s)
	require.NoError(t, st.SendRaw(cs2.Marshal(cs2.MsgClose, nil)))

	waitEvent[CloseEvent](t, s)
	noEvent[ReconnectEvent](t, s, 300*time.Millisecond)
	require.False(t, s.IsConnected())
}

func TestSessionCommands(t *testing.T) {
	// return code is the value of the command
	st := newTestStation(t, func(st *cs2test.Station, msg *cs2.Message) {
		if msg.Command == 1010 && len(msg.Payload) >= 4 {
			reply(st, msg, int32(binary.LittleEndian.Uint32(msg.Payload)), []byte("ok"))
		}
	})
	s := newTestSession(t, st, Station{}, Options{})
	connect(t, s)

	require.NoError(t, s.SendCommandWithInt(1010, 1, 0, "a"))
	require.NoError(t, s.SendCommandWithInt(1010, 1, 5, "b"))
	require.NoError(t, s.SendCommandWithInt(1010, 1, ReturnUnsupported, "c"))

	ev := waitEvent[CommandResultEvent](t, s)
	require.Equal(t, "a", ev.Token)
	require.Equal(t, StatusSuccess, ev.Status)
	require.Equal(t, []byte("ok"), ev.Data)
	require.Equal(t, byte(1), ev.Channel)

	ev = waitEvent[CommandResultEvent](t, s)
	require.Equal(t, "b", ev.Token)
	require.Equal(t, StatusRejected, ev.Status)
	require.Equal(t, int32(5), ev.ReturnCode)

	ev = waitEvent[CommandResultEvent](t, s)
	require.Equal(t, "c", ev.Token)
	require.Equal(t, StatusUnsupported, ev.Status)
	require.ErrorIs(t, ev.Err, ErrUnsupportedOperation)

	require.Zero(t, s.Stats().InFlight)
}

func TestSessionResultsSlowReader(t *testing.T) {
	st := newTestStation(t, func(st *cs2test.Station, msg *cs2.Message) {
		if msg.Command == 1010 {
			reply(st, msg, 0, nil)
		}
	})
	s := newTestSession(t, st, Station{}, Options{EventBuffer: 4})
	connect(t, s)

	for i := 0; i < 8; i++ {
		require.NoError(t, s.SendCommandWithInt(1010, 1, int32(i), i))
	}

	require.Eventually(t, func() bool {
		return s.Stats().InFlight == 0
	}, 3*time.Second, 10*time.Millisecond)

	// telemetry over the buffer is dropped, results are not
	for i := 0; i < 10; i++ {
		s.emit(WifiRSSIEvent{Channel: 1, RSSI: -50})
	}

	var tokens []any
	for len(tokens) < 8 {
		ev := waitEvent[CommandResultEvent](t, s)
		require.Equal(t, StatusSuccess, ev.Status)
		tokens = append(tokens, ev.Token)
	}
	require.Equal(t, []any{0, 1, 2, 3, 4, 5, 6, 7}, tokens)
}

func TestSessionPayloads(t *testing.T) {
	st := newTestStation(t, func(st *cs2test.Station, msg *cs2.Message) {
		reply(st, msg, 0, nil)
	})
	s := newTestSession(t, st, Station{AdminID: "admin"}, Options{})
	connect(t, s)

	require.NoError(t, s.SendCommandWithString(1020, 0, "hello", nil))
	msg := waitCommand(t, st, 1020)
	require.Equal(t, []byte("hello\x00"), msg.Payload)

	require.NoError(t, s.SendCommandWithIntString(1021, 0, 7, "hi", nil))
	msg = waitCommand(t, st, 1021)
	require.Equal(t, []byte{7, 0, 0, 0, 'h', 'i', 0}, msg.Payload)

	require.NoError(t, s.SendCommandWithStringPayload(1234, 2, map[string]int{"value": 1}, "json"))
	msg = waitCommand(t, st, CmdSetPayload)
	require.Equal(t, byte(2), msg.Channel)

	var v struct {
		AccountID string         `json:"account_id"`
		Cmd       uint16         `json:"cmd"`
		Channel   byte           `json:"mChannel"`
		Payload   map[string]int `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(msg.Payload, &v))
	require.Equal(t, "admin", v.AccountID)
	require.Equal(t, uint16(1234), v.Cmd)
	require.Equal(t, byte(2), v.Channel)
	require.Equal(t, 1, v.Payload["value"])

	for {
		ev := waitEvent[CommandResultEvent](t, s)
		if ev.Token == "json" {
			require.Equal(t, CmdSetPayload, ev.Command)
			require.Equal(t, StatusSuccess, ev.Status)
			break
		}
	}
}

func TestSessionEncryptedCommands(t *testing.T) {
	key := crypto.CommandKey(testSN, testDID)

	st := newTestStation(t, func(st *cs2test.Station, msg *cs2.Message) {
		if msg.DataChannel != cs2.ChannelBinary || msg.Encrypt != encryptLevel1 {
			return
		}
		plain, err := crypto.DecryptCommand(key, msg.Payload)
		if err != nil || binary.LittleEndian.Uint32(plain) != 42 {
			return
		}
		b, _ := crypto.EncryptCommand(key, append(intPayload(0), "ok"...))
		_ = st.Send(cs2.ChannelBinary, &cs2.Message{
			Command: msg.Command, Channel: msg.Channel, Encrypt: encryptLevel1, Payload: b,
		})
	})
	s := newTestSession(t, st, Station{EncryptedCommands: true}, Options{})
	connect(t, s)

	require.NoError(t, s.SendCommandWithInt(1010, 0, 42, "enc"))

	ev := waitEvent[CommandResultEvent](t, s)
	require.Equal(t, "enc", ev.Token)
	require.Equal(t, StatusSuccess, ev.Status)
	require.Equal(t, []byte("ok"), ev.Data[:2])
}

func TestSessionCommandTimeout(t *testing.T) {
	st := newTestStation(t, nil)
	s := newTestSession(t, st, Station{AdminID: "admin"}, Options{CommandTimeout: 100 * time.Millisecond})
	connect(t, s)

	cmd := LockCommand{Family: CmdLockBasic, Command: lock.CmdQueryStatus, Payload: func(seq uint32) ([]byte, error) {
		return lock.QueryStatus(seq), nil
	}}

	require.NoError(t, s.SendLockCommand(cmd))

	ev := waitEvent[CommandResultEvent](t, s)
	require.Equal(t, StatusTimeout, ev.Status)
	require.ErrorIs(t, ev.Err, ErrCommandTimeout)
	require.Zero(t, s.Stats().InFlight)

	// the slot is free after the timeout
	require.NoError(t, s.SendLockCommand(cmd))
}

func TestSessionLockAlreadyPending(t *testing.T) {
	st := newTestStation(t, nil)
	s := newTestSession(t, st, Station{AdminID: "admin"}, Options{})
	connect(t, s)

	cmd := LockCommand{Family: CmdLockBasic, Channel: 1, Command: lock.CmdSetLock, Payload: func(seq uint32) ([]byte, error) {
		return lock.SetLock(seq, true, "0001")
	}}

	require.NoError(t, s.SendLockCommand(cmd))
	require.ErrorIs(t, s.SendLockCommand(cmd), ErrCommandAlreadyPending)

	cmd.Channel = 2
	require.NoError(t, s.SendLockCommand(cmd))
	require.Equal(t, 2, s.Stats().InFlight)
}

func TestSessionLockKeyMissing(t *testing.T) {
	st := newTestStation(t, nil)
	s := newTestSession(t, st, Station{}, Options{})
	connect(t, s)

	payload := func(seq uint32) ([]byte, error) {
		return lock.Calibrate(seq), nil
	}

	drws := st.DRWs()

	err := s.SendLockCommand(LockCommand{Family: CmdLockAdvanced, Command: lock.CmdCalibrate, Payload: payload})
	require.ErrorIs(t, err, ErrEncryptionKeyMissing)

	// key is bound to a sequence number that was consumed
	key, err := crypto.NewLockKey()
	require.NoError(t, err)
	require.NoError(t, s.SetLockAESKey(CmdLockAdvanced, key))
	_, err = s.IncLockSequenceNumber()
	require.NoError(t, err)

	err = s.SendLockCommand(LockCommand{Family: CmdLockAdvanced, Command: lock.CmdCalibrate, Payload: payload})
	require.ErrorIs(t, err, ErrEncryptionKeyMissing)

	// basic family without admin id
	err = s.SendLockCommand(LockCommand{Family: CmdLockBasic, Command: lock.CmdCalibrate, Payload: payload})
	require.ErrorIs(t, err, ErrEncryptionKeyMissing)

	err = s.SendLockCommand(LockCommand{Family: 1010, Payload: payload})
	require.ErrorIs(t, err, ErrUnsupportedOperation)
	require.ErrorIs(t, s.SetLockAESKey(CmdLockBasic, key), ErrUnsupportedOperation)

	time.Sleep(100 * time.Millisecond)
	require.Equal(t, drws, st.DRWs()) // nothing was sent
	require.Zero(t, s.Stats().InFlight)
}

func TestSessionLockSequence(t *testing.T) {
	st := newTestStation(t, nil)

	bases := []uint32{1000, 2000}
	s := newTestSession(t, st, Station{}, Options{
		LockSequenceBase: func() uint32 {
			base := bases[0]
			bases = bases[1:]
			return base
		},
	})
	connect(t, s)

	seq, err := s.IncLockSequenceNumber()
	require.NoError(t, err)
	require.Equal(t, uint32(1000), seq)
	seq, _ = s.IncLockSequenceNumber()
	require.Equal(t, uint32(1001), seq)

	require.NoError(t, s.Close())
	connect(t, s)

	seq, _ = s.IncLockSequenceNumber()
	require.Equal(t, uint32(2000), seq)
}

func TestSessionLockAddUser(t *testing.T) {
	key, err := crypto.NewLockKey()
	require.NoError(t, err)
	iv := crypto.LockVector(testSN)

	results := make(chan *cs2.Message, 1)

	// lock answers the command, then sends the lock result sealed with the same key
	st := newTestStation(t, func(st *cs2test.Station, msg *cs2.Message) {
		if msg.Command != CmdLockAdvanced {
			return
		}
		f, plain, err := lock.Open(msg.Payload, key, iv)
		if err != nil || f.Command != lock.CmdAddUser {
			return
		}

		reply(st, msg, 0, nil)

		res := &lock.Result{Seq: binary.LittleEndian.Uint32(plain), Code: lock.CodeSuccess}
		b, err := lock.Seal(f.Command, res.Marshal(), key, iv, nil)
		if err != nil {
			return
		}
		notify := &cs2.Message{Command: CmdNotifyLockResult, Channel: msg.Channel, Payload: b}
		_ = st.Send(cs2.ChannelControl, notify)
		results <- notify
	})

	s := newTestSession(t, st, Station{AdminID: "admin"}, Options{
		LockSequenceBase: func() uint32 { return 5000 },
	})
	connect(t, s)

	require.NoError(t, s.SetLockAESKey(CmdLockAdvanced, key))

	user := &lock.User{
		ShortID:    "0001",
		Name:       "Guest",
		Passcode:   "13579753",
		Permission: lock.PermissionNormal,
		Schedule:   lock.Always,
	}
	require.NoError(t, s.SendLockCommand(LockCommand{
		Family:  CmdLockAdvanced,
		Channel: 1,
		Command: lock.CmdAddUser,
		Payload: func(seq uint32) ([]byte, error) {
			return lock.AddUser(seq, user)
		},
		Token: "add",
	}))

	ev := waitEvent[CommandResultEvent](t, s)
	require.Equal(t, "add", ev.Token)
	require.Equal(t, StatusSuccess, ev.Status)

	sev := waitEvent[SecondaryCommandResultEvent](t, s)
	require.Equal(t, "add", sev.Token)
	require.Equal(t, StatusSuccess, sev.Status)
	require.Equal(t, uint32(5000), sev.Lock.Seq)
	require.Zero(t, s.Stats().InFlight)

	// replayed lock result is ignored
	notify := <-results
	require.NoError(t, st.Send(cs2.ChannelControl, notify))
	noEvent[SecondaryCommandResultEvent](t, s, 200*time.Millisecond)

	// the key was used once
	err = s.SendLockCommand(LockCommand{Family: CmdLockAdvanced, Command: lock.CmdAddUser, Payload: func(seq uint32) ([]byte, error) {
		return lock.AddUser(seq, user)
	}})
	require.ErrorIs(t, err, ErrEncryptionKeyMissing)
}

func TestSessionNotifications(t *testing.T) {
	st := newTestStation(t, nil)
	s := newTestSession(t, st, Station{}, Options{})
	connect(t, s)

	send := func(cmd uint16, payload []byte) {
		require.NoError(t, st.Send(cs2.ChannelControl, &cs2.Message{Command: cmd, Channel: 1, Payload: payload}))
	}

	send(CmdNotifySecurity, intPayload(int32(SecurityJammed)))
	sec := waitEvent[SecurityEvent](t, s)
	require.Equal(t, SecurityJammed, sec.Kind)
	require.Equal(t, byte(1), sec.Channel)

	send(CmdNotifyRuntimeState, []byte{1}) // malformed, dropped
	send(CmdNotifyWifiRSSI, intPayload(-60))
	rssi := waitEvent[WifiRSSIEvent](t, s)
	require.Equal(t, int32(-60), rssi.RSSI)

	send(CmdNotifyChargingState, append(intPayload(1), intPayload(87)...))
	charging := waitEvent[ChargingStateEvent](t, s)
	require.Equal(t, uint32(87), charging.Battery)

	send(CmdNotifyAlarm, append(intPayload(3), intPayload(1700000000)...))
	alarm := waitEvent[AlarmEvent](t, s)
	require.Equal(t, uint32(3), alarm.Type)
	require.Equal(t, int64(1700000000), alarm.Time.Unix())

	send(CmdNotifyDatabase, []byte(`{"data":[]}`))
	db := waitEvent[DatabaseQueryEvent](t, s)
	require.JSONEq(t, `{"data":[]}`, string(db.Data))

	send(CmdNotifyParameter, append(intPayload(1101), "on"...))
	param := waitEvent[ParameterEvent](t, s)
	require.Equal(t, uint32(1101), param.Type)
	require.Equal(t, []byte("on"), param.Value)

	require.True(t, s.IsConnected())
}

func TestSessionCloseCancels(t *testing.T) {
	st := newTestStation(t, nil)
	s := newTestSession(t, st, Station{}, Options{})
	connect(t, s)

	require.NoError(t, s.SendCommandWithInt(1010, 0, 1, "pending"))
	require.NoError(t, s.Close())

	ev := waitEvent[CommandResultEvent](t, s)
	require.Equal(t, "pending", ev.Token)
	require.Equal(t, StatusCancelled, ev.Status)
	require.ErrorIs(t, ev.Err, ErrCommandCancelled)
	require.True(t, ev.Retryable())

	waitEvent[CloseEvent](t, s)
	require.Zero(t, s.Stats().InFlight)
}
