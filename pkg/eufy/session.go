package eufy

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/AlexxIT/go2eufy/pkg/eufy/crypto"
	"github.com/AlexxIT/go2eufy/pkg/eufy/cs2"
	"github.com/AlexxIT/go2eufy/pkg/eufy/lock"
	"github.com/rs/zerolog"
)

type Options struct {
	Path        cs2.Path
	Rendezvous  []string
	NoBroadcast bool

	HandshakeTimeout  time.Duration
	KeepaliveInterval time.Duration
	KeepaliveMisses   int
	ResendInterval    time.Duration
	MaxResend         int
	ReorderWindow     int
	StaleAfter        time.Duration
	MaxFragment       int

	CommandTimeout      time.Duration
	StreamReorderWindow int
	StreamIdleTimeout   time.Duration
	StreamBuffer        int // frames of one media type waiting for the reader
	EventBuffer         int

	// Backoff zero value means DefaultBackoff.
	Backoff Backoff

	// LockSequenceBase returns the first lock sequence of a new connection.
	// Default is unix time in seconds.
	LockSequenceBase func() uint32

	Log zerolog.Logger
}

const (
	DefaultCommandTimeout      = 15 * time.Second
	DefaultStreamReorderWindow = 32
	DefaultStreamIdleTimeout   = 30 * time.Second
	DefaultStreamBuffer        = 100
	DefaultEventBuffer         = 256
)

func (o *Options) setDefaults() {
	if o.CommandTimeout <= 0 {
		o.CommandTimeout = DefaultCommandTimeout
	}
	if o.StreamReorderWindow <= 0 {
		o.StreamReorderWindow = DefaultStreamReorderWindow
	}
	if o.StreamIdleTimeout <= 0 {
		o.StreamIdleTimeout = DefaultStreamIdleTimeout
	}
	if o.StreamBuffer <= 0 {
		o.StreamBuffer = DefaultStreamBuffer
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = DefaultEventBuffer
	}
	if o.Backoff.Base <= 0 {
		o.Backoff = DefaultBackoff()
	}
	if o.LockSequenceBase == nil {
		o.LockSequenceBase = func() uint32 {
			return uint32(time.Now().Unix())
		}
	}
}

// Session is the P2P session with one station. It owns the transport, the in-flight
// commands, the keys, the sequence counters and the open streams.
type Session struct {
	opts   Options
	log    zerolog.Logger
	events chan Event

	queueMu  sync.Mutex
	queue    []Event // waits for a free place in events
	flushing bool

	mu        sync.Mutex
	station   Station
	path      cs2.Path
	state     State
	conn      *cs2.Conn
	gen       uint64 // changes on every connect, disconnect and close
	cancel    context.CancelFunc
	reconnect *time.Timer
	backoff   Backoff

	guard Guard
	keys  KeyManager
	disp  *dispatcher

	starting map[byte]*pendingStream
	streams  map[byte]*Stream
	rtsp     map[byte]bool
	talkback map[byte]*talkback
}

type talkback struct {
	seq     uint32
	started bool
}

func NewSession(station Station, opts Options) *Session {
	opts.setDefaults()

	s := &Session{
		opts:     opts,
		log:      opts.Log,
		events:   make(chan Event, opts.EventBuffer),
		station:  station,
		path:     opts.Path,
		backoff:  opts.Backoff,
		starting: map[byte]*pendingStream{},
		streams:  map[byte]*Stream{},
		rtsp:     map[byte]bool{},
		talkback: map[byte]*talkback{},
	}
	if s.path == "" {
		s.path = cs2.PathQuickest
	}
	s.disp = newDispatcher(&s.mu, opts.CommandTimeout, s.emit, s.log)
	return s
}

// Events is never closed. Events keep their order. When the reader is slow, command
// results and connection, stream and talkback events wait in an unbounded queue, and
// station notifications over EventBuffer are dropped with a warning.
func (s *Session) Events() <-chan Event {
	return s.events
}

func (s *Session) emit(ev Event) {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()

	if !s.flushing {
		select {
		case s.events <- ev:
			return
		default:
		}
	}

	if droppable(ev) && len(s.queue) >= s.opts.EventBuffer {
		s.log.Warn().Str("event", EventName(ev)).Msg("[eufy] event queue is full")
		return
	}

	s.queue = append(s.queue, ev)
	if !s.flushing {
		s.flushing = true
		go s.flush()
	}
}

func (s *Session) flush() {
	for {
		s.queueMu.Lock()
		if len(s.queue) == 0 {
			s.queue = nil
			s.flushing = false
			s.queueMu.Unlock()
			return
		}
		ev := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.queueMu.Unlock()

		s.events <- ev
	}
}

// droppable events are periodic station notifications, the next one repeats the state
func droppable(ev Event) bool {
	switch ev.(type) {
	case ParameterEvent, RuntimeStateEvent, ChargingStateEvent, DatabaseQueryEvent,
		StorageEvent, WifiRSSIEvent, ReconnectEvent:
		return true
	}
	return false
}

// Connect blocks until the handshake completes or every probe fails.
// A handshake timeout schedules a reconnect.
func (s *Session) Connect(ctx context.Context) error {
	return s.connect(ctx, 0, false)
}

func (s *Session) connect(ctx context.Context, fromGen uint64, auto bool) error {
	s.mu.Lock()
	if auto && s.gen != fromGen {
		s.mu.Unlock()
		return nil
	}
	if s.state != StateDisconnected {
		s.mu.Unlock()
		return nil
	}

	s.stopReconnect()
	s.state = StateConnecting
	s.gen++
	gen := s.gen
	station := s.station
	cfg := s.config()

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	defer cancel()

	// fresh stream key pair and lock bindings for every connection
	if err := s.keys.reset(&station); err != nil {
		s.mu.Lock()
		if gen == s.gen {
			s.state = StateDisconnected
			s.emit(CloseEvent{Err: err})
		}
		s.mu.Unlock()
		return err
	}

	s.log.Debug().Str("did", station.P2PDID).Str("path", string(cfg.Path)).Msg("[eufy] connect")

	conn, err := cs2.Dial(ctx, cfg, func(msg *cs2.Message) {
		s.handle(gen, msg)
	})

	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.gen {
		// closed while dialing
		if conn != nil {
			go conn.Close()
		}
		return ErrTransportClosed
	}

	s.cancel = nil

	if err != nil {
		s.state = StateDisconnected
		timeout := errors.Is(err, cs2.ErrTimeout) || errors.Is(err, context.DeadlineExceeded)
		if timeout {
			err = fmt.Errorf("%w: %w", ErrTransportTimeout, err)
			s.emit(TimeoutEvent{Err: err})
		} else {
			s.log.Debug().Err(err).Msg("[eufy] connect")
			s.emit(CloseEvent{Err: err})
		}
		if timeout || auto {
			s.scheduleReconnect()
		}
		return err
	}

	s.guard.Reset(s.opts.LockSequenceBase())
	s.conn = conn
	s.state = StateConnected
	s.backoff.Reset()

	s.log.Info().Str("addr", conn.RemoteAddr().String()).Str("path", string(conn.Path())).Msg("[eufy] connected")
	s.emit(ConnectEvent{Addr: conn.RemoteAddr(), Path: conn.Path()})

	go s.watch(gen, conn)
	return nil
}

func (s *Session) config() cs2.Config {
	cfg := cs2.Config{
		DID:               s.station.P2PDID,
		DSKKey:            s.station.DSKKey,
		Path:              s.path,
		NoBroadcast:       s.opts.NoBroadcast,
		Rendezvous:        s.opts.Rendezvous,
		DirectAddr:        s.station.DirectAddr,
		HandshakeTimeout:  s.opts.HandshakeTimeout,
		KeepaliveInterval: s.opts.KeepaliveInterval,
		KeepaliveMisses:   s.opts.KeepaliveMisses,
		ResendInterval:    s.opts.ResendInterval,
		MaxResend:         s.opts.MaxResend,
		ReorderWindow:     s.opts.ReorderWindow,
		StaleAfter:        s.opts.StaleAfter,
		MaxFragment:       s.opts.MaxFragment,
		Log:               s.log,
	}
	if s.station.LocalIP != "" {
		cfg.LocalHosts = []string{s.station.LocalIP}
	}
	return cfg
}

func (s *Session) watch(gen uint64, conn *cs2.Conn) {
	<-conn.Done()
	err := conn.Err()

	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.gen {
		return
	}

	s.gen++
	s.conn = nil
	s.state = StateDisconnected
	s.teardown(StatusTransport, ErrTransportClosed)

	if errors.Is(err, cs2.ErrTimeout) {
		s.log.Warn().Err(err).Msg("[eufy] station timeout")
		s.emit(TimeoutEvent{Err: fmt.Errorf("%w: %w", ErrTransportTimeout, err)})
	} else {
		s.log.Debug().Err(err).Msg("[eufy] disconnected")
		s.emit(CloseEvent{Err: err})
	}

	s.scheduleReconnect()
}

// scheduleReconnect must be called with the mutex and a disconnected state.
func (s *Session) scheduleReconnect() {
	if s.station.EnergySaving {
		return
	}

	delay, attempt := s.backoff.Next()
	gen := s.gen

	s.log.Debug().Dur("delay", delay).Int("attempt", attempt).Msg("[eufy] schedule reconnect")
	s.emit(ReconnectEvent{Delay: delay, Attempt: attempt})

	s.reconnect = time.AfterFunc(delay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*s.handshakeTimeout())
		defer cancel()
		if err := s.connect(ctx, gen, true); err != nil {
			s.log.Debug().Err(err).Msg("[eufy] reconnect")
		}
	})
}

func (s *Session) handshakeTimeout() time.Duration {
	if s.opts.HandshakeTimeout > 0 {
		return s.opts.HandshakeTimeout
	}
	return cs2.DefaultHandshakeTimeout
}

func (s *Session) stopReconnect() {
	if s.reconnect != nil {
		s.reconnect.Stop()
		s.reconnect = nil
	}
}

// Close cancels every in-flight command, stops every stream and the reconnect timer.
// It never schedules a reconnect and is safe to call many times.
func (s *Session) Close() error {
	s.mu.Lock()

	s.gen++
	s.stopReconnect()
	s.backoff.Reset()

	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}

	conn := s.conn
	s.conn = nil

	wasOpen := s.state != StateDisconnected
	s.state = StateDisconnected

	s.teardown(StatusCancelled, ErrCommandCancelled)

	if wasOpen {
		s.emit(CloseEvent{})
	}

	s.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	return nil
}

// fatal terminates the session without reconnect.
func (s *Session) fatal(err error) {
	s.log.Error().Err(err).Msg("[eufy] session terminated")

	conn := s.conn
	s.conn = nil
	s.gen++
	s.state = StateDisconnected
	s.teardown(StatusTransport, err)
	s.emit(CloseEvent{Err: err})

	if conn != nil {
		go conn.Close()
	}
}

func (s *Session) teardown(status Status, err error) {
	s.disp.cancelAll(status, err)

	for _, st := range s.streams {
		s.stopStream(st, err)
	}
	for ch := range s.starting {
		s.clearStarting(ch)
	}

	for ch := range s.rtsp {
		s.emit(StreamStopEvent{Kind: StreamRTSP, Channel: ch, Err: err})
	}
	clear(s.rtsp)

	for ch := range s.talkback {
		s.emit(TalkbackStopEvent{Channel: ch, Err: err})
	}
	clear(s.talkback)
}

func (s *Session) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateConnected
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SetConnectionType applies to the next connect.
func (s *Session) SetConnectionType(path cs2.Path) error {
	p, ok := cs2.ParsePath(string(path))
	if !ok {
		return fmt.Errorf("eufy: wrong connection type %q", path)
	}
	s.mu.Lock()
	s.path = p
	s.mu.Unlock()
	return nil
}

func (s *Session) IsEnergySavingDevice() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.station.EnergySaving
}

// UpdateRawStation replaces station metadata. Addresses and keys apply to the next connect.
func (s *Session) UpdateRawStation(station Station) {
	s.mu.Lock()
	s.station = station
	s.mu.Unlock()
}

func (s *Session) Station() Station {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.station
}

// IncLockSequenceNumber consumes one lock sequence number.
func (s *Session) IncLockSequenceNumber() (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seq, err := s.guard.NextLock()
	if err != nil && s.conn != nil {
		s.fatal(err)
	}
	return seq, err
}

// SetLockAESKey binds key to the next lock sequence number of the family.
func (s *Session) SetLockAESKey(family uint16, key []byte) error {
	if family != CmdLockAdvanced {
		return fmt.Errorf("%w: family %d has a derived key", ErrUnsupportedOperation, family)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateConnected {
		return ErrTransportClosed
	}

	seq, ok := s.guard.PeekLock()
	if !ok {
		return ErrSequenceExhausted
	}
	return s.keys.Install(family, key, seq)
}

func (s *Session) RSAPrivateKey() *rsa.PrivateKey {
	return s.keys.RSA()
}

func (s *Session) DownloadRSAPrivateKey() (*rsa.PrivateKey, error) {
	return s.keys.DownloadRSA()
}

// SetDownloadRSAPrivateKeyPEM restores the key of an interrupted download.
func (s *Session) SetDownloadRSAPrivateKeyPEM(pem string) error {
	key, err := crypto.ParseRSAPEM(pem)
	if err != nil {
		return err
	}
	s.keys.SetDownloadRSA(key)
	return nil
}

func (s *Session) SendCommandWithInt(cmd uint16, channel byte, value int32, token any) error {
	return s.send(cmd, channel, intPayload(value), token, nil)
}

func (s *Session) SendCommandWithString(cmd uint16, channel byte, value string, token any) error {
	return s.send(cmd, channel, stringPayload(value), token, nil)
}

func (s *Session) SendCommandWithIntString(cmd uint16, channel byte, value int32, str string, token any) error {
	return s.send(cmd, channel, intStringPayload(value, str), token, nil)
}

// SendCommandWithStringPayload wraps payload into the JSON envelope of CmdSetPayload.
// The response is matched by CmdSetPayload and channel.
func (s *Session) SendCommandWithStringPayload(cmd uint16, channel byte, payload any, token any) error {
	s.mu.Lock()
	accountID := s.station.AdminID
	s.mu.Unlock()

	b, err := structPayload(accountID, cmd, channel, payload)
	if err != nil {
		return err
	}
	return s.send(CmdSetPayload, channel, b, token, nil)
}

func (s *Session) send(cmd uint16, channel byte, payload []byte, token any, done func(*Result)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := &inflight{key: inflightKey{cmd: cmd, channel: channel}, token: token, done: done}
	return s.sendLocked(e, payload, false)
}

func (s *Session) sendLocked(e *inflight, payload []byte, exclusive bool) error {
	if s.state != StateConnected {
		return ErrTransportClosed
	}

	if exclusive && s.disp.busy(e.key) {
		return ErrCommandAlreadyPending
	}

	id, err := s.guard.NextSession()
	if err != nil {
		s.fatal(err)
		return err
	}
	e.id = id

	msg := &cs2.Message{Command: e.key.cmd, Channel: e.key.channel, Payload: payload}
	dataChannel := cs2.ChannelData

	if s.station.EncryptedCommands {
		b, err := crypto.EncryptCommand(s.keys.CommandKey(), payload)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrEncryptionKeyMissing, err)
		}
		msg.Payload = b
		msg.Encrypt = encryptLevel1
		dataChannel = cs2.ChannelBinary
	}

	if err = s.disp.register(e, exclusive); err != nil {
		return err
	}

	if err = s.conn.WriteMessage(dataChannel, msg); err != nil {
		s.disp.remove(e)
		return fmt.Errorf("%w: %w", ErrTransportClosed, err)
	}

	s.log.Trace().Uint32("id", id).Stringer("msg", msg).Msg("[eufy] send")
	return nil
}

// LockCommand is one command of the lock family. Payload gets the lock sequence
// number issued for this command and returns the plaintext body.
type LockCommand struct {
	Family  uint16 // CmdLockBasic or CmdLockAdvanced
	Channel byte
	Command uint16 // lock.Cmd...
	Payload func(seq uint32) ([]byte, error)
	Token   any
}

// SendLockCommand encrypts and sends a lock command. The first CommandResultEvent
// reports the station answer, the SecondaryCommandResultEvent reports the lock result.
// A second command for the same family and channel fails with ErrCommandAlreadyPending
// until the first one resolves.
func (s *Session) SendLockCommand(cmd LockCommand) error {
	if cmd.Family != CmdLockBasic && cmd.Family != CmdLockAdvanced {
		return fmt.Errorf("%w: lock family %d", ErrUnsupportedOperation, cmd.Family)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateConnected {
		return ErrTransportClosed
	}

	key := inflightKey{cmd: cmd.Family, channel: cmd.Channel}
	if s.disp.busy(key) {
		return ErrCommandAlreadyPending
	}

	next, ok := s.guard.PeekLock()
	if !ok {
		s.fatal(ErrSequenceExhausted)
		return ErrSequenceExhausted
	}

	aesKey, iv := s.keys.LockKey()

	var keyBlob []byte

	if cmd.Family == CmdLockAdvanced {
		var err error
		if aesKey, err = s.keys.Take(cmd.Family, next); err != nil {
			return err
		}
		if pub := s.station.LockPublicKey; len(pub) > 0 {
			if keyBlob, err = crypto.WrapLockKey(pub, aesKey); err != nil {
				return fmt.Errorf("%w: %w", ErrEncryptionKeyMissing, err)
			}
		}
	} else if aesKey == nil {
		return fmt.Errorf("%w: no admin id", ErrEncryptionKeyMissing)
	}

	seq, err := s.guard.NextLock()
	if err != nil {
		s.fatal(err)
		return err
	}

	plain, err := cmd.Payload(seq)
	if err != nil {
		return err
	}

	frame, err := lock.Seal(cmd.Command, plain, aesKey, iv, keyBlob)
	if err != nil {
		return err
	}

	e := &inflight{
		key:   key,
		token: cmd.Token,
		lock:  &lockExchange{seq: seq, command: cmd.Command, key: aesKey, iv: iv},
	}
	return s.sendLocked(e, frame, true)
}

func (s *Session) handle(gen uint64, msg *cs2.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.gen {
		return
	}

	s.log.Trace().Stringer("msg", msg).Msg("[eufy] recv")

	if msg.DataChannel == cs2.ChannelVideo {
		s.handleMedia(msg)
	} else {
		s.handleControl(msg)
	}
}

func (s *Session) malformed(msg *cs2.Message, err error) {
	s.log.Warn().Err(err).Stringer("msg", msg).Msg("[eufy] drop message")
}

func (s *Session) handleControl(msg *cs2.Message) {
	ch := msg.Channel
	payload := msg.Payload

	if msg.Encrypt == encryptLevel1 {
		b, err := crypto.DecryptCommand(s.keys.CommandKey(), payload)
		if err != nil {
			s.malformed(msg, err)
			if e := s.disp.first(inflightKey{cmd: msg.Command, channel: ch}); e != nil {
				s.disp.fail(e, StatusDecryption, fmt.Errorf("%w: %w", ErrDecryptionFailure, err))
			}
			return
		}
		payload = b
	}

	switch msg.Command {
	case CmdNotifyParameter:
		if len(payload) < 4 {
			s.malformed(msg, ErrMalformedPacket)
			return
		}
		s.emit(ParameterEvent{Channel: ch, Type: le32(payload), Value: bytes.Clone(payload[4:])})

	case CmdNotifyRuntimeState:
		if len(payload) < 4 {
			s.malformed(msg, ErrMalformedPacket)
			return
		}
		s.emit(RuntimeStateEvent{Channel: ch, State: le32(payload)})

	case CmdNotifyChargingState:
		if len(payload) < 8 {
			s.malformed(msg, ErrMalformedPacket)
			return
		}
		s.emit(ChargingStateEvent{Channel: ch, ChargeType: le32(payload), Battery: le32(payload[4:])})

	case CmdNotifyAlarm:
		if len(payload) < 8 {
			s.malformed(msg, ErrMalformedPacket)
			return
		}
		s.emit(AlarmEvent{Channel: ch, Type: le32(payload), Time: time.Unix(int64(le32(payload[4:])), 0)})

	case CmdNotifySecurity:
		if len(payload) < 4 {
			s.malformed(msg, ErrMalformedPacket)
			return
		}
		s.emit(SecurityEvent{Channel: ch, Kind: SecurityKind(le32(payload)), Data: bytes.Clone(payload[4:])})

	case CmdNotifyDatabase:
		s.emit(DatabaseQueryEvent{Channel: ch, Data: bytes.Clone(payload)})

	case CmdNotifyStorage:
		if len(payload) < 4 {
			s.malformed(msg, ErrMalformedPacket)
			return
		}
		s.emit(StorageEvent{Channel: ch, Status: le32(payload)})

	case CmdNotifyWifiRSSI:
		if len(payload) < 4 {
			s.malformed(msg, ErrMalformedPacket)
			return
		}
		s.emit(WifiRSSIEvent{Channel: ch, RSSI: int32(le32(payload))})

	case CmdNotifyTalkbackError:
		var code int32
		if len(payload) >= 4 {
			code = int32(le32(payload))
		}
		err := fmt.Errorf("eufy: talkback error %d", code)
		s.emit(TalkbackErrorEvent{Channel: ch, Code: code, Err: err})
		if _, ok := s.talkback[ch]; ok {
			delete(s.talkback, ch)
			s.emit(TalkbackStopEvent{Channel: ch, Err: err})
		}

	case CmdNotifyLockResult:
		s.handleLockResult(msg, payload)

	default:
		code, data, err := parseResponse(payload)
		if err != nil {
			s.malformed(msg, err)
			return
		}
		if !s.disp.resolve(inflightKey{cmd: msg.Command, channel: ch}, code, bytes.Clone(data)) {
			s.log.Debug().Stringer("msg", msg).Int32("code", code).Msg("[eufy] unmatched response")
		}
	}
}

func le32(b []byte) uint32 {
	return binary.LittleEndian.Uint32(b)
}

type Stats struct {
	State     State         `json:"state"`
	Addr      string        `json:"addr,omitempty"`
	Path      cs2.Path      `json:"path,omitempty"`
	InFlight  int           `json:"in_flight"`
	Streams   []StreamStats `json:"streams,omitempty"`
	RTSP      []int         `json:"rtsp,omitempty"`
	Talkback  []int         `json:"talkback,omitempty"`
	Transport *cs2.Stats    `json:"transport,omitempty"`
}

func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := Stats{State: s.state, Path: s.path, InFlight: s.disp.count()}

	if s.conn != nil {
		transport := s.conn.Stats()
		stats.Transport = &transport
		stats.Addr = s.conn.RemoteAddr().String()
		stats.Path = s.conn.Path()
	}

	for _, st := range s.streams {
		stats.Streams = append(stats.Streams, st.stats())
	}
	for ch := range s.rtsp {
		stats.RTSP = append(stats.RTSP, int(ch))
	}
	for ch, tb := range s.talkback {
		if tb.started {
			stats.Talkback = append(stats.Talkback, int(ch))
		}
	}
	return stats
}
