package eufy

import (
	"net"
	"time"

	"github.com/AlexxIT/go2eufy/pkg/eufy/cs2"
	"github.com/AlexxIT/go2eufy/pkg/eufy/lock"
)

// Event is one of the types below. The set is closed.
type Event interface {
	event()
}

type ConnectEvent struct {
	Addr net.Addr `json:"addr"`
	Path cs2.Path `json:"path"`
}

// CloseEvent has nil Err after an explicit Close.
type CloseEvent struct {
	Err error `json:"-"`
}

type TimeoutEvent struct {
	Err error `json:"-"`
}

type ReconnectEvent struct {
	Delay   time.Duration `json:"delay"`
	Attempt int           `json:"attempt"`
}

type CommandResultEvent struct {
	Result
}

// SecondaryCommandResultEvent is the lock result that follows a successful lock command.
type SecondaryCommandResultEvent struct {
	Result
	Lock *lock.Result `json:"-"`
}

type StreamStartEvent struct {
	Kind     StreamKind `json:"kind"`
	Channel  byte       `json:"channel"`
	Metadata Metadata   `json:"metadata"`
	Stream   *Stream    `json:"-"`
}

// StreamStopEvent has nil Err when the station or the caller stopped the stream.
type StreamStopEvent struct {
	Kind    StreamKind `json:"kind"`
	Channel byte       `json:"channel"`
	Err     error      `json:"-"`
}

type StreamErrorEvent struct {
	Kind    StreamKind `json:"kind"`
	Channel byte       `json:"channel"`
	Code    int32      `json:"code"`
	Err     error      `json:"-"`
}

type TalkbackStartEvent struct {
	Channel byte `json:"channel"`
}

type TalkbackStopEvent struct {
	Channel byte  `json:"channel"`
	Err     error `json:"-"`
}

type TalkbackErrorEvent struct {
	Channel byte  `json:"channel"`
	Code    int32 `json:"code"`
	Err     error `json:"-"`
}

type ParameterEvent struct {
	Channel byte   `json:"channel"`
	Type    uint32 `json:"type"`
	Value   []byte `json:"value"`
}

type RuntimeStateEvent struct {
	Channel byte   `json:"channel"`
	State   uint32 `json:"state"`
}

type ChargingStateEvent struct {
	Channel    byte   `json:"channel"`
	ChargeType uint32 `json:"charge_type"`
	Battery    uint32 `json:"battery"`
}

type AlarmEvent struct {
	Channel byte      `json:"channel"`
	Type    uint32    `json:"type"`
	Time    time.Time `json:"time"`
}

type SecurityEvent struct {
	Channel byte         `json:"channel"`
	Kind    SecurityKind `json:"kind"`
	Data    []byte       `json:"data"`
}

type DatabaseQueryEvent struct {
	Channel byte   `json:"channel"`
	Data    []byte `json:"data"` // JSON
}

type StorageEvent struct {
	Channel byte   `json:"channel"`
	Status  uint32 `json:"status"`
}

type WifiRSSIEvent struct {
	Channel byte  `json:"channel"`
	RSSI    int32 `json:"rssi"`
}

func (ConnectEvent) event()                {}
func (CloseEvent) event()                  {}
func (TimeoutEvent) event()                {}
func (ReconnectEvent) event()              {}
func (CommandResultEvent) event()          {}
func (SecondaryCommandResultEvent) event() {}
func (StreamStartEvent) event()            {}
func (StreamStopEvent) event()             {}
func (StreamErrorEvent) event()            {}
func (TalkbackStartEvent) event()          {}
func (TalkbackStopEvent) event()           {}
func (TalkbackErrorEvent) event()          {}
func (ParameterEvent) event()              {}
func (RuntimeStateEvent) event()           {}
func (ChargingStateEvent) event()          {}
func (AlarmEvent) event()                  {}
func (SecurityEvent) event()               {}
func (DatabaseQueryEvent) event()          {}
func (StorageEvent) event()                {}
func (WifiRSSIEvent) event()               {}

// EventName is a short name for logs and the websocket API.
func EventName(ev Event) string {
	switch ev.(type) {
	case ConnectEvent:
		return "connect"
	case CloseEvent:
		return "close"
	case TimeoutEvent:
		return "timeout"
	case ReconnectEvent:
		return "reconnect"
	case CommandResultEvent:
		return "command_result"
	case SecondaryCommandResultEvent:
		return "secondary_command_result"
	case StreamStartEvent:
		return "stream_start"
	case StreamStopEvent:
		return "stream_stop"
	case StreamErrorEvent:
		return "stream_error"
	case TalkbackStartEvent:
		return "talkback_start"
	case TalkbackStopEvent:
		return "talkback_stop"
	case TalkbackErrorEvent:
		return "talkback_error"
	case ParameterEvent:
		return "parameter"
	case RuntimeStateEvent:
		return "runtime_state"
	case ChargingStateEvent:
		return "charging_state"
	case AlarmEvent:
		return "alarm"
	case SecurityEvent:
		return "security"
	case DatabaseQueryEvent:
		return "database_query"
	case StorageEvent:
		return "storage"
	case WifiRSSIEvent:
		return "wifi_rssi"
	}
	return "unknown"
}
