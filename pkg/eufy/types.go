package eufy

import "fmt"

// Station commands
const (
	CmdStartLivestream uint16 = 1003
	CmdStopLivestream  uint16 = 1004
	CmdStartTalkback   uint16 = 1005
	CmdStopTalkback    uint16 = 1006
	CmdStartDownload   uint16 = 1024
	CmdCancelDownload  uint16 = 1025
	CmdStartRTSP       uint16 = 1145
	CmdStopRTSP        uint16 = 1146
	CmdSetPayload      uint16 = 1700

	// lock family, payload is a lock frame
	CmdLockBasic    uint16 = 1940
	CmdLockAdvanced uint16 = 1950
)

// Station notifications
const (
	CmdNotifyParameter     uint16 = 1350
	CmdNotifyRuntimeState  uint16 = 1351
	CmdNotifyChargingState uint16 = 1352
	CmdNotifyAlarm         uint16 = 1353
	CmdNotifySecurity      uint16 = 1354
	CmdNotifyDatabase      uint16 = 1355
	CmdNotifyStorage       uint16 = 1356
	CmdNotifyWifiRSSI      uint16 = 1357
	CmdNotifyTalkbackError uint16 = 1358
	CmdNotifyLockResult    uint16 = 1960
)

// Media on the VIDEO channel
const (
	CmdVideoFrame    uint16 = 1300
	CmdAudioFrame    uint16 = 1301
	CmdTalkbackFrame uint16 = 1302
	CmdStreamStopped uint16 = 1303
	CmdStreamError   uint16 = 1304
)

// Return codes of a command response
const (
	ReturnSuccess     int32 = 0
	ReturnUnsupported int32 = -2
)

const encryptLevel1 = 1

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	for i := StateDisconnected; i <= StateConnected; i++ {
		if i.String() == string(b) {
			*s = i
			return nil
		}
	}
	return fmt.Errorf("eufy: unknown state %q", b)
}

type StreamKind int

const (
	StreamLivestream StreamKind = iota
	StreamDownload
	StreamRTSP
)

func (k StreamKind) String() string {
	switch k {
	case StreamLivestream:
		return "livestream"
	case StreamDownload:
		return "download"
	case StreamRTSP:
		return "rtsp"
	}
	return fmt.Sprintf("stream(%d)", int(k))
}

func (k StreamKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *StreamKind) UnmarshalText(b []byte) error {
	for i := StreamLivestream; i <= StreamRTSP; i++ {
		if i.String() == string(b) {
			*k = i
			return nil
		}
	}
	return fmt.Errorf("eufy: unknown stream kind %q", b)
}

type SecurityKind uint32

const (
	SecurityShake      SecurityKind = 1
	Security911        SecurityKind = 2
	SecurityJammed     SecurityKind = 3
	SecurityLowBattery SecurityKind = 4
	SecurityWrongTry   SecurityKind = 5
)

func (k SecurityKind) String() string {
	switch k {
	case SecurityShake:
		return "shake"
	case Security911:
		return "911"
	case SecurityJammed:
		return "jammed"
	case SecurityLowBattery:
		return "low_battery"
	case SecurityWrongTry:
		return "wrong_try"
	}
	return fmt.Sprintf("security(%d)", uint32(k))
}

func (k SecurityKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *SecurityKind) UnmarshalText(b []byte) error {
	for i := SecurityShake; i <= SecurityWrongTry; i++ {
		if i.String() == string(b) {
			*k = i
			return nil
		}
	}
	return fmt.Errorf("eufy: unknown security kind %q", b)
}
