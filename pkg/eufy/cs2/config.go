package cs2

import (
	"time"

	"github.com/rs/zerolog"
)

// Path selects how Dial reaches the station.
type Path string

const (
	PathQuickest Path = "quickest" // all probes at once, first handshake wins
	PathLocal    Path = "local"
	PathRelay    Path = "relay"
	PathDirect   Path = "direct"
)

func ParsePath(s string) (Path, bool) {
	switch p := Path(s); p {
	case PathQuickest, PathLocal, PathRelay, PathDirect:
		return p, true
	case "":
		return PathQuickest, true
	}
	return "", false
}

type Config struct {
	DID    string
	DSKKey string

	Path        Path
	LocalHosts  []string // unicast LAN probe targets, host or host:port
	NoBroadcast bool     // skip subnet broadcast in the local probe
	Rendezvous  []string // relay lookup servers, host:port
	DirectAddr  string   // previously known station address, host:port

	HandshakeTimeout  time.Duration
	ProbeInterval     time.Duration
	KeepaliveInterval time.Duration
	KeepaliveMisses   int
	ResendInterval    time.Duration
	MaxResend         int
	ReorderWindow     int
	StaleAfter        time.Duration
	MaxFragment       int

	Log zerolog.Logger
}

// Defaults for the intervals come from observed station behaviour, not from a document.
const (
	DefaultHandshakeTimeout  = 10 * time.Second
	DefaultProbeInterval     = 500 * time.Millisecond
	DefaultKeepaliveInterval = 5 * time.Second
	DefaultKeepaliveMisses   = 3
	DefaultResendInterval    = 500 * time.Millisecond
	DefaultMaxResend         = 5
	DefaultReorderWindow     = 128
	DefaultStaleAfter        = 10 * time.Second
	DefaultMaxFragment       = 1024
)

func (c *Config) setDefaults() {
	if c.Path == "" {
		c.Path = PathQuickest
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = DefaultProbeInterval
	}
	if c.KeepaliveInterval <= 0 {
		c.KeepaliveInterval = DefaultKeepaliveInterval
	}
	if c.KeepaliveMisses <= 0 {
		c.KeepaliveMisses = DefaultKeepaliveMisses
	}
	if c.ResendInterval <= 0 {
		c.ResendInterval = DefaultResendInterval
	}
	if c.MaxResend <= 0 {
		c.MaxResend = DefaultMaxResend
	}
	if c.ReorderWindow <= 0 {
		c.ReorderWindow = DefaultReorderWindow
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = DefaultStaleAfter
	}
	if c.MaxFragment <= 0 || c.MaxFragment > 1400 {
		c.MaxFragment = DefaultMaxFragment
	}
}
