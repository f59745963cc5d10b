package eufy

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/AlexxIT/go2eufy/internal/api"
	"github.com/AlexxIT/go2eufy/internal/api/ws"
	"github.com/AlexxIT/go2eufy/internal/app"
	"github.com/AlexxIT/go2eufy/pkg/eufy"
	"github.com/AlexxIT/go2eufy/pkg/eufy/crypto"
	"github.com/AlexxIT/go2eufy/pkg/eufy/cs2"
	"github.com/rs/zerolog"
)

type StationConfig struct {
	P2PDID            string `yaml:"p2p_did"`
	DSKKey            string `yaml:"dsk_key"`
	IP                string `yaml:"ip"`
	Direct            string `yaml:"direct"`
	EnergySaving      bool   `yaml:"energy_saving"`
	EncryptedCommands bool   `yaml:"encrypted_commands"`
	LockPublicKey     string `yaml:"lock_public_key"` // hex
	DownloadRSAKey    string `yaml:"download_rsa_key"`
}

type Config struct {
	AccountID         string                   `yaml:"account_id"`
	Connection        string                   `yaml:"connection"`
	Rendezvous        []string                 `yaml:"rendezvous"`
	NoBroadcast       bool                     `yaml:"no_broadcast"`
	HandshakeTimeout  time.Duration            `yaml:"handshake_timeout"`
	KeepaliveInterval time.Duration            `yaml:"keepalive_interval"`
	KeepaliveMisses   int                      `yaml:"keepalive_misses"`
	CommandTimeout    time.Duration            `yaml:"command_timeout"`
	StreamIdleTimeout time.Duration            `yaml:"stream_idle_timeout"`
	StreamBuffer      int                      `yaml:"stream_buffer"`
	Stations          map[string]StationConfig `yaml:"stations"`
}

func Init() {
	var cfg struct {
		Mod Config `yaml:"eufy"`
	}

	app.LoadConfig(&cfg)

	log = app.GetLogger("eufy")

	for serial, st := range cfg.Mod.Stations {
		d, err := newDevice(serial, &cfg.Mod, &st)
		if err != nil {
			log.Error().Err(err).Str("serial", serial).Msg("[eufy] station config")
			continue
		}
		addDevice(d)

		if !st.EnergySaving {
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
				defer cancel()
				if err := d.connect(ctx); err != nil {
					d.log.Warn().Err(err).Msg("[eufy] connect")
				}
			}()
		}
	}

	api.HandleFunc("api/eufy", apiEufy)
	api.HandleFunc("api/eufy/command", apiCommand)
	api.HandleFunc("api/eufy/stream", apiStream)

	ws.HandleFunc("eufy", wsEvents)
	ws.HandleFunc("eufy_command", wsCommand)
}

const connectTimeout = 30 * time.Second

var log = zerolog.Nop()

var (
	devices   = map[string]*device{}
	devicesMu sync.Mutex
)

func addDevice(d *device) {
	devicesMu.Lock()
	devices[d.serial] = d
	devicesMu.Unlock()
}

func getDevice(serial string) (*device, error) {
	devicesMu.Lock()
	defer devicesMu.Unlock()
	if d := devices[serial]; d != nil {
		return d, nil
	}
	return nil, fmt.Errorf("eufy: %w: %s", errUnknownStation, serial)
}

func listDevices() []*device {
	devicesMu.Lock()
	items := make([]*device, 0, len(devices))
	for _, d := range devices {
		items = append(items, d)
	}
	devicesMu.Unlock()

	sort.Slice(items, func(i, j int) bool {
		return items[i].serial < items[j].serial
	})
	return items
}

var errUnknownStation = errors.New("unknown station")

// device binds one session to the API: it pumps session events to waiting
// requests and to websocket subscribers.
type device struct {
	serial  string
	session *eufy.Session
	log     zerolog.Logger

	mu       sync.Mutex
	waiters  map[*waiter]struct{}
	keySaved bool

	// advanced lock key and command must go out back to back
	lockMu sync.Mutex

	done chan struct{}
}

func newDevice(serial string, cfg *Config, st *StationConfig) (*device, error) {
	if st.P2PDID == "" {
		return nil, errors.New("eufy: p2p_did required")
	}

	path := cs2.PathQuickest
	if cfg.Connection != "" {
		var ok bool
		if path, ok = cs2.ParsePath(cfg.Connection); !ok {
			return nil, fmt.Errorf("eufy: wrong connection type: %s", cfg.Connection)
		}
	}

	station := eufy.Station{
		SerialNumber:      serial,
		P2PDID:            st.P2PDID,
		DSKKey:            st.DSKKey,
		AdminID:           cfg.AccountID,
		LocalIP:           st.IP,
		DirectAddr:        st.Direct,
		EnergySaving:      st.EnergySaving,
		EncryptedCommands: st.EncryptedCommands,
	}

	if st.LockPublicKey != "" {
		b, err := hex.DecodeString(st.LockPublicKey)
		if err != nil {
			return nil, fmt.Errorf("eufy: lock_public_key: %w", err)
		}
		station.LockPublicKey = b
	}

	l := log.With().Str("serial", serial).Logger()

	s := eufy.NewSession(station, eufy.Options{
		Path:              path,
		Rendezvous:        cfg.Rendezvous,
		NoBroadcast:       cfg.NoBroadcast,
		HandshakeTimeout:  cfg.HandshakeTimeout,
		KeepaliveInterval: cfg.KeepaliveInterval,
		KeepaliveMisses:   cfg.KeepaliveMisses,
		CommandTimeout:    cfg.CommandTimeout,
		StreamIdleTimeout: cfg.StreamIdleTimeout,
		StreamBuffer:      cfg.StreamBuffer,
		Log:               l,
	})

	if st.DownloadRSAKey != "" {
		if err := s.SetDownloadRSAPrivateKeyPEM(st.DownloadRSAKey); err != nil {
			return nil, fmt.Errorf("eufy: download_rsa_key: %w", err)
		}
	}

	d := &device{
		serial:   serial,
		session:  s,
		log:      l,
		waiters:  map[*waiter]struct{}{},
		keySaved: st.DownloadRSAKey != "",
		done:     make(chan struct{}),
	}
	go d.pump()
	return d, nil
}

func (d *device) close() {
	_ = d.session.Close()
	close(d.done)
}

func (d *device) pump() {
	for {
		select {
		case ev := <-d.session.Events():
			d.dispatch(ev)
		case <-d.done:
			return
		}
	}
}

func (d *device) dispatch(ev eufy.Event) {
	d.log.Trace().Str("event", eufy.EventName(ev)).Msg("[eufy] event")

	d.mu.Lock()
	for w := range d.waiters {
		if w.match(ev) {
			select {
			case w.ch <- ev:
			default:
				d.log.Warn().Str("event", eufy.EventName(ev)).Msg("[eufy] waiter is full")
			}
		}
	}
	d.mu.Unlock()

	publish(d.serial, ev)
}

// connect returns when the session is connected. A dial started by somebody
// else is awaited.
func (d *device) connect(ctx context.Context) error {
	w := d.wait(func(ev eufy.Event) bool {
		switch ev.(type) {
		case eufy.ConnectEvent, eufy.TimeoutEvent, eufy.CloseEvent, eufy.ReconnectEvent:
			return true
		}
		return false
	})
	defer d.unwait(w)

	if err := d.session.Connect(ctx); err != nil {
		return err
	}

	for !d.session.IsConnected() {
		ev, err := w.next(ctx)
		if err != nil {
			return err
		}
		switch ev := ev.(type) {
		case eufy.TimeoutEvent:
			return ev.Err
		case eufy.CloseEvent:
			if ev.Err != nil {
				return ev.Err
			}
			return eufy.ErrTransportClosed
		case eufy.ReconnectEvent:
			return fmt.Errorf("%w: reconnect in %s", eufy.ErrTransportClosed, ev.Delay)
		}
	}
	return nil
}

// saveDownloadKey stores the download key in the config so an interrupted
// download survives a restart
func (d *device) saveDownloadKey() {
	d.mu.Lock()
	saved := d.keySaved
	d.keySaved = true
	d.mu.Unlock()

	if saved {
		return
	}

	key, err := d.session.DownloadRSAPrivateKey()
	if err != nil {
		d.log.Warn().Err(err).Msg("[eufy] download key")
		return
	}

	path := []string{"eufy", "stations", d.serial, "download_rsa_key"}
	if err = app.PatchConfig(path, crypto.MarshalRSAPEM(key)); err != nil {
		d.log.Debug().Err(err).Msg("[eufy] save download key")
	}
}

type waiter struct {
	match func(ev eufy.Event) bool
	ch    chan eufy.Event
}

func (d *device) wait(match func(ev eufy.Event) bool) *waiter {
	w := &waiter{match: match, ch: make(chan eufy.Event, 8)}
	d.mu.Lock()
	d.waiters[w] = struct{}{}
	d.mu.Unlock()
	return w
}

func (d *device) unwait(w *waiter) {
	d.mu.Lock()
	delete(d.waiters, w)
	d.mu.Unlock()
}

func (w *waiter) next(ctx context.Context) (eufy.Event, error) {
	select {
	case ev := <-w.ch:
		return ev, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type deviceInfo struct {
	Serial       string     `json:"serial"`
	P2PDID       string     `json:"p2p_did"`
	EnergySaving bool       `json:"energy_saving"`
	Stats        eufy.Stats `json:"stats"`
}

func (d *device) info() *deviceInfo {
	station := d.session.Station()
	return &deviceInfo{
		Serial:       d.serial,
		P2PDID:       station.P2PDID,
		EnergySaving: station.EnergySaving,
		Stats:        d.session.Stats(),
	}
}
