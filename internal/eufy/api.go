package eufy

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/AlexxIT/go2eufy/internal/api"
	"github.com/AlexxIT/go2eufy/internal/api/ws"
	"github.com/AlexxIT/go2eufy/pkg/eufy"
	"github.com/AlexxIT/go2eufy/pkg/eufy/lock"
)

func apiEufy(w http.ResponseWriter, r *http.Request) {
	if r.Method != "GET" {
		http.Error(w, "", http.StatusMethodNotAllowed)
		return
	}

	if serial := r.URL.Query().Get("serial"); serial != "" {
		d, err := getDevice(serial)
		if err != nil {
			api.Error(w, err, statusCode(err))
			return
		}
		api.ResponseJSON(w, d.info())
		return
	}

	var items []*deviceInfo
	for _, d := range listDevices() {
		items = append(items, d.info())
	}
	api.ResponseJSON(w, items)
}

func apiCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != "POST" {
		http.Error(w, "", http.StatusMethodNotAllowed)
		return
	}

	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.Error(w, err, http.StatusBadRequest)
		return
	}

	res, err := execute(r.Context(), &req)
	if err != nil {
		api.Error(w, err, statusCode(err))
		return
	}

	api.ResponseJSON(w, res)
}

const streamStartTimeout = 20 * time.Second

// apiStream serves the raw elementary video of a livestream or, with the path
// param, of a recorded file.
func apiStream(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	d, err := getDevice(query.Get("serial"))
	if err != nil {
		api.Error(w, err, statusCode(err))
		return
	}

	n, err := strconv.ParseUint(query.Get("channel"), 10, 8)
	if err != nil && query.Get("channel") != "" {
		api.Error(w, err, http.StatusBadRequest)
		return
	}
	channel := byte(n)
	path := query.Get("path")

	ctx := r.Context()

	st, err := d.startStream(ctx, channel, path)
	if err != nil {
		api.Error(w, err, statusCode(err))
		return
	}

	defer func() {
		if path == "" {
			err = d.session.StopLivestream(channel, nil)
		} else {
			err = d.session.CancelDownload(channel, nil)
		}
		if err != nil {
			d.log.Debug().Err(err).Msg("[eufy] stop stream")
		}
	}()

	switch st.Metadata().VideoCodec {
	case eufy.CodecH265:
		w.Header().Set("Content-Type", "video/h265")
	default:
		w.Header().Set("Content-Type", "video/h264")
	}

	n64, err := io.Copy(&flushWriter{w: w}, st.VideoReader(ctx))
	d.log.Debug().Err(err).Int64("bytes", n64).Uint8("channel", channel).Msg("[eufy] stream end")
}

func (d *device) startStream(ctx context.Context, channel byte, path string) (*eufy.Stream, error) {
	ctx, cancel := context.WithTimeout(ctx, streamStartTimeout)
	defer cancel()

	if err := d.connect(ctx); err != nil {
		return nil, err
	}

	w := d.wait(func(ev eufy.Event) bool {
		switch ev := ev.(type) {
		case eufy.StreamStartEvent:
			return ev.Channel == channel && ev.Stream != nil
		case eufy.StreamErrorEvent:
			return ev.Channel == channel
		}
		return false
	})
	defer d.unwait(w)

	var err error
	if path == "" {
		err = d.session.StartLivestream(channel, nil)
	} else {
		err = d.startDownload(channel, path, nil)
	}
	if err != nil {
		return nil, err
	}

	ev, err := w.next(ctx)
	if err != nil {
		return nil, err
	}

	switch ev := ev.(type) {
	case eufy.StreamStartEvent:
		return ev.Stream, nil
	case eufy.StreamErrorEvent:
		if ev.Err != nil {
			return nil, ev.Err
		}
		return nil, errors.New("eufy: stream error")
	}
	return nil, errors.New("eufy: unexpected event")
}

type flushWriter struct {
	w http.ResponseWriter
}

func (f *flushWriter) Write(p []byte) (int, error) {
	n, err := f.w.Write(p)
	if fl, ok := f.w.(http.Flusher); ok {
		fl.Flush()
	}
	return n, err
}

func statusCode(err error) int {
	switch {
	case errors.Is(err, errUnknownStation):
		return http.StatusNotFound
	case errors.Is(err, errBadRequest), errors.Is(err, eufy.ErrUnsupportedOperation),
		errors.Is(err, lock.ErrValueTooLarge):
		return http.StatusBadRequest
	case errors.Is(err, eufy.ErrCommandAlreadyPending):
		return http.StatusConflict
	case errors.Is(err, eufy.ErrTransportTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

// EventMessage is pushed to websocket subscribers
type EventMessage struct {
	Serial string     `json:"serial"`
	Event  string     `json:"event"`
	Data   eufy.Event `json:"data"`
	Error  string     `json:"error,omitempty"`
}

func newEventMessage(serial string, ev eufy.Event) *EventMessage {
	msg := &EventMessage{Serial: serial, Event: eufy.EventName(ev), Data: ev}
	if err := eventError(ev); err != nil {
		msg.Error = err.Error()
	}
	return msg
}

func eventError(ev eufy.Event) error {
	switch ev := ev.(type) {
	case eufy.CloseEvent:
		return ev.Err
	case eufy.TimeoutEvent:
		return ev.Err
	case eufy.CommandResultEvent:
		return ev.Err
	case eufy.SecondaryCommandResultEvent:
		return ev.Err
	case eufy.StreamStopEvent:
		return ev.Err
	case eufy.StreamErrorEvent:
		return ev.Err
	case eufy.TalkbackStopEvent:
		return ev.Err
	case eufy.TalkbackErrorEvent:
		return ev.Err
	}
	return nil
}

var (
	subscribers   = map[*ws.Transport]string{} // transport => serial filter
	subscribersMu sync.Mutex
)

func publish(serial string, ev eufy.Event) {
	var items []*ws.Transport

	subscribersMu.Lock()
	for tr, filter := range subscribers {
		if filter == "" || filter == serial {
			items = append(items, tr)
		}
	}
	subscribersMu.Unlock()

	if len(items) == 0 {
		return
	}

	msg := &ws.Message{Type: "eufy_event", Value: newEventMessage(serial, ev)}
	for _, tr := range items {
		tr.Write(msg)
	}
}

// wsEvents subscribes the client to events of one station or all of them
func wsEvents(tr *ws.Transport, msg *ws.Message) error {
	var v struct {
		Serial string `json:"serial"`
	}
	if len(msg.Raw) > 0 {
		if err := msg.Unmarshal(&v); err != nil {
			return err
		}
	}

	if v.Serial != "" {
		if _, err := getDevice(v.Serial); err != nil {
			return err
		}
	}

	subscribersMu.Lock()
	subscribers[tr] = v.Serial
	subscribersMu.Unlock()

	tr.OnClose(func() {
		subscribersMu.Lock()
		delete(subscribers, tr)
		subscribersMu.Unlock()
	})

	var items []*deviceInfo
	for _, d := range listDevices() {
		if v.Serial == "" || v.Serial == d.serial {
			items = append(items, d.info())
		}
	}
	tr.Write(&ws.Message{Type: "eufy", Value: items})
	return nil
}

func wsCommand(tr *ws.Transport, msg *ws.Message) error {
	var req Request
	if err := msg.Unmarshal(&req); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	res, err := execute(ctx, &req)
	if err != nil {
		return err
	}

	tr.Write(&ws.Message{Type: "eufy_result", Value: res})
	return nil
}
