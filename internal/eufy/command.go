package eufy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/AlexxIT/go2eufy/pkg/eufy"
	"github.com/AlexxIT/go2eufy/pkg/eufy/crypto"
	"github.com/AlexxIT/go2eufy/pkg/eufy/cs2"
	"github.com/AlexxIT/go2eufy/pkg/eufy/lock"
	"github.com/google/uuid"
)

// Request is one command of the HTTP and websocket API:
//
//	{"serial": "T8010P1", "type": "int", "command": 1030, "channel": 0, "value": 1}
//	{"serial": "T8520P1", "type": "lock", "channel": 1, "lock": {"family": "advanced", "action": "unlock"}}
type Request struct {
	Serial  string          `json:"serial"`
	Type    string          `json:"type"`
	Channel byte            `json:"channel"`
	Command uint16          `json:"command,omitempty"`
	Value   int32           `json:"value,omitempty"`
	String  string          `json:"string,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`

	// download file path or connection type
	Path string `json:"path,omitempty"`

	// talkback_audio
	Codec     eufy.Codec `json:"codec,omitempty"`
	Timestamp uint32     `json:"timestamp,omitempty"`
	Audio     []byte     `json:"audio,omitempty"`

	Lock *LockRequest `json:"lock,omitempty"`
}

type LockRequest struct {
	Family string       `json:"family"` // basic (default), advanced
	Action string       `json:"action"` // lock, unlock, add_user, update_user, delete_user, calibrate, status
	UserID string       `json:"user_id,omitempty"`
	User   *UserRequest `json:"user,omitempty"`
}

type UserRequest struct {
	ShortID    string `json:"short_id"`
	Name       string `json:"name"`
	Passcode   string `json:"passcode"`
	Permission string `json:"permission,omitempty"` // admin, normal, once
	StartDate  string `json:"start_date,omitempty"` // 2006-01-02
	EndDate    string `json:"end_date,omitempty"`
	StartTime  string `json:"start_time,omitempty"` // 15:04
	EndTime    string `json:"end_time,omitempty"`
	Week       []int  `json:"week,omitempty"` // 0 - Sunday
}

type Response struct {
	Result    *Result       `json:"result,omitempty"`
	Secondary *Result       `json:"secondary,omitempty"`
	Lock      *LockResponse `json:"lock,omitempty"`
	State     *eufy.State   `json:"state,omitempty"`
}

type Result struct {
	eufy.Result
	Error string `json:"error,omitempty"`
}

type LockResponse struct {
	Seq     uint32 `json:"seq"`
	Code    byte   `json:"code"`
	Locked  *bool  `json:"locked,omitempty"`
	Battery byte   `json:"battery,omitempty"`
	Jammed  bool   `json:"jammed,omitempty"`
}

var errBadRequest = errors.New("bad request")

func badRequest(format string, a ...any) error {
	return fmt.Errorf("eufy: %w: "+format, append([]any{errBadRequest}, a...)...)
}

func stateResponse(s *eufy.Session) *Response {
	state := s.State()
	return &Response{State: &state}
}

func newResult(r eufy.Result) *Result {
	res := &Result{Result: r}
	if r.Err != nil {
		res.Error = r.Err.Error()
	}
	return res
}

func execute(ctx context.Context, req *Request) (*Response, error) {
	d, err := getDevice(req.Serial)
	if err != nil {
		return nil, err
	}
	return d.execute(ctx, req)
}

// execute sends the request and waits for its result. Lock commands wait for
// the lock result too.
func (d *device) execute(ctx context.Context, req *Request) (*Response, error) {
	s := d.session

	switch req.Type {
	case "connect":
		if err := d.connect(ctx); err != nil {
			return nil, err
		}
		return stateResponse(s), nil
	case "disconnect":
		_ = s.Close()
		return stateResponse(s), nil
	case "connection_type":
		path, ok := cs2.ParsePath(req.Path)
		if !ok {
			return nil, badRequest("wrong connection type: %s", req.Path)
		}
		if err := s.SetConnectionType(path); err != nil {
			return nil, err
		}
		return stateResponse(s), nil
	}

	if err := d.connect(ctx); err != nil {
		return nil, err
	}

	if req.Type == "talkback_audio" {
		if err := s.SendTalkbackAudio(req.Channel, req.Codec, req.Timestamp, req.Audio); err != nil {
			return nil, err
		}
		return &Response{}, nil
	}

	token := uuid.NewString()

	w := d.wait(func(ev eufy.Event) bool {
		switch ev := ev.(type) {
		case eufy.CommandResultEvent:
			return ev.Token == token
		case eufy.SecondaryCommandResultEvent:
			return ev.Token == token
		}
		return false
	})
	defer d.unwait(w)

	if err := d.send(req, token); err != nil {
		return nil, err
	}

	res := &Response{}

	for {
		ev, err := w.next(ctx)
		if err != nil {
			return nil, err
		}

		switch ev := ev.(type) {
		case eufy.CommandResultEvent:
			res.Result = newResult(ev.Result)
			if req.Type != "lock" || ev.Status != eufy.StatusSuccess {
				return res, nil
			}
		case eufy.SecondaryCommandResultEvent:
			res.Secondary = newResult(ev.Result)
			if ev.Lock != nil {
				res.Lock = newLockResponse(req.Lock.Action, ev.Lock)
			}
			return res, nil
		}
	}
}

func (d *device) send(req *Request, token string) error {
	s := d.session
	ch := req.Channel

	switch req.Type {
	case "int":
		return s.SendCommandWithInt(req.Command, ch, req.Value, token)
	case "string":
		return s.SendCommandWithString(req.Command, ch, req.String, token)
	case "int_string":
		return s.SendCommandWithIntString(req.Command, ch, req.Value, req.String, token)
	case "payload":
		var v any
		if len(req.Payload) > 0 {
			if err := json.Unmarshal(req.Payload, &v); err != nil {
				return badRequest("payload: %s", err)
			}
		}
		return s.SendCommandWithStringPayload(req.Command, ch, v, token)
	case "livestream":
		return s.StartLivestream(ch, token)
	case "stop_livestream":
		return s.StopLivestream(ch, token)
	case "download":
		return d.startDownload(ch, req.Path, token)
	case "cancel_download":
		return s.CancelDownload(ch, token)
	case "rtsp":
		return s.StartRTSP(ch, token)
	case "stop_rtsp":
		return s.StopRTSP(ch, token)
	case "talkback":
		return s.StartTalkback(ch, token)
	case "stop_talkback":
		return s.StopTalkback(ch, token)
	case "lock":
		return d.sendLock(req, token)
	}
	return badRequest("unknown command type: %s", req.Type)
}

func (d *device) startDownload(channel byte, path string, token any) error {
	if path == "" {
		return badRequest("download path required")
	}
	if err := d.session.StartDownload(channel, path, token); err != nil {
		return err
	}
	d.saveDownloadKey()
	return nil
}

func (d *device) sendLock(req *Request, token string) error {
	if req.Lock == nil {
		return badRequest("lock params required")
	}

	var family uint16
	switch req.Lock.Family {
	case "", "basic":
		family = eufy.CmdLockBasic
	case "advanced":
		family = eufy.CmdLockAdvanced
	default:
		return badRequest("wrong lock family: %s", req.Lock.Family)
	}

	cmd, payload, err := lockPayload(req.Lock, d.session.Station().AdminID)
	if err != nil {
		return err
	}

	d.lockMu.Lock()
	defer d.lockMu.Unlock()

	if family == eufy.CmdLockAdvanced {
		key, err := crypto.NewLockKey()
		if err != nil {
			return err
		}
		if err = d.session.SetLockAESKey(family, key); err != nil {
			return err
		}
	}

	return d.session.SendLockCommand(eufy.LockCommand{
		Family:  family,
		Channel: req.Channel,
		Command: cmd,
		Payload: payload,
		Token:   token,
	})
}

func lockPayload(req *LockRequest, adminID string) (uint16, func(seq uint32) ([]byte, error), error) {
	switch req.Action {
	case "lock", "unlock":
		locked := req.Action == "lock"
		userID := req.UserID
		if userID == "" {
			userID = adminID
		}
		return lock.CmdSetLock, func(seq uint32) ([]byte, error) {
			return lock.SetLock(seq, locked, userID)
		}, nil

	case "add_user", "update_user":
		if req.User == nil {
			return 0, nil, badRequest("lock user required")
		}
		user, err := req.User.user()
		if err != nil {
			return 0, nil, err
		}
		if req.Action == "add_user" {
			return lock.CmdAddUser, func(seq uint32) ([]byte, error) {
				return lock.AddUser(seq, user)
			}, nil
		}
		return lock.CmdUpdateUser, func(seq uint32) ([]byte, error) {
			return lock.UpdateUser(seq, user)
		}, nil

	case "delete_user":
		if req.User == nil {
			return 0, nil, badRequest("lock user required")
		}
		shortID := req.User.ShortID
		return lock.CmdDeleteUser, func(seq uint32) ([]byte, error) {
			return lock.DeleteUser(seq, shortID)
		}, nil

	case "calibrate":
		return lock.CmdCalibrate, func(seq uint32) ([]byte, error) {
			return lock.Calibrate(seq), nil
		}, nil

	case "status":
		return lock.CmdQueryStatus, func(seq uint32) ([]byte, error) {
			return lock.QueryStatus(seq), nil
		}, nil
	}

	return 0, nil, badRequest("wrong lock action: %s", req.Action)
}

func (u *UserRequest) user() (*lock.User, error) {
	user := &lock.User{
		ShortID:  u.ShortID,
		Name:     u.Name,
		Passcode: u.Passcode,
		Schedule: lock.Always,
	}

	switch u.Permission {
	case "", "normal":
		user.Permission = lock.PermissionNormal
	case "admin":
		user.Permission = lock.PermissionAdmin
	case "once":
		user.Permission = lock.PermissionOnce
	default:
		return nil, badRequest("wrong permission: %s", u.Permission)
	}

	var err error

	if u.StartDate != "" {
		if user.Schedule.StartDate, err = time.Parse(time.DateOnly, u.StartDate); err != nil {
			return nil, badRequest("start_date: %s", err)
		}
	}
	if u.EndDate != "" {
		if user.Schedule.EndDate, err = time.Parse(time.DateOnly, u.EndDate); err != nil {
			return nil, badRequest("end_date: %s", err)
		}
	}
	if u.StartTime != "" {
		if user.Schedule.StartTime, err = lock.ParseClock(u.StartTime); err != nil {
			return nil, badRequest("start_time: %s", err)
		}
	}
	if u.EndTime != "" {
		if user.Schedule.EndTime, err = lock.ParseClock(u.EndTime); err != nil {
			return nil, badRequest("end_time: %s", err)
		}
	}

	if len(u.Week) > 0 {
		days := make([]time.Weekday, 0, len(u.Week))
		for _, day := range u.Week {
			if day < 0 || day > 6 {
				return nil, badRequest("wrong week day: %d", day)
			}
			days = append(days, time.Weekday(day))
		}
		user.Schedule.Week = lock.WeekMask(days...)
	}

	return user, nil
}

func newLockResponse(action string, r *lock.Result) *LockResponse {
	res := &LockResponse{Seq: r.Seq, Code: r.Code}
	if action == "status" && r.Code == lock.CodeSuccess {
		status := lock.ParseStatus(r)
		res.Locked = &status.Locked
		res.Battery = status.Battery
		res.Jammed = status.Jammed
	}
	return res
}
