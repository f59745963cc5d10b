package lock

import (
	"encoding/binary"
)

// Lock family commands carried in Frame.Command.
const (
	CmdSetLock     uint16 = 0x0001
	CmdAddUser     uint16 = 0x0002
	CmdDeleteUser  uint16 = 0x0003
	CmdUpdateUser  uint16 = 0x0004
	CmdCalibrate   uint16 = 0x0005
	CmdQueryStatus uint16 = 0x0006
)

// Result codes of a lock result
const (
	CodeSuccess      byte = 0x00
	CodeFailed       byte = 0x01
	CodeUserExists   byte = 0x02
	CodeUserNotFound byte = 0x03
	CodeBusy         byte = 0x04
)

const (
	PermissionAdmin  byte = 0x01
	PermissionNormal byte = 0x04
	PermissionOnce   byte = 0x08
)

type User struct {
	ShortID    string // 4 hex digits
	Name       string
	Passcode   string
	Permission byte
	Schedule   Schedule
}

func newBody(seq uint32) *Writer {
	return NewWriter(binary.LittleEndian.AppendUint32(nil, seq))
}

// AddUser body fields: short id, passcode, permission, name, start date, end date,
// week mask, start time, end time.
func AddUser(seq uint32, user *User) ([]byte, error) {
	w, err := userBody(seq, user)
	if err != nil {
		return nil, err
	}
	if err = w.Err(); err != nil {
		return nil, err
	}
	return w.Bytes(), nil
}

// UpdateUser has the layout of AddUser and replaces passcode, name and schedule.
func UpdateUser(seq uint32, user *User) ([]byte, error) {
	return AddUser(seq, user)
}

func userBody(seq uint32, user *User) (*Writer, error) {
	id, err := EncodeShortID(user.ShortID)
	if err != nil {
		return nil, err
	}
	code, err := EncodePasscode(user.Passcode)
	if err != nil {
		return nil, err
	}

	permission := user.Permission
	if permission == 0 {
		permission = PermissionNormal
	}

	s := user.Schedule

	w := newBody(seq).
		Write(id).
		Write(code).
		WriteUint8(permission).
		WriteString(user.Name).
		Write(encodeDate(s.StartDate)).
		Write(encodeDate(s.EndDate)).
		WriteUint8(s.Week).
		Write(s.StartTime.Bytes()).
		Write(s.EndTime.Bytes())
	return w, nil
}

func DeleteUser(seq uint32, shortID string) ([]byte, error) {
	id, err := EncodeShortID(shortID)
	if err != nil {
		return nil, err
	}
	return newBody(seq).Write(id).Bytes(), nil
}

// SetLock body fields: state (1 locked, 0 unlocked), admin user id.
func SetLock(seq uint32, locked bool, userID string) ([]byte, error) {
	var state byte
	if locked {
		state = 1
	}
	w := newBody(seq).WriteUint8(state).WriteString(userID)
	return w.Bytes(), w.Err()
}

func Calibrate(seq uint32) []byte {
	return newBody(seq).WriteUint8(1).Bytes()
}

func QueryStatus(seq uint32) []byte {
	return newBody(seq).Bytes()
}

// Result is the decrypted secondary response of a lock command.
type Result struct {
	Seq    uint32
	Code   byte
	Fields []Field
}

func ParseResult(plain []byte) (*Result, error) {
	if len(plain) < 5 {
		return nil, ErrMalformed
	}
	fields, err := ParseFields(plain[5:])
	if err != nil {
		return nil, err
	}
	return &Result{
		Seq:    binary.LittleEndian.Uint32(plain),
		Code:   plain[4],
		Fields: fields,
	}, nil
}

func (r *Result) Marshal() []byte {
	b := binary.LittleEndian.AppendUint32(nil, r.Seq)
	b = append(b, r.Code)
	w := NewWriter(b)
	for _, f := range r.Fields {
		w.Write(f.Value)
	}
	return w.Bytes()
}

// Status of QueryStatus result fields.
type Status struct {
	Locked  bool
	Battery byte
	Jammed  bool
}

func ParseStatus(r *Result) Status {
	var st Status
	if v := Get(r.Fields, 0); len(v) == 1 {
		st.Locked = v[0] == 1
	}
	if v := Get(r.Fields, 1); len(v) == 1 {
		st.Battery = v[0]
	}
	if v := Get(r.Fields, 2); len(v) == 1 {
		st.Jammed = v[0] == 1
	}
	return st
}
