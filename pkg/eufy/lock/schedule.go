package lock

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// WeekMask sets bit0 for Sunday up to bit6 for Saturday.
func WeekMask(days ...time.Weekday) byte {
	var mask byte
	for _, day := range days {
		mask |= 1 << (day % 7)
	}
	return mask
}

var AllWeek = WeekMask(time.Sunday, time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday, time.Saturday)

type Clock struct {
	Hour   byte
	Minute byte
}

// ParseClock parses "HH:MM".
func ParseClock(s string) (Clock, error) {
	hh, mm, ok := strings.Cut(s, ":")
	if !ok {
		return Clock{}, fmt.Errorf("lock: wrong time %q", s)
	}
	h, err1 := strconv.ParseUint(hh, 10, 8)
	m, err2 := strconv.ParseUint(mm, 10, 8)
	if err1 != nil || err2 != nil || h > 23 || m > 59 {
		return Clock{}, fmt.Errorf("lock: wrong time %q", s)
	}
	return Clock{Hour: byte(h), Minute: byte(m)}, nil
}

func (c Clock) Bytes() []byte {
	return []byte{c.Hour, c.Minute}
}

func (c Clock) String() string {
	return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute)
}

// Schedule limits when a user code works. Zero dates mean unlimited.
type Schedule struct {
	StartDate time.Time
	EndDate   time.Time
	StartTime Clock
	EndTime   Clock
	Week      byte
}

// Always is a schedule without limits.
var Always = Schedule{EndTime: Clock{Hour: 23, Minute: 59}, Week: AllWeek}

func encodeDate(t time.Time) []byte {
	if t.IsZero() {
		return []byte{0xFF, 0xFF, 0xFF, 0xFF}
	}
	b := make([]byte, 4)
	binary.BigEndian.PutUint16(b, uint16(t.Year()))
	b[2] = byte(t.Month())
	b[3] = byte(t.Day())
	return b
}

// EncodePasscode packs decimal digits two per byte: "13579753" -> 13 57 97 53.
// Odd length is padded with the 0xF nibble.
func EncodePasscode(code string) ([]byte, error) {
	if len(code) < 4 || len(code) > 16 {
		return nil, fmt.Errorf("lock: wrong passcode length %d", len(code))
	}
	for _, c := range code {
		if c < '0' || c > '9' {
			return nil, fmt.Errorf("lock: passcode must be digits")
		}
	}
	if len(code)%2 == 1 {
		code += "F"
	}
	return hex.DecodeString(code)
}

func DecodePasscode(b []byte) string {
	return strings.TrimSuffix(strings.ToUpper(hex.EncodeToString(b)), "F")
}

// EncodeShortID converts "0001" to two bytes.
func EncodeShortID(id string) ([]byte, error) {
	b, err := hex.DecodeString(id)
	if err != nil || len(b) != 2 {
		return nil, fmt.Errorf("lock: wrong short user id %q", id)
	}
	return b, nil
}
