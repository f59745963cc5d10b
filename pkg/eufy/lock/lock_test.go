package lock

import (
	"strings"
	"testing"
	"time"

	"github.com/AlexxIT/go2eufy/pkg/eufy/crypto"
	"github.com/stretchr/testify/require"
)

func TestWeekMask(t *testing.T) {
	require.Equal(t, byte(0x2A), WeekMask(time.Monday, time.Wednesday, time.Friday))
	require.Equal(t, byte(0x01), WeekMask(time.Sunday))
	require.Equal(t, byte(0x7F), AllWeek)
}

func TestPasscode(t *testing.T) {
	b, err := EncodePasscode("13579753")
	require.NoError(t, err)
	require.Equal(t, []byte{0x13, 0x57, 0x97, 0x53}, b)

	b, err = EncodePasscode("12345")
	require.NoError(t, err)
	require.Equal(t, []byte{0x12, 0x34, 0x5F}, b)
	require.Equal(t, "12345", DecodePasscode(b))

	_, err = EncodePasscode("12a4")
	require.Error(t, err)
	_, err = EncodePasscode("123")
	require.Error(t, err)
}

func TestClock(t *testing.T) {
	c, err := ParseClock("17:30")
	require.NoError(t, err)
	require.Equal(t, []byte{0x11, 0x1E}, c.Bytes())
	require.Equal(t, "17:30", c.String())

	for _, s := range []string{"1730", "24:00", "12:60", "aa:bb"} {
		_, err = ParseClock(s)
		require.Error(t, err, s)
	}
}

func TestAddUser(t *testing.T) {
	start, _ := ParseClock("09:00")
	end, _ := ParseClock("17:30")

	body, err := AddUser(0x01020304, &User{
		ShortID:  "0003",
		Name:     "Bob",
		Passcode: "13579753",
		Schedule: Schedule{
			StartDate: time.Date(2024, time.March, 1, 0, 0, 0, 0, time.UTC),
			StartTime: start,
			EndTime:   end,
			Week:      WeekMask(time.Monday, time.Wednesday, time.Friday),
		},
	})
	require.NoError(t, err)

	require.Equal(t, []byte{
		0x04, 0x03, 0x02, 0x01, // lock seq
		0xA1, 0x02, 0x00, 0x03, // short user id
		0xA2, 0x04, 0x13, 0x57, 0x97, 0x53, // passcode
		0xA3, 0x01, 0x04, // permission
		0xA4, 0x03, 'B', 'o', 'b', // name
		0xA5, 0x04, 0x07, 0xE8, 0x03, 0x01, // start date 2024-03-01
		0xA6, 0x04, 0xFF, 0xFF, 0xFF, 0xFF, // end date unlimited
		0xA7, 0x01, 0x2A, // week mask
		0xA8, 0x02, 0x09, 0x00, // start time 09:00
		0xA9, 0x02, 0x11, 0x1E, // end time 17:30
	}, body)

	_, err = AddUser(1, &User{ShortID: "3", Passcode: "1234"})
	require.Error(t, err)

	_, err = AddUser(1, &User{ShortID: "0003", Passcode: "1234", Name: strings.Repeat("a", 256)})
	require.ErrorIs(t, err, ErrValueTooLarge)

	// longest name still parses back
	name := strings.Repeat("a", 255)
	body, err = AddUser(1, &User{ShortID: "0003", Passcode: "1234", Name: name})
	require.NoError(t, err)
	fields, err := ParseFields(body[4:])
	require.NoError(t, err)
	require.Len(t, fields, 9)
	require.Equal(t, []byte(name), Get(fields, 3))
}

func TestSimpleBodies(t *testing.T) {
	b, err := SetLock(5, true, "id")
	require.NoError(t, err)
	require.Equal(t, []byte{5, 0, 0, 0, 0xA1, 0x01, 0x01, 0xA2, 0x02, 'i', 'd'}, b)
	b, err = SetLock(5, false, "")
	require.NoError(t, err)
	require.Equal(t, []byte{5, 0, 0, 0, 0xA1, 0x01, 0x00, 0xA2, 0x00}, b)
	_, err = SetLock(5, false, strings.Repeat("x", 300))
	require.ErrorIs(t, err, ErrValueTooLarge)

	require.Equal(t, []byte{6, 0, 0, 0, 0xA1, 0x01, 0x01}, Calibrate(6))
	require.Equal(t, []byte{7, 0, 0, 0}, QueryStatus(7))

	b, err = DeleteUser(8, "00FF")
	require.NoError(t, err)
	require.Equal(t, []byte{8, 0, 0, 0, 0xA1, 0x02, 0x00, 0xFF}, b)
}

func TestFrame(t *testing.T) {
	f := &Frame{Command: CmdAddUser, Body: []byte{1, 2, 3}}
	b := f.Marshal()
	require.Equal(t, []byte{0xFF, 0x09, 0x0C, 0x00, 0x03, 0x00, 0x02, 0x00, 1, 2, 3, 0xFF ^ 0x09 ^ 0x0C ^ 0x03 ^ 0x02 ^ 1 ^ 2 ^ 3}, b)

	res, err := ParseFrame(b)
	require.NoError(t, err)
	require.Equal(t, f.Command, res.Command)
	require.Equal(t, f.Body, res.Body)
	require.Nil(t, res.KeyBlob)

	b[9] ^= 0xFF
	_, err = ParseFrame(b)
	require.ErrorIs(t, err, ErrMalformed)

	f = &Frame{Command: CmdSetLock, KeyBlob: []byte{0xAA, 0xBB}, Body: []byte{1}}
	res, err = ParseFrame(f.Marshal())
	require.NoError(t, err)
	require.Equal(t, []byte{0xAA, 0xBB}, res.KeyBlob)
	require.Equal(t, []byte{1}, res.Body)
}

func TestSealOpen(t *testing.T) {
	key := crypto.LockKey("admin", "T8520P1234567890")
	iv := crypto.LockVector("T8520P1234567890")

	b, err := Seal(CmdCalibrate, Calibrate(42), key, iv, nil)
	require.NoError(t, err)

	f, plain, err := Open(b, key, iv)
	require.NoError(t, err)
	require.Equal(t, CmdCalibrate, f.Command)
	require.Equal(t, Calibrate(42), plain)

	_, _, err = Open(b, crypto.LockKey("other", "T8520P1234567890"), iv)
	require.ErrorIs(t, err, crypto.ErrDecrypt)
}

func TestResult(t *testing.T) {
	r := &Result{Seq: 9, Code: CodeSuccess, Fields: []Field{{Value: []byte{1}}, {Value: []byte{87}}}}
	b := r.Marshal()
	require.Equal(t, []byte{9, 0, 0, 0, 0, 0xA1, 1, 1, 0xA2, 1, 87}, b)

	res, err := ParseResult(b)
	require.NoError(t, err)
	require.Equal(t, uint32(9), res.Seq)
	require.Equal(t, Status{Locked: true, Battery: 87}, ParseStatus(res))

	_, err = ParseResult([]byte{1, 2, 3})
	require.ErrorIs(t, err, ErrMalformed)
	_, err = ParseResult([]byte{1, 0, 0, 0, 0, 0xA1, 5, 1})
	require.ErrorIs(t, err, ErrMalformed)
}
