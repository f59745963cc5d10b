package eufy

import (
	"encoding/binary"
	"encoding/json"
	"errors"
)

func intPayload(value int32) []byte {
	return binary.LittleEndian.AppendUint32(nil, uint32(value))
}

func stringPayload(s string) []byte {
	return append([]byte(s), 0)
}

func intStringPayload(value int32, s string) []byte {
	b := intPayload(value)
	b = append(b, s...)
	return append(b, 0)
}

type commandPayload struct {
	AccountID string `json:"account_id"`
	Cmd       uint16 `json:"cmd"`
	Channel   byte   `json:"mChannel"`
	Value3    int    `json:"mValue3"`
	Payload   any    `json:"payload"`
}

func structPayload(accountID string, cmd uint16, channel byte, payload any) ([]byte, error) {
	return json.Marshal(commandPayload{
		AccountID: accountID,
		Cmd:       cmd,
		Channel:   channel,
		Payload:   payload,
	})
}

// parseResponse splits a response into return code and data.
func parseResponse(b []byte) (int32, []byte, error) {
	if len(b) < 4 {
		return 0, nil, errors.New("eufy: short response")
	}
	return int32(binary.LittleEndian.Uint32(b)), b[4:], nil
}
