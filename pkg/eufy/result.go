package eufy

import (
	"fmt"
)

type Status int

const (
	StatusSuccess     Status = iota
	StatusRejected           // device answered with a non zero return code
	StatusUnsupported        // device or engine refused the command
	StatusTimeout
	StatusCancelled
	StatusTransport
	StatusEncryption
	StatusDecryption
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusRejected:
		return "rejected"
	case StatusUnsupported:
		return "unsupported"
	case StatusTimeout:
		return "timeout"
	case StatusCancelled:
		return "cancelled"
	case StatusTransport:
		return "transport"
	case StatusEncryption:
		return "encryption"
	case StatusDecryption:
		return "decryption"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	for i := StatusSuccess; i <= StatusDecryption; i++ {
		if i.String() == string(b) {
			*s = i
			return nil
		}
	}
	return fmt.Errorf("eufy: unknown status %q", b)
}

// Result is the terminal state of one command.
type Result struct {
	Command    uint16 `json:"command"`
	Channel    byte   `json:"channel"`
	Token      any    `json:"token,omitempty"`
	Status     Status `json:"status"`
	ReturnCode int32  `json:"return_code"`
	Data       []byte `json:"data,omitempty"`
	Err        error  `json:"-"`
}

// Retryable reports failures of the engine, not of the device.
func (r *Result) Retryable() bool {
	switch r.Status {
	case StatusTimeout, StatusCancelled, StatusTransport, StatusEncryption, StatusDecryption:
		return true
	}
	return false
}

func resultFromCode(code int32) (Status, error) {
	switch code {
	case ReturnSuccess:
		return StatusSuccess, nil
	case ReturnUnsupported:
		return StatusUnsupported, ErrUnsupportedOperation
	}
	return StatusRejected, fmt.Errorf("eufy: return code %d", code)
}
