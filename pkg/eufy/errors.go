package eufy

import "errors"

var (
	ErrTransportTimeout      = errors.New("eufy: transport timeout")
	ErrTransportClosed       = errors.New("eufy: transport closed")
	ErrMalformedPacket       = errors.New("eufy: malformed packet")
	ErrEncryptionKeyMissing  = errors.New("eufy: encryption key missing")
	ErrDecryptionFailure     = errors.New("eufy: decryption failure")
	ErrCommandTimeout        = errors.New("eufy: command timeout")
	ErrCommandAlreadyPending = errors.New("eufy: command already pending")
	ErrUnsupportedOperation  = errors.New("eufy: unsupported operation")
	ErrSequenceExhausted     = errors.New("eufy: sequence exhausted")
	ErrCommandCancelled      = errors.New("eufy: command cancelled")
	ErrStreamIdle            = errors.New("eufy: stream idle")
)
