package crypto

import "crypto/aes"

// CommandKey is the level-1 key of stations with encrypted command channel:
// last 7 chars of the station serial followed by the first 9 chars of the P2P DID.
func CommandKey(stationSN, p2pDID string) []byte {
	sn := stationSN[max(0, len(stationSN)-7):]
	did := p2pDID[:min(9, len(p2pDID))]
	return fit([]byte(sn + did))
}

// EncryptCommand zero pads payload to the block size and encrypts it with AES-128-ECB.
func EncryptCommand(key, payload []byte) ([]byte, error) {
	n := (len(payload) + aes.BlockSize - 1) / aes.BlockSize * aes.BlockSize
	if n == 0 {
		n = aes.BlockSize
	}
	b := make([]byte, n)
	copy(b, payload)
	if err := EncryptECB(key, b); err != nil {
		return nil, err
	}
	return b, nil
}

func DecryptCommand(key, payload []byte) ([]byte, error) {
	if len(payload)%aes.BlockSize != 0 {
		return nil, ErrDecrypt
	}
	b := make([]byte, len(payload))
	copy(b, payload)
	if err := DecryptECB(key, b); err != nil {
		return nil, err
	}
	return b, nil
}
