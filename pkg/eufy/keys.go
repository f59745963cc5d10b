package eufy

import (
	"crypto/rsa"
	"fmt"
	"sync"

	"github.com/AlexxIT/go2eufy/pkg/eufy/crypto"
)

type keyBinding struct {
	key []byte
	seq uint32
}

// KeyManager holds the keys of one session. Lock bindings and the stream RSA key
// are replaced on every connect, the download key survives reconnects.
type KeyManager struct {
	mu sync.Mutex

	lockKey []byte
	lockIV  []byte
	command []byte // level-1 command key

	bindings map[uint16]keyBinding

	rsa         *rsa.PrivateKey
	downloadRSA *rsa.PrivateKey
}

func (k *KeyManager) reset(station *Station) error {
	key, err := crypto.GenerateRSAKey()
	if err != nil {
		return err
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	k.rsa = key
	k.bindings = map[uint16]keyBinding{}

	if station.AdminID != "" {
		k.lockKey = crypto.LockKey(station.AdminID, station.SerialNumber)
	} else {
		k.lockKey = nil
	}
	k.lockIV = crypto.LockVector(station.SerialNumber)
	k.command = crypto.CommandKey(station.SerialNumber, station.P2PDID)
	return nil
}

// Install binds key to the lock family command that will carry seq.
func (k *KeyManager) Install(family uint16, key []byte, seq uint32) error {
	if len(key) != 16 {
		return fmt.Errorf("eufy: lock key must be 16 bytes: %w", crypto.ErrKeySize)
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	if k.bindings == nil {
		k.bindings = map[uint16]keyBinding{}
	}
	k.bindings[family] = keyBinding{key: append([]byte(nil), key...), seq: seq}
	return nil
}

// Take removes the binding. A key bound to another sequence is dropped too.
func (k *KeyManager) Take(family uint16, seq uint32) ([]byte, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	b, ok := k.bindings[family]
	if !ok {
		return nil, ErrEncryptionKeyMissing
	}
	delete(k.bindings, family)

	if b.seq != seq {
		return nil, fmt.Errorf("%w: key bound to seq %d, next is %d", ErrEncryptionKeyMissing, b.seq, seq)
	}
	return b.key, nil
}

func (k *KeyManager) LockKey() (key, iv []byte) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.lockKey, k.lockIV
}

func (k *KeyManager) CommandKey() []byte {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.command
}

func (k *KeyManager) RSA() *rsa.PrivateKey {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.rsa
}

// DownloadRSA returns the persisted download key or generates one.
func (k *KeyManager) DownloadRSA() (*rsa.PrivateKey, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.downloadRSA == nil {
		key, err := crypto.GenerateRSAKey()
		if err != nil {
			return nil, err
		}
		k.downloadRSA = key
	}
	return k.downloadRSA, nil
}

func (k *KeyManager) SetDownloadRSA(key *rsa.PrivateKey) {
	k.mu.Lock()
	k.downloadRSA = key
	k.mu.Unlock()
}
