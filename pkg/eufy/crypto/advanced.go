package crypto

import (
	"crypto/aes"
	"crypto/ecdh"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	publicKeySize = 65 // uncompressed P-256 point
	macSize       = sha256.Size

	wrapInfo = "eufy lock key wrap"
)

// NewLockKey returns a fresh AES-128 key for one advanced lock exchange.
func NewLockKey() ([]byte, error) {
	key := make([]byte, aes.BlockSize)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	return key, nil
}

// WrapLockKey encrypts key for the lock with its P-256 public key.
//
//	0    ephemeral public key (65)
//	65   iv (16)
//	81   AES-128-CBC(encKey, iv, key) with PKCS#7
//	end  HMAC-SHA256(macKey, iv || ciphertext)
//
// encKey and macKey come from HKDF-SHA256 over the ECDH secret with the ephemeral key as salt.
func WrapLockKey(lockPublic, key []byte) ([]byte, error) {
	remote, err := ecdh.P256().NewPublicKey(lockPublic)
	if err != nil {
		return nil, fmt.Errorf("crypto: lock public key: %w", err)
	}

	private, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}

	secret, err := private.ECDH(remote)
	if err != nil {
		return nil, err
	}

	public := private.PublicKey().Bytes()

	encKey, macKey, err := wrapKeys(secret, public)
	if err != nil {
		return nil, err
	}

	iv := make([]byte, aes.BlockSize)
	if _, err = rand.Read(iv); err != nil {
		return nil, err
	}

	ct, err := EncryptCBC(encKey, iv, key)
	if err != nil {
		return nil, err
	}

	blob := append(public, iv...)
	blob = append(blob, ct...)
	return append(blob, mac(macKey, blob[publicKeySize:])...), nil
}

// UnwrapLockKey is the lock side of WrapLockKey.
func UnwrapLockKey(lockPrivate *ecdh.PrivateKey, blob []byte) ([]byte, error) {
	if len(blob) < publicKeySize+2*aes.BlockSize+macSize {
		return nil, ErrDecrypt
	}

	public := blob[:publicKeySize]
	body := blob[publicKeySize : len(blob)-macSize]

	remote, err := ecdh.P256().NewPublicKey(public)
	if err != nil {
		return nil, ErrDecrypt
	}

	secret, err := lockPrivate.ECDH(remote)
	if err != nil {
		return nil, ErrDecrypt
	}

	encKey, macKey, err := wrapKeys(secret, public)
	if err != nil {
		return nil, err
	}

	if !hmac.Equal(mac(macKey, body), blob[len(blob)-macSize:]) {
		return nil, ErrDecrypt
	}

	return DecryptCBC(encKey, body[:aes.BlockSize], body[aes.BlockSize:])
}

func wrapKeys(secret, salt []byte) (encKey, macKey []byte, err error) {
	b := make([]byte, aes.BlockSize+sha256.Size)
	if _, err = io.ReadFull(hkdf.New(sha256.New, secret, salt, []byte(wrapInfo)), b); err != nil {
		return nil, nil, err
	}
	return b[:aes.BlockSize], b[aes.BlockSize:], nil
}

func mac(key, data []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil)
}
