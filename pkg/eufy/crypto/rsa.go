package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
)

const (
	RSABits        = 1024
	RSAKeyBlobSize = RSABits / 8 // encrypted stream key after a signed media header
)

func GenerateRSAKey() (*rsa.PrivateKey, error) {
	return rsa.GenerateKey(rand.Reader, RSABits)
}

// PublicModulus is the form the station expects in a stream start request.
func PublicModulus(key *rsa.PrivateKey) string {
	return hex.EncodeToString(key.N.Bytes())
}

// ParseRSAPEM accepts PKCS#1 and PKCS#8 private keys.
func ParseRSAPEM(s string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(s))
	if block == nil {
		return nil, errors.New("crypto: wrong PEM")
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}

	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("crypto: %w", err)
	}

	if rsaKey, ok := key.(*rsa.PrivateKey); ok {
		return rsaKey, nil
	}
	return nil, errors.New("crypto: not an RSA key")
}

func MarshalRSAPEM(key *rsa.PrivateKey) string {
	return string(pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	}))
}

// DecryptStreamKey unwraps the AES-128 key that the station encrypted with our public key.
func DecryptStreamKey(key *rsa.PrivateKey, blob []byte) ([]byte, error) {
	b, err := rsa.DecryptPKCS1v15(rand.Reader, key, blob)
	if err != nil || len(b) < 16 {
		return nil, ErrDecrypt
	}
	return b[:16], nil
}

// EncryptStreamKey is the station side of DecryptStreamKey.
func EncryptStreamKey(public *rsa.PublicKey, streamKey []byte) ([]byte, error) {
	return rsa.EncryptPKCS1v15(rand.Reader, public, streamKey)
}
