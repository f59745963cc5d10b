package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"errors"
)

var (
	ErrKeySize = errors.New("crypto: wrong key size")
	ErrDecrypt = errors.New("crypto: decryption failure")
)

func EncryptCBC(key, iv, src []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, ErrKeySize
	}
	if len(iv) != aes.BlockSize {
		return nil, ErrKeySize
	}

	dst := pkcs7Pad(src)
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(dst, dst)
	return dst, nil
}

func DecryptCBC(key, iv, src []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, ErrKeySize
	}
	if len(iv) != aes.BlockSize {
		return nil, ErrKeySize
	}
	if len(src) == 0 || len(src)%aes.BlockSize != 0 {
		return nil, ErrDecrypt
	}

	dst := make([]byte, len(src))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(dst, src)
	return pkcs7Unpad(dst)
}

// EncryptECB works in place, src must be a multiple of the block size.
func EncryptECB(key, src []byte) error {
	block, err := aes.NewCipher(key)
	if err != nil {
		return ErrKeySize
	}
	if len(src)%aes.BlockSize != 0 {
		return ErrDecrypt
	}
	for i := 0; i < len(src); i += aes.BlockSize {
		block.Encrypt(src[i:], src[i:])
	}
	return nil
}

// DecryptECB works in place, a tail shorter than the block size stays as is.
func DecryptECB(key, src []byte) error {
	block, err := aes.NewCipher(key)
	if err != nil {
		return ErrKeySize
	}
	for i := 0; i+aes.BlockSize <= len(src); i += aes.BlockSize {
		block.Decrypt(src[i:], src[i:])
	}
	return nil
}

func pkcs7Pad(b []byte) []byte {
	n := aes.BlockSize - len(b)%aes.BlockSize
	return append(bytes.Clone(b), bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(b []byte) ([]byte, error) {
	n := int(b[len(b)-1])
	if n == 0 || n > aes.BlockSize || n > len(b) {
		return nil, ErrDecrypt
	}
	for _, c := range b[len(b)-n:] {
		if int(c) != n {
			return nil, ErrDecrypt
		}
	}
	return b[:len(b)-n], nil
}

// fit pads with zeros or truncates b to 16 bytes.
func fit(b []byte) []byte {
	key := make([]byte, aes.BlockSize)
	copy(key, b)
	return key
}
