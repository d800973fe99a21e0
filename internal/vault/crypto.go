// Package vault implements at-rest encryption and in-memory custody of
// user signing keys. The ciphertext layout is shared with existing vault
// files and cannot change: AES-256-CBC with a PBKDF2-derived key, the salt
// prepended to the ciphertext, and hex encoding on disk.
package vault

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

// Key derivation and cipher parameters. Fixed by the on-disk format.
const (
	kdfIterations = 100_000
	kdfKeyLen     = 32 // AES-256
	saltLen       = 16
	ivLen         = aes.BlockSize
)

// ErrDecryptFailed is returned when a ciphertext does not decrypt cleanly,
// which almost always means a wrong passphrase.
var ErrDecryptFailed = errors.New("decryption failed")

// ErrCorruptEntry is returned when a vault entry is not valid hex or is
// too short to contain a salt and one cipher block.
var ErrCorruptEntry = errors.New("corrupt vault entry")

// DeriveKey derives a 32-byte AES key from a passphrase and salt using
// PBKDF2-HMAC-SHA256.
func DeriveKey(passphrase string, salt []byte) []byte {
	return pbkdf2.Key([]byte(passphrase), salt, kdfIterations, kdfKeyLen, sha256.New)
}

// EncryptSecret encrypts plaintext under a passphrase. It returns the two
// hex fields stored in the vault file: iv = hex(iv) and
// data = hex(salt || aes-256-cbc(pkcs7(plaintext))).
func EncryptSecret(plaintext []byte, passphrase string) (ivHex, dataHex string, err error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", "", fmt.Errorf("generate salt: %w", err)
	}
	iv := make([]byte, ivLen)
	if _, err := rand.Read(iv); err != nil {
		return "", "", fmt.Errorf("generate iv: %w", err)
	}

	key := DeriveKey(passphrase, salt)
	defer ZeroBytes(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", "", fmt.Errorf("create cipher: %w", err)
	}

	padded := pkcs7Pad(plaintext, aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	data := make([]byte, 0, saltLen+len(ciphertext))
	data = append(data, salt...)
	data = append(data, ciphertext...)

	return hex.EncodeToString(iv), hex.EncodeToString(data), nil
}

// DecryptSecret reverses EncryptSecret. Malformed hex or truncated data
// yields ErrCorruptEntry; a padding failure yields ErrDecryptFailed.
func DecryptSecret(ivHex, dataHex, passphrase string) ([]byte, error) {
	iv, err := hex.DecodeString(ivHex)
	if err != nil || len(iv) != ivLen {
		return nil, ErrCorruptEntry
	}
	data, err := hex.DecodeString(dataHex)
	if err != nil {
		return nil, ErrCorruptEntry
	}
	if len(data) < saltLen+aes.BlockSize || (len(data)-saltLen)%aes.BlockSize != 0 {
		return nil, ErrCorruptEntry
	}

	salt, ciphertext := data[:saltLen], data[saltLen:]

	key := DeriveKey(passphrase, salt)
	defer ZeroBytes(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}

	padded := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(padded, ciphertext)

	plaintext, err := pkcs7Unpad(padded, aes.BlockSize)
	if err != nil {
		ZeroBytes(padded)
		return nil, ErrDecryptFailed
	}
	return plaintext, nil
}

// ZeroBytes overwrites a byte slice with zeros.
func ZeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func pkcs7Pad(b []byte, blockSize int) []byte {
	n := blockSize - len(b)%blockSize
	padded := make([]byte, len(b)+n)
	copy(padded, b)
	for i := len(b); i < len(padded); i++ {
		padded[i] = byte(n)
	}
	return padded
}

func pkcs7Unpad(b []byte, blockSize int) ([]byte, error) {
	if len(b) == 0 || len(b)%blockSize != 0 {
		return nil, errors.New("invalid padded length")
	}
	n := int(b[len(b)-1])
	if n == 0 || n > blockSize || n > len(b) {
		return nil, errors.New("invalid padding byte")
	}
	if !bytes.Equal(b[len(b)-n:], bytes.Repeat([]byte{byte(n)}, n)) {
		return nil, errors.New("inconsistent padding")
	}
	return b[:len(b)-n], nil
}
