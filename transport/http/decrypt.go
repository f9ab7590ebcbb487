package http

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
)

// AESCipher decrypts Lark event payloads: AES-256-CBC with the SHA-256
// of the configured encrypt key, IV prepended to the base64 ciphertext,
// PKCS#7 padding.
type AESCipher struct {
	key []byte
}

func NewAESCipher(encryptKey string) *AESCipher {
	sum := sha256.Sum256([]byte(encryptKey))
	return &AESCipher{key: sum[:]}
}

// Decrypt decodes and decrypts one "encrypt" field value.
func (c *AESCipher) Decrypt(encoded string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("decode payload: %w", err)
	}
	if len(data) < aes.BlockSize || len(data)%aes.BlockSize != 0 {
		return "", errors.New("ciphertext is not a whole number of blocks")
	}

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", err
	}

	iv := data[:aes.BlockSize]
	ciphertext := data[aes.BlockSize:]
	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)

	unpadded, err := stripPadding(plaintext)
	if err != nil {
		return "", err
	}
	return string(unpadded), nil
}

// stripPadding removes PKCS#7 padding. Malformed padding is rejected
// rather than silently truncated.
func stripPadding(plaintext []byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, errors.New("empty plaintext")
	}
	padding := int(plaintext[len(plaintext)-1])
	if padding == 0 || padding > aes.BlockSize || padding > len(plaintext) {
		return nil, errors.New("invalid padding")
	}
	for _, b := range plaintext[len(plaintext)-padding:] {
		if int(b) != padding {
			return nil, errors.New("invalid padding")
		}
	}
	return plaintext[:len(plaintext)-padding], nil
}
