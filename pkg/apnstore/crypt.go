package apnstore

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/nacl/secretbox"
)

const (
	keySize   = 32
	nonceSize = 24
	keyInfo   = "celldata apn password v1"
)

var errDecrypt = errors.New("failed to decrypt apn password")

type sealer struct {
	key [keySize]byte
}

// newSealer derives the password key from the device secret
func newSealer(secret []byte) (*sealer, error) {
	if len(secret) == 0 {
		return nil, errors.New("empty apn store secret")
	}
	s := &sealer{}
	r := hkdf.New(sha256.New, secret, nil, []byte(keyInfo))
	if _, err := io.ReadFull(r, s.key[:]); err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	return s, nil
}

func (s *sealer) seal(plain string) ([]byte, error) {
	if plain == "" {
		return nil, nil
	}
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("failed to read nonce: %w", err)
	}
	return secretbox.Seal(nonce[:], []byte(plain), &nonce, &s.key), nil
}

func (s *sealer) open(box []byte) (string, error) {
	if len(box) == 0 {
		return "", nil
	}
	if len(box) < nonceSize+secretbox.Overhead {
		return "", errDecrypt
	}
	var nonce [nonceSize]byte
	copy(nonce[:], box[:nonceSize])
	plain, ok := secretbox.Open(nil, box[nonceSize:], &nonce, &s.key)
	if !ok {
		return "", errDecrypt
	}
	return string(plain), nil
}
