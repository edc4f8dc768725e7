package panel

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/nacl/secretbox"
)

const nonceSize = 24

// parseAppKey decodes "base64:<32 bytes>".
func parseAppKey(appKey string) (*[32]byte, error) {
	raw, ok := strings.CutPrefix(appKey, "base64:")
	if !ok {
		return nil, fmt.Errorf("app key must start with base64:")
	}
	b, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("decode app key: %w", err)
	}
	if len(b) != 32 {
		return nil, fmt.Errorf("app key must be 32 bytes, got %d", len(b))
	}
	var key [32]byte
	copy(key[:], b)
	return &key, nil
}

// SealToken encrypts a daemon secret under appKey for storage in the nodes
// table. Used by seeding tools and tests.
func SealToken(appKey string, secret []byte) (string, error) {
	key, err := parseAppKey(appKey)
	if err != nil {
		return "", err
	}
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := secretbox.Seal(nonce[:], secret, &nonce, key)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func openToken(key *[32]byte, sealed string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return nil, fmt.Errorf("decode sealed secret: %w", err)
	}
	if len(b) < nonceSize+secretbox.Overhead {
		return nil, errors.New("sealed secret too short")
	}
	var nonce [nonceSize]byte
	copy(nonce[:], b[:nonceSize])
	out, ok := secretbox.Open(nil, b[nonceSize:], &nonce, key)
	if !ok {
		return nil, errors.New("sealed secret failed authentication")
	}
	return out, nil
}
