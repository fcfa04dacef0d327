package proto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

const SecretSize = 32

var ErrInvalidSecret = errors.New("invalid shared secret")

// Secret is the 32-byte per-server HMAC key.
type Secret [SecretSize]byte

// ParseSecret decodes a 64-character hex key. Surrounding whitespace is ignored.
func ParseSecret(s string) (Secret, error) {
	var k Secret
	s = strings.TrimSpace(s)
	if len(s) != 2*SecretSize {
		return k, fmt.Errorf("%w: want %d hex characters, got %d", ErrInvalidSecret, 2*SecretSize, len(s))
	}
	if _, err := hex.Decode(k[:], []byte(s)); err != nil {
		return Secret{}, fmt.Errorf("%w: %v", ErrInvalidSecret, err)
	}
	return k, nil
}

func (k Secret) String() string { return hex.EncodeToString(k[:]) }

// Sign computes the truncated HMAC-SHA256 tag of a 42-byte header. The tag
// region of header is treated as zero regardless of its contents.
func Sign(header []byte, secret Secret) ([TagSize]byte, error) {
	var tag [TagSize]byte
	if len(header) != HeaderSize {
		return tag, fmt.Errorf("%w: header is %d bytes, want %d", ErrMalformedFrame, len(header), HeaderSize)
	}
	var zeroed [HeaderSize]byte
	copy(zeroed[:TagOffset], header[:TagOffset])

	mac := hmac.New(sha256.New, secret[:])
	mac.Write(zeroed[:])
	copy(tag[:], mac.Sum(nil))
	return tag, nil
}

// VerifyFrame reports whether the header carries a valid tag for secret.
func VerifyFrame(header []byte, secret Secret) bool {
	want, err := Sign(header, secret)
	if err != nil {
		return false
	}
	return hmac.Equal(want[:], header[TagOffset:HeaderSize])
}

// BuildAuthFrame returns a signed AUTH header ready to send. An invalid secret
// fails before any frame exists, so no unsigned frame can leak onto the wire.
func BuildAuthFrame(clientID uint16, requestID uint32, secretHex string) ([]byte, error) {
	secret, err := ParseSecret(secretHex)
	if err != nil {
		return nil, err
	}
	return signAuthFrame(clientID, requestID, secret, time.Now())
}

func signAuthFrame(clientID uint16, requestID uint32, secret Secret, now time.Time) ([]byte, error) {
	frame := EncodeAuthFrame(clientID, requestID, now)
	tag, err := Sign(frame, secret)
	if err != nil {
		return nil, err
	}
	copy(frame[TagOffset:], tag[:])
	return frame, nil
}
