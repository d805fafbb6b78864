package cryptosession

import (
	"bytes"
	"testing"
)

func TestSessionKeyWrapRoundTrip(t *testing.T) {
	secret := DeriveSecret("a-shared-token")
	key, err := NewSessionKey()
	if err != nil {
		t.Fatalf("NewSessionKey: %v", err)
	}

	sealed, err := WrapSessionKey(secret, key)
	if err != nil {
		t.Fatalf("WrapSessionKey: %v", err)
	}

	unwrapped, err := UnwrapSessionKey(secret, sealed)
	if err != nil {
		t.Fatalf("UnwrapSessionKey: %v", err)
	}
	if unwrapped != key {
		t.Fatalf("unwrapped key does not match original")
	}
}

func TestSealOpenFrameRoundTrip(t *testing.T) {
	key, err := NewSessionKey()
	if err != nil {
		t.Fatalf("NewSessionKey: %v", err)
	}

	plaintext := []byte(`{"action":"get","id":"1","collection":"c","key":"k"}`)
	sealed, err := SealFrame(key, plaintext)
	if err != nil {
		t.Fatalf("SealFrame: %v", err)
	}

	opened, err := OpenFrame(key, sealed)
	if err != nil {
		t.Fatalf("OpenFrame: %v", err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Fatalf("round-tripped plaintext mismatch: got %q want %q", opened, plaintext)
	}
}

func TestSealFrameUsesFreshIVPerMessage(t *testing.T) {
	key, err := NewSessionKey()
	if err != nil {
		t.Fatalf("NewSessionKey: %v", err)
	}

	first, err := SealFrame(key, []byte("same plaintext"))
	if err != nil {
		t.Fatalf("SealFrame: %v", err)
	}
	second, err := SealFrame(key, []byte("same plaintext"))
	if err != nil {
		t.Fatalf("SealFrame: %v", err)
	}

	if first == second {
		t.Fatalf("expected distinct ciphertexts for two frames under the same key (fresh IV per message)")
	}
}

func TestOpenFrameRejectsWrongKey(t *testing.T) {
	key1, _ := NewSessionKey()
	key2, _ := NewSessionKey()

	sealed, err := SealFrame(key1, []byte("secret"))
	if err != nil {
		t.Fatalf("SealFrame: %v", err)
	}

	if _, err := OpenFrame(key2, sealed); err == nil {
		t.Fatalf("expected decryption under the wrong key to fail")
	}
}
