package chain

import (
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// ErrSealInvalid is returned by Open when a signature fails authentication.
var ErrSealInvalid = errors.New("chain: seal failed authentication")

// Labels for the two subkeys derived from each chain key.
const (
	sealInfo  = "bookaudit seal key v1"
	nonceInfo = "bookaudit seal nonce v1"
)

// SealSize is the length of a signature produced by Seal for a HashSize input.
const SealSize = chacha20poly1305.NonceSizeX + HashSize + chacha20poly1305.Overhead

// Seal encrypts entryHash under key with XChaCha20-Poly1305 and returns
// nonce || ciphertext || tag.
//
// The nonce is synthetic (HMAC of the entry hash under a derived nonce key),
// so the output is deterministic and never repeats for distinct hashes
// under the same key.
//
// Panics if key is empty.
func Seal(entryHash, key []byte) []byte {
	mustKey(key)
	aeadKey, nonceKey := deriveSealKeys(key)

	aead, err := chacha20poly1305.NewX(aeadKey)
	if err != nil {
		// aeadKey is always chacha20poly1305.KeySize bytes.
		panic("chain: " + err.Error())
	}

	m := hmac.New(sha256.New, nonceKey)
	m.Write(entryHash)
	nonce := m.Sum(nil)[:chacha20poly1305.NonceSizeX]

	out := make([]byte, 0, len(nonce)+len(entryHash)+aead.Overhead())
	out = append(out, nonce...)
	return aead.Seal(out, nonce, entryHash, nil)
}

// Open authenticates and decrypts a signature produced by Seal, returning
// the sealed entry hash.
func Open(signature, key []byte) ([]byte, error) {
	mustKey(key)
	if len(signature) < chacha20poly1305.NonceSizeX+chacha20poly1305.Overhead {
		return nil, ErrSealInvalid
	}
	aeadKey, _ := deriveSealKeys(key)
	aead, err := chacha20poly1305.NewX(aeadKey)
	if err != nil {
		panic("chain: " + err.Error())
	}

	nonce, ct := signature[:chacha20poly1305.NonceSizeX], signature[chacha20poly1305.NonceSizeX:]
	plain, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, ErrSealInvalid
	}
	return plain, nil
}

// VerifySeal reports whether signature is the seal of entryHash under key.
func VerifySeal(signature, key, entryHash []byte) bool {
	return hmac.Equal(Seal(entryHash, key), signature)
}

// deriveSealKeys expands an arbitrary-length chain key into the fixed-size
// AEAD key and the nonce-derivation key.
func deriveSealKeys(key []byte) (aeadKey, nonceKey []byte) {
	aeadKey = make([]byte, chacha20poly1305.KeySize)
	nonceKey = make([]byte, sha256.Size)
	if _, err := io.ReadFull(hkdf.New(sha256.New, key, nil, []byte(sealInfo)), aeadKey); err != nil {
		panic("chain: hkdf: " + err.Error())
	}
	if _, err := io.ReadFull(hkdf.New(sha256.New, key, nil, []byte(nonceInfo)), nonceKey); err != nil {
		panic("chain: hkdf: " + err.Error())
	}
	return aeadKey, nonceKey
}
