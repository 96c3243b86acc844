// Package chain implements the pure functions behind the audit hash chain:
// the per-entry digest, the forward-secure key evolution step, and the
// authenticated seal that binds each entry hash to the key in effect when
// the entry was written.
//
// Every input is length-framed before hashing:
//
//	frame(b) = uint64_be(len(b)) || b
//
// so two different (timestamp, message) splits can never produce the same
// byte stream. Timestamps are framed as their 8-byte big-endian UnixNano.
//
// Nothing in this package touches storage or the clock. The same inputs
// always produce the same outputs, which is what lets the verifier replay
// the chain from genesis.
package chain

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"hash"
	"time"
)

// HashSize is the size in bytes of entry hashes and evolved keys.
const HashSize = sha256.Size

// Genesis returns the well-known previous-hash value used for the first
// entry of every log. It is empty, not nil, so callers can compare with
// bytes.Equal without special cases.
func Genesis() []byte {
	return []byte{}
}

// EntryHash computes H(prevHash || ts || msg) for one entry.
//
// The previous hash is part of the input, so an identical (ts, msg) pair
// appended at two different positions yields two different hashes.
func EntryHash(prevHash []byte, ts time.Time, msg string) []byte {
	h := sha256.New()
	writeFrame(h, prevHash)
	writeTime(h, ts)
	writeFrame(h, []byte(msg))
	return h.Sum(nil)
}

// NextKey derives the key that takes over after an entry is committed:
// HMAC-SHA256 keyed by prevKey over (ts, msg). Knowing the result does not
// reveal prevKey, so a compromised current key cannot be used to re-sign
// history.
//
// Panics if prevKey is empty.
func NextKey(prevKey []byte, ts time.Time, msg string) []byte {
	mustKey(prevKey)
	m := hmac.New(sha256.New, prevKey)
	writeTime(m, ts)
	writeFrame(m, []byte(msg))
	return m.Sum(nil)
}

// Equal reports whether two hashes or keys are equal, in constant time.
func Equal(a, b []byte) bool {
	return hmac.Equal(a, b)
}

func writeFrame(h hash.Hash, b []byte) {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(b)))
	h.Write(n[:])
	h.Write(b)
}

func writeTime(h hash.Hash, ts time.Time) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(ts.UnixNano()))
	writeFrame(h, b[:])
}

func mustKey(key []byte) {
	if len(key) == 0 {
		panic("chain: empty key")
	}
}
