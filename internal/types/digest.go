package types

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

// DigestSize is the size of every digest and public key in bytes.
const DigestSize = 32

// Digest identifies a certificate (and the header it certifies).
type Digest [DigestSize]byte

// BatchDigest identifies a batch of transactions stored by a worker.
type BatchDigest [DigestSize]byte

// PublicKey is the ed25519 network identity of a primary.
type PublicKey [DigestSize]byte

// WorkerID identifies one of a primary's workers.
type WorkerID uint32

// String returns the hex encoding of the digest.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// Short returns the first 8 bytes in hex, for logs.
func (d Digest) Short() string {
	return hex.EncodeToString(d[:8])
}

// Compare orders digests bytewise.
func (d Digest) Compare(other Digest) int {
	return bytes.Compare(d[:], other[:])
}

// String returns the hex encoding of the batch digest.
func (d BatchDigest) String() string {
	return hex.EncodeToString(d[:])
}

// String returns the hex encoding of the public key.
func (k PublicKey) String() string {
	return hex.EncodeToString(k[:])
}

// Short returns the first 8 bytes in hex, for logs.
func (k PublicKey) Short() string {
	return hex.EncodeToString(k[:8])
}

// Compare orders public keys bytewise.
func (k PublicKey) Compare(other PublicKey) int {
	return bytes.Compare(k[:], other[:])
}

// ParseDigest decodes a hex string into a Digest.
func ParseDigest(s string) (Digest, error) {
	var d Digest

	raw, err := hex.DecodeString(s)
	if err != nil {
		return d, fmt.Errorf("decode digest:\n%w", err)
	}

	if len(raw) != DigestSize {
		return d, fmt.Errorf("invalid digest size: got %d, want %d", len(raw), DigestSize)
	}

	copy(d[:], raw)

	return d, nil
}

// ParsePublicKey decodes a hex string into a PublicKey.
func ParsePublicKey(s string) (PublicKey, error) {
	var k PublicKey

	raw, err := hex.DecodeString(s)
	if err != nil {
		return k, fmt.Errorf("decode public key:\n%w", err)
	}

	if len(raw) != DigestSize {
		return k, fmt.Errorf("invalid public key size: got %d, want %d", len(raw), DigestSize)
	}

	copy(k[:], raw)

	return k, nil
}

// HashBatch computes the digest of a batch's raw bytes.
func HashBatch(data []byte) BatchDigest {
	return blake3.Sum256(data)
}
