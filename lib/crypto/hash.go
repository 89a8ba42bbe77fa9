package crypto

import (
	"encoding/hex"
	"hash"

	"golang.org/x/crypto/blake2b"
)

const (
	HashSize = blake2b.Size256
)

/*
	Hash is the global 256 bit digest: block hashes, addresses and signed payload digests all use it
*/

// Hasher() returns the global hashing algorithm used
func Hasher() hash.Hash {
	h, _ := blake2b.New256(nil)
	return h
}

// Hash() executes the global hashing algorithm on input bytes
func Hash(msg []byte) []byte {
	h := blake2b.Sum256(msg)
	return h[:]
}

// ShortHash() executes the global hashing algorithm on input bytes
// and truncates the output to 20 bytes
func ShortHash(msg []byte) []byte {
	return Hash(msg)[:AddressSize]
}

// HashString() returns the hex byte version of a hash
func HashString(msg []byte) string { return hex.EncodeToString(Hash(msg)) }
