package crypto

import (
	"crypto/sha256"

	"github.com/conduit-network/conduit/libs/bytes"
)

const (
	// HashSize is the size in bytes of a digest.
	HashSize = sha256.Size

	// AddressSize is the size of a participant or contract address.
	AddressSize = 20
)

// An Address is a []byte, but hex-encoded even in JSON.
// Use an alias so Unmarshal methods (with ptr receivers) are available too.
type Address = bytes.HexBytes

// AddressHash computes a truncated SHA-256 hash of bz for use as an address.
func AddressHash(bz []byte) Address {
	h := sha256.Sum256(bz)
	return Address(h[:AddressSize])
}

// Checksum returns the SHA-256 of the bz.
func Checksum(bz []byte) []byte {
	h := sha256.Sum256(bz)
	return h[:]
}
