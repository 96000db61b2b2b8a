package crypto

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec"
)

const (
	// SignatureSize is the size of a compact recoverable signature:
	// 1 byte recovery id, 32 bytes r, 32 bytes s.
	SignatureSize = 65

	// PubKeySize is the size of a compressed secp256k1 public key.
	PubKeySize = 33
)

var (
	ErrInvalidDigest    = errors.New("digest must be 32 bytes")
	ErrInvalidSignature = errors.New("invalid signature")
	ErrInvalidPubKey    = errors.New("invalid public key")
)

// Sign produces a compact recoverable secp256k1 signature over a 32-byte
// digest. The signature allows recovery of the signing public key, and
// through it the signer's address.
func Sign(digest []byte, priv *btcec.PrivateKey) ([]byte, error) {
	if len(digest) != HashSize {
		return nil, ErrInvalidDigest
	}
	sig, err := btcec.SignCompact(btcec.S256(), priv, digest, true)
	if err != nil {
		return nil, fmt.Errorf("signing digest: %w", err)
	}
	return sig, nil
}

// RecoverAddress recovers the signer's address from a compact recoverable
// signature over the given digest.
func RecoverAddress(digest, sig []byte) (Address, error) {
	if len(digest) != HashSize {
		return nil, ErrInvalidDigest
	}
	if len(sig) != SignatureSize {
		return nil, ErrInvalidSignature
	}
	pub, _, err := btcec.RecoverCompact(btcec.S256(), sig, digest)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return AddressHash(pub.SerializeCompressed()), nil
}

// VerifySignature checks that sig is a valid recoverable signature over
// digest whose recovered address equals addr exactly.
func VerifySignature(digest, sig []byte, addr Address) error {
	recovered, err := RecoverAddress(digest, sig)
	if err != nil {
		return err
	}
	if !bytes.Equal(recovered, addr) {
		return fmt.Errorf("%w: recovered %s, expected %s", ErrInvalidSignature, recovered, addr)
	}
	return nil
}

// AddressFromPubKeyBytes derives an address from a compressed secp256k1
// public key, validating that the key is on the curve.
func AddressFromPubKeyBytes(pub []byte) (Address, error) {
	if len(pub) != PubKeySize {
		return nil, ErrInvalidPubKey
	}
	if _, err := btcec.ParsePubKey(pub, btcec.S256()); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPubKey, err)
	}
	return AddressHash(pub), nil
}
