package crypto

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec"
)

// Signer wraps a secp256k1 private key with the signing capability the
// protocol engine needs. Key storage and derivation are out of scope; a
// Signer is constructed from raw key material by the embedder.
type Signer struct {
	priv *btcec.PrivateKey
}

// NewSigner returns a Signer for a 32-byte private key.
func NewSigner(privKey []byte) (*Signer, error) {
	if len(privKey) != 32 {
		return nil, fmt.Errorf("private key must be 32 bytes, got %d", len(privKey))
	}
	priv, _ := btcec.PrivKeyFromBytes(btcec.S256(), privKey)
	return &Signer{priv: priv}, nil
}

// GenSigner returns a Signer backed by a freshly generated key. Intended for
// tests and tooling.
func GenSigner() (*Signer, error) {
	priv, err := btcec.NewPrivateKey(btcec.S256())
	if err != nil {
		return nil, fmt.Errorf("generating key: %w", err)
	}
	return &Signer{priv: priv}, nil
}

// Sign produces a compact recoverable signature over a 32-byte digest.
func (s *Signer) Sign(digest []byte) ([]byte, error) {
	return Sign(digest, s.priv)
}

// Bytes returns the raw 32-byte private key.
func (s *Signer) Bytes() []byte {
	return s.priv.Serialize()
}

// PubKeyBytes returns the compressed public key.
func (s *Signer) PubKeyBytes() []byte {
	return s.priv.PubKey().SerializeCompressed()
}

// Address returns the address derived from the signer's public key.
func (s *Signer) Address() Address {
	return AddressHash(s.PubKeyBytes())
}
