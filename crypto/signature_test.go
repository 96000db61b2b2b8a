package crypto_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conduit-network/conduit/crypto"
)

func TestSignRecoverVerify(t *testing.T) {
	signer, err := crypto.GenSigner()
	require.NoError(t, err)

	digest := crypto.Checksum([]byte("channel commitment"))
	sig, err := signer.Sign(digest)
	require.NoError(t, err)
	require.Len(t, sig, crypto.SignatureSize)

	recovered, err := crypto.RecoverAddress(digest, sig)
	require.NoError(t, err)
	assert.Equal(t, signer.Address(), recovered)

	require.NoError(t, crypto.VerifySignature(digest, sig, signer.Address()))

	// The recovered address must match exactly.
	other, err := crypto.GenSigner()
	require.NoError(t, err)
	require.Error(t, crypto.VerifySignature(digest, sig, other.Address()))

	// A different digest recovers a different address.
	require.Error(t, crypto.VerifySignature(crypto.Checksum([]byte("other")), sig, signer.Address()))
}

func TestSignRejectsBadDigest(t *testing.T) {
	signer, err := crypto.GenSigner()
	require.NoError(t, err)

	_, err = signer.Sign([]byte("short"))
	require.ErrorIs(t, err, crypto.ErrInvalidDigest)
}

func TestRecoverRejectsMalformedSignature(t *testing.T) {
	digest := crypto.Checksum([]byte("digest"))

	_, err := crypto.RecoverAddress(digest, []byte("not a signature"))
	require.ErrorIs(t, err, crypto.ErrInvalidSignature)

	_, err = crypto.RecoverAddress(digest, make([]byte, crypto.SignatureSize))
	require.Error(t, err)
}

func TestNewSignerDeterministic(t *testing.T) {
	signer, err := crypto.GenSigner()
	require.NoError(t, err)

	// Same key material, same identity.
	again, err := crypto.NewSigner(signer.Bytes())
	require.NoError(t, err)
	assert.Equal(t, signer.Address(), again.Address())
	assert.Equal(t, signer.PubKeyBytes(), again.PubKeyBytes())
}

func TestAddressFromPubKeyBytes(t *testing.T) {
	signer, err := crypto.GenSigner()
	require.NoError(t, err)

	addr, err := crypto.AddressFromPubKeyBytes(signer.PubKeyBytes())
	require.NoError(t, err)
	assert.Equal(t, signer.Address(), addr)

	_, err = crypto.AddressFromPubKeyBytes([]byte{0x01, 0x02})
	require.ErrorIs(t, err, crypto.ErrInvalidPubKey)

	junk := make([]byte, crypto.PubKeySize)
	_, err = crypto.AddressFromPubKeyBytes(junk)
	require.Error(t, err)
}
