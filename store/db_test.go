package store_test

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	dbm "github.com/tendermint/tm-db"

	"github.com/conduit-network/conduit/crypto"
	tmbytes "github.com/conduit-network/conduit/libs/bytes"
	"github.com/conduit-network/conduit/store"
	"github.com/conduit-network/conduit/types"
)

func addr(b byte) types.Address {
	a := make(types.Address, crypto.AddressSize)
	for i := range a {
		a[i] = b
	}
	return a
}

func hash(b byte) tmbytes.HexBytes {
	h := make(tmbytes.HexBytes, crypto.HashSize)
	for i := range h {
		h[i] = b
	}
	return h
}

func testState(nonce uint64) *types.FullChannelState {
	return &types.FullChannelState{
		CoreChannelState: types.CoreChannelState{
			ChannelAddress:     addr(0x01),
			Alice:              addr(0x02),
			Bob:                addr(0x03),
			AssetIDs:           []types.Address{addr(0x00)},
			Balances: []types.Balance{{
				To:     []types.Address{addr(0x02), addr(0x03)},
				Amount: []*big.Int{big.NewInt(70), big.NewInt(30)},
			}},
			ProcessedDepositsA: []*big.Int{big.NewInt(100)},
			ProcessedDepositsB: []*big.Int{big.NewInt(0)},
			DefundNonces:       []uint64{1},
			Timeout:            86400,
			Nonce:              nonce,
			MerkleRoot:         hash(0x00),
		},
		AliceIdentifier: "aa",
		BobIdentifier:   "bb",
		NetworkContext:  types.NetworkContext{ChainID: 1337, ChannelFactoryAddress: addr(0xfa)},
	}
}

func testTransfer(id byte) *types.FullTransferState {
	return &types.FullTransferState{
		CoreTransferState: types.CoreTransferState{
			ChannelAddress:     addr(0x01),
			TransferID:         hash(id),
			TransferDefinition: addr(0x71),
			Initiator:          addr(0x02),
			Responder:          addr(0x03),
			AssetID:            addr(0x00),
			Balance: types.Balance{
				To:     []types.Address{addr(0x03), addr(0x02)},
				Amount: []*big.Int{big.NewInt(30), big.NewInt(0)},
			},
			TransferTimeout:  3600,
			InitialStateHash: hash(id ^ 0xff),
		},
		ChannelNonce:  3,
		TransferState: []byte{id},
	}
}

func TestChannelStateRoundTripsThroughStore(t *testing.T) {
	st := store.NewDBStore(dbm.NewMemDB())

	missing, err := st.GetChannelState(addr(0x01))
	require.NoError(t, err)
	assert.Nil(t, missing)

	state := testState(2)
	require.NoError(t, st.SaveChannelState(state, nil))

	loaded, err := st.GetChannelState(addr(0x01))
	require.NoError(t, err)
	require.NotNil(t, loaded)

	// Reload must produce a byte-identical commitment.
	want, err := state.CoreChannelState.MarshalCanonical()
	require.NoError(t, err)
	got, err := loaded.CoreChannelState.MarshalCanonical()
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestSaveOverwritesLatestState(t *testing.T) {
	st := store.NewDBStore(dbm.NewMemDB())
	require.NoError(t, st.SaveChannelState(testState(2), nil))
	require.NoError(t, st.SaveChannelState(testState(3), nil))

	loaded, err := st.GetChannelState(addr(0x01))
	require.NoError(t, err)
	assert.EqualValues(t, 3, loaded.Nonce)
}

func TestTransferLifecycle(t *testing.T) {
	st := store.NewDBStore(dbm.NewMemDB())

	transfers, err := st.GetActiveTransfers(addr(0x01))
	require.NoError(t, err)
	assert.Empty(t, transfers)

	// Create installs the transfer atomically with the state write.
	require.NoError(t, st.SaveChannelState(testState(3), &store.TransferChange{Created: testTransfer(0x0b)}))
	require.NoError(t, st.SaveChannelState(testState(4), &store.TransferChange{Created: testTransfer(0x0a)}))

	transfers, err = st.GetActiveTransfers(addr(0x01))
	require.NoError(t, err)
	require.Len(t, transfers, 2)
	// Sorted by transfer id.
	assert.Equal(t, hash(0x0a), transfers[0].TransferID)
	assert.Equal(t, hash(0x0b), transfers[1].TransferID)

	// Resolve removes it.
	require.NoError(t, st.SaveChannelState(testState(5), &store.TransferChange{Resolved: hash(0x0b)}))
	transfers, err = st.GetActiveTransfers(addr(0x01))
	require.NoError(t, err)
	require.Len(t, transfers, 1)
	assert.Equal(t, hash(0x0a), transfers[0].TransferID)

	// Transfers are scoped per channel.
	other, err := st.GetActiveTransfers(addr(0x09))
	require.NoError(t, err)
	assert.Empty(t, other)
}
