package types_test

import (
	"math/big"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/conduit-network/conduit/crypto"
	tmbytes "github.com/conduit-network/conduit/libs/bytes"
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

func sig(b byte) tmbytes.HexBytes {
	s := make(tmbytes.HexBytes, crypto.SignatureSize)
	for i := range s {
		s[i] = b
	}
	return s
}

func testIdentifier(t testing.TB) types.PublicIdentifier {
	t.Helper()
	signer, err := crypto.GenSigner()
	require.NoError(t, err)
	id, err := types.IdentifierFromPubKey(signer.PubKeyBytes())
	require.NoError(t, err)
	return id
}

func testCoreChannelState() *types.CoreChannelState {
	return &types.CoreChannelState{
		ChannelAddress: addr(0x01),
		Alice:          addr(0x02),
		Bob:            addr(0x03),
		AssetIDs:       []types.Address{addr(0x00), addr(0x04)},
		Balances: []types.Balance{
			{
				To:     []types.Address{addr(0x02), addr(0x03)},
				Amount: []*big.Int{big.NewInt(100), big.NewInt(25)},
			},
			{
				To:     []types.Address{addr(0x02), addr(0x03)},
				Amount: []*big.Int{big.NewInt(7), new(big.Int).Lsh(big.NewInt(1), 200)},
			},
		},
		ProcessedDepositsA: []*big.Int{big.NewInt(125), big.NewInt(7)},
		ProcessedDepositsB: []*big.Int{big.NewInt(0), new(big.Int).Lsh(big.NewInt(1), 200)},
		DefundNonces:       []uint64{1, 2},
		Timeout:            86400,
		Nonce:              17,
		MerkleRoot:         hash(0xaa),
	}
}

func testUpdates(t testing.TB) []*types.ChannelUpdate {
	from := testIdentifier(t)
	to := testIdentifier(t)

	base := func(typ types.UpdateType, details types.UpdateDetails) *types.ChannelUpdate {
		return &types.ChannelUpdate{
			ID:             types.UpdateID{ID: uuid.NewString(), Signature: sig(0x11)},
			ChannelAddress: addr(0x01),
			FromIdentifier: from,
			ToIdentifier:   to,
			Type:           typ,
			Nonce:          3,
			AssetID:        addr(0x00),
			Balance: types.Balance{
				To:     []types.Address{addr(0x02), addr(0x03)},
				Amount: []*big.Int{big.NewInt(70), big.NewInt(30)},
			},
			Details:        details,
			AliceSignature: sig(0x22),
			BobSignature:   sig(0x33),
		}
	}

	setup := base(types.UpdateTypeSetup, &types.SetupDetails{
		Timeout:        86400,
		NetworkContext: types.NetworkContext{ChainID: 1337, ChannelFactoryAddress: addr(0xfa)},
	})
	setup.Nonce = 1

	return []*types.ChannelUpdate{
		setup,
		base(types.UpdateTypeDeposit, &types.DepositDetails{
			TotalDepositsAlice: big.NewInt(100),
			TotalDepositsBob:   big.NewInt(0),
		}),
		base(types.UpdateTypeCreate, &types.CreateDetails{
			TransferID:           hash(0xbb),
			TransferDefinition:   addr(0x71),
			TransferTimeout:      3600,
			TransferInitialState: []byte("lock-hash-bytes"),
			TransferEncodings:    []string{"tuple(bytes32 lockHash)", "tuple(bytes32 preImage)"},
			Balance: types.Balance{
				To:     []types.Address{addr(0x03), addr(0x02)},
				Amount: []*big.Int{big.NewInt(30), big.NewInt(0)},
			},
			MerkleRoot: hash(0xcc),
		}),
		base(types.UpdateTypeResolve, &types.ResolveDetails{
			TransferID:         hash(0xbb),
			TransferDefinition: addr(0x71),
			TransferResolver:   []byte("the-pre-image"),
			MerkleRoot:         hash(0x00),
		}),
	}
}

func TestChannelUpdateRoundTrip(t *testing.T) {
	for _, update := range testUpdates(t) {
		update := update
		t.Run(string(update.Type), func(t *testing.T) {
			require.NoError(t, update.ValidateBasic())

			bz, err := update.MarshalBinary()
			require.NoError(t, err)

			decoded, err := types.UnmarshalChannelUpdate(bz)
			require.NoError(t, err)
			require.NoError(t, decoded.ValidateBasic())

			rebz, err := decoded.MarshalBinary()
			require.NoError(t, err)
			assert.Equal(t, bz, rebz)
			assert.Equal(t, update.Hash(), decoded.Hash())
		})
	}
}

func TestChannelUpdateDecodeRejectsTrailingBytes(t *testing.T) {
	update := testUpdates(t)[1]
	bz, err := update.MarshalBinary()
	require.NoError(t, err)

	_, err = types.UnmarshalChannelUpdate(append(bz, 0x00))
	require.Error(t, err)

	_, err = types.UnmarshalChannelUpdate(bz[:len(bz)-1])
	require.Error(t, err)
}

func TestCoreChannelStateRoundTrip(t *testing.T) {
	state := testCoreChannelState()
	require.NoError(t, state.ValidateBasic())

	bz, err := state.MarshalCanonical()
	require.NoError(t, err)

	decoded, err := types.UnmarshalCoreChannelState(bz)
	require.NoError(t, err)

	rebz, err := decoded.MarshalCanonical()
	require.NoError(t, err)
	assert.Equal(t, bz, rebz)
	assert.Equal(t, state.Hash(), decoded.Hash())
}

func TestFullChannelStateRoundTrip(t *testing.T) {
	state := &types.FullChannelState{
		CoreChannelState: *testCoreChannelState(),
		AliceIdentifier:  testIdentifier(t),
		BobIdentifier:    testIdentifier(t),
		NetworkContext:   types.NetworkContext{ChainID: 1337, ChannelFactoryAddress: addr(0xfa)},
		LatestUpdate:     testUpdates(t)[1],
		InDispute:        true,
	}

	bz, err := state.MarshalBinary()
	require.NoError(t, err)

	decoded, err := types.UnmarshalFullChannelState(bz)
	require.NoError(t, err)

	rebz, err := decoded.MarshalBinary()
	require.NoError(t, err)
	assert.Equal(t, bz, rebz)
	assert.Equal(t, state.CoreChannelState.Hash(), decoded.CoreChannelState.Hash())
	assert.Equal(t, state.LatestUpdate.Hash(), decoded.LatestUpdate.Hash())
	assert.True(t, decoded.InDispute)
}

func TestFullTransferStateRoundTrip(t *testing.T) {
	transfer := &types.FullTransferState{
		CoreTransferState: types.CoreTransferState{
			ChannelAddress:     addr(0x01),
			TransferID:         hash(0xbb),
			TransferDefinition: addr(0x71),
			Initiator:          addr(0x02),
			Responder:          addr(0x03),
			AssetID:            addr(0x00),
			Balance: types.Balance{
				To:     []types.Address{addr(0x03), addr(0x02)},
				Amount: []*big.Int{big.NewInt(30), big.NewInt(0)},
			},
			TransferTimeout:  3600,
			InitialStateHash: hash(0xdd),
		},
		ChannelNonce:          3,
		TransferState:         []byte("lock-hash-bytes"),
		TransferEncodings:     []string{"tuple(bytes32 lockHash)"},
		TransferResolver:      nil,
		ChainID:               1337,
		ChannelFactoryAddress: addr(0xfa),
	}
	require.NoError(t, transfer.CoreTransferState.ValidateBasic())

	bz, err := transfer.MarshalBinary()
	require.NoError(t, err)

	decoded, err := types.UnmarshalFullTransferState(bz)
	require.NoError(t, err)

	rebz, err := decoded.MarshalBinary()
	require.NoError(t, err)
	assert.Equal(t, bz, rebz)
	assert.Equal(t, transfer.CoreTransferState.Hash(), decoded.CoreTransferState.Hash())
}

// TestCoreChannelStateRoundTripRapid drives the codec over randomized
// states: encode-decode-encode must be a fixed point and preserve the
// commitment hash.
func TestCoreChannelStateRoundTripRapid(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		genAddr := func(label string) types.Address {
			return types.Address(rapid.SliceOfN(rapid.Byte(), crypto.AddressSize, crypto.AddressSize).Draw(rt, label).([]byte))
		}
		genAmount := func(label string) *big.Int {
			return new(big.Int).SetBytes(rapid.SliceOfN(rapid.Byte(), 0, 32).Draw(rt, label).([]byte))
		}

		alice := genAddr("alice")
		bob := genAddr("bob")
		n := rapid.IntRange(0, 4).Draw(rt, "assets").(int)
		state := &types.CoreChannelState{
			ChannelAddress: genAddr("channel"),
			Alice:          alice,
			Bob:            bob,
			Timeout:        rapid.Uint64().Draw(rt, "timeout").(uint64),
			Nonce:          rapid.Uint64Range(1, 1<<40).Draw(rt, "nonce").(uint64),
			MerkleRoot:     tmbytes.HexBytes(rapid.SliceOfN(rapid.Byte(), crypto.HashSize, crypto.HashSize).Draw(rt, "root").([]byte)),
		}
		for i := 0; i < n; i++ {
			state.AssetIDs = append(state.AssetIDs, genAddr("asset"))
			state.Balances = append(state.Balances, types.Balance{
				To:     []types.Address{alice, bob},
				Amount: []*big.Int{genAmount("amtA"), genAmount("amtB")},
			})
			state.ProcessedDepositsA = append(state.ProcessedDepositsA, genAmount("depA"))
			state.ProcessedDepositsB = append(state.ProcessedDepositsB, genAmount("depB"))
			state.DefundNonces = append(state.DefundNonces, rapid.Uint64().Draw(rt, "defund").(uint64))
		}

		bz, err := state.MarshalCanonical()
		require.NoError(rt, err)
		decoded, err := types.UnmarshalCoreChannelState(bz)
		require.NoError(rt, err)
		rebz, err := decoded.MarshalCanonical()
		require.NoError(rt, err)
		require.Equal(rt, bz, rebz)
	})
}

func TestCanonicalEncodingRejectsBadAmounts(t *testing.T) {
	state := testCoreChannelState()
	state.Balances[0].Amount[0] = big.NewInt(-1)
	_, err := state.MarshalCanonical()
	require.Error(t, err)

	state = testCoreChannelState()
	state.Balances[0].Amount[0] = new(big.Int).Lsh(big.NewInt(1), 257)
	_, err = state.MarshalCanonical()
	require.Error(t, err)

	state = testCoreChannelState()
	state.ProcessedDepositsA[0] = nil
	_, err = state.MarshalCanonical()
	require.Error(t, err)
}
