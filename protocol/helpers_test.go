package protocol_test

import (
	"bytes"
	"context"
	"math/big"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	dbm "github.com/tendermint/tm-db"

	"github.com/conduit-network/conduit/crypto"
	tmbytes "github.com/conduit-network/conduit/libs/bytes"
	"github.com/conduit-network/conduit/libs/log"
	"github.com/conduit-network/conduit/messaging"
	"github.com/conduit-network/conduit/protocol"
	"github.com/conduit-network/conduit/store"
	"github.com/conduit-network/conduit/types"
)

var (
	testFactory = types.Address(bytes.Repeat([]byte{0xfa}, crypto.AddressSize))
	testAsset   = types.Address(make([]byte, crypto.AddressSize)) // the native asset
	testHTLCDef = types.Address(bytes.Repeat([]byte{0x71}, crypto.AddressSize))

	testNetwork = types.NetworkContext{ChainID: 1337, ChannelFactoryAddress: testFactory}
)

// mockChain is a ChainReader over settable deposit totals, resolving
// hashlock transfers: the transfer state is the lock hash, the resolver
// the pre-image. A matching pre-image pays the full locked value to the
// first target, anything else returns it to the second.
type mockChain struct {
	mtx      sync.Mutex
	deposits map[string]*protocol.LatestDeposit
}

func newMockChain() *mockChain {
	return &mockChain{deposits: make(map[string]*protocol.LatestDeposit)}
}

func (c *mockChain) setDeposit(owner, assetID types.Address, nonce uint64, amount int64) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.deposits[string(owner)+"/"+string(assetID)] = &protocol.LatestDeposit{
		Nonce:  nonce,
		Amount: big.NewInt(amount),
	}
}

func (c *mockChain) GetCode(context.Context, types.Address, uint64) ([]byte, error) {
	return []byte{0x60}, nil
}

func (c *mockChain) GetLatestDepositByAssetID(_ context.Context, _ types.Address, _ uint64, assetID, owner types.Address) (*protocol.LatestDeposit, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if d, ok := c.deposits[string(owner)+"/"+string(assetID)]; ok {
		return &protocol.LatestDeposit{Nonce: d.Nonce, Amount: new(big.Int).Set(d.Amount)}, nil
	}
	return &protocol.LatestDeposit{Nonce: 0, Amount: new(big.Int)}, nil
}

func (c *mockChain) Resolve(_ context.Context, transfer *types.FullTransferState, resolver tmbytes.HexBytes, _ uint64) (types.Balance, error) {
	payout := types.NewBalance(transfer.Balance.To[0], transfer.Balance.To[1])
	if bytes.Equal(crypto.Checksum(resolver), transfer.TransferState) {
		payout.Amount[0] = transfer.Balance.Total()
	} else {
		payout.Amount[1] = transfer.Balance.Total()
	}
	return payout, nil
}

// participant bundles one side's engine and its collaborators.
type participant struct {
	engine *protocol.Engine
	signer *crypto.Signer
	id     types.PublicIdentifier
	store  *store.DBStore
	chain  *mockChain
}

// messengerFunc adapts a func to protocol.Messenger so tests can intercept
// the exchange.
type messengerFunc func(ctx context.Context, update, previousUpdate *types.ChannelUpdate) (*protocol.ProtocolReply, error)

func (f messengerFunc) SendProtocolMessage(ctx context.Context, update, previousUpdate *types.ChannelUpdate) (*protocol.ProtocolReply, error) {
	return f(ctx, update, previousUpdate)
}

// interceptor lets a test swap alice's messenger mid-flight.
type interceptor struct {
	mtx  sync.Mutex
	next protocol.Messenger
}

func (i *interceptor) set(m protocol.Messenger) {
	i.mtx.Lock()
	defer i.mtx.Unlock()
	i.next = m
}

func (i *interceptor) current() protocol.Messenger {
	i.mtx.Lock()
	defer i.mtx.Unlock()
	return i.next
}

func (i *interceptor) SendProtocolMessage(ctx context.Context, update, previousUpdate *types.ChannelUpdate) (*protocol.ProtocolReply, error) {
	return i.current().SendProtocolMessage(ctx, update, previousUpdate)
}

// newTestPair wires two engines over a memory network sharing one mock
// chain. Alice's messenger goes through an interceptor so tests can
// manipulate her view of the transport.
func newTestPair(t *testing.T) (alice, bob *participant, aliceMessenger *interceptor, chain *mockChain) {
	return newTestPairExt(t, nil, nil)
}

func newTestPairExt(t *testing.T, aliceExt, bobExt protocol.ExternalValidator) (alice, bob *participant, aliceMessenger *interceptor, chain *mockChain) {
	t.Helper()
	logger := log.TestingLogger(t)
	network := messaging.NewMemoryNetwork(logger)
	chain = newMockChain()

	build := func(messenger protocol.Messenger, ext protocol.ExternalValidator) *participant {
		signer, err := crypto.GenSigner()
		require.NoError(t, err)
		id, err := types.IdentifierFromPubKey(signer.PubKeyBytes())
		require.NoError(t, err)
		st := store.NewDBStore(dbm.NewMemDB())
		p := &participant{signer: signer, id: id, store: st, chain: chain}
		p.engine, err = protocol.New(signer, st, chain, messenger, ext, protocol.DefaultOptions(), logger)
		require.NoError(t, err)
		return p
	}

	aliceMessenger = &interceptor{}
	bobMessenger := &interceptor{}
	alice = build(aliceMessenger, aliceExt)
	bob = build(bobMessenger, bobExt)

	aliceMessenger.set(network.Register(alice.id, alice.engine.Inbound))
	bobMessenger.set(network.Register(bob.id, bob.engine.Inbound))

	return alice, bob, aliceMessenger, chain
}

// setupChannel exchanges the setup update and returns the channel address.
func setupChannel(t *testing.T, alice, bob *participant) types.Address {
	t.Helper()
	res, err := alice.engine.Outbound(context.Background(), &types.SetupParams{
		CounterpartyIdentifier: bob.id,
		Timeout:                86400,
		NetworkContext:         testNetwork,
	})
	require.NoError(t, err)
	require.Equal(t, protocol.StatusApplied, res.Status)
	return res.Channel.ChannelAddress
}

// requireReplicasEqual asserts both replicas commit to byte-identical
// channel states.
func requireReplicasEqual(t *testing.T, alice, bob *participant, channelAddress types.Address) {
	t.Helper()
	a, err := alice.store.GetChannelState(channelAddress)
	require.NoError(t, err)
	b, err := bob.store.GetChannelState(channelAddress)
	require.NoError(t, err)
	require.NotNil(t, a)
	require.NotNil(t, b)

	abz, err := a.CoreChannelState.MarshalCanonical()
	require.NoError(t, err)
	bbz, err := b.CoreChannelState.MarshalCanonical()
	require.NoError(t, err)
	require.Equal(t, abz, bbz, "replica commitments diverged")

	at, err := alice.store.GetActiveTransfers(channelAddress)
	require.NoError(t, err)
	bt, err := bob.store.GetActiveTransfers(channelAddress)
	require.NoError(t, err)
	require.Equal(t, types.TransferRoot(at), types.TransferRoot(bt))
}

// depositOnChain credits an onchain deposit and runs the deposit update
// from the given initiator.
func depositOnChain(t *testing.T, initiator *participant, chain *mockChain, channelAddress, owner types.Address, nonce uint64, amount int64) *protocol.Result {
	t.Helper()
	chain.setDeposit(owner, testAsset, nonce, amount)
	res, err := initiator.engine.Outbound(context.Background(), &types.DepositParams{
		ChannelAddress: channelAddress,
		AssetID:        testAsset,
	})
	require.NoError(t, err)
	return res
}

// hashlockCreateParams returns create params locking amount behind the
// pre-image, paying recipient on reveal and refunding sender otherwise.
func hashlockCreateParams(channelAddress types.Address, recipient, sender types.Address, amount int64, preImage []byte) *types.CreateParams {
	balance := types.NewBalance(recipient, sender)
	balance.Amount[0] = big.NewInt(amount)
	return &types.CreateParams{
		ChannelAddress:       channelAddress,
		AssetID:              testAsset,
		Balance:              balance,
		TransferDefinition:   testHTLCDef,
		TransferTimeout:      3600,
		TransferInitialState: crypto.Checksum(preImage),
		TransferEncodings:    []string{"tuple(bytes32 lockHash)", "tuple(bytes32 preImage)"},
	}
}
