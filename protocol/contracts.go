package protocol

import (
	"context"
	"math/big"

	"github.com/conduit-network/conduit/libs/bytes"
	"github.com/conduit-network/conduit/types"
)

// ProtocolReply is the counterparty's answer to a protocol message: the
// proposed update countersigned, plus the counterparty's view of the
// previous update.
type ProtocolReply struct {
	Update         *types.ChannelUpdate
	PreviousUpdate *types.ChannelUpdate
}

// Messenger delivers a proposed update to the counterparty's inbound
// procedure and returns its reply, or its error, verbatim. A remote
// StaleUpdateError must arrive as that typed error.
type Messenger interface {
	SendProtocolMessage(ctx context.Context, update, previousUpdate *types.ChannelUpdate) (*ProtocolReply, error)
}

// LatestDeposit is the onchain deposit record for one participant and
// asset: the deposit nonce and the running total.
type LatestDeposit struct {
	Nonce  uint64
	Amount *big.Int
}

// ChainReader is the read-only view of the chain the engine needs. Queries
// are idempotent.
type ChainReader interface {
	// GetCode returns the bytecode at an address. Used by collaborators
	// (deployment checks), not by the update protocol itself.
	GetCode(ctx context.Context, address types.Address, chainID uint64) ([]byte, error)

	// GetLatestDepositByAssetID returns the running onchain deposit total
	// for one participant and asset.
	GetLatestDepositByAssetID(ctx context.Context, channelAddress types.Address, chainID uint64, assetID, owner types.Address) (*LatestDeposit, error)

	// Resolve evaluates the transfer definition against the resolver and
	// returns the final payout balance.
	Resolve(ctx context.Context, transfer *types.FullTransferState, resolver bytes.HexBytes, chainID uint64) (types.Balance, error)
}

// ExternalValidator is the embedder's hook into update validation. A
// returned error is fatal for the current update but never corrupts stored
// state.
type ExternalValidator interface {
	ValidateOutbound(ctx context.Context, params types.UpdateParams, state *types.FullChannelState, activeTransfers []*types.FullTransferState) error
	ValidateInbound(ctx context.Context, update *types.ChannelUpdate, state *types.FullChannelState, activeTransfers []*types.FullTransferState) error
}

// NopValidator accepts everything.
type NopValidator struct{}

var _ ExternalValidator = NopValidator{}

func (NopValidator) ValidateOutbound(context.Context, types.UpdateParams, *types.FullChannelState, []*types.FullTransferState) error {
	return nil
}

func (NopValidator) ValidateInbound(context.Context, *types.ChannelUpdate, *types.FullChannelState, []*types.FullTransferState) error {
	return nil
}
