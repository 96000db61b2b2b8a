package protocol

import (
	"bytes"
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/conduit-network/conduit/crypto"
	tmbytes "github.com/conduit-network/conduit/libs/bytes"
	"github.com/conduit-network/conduit/store"
	"github.com/conduit-network/conduit/types"
)

// validateAndApply is the single validation path for updates received from
// the counterparty. With countersign set (direct inbound), the update must
// carry the initiator's signature and be addressed to us; our signature is
// added. Without it (sync), the update must already be double-signed and
// may have been initiated by either side. On success it returns the fully
// signed update, the next state (LatestUpdate set), the next transfer set,
// and the store change.
func (e *Engine) validateAndApply(
	ctx context.Context,
	update *types.ChannelUpdate,
	channel *types.FullChannelState,
	activeTransfers []*types.FullTransferState,
	countersign bool,
) (*types.ChannelUpdate, *types.FullChannelState, []*types.FullTransferState, *store.TransferChange, error) {
	if err := update.ValidateBasic(); err != nil {
		return nil, nil, nil, nil, &types.InvalidUpdateError{Reason: "structural check", Err: err}
	}

	if update.Type == types.UpdateTypeSetup {
		if channel != nil {
			return nil, nil, nil, nil, &types.InvalidUpdateError{Reason: "setup for an existing channel"}
		}
	} else {
		if channel == nil {
			return nil, nil, nil, nil, &types.InvalidUpdateError{Reason: "channel not found"}
		}
		if !bytes.Equal(update.ChannelAddress, channel.ChannelAddress) {
			return nil, nil, nil, nil, &types.InvalidUpdateError{Reason: "channel address mismatch"}
		}
		if update.FromIdentifier != channel.AliceIdentifier && update.FromIdentifier != channel.BobIdentifier {
			return nil, nil, nil, nil, &types.InvalidUpdateError{Reason: "initiator is not a channel participant"}
		}
		want, _ := channel.CounterpartyIdentifier(update.FromIdentifier)
		if update.ToIdentifier != want {
			return nil, nil, nil, nil, &types.InvalidUpdateError{Reason: "responder is not the counterparty"}
		}
		if update.Nonce != channel.Nonce+1 {
			return nil, nil, nil, nil, &types.InvalidUpdateError{
				Reason: fmt.Sprintf("nonce %d does not follow committed nonce %d", update.Nonce, channel.Nonce),
			}
		}
	}

	if countersign {
		if update.ToIdentifier != e.publicIdentifier {
			return nil, nil, nil, nil, &types.InvalidUpdateError{Reason: "update is not addressed to this participant"}
		}
	}

	if err := update.VerifyIDSignature(); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("%w: update id: %v", types.ErrBadSignatures, err)
	}

	if err := e.external.ValidateInbound(ctx, update, channel, activeTransfers); err != nil {
		return nil, nil, nil, nil, &types.ExternalValidationError{Err: err}
	}

	resolved, err := e.validateDetails(ctx, update, channel, activeTransfers, countersign)
	if err != nil {
		return nil, nil, nil, nil, err
	}

	next, nextTransfers, change, err := applyUpdate(channel, activeTransfers, update, resolved)
	if err != nil {
		return nil, nil, nil, nil, err
	}

	if err := e.validateResult(update, next, nextTransfers); err != nil {
		return nil, nil, nil, nil, err
	}

	commitment := next.CoreChannelState.Hash()
	initiatorIsAlice := next.AliceIdentifier == update.FromIdentifier
	applied := update.Copy()

	if err := applied.VerifyCommitmentSignatures(commitment, next.Alice, next.Bob, initiatorIsAlice, !countersign); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("%w: %v", types.ErrBadSignatures, err)
	}
	if countersign {
		sig, err := e.signer.Sign(commitment)
		if err != nil {
			return nil, nil, nil, nil, fmt.Errorf("countersigning commitment: %w", err)
		}
		if e.publicIdentifier == next.AliceIdentifier {
			applied.AliceSignature = sig
		} else {
			applied.BobSignature = sig
		}
	}

	next.LatestUpdate = applied.Copy()
	return applied, next, nextTransfers, change, nil
}

// validateDetails runs the type-specific preconditions and, for resolve,
// consults the chain reader for the transfer-definition payout.
func (e *Engine) validateDetails(
	ctx context.Context,
	update *types.ChannelUpdate,
	channel *types.FullChannelState,
	activeTransfers []*types.FullTransferState,
	crossCheckChain bool,
) (*resolvedTransfer, error) {
	switch d := update.Details.(type) {
	case *types.SetupDetails:
		return nil, nil

	case *types.DepositDetails:
		if !crossCheckChain {
			return nil, nil
		}
		// The proposer's claimed totals must not exceed what our own
		// chain view shows.
		ownA, err := e.chain.GetLatestDepositByAssetID(ctx, channel.ChannelAddress, channel.NetworkContext.ChainID, update.AssetID, channel.Alice)
		if err != nil {
			return nil, &types.ChainError{Op: "GetLatestDepositByAssetID", Err: err}
		}
		ownB, err := e.chain.GetLatestDepositByAssetID(ctx, channel.ChannelAddress, channel.NetworkContext.ChainID, update.AssetID, channel.Bob)
		if err != nil {
			return nil, &types.ChainError{Op: "GetLatestDepositByAssetID", Err: err}
		}
		if ownA.Amount.Cmp(d.TotalDepositsAlice) < 0 || ownB.Amount.Cmp(d.TotalDepositsBob) < 0 {
			return nil, &types.InvalidUpdateError{Reason: "deposit totals are ahead of the chain view"}
		}
		return nil, nil

	case *types.CreateDetails:
		if channel.AssetIndex(update.AssetID) < 0 {
			return nil, &types.InvalidUpdateError{Reason: "create references an unknown asset"}
		}
		if d.TransferTimeout < e.opts.MinTransferTimeout || d.TransferTimeout > e.opts.MaxTransferTimeout {
			return nil, &types.InvalidUpdateError{
				Reason: fmt.Sprintf("transfer timeout %d outside policy bounds [%d, %d]", d.TransferTimeout, e.opts.MinTransferTimeout, e.opts.MaxTransferTimeout),
			}
		}
		if err := e.checkDefinitionRegistered(d.TransferDefinition); err != nil {
			return nil, err
		}
		for _, to := range d.Balance.To {
			if !bytes.Equal(to, channel.Alice) && !bytes.Equal(to, channel.Bob) {
				return nil, &types.InvalidUpdateError{Reason: "transfer payout target is not a channel participant"}
			}
		}
		return nil, nil

	case *types.ResolveDetails:
		transfer := types.FindTransfer(activeTransfers, d.TransferID)
		if transfer == nil {
			return nil, &types.InvalidUpdateError{Reason: "resolve targets an inactive transfer"}
		}
		if !bytes.Equal(transfer.TransferDefinition, d.TransferDefinition) {
			return nil, &types.InvalidUpdateError{Reason: "resolve definition does not match the transfer"}
		}
		balance, err := e.chain.Resolve(ctx, transfer, d.TransferResolver, channel.NetworkContext.ChainID)
		if err != nil {
			return nil, &types.ChainError{Op: "Resolve", Err: err}
		}
		if err := balance.Validate(); err != nil {
			return nil, &types.ChainError{Op: "Resolve", Err: fmt.Errorf("resolver returned invalid balance: %w", err)}
		}
		if balance.Total().Cmp(transfer.Balance.Total()) != 0 {
			return nil, &types.InvalidUpdateError{Reason: "resolved payout does not conserve the locked value"}
		}
		return &resolvedTransfer{transfer: transfer, balance: balance}, nil
	}
	return nil, &types.InvalidUpdateError{Reason: fmt.Sprintf("unknown details type %T", update.Details)}
}

// validateResult checks the post-apply invariants the update commits to.
func (e *Engine) validateResult(update *types.ChannelUpdate, next *types.FullChannelState, nextTransfers []*types.FullTransferState) error {
	if err := next.CoreChannelState.ValidateBasic(); err != nil {
		return &types.InvalidUpdateError{Reason: "resulting state invalid", Err: err}
	}

	if update.Type != types.UpdateTypeSetup {
		idx := next.AssetIndex(update.AssetID)
		if idx < 0 {
			return &types.InvalidUpdateError{Reason: "update asset missing from resulting state"}
		}
		if !update.Balance.Equal(next.Balances[idx]) {
			return &types.InvalidUpdateError{Reason: "update balance does not match resulting state"}
		}
	}

	switch d := update.Details.(type) {
	case *types.CreateDetails:
		if !bytes.Equal(d.MerkleRoot, next.MerkleRoot) {
			return &types.InvalidUpdateError{Reason: "merkle root does not match resulting transfer set"}
		}
	case *types.ResolveDetails:
		if !bytes.Equal(d.MerkleRoot, next.MerkleRoot) {
			return &types.InvalidUpdateError{Reason: "merkle root does not match resulting transfer set"}
		}
	}

	if update.Type != types.UpdateTypeSetup {
		if err := validateConservation(&next.CoreChannelState, nextTransfers); err != nil {
			return &types.InvalidUpdateError{Reason: "value conservation violated", Err: err}
		}
	}
	return nil
}

func (e *Engine) checkDefinitionRegistered(definition types.Address) error {
	if len(e.opts.RegisteredDefinitions) == 0 {
		return nil
	}
	for _, reg := range e.opts.RegisteredDefinitions {
		if bytes.Equal(reg, definition) {
			return nil
		}
	}
	return &types.InvalidUpdateError{Reason: "transfer definition is not registered"}
}

// generateOutbound turns params into a signed candidate update and the
// state it commits to. The candidate carries only the initiator's
// signature; the caller exchanges it for the counterparty's.
func (e *Engine) generateOutbound(
	ctx context.Context,
	params types.UpdateParams,
	channel *types.FullChannelState,
	activeTransfers []*types.FullTransferState,
) (*types.ChannelUpdate, *types.FullChannelState, []*types.FullTransferState, *store.TransferChange, error) {
	update, resolved, err := e.buildUpdate(ctx, params, channel, activeTransfers)
	if err != nil {
		return nil, nil, nil, nil, err
	}

	next, nextTransfers, change, err := applyUpdate(channel, activeTransfers, update, resolved)
	if err != nil {
		return nil, nil, nil, nil, err
	}

	// Fill the post-apply commitments, then sign.
	if update.Type == types.UpdateTypeSetup {
		update.Balance = types.NewBalance(next.Alice, next.Bob)
	} else {
		idx := next.AssetIndex(update.AssetID)
		update.Balance = next.Balances[idx].Copy()
	}
	switch d := update.Details.(type) {
	case *types.CreateDetails:
		d.MerkleRoot = append(tmbytes.HexBytes(nil), next.MerkleRoot...)
	case *types.ResolveDetails:
		d.MerkleRoot = append(tmbytes.HexBytes(nil), next.MerkleRoot...)
	}

	id := uuid.NewString()
	idSig, err := e.signer.Sign(crypto.Checksum([]byte(id)))
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("signing update id: %w", err)
	}
	update.ID = types.UpdateID{ID: id, Signature: idSig}

	commitment := next.CoreChannelState.Hash()
	sig, err := e.signer.Sign(commitment)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("signing commitment: %w", err)
	}
	if e.publicIdentifier == next.AliceIdentifier {
		update.AliceSignature = sig
	} else {
		update.BobSignature = sig
	}

	if err := update.ValidateBasic(); err != nil {
		return nil, nil, nil, nil, &types.InvalidParamsError{Reason: err.Error()}
	}
	if err := e.validateResult(update, next, nextTransfers); err != nil {
		return nil, nil, nil, nil, err
	}
	return update, next, nextTransfers, change, nil
}

// buildUpdate assembles the unsigned update skeleton for the params,
// consulting the chain reader where the update type requires it.
func (e *Engine) buildUpdate(
	ctx context.Context,
	params types.UpdateParams,
	channel *types.FullChannelState,
	activeTransfers []*types.FullTransferState,
) (*types.ChannelUpdate, *resolvedTransfer, error) {
	switch p := params.(type) {
	case *types.SetupParams:
		if channel != nil {
			return nil, nil, &types.InvalidParamsError{Reason: "channel already exists"}
		}
		if p.CounterpartyIdentifier == e.publicIdentifier {
			return nil, nil, &types.InvalidParamsError{Reason: "cannot open a channel with self"}
		}
		bobAddr, err := p.CounterpartyIdentifier.Address()
		if err != nil {
			return nil, nil, &types.InvalidParamsError{Reason: err.Error()}
		}
		channelAddress := types.ChannelAddress(e.address, bobAddr, p.NetworkContext)
		return &types.ChannelUpdate{
			ChannelAddress: channelAddress,
			FromIdentifier: e.publicIdentifier,
			ToIdentifier:   p.CounterpartyIdentifier,
			Type:           types.UpdateTypeSetup,
			Nonce:          1,
			AssetID:        zeroAddress(),
			Balance:        types.NewBalance(e.address, bobAddr),
			Details: &types.SetupDetails{
				Timeout:        p.Timeout,
				NetworkContext: p.NetworkContext,
			},
		}, nil, nil

	case *types.DepositParams:
		if channel == nil {
			return nil, nil, &types.InvalidParamsError{Reason: "channel not found"}
		}
		to, err := channel.CounterpartyIdentifier(e.publicIdentifier)
		if err != nil {
			return nil, nil, &types.InvalidParamsError{Reason: err.Error()}
		}
		totalA, err := e.chain.GetLatestDepositByAssetID(ctx, channel.ChannelAddress, channel.NetworkContext.ChainID, p.AssetID, channel.Alice)
		if err != nil {
			return nil, nil, &types.ChainError{Op: "GetLatestDepositByAssetID", Err: err}
		}
		totalB, err := e.chain.GetLatestDepositByAssetID(ctx, channel.ChannelAddress, channel.NetworkContext.ChainID, p.AssetID, channel.Bob)
		if err != nil {
			return nil, nil, &types.ChainError{Op: "GetLatestDepositByAssetID", Err: err}
		}
		return &types.ChannelUpdate{
			ChannelAddress: append(types.Address(nil), channel.ChannelAddress...),
			FromIdentifier: e.publicIdentifier,
			ToIdentifier:   to,
			Type:           types.UpdateTypeDeposit,
			Nonce:          channel.Nonce + 1,
			AssetID:        append(types.Address(nil), p.AssetID...),
			Balance:        types.NewBalance(channel.Alice, channel.Bob),
			Details: &types.DepositDetails{
				TotalDepositsAlice: totalA.Amount,
				TotalDepositsBob:   totalB.Amount,
			},
		}, nil, nil

	case *types.CreateParams:
		if channel == nil {
			return nil, nil, &types.InvalidParamsError{Reason: "channel not found"}
		}
		if channel.AssetIndex(p.AssetID) < 0 {
			return nil, nil, &types.InvalidParamsError{Reason: "asset has no balance in this channel"}
		}
		if p.TransferTimeout < e.opts.MinTransferTimeout || p.TransferTimeout > e.opts.MaxTransferTimeout {
			return nil, nil, &types.InvalidParamsError{Reason: "transfer timeout outside policy bounds"}
		}
		if err := e.checkDefinitionRegistered(p.TransferDefinition); err != nil {
			return nil, nil, &types.InvalidParamsError{Reason: err.Error()}
		}
		to, err := channel.CounterpartyIdentifier(e.publicIdentifier)
		if err != nil {
			return nil, nil, &types.InvalidParamsError{Reason: err.Error()}
		}
		details := &types.CreateDetails{
			TransferDefinition:   append(types.Address(nil), p.TransferDefinition...),
			TransferTimeout:      p.TransferTimeout,
			TransferInitialState: append(tmbytes.HexBytes(nil), p.TransferInitialState...),
			TransferEncodings:    append([]string(nil), p.TransferEncodings...),
			Balance:              p.Balance.Copy(),
			MerkleRoot:           zeroRoot(), // filled after apply
		}
		transferID, err := types.DeriveTransferID(channel.ChannelAddress, channel.Nonce+1, p.AssetID, details)
		if err != nil {
			return nil, nil, &types.InvalidParamsError{Reason: err.Error()}
		}
		details.TransferID = transferID
		return &types.ChannelUpdate{
			ChannelAddress: append(types.Address(nil), channel.ChannelAddress...),
			FromIdentifier: e.publicIdentifier,
			ToIdentifier:   to,
			Type:           types.UpdateTypeCreate,
			Nonce:          channel.Nonce + 1,
			AssetID:        append(types.Address(nil), p.AssetID...),
			Balance:        types.NewBalance(channel.Alice, channel.Bob),
			Details:        details,
		}, nil, nil

	case *types.ResolveParams:
		if channel == nil {
			return nil, nil, &types.InvalidParamsError{Reason: "channel not found"}
		}
		transfer := types.FindTransfer(activeTransfers, p.TransferID)
		if transfer == nil {
			return nil, nil, &types.InvalidParamsError{Reason: "transfer is not active"}
		}
		to, err := channel.CounterpartyIdentifier(e.publicIdentifier)
		if err != nil {
			return nil, nil, &types.InvalidParamsError{Reason: err.Error()}
		}
		balance, err := e.chain.Resolve(ctx, transfer, p.TransferResolver, channel.NetworkContext.ChainID)
		if err != nil {
			return nil, nil, &types.ChainError{Op: "Resolve", Err: err}
		}
		if err := balance.Validate(); err != nil {
			return nil, nil, &types.ChainError{Op: "Resolve", Err: fmt.Errorf("resolver returned invalid balance: %w", err)}
		}
		if balance.Total().Cmp(transfer.Balance.Total()) != 0 {
			return nil, nil, &types.InvalidParamsError{Reason: "resolved payout does not conserve the locked value"}
		}
		return &types.ChannelUpdate{
			ChannelAddress: append(types.Address(nil), channel.ChannelAddress...),
			FromIdentifier: e.publicIdentifier,
			ToIdentifier:   to,
			Type:           types.UpdateTypeResolve,
			Nonce:          channel.Nonce + 1,
			AssetID:        append(types.Address(nil), transfer.AssetID...),
			Balance:        types.NewBalance(channel.Alice, channel.Bob),
			Details: &types.ResolveDetails{
				TransferID:         append(tmbytes.HexBytes(nil), p.TransferID...),
				TransferDefinition: append(types.Address(nil), transfer.TransferDefinition...),
				TransferResolver:   append(tmbytes.HexBytes(nil), p.TransferResolver...),
				MerkleRoot:         zeroRoot(), // filled after apply
			},
		}, &resolvedTransfer{transfer: transfer, balance: balance}, nil
	}
	return nil, nil, &types.InvalidParamsError{Reason: fmt.Sprintf("unknown params type %T", params)}
}

func zeroAddress() types.Address {
	return make(types.Address, crypto.AddressSize)
}
