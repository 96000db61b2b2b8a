package protocol

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/conduit-network/conduit/store"
	"github.com/conduit-network/conduit/types"
)

// Outbound proposes one update and drives it to a double-signed commit.
//
// The channel lock is held while the candidate is generated and while the
// result is committed, but NOT across the messaging exchange: the await is
// a suspension point, and the counterparty's own proposal may arrive on
// Inbound and commit while this side waits. The reply arbitrates: either
// the counterparty countersigned our candidate, or it reports a stale
// nonce and hands us the update we missed, which we apply once without
// retransmitting (status synced).
func (e *Engine) Outbound(ctx context.Context, params types.UpdateParams) (*Result, error) {
	if params == nil {
		return nil, &types.InvalidParamsError{Reason: "params must be present"}
	}
	if err := params.Validate(); err != nil {
		return nil, &types.InvalidParamsError{Reason: err.Error()}
	}

	channelAddress, err := e.channelAddressForParams(params)
	if err != nil {
		return nil, err
	}

	candidate, next, prevUpdate, prevNonce, change, err := e.prepareOutbound(ctx, params, channelAddress)
	if err != nil {
		return nil, err
	}

	e.logger.Debug("proposing update",
		"channel", channelAddress.String(),
		"type", string(candidate.Type),
		"nonce", candidate.Nonce,
	)

	mctx, cancel := context.WithTimeout(ctx, e.opts.MessagingTimeout)
	reply, sendErr := e.messenger.SendProtocolMessage(mctx, candidate, prevUpdate)
	cancel()

	if sendErr != nil {
		var stale *types.StaleUpdateError
		if errors.As(sendErr, &stale) {
			return e.syncStateAndRecreateUpdate(ctx, stale, channelAddress)
		}
		return nil, &types.CounterpartyError{Err: sendErr}
	}
	if reply == nil || reply.Update == nil {
		return nil, &types.CounterpartyError{Err: errors.New("empty reply")}
	}

	return e.commitOutbound(candidate, next, change, prevNonce, reply.Update)
}

// prepareOutbound generates the signed candidate under the channel lock.
func (e *Engine) prepareOutbound(
	ctx context.Context,
	params types.UpdateParams,
	channelAddress types.Address,
) (*types.ChannelUpdate, *types.FullChannelState, *types.ChannelUpdate, uint64, *store.TransferChange, error) {
	unlock := e.lockChannel(channelAddress)
	defer unlock()

	channel, transfers, err := e.loadChannel(channelAddress)
	if err != nil {
		return nil, nil, nil, 0, nil, err
	}

	if err := e.external.ValidateOutbound(ctx, params, channel, transfers); err != nil {
		return nil, nil, nil, 0, nil, &types.ExternalValidationError{Err: err}
	}

	candidate, next, _, change, err := e.generateOutbound(ctx, params, channel, transfers)
	if err != nil {
		return nil, nil, nil, 0, nil, err
	}

	var prevUpdate *types.ChannelUpdate
	var prevNonce uint64
	if channel != nil {
		prevUpdate = channel.LatestUpdate
		prevNonce = channel.Nonce
	}
	return candidate, next, prevUpdate, prevNonce, change, nil
}

// commitOutbound verifies the countersigned reply and persists, detecting
// a replica that advanced while the lock was released.
func (e *Engine) commitOutbound(
	candidate *types.ChannelUpdate,
	next *types.FullChannelState,
	change *store.TransferChange,
	prevNonce uint64,
	replyUpdate *types.ChannelUpdate,
) (*Result, error) {
	if err := replyUpdate.ValidateBasic(); err != nil {
		return nil, &types.InvalidUpdateError{Reason: "malformed reply", Err: err}
	}
	if replyUpdate.ID.ID != candidate.ID.ID || replyUpdate.Nonce != candidate.Nonce {
		return nil, &types.InvalidUpdateError{Reason: "reply does not answer the proposed update"}
	}
	if !bytes.Equal(replyUpdate.Hash(), candidate.Hash()) {
		return nil, &types.InvalidUpdateError{Reason: "reply modified the proposed update"}
	}

	commitment := next.CoreChannelState.Hash()
	initiatorIsAlice := e.publicIdentifier == next.AliceIdentifier
	if err := replyUpdate.VerifyCommitmentSignatures(commitment, next.Alice, next.Bob, initiatorIsAlice, true); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrBadSignatures, err)
	}

	unlock := e.lockChannel(next.ChannelAddress)
	defer unlock()

	current, _, err := e.loadChannel(next.ChannelAddress)
	if err != nil {
		return nil, err
	}
	if current != nil && current.Nonce != prevNonce {
		// An inbound or sync commit raced us while the lock was released.
		// The verified countersignature proves the candidate committed at
		// its nonce, so if the replica has reached or passed it, the
		// operation is done; re-persisting would clobber newer state.
		if current.Nonce >= candidate.Nonce {
			return &Result{Status: StatusApplied, Channel: current, Update: replyUpdate.Copy()}, nil
		}
		return nil, &types.InvalidUpdateError{Reason: "replica advanced past the proposed nonce during the exchange"}
	}

	committed := replyUpdate.Copy()
	next.LatestUpdate = committed
	if err := e.store.SaveChannelState(next, change); err != nil {
		return nil, &types.StoreError{Op: "SaveChannelState", Err: err}
	}

	e.logger.Info("update applied",
		"channel", next.ChannelAddress.String(),
		"type", string(committed.Type),
		"nonce", committed.Nonce,
	)
	return &Result{Status: StatusApplied, Channel: next, Update: committed}, nil
}

// syncStateAndRecreateUpdate performs the one-shot catch-up after a stale
// reply: validate the counterparty's newer update and apply it, without
// retransmitting the original proposal.
func (e *Engine) syncStateAndRecreateUpdate(
	ctx context.Context,
	stale *types.StaleUpdateError,
	channelAddress types.Address,
) (*Result, error) {
	toSync := stale.LatestUpdate
	if toSync == nil {
		return nil, &types.CounterpartyError{Err: errors.New("stale reply carries no update to sync")}
	}
	if toSync.Type == types.UpdateTypeSetup {
		return nil, types.ErrCannotSyncSetup
	}
	if !toSync.DoubleSigned() {
		return nil, types.ErrSyncSingleSigned
	}

	unlock := e.lockChannel(channelAddress)
	defer unlock()

	channel, transfers, err := e.loadChannel(channelAddress)
	if err != nil {
		return nil, err
	}
	if channel == nil {
		return nil, types.ErrRestoreNeeded
	}

	// An inbound commit may have landed the same update while our
	// proposal was in flight; syncing is then already done.
	if toSync.Nonce <= channel.Nonce {
		if channel.LatestUpdate != nil && channel.LatestUpdate.Nonce == toSync.Nonce &&
			channel.LatestUpdate.ID.ID == toSync.ID.ID {
			return &Result{Status: StatusSynced, Channel: channel, Update: channel.LatestUpdate}, nil
		}
		return nil, types.ErrRestoreNeeded
	}
	if toSync.Nonce != channel.Nonce+1 {
		return nil, types.ErrRestoreNeeded
	}

	_, synced, _, change, err := e.validateAndApply(ctx, toSync, channel, transfers, false)
	if err != nil {
		return nil, err
	}
	if err := e.store.SaveChannelState(synced, change); err != nil {
		return nil, &types.StoreError{Op: "SaveChannelState", Err: err}
	}

	e.logger.Info("synced missed update",
		"channel", channelAddress.String(),
		"type", string(toSync.Type),
		"nonce", toSync.Nonce,
	)
	return &Result{Status: StatusSynced, Channel: synced, Update: synced.LatestUpdate}, nil
}

// channelAddressForParams resolves the channel a params value targets.
func (e *Engine) channelAddressForParams(params types.UpdateParams) (types.Address, error) {
	switch p := params.(type) {
	case *types.SetupParams:
		counterparty, err := p.CounterpartyIdentifier.Address()
		if err != nil {
			return nil, &types.InvalidParamsError{Reason: err.Error()}
		}
		return types.ChannelAddress(e.address, counterparty, p.NetworkContext), nil
	case *types.DepositParams:
		return p.ChannelAddress, nil
	case *types.CreateParams:
		return p.ChannelAddress, nil
	case *types.ResolveParams:
		return p.ChannelAddress, nil
	}
	return nil, &types.InvalidParamsError{Reason: fmt.Sprintf("unknown params type %T", params)}
}
