package protocol

import (
	"context"

	"github.com/conduit-network/conduit/types"
)

// Inbound handles a counterparty proposal: validate, apply, countersign,
// persist, and return the double-signed update. Errors are replies; state
// is never mutated on failure.
//
// A proposal exactly one nonce ahead of expected is accepted if the
// counterparty supplies the double-signed update we missed: that update is
// applied first, then the proposal. A wider gap is ErrRestoreNeeded.
func (e *Engine) Inbound(ctx context.Context, update, previousUpdate *types.ChannelUpdate) (*types.ChannelUpdate, error) {
	if update == nil {
		return nil, &types.InvalidUpdateError{Reason: "update must be present"}
	}
	if err := update.ValidateBasic(); err != nil {
		return nil, &types.InvalidUpdateError{Reason: "structural check", Err: err}
	}

	unlock := e.lockChannel(update.ChannelAddress)
	defer unlock()

	channel, transfers, err := e.loadChannel(update.ChannelAddress)
	if err != nil {
		return nil, err
	}

	if update.Type == types.UpdateTypeSetup {
		return e.inboundSetup(ctx, update, channel)
	}
	if channel == nil {
		return nil, &types.InvalidUpdateError{Reason: "channel not found"}
	}

	expected := channel.Nonce + 1
	switch {
	case update.Nonce < expected:
		// Re-delivery of the committed update is answered idempotently;
		// anything else stale gets our latest for the initiator to sync.
		if update.Nonce == channel.Nonce && channel.LatestUpdate != nil &&
			channel.LatestUpdate.ID.ID == update.ID.ID {
			return channel.LatestUpdate.Copy(), nil
		}
		return nil, &types.StaleUpdateError{LatestUpdate: channel.LatestUpdate}

	case update.Nonce == expected:
		return e.applyAndCommit(ctx, update, channel, transfers)

	case update.Nonce == expected+1:
		// The counterparty is one committed update ahead. Catch up from
		// its previous update, then apply the proposal.
		if previousUpdate == nil {
			return nil, &types.InvalidUpdateError{Reason: "missing previous update for one-step sync"}
		}
		if !previousUpdate.DoubleSigned() {
			return nil, types.ErrSyncSingleSigned
		}
		if previousUpdate.Type == types.UpdateTypeSetup {
			return nil, types.ErrCannotSyncSetup
		}
		if previousUpdate.Nonce != expected {
			return nil, types.ErrRestoreNeeded
		}

		_, synced, syncedTransfers, syncChange, err := e.validateAndApply(ctx, previousUpdate, channel, transfers, false)
		if err != nil {
			return nil, err
		}
		// Validate the proposal against the synced state before persisting
		// either, so a rejected proposal leaves the replica unchanged.
		applied, next, _, change, err := e.validateAndApply(ctx, update, synced, syncedTransfers, true)
		if err != nil {
			return nil, err
		}
		if err := e.store.SaveChannelState(synced, syncChange); err != nil {
			return nil, &types.StoreError{Op: "SaveChannelState", Err: err}
		}
		e.logger.Info("synced missed update",
			"channel", update.ChannelAddress.String(),
			"type", string(previousUpdate.Type),
			"nonce", previousUpdate.Nonce,
		)
		if err := e.store.SaveChannelState(next, change); err != nil {
			return nil, &types.StoreError{Op: "SaveChannelState", Err: err}
		}
		e.logger.Info("update applied",
			"channel", update.ChannelAddress.String(),
			"type", string(update.Type),
			"nonce", update.Nonce,
		)
		return applied, nil

	default:
		return nil, types.ErrRestoreNeeded
	}
}

func (e *Engine) inboundSetup(ctx context.Context, update *types.ChannelUpdate, channel *types.FullChannelState) (*types.ChannelUpdate, error) {
	if channel != nil {
		if channel.LatestUpdate != nil && channel.LatestUpdate.ID.ID == update.ID.ID {
			return channel.LatestUpdate.Copy(), nil
		}
		return nil, &types.StaleUpdateError{LatestUpdate: channel.LatestUpdate}
	}
	return e.applyAndCommit(ctx, update, nil, nil)
}

// applyAndCommit runs the full inbound validation, persists the result,
// and returns the countersigned update.
func (e *Engine) applyAndCommit(
	ctx context.Context,
	update *types.ChannelUpdate,
	channel *types.FullChannelState,
	transfers []*types.FullTransferState,
) (*types.ChannelUpdate, error) {
	applied, next, _, change, err := e.validateAndApply(ctx, update, channel, transfers, true)
	if err != nil {
		return nil, err
	}
	if err := e.store.SaveChannelState(next, change); err != nil {
		return nil, &types.StoreError{Op: "SaveChannelState", Err: err}
	}

	e.logger.Info("update applied",
		"channel", update.ChannelAddress.String(),
		"type", string(update.Type),
		"nonce", update.Nonce,
	)
	return applied, nil
}
