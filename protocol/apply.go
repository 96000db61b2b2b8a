package protocol

import (
	"bytes"
	"fmt"
	"math/big"

	"github.com/conduit-network/conduit/crypto"
	tmbytes "github.com/conduit-network/conduit/libs/bytes"
	"github.com/conduit-network/conduit/store"
	"github.com/conduit-network/conduit/types"
)

// resolvedTransfer carries the chain reader's answer for a resolve update
// into the applier, keeping the applier itself pure.
type resolvedTransfer struct {
	transfer *types.FullTransferState
	balance  types.Balance // final payout returned by the transfer definition
}

// applyUpdate produces the next channel state and transfer set from the
// prior ones and a structurally valid update. It is a pure function: no
// IO, inputs are not mutated. prev is nil only for setup; resolved is
// non-nil only for resolve.
func applyUpdate(
	prev *types.FullChannelState,
	activeTransfers []*types.FullTransferState,
	update *types.ChannelUpdate,
	resolved *resolvedTransfer,
) (*types.FullChannelState, []*types.FullTransferState, *store.TransferChange, error) {
	switch update.Type {
	case types.UpdateTypeSetup:
		next, err := applySetup(update)
		return next, nil, nil, err
	case types.UpdateTypeDeposit:
		next, err := applyDeposit(prev, update)
		return next, copyTransfers(activeTransfers), nil, err
	case types.UpdateTypeCreate:
		return applyCreate(prev, activeTransfers, update)
	case types.UpdateTypeResolve:
		return applyResolve(prev, activeTransfers, update, resolved)
	}
	return nil, nil, nil, &types.InvalidUpdateError{Reason: fmt.Sprintf("unknown update type %q", update.Type)}
}

func applySetup(update *types.ChannelUpdate) (*types.FullChannelState, error) {
	d, ok := update.Details.(*types.SetupDetails)
	if !ok {
		return nil, &types.InvalidUpdateError{Reason: "details do not match setup"}
	}
	if update.Nonce != 1 {
		return nil, &types.InvalidUpdateError{Reason: "setup must have nonce 1"}
	}

	alice, err := update.FromIdentifier.Address()
	if err != nil {
		return nil, &types.InvalidUpdateError{Reason: "setup initiator", Err: err}
	}
	bob, err := update.ToIdentifier.Address()
	if err != nil {
		return nil, &types.InvalidUpdateError{Reason: "setup responder", Err: err}
	}

	expected := types.ChannelAddress(alice, bob, d.NetworkContext)
	if !bytes.Equal(expected, update.ChannelAddress) {
		return nil, &types.InvalidUpdateError{Reason: "channel address does not match participants and network context"}
	}

	return &types.FullChannelState{
		CoreChannelState: types.CoreChannelState{
			ChannelAddress: append(types.Address(nil), update.ChannelAddress...),
			Alice:          alice,
			Bob:            bob,
			Timeout:        d.Timeout,
			Nonce:          1,
			MerkleRoot:     zeroRoot(),
		},
		AliceIdentifier: update.FromIdentifier,
		BobIdentifier:   update.ToIdentifier,
		NetworkContext: types.NetworkContext{
			ChainID:               d.NetworkContext.ChainID,
			ChannelFactoryAddress: append(types.Address(nil), d.NetworkContext.ChannelFactoryAddress...),
		},
	}, nil
}

func applyDeposit(prev *types.FullChannelState, update *types.ChannelUpdate) (*types.FullChannelState, error) {
	d, ok := update.Details.(*types.DepositDetails)
	if !ok {
		return nil, &types.InvalidUpdateError{Reason: "details do not match deposit"}
	}
	next := prev.Copy()
	next.Nonce = update.Nonce

	idx := next.AssetIndex(update.AssetID)
	if idx < 0 {
		idx = extendAssets(next, update.AssetID)
	}

	diffA := new(big.Int).Sub(d.TotalDepositsAlice, next.ProcessedDepositsA[idx])
	diffB := new(big.Int).Sub(d.TotalDepositsBob, next.ProcessedDepositsB[idx])
	if diffA.Sign() < 0 || diffB.Sign() < 0 {
		return nil, &types.InvalidUpdateError{Reason: "deposit totals are behind processed totals"}
	}

	next.Balances[idx].Amount[0].Add(next.Balances[idx].Amount[0], diffA)
	next.Balances[idx].Amount[1].Add(next.Balances[idx].Amount[1], diffB)
	next.ProcessedDepositsA[idx].Set(d.TotalDepositsAlice)
	next.ProcessedDepositsB[idx].Set(d.TotalDepositsBob)
	return next, nil
}

func applyCreate(
	prev *types.FullChannelState,
	activeTransfers []*types.FullTransferState,
	update *types.ChannelUpdate,
) (*types.FullChannelState, []*types.FullTransferState, *store.TransferChange, error) {
	d, ok := update.Details.(*types.CreateDetails)
	if !ok {
		return nil, nil, nil, &types.InvalidUpdateError{Reason: "details do not match create"}
	}
	next := prev.Copy()
	next.Nonce = update.Nonce

	idx := next.AssetIndex(update.AssetID)
	if idx < 0 {
		return nil, nil, nil, &types.InvalidUpdateError{Reason: "create references an unknown asset"}
	}

	derived, err := types.DeriveTransferID(prev.ChannelAddress, update.Nonce, update.AssetID, d)
	if err != nil {
		return nil, nil, nil, &types.InvalidUpdateError{Reason: "deriving transfer id", Err: err}
	}
	if !bytes.Equal(derived, d.TransferID) {
		return nil, nil, nil, &types.InvalidUpdateError{Reason: "transfer id is not the deterministic derivation"}
	}
	if types.FindTransfer(activeTransfers, d.TransferID) != nil {
		return nil, nil, nil, &types.InvalidUpdateError{Reason: "duplicate transfer id"}
	}

	initiator, err := update.FromIdentifier.Address()
	if err != nil {
		return nil, nil, nil, &types.InvalidUpdateError{Reason: "create initiator", Err: err}
	}
	responder, err := update.ToIdentifier.Address()
	if err != nil {
		return nil, nil, nil, &types.InvalidUpdateError{Reason: "create responder", Err: err}
	}

	// The full locked amount comes out of the creator's channel balance.
	slot, err := participantSlot(&next.CoreChannelState, initiator)
	if err != nil {
		return nil, nil, nil, &types.InvalidUpdateError{Reason: "create initiator is not a participant"}
	}
	locked := d.Balance.Total()
	bal := next.Balances[idx].Amount[slot]
	if bal.Cmp(locked) < 0 {
		return nil, nil, nil, &types.InvalidUpdateError{Reason: "insufficient balance to lock transfer"}
	}
	bal.Sub(bal, locked)

	transfer := &types.FullTransferState{
		CoreTransferState: types.CoreTransferState{
			ChannelAddress:     append(types.Address(nil), prev.ChannelAddress...),
			TransferID:         append(tmbytes.HexBytes(nil), d.TransferID...),
			TransferDefinition: append(types.Address(nil), d.TransferDefinition...),
			Initiator:          initiator,
			Responder:          responder,
			AssetID:            append(types.Address(nil), update.AssetID...),
			Balance:            d.Balance.Copy(),
			TransferTimeout:    d.TransferTimeout,
			InitialStateHash:   crypto.Checksum(d.TransferInitialState),
		},
		ChannelNonce:          update.Nonce,
		TransferState:         append(tmbytes.HexBytes(nil), d.TransferInitialState...),
		TransferEncodings:     append([]string(nil), d.TransferEncodings...),
		ChainID:               prev.NetworkContext.ChainID,
		ChannelFactoryAddress: append(types.Address(nil), prev.NetworkContext.ChannelFactoryAddress...),
	}

	nextTransfers := append(copyTransfers(activeTransfers), transfer)
	types.SortTransfers(nextTransfers)
	next.MerkleRoot = types.TransferRoot(nextTransfers)

	return next, nextTransfers, &store.TransferChange{Created: transfer}, nil
}

func applyResolve(
	prev *types.FullChannelState,
	activeTransfers []*types.FullTransferState,
	update *types.ChannelUpdate,
	resolved *resolvedTransfer,
) (*types.FullChannelState, []*types.FullTransferState, *store.TransferChange, error) {
	d, ok := update.Details.(*types.ResolveDetails)
	if !ok {
		return nil, nil, nil, &types.InvalidUpdateError{Reason: "details do not match resolve"}
	}
	if resolved == nil || resolved.transfer == nil {
		return nil, nil, nil, &types.InvalidUpdateError{Reason: "resolve requires a resolved transfer"}
	}
	next := prev.Copy()
	next.Nonce = update.Nonce

	transfer := resolved.transfer
	if !bytes.Equal(transfer.TransferID, d.TransferID) {
		return nil, nil, nil, &types.InvalidUpdateError{Reason: "resolved transfer does not match details"}
	}

	idx := next.AssetIndex(transfer.AssetID)
	if idx < 0 {
		return nil, nil, nil, &types.InvalidUpdateError{Reason: "resolve references an unknown asset"}
	}

	// Credit the payout to the channel participants named as targets.
	for i, to := range resolved.balance.To {
		amt := resolved.balance.Amount[i]
		if amt.Sign() == 0 {
			continue
		}
		slot, err := participantSlot(&next.CoreChannelState, to)
		if err != nil {
			return nil, nil, nil, &types.InvalidUpdateError{Reason: "payout target is not a channel participant"}
		}
		next.Balances[idx].Amount[slot].Add(next.Balances[idx].Amount[slot], amt)
	}

	nextTransfers := make([]*types.FullTransferState, 0, len(activeTransfers))
	removed := false
	for _, t := range activeTransfers {
		if bytes.Equal(t.TransferID, d.TransferID) {
			removed = true
			continue
		}
		nextTransfers = append(nextTransfers, t.Copy())
	}
	if !removed {
		return nil, nil, nil, &types.InvalidUpdateError{Reason: "resolve targets an inactive transfer"}
	}
	next.MerkleRoot = types.TransferRoot(nextTransfers)

	return next, nextTransfers, &store.TransferChange{Resolved: append(tmbytes.HexBytes(nil), d.TransferID...)}, nil
}

// extendAssets appends a new asset with zero balances and returns its index.
func extendAssets(s *types.FullChannelState, assetID types.Address) int {
	s.AssetIDs = append(s.AssetIDs, append(types.Address(nil), assetID...))
	s.Balances = append(s.Balances, types.NewBalance(s.Alice, s.Bob))
	s.ProcessedDepositsA = append(s.ProcessedDepositsA, new(big.Int))
	s.ProcessedDepositsB = append(s.ProcessedDepositsB, new(big.Int))
	s.DefundNonces = append(s.DefundNonces, 1)
	return len(s.AssetIDs) - 1
}

// participantSlot maps an address to balance slot 0 (alice) or 1 (bob).
func participantSlot(s *types.CoreChannelState, addr types.Address) (int, error) {
	switch {
	case bytes.Equal(addr, s.Alice):
		return 0, nil
	case bytes.Equal(addr, s.Bob):
		return 1, nil
	}
	return 0, fmt.Errorf("address %s is not a channel participant", addr)
}

// validateConservation checks invariant 3: per asset, the channel balance
// plus the value locked in active transfers equals the processed deposits.
func validateConservation(s *types.CoreChannelState, activeTransfers []*types.FullTransferState) error {
	for i, assetID := range s.AssetIDs {
		total := s.Balances[i].Total()
		for _, t := range activeTransfers {
			if bytes.Equal(t.AssetID, assetID) {
				total.Add(total, t.Balance.Total())
			}
		}
		deposits := new(big.Int).Add(s.ProcessedDepositsA[i], s.ProcessedDepositsB[i])
		if total.Cmp(deposits) != 0 {
			return fmt.Errorf("asset %s: balance %s + locked does not equal deposits %s", assetID, total, deposits)
		}
	}
	return nil
}

func copyTransfers(transfers []*types.FullTransferState) []*types.FullTransferState {
	cp := make([]*types.FullTransferState, len(transfers))
	for i, t := range transfers {
		cp[i] = t.Copy()
	}
	return cp
}

func zeroRoot() tmbytes.HexBytes {
	return make(tmbytes.HexBytes, crypto.HashSize)
}
