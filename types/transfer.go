package types

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"github.com/conduit-network/conduit/crypto"
	"github.com/conduit-network/conduit/crypto/merkle"
	tmbytes "github.com/conduit-network/conduit/libs/bytes"
)

// CoreTransferState is the member of the merkle set: the onchain-relevant
// commitment to a single conditional transfer.
type CoreTransferState struct {
	ChannelAddress     Address          `json:"channel_address"`
	TransferID         tmbytes.HexBytes `json:"transfer_id"`
	TransferDefinition Address          `json:"transfer_definition"`
	Initiator          Address          `json:"initiator"`
	Responder          Address          `json:"responder"`
	AssetID            Address          `json:"asset_id"`
	Balance            Balance          `json:"balance"`
	TransferTimeout    uint64           `json:"transfer_timeout"`
	InitialStateHash   tmbytes.HexBytes `json:"initial_state_hash"`
}

// Hash returns the merkle leaf preimage digest for the transfer.
// The state must be structurally valid.
func (t *CoreTransferState) Hash() []byte {
	bz, err := t.MarshalCanonical()
	if err != nil {
		panic(fmt.Sprintf("hashing transfer state: %v", err))
	}
	return crypto.Checksum(bz)
}

// ValidateBasic performs stateless structural checks.
func (t *CoreTransferState) ValidateBasic() error {
	if len(t.ChannelAddress) != crypto.AddressSize {
		return errors.New("invalid channel address")
	}
	if len(t.TransferID) != crypto.HashSize {
		return errors.New("invalid transfer id")
	}
	if len(t.TransferDefinition) != crypto.AddressSize {
		return errors.New("invalid transfer definition")
	}
	if len(t.Initiator) != crypto.AddressSize || len(t.Responder) != crypto.AddressSize {
		return errors.New("invalid transfer participant address")
	}
	if len(t.AssetID) != crypto.AddressSize {
		return errors.New("invalid asset id")
	}
	if err := t.Balance.Validate(); err != nil {
		return fmt.Errorf("balance: %w", err)
	}
	if t.TransferTimeout == 0 {
		return errors.New("transfer timeout must be nonzero")
	}
	if len(t.InitialStateHash) != crypto.HashSize {
		return errors.New("invalid initial state hash")
	}
	return nil
}

// Copy returns a deep copy.
func (t *CoreTransferState) Copy() *CoreTransferState {
	return &CoreTransferState{
		ChannelAddress:     append(Address(nil), t.ChannelAddress...),
		TransferID:         append(tmbytes.HexBytes(nil), t.TransferID...),
		TransferDefinition: append(Address(nil), t.TransferDefinition...),
		Initiator:          append(Address(nil), t.Initiator...),
		Responder:          append(Address(nil), t.Responder...),
		AssetID:            append(Address(nil), t.AssetID...),
		Balance:            t.Balance.Copy(),
		TransferTimeout:    t.TransferTimeout,
		InitialStateHash:   append(tmbytes.HexBytes(nil), t.InitialStateHash...),
	}
}

// FullTransferState carries the offchain context of an active transfer: the
// opaque canonical initial state, the encodings the transfer definition
// uses, and, once resolution begins, the resolver payload.
type FullTransferState struct {
	CoreTransferState

	ChannelNonce          uint64           `json:"channel_nonce"`
	TransferState         tmbytes.HexBytes `json:"transfer_state"`
	TransferEncodings     []string         `json:"transfer_encodings"`
	TransferResolver      tmbytes.HexBytes `json:"transfer_resolver"`
	ChainID               uint64           `json:"chain_id"`
	ChannelFactoryAddress Address          `json:"channel_factory_address"`
	InDispute             bool             `json:"in_dispute"`
}

// Copy returns a deep copy.
func (t *FullTransferState) Copy() *FullTransferState {
	return &FullTransferState{
		CoreTransferState:     *t.CoreTransferState.Copy(),
		ChannelNonce:          t.ChannelNonce,
		TransferState:         append(tmbytes.HexBytes(nil), t.TransferState...),
		TransferEncodings:     append([]string(nil), t.TransferEncodings...),
		TransferResolver:      append(tmbytes.HexBytes(nil), t.TransferResolver...),
		ChainID:               t.ChainID,
		ChannelFactoryAddress: append(Address(nil), t.ChannelFactoryAddress...),
		InDispute:             t.InDispute,
	}
}

// DeriveTransferID computes the deterministic transfer id from the channel
// address, the nonce of the create update, and the create data. Both
// replicas derive the same id or the create is rejected.
func DeriveTransferID(channelAddress Address, channelNonce uint64, assetID Address, d *CreateDetails) (tmbytes.HexBytes, error) {
	bz, err := encodeTransferIDPreimage(channelAddress, channelNonce, assetID, d)
	if err != nil {
		return nil, err
	}
	return crypto.Checksum(bz), nil
}

// SortTransfers orders transfers by transfer id ascending, in place. The
// merkle leaf order is this order on every replica.
func SortTransfers(transfers []*FullTransferState) {
	sort.Slice(transfers, func(i, j int) bool {
		return bytes.Compare(transfers[i].TransferID, transfers[j].TransferID) < 0
	})
}

// TransferRoot computes the merkle root over the active transfer set. The
// input is not mutated; the empty set yields the all-zero root.
func TransferRoot(transfers []*FullTransferState) tmbytes.HexBytes {
	sorted := make([]*FullTransferState, len(transfers))
	copy(sorted, transfers)
	SortTransfers(sorted)

	leaves := make([][]byte, len(sorted))
	for i, t := range sorted {
		leaves[i] = t.CoreTransferState.Hash()
	}
	return merkle.HashFromByteSlices(leaves)
}

// TransferProof generates the inclusion proof for transferID against the
// root over the given set.
func TransferProof(transfers []*FullTransferState, transferID tmbytes.HexBytes) (*merkle.Proof, error) {
	sorted := make([]*FullTransferState, len(transfers))
	copy(sorted, transfers)
	SortTransfers(sorted)

	leaves := make([][]byte, len(sorted))
	index := -1
	for i, t := range sorted {
		leaves[i] = t.CoreTransferState.Hash()
		if bytes.Equal(t.TransferID, transferID) {
			index = i
		}
	}
	if index < 0 {
		return nil, fmt.Errorf("transfer %s is not active", transferID)
	}
	_, proofs := merkle.ProofsFromByteSlices(leaves)
	return proofs[index], nil
}

// FindTransfer locates an active transfer by id, or nil.
func FindTransfer(transfers []*FullTransferState, transferID tmbytes.HexBytes) *FullTransferState {
	for _, t := range transfers {
		if bytes.Equal(t.TransferID, transferID) {
			return t
		}
	}
	return nil
}
