package store

import (
	"github.com/conduit-network/conduit/libs/bytes"
	"github.com/conduit-network/conduit/types"
)

// TransferChange describes the transfer mutation that must commit
// atomically with a channel state write: a create installs a transfer, a
// resolve removes one. At most one of the fields is set.
type TransferChange struct {
	Created  *types.FullTransferState
	Resolved bytes.HexBytes // transfer id to remove
}

// Store persists channel replicas. Implementations must provide
// serializable writes per channel address and commit SaveChannelState
// atomically with its transfer change.
type Store interface {
	// GetChannelState loads a channel replica, or (nil, nil) if the
	// channel has never been set up.
	GetChannelState(channelAddress types.Address) (*types.FullChannelState, error)

	// GetActiveTransfers loads the channel's active transfers, sorted by
	// transfer id.
	GetActiveTransfers(channelAddress types.Address) ([]*types.FullTransferState, error)

	// SaveChannelState commits the channel state and, if change is
	// non-nil, the transfer insert or removal, atomically.
	SaveChannelState(state *types.FullChannelState, change *TransferChange) error
}
