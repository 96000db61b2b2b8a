package store

import (
	"errors"
	"fmt"
	"sync"

	dbm "github.com/tendermint/tm-db"

	"github.com/conduit-network/conduit/types"
)

var (
	channelPrefix  = []byte("cs/")
	transferPrefix = []byte("tf/")
)

// DBStore is a Store over any tm-db backend. Objects are persisted in their
// canonical encodings, so a reload produces byte-identical commitments.
type DBStore struct {
	mtx sync.RWMutex
	db  dbm.DB
}

var _ Store = (*DBStore)(nil)

// NewDBStore returns a Store that wraps any tm-db DB.
func NewDBStore(db dbm.DB) *DBStore {
	return &DBStore{db: db}
}

// GetChannelState implements Store.
func (s *DBStore) GetChannelState(channelAddress types.Address) (*types.FullChannelState, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	bz, err := s.db.Get(channelKey(channelAddress))
	if err != nil {
		return nil, fmt.Errorf("reading channel state: %w", err)
	}
	if len(bz) == 0 {
		return nil, nil
	}
	return types.UnmarshalFullChannelState(bz)
}

// GetActiveTransfers implements Store.
func (s *DBStore) GetActiveTransfers(channelAddress types.Address) ([]*types.FullTransferState, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	prefix := transferChannelPrefix(channelAddress)
	itr, err := dbm.IteratePrefix(s.db, prefix)
	if err != nil {
		return nil, fmt.Errorf("iterating transfers: %w", err)
	}
	defer itr.Close()

	var transfers []*types.FullTransferState
	for ; itr.Valid(); itr.Next() {
		t, err := types.UnmarshalFullTransferState(itr.Value())
		if err != nil {
			return nil, err
		}
		transfers = append(transfers, t)
	}
	if err := itr.Error(); err != nil {
		return nil, fmt.Errorf("iterating transfers: %w", err)
	}
	types.SortTransfers(transfers)
	return transfers, nil
}

// SaveChannelState implements Store. The channel write and the transfer
// change land in one batch.
func (s *DBStore) SaveChannelState(state *types.FullChannelState, change *TransferChange) error {
	if state == nil {
		return errors.New("nil channel state")
	}
	bz, err := state.MarshalBinary()
	if err != nil {
		return fmt.Errorf("marshalling channel state: %w", err)
	}

	s.mtx.Lock()
	defer s.mtx.Unlock()

	b := s.db.NewBatch()
	defer b.Close()

	if err := b.Set(channelKey(state.ChannelAddress), bz); err != nil {
		return err
	}
	if change != nil {
		switch {
		case change.Created != nil:
			tbz, err := change.Created.MarshalBinary()
			if err != nil {
				return fmt.Errorf("marshalling transfer: %w", err)
			}
			if err := b.Set(transferKey(state.ChannelAddress, change.Created.TransferID), tbz); err != nil {
				return err
			}
		case len(change.Resolved) > 0:
			if err := b.Delete(transferKey(state.ChannelAddress, change.Resolved)); err != nil {
				return err
			}
		}
	}
	return b.WriteSync()
}

func channelKey(channelAddress types.Address) []byte {
	return append(channelPrefix, channelAddress...)
}

func transferChannelPrefix(channelAddress types.Address) []byte {
	key := append([]byte(nil), transferPrefix...)
	key = append(key, channelAddress...)
	return append(key, '/')
}

func transferKey(channelAddress types.Address, transferID []byte) []byte {
	return append(transferChannelPrefix(channelAddress), transferID...)
}
