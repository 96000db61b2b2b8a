package protocol

import (
	"errors"
	"sync"
	"time"

	"github.com/conduit-network/conduit/crypto"
	"github.com/conduit-network/conduit/libs/log"
	"github.com/conduit-network/conduit/store"
	"github.com/conduit-network/conduit/types"
)

// Status reports how an outbound call advanced the replica.
type Status string

const (
	// StatusApplied: the proposed update was double-signed and committed.
	StatusApplied Status = "applied"

	// StatusSynced: the proposal was stale; the engine caught up by one
	// update instead. The original params were NOT retransmitted - the
	// caller re-invokes Outbound if the operation is still wanted.
	StatusSynced Status = "synced"
)

// Result is the success outcome of an Outbound call.
type Result struct {
	Status  Status
	Channel *types.FullChannelState
	Update  *types.ChannelUpdate // the committed, double-signed update
}

// Options configure engine policy.
type Options struct {
	// MessagingTimeout bounds each SendProtocolMessage call. Expiry maps
	// to a retriable CounterpartyError.
	MessagingTimeout time.Duration

	// MinTransferTimeout and MaxTransferTimeout bound the transferTimeout
	// accepted in create updates.
	MinTransferTimeout uint64
	MaxTransferTimeout uint64

	// RegisteredDefinitions restricts the transfer definitions accepted in
	// create updates. Empty means any definition is accepted.
	RegisteredDefinitions []types.Address
}

// DefaultOptions returns the default engine policy.
func DefaultOptions() Options {
	return Options{
		MessagingTimeout:   30 * time.Second,
		MinTransferTimeout: 600,           // 10 minutes
		MaxTransferTimeout: 86400 * 30,    // 30 days
	}
}

// Engine drives one participant's channel replicas through the update
// protocol. At most one update per channel is in flight from this side;
// distinct channels proceed in parallel.
type Engine struct {
	signer           *crypto.Signer
	publicIdentifier types.PublicIdentifier
	address          types.Address

	store     store.Store
	chain     ChainReader
	messenger Messenger
	external  ExternalValidator
	opts      Options
	logger    log.Logger

	mtx          sync.Mutex
	channelLocks map[string]*sync.Mutex
}

// New returns an Engine. All collaborators are passed explicitly; the
// external validator may be nil, in which case everything passes.
func New(
	signer *crypto.Signer,
	st store.Store,
	chain ChainReader,
	messenger Messenger,
	external ExternalValidator,
	opts Options,
	logger log.Logger,
) (*Engine, error) {
	if signer == nil {
		return nil, errors.New("signer must be present")
	}
	if st == nil {
		return nil, errors.New("store must be present")
	}
	if chain == nil {
		return nil, errors.New("chain reader must be present")
	}
	if messenger == nil {
		return nil, errors.New("messenger must be present")
	}
	if external == nil {
		external = NopValidator{}
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if opts.MessagingTimeout == 0 {
		opts.MessagingTimeout = DefaultOptions().MessagingTimeout
	}
	if opts.MinTransferTimeout == 0 {
		opts.MinTransferTimeout = DefaultOptions().MinTransferTimeout
	}
	if opts.MaxTransferTimeout == 0 {
		opts.MaxTransferTimeout = DefaultOptions().MaxTransferTimeout
	}

	id, err := types.IdentifierFromPubKey(signer.PubKeyBytes())
	if err != nil {
		return nil, err
	}

	return &Engine{
		signer:           signer,
		publicIdentifier: id,
		address:          signer.Address(),
		store:            st,
		chain:            chain,
		messenger:        messenger,
		external:         external,
		opts:             opts,
		logger:           logger.With("module", "protocol", "identifier", string(id)),
		channelLocks:     make(map[string]*sync.Mutex),
	}, nil
}

// PublicIdentifier returns this participant's identifier.
func (e *Engine) PublicIdentifier() types.PublicIdentifier {
	return e.publicIdentifier
}

// Address returns this participant's signing address.
func (e *Engine) Address() types.Address {
	return append(types.Address(nil), e.address...)
}

// lockChannel serializes protocol work per channel address. The returned
// func releases the lock.
func (e *Engine) lockChannel(channelAddress types.Address) func() {
	key := string(channelAddress)

	e.mtx.Lock()
	lock, ok := e.channelLocks[key]
	if !ok {
		lock = new(sync.Mutex)
		e.channelLocks[key] = lock
	}
	e.mtx.Unlock()

	lock.Lock()
	return lock.Unlock
}

// loadChannel reads the replica and its active transfers.
func (e *Engine) loadChannel(channelAddress types.Address) (*types.FullChannelState, []*types.FullTransferState, error) {
	channel, err := e.store.GetChannelState(channelAddress)
	if err != nil {
		return nil, nil, &types.StoreError{Op: "GetChannelState", Err: err}
	}
	if channel == nil {
		return nil, nil, nil
	}
	transfers, err := e.store.GetActiveTransfers(channelAddress)
	if err != nil {
		return nil, nil, &types.StoreError{Op: "GetActiveTransfers", Err: err}
	}
	return channel, transfers, nil
}
