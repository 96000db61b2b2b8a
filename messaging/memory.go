package messaging

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/conduit-network/conduit/libs/log"
	"github.com/conduit-network/conduit/protocol"
	"github.com/conduit-network/conduit/types"
)

// InboundHandler is the receiving side of a protocol exchange; an engine's
// Inbound satisfies it.
type InboundHandler func(ctx context.Context, update, previousUpdate *types.ChannelUpdate) (*types.ChannelUpdate, error)

// MemoryNetwork is an in-process Messenger fabric: it pairs participants
// by public identifier and delivers protocol messages to the registered
// inbound handler. Each delivery is round-tripped through the canonical
// wire encoding, so every exchange also exercises the codec, and each
// request carries a correlation id. Handler errors are returned to the
// sender verbatim: a remote StaleUpdateError arrives as that typed error.
type MemoryNetwork struct {
	logger log.Logger

	mtx   sync.RWMutex
	peers map[types.PublicIdentifier]InboundHandler
}

// NewMemoryNetwork returns an empty fabric.
func NewMemoryNetwork(logger log.Logger) *MemoryNetwork {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &MemoryNetwork{
		logger: logger.With("module", "messaging"),
		peers:  make(map[types.PublicIdentifier]InboundHandler),
	}
}

// Register connects a participant's inbound handler and returns its
// sending endpoint.
func (n *MemoryNetwork) Register(id types.PublicIdentifier, handler InboundHandler) *Endpoint {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	n.peers[id] = handler
	return &Endpoint{network: n, from: id}
}

func (n *MemoryNetwork) lookup(id types.PublicIdentifier) (InboundHandler, bool) {
	n.mtx.RLock()
	defer n.mtx.RUnlock()
	h, ok := n.peers[id]
	return h, ok
}

// Endpoint is one participant's view of the fabric.
type Endpoint struct {
	network *MemoryNetwork
	from    types.PublicIdentifier
}

var _ protocol.Messenger = (*Endpoint)(nil)

// SendProtocolMessage implements protocol.Messenger. The caller's context
// bounds the wait; expiry returns ctx.Err() and the engine maps it to a
// retriable counterparty failure.
func (ep *Endpoint) SendProtocolMessage(ctx context.Context, update, previousUpdate *types.ChannelUpdate) (*protocol.ProtocolReply, error) {
	if update == nil {
		return nil, fmt.Errorf("nil update")
	}
	handler, ok := ep.network.lookup(update.ToIdentifier)
	if !ok {
		return nil, fmt.Errorf("no peer registered for %q", update.ToIdentifier)
	}

	wireUpdate, err := roundTrip(update)
	if err != nil {
		return nil, fmt.Errorf("encoding update: %w", err)
	}
	wirePrev, err := roundTrip(previousUpdate)
	if err != nil {
		return nil, fmt.Errorf("encoding previous update: %w", err)
	}

	requestID := uuid.NewString()
	ep.network.logger.Debug("delivering protocol message",
		"request_id", requestID,
		"from", string(ep.from),
		"to", string(update.ToIdentifier),
		"nonce", update.Nonce,
	)

	type response struct {
		update *types.ChannelUpdate
		err    error
	}
	ch := make(chan response, 1)
	go func() {
		reply, err := handler(ctx, wireUpdate, wirePrev)
		ch <- response{update: reply, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		replied, err := roundTrip(r.update)
		if err != nil {
			return nil, fmt.Errorf("decoding reply: %w", err)
		}
		return &protocol.ProtocolReply{Update: replied, PreviousUpdate: previousUpdate}, nil
	}
}

// roundTrip passes an update through the canonical wire encoding.
func roundTrip(u *types.ChannelUpdate) (*types.ChannelUpdate, error) {
	if u == nil {
		return nil, nil
	}
	bz, err := u.MarshalBinary()
	if err != nil {
		return nil, err
	}
	return types.UnmarshalChannelUpdate(bz)
}
