package types

import (
	"errors"
	"fmt"

	"github.com/conduit-network/conduit/crypto"
	tmbytes "github.com/conduit-network/conduit/libs/bytes"
)

// UpdateParams are the caller-supplied inputs to an outbound update. The
// validator turns params into a candidate ChannelUpdate.
type UpdateParams interface {
	UpdateType() UpdateType
	Validate() error
}

// SetupParams opens a new channel with the counterparty.
type SetupParams struct {
	CounterpartyIdentifier PublicIdentifier
	Timeout                uint64
	NetworkContext         NetworkContext
}

func (p *SetupParams) UpdateType() UpdateType { return UpdateTypeSetup }

func (p *SetupParams) Validate() error {
	if err := p.CounterpartyIdentifier.Validate(); err != nil {
		return fmt.Errorf("counterparty identifier: %w", err)
	}
	if p.Timeout == 0 {
		return errors.New("timeout must be nonzero")
	}
	return p.NetworkContext.Validate()
}

// DepositParams reconciles an asset's offchain balance with its onchain
// deposit totals.
type DepositParams struct {
	ChannelAddress Address
	AssetID        Address
}

func (p *DepositParams) UpdateType() UpdateType { return UpdateTypeDeposit }

func (p *DepositParams) Validate() error {
	if len(p.ChannelAddress) != crypto.AddressSize {
		return errors.New("invalid channel address")
	}
	if len(p.AssetID) != crypto.AddressSize {
		return errors.New("invalid asset id")
	}
	return nil
}

// CreateParams installs a conditional transfer.
type CreateParams struct {
	ChannelAddress       Address
	AssetID              Address
	Balance              Balance // locked into the transfer; To are the payout targets
	TransferDefinition   Address
	TransferTimeout      uint64
	TransferInitialState tmbytes.HexBytes
	TransferEncodings    []string
}

func (p *CreateParams) UpdateType() UpdateType { return UpdateTypeCreate }

func (p *CreateParams) Validate() error {
	if len(p.ChannelAddress) != crypto.AddressSize {
		return errors.New("invalid channel address")
	}
	if len(p.AssetID) != crypto.AddressSize {
		return errors.New("invalid asset id")
	}
	if err := p.Balance.Validate(); err != nil {
		return fmt.Errorf("balance: %w", err)
	}
	if len(p.TransferDefinition) != crypto.AddressSize {
		return errors.New("invalid transfer definition")
	}
	if p.TransferTimeout == 0 {
		return errors.New("transfer timeout must be nonzero")
	}
	if len(p.TransferInitialState) == 0 {
		return errors.New("transfer initial state must be present")
	}
	return nil
}

// ResolveParams closes a conditional transfer with a resolver payload.
type ResolveParams struct {
	ChannelAddress   Address
	TransferID       tmbytes.HexBytes
	TransferResolver tmbytes.HexBytes
}

func (p *ResolveParams) UpdateType() UpdateType { return UpdateTypeResolve }

func (p *ResolveParams) Validate() error {
	if len(p.ChannelAddress) != crypto.AddressSize {
		return errors.New("invalid channel address")
	}
	if len(p.TransferID) != crypto.HashSize {
		return errors.New("invalid transfer id")
	}
	if len(p.TransferResolver) == 0 {
		return errors.New("transfer resolver must be present")
	}
	return nil
}
