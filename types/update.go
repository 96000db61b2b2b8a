package types

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/conduit-network/conduit/crypto"
	tmbytes "github.com/conduit-network/conduit/libs/bytes"
)

// UpdateType discriminates the four kinds of channel updates.
type UpdateType string

const (
	UpdateTypeSetup   UpdateType = "setup"
	UpdateTypeDeposit UpdateType = "deposit"
	UpdateTypeCreate  UpdateType = "create"
	UpdateTypeResolve UpdateType = "resolve"
)

// Valid reports whether t is a known update type.
func (t UpdateType) Valid() bool {
	switch t {
	case UpdateTypeSetup, UpdateTypeDeposit, UpdateTypeCreate, UpdateTypeResolve:
		return true
	}
	return false
}

// UpdateID is the idempotency key of an update: a uuid chosen by the
// initiator plus the initiator's signature over its digest. The signature
// stops the counterparty from forging a different update under the same
// uuid, so comparing IDs is enough to detect an already-committed
// operation during sync.
type UpdateID struct {
	ID        string           `json:"id"`
	Signature tmbytes.HexBytes `json:"signature"`
}

// Digest returns the digest the initiator signs for the id.
func (id UpdateID) Digest() []byte {
	return crypto.Checksum([]byte(id.ID))
}

// UpdateDetails is the type-tagged payload of an update.
type UpdateDetails interface {
	UpdateType() UpdateType
	validateBasic() error
}

// SetupDetails opens a channel: nonce 1, no assets, zero merkle root.
type SetupDetails struct {
	Timeout        uint64         `json:"timeout"`
	NetworkContext NetworkContext `json:"network_context"`
}

func (d *SetupDetails) UpdateType() UpdateType { return UpdateTypeSetup }

func (d *SetupDetails) validateBasic() error {
	if d.Timeout == 0 {
		return errors.New("setup timeout must be nonzero")
	}
	return d.NetworkContext.Validate()
}

// DepositDetails reconciles offchain balances with the onchain deposit
// totals the proposer observed. Application credits each participant the
// difference between the observed total and the processed total.
type DepositDetails struct {
	TotalDepositsAlice *big.Int `json:"total_deposits_alice"`
	TotalDepositsBob   *big.Int `json:"total_deposits_bob"`
}

func (d *DepositDetails) UpdateType() UpdateType { return UpdateTypeDeposit }

func (d *DepositDetails) validateBasic() error {
	for name, v := range map[string]*big.Int{
		"alice": d.TotalDepositsAlice,
		"bob":   d.TotalDepositsBob,
	} {
		if v == nil || v.Sign() < 0 || v.BitLen() > 256 {
			return fmt.Errorf("total deposits for %s invalid", name)
		}
	}
	return nil
}

// CreateDetails installs a conditional transfer into the merkle set.
type CreateDetails struct {
	TransferID           tmbytes.HexBytes `json:"transfer_id"`
	TransferDefinition   Address          `json:"transfer_definition"`
	TransferTimeout      uint64           `json:"transfer_timeout"`
	TransferInitialState tmbytes.HexBytes `json:"transfer_initial_state"`
	TransferEncodings    []string         `json:"transfer_encodings"`
	Balance              Balance          `json:"balance"`
	MerkleRoot           tmbytes.HexBytes `json:"merkle_root"`
}

func (d *CreateDetails) UpdateType() UpdateType { return UpdateTypeCreate }

func (d *CreateDetails) validateBasic() error {
	if len(d.TransferID) != crypto.HashSize {
		return errors.New("invalid transfer id")
	}
	if len(d.TransferDefinition) != crypto.AddressSize {
		return errors.New("invalid transfer definition")
	}
	if d.TransferTimeout == 0 {
		return errors.New("transfer timeout must be nonzero")
	}
	if len(d.TransferInitialState) == 0 {
		return errors.New("transfer initial state must be present")
	}
	if err := d.Balance.Validate(); err != nil {
		return fmt.Errorf("transfer balance: %w", err)
	}
	if len(d.MerkleRoot) != crypto.HashSize {
		return errors.New("invalid merkle root")
	}
	return nil
}

// ResolveDetails closes a conditional transfer with its resolver payload.
type ResolveDetails struct {
	TransferID         tmbytes.HexBytes `json:"transfer_id"`
	TransferDefinition Address          `json:"transfer_definition"`
	TransferResolver   tmbytes.HexBytes `json:"transfer_resolver"`
	MerkleRoot         tmbytes.HexBytes `json:"merkle_root"`
}

func (d *ResolveDetails) UpdateType() UpdateType { return UpdateTypeResolve }

func (d *ResolveDetails) validateBasic() error {
	if len(d.TransferID) != crypto.HashSize {
		return errors.New("invalid transfer id")
	}
	if len(d.TransferDefinition) != crypto.AddressSize {
		return errors.New("invalid transfer definition")
	}
	if len(d.TransferResolver) == 0 {
		return errors.New("transfer resolver must be present")
	}
	if len(d.MerkleRoot) != crypto.HashSize {
		return errors.New("invalid merkle root")
	}
	return nil
}

// ChannelUpdate is the unit of protocol progress: a numbered, signed state
// transition. Balance is the post-update channel balance for AssetID.
type ChannelUpdate struct {
	ID             UpdateID         `json:"id"`
	ChannelAddress Address          `json:"channel_address"`
	FromIdentifier PublicIdentifier `json:"from_identifier"`
	ToIdentifier   PublicIdentifier `json:"to_identifier"`
	Type           UpdateType       `json:"type"`
	Nonce          uint64           `json:"nonce"`
	AssetID        Address          `json:"asset_id"`
	Balance        Balance          `json:"balance"`
	Details        UpdateDetails    `json:"details"`
	AliceSignature tmbytes.HexBytes `json:"alice_signature"`
	BobSignature   tmbytes.HexBytes `json:"bob_signature"`
}

// Hash returns the digest of the update's canonical encoding, excluding the
// two commitment signatures. The update must be structurally valid.
func (u *ChannelUpdate) Hash() []byte {
	bz, err := u.marshalSignBytes()
	if err != nil {
		panic(fmt.Sprintf("hashing update: %v", err))
	}
	return crypto.Checksum(bz)
}

// DoubleSigned reports whether both commitment signatures are present.
func (u *ChannelUpdate) DoubleSigned() bool {
	return len(u.AliceSignature) > 0 && len(u.BobSignature) > 0
}

func (u *ChannelUpdate) signatureFromInitiator(initiatorIsAlice bool) tmbytes.HexBytes {
	if initiatorIsAlice {
		return u.AliceSignature
	}
	return u.BobSignature
}

// VerifyIDSignature checks that the id signature verifies under the
// initiator's address.
func (u *ChannelUpdate) VerifyIDSignature() error {
	from, err := u.FromIdentifier.Address()
	if err != nil {
		return err
	}
	return crypto.VerifySignature(u.ID.Digest(), u.ID.Signature, from)
}

// VerifyCommitmentSignatures checks every present commitment signature over
// the given channel commitment digest, and that the required ones are
// present: the initiator's always, both when requireBoth is set.
func (u *ChannelUpdate) VerifyCommitmentSignatures(commitment []byte, alice, bob Address, initiatorIsAlice, requireBoth bool) error {
	if len(u.AliceSignature) == 0 && len(u.BobSignature) == 0 {
		return errors.New("update carries no signatures")
	}
	if requireBoth && !u.DoubleSigned() {
		return errors.New("update is not double-signed")
	}
	if len(u.signatureFromInitiator(initiatorIsAlice)) == 0 {
		return errors.New("update is missing the initiator's signature")
	}
	if len(u.AliceSignature) > 0 {
		if err := crypto.VerifySignature(commitment, u.AliceSignature, alice); err != nil {
			return fmt.Errorf("alice signature: %w", err)
		}
	}
	if len(u.BobSignature) > 0 {
		if err := crypto.VerifySignature(commitment, u.BobSignature, bob); err != nil {
			return fmt.Errorf("bob signature: %w", err)
		}
	}
	return nil
}

// ValidateBasic performs stateless structural checks.
func (u *ChannelUpdate) ValidateBasic() error {
	if u.ID.ID == "" {
		return errors.New("update id must be present")
	}
	if len(u.ID.Signature) == 0 {
		return errors.New("update id signature must be present")
	}
	if len(u.ChannelAddress) != crypto.AddressSize {
		return errors.New("invalid channel address")
	}
	if !u.Type.Valid() {
		return fmt.Errorf("unknown update type %q", u.Type)
	}
	if err := u.FromIdentifier.Validate(); err != nil {
		return fmt.Errorf("from identifier: %w", err)
	}
	if err := u.ToIdentifier.Validate(); err != nil {
		return fmt.Errorf("to identifier: %w", err)
	}
	if u.FromIdentifier == u.ToIdentifier {
		return errors.New("from and to identifiers must differ")
	}
	if u.Nonce == 0 {
		return errors.New("nonce must be positive")
	}
	if len(u.AssetID) != crypto.AddressSize {
		return errors.New("invalid asset id")
	}
	if err := u.Balance.Validate(); err != nil {
		return fmt.Errorf("balance: %w", err)
	}
	if u.Details == nil {
		return errors.New("details must be present")
	}
	if u.Details.UpdateType() != u.Type {
		return fmt.Errorf("details tagged %q do not match update type %q", u.Details.UpdateType(), u.Type)
	}
	return u.Details.validateBasic()
}

// Copy returns a deep copy.
func (u *ChannelUpdate) Copy() *ChannelUpdate {
	cp := *u
	cp.ID.Signature = append(tmbytes.HexBytes(nil), u.ID.Signature...)
	cp.ChannelAddress = append(Address(nil), u.ChannelAddress...)
	cp.AssetID = append(Address(nil), u.AssetID...)
	cp.Balance = u.Balance.Copy()
	cp.AliceSignature = append(tmbytes.HexBytes(nil), u.AliceSignature...)
	cp.BobSignature = append(tmbytes.HexBytes(nil), u.BobSignature...)
	switch d := u.Details.(type) {
	case *SetupDetails:
		dd := *d
		dd.NetworkContext.ChannelFactoryAddress = append(Address(nil), d.NetworkContext.ChannelFactoryAddress...)
		cp.Details = &dd
	case *DepositDetails:
		dd := DepositDetails{
			TotalDepositsAlice: new(big.Int).Set(d.TotalDepositsAlice),
			TotalDepositsBob:   new(big.Int).Set(d.TotalDepositsBob),
		}
		cp.Details = &dd
	case *CreateDetails:
		dd := *d
		dd.TransferID = append(tmbytes.HexBytes(nil), d.TransferID...)
		dd.TransferDefinition = append(Address(nil), d.TransferDefinition...)
		dd.TransferInitialState = append(tmbytes.HexBytes(nil), d.TransferInitialState...)
		dd.TransferEncodings = append([]string(nil), d.TransferEncodings...)
		dd.Balance = d.Balance.Copy()
		dd.MerkleRoot = append(tmbytes.HexBytes(nil), d.MerkleRoot...)
		cp.Details = &dd
	case *ResolveDetails:
		dd := *d
		dd.TransferID = append(tmbytes.HexBytes(nil), d.TransferID...)
		dd.TransferDefinition = append(Address(nil), d.TransferDefinition...)
		dd.TransferResolver = append(tmbytes.HexBytes(nil), d.TransferResolver...)
		dd.MerkleRoot = append(tmbytes.HexBytes(nil), d.MerkleRoot...)
		cp.Details = &dd
	}
	return &cp
}
