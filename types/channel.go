package types

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"

	"github.com/conduit-network/conduit/crypto"
	tmbytes "github.com/conduit-network/conduit/libs/bytes"
)

// Address is hex bytes, 20 wide.
type Address = crypto.Address

// PublicIdentifier is the offchain identity of a participant: the hex
// encoding of a compressed secp256k1 public key. The participant's onchain
// address is derived from it.
type PublicIdentifier string

// IdentifierFromPubKey returns the identifier for a compressed public key.
func IdentifierFromPubKey(pub []byte) (PublicIdentifier, error) {
	if _, err := crypto.AddressFromPubKeyBytes(pub); err != nil {
		return "", err
	}
	return PublicIdentifier(hex.EncodeToString(pub)), nil
}

// Address derives the participant's address from the identifier.
func (p PublicIdentifier) Address() (Address, error) {
	pub, err := hex.DecodeString(string(p))
	if err != nil {
		return nil, fmt.Errorf("invalid public identifier: %w", err)
	}
	return crypto.AddressFromPubKeyBytes(pub)
}

// Validate checks that the identifier decodes to a valid public key.
func (p PublicIdentifier) Validate() error {
	_, err := p.Address()
	return err
}

// Balance is a two-slot asset balance: index 0 is the first payout target,
// index 1 the second. In channel balances the targets are (alice, bob); in
// transfer balances they are the transfer's payout addresses.
type Balance struct {
	To     []Address  `json:"to"`
	Amount []*big.Int `json:"amount"`
}

// NewBalance returns a balance with the given targets and zero amounts.
func NewBalance(to0, to1 Address) Balance {
	return Balance{
		To:     []Address{to0, to1},
		Amount: []*big.Int{new(big.Int), new(big.Int)},
	}
}

// Validate checks the two-slot shape and that amounts are non-negative
// 256-bit integers.
func (b Balance) Validate() error {
	if len(b.To) != 2 || len(b.Amount) != 2 {
		return errors.New("balance must have exactly two payout slots")
	}
	for i, to := range b.To {
		if len(to) != crypto.AddressSize {
			return fmt.Errorf("balance target %d has invalid address", i)
		}
	}
	for i, amt := range b.Amount {
		if amt == nil {
			return fmt.Errorf("balance amount %d is nil", i)
		}
		if amt.Sign() < 0 {
			return fmt.Errorf("balance amount %d is negative", i)
		}
		if amt.BitLen() > 256 {
			return fmt.Errorf("balance amount %d exceeds 256 bits", i)
		}
	}
	return nil
}

// Total returns the sum of both amounts.
func (b Balance) Total() *big.Int {
	t := new(big.Int)
	for _, amt := range b.Amount {
		if amt != nil {
			t.Add(t, amt)
		}
	}
	return t
}

// Copy returns a deep copy.
func (b Balance) Copy() Balance {
	cp := Balance{
		To:     make([]Address, len(b.To)),
		Amount: make([]*big.Int, len(b.Amount)),
	}
	for i, to := range b.To {
		cp.To[i] = append(Address(nil), to...)
	}
	for i, amt := range b.Amount {
		cp.Amount[i] = new(big.Int)
		if amt != nil {
			cp.Amount[i].Set(amt)
		}
	}
	return cp
}

// Equal reports value equality.
func (b Balance) Equal(o Balance) bool {
	if len(b.To) != len(o.To) || len(b.Amount) != len(o.Amount) {
		return false
	}
	for i := range b.To {
		if !bytes.Equal(b.To[i], o.To[i]) {
			return false
		}
	}
	for i := range b.Amount {
		if b.Amount[i].Cmp(o.Amount[i]) != 0 {
			return false
		}
	}
	return true
}

// NetworkContext pins the chain a channel settles on.
type NetworkContext struct {
	ChainID               uint64  `json:"chain_id"`
	ChannelFactoryAddress Address `json:"channel_factory_address"`
}

// Validate checks the context shape.
func (n NetworkContext) Validate() error {
	if n.ChainID == 0 {
		return errors.New("chain id must be nonzero")
	}
	if len(n.ChannelFactoryAddress) != crypto.AddressSize {
		return errors.New("channel factory address invalid")
	}
	return nil
}

// ChannelAddress derives the deterministic channel address from the ordered
// participants and the network context. Both replicas must agree on it
// before the setup update is exchanged.
func ChannelAddress(alice, bob Address, ctx NetworkContext) Address {
	bz := encodeChannelAddressPreimage(alice, bob, ctx)
	return crypto.AddressHash(bz)
}

// CoreChannelState is the onchain-relevant commitment. Both participants
// sign its hash for every update; the encodings must be bit-identical
// across replicas.
type CoreChannelState struct {
	ChannelAddress     Address          `json:"channel_address"`
	Alice              Address          `json:"alice"`
	Bob                Address          `json:"bob"`
	AssetIDs           []Address        `json:"asset_ids"`
	Balances           []Balance        `json:"balances"`
	ProcessedDepositsA []*big.Int       `json:"processed_deposits_a"`
	ProcessedDepositsB []*big.Int       `json:"processed_deposits_b"`
	DefundNonces       []uint64         `json:"defund_nonces"`
	Timeout            uint64           `json:"timeout"`
	Nonce              uint64           `json:"nonce"`
	MerkleRoot         tmbytes.HexBytes `json:"merkle_root"`
}

// AssetIndex returns the index of assetID in AssetIDs, or -1.
func (s *CoreChannelState) AssetIndex(assetID Address) int {
	for i, a := range s.AssetIDs {
		if bytes.Equal(a, assetID) {
			return i
		}
	}
	return -1
}

// Hash returns the channel commitment digest that both participants sign.
// The state must be valid; Hash panics on an unencodable state.
func (s *CoreChannelState) Hash() []byte {
	bz, err := s.MarshalCanonical()
	if err != nil {
		panic(fmt.Sprintf("hashing channel commitment: %v", err))
	}
	return crypto.Checksum(bz)
}

// ValidateBasic performs stateless structural checks.
func (s *CoreChannelState) ValidateBasic() error {
	if len(s.ChannelAddress) != crypto.AddressSize {
		return errors.New("invalid channel address")
	}
	if len(s.Alice) != crypto.AddressSize || len(s.Bob) != crypto.AddressSize {
		return errors.New("invalid participant address")
	}
	n := len(s.AssetIDs)
	if len(s.Balances) != n || len(s.ProcessedDepositsA) != n ||
		len(s.ProcessedDepositsB) != n || len(s.DefundNonces) != n {
		return errors.New("per-asset slices have mismatched lengths")
	}
	for i, b := range s.Balances {
		if err := b.Validate(); err != nil {
			return fmt.Errorf("balance for asset %d: %w", i, err)
		}
	}
	for i := 0; i < n; i++ {
		if len(s.AssetIDs[i]) != crypto.AddressSize {
			return fmt.Errorf("asset id %d invalid", i)
		}
		if s.ProcessedDepositsA[i] == nil || s.ProcessedDepositsA[i].Sign() < 0 ||
			s.ProcessedDepositsB[i] == nil || s.ProcessedDepositsB[i].Sign() < 0 {
			return fmt.Errorf("processed deposits for asset %d invalid", i)
		}
	}
	if len(s.MerkleRoot) != crypto.HashSize {
		return errors.New("invalid merkle root")
	}
	return nil
}

// Copy returns a deep copy.
func (s *CoreChannelState) Copy() *CoreChannelState {
	cp := &CoreChannelState{
		ChannelAddress:     append(Address(nil), s.ChannelAddress...),
		Alice:              append(Address(nil), s.Alice...),
		Bob:                append(Address(nil), s.Bob...),
		AssetIDs:           make([]Address, len(s.AssetIDs)),
		Balances:           make([]Balance, len(s.Balances)),
		ProcessedDepositsA: make([]*big.Int, len(s.ProcessedDepositsA)),
		ProcessedDepositsB: make([]*big.Int, len(s.ProcessedDepositsB)),
		DefundNonces:       append([]uint64(nil), s.DefundNonces...),
		Timeout:            s.Timeout,
		Nonce:              s.Nonce,
		MerkleRoot:         append(tmbytes.HexBytes(nil), s.MerkleRoot...),
	}
	for i, a := range s.AssetIDs {
		cp.AssetIDs[i] = append(Address(nil), a...)
	}
	for i, b := range s.Balances {
		cp.Balances[i] = b.Copy()
	}
	for i, d := range s.ProcessedDepositsA {
		cp.ProcessedDepositsA[i] = new(big.Int).Set(d)
	}
	for i, d := range s.ProcessedDepositsB {
		cp.ProcessedDepositsB[i] = new(big.Int).Set(d)
	}
	return cp
}

// FullChannelState is the offchain replica: the commitment plus the context
// needed to keep advancing it.
type FullChannelState struct {
	CoreChannelState

	AliceIdentifier PublicIdentifier `json:"alice_identifier"`
	BobIdentifier   PublicIdentifier `json:"bob_identifier"`
	NetworkContext  NetworkContext   `json:"network_context"`
	LatestUpdate    *ChannelUpdate   `json:"latest_update"`
	InDispute       bool             `json:"in_dispute"`
}

// ParticipantAddress resolves an identifier against the channel's two
// participants. Returns an error for a stranger.
func (s *FullChannelState) ParticipantAddress(id PublicIdentifier) (Address, error) {
	switch id {
	case s.AliceIdentifier:
		return s.Alice, nil
	case s.BobIdentifier:
		return s.Bob, nil
	}
	return nil, fmt.Errorf("identifier %q is not a channel participant", id)
}

// CounterpartyIdentifier returns the other participant's identifier.
func (s *FullChannelState) CounterpartyIdentifier(id PublicIdentifier) (PublicIdentifier, error) {
	switch id {
	case s.AliceIdentifier:
		return s.BobIdentifier, nil
	case s.BobIdentifier:
		return s.AliceIdentifier, nil
	}
	return "", fmt.Errorf("identifier %q is not a channel participant", id)
}

// IsAlice reports whether the identifier is the channel's alice.
func (s *FullChannelState) IsAlice(id PublicIdentifier) bool {
	return id == s.AliceIdentifier
}

// Copy returns a deep copy.
func (s *FullChannelState) Copy() *FullChannelState {
	cp := &FullChannelState{
		CoreChannelState: *s.CoreChannelState.Copy(),
		AliceIdentifier:  s.AliceIdentifier,
		BobIdentifier:    s.BobIdentifier,
		NetworkContext: NetworkContext{
			ChainID:               s.NetworkContext.ChainID,
			ChannelFactoryAddress: append(Address(nil), s.NetworkContext.ChannelFactoryAddress...),
		},
		InDispute: s.InDispute,
	}
	if s.LatestUpdate != nil {
		cp.LatestUpdate = s.LatestUpdate.Copy()
	}
	return cp
}
