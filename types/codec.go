package types

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/google/orderedcode"
)

// The canonical codec. One encoding serves hashing, the wire, and
// persistence: orderedcode items appended in pinned field order with pinned
// widths. Amounts are 32-byte big-endian; nonces and timeouts are uint64;
// addresses and hashes are raw byte strings. Decoding is exact - malformed
// fields and trailing bytes are errors, because any decoding ambiguity is a
// protocol error.

type canonicalEncoder struct {
	buf []byte
	err error
}

func (e *canonicalEncoder) str(s string) {
	if e.err != nil {
		return
	}
	e.buf, e.err = orderedcode.Append(e.buf, s)
}

func (e *canonicalEncoder) bytes(b []byte) {
	e.str(string(b))
}

func (e *canonicalEncoder) u64(v uint64) {
	if e.err != nil {
		return
	}
	e.buf, e.err = orderedcode.Append(e.buf, v)
}

func (e *canonicalEncoder) boolean(v bool) {
	if v {
		e.u64(1)
	} else {
		e.u64(0)
	}
}

func (e *canonicalEncoder) amount(a *big.Int) {
	if e.err != nil {
		return
	}
	if a == nil {
		e.err = errors.New("nil amount")
		return
	}
	if a.Sign() < 0 {
		e.err = errors.New("negative amount")
		return
	}
	if a.BitLen() > 256 {
		e.err = errors.New("amount exceeds 256 bits")
		return
	}
	var b [32]byte
	a.FillBytes(b[:])
	e.bytes(b[:])
}

func (e *canonicalEncoder) balance(b Balance) {
	if len(b.To) != 2 || len(b.Amount) != 2 {
		if e.err == nil {
			e.err = errors.New("balance must have exactly two payout slots")
		}
		return
	}
	e.bytes(b.To[0])
	e.bytes(b.To[1])
	e.amount(b.Amount[0])
	e.amount(b.Amount[1])
}

type canonicalDecoder struct {
	rest string
	err  error
}

func newCanonicalDecoder(bz []byte) *canonicalDecoder {
	return &canonicalDecoder{rest: string(bz)}
}

func (d *canonicalDecoder) str() string {
	if d.err != nil {
		return ""
	}
	var s string
	d.rest, d.err = orderedcode.Parse(d.rest, &s)
	return s
}

func (d *canonicalDecoder) bytes() []byte {
	return []byte(d.str())
}

func (d *canonicalDecoder) u64() uint64 {
	if d.err != nil {
		return 0
	}
	var v uint64
	d.rest, d.err = orderedcode.Parse(d.rest, &v)
	return v
}

func (d *canonicalDecoder) boolean() bool {
	v := d.u64()
	if d.err == nil && v > 1 {
		d.err = fmt.Errorf("invalid boolean value %d", v)
	}
	return v == 1
}

func (d *canonicalDecoder) amount() *big.Int {
	b := d.bytes()
	if d.err != nil {
		return nil
	}
	if len(b) != 32 {
		d.err = fmt.Errorf("amount must be 32 bytes, got %d", len(b))
		return nil
	}
	return new(big.Int).SetBytes(b)
}

func (d *canonicalDecoder) balance() Balance {
	b := Balance{
		To:     []Address{d.bytes(), d.bytes()},
		Amount: []*big.Int{nil, nil},
	}
	b.Amount[0] = d.amount()
	b.Amount[1] = d.amount()
	return b
}

// finish fails on a decode error or on trailing bytes.
func (d *canonicalDecoder) finish() error {
	if d.err != nil {
		return d.err
	}
	if len(d.rest) != 0 {
		return fmt.Errorf("%d trailing bytes after canonical value", len(d.rest))
	}
	return nil
}

func encodeChannelAddressPreimage(alice, bob Address, ctx NetworkContext) []byte {
	e := &canonicalEncoder{}
	e.bytes(alice)
	e.bytes(bob)
	e.u64(ctx.ChainID)
	e.bytes(ctx.ChannelFactoryAddress)
	if e.err != nil {
		panic(fmt.Sprintf("encoding channel address preimage: %v", e.err))
	}
	return e.buf
}

// MarshalCanonical returns the canonical encoding of the channel
// commitment. Field order: channelAddress, alice, bob, timeout, nonce,
// merkleRoot, then per asset (in AssetIDs order): assetId, balance,
// processedDepositsA, processedDepositsB, defundNonce.
func (s *CoreChannelState) MarshalCanonical() ([]byte, error) {
	e := &canonicalEncoder{}
	e.bytes(s.ChannelAddress)
	e.bytes(s.Alice)
	e.bytes(s.Bob)
	e.u64(s.Timeout)
	e.u64(s.Nonce)
	e.bytes(s.MerkleRoot)
	n := len(s.AssetIDs)
	if len(s.Balances) != n || len(s.ProcessedDepositsA) != n ||
		len(s.ProcessedDepositsB) != n || len(s.DefundNonces) != n {
		return nil, errors.New("per-asset slices have mismatched lengths")
	}
	e.u64(uint64(n))
	for i := 0; i < n; i++ {
		e.bytes(s.AssetIDs[i])
		e.balance(s.Balances[i])
		e.amount(s.ProcessedDepositsA[i])
		e.amount(s.ProcessedDepositsB[i])
		e.u64(s.DefundNonces[i])
	}
	return e.buf, e.err
}

func decodeCoreChannelState(d *canonicalDecoder) *CoreChannelState {
	s := &CoreChannelState{
		ChannelAddress: d.bytes(),
		Alice:          d.bytes(),
		Bob:            d.bytes(),
		Timeout:        d.u64(),
		Nonce:          d.u64(),
		MerkleRoot:     d.bytes(),
	}
	n := d.u64()
	if d.err != nil {
		return nil
	}
	for i := uint64(0); i < n; i++ {
		s.AssetIDs = append(s.AssetIDs, d.bytes())
		s.Balances = append(s.Balances, d.balance())
		s.ProcessedDepositsA = append(s.ProcessedDepositsA, d.amount())
		s.ProcessedDepositsB = append(s.ProcessedDepositsB, d.amount())
		s.DefundNonces = append(s.DefundNonces, d.u64())
		if d.err != nil {
			return nil
		}
	}
	return s
}

// UnmarshalCoreChannelState decodes a canonical channel commitment.
func UnmarshalCoreChannelState(bz []byte) (*CoreChannelState, error) {
	d := newCanonicalDecoder(bz)
	s := decodeCoreChannelState(d)
	if err := d.finish(); err != nil {
		return nil, fmt.Errorf("decoding channel state: %w", err)
	}
	return s, nil
}

// MarshalCanonical returns the canonical encoding of the transfer
// commitment (the merkle leaf preimage).
func (t *CoreTransferState) MarshalCanonical() ([]byte, error) {
	e := &canonicalEncoder{}
	e.bytes(t.ChannelAddress)
	e.bytes(t.TransferID)
	e.bytes(t.TransferDefinition)
	e.bytes(t.Initiator)
	e.bytes(t.Responder)
	e.bytes(t.AssetID)
	e.balance(t.Balance)
	e.u64(t.TransferTimeout)
	e.bytes(t.InitialStateHash)
	return e.buf, e.err
}

func decodeCoreTransferState(d *canonicalDecoder) *CoreTransferState {
	t := &CoreTransferState{
		ChannelAddress:     d.bytes(),
		TransferID:         d.bytes(),
		TransferDefinition: d.bytes(),
		Initiator:          d.bytes(),
		Responder:          d.bytes(),
		AssetID:            d.bytes(),
	}
	t.Balance = d.balance()
	t.TransferTimeout = d.u64()
	t.InitialStateHash = d.bytes()
	return t
}

func encodeTransferIDPreimage(channelAddress Address, channelNonce uint64, assetID Address, det *CreateDetails) ([]byte, error) {
	e := &canonicalEncoder{}
	e.bytes(channelAddress)
	e.u64(channelNonce)
	e.bytes(assetID)
	e.bytes(det.TransferDefinition)
	e.u64(det.TransferTimeout)
	e.bytes(det.TransferInitialState)
	e.u64(uint64(len(det.TransferEncodings)))
	for _, enc := range det.TransferEncodings {
		e.str(enc)
	}
	e.balance(det.Balance)
	return e.buf, e.err
}

func encodeDetails(det UpdateDetails) ([]byte, error) {
	e := &canonicalEncoder{}
	switch d := det.(type) {
	case *SetupDetails:
		e.u64(d.Timeout)
		e.u64(d.NetworkContext.ChainID)
		e.bytes(d.NetworkContext.ChannelFactoryAddress)
	case *DepositDetails:
		e.amount(d.TotalDepositsAlice)
		e.amount(d.TotalDepositsBob)
	case *CreateDetails:
		e.bytes(d.TransferID)
		e.bytes(d.TransferDefinition)
		e.u64(d.TransferTimeout)
		e.bytes(d.TransferInitialState)
		e.u64(uint64(len(d.TransferEncodings)))
		for _, enc := range d.TransferEncodings {
			e.str(enc)
		}
		e.balance(d.Balance)
		e.bytes(d.MerkleRoot)
	case *ResolveDetails:
		e.bytes(d.TransferID)
		e.bytes(d.TransferDefinition)
		e.bytes(d.TransferResolver)
		e.bytes(d.MerkleRoot)
	default:
		return nil, fmt.Errorf("unknown details type %T", det)
	}
	return e.buf, e.err
}

func decodeDetails(typ UpdateType, payload []byte) (UpdateDetails, error) {
	d := newCanonicalDecoder(payload)
	var det UpdateDetails
	switch typ {
	case UpdateTypeSetup:
		det = &SetupDetails{
			Timeout: d.u64(),
			NetworkContext: NetworkContext{
				ChainID:               d.u64(),
				ChannelFactoryAddress: d.bytes(),
			},
		}
	case UpdateTypeDeposit:
		det = &DepositDetails{
			TotalDepositsAlice: d.amount(),
			TotalDepositsBob:   d.amount(),
		}
	case UpdateTypeCreate:
		cd := &CreateDetails{
			TransferID:           d.bytes(),
			TransferDefinition:   d.bytes(),
			TransferTimeout:      d.u64(),
			TransferInitialState: d.bytes(),
		}
		n := d.u64()
		for i := uint64(0); i < n && d.err == nil; i++ {
			cd.TransferEncodings = append(cd.TransferEncodings, d.str())
		}
		cd.Balance = d.balance()
		cd.MerkleRoot = d.bytes()
		det = cd
	case UpdateTypeResolve:
		det = &ResolveDetails{
			TransferID:         d.bytes(),
			TransferDefinition: d.bytes(),
			TransferResolver:   d.bytes(),
			MerkleRoot:         d.bytes(),
		}
	default:
		return nil, fmt.Errorf("unknown update type %q", typ)
	}
	if err := d.finish(); err != nil {
		return nil, fmt.Errorf("decoding %s details: %w", typ, err)
	}
	return det, nil
}

func encodeUpdate(e *canonicalEncoder, u *ChannelUpdate, withSignatures bool) {
	e.str(u.ID.ID)
	e.bytes(u.ID.Signature)
	e.bytes(u.ChannelAddress)
	e.str(string(u.FromIdentifier))
	e.str(string(u.ToIdentifier))
	e.str(string(u.Type))
	e.u64(u.Nonce)
	e.bytes(u.AssetID)
	e.balance(u.Balance)
	payload, err := encodeDetails(u.Details)
	if err != nil {
		if e.err == nil {
			e.err = err
		}
		return
	}
	e.bytes(payload)
	if withSignatures {
		e.bytes(u.AliceSignature)
		e.bytes(u.BobSignature)
	}
}

func (u *ChannelUpdate) marshalSignBytes() ([]byte, error) {
	e := &canonicalEncoder{}
	encodeUpdate(e, u, false)
	return e.buf, e.err
}

// MarshalBinary returns the wire and persistence encoding of the update,
// signatures included.
func (u *ChannelUpdate) MarshalBinary() ([]byte, error) {
	e := &canonicalEncoder{}
	encodeUpdate(e, u, true)
	return e.buf, e.err
}

func decodeUpdate(d *canonicalDecoder) *ChannelUpdate {
	u := &ChannelUpdate{
		ID: UpdateID{
			ID:        d.str(),
			Signature: d.bytes(),
		},
		ChannelAddress: d.bytes(),
		FromIdentifier: PublicIdentifier(d.str()),
		ToIdentifier:   PublicIdentifier(d.str()),
		Type:           UpdateType(d.str()),
		Nonce:          d.u64(),
		AssetID:        d.bytes(),
	}
	u.Balance = d.balance()
	payload := d.bytes()
	if d.err != nil {
		return nil
	}
	det, err := decodeDetails(u.Type, payload)
	if err != nil {
		d.err = err
		return nil
	}
	u.Details = det
	u.AliceSignature = d.bytes()
	u.BobSignature = d.bytes()
	return u
}

// UnmarshalChannelUpdate decodes a wire-encoded update.
func UnmarshalChannelUpdate(bz []byte) (*ChannelUpdate, error) {
	d := newCanonicalDecoder(bz)
	u := decodeUpdate(d)
	if err := d.finish(); err != nil {
		return nil, fmt.Errorf("decoding channel update: %w", err)
	}
	return u, nil
}

// MarshalBinary returns the persistence encoding of the full channel state.
// The embedded commitment is stored in its canonical form so a reload
// produces byte-identical commitments.
func (s *FullChannelState) MarshalBinary() ([]byte, error) {
	core, err := s.CoreChannelState.MarshalCanonical()
	if err != nil {
		return nil, err
	}
	e := &canonicalEncoder{}
	e.bytes(core)
	e.str(string(s.AliceIdentifier))
	e.str(string(s.BobIdentifier))
	e.u64(s.NetworkContext.ChainID)
	e.bytes(s.NetworkContext.ChannelFactoryAddress)
	e.boolean(s.InDispute)
	if s.LatestUpdate != nil {
		upd, err := s.LatestUpdate.MarshalBinary()
		if err != nil {
			return nil, err
		}
		e.boolean(true)
		e.bytes(upd)
	} else {
		e.boolean(false)
	}
	return e.buf, e.err
}

// UnmarshalFullChannelState decodes a persisted full channel state.
func UnmarshalFullChannelState(bz []byte) (*FullChannelState, error) {
	d := newCanonicalDecoder(bz)
	coreBz := d.bytes()
	if d.err != nil {
		return nil, fmt.Errorf("decoding full channel state: %w", d.err)
	}
	core, err := UnmarshalCoreChannelState(coreBz)
	if err != nil {
		return nil, err
	}
	s := &FullChannelState{CoreChannelState: *core}
	s.AliceIdentifier = PublicIdentifier(d.str())
	s.BobIdentifier = PublicIdentifier(d.str())
	s.NetworkContext.ChainID = d.u64()
	s.NetworkContext.ChannelFactoryAddress = d.bytes()
	s.InDispute = d.boolean()
	if d.boolean() {
		updBz := d.bytes()
		if d.err == nil {
			s.LatestUpdate, err = UnmarshalChannelUpdate(updBz)
			if err != nil {
				return nil, err
			}
		}
	}
	if err := d.finish(); err != nil {
		return nil, fmt.Errorf("decoding full channel state: %w", err)
	}
	return s, nil
}

// MarshalBinary returns the persistence encoding of an active transfer.
func (t *FullTransferState) MarshalBinary() ([]byte, error) {
	core, err := t.CoreTransferState.MarshalCanonical()
	if err != nil {
		return nil, err
	}
	e := &canonicalEncoder{}
	e.bytes(core)
	e.u64(t.ChannelNonce)
	e.bytes(t.TransferState)
	e.u64(uint64(len(t.TransferEncodings)))
	for _, enc := range t.TransferEncodings {
		e.str(enc)
	}
	e.bytes(t.TransferResolver)
	e.u64(t.ChainID)
	e.bytes(t.ChannelFactoryAddress)
	e.boolean(t.InDispute)
	return e.buf, e.err
}

// UnmarshalFullTransferState decodes a persisted active transfer.
func UnmarshalFullTransferState(bz []byte) (*FullTransferState, error) {
	d := newCanonicalDecoder(bz)
	coreBz := d.bytes()
	if d.err != nil {
		return nil, fmt.Errorf("decoding full transfer state: %w", d.err)
	}
	cd := newCanonicalDecoder(coreBz)
	core := decodeCoreTransferState(cd)
	if err := cd.finish(); err != nil {
		return nil, fmt.Errorf("decoding transfer commitment: %w", err)
	}
	t := &FullTransferState{CoreTransferState: *core}
	t.ChannelNonce = d.u64()
	t.TransferState = d.bytes()
	n := d.u64()
	for i := uint64(0); i < n && d.err == nil; i++ {
		t.TransferEncodings = append(t.TransferEncodings, d.str())
	}
	t.TransferResolver = d.bytes()
	t.ChainID = d.u64()
	t.ChannelFactoryAddress = d.bytes()
	t.InDispute = d.boolean()
	if err := d.finish(); err != nil {
		return nil, fmt.Errorf("decoding full transfer state: %w", err)
	}
	return t, nil
}
