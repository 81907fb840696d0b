// Package subrav defines the SubRAV (Sub-channel Receipt And Voucher) data
// model and its canonical binary codec. The canonical encoding is the exact
// byte string that gets signed by the payer and re-hashed by the on-chain
// escrow contract, so it must match the contract's struct layout byte-for-byte:
// fields are serialized in declaration order with fixed integer widths and
// length-prefixed strings.
package subrav

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math/big"
)

// SupportedVersion is the only SubRAV wire version this implementation
// accepts. The source format has no defined upgrade path for unknown
// versions, so decode/validate reject anything else until a new version is
// explicitly supported (see SPEC_FULL.md open questions).
const SupportedVersion uint8 = 1

// maxVMIDFragmentLen bounds the length-prefixed vmIdFragment string. The wire
// format uses a uint16 length prefix; this is a sane operational ceiling well
// under that limit.
const maxVMIDFragmentLen = 256

// SubRAV is the payment message exchanged between payer and payee for a
// single sub-channel. See spec §3 for field semantics.
type SubRAV struct {
	Version           uint8
	ChainID           uint64
	ChannelID         [32]byte
	ChannelEpoch      uint64
	VMIDFragment      string
	AccumulatedAmount *big.Int
	Nonce             uint64
}

// SignedSubRAV pairs a SubRAV with a signature over its canonical encoding.
type SignedSubRAV struct {
	SubRAV    SubRAV
	Signature []byte
}

// ChannelIDFromHex parses a 0x-prefixed, 32-byte hex channel id.
func ChannelIDFromHex(s string) ([32]byte, error) {
	var out [32]byte
	if len(s) != 66 || s[0] != '0' || s[1] != 'x' {
		return out, fmt.Errorf("subrav: channelId must be a 0x-prefixed 32-byte hex string, got %q", s)
	}
	b, err := hex.DecodeString(s[2:])
	if err != nil {
		return out, fmt.Errorf("subrav: invalid channelId hex: %w", err)
	}
	copy(out[:], b)
	return out, nil
}

// ChannelIDHex renders the channel id as a 0x-prefixed lowercase hex string.
func ChannelIDHex(id [32]byte) string {
	return "0x" + hex.EncodeToString(id[:])
}

// Encode produces the canonical binary encoding of a SubRAV:
//
//	version    u8
//	chainId    u64 big-endian
//	channelId  32 raw bytes
//	epoch      u64 big-endian
//	fragment   u16 length prefix + utf8 bytes
//	amount     32-byte big-endian u256
//	nonce      u64 big-endian
//
// The byte layout is stable across runs and platforms.
func Encode(r SubRAV) ([]byte, error) {
	if len(r.VMIDFragment) > maxVMIDFragmentLen {
		return nil, fmt.Errorf("subrav: vmIdFragment too long (%d bytes)", len(r.VMIDFragment))
	}
	if r.AccumulatedAmount == nil {
		return nil, errors.New("subrav: accumulatedAmount is nil")
	}
	if r.AccumulatedAmount.Sign() < 0 {
		return nil, errors.New("subrav: accumulatedAmount is negative")
	}
	if r.AccumulatedAmount.BitLen() > 256 {
		return nil, errors.New("subrav: accumulatedAmount overflows u256")
	}

	var buf bytes.Buffer
	buf.WriteByte(r.Version)

	if err := binary.Write(&buf, binary.BigEndian, r.ChainID); err != nil {
		return nil, err
	}
	buf.Write(r.ChannelID[:])
	if err := binary.Write(&buf, binary.BigEndian, r.ChannelEpoch); err != nil {
		return nil, err
	}

	frag := []byte(r.VMIDFragment)
	if err := binary.Write(&buf, binary.BigEndian, uint16(len(frag))); err != nil {
		return nil, err
	}
	buf.Write(frag)

	var amount [32]byte
	r.AccumulatedAmount.FillBytes(amount[:])
	buf.Write(amount[:])

	if err := binary.Write(&buf, binary.BigEndian, r.Nonce); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// Decode parses the canonical binary encoding produced by Encode.
func Decode(data []byte) (SubRAV, error) {
	var out SubRAV
	r := bytes.NewReader(data)

	version, err := r.ReadByte()
	if err != nil {
		return out, fmt.Errorf("subrav: reading version: %w", err)
	}
	out.Version = version

	if err := binary.Read(r, binary.BigEndian, &out.ChainID); err != nil {
		return out, fmt.Errorf("subrav: reading chainId: %w", err)
	}

	if _, err := io.ReadFull(r, out.ChannelID[:]); err != nil {
		return out, fmt.Errorf("subrav: reading channelId: %w", err)
	}

	if err := binary.Read(r, binary.BigEndian, &out.ChannelEpoch); err != nil {
		return out, fmt.Errorf("subrav: reading epoch: %w", err)
	}

	var fragLen uint16
	if err := binary.Read(r, binary.BigEndian, &fragLen); err != nil {
		return out, fmt.Errorf("subrav: reading fragment length: %w", err)
	}
	frag := make([]byte, fragLen)
	if _, err := io.ReadFull(r, frag); err != nil {
		return out, fmt.Errorf("subrav: reading fragment: %w", err)
	}
	out.VMIDFragment = string(frag)

	var amount [32]byte
	if _, err := io.ReadFull(r, amount[:]); err != nil {
		return out, fmt.Errorf("subrav: reading amount: %w", err)
	}
	out.AccumulatedAmount = new(big.Int).SetBytes(amount[:])

	if err := binary.Read(r, binary.BigEndian, &out.Nonce); err != nil {
		return out, fmt.Errorf("subrav: reading nonce: %w", err)
	}

	return out, nil
}

// Validate checks the structural invariants of a SubRAV and returns every
// violation found (not just the first), so callers can report a complete
// picture to a client.
func Validate(r SubRAV) []error {
	var errs []error

	if r.Version != SupportedVersion {
		errs = append(errs, fmt.Errorf("subrav: unsupported version %d", r.Version))
	}
	if r.VMIDFragment == "" {
		errs = append(errs, errors.New("subrav: vmIdFragment is empty"))
	}
	if len(r.VMIDFragment) > maxVMIDFragmentLen {
		errs = append(errs, fmt.Errorf("subrav: vmIdFragment too long (%d bytes)", len(r.VMIDFragment)))
	}
	if r.AccumulatedAmount == nil {
		errs = append(errs, errors.New("subrav: accumulatedAmount is nil"))
	} else if r.AccumulatedAmount.Sign() < 0 {
		errs = append(errs, errors.New("subrav: accumulatedAmount is negative"))
	} else if r.AccumulatedAmount.BitLen() > 256 {
		errs = append(errs, errors.New("subrav: accumulatedAmount overflows u256"))
	}

	return errs
}

// ValidateSequence checks that cur legally follows prev within the same
// (channelId, epoch, vmIdFragment) sub-channel. When prev is nil, cur must be
// the first real payment (nonce == 1) or the reserved handshake receipt
// (nonce == 0, amount == 0).
//
// allowEqualAmount permits cur.AccumulatedAmount == prev.AccumulatedAmount
// only for the idempotent replay of an already-accepted receipt (same nonce,
// same amount); any genuinely new nonce must strictly increase the amount
// whenever it charges.
func ValidateSequence(prev *SubRAV, cur SubRAV, allowEqualAmount bool) error {
	if prev == nil {
		if cur.Nonce == 1 {
			return nil
		}
		if cur.Nonce == 0 && cur.AccumulatedAmount != nil && cur.AccumulatedAmount.Sign() == 0 {
			return nil
		}
		return fmt.Errorf("subrav: first receipt must have nonce 1 (or handshake nonce 0 with zero amount), got nonce %d", cur.Nonce)
	}

	if prev.ChannelID != cur.ChannelID || prev.ChannelEpoch != cur.ChannelEpoch || prev.VMIDFragment != cur.VMIDFragment {
		return errors.New("subrav: sequence check across different channel/epoch/vmIdFragment")
	}

	if cur.Nonce == prev.Nonce && allowEqualAmount {
		if cur.AccumulatedAmount.Cmp(prev.AccumulatedAmount) == 0 {
			return nil
		}
		return errors.New("subrav: replay of prior nonce with a different amount")
	}

	if cur.Nonce != prev.Nonce+1 {
		return fmt.Errorf("subrav: nonce must increase by exactly 1, got %d after %d", cur.Nonce, prev.Nonce)
	}

	cmp := cur.AccumulatedAmount.Cmp(prev.AccumulatedAmount)
	if cmp < 0 {
		return errors.New("subrav: accumulatedAmount must not decrease")
	}

	return nil
}

// SubRAVsMatch compares every field of two SubRAVs except the signature
// (there is none on SubRAV itself; this compares the receipt payload only).
func SubRAVsMatch(a, b SubRAV) bool {
	if a.Version != b.Version || a.ChainID != b.ChainID || a.ChannelID != b.ChannelID ||
		a.ChannelEpoch != b.ChannelEpoch || a.VMIDFragment != b.VMIDFragment || a.Nonce != b.Nonce {
		return false
	}
	if (a.AccumulatedAmount == nil) != (b.AccumulatedAmount == nil) {
		return false
	}
	if a.AccumulatedAmount == nil {
		return true
	}
	return a.AccumulatedAmount.Cmp(b.AccumulatedAmount) == 0
}
