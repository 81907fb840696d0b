package subrav

import (
	"math/big"
	"strings"
	"testing"
)

func sampleRAV(t *testing.T) SubRAV {
	t.Helper()
	id, err := ChannelIDFromHex("0x35df1e6e557f3f30a6e6f59e12893c4a9f2d1e0000000000000000000035df")
	if err != nil {
		t.Fatalf("ChannelIDFromHex: %v", err)
	}
	return SubRAV{
		Version:           1,
		ChainID:           4,
		ChannelID:         id,
		ChannelEpoch:      0,
		VMIDFragment:      "account-key",
		AccumulatedAmount: big.NewInt(10000),
		Nonce:             1,
	}
}

func TestRoundTripEncoding(t *testing.T) {
	r := sampleRAV(t)

	enc, err := Encode(r)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if enc[0] != 0x01 {
		t.Fatalf("expected version byte 0x01, got 0x%02x", enc[0])
	}

	enc2, err := Encode(r)
	if err != nil {
		t.Fatalf("Encode (2nd run): %v", err)
	}
	if string(enc) != string(enc2) {
		t.Fatal("encoding is not stable across runs")
	}

	dec, err := Decode(enc)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if dec.Version != r.Version || dec.ChainID != r.ChainID || dec.ChannelID != r.ChannelID ||
		dec.ChannelEpoch != r.ChannelEpoch || dec.VMIDFragment != r.VMIDFragment || dec.Nonce != r.Nonce {
		t.Fatalf("decoded SubRAV does not match original: got %+v want %+v", dec, r)
	}
	if dec.AccumulatedAmount.Cmp(r.AccumulatedAmount) != 0 {
		t.Fatalf("decoded amount %s != original %s", dec.AccumulatedAmount, r.AccumulatedAmount)
	}
}

func TestValidateRejectsBadVersion(t *testing.T) {
	r := sampleRAV(t)
	r.Version = 2
	errs := Validate(r)
	if len(errs) == 0 {
		t.Fatal("expected validation error for unsupported version")
	}
}

func TestValidateRejectsEmptyFragment(t *testing.T) {
	r := sampleRAV(t)
	r.VMIDFragment = ""
	errs := Validate(r)
	found := false
	for _, e := range errs {
		if strings.Contains(e.Error(), "vmIdFragment is empty") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected empty-fragment error, got %v", errs)
	}
}

func TestValidateSequenceFirstReceipt(t *testing.T) {
	r := sampleRAV(t)
	if err := ValidateSequence(nil, r, false); err != nil {
		t.Fatalf("first receipt with nonce 1 should be accepted: %v", err)
	}

	handshake := r
	handshake.Nonce = 0
	handshake.AccumulatedAmount = big.NewInt(0)
	if err := ValidateSequence(nil, handshake, false); err != nil {
		t.Fatalf("handshake nonce 0 with zero amount should be accepted: %v", err)
	}

	skipped := r
	skipped.Nonce = 2
	if err := ValidateSequence(nil, skipped, false); err == nil {
		t.Fatal("expected error for first receipt with nonce != 1")
	}
}

func TestValidateSequenceProgression(t *testing.T) {
	prev := sampleRAV(t)

	next := prev
	next.Nonce = prev.Nonce + 1
	next.AccumulatedAmount = new(big.Int).Add(prev.AccumulatedAmount, big.NewInt(1))
	if err := ValidateSequence(&prev, next, false); err != nil {
		t.Fatalf("strictly increasing nonce+amount should be accepted: %v", err)
	}

	gap := prev
	gap.Nonce = prev.Nonce + 2
	gap.AccumulatedAmount = new(big.Int).Add(prev.AccumulatedAmount, big.NewInt(1))
	if err := ValidateSequence(&prev, gap, false); err == nil {
		t.Fatal("expected error for nonce gap")
	}

	stale := prev
	stale.Nonce = prev.Nonce + 1
	stale.AccumulatedAmount = new(big.Int).Sub(prev.AccumulatedAmount, big.NewInt(1))
	if err := ValidateSequence(&prev, stale, false); err == nil {
		t.Fatal("expected error for decreasing amount")
	}
}

func TestValidateSequenceIdempotentReplay(t *testing.T) {
	prev := sampleRAV(t)
	replay := prev

	if err := ValidateSequence(&prev, replay, true); err != nil {
		t.Fatalf("exact replay with allowEqualAmount should be accepted: %v", err)
	}
	if err := ValidateSequence(&prev, replay, false); err == nil {
		t.Fatal("replay with allowEqualAmount=false should be rejected (nonce does not advance)")
	}

	tampered := prev
	tampered.AccumulatedAmount = new(big.Int).Add(prev.AccumulatedAmount, big.NewInt(1))
	if err := ValidateSequence(&prev, tampered, true); err == nil {
		t.Fatal("replay of same nonce with a different amount must be rejected")
	}
}

func TestSubRAVsMatch(t *testing.T) {
	a := sampleRAV(t)
	b := a
	if !SubRAVsMatch(a, b) {
		t.Fatal("identical SubRAVs should match")
	}
	b.Nonce++
	if SubRAVsMatch(a, b) {
		t.Fatal("differing nonce should not match")
	}
}
