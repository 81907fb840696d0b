package cryptoutil

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/paymentkit/paymentkit/pkg/subrav"
)

func mustKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	k, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	return k
}

func TestSignAndVerifyRoundTrip(t *testing.T) {
	key := mustKey(t)

	signer := NewECDSASigner()
	signer.Register("account-key", key)

	resolver := NewStaticDIDResolver()
	resolver.RegisterKey("did:payer:1", "account-key", key)

	chanID, err := subrav.ChannelIDFromHex("0x35df1e6e557f3f30a6e6f59e12893c4a9f2d1e0000000000000000000035df")
	if err != nil {
		t.Fatalf("ChannelIDFromHex: %v", err)
	}

	r := subrav.SubRAV{
		Version:           subrav.SupportedVersion,
		ChainID:           4,
		ChannelID:         chanID,
		ChannelEpoch:      0,
		VMIDFragment:      "account-key",
		AccumulatedAmount: big.NewInt(50000),
		Nonce:             1,
	}

	signed, err := Sign(context.Background(), r, signer, "did:payer:1#account-key")
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	err = VerifySignature(context.Background(), *signed, resolver, "did:payer:1", VerifyECDSA)
	if err != nil {
		t.Fatalf("VerifySignature: %v", err)
	}
}

func TestVerifyRejectsTamperedReceipt(t *testing.T) {
	key := mustKey(t)

	signer := NewECDSASigner()
	signer.Register("account-key", key)

	resolver := NewStaticDIDResolver()
	resolver.RegisterKey("did:payer:1", "account-key", key)

	chanID, _ := subrav.ChannelIDFromHex("0x35df1e6e557f3f30a6e6f59e12893c4a9f2d1e0000000000000000000035df")
	r := subrav.SubRAV{
		Version:           subrav.SupportedVersion,
		ChainID:           4,
		ChannelID:         chanID,
		VMIDFragment:      "account-key",
		AccumulatedAmount: big.NewInt(50000),
		Nonce:             1,
	}

	signed, err := Sign(context.Background(), r, signer, "did:payer:1#account-key")
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	signed.SubRAV.AccumulatedAmount = big.NewInt(999999)

	err = VerifySignature(context.Background(), *signed, resolver, "did:payer:1", VerifyECDSA)
	if err == nil {
		t.Fatal("expected verification to fail for tampered amount")
	}
	if _, ok := err.(*ErrInvalidSignature); !ok {
		t.Fatalf("expected *ErrInvalidSignature, got %T: %v", err, err)
	}
}

func TestSignRejectsFragmentMismatch(t *testing.T) {
	key := mustKey(t)
	signer := NewECDSASigner()
	signer.Register("account-key", key)

	chanID, _ := subrav.ChannelIDFromHex("0x35df1e6e557f3f30a6e6f59e12893c4a9f2d1e0000000000000000000035df")
	r := subrav.SubRAV{
		Version:           subrav.SupportedVersion,
		VMIDFragment:      "other-key",
		AccumulatedAmount: big.NewInt(0),
		ChannelID:         chanID,
	}

	_, err := Sign(context.Background(), r, signer, "did:payer:1#account-key")
	if err == nil {
		t.Fatal("expected error when key fragment does not match subRav vmIdFragment")
	}
}
