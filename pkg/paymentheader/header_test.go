package paymentheader

import (
	"math/big"
	"testing"

	"github.com/paymentkit/paymentkit/pkg/subrav"
)

func sampleRAV() subrav.SubRAV {
	id, _ := subrav.ChannelIDFromHex("0x35df1e6e557f3f30a6e6f59e12893c4a9f2d1e0000000000000000000035df")
	return subrav.SubRAV{
		Version:           subrav.SupportedVersion,
		ChainID:           4,
		ChannelID:         id,
		ChannelEpoch:      0,
		VMIDFragment:      "account-key",
		AccumulatedAmount: big.NewInt(50000),
		Nonce:             1,
	}
}

func TestRequestPayloadRoundTrip(t *testing.T) {
	signed := subrav.SignedSubRAV{SubRAV: sampleRAV(), Signature: []byte{1, 2, 3, 4}}
	in := RequestPayload{
		SignedSubRAV: &signed,
		MaxAmount:    big.NewInt(100000),
		ClientTxRef:  "tx-ref-1",
	}

	header, err := EncodeRequest(in)
	if err != nil {
		t.Fatalf("EncodeRequest: %v", err)
	}

	out, err := DecodeRequest(header)
	if err != nil {
		t.Fatalf("DecodeRequest: %v", err)
	}

	if out.ClientTxRef != in.ClientTxRef {
		t.Fatalf("clientTxRef mismatch: got %q want %q", out.ClientTxRef, in.ClientTxRef)
	}
	if out.MaxAmount.Cmp(in.MaxAmount) != 0 {
		t.Fatalf("maxAmount mismatch: got %s want %s", out.MaxAmount, in.MaxAmount)
	}
	if out.SignedSubRAV == nil {
		t.Fatal("expected signedSubRav to round-trip")
	}
	if !subrav.SubRAVsMatch(out.SignedSubRAV.SubRAV, signed.SubRAV) {
		t.Fatalf("subRav mismatch: got %+v want %+v", out.SignedSubRAV.SubRAV, signed.SubRAV)
	}
	if string(out.SignedSubRAV.Signature) != string(signed.Signature) {
		t.Fatal("signature did not round-trip")
	}
}

func TestRequestPayloadWithoutSignedSubRAV(t *testing.T) {
	in := RequestPayload{MaxAmount: big.NewInt(0), ClientTxRef: "tx-ref-2"}

	header, err := EncodeRequest(in)
	if err != nil {
		t.Fatalf("EncodeRequest: %v", err)
	}
	out, err := DecodeRequest(header)
	if err != nil {
		t.Fatalf("DecodeRequest: %v", err)
	}
	if out.SignedSubRAV != nil {
		t.Fatal("expected nil signedSubRav when none was set")
	}
}

func TestResponsePayloadRoundTrip(t *testing.T) {
	next := sampleRAV()
	next.Nonce = 2
	next.AccumulatedAmount = big.NewInt(60000)

	in := ResponsePayload{
		SubRAV:        &next,
		AmountDebited: big.NewInt(10000),
		ClientTxRef:   "tx-ref-3",
		ServiceTxRef:  "svc-1",
		ErrorCode:     0,
	}

	header, err := EncodeResponse(in)
	if err != nil {
		t.Fatalf("EncodeResponse: %v", err)
	}
	out, err := DecodeResponse(header)
	if err != nil {
		t.Fatalf("DecodeResponse: %v", err)
	}

	if out.ClientTxRef != in.ClientTxRef || out.ServiceTxRef != in.ServiceTxRef || out.ErrorCode != in.ErrorCode {
		t.Fatalf("scalar fields mismatch: got %+v", out)
	}
	if out.AmountDebited.Cmp(in.AmountDebited) != 0 {
		t.Fatalf("amountDebited mismatch: got %s want %s", out.AmountDebited, in.AmountDebited)
	}
	if out.SubRAV == nil || !subrav.SubRAVsMatch(*out.SubRAV, next) {
		t.Fatalf("subRav mismatch: got %+v want %+v", out.SubRAV, next)
	}
}

func TestDecodeRequestRejectsBadBase64(t *testing.T) {
	if _, err := DecodeRequest("not-valid-base64url!!"); err == nil {
		t.Fatal("expected error for invalid base64url")
	}
}

func TestDecodeRequestIgnoresUnknownFields(t *testing.T) {
	// {"version": 1, "clientTxRef": "x", "maxAmount": "0", "extra": "ignored"}
	header := "eyJ2ZXJzaW9uIjogMSwgImNsaWVudFR4UmVmIjogIngiLCAibWF4QW1vdW50IjogIjAiLCAiZXh0cmEiOiAiaWdub3JlZCJ9"
	out, err := DecodeRequest(header)
	if err != nil {
		t.Fatalf("DecodeRequest: %v", err)
	}
	if out.ClientTxRef != "x" {
		t.Fatalf("clientTxRef mismatch: got %q", out.ClientTxRef)
	}
}
