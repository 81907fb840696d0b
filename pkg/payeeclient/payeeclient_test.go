package payeeclient

import (
	"context"
	"math/big"
	"testing"

	"github.com/paymentkit/paymentkit/internal/chainsim"
	"github.com/paymentkit/paymentkit/pkg/storage/memstore"
	"github.com/paymentkit/paymentkit/pkg/subrav"
)

func TestGetChannelFallsBackToChain(t *testing.T) {
	contract := chainsim.New(4)
	channels := memstore.NewChannelRepository()
	c := New(contract, channels, nil)

	ctx := context.Background()
	channelID, _, err := contract.OpenChannel(ctx, "did:example:payer", "did:example:payee", "FET", big.NewInt(1000))
	if err != nil {
		t.Fatalf("opening channel on chain: %v", err)
	}

	info, err := c.GetChannel(ctx, channelID)
	if err != nil {
		t.Fatalf("GetChannel: %v", err)
	}
	if info.PayerDID != "did:example:payer" {
		t.Fatalf("expected chain fallback to populate payerDID, got %q", info.PayerDID)
	}

	cached, ok, err := channels.GetChannel(ctx, channelID)
	if err != nil || !ok {
		t.Fatalf("expected chain lookup to be cached locally")
	}
	if cached.Status != "active" {
		t.Fatalf("expected cached status active, got %q", cached.Status)
	}
}

func TestGetSubChannelStateSynthesizesCursor(t *testing.T) {
	contract := chainsim.New(4)
	channels := memstore.NewChannelRepository()
	c := New(contract, channels, nil)
	ctx := context.Background()

	channelID, _, err := contract.OpenChannelWithSubChannel(ctx, "did:example:payer", "did:example:payee", "FET", "account-key", big.NewInt(1000))
	if err != nil {
		t.Fatalf("opening channel: %v", err)
	}

	state, ok, err := c.GetSubChannelState(ctx, channelID, "account-key")
	if err != nil {
		t.Fatalf("GetSubChannelState: %v", err)
	}
	if !ok {
		t.Fatal("expected sub-channel to be found (authorized on-chain)")
	}
	if state.LastClaimedAmount == nil || state.LastClaimedAmount.Sign() != 0 {
		t.Fatalf("expected freshly authorized cursor to start at zero, got %v", state.LastClaimedAmount)
	}
}

func TestGetSubChannelStateUnauthorizedReturnsFalse(t *testing.T) {
	contract := chainsim.New(4)
	channels := memstore.NewChannelRepository()
	c := New(contract, channels, nil)
	ctx := context.Background()

	channelID, _, err := contract.OpenChannel(ctx, "did:example:payer", "did:example:payee", "FET", big.NewInt(1000))
	if err != nil {
		t.Fatalf("opening channel: %v", err)
	}

	_, ok, err := c.GetSubChannelState(ctx, channelID, "never-authorized")
	if err != nil {
		t.Fatalf("GetSubChannelState: %v", err)
	}
	if ok {
		t.Fatal("expected ok=false for an unauthorized sub-channel")
	}
}

func TestBatchClaimSurfacesEachFailure(t *testing.T) {
	contract := chainsim.New(4)
	channels := memstore.NewChannelRepository()
	c := New(contract, channels, nil)

	var channelID [32]byte
	channelID[0] = 0x01
	signed := []subrav.SignedSubRAV{
		{SubRAV: subrav.SubRAV{Version: subrav.SupportedVersion, ChainID: 4, ChannelID: channelID, VMIDFragment: "account-key", AccumulatedAmount: big.NewInt(100), Nonce: 1}, Signature: []byte("sig1")},
	}
	results := c.BatchClaimFromChannels(context.Background(), signed)
	if len(results) != 1 {
		t.Fatalf("expected one result per input, got %d", len(results))
	}
	if results[0].Err != nil {
		t.Fatalf("expected the fake contract to accept the claim, got %v", results[0].Err)
	}
	if len(contract.Claims()) != 1 {
		t.Fatalf("expected one recorded claim call, got %d", len(contract.Claims()))
	}
}
