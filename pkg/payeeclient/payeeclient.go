// Package payeeclient implements the payee side of the protocol (spec §4.6,
// C6): channel lookup with chain fallback, sub-channel state derivation, and
// claim entry points. It mirrors the teacher SDK's Service client shape
// (pkg/sdk/service.go), which also composes a contract/storage collaborator
// pair behind a small exported surface.
package payeeclient

import (
	"context"
	"fmt"
	"math/big"

	"go.uber.org/zap"

	"github.com/paymentkit/paymentkit/pkg/chancontract"
	"github.com/paymentkit/paymentkit/pkg/storage"
	"github.com/paymentkit/paymentkit/pkg/subrav"
)

// Client is the payee-side entry point (C6).
type Client struct {
	contract chancontract.IPaymentChannelContract
	channels storage.ChannelRepository
	logger   *zap.Logger
}

// New constructs a payee Client.
func New(contract chancontract.IPaymentChannelContract, channels storage.ChannelRepository, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{contract: contract, channels: channels, logger: logger}
}

// GetChannel returns the locally cached channel, falling back to the chain
// and caching the result on a miss.
func (c *Client) GetChannel(ctx context.Context, channelID [32]byte) (storage.ChannelInfo, error) {
	if info, ok, err := c.channels.GetChannel(ctx, channelID); err == nil && ok {
		return info, nil
	}

	onChain, err := c.contract.GetChannelStatus(ctx, channelID)
	if err != nil {
		return storage.ChannelInfo{}, fmt.Errorf("payeeclient: fetching channel status: %w", err)
	}
	info := storage.ChannelInfo{
		ChannelID: channelID,
		PayerDID:  onChain.PayerDID,
		PayeeDID:  onChain.PayeeDID,
		AssetID:   onChain.AssetID,
		Epoch:     onChain.Epoch,
		Status:    onChain.Status.String(),
	}
	if err := c.channels.SetChannel(ctx, info); err != nil {
		c.logger.Warn("payeeclient: failed to cache channel metadata", zap.Error(err))
	}
	return info, nil
}

// GetSubChannelState returns the local cursor if present; otherwise it
// fetches on-chain sub-channel info, synthesizes a cursor, persists it, and
// returns it. Returns (zero, false, nil) only if the sub-channel is not
// authorized on-chain (spec §4.6).
func (c *Client) GetSubChannelState(ctx context.Context, channelID [32]byte, vmIDFragment string) (storage.SubChannelInfo, bool, error) {
	key := storage.SubChannelKey{ChannelID: channelID, VMIDFragment: vmIDFragment}

	if info, ok, err := c.channels.GetSubChannel(ctx, key); err == nil && ok {
		return info, true, nil
	}

	onChain, err := c.contract.GetSubChannel(ctx, channelID, vmIDFragment)
	if err != nil {
		return storage.SubChannelInfo{}, false, fmt.Errorf("payeeclient: fetching on-chain sub-channel: %w", err)
	}
	if !onChain.Authorized {
		return storage.SubChannelInfo{}, false, nil
	}

	lastClaimed := onChain.LastClaimedAmount
	if lastClaimed == nil {
		lastClaimed = big.NewInt(0)
	}
	epoch := onChain.Epoch
	nonce := onChain.LastConfirmedNonce
	synthesized, err := c.channels.UpdateSubChannel(ctx, key, storage.SubChannelUpdate{
		Epoch:              &epoch,
		LastClaimedAmount:  lastClaimed,
		LastConfirmedNonce: &nonce,
	})
	if err != nil {
		return storage.SubChannelInfo{}, false, fmt.Errorf("payeeclient: persisting synthesized cursor: %w", err)
	}
	return synthesized, true, nil
}

// ClaimFromChannel submits a claim for a signed receipt. A higher-level
// verification (RavVerifier, spec §4.7) is expected to have run first; this
// method performs no verification of its own.
func (c *Client) ClaimFromChannel(ctx context.Context, signed subrav.SignedSubRAV) (chancontract.TxResult, error) {
	encoded, err := subrav.Encode(signed.SubRAV)
	if err != nil {
		return chancontract.TxResult{}, fmt.Errorf("payeeclient: encoding signed RAV: %w", err)
	}
	res, err := c.contract.ClaimFromChannel(ctx, signed.SubRAV.ChannelID, signed.SubRAV.VMIDFragment, append(encoded, signed.Signature...))
	if err != nil {
		return res, fmt.Errorf("payeeclient: claiming from channel %x: %w", signed.SubRAV.ChannelID, err)
	}
	return res, nil
}

// BatchResult pairs one claim attempt with its outcome.
type BatchResult struct {
	Signed subrav.SignedSubRAV
	Result chancontract.TxResult
	Err    error
}

// BatchClaimFromChannels claims every signed receipt in order. A failure on
// one claim does not silently skip the rest: every attempt's outcome is
// surfaced in the returned slice (spec §4.6 "the error is surfaced").
func (c *Client) BatchClaimFromChannels(ctx context.Context, signedRavs []subrav.SignedSubRAV) []BatchResult {
	out := make([]BatchResult, 0, len(signedRavs))
	for _, signed := range signedRavs {
		res, err := c.ClaimFromChannel(ctx, signed)
		out = append(out, BatchResult{Signed: signed, Result: res, Err: err})
	}
	return out
}

// Channels exposes the repository to collaborators that need it directly
// (e.g. the claim trigger service), per spec §4.6 "expose repositories to
// collaborators".
func (c *Client) Channels() storage.ChannelRepository { return c.channels }
