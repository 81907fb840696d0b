// Package payerclient implements the payer side of the protocol (spec §4.5,
// C5): opening channels, authorizing sub-channels, validating and signing
// server-proposed receipts, and closing channels. It follows the teacher
// SDK's client-construction shape (a struct holding its collaborators,
// exported methods returning (result, error)) the way sdk.Core composes
// blockchain, storage, and config collaborators.
package payerclient

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"go.uber.org/zap"

	"github.com/paymentkit/paymentkit/pkg/chancontract"
	"github.com/paymentkit/paymentkit/pkg/cryptoutil"
	"github.com/paymentkit/paymentkit/pkg/storage"
	"github.com/paymentkit/paymentkit/pkg/subrav"
)

// Error codes named in spec §4.5's numbered rejection list. Each is a
// distinct sentinel so callers can switch on it without string matching.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string { return fmt.Sprintf("payerclient: %s: %s", e.Code, e.Message) }

func newErr(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

const (
	ErrChannelClosed       = "ChannelClosed"
	ErrEpochMismatch       = "EpochMismatch"
	ErrChainIDMismatch     = "ChainIdMismatch"
	ErrHandshakeNonce      = "HandshakeNonceReserved"
	ErrMaxAmountExceeded   = "MaxAmountExceeded"
	ErrKeyFragmentMismatch = "KeyFragmentMismatch"
	ErrSequenceViolation   = "SequenceViolation"
)

// Client is the payer-side entry point (C5).
type Client struct {
	contract chancontract.IPaymentChannelContract
	channels storage.ChannelRepository
	signer   cryptoutil.Signer
	logger   *zap.Logger

	mu           sync.Mutex
	chainID      *uint64
	activeChanID *[32]byte
}

// New constructs a payer Client.
func New(contract chancontract.IPaymentChannelContract, channels storage.ChannelRepository, signer cryptoutil.Signer, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{contract: contract, channels: channels, signer: signer, logger: logger}
}

// chainIDCached resolves and caches the chain id (spec §4.5 step 1).
func (c *Client) chainIDCached(ctx context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.chainID != nil {
		return *c.chainID, nil
	}
	id, err := c.contract.GetChainID(ctx)
	if err != nil {
		return 0, fmt.Errorf("payerclient: fetching chain id: %w", err)
	}
	c.chainID = &id
	return id, nil
}

// OpenChannel opens a new channel and persists its metadata locally. If no
// active channel is currently tracked, this one becomes the active channel
// (spec §4.5).
func (c *Client) OpenChannel(ctx context.Context, payerDID, payeeDID, assetID string, collateral *big.Int) ([32]byte, chancontract.TxResult, error) {
	channelID, res, err := c.contract.OpenChannel(ctx, payerDID, payeeDID, assetID, collateral)
	if err != nil {
		return channelID, res, fmt.Errorf("payerclient: opening channel: %w", err)
	}
	if err := c.persistOpenedChannel(ctx, channelID, payerDID, payeeDID, assetID); err != nil {
		return channelID, res, err
	}
	return channelID, res, nil
}

// OpenChannelWithSubChannel opens a channel with a simultaneous sub-channel
// authorization, persisting both the channel and an initial cursor at
// (nonce=0, amount=0) (spec §4.5).
func (c *Client) OpenChannelWithSubChannel(ctx context.Context, payerDID, payeeDID, assetID, vmIDFragment string, collateral *big.Int) ([32]byte, chancontract.TxResult, error) {
	channelID, res, err := c.contract.OpenChannelWithSubChannel(ctx, payerDID, payeeDID, assetID, vmIDFragment, collateral)
	if err != nil {
		return channelID, res, fmt.Errorf("payerclient: opening channel with sub-channel: %w", err)
	}
	if err := c.persistOpenedChannel(ctx, channelID, payerDID, payeeDID, assetID); err != nil {
		return channelID, res, err
	}
	zeroNonce := uint64(0)
	if _, err := c.channels.UpdateSubChannel(ctx, storage.SubChannelKey{ChannelID: channelID, VMIDFragment: vmIDFragment}, storage.SubChannelUpdate{
		LastClaimedAmount:  big.NewInt(0),
		LastConfirmedNonce: &zeroNonce,
	}); err != nil {
		return channelID, res, fmt.Errorf("payerclient: persisting initial sub-channel cursor: %w", err)
	}
	return channelID, res, nil
}

func (c *Client) persistOpenedChannel(ctx context.Context, channelID [32]byte, payerDID, payeeDID, assetID string) error {
	if err := c.channels.SetChannel(ctx, storage.ChannelInfo{
		ChannelID: channelID, PayerDID: payerDID, PayeeDID: payeeDID, AssetID: assetID,
		Epoch: 0, Status: "active",
	}); err != nil {
		return fmt.Errorf("payerclient: persisting channel metadata: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.activeChanID == nil {
		id := channelID
		c.activeChanID = &id
	}
	return nil
}

// AuthorizeSubChannel authorizes an additional sub-channel on an existing
// channel, persisting its initial local cursor.
func (c *Client) AuthorizeSubChannel(ctx context.Context, channelID [32]byte, vmIDFragment string) (chancontract.TxResult, error) {
	res, err := c.contract.AuthorizeSubChannel(ctx, channelID, vmIDFragment)
	if err != nil {
		return res, fmt.Errorf("payerclient: authorizing sub-channel: %w", err)
	}
	zeroNonce := uint64(0)
	if _, err := c.channels.UpdateSubChannel(ctx, storage.SubChannelKey{ChannelID: channelID, VMIDFragment: vmIDFragment}, storage.SubChannelUpdate{
		LastClaimedAmount:  big.NewInt(0),
		LastConfirmedNonce: &zeroNonce,
	}); err != nil {
		return res, fmt.Errorf("payerclient: persisting sub-channel cursor: %w", err)
	}
	return res, nil
}

// CloseChannel closes a channel on-chain and marks it closing locally
// (final "closed" status is applied once the chain confirms, which is
// outside this opaque contract's surface).
func (c *Client) CloseChannel(ctx context.Context, channelID [32]byte) (chancontract.TxResult, error) {
	res, err := c.contract.CloseChannel(ctx, channelID)
	if err != nil {
		return res, fmt.Errorf("payerclient: closing channel: %w", err)
	}
	info, ok, err := c.channels.GetChannel(ctx, channelID)
	if err == nil && ok {
		info.Status = "closing"
		_ = c.channels.SetChannel(ctx, info)
	}
	return res, nil
}

// SignOptions carries the caller-supplied constraints for SignSubRAV.
type SignOptions struct {
	// MaxAmount, if set, rejects any proposal whose AccumulatedAmount
	// exceeds this ceiling (spec §4.5 step 6).
	MaxAmount *big.Int
	// KeyID identifies the signing key as "did#fragment"; the fragment
	// must equal subRav.VMIDFragment (spec §4.5 step 7).
	KeyID string
}

// SignSubRAV validates a server-proposed SubRAV against local channel state
// and signs it, implementing every numbered check in spec §4.5.
func (c *Client) SignSubRAV(ctx context.Context, proposed subrav.SubRAV, opts SignOptions) (*subrav.SignedSubRAV, error) {
	chainID, err := c.chainIDCached(ctx)
	if err != nil {
		return nil, err
	}

	channel, ok, err := c.channels.GetChannel(ctx, proposed.ChannelID)
	if err != nil {
		return nil, fmt.Errorf("payerclient: fetching channel: %w", err)
	}
	if !ok || channel.Status != "active" {
		return nil, newErr(ErrChannelClosed, "channel %x is not active", proposed.ChannelID)
	}

	if proposed.ChannelEpoch != channel.Epoch {
		return nil, newErr(ErrEpochMismatch, "proposal epoch %d != channel epoch %d", proposed.ChannelEpoch, channel.Epoch)
	}

	if proposed.ChainID != chainID {
		return nil, newErr(ErrChainIDMismatch, "proposal chainId %d != resolved chainId %d", proposed.ChainID, chainID)
	}

	if proposed.Nonce == 0 {
		return nil, newErr(ErrHandshakeNonce, "nonce 0 is reserved for the handshake and may not be signed")
	}

	if opts.MaxAmount != nil && proposed.AccumulatedAmount != nil && proposed.AccumulatedAmount.Cmp(opts.MaxAmount) > 0 {
		return nil, newErr(ErrMaxAmountExceeded, "proposed amount %s exceeds ceiling %s", proposed.AccumulatedAmount, opts.MaxAmount)
	}

	_, fragment, err := cryptoutil.ParseKeyID(opts.KeyID)
	if err != nil {
		return nil, fmt.Errorf("payerclient: %w", err)
	}
	if fragment != proposed.VMIDFragment {
		return nil, newErr(ErrKeyFragmentMismatch, "signer fragment %q != subRav fragment %q", fragment, proposed.VMIDFragment)
	}

	key := storage.SubChannelKey{ChannelID: proposed.ChannelID, VMIDFragment: proposed.VMIDFragment}
	subState, hasState, err := c.channels.GetSubChannel(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("payerclient: fetching sub-channel cursor: %w", err)
	}

	var prev *subrav.SubRAV
	if hasState {
		prev = &subrav.SubRAV{
			ChannelID: key.ChannelID, ChannelEpoch: subState.Epoch, VMIDFragment: key.VMIDFragment,
			Nonce: subState.LastConfirmedNonce, AccumulatedAmount: subState.LastClaimedAmount,
		}
	}
	if err := subrav.ValidateSequence(prev, proposed, false); err != nil {
		return nil, newErr(ErrSequenceViolation, "%s", err.Error())
	}

	signed, err := cryptoutil.Sign(ctx, proposed, c.signer, opts.KeyID)
	if err != nil {
		return nil, fmt.Errorf("payerclient: signing: %w", err)
	}

	nonce := proposed.Nonce
	if _, err := c.channels.UpdateSubChannel(ctx, key, storage.SubChannelUpdate{
		LastClaimedAmount:  proposed.AccumulatedAmount,
		LastConfirmedNonce: &nonce,
	}); err != nil {
		c.logger.Warn("payerclient: failed to update local sub-channel cursor after signing", zap.Error(err))
	}

	return signed, nil
}

// ActiveChannelID returns the locally tracked active channel, if any.
func (c *Client) ActiveChannelID() (channelID [32]byte, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.activeChanID == nil {
		return channelID, false
	}
	return *c.activeChanID, true
}

// HubClient exposes the hub operations a payer needs (spec §4.5 "expose hub
// operations via C7"); embedding here would couple payerclient to hubclient,
// so instead payerclient simply forwards deposit calls through the same
// contract collaborator, matching the spec's note that hub access is exposed
// "via C7" without requiring payerclient to own that dependency.
func (c *Client) DepositToHub(ctx context.Context, payerDID, assetID string, amount *big.Int) (chancontract.TxResult, error) {
	res, err := c.contract.DepositToHub(ctx, payerDID, assetID, amount)
	if err != nil {
		return res, fmt.Errorf("payerclient: depositing to hub: %w", err)
	}
	return res, nil
}
