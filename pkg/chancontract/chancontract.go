// Package chancontract defines the opaque on-chain escrow contract surface
// consumed by payment-kit (spec §1, §6). The contract itself is an external
// collaborator; this package only names the interface payer/payee/hub clients
// depend on, grounded in the method surface of the teacher SDK's
// blockchain.EVMClient (OpenNewChannel, EnsurePaymentChannel,
// GetCurrentBlockNumberCtx, GetMPEBalance, ...) generalized away from one
// specific chain and ABI.
package chancontract

import (
	"context"
	"math/big"
)

// ChannelStatus mirrors spec §3 ChannelInfo.status.
type ChannelStatus int

const (
	StatusActive ChannelStatus = iota
	StatusClosing
	StatusClosed
)

func (s ChannelStatus) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusClosing:
		return "closing"
	case StatusClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ChannelInfo is the chain-sourced, cacheable channel record (spec §3).
type ChannelInfo struct {
	ChannelID [32]byte
	PayerDID  string
	PayeeDID  string
	AssetID   string
	Epoch     uint64
	Status    ChannelStatus
}

// SubChannelOnChain is the on-chain view of a sub-channel's authorization
// (used to synthesize a local cursor on first contact, spec §4.6).
type SubChannelOnChain struct {
	Authorized        bool
	LastClaimedAmount *big.Int
	LastConfirmedNonce uint64
	Epoch             uint64
}

// AssetInfo describes the asset used to collateralize a channel.
type AssetInfo struct {
	AssetID  string
	Decimals uint8
	Symbol   string
}

// TxResult is returned by write operations: a transaction hash and,
// when available, the block height it landed in.
type TxResult struct {
	TxHash      string
	BlockHeight *uint64
}

// IPaymentChannelContract is the external escrow contract collaborator.
// Read operations are idempotent and safe to retry; writes return a TxResult
// once submitted and are not assumed final until the caller observes
// confirmation through whatever mechanism the concrete chain offers.
type IPaymentChannelContract interface {
	OpenChannel(ctx context.Context, payerDID, payeeDID, assetID string, collateral *big.Int) (channelID [32]byte, res TxResult, err error)
	OpenChannelWithSubChannel(ctx context.Context, payerDID, payeeDID, assetID, vmIDFragment string, collateral *big.Int) (channelID [32]byte, res TxResult, err error)
	AuthorizeSubChannel(ctx context.Context, channelID [32]byte, vmIDFragment string) (TxResult, error)
	ClaimFromChannel(ctx context.Context, channelID [32]byte, vmIDFragment string, signed []byte) (TxResult, error)
	CloseChannel(ctx context.Context, channelID [32]byte) (TxResult, error)

	GetChannelStatus(ctx context.Context, channelID [32]byte) (ChannelInfo, error)
	GetSubChannel(ctx context.Context, channelID [32]byte, vmIDFragment string) (SubChannelOnChain, error)
	GetAssetInfo(ctx context.Context, assetID string) (AssetInfo, error)
	// GetAssetPrice returns the asset's price in picoUSD (1 USD = 10^12 pUSD).
	GetAssetPrice(ctx context.Context, assetID string) (*big.Int, error)
	GetChainID(ctx context.Context) (uint64, error)

	DepositToHub(ctx context.Context, payerDID, assetID string, amount *big.Int) (TxResult, error)
	WithdrawFromHub(ctx context.Context, payerDID, assetID string, amount *big.Int) (TxResult, error)
	GetHubBalance(ctx context.Context, payerDID, assetID string) (*big.Int, error)
	GetAllHubBalances(ctx context.Context, payerDID string) (map[string]*big.Int, error)

	GetActiveChannelsCount(ctx context.Context, payerDID string) (int, error)
}
