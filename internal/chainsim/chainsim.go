// Package chainsim provides a fake, in-memory implementation of
// chancontract.IPaymentChannelContract for tests, grounded in the teacher
// SDK's blockchain.EVMClient method surface (OpenNewChannel,
// EnsurePaymentChannel, GetMPEBalance, ...) generalized away from one
// specific chain and ABI. Nothing here talks to a real network; every write
// "confirms" synchronously.
package chainsim

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/paymentkit/paymentkit/pkg/chancontract"
)

type subChannelState struct {
	authorized        bool
	epoch             uint64
	lastClaimedAmount *big.Int
	lastConfirmedNonce uint64
}

// Contract is a fake chancontract.IPaymentChannelContract.
type Contract struct {
	mu sync.Mutex

	chainID     uint64
	channels    map[[32]byte]chancontract.ChannelInfo
	subChannels map[[32]byte]map[string]*subChannelState
	hubBalances map[string]map[string]*big.Int // payerDID -> assetID -> balance
	assetPrices map[string]*big.Int            // assetID -> picoUSD
	assetDecimals map[string]uint8
	nextChannelID byte
	claims      []ClaimCall
}

// ClaimCall records one ClaimFromChannel invocation for assertions.
type ClaimCall struct {
	ChannelID    [32]byte
	VMIDFragment string
	Signed       []byte
}

// New constructs a Contract fixed to the given chain id.
func New(chainID uint64) *Contract {
	return &Contract{
		chainID:       chainID,
		channels:      make(map[[32]byte]chancontract.ChannelInfo),
		subChannels:   make(map[[32]byte]map[string]*subChannelState),
		hubBalances:   make(map[string]map[string]*big.Int),
		assetPrices:   make(map[string]*big.Int),
		assetDecimals: make(map[string]uint8),
		nextChannelID: 1,
	}
}

// SetAssetPrice configures the picoUSD quote GetAssetPrice returns.
func (c *Contract) SetAssetPrice(assetID string, picoUSD *big.Int, decimals uint8) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.assetPrices[assetID] = picoUSD
	c.assetDecimals[assetID] = decimals
}

// SeedHubBalance credits payerDID's hub balance for assetID, bypassing
// DepositToHub (useful for test setup that shouldn't exercise the deposit
// path itself).
func (c *Contract) SeedHubBalance(payerDID, assetID string, amount *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.creditLocked(payerDID, assetID, amount)
}

func (c *Contract) creditLocked(payerDID, assetID string, amount *big.Int) {
	byAsset, ok := c.hubBalances[payerDID]
	if !ok {
		byAsset = make(map[string]*big.Int)
		c.hubBalances[payerDID] = byAsset
	}
	cur := byAsset[assetID]
	if cur == nil {
		cur = big.NewInt(0)
	}
	byAsset[assetID] = new(big.Int).Add(cur, amount)
}

func (c *Contract) newChannelID() [32]byte {
	var id [32]byte
	id[31] = c.nextChannelID
	c.nextChannelID++
	return id
}

func (c *Contract) OpenChannel(_ context.Context, payerDID, payeeDID, assetID string, _ *big.Int) ([32]byte, chancontract.TxResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.newChannelID()
	c.channels[id] = chancontract.ChannelInfo{ChannelID: id, PayerDID: payerDID, PayeeDID: payeeDID, AssetID: assetID, Epoch: 0, Status: chancontract.StatusActive}
	return id, chancontract.TxResult{TxHash: "0xopen"}, nil
}

func (c *Contract) OpenChannelWithSubChannel(_ context.Context, payerDID, payeeDID, assetID, vmIDFragment string, _ *big.Int) ([32]byte, chancontract.TxResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.newChannelID()
	c.channels[id] = chancontract.ChannelInfo{ChannelID: id, PayerDID: payerDID, PayeeDID: payeeDID, AssetID: assetID, Epoch: 0, Status: chancontract.StatusActive}
	c.authorizeLocked(id, vmIDFragment)
	return id, chancontract.TxResult{TxHash: "0xopen"}, nil
}

func (c *Contract) authorizeLocked(channelID [32]byte, vmIDFragment string) {
	byFrag, ok := c.subChannels[channelID]
	if !ok {
		byFrag = make(map[string]*subChannelState)
		c.subChannels[channelID] = byFrag
	}
	byFrag[vmIDFragment] = &subChannelState{authorized: true, lastClaimedAmount: big.NewInt(0)}
}

func (c *Contract) AuthorizeSubChannel(_ context.Context, channelID [32]byte, vmIDFragment string) (chancontract.TxResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.channels[channelID]; !ok {
		return chancontract.TxResult{}, fmt.Errorf("chainsim: unknown channel %x", channelID)
	}
	c.authorizeLocked(channelID, vmIDFragment)
	return chancontract.TxResult{TxHash: "0xauth"}, nil
}

func (c *Contract) ClaimFromChannel(_ context.Context, channelID [32]byte, vmIDFragment string, signed []byte) (chancontract.TxResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.claims = append(c.claims, ClaimCall{ChannelID: channelID, VMIDFragment: vmIDFragment, Signed: append([]byte(nil), signed...)})
	return chancontract.TxResult{TxHash: "0xclaim"}, nil
}

func (c *Contract) CloseChannel(_ context.Context, channelID [32]byte) (chancontract.TxResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	info, ok := c.channels[channelID]
	if !ok {
		return chancontract.TxResult{}, fmt.Errorf("chainsim: unknown channel %x", channelID)
	}
	info.Status = chancontract.StatusClosed
	c.channels[channelID] = info
	return chancontract.TxResult{TxHash: "0xclose"}, nil
}

func (c *Contract) GetChannelStatus(_ context.Context, channelID [32]byte) (chancontract.ChannelInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	info, ok := c.channels[channelID]
	if !ok {
		return chancontract.ChannelInfo{}, fmt.Errorf("chainsim: unknown channel %x", channelID)
	}
	return info, nil
}

func (c *Contract) GetSubChannel(_ context.Context, channelID [32]byte, vmIDFragment string) (chancontract.SubChannelOnChain, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	byFrag, ok := c.subChannels[channelID]
	if !ok {
		return chancontract.SubChannelOnChain{}, nil
	}
	state, ok := byFrag[vmIDFragment]
	if !ok {
		return chancontract.SubChannelOnChain{}, nil
	}
	return chancontract.SubChannelOnChain{
		Authorized: state.authorized, LastClaimedAmount: state.lastClaimedAmount,
		LastConfirmedNonce: state.lastConfirmedNonce, Epoch: state.epoch,
	}, nil
}

func (c *Contract) GetAssetInfo(_ context.Context, assetID string) (chancontract.AssetInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return chancontract.AssetInfo{AssetID: assetID, Decimals: c.assetDecimals[assetID], Symbol: assetID}, nil
}

func (c *Contract) GetAssetPrice(_ context.Context, assetID string) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.assetPrices[assetID]; ok {
		return p, nil
	}
	return big.NewInt(0), nil
}

func (c *Contract) GetChainID(_ context.Context) (uint64, error) {
	return c.chainID, nil
}

func (c *Contract) DepositToHub(_ context.Context, payerDID, assetID string, amount *big.Int) (chancontract.TxResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.creditLocked(payerDID, assetID, amount)
	return chancontract.TxResult{TxHash: "0xdeposit"}, nil
}

func (c *Contract) WithdrawFromHub(_ context.Context, payerDID, assetID string, amount *big.Int) (chancontract.TxResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	byAsset, ok := c.hubBalances[payerDID]
	if !ok {
		return chancontract.TxResult{}, fmt.Errorf("chainsim: no hub balance for %s", payerDID)
	}
	cur := byAsset[assetID]
	if cur == nil || cur.Cmp(amount) < 0 {
		return chancontract.TxResult{}, fmt.Errorf("chainsim: insufficient hub balance")
	}
	byAsset[assetID] = new(big.Int).Sub(cur, amount)
	return chancontract.TxResult{TxHash: "0xwithdraw"}, nil
}

func (c *Contract) GetHubBalance(_ context.Context, payerDID, assetID string) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	byAsset, ok := c.hubBalances[payerDID]
	if !ok {
		return big.NewInt(0), nil
	}
	bal := byAsset[assetID]
	if bal == nil {
		return big.NewInt(0), nil
	}
	return new(big.Int).Set(bal), nil
}

func (c *Contract) GetAllHubBalances(_ context.Context, payerDID string) (map[string]*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]*big.Int)
	for asset, bal := range c.hubBalances[payerDID] {
		out[asset] = new(big.Int).Set(bal)
	}
	return out, nil
}

func (c *Contract) GetActiveChannelsCount(_ context.Context, payerDID string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, info := range c.channels {
		if info.PayerDID == payerDID && info.Status == chancontract.StatusActive {
			n++
		}
	}
	return n, nil
}

// Claims returns every recorded ClaimFromChannel call, for test assertions.
func (c *Contract) Claims() []ClaimCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ClaimCall(nil), c.claims...)
}
