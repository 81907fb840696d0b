// Package hubclient implements deposit/withdraw/query operations against the
// on-chain hub balance (spec §4.1 C7). It also converts the contract's
// picoUSD price quotes into a display-friendly decimal, using
// shopspring/decimal the way the teacher SDK uses it for ASI/cogs
// conversions, since integer pUSD values are awkward to present directly.
package hubclient

import (
	"context"
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"

	"github.com/paymentkit/paymentkit/pkg/chancontract"
)

// pUSDPerUSD is the picoUSD scale: 1 USD = 10^12 pUSD (spec §2 GLOSSARY).
var pUSDPerUSD = decimal.New(1, 12)

// Client is the hub-balance entry point (C7).
type Client struct {
	contract chancontract.IPaymentChannelContract
}

// New constructs a hub Client.
func New(contract chancontract.IPaymentChannelContract) *Client {
	return &Client{contract: contract}
}

// Deposit adds collateral to payerDID's hub balance for assetID.
func (c *Client) Deposit(ctx context.Context, payerDID, assetID string, amount *big.Int) (chancontract.TxResult, error) {
	res, err := c.contract.DepositToHub(ctx, payerDID, assetID, amount)
	if err != nil {
		return res, fmt.Errorf("hubclient: depositing: %w", err)
	}
	return res, nil
}

// Withdraw removes collateral from payerDID's hub balance for assetID.
func (c *Client) Withdraw(ctx context.Context, payerDID, assetID string, amount *big.Int) (chancontract.TxResult, error) {
	res, err := c.contract.WithdrawFromHub(ctx, payerDID, assetID, amount)
	if err != nil {
		return res, fmt.Errorf("hubclient: withdrawing: %w", err)
	}
	return res, nil
}

// Balance returns payerDID's current hub balance for assetID.
func (c *Client) Balance(ctx context.Context, payerDID, assetID string) (*big.Int, error) {
	bal, err := c.contract.GetHubBalance(ctx, payerDID, assetID)
	if err != nil {
		return nil, fmt.Errorf("hubclient: fetching hub balance: %w", err)
	}
	return bal, nil
}

// AllBalances returns every asset balance payerDID holds at the hub.
func (c *Client) AllBalances(ctx context.Context, payerDID string) (map[string]*big.Int, error) {
	balances, err := c.contract.GetAllHubBalances(ctx, payerDID)
	if err != nil {
		return nil, fmt.Errorf("hubclient: fetching all hub balances: %w", err)
	}
	return balances, nil
}

// ActiveChannelsCount returns the number of channels currently open for
// payerDID.
func (c *Client) ActiveChannelsCount(ctx context.Context, payerDID string) (int, error) {
	n, err := c.contract.GetActiveChannelsCount(ctx, payerDID)
	if err != nil {
		return 0, fmt.Errorf("hubclient: fetching active channel count: %w", err)
	}
	return n, nil
}

// BalanceUSD converts a balance in asset base units to a USD decimal, using
// the contract's picoUSD price quote and the asset's decimals.
func (c *Client) BalanceUSD(ctx context.Context, assetID string, baseUnits *big.Int) (decimal.Decimal, error) {
	assetInfo, err := c.contract.GetAssetInfo(ctx, assetID)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("hubclient: fetching asset info: %w", err)
	}
	pricePUSD, err := c.contract.GetAssetPrice(ctx, assetID)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("hubclient: fetching asset price: %w", err)
	}

	units := decimal.NewFromBigInt(baseUnits, -int32(assetInfo.Decimals))
	pricePerUnitUSD := decimal.NewFromBigInt(pricePUSD, 0).Div(pUSDPerUSD)
	return units.Mul(pricePerUnitUSD), nil
}
