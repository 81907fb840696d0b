package hubclient

import (
	"context"
	"math/big"
	"testing"

	"github.com/paymentkit/paymentkit/internal/chainsim"
)

func TestDepositWithdrawBalance(t *testing.T) {
	contract := chainsim.New(4)
	c := New(contract)
	ctx := context.Background()

	if _, err := c.Deposit(ctx, "did:example:payer", "FET", big.NewInt(1000)); err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	bal, err := c.Balance(ctx, "did:example:payer", "FET")
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if bal.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("expected balance 1000, got %s", bal)
	}

	if _, err := c.Withdraw(ctx, "did:example:payer", "FET", big.NewInt(400)); err != nil {
		t.Fatalf("Withdraw: %v", err)
	}
	bal, err = c.Balance(ctx, "did:example:payer", "FET")
	if err != nil {
		t.Fatalf("Balance after withdraw: %v", err)
	}
	if bal.Cmp(big.NewInt(600)) != 0 {
		t.Fatalf("expected balance 600 after withdrawal, got %s", bal)
	}
}

func TestWithdrawInsufficientBalanceErrors(t *testing.T) {
	contract := chainsim.New(4)
	c := New(contract)
	if _, err := c.Withdraw(context.Background(), "did:example:payer", "FET", big.NewInt(1)); err == nil {
		t.Fatal("expected an error withdrawing from an empty balance")
	}
}

func TestBalanceUSD(t *testing.T) {
	contract := chainsim.New(4)
	// 1 FET = 0.5 USD = 5*10^11 pUSD; FET has 18 decimals.
	contract.SetAssetPrice("FET", big.NewInt(500_000_000_000), 18)
	c := New(contract)

	oneFET := new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	usd, err := c.BalanceUSD(context.Background(), "FET", oneFET)
	if err != nil {
		t.Fatalf("BalanceUSD: %v", err)
	}
	if usd.String() != "0.5" {
		t.Fatalf("expected 0.5 USD for 1 FET, got %s", usd.String())
	}
}
