// Package config defines the runtime configuration for payment-kit clients,
// including chain settings, RPC endpoint, DID-document storage gateways,
// debug mode, operation timeouts, and the claim-trigger/retention tunables
// that spec §6 calls out as the only public knobs of the settlement engine.
// It also provides validation and defaulting helpers.
package config

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/paymentkit/paymentkit/pkg/claimtrigger"
	"github.com/paymentkit/paymentkit/pkg/storage"
)

// Config holds all settings required to initialize an IPaymentChannelContract
// binding and the payment-kit clients layered on top of it. Use Validate to
// fill implicit defaults and to check for required fields.
type Config struct {
	// Network selects the target chain (chain ID and human-readable name).
	Network Network `json:"network" yaml:"network"`
	// RPCAddr is the chain RPC endpoint URL (required).
	RPCAddr string `json:"rpc_addr" yaml:"rpc_addr"`
	// PrivateKey is the hex-encoded ECDSA private key used for signed operations
	// (optional if you only do free calls / read-only operations).
	PrivateKey string `json:"private_key" yaml:"private_key"`
	// LighthouseURL is the HTTP gateway used to fetch Filecoin-backed content.
	// Default: https://gateway.lighthouse.storage/ipfs/
	LighthouseURL string `json:"lighthouse_url" yaml:"lighthouse_url"`
	// IpfsURL is the HTTP API endpoint of the IPFS node used to resolve
	// IPFS-published DID documents (pkg/cryptoutil.IPFSDIDResolver).
	// Default: https://ipfs.singularitynet.io:443
	IpfsURL string `json:"ipfs_url" yaml:"ipfs_url"`
	// Debug enables verbose logging.
	Debug bool `json:"debug" yaml:"debug"`
	// Timeouts configures per-operation timeouts. See Timeouts.WithDefaults for defaults.
	Timeouts Timeouts `json:"timeouts" yaml:"timeouts"`
	// ClaimPolicy configures the claim-trigger service (spec §4.9): the
	// minimum claimable delta, retry/backoff schedule, and concurrency cap.
	ClaimPolicy claimtrigger.Policy `json:"claim_policy" yaml:"claim_policy"`
	// RAVRetention configures how aggressively claimed RAVs are pruned from
	// the RAV log (spec §4.4.2).
	RAVRetention storage.CleanupPolicy `json:"rav_retention" yaml:"rav_retention"`
	// TransactionRetention bounds how long TransactionStore keeps settled
	// transaction records before TransactionStore.Cleanup removes them.
	TransactionRetention time.Duration `json:"transaction_retention" yaml:"transaction_retention"`

	// privateKeyECDSA is the parsed ECDSA private key (lazy-loaded on first access)
	privateKeyECDSA *ecdsa.PrivateKey
}

// Network describes a blockchain network (chain ID and name). ChainID is used
// for EIP-155 signing; Name is informational.
type Network struct {
	ChainID string `json:"chain_id"`
	Name    string `json:"network_name"`
}

// Sepolia is a predefined Network for Ethereum Sepolia testnet.
var Sepolia = Network{
	ChainID: "11155111",
	Name:    "sepolia",
}

// Main is a predefined Network for Ethereum mainnet.
var Main = Network{
	ChainID: "1",
	Name:    "main",
}

// Timeouts controls per-operation deadlines.
// Zero values will be replaced by sane defaults in WithDefaults.
type Timeouts struct {
	Dial          time.Duration // chain RPC dial/connect
	HeaderVerify  time.Duration // decode + signature/DID verification in the billing middleware
	ChainRead     time.Duration // eth_call, balance etc
	ChainSubmit   time.Duration // send tx (claim submission, channel open/close)
	ReceiptWait   time.Duration // wait for tx receipt
	CostCalc      time.Duration // CostCalculator invocation
	PaymentEnsure time.Duration // ensure a sub-channel is authorized before first payment
}

// Validate normalizes the configuration by applying implicit defaults for
// LighthouseURL, IpfsURL, Network (defaults to Sepolia), ClaimPolicy and
// RAVRetention, and verifies that RPCAddr is provided.
// Returns an error when RPCAddr is empty.
func (c *Config) Validate() error {

	if c.LighthouseURL == "" {
		c.LighthouseURL = "https://gateway.lighthouse.storage/ipfs/"
	}

	if c.IpfsURL == "" {
		c.IpfsURL = "https://ipfs.singularitynet.io:443"
	}

	if c.Network.ChainID == "" {
		c.Network = Sepolia
	}

	if c.RPCAddr == "" {
		return errors.New("RPC address is required")
	}

	c.ClaimPolicy = c.ClaimPolicy.WithDefaults()

	if c.RAVRetention.RetentionDays == 0 {
		c.RAVRetention.RetentionDays = 30
	}

	if c.TransactionRetention == 0 {
		c.TransactionRetention = 30 * 24 * time.Hour
	}

	return nil
}

// WithDefaults returns a copy of t with zero values replaced by defaults:
//
//	Dial:          15s
//	HeaderVerify:  5s
//	ChainRead:     13s
//	ChainSubmit:   25s
//	ReceiptWait:   90s
//	CostCalc:      2s
//	PaymentEnsure: 120s
func (t Timeouts) WithDefaults() Timeouts {
	tt := t
	if tt.Dial == 0 {
		tt.Dial = 15 * time.Second
	}
	if tt.HeaderVerify == 0 {
		tt.HeaderVerify = 5 * time.Second
	}
	if tt.ChainRead == 0 {
		tt.ChainRead = 13 * time.Second
	}
	if tt.ChainSubmit == 0 {
		tt.ChainSubmit = 25 * time.Second
	}
	if tt.ReceiptWait == 0 {
		tt.ReceiptWait = 90 * time.Second
	}
	if tt.CostCalc == 0 {
		tt.CostCalc = 2 * time.Second
	}
	if tt.PaymentEnsure == 0 {
		tt.PaymentEnsure = 120 * time.Second
	}
	return tt
}

// GetPrivateKey returns the parsed ECDSA private key.
// It parses the hex string on first call and caches the result.
// Returns nil if PrivateKey is empty (read-only mode).
func (c *Config) GetPrivateKey() *ecdsa.PrivateKey {
	// If key is not set - this is normal for read-only operations
	if c.PrivateKey == "" {
		return nil
	}

	// If already parsed - return cache
	if c.privateKeyECDSA != nil {
		return c.privateKeyECDSA
	}

	// Parse key
	key, err := parsePrivateKey(c.PrivateKey)
	if err != nil {
		return nil
	}

	c.privateKeyECDSA = key
	return c.privateKeyECDSA
}

// parsePrivateKey converts a hex-encoded private key string to *ecdsa.PrivateKey.
// It handles both formats: with and without "0x" prefix.
func parsePrivateKey(keyHex string) (*ecdsa.PrivateKey, error) {
	// Remove 0x prefix if present
	keyHex = strings.TrimPrefix(keyHex, "0x")

	// Check length (must be 64 hex characters = 32 bytes)
	if len(keyHex) != 64 {
		return nil, fmt.Errorf("private key must be 32 bytes (64 hex characters), got %d", len(keyHex))
	}

	// Parse using go-ethereum crypto
	privateKey, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("failed to parse hex private key: %w", err)
	}

	return privateKey, nil
}

// HasPrivateKey returns true if a private key is configured.
func (c *Config) HasPrivateKey() bool {
	return c.PrivateKey != ""
}

// RequirePrivateKey returns the private key or an error if not configured.
func (c *Config) RequirePrivateKey() (*ecdsa.PrivateKey, error) {
	if !c.HasPrivateKey() {
		return nil, fmt.Errorf("private key is required for this operation")
	}
	return c.GetPrivateKey(), nil
}
