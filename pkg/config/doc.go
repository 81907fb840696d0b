// Package config provides configuration management for payment-kit clients.
//
// This package defines the Config structure that controls client behavior
// including chain settings, RPC endpoint, storage gateways, authentication,
// timeouts, and the claim-trigger/retention policies.
//
// # Basic Configuration
//
// The minimum required configuration needs an RPC endpoint and network:
//
//	cfg := &config.Config{
//		RPCAddr: "https://sepolia.infura.io/v3/YOUR_PROJECT_ID",
//		Network: config.Sepolia,
//	}
//
// # Network Selection
//
// Two predefined networks are available:
//
//	config.Sepolia - Ethereum Sepolia testnet (ChainID: 11155111)
//	config.Main    - Ethereum mainnet (ChainID: 1)
//
// Custom networks can be defined:
//
//	customNet := config.Network{
//		ChainID: "12345",
//		Name:    "custom-network",
//	}
//
// # RPC Endpoints
//
// The RPC endpoint protocol depends on your payment strategy:
//
//   - Free calls: HTTP/HTTPS endpoints work fine
//     Example: "https://sepolia.infura.io/v3/PROJECT_ID"
//
//   - Paid/Prepaid calls: WebSocket (WSS/WS) required for event subscriptions
//     Example: "wss://sepolia.infura.io/ws/v3/PROJECT_ID"
//
// # Private Key
//
// Private key is required for:
//   - Signing SubRAVs as a payer
//   - Submitting claims, opening/closing channels, or depositing to the hub
//   - Any blockchain write operations
//
// The key should be hex-encoded without the "0x" prefix:
//
//	cfg.PrivateKey = "abcdef1234567890..." // 64 hex characters
//
// Replace with your actual private key:
//
//	cfg.PrivateKey = "YOUR_PRIVATE_KEY"
//
// # Storage Gateways
//
// DID documents (pkg/cryptoutil.IPFSDIDResolver) may be published on
// IPFS/Lighthouse. Default gateways are provided:
//
//	IpfsURL:       "https://ipfs.singularitynet.io:443"
//	LighthouseURL: "https://gateway.lighthouse.storage/ipfs/"
//
// Custom gateways can be configured:
//
//	cfg.IpfsURL = "http://localhost:5001"
//	cfg.LighthouseURL = "https://custom-gateway.example.com/ipfs/"
//
// # Timeouts
//
// All operations have configurable timeouts. The Timeouts struct provides granular control:
//
//	cfg.Timeouts = config.Timeouts{
//		Dial:          10 * time.Second,  // Connection timeout
//		HeaderVerify:  2 * time.Second,   // Signature/DID verification timeout
//		ChainRead:     15 * time.Second,  // Blockchain read timeout
//		ChainSubmit:   60 * time.Second,  // Transaction submission timeout
//		ReceiptWait:   180 * time.Second, // Transaction confirmation timeout
//		CostCalc:      2 * time.Second,   // Cost calculator timeout
//		PaymentEnsure: 120 * time.Second, // Sub-channel authorization timeout
//	}
//
// Zero values are replaced with sensible defaults via WithDefaults().
//
// # Claim and Retention Policy
//
// The claim-trigger service and the storage retention windows are the only
// settlement-level tunables (see pkg/claimtrigger.Policy and
// pkg/storage.CleanupPolicy):
//
//	cfg.ClaimPolicy = claimtrigger.NewDefaultPolicy()
//	cfg.RAVRetention = storage.CleanupPolicy{RetentionDays: 30, KeepLatestPerSubChannel: true}
//	cfg.TransactionRetention = 30 * 24 * time.Hour
//
// Validate() fills in defaults for any of these left at their zero value.
//
// # Debug Mode
//
// Enable debug logging for troubleshooting:
//
//	cfg.Debug = true
//
// This enables verbose output about chain transactions, DID document
// fetches, and claim-trigger activity.
//
// # Configuration Validation
//
// Always call Validate() to apply defaults and check required fields:
//
//	cfg := &config.Config{...}
//	if err := cfg.Validate(); err != nil {
//		log.Fatalf("Invalid config: %v", err)
//	}
//
// Validate() will:
//   - Set default storage URLs if not provided
//   - Set default network to Sepolia if not provided
//   - Set default claim policy and retention windows if not provided
//   - Return error if RPCAddr is empty
//
// # Complete Example
//
//	import (
//		"time"
//		"github.com/paymentkit/paymentkit/pkg/config"
//	)
//
//	func loadConfig() (*config.Config, error) {
//		cfg := &config.Config{
//			Network:    config.Sepolia,
//			RPCAddr:    "https://sepolia.infura.io/v3/YOUR_PROJECT_ID",
//			PrivateKey: "YOUR_PRIVATE_KEY",
//			Debug:      true,
//			Timeouts: config.Timeouts{
//				Dial:      10 * time.Second,
//				ChainRead: 15 * time.Second,
//			},
//		}
//
//		return cfg, cfg.Validate()
//	}
//
// # Configuration Pattern
//
// A common pattern is to replace placeholders with actual values:
//
//	cfg := &config.Config{
//		RPCAddr:    "wss://mainnet.infura.io/ws/v3/YOUR_PROJECT_ID",
//		PrivateKey: "YOUR_PRIVATE_KEY",
//		Network:    config.Main,
//		Debug:      false,
//	}
//
//	return cfg, cfg.Validate()
//
// # Thread Safety
//
// Config instances should be created once and not modified after being
// handed to a payerclient/payeeclient/hubclient. The Config is read-only
// during client operation.
package config
