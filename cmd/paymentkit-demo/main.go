// Command paymentkit-demo exercises the full payer/payee lifecycle end to
// end in a single process: opening a channel, seeding the first proposal,
// signing and submitting SubRAVs through the billing middleware, and
// watching the claim-trigger service settle on-chain. It plays the role the
// teacher SDK's examples/quick-start and examples/paid-call programs play,
// but against the chain-agnostic contract interface instead of a live MPE
// deployment — internal/chainsim stands in for the chain.
package main

import (
	"context"
	"fmt"
	"log"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/paymentkit/paymentkit/internal/chainsim"
	"github.com/paymentkit/paymentkit/pkg/billing"
	"github.com/paymentkit/paymentkit/pkg/claimtrigger"
	"github.com/paymentkit/paymentkit/pkg/cryptoutil"
	"github.com/paymentkit/paymentkit/pkg/hubclient"
	"github.com/paymentkit/paymentkit/pkg/paymentheader"
	"github.com/paymentkit/paymentkit/pkg/payeeclient"
	"github.com/paymentkit/paymentkit/pkg/payerclient"
	"github.com/paymentkit/paymentkit/pkg/storage"
	"github.com/paymentkit/paymentkit/pkg/storage/memstore"
	"github.com/paymentkit/paymentkit/pkg/subrav"
)

const (
	payerDID    = "did:example:payer"
	payeeDID    = "did:example:payee"
	assetID     = "FET"
	keyFragment = "device-1"
	costPerCall = 1_000
)

type fixedCost struct{ amount *big.Int }

func (f fixedCost) Cost(_ context.Context, _ billing.RequestContext) (*big.Int, error) {
	return f.amount, nil
}

func main() {
	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatalf("building logger: %v", err)
	}
	defer logger.Sync()

	ctx := context.Background()
	contract := chainsim.New(4)
	contract.SeedHubBalance(payerDID, assetID, big.NewInt(1_000_000))

	channels := memstore.NewChannelRepository()
	ravs := memstore.NewRAVRepository()
	pending := memstore.NewPendingSubRAVRepository()
	txs := memstore.NewTransactionStore()

	key, err := crypto.GenerateKey()
	if err != nil {
		log.Fatalf("generating payer key: %v", err)
	}
	signer := cryptoutil.NewECDSASigner()
	signer.Register(keyFragment, key)
	resolver := cryptoutil.NewStaticDIDResolver()
	resolver.RegisterKey(payerDID, keyFragment, key)

	payer := payerclient.New(contract, channels, signer, logger)
	payee := payeeclient.New(contract, channels, logger)
	hub := hubclient.New(contract)

	channelID, _, err := payer.OpenChannelWithSubChannel(ctx, payerDID, payeeDID, assetID, keyFragment, big.NewInt(100_000))
	if err != nil {
		log.Fatalf("opening channel: %v", err)
	}
	fmt.Printf("opened channel %s\n", subrav.ChannelIDHex(channelID))

	policy := claimtrigger.NewDefaultPolicy()
	policy.MinClaimAmount = big.NewInt(100) // small enough that this demo's 1000-unit calls trigger a claim
	claimSvc := claimtrigger.New(contract, ravs, channels, policy, logger)
	claimSvc.Start(ctx)
	defer claimSvc.Destroy()

	mw := billing.New(billing.Deps{
		Channels:   channels,
		RAVs:       ravs,
		Pending:    pending,
		Txs:        txs,
		Contract:   contract,
		Resolver:   resolver,
		VerifyFunc: cryptoutil.VerifyECDSA,
		Cost:       fixedCost{amount: big.NewInt(costPerCall)},
		ClaimNotifier: func(channelID [32]byte, vmIDFragment string, delta *big.Int) {
			claimSvc.MaybeQueue(channelID, vmIDFragment, delta)
		},
		Logger: logger,
	})

	// The payee seeds the first unsigned proposal when the sub-channel is
	// authorized (the "PaymentEnsure" handshake); nonce 0 is reserved.
	if err := pending.Save(ctx, storage.PendingSubRAV{
		SubRAV: subrav.SubRAV{
			Version: subrav.SupportedVersion, ChainID: 4, ChannelID: channelID,
			ChannelEpoch: 0, VMIDFragment: keyFragment,
			AccumulatedAmount: big.NewInt(costPerCall), Nonce: 1,
		},
		CreatedAt: time.Now(),
	}); err != nil {
		log.Fatalf("seeding first proposal: %v", err)
	}

	businessHandler := billing.HandlerFunc(func(_ context.Context) ([]byte, int, error) {
		return []byte(`{"result":42}`), 200, nil
	})

	var header string
	for call := 1; call <= 3; call++ {
		reqCtx := billing.RequestContext{
			ServiceID: "demo-service", Operation: "infer", AssetID: assetID,
			ChannelID: channelID, VMIDFragment: keyFragment,
			ClientTxRef: uuid.NewString(), Method: "POST", Path: "/infer",
		}

		outcome, body, status, payErr := mw.Handle(ctx, reqCtx, header, businessHandler)
		if payErr != nil && payErr.Code == billing.CodePaymentRequired && payErr.OutstandingProposal != nil {
			signed, err := payer.SignSubRAV(ctx, *payErr.OutstandingProposal, payerclient.SignOptions{
				MaxAmount: big.NewInt(1_000_000),
				KeyID:     payerDID + "#" + keyFragment,
			})
			if err != nil {
				log.Fatalf("signing proposal: %v", err)
			}
			header, err = paymentheader.EncodeRequest(paymentheader.RequestPayload{
				SignedSubRAV: signed,
				MaxAmount:    big.NewInt(1_000_000),
				ClientTxRef:  reqCtx.ClientTxRef,
			})
			if err != nil {
				log.Fatalf("encoding header: %v", err)
			}
			fmt.Printf("call %d: received 402, signed nonce %d and retrying\n", call, signed.SubRAV.Nonce)
			call--
			continue
		}
		if payErr != nil {
			log.Fatalf("call %d failed: %s: %s", call, payErr.Code, payErr.Message)
		}

		fmt.Printf("call %d: status=%d body=%s cost=%s\n", call, status, body, outcome.Cost)
		header = ""
		if outcome.ResponseHeader != "" {
			resp, err := paymentheader.DecodeResponse(outcome.ResponseHeader)
			if err != nil {
				log.Fatalf("decoding response header: %v", err)
			}
			if resp.SubRAV != nil {
				signed, err := payer.SignSubRAV(ctx, *resp.SubRAV, payerclient.SignOptions{
					MaxAmount: big.NewInt(1_000_000),
					KeyID:     payerDID + "#" + keyFragment,
				})
				if err != nil {
					log.Fatalf("signing next proposal: %v", err)
				}
				header, err = paymentheader.EncodeRequest(paymentheader.RequestPayload{
					SignedSubRAV: signed,
					MaxAmount:    big.NewInt(1_000_000),
					ClientTxRef:  reqCtx.ClientTxRef,
				})
				if err != nil {
					log.Fatalf("encoding header: %v", err)
				}
			}
		}
	}

	time.Sleep(2 * time.Second)
	fmt.Printf("claim counters: %+v\n", claimSvc.Counters())
	fmt.Printf("claims submitted: %d\n", len(contract.Claims()))

	bal, err := hub.Balance(ctx, payerDID, assetID)
	if err != nil {
		log.Fatalf("reading hub balance: %v", err)
	}
	fmt.Printf("remaining hub balance: %s\n", bal)

	state, ok, err := payee.GetSubChannelState(ctx, channelID, keyFragment)
	if err != nil {
		log.Fatalf("reading sub-channel state: %v", err)
	}
	fmt.Printf("sub-channel claimed=%s confirmedNonce=%d authorized=%v\n", state.LastClaimedAmount, state.LastConfirmedNonce, ok)
}
