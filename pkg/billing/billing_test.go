package billing

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"testing"

	gethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/paymentkit/paymentkit/pkg/cryptoutil"
	"github.com/paymentkit/paymentkit/pkg/paymentheader"
	"github.com/paymentkit/paymentkit/pkg/storage"
	"github.com/paymentkit/paymentkit/pkg/storage/memstore"
	"github.com/paymentkit/paymentkit/pkg/subrav"
)

const (
	testPayerDID = "did:payer:1"
	testPayeeDID = "did:payee:1"
	testFragment = "account-key"
)

func testChannelID() [32]byte {
	var id [32]byte
	id[31] = 0x7
	return id
}

func mustGenerateKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	k, err := gethcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	return k
}

type fixedCost struct{ amount *big.Int }

func (f fixedCost) Cost(_ context.Context, _ RequestContext) (*big.Int, error) {
	return f.amount, nil
}

type harness struct {
	mw       *Middleware
	channels storage.ChannelRepository
	pending  storage.PendingSubRAVRepository
	ravs     storage.RAVRepository
	signer   *cryptoutil.ECDSASigner
	resolver *cryptoutil.StaticDIDResolver
}

func newHarness(t *testing.T, cost *big.Int) *harness {
	t.Helper()

	channels := memstore.NewChannelRepository()
	ravs := memstore.NewRAVRepository()
	pending := memstore.NewPendingSubRAVRepository()
	txs := memstore.NewTransactionStore()

	priv := mustGenerateKey(t)
	signer := cryptoutil.NewECDSASigner()
	signer.Register(testFragment, priv)
	resolver := cryptoutil.NewStaticDIDResolver()
	resolver.RegisterKey(testPayerDID, testFragment, priv)

	ctx := context.Background()
	if err := channels.SetChannel(ctx, storage.ChannelInfo{
		ChannelID: testChannelID(), PayerDID: testPayerDID, PayeeDID: testPayeeDID,
		AssetID: "FET", Epoch: 0, Status: "active",
	}); err != nil {
		t.Fatalf("SetChannel: %v", err)
	}

	mw := New(Deps{
		Channels:   channels,
		RAVs:       ravs,
		Pending:    pending,
		Txs:        txs,
		Resolver:   resolver,
		VerifyFunc: cryptoutil.VerifyECDSA,
		Cost:       fixedCost{amount: cost},
	})

	return &harness{mw: mw, channels: channels, pending: pending, ravs: ravs, signer: signer, resolver: resolver}
}

func (h *harness) sign(t *testing.T, r subrav.SubRAV) subrav.SignedSubRAV {
	t.Helper()
	signed, err := cryptoutil.Sign(context.Background(), r, h.signer, testPayerDID+"#"+testFragment)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	return *signed
}

func noopHandler(_ context.Context) ([]byte, int, error) {
	return []byte("ok"), 200, nil
}

func TestHandleFreeRouteSkipsPaymentHeader(t *testing.T) {
	h := newHarness(t, big.NewInt(0))
	reqCtx := RequestContext{ChannelID: testChannelID(), VMIDFragment: testFragment, ClientTxRef: "tx-1"}

	outcome, body, status, payErr := h.mw.Handle(context.Background(), reqCtx, "", noopHandler)
	if payErr != nil {
		t.Fatalf("unexpected error: %v", payErr)
	}
	if status != 200 || string(body) != "ok" {
		t.Fatalf("unexpected response: status=%d body=%s", status, body)
	}
	if outcome.Record.Status != storage.TxFree {
		t.Fatalf("expected TxFree, got %v", outcome.Record.Status)
	}
}

func TestHandleRequiresSignatureWhenPendingAndNoHeader(t *testing.T) {
	h := newHarness(t, big.NewInt(1000))
	ctx := context.Background()

	if err := h.pending.Save(ctx, storage.PendingSubRAV{SubRAV: subrav.SubRAV{
		Version: subrav.SupportedVersion, ChannelID: testChannelID(), VMIDFragment: testFragment,
		Nonce: 1, AccumulatedAmount: big.NewInt(1000),
	}}); err != nil {
		t.Fatalf("Save pending: %v", err)
	}

	reqCtx := RequestContext{ChannelID: testChannelID(), VMIDFragment: testFragment, ClientTxRef: "tx-2"}
	_, _, status, payErr := h.mw.Handle(ctx, reqCtx, "", noopHandler)
	if payErr == nil || payErr.Code != CodePaymentRequired {
		t.Fatalf("expected PAYMENT_REQUIRED, got %+v", payErr)
	}
	if status != 402 {
		t.Fatalf("expected 402, got %d", status)
	}
	if payErr.OutstandingProposal == nil || payErr.OutstandingProposal.Nonce != 1 {
		t.Fatalf("expected outstanding proposal nonce 1, got %+v", payErr.OutstandingProposal)
	}
}

func TestHandleAllowsSignedProposalAndIssuesNext(t *testing.T) {
	h := newHarness(t, big.NewInt(1000))
	ctx := context.Background()

	proposal := subrav.SubRAV{
		Version: subrav.SupportedVersion, ChannelID: testChannelID(), VMIDFragment: testFragment,
		Nonce: 1, AccumulatedAmount: big.NewInt(1000),
	}
	if err := h.pending.Save(ctx, storage.PendingSubRAV{SubRAV: proposal}); err != nil {
		t.Fatalf("Save pending: %v", err)
	}
	signed := h.sign(t, proposal)
	header, err := paymentheader.EncodeRequest(paymentheader.RequestPayload{SignedSubRAV: &signed, ClientTxRef: "tx-3"})
	if err != nil {
		t.Fatalf("EncodeRequest: %v", err)
	}

	reqCtx := RequestContext{ChannelID: testChannelID(), VMIDFragment: testFragment, ClientTxRef: "tx-3"}
	outcome, body, status, payErr := h.mw.Handle(ctx, reqCtx, header, noopHandler)
	if payErr != nil {
		t.Fatalf("unexpected error: %v", payErr)
	}
	if status != 200 || string(body) != "ok" {
		t.Fatalf("unexpected response: status=%d body=%s", status, body)
	}
	if outcome.Record.Status != storage.TxPaid {
		t.Fatalf("expected TxPaid, got %v", outcome.Record.Status)
	}

	if found, _ := h.pending.Find(ctx, testChannelID(), testFragment, 1); found != nil {
		t.Fatal("expected nonce-1 pending proposal to be consumed")
	}

	resp, err := paymentheader.DecodeResponse(outcome.ResponseHeader)
	if err != nil {
		t.Fatalf("DecodeResponse: %v", err)
	}
	if resp.SubRAV == nil || resp.SubRAV.Nonce != 2 {
		t.Fatalf("expected next proposal nonce 2, got %+v", resp.SubRAV)
	}
	if resp.SubRAV.AccumulatedAmount.Cmp(big.NewInt(2000)) != 0 {
		t.Fatalf("expected next accumulated amount 2000, got %s", resp.SubRAV.AccumulatedAmount)
	}

	latest, err := h.ravs.GetLatest(ctx, testChannelID(), testFragment)
	if err != nil || latest == nil {
		t.Fatalf("expected signed RAV to be logged, err=%v", err)
	}
	if latest.SubRAV.Nonce != 1 {
		t.Fatalf("expected logged nonce 1, got %d", latest.SubRAV.Nonce)
	}
}

func TestHandleConflictOnTamperedProposal(t *testing.T) {
	h := newHarness(t, big.NewInt(1000))
	ctx := context.Background()

	proposal := subrav.SubRAV{
		Version: subrav.SupportedVersion, ChannelID: testChannelID(), VMIDFragment: testFragment,
		Nonce: 1, AccumulatedAmount: big.NewInt(1000),
	}
	if err := h.pending.Save(ctx, storage.PendingSubRAV{SubRAV: proposal}); err != nil {
		t.Fatalf("Save pending: %v", err)
	}

	tampered := proposal
	tampered.AccumulatedAmount = big.NewInt(999999)
	signed := h.sign(t, tampered)
	header, err := paymentheader.EncodeRequest(paymentheader.RequestPayload{SignedSubRAV: &signed, ClientTxRef: "tx-4"})
	if err != nil {
		t.Fatalf("EncodeRequest: %v", err)
	}

	reqCtx := RequestContext{ChannelID: testChannelID(), VMIDFragment: testFragment, ClientTxRef: "tx-4"}
	_, _, status, payErr := h.mw.Handle(ctx, reqCtx, header, noopHandler)
	if payErr == nil || payErr.Code != CodeTamperedSubRAV {
		t.Fatalf("expected TAMPERED_SUBRAV, got %+v", payErr)
	}
	if status != 400 {
		t.Fatalf("expected 400, got %d", status)
	}
}

func TestHandleIdempotentOnRepeatedClientTxRef(t *testing.T) {
	h := newHarness(t, big.NewInt(0))
	reqCtx := RequestContext{ChannelID: testChannelID(), VMIDFragment: testFragment, ClientTxRef: "tx-5"}

	calls := 0
	handler := func(_ context.Context) ([]byte, int, error) {
		calls++
		return []byte("ok"), 200, nil
	}

	if _, _, _, payErr := h.mw.Handle(context.Background(), reqCtx, "", handler); payErr != nil {
		t.Fatalf("first call failed: %v", payErr)
	}
	if _, _, _, payErr := h.mw.Handle(context.Background(), reqCtx, "", handler); payErr != nil {
		t.Fatalf("second call failed: %v", payErr)
	}
	if calls != 1 {
		t.Fatalf("expected the handler to run once, ran %d times", calls)
	}
}
