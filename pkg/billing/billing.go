// Package billing implements the deferred-payment protocol as
// framework-agnostic middleware (spec §4.8): for every incoming request it
// decodes the payment header, asks a CostCalculator for the price, runs the
// ravverifier decision procedure, persists the accepted receipt, proposes
// the next unsigned SubRAV, and records a TransactionRecord for
// observability. It is deliberately transport-agnostic, so the same
// Middleware can sit behind an HTTP handler or any other request pipeline.
package billing

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/paymentkit/paymentkit/pkg/chancontract"
	"github.com/paymentkit/paymentkit/pkg/cryptoutil"
	"github.com/paymentkit/paymentkit/pkg/paymentheader"
	"github.com/paymentkit/paymentkit/pkg/ravverifier"
	"github.com/paymentkit/paymentkit/pkg/storage"
	"github.com/paymentkit/paymentkit/pkg/subrav"
)

// ErrorCode enumerates the stable wire-level error codes from spec §6.
type ErrorCode string

const (
	CodePaymentRequired   ErrorCode = "PAYMENT_REQUIRED"
	CodeInvalidPayment    ErrorCode = "INVALID_PAYMENT"
	CodeUnknownSubRAV     ErrorCode = "UNKNOWN_SUBRAV"
	CodeTamperedSubRAV    ErrorCode = "TAMPERED_SUBRAV"
	CodeChannelClosed     ErrorCode = "CHANNEL_CLOSED"
	CodeEpochMismatch     ErrorCode = "EPOCH_MISMATCH"
	CodeInsufficientFunds ErrorCode = "INSUFFICIENT_FUNDS"
	CodePaymentError      ErrorCode = "PAYMENT_ERROR"
)

// httpStatus maps each ErrorCode to its wire-level HTTP status.
var httpStatus = map[ErrorCode]int{
	CodePaymentRequired:   402,
	CodeInvalidPayment:    400,
	CodeUnknownSubRAV:     400,
	CodeTamperedSubRAV:    400,
	CodeChannelClosed:     400,
	CodeEpochMismatch:     400,
	CodeInsufficientFunds: 402,
	CodePaymentError:      500,
}

// StatusFor returns the HTTP status code a given ErrorCode maps to.
func StatusFor(code ErrorCode) int {
	if s, ok := httpStatus[code]; ok {
		return s
	}
	return 500
}

// PaymentError is the structured failure returned to the transport layer;
// it carries everything spec §7's "user-visible failure behavior" requires.
type PaymentError struct {
	Code                ErrorCode
	Message             string
	AssetID             string
	OutstandingProposal *subrav.SubRAV
}

func (e *PaymentError) Error() string {
	return fmt.Sprintf("billing: %s: %s", e.Code, e.Message)
}

// RequestContext is the billing context built from the inbound request
// (spec §4.8 step 2).
type RequestContext struct {
	ServiceID    string
	Operation    string
	AssetID      string
	ChannelID    [32]byte
	VMIDFragment string
	ClientTxRef  string
	Method       string
	Path         string
	Query        string
	Body         []byte
	Streaming    bool
}

// CostCalculator is the external collaborator that prices a request in the
// asset's base units (spec §1 Non-goals: billing-rule evaluation is
// out of scope, consumed only through this interface).
type CostCalculator interface {
	Cost(ctx context.Context, reqCtx RequestContext) (*big.Int, error)
}

// Outcome is returned to the caller after Handle runs, carrying whatever
// the transport layer needs to finish the response.
type Outcome struct {
	ResponseHeader string // paymentheader.EncodeResponse output, empty when nothing to attach
	Cost           *big.Int
	Record         storage.TransactionRecord
}

// Deps bundles the middleware's collaborators. Grouping them mirrors the
// teacher's PaidStrategyDependencies pattern for dependency injection.
type Deps struct {
	Channels      storage.ChannelRepository
	RAVs          storage.RAVRepository
	Pending       storage.PendingSubRAVRepository
	Txs           storage.TransactionStore
	Contract      chancontract.IPaymentChannelContract
	Resolver      cryptoutil.DIDResolver
	VerifyFunc    cryptoutil.VerifyFunc
	Cost          CostCalculator
	ClaimNotifier func(channelID [32]byte, vmIDFragment string, delta *big.Int)
	Logger        *zap.Logger
}

// Middleware runs the billing protocol around an application handler. Its
// handler callback is the framework-agnostic equivalent of an HTTP
// http.Handler.Next call: it is invoked once the payment step has either
// allowed the request through or determined it is free.
type Middleware struct {
	deps Deps
	locks keyedLocks
}

// New constructs a Middleware from its dependencies.
func New(deps Deps) *Middleware {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Middleware{deps: deps}
}

// keyedLocks serializes all middleware operations for a single
// (channelId, vmIdFragment) so pending-proposal consumption and cursor
// advancement are atomic (spec §5).
type keyedLocks struct {
	mu sync.Map
}

func (k *keyedLocks) lock(key storage.SubChannelKey) func() {
	m := &sync.Mutex{}
	actual, _ := k.mu.LoadOrStore(key, m)
	mm := actual.(*sync.Mutex)
	mm.Lock()
	return mm.Unlock
}

// HandlerFunc is the application handler invoked once payment has been
// accepted or determined unnecessary. It returns the business response body
// and status code, which Handle passes through unchanged.
type HandlerFunc func(ctx context.Context) (body []byte, statusCode int, err error)

// Handle runs the full deferred-payment protocol described in spec §4.8.
func (m *Middleware) Handle(ctx context.Context, reqCtx RequestContext, header string, next HandlerFunc) (Outcome, []byte, int, *PaymentError) {
	start := time.Now()

	// Idempotency: a completed record for this clientTxRef short-circuits.
	if reqCtx.ClientTxRef != "" {
		if existing, ok, err := m.deps.Txs.Get(ctx, reqCtx.ClientTxRef); err == nil && ok && existing.Status != storage.TxPending {
			return Outcome{Record: *existing}, nil, existing.StatusCode, nil
		}
	}

	req := paymentheader.RequestPayload{}
	if header != "" {
		var err error
		req, err = paymentheader.DecodeRequest(header)
		if err != nil {
			return Outcome{}, nil, 400, &PaymentError{Code: CodeInvalidPayment, Message: err.Error(), AssetID: reqCtx.AssetID}
		}
	}

	cost, err := m.deps.Cost.Cost(ctx, reqCtx)
	if err != nil {
		return Outcome{}, nil, 500, &PaymentError{Code: CodePaymentError, Message: err.Error(), AssetID: reqCtx.AssetID}
	}

	if cost == nil || cost.Sign() == 0 {
		body, status, err := next(ctx)
		rec := m.record(reqCtx, storage.TxFree, status, start, nil, "")
		m.persistTx(ctx, rec)
		if err != nil {
			return Outcome{}, nil, 500, &PaymentError{Code: CodePaymentError, Message: err.Error()}
		}
		return Outcome{Cost: big.NewInt(0), Record: rec}, body, status, nil
	}

	key := storage.SubChannelKey{ChannelID: reqCtx.ChannelID, VMIDFragment: reqCtx.VMIDFragment}
	unlock := m.locks.lock(key)
	defer unlock()

	channel, ok, err := m.deps.Channels.GetChannel(ctx, reqCtx.ChannelID)
	if err != nil {
		return Outcome{}, nil, 500, &PaymentError{Code: CodePaymentError, Message: err.Error()}
	}
	if !ok {
		return Outcome{}, nil, 400, &PaymentError{Code: CodeUnknownSubRAV, Message: "unknown channel", AssetID: reqCtx.AssetID}
	}

	subChanState, _, err := m.deps.Channels.GetSubChannel(ctx, key)
	var subChanStatePtr *storage.SubChannelInfo
	if err == nil {
		subChanStatePtr = &subChanState
	}

	pending, err := m.deps.Pending.FindLatestBySubChannel(ctx, reqCtx.ChannelID, reqCtx.VMIDFragment)
	if err != nil {
		return Outcome{}, nil, 500, &PaymentError{Code: CodePaymentError, Message: err.Error()}
	}

	verifyResult := ravverifier.Verify(ctx, ravverifier.Input{
		ChannelInfo:     toChanContractInfo(channel),
		SubChannelState: subChanStatePtr,
		RequiresPayment: true,
		SignedSubRAV:    req.SignedSubRAV,
		Resolver:        m.deps.Resolver,
		VerifyFunc:      m.deps.VerifyFunc,
		LatestPendingSubRAV: pending,
	})

	switch verifyResult.Decision {
	case ravverifier.REQUIRE_SIGNATURE_402:
		pe := &PaymentError{Code: CodePaymentRequired, Message: verifyResult.Reason, AssetID: reqCtx.AssetID}
		if pending != nil {
			pe.OutstandingProposal = &pending.SubRAV
		}
		return Outcome{}, nil, 402, pe
	case ravverifier.CONFLICT:
		return Outcome{}, nil, 400, &PaymentError{Code: CodeTamperedSubRAV, Message: verifyResult.Reason, AssetID: reqCtx.AssetID}
	case ravverifier.REJECT:
		code := CodeInvalidPayment
		switch verifyResult.Reason {
		case "channel not active":
			code = CodeChannelClosed
		case "epoch mismatch":
			code = CodeEpochMismatch
		case "payment required but no receipt supplied":
			code = CodePaymentRequired
		}
		return Outcome{}, nil, StatusFor(code), &PaymentError{Code: code, Message: verifyResult.Reason, AssetID: reqCtx.AssetID}
	}

	// ALLOW: persist the accepted receipt before running the application handler.
	signed := *req.SignedSubRAV
	if err := m.deps.RAVs.Save(ctx, signed); err != nil {
		return Outcome{}, nil, 500, &PaymentError{Code: CodePaymentError, Message: err.Error()}
	}
	if verifyResult.PendingMatched {
		_ = m.deps.Pending.Remove(ctx, reqCtx.ChannelID, reqCtx.VMIDFragment, signed.SubRAV.Nonce)
	}
	nonce := signed.SubRAV.Nonce
	amount := signed.SubRAV.AccumulatedAmount
	if _, err := m.deps.Channels.UpdateSubChannel(ctx, key, storage.SubChannelUpdate{
		LastConfirmedNonce: &nonce,
	}); err != nil {
		return Outcome{}, nil, 500, &PaymentError{Code: CodePaymentError, Message: err.Error()}
	}

	body, status, handlerErr := next(ctx)

	// Construct and persist the next unsigned proposal (step 4.b-d).
	nextProposal := subrav.SubRAV{
		Version:           subrav.SupportedVersion,
		ChainID:           signed.SubRAV.ChainID,
		ChannelID:         reqCtx.ChannelID,
		ChannelEpoch:      signed.SubRAV.ChannelEpoch,
		VMIDFragment:      reqCtx.VMIDFragment,
		Nonce:             nonce + 1,
		AccumulatedAmount: new(big.Int).Add(amount, cost),
	}
	if err := m.deps.Pending.Save(ctx, storage.PendingSubRAV{SubRAV: nextProposal, CreatedAt: time.Now()}); err != nil {
		m.deps.Logger.Warn("failed to persist next pending proposal", zap.Error(err))
	}

	serviceTxRef := uuid.NewString()

	respHeader, err := paymentheader.EncodeResponse(paymentheader.ResponsePayload{
		SubRAV:        &nextProposal,
		AmountDebited: cost,
		ClientTxRef:   reqCtx.ClientTxRef,
		ServiceTxRef:  serviceTxRef,
	})
	if err != nil {
		m.deps.Logger.Warn("failed to encode response payment header", zap.Error(err))
	}

	if m.deps.ClaimNotifier != nil {
		delta := new(big.Int).Sub(nextProposal.AccumulatedAmount, m.claimedAmount(subChanStatePtr))
		m.deps.ClaimNotifier(reqCtx.ChannelID, reqCtx.VMIDFragment, delta)
	}

	finalStatus := storage.TxPaid
	if handlerErr != nil {
		finalStatus = storage.TxError
	}
	rec := m.record(reqCtx, finalStatus, status, start, cost, serviceTxRef)
	m.persistTx(ctx, rec)

	if handlerErr != nil {
		return Outcome{Cost: cost, Record: rec}, nil, 500, &PaymentError{Code: CodePaymentError, Message: handlerErr.Error()}
	}
	return Outcome{ResponseHeader: respHeader, Cost: cost, Record: rec}, body, status, nil
}

func (m *Middleware) claimedAmount(state *storage.SubChannelInfo) *big.Int {
	if state == nil || state.LastClaimedAmount == nil {
		return big.NewInt(0)
	}
	return state.LastClaimedAmount
}

func (m *Middleware) record(reqCtx RequestContext, status storage.TransactionStatus, statusCode int, start time.Time, cost *big.Int, serviceTxRef string) storage.TransactionRecord {
	return storage.TransactionRecord{
		ClientTxRef:  reqCtx.ClientTxRef,
		Protocol:     "http",
		Target:       reqCtx.Path,
		Streaming:    reqCtx.Streaming,
		ChannelID:    reqCtx.ChannelID,
		VMIDFragment: reqCtx.VMIDFragment,
		AssetID:      reqCtx.AssetID,
		Payment:      storage.PaymentSnapshot{Cost: cost, ServiceTxRef: serviceTxRef},
		Status:       status,
		StatusCode:   statusCode,
		DurationMs:   time.Since(start).Milliseconds(),
		CreatedAt:    start,
	}
}

func (m *Middleware) persistTx(ctx context.Context, rec storage.TransactionRecord) {
	if rec.ClientTxRef == "" {
		return
	}
	if err := m.deps.Txs.Create(ctx, rec); err != nil {
		_ = m.deps.Txs.Update(ctx, rec)
	}
}

func toChanContractInfo(info storage.ChannelInfo) chancontract.ChannelInfo {
	var status chancontract.ChannelStatus
	switch info.Status {
	case "active":
		status = chancontract.StatusActive
	case "closing":
		status = chancontract.StatusClosing
	default:
		status = chancontract.StatusClosed
	}
	return chancontract.ChannelInfo{
		ChannelID: info.ChannelID,
		PayerDID:  info.PayerDID,
		PayeeDID:  info.PayeeDID,
		AssetID:   info.AssetID,
		Epoch:     info.Epoch,
		Status:    status,
	}
}
