// Package ravverifier implements the single authoritative decision
// procedure consulted before a signed receipt is accepted. It is a pure
// function of its inputs: no storage or network calls happen here, so the
// billing middleware can unit-test acceptance logic without a live chain or
// database.
package ravverifier

import (
	"context"

	"github.com/paymentkit/paymentkit/pkg/chancontract"
	"github.com/paymentkit/paymentkit/pkg/cryptoutil"
	"github.com/paymentkit/paymentkit/pkg/storage"
	"github.com/paymentkit/paymentkit/pkg/subrav"
)

// Decision is the outcome of Verify.
type Decision int

const (
	ALLOW Decision = iota
	REQUIRE_SIGNATURE_402
	CONFLICT
	REJECT
)

func (d Decision) String() string {
	switch d {
	case ALLOW:
		return "ALLOW"
	case REQUIRE_SIGNATURE_402:
		return "REQUIRE_SIGNATURE_402"
	case CONFLICT:
		return "CONFLICT"
	case REJECT:
		return "REJECT"
	default:
		return "UNKNOWN"
	}
}

// Result is the full decision: the verdict plus the two booleans the spec
// calls out, plus a reason for REJECT/CONFLICT so callers can pick a stable
// error code.
type Result struct {
	Decision       Decision
	SignedVerified bool
	PendingMatched bool
	Reason         string
}

// Input bundles everything Verify needs. RequiresPayment comes from the
// billing rule (§4.8 step 3); a zero-cost route never calls Verify at all.
type Input struct {
	ChannelInfo        chancontract.ChannelInfo
	SubChannelState    *storage.SubChannelInfo
	RequiresPayment    bool
	Resolver           cryptoutil.DIDResolver
	VerifyFunc         cryptoutil.VerifyFunc
	SignedSubRAV       *subrav.SignedSubRAV
	LatestPendingSubRAV *storage.PendingSubRAV
}

// Verify runs the decision procedure described in spec §4.7.
func Verify(ctx context.Context, in Input) Result {
	pending := in.LatestPendingSubRAV

	// 1. payment required, a pending proposal exists, but no signed receipt.
	if in.RequiresPayment && pending != nil && in.SignedSubRAV == nil {
		return Result{Decision: REQUIRE_SIGNATURE_402, Reason: "outstanding proposal requires a signature"}
	}

	if in.SignedSubRAV == nil {
		// Nothing to verify and no payment required: allow through (free route).
		if !in.RequiresPayment {
			return Result{Decision: ALLOW}
		}
		return Result{Decision: REJECT, Reason: "payment required but no receipt supplied"}
	}

	signed := *in.SignedSubRAV
	pendingMatched := false

	// 2. a signed receipt and a pending proposal both exist: they must match structurally.
	if pending != nil {
		if !subrav.SubRAVsMatch(signed.SubRAV, pending.SubRAV) {
			return Result{Decision: CONFLICT, Reason: "signed receipt does not match outstanding proposal"}
		}
		pendingMatched = true
	}

	// 3. signature verification.
	signedVerified := false
	if in.Resolver != nil && in.VerifyFunc != nil {
		err := cryptoutil.VerifySignature(ctx, signed, in.Resolver, in.ChannelInfo.PayerDID, in.VerifyFunc)
		if err != nil {
			return Result{Decision: REJECT, PendingMatched: pendingMatched, Reason: "invalid signature"}
		}
		signedVerified = true
	}

	// 4. channel/epoch/chain checks, then nonce progression.
	if in.ChannelInfo.Status != chancontract.StatusActive {
		return Result{Decision: REJECT, SignedVerified: signedVerified, PendingMatched: pendingMatched, Reason: "channel not active"}
	}
	if signed.SubRAV.ChannelEpoch != in.ChannelInfo.Epoch {
		return Result{Decision: REJECT, SignedVerified: signedVerified, PendingMatched: pendingMatched, Reason: "epoch mismatch"}
	}

	var prev *subrav.SubRAV
	if in.SubChannelState != nil {
		prev = &subrav.SubRAV{
			ChannelID:         in.SubChannelState.ChannelID,
			ChannelEpoch:      in.SubChannelState.Epoch,
			VMIDFragment:      in.SubChannelState.VMIDFragment,
			Nonce:             in.SubChannelState.LastConfirmedNonce,
			AccumulatedAmount: in.SubChannelState.LastClaimedAmount,
		}
	}
	// Idempotent replay of the exact last-confirmed receipt is allowed; anything
	// else must strictly progress.
	if prev != nil && signed.SubRAV.Nonce == prev.Nonce {
		if signed.SubRAV.AccumulatedAmount != nil && prev.AccumulatedAmount != nil &&
			signed.SubRAV.AccumulatedAmount.Cmp(prev.AccumulatedAmount) == 0 {
			return Result{Decision: ALLOW, SignedVerified: signedVerified, PendingMatched: pendingMatched}
		}
		return Result{Decision: REJECT, SignedVerified: signedVerified, PendingMatched: pendingMatched, Reason: "replay with different amount"}
	}
	if err := subrav.ValidateSequence(prev, signed.SubRAV, false); err != nil {
		return Result{Decision: REJECT, SignedVerified: signedVerified, PendingMatched: pendingMatched, Reason: err.Error()}
	}

	// 5. otherwise allow.
	return Result{Decision: ALLOW, SignedVerified: signedVerified, PendingMatched: pendingMatched}
}
