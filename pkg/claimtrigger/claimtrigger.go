// Package claimtrigger implements the event-driven, throttled, retrying
// on-chain claim executor (spec §4.9, C10): it coalesces many small
// off-chain receipts into periodic on-chain claims, keyed per
// (channelId, vmIdFragment), with a bounded concurrent-claim budget and
// exponential-backoff retries. It is grounded in the teacher SDK's
// background-goroutine/channel worker shape (blockchain.EVMClient's event
// watchers in mpe.go) and in the keyed mutex pattern from
// storage/memstore/kmutex.go, which guarantees at most one in-flight claim
// per sub-channel.
package claimtrigger

import (
	"context"
	"math/big"
	"sync"
	"time"

	goerrors "github.com/go-errors/errors"
	"go.uber.org/zap"

	"github.com/paymentkit/paymentkit/pkg/chancontract"
	"github.com/paymentkit/paymentkit/pkg/storage"
	"github.com/paymentkit/paymentkit/pkg/subrav"
)

// encodeSigned renders a SignedSubRAV as canonical-encoding||signature, the
// same wire shape the escrow contract expects a claim submission to carry
// (spec §4.1: the canonical encoding is the exact byte string signed and
// re-hashed on-chain).
func encodeSigned(signed subrav.SignedSubRAV) ([]byte, error) {
	encoded, err := subrav.Encode(signed.SubRAV)
	if err != nil {
		return nil, err
	}
	return append(encoded, signed.Signature...), nil
}

// Policy configures claim scheduling (spec §4.9, §6 "the claim service
// policy... are the only public tunables"). Zero values are replaced with
// the documented defaults by WithDefaults, following the
// config.Timeouts.WithDefaults idiom.
type Policy struct {
	// MinClaimAmount is the minimum delta since the last claim worth
	// submitting on-chain. Default ~1 unit * 10^7.
	MinClaimAmount *big.Int
	// MaxConcurrentClaims bounds in-flight claim executions across all
	// sub-channels. Default 10.
	MaxConcurrentClaims int
	// MaxRetries bounds retry attempts per task before it is abandoned.
	// Default 3.
	MaxRetries int
	// RetryDelay is the base delay for exponential backoff:
	// RetryDelay * 2^(attempt-1). Default 60s.
	RetryDelay time.Duration
	// RequireHubBalance preconditions a claim on sufficient on-chain hub
	// balance. Default true.
	RequireHubBalance bool
	// InsufficientFundsBackoff is the fixed backoff applied after a
	// detected insufficient-funds skip. Default 30s.
	InsufficientFundsBackoff time.Duration
	// CountInsufficientAsFailure, when true, counts an insufficient-funds
	// skip toward FailedCount instead of SkippedCount. Default false.
	CountInsufficientAsFailure bool
	// TickInterval is how often the background worker scans the queue.
	// Default 1s.
	TickInterval time.Duration
}

// WithDefaults returns a copy of p with zero values replaced by the
// documented defaults.
func (p Policy) WithDefaults() Policy {
	out := p
	if out.MinClaimAmount == nil {
		out.MinClaimAmount = new(big.Int).Mul(big.NewInt(1), big.NewInt(10_000_000))
	}
	if out.MaxConcurrentClaims == 0 {
		out.MaxConcurrentClaims = 10
	}
	if out.MaxRetries == 0 {
		out.MaxRetries = 3
	}
	if out.RetryDelay == 0 {
		out.RetryDelay = 60 * time.Second
	}
	if out.InsufficientFundsBackoff == 0 {
		out.InsufficientFundsBackoff = 30 * time.Second
	}
	if out.TickInterval == 0 {
		out.TickInterval = 1 * time.Second
	}
	// RequireHubBalance and CountInsufficientAsFailure default to their Go
	// zero values (true is the spec default for the former, so callers that
	// want the documented default must either leave it unset and rely on
	// NewDefaultPolicy, or set it explicitly).
	return out
}

// NewDefaultPolicy returns the policy matching every spec §4.9 default,
// including RequireHubBalance=true (a bool zero value of false would
// otherwise be indistinguishable from an explicit opt-out).
func NewDefaultPolicy() Policy {
	p := Policy{RequireHubBalance: true}
	return p.WithDefaults()
}

// subChannelKey identifies one claim queue entry.
type subChannelKey struct {
	channelID    [32]byte
	vmIDFragment string
}

// queueEntry is the in-memory state tracked per sub-channel awaiting claim
// (spec §4.9 "State").
type queueEntry struct {
	delta       *big.Int
	attempts    int
	nextRetryAt time.Time
	createdAt   time.Time
}

// Counters exposes the running totals spec §8 requires:
// successCount + failedCount + skippedCount == total terminated attempts.
type Counters struct {
	SuccessCount           int64
	FailedCount            int64
	SkippedCount           int64
	InsufficientFundsCount int64
	TotalProcessingTimeMs  int64
}

// Service is the event-driven claim scheduler (C10). Construct with New and
// start the background worker with Start; Destroy stops it.
type Service struct {
	contract chancontract.IPaymentChannelContract
	ravs     storage.RAVRepository
	channels storage.ChannelRepository
	policy   Policy
	logger   *zap.Logger

	mu     sync.Mutex
	queue  map[subChannelKey]*queueEntry
	active map[subChannelKey]struct{}

	countersMu sync.Mutex
	counters   Counters

	ticker *time.Ticker
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs a Service. Call Start to begin the background worker.
func New(contract chancontract.IPaymentChannelContract, ravs storage.RAVRepository, channels storage.ChannelRepository, policy Policy, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		contract: contract,
		ravs:     ravs,
		channels: channels,
		policy:   policy.WithDefaults(),
		logger:   logger,
		queue:    make(map[subChannelKey]*queueEntry),
		active:   make(map[subChannelKey]struct{}),
	}
}

// Start launches the background worker timer (spec §4.9 "fires on a short
// timer, e.g. every 1s").
func (s *Service) Start(ctx context.Context) {
	if s.ticker != nil {
		return
	}
	s.ticker = time.NewTicker(s.policy.TickInterval)
	s.stopCh = make(chan struct{})
	s.wg.Add(1)
	go s.run(ctx)
}

func (s *Service) run(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-s.ticker.C:
			s.tick(ctx)
		}
	}
}

// Destroy stops the worker timer (spec §4.9 "Cancellation"). Tasks already
// submitted to the chain are not cancelled; their local-state effects only
// commit on observed success, so Destroy never leaves partial state behind.
func (s *Service) Destroy() {
	if s.ticker == nil {
		return
	}
	s.ticker.Stop()
	close(s.stopCh)
	s.wg.Wait()
	s.ticker = nil
}

// MaybeQueue enqueues (channelId, vmIdFragment) for a future claim if delta
// clears the minimum threshold, the sub-channel is not already in flight, and
// the global in-flight cap has room (spec §4.9 "maybeQueue").
func (s *Service) MaybeQueue(channelID [32]byte, vmIDFragment string, delta *big.Int) {
	if delta == nil || delta.Cmp(s.policy.MinClaimAmount) < 0 {
		return
	}

	key := subChannelKey{channelID: channelID, vmIDFragment: vmIDFragment}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, inFlight := s.active[key]; inFlight {
		return
	}
	if existing, ok := s.queue[key]; ok {
		existing.delta = delta
		return
	}
	if len(s.active)+len(s.queue) >= s.policy.MaxConcurrentClaims {
		s.logger.Debug("claimtrigger: in-flight cap reached, dropping enqueue",
			zap.Int("cap", s.policy.MaxConcurrentClaims))
		return
	}
	s.queue[key] = &queueEntry{delta: delta, createdAt: time.Now()}
}

// tick selects due tasks (up to the remaining slot count) and spawns work
// for each (spec §4.9 "Background worker" steps 1-2).
func (s *Service) tick(ctx context.Context) {
	now := time.Now()

	s.mu.Lock()
	slots := s.policy.MaxConcurrentClaims - len(s.active)
	var due []subChannelKey
	for key, entry := range s.queue {
		if len(due) >= slots {
			break
		}
		if _, inFlight := s.active[key]; inFlight {
			continue
		}
		if entry.nextRetryAt.After(now) {
			continue
		}
		due = append(due, key)
	}
	for _, key := range due {
		delete(s.queue, key)
		s.active[key] = struct{}{}
	}
	s.mu.Unlock()

	for _, key := range due {
		s.wg.Add(1)
		go func(k subChannelKey) {
			defer s.wg.Done()
			s.process(ctx, k)
		}(key)
	}
}

// outcome is the terminal state of one work attempt.
type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeSkippedInsufficientFunds
	outcomeFailed
)

// process runs the work unit for one (channelId, vmIdFragment) claim
// (spec §4.9 "Work unit"), then either requeues for retry, records a
// terminal counter, or releases the active slot on success.
func (s *Service) process(ctx context.Context, key subChannelKey) {
	start := time.Now()
	result := s.attempt(ctx, key)
	elapsed := time.Since(start)

	s.countersMu.Lock()
	s.counters.TotalProcessingTimeMs += elapsed.Milliseconds()
	s.countersMu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	switch result {
	case outcomeSuccess:
		delete(s.active, key)
		s.countersMu.Lock()
		s.counters.SuccessCount++
		s.countersMu.Unlock()
		return
	case outcomeSkippedInsufficientFunds:
		s.countersMu.Lock()
		s.counters.InsufficientFundsCount++
		if s.policy.CountInsufficientAsFailure {
			s.counters.FailedCount++
		} else {
			s.counters.SkippedCount++
		}
		s.countersMu.Unlock()
		delete(s.active, key)
		s.requeueLocked(key, s.policy.InsufficientFundsBackoff, 0)
		return
	}

	// outcomeFailed: retry with exponential backoff, or give up.
	delete(s.active, key)
	entry, existed := s.pendingRetryLocked(key)
	attempts := entry.attempts + 1
	if !existed {
		attempts = 1
	}
	if attempts >= s.policy.MaxRetries {
		s.countersMu.Lock()
		s.counters.FailedCount++
		s.countersMu.Unlock()
		s.logger.Warn("claimtrigger: abandoning claim after exhausting retries",
			zap.String("vmIdFragment", key.vmIDFragment), zap.Int("attempts", attempts))
		return
	}
	backoff := time.Duration(float64(s.policy.RetryDelay) * pow2(attempts-1))
	s.requeueLocked(key, backoff, attempts)
}

func pow2(n int) float64 {
	out := 1.0
	for i := 0; i < n; i++ {
		out *= 2
	}
	return out
}

// requeueLocked must be called with s.mu held.
func (s *Service) requeueLocked(key subChannelKey, delay time.Duration, attempts int) {
	s.queue[key] = &queueEntry{
		delta:       big.NewInt(0),
		attempts:    attempts,
		nextRetryAt: time.Now().Add(delay),
		createdAt:   time.Now(),
	}
}

func (s *Service) pendingRetryLocked(key subChannelKey) (queueEntry, bool) {
	if e, ok := s.queue[key]; ok {
		return *e, true
	}
	return queueEntry{}, false
}

// attempt executes one work unit (spec §4.9 "Work unit" steps 1-5). It never
// mutates the claim cursor except on confirmed on-chain success.
func (s *Service) attempt(ctx context.Context, key subChannelKey) outcome {
	latest, err := s.ravs.GetLatest(ctx, key.channelID, key.vmIDFragment)
	if err != nil || latest == nil {
		s.logger.Warn("claimtrigger: no signed RAV on file", zap.Error(err))
		return outcomeFailed
	}

	subKey := storage.SubChannelKey{ChannelID: key.channelID, VMIDFragment: key.vmIDFragment}
	subState, ok, err := s.channels.GetSubChannel(ctx, subKey)
	if err != nil || !ok {
		s.logger.Warn("claimtrigger: no sub-channel cursor on file", zap.Error(err))
		return outcomeFailed
	}
	channel, ok, err := s.channels.GetChannel(ctx, key.channelID)
	if err != nil || !ok {
		s.logger.Warn("claimtrigger: no channel metadata on file", zap.Error(err))
		return outcomeFailed
	}

	lastClaimed := subState.LastClaimedAmount
	if lastClaimed == nil {
		lastClaimed = big.NewInt(0)
	}
	delta := new(big.Int).Sub(latest.SubRAV.AccumulatedAmount, lastClaimed)
	if delta.Sign() <= 0 {
		return outcomeSuccess
	}

	if s.policy.RequireHubBalance {
		balance, err := s.contract.GetHubBalance(ctx, channel.PayerDID, channel.AssetID)
		if err != nil {
			s.logger.Warn("claimtrigger: hub balance query failed", zap.Error(err))
			return outcomeFailed
		}
		if balance.Cmp(delta) < 0 {
			return outcomeSkippedInsufficientFunds
		}
	}

	encoded, err := encodeSigned(*latest)
	if err != nil {
		s.logger.Error("claimtrigger: encoding signed RAV for submission", zap.Error(goerrors.Wrap(err, 0)))
		return outcomeFailed
	}

	if _, err := s.contract.ClaimFromChannel(ctx, key.channelID, key.vmIDFragment, encoded); err != nil {
		s.logger.Warn("claimtrigger: claim submission failed", zap.Error(goerrors.Wrap(err, 0)))
		return outcomeFailed
	}

	nonce := latest.SubRAV.Nonce
	amount := latest.SubRAV.AccumulatedAmount
	if _, err := s.channels.UpdateSubChannel(ctx, subKey, storage.SubChannelUpdate{
		LastClaimedAmount:  amount,
		LastConfirmedNonce: &nonce,
	}); err != nil {
		// The chain claim landed but the local cursor failed to advance; this
		// is logged, not retried, since resubmitting the same claim is safe
		// (the chain is the source of truth) but would double-count locally.
		s.logger.Error("claimtrigger: updating sub-channel cursor after claim", zap.Error(goerrors.Wrap(err, 0)))
	}
	if err := s.ravs.MarkAsClaimed(ctx, key.channelID, key.vmIDFragment, nonce, ""); err != nil {
		s.logger.Error("claimtrigger: marking RAV claimed", zap.Error(goerrors.Wrap(err, 0)))
	}

	return outcomeSuccess
}

// Counters returns a snapshot of the running totals.
func (s *Service) Counters() Counters {
	s.countersMu.Lock()
	defer s.countersMu.Unlock()
	return s.counters
}

// QueueDepth returns the number of sub-channels currently queued (not yet
// active), for observability/tests.
func (s *Service) QueueDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// ActiveCount returns the number of sub-channels with an in-flight claim.
func (s *Service) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}
