// Package orderqueue defers margin orders to an asynchronous, timeout-bounded
// worker queue. Traders lock funds and a prepaid execution fee at submit
// time; an authorized keeper (or, after a public delay, anyone) later
// executes against the margin engine or cancels for a refund. Requests never
// fail visibly to the submitter: execution failures convert to
// refund-and-cancel with a reason.
package orderqueue

import (
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/luxfi/database"
	"github.com/luxfi/log"

	"github.com/luxfi/margin/pkg/metrics"
	"github.com/luxfi/margin/pkg/vault"
)

// PositionEngine is the synchronous trading surface the queue defers to.
type PositionEngine interface {
	IncreasePosition(vault.IncreaseParams) error
	DecreasePosition(vault.DecreaseParams) (*big.Int, error)
}

// ErrNotDue is returned when a request is not yet eligible for execution or
// cancellation by the caller. Batch processing halts at the first such entry.
var ErrNotDue = errors.New("orderqueue: request not yet eligible")

// ErrUnknownRequest is returned for keys that were never submitted or are
// already tombstoned.
var ErrUnknownRequest = errors.New("orderqueue: unknown request")

// Config bounds queue timing and fees.
type Config struct {
	// FeeAsset is the token execution fees are prepaid in.
	FeeAsset string

	// MinExecutionFee is the smallest accepted prepaid fee.
	MinExecutionFee *big.Int

	// MinDelaySequence is the keeper cooldown, measured in the queue's
	// sequencing unit (one unit per submission).
	MinDelaySequence uint64

	// MinTimeDelayPublic is the wall-clock delay after which any caller,
	// including the submitter, may execute or cancel.
	MinTimeDelayPublic time.Duration

	// MaxTimeDelay is the forced-expiry age: past it a request can only
	// be cancelled.
	MaxTimeDelay time.Duration
}

// DefaultConfig returns the standard queue timing.
func DefaultConfig() *Config {
	return &Config{
		FeeAsset:           "USDC",
		MinExecutionFee:    new(big.Int),
		MinDelaySequence:   1,
		MinTimeDelayPublic: 3 * time.Minute,
		MaxTimeDelay:       30 * time.Minute,
	}
}

type queueState struct {
	name   string
	keys   []RequestKey
	cursor int
}

// Queue is the durable, ordered request queue. Submissions race freely;
// execution within one batch is strictly in array order and never skips a
// not-yet-due entry.
type Queue struct {
	mu     sync.Mutex
	engine PositionEngine
	bank   vault.Bank
	oracle vault.PriceOracle
	db     database.Database
	config *Config

	logger  log.Logger
	metrics *metrics.Metrics
	events  vault.EventSink

	callbacks map[string]ExecutionCallback
	keepers   map[string]bool
	paused    bool

	sequence   uint64
	accountSeq map[string]uint64

	incr     queueState
	incrReqs map[RequestKey]*IncreaseRequest
	decr     queueState
	decrReqs map[RequestKey]*DecreaseRequest

	now func() time.Time
}

// New creates a queue. db may be nil for a purely in-memory queue; pass a
// database to persist requests and cursors across restarts (call Load after
// construction to restore).
func New(engine PositionEngine, bank vault.Bank, oracle vault.PriceOracle, db database.Database, config *Config) *Queue {
	if config == nil {
		config = DefaultConfig()
	}
	return &Queue{
		engine:     engine,
		bank:       bank,
		oracle:     oracle,
		db:         db,
		config:     config,
		logger:     log.Root().New("module", "orderqueue"),
		callbacks:  make(map[string]ExecutionCallback),
		keepers:    make(map[string]bool),
		accountSeq: make(map[string]uint64),
		incr:       queueState{name: "increase"},
		incrReqs:   make(map[RequestKey]*IncreaseRequest),
		decr:       queueState{name: "decrease"},
		decrReqs:   make(map[RequestKey]*DecreaseRequest),
		now:        time.Now,
	}
}

// SetMetrics attaches Prometheus instrumentation.
func (q *Queue) SetMetrics(m *metrics.Metrics) { q.metrics = m }

// SetEventSink attaches an event sink for queue lifecycle events.
func (q *Queue) SetEventSink(sink vault.EventSink) { q.events = sink }

// SetClock overrides the time source. Test hook.
func (q *Queue) SetClock(now func() time.Time) { q.now = now }

// SetKeeper grants or revokes keeper status for an account.
func (q *Queue) SetKeeper(account string, isKeeper bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if isKeeper {
		q.keepers[account] = true
	} else {
		delete(q.keepers, account)
	}
}

// SetPaused toggles the global pause. While paused, execution attempts
// convert to cancellation with reason Paused.
func (q *Queue) SetPaused(paused bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.paused = paused
}

// RegisterCallback binds a callback target name to its handler. Targets are
// persisted with requests; handlers must be re-registered after a restart.
func (q *Queue) RegisterCallback(target string, cb ExecutionCallback) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.callbacks[target] = cb
}

// PendingIncrease and PendingDecrease return the live request counts.
func (q *Queue) PendingIncrease() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.incrReqs)
}

func (q *Queue) PendingDecrease() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.decrReqs)
}

// SubmitIncrease locks the input collateral plus the execution fee and
// appends the request to the increase queue tail.
func (q *Queue) SubmitIncrease(req IncreaseRequest) (RequestKey, error) {
	if req.AmountIn == nil || req.AmountIn.Sign() <= 0 || req.SizeDelta == nil || req.SizeDelta.Sign() <= 0 {
		return RequestKey{}, fmt.Errorf("orderqueue: %w", vault.ErrInvalidAmount)
	}
	if err := q.validateFee(req.ExecutionFee); err != nil {
		return RequestKey{}, err
	}
	if _, err := q.bank.TransferIn(req.CollateralAsset, req.Account, req.AmountIn); err != nil {
		return RequestKey{}, fmt.Errorf("orderqueue: lock collateral: %w", err)
	}
	if _, err := q.bank.TransferIn(q.config.FeeAsset, req.Account, req.ExecutionFee); err != nil {
		// Unwind the collateral lock; the submit must be atomic.
		_ = q.bank.TransferOut(req.CollateralAsset, req.Account, req.AmountIn)
		return RequestKey{}, fmt.Errorf("orderqueue: lock execution fee: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	key := q.nextKey(req.Account)
	req.SubmitSequence = q.sequence
	req.SubmitTime = q.now()
	q.incrReqs[key] = &req
	q.incr.keys = append(q.incr.keys, key)
	q.persistIncrease(key, &req)

	if q.metrics != nil {
		q.metrics.RequestSubmitted(q.incr.name)
		q.metrics.SetQueueDepth(q.incr.name, len(q.incrReqs))
	}
	q.logger.Debug("increase request queued", "key", key.String(), "account", req.Account)
	return key, nil
}

// SubmitDecrease locks the execution fee and appends the request to the
// decrease queue tail.
func (q *Queue) SubmitDecrease(req DecreaseRequest) (RequestKey, error) {
	if req.SizeDelta == nil || req.SizeDelta.Sign() <= 0 {
		return RequestKey{}, fmt.Errorf("orderqueue: %w", vault.ErrInvalidAmount)
	}
	if err := q.validateFee(req.ExecutionFee); err != nil {
		return RequestKey{}, err
	}
	if _, err := q.bank.TransferIn(q.config.FeeAsset, req.Account, req.ExecutionFee); err != nil {
		return RequestKey{}, fmt.Errorf("orderqueue: lock execution fee: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	key := q.nextKey(req.Account)
	req.SubmitSequence = q.sequence
	req.SubmitTime = q.now()
	q.decrReqs[key] = &req
	q.decr.keys = append(q.decr.keys, key)
	q.persistDecrease(key, &req)

	if q.metrics != nil {
		q.metrics.RequestSubmitted(q.decr.name)
		q.metrics.SetQueueDepth(q.decr.name, len(q.decrReqs))
	}
	q.logger.Debug("decrease request queued", "key", key.String(), "account", req.Account)
	return key, nil
}

func (q *Queue) validateFee(fee *big.Int) error {
	if fee == nil || fee.Sign() < 0 || fee.Cmp(q.config.MinExecutionFee) < 0 {
		return fmt.Errorf("orderqueue: execution fee below minimum")
	}
	return nil
}

func (q *Queue) nextKey(account string) RequestKey {
	q.sequence++
	q.accountSeq[account]++
	return RequestKey{Account: account, Sequence: q.accountSeq[account]}
}

// ExecuteIncrease attempts to execute one increase request. Engine-level
// failures convert to a cancellation attempt; the returned bool reports
// whether the trade executed. ErrNotDue means the caller must wait.
func (q *Queue) ExecuteIncrease(key RequestKey, executor string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	req, ok := q.incrReqs[key]
	if !ok {
		return false, ErrUnknownRequest
	}
	return q.executeIncreaseLocked(key, req, executor)
}

// CancelIncrease cancels one increase request, refunding the locked
// collateral and execution fee to the submitter.
func (q *Queue) CancelIncrease(key RequestKey, caller string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	req, ok := q.incrReqs[key]
	if !ok {
		return ErrUnknownRequest
	}
	if !q.expired(req.SubmitTime) && !q.eligible(req.SubmitSequence, req.SubmitTime, caller) {
		return ErrNotDue
	}
	return q.cancelIncreaseLocked(key, req, vault.CancelNoTrade)
}

// ExecuteDecrease attempts to execute one decrease request.
func (q *Queue) ExecuteDecrease(key RequestKey, executor string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	req, ok := q.decrReqs[key]
	if !ok {
		return false, ErrUnknownRequest
	}
	return q.executeDecreaseLocked(key, req, executor)
}

// CancelDecrease cancels one decrease request, refunding the execution fee.
func (q *Queue) CancelDecrease(key RequestKey, caller string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	req, ok := q.decrReqs[key]
	if !ok {
		return ErrUnknownRequest
	}
	if !q.expired(req.SubmitTime) && !q.eligible(req.SubmitSequence, req.SubmitTime, caller) {
		return ErrNotDue
	}
	return q.cancelDecreaseLocked(key, req, vault.CancelNoTrade)
}

// ProcessIncreaseQueue walks the increase queue from the persisted cursor,
// attempting execute-then-cancel-on-failure for up to limit entries. It
// halts at the first entry that is eligible for neither, which bounds
// per-batch work while preserving FIFO processing.
func (q *Queue) ProcessIncreaseQueue(limit int, executor string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	processed := 0
	var haltErr error
	for processed < limit && q.incr.cursor < len(q.incr.keys) {
		key := q.incr.keys[q.incr.cursor]
		req, ok := q.incrReqs[key]
		if !ok {
			q.incr.cursor++
			continue
		}
		_, err := q.executeIncreaseLocked(key, req, executor)
		if err != nil {
			if errors.Is(err, ErrNotDue) {
				break
			}
			// Terminal: the cancel itself failed. Halt here so the next
			// batch retries this index.
			haltErr = err
			break
		}
		q.incr.cursor++
		processed++
	}
	q.persistCursor(&q.incr)
	return processed, haltErr
}

// ProcessDecreaseQueue is the decrease-side batch processor.
func (q *Queue) ProcessDecreaseQueue(limit int, executor string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	processed := 0
	var haltErr error
	for processed < limit && q.decr.cursor < len(q.decr.keys) {
		key := q.decr.keys[q.decr.cursor]
		req, ok := q.decrReqs[key]
		if !ok {
			q.decr.cursor++
			continue
		}
		_, err := q.executeDecreaseLocked(key, req, executor)
		if err != nil {
			if errors.Is(err, ErrNotDue) {
				break
			}
			haltErr = err
			break
		}
		q.decr.cursor++
		processed++
	}
	q.persistCursor(&q.decr)
	return processed, haltErr
}

// executeIncreaseLocked runs the eligibility gates and the engine call.
// Returns (true, nil) on execution, (false, nil) when the request was
// converted to a cancellation, and an error only when neither could
// complete.
func (q *Queue) executeIncreaseLocked(key RequestKey, req *IncreaseRequest, executor string) (bool, error) {
	if q.expired(req.SubmitTime) {
		// Past max age a request is mandatorily cancellable, never
		// executable.
		if err := q.cancelIncreaseLocked(key, req, vault.CancelNoTrade); err != nil {
			return false, err
		}
		return false, nil
	}
	if !q.eligible(req.SubmitSequence, req.SubmitTime, executor) {
		return false, ErrNotDue
	}
	if q.paused {
		if err := q.cancelIncreaseLocked(key, req, vault.CancelPaused); err != nil {
			return false, err
		}
		return false, nil
	}

	// Re-validate the acceptable-price bound at execution time.
	if reason, err := q.checkIncreasePrice(req); err != nil {
		return false, err
	} else if reason != vault.CancelNone {
		if err := q.cancelIncreaseLocked(key, req, reason); err != nil {
			return false, err
		}
		return false, nil
	}

	err := q.engine.IncreasePosition(vault.IncreaseParams{
		Owner:           req.Account,
		CollateralAsset: req.CollateralAsset,
		IndexAsset:      req.IndexAsset,
		CollateralDelta: req.AmountIn,
		SizeDelta:       req.SizeDelta,
		IsLong:          req.IsLong,
		AcceptablePrice: req.AcceptablePrice,
	})
	if err != nil {
		if errors.Is(err, vault.ErrLocked) {
			// Transient contention, not a bad request.
			return false, err
		}
		if err := q.cancelIncreaseLocked(key, req, vault.CancelReasonFor(err)); err != nil {
			return false, err
		}
		return false, nil
	}

	q.tombstoneIncrease(key)
	if err := q.bank.TransferOut(q.config.FeeAsset, executor, req.ExecutionFee); err != nil {
		q.logger.Error("execution fee payout failed", "key", key.String(), "error", err)
	}
	q.finish(q.incr.name, key, req.CallbackTarget, true, vault.CancelNone)
	return true, nil
}

func (q *Queue) executeDecreaseLocked(key RequestKey, req *DecreaseRequest, executor string) (bool, error) {
	if q.expired(req.SubmitTime) {
		if err := q.cancelDecreaseLocked(key, req, vault.CancelNoTrade); err != nil {
			return false, err
		}
		return false, nil
	}
	if !q.eligible(req.SubmitSequence, req.SubmitTime, executor) {
		return false, ErrNotDue
	}
	if q.paused {
		if err := q.cancelDecreaseLocked(key, req, vault.CancelPaused); err != nil {
			return false, err
		}
		return false, nil
	}

	reason, err := q.checkDecreaseTriggers(req)
	if err != nil {
		return false, err
	}
	if reason != vault.CancelNone && reason != vault.CancelTakeProfitHit && reason != vault.CancelStopLossHit {
		if err := q.cancelDecreaseLocked(key, req, reason); err != nil {
			return false, err
		}
		return false, nil
	}

	acceptable := req.AcceptablePrice
	if req.TakeProfitPrice != nil || req.StopLossPrice != nil {
		// Trigger orders execute at the trigger, not a fixed bound.
		acceptable = nil
	}
	_, err = q.engine.DecreasePosition(vault.DecreaseParams{
		Owner:           req.Account,
		CollateralAsset: req.CollateralAsset,
		IndexAsset:      req.IndexAsset,
		CollateralDelta: req.CollateralDelta,
		SizeDelta:       req.SizeDelta,
		IsLong:          req.IsLong,
		Receiver:        req.Receiver,
		AcceptablePrice: acceptable,
	})
	if err != nil {
		if errors.Is(err, vault.ErrLocked) {
			return false, err
		}
		if err := q.cancelDecreaseLocked(key, req, vault.CancelReasonFor(err)); err != nil {
			return false, err
		}
		return false, nil
	}

	q.tombstoneDecrease(key)
	if err := q.bank.TransferOut(q.config.FeeAsset, executor, req.ExecutionFee); err != nil {
		q.logger.Error("execution fee payout failed", "key", key.String(), "error", err)
	}
	q.finish(q.decr.name, key, req.CallbackTarget, true, reason)
	return true, nil
}

// checkIncreasePrice re-validates the acceptable-price bound.
func (q *Queue) checkIncreasePrice(req *IncreaseRequest) (vault.CancelReason, error) {
	if req.AcceptablePrice == nil {
		return vault.CancelNone, nil
	}
	if req.IsLong {
		price, err := q.oracle.MaxPrice(req.IndexAsset)
		if err != nil {
			return vault.CancelNone, err
		}
		if price.Cmp(req.AcceptablePrice) > 0 {
			return vault.CancelSlippage, nil
		}
		return vault.CancelNone, nil
	}
	price, err := q.oracle.MinPrice(req.IndexAsset)
	if err != nil {
		return vault.CancelNone, err
	}
	if price.Cmp(req.AcceptablePrice) < 0 {
		return vault.CancelSlippage, nil
	}
	return vault.CancelNone, nil
}

// checkDecreaseTriggers evaluates take-profit/stop-loss bounds, returning
// TakeProfitHit/StopLossHit when a trigger fired, NotHit when triggers are
// set but unmet, Slippage when the plain price bound is violated.
func (q *Queue) checkDecreaseTriggers(req *DecreaseRequest) (vault.CancelReason, error) {
	var price *big.Int
	var err error
	if req.IsLong {
		price, err = q.oracle.MinPrice(req.IndexAsset)
	} else {
		price, err = q.oracle.MaxPrice(req.IndexAsset)
	}
	if err != nil {
		return vault.CancelNone, err
	}

	if req.TakeProfitPrice != nil || req.StopLossPrice != nil {
		if req.TakeProfitPrice != nil {
			hit := (req.IsLong && price.Cmp(req.TakeProfitPrice) >= 0) ||
				(!req.IsLong && price.Cmp(req.TakeProfitPrice) <= 0)
			if hit {
				return vault.CancelTakeProfitHit, nil
			}
		}
		if req.StopLossPrice != nil {
			hit := (req.IsLong && price.Cmp(req.StopLossPrice) <= 0) ||
				(!req.IsLong && price.Cmp(req.StopLossPrice) >= 0)
			if hit {
				return vault.CancelStopLossHit, nil
			}
		}
		return vault.CancelNotHit, nil
	}

	if req.AcceptablePrice != nil {
		if req.IsLong && price.Cmp(req.AcceptablePrice) < 0 {
			return vault.CancelSlippage, nil
		}
		if !req.IsLong && price.Cmp(req.AcceptablePrice) > 0 {
			return vault.CancelSlippage, nil
		}
	}
	return vault.CancelNone, nil
}

// cancelIncreaseLocked refunds exactly the locked input amount plus the
// execution fee and tombstones the request.
func (q *Queue) cancelIncreaseLocked(key RequestKey, req *IncreaseRequest, reason vault.CancelReason) error {
	if err := q.bank.TransferOut(req.CollateralAsset, req.Account, req.AmountIn); err != nil {
		return fmt.Errorf("orderqueue: refund collateral: %w", err)
	}
	if err := q.bank.TransferOut(q.config.FeeAsset, req.Account, req.ExecutionFee); err != nil {
		return fmt.Errorf("orderqueue: refund execution fee: %w", err)
	}
	q.tombstoneIncrease(key)
	if q.metrics != nil {
		q.metrics.RequestCancelled(q.incr.name, reason.String())
	}
	q.finish(q.incr.name, key, req.CallbackTarget, false, reason)
	return nil
}

func (q *Queue) cancelDecreaseLocked(key RequestKey, req *DecreaseRequest, reason vault.CancelReason) error {
	if err := q.bank.TransferOut(q.config.FeeAsset, req.Account, req.ExecutionFee); err != nil {
		return fmt.Errorf("orderqueue: refund execution fee: %w", err)
	}
	q.tombstoneDecrease(key)
	if q.metrics != nil {
		q.metrics.RequestCancelled(q.decr.name, reason.String())
	}
	q.finish(q.decr.name, key, req.CallbackTarget, false, reason)
	return nil
}

func (q *Queue) tombstoneIncrease(key RequestKey) {
	delete(q.incrReqs, key)
	q.deletePersisted(q.incr.name, key)
	if q.metrics != nil {
		q.metrics.SetQueueDepth(q.incr.name, len(q.incrReqs))
	}
}

func (q *Queue) tombstoneDecrease(key RequestKey) {
	delete(q.decrReqs, key)
	q.deletePersisted(q.decr.name, key)
	if q.metrics != nil {
		q.metrics.SetQueueDepth(q.decr.name, len(q.decrReqs))
	}
}

// finish emits the terminal event and runs the completion callback
// best-effort. Callback panics are contained; the trade stands regardless.
func (q *Queue) finish(queueName string, key RequestKey, target string, executed bool, reason vault.CancelReason) {
	if q.metrics != nil && executed {
		q.metrics.RequestExecuted(queueName)
	}
	if q.events != nil {
		evType := "queue." + queueName + ".cancelled"
		if executed {
			evType = "queue." + queueName + ".executed"
		}
		q.events.Emit(vault.Event{
			Type:   evType,
			Owner:  key.Account,
			Reason: reason.String(),
			Time:   q.now(),
		})
	}
	if target == "" {
		return
	}
	cb, ok := q.callbacks[target]
	if !ok {
		return
	}
	func() {
		defer func() {
			if r := recover(); r != nil {
				q.logger.Warn("completion callback panicked", "target", target, "key", key.String(), "panic", r)
			}
		}()
		cb.OnExecuted(key, executed)
	}()
}

func (q *Queue) expired(submitTime time.Time) bool {
	return q.now().Sub(submitTime) > q.config.MaxTimeDelay
}

// eligible reports whether caller may act on a request now: keepers after
// the sequence cooldown, everyone after the public wall-clock delay.
func (q *Queue) eligible(submitSeq uint64, submitTime time.Time, caller string) bool {
	if q.keepers[caller] && q.sequence >= submitSeq+q.config.MinDelaySequence {
		return true
	}
	return q.now().Sub(submitTime) >= q.config.MinTimeDelayPublic
}
