package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/triggerbot/internal/domain"
	"github.com/alanyoungcy/triggerbot/internal/idkey"
	"github.com/alanyoungcy/triggerbot/internal/observability"
)

// MirrorCommitter records that a copy-trade mirror order has settled so the
// replicator never derives the same leader change twice.
type MirrorCommitter interface {
	Commit(ctx context.Context, t domain.Trigger) error
	Committed(ctx context.Context, strategyID string, sequence int64) (bool, error)
}

// Config holds the dispatcher settings.
type Config struct {
	Backoff       BackoffPolicy
	SubmitTimeout time.Duration
	BucketSize    float64
	ProgramID     string
}

// Dispatcher turns fired strategies into ledger submissions. The status CAS
// active -> triggered happens synchronously in Dispatch; the submission
// itself runs on the owner's wallet queue with bounded retries.
type Dispatcher struct {
	strategies domain.StrategyStore
	executions domain.ExecutionStore
	submitter  domain.LedgerSubmitter
	lookup     domain.ReceiptLookup
	signer     domain.InstructionSigner
	events     domain.EventPublisher
	committer  MirrorCommitter
	queue      *WalletQueue
	inflight   *Dedup
	cfg        Config
	metrics    *observability.Metrics
	logger     *slog.Logger

	now             func() time.Time
	sleep           func(ctx context.Context, d time.Duration) error
	cleanupInterval time.Duration
}

// NewDispatcher creates a Dispatcher. If submitter also implements
// domain.ReceiptLookup it is used to resolve pending submissions.
func NewDispatcher(
	strategies domain.StrategyStore,
	executions domain.ExecutionStore,
	submitter domain.LedgerSubmitter,
	queue *WalletQueue,
	cfg Config,
	metrics *observability.Metrics,
	logger *slog.Logger,
) *Dispatcher {
	if cfg.Backoff.MaxAttempts <= 0 {
		cfg.Backoff = DefaultBackoff()
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = 10 * time.Second
	}
	if cfg.BucketSize <= 0 {
		cfg.BucketSize = idkey.DefaultBucketSize
	}
	if metrics == nil {
		metrics = observability.Discard()
	}
	if queue == nil {
		queue = NewWalletQueue(nil, 0, metrics, logger)
	}
	d := &Dispatcher{
		strategies:      strategies,
		executions:      executions,
		submitter:       submitter,
		queue:           queue,
		inflight:        NewDedup(10 * time.Minute),
		cfg:             cfg,
		metrics:         metrics,
		logger:          logger.With(slog.String("component", "dispatcher")),
		now:             func() time.Time { return time.Now().UTC() },
		sleep:           sleepContext,
		cleanupInterval: 30 * time.Second,
	}
	if l, ok := submitter.(domain.ReceiptLookup); ok {
		d.lookup = l
	}
	return d
}

// SetSigner enables instruction signing.
func (d *Dispatcher) SetSigner(s domain.InstructionSigner) { d.signer = s }

// SetEventPublisher enables lifecycle events.
func (d *Dispatcher) SetEventPublisher(p domain.EventPublisher) { d.events = p }

// SetMirrorCommitter wires the copy-trade cursor owner.
func (d *Dispatcher) SetMirrorCommitter(c MirrorCommitter) { d.committer = c }

// KeyFor returns the idempotency key of a trigger.
func (d *Dispatcher) KeyFor(t domain.Trigger) string {
	if t.Mirror != nil {
		return idkey.ForSequence(t.Strategy.ID, t.Mirror.Sequence)
	}
	return idkey.ForTrigger(t.Strategy.ID, t.Strategy.Generation, t.ObservedPrice, d.cfg.BucketSize)
}

// Dispatch claims the strategy with a CAS active -> triggered and queues the
// submission. It returns domain.ErrConcurrentModification when the strategy
// is no longer active, for example because it was cancelled.
func (d *Dispatcher) Dispatch(ctx context.Context, t domain.Trigger) error {
	s := t.Strategy
	price := t.ObservedPrice
	ok, err := d.strategies.CompareAndSwapStatus(ctx, s.ID, domain.StatusActive, domain.StatusTriggered,
		domain.StatusPatch{TriggeredPrice: &price})
	if err != nil {
		return fmt.Errorf("dispatch %s: %w", s.ID, err)
	}
	if !ok {
		d.metrics.CASLosses.WithLabelValues("trigger").Inc()
		return domain.ErrConcurrentModification
	}

	t.Strategy.Status = domain.StatusTriggered
	t.Strategy.TriggeredPrice = &price
	key := d.KeyFor(t)

	ev := domain.NewStrategyEvent(domain.EventTriggered, t.Strategy, d.now())
	ev.Price = price
	ev.IdempotencyKey = key
	d.publish(ctx, ev)

	d.queue.Enqueue(ctx, s.Owner, func(jctx context.Context) {
		d.execute(jctx, t, key)
	})
	return nil
}

// Run performs housekeeping until ctx is cancelled, then waits briefly for
// queued submissions to finish.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info("dispatcher started")
	defer d.logger.Info("dispatcher stopped")

	cleanupTicker := time.NewTicker(d.cleanupInterval)
	defer cleanupTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			if !d.queue.WaitTimeout(5 * time.Second) {
				d.logger.Warn("submissions still in flight at shutdown, they resume on restart")
			}
			return ctx.Err()
		case <-cleanupTicker.C:
			d.inflight.Cleanup()
			d.metrics.InFlight.Set(float64(d.inflight.Len()))
		}
	}
}

// Wait blocks until every queued submission has finished.
func (d *Dispatcher) Wait() {
	d.queue.Wait()
}

// Recover resumes every strategy left in triggered status, typically after
// a crash. Settled records are finalized without resubmitting; pending ones
// are resubmitted under their original idempotency key.
func (d *Dispatcher) Recover(ctx context.Context) (int, error) {
	if err := d.reconcileOrphans(ctx); err != nil {
		return 0, err
	}

	triggered, err := d.strategies.ListByStatus(ctx, domain.StatusTriggered)
	if err != nil {
		return 0, fmt.Errorf("recover: list triggered: %w", err)
	}

	resumed := 0
	for _, s := range triggered {
		t, key, err := d.reconstruct(ctx, s)
		if err != nil {
			d.logger.Error("recover: cannot rebuild trigger",
				slog.String("strategy_id", s.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if key == "" {
			continue
		}
		d.logger.Info("recover: resuming triggered strategy",
			slog.String("strategy_id", s.ID),
			slog.String("idempotency_key", key),
		)
		d.queue.Enqueue(ctx, s.Owner, func(jctx context.Context) {
			d.execute(jctx, t, key)
		})
		resumed++
	}
	return resumed, nil
}

// reconcileOrphans settles pending records whose strategy is no longer
// triggered. Nothing will resubmit them, and a pending record blocks the
// strategy's next execution. The ledger is asked first; unknown orders are
// marked failed.
func (d *Dispatcher) reconcileOrphans(ctx context.Context) error {
	pending, err := d.executions.ListPending(ctx)
	if err != nil {
		return fmt.Errorf("recover: list pending: %w", err)
	}
	for _, rec := range pending {
		s, err := d.strategies.Get(ctx, rec.StrategyID)
		switch {
		case err == nil && s.Status == domain.StatusTriggered:
			continue
		case err != nil && !errors.Is(err, domain.ErrNotFound):
			return fmt.Errorf("recover: strategy %s: %w", rec.StrategyID, err)
		}

		log := d.logger.With(
			slog.String("strategy_id", rec.StrategyID),
			slog.String("idempotency_key", rec.IdempotencyKey),
		)
		rec.UpdatedAt = d.now()
		if d.lookup != nil {
			receipt, found, lerr := d.lookup.Lookup(ctx, rec.IdempotencyKey)
			if lerr != nil {
				log.Warn("recover: orphaned record left pending, lookup failed", slog.String("error", lerr.Error()))
				continue
			}
			if found {
				rec.Outcome = domain.OutcomeConfirmed
				rec.TxSignature = receipt.Signature
				if err := d.executions.Update(ctx, rec); err != nil {
					return fmt.Errorf("recover: settle %s: %w", rec.IdempotencyKey, err)
				}
				log.Info("recover: orphaned record confirmed by ledger")
				continue
			}
		}
		rec.Outcome = domain.OutcomePermanentFailure
		rec.FailureReason = "abandoned: strategy no longer triggered"
		if err := d.executions.Update(ctx, rec); err != nil {
			return fmt.Errorf("recover: settle %s: %w", rec.IdempotencyKey, err)
		}
		log.Warn("recover: orphaned record marked failed")
	}
	return nil
}

func (d *Dispatcher) reconstruct(ctx context.Context, s domain.Strategy) (domain.Trigger, string, error) {
	if s.Kind == domain.KindCopyTrade {
		return d.reconstructMirror(ctx, s)
	}

	price := 0.0
	switch {
	case s.TriggeredPrice != nil:
		price = *s.TriggeredPrice
	case s.LastEvaluatedPrice != nil:
		price = *s.LastEvaluatedPrice
	default:
		return domain.Trigger{}, "", errors.New("no observed price recorded")
	}
	t := domain.Trigger{Strategy: s, ObservedPrice: price, ObservedAt: s.UpdatedAt}
	return t, d.KeyFor(t), nil
}

// reconstructMirror rebuilds a copy-trade trigger from its execution record.
// Without a record the mirror details are lost, so the strategy is re-armed
// and the replicator derives the change again from the uncommitted cursor.
func (d *Dispatcher) reconstructMirror(ctx context.Context, s domain.Strategy) (domain.Trigger, string, error) {
	recs, err := d.executions.ListByStrategy(ctx, s.ID)
	if err != nil {
		return domain.Trigger{}, "", err
	}

	for i := len(recs) - 1; i >= 0; i-- {
		rec := recs[i]
		if rec.Sequence == nil {
			continue
		}
		if rec.Outcome != domain.OutcomePending && d.committer != nil {
			done, err := d.committer.Committed(ctx, s.ID, *rec.Sequence)
			if err != nil {
				return domain.Trigger{}, "", err
			}
			if done {
				break
			}
		}
		return mirrorTrigger(s, rec), rec.IdempotencyKey, nil
	}

	if _, err := d.transition(ctx, s, domain.StatusTriggered, domain.StatusActive,
		domain.StatusPatch{ClearTrigger: true}); err != nil {
		return domain.Trigger{}, "", err
	}
	return domain.Trigger{}, "", nil
}

func mirrorTrigger(s domain.Strategy, rec domain.ExecutionRecord) domain.Trigger {
	m := &domain.MirrorOrder{
		Sequence: *rec.Sequence,
		Side:     rec.Side,
		Size:     rec.Size,
	}
	if rec.LeaderPosition != nil {
		m.LeaderPosition = *rec.LeaderPosition
	}
	return domain.Trigger{
		Strategy:      s,
		ObservedPrice: rec.TriggerPriceObserved,
		ObservedAt:    rec.SubmittedAt,
		Mirror:        m,
	}
}

// execute drives one trigger to a settled outcome. It runs on the owner's
// wallet queue.
func (d *Dispatcher) execute(ctx context.Context, t domain.Trigger, key string) {
	if !d.inflight.Acquire(key) {
		d.logger.Debug("submission already in flight", slog.String("idempotency_key", key))
		return
	}
	d.metrics.InFlight.Set(float64(d.inflight.Len()))
	defer func() {
		d.inflight.Release(key)
		d.metrics.InFlight.Set(float64(d.inflight.Len()))
	}()

	log := d.logger.With(
		slog.String("strategy_id", t.Strategy.ID),
		slog.String("owner", t.Strategy.Owner),
		slog.String("idempotency_key", key),
	)

	rec, err := d.prepareRecord(ctx, t, key)
	if err != nil {
		log.Error("cannot record execution, strategy left triggered", slog.String("error", err.Error()))
		return
	}

	switch rec.Outcome {
	case domain.OutcomeConfirmed:
		log.Info("execution already confirmed, finalizing without resubmission")
		d.finalizeSuccess(ctx, t, rec, domain.Receipt{Signature: rec.TxSignature, Duplicate: true})
		return
	case domain.OutcomePermanentFailure:
		log.Info("execution already failed, finalizing")
		d.finalizeFailure(ctx, t, rec, errors.New(rec.FailureReason))
		return
	}

	d.submit(ctx, t, rec, log)
}

// prepareRecord returns the execution record for key, inserting a pending
// one when none exists. If another pending record already exists for the
// strategy, that record is adopted instead.
func (d *Dispatcher) prepareRecord(ctx context.Context, t domain.Trigger, key string) (domain.ExecutionRecord, error) {
	rec, err := d.executions.GetByKey(ctx, key)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return domain.ExecutionRecord{}, err
	}

	now := d.now()
	rec = domain.ExecutionRecord{
		StrategyID:           t.Strategy.ID,
		IdempotencyKey:       key,
		TriggerPriceObserved: t.ObservedPrice,
		Side:                 t.Side(),
		Size:                 t.Size(),
		Outcome:              domain.OutcomePending,
		SubmittedAt:          now,
		UpdatedAt:            now,
	}
	if t.Mirror != nil {
		seq := t.Mirror.Sequence
		pos := t.Mirror.LeaderPosition
		rec.Sequence = &seq
		rec.LeaderPosition = &pos
	}

	err = d.executions.Insert(ctx, rec)
	switch {
	case err == nil:
		return rec, nil
	case errors.Is(err, domain.ErrAlreadyExists):
		return d.executions.GetByKey(ctx, key)
	case errors.Is(err, domain.ErrPendingExecution):
		recs, lerr := d.executions.ListByStrategy(ctx, t.Strategy.ID)
		if lerr != nil {
			return domain.ExecutionRecord{}, lerr
		}
		for _, r := range recs {
			if r.Outcome == domain.OutcomePending {
				return r, nil
			}
		}
		return domain.ExecutionRecord{}, err
	default:
		return domain.ExecutionRecord{}, err
	}
}

func (d *Dispatcher) submit(ctx context.Context, t domain.Trigger, rec domain.ExecutionRecord, log *slog.Logger) {
	instr := BuildInstruction(t, rec.IdempotencyKey, d.cfg.ProgramID)
	if d.signer != nil {
		if err := d.signer.Sign(&instr); err != nil {
			d.finalizeFailure(ctx, t, rec, domain.Permanent("sign instruction", err))
			return
		}
	}

	for {
		if rec.AttemptCount > 0 && d.lookup != nil {
			receipt, found, err := d.lookup.Lookup(ctx, rec.IdempotencyKey)
			if err == nil && found {
				log.Info("ledger already holds the order, skipping resubmission")
				d.finalizeSuccess(ctx, t, rec, receipt)
				return
			}
		}

		rec.AttemptCount++
		rec.UpdatedAt = d.now()
		if err := d.executions.Update(ctx, rec); err != nil {
			log.Warn("attempt count not persisted", slog.String("error", err.Error()))
		}

		start := time.Now()
		actx, cancel := context.WithTimeout(ctx, d.cfg.SubmitTimeout)
		receipt, err := d.submitter.Submit(actx, instr, rec.IdempotencyKey)
		cancel()
		d.metrics.SubmissionLatency.Observe(time.Since(start).Seconds())

		if err == nil {
			d.finalizeSuccess(ctx, t, rec, receipt)
			return
		}
		if ctx.Err() != nil {
			log.Warn("shutdown during submission, record left pending", slog.Int("attempt", rec.AttemptCount))
			return
		}
		if domain.IsPermanent(err) {
			d.finalizeFailure(ctx, t, rec, err)
			return
		}
		if d.cfg.Backoff.Exhausted(rec.AttemptCount) {
			d.finalizeFailure(ctx, t, rec,
				fmt.Errorf("%w after %d attempts: %v", domain.ErrRetriesExhausted, rec.AttemptCount, err))
			return
		}

		delay := d.cfg.Backoff.Delay(rec.AttemptCount)
		d.metrics.Retries.Inc()
		log.Warn("transient submission failure, retrying",
			slog.Int("attempt", rec.AttemptCount),
			slog.Duration("backoff", delay),
			slog.String("error", err.Error()),
		)
		if err := d.sleep(ctx, delay); err != nil {
			log.Warn("shutdown during backoff, record left pending")
			return
		}
	}
}

func (d *Dispatcher) finalizeSuccess(ctx context.Context, t domain.Trigger, rec domain.ExecutionRecord, receipt domain.Receipt) {
	s := t.Strategy
	log := d.logger.With(slog.String("strategy_id", s.ID), slog.String("idempotency_key", rec.IdempotencyKey))

	if receipt.Signature != "" {
		rec.TxSignature = receipt.Signature
	}
	rec.Outcome = domain.OutcomeConfirmed
	rec.FailureReason = ""
	rec.UpdatedAt = d.now()
	if err := d.executions.Update(ctx, rec); err != nil {
		log.Error("confirmed execution not persisted, strategy left triggered", slog.String("error", err.Error()))
		return
	}
	d.metrics.Submissions.WithLabelValues(string(domain.OutcomeConfirmed)).Inc()

	ev := domain.NewStrategyEvent(domain.EventExecuted, s, d.now())
	ev.Price = t.ObservedPrice
	ev.IdempotencyKey = rec.IdempotencyKey
	ev.TxSignature = rec.TxSignature

	switch {
	case s.OneShot():
		if ok, _ := d.transition(ctx, s, domain.StatusTriggered, domain.StatusExecuted, domain.StatusPatch{}); ok {
			ev.Status = domain.StatusExecuted
			d.publish(ctx, ev)
		}

	case s.Kind == domain.KindTrailingStop:
		mark := receipt.FillPrice
		if mark <= 0 {
			mark = t.ObservedPrice
		}
		ok, _ := d.transition(ctx, s, domain.StatusTriggered, domain.StatusActive, domain.StatusPatch{
			HighWaterMark:  &mark,
			ClearTrigger:   true,
			BumpGeneration: true,
		})
		if ok {
			ev.Status = domain.StatusActive
			d.publish(ctx, ev)
			rearm := domain.NewStrategyEvent(domain.EventRearmed, s, d.now())
			rearm.Status = domain.StatusActive
			rearm.Price = mark
			d.publish(ctx, rearm)
		}

	case s.Kind == domain.KindCopyTrade:
		d.commitMirror(ctx, t, log)
		if ok, _ := d.transition(ctx, s, domain.StatusTriggered, domain.StatusActive,
			domain.StatusPatch{ClearTrigger: true}); ok {
			ev.Status = domain.StatusActive
			d.publish(ctx, ev)
		}
	}

	log.Info("execution confirmed",
		slog.String("tx_signature", rec.TxSignature),
		slog.Int("attempts", rec.AttemptCount),
		slog.Bool("duplicate", receipt.Duplicate),
	)
}

func (d *Dispatcher) finalizeFailure(ctx context.Context, t domain.Trigger, rec domain.ExecutionRecord, cause error) {
	s := t.Strategy
	log := d.logger.With(slog.String("strategy_id", s.ID), slog.String("idempotency_key", rec.IdempotencyKey))

	reason := domain.FailureReason(cause)
	if errors.Is(cause, domain.ErrRetriesExhausted) {
		reason = cause.Error()
	}
	rec.Outcome = domain.OutcomePermanentFailure
	rec.FailureReason = reason
	rec.UpdatedAt = d.now()
	if err := d.executions.Update(ctx, rec); err != nil {
		log.Error("failed execution not persisted, strategy left triggered", slog.String("error", err.Error()))
		return
	}
	d.metrics.Submissions.WithLabelValues(string(domain.OutcomePermanentFailure)).Inc()

	if s.Kind == domain.KindCopyTrade {
		d.commitMirror(ctx, t, log)
	}
	if ok, _ := d.transition(ctx, s, domain.StatusTriggered, domain.StatusFailed, domain.StatusPatch{}); ok {
		ev := domain.NewStrategyEvent(domain.EventFailed, s, d.now())
		ev.Status = domain.StatusFailed
		ev.Price = t.ObservedPrice
		ev.IdempotencyKey = rec.IdempotencyKey
		ev.Reason = reason
		d.publish(ctx, ev)
	}

	log.Error("execution failed permanently",
		slog.String("reason", reason),
		slog.Int("attempts", rec.AttemptCount),
	)
}

func (d *Dispatcher) commitMirror(ctx context.Context, t domain.Trigger, log *slog.Logger) {
	if d.committer == nil || t.Mirror == nil {
		return
	}
	if err := d.committer.Commit(ctx, t); err != nil {
		log.Error("copy cursor not advanced", slog.String("error", err.Error()))
	}
}

func (d *Dispatcher) transition(ctx context.Context, s domain.Strategy, from, to domain.StrategyStatus, patch domain.StatusPatch) (bool, error) {
	ok, err := d.strategies.CompareAndSwapStatus(ctx, s.ID, from, to, patch)
	if err != nil {
		d.logger.Error("status transition failed",
			slog.String("strategy_id", s.ID),
			slog.String("from", string(from)),
			slog.String("to", string(to)),
			slog.String("error", err.Error()),
		)
		return false, err
	}
	if !ok {
		d.metrics.CASLosses.WithLabelValues("finalize").Inc()
		d.logger.Warn("status changed underneath dispatcher",
			slog.String("strategy_id", s.ID),
			slog.String("expected", string(from)),
		)
	}
	return ok, nil
}

func (d *Dispatcher) publish(ctx context.Context, ev domain.StrategyEvent) {
	if d.events == nil {
		return
	}
	if err := d.events.PublishStrategyEvent(ctx, ev); err != nil {
		d.logger.Warn("strategy event not published",
			slog.String("strategy_id", ev.StrategyID),
			slog.String("type", string(ev.Type)),
			slog.String("error", err.Error()),
		)
	}
}
