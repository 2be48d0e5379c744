package executor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/triggerbot/internal/domain"
	"github.com/alanyoungcy/triggerbot/internal/domain/domaintest"
	"github.com/alanyoungcy/triggerbot/internal/ledger"
	"github.com/alanyoungcy/triggerbot/internal/observability"
	"github.com/alanyoungcy/triggerbot/internal/store/memory"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.StrategyEvent
}

func (p *recordingPublisher) PublishStrategyEvent(_ context.Context, ev domain.StrategyEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) types() []domain.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.EventType, 0, len(p.events))
	for _, ev := range p.events {
		out = append(out, ev.Type)
	}
	return out
}

type recordingCommitter struct {
	mu        sync.Mutex
	committed map[string]int64
}

func (c *recordingCommitter) Commit(_ context.Context, t domain.Trigger) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.committed[t.Strategy.ID] = t.Mirror.Sequence
	return nil
}

func (c *recordingCommitter) Committed(_ context.Context, id string, seq int64) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur, ok := c.committed[id]
	return ok && cur >= seq, nil
}

type fixture struct {
	strategies *memory.StrategyStore
	executions *memory.ExecutionStore
	paper      *ledger.PaperSubmitter
	events     *recordingPublisher
	dispatcher *Dispatcher
}

func newFixture(t *testing.T, policy BackoffPolicy) *fixture {
	t.Helper()
	f := &fixture{
		strategies: memory.NewStrategyStore(),
		executions: memory.NewExecutionStore(),
		paper:      ledger.NewPaperSubmitter(discardLogger()),
		events:     &recordingPublisher{},
	}
	f.dispatcher = NewDispatcher(f.strategies, f.executions, f.paper, nil, Config{
		Backoff:    policy,
		BucketSize: 0.01,
	}, nil, discardLogger())
	f.dispatcher.sleep = func(context.Context, time.Duration) error { return nil }
	f.dispatcher.SetEventPublisher(f.events)
	return f
}

func (f *fixture) create(t *testing.T, s domain.Strategy) {
	t.Helper()
	require.NoError(t, f.strategies.Create(context.Background(), s))
}

func (f *fixture) status(t *testing.T, id string) domain.Strategy {
	t.Helper()
	s, err := f.strategies.Get(context.Background(), id)
	require.NoError(t, err)
	return s
}

func (f *fixture) records(t *testing.T, id string) []domain.ExecutionRecord {
	t.Helper()
	recs, err := f.executions.ListByStrategy(context.Background(), id)
	require.NoError(t, err)
	return recs
}

func trigger(s domain.Strategy, price float64) domain.Trigger {
	return domain.Trigger{Strategy: s, ObservedPrice: price, ObservedAt: domaintest.Epoch}
}

func TestDispatch_StopLossExecutesOnce(t *testing.T) {
	f := newFixture(t, DefaultBackoff())
	s := domaintest.StopLoss("s1", 95)
	f.create(t, s)

	require.NoError(t, f.dispatcher.Dispatch(context.Background(), trigger(s, 94)))
	f.dispatcher.Wait()

	got := f.status(t, "s1")
	assert.Equal(t, domain.StatusExecuted, got.Status)
	require.NotNil(t, got.TriggeredPrice)
	assert.Equal(t, 94.0, *got.TriggeredPrice)

	recs := f.records(t, "s1")
	require.Len(t, recs, 1)
	assert.Equal(t, domain.OutcomeConfirmed, recs[0].Outcome)
	assert.Equal(t, 1, recs[0].AttemptCount)
	assert.NotEmpty(t, recs[0].TxSignature)
	assert.Equal(t, f.dispatcher.KeyFor(trigger(s, 94)), recs[0].IdempotencyKey)

	orders := f.paper.Orders()
	require.Len(t, orders, 1)
	assert.Equal(t, domain.SideSell, orders[0].Side)
	assert.True(t, orders[0].Size.Equal(decimal.NewFromInt(10)))
	assert.Equal(t, []domain.EventType{domain.EventTriggered, domain.EventExecuted}, f.events.types())

	// A second firing of the same strategy loses the CAS.
	err := f.dispatcher.Dispatch(context.Background(), trigger(s, 93))
	assert.True(t, errors.Is(err, domain.ErrConcurrentModification))
	f.dispatcher.Wait()
	assert.Len(t, f.paper.Orders(), 1)
}

func TestDispatch_TransientFailureThenSuccess(t *testing.T) {
	f := newFixture(t, DefaultBackoff())
	s := domaintest.StopLoss("s1", 95)
	f.create(t, s)
	f.paper.FailNext(domain.Transient("rpc timeout", nil), domain.Transient("rpc timeout", nil))

	var delays []time.Duration
	f.dispatcher.sleep = func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}

	require.NoError(t, f.dispatcher.Dispatch(context.Background(), trigger(s, 94)))
	f.dispatcher.Wait()

	recs := f.records(t, "s1")
	require.Len(t, recs, 1)
	assert.Equal(t, domain.OutcomeConfirmed, recs[0].Outcome)
	assert.Equal(t, 3, recs[0].AttemptCount)
	assert.Len(t, f.paper.Orders(), 1)
	assert.Equal(t, domain.StatusExecuted, f.status(t, "s1").Status)
	assert.Equal(t, []time.Duration{500 * time.Millisecond, time.Second}, delays)
}

// stallingSubmitter hangs on its first call until the attempt times out,
// then delegates to the paper ledger.
type stallingSubmitter struct {
	next  *ledger.PaperSubmitter
	mu    sync.Mutex
	calls int
}

func (s *stallingSubmitter) Submit(ctx context.Context, instr domain.OrderInstruction, key string) (domain.Receipt, error) {
	s.mu.Lock()
	s.calls++
	first := s.calls == 1
	s.mu.Unlock()
	if first {
		<-ctx.Done()
		return domain.Receipt{}, ctx.Err()
	}
	return s.next.Submit(ctx, instr, key)
}

func TestDispatch_SubmitTimeoutIsRetried(t *testing.T) {
	f := newFixture(t, DefaultBackoff())
	stalling := &stallingSubmitter{next: f.paper}
	f.dispatcher = NewDispatcher(f.strategies, f.executions, stalling, nil, Config{
		SubmitTimeout: 20 * time.Millisecond,
		BucketSize:    0.01,
	}, nil, discardLogger())
	f.dispatcher.sleep = func(context.Context, time.Duration) error { return nil }

	s := domaintest.StopLoss("s1", 95)
	f.create(t, s)

	require.NoError(t, f.dispatcher.Dispatch(context.Background(), trigger(s, 94)))
	f.dispatcher.Wait()

	assert.Equal(t, domain.StatusExecuted, f.status(t, "s1").Status)
	assert.Equal(t, 2, stalling.calls)
	recs := f.records(t, "s1")
	require.Len(t, recs, 1)
	assert.Equal(t, domain.OutcomeConfirmed, recs[0].Outcome)
	assert.Equal(t, 2, recs[0].AttemptCount)
	assert.Len(t, f.paper.Orders(), 1)
}

type submitFunc func(ctx context.Context, instr domain.OrderInstruction, key string) (domain.Receipt, error)

func (f submitFunc) Submit(ctx context.Context, instr domain.OrderInstruction, key string) (domain.Receipt, error) {
	return f(ctx, instr, key)
}

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, g.Write(&m))
	return m.GetGauge().GetValue()
}

func TestDispatch_InFlightGauge(t *testing.T) {
	f := newFixture(t, DefaultBackoff())
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	var during float64
	submitter := submitFunc(func(ctx context.Context, instr domain.OrderInstruction, key string) (domain.Receipt, error) {
		during = gaugeValue(t, metrics.InFlight)
		return f.paper.Submit(ctx, instr, key)
	})
	f.dispatcher = NewDispatcher(f.strategies, f.executions, submitter, nil, Config{BucketSize: 0.01}, metrics, discardLogger())

	s := domaintest.StopLoss("s1", 95)
	f.create(t, s)
	require.NoError(t, f.dispatcher.Dispatch(context.Background(), trigger(s, 94)))
	f.dispatcher.Wait()

	assert.Equal(t, 1.0, during)
	assert.Equal(t, 0.0, gaugeValue(t, metrics.InFlight))
	assert.Equal(t, domain.StatusExecuted, f.status(t, "s1").Status)
}

func TestDispatch_PermanentFailure(t *testing.T) {
	f := newFixture(t, DefaultBackoff())
	s := domaintest.StopLoss("s1", 95)
	f.create(t, s)
	f.paper.SetBalance(s.Owner, s.Token, decimal.NewFromInt(1))

	require.NoError(t, f.dispatcher.Dispatch(context.Background(), trigger(s, 94)))
	f.dispatcher.Wait()

	assert.Equal(t, domain.StatusFailed, f.status(t, "s1").Status)
	recs := f.records(t, "s1")
	require.Len(t, recs, 1)
	assert.Equal(t, domain.OutcomePermanentFailure, recs[0].Outcome)
	assert.Equal(t, "insufficient balance", recs[0].FailureReason)
	assert.Equal(t, 1, recs[0].AttemptCount)
	assert.Contains(t, f.events.types(), domain.EventFailed)
}

func TestDispatch_RetryBudgetExhausted(t *testing.T) {
	f := newFixture(t, BackoffPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, Multiplier: 2})
	s := domaintest.StopLoss("s1", 95)
	f.create(t, s)
	f.paper.FailNext(domain.Transient("a", nil), domain.Transient("b", nil), domain.Transient("c", nil))

	require.NoError(t, f.dispatcher.Dispatch(context.Background(), trigger(s, 94)))
	f.dispatcher.Wait()

	assert.Equal(t, domain.StatusFailed, f.status(t, "s1").Status)
	recs := f.records(t, "s1")
	require.Len(t, recs, 1)
	assert.Equal(t, 3, recs[0].AttemptCount)
	assert.Contains(t, recs[0].FailureReason, "retry budget exhausted")
	assert.Empty(t, f.paper.Orders())
}

func TestDispatch_CancelledBeforeTrigger(t *testing.T) {
	f := newFixture(t, DefaultBackoff())
	s := domaintest.StopLoss("s1", 95)
	f.create(t, s)

	ok, err := f.strategies.CompareAndSwapStatus(context.Background(), "s1",
		domain.StatusActive, domain.StatusCancelled, domain.StatusPatch{})
	require.NoError(t, err)
	require.True(t, ok)

	err = f.dispatcher.Dispatch(context.Background(), trigger(s, 94))
	assert.True(t, errors.Is(err, domain.ErrConcurrentModification))
	f.dispatcher.Wait()

	assert.Equal(t, domain.StatusCancelled, f.status(t, "s1").Status)
	assert.Empty(t, f.records(t, "s1"))
	assert.Equal(t, 0, f.paper.Calls())
}

func TestDispatch_CancelRaceHasOneOutcome(t *testing.T) {
	for i := 0; i < 50; i++ {
		f := newFixture(t, DefaultBackoff())
		s := domaintest.StopLoss("s1", 95)
		f.create(t, s)

		var wg sync.WaitGroup
		var cancelled bool
		var dispatchErr error
		wg.Add(2)
		go func() {
			defer wg.Done()
			ok, err := f.strategies.CompareAndSwapStatus(context.Background(), "s1",
				domain.StatusActive, domain.StatusCancelled, domain.StatusPatch{})
			cancelled = err == nil && ok
		}()
		go func() {
			defer wg.Done()
			dispatchErr = f.dispatcher.Dispatch(context.Background(), trigger(s, 94))
		}()
		wg.Wait()
		f.dispatcher.Wait()

		final := f.status(t, "s1").Status
		if cancelled {
			assert.Error(t, dispatchErr)
			assert.Equal(t, domain.StatusCancelled, final)
			assert.Empty(t, f.records(t, "s1"))
		} else {
			assert.NoError(t, dispatchErr)
			assert.Equal(t, domain.StatusExecuted, final)
			assert.Len(t, f.records(t, "s1"), 1)
		}
	}
}

func TestDispatch_TrailingStopRearms(t *testing.T) {
	f := newFixture(t, DefaultBackoff())
	s := domaintest.TrailingStop("t1", 0.1, true)
	hwm := 120.0
	s.HighWaterMark = &hwm
	f.create(t, s)

	require.NoError(t, f.dispatcher.Dispatch(context.Background(), trigger(s, 108)))
	f.dispatcher.Wait()

	got := f.status(t, "t1")
	assert.Equal(t, domain.StatusActive, got.Status)
	assert.Equal(t, 1, got.Generation)
	assert.Nil(t, got.TriggeredPrice)
	require.NotNil(t, got.HighWaterMark)
	assert.Equal(t, 108.0, *got.HighWaterMark)
	assert.Contains(t, f.events.types(), domain.EventRearmed)

	// The next firing at the same price uses a new generation and so a new
	// idempotency key.
	require.NoError(t, f.dispatcher.Dispatch(context.Background(), trigger(got, 108)))
	f.dispatcher.Wait()
	recs := f.records(t, "t1")
	require.Len(t, recs, 2)
	assert.NotEqual(t, recs[0].IdempotencyKey, recs[1].IdempotencyKey)
	assert.Len(t, f.paper.Orders(), 2)
}

func TestDispatch_TrailingStopOneShot(t *testing.T) {
	f := newFixture(t, DefaultBackoff())
	s := domaintest.TrailingStop("t1", 0.1, false)
	f.create(t, s)

	require.NoError(t, f.dispatcher.Dispatch(context.Background(), trigger(s, 108)))
	f.dispatcher.Wait()
	assert.Equal(t, domain.StatusExecuted, f.status(t, "t1").Status)
}

func TestDispatch_CopyTradeRearmsAndCommits(t *testing.T) {
	f := newFixture(t, DefaultBackoff())
	committer := &recordingCommitter{committed: map[string]int64{}}
	f.dispatcher.SetMirrorCommitter(committer)

	s := domaintest.CopyTrade("c1", domaintest.Wallet(2), 0.2)
	f.create(t, s)
	tr := trigger(s, 150)
	tr.Mirror = &domain.MirrorOrder{Sequence: 5, Side: domain.SideBuy, Size: decimal.NewFromInt(2), LeaderPosition: decimal.NewFromInt(10)}

	require.NoError(t, f.dispatcher.Dispatch(context.Background(), tr))
	f.dispatcher.Wait()

	assert.Equal(t, domain.StatusActive, f.status(t, "c1").Status)
	assert.Equal(t, int64(5), committer.committed["c1"])

	recs := f.records(t, "c1")
	require.Len(t, recs, 1)
	require.NotNil(t, recs[0].Sequence)
	assert.Equal(t, int64(5), *recs[0].Sequence)
	assert.True(t, recs[0].Size.Equal(decimal.NewFromInt(2)))

	orders := f.paper.Orders()
	require.Len(t, orders, 1)
	assert.Equal(t, domain.SideBuy, orders[0].Side)
	require.NotNil(t, orders[0].Sequence)

	// Replaying sequence 5 reuses the key and never reaches the ledger twice.
	require.NoError(t, f.dispatcher.Dispatch(context.Background(), tr))
	f.dispatcher.Wait()
	assert.Len(t, f.records(t, "c1"), 1)
	assert.Len(t, f.paper.Orders(), 1)
}

func TestRecover_ResubmitsTriggeredWithoutRecord(t *testing.T) {
	f := newFixture(t, DefaultBackoff())
	s := domaintest.StopLoss("s1", 95)
	f.create(t, s)
	price := 94.0
	_, err := f.strategies.CompareAndSwapStatus(context.Background(), "s1",
		domain.StatusActive, domain.StatusTriggered, domain.StatusPatch{TriggeredPrice: &price})
	require.NoError(t, err)

	n, err := f.dispatcher.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	f.dispatcher.Wait()

	assert.Equal(t, domain.StatusExecuted, f.status(t, "s1").Status)
	recs := f.records(t, "s1")
	require.Len(t, recs, 1)
	assert.Equal(t, f.dispatcher.KeyFor(trigger(s, 94)), recs[0].IdempotencyKey)
}

func TestRecover_ConfirmedRecordIsNotResubmitted(t *testing.T) {
	f := newFixture(t, DefaultBackoff())
	s := domaintest.StopLoss("s1", 95)
	f.create(t, s)
	price := 94.0
	_, err := f.strategies.CompareAndSwapStatus(context.Background(), "s1",
		domain.StatusActive, domain.StatusTriggered, domain.StatusPatch{TriggeredPrice: &price})
	require.NoError(t, err)
	require.NoError(t, f.executions.Insert(context.Background(), domain.ExecutionRecord{
		StrategyID:           "s1",
		IdempotencyKey:       f.dispatcher.KeyFor(trigger(s, 94)),
		TriggerPriceObserved: 94,
		Side:                 domain.SideSell,
		Size:                 decimal.NewFromInt(10),
		AttemptCount:         1,
		Outcome:              domain.OutcomeConfirmed,
		TxSignature:          "sig-before-crash",
	}))

	_, err = f.dispatcher.Recover(context.Background())
	require.NoError(t, err)
	f.dispatcher.Wait()

	assert.Equal(t, domain.StatusExecuted, f.status(t, "s1").Status)
	assert.Equal(t, 0, f.paper.Calls())
	recs := f.records(t, "s1")
	require.Len(t, recs, 1)
	assert.Equal(t, "sig-before-crash", recs[0].TxSignature)
}

func TestRecover_PendingRecordResolvedByLookup(t *testing.T) {
	f := newFixture(t, DefaultBackoff())
	s := domaintest.StopLoss("s1", 95)
	f.create(t, s)
	price := 94.0
	_, err := f.strategies.CompareAndSwapStatus(context.Background(), "s1",
		domain.StatusActive, domain.StatusTriggered, domain.StatusPatch{TriggeredPrice: &price})
	require.NoError(t, err)

	key := f.dispatcher.KeyFor(trigger(s, 94))
	require.NoError(t, f.executions.Insert(context.Background(), domain.ExecutionRecord{
		StrategyID:           "s1",
		IdempotencyKey:       key,
		TriggerPriceObserved: 94,
		Side:                 domain.SideSell,
		Size:                 decimal.NewFromInt(10),
		AttemptCount:         1,
		Outcome:              domain.OutcomePending,
	}))
	// The ledger accepted the order before the crash.
	_, err = f.paper.Submit(context.Background(), BuildInstruction(trigger(s, 94), key, ""), key)
	require.NoError(t, err)

	_, err = f.dispatcher.Recover(context.Background())
	require.NoError(t, err)
	f.dispatcher.Wait()

	assert.Equal(t, domain.StatusExecuted, f.status(t, "s1").Status)
	assert.Equal(t, 1, f.paper.Calls())
	assert.Len(t, f.paper.Orders(), 1)
	recs := f.records(t, "s1")
	require.Len(t, recs, 1)
	assert.Equal(t, domain.OutcomeConfirmed, recs[0].Outcome)
}

func TestRecover_CopyTradeWithoutRecordRearms(t *testing.T) {
	f := newFixture(t, DefaultBackoff())
	s := domaintest.CopyTrade("c1", domaintest.Wallet(2), 1)
	f.create(t, s)
	price := 150.0
	_, err := f.strategies.CompareAndSwapStatus(context.Background(), "c1",
		domain.StatusActive, domain.StatusTriggered, domain.StatusPatch{TriggeredPrice: &price})
	require.NoError(t, err)

	n, err := f.dispatcher.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, domain.StatusActive, f.status(t, "c1").Status)
}

func TestRecover_OrphanedPendingRecordsAreSettled(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultBackoff())
	known := domaintest.StopLoss("s1", 95)
	lost := domaintest.StopLoss("s2", 95)
	f.create(t, known)
	f.create(t, lost)
	for _, id := range []string{"s1", "s2"} {
		ok, err := f.strategies.CompareAndSwapStatus(ctx, id,
			domain.StatusActive, domain.StatusCancelled, domain.StatusPatch{})
		require.NoError(t, err)
		require.True(t, ok)
	}

	pending := func(s domain.Strategy) string {
		key := f.dispatcher.KeyFor(trigger(s, 94))
		require.NoError(t, f.executions.Insert(ctx, domain.ExecutionRecord{
			StrategyID:           s.ID,
			IdempotencyKey:       key,
			TriggerPriceObserved: 94,
			Side:                 domain.SideSell,
			Size:                 decimal.NewFromInt(10),
			AttemptCount:         1,
			Outcome:              domain.OutcomePending,
		}))
		return key
	}
	knownKey := pending(known)
	pending(lost)
	_, err := f.paper.Submit(ctx, BuildInstruction(trigger(known, 94), knownKey, ""), knownKey)
	require.NoError(t, err)

	n, err := f.dispatcher.Recover(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	f.dispatcher.Wait()

	left, err := f.executions.ListPending(ctx)
	require.NoError(t, err)
	assert.Empty(t, left)

	recs := f.records(t, "s1")
	require.Len(t, recs, 1)
	assert.Equal(t, domain.OutcomeConfirmed, recs[0].Outcome)
	assert.NotEmpty(t, recs[0].TxSignature)

	recs = f.records(t, "s2")
	require.Len(t, recs, 1)
	assert.Equal(t, domain.OutcomePermanentFailure, recs[0].Outcome)
	assert.Equal(t, 1, f.paper.Calls())
	assert.Equal(t, domain.StatusCancelled, f.status(t, "s2").Status)
}
