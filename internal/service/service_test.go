package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/triggerbot/internal/domain"
	"github.com/alanyoungcy/triggerbot/internal/domain/domaintest"
	"github.com/alanyoungcy/triggerbot/internal/store/memory"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeArchiver struct {
	archived []string
	execs    int
	err      error
}

func (a *fakeArchiver) ArchiveStrategy(_ context.Context, s domain.Strategy, execs []domain.ExecutionRecord) (string, error) {
	if a.err != nil {
		return "", a.err
	}
	a.archived = append(a.archived, s.ID)
	a.execs += len(execs)
	return "archive/" + s.ID + ".jsonl", nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []domain.EventType
}

func (n *recordingNotifier) NotifyEvent(_ context.Context, ev domain.StrategyEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev.Type)
	return nil
}

type serviceFixture struct {
	svc        *StrategyService
	strategies *memory.StrategyStore
	executions *memory.ExecutionStore
	audit      *memory.AuditStore
	bus        *memory.SignalBus
	events     *EventService
	archiver   *fakeArchiver
}

func newServiceFixture() *serviceFixture {
	f := &serviceFixture{
		strategies: memory.NewStrategyStore(),
		executions: memory.NewExecutionStore(),
		audit:      memory.NewAuditStore(),
		bus:        memory.NewSignalBus(),
		archiver:   &fakeArchiver{},
	}
	f.events = NewEventService(f.bus, nil, discardLogger())
	f.svc = NewStrategyService(f.strategies, f.executions, f.audit, f.events, f.archiver, nil, discardLogger())
	return f
}

func stopLossDef() domain.StrategyDef {
	return domain.StrategyDef{
		Owner:  domaintest.Wallet(1),
		Token:  domaintest.Token,
		Market: domaintest.Market,
		Size:   decimal.NewFromInt(5),
		Params: domain.StopLossParams{TriggerPrice: 95},
	}
}

func (f *serviceFixture) force(t *testing.T, id string, from, to domain.StrategyStatus) {
	t.Helper()
	ok, err := f.strategies.CompareAndSwapStatus(context.Background(), id, from, to, domain.StatusPatch{})
	require.NoError(t, err)
	require.True(t, ok)
}

func TestCreate(t *testing.T) {
	f := newServiceFixture()
	ctx := context.Background()

	st, err := f.svc.Create(ctx, stopLossDef())
	require.NoError(t, err)

	id, err := uuid.Parse(st.ID)
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(7), id.Version())
	assert.Equal(t, domain.StatusActive, st.Status)
	assert.Equal(t, domain.SideSell, st.Side)

	stored, err := f.svc.Get(ctx, st.ID)
	require.NoError(t, err)
	assert.Equal(t, st.ID, stored.ID)

	history, _, err := f.events.History(ctx, "0", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, domain.EventCreated, history[0].Type)

	entries, err := f.svc.AuditLog(ctx, domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, string(domain.EventCreated), entries[0].Event)
}

func TestCreate_IDsAscendInCreationOrder(t *testing.T) {
	f := newServiceFixture()
	var prev string
	for i := 0; i < 20; i++ {
		st, err := f.svc.Create(context.Background(), stopLossDef())
		require.NoError(t, err)
		assert.Greater(t, st.ID, prev)
		prev = st.ID
	}
}

func TestCreate_RejectsInvalid(t *testing.T) {
	f := newServiceFixture()

	def := stopLossDef()
	def.Params = domain.StopLossParams{TriggerPrice: -1}
	_, err := f.svc.Create(context.Background(), def)
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "trigger_price", verr.Field)

	def = stopLossDef()
	def.Owner = domaintest.OffCurveAddress()
	_, err = f.svc.Create(context.Background(), def)
	assert.ErrorIs(t, err, domain.ErrValidation)

	list, err := f.svc.List(context.Background(), domaintest.Wallet(1), domain.ListOpts{})
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestCancel(t *testing.T) {
	f := newServiceFixture()
	ctx := context.Background()

	st, err := f.svc.Create(ctx, stopLossDef())
	require.NoError(t, err)

	cancelled, err := f.svc.Cancel(ctx, st.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, cancelled.Status)

	_, err = f.svc.Cancel(ctx, st.ID)
	assert.ErrorIs(t, err, domain.ErrTooLate)
}

func TestCancel_TooLateAfterTrigger(t *testing.T) {
	f := newServiceFixture()
	ctx := context.Background()

	st, err := f.svc.Create(ctx, stopLossDef())
	require.NoError(t, err)
	f.force(t, st.ID, domain.StatusActive, domain.StatusTriggered)

	got, err := f.svc.Cancel(ctx, st.ID)
	assert.ErrorIs(t, err, domain.ErrTooLate)
	assert.ErrorIs(t, err, domain.ErrConcurrentModification)
	assert.Equal(t, domain.StatusTriggered, got.Status)
}

func TestCancel_NotFound(t *testing.T) {
	f := newServiceFixture()
	_, err := f.svc.Cancel(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestReactivate(t *testing.T) {
	f := newServiceFixture()
	ctx := context.Background()

	def := stopLossDef()
	def.Params = domain.TrailingStopParams{Distance: 0.1, InitialPrice: 120}
	st, err := f.svc.Create(ctx, def)
	require.NoError(t, err)
	require.NotNil(t, st.HighWaterMark)

	_, err = f.svc.Reactivate(ctx, st.ID)
	assert.ErrorIs(t, err, domain.ErrConcurrentModification)

	f.force(t, st.ID, domain.StatusActive, domain.StatusTriggered)
	f.force(t, st.ID, domain.StatusTriggered, domain.StatusFailed)

	got, err := f.svc.Reactivate(ctx, st.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, got.Status)
	assert.Equal(t, st.Generation+1, got.Generation)
	assert.Nil(t, got.HighWaterMark)
	assert.Nil(t, got.TriggeredPrice)
}

func TestRemove(t *testing.T) {
	f := newServiceFixture()
	ctx := context.Background()

	st, err := f.svc.Create(ctx, stopLossDef())
	require.NoError(t, err)

	err = f.svc.Remove(ctx, st.ID)
	assert.ErrorIs(t, err, domain.ErrNotTerminal)

	_, err = f.svc.Cancel(ctx, st.ID)
	require.NoError(t, err)
	require.NoError(t, f.svc.Remove(ctx, st.ID))

	assert.Equal(t, []string{st.ID}, f.archiver.archived)
	_, err = f.svc.Get(ctx, st.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRemove_ArchiveFailureKeepsStrategy(t *testing.T) {
	f := newServiceFixture()
	ctx := context.Background()
	f.archiver.err = errors.New("bucket unavailable")

	st, err := f.svc.Create(ctx, stopLossDef())
	require.NoError(t, err)
	_, err = f.svc.Cancel(ctx, st.ID)
	require.NoError(t, err)

	require.Error(t, f.svc.Remove(ctx, st.ID))
	_, err = f.svc.Get(ctx, st.ID)
	assert.NoError(t, err)
}

func TestExecutions(t *testing.T) {
	f := newServiceFixture()
	ctx := context.Background()

	st, err := f.svc.Create(ctx, stopLossDef())
	require.NoError(t, err)
	require.NoError(t, f.executions.Insert(ctx, domain.ExecutionRecord{
		StrategyID:     st.ID,
		IdempotencyKey: "k1",
		Side:           domain.SideSell,
		Size:           decimal.NewFromInt(5),
		Outcome:        domain.OutcomeConfirmed,
		SubmittedAt:    domaintest.Epoch,
		UpdatedAt:      domaintest.Epoch,
	}))

	recs, err := f.svc.Executions(ctx, st.ID)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "k1", recs[0].IdempotencyKey)

	_, err = f.svc.Executions(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestEventService_PublishesAndNotifies(t *testing.T) {
	bus := memory.NewSignalBus()
	notifier := &recordingNotifier{}
	svc := NewEventService(bus, notifier, discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := bus.Subscribe(ctx, StrategyChannel)
	require.NoError(t, err)

	st := domaintest.StopLoss("s1", 95)
	for _, typ := range []domain.EventType{domain.EventTriggered, domain.EventExecuted, domain.EventFailed} {
		require.NoError(t, svc.PublishStrategyEvent(ctx, domain.NewStrategyEvent(typ, st, domaintest.Epoch)))
	}

	payload := <-sub
	assert.Contains(t, string(payload), `"type":"strategy.triggered"`)

	history, last, err := svc.History(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, "3", last)

	assert.Equal(t, []domain.EventType{domain.EventExecuted, domain.EventFailed}, notifier.events)
}
