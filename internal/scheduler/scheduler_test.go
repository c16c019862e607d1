package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/romanzzaa/coinwatch-bot/internal/domain"
)

// --- Mocks ---

type MockSubscriptionRepo struct {
	mock.Mock
}

func (m *MockSubscriptionRepo) Upsert(ctx context.Context, sub *domain.Subscription) error {
	args := m.Called(ctx, sub)
	return args.Error(0)
}

func (m *MockSubscriptionRepo) Delete(ctx context.Context, chatID int64, coin string) (int64, error) {
	args := m.Called(ctx, chatID, coin)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockSubscriptionRepo) ListByChat(ctx context.Context, chatID int64) ([]domain.Subscription, error) {
	args := m.Called(ctx, chatID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.Subscription), args.Error(1)
}

func (m *MockSubscriptionRepo) ListActive(ctx context.Context) ([]domain.Subscription, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.Subscription), args.Error(1)
}

func (m *MockSubscriptionRepo) MarkSent(ctx context.Context, id int64, sentAt time.Time) error {
	args := m.Called(ctx, id, sentAt)
	return args.Error(0)
}

type MockAlertRepo struct {
	mock.Mock
}

func (m *MockAlertRepo) Create(ctx context.Context, rule *domain.AlertRule) error {
	args := m.Called(ctx, rule)
	return args.Error(0)
}

func (m *MockAlertRepo) Delete(ctx context.Context, chatID int64, alertID int64) (int64, error) {
	args := m.Called(ctx, chatID, alertID)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockAlertRepo) ListByChat(ctx context.Context, chatID int64) ([]domain.AlertRule, error) {
	args := m.Called(ctx, chatID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.AlertRule), args.Error(1)
}

func (m *MockAlertRepo) ListAll(ctx context.Context) ([]domain.AlertRule, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.AlertRule), args.Error(1)
}

func (m *MockAlertRepo) MarkFired(ctx context.Context, id int64, firedAt time.Time) error {
	args := m.Called(ctx, id, firedAt)
	return args.Error(0)
}

func (m *MockAlertRepo) Rearm(ctx context.Context, id int64) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

type MockChatRepo struct {
	mock.Mock
}

func (m *MockChatRepo) Ensure(ctx context.Context, chatID int64) error {
	args := m.Called(ctx, chatID)
	return args.Error(0)
}

func (m *MockChatRepo) Delete(ctx context.Context, chatID int64) error {
	args := m.Called(ctx, chatID)
	return args.Error(0)
}

type MockPriceSource struct {
	mock.Mock
}

func (m *MockPriceSource) GetPrice(ctx context.Context, coin, currency string) (domain.PriceQuote, error) {
	args := m.Called(ctx, coin, currency)
	return args.Get(0).(domain.PriceQuote), args.Error(1)
}

func (m *MockPriceSource) GetMarketInfo(ctx context.Context, coin, currency string) (*domain.MarketInfo, error) {
	args := m.Called(ctx, coin, currency)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.MarketInfo), args.Error(1)
}

func (m *MockPriceSource) ListTopCoins(ctx context.Context, n int, currency string) ([]domain.MarketInfo, error) {
	args := m.Called(ctx, n, currency)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.MarketInfo), args.Error(1)
}

type MockNotifier struct {
	mock.Mock
}

func (m *MockNotifier) Send(ctx context.Context, chatID int64, text string) error {
	args := m.Called(ctx, chatID, text)
	return args.Error(0)
}

// --- Helpers ---

type fixture struct {
	subs     *MockSubscriptionRepo
	alerts   *MockAlertRepo
	chats    *MockChatRepo
	source   *MockPriceSource
	notifier *MockNotifier
	sched    *Scheduler
}

func newFixture() *fixture {
	f := &fixture{
		subs:     new(MockSubscriptionRepo),
		alerts:   new(MockAlertRepo),
		chats:    new(MockChatRepo),
		source:   new(MockPriceSource),
		notifier: new(MockNotifier),
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.sched = New(f.subs, f.alerts, f.chats, f.source, f.notifier, nil, logger, Config{
		Tick:          time.Second,
		FetchTimeout:  time.Second,
		NotifyTimeout: time.Second,
		Workers:       3,
	})
	return f
}

func btcQuote(price int64) domain.PriceQuote {
	return domain.PriceQuote{
		Coin:      "bitcoin",
		Currency:  "usd",
		Price:     decimal.NewFromInt(price),
		FetchedAt: time.Now(),
	}
}

func armedAlert(id, chatID int64, coin string, threshold int64, dir domain.Direction) domain.AlertRule {
	return domain.AlertRule{
		ID:        id,
		ChatID:    chatID,
		Coin:      coin,
		Currency:  "usd",
		Threshold: decimal.NewFromInt(threshold),
		Direction: dir,
		Armed:     true,
	}
}

var now = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// --- Tests ---

func TestRunCycle_OnePriceLookupPerPair(t *testing.T) {
	f := newFixture()

	// Three subscriptions and two alerts, all on bitcoin/usd.
	sent := now.Add(-time.Second)
	subs := []domain.Subscription{
		{ID: 1, ChatID: 10, Coin: "bitcoin", Currency: "usd", Interval: time.Hour, LastSent: &sent},
		{ID: 2, ChatID: 20, Coin: "bitcoin", Currency: "usd", Interval: time.Hour, LastSent: &sent},
		{ID: 3, ChatID: 30, Coin: "bitcoin", Currency: "usd", Interval: time.Hour, LastSent: &sent},
	}
	rules := []domain.AlertRule{
		armedAlert(1, 10, "bitcoin", 1000000, domain.DirectionAbove),
		armedAlert(2, 20, "bitcoin", 1, domain.DirectionBelow),
	}

	f.subs.On("ListActive", mock.Anything).Return(subs, nil)
	f.alerts.On("ListAll", mock.Anything).Return(rules, nil)
	f.source.On("GetPrice", mock.Anything, "bitcoin", "usd").Return(btcQuote(50000), nil)
	f.source.On("GetMarketInfo", mock.Anything, "bitcoin", "usd").Return(nil, domain.ErrSourceUnavailable)

	stats := f.sched.RunCycle(context.Background(), now)

	f.source.AssertNumberOfCalls(t, "GetPrice", 1)
	f.source.AssertNumberOfCalls(t, "GetMarketInfo", 1)
	assert.Equal(t, 1, stats.Pairs)
	assert.Equal(t, 0, stats.Sent)
	assert.Equal(t, 0, stats.Fired)
}

func TestRunCycle_PairFailureIsIsolated(t *testing.T) {
	f := newFixture()

	rules := []domain.AlertRule{
		armedAlert(1, 10, "bitcoin", 40000, domain.DirectionAbove),
		armedAlert(2, 20, "ethereum", 40000, domain.DirectionAbove),
	}

	f.subs.On("ListActive", mock.Anything).Return([]domain.Subscription{}, nil)
	f.alerts.On("ListAll", mock.Anything).Return(rules, nil)
	f.source.On("GetPrice", mock.Anything, "ethereum", "usd").
		Return(domain.PriceQuote{}, domain.ErrSourceUnavailable)
	f.source.On("GetPrice", mock.Anything, "bitcoin", "usd").Return(btcQuote(50000), nil)
	f.source.On("GetMarketInfo", mock.Anything, "bitcoin", "usd").Return(nil, domain.ErrSourceUnavailable)
	f.notifier.On("Send", mock.Anything, int64(10), mock.AnythingOfType("string")).Return(nil)
	f.alerts.On("MarkFired", mock.Anything, int64(1), now).Return(nil)

	stats := f.sched.RunCycle(context.Background(), now)

	assert.Equal(t, 1, stats.PairsFailed)
	assert.Equal(t, 1, stats.SkippedRules)
	assert.Equal(t, 1, stats.Fired, "the healthy pair still fires")
	f.alerts.AssertCalled(t, "MarkFired", mock.Anything, int64(1), now)
	f.alerts.AssertNotCalled(t, "MarkFired", mock.Anything, int64(2), mock.Anything)
}

func TestRunCycle_DeliveryFailureLeavesStateForRetry(t *testing.T) {
	f := newFixture()

	rules := []domain.AlertRule{armedAlert(1, 10, "bitcoin", 40000, domain.DirectionAbove)}

	f.subs.On("ListActive", mock.Anything).Return([]domain.Subscription{}, nil)
	f.alerts.On("ListAll", mock.Anything).Return(rules, nil)
	f.source.On("GetPrice", mock.Anything, "bitcoin", "usd").Return(btcQuote(50000), nil)
	f.source.On("GetMarketInfo", mock.Anything, "bitcoin", "usd").Return(nil, domain.ErrSourceUnavailable)
	f.notifier.On("Send", mock.Anything, int64(10), mock.AnythingOfType("string")).
		Return(errors.New("telegram: 502 Bad Gateway")).Once()

	stats := f.sched.RunCycle(context.Background(), now)

	assert.Equal(t, 1, stats.DeliveryFails)
	assert.Equal(t, 0, stats.Fired)
	f.alerts.AssertNotCalled(t, "MarkFired", mock.Anything, mock.Anything, mock.Anything)

	// Next tick the rule is unchanged in the store and delivery recovers.
	f.notifier.On("Send", mock.Anything, int64(10), mock.AnythingOfType("string")).Return(nil)
	f.alerts.On("MarkFired", mock.Anything, int64(1), mock.Anything).Return(nil)

	stats = f.sched.RunCycle(context.Background(), now.Add(time.Second))
	assert.Equal(t, 1, stats.Fired)
	f.alerts.AssertCalled(t, "MarkFired", mock.Anything, int64(1), now.Add(time.Second))
}

func TestRunCycle_PersistFailureAfterDeliveryIsCounted(t *testing.T) {
	f := newFixture()

	rules := []domain.AlertRule{armedAlert(1, 10, "bitcoin", 40000, domain.DirectionAbove)}

	f.subs.On("ListActive", mock.Anything).Return([]domain.Subscription{}, nil)
	f.alerts.On("ListAll", mock.Anything).Return(rules, nil)
	f.source.On("GetPrice", mock.Anything, "bitcoin", "usd").Return(btcQuote(50000), nil)
	f.source.On("GetMarketInfo", mock.Anything, "bitcoin", "usd").Return(nil, domain.ErrSourceUnavailable)
	f.notifier.On("Send", mock.Anything, int64(10), mock.AnythingOfType("string")).Return(nil)
	f.alerts.On("MarkFired", mock.Anything, int64(1), now).Return(errors.New("db down"))

	stats := f.sched.RunCycle(context.Background(), now)

	assert.Equal(t, 1, stats.PersistFails)
	assert.Equal(t, 0, stats.Fired)
	f.notifier.AssertNumberOfCalls(t, "Send", 1)
}

func TestRunCycle_SubscriptionTimeline(t *testing.T) {
	f := newFixture()

	t0 := now
	sub := domain.Subscription{
		ID: 1, ChatID: 10, Coin: "bitcoin", Currency: "usd", Interval: time.Minute,
	}

	// t=0: never sent, update goes out.
	f.subs.On("ListActive", mock.Anything).Return([]domain.Subscription{sub}, nil).Once()
	f.alerts.On("ListAll", mock.Anything).Return([]domain.AlertRule{}, nil)
	f.source.On("GetPrice", mock.Anything, "bitcoin", "usd").Return(btcQuote(50000), nil)
	f.source.On("GetMarketInfo", mock.Anything, "bitcoin", "usd").Return(nil, domain.ErrSourceUnavailable)
	f.notifier.On("Send", mock.Anything, int64(10), mock.AnythingOfType("string")).Return(nil)
	f.subs.On("MarkSent", mock.Anything, int64(1), t0).Return(nil).Once()

	stats := f.sched.RunCycle(context.Background(), t0)
	assert.Equal(t, 1, stats.Sent)

	// t=30s: not due.
	sentAt := t0
	sub.LastSent = &sentAt
	f.subs.On("ListActive", mock.Anything).Return([]domain.Subscription{sub}, nil).Once()

	stats = f.sched.RunCycle(context.Background(), t0.Add(30*time.Second))
	assert.Equal(t, 0, stats.Sent)

	// t=61s: due again.
	f.subs.On("ListActive", mock.Anything).Return([]domain.Subscription{sub}, nil).Once()
	f.subs.On("MarkSent", mock.Anything, int64(1), t0.Add(61*time.Second)).Return(nil).Once()

	stats = f.sched.RunCycle(context.Background(), t0.Add(61*time.Second))
	assert.Equal(t, 1, stats.Sent)

	f.subs.AssertNumberOfCalls(t, "MarkSent", 2)
}

func TestRunCycle_MessagesCarryMarketData(t *testing.T) {
	f := newFixture()

	sub := domain.Subscription{ID: 1, ChatID: 10, Coin: "bitcoin", Currency: "usd", Interval: time.Minute}
	rule := armedAlert(2, 20, "bitcoin", 40000, domain.DirectionAbove)

	change := 2.5
	cap := decimal.NewFromInt(1330000000000)
	info := &domain.MarketInfo{CoinID: "bitcoin", Change24hPct: &change, MarketCap: &cap}

	f.subs.On("ListActive", mock.Anything).Return([]domain.Subscription{sub}, nil)
	f.alerts.On("ListAll", mock.Anything).Return([]domain.AlertRule{rule}, nil)
	f.source.On("GetPrice", mock.Anything, "bitcoin", "usd").Return(btcQuote(50000), nil)
	f.source.On("GetMarketInfo", mock.Anything, "bitcoin", "usd").Return(info, nil)

	withMarketData := mock.MatchedBy(func(text string) bool {
		return strings.Contains(text, "24h: +2.50%") &&
			strings.Contains(text, "Mkt cap: $1,330,000,000,000")
	})
	f.notifier.On("Send", mock.Anything, int64(10), withMarketData).Return(nil)
	f.notifier.On("Send", mock.Anything, int64(20), withMarketData).Return(nil)
	f.subs.On("MarkSent", mock.Anything, int64(1), now).Return(nil)
	f.alerts.On("MarkFired", mock.Anything, int64(2), now).Return(nil)

	stats := f.sched.RunCycle(context.Background(), now)

	assert.Equal(t, 1, stats.Sent)
	assert.Equal(t, 1, stats.Fired)
	f.source.AssertNumberOfCalls(t, "GetMarketInfo", 1)
	f.notifier.AssertExpectations(t)
}

// Рыночные данные опциональны: их отказ не должен блокировать доставку.
func TestRunCycle_MarketInfoFailureStillDelivers(t *testing.T) {
	f := newFixture()

	rule := armedAlert(1, 10, "bitcoin", 40000, domain.DirectionAbove)

	f.subs.On("ListActive", mock.Anything).Return([]domain.Subscription{}, nil)
	f.alerts.On("ListAll", mock.Anything).Return([]domain.AlertRule{rule}, nil)
	f.source.On("GetPrice", mock.Anything, "bitcoin", "usd").Return(btcQuote(50000), nil)
	f.source.On("GetMarketInfo", mock.Anything, "bitcoin", "usd").
		Return(nil, domain.ErrSourceUnavailable)
	f.notifier.On("Send", mock.Anything, int64(10), mock.AnythingOfType("string")).Return(nil)
	f.alerts.On("MarkFired", mock.Anything, int64(1), now).Return(nil)

	stats := f.sched.RunCycle(context.Background(), now)

	assert.Equal(t, 1, stats.Fired)
	assert.Equal(t, 0, stats.PairsFailed)
}

// Drives the full edge-trigger sequence through the scheduler, evolving the
// stored rule the way the persisted mutations would.
func TestRunCycle_AlertHysteresis(t *testing.T) {
	f := newFixture()

	armed := armedAlert(1, 10, "bitcoin", 100, domain.DirectionAbove)
	unarmed := armed
	unarmed.Armed = false

	f.subs.On("ListActive", mock.Anything).Return([]domain.Subscription{}, nil)
	f.notifier.On("Send", mock.Anything, int64(10), mock.AnythingOfType("string")).Return(nil)
	f.alerts.On("MarkFired", mock.Anything, int64(1), mock.Anything).Return(nil)
	f.alerts.On("Rearm", mock.Anything, int64(1)).Return(nil)

	steps := []struct {
		rule    domain.AlertRule
		price   int64
		fired   int
		rearmed int
	}{
		{armed, 99, 0, 0},
		{armed, 101, 1, 0},
		{unarmed, 102, 0, 0},
		{unarmed, 98, 0, 1},
		{armed, 101, 1, 0},
	}

	f.source.On("GetMarketInfo", mock.Anything, "bitcoin", "usd").Return(nil, domain.ErrSourceUnavailable)

	for i, step := range steps {
		f.alerts.On("ListAll", mock.Anything).Return([]domain.AlertRule{step.rule}, nil).Once()
		f.source.On("GetPrice", mock.Anything, "bitcoin", "usd").Return(btcQuote(step.price), nil).Once()

		stats := f.sched.RunCycle(context.Background(), now.Add(time.Duration(i)*time.Second))
		assert.Equal(t, step.fired, stats.Fired, "step %d (price %d)", i, step.price)
		assert.Equal(t, step.rearmed, stats.Rearmed, "step %d (price %d)", i, step.price)
	}

	f.alerts.AssertNumberOfCalls(t, "MarkFired", 2)
	f.alerts.AssertNumberOfCalls(t, "Rearm", 1)
	// re-arming sends no message
	f.notifier.AssertNumberOfCalls(t, "Send", 2)
}

func TestRunCycle_ChatGonePurgesChat(t *testing.T) {
	f := newFixture()

	rules := []domain.AlertRule{armedAlert(1, 10, "bitcoin", 40000, domain.DirectionAbove)}

	f.subs.On("ListActive", mock.Anything).Return([]domain.Subscription{}, nil)
	f.alerts.On("ListAll", mock.Anything).Return(rules, nil)
	f.source.On("GetPrice", mock.Anything, "bitcoin", "usd").Return(btcQuote(50000), nil)
	f.source.On("GetMarketInfo", mock.Anything, "bitcoin", "usd").Return(nil, domain.ErrSourceUnavailable)
	f.notifier.On("Send", mock.Anything, int64(10), mock.AnythingOfType("string")).
		Return(fmt.Errorf("chat 10: %w", domain.ErrChatGone))
	f.chats.On("Delete", mock.Anything, int64(10)).Return(nil)

	stats := f.sched.RunCycle(context.Background(), now)

	assert.Equal(t, 1, stats.ChatsPurged)
	assert.Equal(t, 0, stats.DeliveryFails, "a gone chat is not a retryable failure")
	f.chats.AssertCalled(t, "Delete", mock.Anything, int64(10))
	f.alerts.AssertNotCalled(t, "MarkFired", mock.Anything, mock.Anything, mock.Anything)
}

func TestRunCycle_MalformedRuleIsSkipped(t *testing.T) {
	f := newFixture()

	bad := armedAlert(1, 10, "bitcoin", 40000, domain.Direction("sideways"))
	good := armedAlert(2, 20, "bitcoin", 40000, domain.DirectionAbove)

	f.subs.On("ListActive", mock.Anything).Return([]domain.Subscription{}, nil)
	f.alerts.On("ListAll", mock.Anything).Return([]domain.AlertRule{bad, good}, nil)
	f.source.On("GetPrice", mock.Anything, "bitcoin", "usd").Return(btcQuote(50000), nil)
	f.source.On("GetMarketInfo", mock.Anything, "bitcoin", "usd").Return(nil, domain.ErrSourceUnavailable)
	f.notifier.On("Send", mock.Anything, int64(20), mock.AnythingOfType("string")).Return(nil)
	f.alerts.On("MarkFired", mock.Anything, int64(2), now).Return(nil)

	stats := f.sched.RunCycle(context.Background(), now)

	assert.Equal(t, 1, stats.InvalidRules)
	assert.Equal(t, 1, stats.Fired)
	f.alerts.AssertNotCalled(t, "MarkFired", mock.Anything, int64(1), mock.Anything)
}

func TestRunCycle_LoadFailureSkipsCycle(t *testing.T) {
	f := newFixture()

	f.subs.On("ListActive", mock.Anything).Return(nil, errors.New("connection refused"))

	stats := f.sched.RunCycle(context.Background(), now)

	assert.Equal(t, CycleStats{}, stats)
	f.source.AssertNotCalled(t, "GetPrice", mock.Anything, mock.Anything, mock.Anything)
	f.notifier.AssertNotCalled(t, "Send", mock.Anything, mock.Anything, mock.Anything)
}

func TestRun_StopsBetweenCycles(t *testing.T) {
	f := newFixture()

	f.subs.On("ListActive", mock.Anything).Return([]domain.Subscription{}, nil)
	f.alerts.On("ListAll", mock.Anything).Return([]domain.AlertRule{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.sched.Run(ctx)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop after context cancellation")
	}
}
