package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/romanzzaa/coinwatch-bot/internal/bot"
	"github.com/romanzzaa/coinwatch-bot/internal/domain"
	"github.com/romanzzaa/coinwatch-bot/internal/metrics"
	"github.com/romanzzaa/coinwatch-bot/internal/usecase"
)

type Config struct {
	Tick          time.Duration // период циклов оценки
	FetchTimeout  time.Duration // на один запрос цены
	NotifyTimeout time.Duration // на одну отправку уведомления
	Workers       int           // ограниченный параллелизм для fetch и dispatch
}

// Scheduler крутит периодические циклы оценки: загрузить набор правил,
// сгруппировать запросы цен по парам (coin, currency), прогнать evaluator,
// доставить, записать состояние. Циклы идут строго по одному; отмена
// контекста останавливает цикл между итерациями, никогда посередине.
type Scheduler struct {
	subs     domain.SubscriptionRepository
	alerts   domain.AlertRepository
	chats    domain.ChatRepository
	source   domain.PriceSource
	notifier domain.Notifier
	metrics  *metrics.Metrics
	logger   *slog.Logger
	cfg      Config
}

func New(
	subs domain.SubscriptionRepository,
	alerts domain.AlertRepository,
	chats domain.ChatRepository,
	source domain.PriceSource,
	notifier domain.Notifier,
	m *metrics.Metrics,
	logger *slog.Logger,
	cfg Config,
) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = 5
	}
	return &Scheduler{
		subs:     subs,
		alerts:   alerts,
		chats:    chats,
		source:   source,
		notifier: notifier,
		metrics:  m,
		logger:   logger,
		cfg:      cfg,
	}
}

// CycleStats - итог одного прохода для логов, метрик и тестов.
type CycleStats struct {
	Subscriptions int
	Alerts        int
	Pairs         int
	PairsFailed   int
	Sent          int
	Fired         int
	Rearmed       int
	SkippedRules  int
	InvalidRules  int
	ChatsPurged   int
	DeliveryFails int
	PersistFails  int
}

func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()

	s.logger.Info("scheduler started",
		slog.Duration("tick", s.cfg.Tick),
		slog.Int("workers", s.cfg.Workers))

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return
		case now := <-ticker.C:
			// Начатый цикл обязан дойти до конца даже при shutdown:
			// полузаписанный тик выглядит как падение.
			start := time.Now()
			stats := s.RunCycle(context.WithoutCancel(ctx), now.UTC())
			s.observe(stats, time.Since(start))
		}
	}
}

func (s *Scheduler) observe(stats CycleStats, took time.Duration) {
	s.logger.Info("cycle completed",
		slog.Int64("duration_ms", took.Milliseconds()),
		slog.Int("subscriptions", stats.Subscriptions),
		slog.Int("alerts", stats.Alerts),
		slog.Int("pairs", stats.Pairs),
		slog.Int("pairs_failed", stats.PairsFailed),
		slog.Int("sent", stats.Sent),
		slog.Int("fired", stats.Fired),
		slog.Int("rearmed", stats.Rearmed),
		slog.Int("delivery_failures", stats.DeliveryFails),
		slog.Int("persist_failures", stats.PersistFails))

	if s.metrics == nil {
		return
	}
	s.metrics.CyclesTotal.Inc()
	s.metrics.CycleDuration.Observe(took.Seconds())
	s.metrics.UpdatesSent.Add(float64(stats.Sent))
	s.metrics.AlertsFired.Add(float64(stats.Fired))
	s.metrics.Rearms.Add(float64(stats.Rearmed))
	s.metrics.PairsFailed.Add(float64(stats.PairsFailed))
	s.metrics.DeliveryFailures.Add(float64(stats.DeliveryFails))
	s.metrics.PersistFailures.Add(float64(stats.PersistFails))
}

// pairData - котировка пары плюс рыночные данные для текста сообщения.
// info может быть nil: обогащение опционально, цикл без него не падает.
type pairData struct {
	quote domain.PriceQuote
	info  *domain.MarketInfo
}

// RunCycle выполняет один проход по неизменяемому снимку набора правил.
// Отказы локализуются до минимальной единицы: упавшая пара пропускает
// только правила, которые её котируют, упавшая доставка оставляет
// состояние одного правила нетронутым до следующего тика.
func (s *Scheduler) RunCycle(ctx context.Context, now time.Time) CycleStats {
	var stats CycleStats

	subs, err := s.subs.ListActive(ctx)
	if err != nil {
		s.logger.Error("failed to load subscriptions, skipping cycle",
			slog.String("error", err.Error()))
		return stats
	}
	rules, err := s.alerts.ListAll(ctx)
	if err != nil {
		s.logger.Error("failed to load alert rules, skipping cycle",
			slog.String("error", err.Error()))
		return stats
	}
	stats.Subscriptions = len(subs)
	stats.Alerts = len(rules)

	// Один запрос на каждую уникальную пару, сколько бы правил её ни котировало.
	pairSet := make(map[domain.Pair]struct{})
	for _, sub := range subs {
		pairSet[domain.Pair{Coin: sub.Coin, Currency: sub.Currency}] = struct{}{}
	}
	for _, rule := range rules {
		pairSet[domain.Pair{Coin: rule.Coin, Currency: rule.Currency}] = struct{}{}
	}
	stats.Pairs = len(pairSet)

	data := s.fetchQuotes(ctx, pairSet)
	stats.PairsFailed = len(pairSet) - len(data)

	var actions []usecase.Action
	for _, sub := range subs {
		pd, ok := data[domain.Pair{Coin: sub.Coin, Currency: sub.Currency}]
		if !ok {
			stats.SkippedRules++
			continue
		}
		if a := usecase.EvaluateSubscription(sub, pd.quote, now); a != nil {
			actions = append(actions, *a)
		}
	}
	for _, rule := range rules {
		pd, ok := data[domain.Pair{Coin: rule.Coin, Currency: rule.Currency}]
		if !ok {
			stats.SkippedRules++
			continue
		}
		a, err := usecase.EvaluateAlert(rule, pd.quote, now)
		if err != nil {
			stats.InvalidRules++
			s.logger.Warn("skipping malformed alert rule",
				slog.Int64("alert_id", rule.ID),
				slog.String("error", err.Error()))
			continue
		}
		if a != nil {
			actions = append(actions, *a)
		}
	}

	s.dispatchAll(ctx, actions, data, now, &stats)
	return stats
}

// fetchQuotes резолвит каждую пару через пул воркеров. Пары, где цена не
// получена, просто отсутствуют в результате. Рыночные данные запрашиваются
// рядом с ценой, но их отказ не валит пару: сообщение уйдет без них.
func (s *Scheduler) fetchQuotes(ctx context.Context, pairs map[domain.Pair]struct{}) map[domain.Pair]pairData {
	data := make(map[domain.Pair]pairData, len(pairs))

	jobs := make(chan domain.Pair)
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < s.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for pair := range jobs {
				fctx, cancel := context.WithTimeout(ctx, s.cfg.FetchTimeout)
				quote, err := s.source.GetPrice(fctx, pair.Coin, pair.Currency)
				cancel()
				if err != nil {
					s.logger.Warn("price lookup failed, skipping pair",
						slog.String("coin", pair.Coin),
						slog.String("currency", pair.Currency),
						slog.String("error", err.Error()))
					continue
				}

				ictx, cancel := context.WithTimeout(ctx, s.cfg.FetchTimeout)
				info, err := s.source.GetMarketInfo(ictx, pair.Coin, pair.Currency)
				cancel()
				if err != nil {
					info = nil
					s.logger.Warn("market info lookup failed, sending bare price",
						slog.String("coin", pair.Coin),
						slog.String("error", err.Error()))
				}

				mu.Lock()
				data[pair] = pairData{quote: quote, info: info}
				mu.Unlock()
			}
		}()
	}

	for pair := range pairs {
		jobs <- pair
	}
	close(jobs)
	wg.Wait()

	return data
}

func (s *Scheduler) dispatchAll(ctx context.Context, actions []usecase.Action, data map[domain.Pair]pairData, now time.Time, stats *CycleStats) {
	jobs := make(chan usecase.Action)
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < s.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for action := range jobs {
				outcome := s.dispatch(ctx, action, data, now)
				mu.Lock()
				outcome.apply(stats)
				mu.Unlock()
			}
		}()
	}

	for _, a := range actions {
		jobs <- a
	}
	close(jobs)
	wg.Wait()
}

type outcome struct {
	sent, fired, rearmed     bool
	deliveryFail, chatPurged bool
	persistFail              bool
}

func (o outcome) apply(stats *CycleStats) {
	if o.sent {
		stats.Sent++
	}
	if o.fired {
		stats.Fired++
	}
	if o.rearmed {
		stats.Rearmed++
	}
	if o.deliveryFail {
		stats.DeliveryFails++
	}
	if o.chatPurged {
		stats.ChatsPurged++
	}
	if o.persistFail {
		stats.PersistFails++
	}
}

// dispatch выполняет одно действие: сначала доставка, потом запись.
// Упавшая доставка не трогает состояние правила, следующий тик повторит;
// упавшая запись после доставленного сообщения логируется как риск дубля.
func (s *Scheduler) dispatch(ctx context.Context, action usecase.Action, data map[domain.Pair]pairData, now time.Time) outcome {
	var out outcome

	switch action.Kind {
	case usecase.ActionRearm:
		rule := action.Alert
		if err := s.alerts.Rearm(ctx, rule.ID); err != nil {
			out.persistFail = true
			s.logger.Error("failed to re-arm alert",
				slog.Int64("alert_id", rule.ID),
				slog.String("error", err.Error()))
			return out
		}
		out.rearmed = true
		s.logger.Info("alert re-armed",
			slog.Int64("alert_id", rule.ID),
			slog.String("coin", rule.Coin),
			slog.String("price", action.Quote.Price.String()))

	case usecase.ActionSendUpdate:
		sub := action.Subscription
		info := data[domain.Pair{Coin: sub.Coin, Currency: sub.Currency}].info
		text := bot.FormatScheduledUpdate(*sub, action.Quote, info)
		if !s.deliver(ctx, sub.ChatID, text, &out) {
			return out
		}
		if err := s.subs.MarkSent(ctx, sub.ID, now); err != nil {
			out.persistFail = true
			s.logger.Error("update delivered but last_sent not persisted, duplicate possible",
				slog.Int64("subscription_id", sub.ID),
				slog.String("error", err.Error()))
			return out
		}
		out.sent = true

	case usecase.ActionFireAlert:
		rule := action.Alert
		info := data[domain.Pair{Coin: rule.Coin, Currency: rule.Currency}].info
		text := bot.FormatAlertTriggered(*rule, action.Quote, info)
		if !s.deliver(ctx, rule.ChatID, text, &out) {
			return out
		}
		if err := s.alerts.MarkFired(ctx, rule.ID, now); err != nil {
			out.persistFail = true
			s.logger.Error("alert delivered but disarm not persisted, duplicate possible",
				slog.Int64("alert_id", rule.ID),
				slog.String("error", err.Error()))
			return out
		}
		out.fired = true
		s.logger.Info("alert fired",
			slog.Int64("alert_id", rule.ID),
			slog.String("coin", rule.Coin),
			slog.String("threshold", rule.Threshold.String()),
			slog.String("price", action.Quote.Price.String()))
	}

	return out
}

// deliver шлет text в chatID в пределах таймаута. true означает, что
// сообщение ушло и мутацию состояния можно коммитить.
func (s *Scheduler) deliver(ctx context.Context, chatID int64, text string, out *outcome) bool {
	nctx, cancel := context.WithTimeout(ctx, s.cfg.NotifyTimeout)
	err := s.notifier.Send(nctx, chatID, text)
	cancel()

	if err == nil {
		return true
	}

	if errors.Is(err, domain.ErrChatGone) {
		// Бот заблокирован или чат удален: сносим все его правила,
		// а не ретраим вечно.
		if derr := s.chats.Delete(ctx, chatID); derr != nil {
			s.logger.Error("failed to purge gone chat",
				slog.Int64("chat_id", chatID),
				slog.String("error", derr.Error()))
		} else {
			out.chatPurged = true
			s.logger.Info("purged gone chat", slog.Int64("chat_id", chatID))
		}
		return false
	}

	out.deliveryFail = true
	s.logger.Warn("delivery failed, state kept for retry",
		slog.Int64("chat_id", chatID),
		slog.String("error", err.Error()))
	return false
}
