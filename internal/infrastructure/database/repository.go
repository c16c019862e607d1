package database

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/romanzzaa/coinwatch-bot/internal/domain"
)

// --- ChatRepository ---

type ChatRepository struct {
	db *DB
}

func NewChatRepository(db *DB) *ChatRepository {
	return &ChatRepository{db: db}
}

func (r *ChatRepository) Ensure(ctx context.Context, chatID int64) error {
	query := `
		INSERT INTO chats (chat_id, created_at)
		VALUES ($1, NOW())
		ON CONFLICT (chat_id) DO NOTHING
	`
	if _, err := r.db.ExecContext(ctx, query, chatID); err != nil {
		return fmt.Errorf("failed to ensure chat: %w", err)
	}
	return nil
}

// Delete удаляет строку чата; subscriptions и alert_rules уходят каскадом.
func (r *ChatRepository) Delete(ctx context.Context, chatID int64) error {
	query := `DELETE FROM chats WHERE chat_id = $1`
	if _, err := r.db.ExecContext(ctx, query, chatID); err != nil {
		return fmt.Errorf("failed to delete chat: %w", err)
	}
	return nil
}

// --- SubscriptionRepository ---

type SubscriptionRepository struct {
	db     *DB
	logger *slog.Logger
}

func NewSubscriptionRepository(db *DB, logger *slog.Logger) *SubscriptionRepository {
	return &SubscriptionRepository{db: db, logger: logger}
}

func (r *SubscriptionRepository) Upsert(ctx context.Context, sub *domain.Subscription) error {
	query := `
		INSERT INTO subscriptions (chat_id, coin, currency, interval_seconds, created_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (chat_id, coin, currency)
		DO UPDATE SET interval_seconds = EXCLUDED.interval_seconds
		RETURNING id
	`

	err := r.db.QueryRowContext(
		ctx, query,
		sub.ChatID, sub.Coin, sub.Currency, int64(sub.Interval.Seconds()),
	).Scan(&sub.ID)

	if err != nil {
		return fmt.Errorf("failed to upsert subscription: %w", err)
	}
	return nil
}

func (r *SubscriptionRepository) Delete(ctx context.Context, chatID int64, coin string) (int64, error) {
	query := `DELETE FROM subscriptions WHERE chat_id = $1 AND coin = $2`

	result, err := r.db.ExecContext(ctx, query, chatID, coin)
	if err != nil {
		return 0, fmt.Errorf("failed to delete subscription: %w", err)
	}
	return result.RowsAffected()
}

func (r *SubscriptionRepository) ListByChat(ctx context.Context, chatID int64) ([]domain.Subscription, error) {
	query := subscriptionColumns + ` WHERE chat_id = $1 ORDER BY created_at`

	rows, err := r.db.QueryContext(ctx, query, chatID)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	defer rows.Close()
	return scanSubscriptions(rows)
}

func (r *SubscriptionRepository) ListActive(ctx context.Context) ([]domain.Subscription, error) {
	query := subscriptionColumns + ` ORDER BY id`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list active subscriptions: %w", err)
	}
	defer rows.Close()
	return scanSubscriptions(rows)
}

func (r *SubscriptionRepository) MarkSent(ctx context.Context, id int64, sentAt time.Time) error {
	query := `UPDATE subscriptions SET last_sent = $1 WHERE id = $2`

	result, err := r.db.ExecContext(ctx, query, sentAt, id)
	if err != nil {
		return fmt.Errorf("failed to mark subscription sent: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return fmt.Errorf("subscription %d: %w", id, domain.ErrNotFound)
	}
	return nil
}

const subscriptionColumns = `
	SELECT id, chat_id, coin, currency, interval_seconds, last_sent, created_at
	FROM subscriptions`

func scanSubscriptions(rows *sql.Rows) ([]domain.Subscription, error) {
	var subs []domain.Subscription
	for rows.Next() {
		var (
			sub      domain.Subscription
			interval int64
			lastSent sql.NullTime
		)
		err := rows.Scan(
			&sub.ID, &sub.ChatID, &sub.Coin, &sub.Currency,
			&interval, &lastSent, &sub.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		sub.Interval = time.Duration(interval) * time.Second
		if lastSent.Valid {
			t := lastSent.Time
			sub.LastSent = &t
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// --- AlertRepository ---

type AlertRepository struct {
	db     *DB
	logger *slog.Logger
}

func NewAlertRepository(db *DB, logger *slog.Logger) *AlertRepository {
	return &AlertRepository{db: db, logger: logger}
}

func (r *AlertRepository) Create(ctx context.Context, rule *domain.AlertRule) error {
	query := `
		INSERT INTO alert_rules (chat_id, coin, currency, threshold, direction, armed, created_at)
		VALUES ($1, $2, $3, $4, $5, TRUE, NOW())
		RETURNING id
	`

	err := r.db.QueryRowContext(
		ctx, query,
		rule.ChatID, rule.Coin, rule.Currency, rule.Threshold, string(rule.Direction),
	).Scan(&rule.ID)

	if err != nil {
		return fmt.Errorf("failed to create alert: %w", err)
	}
	rule.Armed = true
	return nil
}

func (r *AlertRepository) Delete(ctx context.Context, chatID int64, alertID int64) (int64, error) {
	query := `DELETE FROM alert_rules WHERE id = $1 AND chat_id = $2`

	result, err := r.db.ExecContext(ctx, query, alertID, chatID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete alert: %w", err)
	}
	return result.RowsAffected()
}

func (r *AlertRepository) ListByChat(ctx context.Context, chatID int64) ([]domain.AlertRule, error) {
	query := alertColumns + ` WHERE chat_id = $1 ORDER BY created_at`

	rows, err := r.db.QueryContext(ctx, query, chatID)
	if err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	defer rows.Close()
	return scanAlerts(rows)
}

func (r *AlertRepository) ListAll(ctx context.Context) ([]domain.AlertRule, error) {
	// Разряженные правила тоже в выборке: планировщик проверяет их на взвод.
	query := alertColumns + ` ORDER BY id`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	defer rows.Close()
	return scanAlerts(rows)
}

func (r *AlertRepository) MarkFired(ctx context.Context, id int64, firedAt time.Time) error {
	query := `UPDATE alert_rules SET armed = FALSE, last_fired = $1 WHERE id = $2`

	result, err := r.db.ExecContext(ctx, query, firedAt, id)
	if err != nil {
		return fmt.Errorf("failed to mark alert fired: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return fmt.Errorf("alert %d: %w", id, domain.ErrNotFound)
	}
	return nil
}

func (r *AlertRepository) Rearm(ctx context.Context, id int64) error {
	query := `UPDATE alert_rules SET armed = TRUE WHERE id = $1 AND armed = FALSE`

	if _, err := r.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("failed to re-arm alert: %w", err)
	}
	return nil
}

const alertColumns = `
	SELECT id, chat_id, coin, currency, threshold, direction, armed, last_fired, created_at
	FROM alert_rules`

func scanAlerts(rows *sql.Rows) ([]domain.AlertRule, error) {
	var rules []domain.AlertRule
	for rows.Next() {
		var (
			rule      domain.AlertRule
			direction string
			lastFired sql.NullTime
		)
		err := rows.Scan(
			&rule.ID, &rule.ChatID, &rule.Coin, &rule.Currency,
			&rule.Threshold, &direction, &rule.Armed, &lastFired, &rule.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		rule.Direction = domain.Direction(direction)
		if lastFired.Valid {
			t := lastFired.Time
			rule.LastFired = &t
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}
