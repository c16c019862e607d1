package usecase

import (
	"fmt"
	"time"

	"github.com/romanzzaa/coinwatch-bot/internal/domain"
)

// ActionKind - что планировщик должен сделать по одному правилу.
type ActionKind string

const (
	ActionSendUpdate ActionKind = "SEND_UPDATE" // периодическое сообщение по подписке
	ActionFireAlert  ActionKind = "FIRE_ALERT"  // порог пересечен при взведенном правиле
	ActionRearm      ActionKind = "REARM"       // цена на другой стороне, без сообщения
)

// Action описывает одно решение. Evaluator никогда не делает I/O и не
// мутирует входы; отправку и запись состояния выполняет планировщик.
type Action struct {
	Kind         ActionKind
	Subscription *domain.Subscription
	Alert        *domain.AlertRule
	Quote        domain.PriceQuote
}

// EvaluateSubscription решает, пора ли слать периодическое обновление.
// Возвращает nil, когда делать нечего.
func EvaluateSubscription(sub domain.Subscription, quote domain.PriceQuote, now time.Time) *Action {
	if !sub.Due(now) {
		return nil
	}
	s := sub
	return &Action{
		Kind:         ActionSendUpdate,
		Subscription: &s,
		Quote:        quote,
	}
}

// EvaluateAlert решает, стреляет правило, взводится или стоит на месте.
//
// Проверка взвода идет первой и только для разряженных правил, поэтому
// правило не может взвестись и выстрелить от одной котировки: оно ждет
// следующего цикла, чтобы увидеть пересечение уже взведенным. Этот зазор
// в один тик и есть гистерезис, который не дает осциллирующей цене
// заспамить чат.
func EvaluateAlert(rule domain.AlertRule, quote domain.PriceQuote, now time.Time) (*Action, error) {
	if !rule.Direction.Valid() {
		return nil, fmt.Errorf("alert %d: %w: %q", rule.ID, domain.ErrInvalidDirection, rule.Direction)
	}

	r := rule

	if !rule.Armed {
		if rule.OppositeSide(quote.Price) {
			return &Action{Kind: ActionRearm, Alert: &r, Quote: quote}, nil
		}
		return nil, nil
	}

	if rule.Crossed(quote.Price) {
		return &Action{Kind: ActionFireAlert, Alert: &r, Quote: quote}, nil
	}

	return nil, nil
}
