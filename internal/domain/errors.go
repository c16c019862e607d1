package domain

import "errors"

var (
	// ErrSourceUnavailable - провайдер цен упал или не вернул данных по
	// запрошенной монете. Зависящие от него правила пропускают этот цикл.
	ErrSourceUnavailable = errors.New("price source unavailable")

	// ErrChatGone - доставка невозможна навсегда (бот заблокирован, чат
	// удален). Правила этого чата надо снести, а не ретраить.
	ErrChatGone = errors.New("chat is gone")

	// ErrInvalidDirection - битое правило, прочитанное из хранилища.
	ErrInvalidDirection = errors.New("invalid alert direction")

	ErrNotFound = errors.New("not found")
)
