package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrOffline: нет сетевого подключения; операция прерывается без повторов.
	ErrOffline = errors.New("network is offline")
	// ErrClientUnavailable: нет аутентифицированной сессии с ERP.
	ErrClientUnavailable = errors.New("remote client unavailable")
	// ErrSyncInProgress: синхронизация уже выполняется.
	ErrSyncInProgress = errors.New("sync already in progress")
	// ErrOrderNotFound: заказа нет в локальном кэше.
	ErrOrderNotFound = errors.New("order not found")
	// ErrLineNotFound: строки нет в снимке заказа.
	ErrLineNotFound = errors.New("order line not found")
	// ErrConflictNotFound: конфликт с таким идентификатором не найден.
	ErrConflictNotFound = errors.New("conflict not found")
	// ErrKeyNotFound: ключа нет в хранилище.
	ErrKeyNotFound = errors.New("key not found")
	// ErrRemote: ошибка удалённой стороны (HTTP, неожиданный ответ).
	ErrRemote = errors.New("remote call failed")
	// ErrInvalidOperation: операция очереди не прошла валидацию.
	ErrInvalidOperation = errors.New("invalid queued operation")
	// ErrCircuitOpen: circuit breaker не пропускает запросы.
	ErrCircuitOpen = errors.New("circuit breaker is open")
	// ErrCacheMiss: ответа нет в кэше.
	ErrCacheMiss = errors.New("cache miss")
)

// RemoteError описывает ошибку вызова удалённой процедуры.
type RemoteError struct {
	Method     string
	StatusCode int
	Message    string
}

func (e *RemoteError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("remote %s: http %d: %s", e.Method, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("remote %s: %s", e.Method, e.Message)
}

// Is позволяет сравнивать RemoteError с ErrRemote через errors.Is.
func (e *RemoteError) Is(target error) bool {
	return target == ErrRemote
}

// IsNonFatal сообщает, что ошибка означает отсутствие связи или сессии:
// операция пропускается, состояние не меняется.
func IsNonFatal(err error) bool {
	return errors.Is(err, ErrOffline) || errors.Is(err, ErrClientUnavailable)
}
