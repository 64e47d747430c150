// Package network отслеживает состояние сети, хранит очередь отложенных операций
// и выполняет их с экспоненциальными повторами.
package network

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fieldsync/internal/domain"
)

// RetryConfig конфигурация для retry логики.
type RetryConfig struct {
	MaxRetries    int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	// Jitter добавляет к задержке до 10% сверху.
	Jitter bool
}

// DefaultRetryConfig возвращает конфигурацию по умолчанию.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:    3,
		BaseDelay:     time.Second,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2.0,
		Jitter:        true,
	}
}

// CalculateRetryDelay возвращает min(BaseDelay * BackoffFactor^attempt, MaxDelay),
// плюс до 10% при включённом Jitter.
func CalculateRetryDelay(attempt int, cfg RetryConfig) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	factor := cfg.BackoffFactor
	if factor <= 0 {
		factor = 1
	}

	delay := float64(cfg.BaseDelay) * math.Pow(factor, float64(attempt))
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	if cfg.Jitter {
		delay += delay * 0.1 * rand.Float64()
	}
	return time.Duration(delay)
}

// Retry вызывает fn до MaxRetries+1 раз с экспоненциальной задержкой между попытками
// и возвращает последнюю ошибку.
func Retry(ctx context.Context, cfg RetryConfig, logger *log.Entry, fn func(context.Context) error) error {
	_, err := ExecuteWithRetry(ctx, cfg, logger, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// ExecuteWithRetry: обобщённый вариант Retry, возвращающий результат операции.
func ExecuteWithRetry[T any](ctx context.Context, cfg RetryConfig, logger *log.Entry, fn func(context.Context) (T, error)) (T, error) {
	if logger == nil {
		logger = log.WithField("component", "network-retry")
	}

	var zero T
	for attempt := 0; ; attempt++ {
		result, err := fn(ctx)
		if err == nil {
			if attempt > 0 {
				logger.WithField("attempt", attempt+1).Info("Operation succeeded after retry")
			}
			return result, nil
		}

		if !shouldRetry(err) {
			logger.WithError(err).Warn("Operation failed with non-retryable error")
			return zero, err
		}
		if attempt >= cfg.MaxRetries {
			logger.WithError(err).WithField("max_retries", cfg.MaxRetries).Error("Operation failed after all retry attempts")
			return zero, err
		}

		delay := CalculateRetryDelay(attempt, cfg)
		logger.WithError(err).WithFields(log.Fields{
			"attempt": attempt + 1,
			"delay":   delay,
		}).Warn("Operation failed, retrying")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, errors.Join(err, ctx.Err())
		case <-timer.C:
		}
	}
}

// shouldRetry определяет, стоит ли повторять операцию при данной ошибке.
func shouldRetry(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, domain.ErrInvalidOperation) || errors.Is(err, domain.ErrClientUnavailable) {
		return false
	}

	// Клиентские ошибки HTTP не исправятся повтором, кроме таймаута и rate limit.
	var remote *domain.RemoteError
	if errors.As(err, &remote) && remote.StatusCode >= 400 && remote.StatusCode < 500 {
		return remote.StatusCode == http.StatusRequestTimeout || remote.StatusCode == http.StatusTooManyRequests
	}
	return true
}
