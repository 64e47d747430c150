package network

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/fieldsync/internal/domain"
)

const maxErrorBodyBytes = 512

// HTTPExecutor выполняет отложенные операции HTTP-запросами через circuit breaker.
type HTTPExecutor struct {
	client  *http.Client
	breaker *CircuitBreaker
}

// NewHTTPExecutor создаёт исполнитель. client и breaker могут быть nil.
func NewHTTPExecutor(client *http.Client, breaker *CircuitBreaker) *HTTPExecutor {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if breaker == nil {
		breaker = NewCircuitBreaker(5, 30*time.Second, nil)
	}
	return &HTTPExecutor{client: client, breaker: breaker}
}

// Execute отправляет запрос; ответ вне диапазона 2xx превращается в RemoteError.
func (e *HTTPExecutor) Execute(ctx context.Context, op domain.QueuedOperation) error {
	return e.breaker.Execute(op.Type, func() error {
		var body io.Reader
		if len(op.Payload) > 0 {
			body = bytes.NewReader(op.Payload)
		}
		req, err := http.NewRequestWithContext(ctx, op.NormalizedMethod(), op.URL, body)
		if err != nil {
			return fmt.Errorf("%w: build request: %v", domain.ErrInvalidOperation, err)
		}
		if len(op.Payload) > 0 {
			req.Header.Set("Content-Type", "application/json")
		}
		for key, value := range op.Headers {
			req.Header.Set(key, value)
		}

		resp, err := e.client.Do(req)
		if err != nil {
			return &domain.RemoteError{Method: op.Type, Message: err.Error()}
		}
		defer resp.Body.Close()

		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		_, _ = io.Copy(io.Discard, resp.Body)
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return &domain.RemoteError{
				Method:     op.Type,
				StatusCode: resp.StatusCode,
				Message:    strings.TrimSpace(string(snippet)),
			}
		}
		return nil
	})
}

var _ OperationExecutor = (*HTTPExecutor)(nil)
