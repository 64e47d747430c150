package domain

import (
	"context"
	"net/http"
	"time"
)

// KeyValueStore: долговременное хранилище строковых значений по ключу.
type KeyValueStore interface {
	// Get возвращает значение или ErrKeyNotFound.
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	// Delete не считает отсутствие ключа ошибкой.
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
}

// CacheBucket: именованный набор пар запрос → ответ.
type CacheBucket interface {
	// Match возвращает сохранённый ответ или ErrCacheMiss.
	Match(ctx context.Context, key string) (*http.Response, error)
	Put(ctx context.Context, key string, resp *http.Response) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context) ([]string, error)
}

// CacheStorage управляет версионированными бакетами кэша.
type CacheStorage interface {
	Open(ctx context.Context, name string) (CacheBucket, error)
	Delete(ctx context.Context, name string) error
	Names(ctx context.Context) ([]string, error)
}

// RemoteOrder: заказ в ответе ERP.
type RemoteOrder struct {
	ID        OrderID   `json:"id"`
	Name      string    `json:"name"`
	Partner   Partner   `json:"partner"`
	WriteDate time.Time `json:"writeDate"`
}

// RemoteLine: строка заказа в ответе ERP.
type RemoteLine struct {
	ID          LineID    `json:"id"`
	Name        string    `json:"name"`
	ProductID   int64     `json:"productId"`
	ProductCode string    `json:"productCode"`
	Quantity    float64   `json:"quantity"`
	WriteDate   time.Time `json:"writeDate"`
}

// RemoteClient: непрозрачный интерфейс удалённых процедур ERP.
type RemoteClient interface {
	Authenticate(ctx context.Context, login, password string) error
	IsAuthenticated() bool
	ListOpenOrders(ctx context.Context) ([]RemoteOrder, error)
	ReadOrder(ctx context.Context, id OrderID) (RemoteOrder, error)
	GetOrderLines(ctx context.Context, orderID OrderID) ([]RemoteLine, error)
	UpdateLineQuantity(ctx context.Context, lineID LineID, qty float64) error
	UpdateProductCode(ctx context.Context, lineID LineID, code string) error
}

// ConnectivityObserver отдаёт текущее состояние сети и уведомляет об изменениях.
type ConnectivityObserver interface {
	Status() NetworkStatus
	// Subscribe сразу вызывает listener с текущим статусом и возвращает функцию отписки.
	Subscribe(listener func(NetworkStatus)) func()
}

// EventPublisher передаёт уведомления во внешние каналы.
type EventPublisher interface {
	Publish(ctx context.Context, event Event) error
}
