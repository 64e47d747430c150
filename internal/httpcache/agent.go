// Package httpcache перехватывает исходящие HTTP-запросы приложения и отвечает из
// версионированных бакетов кэша или из сети по политике класса запроса.
package httpcache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/vladislavdragonenkov/fieldsync/internal/domain"
	"github.com/vladislavdragonenkov/fieldsync/internal/metrics"
)

// CachedAtHeader: заголовок с моментом помещения ответа в кэш (unix ms).
const CachedAtHeader = "X-Fieldsync-Cached-At"

// State: стадия жизненного цикла агента.
type State string

const (
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActivated  State = "activated"
)

// Option настраивает Agent.
type Option func(*Agent)

// WithTransport задаёт сетевой транспорт, который оборачивает агент.
func WithTransport(transport http.RoundTripper) Option {
	return func(a *Agent) {
		a.inner = transport
	}
}

// WithLogger задаёт logger агента.
func WithLogger(logger *log.Entry) Option {
	return func(a *Agent) {
		a.logger = logger
	}
}

// WithClock подменяет источник времени.
func WithClock(clock func() time.Time) Option {
	return func(a *Agent) {
		a.now = clock
	}
}

// WithMetrics задаёт метрики ответов.
func WithMetrics(m *metrics.CacheMetrics) Option {
	return func(a *Agent) {
		a.metrics = m
	}
}

// Agent: перехватчик запросов. Реализует http.RoundTripper.
type Agent struct {
	cfg     Config
	storage domain.CacheStorage
	inner   http.RoundTripper
	logger  *log.Entry
	now     func() time.Time
	metrics *metrics.CacheMetrics

	revalidate singleflight.Group
	background sync.WaitGroup

	mu       sync.RWMutex
	state    State
	syncTags map[string]func(context.Context) error
}

// NewAgent создаёт агент поверх хранилища бакетов.
func NewAgent(cfg Config, storage domain.CacheStorage, options ...Option) *Agent {
	a := &Agent{
		cfg:      cfg,
		storage:  storage,
		inner:    http.DefaultTransport,
		now:      time.Now,
		state:    StateInstalling,
		syncTags: make(map[string]func(context.Context) error),
	}
	for _, option := range options {
		option(a)
	}
	if a.logger == nil {
		a.logger = log.WithField("component", "cache-agent")
	}
	return a
}

// Config возвращает конфигурацию агента.
func (a *Agent) Config() Config {
	return a.cfg
}

// State возвращает стадию жизненного цикла.
func (a *Agent) State() State {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state
}

func (a *Agent) setState(state State) {
	a.mu.Lock()
	a.state = state
	a.mu.Unlock()
	a.logger.WithField("state", state).Info("Cache agent state changed")
}

// Wait дожидается завершения фоновых обновлений кэша.
func (a *Agent) Wait() {
	a.background.Wait()
}

// RoundTrip обрабатывает запрос по политике его класса. Не-GET запросы и схемы,
// отличные от http(s), проходят в сеть без изменений.
func (a *Agent) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Method != http.MethodGet || (req.URL.Scheme != "http" && req.URL.Scheme != "https") {
		a.metrics.RecordResponse(string(StrategyPassthrough), "network")
		return a.inner.RoundTrip(req)
	}

	class := a.cfg.Classify(req.URL)
	switch StrategyFor(class) {
	case StrategyCacheFirst:
		return a.cacheFirst(req)
	case StrategyStaleWhileRevalidate:
		return a.staleWhileRevalidate(req)
	default:
		bucket := a.cfg.DynamicBucket()
		return a.networkFirst(req, bucket)
	}
}

func cacheKey(req *http.Request) string {
	return req.URL.String()
}

func isSuccess(resp *http.Response) bool {
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// isNavigational сообщает, что запрос открывает документ.
func isNavigational(req *http.Request) bool {
	return req.Header.Get("Sec-Fetch-Mode") == "navigate" || strings.Contains(req.Header.Get("Accept"), "text/html")
}

// CachedAt возвращает метку помещения в кэш из заголовка ответа.
func CachedAt(resp *http.Response) (time.Time, bool) {
	raw := resp.Header.Get(CachedAtHeader)
	if raw == "" {
		return time.Time{}, false
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}

// IsFresh истинно при now - cachedAt <= ttl; ответ без метки считается устаревшим.
func IsFresh(resp *http.Response, ttl time.Duration, now time.Time) bool {
	at, ok := CachedAt(resp)
	if !ok {
		return false
	}
	return now.Sub(at) <= ttl
}

// match ищет ответ в бакете; промах и ошибки хранилища дают nil.
func (a *Agent) match(ctx context.Context, bucketName, key string) *http.Response {
	bucket, err := a.storage.Open(ctx, bucketName)
	if err != nil {
		a.logger.WithError(err).WithField("bucket", bucketName).Warn("Failed to open cache bucket")
		return nil
	}
	resp, err := bucket.Match(ctx, key)
	if err != nil {
		if !errors.Is(err, domain.ErrCacheMiss) {
			a.logger.WithError(err).WithField("url", key).Warn("Cache lookup failed")
		}
		return nil
	}
	return resp
}

// store сохраняет копию ответа с меткой времени; resp остаётся читаемым.
func (a *Agent) store(ctx context.Context, bucketName, key string, resp *http.Response) {
	stored, err := domain.CaptureResponse(resp)
	if err != nil {
		a.logger.WithError(err).WithField("url", key).Warn("Failed to read response for caching")
		return
	}
	stored.Header.Set(CachedAtHeader, strconv.FormatInt(a.now().UnixMilli(), 10))

	bucket, err := a.storage.Open(ctx, bucketName)
	if err != nil {
		a.logger.WithError(err).WithField("bucket", bucketName).Warn("Failed to open cache bucket")
		return
	}
	if err := bucket.Put(ctx, key, stored.Response()); err != nil {
		a.logger.WithError(err).WithField("url", key).Warn("Failed to store response")
	}
}

func (a *Agent) putBody(ctx context.Context, bucketName, key string, status int, header http.Header, body []byte) error {
	header = header.Clone()
	if header == nil {
		header = http.Header{}
	}
	header.Set(CachedAtHeader, strconv.FormatInt(a.now().UnixMilli(), 10))
	bucket, err := a.storage.Open(ctx, bucketName)
	if err != nil {
		return fmt.Errorf("open bucket %s: %w", bucketName, err)
	}
	stored := domain.StoredResponse{StatusCode: status, Header: header, Body: body}
	return bucket.Put(ctx, key, stored.Response())
}

func closeBody(resp *http.Response) {
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
}

func withRequest(resp *http.Response, req *http.Request) *http.Response {
	resp.Request = req
	return resp
}
