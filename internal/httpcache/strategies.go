package httpcache

import (
	"context"
	"net/http"

	"github.com/vladislavdragonenkov/fieldsync/internal/domain"
)

const offlineDocument = `<!DOCTYPE html>
<html lang="ru">
<head><meta charset="utf-8"><title>Нет соединения</title></head>
<body><h1>Нет соединения</h1><p>Страница недоступна без сети. Данные заказов, сохранённые на устройстве, доступны в приложении.</p></body>
</html>
`

func offlineResponse(req *http.Request) *http.Response {
	stored := domain.StoredResponse{
		StatusCode: http.StatusServiceUnavailable,
		Header:     http.Header{"Content-Type": []string{"text/html; charset=utf-8"}},
		Body:       []byte(offlineDocument),
	}
	return withRequest(stored.Response(), req)
}

// cacheFirst: свежий кэш, иначе сеть; при сбое сети — устаревший кэш,
// затем офлайн-документ для навигации.
func (a *Agent) cacheFirst(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	bucket := a.cfg.StaticBucket()
	key := cacheKey(req)
	strategy := string(StrategyCacheFirst)

	cached := a.match(ctx, bucket, key)
	if cached != nil && IsFresh(cached, a.cfg.StaticTTL, a.now()) {
		a.metrics.RecordResponse(strategy, "cache")
		return withRequest(cached, req), nil
	}

	resp, err := a.inner.RoundTrip(req)
	if err == nil {
		closeBody(cached)
		if isSuccess(resp) {
			a.store(ctx, bucket, key, resp)
		}
		a.metrics.RecordResponse(strategy, "network")
		return resp, nil
	}

	logger := a.logger.WithError(err).WithField("url", key)
	if cached != nil {
		logger.Debug("Network failed, serving expired static entry")
		a.metrics.RecordResponse(strategy, "stale")
		return withRequest(cached, req), nil
	}
	if isNavigational(req) {
		logger.Debug("Network failed, serving offline document")
		a.metrics.RecordResponse(strategy, "offline")
		return offlineResponse(req), nil
	}
	return nil, err
}

// networkFirst: сеть, при сбое — кэш не старше DynamicTTL.
func (a *Agent) networkFirst(req *http.Request, bucket string) (*http.Response, error) {
	ctx := req.Context()
	key := cacheKey(req)
	strategy := string(StrategyNetworkFirst)

	resp, err := a.inner.RoundTrip(req)
	if err == nil {
		if isSuccess(resp) {
			a.store(ctx, bucket, key, resp)
		}
		a.metrics.RecordResponse(strategy, "network")
		return resp, nil
	}

	cached := a.match(ctx, bucket, key)
	if cached != nil && IsFresh(cached, a.cfg.DynamicTTL, a.now()) {
		a.logger.WithError(err).WithField("url", key).Debug("Network failed, serving cached response")
		a.metrics.RecordResponse(strategy, "cache")
		return withRequest(cached, req), nil
	}
	closeBody(cached)
	return nil, err
}

// staleWhileRevalidate: свежий кэш отдаётся сразу, а обновление идёт в фоне;
// без свежего кэша — сеть, при её сбое — устаревший кэш.
func (a *Agent) staleWhileRevalidate(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	bucket := a.cfg.OrdersBucket()
	key := cacheKey(req)
	strategy := string(StrategyStaleWhileRevalidate)

	cached := a.match(ctx, bucket, key)
	if cached != nil && IsFresh(cached, a.cfg.OrdersTTL, a.now()) {
		a.revalidateInBackground(req, bucket, key)
		a.metrics.RecordResponse(strategy, "cache")
		return withRequest(cached, req), nil
	}

	resp, err := a.inner.RoundTrip(req)
	if err == nil {
		closeBody(cached)
		if isSuccess(resp) {
			a.store(ctx, bucket, key, resp)
		}
		a.metrics.RecordResponse(strategy, "network")
		return resp, nil
	}
	if cached != nil {
		a.metrics.RecordResponse(strategy, "stale")
		return withRequest(cached, req), nil
	}
	return nil, err
}

// revalidateInBackground обновляет запись кэша; параллельные обновления
// одного URL схлопываются.
func (a *Agent) revalidateInBackground(req *http.Request, bucket, key string) {
	ctx := context.WithoutCancel(req.Context())
	background := req.Clone(ctx)

	a.background.Add(1)
	go func() {
		defer a.background.Done()
		_, _, _ = a.revalidate.Do(key, func() (any, error) {
			resp, err := a.inner.RoundTrip(background)
			if err != nil {
				a.logger.WithError(err).WithField("url", key).Debug("Background revalidation failed")
				return nil, err
			}
			defer closeBody(resp)
			if isSuccess(resp) {
				a.store(ctx, bucket, key, resp)
			}
			return nil, nil
		})
	}()
}
