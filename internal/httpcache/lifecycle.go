package httpcache

import (
	"context"
	"fmt"
	"net/http"
)

// Install загружает precache-манифест в статический бакет и сразу переходит к активации.
// Ошибка загрузки любого ресурса прерывает установку.
func (a *Agent) Install(ctx context.Context) error {
	a.setState(StateInstalling)

	for _, path := range a.cfg.Precache {
		target := a.cfg.resolve(path)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return fmt.Errorf("precache %s: %w", path, err)
		}
		resp, err := a.inner.RoundTrip(req)
		if err != nil {
			return fmt.Errorf("precache %s: %w", path, err)
		}
		if !isSuccess(resp) {
			closeBody(resp)
			return fmt.Errorf("precache %s: unexpected status %d", path, resp.StatusCode)
		}
		a.store(ctx, a.cfg.StaticBucket(), req.URL.String(), resp)
		closeBody(resp)
	}

	a.setState(StateInstalled)
	a.logger.WithField("entries", len(a.cfg.Precache)).Info("Static entry points precached")
	return a.Activate(ctx)
}

// Activate удаляет бакеты, не принадлежащие текущей версии.
func (a *Agent) Activate(ctx context.Context) error {
	a.setState(StateActivating)

	names, err := a.storage.Names(ctx)
	if err != nil {
		return fmt.Errorf("list cache buckets: %w", err)
	}
	current := a.cfg.currentBuckets()
	for _, name := range names {
		if current[name] {
			continue
		}
		if err := a.storage.Delete(ctx, name); err != nil {
			return fmt.Errorf("delete cache bucket %s: %w", name, err)
		}
		a.logger.WithField("bucket", name).Info("Deleted outdated cache bucket")
	}

	a.setState(StateActivated)
	return nil
}

// RegisterSync регистрирует обработчик фоновой синхронизации для тега.
func (a *Agent) RegisterSync(tag string, fn func(context.Context) error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.syncTags[tag] = fn
}

// BackgroundSync выполняет обработчик тега. Незарегистрированный тег игнорируется.
func (a *Agent) BackgroundSync(ctx context.Context, tag string) error {
	a.mu.RLock()
	fn, ok := a.syncTags[tag]
	a.mu.RUnlock()
	if !ok {
		a.logger.WithField("tag", tag).Debug("No background sync handler registered")
		return nil
	}
	if err := fn(ctx); err != nil {
		return fmt.Errorf("background sync %s: %w", tag, err)
	}
	return nil
}
