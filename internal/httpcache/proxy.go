package httpcache

import (
	"net/http"
	"net/http/httputil"
	"net/url"
)

// ProxyHandler отдаёт клиентам ресурсы upstream через агент: ответы
// проходят те же стратегии кэширования, что и запросы самого приложения.
func (a *Agent) ProxyHandler(upstream *url.URL) http.Handler {
	proxy := &httputil.ReverseProxy{
		Rewrite: func(r *httputil.ProxyRequest) {
			r.SetURL(upstream)
			r.SetXForwarded()
		},
		Transport: a,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			a.logger.WithError(err).WithField("url", r.URL.String()).Warn("Upstream unavailable")
			http.Error(w, "upstream unavailable", http.StatusBadGateway)
		},
	}
	return proxy
}
