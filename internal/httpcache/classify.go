package httpcache

import (
	"net/url"
	"regexp"
	"strings"
	"time"
)

// Class: класс перехваченного запроса.
type Class string

const (
	ClassStatic  Class = "static"
	ClassRPC     Class = "rpc"
	ClassOrders  Class = "orders"
	ClassDynamic Class = "dynamic"
)

// Strategy: политика ответа для класса запросов.
type Strategy string

const (
	StrategyCacheFirst           Strategy = "cache-first"
	StrategyNetworkFirst         Strategy = "network-first"
	StrategyStaleWhileRevalidate Strategy = "stale-while-revalidate"
	StrategyPassthrough          Strategy = "passthrough"
)

// Config описывает классификацию запросов, версии бакетов и TTL.
type Config struct {
	// Version: тег версии бакетов; бакеты других версий удаляются при активации.
	Version string
	// Origin: базовый URL, относительно которого разрешаются precache и CACHE_ORDER_DATA.
	Origin *url.URL

	StaticTTL  time.Duration
	DynamicTTL time.Duration
	OrdersTTL  time.Duration

	StaticSuffixes []string
	StaticPaths    []string
	OrderPatterns  []*regexp.Regexp
	RPCPatterns    []*regexp.Regexp
	Precache       []string
}

// DefaultConfig возвращает конфигурацию по умолчанию для версии version.
func DefaultConfig(version string, origin *url.URL) Config {
	return Config{
		Version:    version,
		Origin:     origin,
		StaticTTL:  365 * 24 * time.Hour,
		DynamicTTL: 5 * time.Minute,
		OrdersTTL:  30 * time.Minute,
		StaticSuffixes: []string{
			".js", ".css", ".png", ".jpg", ".jpeg", ".gif", ".svg", ".ico",
			".woff", ".woff2", ".ttf", ".webmanifest",
		},
		StaticPaths: []string{"/", "/index.html", "/manifest.json"},
		OrderPatterns: []*regexp.Regexp{
			regexp.MustCompile(`^/api/orders(/|$)`),
			regexp.MustCompile(`/sale\.order(\.line)?(/|$)`),
		},
		RPCPatterns: []*regexp.Regexp{
			regexp.MustCompile(`^/web/dataset/`),
			regexp.MustCompile(`^/web/session/`),
			regexp.MustCompile(`^/jsonrpc`),
			regexp.MustCompile(`^/api/rpc(/|$)`),
		},
		Precache: []string{"/", "/index.html", "/manifest.json"},
	}
}

// Classify относит URL ровно к одному классу: static, orders, rpc или dynamic.
func (c Config) Classify(u *url.URL) Class {
	path := u.Path
	if path == "" {
		path = "/"
	}
	for _, exact := range c.StaticPaths {
		if path == exact {
			return ClassStatic
		}
	}
	lower := strings.ToLower(path)
	for _, suffix := range c.StaticSuffixes {
		if strings.HasSuffix(lower, suffix) {
			return ClassStatic
		}
	}
	for _, pattern := range c.OrderPatterns {
		if pattern.MatchString(path) {
			return ClassOrders
		}
	}
	for _, pattern := range c.RPCPatterns {
		if pattern.MatchString(path) {
			return ClassRPC
		}
	}
	return ClassDynamic
}

// StrategyFor возвращает политику для класса.
func StrategyFor(class Class) Strategy {
	switch class {
	case ClassStatic:
		return StrategyCacheFirst
	case ClassOrders:
		return StrategyStaleWhileRevalidate
	default:
		return StrategyNetworkFirst
	}
}

func (c Config) bucketName(kind string) string {
	return "fieldsync-" + kind + "-" + c.Version
}

// StaticBucket, DynamicBucket и OrdersBucket — имена бакетов текущей версии.
func (c Config) StaticBucket() string  { return c.bucketName("static") }
func (c Config) DynamicBucket() string { return c.bucketName("dynamic") }
func (c Config) OrdersBucket() string  { return c.bucketName("orders") }

func (c Config) currentBuckets() map[string]bool {
	return map[string]bool{
		c.StaticBucket():  true,
		c.DynamicBucket(): true,
		c.OrdersBucket():  true,
	}
}

// resolve строит абсолютный URL пути относительно Origin.
func (c Config) resolve(path string) string {
	if c.Origin == nil {
		return path
	}
	return c.Origin.ResolveReference(&url.URL{Path: path}).String()
}
