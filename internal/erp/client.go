// Package erp реализует domain.RemoteClient поверх JSON-RPC веб-интерфейса ERP.
package erp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sync"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fieldsync/internal/domain"
)

const (
	authenticatePath = "/web/session/authenticate"
	callKWPath       = "/web/dataset/call_kw"
)

// Option настраивает Client.
type Option func(*Client)

// WithHTTPClient задаёт HTTP-клиент. Если у клиента нет cookie jar, он будет создан.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.http = client
	}
}

// WithDatabase задаёт имя базы ERP для аутентификации.
func WithDatabase(db string) Option {
	return func(c *Client) {
		c.database = db
	}
}

// WithLogger задаёт logger клиента.
func WithLogger(logger *log.Entry) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// Client: клиент ERP. Сессия хранится в cookie jar HTTP-клиента.
type Client struct {
	base     *url.URL
	http     *http.Client
	database string
	logger   *log.Entry

	mu  sync.RWMutex
	uid int64
}

var _ domain.RemoteClient = (*Client)(nil)

// NewClient создаёт клиента для ERP по адресу baseURL.
func NewClient(baseURL string, options ...Option) (*Client, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse erp url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("erp url must be absolute: %q", baseURL)
	}

	c := &Client{base: base}
	for _, option := range options {
		option(c)
	}
	if c.http == nil {
		c.http = &http.Client{}
	}
	if c.http.Jar == nil {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, fmt.Errorf("create cookie jar: %w", err)
		}
		c.http.Jar = jar
	}
	if c.logger == nil {
		c.logger = log.WithField("component", "erp-client")
	}
	return c, nil
}

// IsAuthenticated сообщает, что последняя аутентификация прошла успешно.
func (c *Client) IsAuthenticated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.uid > 0
}

// Authenticate открывает сессию. Неверные учётные данные сбрасывают сессию
// и возвращают RemoteError.
func (c *Client) Authenticate(ctx context.Context, login, password string) error {
	var result struct {
		UID json.RawMessage `json:"uid"`
	}
	params := map[string]any{
		"db":       c.database,
		"login":    login,
		"password": password,
	}
	if err := c.call(ctx, authenticatePath, "authenticate", params, &result); err != nil {
		c.setUID(0)
		return err
	}

	var uid int64
	if err := json.Unmarshal(result.UID, &uid); err != nil || uid <= 0 {
		c.setUID(0)
		return &domain.RemoteError{Method: "authenticate", Message: "invalid credentials"}
	}
	c.setUID(uid)
	c.logger.WithFields(log.Fields{"login": login, "uid": uid}).Info("ERP session opened")
	return nil
}

func (c *Client) setUID(uid int64) {
	c.mu.Lock()
	c.uid = uid
	c.mu.Unlock()
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
	ID      string `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    struct {
		Name    string `json:"name"`
		Message string `json:"message"`
	} `json:"data"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

// callKW вызывает метод модели через call_kw.
func (c *Client) callKW(ctx context.Context, model, method string, args []any, kwargs map[string]any, out any) error {
	if !c.IsAuthenticated() {
		return domain.ErrClientUnavailable
	}
	if kwargs == nil {
		kwargs = map[string]any{}
	}
	params := map[string]any{
		"model":  model,
		"method": method,
		"args":   args,
		"kwargs": kwargs,
	}
	return c.call(ctx, callKWPath, model+"."+method, params, out)
}

func (c *Client) call(ctx context.Context, path, method string, params any, out any) error {
	payload, err := json.Marshal(rpcRequest{JSONRPC: "2.0", Method: "call", Params: params, ID: uuid.NewString()})
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", method, err)
	}

	endpoint := c.base.ResolveReference(&url.URL{Path: path})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: %v", domain.ErrOffline, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return &domain.RemoteError{Method: method, StatusCode: resp.StatusCode, Message: err.Error()}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &domain.RemoteError{Method: method, StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	}

	var decoded rpcResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return &domain.RemoteError{Method: method, StatusCode: resp.StatusCode, Message: "malformed response: " + err.Error()}
	}
	if decoded.Error != nil {
		message := decoded.Error.Data.Message
		if message == "" {
			message = decoded.Error.Message
		}
		if decoded.Error.Data.Name == "odoo.http.SessionExpiredException" {
			c.setUID(0)
		}
		return &domain.RemoteError{Method: method, Message: message}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(decoded.Result, out); err != nil {
		return &domain.RemoteError{Method: method, Message: "unexpected result: " + err.Error()}
	}
	return nil
}

// errNotFound возвращается, когда ERP не нашла запрошенную запись.
var errNotFound = errors.New("record not found")
