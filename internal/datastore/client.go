// Package datastore — клиент REST-хранилища (PostgREST-совместимый API Supabase).
// Каждый запрос несёт сервисный API key и bearer-токен, тела — JSON.
// Временные ошибки (сеть, таймаут, 408/429/5xx) повторяются с экспоненциальной
// паузой, остальные возвращаются сразу как *common.HTTPError.
package datastore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"serotonyl.ru/checkin-bids/internal/common"
)

// Config — параметры подключения к хранилищу.
type Config struct {
	BaseURL     string
	APIKey      string
	BearerToken string // пусто — используется APIKey
	Timeout     time.Duration
	Retry       RetryPolicy
	HTTPClient  *http.Client // nil — http.Client без таймаута (таймаут задаётся на запрос)
}

// Client выполняет запросы к REST-хранилищу.
type Client struct {
	baseURL *url.URL
	apiKey  string
	bearer  string
	timeout time.Duration
	retry   RetryPolicy
	http    *http.Client
}

// Request описывает один запрос к хранилищу.
type Request struct {
	Method string
	Path   string // например "/rest/v1/bids"
	Query  url.Values
	Body   interface{}
	// ReturnRepresentation просит вернуть вставленные/обновлённые строки
	ReturnRepresentation bool
	// OnConflict — колонка уникальности; строки с уже известным значением
	// пропускаются (resolution=ignore-duplicates)
	OnConflict string
}

// NewClient создаёт клиента хранилища.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("datastore: пустой BaseURL")
	}
	u, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("datastore: некорректный BaseURL: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	bearer := cfg.BearerToken
	if bearer == "" {
		bearer = cfg.APIKey
	}
	return &Client{
		baseURL: u,
		apiKey:  cfg.APIKey,
		bearer:  bearer,
		timeout: cfg.Timeout,
		retry:   cfg.Retry,
		http:    cfg.HTTPClient,
	}, nil
}

// Do выполняет запрос с повторами и декодирует JSON-ответ в out (если out != nil).
func (c *Client) Do(ctx context.Context, req Request, out interface{}) error {
	var payload []byte
	if req.Body != nil {
		var err error
		payload, err = json.Marshal(req.Body)
		if err != nil {
			return fmt.Errorf("datastore: ошибка кодирования тела %s %s: %w", req.Method, req.Path, err)
		}
	}

	op := req.Method + " " + req.Path
	return Retry(ctx, c.retry, op, func(ctx context.Context) error {
		return c.doOnce(ctx, req, payload, out)
	})
}

func (c *Client) doOnce(ctx context.Context, req Request, payload []byte, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	u := *c.baseURL
	u.Path = u.Path + req.Path
	query := req.Query
	if req.OnConflict != "" {
		query = url.Values{}
		for k, v := range req.Query {
			query[k] = v
		}
		query.Set("on_conflict", req.OnConflict)
	}
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, u.String(), body)
	if err != nil {
		return fmt.Errorf("datastore: ошибка создания запроса: %w", err)
	}
	httpReq.Header.Set("apikey", c.apiKey)
	httpReq.Header.Set("Authorization", "Bearer "+c.bearer)
	httpReq.Header.Set("Accept", "application/json")
	if payload != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	var prefer []string
	if req.ReturnRepresentation {
		prefer = append(prefer, "return=representation")
	}
	if req.OnConflict != "" {
		prefer = append(prefer, "resolution=ignore-duplicates")
	}
	if len(prefer) > 0 {
		httpReq.Header.Set("Prefer", strings.Join(prefer, ","))
	}

	started := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return classifyTransportError(ctx, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return classifyTransportError(ctx, err)
	}

	log.WithFields(log.Fields{
		"method":   req.Method,
		"path":     req.Path,
		"status":   resp.StatusCode,
		"duration": time.Since(started).String(),
	}).Debug("запрос к хранилищу")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &common.HTTPError{Status: resp.StatusCode, Body: string(data)}
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("datastore: ошибка декодирования ответа %s %s: %w", req.Method, req.Path, err)
	}
	return nil
}

// classifyTransportError превращает ошибку http.Client в ErrTimeout/ErrNetwork.
// Отмена родительского контекста возвращается как есть — её не повторяем.
func classifyTransportError(ctx context.Context, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", common.ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", common.ErrNetwork, err)
}

// Select — GET /rest/v1/<table> с фильтрами PostgREST.
func (c *Client) Select(ctx context.Context, table string, query url.Values, out interface{}) error {
	return c.Do(ctx, Request{
		Method: http.MethodGet,
		Path:   "/rest/v1/" + table,
		Query:  query,
	}, out)
}

// Insert — POST /rest/v1/<table>, возвращает вставленные строки в out.
func (c *Client) Insert(ctx context.Context, table string, body interface{}, out interface{}) error {
	return c.Do(ctx, Request{
		Method:               http.MethodPost,
		Path:                 "/rest/v1/" + table,
		Body:                 body,
		ReturnRepresentation: true,
	}, out)
}

// InsertIdempotent — вставка, которую безопасно повторять: строка с уже
// существующим значением conflictColumn пропускается, и в out приходит
// пустой список. Повтор после таймаута не создаёт дубль.
func (c *Client) InsertIdempotent(ctx context.Context, table, conflictColumn string, body interface{}, out interface{}) error {
	return c.Do(ctx, Request{
		Method:               http.MethodPost,
		Path:                 "/rest/v1/" + table,
		Body:                 body,
		ReturnRepresentation: true,
		OnConflict:           conflictColumn,
	}, out)
}

// Update — PATCH /rest/v1/<table>?<filters>, возвращает обновлённые строки в out.
func (c *Client) Update(ctx context.Context, table string, filters url.Values, body interface{}, out interface{}) error {
	return c.Do(ctx, Request{
		Method:               http.MethodPatch,
		Path:                 "/rest/v1/" + table,
		Query:                filters,
		Body:                 body,
		ReturnRepresentation: true,
	}, out)
}

// RPC — POST /rest/v1/rpc/<function> с JSON-аргументами.
func (c *Client) RPC(ctx context.Context, function string, args interface{}, out interface{}) error {
	return c.Do(ctx, Request{
		Method: http.MethodPost,
		Path:   "/rest/v1/rpc/" + function,
		Body:   args,
	}, out)
}

// Eq — значение фильтра PostgREST "eq.<v>".
func Eq(v string) string {
	return "eq." + v
}

// In — значение фильтра PostgREST "in.(a,b,c)".
func In(values ...string) string {
	return "in.(" + strings.Join(values, ",") + ")"
}
