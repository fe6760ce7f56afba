// Package datastoretest — поддельное REST-хранилище для тестов.
// Понимает подмножество PostgREST, которое использует сервис: GET с фильтрами
// eq./in., order и limit; POST (вставка с id и отметками времени,
// on_conflict=id с resolution=ignore-duplicates); PATCH
// по фильтрам; POST /rest/v1/rpc/<name> через зарегистрированные функции.
package datastoretest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"serotonyl.ru/checkin-bids/internal/datastore"
)

// Row — строка таблицы в виде JSON-объекта.
type Row = map[string]interface{}

// RPCFunc обрабатывает вызов удалённой процедуры.
type RPCFunc func(s *Server, args map[string]interface{}) (interface{}, error)

type failure struct {
	status    int
	remaining int  // < 0 — бесконечно
	after     bool // запрос выполняется, но клиент получает ошибку
}

// Server — поддельное хранилище поверх httptest.Server.
type Server struct {
	*httptest.Server

	mu       sync.Mutex
	tables   map[string][]Row
	rpcs     map[string]RPCFunc
	failures map[string]*failure
	calls    map[string]int
}

// NewServer запускает сервер и закрывает его по окончании теста.
func NewServer(t *testing.T) *Server {
	t.Helper()
	s := &Server{
		tables:   make(map[string][]Row),
		rpcs:     make(map[string]RPCFunc),
		failures: make(map[string]*failure),
		calls:    make(map[string]int),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.Server.Close)
	return s
}

// Client создаёт клиента хранилища, смотрящего на этот сервер, без пауз между повторами.
func (s *Server) Client(t *testing.T) *datastore.Client {
	t.Helper()
	c, err := datastore.NewClient(datastore.Config{
		BaseURL: s.URL,
		APIKey:  "test-key",
		Timeout: 2 * time.Second,
		Retry:   datastore.RetryPolicy{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond},
	})
	require.NoError(t, err)
	return c
}

// Seed добавляет строки в таблицу как есть.
func (s *Server) Seed(table string, rows ...Row) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range rows {
		s.tables[table] = append(s.tables[table], copyRow(r))
	}
}

// Rows возвращает копию строк таблицы.
func (s *Server) Rows(table string) []Row {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Row, 0, len(s.tables[table]))
	for _, r := range s.tables[table] {
		out = append(out, copyRow(r))
	}
	return out
}

// Find возвращает строку таблицы по id или nil.
func (s *Server) Find(table, id string) Row {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.tables[table] {
		if fmt.Sprint(r["id"]) == id {
			return copyRow(r)
		}
	}
	return nil
}

// HandleRPC регистрирует удалённую процедуру.
func (s *Server) HandleRPC(name string, fn RPCFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rpcs[name] = fn
}

// Fail заставляет следующие count запросов "METHOD /path" вернуть status.
// count < 0 — до вызова Recover.
func (s *Server) Fail(method, path string, status, count int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[method+" "+path] = &failure{status: status, remaining: count}
}

// FailAfter как Fail, но запрос сначала выполняется: так выглядит
// таймаут или обрыв после того, как хранилище уже сохранило изменения.
func (s *Server) FailAfter(method, path string, status, count int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[method+" "+path] = &failure{status: status, remaining: count, after: true}
}

// Recover снимает все внедрённые ошибки.
func (s *Server) Recover() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = make(map[string]*failure)
}

// Calls — сколько раз вызывался "METHOD /path".
func (s *Server) Calls(method, path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[method+" "+path]
}

// Select выполняет фильтрацию так же, как GET (для использования внутри RPCFunc).
// Вызывается с уже захваченной блокировкой.
func (s *Server) Select(table string, filters map[string]string) []Row {
	var out []Row
	for _, r := range s.tables[table] {
		if matches(r, filters) {
			out = append(out, copyRow(r))
		}
	}
	return out
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := r.Method + " " + r.URL.Path
	s.calls[key]++

	if f, ok := s.failures[key]; ok && f.remaining != 0 {
		if f.remaining > 0 {
			f.remaining--
		}
		if f.after {
			s.route(httptest.NewRecorder(), r)
		}
		writeJSON(w, f.status, map[string]string{"message": "injected failure"})
		return
	}
	s.route(w, r)
}

// route выполняет запрос. Вызывается с захваченной блокировкой.
func (s *Server) route(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/rest/v1/")
	if strings.HasPrefix(path, "rpc/") {
		s.handleRPC(w, r, strings.TrimPrefix(path, "rpc/"))
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.handleSelect(w, r, path)
	case http.MethodPost:
		s.handleInsert(w, r, path)
	case http.MethodPatch:
		s.handleUpdate(w, r, path)
	default:
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"message": "method not allowed"})
	}
}

func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request, table string) {
	q := r.URL.Query()
	rows := s.Select(table, filtersFrom(q))

	if order := q.Get("order"); order != "" {
		field, desc := parseOrder(order)
		sort.SliceStable(rows, func(i, j int) bool {
			less := lessValue(rows[i][field], rows[j][field])
			if desc {
				return lessValue(rows[j][field], rows[i][field])
			}
			return less
		})
	}
	if limit, err := strconv.Atoi(q.Get("limit")); err == nil && limit < len(rows) {
		rows = rows[:limit]
	}
	if rows == nil {
		rows = []Row{}
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleInsert(w http.ResponseWriter, r *http.Request, table string) {
	row := Row{}
	if err := decode(r.Body, &row); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": err.Error()})
		return
	}
	prefer := r.Header.Get("Prefer")
	if id, ok := row["id"]; ok && s.hasID(table, fmt.Sprint(id)) {
		if r.URL.Query().Get("on_conflict") == "id" && strings.Contains(prefer, "resolution=ignore-duplicates") {
			writeJSON(w, http.StatusCreated, []Row{})
			return
		}
		writeJSON(w, http.StatusConflict, map[string]string{"message": "duplicate key value violates unique constraint"})
		return
	}

	now := timestamp()
	if _, ok := row["id"]; !ok {
		row["id"] = uuid.NewString()
	}
	if _, ok := row["created_at"]; !ok {
		row["created_at"] = now
	}
	if _, ok := row["updated_at"]; !ok {
		row["updated_at"] = now
	}
	s.tables[table] = append(s.tables[table], row)

	if strings.Contains(prefer, "return=representation") {
		writeJSON(w, http.StatusCreated, []Row{copyRow(row)})
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request, table string) {
	patch := Row{}
	if err := decode(r.Body, &patch); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": err.Error()})
		return
	}
	filters := filtersFrom(r.URL.Query())

	updated := []Row{}
	for _, row := range s.tables[table] {
		if !matches(row, filters) {
			continue
		}
		for k, v := range patch {
			row[k] = v
		}
		updated = append(updated, copyRow(row))
	}

	if r.Header.Get("Prefer") == "return=representation" {
		writeJSON(w, http.StatusOK, updated)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request, name string) {
	fn, ok := s.rpcs[name]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "function not found: " + name})
		return
	}
	var args map[string]interface{}
	if err := decode(r.Body, &args); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": err.Error()})
		return
	}
	res, err := fn(s, args)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// filtersFrom извлекает фильтры колонок, пропуская служебные параметры.
func filtersFrom(q map[string][]string) map[string]string {
	out := make(map[string]string)
	for k, v := range q {
		switch k {
		case "select", "order", "limit", "offset":
			continue
		}
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}

func matches(row Row, filters map[string]string) bool {
	for col, cond := range filters {
		val := valueString(row[col])
		switch {
		case strings.HasPrefix(cond, "eq."):
			if val != strings.TrimPrefix(cond, "eq.") {
				return false
			}
		case strings.HasPrefix(cond, "in.(") && strings.HasSuffix(cond, ")"):
			list := strings.Split(strings.TrimSuffix(strings.TrimPrefix(cond, "in.("), ")"), ",")
			found := false
			for _, item := range list {
				if item == val {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func parseOrder(order string) (field string, desc bool) {
	parts := strings.SplitN(order, ".", 2)
	return parts[0], len(parts) == 2 && parts[1] == "desc"
}

func lessValue(a, b interface{}) bool {
	as, bs := valueString(a), valueString(b)
	ta, errA := time.Parse(time.RFC3339Nano, as)
	tb, errB := time.Parse(time.RFC3339Nano, bs)
	if errA == nil && errB == nil {
		return ta.Before(tb)
	}
	return as < bs
}

func valueString(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return "null"
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	default:
		return fmt.Sprint(val)
	}
}

func timestamp() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func copyRow(r Row) Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

func decode(body io.Reader, v interface{}) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) hasID(table, id string) bool {
	for _, r := range s.tables[table] {
		if fmt.Sprint(r["id"]) == id {
			return true
		}
	}
	return false
}
