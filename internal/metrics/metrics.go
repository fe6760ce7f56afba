// Package metrics — счётчики Prometheus для протокола ставок, реестра и сверки.
// Все методы безопасны для nil-получателя: сервисы в тестах живут без метрик.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "checkin_bids"

// Metrics содержит все коллекторы сервиса.
type Metrics struct {
	registry *prometheus.Registry

	transitions *prometheus.CounterVec
	ledgerOps   *prometheus.CounterVec
	reconcile   *prometheus.CounterVec
}

// New создаёт коллекторы на отдельном реестре (без глобального DefaultRegisterer).
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bids",
			Name:      "transitions_total",
			Help:      "Переходы ставок по статусам.",
		}, []string{"status"}),
		ledgerOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "operations_total",
			Help:      "Операции реестра кредитов по типу и результату.",
		}, []string{"op", "result"}),
		reconcile: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bids",
			Name:      "reconcile_total",
			Help:      "Результаты досылки незавершённых передач владения.",
		}, []string{"result"}),
	}
	reg.MustRegister(
		m.transitions,
		m.ledgerOps,
		m.reconcile,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	return m
}

// Transition учитывает переход ставки в статус.
func (m *Metrics) Transition(status string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(status).Inc()
}

// LedgerOp учитывает операцию реестра; err == nil — "ok".
func (m *Metrics) LedgerOp(op string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.ledgerOps.WithLabelValues(op, result).Inc()
}

// Reconciled учитывает результат обработки одного намерения передачи.
func (m *Metrics) Reconciled(result string) {
	if m == nil {
		return
	}
	m.reconcile.WithLabelValues(result).Inc()
}

// Handler отдаёт метрики в формате Prometheus.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
