// Package jobs управляет фоновыми задачами (cron).
// scheduler.go периодически запускает сверку незавершённых сделок.
package jobs

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"

	"serotonyl.ru/checkin-bids/internal/features/bids"
)

// Reconciler — проход сверки сделок.
type Reconciler interface {
	Reconcile(ctx context.Context, limit, maxAttempts int) (bids.ReconcileReport, error)
}

// Options — расписание и размеры прохода сверки.
type Options struct {
	Schedule    string         // Cron-выражение или @every 1m
	BatchSize   int            // Намерений за один проход
	MaxAttempts int            // После стольких попыток намерение не трогаем
	Location    *time.Location // Часовой пояс расписания
}

// Scheduler управляет фоновыми задачами.
type Scheduler struct {
	cron       *cron.Cron
	reconciler Reconciler
	opts       Options
	runs       atomic.Int64
}

// NewScheduler создаёт планировщик. Пересекающиеся запуски пропускаются.
func NewScheduler(reconciler Reconciler, opts Options) *Scheduler {
	loc := opts.Location
	if loc == nil {
		loc = time.UTC
	}

	logger := cron.PrintfLogger(log.StandardLogger())
	c := cron.New(
		cron.WithLocation(loc),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)

	return &Scheduler{cron: c, reconciler: reconciler, opts: opts}
}

// Start регистрирует задачи и запускает cron. Задачи работают, пока жив ctx.
func (s *Scheduler) Start(ctx context.Context) error {
	if _, err := s.cron.AddFunc(s.opts.Schedule, func() { s.RunOnce(ctx) }); err != nil {
		return fmt.Errorf("некорректное расписание сверки %q: %w", s.opts.Schedule, err)
	}

	s.cron.Start()
	log.WithField("schedule", s.opts.Schedule).Info("Планировщик задач запущен")
	return nil
}

// RunOnce выполняет один проход сверки.
func (s *Scheduler) RunOnce(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	s.runs.Add(1)

	log.Debug("[CRON] Сверка сделок")
	report, err := s.reconciler.Reconcile(ctx, s.opts.BatchSize, s.opts.MaxAttempts)
	if err != nil {
		log.WithError(err).Error("[CRON] Ошибка сверки")
		return
	}
	if report.Failed > 0 {
		log.WithField("report", report.String()).Warn("[CRON] Часть сделок не удалось довести")
	}
}

// Runs — сколько проходов сверки запущено.
func (s *Scheduler) Runs() int64 {
	return s.runs.Load()
}

// Stop останавливает планировщик и ждёт завершения текущих задач.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	log.Info("Планировщик задач остановлен")
}
