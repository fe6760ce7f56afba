// Package main — точка входа сервиса ставок.
// Загружает конфигурацию, инициализирует приложение и запускает
// Telegram-бота, HTTP API и сверку по расписанию.
// Поддерживает graceful shutdown по SIGINT/SIGTERM.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"serotonyl.ru/checkin-bids/internal/app"
	"serotonyl.ru/checkin-bids/internal/config"
)

const shutdownTimeout = 10 * time.Second

func main() {
	setupLogging()

	log.Info("=== Сервис ставок запускается ===")

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("Не удалось загрузить конфигурацию")
	}

	if level, err := log.ParseLevel(cfg.AppLogLevel); err == nil {
		log.SetLevel(level)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	application, err := app.New(ctx, cfg)
	if err != nil {
		log.WithError(err).Fatal("Не удалось инициализировать приложение")
	}
	defer application.Close()

	if err := application.Scheduler.Start(ctx); err != nil {
		log.WithError(err).Fatal("Не удалось запустить планировщик")
	}
	defer application.Scheduler.Stop()

	if application.HTTP != nil {
		go func() {
			log.WithField("addr", application.HTTP.Addr).Info("HTTP API запущен")
			if err := application.HTTP.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.WithError(err).Error("HTTP API остановился с ошибкой")
				cancel()
			}
		}()
	}

	if application.Bot != nil {
		go application.Bot.Start(ctx)
	}

	log.Info("=== Сервис готов к работе ===")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.Infof("Получен сигнал %s, останавливаемся...", sig)
	case <-ctx.Done():
		log.Warn("Контекст отменён, останавливаемся...")
	}

	cancel()

	if application.HTTP != nil {
		shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
		defer stop()
		if err := application.HTTP.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("HTTP API не остановился вовремя")
		}
	}

	log.Info("=== Сервис остановлен ===")
}

// setupLogging настраивает формат логов.
func setupLogging() {
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
	log.SetOutput(os.Stdout)
	log.SetLevel(log.DebugLevel)
}
