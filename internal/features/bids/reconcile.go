package bids

import (
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"serotonyl.ru/checkin-bids/internal/common"
)

// ReconcileReport — итог одного прохода сверки.
type ReconcileReport struct {
	Claimed   int // Сколько намерений взято в работу
	Completed int // Доведены до completed
	Conflicts int // Запись ушла другому, ставка отменена
	Failed    int // Снова не получилось, попробуем позже
}

func (r ReconcileReport) String() string {
	return fmt.Sprintf("взято %d, завершено %d, конфликтов %d, ошибок %d",
		r.Claimed, r.Completed, r.Conflicts, r.Failed)
}

// Reconcile продолжает брошенные сделки: намерения, застрявшие между
// передачей владения, расчётом и отметкой ставки. Берёт не больше limit
// намерений, пропускает исчерпавшие maxAttempts попыток.
func (s *Service) Reconcile(ctx context.Context, limit, maxAttempts int) (ReconcileReport, error) {
	var report ReconcileReport

	intents, err := s.intents.Claim(ctx, limit, maxAttempts, s.grace)
	if err != nil {
		return report, err
	}
	report.Claimed = len(intents)

	for _, in := range intents {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}

		_, err := s.runIntent(ctx, in)
		var result string
		switch {
		case err == nil:
			result = "completed"
			report.Completed++
		case errors.Is(err, common.ErrStaleRecord):
			result = "conflict"
			report.Conflicts++
		default:
			result = "failed"
			report.Failed++
		}
		s.metrics.Reconciled(result)

		log.WithFields(log.Fields{
			"bid_id":   in.BidID,
			"state":    in.State,
			"attempts": in.Attempts,
			"result":   result,
		}).Debug("Сверка намерения")
	}

	if report.Claimed > 0 {
		log.WithField("report", report.String()).Info("Сверка сделок выполнена")
	}
	return report, nil
}
