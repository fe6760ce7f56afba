// Package ledger — handlers.go обрабатывает команду !кредиты
// (баланс, заморожено, доступно и последние движения).
package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	log "github.com/sirupsen/logrus"

	"serotonyl.ru/checkin-bids/internal/common"
)

// journalSize — сколько последних движений показывать.
const journalSize = 5

// JournalReader — хранилище, которое ведёт журнал движений (Postgres).
type JournalReader interface {
	GetJournal(ctx context.Context, username string, limit int) ([]*JournalRecord, error)
}

// Handler обрабатывает команды реестра.
type Handler struct {
	service *Service
	journal JournalReader // nil, если хранилище без журнала (Redis)
	bot     *tgbotapi.BotAPI
	loc     *time.Location // Часовой пояс для дат в журнале
}

// NewHandler создаёт обработчик. journal может быть nil.
func NewHandler(service *Service, journal JournalReader, bot *tgbotapi.BotAPI, loc *time.Location) *Handler {
	return &Handler{service: service, journal: journal, bot: bot, loc: loc}
}

// HandleCredits обрабатывает команду !кредиты.
//
// Формат ответа:
//
//	💰 Баланс: 1 000 кредитов
//	🧊 Заморожено под ставки: 150 кредитов
//	✅ Доступно: 850 кредитов
func (h *Handler) HandleCredits(ctx context.Context, chatID int64, username string) {
	e, err := h.service.GetEntry(ctx, username)
	if err != nil {
		log.WithError(err).WithField("username", username).Error("Ошибка получения баланса")
		h.sendMessage(chatID, "❌ Ошибка получения баланса")
		return
	}

	h.sendMessage(chatID, h.formatCredits(ctx, e))
}

func (h *Handler) formatCredits(ctx context.Context, e Entry) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("💰 Баланс: %s\n", common.FormatCredits(e.Total)))
	sb.WriteString(fmt.Sprintf("🧊 Заморожено под ставки: %s\n", common.FormatCredits(e.Frozen)))
	sb.WriteString(fmt.Sprintf("✅ Доступно: %s", common.FormatCredits(e.Available())))

	if h.journal == nil {
		return sb.String()
	}
	records, err := h.journal.GetJournal(ctx, e.Username, journalSize)
	if err != nil {
		log.WithError(err).WithField("username", e.Username).Warn("Не удалось получить журнал движений")
		return sb.String()
	}
	if len(records) == 0 {
		return sb.String()
	}

	sb.WriteString("\n\n📋 Последние движения:\n")
	for _, r := range records {
		line := fmt.Sprintf("• %s | %s", common.FormatDateTime(r.CreatedAt, h.loc), describeRecord(r))
		sb.WriteString(line + "\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

func describeRecord(r *JournalRecord) string {
	var parts []string
	if r.DeltaTotal != 0 {
		parts = append(parts, common.FormatCreditsDelta(r.DeltaTotal))
	}
	if r.DeltaFrozen > 0 {
		parts = append(parts, "заморожено "+common.FormatCredits(r.DeltaFrozen))
	} else if r.DeltaFrozen < 0 {
		parts = append(parts, "разморожено "+common.FormatCredits(-r.DeltaFrozen))
	}
	return fmt.Sprintf("%s (%s)", strings.Join(parts, ", "), reasonTitle(r.Reason))
}

func reasonTitle(reason string) string {
	switch reason {
	case ReasonBidHold:
		return "ставка"
	case ReasonBidRelease:
		return "возврат"
	case ReasonBidSale:
		return "сделка"
	case ReasonAdminGrant:
		return "от админа"
	case ReasonOnboarding:
		return "стартовый баланс"
	default:
		return reason
	}
}

func (h *Handler) sendMessage(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := h.bot.Send(msg); err != nil {
		log.WithError(err).Error("Ошибка отправки сообщения")
	}
}
