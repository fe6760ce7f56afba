// Package admin — handlers.go обрабатывает команды администратора в личных
// сообщениях: /login, /logout, !выдать, !сверка.
package admin

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	log "github.com/sirupsen/logrus"

	"serotonyl.ru/checkin-bids/internal/common"
	"serotonyl.ru/checkin-bids/internal/features/bids"
)

// Handler обрабатывает админ-команды.
type Handler struct {
	service *Service
	bot     *tgbotapi.BotAPI
}

// NewHandler создаёт обработчик админ-команд.
func NewHandler(service *Service, bot *tgbotapi.BotAPI) *Handler {
	return &Handler{service: service, bot: bot}
}

// HandleAdminMessage обрабатывает сообщение администратора в DM.
// Возвращает true, если сообщение было админским и обработано.
// Вызывающий проверяет, что userID входит в ADMIN_IDS.
func (h *Handler) HandleAdminMessage(ctx context.Context, chatID, userID int64, text string) bool {
	text = strings.TrimSpace(text)

	if h.service.IsAwaitingPassword(userID) && !strings.HasPrefix(text, "/") && !strings.HasPrefix(text, "!") {
		h.login(ctx, chatID, userID, text)
		return true
	}

	fields := strings.Fields(text)
	if len(fields) == 0 {
		return false
	}
	cmd := strings.ToLower(fields[0])
	args := fields[1:]

	switch cmd {
	case "/login":
		if len(args) == 0 {
			h.service.AwaitPassword(userID)
			h.sendMessage(chatID, "🔐 Введите пароль администратора:")
			return true
		}
		h.login(ctx, chatID, userID, strings.Join(args, " "))
		return true

	case "/logout":
		if err := h.service.Logout(ctx, userID); err != nil {
			log.WithError(err).Error("Ошибка выхода администратора")
		}
		h.sendMessage(chatID, "👋 Сессия закрыта")
		return true

	case "!выдать", "!сверка":
		if !h.service.HasActiveSession(ctx, userID) {
			h.sendMessage(chatID, "🔐 Сначала войдите: /login <пароль>")
			return true
		}
		if cmd == "!выдать" {
			h.grant(ctx, chatID, userID, args)
		} else {
			h.reconcile(ctx, chatID)
		}
		return true
	}

	return false
}

func (h *Handler) login(ctx context.Context, chatID, userID int64, password string) {
	err := h.service.Login(ctx, userID, password)
	switch {
	case err == nil:
		h.sendMessage(chatID, "✅ Аутентификация успешна. Команды: !выдать @user сумма, !сверка, /logout")
	case errors.Is(err, ErrWrongPassword), errors.Is(err, ErrLockedOut), errors.Is(err, ErrNoPassword):
		h.sendMessage(chatID, "❌ "+err.Error())
	default:
		log.WithError(err).Error("Ошибка входа администратора")
		h.sendMessage(chatID, "❌ Ошибка входа")
	}
}

// grant обрабатывает !выдать @user 100.
func (h *Handler) grant(ctx context.Context, chatID, adminID int64, args []string) {
	if len(args) < 2 {
		h.sendMessage(chatID, "❌ Формат: !выдать @username сумма")
		return
	}
	username := common.NormalizeUsername(args[0])
	amount, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil || amount <= 0 {
		h.sendMessage(chatID, "❌ Сумма должна быть положительным числом")
		return
	}

	entry, err := h.service.Grant(ctx, adminID, username, amount)
	if err != nil {
		if errors.Is(err, common.ErrInvalidRequest) {
			h.sendMessage(chatID, "❌ "+err.Error())
			return
		}
		log.WithError(err).Error("Ошибка выдачи кредитов")
		h.sendMessage(chatID, "❌ Ошибка выдачи кредитов")
		return
	}

	h.sendMessage(chatID, fmt.Sprintf("✅ Выдано %s @%s\nБаланс: %s",
		common.FormatCredits(amount), username, common.FormatCredits(entry.Total)))
}

// reconcile обрабатывает !сверка.
func (h *Handler) reconcile(ctx context.Context, chatID int64) {
	report, counts, err := h.service.ReconcileNow(ctx)
	if err != nil {
		log.WithError(err).Error("Ошибка ручной сверки")
		h.sendMessage(chatID, "❌ Ошибка сверки")
		return
	}
	h.sendMessage(chatID, formatReconcile(report, counts))
}

func formatReconcile(report bids.ReconcileReport, counts map[bids.IntentState]int) string {
	var sb strings.Builder
	sb.WriteString("🔄 Сверка: " + report.String())
	if len(counts) == 0 {
		return sb.String()
	}

	states := make([]string, 0, len(counts))
	for st := range counts {
		states = append(states, string(st))
	}
	sort.Strings(states)

	sb.WriteString("\n\n📊 Намерения передачи:")
	for _, st := range states {
		sb.WriteString(fmt.Sprintf("\n• %s: %d", st, counts[bids.IntentState(st)]))
	}
	return sb.String()
}

func (h *Handler) sendMessage(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := h.bot.Send(msg); err != nil {
		log.WithError(err).Error("Ошибка отправки сообщения")
	}
}
