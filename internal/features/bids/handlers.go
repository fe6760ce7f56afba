// Package bids — handlers.go обрабатывает команды ставок:
// !ставка, !контр, !принять, !отклонить, !отменить, !входящие, !исходящие, !новые.
package bids

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	log "github.com/sirupsen/logrus"

	"serotonyl.ru/checkin-bids/internal/common"
	"serotonyl.ru/checkin-bids/internal/features/ownership"
)

// listSize — сколько ставок показывать в списках.
const listSize = 10

// recordTypeAliases — как тип записи можно написать в команде.
var recordTypeAliases = map[string]string{
	"здание":                       ownership.RecordTypeBuilding,
	"building":                     ownership.RecordTypeBuilding,
	"кабинет":                      ownership.RecordTypeOvalOffice,
	"овальный":                     ownership.RecordTypeOvalOffice,
	ownership.RecordTypeOvalOffice: ownership.RecordTypeOvalOffice,
}

// Handler обрабатывает команды ставок.
type Handler struct {
	service *Service
	bot     *tgbotapi.BotAPI
	loc     *time.Location
}

// NewHandler создаёт обработчик команд ставок.
func NewHandler(service *Service, bot *tgbotapi.BotAPI, loc *time.Location) *Handler {
	return &Handler{service: service, bot: bot, loc: loc}
}

// HandleCreate обрабатывает !ставка <тип> <запись> @владелец <сумма> [текст].
//
// Ответ при успехе:
//
//	✅ Ставка отправлена @bob
//	🏢 building R1, 100 кредитов
//	🧊 Заморожено под ставку: 100 кредитов
func (h *Handler) HandleCreate(ctx context.Context, chatID int64, username string, args []string) {
	req, err := parseCreateArgs(args)
	if err != nil {
		h.sendMessage(chatID, "❌ "+err.Error()+"\nФормат: !ставка здание <запись> @владелец сумма [сообщение]")
		return
	}

	b, err := h.service.CreateBid(ctx, req, username)
	if err != nil {
		h.replyError(chatID, "создания ставки", err)
		return
	}

	text := fmt.Sprintf("✅ Ставка отправлена @%s\n🏢 %s %s, %s\n🧊 Заморожено под ставку: %s\n🆔 %s",
		b.OwnerUsername, b.RecordType, b.RecordID, common.FormatCredits(b.BidAmount),
		common.FormatCredits(b.BidAmount), b.ID)
	h.sendMessage(chatID, text)
}

// HandleCounter обрабатывает !контр <id> <сумма> [текст].
func (h *Handler) HandleCounter(ctx context.Context, chatID int64, username string, args []string) {
	if len(args) < 2 {
		h.sendMessage(chatID, "❌ Формат: !контр <id> сумма [сообщение]")
		return
	}
	amount, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil || amount <= 0 {
		h.sendMessage(chatID, "❌ Сумма должна быть положительным числом")
		return
	}

	b, err := h.service.CounterOffer(ctx, args[0], username, amount, strings.Join(args[2:], " "))
	if err != nil {
		h.replyError(chatID, "встречного предложения", err)
		return
	}
	h.sendMessage(chatID, "🔁 Встречное предложение отправлено\n\n"+formatBid(b, username, h.loc))
}

// HandleAccept обрабатывает !принять <id> <контакт>.
// Сторона определяется по тому, кто принимает: покупатель или владелец.
func (h *Handler) HandleAccept(ctx context.Context, chatID int64, username string, args []string) {
	if len(args) < 1 {
		h.sendMessage(chatID, "❌ Формат: !принять <id> контакт")
		return
	}

	current, err := h.service.GetBid(ctx, args[0], username)
	if err != nil {
		h.replyError(chatID, "принятия ставки", err)
		return
	}

	isBidder := current.BidderUsername == username
	b, err := h.service.AcceptBid(ctx, args[0], username, strings.Join(args[1:], " "), isBidder)
	if err != nil {
		if common.IsTransferFailed(err) {
			h.sendMessage(chatID, "⏳ Обе стороны согласны, но передача записи не завершилась.\n"+
				"Сделка будет доведена автоматически, можно повторить !принять позже.")
			return
		}
		h.replyError(chatID, "принятия ставки", err)
		return
	}

	if b.Status == StatusCompleted {
		h.sendMessage(chatID, "🎉 Сделка завершена\n\n"+formatBid(b, username, h.loc))
		return
	}
	h.sendMessage(chatID, "🤝 Ставка принята, ждём вторую сторону\n\n"+formatBid(b, username, h.loc))
}

// HandleReject обрабатывает !отклонить <id> [текст].
func (h *Handler) HandleReject(ctx context.Context, chatID int64, username string, args []string) {
	if len(args) < 1 {
		h.sendMessage(chatID, "❌ Формат: !отклонить <id> [сообщение]")
		return
	}
	b, err := h.service.RejectBid(ctx, args[0], username, strings.Join(args[1:], " "))
	if err != nil {
		h.replyError(chatID, "отказа", err)
		return
	}
	h.sendMessage(chatID, "❌ Ставка отклонена\n\n"+formatBid(b, username, h.loc))
}

// HandleCancel обрабатывает !отменить <id>.
func (h *Handler) HandleCancel(ctx context.Context, chatID int64, username string, args []string) {
	if len(args) < 1 {
		h.sendMessage(chatID, "❌ Формат: !отменить <id>")
		return
	}
	b, err := h.service.CancelBid(ctx, args[0], username)
	if err != nil {
		h.replyError(chatID, "отмены", err)
		return
	}
	h.sendMessage(chatID, "🚫 Ставка отменена, заморозка снята\n\n"+formatBid(b, username, h.loc))
}

// HandleReceived обрабатывает !входящие — ставки на мои записи.
func (h *Handler) HandleReceived(ctx context.Context, chatID int64, username string) {
	list, err := h.service.GetReceivedBids(ctx, username)
	if err != nil {
		h.replyError(chatID, "получения ставок", err)
		return
	}
	h.sendMessage(chatID, formatList("📥 Входящие ставки", list, username, h.loc))
}

// HandleSent обрабатывает !исходящие — мои ставки.
func (h *Handler) HandleSent(ctx context.Context, chatID int64, username string) {
	list, err := h.service.GetSentBids(ctx, username)
	if err != nil {
		h.replyError(chatID, "получения ставок", err)
		return
	}
	h.sendMessage(chatID, formatList("📤 Мои ставки", list, username, h.loc))
}

// HandleUnread обрабатывает !новые — сколько ставок ждут ответа.
func (h *Handler) HandleUnread(ctx context.Context, chatID int64, username string) {
	n, err := h.service.GetUnreadBidCount(ctx, username)
	if err != nil {
		h.replyError(chatID, "подсчёта ставок", err)
		return
	}
	if n == 0 {
		h.sendMessage(chatID, "📭 Новых ставок нет")
		return
	}
	h.sendMessage(chatID, fmt.Sprintf("📬 Ждут ответа: %d %s", n, common.PluralizeBids(int64(n))))
}

func parseCreateArgs(args []string) (CreateBidRequest, error) {
	if len(args) < 4 {
		return CreateBidRequest{}, errors.New("не хватает аргументов")
	}
	recordType, ok := recordTypeAliases[strings.ToLower(args[0])]
	if !ok {
		return CreateBidRequest{}, fmt.Errorf("неизвестный тип записи %q", args[0])
	}
	owner := common.NormalizeUsername(args[2])
	if owner == "" {
		return CreateBidRequest{}, errors.New("укажите @username владельца")
	}
	amount, err := strconv.ParseInt(args[3], 10, 64)
	if err != nil || amount <= 0 {
		return CreateBidRequest{}, errors.New("сумма должна быть положительным числом")
	}
	return CreateBidRequest{
		RecordID:      args[1],
		RecordType:    recordType,
		OwnerUsername: owner,
		BidAmount:     amount,
		Message:       strings.Join(args[4:], " "),
	}, nil
}

// errorText — сообщение пользователю для ошибки движка.
// Пустая строка — ошибка внутренняя, её нужно залогировать.
func errorText(err error) string {
	var verr *common.ValidationError
	switch {
	case errors.Is(err, common.ErrSelfBid):
		return "❌ Нельзя делать ставку на свою запись"
	case errors.Is(err, common.ErrInvalidAmount):
		return "❌ Сумма должна быть положительной"
	case errors.As(err, &verr):
		return "❌ Некорректный запрос: " + verr.Message
	case errors.Is(err, common.ErrInsufficientBalance):
		return "❌ Недостаточно свободных кредитов"
	case errors.Is(err, common.ErrStaleRecord):
		return "❌ Запись уже сменила владельца"
	case errors.Is(err, common.ErrNotFound):
		return "❌ Ставка или запись не найдена"
	case errors.Is(err, common.ErrInvalidTransition):
		return "❌ Сейчас это действие недоступно для этой ставки"
	case errors.Is(err, common.ErrInvalidRequest):
		return "❌ Некорректный запрос"
	default:
		return ""
	}
}

func (h *Handler) replyError(chatID int64, action string, err error) {
	if text := errorText(err); text != "" {
		h.sendMessage(chatID, text)
		return
	}
	log.WithError(err).Errorf("Ошибка %s", action)
	h.sendMessage(chatID, "❌ Ошибка "+action+", попробуйте позже")
}

// formatBid — карточка ставки глазами viewer.
func formatBid(b *Bid, viewer string, loc *time.Location) string {
	var sb strings.Builder
	if viewer == b.OwnerUsername {
		sb.WriteString(fmt.Sprintf("👤 От @%s\n", b.BidderUsername))
	} else {
		sb.WriteString(fmt.Sprintf("👤 Владелец @%s\n", b.OwnerUsername))
	}
	sb.WriteString(fmt.Sprintf("🏢 %s %s\n", b.RecordType, b.RecordID))
	sb.WriteString(fmt.Sprintf("💰 Ставка: %s\n", common.FormatCredits(b.BidAmount)))
	if b.CounterAmount != nil {
		sb.WriteString(fmt.Sprintf("🔁 Встречная цена: %s\n", common.FormatCredits(*b.CounterAmount)))
	}
	if hasText(b.BidderMessage) {
		sb.WriteString(fmt.Sprintf("💬 Покупатель: %s\n", *b.BidderMessage))
	}
	if hasText(b.OwnerMessage) {
		sb.WriteString(fmt.Sprintf("💬 Владелец: %s\n", *b.OwnerMessage))
	}
	if b.Status == StatusCompleted {
		if viewer == b.OwnerUsername && hasText(b.BidderContact) {
			sb.WriteString(fmt.Sprintf("📞 Контакт покупателя: %s\n", *b.BidderContact))
		}
		if viewer == b.BidderUsername && hasText(b.OwnerContact) {
			sb.WriteString(fmt.Sprintf("📞 Контакт владельца: %s\n", *b.OwnerContact))
		}
	}
	sb.WriteString(fmt.Sprintf("📌 %s\n", b.Status.Title()))
	sb.WriteString(fmt.Sprintf("🕐 %s\n", common.FormatDateTime(b.UpdatedAt, loc)))
	sb.WriteString(fmt.Sprintf("🆔 %s", b.ID))
	return sb.String()
}

func formatList(title string, list []Bid, viewer string, loc *time.Location) string {
	if len(list) == 0 {
		return title + ": пусто"
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%s (%d %s):\n", title, len(list), common.PluralizeBids(int64(len(list)))))
	for i := range list {
		if i == listSize {
			sb.WriteString(fmt.Sprintf("\n…и ещё %d", len(list)-listSize))
			break
		}
		sb.WriteString("\n" + formatBid(&list[i], viewer, loc) + "\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

func (h *Handler) sendMessage(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := h.bot.Send(msg); err != nil {
		log.WithError(err).Error("Ошибка отправки сообщения")
	}
}
