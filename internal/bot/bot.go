// Package bot содержит Telegram-фронтенд: цикл обновлений, разбор команд
// и маршрутизацию к обработчикам реестра, ставок и админки.
package bot

import (
	"context"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	log "github.com/sirupsen/logrus"

	"serotonyl.ru/checkin-bids/internal/bot/filters"
	"serotonyl.ru/checkin-bids/internal/bot/middleware"
	"serotonyl.ru/checkin-bids/internal/config"
	"serotonyl.ru/checkin-bids/internal/features/admin"
	"serotonyl.ru/checkin-bids/internal/features/bids"
	"serotonyl.ru/checkin-bids/internal/features/ledger"
)

const helpText = `Команды:
!кредиты — баланс, заморожено, доступно
!ставка здание <запись> @владелец сумма [сообщение]
!контр <id> сумма [сообщение] — встречная цена (владелец)
!принять <id> контакт — принять ставку
!отклонить <id> [сообщение] — отказ (владелец)
!отменить <id> — отменить ставку
!входящие — ставки на мои записи
!исходящие — мои ставки
!новые — сколько ставок ждут ответа`

// Onboarder заводит запись реестра новому пользователю.
type Onboarder interface {
	InitializeIfNew(ctx context.Context, username string, initial int64) (bool, error)
}

// Bot — главная структура бота, объединяющая все компоненты.
type Bot struct {
	api *tgbotapi.BotAPI
	cfg *config.Config

	chatFilter  *filters.ChatFilter
	rateLimiter *middleware.RateLimiter

	onboarder     Onboarder
	ledgerHandler *ledger.Handler
	bidsHandler   *bids.Handler
	adminHandler  *admin.Handler

	parser *CommandParser

	// ограничитель параллелизма обработки апдейтов
	inflight chan struct{}
}

// New создаёт новый экземпляр бота со всеми зависимостями.
func New(
	api *tgbotapi.BotAPI,
	cfg *config.Config,
	onboarder Onboarder,
	ledgerHandler *ledger.Handler,
	bidsHandler *bids.Handler,
	adminHandler *admin.Handler,
) *Bot {
	maxInFlight := cfg.BotMaxInflight
	if maxInFlight <= 0 {
		maxInFlight = 64
	}

	b := &Bot{
		api:           api,
		cfg:           cfg,
		rateLimiter:   middleware.NewRateLimiter(cfg.RateLimitRequests, cfg.RateLimitWindow),
		onboarder:     onboarder,
		ledgerHandler: ledgerHandler,
		bidsHandler:   bidsHandler,
		adminHandler:  adminHandler,
		parser:        NewCommandParser(),
		inflight:      make(chan struct{}, maxInFlight),
	}
	b.chatFilter = filters.NewChatFilter(b.sendMessage)
	return b
}

// Start запускает polling обновлений от Telegram. Блокируется до отмены ctx.
func (b *Bot) Start(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = b.cfg.BotUpdateTimeoutSeconds

	updates := b.api.GetUpdatesChan(u)

	log.WithFields(log.Fields{
		"max_inflight": cap(b.inflight),
		"timeout_sec":  b.cfg.BotUpdateTimeoutSeconds,
		"bot":          b.api.Self.UserName,
	}).Info("Бот запущен и ожидает сообщения...")

	for {
		select {
		case <-ctx.Done():
			log.Info("Бот останавливается (ctx done)...")
			b.api.StopReceivingUpdates()
			return

		case update, ok := <-updates:
			if !ok {
				log.Info("Канал updates закрыт, бот остановлен")
				return
			}

			// лимит параллелизма
			b.inflight <- struct{}{}
			go func(upd tgbotapi.Update) {
				defer func() { <-b.inflight }()
				b.handleUpdate(ctx, upd)
			}(update)
		}
	}
}

// Close освобождает фоновые ресурсы бота.
func (b *Bot) Close() {
	b.rateLimiter.Close()
}

// handleUpdate обрабатывает одно обновление от Telegram.
func (b *Bot) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	defer middleware.RecoverFromPanic(log.Fields{"update_id": update.UpdateID})

	if update.Message == nil || update.Message.Text == "" {
		return
	}
	message := update.Message
	middleware.LogMessage(message)

	username, ok := b.chatFilter.CheckAccess(message)
	if !ok {
		return
	}

	if !b.rateLimiter.Allow(message.From.ID) {
		log.WithField("user_id", message.From.ID).Debug("rate limited")
		return
	}

	chatID := message.Chat.ID
	userID := message.From.ID

	if b.cfg.LedgerStartingBalance > 0 {
		created, err := b.onboarder.InitializeIfNew(ctx, username, b.cfg.LedgerStartingBalance)
		if err != nil {
			log.WithError(err).WithField("username", username).Warn("InitializeIfNew failed")
		} else if created {
			log.WithField("username", username).Info("Новый пользователь получил стартовый баланс")
		}
	}

	if b.cfg.IsAdmin(userID) && b.adminHandler.HandleAdminMessage(ctx, chatID, userID, message.Text) {
		return
	}

	cmd, args, isCommand := b.parser.ParseCommand(message.Text)
	log.WithFields(log.Fields{
		"isCommand": isCommand,
		"cmd":       cmd,
		"args":      args,
	}).Debug("parsed command")

	if isCommand {
		b.routeCommand(ctx, chatID, username, cmd, args)
	}
}

// routeCommand маршрутизирует команду к нужному обработчику.
func (b *Bot) routeCommand(ctx context.Context, chatID int64, username, cmd string, args []string) {
	switch cmd {
	case "start", "help", "помощь":
		b.sendMessage(chatID, helpText)

	case "кредиты", "баланс":
		b.ledgerHandler.HandleCredits(ctx, chatID, username)

	case "ставка":
		b.bidsHandler.HandleCreate(ctx, chatID, username, args)

	case "контр":
		b.bidsHandler.HandleCounter(ctx, chatID, username, args)

	case "принять":
		b.bidsHandler.HandleAccept(ctx, chatID, username, args)

	case "отклонить":
		b.bidsHandler.HandleReject(ctx, chatID, username, args)

	case "отменить":
		b.bidsHandler.HandleCancel(ctx, chatID, username, args)

	case "входящие":
		b.bidsHandler.HandleReceived(ctx, chatID, username)

	case "исходящие":
		b.bidsHandler.HandleSent(ctx, chatID, username)

	case "новые":
		b.bidsHandler.HandleUnread(ctx, chatID, username)
	}
}

// sendMessage — утилита для отправки сообщений.
func (b *Bot) sendMessage(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := b.api.Send(msg); err != nil {
		log.WithError(err).WithField("chat_id", chatID).Error("Ошибка отправки сообщения")
	}
}

// CommandParser парсит русские команды с префиксами !, . и /.
type CommandParser struct {
	validPrefixes []string
}

// NewCommandParser создаёт парсер команд.
func NewCommandParser() *CommandParser {
	return &CommandParser{
		validPrefixes: []string{"!", ".", "/"},
	}
}

// ParseCommand разбирает текст на команду и аргументы.
// Суффикс @botname у команды отбрасывается: /help@bids_bot → help.
func (p *CommandParser) ParseCommand(text string) (string, []string, bool) {
	text = strings.TrimSpace(text)

	hasPrefix := false
	for _, prefix := range p.validPrefixes {
		if strings.HasPrefix(text, prefix) {
			text = strings.TrimPrefix(text, prefix)
			hasPrefix = true
			break
		}
	}
	if !hasPrefix {
		return "", nil, false
	}

	parts := strings.Fields(text)
	if len(parts) == 0 {
		return "", nil, false
	}

	command := strings.ToLower(parts[0])
	if i := strings.Index(command, "@"); i > 0 {
		command = command[:i]
	}

	var args []string
	if len(parts) > 1 {
		args = parts[1:]
	}
	return command, args, true
}
