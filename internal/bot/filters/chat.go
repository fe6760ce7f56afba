// Package filters решает, какие сообщения бот обрабатывает.
package filters

import (
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	log "github.com/sirupsen/logrus"

	"serotonyl.ru/checkin-bids/internal/common"
)

// ChatFilter пропускает только личные сообщения от пользователей с @username:
// ставки и баланс привязаны к username.
type ChatFilter struct {
	send func(chatID int64, text string)
}

// NewChatFilter создаёт фильтр. send — отправка отказа пользователю.
func NewChatFilter(send func(chatID int64, text string)) *ChatFilter {
	return &ChatFilter{send: send}
}

// CheckAccess возвращает нормализованный username отправителя и true,
// если сообщение нужно обработать.
func (f *ChatFilter) CheckAccess(message *tgbotapi.Message) (string, bool) {
	if message == nil || message.Chat == nil {
		log.WithField("component", "ChatFilter").Warn("nil message/chat")
		return "", false
	}
	if message.From == nil {
		log.WithFields(log.Fields{
			"component": "ChatFilter",
			"chat_id":   message.Chat.ID,
			"chat_type": message.Chat.Type,
		}).Warn("nil message.From (service/channel message?)")
		return "", false
	}

	logger := log.WithFields(log.Fields{
		"component": "ChatFilter",
		"chat_id":   message.Chat.ID,
		"chat_type": message.Chat.Type,
		"user_id":   message.From.ID,
	})

	if !message.Chat.IsPrivate() {
		logger.Debug("deny: not private")
		return "", false
	}

	username := common.NormalizeUsername(message.From.UserName)
	if username == "" {
		logger.Info("deny: no username")
		if f.send != nil {
			f.send(message.Chat.ID, "❌ Задайте @username в настройках Telegram: ставки и кредиты привязаны к нему")
		}
		return "", false
	}

	return username, true
}
