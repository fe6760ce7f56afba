package bids

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"serotonyl.ru/checkin-bids/internal/common"
)

func TestParseCreateArgs(t *testing.T) {
	req, err := parseCreateArgs([]string{"Здание", "R1", "@Bob", "150", "продай", "пожалуйста"})
	require.NoError(t, err)
	assert.Equal(t, "building", req.RecordType)
	assert.Equal(t, "R1", req.RecordID)
	assert.Equal(t, "bob", req.OwnerUsername)
	assert.Equal(t, int64(150), req.BidAmount)
	assert.Equal(t, "продай пожалуйста", req.Message)

	req, err = parseCreateArgs([]string{"кабинет", "O1", "alice", "10"})
	require.NoError(t, err)
	assert.Equal(t, "oval_office", req.RecordType)
	assert.Empty(t, req.Message)

	for _, args := range [][]string{
		{"здание", "R1", "@bob"},
		{"замок", "R1", "@bob", "10"},
		{"здание", "R1", "@", "10"},
		{"здание", "R1", "@bob", "-3"},
		{"здание", "R1", "@bob", "сто"},
	} {
		_, err := parseCreateArgs(args)
		assert.Error(t, err, "%v", args)
	}
}

func TestErrorText(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{common.ErrSelfBid, "❌ Нельзя делать ставку на свою запись"},
		{common.ErrInvalidAmount, "❌ Сумма должна быть положительной"},
		{common.NewValidationError("contact", "укажите контакт для связи"), "❌ Некорректный запрос: укажите контакт для связи"},
		{fmt.Errorf("заморозка: %w", common.ErrInsufficientBalance), "❌ Недостаточно свободных кредитов"},
		{fmt.Errorf("%w: запись R1", common.ErrStaleRecord), "❌ Запись уже сменила владельца"},
		{common.ErrNotFound, "❌ Ставка или запись не найдена"},
		{common.ErrInvalidTransition, "❌ Сейчас это действие недоступно для этой ставки"},
		{&common.HTTPError{Status: 500}, ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, errorText(tt.err), tt.err.Error())
	}
}

func TestFormatBidShowsContactsOnlyWhenCompleted(t *testing.T) {
	b := &Bid{
		ID:             "b1",
		RecordID:       "R1",
		RecordType:     "building",
		BidderUsername: "alice",
		OwnerUsername:  "bob",
		BidAmount:      100,
		CounterAmount:  ptr(int64(150)),
		BidderContact:  ptr("alice@x.com"),
		OwnerContact:   ptr("bob@x.com"),
		Status:         StatusAccepted,
		UpdatedAt:      time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC),
	}

	text := formatBid(b, "bob", time.UTC)
	assert.Contains(t, text, "👤 От @alice")
	assert.Contains(t, text, "🔁 Встречная цена: 150 кредитов")
	assert.Contains(t, text, "01.03.2024 12:30")
	assert.NotContains(t, text, "alice@x.com")

	b.Status = StatusCompleted
	assert.Contains(t, formatBid(b, "bob", time.UTC), "📞 Контакт покупателя: alice@x.com")
	alice := formatBid(b, "alice", time.UTC)
	assert.Contains(t, alice, "👤 Владелец @bob")
	assert.Contains(t, alice, "📞 Контакт владельца: bob@x.com")
	assert.NotContains(t, alice, "alice@x.com")
}

func TestFormatList(t *testing.T) {
	assert.Equal(t, "📥 Входящие ставки: пусто", formatList("📥 Входящие ставки", nil, "bob", time.UTC))

	list := make([]Bid, listSize+2)
	for i := range list {
		list[i] = Bid{ID: fmt.Sprintf("b%d", i), BidderUsername: "alice", OwnerUsername: "bob", Status: StatusPending}
	}
	text := formatList("📥 Входящие ставки", list, "bob", time.UTC)
	assert.Contains(t, text, "📥 Входящие ставки (12 ставок):")
	assert.Contains(t, text, "…и ещё 2")
	assert.NotContains(t, text, "🆔 b10")
}
