// Package common содержит общие утилиты, используемые во всём проекте:
// склонение слова «кредит», форматирование сумм и дат для ответов бота.
package common

import (
	"fmt"
	"strings"
	"time"
)

// Pluralize выбирает форму слова по правилам русского языка.
//
//   - n%10==1 И n%100!=11 → one (1, 21, 101)
//   - n%10 в [2,3,4] И n%100 НЕ в [12,13,14] → few (2, 3, 24)
//   - остальные → many (0, 5-20, 100)
func Pluralize(n int64, one, few, many string) string {
	if n < 0 {
		n = -n
	}
	lastDigit := n % 10
	lastTwoDigits := n % 100

	if lastDigit == 1 && lastTwoDigits != 11 {
		return one
	}
	if lastDigit >= 2 && lastDigit <= 4 && (lastTwoDigits < 12 || lastTwoDigits > 14) {
		return few
	}
	return many
}

// PluralizeCredits возвращает форму слова «кредит» для числа n.
//
//	PluralizeCredits(1)  → "кредит"
//	PluralizeCredits(3)  → "кредита"
//	PluralizeCredits(11) → "кредитов"
func PluralizeCredits(n int64) string {
	return Pluralize(n, "кредит", "кредита", "кредитов")
}

// PluralizeBids возвращает форму слова «ставка».
func PluralizeBids(n int64) string {
	return Pluralize(n, "ставка", "ставки", "ставок")
}

// FormatCredits форматирует сумму: FormatCredits(150) → "150 кредитов"
func FormatCredits(amount int64) string {
	return fmt.Sprintf("%s %s", FormatNumber(amount), PluralizeCredits(amount))
}

// FormatDateTime форматирует время в "02.01.2006 15:04" в часовом поясе loc.
// nil loc — UTC.
func FormatDateTime(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format("02.01.2006 15:04")
}

// NormalizeUsername убирает @ и пробелы, приводит к нижнему регистру.
// Telegram-username регистронезависимы, ставки храним в нижнем регистре.
func NormalizeUsername(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "@")
	return strings.ToLower(s)
}
