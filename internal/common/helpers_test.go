package common

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPluralizeCredits(t *testing.T) {
	cases := map[int64]string{
		0:   "кредитов",
		1:   "кредит",
		2:   "кредита",
		4:   "кредита",
		5:   "кредитов",
		11:  "кредитов",
		12:  "кредитов",
		21:  "кредит",
		22:  "кредита",
		101: "кредит",
		111: "кредитов",
		-3:  "кредита",
	}
	for n, want := range cases {
		assert.Equal(t, want, PluralizeCredits(n), "n=%d", n)
	}
}

func TestFormatNumber(t *testing.T) {
	assert.Equal(t, "0", FormatNumber(0))
	assert.Equal(t, "999", FormatNumber(999))
	assert.Equal(t, "2 350", FormatNumber(2350))
	assert.Equal(t, "1 000 005", FormatNumber(1000005))
	assert.Equal(t, "-2 350", FormatNumber(-2350))
	assert.Equal(t, "+150 кредитов", FormatCreditsDelta(150))
	assert.Equal(t, "-1 кредит", FormatCreditsDelta(-1))
}

func TestNormalizeUsername(t *testing.T) {
	assert.Equal(t, "alice", NormalizeUsername(" @Alice "))
	assert.Equal(t, "bob", NormalizeUsername("bob"))
}

func TestErrorTaxonomy(t *testing.T) {
	assert.True(t, errors.Is(ErrInvalidAmount, ErrInvalidRequest))
	assert.True(t, errors.Is(ErrSelfBid, ErrInvalidRequest))
	assert.True(t, errors.Is(NewValidationError("owner", "пусто"), ErrInvalidRequest))

	assert.True(t, IsTemporary(fmt.Errorf("x: %w", ErrNetwork)))
	assert.True(t, IsTemporary(&HTTPError{Status: 503}))
	assert.True(t, IsTemporary(&HTTPError{Status: 429}))
	assert.False(t, IsTemporary(&HTTPError{Status: 404}))
	assert.False(t, IsTemporary(ErrNotFound))

	tf := &TransferFailedError{BidID: "b1", RecordID: "r1", Cause: ErrTimeout}
	wrapped := fmt.Errorf("accept: %w", tf)
	assert.True(t, IsTransferFailed(wrapped))
	assert.True(t, errors.Is(wrapped, ErrTimeout))
}
