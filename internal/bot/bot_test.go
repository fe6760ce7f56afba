package bot

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseCommand(t *testing.T) {
	p := NewCommandParser()

	tests := []struct {
		text      string
		cmd       string
		args      []string
		isCommand bool
	}{
		{"!кредиты", "кредиты", nil, true},
		{"  .Ставка здание R1 @bob 100 продай  ", "ставка", []string{"здание", "R1", "@bob", "100", "продай"}, true},
		{"/help@bids_bot", "help", nil, true},
		{"!контр abc 150", "контр", []string{"abc", "150"}, true},
		{"привет", "", nil, false},
		{"!", "", nil, false},
		{"", "", nil, false},
	}
	for _, tt := range tests {
		cmd, args, ok := p.ParseCommand(tt.text)
		assert.Equal(t, tt.isCommand, ok, tt.text)
		assert.Equal(t, tt.cmd, cmd, tt.text)
		assert.Equal(t, tt.args, args, tt.text)
	}
}
