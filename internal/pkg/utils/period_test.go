package utils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPeriodKey(t *testing.T) {
	tests := []struct {
		name string
		args time.Time
		want string
	}{
		{args: time.Date(2026, 8, 31, 23, 59, 0, 0, time.UTC), want: "2026-08"},
		{args: time.Date(2026, 9, 1, 0, 0, 1, 0, time.UTC), want: "2026-09"},
		{args: time.Date(2026, 1, 1, 3, 0, 0, 0, time.FixedZone("EET", 2*60*60)), want: "2026-01"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, PeriodKey(tt.args))
		})
	}
}

func TestDigest(t *testing.T) {
	assert.Equal(t, Digest("olia"), Digest("olia"))
	assert.NotEqual(t, Digest("olia"), Digest("olia2"))
	assert.Len(t, Digest(""), 64)
}
