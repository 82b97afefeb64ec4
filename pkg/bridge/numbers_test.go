package bridge

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeNumber(t *testing.T) {
	cases := []struct {
		name string
		in   string
		out  string
	}{
		{"ten digit domestic", "5551234567", "+15551234567"},
		{"eleven digit with country code", "15551234567", "+15551234567"},
		{"already international", "+15551234567", "+15551234567"},
		{"international with spaces", "+44 20 7946 0958", "+442079460958"},
		{"formatted domestic", "(555) 123-4567", "+15551234567"},
		{"dashes and dots", "555.123.4567", "+15551234567"},
		{"short code best effort", "88202", "+88202"},
		{"no digits at all", " hello ", "hello"},
		{"empty", "", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.out, NormalizeNumber(tc.in))
		})
	}
}

func TestNormalizeNumberIdempotent(t *testing.T) {
	inputs := []string{"5551234567", "+44 20 7946 0958", "15551234567", "88202", ""}
	for _, in := range inputs {
		once := NormalizeNumber(in)
		assert.Equal(t, once, NormalizeNumber(once), "input %q", in)
	}
}
