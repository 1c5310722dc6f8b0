package money

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseShare(t *testing.T) {
	tests := []struct {
		in      string
		want    Share
		wantErr bool
	}{
		{"1", One, false},
		{"0.6", 600_000_000, false},
		{".25", 250_000_000, false},
		{"0.333333333", 333_333_333, false},
		{"1.0", One, false},
		{"1.000000001", 0, true},
		{"2", 0, true},
		{"0.1234567891", 0, true},
		{"", 0, true},
		{"abc", 0, true},
		{"-0.5", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseShare(tt.in)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidShare)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestShareStringAndJSON(t *testing.T) {
	assert.Equal(t, "0.6", MustShare("0.60").String())
	assert.Equal(t, "1", One.String())
	assert.Equal(t, "0.000000001", Share(1).String())

	raw, err := json.Marshal(MustShare("0.4"))
	require.NoError(t, err)
	assert.Equal(t, `"0.4"`, string(raw))

	var s Share
	require.NoError(t, json.Unmarshal([]byte(`"0.125"`), &s))
	assert.Equal(t, Share(125_000_000), s)
}

func TestParseAmount(t *testing.T) {
	tests := []struct {
		value, currency string
		want            int64
		wantErr         bool
	}{
		{"12.34", "USD", 1234, false},
		{"12", "USD", 1200, false},
		{"12.3", "EUR", 1230, false},
		{"1500", "JPY", 1500, false},
		{"1.5", "JPY", 0, true},
		{"1.234", "KWD", 1234, false},
		{"1.001", "USD", 0, true},
		{"-1", "USD", 0, true},
		{"1.", "USD", 0, true},
		{"", "USD", 0, true},
		{"99999999999999999999", "USD", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.value+tt.currency, func(t *testing.T) {
			got, err := ParseAmount(tt.value, tt.currency)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidAmount)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNormalizeCurrency(t *testing.T) {
	c, err := NormalizeCurrency(" usd ")
	require.NoError(t, err)
	assert.Equal(t, "USD", c)

	for _, bad := range []string{"", "US", "USDT", "U5D"} {
		_, err := NormalizeCurrency(bad)
		assert.ErrorIs(t, err, ErrInvalidAmount, bad)
	}
}
