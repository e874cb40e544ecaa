package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSymbol_Forms(t *testing.T) {
	cases := map[string]Symbol{
		"1.000001":  {Exchange: ExchangeSH, Code: "000001"},
		"0.000001":  {Exchange: ExchangeSZ, Code: "000001"},
		"0.830799":  {Exchange: ExchangeBJ, Code: "830799"},
		"sh600000":  {Exchange: ExchangeSH, Code: "600000"},
		"SZ300750":  {Exchange: ExchangeSZ, Code: "300750"},
		"600000.SH": {Exchange: ExchangeSH, Code: "600000"},
		"SZ.000002": {Exchange: ExchangeSZ, Code: "000002"},
	}
	for in, want := range cases {
		got, err := ParseSymbol(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
}

func TestParseSymbol_Invalid(t *testing.T) {
	for _, in := range []string{"", "600000", "2.600000", "sh60000", "sh60000x", "XX.600000"} {
		_, err := ParseSymbol(in)
		assert.Error(t, err, in)
	}
}

func TestSymbol_Forms(t *testing.T) {
	sym := MustParseSymbol("sh600000")
	assert.Equal(t, "1.600000", sym.String())
	assert.Equal(t, "sh600000", sym.Prefixed())

	bj := MustParseSymbol("bj830799")
	assert.Equal(t, "0.830799", bj.Secid())
}

func TestDateRange(t *testing.T) {
	r := NewDateRange(Date(2024, 1, 2), Date(2024, 1, 5))
	assert.True(t, r.Valid())
	assert.True(t, r.Contains(Date(2024, 1, 2)))
	assert.True(t, r.Contains(Date(2024, 1, 5)))
	assert.False(t, r.Contains(Date(2024, 1, 6)))
	assert.Equal(t, "2024-01-02..2024-01-05", r.String())

	single := DateRange{Start: Date(2024, 1, 2), End: Date(2024, 1, 2)}
	assert.Equal(t, "2024-01-02", single.String())

	d, err := ParseDate("20240131")
	require.NoError(t, err)
	assert.Equal(t, Date(2024, 1, 31), d)
}
