package store

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/chronicle/chronicle/internal/codec"
)

func TestLooksDecimalAcceptsSignedFraction(t *testing.T) {
	require.True(t, looksDecimal("-1234.5600"))
	require.True(t, looksDecimal("0.01"))
}

func TestLooksDecimalRejectsPlainIntegerStrings(t *testing.T) {
	require.False(t, looksDecimal("42"))
	require.False(t, looksDecimal("acct-42"))
	require.False(t, looksDecimal(""))
}

func TestLooksDecimalRejectsMultipleDots(t *testing.T) {
	require.False(t, looksDecimal("1.2.3"))
}

func TestToCodecValueMapsDriverTypes(t *testing.T) {
	require.Equal(t, codec.NullValue(), toCodecValue(nil))
	require.Equal(t, codec.IntValue(5), toCodecValue(int64(5)))
	require.Equal(t, codec.IntValue(5), toCodecValue(int32(5)))
	require.Equal(t, codec.BoolValue(true), toCodecValue(true))
	require.Equal(t, codec.StringValue("acct-42"), toCodecValue("acct-42"))

	got := toCodecValue("-1234.5600")
	require.Equal(t, codec.KindDecimal, got.Kind)
	require.True(t, got.Decimal.Equal(decimal.RequireFromString("-1234.5600")))
}
