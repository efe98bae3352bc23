package codec_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/chronicle/chronicle/internal/codec"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	b := codec.Batch{
		TransactionID: "TXN_1",
		Timestamp:     1_700_000_000_000,
		Entries: []codec.Entry{
			{
				DBName:    "d1",
				TableName: "t",
				Operation: codec.OpUpsert,
				Data: map[string]codec.Value{
					"id":      codec.IntValue(1),
					"v":       codec.StringValue("héllo wörld 日本語"),
					"nothing": codec.NullValue(),
					"active":  codec.BoolValue(true),
					"ratio":   codec.FloatValue(3.14159),
					"amount":  codec.DecimalValue(decimal.RequireFromString("-1234.5600")),
				},
			},
			{
				DBName:    "d2",
				TableName: "u",
				Operation: codec.OpDelete,
				Data: map[string]codec.Value{
					"id": codec.IntValue(2),
				},
			},
		},
	}

	body, err := codec.Encode(b)
	require.NoError(t, err)

	got, err := codec.Decode(body)
	require.NoError(t, err)

	require.Equal(t, b.TransactionID, got.TransactionID)
	require.Equal(t, b.Timestamp, got.Timestamp)
	require.Len(t, got.Entries, len(b.Entries))
	for i, e := range b.Entries {
		require.Equal(t, e.DBName, got.Entries[i].DBName)
		require.Equal(t, e.TableName, got.Entries[i].TableName)
		require.Equal(t, e.Operation, got.Entries[i].Operation)
		for k, v := range e.Data {
			gv, ok := got.Entries[i].Data[k]
			require.True(t, ok, "missing field %q", k)
			require.True(t, v.Equal(gv), "field %q: %+v != %+v", k, v, gv)
		}
	}
}

func TestEncodeDecodeEmptyBatch(t *testing.T) {
	b := codec.Batch{TransactionID: "TXN_2", Entries: []codec.Entry{}}
	body, err := codec.Encode(b)
	require.NoError(t, err)

	got, err := codec.Decode(body)
	require.NoError(t, err)
	require.Equal(t, "TXN_2", got.TransactionID)
	require.Empty(t, got.Entries)
}

func TestDecodeMalformed(t *testing.T) {
	_, err := codec.Decode([]byte{0xff, 0xff, 0xff})
	require.Error(t, err)
	var malformed *codec.MalformedError
	require.ErrorAs(t, err, &malformed)
}

func TestDecodeTrailingBytes(t *testing.T) {
	b := codec.Batch{TransactionID: "TXN_3", Entries: []codec.Entry{{
		DBName: "d", TableName: "t", Operation: codec.OpInsert,
		Data: map[string]codec.Value{"id": codec.IntValue(1)},
	}}}
	body, err := codec.Encode(b)
	require.NoError(t, err)

	_, err = codec.Decode(append(body, 0x01))
	require.Error(t, err)
}

func TestManyFieldsRoundTrip(t *testing.T) {
	data := make(map[string]codec.Value, 10_000)
	for i := 0; i < 10_000; i++ {
		data[fmt10000(i)] = codec.IntValue(int64(i))
	}
	b := codec.Batch{
		TransactionID: "TXN_wide",
		Entries: []codec.Entry{{
			DBName: "d", TableName: "t", Operation: codec.OpInsert, Data: data,
		}},
	}
	body, err := codec.Encode(b)
	require.NoError(t, err)
	got, err := codec.Decode(body)
	require.NoError(t, err)
	require.Len(t, got.Entries[0].Data, 10_000)
}

func fmt10000(i int) string {
	const digits = "0123456789"
	if i == 0 {
		return "f0"
	}
	out := []byte{'f'}
	for i > 0 {
		out = append(out, digits[i%10])
		i /= 10
	}
	return string(out)
}
