package marketdata

import (
	"bytes"
	"math"
	"testing"

	"github.com/klauspost/compress/zlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

// encodeFrame builds a compressed MarketUpdate the way the upstream feed
// does: protobuf body, zlib on top.
func encodeFrame(t *testing.T, typ string, prices map[string]PriceData) []byte {
	t.Helper()

	var pricesMsg []byte
	for symbol, p := range prices {
		var value []byte
		value = protowire.AppendTag(value, 1, protowire.Fixed64Type)
		value = protowire.AppendFixed64(value, math.Float64bits(p.Buy))
		value = protowire.AppendTag(value, 2, protowire.Fixed64Type)
		value = protowire.AppendFixed64(value, math.Float64bits(p.Sell))
		value = protowire.AppendTag(value, 3, protowire.Fixed64Type)
		value = protowire.AppendFixed64(value, math.Float64bits(p.Spread))

		var entry []byte
		entry = protowire.AppendTag(entry, 1, protowire.BytesType)
		entry = protowire.AppendString(entry, symbol)
		entry = protowire.AppendTag(entry, 2, protowire.BytesType)
		entry = protowire.AppendBytes(entry, value)

		pricesMsg = protowire.AppendTag(pricesMsg, 2, protowire.BytesType)
		pricesMsg = protowire.AppendBytes(pricesMsg, entry)
	}

	var body []byte
	body = protowire.AppendTag(body, 1, protowire.BytesType)
	body = protowire.AppendString(body, typ)
	body = protowire.AppendTag(body, 2, protowire.BytesType)
	body = protowire.AppendBytes(body, pricesMsg)

	// A field the decoder has never heard of.
	body = protowire.AppendTag(body, 99, protowire.VarintType)
	body = protowire.AppendVarint(body, 7)

	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	_, err := zw.Write(body)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestDecodeFrame(t *testing.T) {
	frame := encodeFrame(t, "market_update", map[string]PriceData{
		"EURUSD": {Buy: 1.10013, Sell: 1.09987, Spread: 0.00026},
		"XAUUSD": {Buy: 2412.55, Sell: 2412.05, Spread: 0.5},
	})

	update, err := DecodeFrame(frame)
	require.NoError(t, err)

	assert.Equal(t, "market_update", update.Type)
	require.Len(t, update.Prices, 2)
	assert.InDelta(t, 1.10013, update.Prices["EURUSD"].Buy, 1e-9)
	assert.InDelta(t, 1.09987, update.Prices["EURUSD"].Sell, 1e-9)
	assert.InDelta(t, 0.5, update.Prices["XAUUSD"].Spread, 1e-9)
}

func TestDecodeFrameRejectsGarbage(t *testing.T) {
	_, err := DecodeFrame([]byte{0xde, 0xad, 0xbe, 0xef})
	assert.Error(t, err)
}

func TestDecodeFrameTruncatedBody(t *testing.T) {
	var body []byte
	body = protowire.AppendTag(body, 2, protowire.BytesType)
	body = protowire.AppendVarint(body, 100) // announces 100 bytes, delivers none

	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	_, err := zw.Write(body)
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	_, err = DecodeFrame(buf.Bytes())
	assert.Error(t, err)
}
