package marketdata

import (
	"bytes"
	"fmt"
	"io"
	"math"

	"github.com/klauspost/compress/zlib"
	"google.golang.org/protobuf/encoding/protowire"
)

// PriceData is one side pair from the feed map. Buy is the price users buy
// at (our ask), Sell the price users sell at (our bid). A zero side means
// the feed omitted it.
type PriceData struct {
	Buy    float64
	Sell   float64
	Spread float64
}

// MarketUpdate is the decoded payload of one feed frame:
//
//	MarketUpdate { type = 1 (string), data = 2 (MarketPrices) }
//	MarketPrices { prices = 2 (map<string, PriceData>) }
//	PriceData    { buy = 1, sell = 2, spread = 3 (doubles) }
type MarketUpdate struct {
	Type   string
	Prices map[string]PriceData
}

// DecodeFrame inflates one binary frame and decodes the MarketUpdate inside.
// Unknown fields are skipped so feed-side schema additions never break the
// listener.
func DecodeFrame(frame []byte) (*MarketUpdate, error) {
	zr, err := zlib.NewReader(bytes.NewReader(frame))
	if err != nil {
		return nil, fmt.Errorf("inflate: %w", err)
	}
	defer zr.Close()
	raw, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("inflate: %w", err)
	}
	return decodeMarketUpdate(raw)
}

func decodeMarketUpdate(raw []byte) (*MarketUpdate, error) {
	u := &MarketUpdate{Prices: make(map[string]PriceData)}
	for len(raw) > 0 {
		num, typ, n := protowire.ConsumeTag(raw)
		if n < 0 {
			return nil, fmt.Errorf("market update tag: %w", protowire.ParseError(n))
		}
		raw = raw[n:]
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(raw)
			if n < 0 {
				return nil, fmt.Errorf("market update type: %w", protowire.ParseError(n))
			}
			u.Type = v
			raw = raw[n:]
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(raw)
			if n < 0 {
				return nil, fmt.Errorf("market prices: %w", protowire.ParseError(n))
			}
			if err := decodeMarketPrices(v, u.Prices); err != nil {
				return nil, err
			}
			raw = raw[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, raw)
			if n < 0 {
				return nil, fmt.Errorf("market update field %d: %w", num, protowire.ParseError(n))
			}
			raw = raw[n:]
		}
	}
	return u, nil
}

func decodeMarketPrices(raw []byte, out map[string]PriceData) error {
	for len(raw) > 0 {
		num, typ, n := protowire.ConsumeTag(raw)
		if n < 0 {
			return fmt.Errorf("market prices tag: %w", protowire.ParseError(n))
		}
		raw = raw[n:]
		if num == 2 && typ == protowire.BytesType {
			v, n := protowire.ConsumeBytes(raw)
			if n < 0 {
				return fmt.Errorf("price entry: %w", protowire.ParseError(n))
			}
			symbol, data, err := decodePriceEntry(v)
			if err != nil {
				return err
			}
			if symbol != "" {
				out[symbol] = data
			}
			raw = raw[n:]
			continue
		}
		n = protowire.ConsumeFieldValue(num, typ, raw)
		if n < 0 {
			return fmt.Errorf("market prices field %d: %w", num, protowire.ParseError(n))
		}
		raw = raw[n:]
	}
	return nil
}

func decodePriceEntry(raw []byte) (string, PriceData, error) {
	var symbol string
	var data PriceData
	for len(raw) > 0 {
		num, typ, n := protowire.ConsumeTag(raw)
		if n < 0 {
			return "", data, fmt.Errorf("price entry tag: %w", protowire.ParseError(n))
		}
		raw = raw[n:]
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(raw)
			if n < 0 {
				return "", data, fmt.Errorf("price entry key: %w", protowire.ParseError(n))
			}
			symbol = v
			raw = raw[n:]
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(raw)
			if n < 0 {
				return "", data, fmt.Errorf("price entry value: %w", protowire.ParseError(n))
			}
			d, err := decodePriceData(v)
			if err != nil {
				return "", data, err
			}
			data = d
			raw = raw[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, raw)
			if n < 0 {
				return "", data, fmt.Errorf("price entry field %d: %w", num, protowire.ParseError(n))
			}
			raw = raw[n:]
		}
	}
	return symbol, data, nil
}

func decodePriceData(raw []byte) (PriceData, error) {
	var data PriceData
	for len(raw) > 0 {
		num, typ, n := protowire.ConsumeTag(raw)
		if n < 0 {
			return data, fmt.Errorf("price data tag: %w", protowire.ParseError(n))
		}
		raw = raw[n:]
		if typ == protowire.Fixed64Type && num >= 1 && num <= 3 {
			v, n := protowire.ConsumeFixed64(raw)
			if n < 0 {
				return data, fmt.Errorf("price data field %d: %w", num, protowire.ParseError(n))
			}
			f := math.Float64frombits(v)
			switch num {
			case 1:
				data.Buy = f
			case 2:
				data.Sell = f
			case 3:
				data.Spread = f
			}
			raw = raw[n:]
			continue
		}
		n = protowire.ConsumeFieldValue(num, typ, raw)
		if n < 0 {
			return data, fmt.Errorf("price data field %d: %w", num, protowire.ParseError(n))
		}
		raw = raw[n:]
	}
	return data, nil
}
