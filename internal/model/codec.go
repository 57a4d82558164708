package model

import (
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"
)

// Redis hashes carry heterogeneous string fields; the helpers below are the
// single place where string<->typed conversion rules live. Missing optional
// fields decode to zero values; missing required fields are errors.

func parseDec(field, v string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero, fmt.Errorf("field %s: %w", field, err)
	}
	return d, nil
}

func decField(m map[string]string, field string) (decimal.Decimal, error) {
	v, ok := m[field]
	if !ok || v == "" {
		return decimal.Zero, fmt.Errorf("field %s: missing", field)
	}
	return parseDec(field, v)
}

func decFieldOr(m map[string]string, field string, def decimal.Decimal) decimal.Decimal {
	v, ok := m[field]
	if !ok || v == "" {
		return def
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return def
	}
	return d
}

func nullDecField(m map[string]string, field string) decimal.NullDecimal {
	v, ok := m[field]
	if !ok || v == "" {
		return decimal.NullDecimal{}
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: d, Valid: true}
}

func intFieldOr(m map[string]string, field string, def int) int {
	v, ok := m[field]
	if !ok || v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func int64FieldOr(m map[string]string, field string, def int64) int64 {
	v, ok := m[field]
	if !ok || v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func putDec(m map[string]string, field string, v decimal.Decimal) {
	m[field] = v.String()
}

func putNullDec(m map[string]string, field string, v decimal.NullDecimal) {
	if v.Valid {
		m[field] = v.Decimal.String()
	}
}

func putStr(m map[string]string, field, v string) {
	if v != "" {
		m[field] = v
	}
}

// asDecimal coerces the dynamic values found in msgpack/JSON maps.
func asDecimal(v any) (decimal.Decimal, bool) {
	switch x := v.(type) {
	case nil:
		return decimal.Zero, false
	case float64:
		return decimal.NewFromFloat(x), true
	case float32:
		return decimal.NewFromFloat32(x), true
	case int:
		return decimal.NewFromInt(int64(x)), true
	case int8:
		return decimal.NewFromInt(int64(x)), true
	case int16:
		return decimal.NewFromInt(int64(x)), true
	case int32:
		return decimal.NewFromInt(int64(x)), true
	case int64:
		return decimal.NewFromInt(x), true
	case uint64:
		return decimal.NewFromUint64(x), true
	case uint32:
		return decimal.NewFromInt(int64(x)), true
	case string:
		d, err := decimal.NewFromString(x)
		return d, err == nil
	default:
		return decimal.Zero, false
	}
}

// asString coerces the dynamic values found in msgpack/JSON maps.
func asString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case []byte:
		return string(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(x, 10)
	case uint64:
		return strconv.FormatUint(x, 10)
	case bool:
		return strconv.FormatBool(x)
	default:
		return fmt.Sprintf("%v", x)
	}
}

// asInt64 coerces millisecond timestamps from dynamic maps.
func asInt64(v any) int64 {
	switch x := v.(type) {
	case int64:
		return x
	case int:
		return int64(x)
	case uint64:
		return int64(x)
	case float64:
		return int64(x)
	case string:
		n, _ := strconv.ParseInt(x, 10, 64)
		return n
	default:
		return 0
	}
}
