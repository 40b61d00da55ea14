package ember

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Column describes one projected output field of an executed statement.
// Mirrors one entry of the response schema; immutable once parsed.
type Column struct {
	Name         string
	TypeCode     string
	DisplaySize  int
	InternalSize int
	Precision    int
	Scale        int
	NullOK       bool
}

// Value is a decoded cell value: int64, float64, string, bool, []byte,
// time.Time, decimal.Decimal, []Value or nil.
type Value = interface{}

// colKind enumerates the native type a declared column type coerces to
type colKind int

const (
	kindString colKind = iota
	kindInt
	kindFloat
	kindDecimal
	kindBool
	kindBytes
	kindDate
	kindDateTime
	kindTimestampTZ
	kindArray
)

// colType is a parsed declared type string with enough structure to drive
// value coercion.
type colType struct {
	kind      colKind
	precision int
	scale     int
	elem      *colType
	nullable  bool
}

// typeOptions carries the session SET parameters that influence decoding
type typeOptions struct {
	location     *time.Location // from the time_zone parameter, may be nil
	textualBools bool           // bool_output_format=postgres
}

// parseType parses a declared column type string into a coercer. Unknown type
// names coerce as strings, matching the engine's text fallback.
func parseType(name string) (*colType, error) {
	trimmed := strings.TrimSpace(name)
	lower := strings.ToLower(trimmed)

	// A " null" suffix marks the column nullable
	if strings.HasSuffix(lower, " null") {
		inner, err := parseType(trimmed[:len(trimmed)-len(" null")])
		if err != nil {
			return nil, err
		}
		inner.nullable = true
		return inner, nil
	}
	if strings.HasSuffix(lower, " not null") {
		return parseType(trimmed[:len(trimmed)-len(" not null")])
	}

	if strings.HasPrefix(lower, "array(") && strings.HasSuffix(lower, ")") {
		elem, err := parseType(trimmed[len("array(") : len(trimmed)-1])
		if err != nil {
			return nil, err
		}
		return &colType{kind: kindArray, elem: elem}, nil
	}

	if strings.HasPrefix(lower, "decimal(") || strings.HasPrefix(lower, "numeric(") {
		open := strings.Index(trimmed, "(")
		inner := strings.TrimSuffix(trimmed[open+1:], ")")
		parts := strings.SplitN(inner, ",", 2)
		if len(parts) != 2 {
			return nil, NewError(ErrorTypeDecode,
				fmt.Sprintf("malformed decimal type %q: precision and scale expected", name))
		}
		precision, err1 := strconv.Atoi(strings.TrimSpace(parts[0]))
		scale, err2 := strconv.Atoi(strings.TrimSpace(parts[1]))
		if err1 != nil || err2 != nil {
			return nil, NewError(ErrorTypeDecode,
				fmt.Sprintf("malformed decimal type %q: numeric precision and scale expected", name))
		}
		return &colType{kind: kindDecimal, precision: precision, scale: scale}, nil
	}

	switch lower {
	case "int", "integer", "smallint", "bigint", "long":
		return &colType{kind: kindInt}, nil
	case "float", "real", "double", "double precision":
		return &colType{kind: kindFloat}, nil
	case "string", "text", "varchar":
		return &colType{kind: kindString}, nil
	case "date", "pgdate":
		return &colType{kind: kindDate}, nil
	case "datetime", "timestamp", "timestampntz":
		return &colType{kind: kindDateTime}, nil
	case "timestamptz":
		return &colType{kind: kindTimestampTZ}, nil
	case "boolean", "bool":
		return &colType{kind: kindBool}, nil
	case "bytea":
		return &colType{kind: kindBytes}, nil
	}

	// Unknown declared types surface as their text representation
	return &colType{kind: kindString}, nil
}

// parseValue coerces a raw wire value to the native type implied by the
// declared column type. nil passes through for every type.
func parseValue(raw interface{}, t *colType, opts typeOptions) (Value, error) {
	if raw == nil {
		return nil, nil
	}

	switch t.kind {
	case kindInt:
		return parseIntValue(raw)
	case kindFloat:
		return parseFloatValue(raw)
	case kindString:
		return parseStringValue(raw)
	case kindDecimal:
		return parseDecimalValue(raw)
	case kindBool:
		return parseBoolValue(raw, opts.textualBools)
	case kindBytes:
		return parseBytesValue(raw)
	case kindDate:
		return parseDateValue(raw)
	case kindDateTime:
		return parseDateTimeValue(raw)
	case kindTimestampTZ:
		return parseTimestampTZValue(raw, opts.location)
	case kindArray:
		items, ok := raw.([]interface{})
		if !ok {
			return nil, decodeErrorf("invalid array value %v: list expected", raw)
		}
		parsed := make([]Value, len(items))
		for i, item := range items {
			v, err := parseValue(item, t.elem, opts)
			if err != nil {
				return nil, err
			}
			parsed[i] = v
		}
		return parsed, nil
	}
	return nil, decodeErrorf("unhandled column type %d", int(t.kind))
}

func decodeErrorf(format string, args ...interface{}) *Error {
	return NewError(ErrorTypeDecode, fmt.Sprintf(format, args...))
}

func parseIntValue(raw interface{}) (Value, error) {
	switch v := raw.(type) {
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i, nil
		}
		// A float encoding like "3.0" is acceptable only when it is an
		// exact in-range integer
		f, err := v.Float64()
		if err != nil || f != math.Trunc(f) || f < -1<<63 || f >= 1<<63 {
			return nil, decodeErrorf("invalid int value %q", v.String())
		}
		return int64(f), nil
	case float64:
		if v != math.Trunc(v) || v < -1<<63 || v >= 1<<63 {
			return nil, decodeErrorf("invalid int value %v", v)
		}
		return int64(v), nil
	case string:
		i, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, decodeErrorf("invalid int value %q", v)
		}
		return i, nil
	}
	return nil, decodeErrorf("invalid int value %v: number or string expected", raw)
}

func parseFloatValue(raw interface{}) (Value, error) {
	switch v := raw.(type) {
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return nil, decodeErrorf("invalid float value %q", v.String())
		}
		return f, nil
	case float64:
		return v, nil
	case string:
		// The engine encodes non-finite floats as strings
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, decodeErrorf("invalid float value %q", v)
		}
		return f, nil
	}
	return nil, decodeErrorf("invalid float value %v: number or string expected", raw)
}

func parseStringValue(raw interface{}) (Value, error) {
	switch v := raw.(type) {
	case string:
		return v, nil
	case json.Number:
		return v.String(), nil
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64), nil
	case bool:
		return strconv.FormatBool(v), nil
	}
	return nil, decodeErrorf("invalid string value %v", raw)
}

func parseDecimalValue(raw interface{}) (Value, error) {
	var text string
	switch v := raw.(type) {
	case json.Number:
		text = v.String()
	case float64:
		text = strconv.FormatFloat(v, 'f', -1, 64)
	case string:
		text = v
	default:
		return nil, decodeErrorf("invalid decimal value %v: number or string expected", raw)
	}
	d, err := decimal.NewFromString(text)
	if err != nil {
		return nil, decodeErrorf("invalid decimal value %q", text)
	}
	return d, nil
}

func parseBoolValue(raw interface{}, textual bool) (Value, error) {
	switch v := raw.(type) {
	case bool:
		return v, nil
	case json.Number:
		i, err := v.Int64()
		if err != nil {
			return nil, decodeErrorf("invalid boolean value %q", v.String())
		}
		return i != 0, nil
	case float64:
		return v != 0, nil
	case string:
		if !textual {
			return nil, decodeErrorf("invalid boolean value %q: bool or number expected", v)
		}
		switch v {
		case "t", "true":
			return true, nil
		case "f", "false":
			return false, nil
		}
		return nil, decodeErrorf("invalid boolean value %q", v)
	}
	return nil, decodeErrorf("invalid boolean value %v", raw)
}

func parseBytesValue(raw interface{}) (Value, error) {
	s, ok := raw.(string)
	if !ok {
		return nil, decodeErrorf("invalid bytes value %v: string expected", raw)
	}
	if !strings.HasPrefix(s, "\\x") {
		return nil, decodeErrorf("invalid bytes value %q: \\x prefix expected", s)
	}
	b, err := hex.DecodeString(s[2:])
	if err != nil {
		return nil, decodeErrorf("invalid bytes value %q: %v", s, err)
	}
	return b, nil
}

func parseDateValue(raw interface{}) (Value, error) {
	s, ok := raw.(string)
	if !ok {
		return nil, decodeErrorf("invalid date value %v: string expected", raw)
	}
	// A full timestamp may come back for a date column; keep the date part
	if len(s) > len("2006-01-02") {
		s = s[:len("2006-01-02")]
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return nil, decodeErrorf("invalid date value %q", s)
	}
	return t, nil
}

var dateTimeLayouts = []string{
	"2006-01-02 15:04:05.999999",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

func parseDateTimeValue(raw interface{}) (Value, error) {
	s, ok := raw.(string)
	if !ok {
		return nil, decodeErrorf("invalid datetime value %v: string expected", raw)
	}
	for _, layout := range dateTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return nil, decodeErrorf("invalid datetime value %q", s)
}

var timestampTZLayouts = []string{
	"2006-01-02 15:04:05.999999-07:00:00",
	"2006-01-02 15:04:05.999999-07:00",
	"2006-01-02 15:04:05.999999-07",
	"2006-01-02 15:04:05-07:00:00",
	"2006-01-02 15:04:05-07:00",
	"2006-01-02 15:04:05-07",
}

func parseTimestampTZValue(raw interface{}, loc *time.Location) (Value, error) {
	s, ok := raw.(string)
	if !ok {
		return nil, decodeErrorf("invalid timestamptz value %v: string expected", raw)
	}
	for _, layout := range timestampTZLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	// No offset on the wire: interpret in the session time zone when one is set
	if loc != nil {
		for _, layout := range dateTimeLayouts {
			if t, err := time.ParseInLocation(layout, s, loc); err == nil {
				return t, nil
			}
		}
	}
	return parseDateTimeValue(raw)
}

// columnFromMeta builds a Column from one response schema entry
func columnFromMeta(name, declaredType string) (Column, *colType, error) {
	parsed, err := parseType(declaredType)
	if err != nil {
		return Column{}, nil, err
	}
	col := Column{
		Name:     name,
		TypeCode: declaredType,
		NullOK:   parsed.nullable,
	}
	if parsed.kind == kindDecimal {
		col.Precision = parsed.precision
		col.Scale = parsed.scale
	}
	return col, parsed, nil
}
