package ember

import (
	"fmt"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// SetParameter is a session parameter assignment produced from a SET
// pseudo-statement. It mutates cursor session state instead of being sent as
// a query.
type SetParameter struct {
	Name  string
	Value string
}

// Statement is one unit produced by SplitFormat: either literal SQL text to
// send over the wire, or a SET directive. Exactly one of the two is set.
type Statement struct {
	SQL string
	Set *SetParameter
}

// IsSet reports whether the statement is a SET directive
func (s Statement) IsSet() bool {
	return s.Set != nil
}

var setStatementRe = regexp.MustCompile(`(?is)^\s*set\s+([a-zA-Z_][a-zA-Z0-9_.]*)\s*=\s*(.*?)\s*$`)

// SplitFormat splits a query template into statements and substitutes '?'
// placeholders with literals rendered from the bound parameters.
//
// Statements are split on semicolons that are outside string literals, quoted
// identifiers and comments; empty trailing statements are dropped. A leading
// SET name=value statement becomes a SetParameter directive. When paramSets
// has more than one entry the whole pass repeats once per set, yielding
// statements in set-major order. With no parameter sets, placeholders are left
// untouched.
func SplitFormat(template string, paramSets [][]interface{}) ([]Statement, error) {
	raw, err := splitStatements(template)
	if err != nil {
		return nil, err
	}

	if len(paramSets) == 0 {
		statements := make([]Statement, 0, len(raw))
		for _, stmt := range raw {
			statements = append(statements, toStatement(stmt))
		}
		return statements, nil
	}

	statements := make([]Statement, 0, len(raw)*len(paramSets))
	for _, params := range paramSets {
		next := 0
		for _, stmt := range raw {
			formatted, consumed, err := substituteParams(stmt, params[next:])
			if err != nil {
				return nil, err
			}
			next += consumed
			statements = append(statements, toStatement(formatted))
		}
	}
	return statements, nil
}

// toStatement recognizes SET pseudo-statements
func toStatement(sql string) Statement {
	if m := setStatementRe.FindStringSubmatch(sql); m != nil {
		return Statement{Set: &SetParameter{Name: m[1], Value: trimValueQuotes(m[2])}}
	}
	return Statement{SQL: sql}
}

// trimValueQuotes strips one level of quoting from a SET value
func trimValueQuotes(v string) string {
	if len(v) >= 2 && (v[0] == '\'' && v[len(v)-1] == '\'') {
		return v[1 : len(v)-1]
	}
	return v
}

// scanState tracks the lexical context of the statement scanner
type scanState int

const (
	scanNormal scanState = iota
	scanSingleQuote
	scanDoubleQuote
	scanLineComment
	scanBlockComment
)

// splitStatements splits SQL text on statement-terminating semicolons,
// honoring string literals, quoted identifiers and comments. Empty statements
// are dropped.
func splitStatements(text string) ([]string, error) {
	var statements []string
	var current strings.Builder
	state := scanNormal

	for i := 0; i < len(text); i++ {
		ch := text[i]
		switch state {
		case scanNormal:
			switch ch {
			case ';':
				statements = append(statements, current.String())
				current.Reset()
				continue
			case '\'':
				state = scanSingleQuote
			case '"':
				state = scanDoubleQuote
			case '-':
				if i+1 < len(text) && text[i+1] == '-' {
					state = scanLineComment
				}
			case '/':
				if i+1 < len(text) && text[i+1] == '*' {
					state = scanBlockComment
				}
			}
		case scanSingleQuote:
			if ch == '\\' && i+1 < len(text) {
				current.WriteByte(ch)
				i++
				current.WriteByte(text[i])
				continue
			}
			if ch == '\'' {
				// '' stays inside the literal
				if i+1 < len(text) && text[i+1] == '\'' {
					current.WriteByte(ch)
					i++
				} else {
					state = scanNormal
				}
			}
		case scanDoubleQuote:
			if ch == '"' {
				state = scanNormal
			}
		case scanLineComment:
			if ch == '\n' {
				state = scanNormal
			}
		case scanBlockComment:
			if ch == '*' && i+1 < len(text) && text[i+1] == '/' {
				current.WriteByte(ch)
				i++
				ch = text[i]
				state = scanNormal
			}
		}
		current.WriteByte(ch)
	}

	if state == scanSingleQuote || state == scanDoubleQuote {
		return nil, NewProgrammingError("unterminated quote in query text")
	}

	statements = append(statements, current.String())

	pruned := make([]string, 0, len(statements))
	for _, stmt := range statements {
		if strings.TrimSpace(stmt) != "" {
			pruned = append(pruned, strings.TrimSpace(stmt))
		}
	}
	return pruned, nil
}

// substituteParams replaces '?' placeholders outside quotes and comments with
// rendered literals, consuming parameters in order. A literal `\?` escape
// renders as '?' without consuming a parameter. Returns the formatted
// statement and the number of parameters consumed.
func substituteParams(stmt string, params []interface{}) (string, int, error) {
	var out strings.Builder
	state := scanNormal
	consumed := 0

	for i := 0; i < len(stmt); i++ {
		ch := stmt[i]
		switch state {
		case scanNormal:
			switch ch {
			case '\\':
				if i+1 < len(stmt) && stmt[i+1] == '?' {
					out.WriteByte('?')
					i++
					continue
				}
			case '?':
				if consumed >= len(params) {
					return "", 0, NewProgrammingError(fmt.Sprintf(
						"not enough parameters provided for query: expected more than %d", len(params)))
				}
				literal, err := formatValue(params[consumed])
				if err != nil {
					return "", 0, err
				}
				out.WriteString(literal)
				consumed++
				continue
			case '\'':
				state = scanSingleQuote
			case '"':
				state = scanDoubleQuote
			case '-':
				if i+1 < len(stmt) && stmt[i+1] == '-' {
					state = scanLineComment
				}
			case '/':
				if i+1 < len(stmt) && stmt[i+1] == '*' {
					state = scanBlockComment
				}
			}
		case scanSingleQuote:
			if ch == '\\' && i+1 < len(stmt) {
				out.WriteByte(ch)
				i++
				out.WriteByte(stmt[i])
				continue
			}
			if ch == '\'' {
				if i+1 < len(stmt) && stmt[i+1] == '\'' {
					out.WriteByte(ch)
					i++
				} else {
					state = scanNormal
				}
			}
		case scanDoubleQuote:
			if ch == '"' {
				state = scanNormal
			}
		case scanLineComment:
			if ch == '\n' {
				state = scanNormal
			}
		case scanBlockComment:
			if ch == '*' && i+1 < len(stmt) && stmt[i+1] == '/' {
				out.WriteByte(ch)
				i++
				ch = stmt[i]
				state = scanNormal
			}
		}
		out.WriteByte(ch)
	}

	return out.String(), consumed, nil
}

// formatValue renders a bound parameter as a SQL literal safe to embed in
// query text.
func formatValue(value interface{}) (string, error) {
	switch v := value.(type) {
	case nil:
		return "NULL", nil
	case bool:
		if v {
			return "true", nil
		}
		return "false", nil
	case int:
		return strconv.FormatInt(int64(v), 10), nil
	case int8:
		return strconv.FormatInt(int64(v), 10), nil
	case int16:
		return strconv.FormatInt(int64(v), 10), nil
	case int32:
		return strconv.FormatInt(int64(v), 10), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case uint:
		return strconv.FormatUint(uint64(v), 10), nil
	case uint8:
		return strconv.FormatUint(uint64(v), 10), nil
	case uint16:
		return strconv.FormatUint(uint64(v), 10), nil
	case uint32:
		return strconv.FormatUint(uint64(v), 10), nil
	case uint64:
		return strconv.FormatUint(v, 10), nil
	case float32:
		return strconv.FormatFloat(float64(v), 'g', -1, 32), nil
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64), nil
	case string:
		return quoteString(v), nil
	case []byte:
		return formatBytes(v), nil
	case time.Time:
		return "'" + formatTime(v) + "'", nil
	case decimal.Decimal:
		return v.String(), nil
	case *decimal.Decimal:
		if v == nil {
			return "NULL", nil
		}
		return v.String(), nil
	}

	// Slices of any element type render as bracketed arrays
	rv := reflect.ValueOf(value)
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		elems := make([]string, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			rendered, err := formatValue(rv.Index(i).Interface())
			if err != nil {
				return "", err
			}
			elems[i] = rendered
		}
		return "[" + strings.Join(elems, ", ") + "]", nil
	}

	return "", NewProgrammingError(fmt.Sprintf("unsupported parameter type %T", value))
}

// quoteString renders a single-quoted string literal. Embedded quotes are
// doubled and null characters become the digit 0, which the engine cannot
// otherwise represent in a literal.
func quoteString(s string) string {
	s = strings.ReplaceAll(s, "'", "''")
	s = strings.ReplaceAll(s, "\x00", "0")
	return "'" + s + "'"
}

// formatBytes renders a bytea literal with per-byte hex escapes
func formatBytes(b []byte) string {
	var out strings.Builder
	out.WriteString("E'")
	for _, c := range b {
		fmt.Fprintf(&out, "\\x%02x", c)
	}
	out.WriteString("'")
	return out.String()
}

// formatTime renders a timestamp literal. A value with a zero clock renders
// as a date; sub-second precision renders as microseconds; a non-UTC zone
// renders with its offset so timestamptz columns round-trip.
func formatTime(t time.Time) string {
	if t.Hour() == 0 && t.Minute() == 0 && t.Second() == 0 && t.Nanosecond() == 0 {
		return t.Format("2006-01-02")
	}
	layout := "2006-01-02 15:04:05"
	if t.Nanosecond() != 0 {
		layout = "2006-01-02 15:04:05.000000"
	}
	if t.Location() != time.UTC {
		layout += "-07:00"
	}
	return t.Format(layout)
}
