package render

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

type helperFunc func(args []any) (any, error)

var currencySymbols = map[string]string{
	"USD": "$",
	"EUR": "€",
	"GBP": "£",
	"JPY": "¥",
}

// defaultHelpers is the closed helper set available to templates.
func defaultHelpers() map[string]helperFunc {
	return map[string]helperFunc{
		"currency":   helperCurrency,
		"date":       helperDate,
		"truncate":   helperTruncate,
		"capitalize": helperCapitalize,
		"add":        arithmeticHelper(func(a, b float64) float64 { return a + b }),
		"sub":        arithmeticHelper(func(a, b float64) float64 { return a - b }),
		"multiply":   arithmeticHelper(func(a, b float64) float64 { return a * b }),
		"eq":         helperEq,
	}
}

// currency formats an amount with its symbol: {{currency total_price "EUR"}}.
// The code defaults to USD; unknown codes are prefixed verbatim.
func helperCurrency(args []any) (any, error) {
	if len(args) < 1 || len(args) > 2 {
		return nil, fmt.Errorf("want amount and optional currency code, got %d args", len(args))
	}
	amount, err := toNumber(args[0])
	if err != nil {
		return nil, err
	}
	code := "USD"
	if len(args) == 2 {
		code = strings.ToUpper(formatValue(args[1]))
	}
	formatted := strconv.FormatFloat(amount, 'f', 2, 64)
	if symbol, ok := currencySymbols[code]; ok {
		return symbol + formatted, nil
	}
	return code + " " + formatted, nil
}

// date formats a timestamp: {{date created_at "Jan 2, 2006"}}. Accepts
// time.Time, RFC3339 strings, and unix seconds.
func helperDate(args []any) (any, error) {
	if len(args) < 1 || len(args) > 2 {
		return nil, fmt.Errorf("want value and optional layout, got %d args", len(args))
	}
	layout := "Jan 2, 2006"
	if len(args) == 2 {
		layout = formatValue(args[1])
	}

	switch value := args[0].(type) {
	case time.Time:
		return value.Format(layout), nil
	case string:
		parsed, err := time.Parse(time.RFC3339, value)
		if err != nil {
			return nil, fmt.Errorf("parse time %q: %w", value, err)
		}
		return parsed.Format(layout), nil
	case float64:
		return time.Unix(int64(value), 0).UTC().Format(layout), nil
	default:
		return nil, fmt.Errorf("cannot format %T as a date", args[0])
	}
}

func helperTruncate(args []any) (any, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("want string and length, got %d args", len(args))
	}
	s := formatValue(args[0])
	max, err := toNumber(args[1])
	if err != nil {
		return nil, err
	}
	limit := int(max)
	if limit < 0 || utf8.RuneCountInString(s) <= limit {
		return s, nil
	}
	runes := []rune(s)
	return string(runes[:limit]) + "...", nil
}

func helperCapitalize(args []any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("want one argument, got %d", len(args))
	}
	s := formatValue(args[0])
	if s == "" {
		return "", nil
	}
	r, size := utf8.DecodeRuneInString(s)
	return string(unicode.ToUpper(r)) + s[size:], nil
}

func arithmeticHelper(op func(a, b float64) float64) helperFunc {
	return func(args []any) (any, error) {
		if len(args) != 2 {
			return nil, fmt.Errorf("want two operands, got %d", len(args))
		}
		a, err := toNumber(args[0])
		if err != nil {
			return nil, err
		}
		b, err := toNumber(args[1])
		if err != nil {
			return nil, err
		}
		return op(a, b), nil
	}
}

// eq compares after numeric normalization, so "2" == 2 holds for event data
// that arrives as strings.
func helperEq(args []any) (any, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("want two operands, got %d", len(args))
	}
	a, aErr := toNumber(args[0])
	b, bErr := toNumber(args[1])
	if aErr == nil && bErr == nil {
		return a == b, nil
	}
	return formatValue(args[0]) == formatValue(args[1]), nil
}

func toNumber(v any) (float64, error) {
	switch value := v.(type) {
	case float64:
		return value, nil
	case int:
		return float64(value), nil
	case string:
		n, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			return 0, fmt.Errorf("%q is not a number", value)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("%T is not a number", v)
	}
}
