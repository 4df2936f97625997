package dataset

import (
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"strconv"
	"strings"
	"time"
)

// Kind is the type of a single cell.
type Kind int

const (
	KindNull Kind = iota
	KindNumber
	KindText
	KindBool
	KindDate
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindNumber:
		return "number"
	case KindText:
		return "text"
	case KindBool:
		return "bool"
	case KindDate:
		return "date"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Value is one cell of a dataset. The zero value is a missing cell.
type Value struct {
	kind Kind
	num  float64
	str  string
	b    bool
	t    time.Time
}

func Null() Value               { return Value{} }
func Number(f float64) Value    { return Value{kind: KindNumber, num: f} }
func Text(s string) Value       { return Value{kind: KindText, str: s} }
func Bool(b bool) Value         { return Value{kind: KindBool, b: b} }
func Date(t time.Time) Value    { return Value{kind: KindDate, t: t} }
func (v Value) Kind() Kind      { return v.kind }
func (v Value) IsNull() bool    { return v.kind == KindNull }
func (v Value) Str() string     { return v.str }
func (v Value) BoolVal() bool   { return v.b }
func (v Value) Time() time.Time { return v.t }

// FromAny converts a Go value into a cell. Empty strings and NaN are treated as missing.
func FromAny(x any) (Value, error) {
	switch t := x.(type) {
	case nil:
		return Null(), nil
	case Value:
		return t, nil
	case float64:
		if math.IsNaN(t) {
			return Null(), nil
		}
		return Number(t), nil
	case float32:
		return FromAny(float64(t))
	case int:
		return Number(float64(t)), nil
	case int8:
		return Number(float64(t)), nil
	case int16:
		return Number(float64(t)), nil
	case int32:
		return Number(float64(t)), nil
	case int64:
		return Number(float64(t)), nil
	case uint:
		return Number(float64(t)), nil
	case uint8:
		return Number(float64(t)), nil
	case uint16:
		return Number(float64(t)), nil
	case uint32:
		return Number(float64(t)), nil
	case uint64:
		return Number(float64(t)), nil
	case *big.Int:
		if t == nil {
			return Null(), nil
		}
		f, _ := new(big.Float).SetInt(t).Float64()
		return Number(f), nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return Text(t.String()), nil
		}
		return Number(f), nil
	case string:
		if strings.TrimSpace(t) == "" {
			return Null(), nil
		}
		return Text(t), nil
	case []byte:
		return FromAny(string(t))
	case bool:
		return Bool(t), nil
	case time.Time:
		if t.IsZero() {
			return Null(), nil
		}
		return Date(t), nil
	case interface{ Float64() float64 }:
		return Number(t.Float64()), nil
	case fmt.Stringer:
		return FromAny(t.String())
	default:
		return Null(), fmt.Errorf("unsupported cell type %T", x)
	}
}

// Any returns the cell as a plain Go value: nil, float64, string, bool or time.Time.
func (v Value) Any() any {
	switch v.kind {
	case KindNumber:
		return v.num
	case KindText:
		return v.str
	case KindBool:
		return v.b
	case KindDate:
		return v.t
	default:
		return nil
	}
}

// Float returns the numeric reading of the cell. Text cells are parsed leniently
// (currency symbols, thousands separators and percent signs are ignored).
func (v Value) Float() (float64, bool) {
	switch v.kind {
	case KindNumber:
		return v.num, true
	case KindText:
		return ParseNumber(v.str)
	default:
		return 0, false
	}
}

// String renders the cell for display and for text matching.
func (v Value) String() string {
	switch v.kind {
	case KindNumber:
		return FormatNumber(v.num)
	case KindText:
		return v.str
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindDate:
		if v.t.Hour() == 0 && v.t.Minute() == 0 && v.t.Second() == 0 && v.t.Nanosecond() == 0 {
			return v.t.Format("2006-01-02")
		}
		return v.t.Format(time.RFC3339)
	default:
		return ""
	}
}

func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindNumber:
		if math.IsInf(v.num, 0) || math.IsNaN(v.num) {
			return []byte("null"), nil
		}
		return []byte(FormatNumber(v.num)), nil
	case KindDate:
		return json.Marshal(v.String())
	default:
		return json.Marshal(v.Any())
	}
}

func (v *Value) UnmarshalJSON(data []byte) error {
	var x any
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.UseNumber()
	if err := dec.Decode(&x); err != nil {
		return err
	}
	nv, err := FromAny(x)
	if err != nil {
		return err
	}
	*v = nv
	return nil
}

// Equal reports whether two cells hold the same value. Numbers compare numerically
// against numeric-looking text.
func (v Value) Equal(o Value) bool {
	if v.kind == KindNull || o.kind == KindNull {
		return v.kind == o.kind
	}
	if a, ok := v.Float(); ok {
		if b, ok := o.Float(); ok {
			return a == b
		}
	}
	if v.kind == KindDate && o.kind == KindDate {
		return v.t.Equal(o.t)
	}
	return strings.EqualFold(v.String(), o.String())
}

// Compare orders two cells. Missing cells sort first, numbers compare numerically,
// dates chronologically, everything else by case-insensitive text.
func Compare(a, b Value) int {
	switch {
	case a.kind == KindNull && b.kind == KindNull:
		return 0
	case a.kind == KindNull:
		return -1
	case b.kind == KindNull:
		return 1
	}
	if x, ok := a.Float(); ok {
		if y, ok := b.Float(); ok {
			switch {
			case x < y:
				return -1
			case x > y:
				return 1
			}
			return 0
		}
	}
	if a.kind == KindDate && b.kind == KindDate {
		return a.t.Compare(b.t)
	}
	if a.kind == KindBool && b.kind == KindBool {
		switch {
		case a.b == b.b:
			return 0
		case !a.b:
			return -1
		}
		return 1
	}
	return strings.Compare(strings.ToLower(a.String()), strings.ToLower(b.String()))
}

// ParseNumber parses s as a number, tolerating currency symbols, thousands
// separators, a trailing percent sign and accounting-style parentheses.
func ParseNumber(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	neg := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		neg = true
		s = s[1 : len(s)-1]
	}
	s = strings.TrimSuffix(s, "%")
	s = strings.Map(func(r rune) rune {
		switch r {
		case '$', '€', '£', '¥', ',', ' ', '_':
			return -1
		}
		return r
	}, s)
	if s == "" || strings.ContainsAny(s, "xX") {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	if neg {
		f = -f
	}
	return f, true
}

// FormatNumber renders f canonically: rounded to 10 decimal places, no exponent,
// no trailing zeros.
func FormatNumber(f float64) string {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		return strconv.FormatFloat(f, 'f', 0, 64)
	}
	s := strconv.FormatFloat(f, 'f', 10, 64)
	s = strings.TrimRight(s, "0")
	s = strings.TrimSuffix(s, ".")
	if s == "-0" {
		return "0"
	}
	return s
}

// RoundNumber rounds f to 10 decimal places, removing float noise such as 0.30000000000000004.
func RoundNumber(f float64) float64 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return f
	}
	r, err := strconv.ParseFloat(strconv.FormatFloat(f, 'f', 10, 64), 64)
	if err != nil {
		return f
	}
	return r
}

var dateLayouts = []string{
	"2006-01-02",
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006/01/02",
	"01/02/2006",
	"1/2/2006",
	"02-Jan-2006",
	"Jan 2, 2006",
	"January 2, 2006",
	"2 Jan 2006",
	"Jan-2006",
	"January 2006",
}

// ParseDate parses s with the recognized date layouts. Month/day order is read as US
// (MM/DD/YYYY) when ambiguous.
func ParseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if len(s) < 6 {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// AsDate returns the date reading of the cell, parsing text cells.
func (v Value) AsDate() (time.Time, bool) {
	switch v.kind {
	case KindDate:
		return v.t, true
	case KindText:
		return ParseDate(v.str)
	default:
		return time.Time{}, false
	}
}
