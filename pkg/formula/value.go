package formula

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/ethpandaops/tally/pkg/dataset"
	"github.com/spf13/cast"
)

// Number converts a value to float64. Missing or non-numeric values are NaN.
func Number(v any) float64 {
	f, ok := numeric(v)
	if !ok {
		return math.NaN()
	}

	return f
}

func numeric(v any) (float64, bool) {
	switch tv := v.(type) {
	case nil:
		return 0, false
	case float64:
		return tv, true
	case int64:
		return float64(tv), true
	case int:
		return float64(tv), true
	case bool:
		if tv {
			return 1, true
		}

		return 0, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(tv), 64)
		if err != nil {
			return 0, false
		}

		return f, true
	case time.Time:
		return 0, false
	}

	f, err := cast.ToFloat64E(v)
	if err != nil {
		return 0, false
	}

	return f, true
}

// Truthy is the boolean cast used by logical operators and case guards. NaN is false.
func Truthy(v any) bool {
	switch tv := v.(type) {
	case nil:
		return false
	case bool:
		return tv
	case float64:
		return !math.IsNaN(tv) && tv != 0
	case int64:
		return tv != 0
	case int:
		return tv != 0
	case string:
		return tv != ""
	case time.Time:
		return !tv.IsZero()
	}

	return cast.ToBool(v)
}

// Missing reports whether v is absent or NaN
func Missing(v any) bool {
	if v == nil {
		return true
	}

	f, ok := v.(float64)

	return ok && math.IsNaN(f)
}

func isNumberKind(v any) bool {
	switch v.(type) {
	case float64, int64, int, bool:
		return true
	}

	return false
}

func asTime(v any) (time.Time, bool) {
	switch tv := v.(type) {
	case time.Time:
		return tv, true
	case string:
		t, err := dataset.ParseDate(tv)
		if err != nil {
			return time.Time{}, false
		}

		return t, true
	}

	return time.Time{}, false
}

// compare orders a against b. ok is false when the values are not comparable.
func compare(a, b any) (int, bool) {
	if Missing(a) || Missing(b) {
		return 0, false
	}

	_, aTime := a.(time.Time)
	_, bTime := b.(time.Time)

	if aTime || bTime {
		ta, okA := asTime(a)
		tb, okB := asTime(b)

		if !okA || !okB {
			return 0, false
		}

		return ta.Compare(tb), true
	}

	if isNumberKind(a) || isNumberKind(b) {
		fa, okA := numeric(a)
		fb, okB := numeric(b)

		if okA && okB {
			return cmpFloat(fa, fb), true
		}
	}

	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b)), true
}

func cmpFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}

	return 0
}

// compareOp applies a comparison token to a and b
func compareOp(op TokenType, a, b any) bool {
	c, ok := compare(a, b)
	if !ok {
		return op == TokenNE
	}

	switch op {
	case TokenLT:
		return c < 0
	case TokenLE:
		return c <= 0
	case TokenGT:
		return c > 0
	case TokenGE:
		return c >= 0
	case TokenEQ:
		return c == 0
	case TokenNE:
		return c != 0
	}

	return false
}

// member reports whether a equals b for list membership: numerically when both
// sides read as numbers, otherwise by their string form.
func member(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}

	fa, okA := numeric(a)
	fb, okB := numeric(b)

	if okA && okB {
		return fa == fb
	}

	if ta, ok := a.(time.Time); ok {
		tb, ok := asTime(b)
		return ok && ta.Equal(tb)
	}

	return fmt.Sprint(a) == fmt.Sprint(b)
}
