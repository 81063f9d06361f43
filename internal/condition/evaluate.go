package condition

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	cerrors "github.com/openbach-stack/conductor/internal/errors"
	"github.com/openbach-stack/conductor/internal/placeholder"
)

// Resolver supplies operand values. Statistic and Record return a nil value
// with no error when nothing has been produced yet.
type Resolver interface {
	Argument(name string) (string, bool)
	Statistic(ctx context.Context, s Statistic) (any, error)
	Record(ctx context.Context, d Database) (any, error)
}

// Evaluate computes the truth value of c.
func Evaluate(ctx context.Context, c Condition, r Resolver) (bool, error) {
	switch n := c.(type) {
	case And:
		for _, op := range n.Operands {
			v, err := Evaluate(ctx, op, r)
			if err != nil || !v {
				return false, err
			}
		}
		return true, nil
	case Or:
		for _, op := range n.Operands {
			v, err := Evaluate(ctx, op, r)
			if err != nil || v {
				return v, err
			}
		}
		return false, nil
	case Xor:
		if len(n.Operands) != 2 {
			return false, Validate(n)
		}
		a, err := Evaluate(ctx, n.Operands[0], r)
		if err != nil {
			return false, err
		}
		b, err := Evaluate(ctx, n.Operands[1], r)
		if err != nil {
			return false, err
		}
		return a != b, nil
	case Not:
		if n.Operand == nil {
			return false, Validate(n)
		}
		v, err := Evaluate(ctx, n.Operand, r)
		return !v, err
	case Comparison:
		left, err := resolve(ctx, n.Left, r)
		if err != nil {
			return false, err
		}
		right, err := resolve(ctx, n.Right, r)
		if err != nil {
			return false, err
		}
		return Compare(n.Op, left, right)
	}
	return false, Validate(c)
}

func resolve(ctx context.Context, o Operand, r Resolver) (any, error) {
	lookup := placeholder.Lookup(r.Argument)
	switch n := o.(type) {
	case Value:
		if s, ok := n.Literal.(string); ok {
			expanded, err := placeholder.Expand(s, lookup)
			if err != nil {
				return nil, err
			}
			return Coerce(expanded), nil
		}
		return normalize(n.Literal), nil
	case Statistic:
		var err error
		if n.Field, err = placeholder.Expand(n.Field, lookup); err != nil {
			return nil, err
		}
		if n.Job, err = placeholder.Expand(n.Job, lookup); err != nil {
			return nil, err
		}
		if n.Agent, err = placeholder.Expand(n.Agent, lookup); err != nil {
			return nil, err
		}
		v, err := r.Statistic(ctx, n)
		if err != nil {
			return nil, err
		}
		if v == nil {
			return nil, cerrors.UnresolvedReference(fmt.Sprintf("statistic %s of %s on %s", n.Field, n.Job, n.Agent))
		}
		return normalize(v), nil
	case Database:
		var err error
		if n.Key, err = placeholder.Expand(n.Key, lookup); err != nil {
			return nil, err
		}
		if n.Attribute, err = placeholder.Expand(n.Attribute, lookup); err != nil {
			return nil, err
		}
		v, err := r.Record(ctx, n)
		if err != nil {
			return nil, err
		}
		if v == nil {
			return nil, cerrors.UnresolvedReference(fmt.Sprintf("%s %s.%s", n.Name, n.Key, n.Attribute))
		}
		return normalize(v), nil
	}
	return nil, validateOperand(o)
}

// Coerce converts a literal string the way scenario authors expect:
// "true"/"false" (any case) become bools, then integers, then floats.
func Coerce(s string) any {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true":
		return true
	case "false":
		return false
	}
	if i, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
		return f
	}
	return s
}

// normalize maps Go numeric types onto int64 or float64.
func normalize(v any) any {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int8:
		return int64(n)
	case int16:
		return int64(n)
	case int32:
		return int64(n)
	case uint:
		return unsigned(uint64(n))
	case uint8:
		return int64(n)
	case uint16:
		return int64(n)
	case uint32:
		return int64(n)
	case uint64:
		return unsigned(n)
	case float32:
		return float64(n)
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i
		}
		if f, err := n.Float64(); err == nil {
			return f
		}
		return n.String()
	}
	return v
}

// unsigned keeps values beyond the int64 range as floats.
func unsigned(n uint64) any {
	if n > math.MaxInt64 {
		return float64(n)
	}
	return int64(n)
}

// Compare applies op to two resolved values.
func Compare(op Operator, left, right any) (bool, error) {
	left, right = normalize(left), normalize(right)
	lf, lnum := number(left)
	rf, rnum := number(right)

	if op.Ordering() {
		if !lnum || !rnum {
			return false, cerrors.TypeMismatch(string(op), left, right)
		}
		li, lint := left.(int64)
		ri, rint := right.(int64)
		if lint && rint {
			return order(op, compareInt(li, ri)), nil
		}
		if math.IsNaN(lf) || math.IsNaN(rf) {
			// NaN is unordered: every ordering comparison is false.
			return false, nil
		}
		return order(op, compareFloat(lf, rf)), nil
	}

	var equal bool
	switch {
	case lnum && rnum:
		li, lint := left.(int64)
		ri, rint := right.(int64)
		if lint && rint {
			equal = li == ri
		} else {
			equal = lf == rf
		}
	case lnum || rnum:
		equal = false
	default:
		equal = comparableEqual(left, right)
	}

	switch op {
	case Equal:
		return equal, nil
	case Unequal:
		return !equal, nil
	}
	return false, cerrors.MalformedCondition(fmt.Sprintf("unknown operator %q", op))
}

func comparableEqual(a, b any) bool {
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	}
	return false
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case int64:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func compareInt(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func compareFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func order(op Operator, cmp int) bool {
	switch op {
	case LowerOrEqual:
		return cmp <= 0
	case Lower:
		return cmp < 0
	case GreaterOrEqual:
		return cmp >= 0
	case Greater:
		return cmp > 0
	}
	return false
}
