package filter

import (
	"fmt"
	"math"
	"strings"
)

// Resolver supplies field values during evaluation.
type Resolver interface {
	Resolve(path []string) (interface{}, bool)
}

// Evaluate walks the AST as a boolean predicate. A comparison whose field
// operand is absent from the row evaluates to false rather than erroring:
// analytical payloads are sparse and a missing field simply fails the
// predicate. Type mismatches on ordered comparisons are real errors.
func Evaluate(expr Expr, r Resolver) (bool, error) {
	switch e := expr.(type) {
	case *BinaryExpr:
		left, err := Evaluate(e.Left, r)
		if err != nil {
			return false, err
		}
		switch e.Op {
		case "AND":
			if !left {
				return false, nil
			}
			return Evaluate(e.Right, r)
		case "OR":
			if left {
				return true, nil
			}
			return Evaluate(e.Right, r)
		default:
			return false, fmt.Errorf("unknown binary op %q", e.Op)
		}
	case *NotExpr:
		v, err := Evaluate(e.Expr, r)
		if err != nil {
			return false, err
		}
		return !v, nil
	case *ComparisonExpr:
		left, ok := resolveOperand(e.Left, r)
		if !ok {
			return false, nil
		}
		right, ok := resolveOperand(e.Right, r)
		if !ok {
			return false, nil
		}
		return compare(e.Op, left, right)
	default:
		return false, fmt.Errorf("unknown expr type %T", expr)
	}
}

// EvalNumber walks the AST as an arithmetic formula and returns its value.
// Only field/literal operands combined with + - * / are valid; a missing
// field or a division by zero is an error here, unlike in Evaluate, because
// a formula has no false branch to fall back to.
func EvalNumber(expr Expr, r Resolver) (float64, error) {
	switch e := expr.(type) {
	case *ComparisonExpr:
		left, err := numericOperand(e.Left, r)
		if err != nil {
			return 0, err
		}
		right, err := numericOperand(e.Right, r)
		if err != nil {
			return 0, err
		}
		switch e.Op {
		case OpAdd:
			return left + right, nil
		case OpSub:
			return left - right, nil
		case OpMul:
			return left * right, nil
		case OpDiv:
			if right == 0 {
				return 0, fmt.Errorf("division by zero")
			}
			return left / right, nil
		default:
			return 0, fmt.Errorf("operator %q is not arithmetic", e.Op)
		}
	default:
		return 0, fmt.Errorf("expression type %T is not a formula", expr)
	}
}

func resolveOperand(op Operand, r Resolver) (interface{}, bool) {
	switch o := op.(type) {
	case *LiteralOperand:
		return o.Value, true
	case *FieldOperand:
		return r.Resolve(o.Path)
	default:
		return nil, false
	}
}

func numericOperand(op Operand, r Resolver) (float64, error) {
	v, ok := resolveOperand(op, r)
	if !ok {
		if f, isField := op.(*FieldOperand); isField {
			return 0, fmt.Errorf("field %q not found", strings.Join(f.Path, "."))
		}
		return 0, fmt.Errorf("unresolvable operand")
	}
	f, ok := toFloat64(v)
	if !ok {
		return 0, fmt.Errorf("value %v is not numeric", v)
	}
	return f, nil
}

func compare(op Operator, left, right interface{}) (bool, error) {
	switch op {
	case OpEq:
		return equal(left, right), nil
	case OpNeq:
		return !equal(left, right), nil
	case OpGt, OpGte, OpLt, OpLte:
		lf, lok := toFloat64(left)
		rf, rok := toFloat64(right)
		if !lok || !rok {
			return false, fmt.Errorf("operator %s requires numeric operands, got %T and %T", op, left, right)
		}
		switch op {
		case OpGt:
			return lf > rf, nil
		case OpGte:
			return lf >= rf, nil
		case OpLt:
			return lf < rf, nil
		default:
			return lf <= rf, nil
		}
	case OpContains:
		ls, ok := left.(string)
		if !ok {
			return false, fmt.Errorf("contains: left operand must be a string, got %T", left)
		}
		return strings.Contains(ls, fmt.Sprintf("%v", right)), nil
	default:
		return false, fmt.Errorf("unknown operator %q", op)
	}
}

// equal compares numerics by value, everything else by string form.
func equal(left, right interface{}) bool {
	lf, lok := toFloat64(left)
	rf, rok := toFloat64(right)
	if lok && rok {
		return math.Abs(lf-rf) < 1e-9
	}
	if lb, ok := left.(bool); ok {
		rb, ok := right.(bool)
		return ok && lb == rb
	}
	return fmt.Sprintf("%v", left) == fmt.Sprintf("%v", right)
}

func toFloat64(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
