package debug

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/loomwork/loom"
)

// Breakpoint conditions are a small sandboxed predicate over payload fields,
// not arbitrary code: `<field path> <op> <literal>`, e.g. `amount > 100`,
// `order.status == "open"`, `tags contains "vip"`. Field paths use gjson
// syntax, so nested fields and array indexes work.

type conditionOp string

const (
	opEq       conditionOp = "=="
	opNe       conditionOp = "!="
	opGt       conditionOp = ">"
	opGe       conditionOp = ">="
	opLt       conditionOp = "<"
	opLe       conditionOp = "<="
	opContains conditionOp = "contains"
)

type condition struct {
	path    string
	op      conditionOp
	literal string
}

// ValidateCondition reports whether expr is a well-formed predicate.
func ValidateCondition(expr string) error {
	_, err := parseCondition(expr)
	return err
}

func parseCondition(expr string) (condition, error) {
	fields := strings.Fields(strings.TrimSpace(expr))
	if len(fields) != 3 {
		return condition{}, fmt.Errorf("condition must be `<field> <op> <literal>`, got %q", expr)
	}

	op := conditionOp(fields[1])
	switch op {
	case opEq, opNe, opGt, opGe, opLt, opLe, opContains:
	default:
		return condition{}, fmt.Errorf("unsupported operator %q", fields[1])
	}

	return condition{path: fields[0], op: op, literal: fields[2]}, nil
}

// EvalCondition evaluates expr against the payload. Every evaluation failure
// (malformed expression, missing field, type mismatch on an ordered
// comparison) is treated as "condition true": a breakpoint fails open to a
// break, never to a silent skip.
func EvalCondition(expr string, payload loom.Payload) bool {
	cond, err := parseCondition(expr)
	if err != nil {
		return true
	}

	value := gjson.GetBytes(payload.JSON(), cond.path)
	if !value.Exists() {
		return true
	}

	literal := strings.Trim(cond.literal, `"'`)

	switch cond.op {
	case opContains:
		return strings.Contains(value.String(), literal)
	case opEq, opNe:
		equal := compareEqual(value, literal)
		if cond.op == opEq {
			return equal
		}
		return !equal
	default:
		lhs := value.Num
		if value.Type != gjson.Number {
			return true
		}
		rhs, err := strconv.ParseFloat(literal, 64)
		if err != nil {
			return true
		}
		switch cond.op {
		case opGt:
			return lhs > rhs
		case opGe:
			return lhs >= rhs
		case opLt:
			return lhs < rhs
		default:
			return lhs <= rhs
		}
	}
}

func compareEqual(value gjson.Result, literal string) bool {
	switch value.Type {
	case gjson.Number:
		rhs, err := strconv.ParseFloat(literal, 64)
		if err != nil {
			return value.String() == literal
		}
		return value.Num == rhs
	case gjson.True, gjson.False:
		rhs, err := strconv.ParseBool(literal)
		if err != nil {
			return value.String() == literal
		}
		return value.Bool() == rhs
	default:
		return value.String() == literal
	}
}
