package condition

import (
	"fmt"
	"strings"

	cerrors "github.com/openbach-stack/conductor/internal/errors"
)

// Decode builds a condition tree from its document form:
//
//	{type: and|or|xor, left_condition: {...}, right_condition: {...}}
//	{type: and|or, conditions: [{...}, ...]}
//	{type: not, condition: {...}}
//	{type: "=="|"="|"!="|"<>"|"<="|"<"|">="|">", left_operand: {...}, right_operand: {...}}
//
// Operands are {type: value, value: x}, {type: statistic, field, job_name,
// agent_address} or {type: database, name, key, attribute}. Decode does not
// check arity; call Validate on the result.
func Decode(raw map[string]any) (Condition, error) {
	kind, _ := raw["type"].(string)
	switch strings.ToLower(kind) {
	case "and", "or", "xor":
		ops, err := decodeOperands(raw)
		if err != nil {
			return nil, err
		}
		switch strings.ToLower(kind) {
		case "and":
			return And{Operands: ops}, nil
		case "or":
			return Or{Operands: ops}, nil
		}
		return Xor{Operands: ops}, nil
	case "not":
		sub, ok := raw["condition"]
		if !ok {
			return Not{}, nil
		}
		c, err := decodeChild(sub)
		if err != nil {
			return nil, err
		}
		return Not{Operand: c}, nil
	}

	op, ok := operatorAliases[kind]
	if !ok {
		return nil, cerrors.MalformedCondition(fmt.Sprintf("unknown condition type %q", kind))
	}
	left, err := decodeOperand(raw["left_operand"])
	if err != nil {
		return nil, err
	}
	right, err := decodeOperand(raw["right_operand"])
	if err != nil {
		return nil, err
	}
	return Comparison{Op: op, Left: left, Right: right}, nil
}

var operatorAliases = map[string]Operator{
	"=":  Equal,
	"==": Equal,
	"!=": Unequal,
	"<>": Unequal,
	"<=": LowerOrEqual,
	"<":  Lower,
	">=": GreaterOrEqual,
	">":  Greater,
}

func decodeOperands(raw map[string]any) ([]Condition, error) {
	var ops []Condition
	if list, ok := raw["conditions"].([]any); ok {
		for _, item := range list {
			c, err := decodeChild(item)
			if err != nil {
				return nil, err
			}
			ops = append(ops, c)
		}
		return ops, nil
	}
	for _, key := range []string{"left_condition", "right_condition"} {
		sub, ok := raw[key]
		if !ok {
			continue
		}
		c, err := decodeChild(sub)
		if err != nil {
			return nil, err
		}
		ops = append(ops, c)
	}
	return ops, nil
}

func decodeChild(v any) (Condition, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return nil, cerrors.MalformedCondition(fmt.Sprintf("condition must be a mapping, got %T", v))
	}
	return Decode(m)
}

func decodeOperand(v any) (Operand, error) {
	if v == nil {
		return nil, cerrors.MalformedCondition("comparison requires two operands")
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, cerrors.MalformedCondition(fmt.Sprintf("operand must be a mapping, got %T", v))
	}
	kind, _ := m["type"].(string)
	switch kind {
	case "value":
		lit, ok := m["value"]
		if !ok {
			return nil, cerrors.MalformedCondition("value operand requires value")
		}
		return Value{Literal: lit}, nil
	case "statistic":
		return Statistic{
			Field: str(m["field"]),
			Job:   str(m["job_name"]),
			Agent: str(m["agent_address"]),
		}, nil
	case "database":
		return Database{
			Name:      str(m["name"]),
			Key:       str(m["key"]),
			Attribute: str(m["attribute"]),
		}, nil
	}
	return nil, cerrors.MalformedCondition(fmt.Sprintf("unknown operand type %q", kind))
}

// str renders scalar document values as strings; numeric keys are common.
func str(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	}
	return fmt.Sprint(v)
}
