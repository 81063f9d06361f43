// Package condition implements the boolean expressions that gate scenario
// functions.
//
// A Condition is a closed tree: logical nodes (And, Or, Xor, Not) over
// Comparison leaves, each comparing two Operands. Evaluation is pure given a
// Resolver; the only I/O happens inside the Resolver when a Statistic or
// Database operand is read.
package condition

import (
	"fmt"

	cerrors "github.com/openbach-stack/conductor/internal/errors"
)

// Condition is a node of a condition tree.
type Condition interface {
	isCondition()
}

// Operand is a leaf value of a comparison.
type Operand interface {
	isOperand()
}

// And holds when every operand holds. Evaluation stops at the first false.
type And struct {
	Operands []Condition
}

// Or holds when at least one operand holds. Evaluation stops at the first true.
type Or struct {
	Operands []Condition
}

// Xor holds when exactly one of its two operands holds.
type Xor struct {
	Operands []Condition
}

// Not negates its operand.
type Not struct {
	Operand Condition
}

// Operator is a comparison operator.
type Operator string

const (
	Equal          Operator = "=="
	Unequal        Operator = "!="
	LowerOrEqual   Operator = "<="
	Lower          Operator = "<"
	GreaterOrEqual Operator = ">="
	Greater        Operator = ">"
)

// Ordering returns true for operators that need numeric operands.
func (o Operator) Ordering() bool {
	switch o {
	case LowerOrEqual, Lower, GreaterOrEqual, Greater:
		return true
	}
	return false
}

func (o Operator) valid() bool {
	return o == Equal || o == Unequal || o.Ordering()
}

// Comparison compares two operands.
type Comparison struct {
	Op    Operator
	Left  Operand
	Right Operand
}

// Value is a literal. String literals may contain $name placeholders and are
// coerced to bool, int or float when they read as one.
type Value struct {
	Literal any
}

// Statistic reads the last value of a field produced by a job on an agent
// during the current scenario instance.
type Statistic struct {
	Field string
	Job   string
	Agent string
}

// Database reads a value recorded by the conductor.
//
//	Name "function": Key is a function id, Attribute is "status",
//	"retry_performed", "skipped" or a key of the function result.
//	Name "scenario": Attribute is "id", "status", or an argument name.
type Database struct {
	Name      string
	Key       string
	Attribute string
}

// Database operand names.
const (
	DatabaseFunction = "function"
	DatabaseScenario = "scenario"
)

func (And) isCondition()        {}
func (Or) isCondition()         {}
func (Xor) isCondition()        {}
func (Not) isCondition()        {}
func (Comparison) isCondition() {}

func (Value) isOperand()     {}
func (Statistic) isOperand() {}
func (Database) isOperand()  {}

// Validate checks arity and operand shape. Problems are MalformedCondition.
func Validate(c Condition) error {
	switch n := c.(type) {
	case nil:
		return cerrors.MalformedCondition("missing condition")
	case And:
		return validateList("and", n.Operands, 2, -1)
	case Or:
		return validateList("or", n.Operands, 2, -1)
	case Xor:
		return validateList("xor", n.Operands, 2, 2)
	case Not:
		if n.Operand == nil {
			return cerrors.MalformedCondition("not requires exactly one operand")
		}
		return Validate(n.Operand)
	case Comparison:
		if !n.Op.valid() {
			return cerrors.MalformedCondition(fmt.Sprintf("unknown operator %q", n.Op))
		}
		if err := validateOperand(n.Left); err != nil {
			return err
		}
		return validateOperand(n.Right)
	}
	return cerrors.MalformedCondition(fmt.Sprintf("unknown condition node %T", c))
}

func validateList(name string, ops []Condition, min, max int) error {
	if len(ops) < min || (max >= 0 && len(ops) > max) {
		want := fmt.Sprintf("at least %d", min)
		if min == max {
			want = fmt.Sprintf("exactly %d", min)
		}
		return cerrors.MalformedCondition(fmt.Sprintf("%s requires %s operands, got %d", name, want, len(ops)))
	}
	for _, op := range ops {
		if err := Validate(op); err != nil {
			return err
		}
	}
	return nil
}

func validateOperand(o Operand) error {
	switch n := o.(type) {
	case nil:
		return cerrors.MalformedCondition("comparison requires two operands")
	case Value:
		return nil
	case Statistic:
		if n.Field == "" || n.Job == "" || n.Agent == "" {
			return cerrors.MalformedCondition("statistic operand requires field, job_name and agent_address")
		}
		return nil
	case Database:
		switch n.Name {
		case DatabaseFunction:
			if n.Key == "" || n.Attribute == "" {
				return cerrors.MalformedCondition("function database operand requires key and attribute")
			}
		case DatabaseScenario:
			if n.Attribute == "" {
				return cerrors.MalformedCondition("scenario database operand requires attribute")
			}
		default:
			return cerrors.MalformedCondition(fmt.Sprintf("unknown database operand name %q", n.Name))
		}
		return nil
	}
	return cerrors.MalformedCondition(fmt.Sprintf("unknown operand %T", o))
}

// Walk calls fn for every comparison operand of c.
func Walk(c Condition, fn func(Operand)) {
	switch n := c.(type) {
	case And:
		for _, op := range n.Operands {
			Walk(op, fn)
		}
	case Or:
		for _, op := range n.Operands {
			Walk(op, fn)
		}
	case Xor:
		for _, op := range n.Operands {
			Walk(op, fn)
		}
	case Not:
		Walk(n.Operand, fn)
	case Comparison:
		fn(n.Left)
		fn(n.Right)
	}
}
