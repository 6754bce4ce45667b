package formula

import (
	"math"
	"time"

	"github.com/ethpandaops/tally/pkg/dataset"
)

// Eval returns the constant
func (n *NumberLit) Eval(dataset.Row, Table) any {
	return n.Value
}

// Eval returns the constant
func (n *StringLit) Eval(dataset.Row, Table) any {
	return n.Value
}

// Eval reads the column from row. Text stored in a datetime column is parsed as a date.
func (n *Variable) Eval(row dataset.Row, table Table) any {
	v := row[n.Name]

	s, ok := v.(string)
	if !ok || table == nil {
		return v
	}

	if simple, ok := table.ColumnType(n.Name); ok && simple == dataset.TypeDatetime {
		t, err := dataset.ParseDate(s)
		if err != nil {
			return nil
		}

		return t
	}

	return v
}

func (n *Unary) Eval(row dataset.Row, table Table) any {
	v := Number(n.Operand.Eval(row, table))
	if n.Op == TokenMinus {
		return -v
	}

	return v
}

func (n *Binary) Eval(row dataset.Row, table Table) any {
	left := Number(n.Left.Eval(row, table))
	right := Number(n.Right.Eval(row, table))

	switch n.Op {
	case TokenPlus:
		return left + right
	case TokenMinus:
		return left - right
	case TokenStar:
		return left * right
	case TokenSlash:
		out := left / right
		if math.IsInf(out, 0) {
			return math.NaN()
		}

		return out
	case TokenCaret:
		return math.Pow(left, right)
	}

	return math.NaN()
}

// Eval is true when every adjacent pair holds; evaluation stops at the first failing pair
func (n *Comparison) Eval(row dataset.Row, table Table) any {
	left := n.Operands[0].Eval(row, table)

	for i, op := range n.Ops {
		right := n.Operands[i+1].Eval(row, table)
		if !compareOp(op, left, right) {
			return false
		}

		left = right
	}

	return true
}

func (n *Not) Eval(row dataset.Row, table Table) any {
	return !Truthy(n.Operand.Eval(row, table))
}

func (n *Logical) Eval(row dataset.Row, table Table) any {
	left := Truthy(n.Left.Eval(row, table))

	if n.Op == "and" {
		return left && Truthy(n.Right.Eval(row, table))
	}

	return left || Truthy(n.Right.Eval(row, table))
}

func (n *In) Eval(row dataset.Row, table Table) any {
	v := n.Value.Eval(row, table)

	for _, item := range n.List {
		if member(v, item.Eval(row, table)) {
			return true
		}
	}

	return false
}

// Eval returns the first arm whose guard holds, the default, or NaN
func (n *Case) Eval(row dataset.Row, table Table) any {
	for _, arm := range n.Arms {
		if Truthy(arm.Guard.Eval(row, table)) {
			return arm.Value.Eval(row, table)
		}
	}

	if n.Default != nil {
		return n.Default.Eval(row, table)
	}

	return math.NaN()
}

func (n *Call) Eval(row dataset.Row, table Table) any {
	fn, ok := builtins[n.Name]
	if !ok {
		return nil
	}

	return fn.eval(n, row, table)
}

// now is the clock read by today()
var now = time.Now //nolint:gochecknoglobals // swapped in tests
