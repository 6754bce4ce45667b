package formula

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ethpandaops/tally/pkg/dataset"
)

// Table is the read access a node needs to the table owning the evaluated row
type Table interface {
	// ColumnType returns the simple type of a column
	ColumnType(name string) (dataset.SimpleType, bool)
	// ColumnValues returns every value of a column in row order
	ColumnValues(name string) []any
	// Memo caches table-wide results such as percentile ranks
	Memo(key string, build func() any) any
}

// Node is an evaluable formula expression. The set of implementations is closed.
type Node interface {
	// Eval computes the node's value for row
	Eval(row dataset.Row, table Table) any
	// Children returns the direct sub-expressions
	Children() []Node
	// ReferencedColumns returns the columns read by the expression, in first-use order
	ReferencedColumns() []string
	String() string

	node()
}

func collectColumns(nodes ...Node) []string {
	seen := make(map[string]struct{})

	var out []string

	for _, n := range nodes {
		if n == nil {
			continue
		}

		for _, c := range n.ReferencedColumns() {
			if _, ok := seen[c]; ok {
				continue
			}

			seen[c] = struct{}{}
			out = append(out, c)
		}
	}

	return out
}

// NumberLit is a numeric constant
type NumberLit struct {
	Value float64
}

// StringLit is a quoted string constant
type StringLit struct {
	Value string
}

// Variable reads a column of the current row
type Variable struct {
	Name string
}

// Unary applies a sign to its operand
type Unary struct {
	Op      TokenType
	Operand Node
}

// Binary is an arithmetic operation
type Binary struct {
	Op          TokenType
	Left, Right Node
}

// Comparison is a chain such as a < b <= c
type Comparison struct {
	Operands []Node
	Ops      []TokenType
}

// Not negates the boolean cast of its operand
type Not struct {
	Operand Node
}

// Logical is a short-circuit and/or
type Logical struct {
	Op          string
	Left, Right Node
}

// In tests membership of a value in a literal list
type In struct {
	Value Node
	List  []Node
}

// CaseArm is one guard: value pair of a case expression
type CaseArm struct {
	Guard Node
	Value Node
}

// Case returns the value of the first arm whose guard holds
type Case struct {
	Arms    []CaseArm
	Default Node
}

// Call invokes one of the builtin functions
type Call struct {
	Name string
	Args []Node
}

func (*NumberLit) node()  {}
func (*StringLit) node()  {}
func (*Variable) node()   {}
func (*Unary) node()      {}
func (*Binary) node()     {}
func (*Comparison) node() {}
func (*Not) node()        {}
func (*Logical) node()    {}
func (*In) node()         {}
func (*Case) node()       {}
func (*Call) node()       {}

func (*NumberLit) Children() []Node    { return nil }
func (*StringLit) Children() []Node    { return nil }
func (*Variable) Children() []Node     { return nil }
func (n *Unary) Children() []Node      { return []Node{n.Operand} }
func (n *Binary) Children() []Node     { return []Node{n.Left, n.Right} }
func (n *Comparison) Children() []Node { return n.Operands }
func (n *Not) Children() []Node        { return []Node{n.Operand} }
func (n *Logical) Children() []Node    { return []Node{n.Left, n.Right} }
func (n *Call) Children() []Node       { return n.Args }

func (n *In) Children() []Node {
	return append([]Node{n.Value}, n.List...)
}

func (n *Case) Children() []Node {
	out := make([]Node, 0, len(n.Arms)*2+1)
	for _, arm := range n.Arms {
		out = append(out, arm.Guard, arm.Value)
	}

	if n.Default != nil {
		out = append(out, n.Default)
	}

	return out
}

func (*NumberLit) ReferencedColumns() []string    { return nil }
func (*StringLit) ReferencedColumns() []string    { return nil }
func (n *Variable) ReferencedColumns() []string   { return []string{n.Name} }
func (n *Unary) ReferencedColumns() []string      { return collectColumns(n.Children()...) }
func (n *Binary) ReferencedColumns() []string     { return collectColumns(n.Children()...) }
func (n *Comparison) ReferencedColumns() []string { return collectColumns(n.Children()...) }
func (n *Not) ReferencedColumns() []string        { return collectColumns(n.Children()...) }
func (n *Logical) ReferencedColumns() []string    { return collectColumns(n.Children()...) }
func (n *In) ReferencedColumns() []string         { return collectColumns(n.Children()...) }
func (n *Case) ReferencedColumns() []string       { return collectColumns(n.Children()...) }
func (n *Call) ReferencedColumns() []string       { return collectColumns(n.Children()...) }

func (n *NumberLit) String() string { return strconv.FormatFloat(n.Value, 'g', -1, 64) }
func (n *StringLit) String() string { return strconv.Quote(n.Value) }
func (n *Variable) String() string  { return n.Name }
func (n *Unary) String() string     { return n.Op.String() + n.Operand.String() }
func (n *Not) String() string       { return "not " + n.Operand.String() }

func (n *Binary) String() string {
	return fmt.Sprintf("(%s %s %s)", n.Left, n.Op, n.Right)
}

func (n *Comparison) String() string {
	var b strings.Builder

	b.WriteString("(")
	b.WriteString(n.Operands[0].String())

	for i, op := range n.Ops {
		b.WriteString(" " + op.String() + " ")
		b.WriteString(n.Operands[i+1].String())
	}

	b.WriteString(")")

	return b.String()
}

func (n *Logical) String() string {
	return fmt.Sprintf("(%s %s %s)", n.Left, n.Op, n.Right)
}

func (n *In) String() string {
	return fmt.Sprintf("(%s in [%s])", n.Value, joinNodes(n.List))
}

func (n *Case) String() string {
	parts := make([]string, 0, len(n.Arms)+1)
	for _, arm := range n.Arms {
		parts = append(parts, arm.Guard.String()+": "+arm.Value.String())
	}

	if n.Default != nil {
		parts = append(parts, "default: "+n.Default.String())
	}

	return "case " + strings.Join(parts, ", ")
}

func (n *Call) String() string {
	return fmt.Sprintf("%s(%s)", n.Name, joinNodes(n.Args))
}

func joinNodes(nodes []Node) string {
	parts := make([]string, len(nodes))
	for i, n := range nodes {
		parts[i] = n.String()
	}

	return strings.Join(parts, ", ")
}
