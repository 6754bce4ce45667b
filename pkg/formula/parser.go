// Package formula implements the formula language: a lexer, a recursive descent
// parser producing evaluable expression trees, and schema validation.
//
// Precedence, lowest first:
//
//	or
//	and
//	not
//	in
//	comparison (< <= > >= == !=, chainable)
//	additive (+ -)
//	multiplicative (* /)
//	exponent (^, right associative)
//	unary sign (+ -)
//	atom (number, string, column, function call, parenthesised expression, case)
//
// A formula whose head is an aggregation call, e.g. ratio(a, b), must consist of that
// call alone and yields one expression per argument.
package formula

import (
	"strconv"
)

// Catalog resolves aggregation names to the number of arguments they take
type Catalog interface {
	Arity(name string) (minArgs, maxArgs int, ok bool)
}

var keywords = []string{"and", "or", "not", "in", "case", "default"} //nolint:gochecknoglobals // fixed keywords

// Parser is an immutable handle built once and shared by every caller
type Parser struct {
	catalog  Catalog
	reserved map[string]struct{}
}

// Parsed is the result of parsing a formula
type Parsed struct {
	Formula string
	// Functions holds one expression per aggregation argument, or the single
	// expression of a row-wise formula
	Functions []Node
	// Aggregation is the aggregation kind, empty for row-wise formulas
	Aggregation string
}

// IsAggregation reports whether the formula is an aggregation call
func (p *Parsed) IsAggregation() bool {
	return p.Aggregation != ""
}

// ReferencedColumns returns the columns read by every function
func (p *Parsed) ReferencedColumns() []string {
	return collectColumns(p.Functions...)
}

// NewParser creates a parser recognising the catalog's aggregations
func NewParser(catalog Catalog) *Parser {
	p := &Parser{
		catalog:  catalog,
		reserved: make(map[string]struct{}),
	}

	for _, kw := range keywords {
		p.reserved[kw] = struct{}{}
	}

	return p
}

// IsReserved reports whether name can never be a column reference. Function and
// aggregation names are only calls when followed by "(", so columns may share them.
func (p *Parser) IsReserved(name string) bool {
	_, ok := p.reserved[name]
	return ok
}

func (p *Parser) isAggregation(name string) bool {
	if p.catalog == nil {
		return false
	}

	_, _, ok := p.catalog.Arity(name)

	return ok
}

// Parse turns formula text into its expressions and aggregation kind
func (p *Parser) Parse(text string) (*Parsed, error) {
	tokens, err := NewLexer(text).Tokenize()
	if err != nil {
		return nil, err
	}

	s := &state{parser: p, tokens: tokens}
	parsed := &Parsed{Formula: text}

	if s.token().Type == TokenIdent && p.isAggregation(s.token().Literal) && s.peek().Type == TokenLParen {
		parsed.Aggregation = s.token().Literal

		parsed.Functions, err = s.parseAggregation()
		if err != nil {
			return nil, err
		}
	} else {
		node, err := s.parseExpression()
		if err != nil {
			return nil, err
		}

		parsed.Functions = []Node{node}
	}

	if s.token().Type != TokenEOF {
		return nil, syntaxError(s.token().Pos, "unexpected %s after end of expression", s.token())
	}

	return parsed, nil
}

// state is the cursor of a single parse
type state struct {
	parser *Parser
	tokens []Token
	pos    int
}

func (s *state) token() Token {
	return s.tokens[s.pos]
}

func (s *state) peek() Token {
	if s.pos+1 >= len(s.tokens) {
		return s.tokens[len(s.tokens)-1]
	}

	return s.tokens[s.pos+1]
}

func (s *state) next() {
	if s.pos < len(s.tokens)-1 {
		s.pos++
	}
}

func (s *state) isKeyword(kw string) bool {
	return s.token().Type == TokenIdent && s.token().Literal == kw
}

func (s *state) expect(t TokenType) error {
	if s.token().Type != t {
		return syntaxError(s.token().Pos, "unexpected %s, expected %s", s.token(), t)
	}

	s.next()

	return nil
}

func (s *state) parseAggregation() ([]Node, error) {
	head := s.token()
	s.next()

	args, err := s.parseArguments()
	if err != nil {
		return nil, err
	}

	minArgs, maxArgs, _ := s.parser.catalog.Arity(head.Literal)
	if len(args) < minArgs || len(args) > maxArgs {
		return nil, arityError(head, len(args), minArgs, maxArgs)
	}

	return args, nil
}

// parseArguments parses a parenthesised, comma separated argument list
func (s *state) parseArguments() ([]Node, error) {
	if err := s.expect(TokenLParen); err != nil {
		return nil, err
	}

	var args []Node

	if s.token().Type == TokenRParen {
		s.next()
		return args, nil
	}

	for {
		arg, err := s.parseExpression()
		if err != nil {
			return nil, err
		}

		args = append(args, arg)

		if s.token().Type != TokenComma {
			break
		}

		s.next()
	}

	if err := s.expect(TokenRParen); err != nil {
		return nil, err
	}

	return args, nil
}

func arityError(head Token, got, minArgs, maxArgs int) *ParseError {
	if minArgs == maxArgs {
		return syntaxError(head.Pos, "%s takes %d argument(s), got %d", head.Literal, minArgs, got)
	}

	return syntaxError(head.Pos, "%s takes %d to %d arguments, got %d", head.Literal, minArgs, maxArgs, got)
}

func (s *state) parseExpression() (Node, error) {
	return s.parseOr()
}

func (s *state) parseOr() (Node, error) {
	left, err := s.parseAnd()
	if err != nil {
		return nil, err
	}

	for s.isKeyword("or") {
		s.next()

		right, err := s.parseAnd()
		if err != nil {
			return nil, err
		}

		left = &Logical{Op: "or", Left: left, Right: right}
	}

	return left, nil
}

func (s *state) parseAnd() (Node, error) {
	left, err := s.parseNot()
	if err != nil {
		return nil, err
	}

	for s.isKeyword("and") {
		s.next()

		right, err := s.parseNot()
		if err != nil {
			return nil, err
		}

		left = &Logical{Op: "and", Left: left, Right: right}
	}

	return left, nil
}

func (s *state) parseNot() (Node, error) {
	if !s.isKeyword("not") {
		return s.parseIn()
	}

	s.next()

	operand, err := s.parseNot()
	if err != nil {
		return nil, err
	}

	return &Not{Operand: operand}, nil
}

func (s *state) parseIn() (Node, error) {
	left, err := s.parseComparison()
	if err != nil {
		return nil, err
	}

	for s.isKeyword("in") {
		s.next()

		if err := s.expect(TokenLBracket); err != nil {
			return nil, err
		}

		in := &In{Value: left}

		for s.token().Type != TokenRBracket {
			item, err := s.parseComparison()
			if err != nil {
				return nil, err
			}

			in.List = append(in.List, item)

			if s.token().Type != TokenComma {
				break
			}

			s.next()
		}

		if err := s.expect(TokenRBracket); err != nil {
			return nil, err
		}

		left = in
	}

	return left, nil
}

func (s *state) parseComparison() (Node, error) {
	first, err := s.parseAdditive()
	if err != nil {
		return nil, err
	}

	if !s.token().Type.IsComparison() {
		return first, nil
	}

	cmp := &Comparison{Operands: []Node{first}}

	for s.token().Type.IsComparison() {
		op := s.token().Type
		s.next()

		right, err := s.parseAdditive()
		if err != nil {
			return nil, err
		}

		cmp.Ops = append(cmp.Ops, op)
		cmp.Operands = append(cmp.Operands, right)
	}

	return cmp, nil
}

func (s *state) parseAdditive() (Node, error) {
	left, err := s.parseMultiplicative()
	if err != nil {
		return nil, err
	}

	for s.token().Type == TokenPlus || s.token().Type == TokenMinus {
		op := s.token().Type
		s.next()

		right, err := s.parseMultiplicative()
		if err != nil {
			return nil, err
		}

		left = &Binary{Op: op, Left: left, Right: right}
	}

	return left, nil
}

func (s *state) parseMultiplicative() (Node, error) {
	left, err := s.parseExponent()
	if err != nil {
		return nil, err
	}

	for s.token().Type == TokenStar || s.token().Type == TokenSlash {
		op := s.token().Type
		s.next()

		right, err := s.parseExponent()
		if err != nil {
			return nil, err
		}

		left = &Binary{Op: op, Left: left, Right: right}
	}

	return left, nil
}

func (s *state) parseExponent() (Node, error) {
	base, err := s.parseUnary()
	if err != nil {
		return nil, err
	}

	if s.token().Type != TokenCaret {
		return base, nil
	}

	s.next()

	exponent, err := s.parseExponent()
	if err != nil {
		return nil, err
	}

	return &Binary{Op: TokenCaret, Left: base, Right: exponent}, nil
}

func (s *state) parseUnary() (Node, error) {
	if s.token().Type != TokenPlus && s.token().Type != TokenMinus {
		return s.parseAtom()
	}

	op := s.token().Type
	s.next()

	operand, err := s.parseUnary()
	if err != nil {
		return nil, err
	}

	return &Unary{Op: op, Operand: operand}, nil
}

func (s *state) parseAtom() (Node, error) {
	tok := s.token()

	switch tok.Type {
	case TokenNumber:
		v, err := strconv.ParseFloat(tok.Literal, 64)
		if err != nil {
			return nil, syntaxError(tok.Pos, "invalid number literal %s", tok)
		}

		s.next()

		return &NumberLit{Value: v}, nil
	case TokenString:
		s.next()
		return &StringLit{Value: tok.Literal}, nil
	case TokenLParen:
		s.next()

		inner, err := s.parseExpression()
		if err != nil {
			return nil, err
		}

		if err := s.expect(TokenRParen); err != nil {
			return nil, err
		}

		return inner, nil
	case TokenIdent:
		return s.parseIdent()
	case TokenEOF:
		return nil, syntaxError(tok.Pos, "unexpected end of formula")
	}

	return nil, syntaxError(tok.Pos, "unexpected %s", tok)
}

func (s *state) parseIdent() (Node, error) {
	tok := s.token()
	name := tok.Literal

	if name == "case" {
		s.next()
		return s.parseCase()
	}

	if fn, ok := builtins[name]; ok && s.peek().Type == TokenLParen {
		s.next()

		args, err := s.parseArguments()
		if err != nil {
			return nil, err
		}

		if len(args) != fn.arity {
			return nil, arityError(tok, len(args), fn.arity, fn.arity)
		}

		if fn.column {
			if _, ok := args[0].(*Variable); !ok {
				return nil, syntaxError(tok.Pos, "%s expects a column name", name)
			}
		}

		return &Call{Name: name, Args: args}, nil
	}

	if s.parser.isAggregation(name) && s.peek().Type == TokenLParen {
		return nil, syntaxError(tok.Pos, "aggregation %s must be the whole formula", name)
	}

	if s.parser.IsReserved(name) {
		return nil, syntaxError(tok.Pos, "reserved word %q cannot be used as a column", name)
	}

	s.next()

	return &Variable{Name: name}, nil
}

// parseCase parses "guard: value, ..., default: value" after the case keyword.
// An arm list ends at the default arm or at the first comma not followed by a guard,
// so a case expression can sit inside an argument list.
func (s *state) parseCase() (Node, error) {
	node := &Case{}

	for {
		if s.isKeyword("default") {
			s.next()

			if err := s.expect(TokenColon); err != nil {
				return nil, err
			}

			value, err := s.parseExpression()
			if err != nil {
				return nil, err
			}

			node.Default = value

			break
		}

		guard, err := s.parseExpression()
		if err != nil {
			return nil, err
		}

		if err := s.expect(TokenColon); err != nil {
			return nil, err
		}

		value, err := s.parseExpression()
		if err != nil {
			return nil, err
		}

		node.Arms = append(node.Arms, CaseArm{Guard: guard, Value: value})

		if s.token().Type != TokenComma || !s.armFollows() {
			break
		}

		s.next()
	}

	if len(node.Arms) == 0 && node.Default == nil {
		return nil, syntaxError(s.token().Pos, "case needs at least one arm")
	}

	return node, nil
}

// armFollows reports whether the comma at the cursor is followed by another case arm
func (s *state) armFollows() bool {
	saved := s.pos
	defer func() { s.pos = saved }()

	s.next()

	if s.isKeyword("default") {
		return s.peek().Type == TokenColon
	}

	if _, err := s.parseExpression(); err != nil {
		return false
	}

	return s.token().Type == TokenColon
}
