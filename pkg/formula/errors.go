package formula

import (
	"errors"
	"fmt"
)

var (
	// ErrSyntax is matched by parse errors caused by malformed formulas
	ErrSyntax = errors.New("syntax error")
	// ErrUnknownColumn is matched by parse errors naming a column the table lacks
	ErrUnknownColumn = errors.New("unknown column")
	// ErrUnknownGroup is matched by parse errors naming an invalid group-by column
	ErrUnknownGroup = errors.New("unknown group")
)

// ErrorKind distinguishes the failure classes of formula validation
type ErrorKind string

const (
	KindSyntax        ErrorKind = "syntax"
	KindUnknownColumn ErrorKind = "unknown_column"
	KindUnknownGroup  ErrorKind = "unknown_group"
)

// ParseError is returned by Parse and Validate
type ParseError struct {
	Kind    ErrorKind
	Pos     int
	Name    string
	Message string
}

func (e *ParseError) Error() string {
	switch e.Kind {
	case KindUnknownColumn:
		return fmt.Sprintf("unknown column %q", e.Name)
	case KindUnknownGroup:
		if e.Message != "" {
			return fmt.Sprintf("invalid group %q: %s", e.Name, e.Message)
		}

		return fmt.Sprintf("unknown group %q", e.Name)
	default:
		return fmt.Sprintf("syntax error at offset %d: %s", e.Pos, e.Message)
	}
}

// Unwrap maps the error kind onto its sentinel
func (e *ParseError) Unwrap() error {
	switch e.Kind {
	case KindUnknownColumn:
		return ErrUnknownColumn
	case KindUnknownGroup:
		return ErrUnknownGroup
	default:
		return ErrSyntax
	}
}

func syntaxError(pos int, format string, args ...any) *ParseError {
	return &ParseError{Kind: KindSyntax, Pos: pos, Message: fmt.Sprintf(format, args...)}
}
