package formula

import "fmt"

// TokenType identifies the lexical class of a token
type TokenType int

const (
	TokenIllegal TokenType = iota
	TokenEOF
	TokenNumber
	TokenString
	TokenIdent

	TokenPlus
	TokenMinus
	TokenStar
	TokenSlash
	TokenCaret

	TokenLT
	TokenLE
	TokenGT
	TokenGE
	TokenEQ
	TokenNE

	TokenLParen
	TokenRParen
	TokenLBracket
	TokenRBracket
	TokenComma
	TokenColon
)

var tokenNames = map[TokenType]string{
	TokenIllegal:  "illegal",
	TokenEOF:      "end of formula",
	TokenNumber:   "number",
	TokenString:   "string",
	TokenIdent:    "identifier",
	TokenPlus:     "+",
	TokenMinus:    "-",
	TokenStar:     "*",
	TokenSlash:    "/",
	TokenCaret:    "^",
	TokenLT:       "<",
	TokenLE:       "<=",
	TokenGT:       ">",
	TokenGE:       ">=",
	TokenEQ:       "==",
	TokenNE:       "!=",
	TokenLParen:   "(",
	TokenRParen:   ")",
	TokenLBracket: "[",
	TokenRBracket: "]",
	TokenComma:    ",",
	TokenColon:    ":",
}

func (t TokenType) String() string {
	if name, ok := tokenNames[t]; ok {
		return name
	}

	return fmt.Sprintf("token(%d)", int(t))
}

// IsComparison reports whether the token is a comparison operator
func (t TokenType) IsComparison() bool {
	return t >= TokenLT && t <= TokenNE
}

// Token is a lexical token with its byte offset in the formula
type Token struct {
	Type    TokenType
	Literal string
	Pos     int
}

func (t Token) String() string {
	if t.Type == TokenEOF {
		return t.Type.String()
	}

	return fmt.Sprintf("%q", t.Literal)
}
