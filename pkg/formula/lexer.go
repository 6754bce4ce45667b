package formula

import (
	"strings"
)

// Lexer tokenizes formula text
type Lexer struct {
	input   string
	pos     int  // current position in input
	readPos int  // reading position (after current char)
	ch      byte // current char under examination
}

// NewLexer creates a lexer for the given formula
func NewLexer(input string) *Lexer {
	l := &Lexer{input: input}
	l.readChar()

	return l
}

func (l *Lexer) readChar() {
	if l.readPos >= len(l.input) {
		l.ch = 0
	} else {
		l.ch = l.input[l.readPos]
	}

	l.pos = l.readPos
	l.readPos++
}

func (l *Lexer) peekChar() byte {
	if l.readPos >= len(l.input) {
		return 0
	}

	return l.input[l.readPos]
}

func (l *Lexer) skipWhitespace() {
	for l.ch == ' ' || l.ch == '\t' || l.ch == '\n' || l.ch == '\r' {
		l.readChar()
	}
}

// Tokenize returns every token of the input, ending with TokenEOF
func (l *Lexer) Tokenize() ([]Token, error) {
	var tokens []Token

	for {
		tok := l.NextToken()
		if tok.Type == TokenIllegal {
			return nil, &ParseError{Kind: KindSyntax, Pos: tok.Pos, Message: tok.Literal}
		}

		tokens = append(tokens, tok)

		if tok.Type == TokenEOF {
			return tokens, nil
		}
	}
}

// NextToken returns the next token
func (l *Lexer) NextToken() Token {
	l.skipWhitespace()

	pos := l.pos

	single := func(t TokenType) Token {
		lit := string(l.ch)
		l.readChar()

		return Token{Type: t, Literal: lit, Pos: pos}
	}

	double := func(t TokenType) Token {
		lit := l.input[pos : pos+2]
		l.readChar()
		l.readChar()

		return Token{Type: t, Literal: lit, Pos: pos}
	}

	switch l.ch {
	case 0:
		return Token{Type: TokenEOF, Pos: pos}
	case '+':
		return single(TokenPlus)
	case '-':
		return single(TokenMinus)
	case '*':
		return single(TokenStar)
	case '/':
		return single(TokenSlash)
	case '^':
		return single(TokenCaret)
	case '(':
		return single(TokenLParen)
	case ')':
		return single(TokenRParen)
	case '[':
		return single(TokenLBracket)
	case ']':
		return single(TokenRBracket)
	case ',':
		return single(TokenComma)
	case ':':
		return single(TokenColon)
	case '<':
		if l.peekChar() == '=' {
			return double(TokenLE)
		}

		return single(TokenLT)
	case '>':
		if l.peekChar() == '=' {
			return double(TokenGE)
		}

		return single(TokenGT)
	case '=':
		if l.peekChar() == '=' {
			return double(TokenEQ)
		}

		return Token{Type: TokenIllegal, Literal: "unexpected '=', use '==' for equality", Pos: pos}
	case '!':
		if l.peekChar() == '=' {
			return double(TokenNE)
		}

		return Token{Type: TokenIllegal, Literal: "unexpected '!'", Pos: pos}
	case '"', '\'':
		return l.readString(pos)
	}

	if isDigit(l.ch) || (l.ch == '.' && isDigit(l.peekChar())) {
		return l.readNumber(pos)
	}

	if isIdentStart(l.ch) {
		for isIdentPart(l.ch) {
			l.readChar()
		}

		return Token{Type: TokenIdent, Literal: l.input[pos:l.pos], Pos: pos}
	}

	lit := "unexpected character " + string(l.ch)
	l.readChar()

	return Token{Type: TokenIllegal, Literal: lit, Pos: pos}
}

func (l *Lexer) readNumber(pos int) Token {
	for isDigit(l.ch) {
		l.readChar()
	}

	if l.ch == '.' {
		l.readChar()

		for isDigit(l.ch) {
			l.readChar()
		}
	}

	if l.ch == 'e' || l.ch == 'E' {
		next := l.peekChar()
		if isDigit(next) || next == '+' || next == '-' {
			l.readChar()

			if l.ch == '+' || l.ch == '-' {
				l.readChar()
			}

			if !isDigit(l.ch) {
				return Token{Type: TokenIllegal, Literal: "invalid number literal", Pos: pos}
			}

			for isDigit(l.ch) {
				l.readChar()
			}
		}
	}

	return Token{Type: TokenNumber, Literal: l.input[pos:l.pos], Pos: pos}
}

func (l *Lexer) readString(pos int) Token {
	quote := l.ch
	l.readChar()

	var b strings.Builder

	for l.ch != quote {
		if l.ch == 0 {
			return Token{Type: TokenIllegal, Literal: "unterminated string literal", Pos: pos}
		}

		if l.ch == '\\' && (l.peekChar() == quote || l.peekChar() == '\\') {
			l.readChar()
		}

		b.WriteByte(l.ch)
		l.readChar()
	}

	l.readChar()

	return Token{Type: TokenString, Literal: b.String(), Pos: pos}
}

func isDigit(ch byte) bool {
	return ch >= '0' && ch <= '9'
}

func isIdentStart(ch byte) bool {
	return ch == '_' || (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z')
}

func isIdentPart(ch byte) bool {
	return isIdentStart(ch) || isDigit(ch)
}
