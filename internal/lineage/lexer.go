package lineage

import (
	"strings"
	"unicode"
)

// TokenType represents the type of a lexical token.
type TokenType int

// Token types. Keywords carry their lower-cased spelling in Token.Keyword.
const (
	TokenEOF TokenType = iota
	TokenIllegal
	TokenIdent
	TokenKeyword
	TokenNumber
	TokenString
	TokenOperator
	TokenStar
	TokenDot
	TokenComma
	TokenLParen
	TokenRParen
)

// Token represents a lexical token with position information.
type Token struct {
	Type    TokenType
	Literal string
	// Keyword is the lower-cased keyword for TokenKeyword tokens.
	Keyword string
	Line    int
}

// Is reports whether t is the keyword kw (lower case).
func (t Token) Is(kw string) bool {
	return t.Type == TokenKeyword && t.Keyword == kw
}

// keywords are the words the scanner treats structurally. Everything else,
// including function names, is an identifier.
var keywords = map[string]struct{}{
	"all": {}, "and": {}, "as": {}, "asc": {}, "between": {}, "by": {}, "case": {}, "cast": {},
	"cross": {}, "desc": {}, "distinct": {}, "else": {}, "end": {}, "except": {}, "false": {},
	"filter": {}, "from": {}, "full": {}, "group": {}, "having": {}, "in": {}, "inner": {},
	"insert": {}, "intersect": {}, "into": {}, "is": {}, "join": {}, "lateral": {}, "left": {},
	"like": {}, "ilike": {}, "limit": {}, "merge": {}, "natural": {}, "not": {}, "null": {},
	"offset": {}, "on": {}, "or": {}, "order": {}, "outer": {}, "over": {}, "partition": {},
	"qualify": {}, "recursive": {}, "right": {}, "select": {}, "then": {}, "true": {},
	"union": {}, "using": {}, "when": {}, "where": {}, "window": {}, "with": {},
}

// Lexer tokenizes SQL input.
type Lexer struct {
	input   string
	pos     int  // current position in input
	readPos int  // reading position (after current char)
	ch      byte // current char under examination
	line    int  // current line number (1-based)
}

// NewLexer creates a new Lexer for the given input.
func NewLexer(input string) *Lexer {
	l := &Lexer{input: input, line: 1}
	l.readChar()
	return l
}

func (l *Lexer) readChar() {
	if l.ch == '\n' {
		l.line++
	}
	if l.readPos >= len(l.input) {
		l.ch = 0 // ASCII NUL = EOF
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

// NextToken returns the next token.
func (l *Lexer) NextToken() Token {
	l.skipWhitespaceAndComments()

	tok := Token{Line: l.line}
	switch {
	case l.ch == 0:
		tok.Type = TokenEOF
		return tok
	case l.ch == '\'':
		tok.Type = TokenString
		tok.Literal = l.readDelimited('\'')
		return tok
	case l.ch == '"' || l.ch == '`':
		tok.Type = TokenIdent
		tok.Literal = l.readDelimited(l.ch)
		return tok
	case isLetter(l.ch) || l.ch == '_':
		tok.Literal = l.readIdentifier()
		lower := strings.ToLower(tok.Literal)
		if _, ok := keywords[lower]; ok {
			tok.Type = TokenKeyword
			tok.Keyword = lower
		} else {
			tok.Type = TokenIdent
		}
		return tok
	case isDigit(l.ch):
		tok.Type = TokenNumber
		tok.Literal = l.readNumber()
		return tok
	}

	switch l.ch {
	case '.':
		tok.Type, tok.Literal = TokenDot, "."
	case ',':
		tok.Type, tok.Literal = TokenComma, ","
	case '(':
		tok.Type, tok.Literal = TokenLParen, "("
	case ')':
		tok.Type, tok.Literal = TokenRParen, ")"
	case '*':
		tok.Type, tok.Literal = TokenStar, "*"
	case '+', '-', '/', '%', '=', '<', '>', '!', '|', ':':
		tok.Type = TokenOperator
		start := l.pos
		for isOperator(l.peekChar()) {
			l.readChar()
		}
		tok.Literal = l.input[start : l.pos+1]
	default:
		tok.Type, tok.Literal = TokenIllegal, string(l.ch)
	}
	l.readChar()
	return tok
}

func (l *Lexer) skipWhitespaceAndComments() {
	for {
		for l.ch == ' ' || l.ch == '\t' || l.ch == '\n' || l.ch == '\r' {
			l.readChar()
		}
		if l.ch == '-' && l.peekChar() == '-' {
			for l.ch != '\n' && l.ch != 0 {
				l.readChar()
			}
			continue
		}
		if l.ch == '/' && l.peekChar() == '*' {
			l.skipBlockComment()
			continue
		}
		break
	}
}

func (l *Lexer) skipBlockComment() {
	l.readChar() // skip '/'
	l.readChar() // skip '*'
	for l.ch != 0 {
		if l.ch == '*' && l.peekChar() == '/' {
			l.readChar()
			l.readChar()
			return
		}
		l.readChar()
	}
}

// readDelimited reads a quoted string or identifier. A doubled quote is an escape.
func (l *Lexer) readDelimited(quote byte) string {
	l.readChar() // skip opening quote

	var result strings.Builder
	for l.ch != 0 {
		if l.ch == quote {
			if l.peekChar() != quote {
				l.readChar() // skip closing quote
				break
			}
			l.readChar()
		}
		result.WriteByte(l.ch)
		l.readChar()
	}
	return result.String()
}

func (l *Lexer) readIdentifier() string {
	start := l.pos
	for isLetter(l.ch) || isDigit(l.ch) || l.ch == '_' || l.ch == '$' {
		l.readChar()
	}
	return l.input[start:l.pos]
}

// readNumber reads a numeric literal (integer, decimal, or scientific).
func (l *Lexer) readNumber() string {
	start := l.pos
	for isDigit(l.ch) {
		l.readChar()
	}
	if l.ch == '.' && isDigit(l.peekChar()) {
		l.readChar()
		for isDigit(l.ch) {
			l.readChar()
		}
	}
	if l.ch == 'e' || l.ch == 'E' {
		l.readChar()
		if l.ch == '+' || l.ch == '-' {
			l.readChar()
		}
		for isDigit(l.ch) {
			l.readChar()
		}
	}
	return l.input[start:l.pos]
}

func isLetter(ch byte) bool {
	return ch >= 0x80 || unicode.IsLetter(rune(ch))
}

func isDigit(ch byte) bool {
	return ch >= '0' && ch <= '9'
}

func isOperator(ch byte) bool {
	return strings.IndexByte("=<>!|:", ch) >= 0
}

// Tokenize returns all tokens of the input, excluding the trailing EOF.
func Tokenize(input string) []Token {
	l := NewLexer(input)
	var tokens []Token
	for {
		tok := l.NextToken()
		if tok.Type == TokenEOF {
			return tokens
		}
		tokens = append(tokens, tok)
	}
}
