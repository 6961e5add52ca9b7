package postgres

import (
	"fmt"
	"strings"
)

type tokenKind int

const (
	tokenWord tokenKind = iota
	tokenQuotedIdent
	tokenString
	tokenNumber
	tokenPlaceholder
	tokenSemicolon
	tokenPunct
)

type token struct {
	kind tokenKind
	text string
	pos  int // byte offset in the input
}

// tokenize splits SQL into tokens with awareness of single-quoted
// strings (including '' escapes), dollar-quoted strings, quoted
// identifiers and line/block comments. Literal bodies collapse into a
// single token and comments vanish, so keyword checks cannot be fooled
// by quoted or commented content.
func tokenize(input string) ([]token, error) {
	var tokens []token
	i, n := 0, len(input)

	for i < n {
		c := input[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++

		case c == '-' && i+1 < n && input[i+1] == '-':
			for i < n && input[i] != '\n' {
				i++
			}

		case c == '/' && i+1 < n && input[i+1] == '*':
			depth := 1
			j := i + 2
			for j < n && depth > 0 {
				switch {
				case j+1 < n && input[j] == '/' && input[j+1] == '*':
					depth++
					j += 2
				case j+1 < n && input[j] == '*' && input[j+1] == '/':
					depth--
					j += 2
				default:
					j++
				}
			}
			if depth > 0 {
				return nil, fmt.Errorf("unterminated block comment at offset %d", i)
			}
			i = j

		case c == '\'':
			j := i + 1
			for {
				if j >= n {
					return nil, fmt.Errorf("unterminated string literal at offset %d", i)
				}
				if input[j] == '\'' {
					if j+1 < n && input[j+1] == '\'' {
						j += 2 // '' escape
						continue
					}
					break
				}
				j++
			}
			tokens = append(tokens, token{tokenString, input[i : j+1], i})
			i = j + 1

		case c == '"':
			j := i + 1
			for {
				if j >= n {
					return nil, fmt.Errorf("unterminated quoted identifier at offset %d", i)
				}
				if input[j] == '"' {
					if j+1 < n && input[j+1] == '"' {
						j += 2 // "" escape
						continue
					}
					break
				}
				j++
			}
			tokens = append(tokens, token{tokenQuotedIdent, input[i : j+1], i})
			i = j + 1

		case c == '$':
			j := i + 1
			for j < n && isDigitByte(input[j]) {
				j++
			}
			if j > i+1 {
				tokens = append(tokens, token{tokenPlaceholder, input[i:j], i})
				i = j
				continue
			}
			// $tag$ ... $tag$ dollar quote, tag possibly empty
			k := i + 1
			if k < n && (isLetterByte(input[k]) || input[k] == '_') {
				k++
				for k < n && isIdentByte(input[k]) {
					k++
				}
			}
			if k < n && input[k] == '$' {
				tag := input[i : k+1]
				rest := strings.Index(input[k+1:], tag)
				if rest < 0 {
					return nil, fmt.Errorf("unterminated dollar-quoted string at offset %d", i)
				}
				end := k + 1 + rest + len(tag)
				tokens = append(tokens, token{tokenString, input[i:end], i})
				i = end
				continue
			}
			tokens = append(tokens, token{tokenPunct, "$", i})
			i++

		case c == ';':
			tokens = append(tokens, token{tokenSemicolon, ";", i})
			i++

		case isLetterByte(c) || c == '_':
			j := i + 1
			for j < n && isIdentByte(input[j]) {
				j++
			}
			tokens = append(tokens, token{tokenWord, input[i:j], i})
			i = j

		case isDigitByte(c) || (c == '.' && i+1 < n && isDigitByte(input[i+1])):
			j := i
			for j < n && (isDigitByte(input[j]) || input[j] == '.') {
				j++
			}
			if j < n && (input[j] == 'e' || input[j] == 'E') {
				k := j + 1
				if k < n && (input[k] == '+' || input[k] == '-') {
					k++
				}
				if k < n && isDigitByte(input[k]) {
					for k < n && isDigitByte(input[k]) {
						k++
					}
					j = k
				}
			}
			tokens = append(tokens, token{tokenNumber, input[i:j], i})
			i = j

		default:
			if op := twoByteOp(input, i); op != "" {
				tokens = append(tokens, token{tokenPunct, op, i})
				i += 2
			} else {
				tokens = append(tokens, token{tokenPunct, input[i : i+1], i})
				i++
			}
		}
	}
	return tokens, nil
}

var twoByteOps = [...]string{"<=", ">=", "<>", "!=", "||", "::"}

func twoByteOp(input string, i int) string {
	if i+2 > len(input) {
		return ""
	}
	pair := input[i : i+2]
	for _, op := range twoByteOps {
		if pair == op {
			return op
		}
	}
	return ""
}

// Multibyte UTF-8 counts as a letter so unquoted non-ASCII text still
// forms word tokens instead of breaking the scan.
func isLetterByte(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c >= 0x80
}

func isDigitByte(c byte) bool {
	return c >= '0' && c <= '9'
}

func isIdentByte(c byte) bool {
	return isLetterByte(c) || isDigitByte(c) || c == '_'
}
