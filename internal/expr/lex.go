package expr

import "strings"

type tokenKind int

const (
	tokenEOF tokenKind = iota
	tokenIdent
	tokenNumber
	tokenString
	tokenOp
	tokenLParen
	tokenRParen
)

type token struct {
	kind tokenKind
	text string
}

var operators = []string{"===", "!==", "==", "!=", ">=", "<=", "&&", "||", ">", "<"}

// tokenize splits expression source into the closed token set the grammar
// permits. It never needs to recognize anything beyond idents, numbers,
// quoted strings, the fixed operator set, and parens.
func tokenize(src string) []token {
	var tokens []token
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '(':
			tokens = append(tokens, token{kind: tokenLParen, text: "("})
			i++
		case c == ')':
			tokens = append(tokens, token{kind: tokenRParen, text: ")"})
			i++
		case c == '\'' || c == '"':
			quote := c
			j := i + 1
			for j < len(src) && src[j] != quote {
				j++
			}
			if j < len(src) {
				tokens = append(tokens, token{kind: tokenString, text: src[i+1 : j]})
				i = j + 1
			} else {
				tokens = append(tokens, token{kind: tokenString, text: src[i+1:]})
				i = len(src)
			}
		case isDigit(c):
			j := i
			for j < len(src) && (isDigit(src[j]) || src[j] == '.') {
				j++
			}
			tokens = append(tokens, token{kind: tokenNumber, text: src[i:j]})
			i = j
		case isIdentStart(c):
			j := i
			for j < len(src) && isIdentPart(src[j]) {
				j++
			}
			tokens = append(tokens, token{kind: tokenIdent, text: src[i:j]})
			i = j
		default:
			matched := false
			for _, op := range operators {
				if strings.HasPrefix(src[i:], op) {
					tokens = append(tokens, token{kind: tokenOp, text: op})
					i += len(op)
					matched = true
					break
				}
			}
			if !matched {
				// Unrecognized character: skip it. The parser will reject
				// whatever malformed structure results.
				i++
			}
		}
	}
	return tokens
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

func isIdentStart(c byte) bool {
	return c == '_' || c == '$' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || isDigit(c) || c == '.'
}
