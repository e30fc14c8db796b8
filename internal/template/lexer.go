// Package template implements the workflow command template language.
//
// A template is plain text with two kinds of tags:
//
//	{{name}}                  substitution
//	{{#if name}} ... {{/if}}  conditional inclusion
//
// Conditionals do not nest. Everything outside a tag is copied verbatim,
// including single braces, so shell snippets such as awk programs and
// find's {} need no escaping.
package template

import (
	"fmt"
	"regexp"
	"strings"
)

// TokenKind identifies a lexical token.
type TokenKind int

const (
	TokenText TokenKind = iota
	TokenVar
	TokenIfOpen
	TokenIfClose
)

func (k TokenKind) String() string {
	switch k {
	case TokenText:
		return "text"
	case TokenVar:
		return "var"
	case TokenIfOpen:
		return "if"
	case TokenIfClose:
		return "/if"
	}
	return fmt.Sprintf("token(%d)", int(k))
}

// Token is one lexical element of a template.
type Token struct {
	Kind  TokenKind
	Value string // literal text, or the argument name for tags
	Pos   int    // byte offset of the token in the source
}

const (
	openDelim  = "{{"
	closeDelim = "}}"
)

var namePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_-]*$`)

// ValidName reports whether s can be used as an argument name in a tag.
func ValidName(s string) bool {
	return namePattern.MatchString(s)
}

// SyntaxError describes a malformed template.
type SyntaxError struct {
	Pos int
	Msg string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("template syntax error at offset %d: %s", e.Pos, e.Msg)
}

// Lex splits src into tokens.
func Lex(src string) ([]Token, error) {
	var tokens []Token
	pos := 0

	for pos < len(src) {
		start := strings.Index(src[pos:], openDelim)
		if start < 0 {
			tokens = append(tokens, Token{Kind: TokenText, Value: src[pos:], Pos: pos})
			break
		}
		start += pos
		if start > pos {
			tokens = append(tokens, Token{Kind: TokenText, Value: src[pos:start], Pos: pos})
		}

		end := strings.Index(src[start+len(openDelim):], closeDelim)
		if end < 0 {
			return nil, &SyntaxError{Pos: start, Msg: "unterminated tag"}
		}
		end += start + len(openDelim)

		inner := src[start+len(openDelim) : end]
		if strings.Contains(inner, openDelim) {
			return nil, &SyntaxError{Pos: start, Msg: "tag inside a tag"}
		}

		tok, err := lexTag(strings.TrimSpace(inner), start)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, tok)
		pos = end + len(closeDelim)
	}

	return tokens, nil
}

func lexTag(body string, pos int) (Token, error) {
	switch {
	case body == "":
		return Token{}, &SyntaxError{Pos: pos, Msg: "empty tag"}

	case body == "/if":
		return Token{Kind: TokenIfClose, Pos: pos}, nil

	case strings.HasPrefix(body, "#if"):
		rest := body[len("#if"):]
		if rest == "" {
			return Token{}, &SyntaxError{Pos: pos, Msg: "#if without a condition"}
		}
		if rest[0] != ' ' && rest[0] != '\t' {
			return Token{}, &SyntaxError{Pos: pos, Msg: fmt.Sprintf("unknown directive %q", body)}
		}
		name := strings.TrimSpace(rest)
		if !ValidName(name) {
			return Token{}, &SyntaxError{Pos: pos, Msg: fmt.Sprintf("invalid condition name %q", name)}
		}
		return Token{Kind: TokenIfOpen, Value: name, Pos: pos}, nil

	case body[0] == '#' || body[0] == '/':
		return Token{}, &SyntaxError{Pos: pos, Msg: fmt.Sprintf("unknown directive %q", body)}

	default:
		if !ValidName(body) {
			return Token{}, &SyntaxError{Pos: pos, Msg: fmt.Sprintf("invalid placeholder name %q", body)}
		}
		return Token{Kind: TokenVar, Value: body, Pos: pos}, nil
	}
}
