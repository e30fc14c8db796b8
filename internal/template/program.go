package template

import (
	"fmt"
	"strings"
)

// Op is a program instruction opcode.
type Op uint8

const (
	OpText       Op = iota // emit Arg verbatim
	OpSubst                // emit the value of argument Arg
	OpSkipUnless           // jump to Target unless argument Arg is true
	OpEnd                  // end of a conditional span, no output
)

// Instruction is one step of a compiled template.
type Instruction struct {
	Op     Op
	Arg    string
	Target int
}

// Program is a compiled template: a flat instruction sequence with
// forward jumps for conditional spans.
type Program struct {
	source string
	code   []Instruction
}

// Lookup resolves argument values during execution.
type Lookup interface {
	// Value returns the string form of a resolved argument.
	Value(name string) (string, bool)
	// Truthy returns whether a boolean argument resolved to true.
	Truthy(name string) (bool, bool)
}

// MapLookup is a Lookup backed by resolved string values.
// An argument is truthy when its value is "true".
type MapLookup map[string]string

func (m MapLookup) Value(name string) (string, bool) {
	v, ok := m[name]
	return v, ok
}

func (m MapLookup) Truthy(name string) (bool, bool) {
	v, ok := m[name]
	return v == "true", ok
}

// UnresolvedError reports a tag whose argument the lookup could not resolve.
type UnresolvedError struct {
	Name string
}

func (e *UnresolvedError) Error() string {
	return fmt.Sprintf("unresolved placeholder: %s", e.Name)
}

// Compile lexes and compiles src.
func Compile(src string) (*Program, error) {
	tokens, err := Lex(src)
	if err != nil {
		return nil, err
	}

	p := &Program{source: src}
	open := -1 // index of the pending OpSkipUnless

	for _, tok := range tokens {
		switch tok.Kind {
		case TokenText:
			p.code = append(p.code, Instruction{Op: OpText, Arg: tok.Value})
		case TokenVar:
			p.code = append(p.code, Instruction{Op: OpSubst, Arg: tok.Value})
		case TokenIfOpen:
			if open >= 0 {
				return nil, &SyntaxError{Pos: tok.Pos, Msg: "nested #if is not supported"}
			}
			open = len(p.code)
			p.code = append(p.code, Instruction{Op: OpSkipUnless, Arg: tok.Value, Target: -1})
		case TokenIfClose:
			if open < 0 {
				return nil, &SyntaxError{Pos: tok.Pos, Msg: "/if without matching #if"}
			}
			p.code = append(p.code, Instruction{Op: OpEnd})
			p.code[open].Target = len(p.code)
			open = -1
		}
	}

	if open >= 0 {
		return nil, &SyntaxError{Pos: len(src), Msg: fmt.Sprintf("unterminated #if %s", p.code[open].Arg)}
	}

	return p, nil
}

// MustCompile is like Compile but panics on error.
func MustCompile(src string) *Program {
	p, err := Compile(src)
	if err != nil {
		panic(err)
	}
	return p
}

// Source returns the template text the program was compiled from.
func (p *Program) Source() string {
	return p.source
}

// Instructions returns a copy of the compiled instruction sequence.
func (p *Program) Instructions() []Instruction {
	out := make([]Instruction, len(p.code))
	copy(out, p.code)
	return out
}

// Placeholders returns the distinct substitution names in order of first use.
func (p *Program) Placeholders() []string {
	return p.names(OpSubst)
}

// Conditions returns the distinct conditional argument names in order of first use.
func (p *Program) Conditions() []string {
	return p.names(OpSkipUnless)
}

// References returns every distinct argument name the template uses.
func (p *Program) References() []string {
	seen := make(map[string]bool)
	var out []string
	for _, in := range p.code {
		if (in.Op == OpSubst || in.Op == OpSkipUnless) && !seen[in.Arg] {
			seen[in.Arg] = true
			out = append(out, in.Arg)
		}
	}
	return out
}

func (p *Program) names(op Op) []string {
	seen := make(map[string]bool)
	var out []string
	for _, in := range p.code {
		if in.Op == op && !seen[in.Arg] {
			seen[in.Arg] = true
			out = append(out, in.Arg)
		}
	}
	return out
}

// Execute renders the program against lookup.
func (p *Program) Execute(lookup Lookup) (string, error) {
	return p.ExecuteQuoted(lookup, nil)
}

// Context is the shell quoting context a placeholder expands in.
type Context int

const (
	// ContextBare is unquoted text.
	ContextBare Context = iota
	// ContextDouble is inside a double-quoted string.
	ContextDouble
	// ContextSingle is inside a single-quoted string.
	ContextSingle
)

func (c Context) String() string {
	switch c {
	case ContextDouble:
		return "double-quoted"
	case ContextSingle:
		return "single-quoted"
	}
	return "bare"
}

// QuoteFunc quotes a substituted value for the context it lands in.
type QuoteFunc func(value string, ctx Context) string

// ExecuteQuoted renders the program, passing every substituted value
// through quote along with the quoting context of the surrounding literal
// text. A nil quote leaves values untouched.
func (p *Program) ExecuteQuoted(lookup Lookup, quote QuoteFunc) (string, error) {
	var b strings.Builder
	b.Grow(len(p.source))
	var state quoteState

	for pc := 0; pc < len(p.code); pc++ {
		in := p.code[pc]
		switch in.Op {
		case OpText:
			b.WriteString(in.Arg)
			state.scan(in.Arg)
		case OpSubst:
			v, ok := lookup.Value(in.Arg)
			if !ok {
				return "", &UnresolvedError{Name: in.Arg}
			}
			if quote != nil {
				v = quote(v, state.ctx)
			}
			b.WriteString(v)
			// a pending backslash applies to the value's first byte
			state.escaped = false
		case OpSkipUnless:
			truthy, ok := lookup.Truthy(in.Arg)
			if !ok {
				return "", &UnresolvedError{Name: in.Arg}
			}
			if !truthy {
				pc = in.Target - 1
			}
		case OpEnd:
		}
	}

	return b.String(), nil
}

// quoteState follows shell quoting across the literal text emitted so far.
// Quoted values never change it.
type quoteState struct {
	ctx     Context
	escaped bool
}

func (s *quoteState) scan(text string) {
	for i := 0; i < len(text); i++ {
		c := text[i]
		if s.escaped {
			s.escaped = false
			continue
		}
		switch s.ctx {
		case ContextBare:
			switch c {
			case '\\':
				s.escaped = true
			case '\'':
				s.ctx = ContextSingle
			case '"':
				s.ctx = ContextDouble
			}
		case ContextDouble:
			switch c {
			case '\\':
				s.escaped = true
			case '"':
				s.ctx = ContextBare
			}
		case ContextSingle:
			if c == '\'' {
				s.ctx = ContextBare
			}
		}
	}
}
