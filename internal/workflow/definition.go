// Package workflow loads, validates and stores parameterized workflow
// definitions.
//
// A definition is validated completely when it is loaded: the command
// template must compile, every placeholder must name a declared argument,
// and declared defaults must satisfy their argument type. Rendering never
// sees a definition that failed any of these checks.
package workflow

import (
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/neoterm/neoterm/internal/template"
)

// ArgType is the declared type of a workflow argument.
type ArgType string

const (
	ArgString  ArgType = "string"
	ArgBoolean ArgType = "boolean"
	ArgPath    ArgType = "path"
	ArgNumber  ArgType = "number"
)

// Valid returns true if this is a recognized argument type.
func (t ArgType) Valid() bool {
	switch t {
	case ArgString, ArgBoolean, ArgPath, ArgNumber:
		return true
	}
	return false
}

// Check reports whether value satisfies the type. The returned string
// describes the problem when it does not.
func (t ArgType) Check(value string) (bool, string) {
	switch t {
	case ArgBoolean:
		if value != "true" && value != "false" {
			return false, "must be true or false"
		}
	case ArgNumber:
		if _, err := strconv.ParseFloat(strings.TrimSpace(value), 64); err != nil {
			return false, "must be numeric"
		}
	case ArgPath:
		if strings.ContainsRune(value, 0) {
			return false, "path must not contain null bytes"
		}
	}
	return true, ""
}

// Zero returns the value an optional argument takes when it has neither a
// supplied value nor a default.
func (t ArgType) Zero() string {
	if t == ArgBoolean {
		return "false"
	}
	return ""
}

// Shell is a shell a workflow is valid under.
type Shell string

const (
	ShellBash Shell = "bash"
	ShellZsh  Shell = "zsh"
	ShellFish Shell = "fish"
	ShellSh   Shell = "sh"
)

// ShellFromProgram derives the shell variant from an executable path.
func ShellFromProgram(program string) Shell {
	return Shell(strings.ToLower(filepath.Base(program)))
}

// ArgumentSpec declares one workflow argument.
type ArgumentSpec struct {
	Name        string
	Description string
	Type        ArgType
	Default     *string // nil when no default is declared
	Required    bool
	Options     []string // allowed values; empty means unrestricted
}

// HasDefault reports whether the argument declares a default value.
func (a ArgumentSpec) HasDefault() bool {
	return a.Default != nil
}

// Allows reports whether value is one of the declared options.
// Arguments without options allow every value.
func (a ArgumentSpec) Allows(value string) bool {
	return len(a.Options) == 0 || slices.Contains(a.Options, value)
}

// Definition is a validated workflow.
//
// Definitions are shared between goroutines once they are in a Store and
// must be treated as read-only.
type Definition struct {
	Name        string
	Description string
	Shells      []Shell
	Tags        []string
	Author      string
	AuthorURL   string
	SourceURL   string
	Command     string
	Arguments   []ArgumentSpec

	// Path is the file the definition was loaded from, empty for raw loads.
	Path string

	program *template.Program
}

// Program returns the compiled command template.
func (d *Definition) Program() *template.Program {
	return d.program
}

// Argument returns the spec for name.
func (d *Definition) Argument(name string) (ArgumentSpec, bool) {
	for _, a := range d.Arguments {
		if a.Name == name {
			return a, true
		}
	}
	return ArgumentSpec{}, false
}

// CompatibleWith reports whether the workflow may run under shell.
// A workflow without a shell list runs under every shell.
func (d *Definition) CompatibleWith(shell Shell) bool {
	return len(d.Shells) == 0 || slices.Contains(d.Shells, shell)
}

// Category returns the category derived from the first recognized tag.
func (d *Definition) Category() Category {
	for _, tag := range d.Tags {
		if c, ok := tagCategories[strings.ToLower(tag)]; ok {
			return c
		}
	}
	return CategoryOther
}
