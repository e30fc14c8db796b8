// Package render expands workflow templates against caller-supplied
// argument values.
//
// Rendering is text-level: values are substituted verbatim and never
// shell-escaped here. Quoting is applied later by the sandbox through
// RenderedCommand.Quoted.
package render

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/neoterm/neoterm/internal/template"
	"github.com/neoterm/neoterm/internal/workflow"
)

// Values are the caller-supplied argument values, keyed by argument name.
type Values map[string]string

// ParseValues parses "name=value" pairs as given on a command line.
func ParseValues(pairs []string) (Values, error) {
	values := make(Values, len(pairs))
	for _, p := range pairs {
		name, value, ok := strings.Cut(p, "=")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("invalid argument %q: expected name=value", p)
		}
		values[strings.TrimSpace(name)] = value
	}
	return values, nil
}

// RenderedCommand is the immutable result of a successful render.
type RenderedCommand struct {
	workflow string
	command  string
	args     map[string]string
	program  *template.Program
}

// Workflow returns the name of the rendered workflow.
func (r *RenderedCommand) Workflow() string { return r.workflow }

// Command returns the fully substituted command.
func (r *RenderedCommand) Command() string { return r.command }

// String returns the command.
func (r *RenderedCommand) String() string { return r.command }

// Args returns a copy of the resolved argument map.
func (r *RenderedCommand) Args() map[string]string {
	return maps.Clone(r.args)
}

// ArgNames returns the resolved argument names, sorted.
func (r *RenderedCommand) ArgNames() []string {
	return slices.Sorted(maps.Keys(r.args))
}

// Quoted re-renders the command with quote applied to every substituted
// value. Literal template text is left untouched.
func (r *RenderedCommand) Quoted(quote template.QuoteFunc) string {
	out, err := r.program.ExecuteQuoted(template.MapLookup(r.args), quote)
	if err != nil {
		// args resolved every reference when the command was rendered
		panic(fmt.Sprintf("re-rendering %s: %v", r.workflow, err))
	}
	return out
}

// Render resolves values against def's argument specs and expands the
// command template. Identical inputs always produce identical output.
//
// Resolution per argument: the supplied value, else the default, else an
// error when the argument is required, else the type's zero value.
func Render(def *workflow.Definition, values Values) (*RenderedCommand, error) {
	args, err := resolve(def, values)
	if err != nil {
		return nil, err
	}

	program := def.Program()
	if program == nil {
		return nil, &Error{Kind: UnresolvedPlaceholder, Workflow: def.Name, Name: "(template not compiled)"}
	}
	command, err := program.Execute(template.MapLookup(args))
	if err != nil {
		var unresolved *template.UnresolvedError
		name := err.Error()
		if errors.As(err, &unresolved) {
			name = unresolved.Name
		}
		return nil, &Error{Kind: UnresolvedPlaceholder, Workflow: def.Name, Name: name}
	}

	return &RenderedCommand{
		workflow: def.Name,
		command:  command,
		args:     args,
		program:  program,
	}, nil
}

func resolve(def *workflow.Definition, values Values) (map[string]string, error) {
	// Unknown names are reported in sorted order so the error is stable.
	for _, name := range slices.Sorted(maps.Keys(values)) {
		if _, ok := def.Argument(name); !ok {
			return nil, &Error{Kind: UnknownArgument, Workflow: def.Name, Name: name}
		}
	}

	args := make(map[string]string, len(def.Arguments))
	for _, spec := range def.Arguments {
		value, ok := values[spec.Name]
		switch {
		case ok:
		case spec.HasDefault():
			value = *spec.Default
		case spec.Required:
			return nil, &Error{Kind: MissingRequiredArgument, Workflow: def.Name, Name: spec.Name}
		default:
			// Zero values are not subject to type or option checks.
			args[spec.Name] = spec.Type.Zero()
			continue
		}

		if spec.Type == workflow.ArgBoolean {
			value = strings.ToLower(strings.TrimSpace(value))
		}
		if ok, _ := spec.Type.Check(value); !ok {
			return nil, &Error{Kind: TypeMismatch, Workflow: def.Name, Name: spec.Name, Expected: string(spec.Type), Got: value}
		}
		if !spec.Allows(value) {
			expected := "one of " + strings.Join(spec.Options, ", ")
			return nil, &Error{Kind: TypeMismatch, Workflow: def.Name, Name: spec.Name, Expected: expected, Got: value}
		}
		args[spec.Name] = value
	}
	return args, nil
}
