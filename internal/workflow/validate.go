package workflow

import (
	"errors"
	"fmt"
	"strings"

	nterrors "github.com/neoterm/neoterm/internal/errors"
	"github.com/neoterm/neoterm/internal/template"
)

// Issue is a single validation problem.
type Issue struct {
	Field   string // e.g. "command", "arguments[1].default_value"
	Message string
}

func (i Issue) String() string {
	if i.Field == "" {
		return i.Message
	}
	return fmt.Sprintf("%s: %s", i.Field, i.Message)
}

// ValidationError reports every problem found in a workflow document.
type ValidationError struct {
	Workflow string // Name, when the document got far enough to have one
	Path     string
	Issues   []Issue
}

func (e *ValidationError) Error() string {
	var msgs []string
	for _, i := range e.Issues {
		msgs = append(msgs, i.String())
	}
	subject := "workflow"
	if e.Workflow != "" {
		subject = fmt.Sprintf("workflow %q", e.Workflow)
	}
	return fmt.Sprintf("%s failed validation with %d error(s):\n  - %s",
		subject, len(e.Issues), strings.Join(msgs, "\n  - "))
}

// Unwrap exposes the structured error so errors.HasCode works.
func (e *ValidationError) Unwrap() error {
	nerr := nterrors.New(nterrors.CodeWorkflowInvalid, "workflow failed validation").
		WithDetail("issues", len(e.Issues))
	if e.Workflow != "" {
		nerr.WithDetail("workflow", e.Workflow)
	}
	if e.Path != "" {
		nerr.WithDetail("path", e.Path)
	}
	if len(e.Issues) > 0 {
		nerr.WithDetail("field", e.Issues[0].Field)
	}
	return nerr
}

func (e *ValidationError) add(field, format string, args ...any) {
	e.Issues = append(e.Issues, Issue{Field: field, Message: fmt.Sprintf(format, args...)})
}

// validateSemantics checks the rules that need more than the document shape:
// the template compiles, references resolve to declared arguments, and
// defaults satisfy their types. It compiles the program into def.
func validateSemantics(def *Definition, verr *ValidationError) {
	declared := make(map[string]ArgumentSpec, len(def.Arguments))
	for i, arg := range def.Arguments {
		field := fmt.Sprintf("arguments[%d]", i)

		if _, dup := declared[arg.Name]; dup {
			verr.add(field+".name", "duplicate argument name %q", arg.Name)
			continue
		}
		declared[arg.Name] = arg

		if !template.ValidName(arg.Name) {
			verr.add(field+".name", "argument name %q cannot be used in a placeholder", arg.Name)
		}
		if !arg.Type.Valid() {
			verr.add(field+".arg_type", "unknown argument type %q", arg.Type)
			continue
		}

		for j, opt := range arg.Options {
			if ok, why := arg.Type.Check(opt); !ok {
				verr.add(fmt.Sprintf("%s.options[%d]", field, j), "option %q %s", opt, why)
			}
		}

		if arg.Default != nil {
			if ok, why := arg.Type.Check(*arg.Default); !ok {
				verr.add(field+".default_value", "default %q for %s argument %s", *arg.Default, arg.Type, why)
			} else if !arg.Allows(*arg.Default) {
				verr.add(field+".default_value", "default %q is not one of the options %v", *arg.Default, arg.Options)
			}
		}
	}

	program, err := template.Compile(def.Command)
	if err != nil {
		var syn *template.SyntaxError
		if errors.As(err, &syn) {
			verr.add("command", "%s (offset %d)", syn.Msg, syn.Pos)
		} else {
			verr.add("command", "%v", err)
		}
		return
	}

	for _, name := range program.Placeholders() {
		if _, ok := declared[name]; !ok {
			verr.add("command", "placeholder {{%s}} has no corresponding argument", name)
		}
	}
	for _, name := range program.Conditions() {
		arg, ok := declared[name]
		if !ok {
			verr.add("command", "condition {{#if %s}} has no corresponding argument", name)
			continue
		}
		if arg.Type != ArgBoolean {
			verr.add("command", "condition {{#if %s}} requires a boolean argument, got %s", name, arg.Type)
		}
	}

	def.program = program
}
