package render

import (
	"fmt"

	nterrors "github.com/neoterm/neoterm/internal/errors"
)

// Kind classifies a render failure.
type Kind string

const (
	MissingRequiredArgument Kind = "missing_required_argument"
	TypeMismatch            Kind = "type_mismatch"
	UnresolvedPlaceholder   Kind = "unresolved_placeholder"
	UnknownArgument         Kind = "unknown_argument"
)

func (k Kind) code() string {
	switch k {
	case MissingRequiredArgument:
		return nterrors.CodeRenderMissingArgument
	case TypeMismatch:
		return nterrors.CodeRenderTypeMismatch
	case UnresolvedPlaceholder:
		return nterrors.CodeRenderUnresolved
	case UnknownArgument:
		return nterrors.CodeRenderUnknownArgument
	}
	return ""
}

// Error is a render failure with the offending argument.
type Error struct {
	Kind     Kind
	Workflow string
	Name     string
	Expected string // TypeMismatch only
	Got      string // TypeMismatch only
}

func (e *Error) Error() string {
	switch e.Kind {
	case MissingRequiredArgument:
		return fmt.Sprintf("workflow %s: missing required argument %s", e.Workflow, e.Name)
	case TypeMismatch:
		return fmt.Sprintf("workflow %s: argument %s expects %s, got %q", e.Workflow, e.Name, e.Expected, e.Got)
	case UnresolvedPlaceholder:
		return fmt.Sprintf("workflow %s: unresolved placeholder %s", e.Workflow, e.Name)
	case UnknownArgument:
		return fmt.Sprintf("workflow %s: unknown argument %s", e.Workflow, e.Name)
	}
	return fmt.Sprintf("workflow %s: render failed for %s", e.Workflow, e.Name)
}

// Unwrap exposes the structured error so errors.HasCode works.
func (e *Error) Unwrap() error {
	nerr := nterrors.New(e.Kind.code(), e.Error()).
		WithDetail("workflow", e.Workflow).
		WithDetail("argument", e.Name)
	if e.Kind == TypeMismatch {
		nerr.WithDetail("expected", e.Expected).WithDetail("got", e.Got)
	}
	return nerr
}
