package render

import (
	"errors"
	"strings"
	"testing"

	nterrors "github.com/neoterm/neoterm/internal/errors"
	"github.com/neoterm/neoterm/internal/logging"
	"github.com/neoterm/neoterm/internal/template"
	"github.com/neoterm/neoterm/internal/workflow"
)

func examples(t *testing.T) *workflow.Store {
	t.Helper()
	s := workflow.NewStore(logging.NewForTest())
	if _, err := workflow.LoadEmbedded(s); err != nil {
		t.Fatalf("LoadEmbedded failed: %v", err)
	}
	return s
}

func example(t *testing.T, name string) *workflow.Definition {
	t.Helper()
	def, err := examples(t).Get(name)
	if err != nil {
		t.Fatalf("Get(%q) failed: %v", name, err)
	}
	return def
}

func parse(t *testing.T, doc string) *workflow.Definition {
	t.Helper()
	def, err := workflow.Parse([]byte(doc), "")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	return def
}

func TestRender_FindLargeFiles(t *testing.T) {
	def := example(t, "Find Large Files")

	cmd, err := Render(def, Values{"directory": "/tmp", "size": "1G"})
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}

	want := `find /tmp -type f -size +1G -exec ls -lh {} \; | awk '{ print $9 ": " $5 }' | sort -k2 -hr`
	if cmd.Command() != want {
		t.Errorf("got  %q\nwant %q", cmd.Command(), want)
	}
	if cmd.Workflow() != "Find Large Files" {
		t.Errorf("Workflow = %q", cmd.Workflow())
	}
}

func TestRender_Defaults(t *testing.T) {
	def := example(t, "Find Large Files")

	defaulted, err := Render(def, nil)
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if !strings.HasPrefix(defaulted.Command(), "find . -type f -size +100M ") {
		t.Errorf("got %q", defaulted.Command())
	}

	explicit, err := Render(def, Values{"size": "100M"})
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if explicit.Command() != defaulted.Command() {
		t.Errorf("explicit default differs: %q vs %q", explicit.Command(), defaulted.Command())
	}
}

func TestRender_DockerConditional(t *testing.T) {
	def := example(t, "Docker System Cleanup")

	on, err := Render(def, Values{"networks": "true"})
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	off, err := Render(def, Values{"networks": "false"})
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}

	if !strings.Contains(on.Command(), "docker network prune -f") {
		t.Errorf("clause missing when true: %q", on.Command())
	}
	if strings.Contains(off.Command(), "network") {
		t.Errorf("clause present when false: %q", off.Command())
	}
	for _, out := range []string{on.Command(), off.Command()} {
		if strings.Contains(out, "{{") || strings.Contains(out, "}}") || strings.Contains(out, "#if") {
			t.Errorf("residual delimiter text in %q", out)
		}
	}
	if strings.Replace(on.Command(), "docker network prune -f", "", 1) != off.Command() {
		t.Error("outputs should differ only by the network clause")
	}
}

func TestRender_BooleanCaseInsensitive(t *testing.T) {
	def := example(t, "Docker System Cleanup")

	cmd, err := Render(def, Values{"all_images": "TRUE"})
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if cmd.Args()["all_images"] != "true" {
		t.Errorf("boolean not normalized: %q", cmd.Args()["all_images"])
	}
	if !strings.Contains(cmd.Command(), "docker image prune -f -a") {
		t.Errorf("got %q", cmd.Command())
	}
}

func TestRender_Errors(t *testing.T) {
	doc := `
name: errs
command: "head -n {{count}} {{file}}{{#if verbose}} -v{{/if}} {{mode}}"
arguments:
  - name: count
    arg_type: number
  - name: file
    arg_type: path
    required: true
  - name: verbose
    arg_type: boolean
  - name: mode
    options: [fast, slow]
    default_value: fast
`
	def := parse(t, doc)

	tests := []struct {
		name   string
		values Values
		kind   Kind
		arg    string
		code   string
	}{
		{"missing required", Values{}, MissingRequiredArgument, "file", nterrors.CodeRenderMissingArgument},
		{"number mismatch", Values{"file": "x", "count": "many"}, TypeMismatch, "count", nterrors.CodeRenderTypeMismatch},
		{"boolean mismatch", Values{"file": "x", "verbose": "yes"}, TypeMismatch, "verbose", nterrors.CodeRenderTypeMismatch},
		{"path null byte", Values{"file": "a\x00b"}, TypeMismatch, "file", nterrors.CodeRenderTypeMismatch},
		{"option mismatch", Values{"file": "x", "mode": "medium"}, TypeMismatch, "mode", nterrors.CodeRenderTypeMismatch},
		{"unknown argument", Values{"file": "x", "extra": "1"}, UnknownArgument, "extra", nterrors.CodeRenderUnknownArgument},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, err := Render(def, tt.values)
			if cmd != nil {
				t.Error("failed render must not return a command")
			}
			var rerr *Error
			if !errors.As(err, &rerr) {
				t.Fatalf("expected *Error, got %T (%v)", err, err)
			}
			if rerr.Kind != tt.kind || rerr.Name != tt.arg {
				t.Errorf("got %s(%s), want %s(%s)", rerr.Kind, rerr.Name, tt.kind, tt.arg)
			}
			if !nterrors.HasCode(err, tt.code) {
				t.Errorf("expected code %s, got %s", tt.code, nterrors.Code(err))
			}
			if nterrors.Details(err)["argument"] != tt.arg {
				t.Errorf("details = %v", nterrors.Details(err))
			}
		})
	}
}

func TestRender_OptionalZeroValues(t *testing.T) {
	def := parse(t, `
name: zeros
command: "x{{n}}{{#if b}} b{{/if}}"
arguments:
  - name: n
    arg_type: number
  - name: b
    arg_type: boolean
`)
	cmd, err := Render(def, nil)
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if cmd.Command() != "x" {
		t.Errorf("got %q", cmd.Command())
	}
	if args := cmd.Args(); args["n"] != "" || args["b"] != "false" {
		t.Errorf("Args = %v", args)
	}
}

func TestRender_NotShellEscaped(t *testing.T) {
	def := example(t, "Find Large Files")

	cmd, err := Render(def, Values{"directory": "my dir; rm -rf /"})
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if !strings.HasPrefix(cmd.Command(), "find my dir; rm -rf / -type f") {
		t.Errorf("value should be substituted verbatim, got %q", cmd.Command())
	}

	quoted := cmd.Quoted(func(s string, _ template.Context) string { return "'" + s + "'" })
	if !strings.HasPrefix(quoted, "find 'my dir; rm -rf /' -type f -size +'100M' ") {
		t.Errorf("Quoted = %q", quoted)
	}
}

func TestRender_Deterministic(t *testing.T) {
	def := example(t, "Docker System Cleanup")
	values := Values{"volumes": "true", "networks": "true"}

	first, _ := Render(def, values)
	for i := 0; i < 20; i++ {
		again, _ := Render(def, values)
		if again.Command() != first.Command() {
			t.Fatalf("render %d differs", i)
		}
	}
}

func TestRenderedCommand_ArgsIsCopy(t *testing.T) {
	cmd, _ := Render(example(t, "Find Large Files"), nil)
	args := cmd.Args()
	args["directory"] = "/changed"
	if cmd.Args()["directory"] != "." {
		t.Error("Args should return a copy")
	}
	if names := cmd.ArgNames(); len(names) != 2 || names[0] != "directory" {
		t.Errorf("ArgNames = %v", names)
	}
}

func TestParseValues(t *testing.T) {
	values, err := ParseValues([]string{"a=1", "b=x=y", "c="})
	if err != nil {
		t.Fatalf("ParseValues failed: %v", err)
	}
	if values["a"] != "1" || values["b"] != "x=y" || values["c"] != "" {
		t.Errorf("values = %v", values)
	}

	if _, err := ParseValues([]string{"novalue"}); err == nil {
		t.Error("expected error for missing =")
	}
	if _, err := ParseValues([]string{"=x"}); err == nil {
		t.Error("expected error for empty name")
	}
}

func TestPreview(t *testing.T) {
	def := parse(t, `
name: env
command: "echo $GREETING ${TARGET} $9 {{msg}}"
arguments:
  - name: msg
    default_value: hi
`)
	env := map[string]string{"GREETING": "hello", "PATH": "/bin"}
	lookup := func(k string) (string, bool) { v, ok := env[k]; return v, ok }

	dry, err := PreviewWithEnv(def, nil, lookup)
	if err != nil {
		t.Fatalf("Preview failed: %v", err)
	}
	if dry.Template != def.Command || dry.Command.Command() != "echo $GREETING ${TARGET} $9 hi" {
		t.Errorf("unexpected dry run %+v", dry)
	}

	if len(dry.Env) < 2 || dry.Env[0].Name != "GREETING" || dry.Env[1].Name != "TARGET" {
		t.Fatalf("Env = %+v", dry.Env)
	}
	if !dry.Env[0].Set || dry.Env[0].Value != "hello" {
		t.Errorf("GREETING = %+v", dry.Env[0])
	}
	if dry.Env[1].Set {
		t.Errorf("TARGET should be unset")
	}
	if len(dry.Env) != 2+len(commonEnv) {
		t.Errorf("expected %d variables, got %d", 2+len(commonEnv), len(dry.Env))
	}
}

func TestPreview_RenderError(t *testing.T) {
	def := example(t, "Find Large Files")
	if _, err := Preview(def, Values{"bogus": "1"}); !nterrors.HasCode(err, nterrors.CodeRenderUnknownArgument) {
		t.Errorf("expected %s, got %v", nterrors.CodeRenderUnknownArgument, err)
	}
}
