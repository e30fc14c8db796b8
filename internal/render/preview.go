package render

import (
	"os"
	"regexp"
	"slices"

	"github.com/neoterm/neoterm/internal/workflow"
)

// commonEnv are always listed in a preview; most commands depend on them
// implicitly.
var commonEnv = []string{"PATH", "HOME", "USER", "SHELL", "TERM", "LANG"}

var envRef = regexp.MustCompile(`\$\{?([A-Za-z_][A-Za-z0-9_]*)`)

// EnvVar is an environment variable a command may read, with its current
// value.
type EnvVar struct {
	Name  string
	Value string
	Set   bool
}

// DryRun describes what running a workflow would do, without running it.
type DryRun struct {
	Workflow string
	Template string
	Command  *RenderedCommand
	Env      []EnvVar
}

// Preview renders def and collects the environment the command refers to.
// Variables referenced as $NAME or ${NAME} come first in order of
// appearance, followed by the common ones.
func Preview(def *workflow.Definition, values Values) (*DryRun, error) {
	return PreviewWithEnv(def, values, os.LookupEnv)
}

// PreviewWithEnv is Preview with an explicit environment source.
func PreviewWithEnv(def *workflow.Definition, values Values, lookup func(string) (string, bool)) (*DryRun, error) {
	cmd, err := Render(def, values)
	if err != nil {
		return nil, err
	}

	var names []string
	for _, m := range envRef.FindAllStringSubmatch(cmd.Command(), -1) {
		if !slices.Contains(names, m[1]) {
			names = append(names, m[1])
		}
	}
	for _, name := range commonEnv {
		if !slices.Contains(names, name) {
			names = append(names, name)
		}
	}

	dry := &DryRun{Workflow: def.Name, Template: def.Command, Command: cmd}
	for _, name := range names {
		v, ok := lookup(name)
		dry.Env = append(dry.Env, EnvVar{Name: name, Value: v, Set: ok})
	}
	return dry, nil
}
