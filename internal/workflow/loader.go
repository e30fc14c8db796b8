package workflow

import (
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	nterrors "github.com/neoterm/neoterm/internal/errors"
)

//go:embed examples/*.yaml
var examplesFS embed.FS

// Scope names where a definition was loaded from. Later scopes override
// earlier ones: embedded, then user, then project.
type Scope string

const (
	ScopeEmbedded Scope = "embedded"
	ScopeUser     Scope = "user"
	ScopeProject  Scope = "project"
)

// Valid returns true if this is a recognized scope.
func (s Scope) Valid() bool {
	switch s {
	case ScopeEmbedded, ScopeUser, ScopeProject:
		return true
	}
	return false
}

// LoadFailure records one document that could not be loaded.
type LoadFailure struct {
	Path string
	Err  error
}

// LoadReport summarizes a directory load.
type LoadReport struct {
	Loaded  []string // workflow names, in file order
	Failed  []LoadFailure
	Skipped []string // non-workflow files
}

// OK reports whether every document loaded.
func (r LoadReport) OK() bool {
	return len(r.Failed) == 0
}

func isDocument(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}

// LoadDir loads every *.yaml and *.yml file under dir into store. Invalid
// documents are reported and logged; they never reach the store. With
// replace set, definitions override same-named ones already registered.
// A missing directory is an empty load.
func LoadDir(store *Store, dir string, replace bool) (LoadReport, error) {
	var report LoadReport

	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return report, nil
	}

	var paths []string
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if p != dir && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !isDocument(d.Name()) {
			report.Skipped = append(report.Skipped, p)
			return nil
		}
		paths = append(paths, p)
		return nil
	})
	if err != nil {
		return report, nterrors.FromIO(nterrors.IORead, dir, err)
	}
	sort.Strings(paths)

	for _, p := range paths {
		def, err := ParseFile(p)
		if err == nil {
			if replace {
				err = store.Replace(def)
			} else {
				err = store.Add(def)
			}
		}
		if err != nil {
			store.logger.Warn("skipping workflow document", "path", p, "error", err)
			report.Failed = append(report.Failed, LoadFailure{Path: p, Err: err})
			continue
		}
		report.Loaded = append(report.Loaded, def.Name)
	}
	return report, nil
}

// LoadEmbedded registers the built-in example workflows.
func LoadEmbedded(store *Store) (LoadReport, error) {
	var report LoadReport

	entries, err := fs.ReadDir(examplesFS, "examples")
	if err != nil {
		return report, fmt.Errorf("reading embedded workflows: %w", err)
	}
	for _, e := range entries {
		p := path.Join("examples", e.Name())
		data, err := examplesFS.ReadFile(p)
		if err != nil {
			return report, fmt.Errorf("reading embedded workflow %s: %w", p, err)
		}
		def, err := Parse(data, "<embedded>/"+p)
		if err == nil {
			err = store.Replace(def)
		}
		if err != nil {
			// Embedded documents are covered by tests; a failure here is a build defect.
			store.logger.Error("embedded workflow is invalid", "path", p, "error", err)
			report.Failed = append(report.Failed, LoadFailure{Path: p, Err: err})
			continue
		}
		report.Loaded = append(report.Loaded, def.Name)
	}
	return report, nil
}

// Seed writes the built-in examples into dir when it holds no workflow
// documents yet. It returns the files written.
func Seed(dir string) ([]string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, nterrors.FromIO(nterrors.IOWrite, dir, err)
	}

	existing, err := os.ReadDir(dir)
	if err != nil {
		return nil, nterrors.FromIO(nterrors.IORead, dir, err)
	}
	for _, e := range existing {
		if !e.IsDir() && isDocument(e.Name()) {
			return nil, nil
		}
	}

	entries, err := fs.ReadDir(examplesFS, "examples")
	if err != nil {
		return nil, fmt.Errorf("reading embedded workflows: %w", err)
	}
	var written []string
	for _, e := range entries {
		data, err := examplesFS.ReadFile(path.Join("examples", e.Name()))
		if err != nil {
			return written, fmt.Errorf("reading embedded workflow %s: %w", e.Name(), err)
		}
		dst := filepath.Join(dir, e.Name())
		if err := os.WriteFile(dst, data, 0644); err != nil {
			return written, nterrors.FromIO(nterrors.IOWrite, dst, err)
		}
		written = append(written, dst)
	}
	return written, nil
}

// Loader fills a store from every scope in precedence order.
type Loader struct {
	// ProjectDir holds project workflows (e.g. <project>/.neoterm/workflows).
	ProjectDir string

	// UserDir holds user workflows (e.g. ~/.neoterm/workflows).
	UserDir string

	// SkipEmbedded leaves the built-in examples out.
	SkipEmbedded bool

	Logger *slog.Logger
}

// NewLoader creates a loader for the given project workflows directory and
// the default user directory.
func NewLoader(projectDir string) *Loader {
	userDir := ""
	if home, err := os.UserHomeDir(); err == nil {
		userDir = filepath.Join(home, ".neoterm", "workflows")
	}
	return &Loader{ProjectDir: projectDir, UserDir: userDir}
}

// Load builds a store. Project definitions override user definitions,
// which override embedded ones. The returned reports are keyed by scope.
func (l *Loader) Load() (*Store, map[Scope]LoadReport, error) {
	store := NewStore(l.Logger)
	reports := make(map[Scope]LoadReport)

	if !l.SkipEmbedded {
		r, err := LoadEmbedded(store)
		if err != nil {
			return nil, nil, err
		}
		reports[ScopeEmbedded] = r
	}

	for _, src := range []struct {
		scope Scope
		dir   string
	}{
		{ScopeUser, l.UserDir},
		{ScopeProject, l.ProjectDir},
	} {
		if src.dir == "" {
			continue
		}
		if src.scope == ScopeUser && l.ProjectDir != "" && samePath(src.dir, l.ProjectDir) {
			continue
		}
		r, err := LoadDir(store, src.dir, true)
		if err != nil {
			return nil, nil, err
		}
		reports[src.scope] = r
	}

	return store, reports, nil
}

func samePath(a, b string) bool {
	aa, err1 := filepath.Abs(a)
	bb, err2 := filepath.Abs(b)
	return err1 == nil && err2 == nil && aa == bb
}
