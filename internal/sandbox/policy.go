// Package sandbox decides, before anything is spawned, whether a command may
// run under a policy, and produces the execution plan the engine runs.
//
// The gate is static: it parses the command with a shell parser and
// inspects redirections, command names and path literals. It does not
// trace system calls.
package sandbox

import (
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/neoterm/neoterm/internal/config"
	nterrors "github.com/neoterm/neoterm/internal/errors"
)

// Mode selects how write findings are handled when writes are not allowed.
type Mode string

const (
	// ModeExecute denies commands that would write.
	ModeExecute Mode = "execute"
	// ModeReplay rewrites writing statements into previews and runs the rest.
	ModeReplay Mode = "replay"
)

// Valid returns true if this is a recognized mode.
func (m Mode) Valid() bool {
	return m == ModeExecute || m == ModeReplay
}

// PolicySpec is the mutable input to NewPolicy.
type PolicySpec struct {
	Roots        []string
	AllowWrite   bool
	AllowNetwork bool
	TimeLimit    time.Duration
	Mode         Mode
	Workdir      string
	EnvAllow     []string
	Shell        string
}

// SpecFromConfig builds a spec from the sandbox and shell configuration.
func SpecFromConfig(cfg *config.Config) PolicySpec {
	return PolicySpec{
		Roots:        slices.Clone(cfg.Sandbox.Roots),
		AllowWrite:   cfg.Sandbox.AllowWrite,
		AllowNetwork: cfg.Sandbox.AllowNetwork,
		TimeLimit:    cfg.Sandbox.TimeLimit,
		Mode:         ModeExecute,
		EnvAllow:     slices.Clone(cfg.Sandbox.EnvAllow),
		Shell:        cfg.Shell.Program,
	}
}

// Policy is a read-only capability descriptor for one execution.
type Policy struct {
	roots        []string
	allowWrite   bool
	allowNetwork bool
	timeLimit    time.Duration
	mode         Mode
	workdir      string
	envAllow     []string
	shell        string
}

// NewPolicy validates spec and freezes it. Relative roots and workdir are
// made absolute against the process working directory.
func NewPolicy(spec PolicySpec) (*Policy, error) {
	p := &Policy{
		allowWrite:   spec.AllowWrite,
		allowNetwork: spec.AllowNetwork,
		timeLimit:    spec.TimeLimit,
		mode:         spec.Mode,
		envAllow:     slices.Clone(spec.EnvAllow),
		shell:        spec.Shell,
	}
	if p.mode == "" {
		p.mode = ModeExecute
	}
	if !p.mode.Valid() {
		return nil, nterrors.ConfigInvalidValue("sandbox.mode", string(spec.Mode), "must be execute or replay")
	}
	if p.timeLimit < 0 {
		return nil, nterrors.ConfigInvalidValue("sandbox.time_limit", spec.TimeLimit.String(), "must not be negative")
	}
	if p.shell == "" {
		p.shell = "/bin/sh"
	}

	for _, r := range spec.Roots {
		if strings.TrimSpace(r) == "" {
			return nil, nterrors.ConfigInvalidValue("sandbox.roots", r, "root must not be empty")
		}
		abs, err := filepath.Abs(r)
		if err != nil {
			return nil, nterrors.ConfigInvalidValue("sandbox.roots", r, err.Error())
		}
		if !slices.Contains(p.roots, abs) {
			p.roots = append(p.roots, abs)
		}
	}

	if spec.Workdir != "" {
		abs, err := filepath.Abs(spec.Workdir)
		if err != nil {
			return nil, nterrors.ConfigInvalidValue("sandbox.workdir", spec.Workdir, err.Error())
		}
		p.workdir = abs
	}
	return p, nil
}

// Roots returns the allowed filesystem roots. Empty means unrestricted.
func (p *Policy) Roots() []string { return slices.Clone(p.roots) }

func (p *Policy) AllowWrite() bool         { return p.allowWrite }
func (p *Policy) AllowNetwork() bool       { return p.allowNetwork }
func (p *Policy) TimeLimit() time.Duration { return p.timeLimit }
func (p *Policy) Mode() Mode               { return p.mode }
func (p *Policy) Workdir() string          { return p.workdir }
func (p *Policy) EnvAllow() []string       { return slices.Clone(p.envAllow) }
func (p *Policy) Shell() string            { return p.shell }

// Contains reports whether path lies inside one of the roots. A policy
// without roots contains every path.
func (p *Policy) Contains(path string) bool {
	if len(p.roots) == 0 {
		return true
	}
	clean := filepath.Clean(path)
	for _, r := range p.roots {
		if clean == r || r == "/" || strings.HasPrefix(clean, r+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

func (p *Policy) String() string {
	return fmt.Sprintf("roots=%v write=%t network=%t mode=%s limit=%s",
		p.roots, p.allowWrite, p.allowNetwork, p.mode, p.timeLimit)
}
