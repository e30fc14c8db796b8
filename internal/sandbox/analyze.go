package sandbox

import (
	"fmt"
	"path"
	"slices"
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

// FindingKind classifies what static analysis saw in a command.
type FindingKind string

const (
	FindingWrite   FindingKind = "write"
	FindingNetwork FindingKind = "network"
	FindingPath    FindingKind = "path"
)

// Finding is one observation about a command.
type Finding struct {
	Kind      FindingKind
	Statement string // the statement it was found in, single-line
	Detail    string // redirect, command name or path literal
	Target    string // file written by a redirection
	Line      uint
	Col       uint
}

func (f Finding) String() string {
	return fmt.Sprintf("%s %s (%s)", f.Kind, f.Detail, f.Statement)
}

// Analysis is the result of inspecting one command.
type Analysis struct {
	Command  string
	Findings []Finding

	file *syntax.File
}

// Of returns the findings of kind k.
func (a *Analysis) Of(k FindingKind) []Finding {
	var out []Finding
	for _, f := range a.Findings {
		if f.Kind == k {
			out = append(out, f)
		}
	}
	return out
}

// Writes reports whether any statement writes to the filesystem.
func (a *Analysis) Writes() bool { return len(a.Of(FindingWrite)) > 0 }

// Network reports whether any statement uses the network.
func (a *Analysis) Network() bool { return len(a.Of(FindingNetwork)) > 0 }

// Paths returns the distinct path literals the command mentions.
func (a *Analysis) Paths() []string {
	var out []string
	for _, f := range a.Of(FindingPath) {
		if !slices.Contains(out, f.Detail) {
			out = append(out, f.Detail)
		}
	}
	return out
}

// Devices that are safe to redirect into and are not filesystem paths.
var pseudoFiles = map[string]bool{
	"/dev/null": true, "/dev/stdout": true, "/dev/stderr": true, "/dev/stdin": true,
	"/dev/tty": true, "/dev/zero": true, "/dev/random": true, "/dev/urandom": true,
}

// Commands that modify the filesystem whenever they run.
var writeCommands = map[string]bool{
	"rm": true, "mv": true, "cp": true, "mkdir": true, "rmdir": true,
	"touch": true, "dd": true, "chmod": true, "chown": true, "chgrp": true,
	"ln": true, "truncate": true, "tee": true, "install": true, "shred": true,
	"unlink": true, "mkfifo": true, "mknod": true, "rsync": true, "tar": true,
	"unzip": true, "patch": true,
}

// Commands that reach the network whenever they run.
var networkCommands = map[string]bool{
	"curl": true, "wget": true, "ssh": true, "scp": true, "sftp": true,
	"nc": true, "ncat": true, "netcat": true, "telnet": true, "ftp": true,
	"ping": true, "dig": true, "nslookup": true, "host": true, "traceroute": true,
}

// Subcommands that write or use the network, per tool.
var subcommands = map[string]struct{ write, network []string }{
	"docker": {
		write:   []string{"prune", "rm", "rmi", "kill", "stop", "run", "create", "build", "pull", "tag", "load", "commit", "cp"},
		network: []string{"pull", "push", "login", "search"},
	},
	"git": {
		write:   []string{"clean", "reset", "push", "commit", "checkout", "switch", "merge", "rebase", "rm", "mv", "add", "pull", "clone", "fetch", "stash", "tag", "restore", "init", "cherry-pick", "revert"},
		network: []string{"clone", "fetch", "pull", "push", "ls-remote", "submodule"},
	},
	"apt":     {write: []string{"install", "remove", "purge", "upgrade", "update", "autoremove"}, network: []string{"install", "upgrade", "update"}},
	"apt-get": {write: []string{"install", "remove", "purge", "upgrade", "update", "autoremove"}, network: []string{"install", "upgrade", "update"}},
	"brew":    {write: []string{"install", "uninstall", "upgrade", "update", "cleanup"}, network: []string{"install", "upgrade", "update", "fetch"}},
	"npm":     {write: []string{"install", "i", "ci", "uninstall", "update", "publish"}, network: []string{"install", "i", "ci", "update", "publish"}},
	"pip":     {write: []string{"install", "uninstall"}, network: []string{"install", "download"}},
	"go":      {write: []string{"install", "build", "get", "mod"}, network: []string{"get", "install", "mod"}},
	"kubectl": {write: []string{"apply", "delete", "create", "patch", "replace", "scale"}, network: []string{"apply", "delete", "create", "patch", "replace", "scale", "get", "describe", "logs", "exec"}},
}

// Wrappers run their first non-option argument as a command.
var wrappers = map[string]bool{
	"sudo": true, "doas": true, "env": true, "nice": true, "nohup": true,
	"time": true, "command": true, "exec": true, "stdbuf": true,
	"timeout": true, "xargs": true, "ionice": true,
}

// Analyze parses command as a shell script under the given shell and
// reports what it would touch.
func Analyze(command, shell string) (*Analysis, error) {
	file, err := parse(command, shell)
	if err != nil {
		return nil, err
	}
	a := &Analysis{Command: command, file: file}

	syntax.Walk(file, func(n syntax.Node) bool {
		switch n := n.(type) {
		case *syntax.Stmt:
			a.Findings = append(a.Findings, inspectStmt(n)...)
		case *syntax.CallExpr:
			a.Findings = append(a.Findings, inspectPaths(n)...)
		}
		return true
	})
	return a, nil
}

func variant(shell string) syntax.LangVariant {
	switch path.Base(shell) {
	case "sh", "dash", "ash":
		return syntax.LangPOSIX
	case "mksh":
		return syntax.LangMirBSDKorn
	}
	return syntax.LangBash
}

func parse(command, shell string) (*syntax.File, error) {
	parser := syntax.NewParser(syntax.Variant(variant(shell)))
	return parser.Parse(strings.NewReader(command), "")
}

// inspectStmt reports the writes and network use of one statement's own
// command and redirections. Nested statements are visited separately.
func inspectStmt(s *syntax.Stmt) []Finding {
	var out []Finding
	text := nodeText(s)
	at := func(kind FindingKind, detail string, pos syntax.Pos) Finding {
		return Finding{Kind: kind, Statement: text, Detail: detail, Line: pos.Line(), Col: pos.Col()}
	}

	for _, r := range s.Redirs {
		if target, ok := writeTarget(r); ok {
			f := at(FindingWrite, r.Op.String()+" "+target, r.Pos())
			if wordText(r.Word) != "" {
				f.Target = target
			}
			out = append(out, f)
		}
	}

	call, ok := s.Cmd.(*syntax.CallExpr)
	if !ok {
		return out
	}
	name, args := commandName(call)
	if name == "" {
		return out
	}
	write, network := classify(name, args)
	if write != "" {
		out = append(out, at(FindingWrite, write, call.Pos()))
	}
	if network != "" {
		out = append(out, at(FindingNetwork, network, call.Pos()))
	}
	return out
}

// writeTarget returns the file a redirection writes to.
func writeTarget(r *syntax.Redirect) (string, bool) {
	target := wordText(r.Word)
	switch r.Op {
	case syntax.RdrOut, syntax.AppOut, syntax.ClbOut, syntax.RdrAll, syntax.AppAll, syntax.RdrInOut:
	case syntax.DplOut:
		// >&2 and >&- duplicate descriptors; >&file writes a file in bash.
		if target == "-" || isDigits(target) {
			return "", false
		}
	default:
		return "", false
	}
	if pseudoFiles[target] {
		return "", false
	}
	if target == "" {
		target = nodeText(r.Word)
	}
	return target, true
}

// inspectPaths reports absolute and parent-relative path literals among a
// call's arguments. The command word itself is an executable, not data.
func inspectPaths(call *syntax.CallExpr) []Finding {
	var out []Finding
	for i, w := range call.Args {
		if i == 0 {
			continue
		}
		lit := wordText(w)
		if v, ok := strings.CutPrefix(lit, "--"); ok {
			if _, val, found := strings.Cut(v, "="); found {
				lit = val
			}
		}
		if !isPathLiteral(lit) || pseudoFiles[lit] {
			continue
		}
		out = append(out, Finding{
			Kind:      FindingPath,
			Statement: nodeText(call),
			Detail:    lit,
			Line:      w.Pos().Line(),
			Col:       w.Pos().Col(),
		})
	}
	return out
}

func isPathLiteral(s string) bool {
	return strings.HasPrefix(s, "/") || s == ".." || strings.HasPrefix(s, "../") || strings.Contains(s, "/../")
}

// commandName resolves the effective command of a call, looking through
// wrappers such as sudo and env. Non-literal command words yield "".
func commandName(call *syntax.CallExpr) (string, []string) {
	words := make([]string, len(call.Args))
	for i, w := range call.Args {
		words[i] = wordText(w)
	}

	for len(words) > 0 {
		name := path.Base(words[0])
		if words[0] == "" {
			return "", nil
		}
		if !wrappers[name] {
			return name, words[1:]
		}
		rest := words[1:]
		for len(rest) > 0 && (strings.HasPrefix(rest[0], "-") || strings.Contains(rest[0], "=")) {
			rest = rest[1:]
		}
		if name == "timeout" && len(rest) > 0 {
			rest = rest[1:]
		}
		words = rest
	}
	return "", nil
}

// classify returns a description of why the command writes or uses the
// network, or "" for each when it does not.
func classify(name string, args []string) (write, network string) {
	if writeCommands[name] {
		write = name
	}
	if networkCommands[name] {
		network = name
	}

	switch name {
	case "rsync", "scp":
		for _, a := range args {
			if !strings.HasPrefix(a, "-") && strings.Contains(a, ":") {
				network = name + " " + a
			}
		}
	case "sed", "perl":
		for _, a := range args {
			if a == "-i" || strings.HasPrefix(a, "-i") && !strings.HasPrefix(a, "--") {
				write = name + " " + a
			}
		}
	case "find":
		for i, a := range args {
			switch a {
			case "-delete", "-fprint", "-fprintf", "-fls":
				write = "find " + a
			case "-exec", "-execdir", "-ok", "-okdir":
				if i+1 < len(args) {
					if w, n := classify(path.Base(args[i+1]), args[i+2:]); w != "" || n != "" {
						write, network = firstNonEmpty(write, w), firstNonEmpty(network, n)
					}
				}
			}
		}
	}

	if sub, ok := subcommands[name]; ok {
		for _, a := range args {
			if strings.HasPrefix(a, "-") {
				continue
			}
			if slices.Contains(sub.write, a) && write == "" {
				write = name + " " + a
			}
			if slices.Contains(sub.network, a) && network == "" {
				network = name + " " + a
			}
		}
		if name == "git" && slices.Contains(args, "branch") &&
			(slices.Contains(args, "-d") || slices.Contains(args, "-D")) {
			write = "git branch -d"
		}
	}
	return write, network
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

// wordText returns the literal value of a word made of literals and
// quoted literals, or "" when it contains expansions.
func wordText(w *syntax.Word) string {
	if w == nil {
		return ""
	}
	var b strings.Builder
	for _, part := range w.Parts {
		switch p := part.(type) {
		case *syntax.Lit:
			b.WriteString(p.Value)
		case *syntax.SglQuoted:
			b.WriteString(p.Value)
		case *syntax.DblQuoted:
			for _, dp := range p.Parts {
				lit, ok := dp.(*syntax.Lit)
				if !ok {
					return ""
				}
				b.WriteString(lit.Value)
			}
		default:
			return ""
		}
	}
	return b.String()
}

func nodeText(n syntax.Node) string {
	var b strings.Builder
	if err := syntax.NewPrinter(syntax.SingleLine(true)).Print(&b, n); err != nil {
		return ""
	}
	return strings.TrimSpace(b.String())
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
