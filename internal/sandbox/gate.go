package sandbox

import (
	"cmp"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"mvdan.cc/sh/v3/syntax"

	nterrors "github.com/neoterm/neoterm/internal/errors"
	"github.com/neoterm/neoterm/internal/render"
	"github.com/neoterm/neoterm/internal/template"
)

// DefaultTerm is exported to every plan as TERM.
const DefaultTerm = "xterm-256color"

// Source is a command to authorize: a rendered workflow or a typed command.
type Source interface {
	Command() string
}

// Raw is a free-typed command.
type Raw string

func (r Raw) Command() string { return string(r) }

// DeniedError reports a command the policy does not permit.
type DeniedError struct {
	Reason string
	Detail string
}

func (e *DeniedError) Error() string {
	if e.Detail == "" {
		return "sandbox denied: " + e.Reason
	}
	return fmt.Sprintf("sandbox denied: %s: %s", e.Reason, e.Detail)
}

// Unwrap exposes the structured error so errors.HasCode works.
func (e *DeniedError) Unwrap() error {
	return nterrors.New(nterrors.CodeSandboxDenied, e.Error()).
		WithDetail("reason", e.Reason).
		WithDetail("detail", e.Detail)
}

// Plan is the concrete environment one execution runs in.
type Plan struct {
	Command       string
	Shell         string
	Workdir       string
	Env           []string
	ReadOnlyBinds []string
	WritableRoots []string
	TimeLimit     time.Duration
	Preview       bool // writing statements were replaced by previews
	Source        Source
	Findings      []Finding
}

// Args returns the argv the engine runs.
func (p *Plan) Args() []string {
	return []string{p.Shell, "-c", p.Command}
}

// Option configures a Gate.
type Option func(*Gate)

// WithEnviron sets the environment the allow-list is applied to.
// The default is os.Environ.
func WithEnviron(environ func() []string) Option {
	return func(g *Gate) { g.environ = environ }
}

// WithGetwd sets how the default working directory is found.
func WithGetwd(getwd func() (string, error)) Option {
	return func(g *Gate) { g.getwd = getwd }
}

// WithLogger sets the gate's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gate) { g.logger = logger }
}

// Gate authorizes commands against policies. It holds no per-call state
// and is safe for concurrent use.
type Gate struct {
	environ func() []string
	getwd   func() (string, error)
	logger  *slog.Logger
}

// NewGate creates a gate.
func NewGate(opts ...Option) *Gate {
	g := &Gate{
		environ: os.Environ,
		getwd:   os.Getwd,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Authorize decides whether src may run under policy and returns the plan
// for it. Every refusal is a *DeniedError.
func (g *Gate) Authorize(src Source, policy *Policy) (*Plan, error) {
	if policy == nil {
		return nil, &DeniedError{Reason: "no policy"}
	}

	command, err := harden(src, policy.Shell())
	if err != nil {
		return nil, g.deny(src, err)
	}

	analysis, err := Analyze(command, policy.Shell())
	if err != nil {
		return nil, g.deny(src, &DeniedError{Reason: "unparseable command", Detail: err.Error()})
	}

	workdir := policy.Workdir()
	if workdir == "" {
		if workdir, err = g.getwd(); err != nil {
			return nil, g.deny(src, &DeniedError{Reason: "working directory unavailable", Detail: err.Error()})
		}
	}
	if !policy.Contains(workdir) {
		return nil, g.deny(src, &DeniedError{Reason: "working directory outside allowed roots", Detail: workdir})
	}

	for _, p := range analysis.Paths() {
		abs := p
		if !filepath.IsAbs(abs) {
			abs = filepath.Join(workdir, p)
		}
		if !policy.Contains(abs) {
			return nil, g.deny(src, &DeniedError{Reason: "path outside allowed roots", Detail: p})
		}
	}
	for _, f := range analysis.Of(FindingWrite) {
		target := f.Target
		if target == "" {
			continue
		}
		if !filepath.IsAbs(target) {
			target = filepath.Join(workdir, target)
		}
		if !policy.Contains(target) {
			return nil, g.deny(src, &DeniedError{Reason: "path outside allowed roots", Detail: target})
		}
	}

	if net := analysis.Of(FindingNetwork); len(net) > 0 && !policy.AllowNetwork() {
		return nil, g.deny(src, &DeniedError{Reason: "network egress not permitted", Detail: net[0].Detail})
	}

	plan := &Plan{
		Command:   command,
		Shell:     policy.Shell(),
		Workdir:   workdir,
		Env:       g.env(policy.EnvAllow()),
		TimeLimit: policy.TimeLimit(),
		Source:    src,
		Findings:  analysis.Findings,
	}
	if policy.AllowWrite() {
		plan.WritableRoots = policy.Roots()
	} else {
		plan.ReadOnlyBinds = policy.Roots()
	}

	if writes := analysis.Of(FindingWrite); len(writes) > 0 && !policy.AllowWrite() {
		if policy.Mode() != ModeReplay {
			return nil, g.deny(src, &DeniedError{Reason: "filesystem writes not permitted", Detail: writes[0].Detail})
		}
		preview, err := rewriteForReplay(analysis)
		if err != nil {
			return nil, g.deny(src, &DeniedError{Reason: "replay rewrite failed", Detail: err.Error()})
		}
		plan.Command = preview
		plan.Preview = true
	}

	g.logger.Debug("command authorized",
		"command", plan.Command,
		"workdir", plan.Workdir,
		"findings", len(plan.Findings),
		"preview", plan.Preview,
	)
	return plan, nil
}

func (g *Gate) deny(src Source, err error) error {
	g.logger.Info("command denied", "command", src.Command(), "error", err)
	return err
}

// env keeps the allow-listed variables of the gate's environment and sets TERM.
func (g *Gate) env(allow []string) []string {
	var env []string
	for _, kv := range g.environ() {
		name, _, ok := strings.Cut(kv, "=")
		if !ok || name == "TERM" || !slices.Contains(allow, name) {
			continue
		}
		env = append(env, kv)
	}
	return append(env, "TERM="+DefaultTerm)
}

// harden re-quotes the substituted values of a rendered command so each
// value stays literal text in the quoting context it lands in. Typed
// commands are taken as written.
func harden(src Source, shell string) (string, error) {
	rc, ok := src.(*render.RenderedCommand)
	if !ok {
		return src.Command(), nil
	}

	lang := variant(shell)
	var quoteErr error
	fail := func(detail string) {
		if quoteErr == nil {
			quoteErr = &DeniedError{Reason: "argument cannot be quoted", Detail: detail}
		}
	}
	command := rc.Quoted(func(v string, ctx template.Context) string {
		switch ctx {
		case template.ContextDouble:
			return escapeDouble(v)
		case template.ContextSingle:
			if strings.ContainsRune(v, '\'') {
				fail("single quote inside a single-quoted placeholder")
			}
			return v
		}
		// syntax.Quote turns an empty value into '' so it stays one word
		q, err := syntax.Quote(v, lang)
		if err != nil {
			fail(err.Error())
			return v
		}
		return q
	})
	if quoteErr != nil {
		return "", quoteErr
	}
	return command, nil
}

// escapeDouble backslash-escapes the characters that stay special inside
// double quotes.
func escapeDouble(v string) string {
	var b strings.Builder
	b.Grow(len(v))
	for _, r := range v {
		switch r {
		case '"', '$', '`', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

type span struct {
	start, end uint
	text       string
}

// rewriteForReplay replaces every writing statement with a printf that
// shows it. Read-only statements are kept and still run. Here-document
// bodies of replaced statements are removed along with them.
func rewriteForReplay(a *Analysis) (string, error) {
	bodies, err := heredocBodies(a)
	if err != nil {
		return "", err
	}

	var spans []span
	var rewriteErr error
	syntax.Walk(a.file, func(n syntax.Node) bool {
		s, ok := n.(*syntax.Stmt)
		if !ok || rewriteErr != nil {
			return rewriteErr == nil
		}
		if !stmtWrites(s) {
			return true
		}
		preview, err := previewStmt(nodeText(s))
		if err != nil {
			rewriteErr = err
			return false
		}
		start, end := s.Pos().Offset(), stmtEnd(s)
		spans = append(spans, span{start: start, end: end, text: preview})
		for _, body := range bodies {
			if body.op >= start && body.op < end && body.start >= end {
				spans = append(spans, span{start: body.start, end: body.end})
			}
		}
		return false
	})
	if rewriteErr != nil {
		return "", rewriteErr
	}

	slices.SortFunc(spans, func(x, y span) int { return cmp.Compare(x.start, y.start) })
	out := a.Command
	for i := len(spans) - 1; i >= 0; i-- {
		sp := spans[i]
		if i > 0 && spans[i-1].end > sp.start {
			return "", fmt.Errorf("overlapping rewrites at byte %d", sp.start)
		}
		out = out[:sp.start] + sp.text + out[sp.end:]
	}
	if _, err := parse(out, ""); err != nil {
		return "", fmt.Errorf("rewritten command does not parse: %w", err)
	}
	return out, nil
}

// stmtEnd is the offset just past a statement's own text. Unlike
// Stmt.End it stops before here-document bodies, which follow the line.
func stmtEnd(s *syntax.Stmt) uint {
	if s.Semicolon.IsValid() {
		return s.Semicolon.Offset()
	}
	end := s.Position.Offset()
	if s.Cmd != nil {
		end = max(end, s.Cmd.End().Offset())
	}
	for _, r := range s.Redirs {
		if r.Hdoc != nil {
			end = max(end, r.Word.End().Offset())
		} else {
			end = max(end, r.End().Offset())
		}
	}
	return end
}

// heredocBody locates one here-document body and its closing delimiter
// line in the command source.
type heredocBody struct {
	op         uint // offset of the redirect operator
	start, end uint
}

// heredocBodies finds the body of every here-document in source order.
// Bodies start on the line after their operator, one after another when a
// line holds several operators, and end after the delimiter line.
func heredocBodies(a *Analysis) ([]heredocBody, error) {
	var redirs []*syntax.Redirect
	syntax.Walk(a.file, func(n syntax.Node) bool {
		if r, ok := n.(*syntax.Redirect); ok && r.Hdoc != nil {
			redirs = append(redirs, r)
		}
		return true
	})
	slices.SortFunc(redirs, func(x, y *syntax.Redirect) int {
		return cmp.Compare(x.OpPos.Offset(), y.OpPos.Offset())
	})

	src := a.Command
	var out []heredocBody
	var cursor uint
	for _, r := range redirs {
		delim, ok := literalWord(r.Word)
		if !ok {
			return nil, fmt.Errorf("here-document delimiter is not a literal word: %s", nodeText(r.Word))
		}
		lineEnd := strings.IndexByte(src[r.Word.End().Offset():], '\n')
		if lineEnd < 0 {
			return nil, fmt.Errorf("here-document %s has no body", delim)
		}
		start := max(cursor, r.Word.End().Offset()+uint(lineEnd)+1)

		end := uint(len(src))
		for pos := start; pos < uint(len(src)); {
			line := src[pos:]
			next := uint(len(src))
			if nl := strings.IndexByte(line, '\n'); nl >= 0 {
				line = line[:nl]
				next = pos + uint(nl) + 1
			}
			if r.Op == syntax.DashHdoc {
				line = strings.TrimLeft(line, "\t")
			}
			if line == delim {
				end = next
				break
			}
			pos = next
		}
		out = append(out, heredocBody{op: r.OpPos.Offset(), start: start, end: end})
		cursor = end
	}
	return out, nil
}

// literalWord returns the unquoted value of a word made only of literal
// and quoted-literal parts.
func literalWord(w *syntax.Word) (string, bool) {
	var b strings.Builder
	for _, part := range w.Parts {
		switch p := part.(type) {
		case *syntax.Lit:
			b.WriteString(strings.ReplaceAll(p.Value, "\\", ""))
		case *syntax.SglQuoted:
			b.WriteString(p.Value)
		case *syntax.DblQuoted:
			for _, inner := range p.Parts {
				lit, ok := inner.(*syntax.Lit)
				if !ok {
					return "", false
				}
				b.WriteString(lit.Value)
			}
		default:
			return "", false
		}
	}
	return b.String(), true
}

func stmtWrites(s *syntax.Stmt) bool {
	for _, f := range inspectStmt(s) {
		if f.Kind == FindingWrite {
			return true
		}
	}
	return false
}

var previewEscaper = strings.NewReplacer("\n", `\n`, "\t", `\t`)

func previewStmt(text string) (string, error) {
	// here-document bodies print on several lines
	text = previewEscaper.Replace(text)
	quoted, err := syntax.Quote("[replay] would run: "+text, syntax.LangPOSIX)
	if err != nil {
		return "", err
	}
	return "printf '%s\\n' " + quoted, nil
}
