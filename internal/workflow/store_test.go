package workflow

import (
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	nterrors "github.com/neoterm/neoterm/internal/errors"
	"github.com/neoterm/neoterm/internal/logging"
)

func mustParse(t *testing.T, doc string) *Definition {
	t.Helper()
	def, err := Parse([]byte(doc), "")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	return def
}

func simpleDoc(name, tags, description string) string {
	return fmt.Sprintf("name: %s\ndescription: %s\ntags: [%s]\ncommand: echo %s\n", name, description, tags, name)
}

func TestStore_LoadGetList(t *testing.T) {
	s := NewStore(logging.NewForTest())

	if _, err := s.Load([]byte(simpleDoc("zeta", "system", "last"))); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if _, err := s.Load([]byte(simpleDoc("alpha", "git", "first"))); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	list := s.List()
	if len(list) != 2 || list[0].Name != "alpha" || list[1].Name != "zeta" {
		t.Errorf("List not sorted by name: %v", list)
	}

	def, err := s.Get("alpha")
	if err != nil || def.Name != "alpha" {
		t.Errorf("Get(alpha) = %v, %v", def, err)
	}

	_, err = s.Get("missing")
	if !nterrors.HasCode(err, nterrors.CodeWorkflowNotFound) {
		t.Errorf("expected %s, got %v", nterrors.CodeWorkflowNotFound, err)
	}
}

func TestStore_Duplicate(t *testing.T) {
	s := NewStore(logging.NewForTest())
	doc := simpleDoc("dup", "git", "one")

	if _, err := s.Load([]byte(doc)); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	_, err := s.Load([]byte(doc))
	if !nterrors.HasCode(err, nterrors.CodeWorkflowDuplicate) {
		t.Errorf("expected %s, got %v", nterrors.CodeWorkflowDuplicate, err)
	}

	replacement := mustParse(t, simpleDoc("dup", "git", "two"))
	if err := s.Replace(replacement); err != nil {
		t.Fatalf("Replace failed: %v", err)
	}
	got, _ := s.Get("dup")
	if got.Description != "two" {
		t.Errorf("Replace did not take effect: %q", got.Description)
	}
}

func TestStore_RejectsUnvalidatedDefinition(t *testing.T) {
	s := NewStore(logging.NewForTest())
	err := s.Add(&Definition{Name: "raw", Command: "echo {{x}}"})
	if !nterrors.HasCode(err, nterrors.CodeWorkflowInvalid) {
		t.Errorf("expected %s, got %v", nterrors.CodeWorkflowInvalid, err)
	}
	if s.Len() != 0 {
		t.Error("unvalidated definition was registered")
	}
}

func TestStore_Remove(t *testing.T) {
	s := NewStore(logging.NewForTest())
	s.Load([]byte(simpleDoc("gone", "git", "")))

	if err := s.Remove("gone"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if err := s.Remove("gone"); !nterrors.HasCode(err, nterrors.CodeWorkflowNotFound) {
		t.Errorf("second Remove should report not found, got %v", err)
	}
}

func TestStore_ConcurrentReads(t *testing.T) {
	s := NewStore(logging.NewForTest())
	for i := 0; i < 10; i++ {
		s.Load([]byte(simpleDoc(fmt.Sprintf("wf%d", i), "git", "")))
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := s.Get(fmt.Sprintf("wf%d", i%10)); err != nil {
				t.Errorf("Get failed: %v", err)
			}
			s.List()
			s.Search("wf", "")
		}(i)
	}
	wg.Wait()
}

func TestStore_Usage(t *testing.T) {
	s := NewStore(logging.NewForTest())
	s.Load([]byte(simpleDoc("used", "git", "")))

	if u := s.Usage("used"); u.Count != 0 || u.SuccessRate != 1.0 {
		t.Errorf("fresh usage = %+v", u)
	}

	now := time.Now()
	s.RecordUsage("used", true, now)
	s.RecordUsage("used", false, now.Add(time.Second))

	u := s.Usage("used")
	if u.Count != 2 {
		t.Errorf("Count = %d", u.Count)
	}
	if !u.LastUsed.Equal(now.Add(time.Second)) {
		t.Errorf("LastUsed = %v", u.LastUsed)
	}
	// 1.0 -> 1.0*0.9+0.1 = 1.0 -> 1.0*0.9 = 0.9
	if u.SuccessRate < 0.899 || u.SuccessRate > 0.901 {
		t.Errorf("SuccessRate = %v, want 0.9", u.SuccessRate)
	}

	s.RecordUsage("unknown", true, now)
	if s.Usage("unknown").Count != 0 {
		t.Error("usage recorded for an unregistered workflow")
	}
}

func TestStore_Search(t *testing.T) {
	s := NewStore(logging.NewForTest())
	s.Load([]byte(simpleDoc("docker", "containers", "manage containers")))
	s.Load([]byte(simpleDoc("cleanup", "docker", "prune things")))
	s.Load([]byte(simpleDoc("unrelated", "git", "nothing to see")))
	s.Load([]byte("name: fishy\nshells: [fish]\ntags: [docker]\ncommand: echo\n"))

	results := s.Search("docker", ShellBash)
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	// Exact name (10+20) plus command hit beats exact tag (8+12) plus command hit.
	if results[0].Definition.Name != "docker" || results[1].Definition.Name != "cleanup" {
		t.Errorf("unexpected order: %s, %s", results[0].Definition.Name, results[1].Definition.Name)
	}
	if results[1].Matched[0] != "tags" {
		t.Errorf("cleanup matched %v", results[1].Matched)
	}

	// Definitions without a shell list are compatible with fish too.
	if got := s.Search("docker", ShellFish); len(got) != 3 {
		t.Errorf("expected 3 fish-compatible results, got %d", len(got))
	}
	if got := s.Search("", ""); len(got) != 4 {
		t.Errorf("empty query should list everything, got %d", len(got))
	}
	if got := s.Search("zzz", ""); len(got) != 0 {
		t.Errorf("expected no results, got %d", len(got))
	}
}

func TestStore_SearchUsageBonus(t *testing.T) {
	s := NewStore(logging.NewForTest())
	s.Load([]byte(simpleDoc("build-a", "make", "")))
	s.Load([]byte(simpleDoc("build-b", "make", "")))

	for i := 0; i < 9; i++ {
		s.RecordUsage("build-b", true, time.Now())
	}

	results := s.Search("build", "")
	if results[0].Definition.Name != "build-b" {
		t.Errorf("frequently used workflow should rank first, got %s", results[0].Definition.Name)
	}
	if diff := results[0].Score - results[1].Score; diff < 0.999 || diff > 1.001 {
		t.Errorf("usage bonus = %v, want log10(10) = 1", diff)
	}
}

func names(ranked []Ranked) []string {
	var out []string
	for _, r := range ranked {
		out = append(out, r.Definition.Name)
	}
	return out
}

func usageStore(t *testing.T) *Store {
	t.Helper()
	s := NewStore(logging.NewForTest())
	for _, doc := range []string{
		simpleDoc("alpha", "git", ""),
		simpleDoc("beta", "git", ""),
		simpleDoc("gamma", "git", ""),
		"name: fishy\nshells: [fish]\ncommand: echo fish\n",
	} {
		if _, err := s.Load([]byte(doc)); err != nil {
			t.Fatalf("Load failed: %v", err)
		}
	}

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.RecordUsage("beta", true, base)
	s.RecordUsage("beta", true, base.Add(time.Minute))
	s.RecordUsage("beta", false, base.Add(2*time.Minute))
	s.RecordUsage("gamma", true, base.Add(time.Hour))
	s.RecordUsage("fishy", true, base.Add(2*time.Hour))
	s.RecordUsage("fishy", true, base.Add(3*time.Hour))
	return s
}

func TestStore_Popular(t *testing.T) {
	s := usageStore(t)

	tests := []struct {
		name  string
		limit int
		shell Shell
		want  []string
	}{
		{"all shells", 0, "", []string{"beta", "fishy", "gamma", "alpha"}},
		{"limited", 2, "", []string{"beta", "fishy"}},
		{"bash only", 0, ShellBash, []string{"beta", "gamma", "alpha"}},
		{"limit above size", 10, ShellBash, []string{"beta", "gamma", "alpha"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := names(s.Popular(tt.limit, tt.shell))
			if !slices.Equal(got, tt.want) {
				t.Errorf("Popular = %v, want %v", got, tt.want)
			}
		})
	}

	if top := s.Popular(1, "")[0]; top.Usage.Count != 3 {
		t.Errorf("top usage count = %d, want 3", top.Usage.Count)
	}
}

func TestStore_Recent(t *testing.T) {
	s := usageStore(t)

	tests := []struct {
		name  string
		limit int
		shell Shell
		want  []string
	}{
		{"all shells", 0, "", []string{"fishy", "gamma", "beta"}},
		{"limited", 1, "", []string{"fishy"}},
		{"bash only", 0, ShellBash, []string{"gamma", "beta"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := names(s.Recent(tt.limit, tt.shell))
			if !slices.Equal(got, tt.want) {
				t.Errorf("Recent = %v, want %v", got, tt.want)
			}
		})
	}

	if got := NewStore(logging.NewForTest()).Recent(5, ""); len(got) != 0 {
		t.Errorf("empty store Recent = %v", names(got))
	}
}

func TestStore_ByCategory(t *testing.T) {
	s := NewStore(logging.NewForTest())
	s.Load([]byte(simpleDoc("k", "k8s", "")))
	s.Load([]byte(simpleDoc("d", "db", "")))
	s.Load([]byte(simpleDoc("o", "misc", "")))

	if got := s.ByCategory(CategoryKubernetes); len(got) != 1 || got[0].Name != "k" {
		t.Errorf("kubernetes = %v", got)
	}
	if got := s.ByCategory(CategoryDatabase); len(got) != 1 || got[0].Name != "d" {
		t.Errorf("database = %v", got)
	}
	if got := s.ByCategory(CategoryOther); len(got) != 1 || got[0].Name != "o" {
		t.Errorf("other = %v", got)
	}
	if counts := s.Categories(); counts[CategoryKubernetes] != 1 || counts[CategoryGit] != 0 {
		t.Errorf("Categories = %v", counts)
	}
}
