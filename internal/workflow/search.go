package workflow

import (
	"math"
	"sort"
	"strings"
)

// Category groups workflows for browsing. It is derived from tags.
type Category string

const (
	CategoryGit        Category = "git"
	CategoryDocker     Category = "docker"
	CategoryKubernetes Category = "kubernetes"
	CategoryAWS        Category = "aws"
	CategoryDatabase   Category = "database"
	CategoryNetwork    Category = "network"
	CategoryFile       Category = "file"
	CategorySystem     Category = "system"
	CategoryOther      Category = "other"
)

var tagCategories = map[string]Category{
	"git":        CategoryGit,
	"docker":     CategoryDocker,
	"kubernetes": CategoryKubernetes,
	"k8s":        CategoryKubernetes,
	"aws":        CategoryAWS,
	"database":   CategoryDatabase,
	"db":         CategoryDatabase,
	"network":    CategoryNetwork,
	"file":       CategoryFile,
	"filesystem": CategoryFile,
	"system":     CategorySystem,
}

// Search field weights.
const (
	weightName        = 10.0
	weightTag         = 8.0
	weightDescription = 5.0
	weightCommand     = 3.0
	weightAuthor      = 2.0

	bonusExactName = 20.0
	bonusExactTag  = 12.0
)

// SearchResult is one match, with the fields that matched.
type SearchResult struct {
	Definition *Definition
	Score      float64
	Matched    []string
}

// Search scores every definition compatible with shell against query.
// An empty shell matches every definition. An empty query returns all
// compatible definitions with score zero.
func (s *Store) Search(query string, shell Shell) []SearchResult {
	q := strings.ToLower(strings.TrimSpace(query))

	var results []SearchResult
	for _, def := range s.List() {
		if shell != "" && !def.CompatibleWith(shell) {
			continue
		}
		if q == "" {
			results = append(results, SearchResult{Definition: def})
			continue
		}
		score, matched := scoreDefinition(def, q)
		if score == 0 {
			continue
		}
		score += math.Log10(1 + float64(s.Usage(def.Name).Count))
		results = append(results, SearchResult{Definition: def, Score: score, Matched: matched})
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Definition.Name < results[j].Definition.Name
	})
	return results
}

func scoreDefinition(def *Definition, q string) (float64, []string) {
	var score float64
	var matched []string

	name := strings.ToLower(def.Name)
	if strings.Contains(name, q) {
		score += weightName
		if name == q {
			score += bonusExactName
		}
		matched = append(matched, "name")
	}

	tagHit := false
	for _, tag := range def.Tags {
		t := strings.ToLower(tag)
		if strings.Contains(t, q) {
			score += weightTag
			if t == q {
				score += bonusExactTag
			}
			tagHit = true
		}
	}
	if tagHit {
		matched = append(matched, "tags")
	}

	if strings.Contains(strings.ToLower(def.Description), q) {
		score += weightDescription
		matched = append(matched, "description")
	}
	if strings.Contains(strings.ToLower(def.Command), q) {
		score += weightCommand
		matched = append(matched, "command")
	}
	if def.Author != "" && strings.Contains(strings.ToLower(def.Author), q) {
		score += weightAuthor
		matched = append(matched, "author")
	}
	return score, matched
}

// ByCategory returns the definitions in category c, sorted by name.
func (s *Store) ByCategory(c Category) []*Definition {
	var defs []*Definition
	for _, def := range s.List() {
		if def.Category() == c {
			defs = append(defs, def)
		}
	}
	return defs
}

// Categories returns the categories present in the store with their sizes.
func (s *Store) Categories() map[Category]int {
	counts := make(map[Category]int)
	for _, def := range s.List() {
		counts[def.Category()]++
	}
	return counts
}

// Ranked is a definition with its usage statistics.
type Ranked struct {
	Definition *Definition
	Usage      Usage
}

// Popular returns up to limit definitions compatible with shell, most
// used first. Unused definitions are included after the used ones.
// A limit of zero or less returns every match.
func (s *Store) Popular(limit int, shell Shell) []Ranked {
	ranked := s.ranked(shell, false)
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Usage.Count > ranked[j].Usage.Count
	})
	return truncate(ranked, limit)
}

// Recent returns up to limit definitions compatible with shell that have
// run at least once, most recently used first.
func (s *Store) Recent(limit int, shell Shell) []Ranked {
	ranked := s.ranked(shell, true)
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Usage.LastUsed.After(ranked[j].Usage.LastUsed)
	})
	return truncate(ranked, limit)
}

// ranked lists compatible definitions by name with their usage.
func (s *Store) ranked(shell Shell, usedOnly bool) []Ranked {
	var out []Ranked
	for _, def := range s.List() {
		if shell != "" && !def.CompatibleWith(shell) {
			continue
		}
		u := s.Usage(def.Name)
		if usedOnly && u.Count == 0 {
			continue
		}
		out = append(out, Ranked{Definition: def, Usage: u})
	}
	return out
}

func truncate(ranked []Ranked, limit int) []Ranked {
	if limit > 0 && len(ranked) > limit {
		return ranked[:limit]
	}
	return ranked
}
