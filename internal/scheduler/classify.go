package scheduler

import "strings"

// ConflictClass says whether an item may run alongside others.
type ConflictClass int

const (
	ClassSafe ConflictClass = iota
	ClassConflicting
)

func (c ConflictClass) String() string {
	if c == ClassConflicting {
		return "conflicting"
	}
	return "safe"
}

// DefaultConflictLabels are the labels treated as conflict indicators when
// none are configured.
var DefaultConflictLabels = []string{
	"conflict-prone",
	"config",
	"dependencies",
	"infrastructure",
	"breaking-change",
	"database",
	"migration",
}

// configKeywords are title substrings that point at files most items touch:
// dependency manifests, lock files, CI and environment configuration.
var configKeywords = []string{
	"package.json",
	"package-lock",
	"yarn.lock",
	"pnpm-lock",
	"go.mod",
	"go.sum",
	"cargo.toml",
	"cargo.lock",
	"requirements.txt",
	"pyproject",
	"gemfile",
	"dockerfile",
	"docker-compose",
	".github/workflows",
	"ci config",
	".env",
	"config",
	"tsconfig",
	"makefile",
	"dependency",
	"dependencies",
	"lockfile",
}

// Partition is the result of classifying a list of items.
type Partition struct {
	Safe        []*WorkItem
	Conflicting []*WorkItem
}

// ClassOf classifies a single item. An item conflicts when one of its labels
// equals an indicator (case-insensitively) or its title mentions a
// configuration keyword.
func ClassOf(item *WorkItem, indicators []string) ConflictClass {
	for _, label := range item.Labels {
		for _, ind := range indicators {
			if strings.EqualFold(strings.TrimSpace(label), strings.TrimSpace(ind)) {
				return ClassConflicting
			}
		}
	}

	title := strings.ToLower(item.Title)
	for _, kw := range configKeywords {
		if strings.Contains(title, kw) {
			return ClassConflicting
		}
	}
	return ClassSafe
}

// Classify splits items into safe and conflicting sets, preserving the
// relative input order within each set.
func Classify(items []*WorkItem, indicators []string) Partition {
	var p Partition
	for _, item := range items {
		if ClassOf(item, indicators) == ClassConflicting {
			p.Conflicting = append(p.Conflicting, item)
		} else {
			p.Safe = append(p.Safe, item)
		}
	}
	return p
}
