package scheduler

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassOf(t *testing.T) {
	tests := []struct {
		name   string
		title  string
		labels []string
		want   ConflictClass
	}{
		{name: "plain feature", title: "Add dark mode toggle", labels: []string{"enhancement"}, want: ClassSafe},
		{name: "no labels", title: "Fix typo in README", want: ClassSafe},
		{name: "indicator label", title: "Bump parser", labels: []string{"dependencies"}, want: ClassConflicting},
		{name: "indicator label case-insensitive", title: "Refactor schema", labels: []string{"Database"}, want: ClassConflicting},
		{name: "indicator label padded", title: "Split tables", labels: []string{" migration "}, want: ClassConflicting},
		{name: "package manifest in title", title: "Update package.json scripts", want: ClassConflicting},
		{name: "lock file in title", title: "Regenerate yarn.lock", want: ClassConflicting},
		{name: "go module file", title: "Tidy go.mod", want: ClassConflicting},
		{name: "CI config", title: "Cache deps in .github/workflows/ci.yml", want: ClassConflicting},
		{name: "env file", title: "Document .env variables", want: ClassConflicting},
		{name: "title keyword is case-insensitive", title: "Rewrite Dockerfile", want: ClassConflicting},
		{name: "label that is not an indicator", title: "Polish buttons", labels: []string{"ui", "good first issue"}, want: ClassSafe},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			item := &WorkItem{ID: "x", Title: tt.title, Labels: tt.labels}
			assert.Equal(t, tt.want, ClassOf(item, DefaultConflictLabels))
		})
	}
}

func TestClassOf_CustomIndicators(t *testing.T) {
	item := &WorkItem{ID: "1", Title: "Touch shared router", Labels: []string{"routing"}}
	assert.Equal(t, ClassSafe, ClassOf(item, DefaultConflictLabels))
	assert.Equal(t, ClassConflicting, ClassOf(item, []string{"ROUTING"}))
	assert.Equal(t, ClassSafe, ClassOf(item, nil))
}

func TestClassify_PreservesOrder(t *testing.T) {
	items := []*WorkItem{
		{ID: "1", Title: "Feature A"},
		{ID: "2", Title: "Bump go.sum"},
		{ID: "3", Title: "Feature B"},
		{ID: "4", Title: "Schema", Labels: []string{"database"}},
		{ID: "5", Title: "Feature C"},
	}

	p := Classify(items, DefaultConflictLabels)
	assert.Equal(t, []string{"1", "3", "5"}, ids(p.Safe))
	assert.Equal(t, []string{"2", "4"}, ids(p.Conflicting))
}

func TestClassify_Empty(t *testing.T) {
	p := Classify(nil, DefaultConflictLabels)
	assert.Empty(t, p.Safe)
	assert.Empty(t, p.Conflicting)
}

// TestClassify_PartitionProperty checks, over random inputs, that the two
// sets are an order-preserving, duplicate-free split of the input and that
// classification is deterministic.
func TestClassify_PartitionProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	titles := []string{"Add API", "Update package.json", "Fix bug", "Edit Makefile", "Write docs", "Pin dependencies"}
	labelPool := []string{"bug", "config", "ui", "migration", "docs", "CONFLICT-PRONE"}

	for round := range 200 {
		n := rng.Intn(20)
		items := make([]*WorkItem, n)
		for i := range items {
			var labels []string
			for range rng.Intn(3) {
				labels = append(labels, labelPool[rng.Intn(len(labelPool))])
			}
			items[i] = &WorkItem{ID: fmt.Sprintf("%d-%d", round, i), Title: titles[rng.Intn(len(titles))], Labels: labels}
		}

		first := Classify(items, DefaultConflictLabels)
		second := Classify(items, DefaultConflictLabels)
		require.Equal(t, ids(first.Safe), ids(second.Safe))
		require.Equal(t, ids(first.Conflicting), ids(second.Conflicting))

		require.Equal(t, n, len(first.Safe)+len(first.Conflicting))
		position := make(map[string]int, n)
		for i, item := range items {
			position[item.ID] = i
		}
		for _, part := range [][]*WorkItem{first.Safe, first.Conflicting} {
			last := -1
			for _, item := range part {
				pos, ok := position[item.ID]
				require.True(t, ok)
				require.Greater(t, pos, last, "order not preserved")
				last = pos
				delete(position, item.ID)
			}
		}
		require.Empty(t, position, "items missing from partition")
	}
}

func ids(items []*WorkItem) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		out = append(out, item.ID)
	}
	return out
}
