package chain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/dispatch/internal/scheduler"
)

func TestPlan_RespectsDependencies(t *testing.T) {
	items := []scheduler.WorkItem{
		{ID: "ui", Title: "UI", DependsOn: []string{"api"}},
		{ID: "api", Title: "API", DependsOn: []string{"model"}},
		{ID: "model", Title: "Model"},
		{ID: "docs", Title: "Docs", DependsOn: []string{"ui", "api"}},
	}

	ordered, err := Plan(items)
	require.NoError(t, err)
	require.Len(t, ordered, 4)

	pos := make(map[string]int)
	for i, item := range ordered {
		pos[item.ID] = i
	}
	assert.Less(t, pos["model"], pos["api"])
	assert.Less(t, pos["api"], pos["ui"])
	assert.Less(t, pos["ui"], pos["docs"])
	assert.Equal(t, "UI", ordered[pos["ui"]].Title)
}

func TestPlan_LinearChain(t *testing.T) {
	ordered, err := Plan([]scheduler.WorkItem{
		{ID: "c", DependsOn: []string{"b"}},
		{ID: "b", DependsOn: []string{"a"}},
		{ID: "a"},
	})
	require.NoError(t, err)

	var got []string
	for _, item := range ordered {
		got = append(got, item.ID)
	}
	assert.Equal(t, []string{"a", "b", "c"}, got)
}

func TestPlan_Errors(t *testing.T) {
	_, err := Plan([]scheduler.WorkItem{
		{ID: "a", DependsOn: []string{"b"}},
		{ID: "b", DependsOn: []string{"a"}},
	})
	assert.ErrorContains(t, err, "cycle")

	_, err = Plan([]scheduler.WorkItem{{ID: "a", DependsOn: []string{"ghost"}}})
	assert.ErrorContains(t, err, "unknown item")

	_, err = Plan([]scheduler.WorkItem{{ID: "a"}, {ID: "a"}})
	assert.ErrorContains(t, err, "duplicate")

	_, err = Plan([]scheduler.WorkItem{{Title: "no id"}})
	assert.Error(t, err)
}

func TestNew_BuildsPendingChain(t *testing.T) {
	src := []scheduler.WorkItem{{ID: "1", Status: scheduler.StatusFailed, Error: "old"}, {ID: "2"}}
	c := New("release", "main", src)

	assert.NotEmpty(t, c.ID)
	assert.Equal(t, "release", c.Name)
	assert.Equal(t, scheduler.StatusPending, c.Status)
	require.Len(t, c.Items, 2)
	assert.Equal(t, 0, c.Items[0].Order)
	assert.Equal(t, 1, c.Items[1].Order)
	assert.Equal(t, scheduler.StatusPending, c.Items[0].Status)
	assert.Empty(t, c.Items[0].Item.Error)
	// The caller's slice is untouched.
	assert.Equal(t, "old", src[0].Error)

	other := New("release", "main", src)
	assert.NotEqual(t, c.ID, other.ID)
}

func TestChain_CloneIsDeep(t *testing.T) {
	c := New("x", "main", []scheduler.WorkItem{{ID: "1", Labels: []string{"a"}}})
	cp := c.Clone()
	cp.Items[0].Status = scheduler.StatusFailed
	cp.Items[0].Item.Labels[0] = "b"

	assert.Equal(t, scheduler.StatusPending, c.Items[0].Status)
	assert.Equal(t, "a", c.Items[0].Item.Labels[0])
}

func TestChain_Validate(t *testing.T) {
	var nilChain *Chain
	assert.ErrorIs(t, nilChain.Validate(), ErrEmptyChain)

	c := New("x", "main", []scheduler.WorkItem{{ID: "1"}, {ID: "1"}})
	assert.Error(t, c.Validate())
}
