package chain

import (
	"fmt"

	"github.com/gammazero/toposort"

	"github.com/aristath/dispatch/internal/scheduler"
)

// Plan linearizes items so every item comes after the items it depends on.
// Dependencies must name items in the list; cycles are rejected.
func Plan(items []scheduler.WorkItem) ([]scheduler.WorkItem, error) {
	byID := make(map[string]scheduler.WorkItem, len(items))
	for _, item := range items {
		if item.ID == "" {
			return nil, fmt.Errorf("item with title %q has an empty id", item.Title)
		}
		if _, dup := byID[item.ID]; dup {
			return nil, fmt.Errorf("duplicate item id %q", item.ID)
		}
		byID[item.ID] = item
	}

	var edges []toposort.Edge
	for _, item := range items {
		if len(item.DependsOn) == 0 {
			edges = append(edges, toposort.Edge{nil, item.ID})
			continue
		}
		for _, dep := range item.DependsOn {
			if _, ok := byID[dep]; !ok {
				return nil, fmt.Errorf("item %q depends on unknown item %q", item.ID, dep)
			}
			// dep must come before item.ID
			edges = append(edges, toposort.Edge{dep, item.ID})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, fmt.Errorf("chain dependencies contain a cycle: %w", err)
	}

	ordered := make([]scheduler.WorkItem, 0, len(items))
	for _, id := range sorted {
		if id == nil {
			continue
		}
		ordered = append(ordered, byID[id.(string)])
	}
	return ordered, nil
}
