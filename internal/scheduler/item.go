package scheduler

import (
	"fmt"
	"strings"
)

// ItemStatus is the lifecycle state of a work item within one run.
type ItemStatus string

const (
	StatusPending   ItemStatus = "pending"
	StatusRunning   ItemStatus = "running"
	StatusCompleted ItemStatus = "completed"
	StatusFailed    ItemStatus = "failed"
	StatusSkipped   ItemStatus = "skipped"
)

// Terminal reports whether s is completed, failed or skipped.
func (s ItemStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusSkipped:
		return true
	}
	return false
}

// WorkItem is one schedulable unit of work, typically derived from an issue.
type WorkItem struct {
	ID        string     `json:"id" yaml:"id"`
	Title     string     `json:"title" yaml:"title"`
	Labels    []string   `json:"labels,omitempty" yaml:"labels,omitempty"`
	DependsOn []string   `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	Status    ItemStatus `json:"status,omitempty" yaml:"status,omitempty"`
	Error     string     `json:"error,omitempty" yaml:"error,omitempty"`
	Reference string     `json:"reference,omitempty" yaml:"reference,omitempty"`
}

// Clone returns a deep copy of the item.
func (w *WorkItem) Clone() *WorkItem {
	if w == nil {
		return nil
	}
	cp := *w
	if w.Labels != nil {
		cp.Labels = append([]string(nil), w.Labels...)
	}
	if w.DependsOn != nil {
		cp.DependsOn = append([]string(nil), w.DependsOn...)
	}
	return &cp
}

// ValidateItems rejects nil items, empty IDs and duplicate IDs.
func ValidateItems(items []*WorkItem) error {
	seen := make(map[string]bool, len(items))
	for i, item := range items {
		if item == nil {
			return fmt.Errorf("item %d is nil", i)
		}
		if strings.TrimSpace(item.ID) == "" {
			return fmt.Errorf("item %d has an empty id", i)
		}
		if seen[item.ID] {
			return fmt.Errorf("duplicate item id %q", item.ID)
		}
		seen[item.ID] = true
	}
	return nil
}

// Summary counts terminal outcomes.
type Summary struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// Summarize counts the statuses of items.
func Summarize(items []*WorkItem) Summary {
	s := Summary{Total: len(items)}
	for _, item := range items {
		s.Add(item.Status)
	}
	return s
}

// Add counts one status.
func (s *Summary) Add(status ItemStatus) {
	switch status {
	case StatusCompleted:
		s.Completed++
	case StatusFailed:
		s.Failed++
	case StatusSkipped:
		s.Skipped++
	}
}

func (s Summary) String() string {
	return fmt.Sprintf("%d completed, %d failed, %d skipped (of %d)", s.Completed, s.Failed, s.Skipped, s.Total)
}
